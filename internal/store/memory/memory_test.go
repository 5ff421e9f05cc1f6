package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alfredjeanlab/sagas/internal/model"
	"github.com/alfredjeanlab/sagas/internal/store"
)

func sagaEvent(aggID string, data model.EventData) *model.Event {
	return model.NewEvent(aggID, model.AggregateTypeSaga, data, model.EventMetadata{TenantID: "t"})
}

func TestAppendEvents_AssignsContiguousIDs(t *testing.T) {
	s := New()
	ctx := context.Background()
	batch := []*model.Event{
		sagaEvent("a", model.SagaStepStarted{Step: "x"}),
		sagaEvent("a", model.SagaStepCompleted{Step: "x"}),
	}
	if err := s.AppendEvents(ctx, batch); err != nil {
		t.Fatal(err)
	}
	if batch[0].ID != 1 || batch[1].ID != 2 {
		t.Fatalf("ids = %d,%d", batch[0].ID, batch[1].ID)
	}
	got, err := s.GetEvents(ctx, "a", model.AggregateTypeSaga, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != 1 || got[1].ID != 2 {
		t.Fatalf("GetEvents = %v", got)
	}
}

func TestAppendEvents_ConcurrentBatchesDoNotInterleave(t *testing.T) {
	s := New()
	ctx := context.Background()
	const writers, size = 8, 5

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			batch := make([]*model.Event, size)
			for i := range batch {
				batch[i] = sagaEvent(fmt.Sprintf("agg-%d", w), model.SagaStepStarted{Step: fmt.Sprint(i)})
			}
			if err := s.AppendEvents(ctx, batch); err != nil {
				t.Error(err)
			}
		}(w)
	}
	wg.Wait()

	all, _ := s.ListEvents(ctx, 0, 0)
	if len(all) != writers*size {
		t.Fatalf("got %d events", len(all))
	}
	for i := 0; i < len(all); i += size {
		for j := i + 1; j < i+size; j++ {
			if all[j].AggregateID != all[i].AggregateID {
				t.Fatalf("batch starting at id %d interleaved with %s", all[i].ID, all[j].AggregateID)
			}
		}
	}
}

func TestRunInTransaction_RollsBack(t *testing.T) {
	s := New()
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.RunInTransaction(ctx, func(tx store.Store) error {
		if err := tx.AppendEvents(ctx, []*model.Event{sagaEvent("a", model.SagaCompletedEvent{})}); err != nil {
			return err
		}
		st := &model.SagaState{SagaID: "sg-1", SagaType: "p", Status: model.SagaRunning}
		if err := tx.SaveSagaState(ctx, st); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if evs, _ := s.GetEvents(ctx, "a", model.AggregateTypeSaga, 0); len(evs) != 0 {
		t.Errorf("events leaked from rolled back tx: %v", evs)
	}
	if _, err := s.GetSagaState(ctx, "sg-1", "p"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("saga leaked from rolled back tx: %v", err)
	}

	// The id counter is not consumed by a rolled back batch.
	e := sagaEvent("a", model.SagaCompletedEvent{})
	if err := s.AppendEvents(ctx, []*model.Event{e}); err != nil {
		t.Fatal(err)
	}
	if e.ID != 1 {
		t.Errorf("id = %d, want 1", e.ID)
	}
}

func TestFailNext(t *testing.T) {
	s := New()
	s.FailNext = errors.New("disk full")
	err := s.AppendEvents(context.Background(), []*model.Event{sagaEvent("a", model.SagaCompletedEvent{})})
	if !store.IsStorageError(err) {
		t.Fatalf("expected StorageError, got %v", err)
	}
	if err := s.AppendEvents(context.Background(), []*model.Event{sagaEvent("a", model.SagaCompletedEvent{})}); err != nil {
		t.Fatalf("failure should be one-shot: %v", err)
	}
}

func TestSaveSagaState_CAS(t *testing.T) {
	s := New()
	ctx := context.Background()
	st := &model.SagaState{SagaID: "sg-1", SagaType: "payout", Status: model.SagaRunning}
	if err := s.SaveSagaState(ctx, st); err != nil {
		t.Fatal(err)
	}
	if st.Version != 1 {
		t.Fatalf("version = %d", st.Version)
	}

	stale := st.Clone()
	st.Status = model.SagaCompleted
	if err := s.SaveSagaState(ctx, st); err != nil {
		t.Fatal(err)
	}
	stale.Status = model.SagaCancelled
	if err := s.SaveSagaState(ctx, stale); !errors.Is(err, store.ErrConcurrentModification) {
		t.Fatalf("stale write: err = %v", err)
	}

	dup := &model.SagaState{SagaID: "sg-1", SagaType: "payout", Status: model.SagaRunning}
	if err := s.SaveSagaState(ctx, dup); !errors.Is(err, store.ErrConcurrentModification) {
		t.Fatalf("duplicate insert: err = %v", err)
	}

	got, err := s.GetSagaState(ctx, "sg-1", "payout")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.SagaCompleted || got.Version != 2 {
		t.Errorf("got %+v", got)
	}
}

func TestListSagaStates_Filter(t *testing.T) {
	s := New()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	due := base.Add(time.Minute)
	later := base.Add(time.Hour)
	for i, st := range []*model.SagaState{
		{SagaID: "a", SagaType: "p", Status: model.SagaRunning, TenantID: "t1", NextRetryAt: &due, CreatedAt: base},
		{SagaID: "b", SagaType: "p", Status: model.SagaRunning, TenantID: "t1", NextRetryAt: &later, CreatedAt: base.Add(time.Second)},
		{SagaID: "c", SagaType: "p", Status: model.SagaFailed, TenantID: "t2", CreatedAt: base.Add(2 * time.Second)},
	} {
		if err := s.SaveSagaState(ctx, st); err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
	}

	cutoff := base.Add(10 * time.Minute)
	got, _ := s.ListSagaStates(ctx, model.SagaFilter{Status: []model.SagaStatus{model.SagaRunning}, DueBefore: &cutoff})
	if len(got) != 1 || got[0].SagaID != "a" {
		t.Errorf("due filter = %v", got)
	}
	got, _ = s.ListSagaStates(ctx, model.SagaFilter{TenantID: "t1", Limit: 1, Offset: 1})
	if len(got) != 1 || got[0].SagaID != "b" {
		t.Errorf("tenant page = %v", got)
	}
}

func TestSnapshots(t *testing.T) {
	s := New()
	ctx := context.Background()
	if _, err := s.GetLatestSnapshot(ctx, "a", "saga"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v", err)
	}
	for v := 1; v <= 3; v++ {
		snap := &model.Snapshot{AggregateID: "a", AggregateType: "saga", SnapshotVersion: v, SnapshotData: []byte(`{}`), EventID: int64(v * 10)}
		if err := s.SaveSnapshot(ctx, snap); err != nil {
			t.Fatal(err)
		}
	}
	// Upsert of an existing version replaces it.
	if err := s.SaveSnapshot(ctx, &model.Snapshot{AggregateID: "a", AggregateType: "saga", SnapshotVersion: 3, SnapshotData: []byte(`{}`), EventID: 35}); err != nil {
		t.Fatal(err)
	}
	latest, err := s.GetLatestSnapshot(ctx, "a", "saga")
	if err != nil {
		t.Fatal(err)
	}
	if latest.SnapshotVersion != 3 || latest.EventID != 35 {
		t.Errorf("latest = %+v", latest)
	}
}

func TestDeadLetters(t *testing.T) {
	s := New()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"dl-1", "dl-2", "dl-3"} {
		e := &model.DeadLetterEntry{ID: id, ErrorType: "E", ErrorMessage: "m", TenantID: "t", CreatedAt: base.Add(time.Duration(i) * time.Minute)}
		if err := s.AddDeadLetter(ctx, e); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.AddDeadLetter(ctx, &model.DeadLetterEntry{ID: "dl-1"}); !store.IsStorageError(err) {
		t.Errorf("duplicate id: err = %v", err)
	}

	first := base.Add(time.Hour)
	if _, changed, err := s.ResolveDeadLetter(ctx, "dl-1", "handled", first); err != nil || !changed {
		t.Fatalf("resolve: changed=%v err=%v", changed, err)
	}
	e, changed, err := s.ResolveDeadLetter(ctx, "dl-1", "again", first.Add(time.Hour))
	if err != nil || changed {
		t.Fatalf("second resolve: changed=%v err=%v", changed, err)
	}
	if !e.ResolvedAt.Equal(first) || e.ResolutionNotes != "handled" {
		t.Errorf("entry = %+v", e)
	}
	if _, _, err := s.ResolveDeadLetter(ctx, "nope", "", first); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("unknown: err = %v", err)
	}

	unresolved, _ := s.ListDeadLetters(ctx, model.DeadLetterFilter{UnresolvedOnly: true})
	if len(unresolved) != 2 || unresolved[0].ID != "dl-2" {
		t.Errorf("unresolved = %v", unresolved)
	}
	newest, _ := s.ListDeadLetters(ctx, model.DeadLetterFilter{TenantID: "t", NewestFirst: true, Limit: 2})
	if len(newest) != 2 || newest[0].ID != "dl-3" || newest[1].ID != "dl-2" {
		t.Errorf("newest = %v", newest)
	}
}
