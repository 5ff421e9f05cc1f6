// Package memory implements store.Store in process memory. It backs tests
// and `sagad serve --memory`; nothing survives a restart.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alfredjeanlab/sagas/internal/model"
	"github.com/alfredjeanlab/sagas/internal/store"
)

type aggKey struct {
	id, typ string
}

type snapKey struct {
	agg     aggKey
	version int
}

type sagaKey struct {
	id, typ string
}

// state is the full contents of the store. Values stored in the maps are
// never mutated in place, so a transaction can start from a shallow copy.
type state struct {
	events      []*model.Event
	nextID      int64
	snapshots   map[snapKey]*model.Snapshot
	sagas       map[sagaKey]*model.SagaState
	deadLetters map[string]*model.DeadLetterEntry
}

func (s *state) clone() *state {
	c := &state{
		events:      s.events[:len(s.events):len(s.events)],
		nextID:      s.nextID,
		snapshots:   make(map[snapKey]*model.Snapshot, len(s.snapshots)),
		sagas:       make(map[sagaKey]*model.SagaState, len(s.sagas)),
		deadLetters: make(map[string]*model.DeadLetterEntry, len(s.deadLetters)),
	}
	for k, v := range s.snapshots {
		c.snapshots[k] = v
	}
	for k, v := range s.sagas {
		c.sagas[k] = v
	}
	for k, v := range s.deadLetters {
		c.deadLetters[k] = v
	}
	return c
}

// Store is an in-memory store.Store. All operations, including whole
// transactions, are serialized by one mutex.
type Store struct {
	mu  sync.Mutex
	st  *state
	now func() time.Time

	// FailNext, when set, is returned (wrapped as a StorageError) by the next
	// write and then cleared. Tests use it to simulate I/O failures.
	FailNext error
}

// Compile-time check that Store implements store.Store.
var _ store.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		st: &state{
			nextID:      1,
			snapshots:   make(map[snapKey]*model.Snapshot),
			sagas:       make(map[sagaKey]*model.SagaState),
			deadLetters: make(map[string]*model.DeadLetterEntry),
		},
		now: time.Now,
	}
}

// SetClock overrides the clock used for CreatedAt.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Store) read(fn func(v *view) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(&view{st: s.st, now: s.now})
}

// write runs fn against a copy and installs it only if fn succeeds.
func (s *Store) write(op string, fn func(v *view) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(op); err != nil {
		return err
	}
	v := &view{st: s.st.clone(), now: s.now}
	if err := fn(v); err != nil {
		return err
	}
	s.st = v.st
	return nil
}

func (s *Store) takeFailure(op string) error {
	if s.FailNext == nil {
		return nil
	}
	err := s.FailNext
	s.FailNext = nil
	return &store.StorageError{Op: op, Err: err}
}

func (s *Store) AppendEvents(ctx context.Context, events []*model.Event) error {
	return s.write("append events", func(v *view) error { return v.appendEvents(events) })
}

func (s *Store) GetEvent(ctx context.Context, id int64) (*model.Event, error) {
	var out *model.Event
	err := s.read(func(v *view) (err error) { out, err = v.getEvent(id); return })
	return out, err
}

func (s *Store) GetEvents(ctx context.Context, aggregateID, aggregateType string, fromVersion int) ([]*model.Event, error) {
	var out []*model.Event
	err := s.read(func(v *view) error { out = v.getEvents(aggregateID, aggregateType, fromVersion); return nil })
	return out, err
}

func (s *Store) GetEventsAfter(ctx context.Context, aggregateID, aggregateType string, afterID int64) ([]*model.Event, error) {
	var out []*model.Event
	err := s.read(func(v *view) error { out = v.getEventsAfter(aggregateID, aggregateType, afterID); return nil })
	return out, err
}

func (s *Store) GetEventsByType(ctx context.Context, eventType string, limit int) ([]*model.Event, error) {
	var out []*model.Event
	err := s.read(func(v *view) error { out = v.getEventsByType(eventType, limit); return nil })
	return out, err
}

func (s *Store) GetEventsByCorrelationID(ctx context.Context, correlationID string) ([]*model.Event, error) {
	var out []*model.Event
	err := s.read(func(v *view) error { out = v.getEventsByCorrelationID(correlationID); return nil })
	return out, err
}

func (s *Store) ListEvents(ctx context.Context, afterID int64, limit int) ([]*model.Event, error) {
	var out []*model.Event
	err := s.read(func(v *view) error { out = v.listEvents(afterID, limit); return nil })
	return out, err
}

func (s *Store) SaveSnapshot(ctx context.Context, snap *model.Snapshot) error {
	return s.write("save snapshot", func(v *view) error { return v.saveSnapshot(snap) })
}

func (s *Store) GetSnapshot(ctx context.Context, aggregateID, aggregateType string, version int) (*model.Snapshot, error) {
	var out *model.Snapshot
	err := s.read(func(v *view) (err error) { out, err = v.getSnapshot(aggregateID, aggregateType, version); return })
	return out, err
}

func (s *Store) GetLatestSnapshot(ctx context.Context, aggregateID, aggregateType string) (*model.Snapshot, error) {
	var out *model.Snapshot
	err := s.read(func(v *view) (err error) { out, err = v.getLatestSnapshot(aggregateID, aggregateType); return })
	return out, err
}

func (s *Store) SaveSagaState(ctx context.Context, st *model.SagaState) error {
	return s.write("save saga state", func(v *view) error { return v.saveSagaState(st) })
}

func (s *Store) GetSagaState(ctx context.Context, sagaID, sagaType string) (*model.SagaState, error) {
	var out *model.SagaState
	err := s.read(func(v *view) (err error) { out, err = v.getSagaState(sagaID, sagaType); return })
	return out, err
}

func (s *Store) FindSagaState(ctx context.Context, sagaID string) (*model.SagaState, error) {
	var out *model.SagaState
	err := s.read(func(v *view) (err error) { out, err = v.findSagaState(sagaID); return })
	return out, err
}

func (s *Store) ListSagaStates(ctx context.Context, filter model.SagaFilter) ([]*model.SagaState, error) {
	var out []*model.SagaState
	err := s.read(func(v *view) error { out = v.listSagaStates(filter); return nil })
	return out, err
}

func (s *Store) AddDeadLetter(ctx context.Context, e *model.DeadLetterEntry) error {
	return s.write("add dead letter", func(v *view) error { return v.addDeadLetter(e) })
}

func (s *Store) GetDeadLetter(ctx context.Context, id string) (*model.DeadLetterEntry, error) {
	var out *model.DeadLetterEntry
	err := s.read(func(v *view) (err error) { out, err = v.getDeadLetter(id); return })
	return out, err
}

func (s *Store) ListDeadLetters(ctx context.Context, filter model.DeadLetterFilter) ([]*model.DeadLetterEntry, error) {
	var out []*model.DeadLetterEntry
	err := s.read(func(v *view) error { out = v.listDeadLetters(filter); return nil })
	return out, err
}

func (s *Store) ResolveDeadLetter(ctx context.Context, id, notes string, at time.Time) (*model.DeadLetterEntry, bool, error) {
	var (
		out     *model.DeadLetterEntry
		changed bool
	)
	err := s.write("resolve dead letter", func(v *view) (err error) {
		out, changed, err = v.resolveDeadLetter(id, notes, at)
		return
	})
	return out, changed, err
}

// RunInTransaction runs fn against a private copy of the store and installs
// the copy only if fn returns nil. fn must use tx, not s; calling s from
// inside fn deadlocks.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx store.Store) error) error {
	return s.write("transaction", func(v *view) error {
		return fn(&txStore{v: v})
	})
}

// Ping always succeeds.
func (s *Store) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op.
func (s *Store) Close() error {
	return nil
}

// view implements the store operations over one state value. Callers hold
// the store mutex.
type view struct {
	st  *state
	now func() time.Time
}

func copyEvent(e *model.Event) *model.Event {
	c := *e
	if e.Metadata.Extra != nil {
		c.Metadata.Extra = make(map[string]string, len(e.Metadata.Extra))
		for k, val := range e.Metadata.Extra {
			c.Metadata.Extra[k] = val
		}
	}
	return &c
}

func (v *view) appendEvents(events []*model.Event) error {
	// Stored payloads go through the same JSON round trip as in postgres.
	decoded := make([]model.EventData, len(events))
	for i, e := range events {
		raw, err := model.EncodeEventData(e.Data)
		if err != nil {
			return err
		}
		if decoded[i], err = model.DecodeEventData(e.EventType, raw); err != nil {
			return err
		}
	}
	now := v.now()
	for i, e := range events {
		e.ID = v.st.nextID
		e.CreatedAt = now
		v.st.nextID++
		c := copyEvent(e)
		c.Data = decoded[i]
		v.st.events = append(v.st.events, c)
	}
	return nil
}

func (v *view) getEvent(id int64) (*model.Event, error) {
	i := sort.Search(len(v.st.events), func(i int) bool { return v.st.events[i].ID >= id })
	if i < len(v.st.events) && v.st.events[i].ID == id {
		return copyEvent(v.st.events[i]), nil
	}
	return nil, store.ErrNotFound
}

func (v *view) filterEvents(keep func(e *model.Event) bool) []*model.Event {
	out := []*model.Event{}
	for _, e := range v.st.events {
		if keep(e) {
			out = append(out, copyEvent(e))
		}
	}
	return out
}

func (v *view) getEvents(aggregateID, aggregateType string, fromVersion int) []*model.Event {
	return v.filterEvents(func(e *model.Event) bool {
		return e.AggregateID == aggregateID && e.AggregateType == aggregateType && e.EventVersion >= fromVersion
	})
}

func (v *view) getEventsAfter(aggregateID, aggregateType string, afterID int64) []*model.Event {
	return v.filterEvents(func(e *model.Event) bool {
		return e.AggregateID == aggregateID && e.AggregateType == aggregateType && e.ID > afterID
	})
}

func (v *view) getEventsByType(eventType string, limit int) []*model.Event {
	out := []*model.Event{}
	for i := len(v.st.events) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		if e := v.st.events[i]; e.EventType == eventType {
			out = append(out, copyEvent(e))
		}
	}
	// Events are stored in id order; created_at is non-decreasing with id
	// unless the clock went backwards, so re-sort to honour created_at.
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

func (v *view) getEventsByCorrelationID(correlationID string) []*model.Event {
	out := v.filterEvents(func(e *model.Event) bool {
		return correlationID != "" && e.Metadata.CorrelationID == correlationID
	})
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (v *view) listEvents(afterID int64, limit int) []*model.Event {
	out := []*model.Event{}
	for _, e := range v.st.events {
		if e.ID <= afterID {
			continue
		}
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, copyEvent(e))
	}
	return out
}

func copySnapshot(s *model.Snapshot) *model.Snapshot {
	c := *s
	c.SnapshotData = append(json.RawMessage(nil), s.SnapshotData...)
	return &c
}

func (v *view) saveSnapshot(snap *model.Snapshot) error {
	snap.CreatedAt = v.now()
	k := snapKey{agg: aggKey{snap.AggregateID, snap.AggregateType}, version: snap.SnapshotVersion}
	v.st.snapshots[k] = copySnapshot(snap)
	return nil
}

func (v *view) getSnapshot(aggregateID, aggregateType string, version int) (*model.Snapshot, error) {
	s, ok := v.st.snapshots[snapKey{agg: aggKey{aggregateID, aggregateType}, version: version}]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copySnapshot(s), nil
}

func (v *view) getLatestSnapshot(aggregateID, aggregateType string) (*model.Snapshot, error) {
	var latest *model.Snapshot
	agg := aggKey{aggregateID, aggregateType}
	for k, s := range v.st.snapshots {
		if k.agg == agg && (latest == nil || s.SnapshotVersion > latest.SnapshotVersion) {
			latest = s
		}
	}
	if latest == nil {
		return nil, store.ErrNotFound
	}
	return copySnapshot(latest), nil
}

func (v *view) saveSagaState(st *model.SagaState) error {
	k := sagaKey{st.SagaID, st.SagaType}
	cur, exists := v.st.sagas[k]
	switch {
	case st.Version == 0 && exists:
		return store.ErrConcurrentModification
	case st.Version != 0 && (!exists || cur.Version != st.Version):
		return store.ErrConcurrentModification
	}
	next := st.Clone()
	next.Version = st.Version + 1
	v.st.sagas[k] = next
	st.Version = next.Version
	return nil
}

func (v *view) getSagaState(sagaID, sagaType string) (*model.SagaState, error) {
	s, ok := v.st.sagas[sagaKey{sagaID, sagaType}]
	if !ok {
		return nil, store.ErrNotFound
	}
	return s.Clone(), nil
}

func (v *view) findSagaState(sagaID string) (*model.SagaState, error) {
	var found *model.SagaState
	for k, s := range v.st.sagas {
		if k.id == sagaID && (found == nil || s.UpdatedAt.After(found.UpdatedAt)) {
			found = s
		}
	}
	if found == nil {
		return nil, store.ErrNotFound
	}
	return found.Clone(), nil
}

func matchesSaga(s *model.SagaState, f model.SagaFilter) bool {
	if len(f.Status) > 0 {
		ok := false
		for _, st := range f.Status {
			if s.Status == st {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.SagaType != "" && s.SagaType != f.SagaType {
		return false
	}
	if f.TenantID != "" && s.TenantID != f.TenantID {
		return false
	}
	if f.CorrelationID != "" && s.CorrelationID != f.CorrelationID {
		return false
	}
	if f.DueBefore != nil && (s.NextRetryAt == nil || s.NextRetryAt.After(*f.DueBefore)) {
		return false
	}
	if f.UpdatedBefore != nil && !s.UpdatedAt.Before(*f.UpdatedBefore) {
		return false
	}
	return true
}

func (v *view) listSagaStates(f model.SagaFilter) []*model.SagaState {
	var out []*model.SagaState
	for _, s := range v.st.sagas {
		if matchesSaga(s, f) {
			out = append(out, s.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].SagaID < out[j].SagaID
	})
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

func copyDeadLetter(e *model.DeadLetterEntry) *model.DeadLetterEntry {
	c := *e
	c.Payload = append(json.RawMessage(nil), e.Payload...)
	if len(c.Payload) == 0 {
		c.Payload = nil
	}
	if e.EventID != nil {
		id := *e.EventID
		c.EventID = &id
	}
	if e.ResolvedAt != nil {
		t := *e.ResolvedAt
		c.ResolvedAt = &t
	}
	return &c
}

func (v *view) addDeadLetter(e *model.DeadLetterEntry) error {
	if _, ok := v.st.deadLetters[e.ID]; ok {
		return &store.StorageError{Op: "add dead letter", Err: fmt.Errorf("duplicate id %q", e.ID)}
	}
	v.st.deadLetters[e.ID] = copyDeadLetter(e)
	return nil
}

func (v *view) getDeadLetter(id string) (*model.DeadLetterEntry, error) {
	e, ok := v.st.deadLetters[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyDeadLetter(e), nil
}

func (v *view) listDeadLetters(f model.DeadLetterFilter) []*model.DeadLetterEntry {
	var out []*model.DeadLetterEntry
	for _, e := range v.st.deadLetters {
		if f.TenantID != "" && e.TenantID != f.TenantID {
			continue
		}
		if f.UnresolvedOnly && e.ResolvedAt != nil {
			continue
		}
		out = append(out, copyDeadLetter(e))
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if f.NewestFirst {
			a, b = b, a
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

func (v *view) resolveDeadLetter(id, notes string, at time.Time) (*model.DeadLetterEntry, bool, error) {
	e, ok := v.st.deadLetters[id]
	if !ok {
		return nil, false, store.ErrNotFound
	}
	if e.ResolvedAt != nil {
		return copyDeadLetter(e), false, nil
	}
	next := copyDeadLetter(e)
	next.ResolvedAt = &at
	next.ResolutionNotes = notes
	v.st.deadLetters[id] = next
	return copyDeadLetter(next), true, nil
}

// txStore exposes a view as a store.Store for the duration of one
// transaction.
type txStore struct {
	v *view
}

var _ store.Store = (*txStore)(nil)

func (t *txStore) AppendEvents(ctx context.Context, events []*model.Event) error {
	return t.v.appendEvents(events)
}

func (t *txStore) GetEvent(ctx context.Context, id int64) (*model.Event, error) {
	return t.v.getEvent(id)
}

func (t *txStore) GetEvents(ctx context.Context, aggregateID, aggregateType string, fromVersion int) ([]*model.Event, error) {
	return t.v.getEvents(aggregateID, aggregateType, fromVersion), nil
}

func (t *txStore) GetEventsAfter(ctx context.Context, aggregateID, aggregateType string, afterID int64) ([]*model.Event, error) {
	return t.v.getEventsAfter(aggregateID, aggregateType, afterID), nil
}

func (t *txStore) GetEventsByType(ctx context.Context, eventType string, limit int) ([]*model.Event, error) {
	return t.v.getEventsByType(eventType, limit), nil
}

func (t *txStore) GetEventsByCorrelationID(ctx context.Context, correlationID string) ([]*model.Event, error) {
	return t.v.getEventsByCorrelationID(correlationID), nil
}

func (t *txStore) ListEvents(ctx context.Context, afterID int64, limit int) ([]*model.Event, error) {
	return t.v.listEvents(afterID, limit), nil
}

func (t *txStore) SaveSnapshot(ctx context.Context, snap *model.Snapshot) error {
	return t.v.saveSnapshot(snap)
}

func (t *txStore) GetSnapshot(ctx context.Context, aggregateID, aggregateType string, version int) (*model.Snapshot, error) {
	return t.v.getSnapshot(aggregateID, aggregateType, version)
}

func (t *txStore) GetLatestSnapshot(ctx context.Context, aggregateID, aggregateType string) (*model.Snapshot, error) {
	return t.v.getLatestSnapshot(aggregateID, aggregateType)
}

func (t *txStore) SaveSagaState(ctx context.Context, st *model.SagaState) error {
	return t.v.saveSagaState(st)
}

func (t *txStore) GetSagaState(ctx context.Context, sagaID, sagaType string) (*model.SagaState, error) {
	return t.v.getSagaState(sagaID, sagaType)
}

func (t *txStore) FindSagaState(ctx context.Context, sagaID string) (*model.SagaState, error) {
	return t.v.findSagaState(sagaID)
}

func (t *txStore) ListSagaStates(ctx context.Context, filter model.SagaFilter) ([]*model.SagaState, error) {
	return t.v.listSagaStates(filter), nil
}

func (t *txStore) AddDeadLetter(ctx context.Context, e *model.DeadLetterEntry) error {
	return t.v.addDeadLetter(e)
}

func (t *txStore) GetDeadLetter(ctx context.Context, id string) (*model.DeadLetterEntry, error) {
	return t.v.getDeadLetter(id)
}

func (t *txStore) ListDeadLetters(ctx context.Context, filter model.DeadLetterFilter) ([]*model.DeadLetterEntry, error) {
	return t.v.listDeadLetters(filter), nil
}

func (t *txStore) ResolveDeadLetter(ctx context.Context, id, notes string, at time.Time) (*model.DeadLetterEntry, bool, error) {
	return t.v.resolveDeadLetter(id, notes, at)
}

// RunInTransaction reuses the enclosing transaction.
func (t *txStore) RunInTransaction(ctx context.Context, fn func(tx store.Store) error) error {
	return fn(t)
}

func (t *txStore) Ping(ctx context.Context) error { return nil }

func (t *txStore) Close() error { return nil }
