package saga

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alfredjeanlab/sagas/internal/eventlog"
	"github.com/alfredjeanlab/sagas/internal/model"
	"github.com/alfredjeanlab/sagas/internal/store/memory"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// recordingSleep records backoff delays instead of waiting.
type recordingSleep struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordingSleep) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delays = append(r.delays, d)
	return ctx.Err()
}

func (r *recordingSleep) recorded() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

type harness struct {
	orch   *Orchestrator
	store  *memory.Store
	log    *eventlog.Log
	reg    *Registry
	clock  *fakeClock
	sleeps *recordingSleep
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		store:  memory.New(),
		reg:    NewRegistry(),
		clock:  newFakeClock(),
		sleeps: &recordingSleep{},
	}
	h.log = eventlog.New(h.store, nil, quietLogger())
	base := []Option{
		WithLogger(quietLogger()),
		WithClock(h.clock.Now),
		WithSleep(h.sleeps.sleep),
	}
	h.orch = New(h.log, h.reg, append(base, opts...)...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.orch.Shutdown(ctx)
	})
	return h
}

// peer returns a second orchestrator over the same log and registry, as
// another process would run.
func (h *harness) peer(t *testing.T, opts ...Option) *Orchestrator {
	t.Helper()
	base := []Option{
		WithLogger(quietLogger()),
		WithClock(h.clock.Now),
		WithSleep(h.sleeps.sleep),
	}
	o := New(h.log, h.reg, append(base, opts...)...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = o.Shutdown(ctx)
	})
	return o
}

func waitOn(t *testing.T, o *Orchestrator, id string) *model.SagaState {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := o.Wait(ctx, id)
	if err != nil {
		t.Fatalf("Wait(%s): %v", id, err)
	}
	return st
}

func (h *harness) register(t *testing.T, d Definition) {
	t.Helper()
	if err := h.reg.Register(d); err != nil {
		t.Fatalf("Register(%s): %v", d.Type, err)
	}
}

func (h *harness) start(t *testing.T, sagaType string, data map[string]any) string {
	t.Helper()
	id, err := h.orch.StartSaga(context.Background(), sagaType, "acct_1", data, "tenant_a", "")
	if err != nil {
		t.Fatalf("StartSaga(%s): %v", sagaType, err)
	}
	return id
}

func (h *harness) wait(t *testing.T, id string) *model.SagaState {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := h.orch.Wait(ctx, id)
	if err != nil {
		t.Fatalf("Wait(%s): %v", id, err)
	}
	return st
}

// stepStatuses returns the history statuses recorded for one step, in order.
func stepStatuses(st *model.SagaState, step string) []model.StepStatus {
	var out []model.StepStatus
	for _, h := range st.StepHistory {
		if h.Step == step {
			out = append(out, h.Status)
		}
	}
	return out
}

func equalStatuses(got []model.StepStatus, want ...model.StepStatus) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func okStep(name string) StepDefinition {
	return StepDefinition{
		Name: name,
		Execute: func(context.Context, *model.SagaState) (StepResult, error) {
			return StepResult{}, nil
		},
	}
}

// counter counts invocations across goroutines.
type counter struct {
	mu    sync.Mutex
	calls []string
}

func (c *counter) add(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, s)
}

func (c *counter) list() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}
