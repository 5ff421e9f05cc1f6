package saga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alfredjeanlab/sagas/internal/eventlog"
	"github.com/alfredjeanlab/sagas/internal/idgen"
	"github.com/alfredjeanlab/sagas/internal/model"
	"github.com/alfredjeanlab/sagas/internal/store"
)

// DefaultMaxResumeAttempts is how many interruptions a saga survives before
// the driver fails it.
const DefaultMaxResumeAttempts = 3

// DefaultLease is how long a saga counts as held by the driver that last
// wrote it.
const DefaultLease = 5 * time.Minute

// persistTimeout bounds writes made after the driver context is gone.
const persistTimeout = 10 * time.Second

var (
	// errStopped ends a driver without reporting an error.
	errStopped = errors.New("saga driver stopped")
	// errReloaded restarts the step loop from freshly loaded state.
	errReloaded = errors.New("saga state reloaded")
)

// DriverErrorHandler receives errors and panics that escape a saga driver.
type DriverErrorHandler func(ctx context.Context, state *model.SagaState, err error)

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithBackoff sets the delay policy used between step attempts and for
// scheduling saga-level retries.
func WithBackoff(b Backoff) Option {
	return func(o *Orchestrator) { o.backoff = b }
}

// WithSleep replaces the backoff wait. Tests use it to skip real delays.
func WithSleep(fn SleepFunc) Option {
	return func(o *Orchestrator) { o.sleep = fn }
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

func WithMaxResumeAttempts(n int) Option {
	return func(o *Orchestrator) { o.maxResumeAttempts = n }
}

// WithLease sets how long a saga counts as held by its driver after the
// driver's last write. While a step or compensation runs the driver writes a
// heartbeat every third of the lease. d <= 0 disables both.
func WithLease(d time.Duration) Option {
	return func(o *Orchestrator) { o.lease = d }
}

func WithSnapshotPolicy(p eventlog.SnapshotPolicy) Option {
	return func(o *Orchestrator) { o.snapshots = p }
}

func WithDriverErrorHandler(h DriverErrorHandler) Option {
	return func(o *Orchestrator) { o.onDriverError = h }
}

func WithIDGenerator(fn func() (string, error)) Option {
	return func(o *Orchestrator) { o.newID = fn }
}

type driver struct {
	done chan struct{}
}

// Orchestrator runs saga instances. Each instance is driven by one
// goroutine. Ownership is tracked in process and recorded on the saga as an
// owner token with a lease; every write is a compare-and-swap on the saga's
// version, and a driver that finds another owner on reload stops.
type Orchestrator struct {
	log      *eventlog.Log
	registry *Registry
	logger   *slog.Logger

	backoff           Backoff
	sleep             SleepFunc
	now               func() time.Time
	newID             func() (string, error)
	newOwner          func() (string, error)
	maxResumeAttempts int
	lease             time.Duration
	snapshots         eventlog.SnapshotPolicy
	onDriverError     DriverErrorHandler

	baseCtx context.Context
	cancel  context.CancelFunc

	mu      sync.Mutex
	drivers map[string]*driver
	closed  bool
	wg      sync.WaitGroup
}

// New returns an orchestrator that persists through l and looks up saga
// types in r.
func New(l *eventlog.Log, r *Registry, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		log:               l,
		registry:          r,
		logger:            slog.Default(),
		backoff:           DefaultBackoff,
		sleep:             sleepContext,
		now:               func() time.Time { return time.Now().UTC() },
		newID:             idgen.NewSagaID,
		newOwner:          idgen.NewDriverID,
		maxResumeAttempts: DefaultMaxResumeAttempts,
		lease:             DefaultLease,
		drivers:           make(map[string]*driver),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.onDriverError == nil {
		o.onDriverError = o.logDriverError
	}
	o.baseCtx, o.cancel = context.WithCancel(context.Background())
	return o
}

func (o *Orchestrator) store() store.Store {
	return o.log.Store()
}

// MaxResumeAttempts is how many interruptions a saga survives before its
// driver fails it.
func (o *Orchestrator) MaxResumeAttempts() int {
	return o.maxResumeAttempts
}

// Registry returns the registry saga types are looked up in.
func (o *Orchestrator) Registry() *Registry {
	return o.registry
}

// StartSaga persists a new saga instance and hands it to a driver. It
// returns once the saga is recorded, not when it finishes; step failures
// are never returned here.
func (o *Orchestrator) StartSaga(ctx context.Context, sagaType, aggregateID string, initialData map[string]any, tenantID, correlationID string) (string, error) {
	def, ok := o.registry.Lookup(sagaType)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownSagaType, sagaType)
	}
	id, err := o.newID()
	if err != nil {
		return "", err
	}
	if correlationID == "" {
		correlationID = idgen.NewCorrelationID()
	}
	owner, err := o.newOwner()
	if err != nil {
		return "", err
	}

	d, err := o.claim(id)
	if err != nil {
		return "", err
	}
	st := &model.SagaState{}
	err = o.transition(ctx, st, model.SagaStarted{
		SagaID:        id,
		SagaType:      sagaType,
		AggregateID:   aggregateID,
		FirstStep:     def.Steps[0].Name,
		InitialData:   initialData,
		TenantID:      tenantID,
		CorrelationID: correlationID,
		Owner:         owner,
		At:            o.now(),
	})
	if err != nil {
		o.release(id, d)
		return "", err
	}

	o.logger.Info("saga started", "saga_id", id, "saga_type", sagaType, "aggregate_id", aggregateID, "correlation_id", correlationID)
	go o.drive(d, st, def)
	return id, nil
}

// ResumeSaga takes over a saga and drives it again from its current step,
// or continues its compensation if it was compensating. Completed sagas are
// left alone. A saga whose driver elsewhere still holds the lease is busy.
func (o *Orchestrator) ResumeSaga(ctx context.Context, sagaID, sagaType string) error {
	def, ok := o.registry.Lookup(sagaType)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSagaType, sagaType)
	}
	d, err := o.claim(sagaID)
	if err != nil {
		return err
	}
	launched := false
	defer func() {
		if !launched {
			o.release(sagaID, d)
		}
	}()

	st, err := o.load(ctx, sagaID, sagaType)
	if err != nil {
		return err
	}
	if st.Status == model.SagaCompleted {
		o.logger.Info("saga already completed, nothing to resume", "saga_id", sagaID, "saga_type", sagaType)
		return nil
	}
	if o.held(st) {
		return fmt.Errorf("%w: %s is held by driver %s", ErrSagaBusy, sagaID, st.Owner)
	}
	owner, err := o.newOwner()
	if err != nil {
		return err
	}
	from := st.Status
	err = o.transition(ctx, st, model.SagaResumed{Step: st.CurrentStep, FromStatus: string(from), Owner: owner, At: o.now()})
	if err != nil {
		return err
	}

	o.logger.Info("saga resumed", "saga_id", sagaID, "saga_type", sagaType, "step", st.CurrentStep, "from_status", from, "retry_count", st.RetryCount)
	launched = true
	go o.drive(d, st, def)
	return nil
}

// CancelSaga marks a saga cancelled without compensating. A driver that is
// still running the saga notices at its next write and stops.
func (o *Orchestrator) CancelSaga(ctx context.Context, sagaID, sagaType string) error {
	const attempts = 5
	for i := 0; i < attempts; i++ {
		st, err := o.load(ctx, sagaID, sagaType)
		if err != nil {
			return err
		}
		if st.Status == model.SagaCancelled {
			return nil
		}
		err = o.transition(ctx, st, model.SagaCancelledEvent{At: o.now()})
		if errors.Is(err, store.ErrConcurrentModification) {
			continue
		}
		if err != nil {
			return err
		}
		o.logger.Info("saga cancelled", "saga_id", sagaID, "saga_type", sagaType)
		return nil
	}
	return fmt.Errorf("cancel saga %s: %w", sagaID, store.ErrConcurrentModification)
}

// ScheduleResume marks a saga due for the resumer without driving it here,
// for callers that cannot run the saga's steps themselves. A failed or
// cancelled saga starts with a fresh retry budget. Completed sagas are left
// alone.
func (o *Orchestrator) ScheduleResume(ctx context.Context, sagaID, sagaType string) error {
	const attempts = 5
	for i := 0; i < attempts; i++ {
		st, err := o.load(ctx, sagaID, sagaType)
		if err != nil {
			return err
		}
		if st.Status == model.SagaCompleted {
			return nil
		}
		if o.held(st) {
			return fmt.Errorf("%w: %s is held by driver %s", ErrSagaBusy, sagaID, st.Owner)
		}
		count := st.RetryCount
		if st.Status == model.SagaFailed || st.Status == model.SagaCancelled {
			count = 0
		}
		at := o.now()
		err = o.transition(ctx, st, model.SagaRetryScheduled{
			Step:        st.CurrentStep,
			RetryCount:  count,
			NextRetryAt: at,
			Reason:      "resume requested",
			At:          at,
		})
		if errors.Is(err, store.ErrConcurrentModification) {
			continue
		}
		if err != nil {
			return err
		}
		o.logger.Info("saga resume scheduled", "saga_id", sagaID, "saga_type", sagaType, "step", st.CurrentStep)
		return nil
	}
	return fmt.Errorf("schedule resume of saga %s: %w", sagaID, store.ErrConcurrentModification)
}

// GetSagaStatus returns the persisted state, or nil when there is none.
func (o *Orchestrator) GetSagaStatus(ctx context.Context, sagaID, sagaType string) (*model.SagaState, error) {
	st, err := o.store().GetSagaState(ctx, sagaID, sagaType)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return st, err
}

// ListSagas returns persisted saga states matching filter.
func (o *Orchestrator) ListSagas(ctx context.Context, filter model.SagaFilter) ([]*model.SagaState, error) {
	return o.store().ListSagaStates(ctx, filter)
}

// History returns the events recorded for a saga, oldest first.
func (o *Orchestrator) History(ctx context.Context, sagaID string) ([]*model.Event, error) {
	return o.log.GetEvents(ctx, sagaID, model.AggregateTypeSaga, 0)
}

// RebuildState replays the saga's events (from the latest snapshot when
// there is a usable one) and writes a new snapshot when the policy says so.
func (o *Orchestrator) RebuildState(ctx context.Context, sagaID string) (*model.SagaState, error) {
	f := &stateFolder{}
	res, err := o.log.Replay(ctx, sagaID, model.AggregateTypeSaga, f)
	if err != nil {
		return nil, err
	}
	if f.state == nil {
		return nil, fmt.Errorf("%w: %s", ErrSagaNotFound, sagaID)
	}
	if _, err := o.log.MaybeSnapshot(ctx, o.snapshots, sagaID, model.AggregateTypeSaga, f, res); err != nil {
		o.logger.Warn("failed to save saga snapshot", "saga_id", sagaID, "err", err)
	}
	return f.state, nil
}

// Owns reports whether a driver in this process is running the saga.
func (o *Orchestrator) Owns(sagaID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.drivers[sagaID]
	return ok
}

// Done returns a channel closed when the in-process driver for the saga
// exits. The channel is already closed if there is no driver.
func (o *Orchestrator) Done(sagaID string) <-chan struct{} {
	o.mu.Lock()
	d := o.drivers[sagaID]
	o.mu.Unlock()
	if d == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return d.done
}

// Wait blocks until the saga's driver exits and returns the persisted state.
func (o *Orchestrator) Wait(ctx context.Context, sagaID string) (*model.SagaState, error) {
	select {
	case <-o.Done(sagaID):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	st, err := o.store().FindSagaState(ctx, sagaID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrSagaNotFound, sagaID)
	}
	return st, err
}

// Shutdown stops accepting work and waits for running drivers. If ctx
// expires first the drivers are cancelled, which makes them schedule a
// retry, and Shutdown still waits for them to exit.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		o.cancel()
		return nil
	case <-ctx.Done():
		o.logger.Warn("shutdown deadline reached, interrupting saga drivers")
		o.cancel()
		<-done
		return ctx.Err()
	}
}

func (o *Orchestrator) claim(sagaID string) (*driver, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, ErrOrchestratorClosed
	}
	if _, busy := o.drivers[sagaID]; busy {
		return nil, fmt.Errorf("%w: %s", ErrSagaBusy, sagaID)
	}
	d := &driver{done: make(chan struct{})}
	o.drivers[sagaID] = d
	o.wg.Add(1)
	return d, nil
}

func (o *Orchestrator) release(sagaID string, d *driver) {
	o.mu.Lock()
	if o.drivers[sagaID] == d {
		delete(o.drivers, sagaID)
	}
	o.mu.Unlock()
	close(d.done)
	o.wg.Done()
}

// held reports whether a driver still holds the lease on an unfinished saga.
func (o *Orchestrator) held(st *model.SagaState) bool {
	if o.lease <= 0 || st.Owner == "" {
		return false
	}
	if st.Status != model.SagaRunning && st.Status != model.SagaCompensating {
		return false
	}
	return o.now().Sub(st.UpdatedAt) < o.lease
}

func (o *Orchestrator) load(ctx context.Context, sagaID, sagaType string) (*model.SagaState, error) {
	st, err := o.store().GetSagaState(ctx, sagaID, sagaType)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrSagaNotFound, sagaID)
	}
	return st, err
}

// transition applies one event to a copy of st and persists the copy
// together with the event. st is only updated once the write commits.
func (o *Orchestrator) transition(ctx context.Context, st *model.SagaState, data model.EventData) error {
	next := st.Clone()
	if err := apply(next, data); err != nil {
		return err
	}
	if err := model.ValidateSagaState(next); err != nil {
		return err
	}

	meta := model.EventMetadata{TenantID: next.TenantID, CorrelationID: next.CorrelationID}
	var version int64
	err := o.log.Commit(ctx, func(tx store.Store, b *eventlog.Batch) error {
		row := next.Clone()
		if err := tx.SaveSagaState(ctx, row); err != nil {
			return err
		}
		version = row.Version
		b.Add(model.NewEvent(next.SagaID, model.AggregateTypeSaga, data, meta))
		return nil
	})
	if err != nil {
		return store.Wrap("save saga state", err)
	}
	next.Version = version
	*st = *next
	return nil
}

func (o *Orchestrator) drive(d *driver, st *model.SagaState, def Definition) {
	ctx := o.baseCtx
	defer o.release(st.SagaID, d)
	defer func() {
		if r := recover(); r != nil {
			o.onDriverError(context.WithoutCancel(ctx), st.Clone(), fmt.Errorf("saga driver panicked: %v", r))
		}
	}()

	if err := o.run(ctx, st, def); err != nil {
		o.onDriverError(context.WithoutCancel(ctx), st.Clone(), err)
	}
	o.maintainSnapshot(ctx, st.SagaID)
}

func (o *Orchestrator) run(ctx context.Context, st *model.SagaState, def Definition) error {
	for {
		err := o.runSteps(ctx, st, def)
		switch {
		case errors.Is(err, errReloaded):
			continue
		case errors.Is(err, errStopped):
			return nil
		default:
			return err
		}
	}
}

func (o *Orchestrator) runSteps(ctx context.Context, st *model.SagaState, def Definition) error {
	if st.Status == model.SagaCompensating {
		return o.resumeCompensation(ctx, st, def)
	}
	if st.Status != model.SagaRunning {
		return errStopped
	}
	if st.RetryCount > o.maxResumeAttempts {
		cause := &StepError{
			Code:     CodeMaxRetriesExceeded,
			Step:     st.CurrentStep,
			Attempts: st.RetryCount,
			Err:      fmt.Errorf("saga interrupted %d times, limit is %d", st.RetryCount, o.maxResumeAttempts),
		}
		return o.fail(ctx, st, def, max(def.stepIndex(st.CurrentStep), 0), cause)
	}

	for i, step := range def.Steps {
		if st.LatestStepStatus(step.Name) == model.StepCompleted {
			continue
		}
		if err := o.transition(ctx, st, model.SagaStepStarted{Step: step.Name, At: o.now()}); err != nil {
			return o.persistFailed(ctx, st, err)
		}

		stop := o.startHeartbeat(ctx, st)
		res, err := o.executeStepWithRetry(ctx, st, step)
		stop()
		if err != nil {
			if ctx.Err() != nil {
				o.scheduleRetry(ctx, st, "interrupted: "+ctx.Err().Error())
				return errStopped
			}
			return o.fail(ctx, st, def, i, err)
		}

		if err := o.transition(ctx, st, model.SagaStepCompleted{Step: step.Name, Output: res.Data, At: o.now()}); err != nil {
			return o.persistFailed(ctx, st, err)
		}
	}

	if err := o.transition(ctx, st, model.SagaCompletedEvent{At: o.now()}); err != nil {
		return o.persistFailed(ctx, st, err)
	}
	o.logger.Info("saga completed", "saga_id", st.SagaID, "saga_type", st.SagaType)
	o.runHook(ctx, "on_complete", def.OnComplete, st)
	return nil
}

// persistFailed decides what a driver does after a failed write.
func (o *Orchestrator) persistFailed(ctx context.Context, st *model.SagaState, err error) error {
	log := o.logger.With("saga_id", st.SagaID, "saga_type", st.SagaType, "step", st.CurrentStep)

	if errors.Is(err, store.ErrConcurrentModification) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
		defer cancel()
		cur, lerr := o.load(rctx, st.SagaID, st.SagaType)
		if lerr != nil {
			return fmt.Errorf("reload after concurrent modification: %w", lerr)
		}
		mine := st.Owner
		*st = *cur
		if cur.Status != model.SagaRunning && cur.Status != model.SagaCompensating {
			log.Info("saga changed by another writer, stopping", "status", cur.Status)
			return errStopped
		}
		if cur.Owner != mine {
			log.Info("saga taken over by another driver, stopping", "owner", cur.Owner)
			return errStopped
		}
		log.Info("saga changed by another writer, continuing from reloaded state")
		return errReloaded
	}

	var ve *model.ValidationError
	if errors.As(err, &ve) {
		return err
	}
	log.Warn("failed to persist saga state, scheduling retry", "err", err)
	o.scheduleRetry(ctx, st, "persist: "+err.Error())
	return errStopped
}

// startHeartbeat keeps the driver's lease alive until the returned function
// is called. Heartbeats are written from a copy of st; stopping merges the
// resulting version back so the driver's next write does not conflict.
func (o *Orchestrator) startHeartbeat(ctx context.Context, st *model.SagaState) (stop func()) {
	every := o.lease / 3
	if every <= 0 {
		return func() {}
	}
	hb := st.Clone()
	hctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-hctx.Done():
				return
			case <-ticker.C:
			}
			err := o.transition(hctx, hb, model.SagaHeartbeat{Owner: hb.Owner, At: o.now()})
			if errors.Is(err, store.ErrConcurrentModification) {
				// Cancelled or taken over; the driver finds out at its next write.
				return
			}
			if err != nil && hctx.Err() == nil {
				o.logger.Warn("failed to write saga heartbeat", "saga_id", hb.SagaID, "saga_type", hb.SagaType, "err", err)
			}
		}
	}()
	return func() {
		cancel()
		<-done
		st.Version = hb.Version
		st.UpdatedAt = hb.UpdatedAt
	}
}

// scheduleRetry leaves the saga with a due time for the resumer. A
// compensating saga stays compensating.
func (o *Orchestrator) scheduleRetry(ctx context.Context, st *model.SagaState, reason string) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	at := o.now()
	count := st.RetryCount + 1
	next := at.Add(o.backoff.Delay(count - 1))
	err := o.transition(pctx, st, model.SagaRetryScheduled{
		Step:        st.CurrentStep,
		RetryCount:  count,
		NextRetryAt: next,
		Reason:      reason,
		At:          at,
	})
	if err != nil {
		o.logger.Error("failed to schedule saga retry", "saga_id", st.SagaID, "saga_type", st.SagaType, "err", err)
		return
	}
	o.logger.Info("saga retry scheduled", "saga_id", st.SagaID, "saga_type", st.SagaType,
		"step", st.CurrentStep, "retry_count", count, "next_retry_at", next)
}

func (o *Orchestrator) runHook(ctx context.Context, name string, h Hook, st *model.SagaState) {
	if h == nil {
		return
	}
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("saga hook panicked", "hook", name, "saga_id", st.SagaID, "panic", r)
		}
	}()
	if err := h(hctx, st.Clone()); err != nil {
		o.logger.Error("saga hook failed", "hook", name, "saga_id", st.SagaID, "err", err)
	}
}

func (o *Orchestrator) maintainSnapshot(ctx context.Context, sagaID string) {
	if o.snapshots.Every <= 0 {
		return
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if _, err := o.RebuildState(sctx, sagaID); err != nil {
		o.logger.Warn("failed to rebuild saga for snapshot", "saga_id", sagaID, "err", err)
	}
}

func (o *Orchestrator) logDriverError(_ context.Context, st *model.SagaState, err error) {
	o.logger.Error("saga driver error", "saga_id", st.SagaID, "saga_type", st.SagaType, "step", st.CurrentStep, "err", err)
}
