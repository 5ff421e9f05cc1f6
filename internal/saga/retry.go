package saga

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/alfredjeanlab/sagas/internal/model"
)

// Backoff is a capped exponential delay: Base * 2^attempt, at most Max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// DefaultBackoff waits 1s, 2s, 4s, ... up to 30s.
var DefaultBackoff = Backoff{Base: time.Second, Max: 30 * time.Second}

// Delay returns the wait before retry number attempt+1. Max <= 0 means no cap.
func (b Backoff) Delay(attempt int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	d := b.Base
	for i := 0; i < attempt; i++ {
		if (b.Max > 0 && d >= b.Max) || d > math.MaxInt64/2 {
			break
		}
		d *= 2
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// executeStepWithRetry runs step until it succeeds, fails in a way that must
// not be retried, or runs out of attempts. A cancelled ctx is returned as
// ctx.Err() so the caller can tell an interruption from a failure.
func (o *Orchestrator) executeStepWithRetry(ctx context.Context, st *model.SagaState, step StepDefinition) (StepResult, error) {
	maxRetries := step.maxRetries()
	log := o.logger.With("saga_id", st.SagaID, "saga_type", st.SagaType, "step", step.Name)

	var last error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		res, err := o.invoke(ctx, st, step)
		if err == nil {
			return res, nil
		}
		if ctx.Err() != nil {
			return StepResult{}, ctx.Err()
		}
		last = err

		if !step.retryable() || IsPermanent(err) {
			log.Warn("step failed, not retryable", "attempt", attempt+1, "err", err)
			return StepResult{}, &StepError{Code: CodeNonRetryable, Step: step.Name, Attempts: attempt + 1, Err: err}
		}
		if attempt == maxRetries {
			break
		}

		delay := o.backoff.Delay(attempt)
		log.Warn("step failed, retrying", "attempt", attempt+1, "delay", delay, "err", err)
		if err := o.sleep(ctx, delay); err != nil {
			return StepResult{}, err
		}
	}
	log.Warn("step failed, retries exhausted", "attempts", maxRetries+1, "err", last)
	return StepResult{}, &StepError{Code: CodeMaxRetriesExceeded, Step: step.Name, Attempts: maxRetries + 1, Err: last}
}

// invoke runs one attempt on a private copy of st, racing it against the
// step timeout when one is set.
func (o *Orchestrator) invoke(ctx context.Context, st *model.SagaState, step StepDefinition) (StepResult, error) {
	view := st.Clone()
	res, timedOut, err := raceTimeout(ctx, step.Timeout, func(ctx context.Context) (res StepResult, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("step %s panicked: %v", step.Name, r)
			}
		}()
		return step.Execute(ctx, view)
	})
	if timedOut {
		return StepResult{}, &StepError{Code: CodeStepTimeout, Step: step.Name, Err: fmt.Errorf("no result within %s", step.Timeout)}
	}
	return res, err
}

// raceTimeout runs fn, giving up after timeout (0 = wait indefinitely).
// timedOut is false when ctx itself was cancelled; ctx.Err() is returned
// then. fn keeps running in the background after a timeout.
func raceTimeout[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (res T, timedOut bool, err error) {
	if timeout <= 0 {
		res, err = fn(ctx)
		return res, false, err
	}

	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		res T
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		r, e := fn(tctx)
		ch <- outcome{r, e}
	}()

	select {
	case out := <-ch:
		return out.res, false, out.err
	case <-tctx.Done():
		if ctx.Err() != nil {
			return res, false, ctx.Err()
		}
		return res, true, tctx.Err()
	}
}
