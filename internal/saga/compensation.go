package saga

import (
	"context"
	"fmt"
	"strings"

	"github.com/alfredjeanlab/sagas/internal/model"
)

// compensation is the work left after a step gave up: undo the completed
// steps before failedIdx, newest first, then mark the saga failed.
type compensation struct {
	failedIdx  int
	failedStep string
	errorType  string
	cause      string
	// skip holds steps whose compensation already failed in an earlier run.
	skip map[string]bool
	errs []string
}

// fail compensates the steps before failedIdx in reverse order and marks the
// saga failed. A failed compensation is recorded and the remaining ones
// still run.
func (o *Orchestrator) fail(ctx context.Context, st *model.SagaState, def Definition, failedIdx int, cause error) error {
	c := compensation{
		failedIdx:  failedIdx,
		failedStep: def.Steps[failedIdx].Name,
		errorType:  ErrorType(cause),
		cause:      cause.Error(),
	}
	o.logger.Warn("step gave up, compensating", "saga_id", st.SagaID, "saga_type", st.SagaType, "step", c.failedStep, "err", cause)

	err := o.transition(ctx, st, model.SagaCompensationStarted{
		FailedStep: c.failedStep,
		ErrorType:  c.errorType,
		Error:      c.cause,
		At:         o.now(),
	})
	if err != nil {
		return o.persistFailed(ctx, st, err)
	}
	return o.compensateAll(ctx, st, def, c)
}

// resumeCompensation continues a compensation that was interrupted. What
// failed, and which compensations already failed, is read back from the
// saga's events; steps already compensated are skipped by their history.
func (o *Orchestrator) resumeCompensation(ctx context.Context, st *model.SagaState, def Definition) error {
	evs, err := o.History(ctx, st.SagaID)
	if err != nil {
		return o.persistFailed(ctx, st, err)
	}
	c, ok := pendingCompensation(evs, def)
	if !ok {
		c = compensation{
			failedIdx:  max(def.stepIndex(st.CurrentStep), 0),
			failedStep: st.CurrentStep,
			errorType:  string(CodeStepFailed),
			cause:      st.Error,
		}
	}
	if st.RetryCount > o.maxResumeAttempts {
		// Compensations left undone stay undone; the failure says so.
		o.logger.Error("compensation interrupted too often, giving up", "saga_id", st.SagaID, "saga_type", st.SagaType,
			"step", c.failedStep, "retry_count", st.RetryCount, "limit", o.maxResumeAttempts)
		c.errs = append(c.errs, fmt.Sprintf("compensation interrupted %d times, limit is %d", st.RetryCount, o.maxResumeAttempts))
		return o.finishFailed(ctx, st, def, c)
	}
	o.logger.Info("resuming compensation", "saga_id", st.SagaID, "saga_type", st.SagaType, "step", c.failedStep)
	return o.compensateAll(ctx, st, def, c)
}

// pendingCompensation rebuilds the compensation started by the saga's most
// recent saga.compensation_started event.
func pendingCompensation(evs []*model.Event, def Definition) (compensation, bool) {
	var (
		c     compensation
		found bool
	)
	for _, e := range evs {
		switch d := e.Data.(type) {
		case model.SagaCompensationStarted:
			c = compensation{failedStep: d.FailedStep, errorType: d.ErrorType, cause: d.Error, skip: map[string]bool{}}
			found = true
		case model.SagaStepCompensationFailed:
			if found {
				c.skip[d.Step] = true
				c.errs = append(c.errs, compensationError(d.Step, d.Error))
			}
		}
	}
	if !found {
		return c, false
	}
	c.failedIdx = def.stepIndex(c.failedStep)
	if c.failedIdx < 0 {
		c.failedIdx = len(def.Steps)
	}
	if c.errorType == "" {
		c.errorType = string(CodeStepFailed)
	}
	return c, true
}

func (o *Orchestrator) compensateAll(ctx context.Context, st *model.SagaState, def Definition, c compensation) error {
	log := o.logger.With("saga_id", st.SagaID, "saga_type", st.SagaType, "step", c.failedStep)

	for i := c.failedIdx - 1; i >= 0; i-- {
		step := def.Steps[i]
		if step.Compensate == nil || c.skip[step.Name] || st.LatestStepStatus(step.Name) != model.StepCompleted {
			continue
		}

		stop := o.startHeartbeat(ctx, st)
		cerr := o.compensate(ctx, st, step)
		stop()
		if cerr != nil && ctx.Err() != nil {
			o.scheduleRetry(ctx, st, "interrupted during compensation: "+ctx.Err().Error())
			return errStopped
		}

		var data model.EventData = model.SagaStepCompensated{Step: step.Name, At: o.now()}
		if cerr != nil {
			log.Error("compensation failed", "compensated_step", step.Name, "err", cerr)
			c.errs = append(c.errs, compensationError(step.Name, cerr.Error()))
			data = model.SagaStepCompensationFailed{Step: step.Name, Error: cerr.Error(), At: o.now()}
		} else {
			log.Info("step compensated", "compensated_step", step.Name)
		}
		if err := o.transition(ctx, st, data); err != nil {
			return o.persistFailed(ctx, st, err)
		}
	}

	return o.finishFailed(ctx, st, def, c)
}

// finishFailed writes saga.failed with the cause and any compensation
// errors, then runs the failure hook.
func (o *Orchestrator) finishFailed(ctx context.Context, st *model.SagaState, def Definition, c compensation) error {
	log := o.logger.With("saga_id", st.SagaID, "saga_type", st.SagaType, "step", c.failedStep)
	msg := c.cause
	if len(c.errs) > 0 {
		msg += "; " + strings.Join(c.errs, "; ")
	}
	err := o.transition(ctx, st, model.SagaFailedEvent{Step: c.failedStep, ErrorType: c.errorType, Error: msg, At: o.now()})
	if err != nil {
		return o.persistFailed(ctx, st, err)
	}
	log.Error("saga failed", "error_type", st.ErrorType, "err", msg)
	o.runHook(ctx, "on_failure", def.OnFailure, st)
	return nil
}

// compensate runs one compensation under the step's timeout.
func (o *Orchestrator) compensate(ctx context.Context, st *model.SagaState, step StepDefinition) error {
	view := st.Clone()
	_, timedOut, err := raceTimeout(ctx, step.Timeout, func(ctx context.Context) (_ struct{}, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("compensation of %s panicked: %v", step.Name, r)
			}
		}()
		return struct{}{}, step.Compensate(ctx, view)
	})
	if timedOut {
		return &StepError{Code: CodeStepTimeout, Step: step.Name, Err: fmt.Errorf("compensation gave no result within %s", step.Timeout)}
	}
	return err
}
