package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alfredjeanlab/sagas/internal/eventlog"
	"github.com/alfredjeanlab/sagas/internal/model"
	"github.com/alfredjeanlab/sagas/internal/saga"
	"github.com/alfredjeanlab/sagas/internal/store"
)

func newOrchestrator(t *testing.T, st store.Store, opts ...saga.Option) (*saga.Orchestrator, *saga.Registry) {
	t.Helper()
	reg := saga.NewRegistry()
	base := []saga.Option{
		saga.WithLogger(quietLogger()),
		saga.WithSleep(func(ctx context.Context, _ time.Duration) error { return ctx.Err() }),
	}
	o := saga.New(eventlog.New(st, nil, quietLogger()), reg, append(base, opts...)...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = o.Shutdown(ctx)
	})
	return o, reg
}

func waitFor(t *testing.T, o *saga.Orchestrator, id string) *model.SagaState {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := o.Wait(ctx, id)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	return st
}

func TestFailureHookRecordsFailedSaga(t *testing.T) {
	sink, ms, _ := newTestSink(t)
	o, reg := newOrchestrator(t, ms)
	reg.MustRegister(saga.Definition{
		Type: "payout",
		Steps: []saga.StepDefinition{{
			Name:      "charge",
			Retryable: saga.Bool(false),
			Execute: func(context.Context, *model.SagaState) (saga.StepResult, error) {
				return saga.StepResult{}, errors.New("card declined")
			},
		}},
		OnFailure: FailureHook(sink, 7),
	})

	id, err := o.StartSaga(context.Background(), "payout", "acct_1", map[string]any{"amount": 10}, "tenant_a", "corr-1")
	if err != nil {
		t.Fatalf("StartSaga: %v", err)
	}
	waitFor(t, o, id)

	entries, err := sink.GetEntriesByTenant(context.Background(), "tenant_a", 10)
	if err != nil {
		t.Fatalf("GetEntriesByTenant: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	e := entries[0]
	if e.SagaID != id || e.CorrelationID != "corr-1" || e.ErrorType != string(saga.CodeNonRetryable) {
		t.Fatalf("entry = %+v", e)
	}
	if e.MaxRetries != 7 || e.RetryCount != 0 {
		t.Errorf("retry_count/max_retries = %d/%d, want 0/7", e.RetryCount, e.MaxRetries)
	}
	if !strings.Contains(e.ErrorMessage, "card declined") {
		t.Errorf("message = %q", e.ErrorMessage)
	}
	var p sagaPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if p.SagaType != "payout" || p.CurrentStep != "charge" || p.Data["amount"] != float64(10) {
		t.Errorf("payload = %+v", p)
	}
}

func TestCompletedSagaWritesNothing(t *testing.T) {
	sink, ms, _ := newTestSink(t)
	o, reg := newOrchestrator(t, ms)
	reg.MustRegister(saga.Definition{
		Type: "payout",
		Steps: []saga.StepDefinition{{
			Name: "charge",
			Execute: func(context.Context, *model.SagaState) (saga.StepResult, error) {
				return saga.StepResult{}, nil
			},
		}},
		OnFailure: FailureHook(sink, saga.DefaultMaxResumeAttempts),
	})

	id, err := o.StartSaga(context.Background(), "payout", "acct_1", nil, "tenant_a", "")
	if err != nil {
		t.Fatalf("StartSaga: %v", err)
	}
	waitFor(t, o, id)

	entries, err := sink.GetUnresolvedEntries(context.Background(), 10)
	if err != nil || len(entries) != 0 {
		t.Fatalf("entries = %v, %v", entries, err)
	}
}

func TestDriverErrorHandlerRecordsPanic(t *testing.T) {
	sink, ms, _ := newTestSink(t)
	o, reg := newOrchestrator(t, ms,
		saga.WithSleep(func(context.Context, time.Duration) error { panic("backoff broke") }),
		saga.WithDriverErrorHandler(DriverErrorHandler(sink, 5)),
	)
	reg.MustRegister(saga.Definition{
		Type: "payout",
		Steps: []saga.StepDefinition{{
			Name: "charge",
			Execute: func(context.Context, *model.SagaState) (saga.StepResult, error) {
				return saga.StepResult{}, errors.New("flaky")
			},
		}},
	})

	id, err := o.StartSaga(context.Background(), "payout", "acct_1", nil, "tenant_a", "")
	if err != nil {
		t.Fatalf("StartSaga: %v", err)
	}
	waitFor(t, o, id)

	entries, err := sink.GetUnresolvedEntries(context.Background(), 10)
	if err != nil {
		t.Fatalf("GetUnresolvedEntries: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	e := entries[0]
	if e.ErrorType != ErrorTypeDriver || e.SagaID != id || !strings.Contains(e.ErrorMessage, "backoff broke") {
		t.Fatalf("entry = %+v", e)
	}
	if e.MaxRetries != 5 {
		t.Errorf("max_retries = %d, want 5", e.MaxRetries)
	}
	if e.ErrorStack == "" {
		t.Error("expected a stack trace")
	}
}
