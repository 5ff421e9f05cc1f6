package dlq

import (
	"context"
	"encoding/json"
	"runtime/debug"

	"github.com/alfredjeanlab/sagas/internal/model"
	"github.com/alfredjeanlab/sagas/internal/saga"
)

// ErrorTypeDriver marks entries written for errors that escaped a saga driver.
const ErrorTypeDriver = "DRIVER_ERROR"

// sagaPayload is what an entry carries about the saga it was written for.
type sagaPayload struct {
	SagaType    string         `json:"saga_type"`
	AggregateID string         `json:"aggregate_id"`
	CurrentStep string         `json:"current_step"`
	Status      string         `json:"status"`
	Data        map[string]any `json:"data,omitempty"`
}

func entryFor(st *model.SagaState, errorType, msg string, maxRetries int) *model.DeadLetterEntry {
	e := &model.DeadLetterEntry{
		ErrorType:    errorType,
		ErrorMessage: msg,
		RetryCount:   st.RetryCount,
		MaxRetries:   maxRetries,
	}
	if st.SagaID == "" {
		return e
	}
	e.SagaID = st.SagaID
	e.TenantID = st.TenantID
	e.CorrelationID = st.CorrelationID
	if b, err := json.Marshal(sagaPayload{
		SagaType:    st.SagaType,
		AggregateID: st.AggregateID,
		CurrentStep: st.CurrentStep,
		Status:      string(st.Status),
		Data:        st.Data,
	}); err == nil {
		e.Payload = b
	}
	return e
}

// FailureHook returns an OnFailure hook that records every failed saga.
// maxRetries is the orchestrator's resume limit, stored on each entry. The
// hook's error, if any, is logged by the orchestrator.
func FailureHook(s *Sink, maxRetries int) saga.Hook {
	return func(ctx context.Context, st *model.SagaState) error {
		errorType := st.ErrorType
		if errorType == "" {
			errorType = string(saga.CodeStepFailed)
		}
		msg := st.Error
		if msg == "" {
			msg = "saga failed"
		}
		_, err := s.AddEntry(ctx, entryFor(st, errorType, msg, maxRetries))
		return err
	}
}

// DriverErrorHandler returns an orchestrator handler that records escaped
// driver errors and panics, with the goroutine's stack.
func DriverErrorHandler(s *Sink, maxRetries int) saga.DriverErrorHandler {
	return func(ctx context.Context, st *model.SagaState, err error) {
		e := entryFor(st, ErrorTypeDriver, err.Error(), maxRetries)
		e.ErrorStack = string(debug.Stack())
		if _, aerr := s.AddEntry(ctx, e); aerr != nil {
			s.logger.Error("failed to record driver error", "saga_id", st.SagaID, "err", err, "add_err", aerr)
		}
	}
}
