package saga

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/alfredjeanlab/sagas/internal/model"
)

// apply folds one saga event payload into s. The driver mutates state only
// through apply, so replaying the log reproduces the persisted state.
func apply(s *model.SagaState, data model.EventData) error {
	switch d := data.(type) {
	case model.SagaStarted:
		*s = model.SagaState{
			SagaID:        d.SagaID,
			SagaType:      d.SagaType,
			AggregateID:   d.AggregateID,
			CurrentStep:   d.FirstStep,
			StepHistory:   []model.StepHistoryEntry{},
			Data:          map[string]any{},
			Status:        model.SagaRunning,
			TenantID:      d.TenantID,
			CorrelationID: d.CorrelationID,
			Owner:         d.Owner,
			CreatedAt:     d.At,
			UpdatedAt:     d.At,
		}
		s.MergeData(d.InitialData)

	case model.SagaStepStarted:
		s.CurrentStep = d.Step
		s.AppendHistory(d.Step, model.StepStarted, d.At, "")
		s.UpdatedAt = d.At

	case model.SagaStepCompleted:
		s.MergeData(d.Output)
		s.AppendHistory(d.Step, model.StepCompleted, d.At, "")
		s.UpdatedAt = d.At

	case model.SagaCompensationStarted:
		s.Status = model.SagaCompensating
		s.Error = d.Error
		s.UpdatedAt = d.At

	case model.SagaStepCompensated:
		s.AppendHistory(d.Step, model.StepCompensated, d.At, "")
		s.UpdatedAt = d.At

	case model.SagaStepCompensationFailed:
		s.Error = compensationError(d.Step, d.Error)
		s.UpdatedAt = d.At

	case model.SagaRetryScheduled:
		// An interrupted compensation resumes as a compensation.
		next := d.NextRetryAt
		if s.Status != model.SagaCompensating {
			s.Status = model.SagaRunning
		}
		s.Owner = ""
		s.RetryCount = d.RetryCount
		s.NextRetryAt = &next
		s.CompletedAt = nil
		s.Error = d.Reason
		s.UpdatedAt = d.At

	case model.SagaResumed:
		from := model.SagaStatus(d.FromStatus)
		if from == model.SagaFailed || from == model.SagaCancelled {
			s.RetryCount = 0
		}
		if s.Status != model.SagaCompensating {
			s.Status = model.SagaRunning
		}
		s.Owner = d.Owner
		s.CurrentStep = d.Step
		s.NextRetryAt = nil
		s.CompletedAt = nil
		s.UpdatedAt = d.At

	case model.SagaHeartbeat:
		s.UpdatedAt = d.At

	case model.SagaCompletedEvent:
		finish(s, model.SagaCompleted, d.At)

	case model.SagaFailedEvent:
		s.Error = d.Error
		s.ErrorType = d.ErrorType
		finish(s, model.SagaFailed, d.At)

	case model.SagaCancelledEvent:
		finish(s, model.SagaCancelled, d.At)

	default:
		return fmt.Errorf("unexpected event type %q in saga stream", data.EventType())
	}
	return nil
}

func finish(s *model.SagaState, status model.SagaStatus, at time.Time) {
	s.Status = status
	s.Owner = ""
	s.NextRetryAt = nil
	s.CompletedAt = &at
	s.UpdatedAt = at
}

func compensationError(step, msg string) string {
	return fmt.Sprintf("compensate %s: %s", step, msg)
}

// stateFolder rebuilds a SagaState from its event stream. It implements
// eventlog.Folder; Version counts the folded events, matching the one
// event per persisted transition the driver writes.
type stateFolder struct {
	state *model.SagaState
}

func (f *stateFolder) Restore(data json.RawMessage) error {
	st := &model.SagaState{}
	if err := json.Unmarshal(data, st); err != nil {
		return err
	}
	f.state = st
	return nil
}

func (f *stateFolder) Apply(e *model.Event) error {
	if f.state == nil {
		f.state = &model.SagaState{}
	}
	if err := apply(f.state, e.Data); err != nil {
		return err
	}
	f.state.Version++
	return nil
}

func (f *stateFolder) Snapshot() (json.RawMessage, error) {
	return json.Marshal(f.state)
}
