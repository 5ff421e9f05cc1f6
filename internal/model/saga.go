package model

import (
	"encoding/json"
	"time"
)

// SagaStatus is the lifecycle state of a saga instance.
type SagaStatus string

const (
	SagaRunning      SagaStatus = "running"
	SagaCompensating SagaStatus = "compensating"
	SagaCompleted    SagaStatus = "completed"
	SagaFailed       SagaStatus = "failed"
	SagaCancelled    SagaStatus = "cancelled"
)

// String returns the string representation of the status.
func (s SagaStatus) String() string {
	return string(s)
}

// IsValid checks whether the status is a known value.
func (s SagaStatus) IsValid() bool {
	switch s {
	case SagaRunning, SagaCompensating, SagaCompleted, SagaFailed, SagaCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether no further steps run in this status.
func (s SagaStatus) IsTerminal() bool {
	switch s {
	case SagaCompleted, SagaFailed, SagaCancelled:
		return true
	}
	return false
}

// StepStatus is the status recorded in one step history entry.
type StepStatus string

const (
	StepStarted     StepStatus = "started"
	StepCompleted   StepStatus = "completed"
	StepCompensated StepStatus = "compensated"
)

// String returns the string representation of the step status.
func (s StepStatus) String() string {
	return string(s)
}

// IsValid checks whether the step status is a known value.
func (s StepStatus) IsValid() bool {
	switch s {
	case StepStarted, StepCompleted, StepCompensated:
		return true
	}
	return false
}

// StepHistoryEntry is one append-only record of a step transition.
type StepHistoryEntry struct {
	Step      string     `json:"step"`
	Status    StepStatus `json:"status"`
	Timestamp time.Time  `json:"timestamp"`
	Error     string     `json:"error,omitempty"`
}

// SagaState is the persisted state of one saga instance.
type SagaState struct {
	SagaID        string             `json:"saga_id"`
	SagaType      string             `json:"saga_type"`
	AggregateID   string             `json:"aggregate_id"`
	CurrentStep   string             `json:"current_step"`
	StepHistory   []StepHistoryEntry `json:"step_history"`
	Data          map[string]any     `json:"data"`
	Status        SagaStatus         `json:"status"`
	CorrelationID string             `json:"correlation_id,omitempty"`
	TenantID      string             `json:"tenant_id"`
	Error         string             `json:"error,omitempty"`
	ErrorType     string             `json:"error_type,omitempty"`
	RetryCount    int                `json:"retry_count"`
	Owner         string             `json:"owner,omitempty"` // driver currently holding the saga
	NextRetryAt   *time.Time         `json:"next_retry_at,omitempty"`
	Version       int64              `json:"version"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
	CompletedAt   *time.Time         `json:"completed_at,omitempty"`
}

// LatestStepStatus returns the status of the most recent history entry for
// step, or "" if the step has never started.
func (s *SagaState) LatestStepStatus(step string) StepStatus {
	for i := len(s.StepHistory) - 1; i >= 0; i-- {
		if s.StepHistory[i].Step == step {
			return s.StepHistory[i].Status
		}
	}
	return ""
}

// AppendHistory records a step transition.
func (s *SagaState) AppendHistory(step string, status StepStatus, at time.Time, errMsg string) {
	s.StepHistory = append(s.StepHistory, StepHistoryEntry{
		Step:      step,
		Status:    status,
		Timestamp: at,
		Error:     errMsg,
	})
}

// MergeData shallow-merges out into the saga data. Keys from out win.
func (s *SagaState) MergeData(out map[string]any) {
	if len(out) == 0 {
		return
	}
	if s.Data == nil {
		s.Data = make(map[string]any, len(out))
	}
	for k, v := range out {
		s.Data[k] = v
	}
}

// Clone returns a deep copy of the state. Data values are copied through a
// JSON round trip so step implementations cannot alias persisted state.
func (s *SagaState) Clone() *SagaState {
	if s == nil {
		return nil
	}
	c := *s
	if s.StepHistory != nil {
		c.StepHistory = make([]StepHistoryEntry, len(s.StepHistory))
		copy(c.StepHistory, s.StepHistory)
	}
	if s.Data != nil {
		c.Data = cloneData(s.Data)
	}
	if s.NextRetryAt != nil {
		t := *s.NextRetryAt
		c.NextRetryAt = &t
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

func cloneData(m map[string]any) map[string]any {
	b, err := json.Marshal(m)
	if err != nil {
		out := make(map[string]any, len(m))
		for k, v := range m {
			out[k] = v
		}
		return out
	}
	out := make(map[string]any, len(m))
	if err := json.Unmarshal(b, &out); err != nil {
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}

// SagaFilter holds criteria for listing saga states.
type SagaFilter struct {
	Status        []SagaStatus `json:"status,omitempty"`
	SagaType      string       `json:"saga_type,omitempty"`
	TenantID      string       `json:"tenant_id,omitempty"`
	CorrelationID string       `json:"correlation_id,omitempty"`
	DueBefore     *time.Time   `json:"due_before,omitempty"`     // next_retry_at <= DueBefore
	UpdatedBefore *time.Time   `json:"updated_before,omitempty"` // updated_at < UpdatedBefore
	Limit         int          `json:"limit,omitempty"`
	Offset        int          `json:"offset,omitempty"`
}
