package model

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ValidationError holds a list of field-level validation errors.
type ValidationError struct {
	Errors []FieldError
}

// FieldError represents a single validation failure on a named field.
type FieldError struct {
	Field   string
	Message string
}

// Error formats the validation error as a semicolon-separated list of field messages.
func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Errors))
	for i, fe := range e.Errors {
		parts[i] = fe.Field + ": " + fe.Message
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// HasErrors reports whether the validation error contains any field errors.
func (e *ValidationError) HasErrors() bool {
	return len(e.Errors) > 0
}

func (e *ValidationError) add(field, msg string) {
	e.Errors = append(e.Errors, FieldError{Field: field, Message: msg})
}

func (e *ValidationError) result() error {
	if e.HasErrors() {
		return e
	}
	return nil
}

// ValidateEvent checks an event before it is appended.
func ValidateEvent(e *Event) error {
	var ve ValidationError
	if strings.TrimSpace(e.AggregateID) == "" {
		ve.add("aggregate_id", "is required")
	}
	if strings.TrimSpace(e.AggregateType) == "" {
		ve.add("aggregate_type", "is required")
	}
	if strings.TrimSpace(e.EventType) == "" {
		ve.add("event_type", "is required")
	}
	if e.EventVersion < 1 {
		ve.add("event_version", fmt.Sprintf("must be at least 1, got %d", e.EventVersion))
	}
	if e.Data != nil && e.Data.EventType() != e.EventType {
		ve.add("data", fmt.Sprintf("payload type %q does not match event type %q", e.Data.EventType(), e.EventType))
	}
	return ve.result()
}

// ValidateSnapshot checks a snapshot before it is saved.
func ValidateSnapshot(s *Snapshot) error {
	var ve ValidationError
	if strings.TrimSpace(s.AggregateID) == "" {
		ve.add("aggregate_id", "is required")
	}
	if strings.TrimSpace(s.AggregateType) == "" {
		ve.add("aggregate_type", "is required")
	}
	if s.SnapshotVersion < 1 {
		ve.add("snapshot_version", fmt.Sprintf("must be at least 1, got %d", s.SnapshotVersion))
	}
	if s.EventID < 0 {
		ve.add("event_id", "must not be negative")
	}
	if len(s.SnapshotData) == 0 || !json.Valid(s.SnapshotData) {
		ve.add("snapshot_data", "must be valid JSON")
	}
	return ve.result()
}

// ValidateSagaState checks a saga state before it is persisted.
func ValidateSagaState(s *SagaState) error {
	var ve ValidationError
	if strings.TrimSpace(s.SagaID) == "" {
		ve.add("saga_id", "is required")
	}
	if strings.TrimSpace(s.SagaType) == "" {
		ve.add("saga_type", "is required")
	}
	if !s.Status.IsValid() {
		ve.add("status", fmt.Sprintf("invalid value %q", s.Status))
	}
	for i, h := range s.StepHistory {
		if !h.Status.IsValid() {
			ve.add(fmt.Sprintf("step_history[%d].status", i), fmt.Sprintf("invalid value %q", h.Status))
		}
	}
	if s.RetryCount < 0 {
		ve.add("retry_count", "must not be negative")
	}
	return ve.result()
}

// ValidateDeadLetterEntry checks an entry before it is added to the sink.
func ValidateDeadLetterEntry(e *DeadLetterEntry) error {
	var ve ValidationError
	if strings.TrimSpace(e.ErrorType) == "" {
		ve.add("error_type", "is required")
	}
	if strings.TrimSpace(e.ErrorMessage) == "" {
		ve.add("error_message", "is required")
	}
	if e.RetryCount < 0 {
		ve.add("retry_count", "must not be negative")
	}
	if e.MaxRetries < 0 {
		ve.add("max_retries", "must not be negative")
	}
	if len(e.Payload) > 0 && !json.Valid(e.Payload) {
		ve.add("payload", "contains invalid JSON")
	}
	return ve.result()
}
