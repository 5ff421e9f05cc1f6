package model

import (
	"encoding/json"
	"testing"
)

// fieldErrors extracts a *ValidationError from err or fails the test.
func fieldErrors(t *testing.T, err error) []FieldError {
	t.Helper()
	if err == nil {
		t.Fatal("expected validation error, got nil")
	}
	ve, ok := err.(*ValidationError)
	if !ok {
		t.Fatalf("expected *ValidationError, got %T", err)
	}
	return ve.Errors
}

// hasFieldError reports whether the error list contains an error for the given field.
func hasFieldError(errs []FieldError, field string) bool {
	for _, fe := range errs {
		if fe.Field == field {
			return true
		}
	}
	return false
}

func TestValidateEvent(t *testing.T) {
	ok := NewEvent("s-1", AggregateTypeSaga, SagaCompletedEvent{}, EventMetadata{TenantID: "t"})
	if err := ValidateEvent(ok); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, tc := range []struct {
		name  string
		mut   func(e *Event)
		field string
	}{
		{"missing aggregate id", func(e *Event) { e.AggregateID = " " }, "aggregate_id"},
		{"missing aggregate type", func(e *Event) { e.AggregateType = "" }, "aggregate_type"},
		{"missing type", func(e *Event) { e.EventType = ""; e.Data = nil }, "event_type"},
		{"zero version", func(e *Event) { e.EventVersion = 0 }, "event_version"},
		{"payload mismatch", func(e *Event) { e.EventType = EventSagaFailed }, "data"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			e := *ok
			tc.mut(&e)
			if !hasFieldError(fieldErrors(t, ValidateEvent(&e)), tc.field) {
				t.Errorf("expected error on field %q", tc.field)
			}
		})
	}
}

func TestValidateSnapshot(t *testing.T) {
	s := Snapshot{AggregateID: "s-1", AggregateType: "saga", SnapshotVersion: 1, SnapshotData: json.RawMessage(`{}`)}
	if err := ValidateSnapshot(&s); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s.SnapshotVersion = 0
	s.SnapshotData = json.RawMessage(`{nope`)
	errs := fieldErrors(t, ValidateSnapshot(&s))
	if !hasFieldError(errs, "snapshot_version") || !hasFieldError(errs, "snapshot_data") {
		t.Errorf("errors = %v, want snapshot_version and snapshot_data", errs)
	}
}

func TestValidateSagaState(t *testing.T) {
	s := SagaState{SagaID: "sg-1", SagaType: "payout", Status: SagaRunning}
	if err := ValidateSagaState(&s); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s.Status = "paused"
	s.StepHistory = []StepHistoryEntry{{Step: "charge", Status: "skipped"}}
	errs := fieldErrors(t, ValidateSagaState(&s))
	if !hasFieldError(errs, "status") {
		t.Error("expected error on field 'status'")
	}
	if !hasFieldError(errs, "step_history[0].status") {
		t.Error("expected error on field 'step_history[0].status'")
	}
}

func TestValidateDeadLetterEntry(t *testing.T) {
	e := DeadLetterEntry{ErrorType: "MAX_RETRIES_EXCEEDED", ErrorMessage: "boom", Payload: json.RawMessage(`{"a":1}`)}
	if err := ValidateDeadLetterEntry(&e); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	e.ErrorMessage = ""
	e.Payload = json.RawMessage(`nope`)
	e.RetryCount = -1
	errs := fieldErrors(t, ValidateDeadLetterEntry(&e))
	for _, f := range []string{"error_message", "payload", "retry_count"} {
		if !hasFieldError(errs, f) {
			t.Errorf("expected error on field %q", f)
		}
	}
}

func TestValidationError_Error(t *testing.T) {
	ve := &ValidationError{Errors: []FieldError{
		{Field: "a", Message: "is required"},
		{Field: "b", Message: "is bad"},
	}}
	want := "validation failed: a: is required; b: is bad"
	if got := ve.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}
