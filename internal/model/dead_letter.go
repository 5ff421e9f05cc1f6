package model

import (
	"encoding/json"
	"time"
)

// DeadLetterEntry records a failure that exhausted automatic recovery.
// Once ResolvedAt is set the entry is not changed again.
type DeadLetterEntry struct {
	ID              string          `json:"id"`
	SagaID          string          `json:"saga_id,omitempty"`
	EventID         *int64          `json:"event_id,omitempty"`
	ErrorType       string          `json:"error_type"`
	ErrorMessage    string          `json:"error_message"`
	ErrorStack      string          `json:"error_stack,omitempty"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	RetryCount      int             `json:"retry_count"`
	MaxRetries      int             `json:"max_retries"`
	TenantID        string          `json:"tenant_id"`
	CorrelationID   string          `json:"correlation_id,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	ResolvedAt      *time.Time      `json:"resolved_at,omitempty"`
	ResolutionNotes string          `json:"resolution_notes,omitempty"`
}

// IsResolved reports whether an operator has disposed of the entry.
func (e *DeadLetterEntry) IsResolved() bool {
	return e.ResolvedAt != nil
}

// DeadLetterFilter holds criteria for listing dead-letter entries.
type DeadLetterFilter struct {
	TenantID       string `json:"tenant_id,omitempty"`
	UnresolvedOnly bool   `json:"unresolved_only,omitempty"`
	NewestFirst    bool   `json:"newest_first,omitempty"`
	Limit          int    `json:"limit,omitempty"`
}
