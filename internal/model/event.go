package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event is an immutable fact in the event log. Events of one
// (AggregateID, AggregateType) stream are totally ordered by ID.
type Event struct {
	ID            int64         `json:"id"`
	AggregateID   string        `json:"aggregate_id"`
	AggregateType string        `json:"aggregate_type"`
	EventType     string        `json:"event_type"`
	EventVersion  int           `json:"event_version"`
	Data          EventData     `json:"-"`
	Metadata      EventMetadata `json:"metadata"`
	CreatedAt     time.Time     `json:"created_at"`
}

// EventMetadata carries the routing context of an event.
type EventMetadata struct {
	TenantID      string            `json:"tenant_id"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Extra         map[string]string `json:"extra,omitempty"`
}

// eventJSON is the wire shape of Event; Data travels as raw JSON next to its
// discriminator so unknown types survive a round trip.
type eventJSON struct {
	ID            int64           `json:"id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	Data          json.RawMessage `json:"data"`
	Metadata      EventMetadata   `json:"metadata"`
	CreatedAt     time.Time       `json:"created_at"`
}

// MarshalJSON encodes the event with its payload under "data".
func (e Event) MarshalJSON() ([]byte, error) {
	data, err := EncodeEventData(e.Data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(eventJSON{
		ID:            e.ID,
		AggregateID:   e.AggregateID,
		AggregateType: e.AggregateType,
		EventType:     e.EventType,
		EventVersion:  e.EventVersion,
		Data:          data,
		Metadata:      e.Metadata,
		CreatedAt:     e.CreatedAt,
	})
}

// UnmarshalJSON decodes the payload according to event_type.
func (e *Event) UnmarshalJSON(b []byte) error {
	var raw eventJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	data, err := DecodeEventData(raw.EventType, raw.Data)
	if err != nil {
		return err
	}
	*e = Event{
		ID:            raw.ID,
		AggregateID:   raw.AggregateID,
		AggregateType: raw.AggregateType,
		EventType:     raw.EventType,
		EventVersion:  raw.EventVersion,
		Data:          data,
		Metadata:      raw.Metadata,
		CreatedAt:     raw.CreatedAt,
	}
	return nil
}

// NewEvent builds an unsaved event for the given stream. The event type and
// schema version are taken from data.
func NewEvent(aggregateID, aggregateType string, data EventData, meta EventMetadata) *Event {
	return &Event{
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		EventType:     data.EventType(),
		EventVersion:  data.SchemaVersion(),
		Data:          data,
		Metadata:      meta,
	}
}

// String is used in log lines.
func (e *Event) String() string {
	return fmt.Sprintf("%s#%d(%s/%s)", e.EventType, e.ID, e.AggregateType, e.AggregateID)
}
