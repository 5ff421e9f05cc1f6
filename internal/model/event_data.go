package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// AggregateTypeSaga is the stream type under which saga transitions are logged.
const AggregateTypeSaga = "saga"

// Known event types.
const (
	EventSagaStarted                = "saga.started"
	EventSagaStepStarted            = "saga.step_started"
	EventSagaStepCompleted          = "saga.step_completed"
	EventSagaCompensationStarted    = "saga.compensation_started"
	EventSagaStepCompensated        = "saga.step_compensated"
	EventSagaStepCompensationFailed = "saga.step_compensation_failed"
	EventSagaRetryScheduled         = "saga.retry_scheduled"
	EventSagaResumed                = "saga.resumed"
	EventSagaHeartbeat              = "saga.heartbeat"
	EventSagaCompleted              = "saga.completed"
	EventSagaFailed                 = "saga.failed"
	EventSagaCancelled              = "saga.cancelled"
)

// EventData is the payload of an event. Known event types decode into their
// concrete struct; anything else decodes into RawData.
type EventData interface {
	EventType() string
	SchemaVersion() int
}

// SagaStarted records the creation of a saga instance.
type SagaStarted struct {
	SagaID        string         `json:"saga_id"`
	SagaType      string         `json:"saga_type"`
	AggregateID   string         `json:"aggregate_id"`
	FirstStep     string         `json:"first_step"`
	InitialData   map[string]any `json:"initial_data,omitempty"`
	TenantID      string         `json:"tenant_id"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Owner         string         `json:"owner,omitempty"`
	At            time.Time      `json:"at"`
}

// SagaStepStarted records that a step is about to be invoked.
type SagaStepStarted struct {
	Step string    `json:"step"`
	At   time.Time `json:"at"`
}

// SagaStepCompleted records a successful step and the data it produced.
type SagaStepCompleted struct {
	Step   string         `json:"step"`
	Output map[string]any `json:"output,omitempty"`
	At     time.Time      `json:"at"`
}

// SagaCompensationStarted marks the saga entering the compensating state.
type SagaCompensationStarted struct {
	FailedStep string    `json:"failed_step"`
	ErrorType  string    `json:"error_type,omitempty"`
	Error      string    `json:"error"`
	At         time.Time `json:"at"`
}

// SagaStepCompensated records a successful compensation.
type SagaStepCompensated struct {
	Step string    `json:"step"`
	At   time.Time `json:"at"`
}

// SagaStepCompensationFailed records a compensation that returned an error.
type SagaStepCompensationFailed struct {
	Step  string    `json:"step"`
	Error string    `json:"error"`
	At    time.Time `json:"at"`
}

// SagaRetryScheduled records an interrupted saga waiting to be resumed.
type SagaRetryScheduled struct {
	Step        string    `json:"step"`
	RetryCount  int       `json:"retry_count"`
	NextRetryAt time.Time `json:"next_retry_at"`
	Reason      string    `json:"reason"`
	At          time.Time `json:"at"`
}

// SagaResumed records a driver taking over a saga. A compensating saga
// stays compensating; anything else is re-armed to running.
type SagaResumed struct {
	Step       string    `json:"step"`
	FromStatus string    `json:"from_status"`
	Owner      string    `json:"owner,omitempty"`
	At         time.Time `json:"at"`
}

// SagaHeartbeat records that the owning driver is still working on a long
// step or compensation.
type SagaHeartbeat struct {
	Owner string    `json:"owner"`
	At    time.Time `json:"at"`
}

// SagaCompletedEvent records the terminal success of a saga.
type SagaCompletedEvent struct {
	At time.Time `json:"at"`
}

// SagaFailedEvent records the terminal failure of a saga.
type SagaFailedEvent struct {
	Step      string    `json:"step"`
	ErrorType string    `json:"error_type"`
	Error     string    `json:"error"`
	At        time.Time `json:"at"`
}

// SagaCancelledEvent records an administrative cancellation.
type SagaCancelledEvent struct {
	At time.Time `json:"at"`
}

// RawData holds the payload of an event type this build does not know.
type RawData struct {
	Type    string
	Version int
	JSON    json.RawMessage
}

func (SagaStarted) EventType() string                { return EventSagaStarted }
func (SagaStepStarted) EventType() string            { return EventSagaStepStarted }
func (SagaStepCompleted) EventType() string          { return EventSagaStepCompleted }
func (SagaCompensationStarted) EventType() string    { return EventSagaCompensationStarted }
func (SagaStepCompensated) EventType() string        { return EventSagaStepCompensated }
func (SagaStepCompensationFailed) EventType() string { return EventSagaStepCompensationFailed }
func (SagaRetryScheduled) EventType() string         { return EventSagaRetryScheduled }
func (SagaResumed) EventType() string                { return EventSagaResumed }
func (SagaHeartbeat) EventType() string              { return EventSagaHeartbeat }
func (SagaCompletedEvent) EventType() string         { return EventSagaCompleted }
func (SagaFailedEvent) EventType() string            { return EventSagaFailed }
func (SagaCancelledEvent) EventType() string         { return EventSagaCancelled }
func (r RawData) EventType() string                  { return r.Type }

func (SagaStarted) SchemaVersion() int                { return 1 }
func (SagaStepStarted) SchemaVersion() int            { return 1 }
func (SagaStepCompleted) SchemaVersion() int          { return 1 }
func (SagaCompensationStarted) SchemaVersion() int    { return 1 }
func (SagaStepCompensated) SchemaVersion() int        { return 1 }
func (SagaStepCompensationFailed) SchemaVersion() int { return 1 }
func (SagaRetryScheduled) SchemaVersion() int         { return 1 }
func (SagaResumed) SchemaVersion() int                { return 1 }
func (SagaHeartbeat) SchemaVersion() int              { return 1 }
func (SagaCompletedEvent) SchemaVersion() int         { return 1 }
func (SagaFailedEvent) SchemaVersion() int            { return 1 }
func (SagaCancelledEvent) SchemaVersion() int         { return 1 }

// SchemaVersion defaults to 1 for raw payloads that were stored without one.
func (r RawData) SchemaVersion() int {
	if r.Version == 0 {
		return 1
	}
	return r.Version
}

var eventDataFactories = map[string]func() EventData{
	EventSagaStarted:                func() EventData { return &SagaStarted{} },
	EventSagaStepStarted:            func() EventData { return &SagaStepStarted{} },
	EventSagaStepCompleted:          func() EventData { return &SagaStepCompleted{} },
	EventSagaCompensationStarted:    func() EventData { return &SagaCompensationStarted{} },
	EventSagaStepCompensated:        func() EventData { return &SagaStepCompensated{} },
	EventSagaStepCompensationFailed: func() EventData { return &SagaStepCompensationFailed{} },
	EventSagaRetryScheduled:         func() EventData { return &SagaRetryScheduled{} },
	EventSagaResumed:                func() EventData { return &SagaResumed{} },
	EventSagaHeartbeat:              func() EventData { return &SagaHeartbeat{} },
	EventSagaCompleted:              func() EventData { return &SagaCompletedEvent{} },
	EventSagaFailed:                 func() EventData { return &SagaFailedEvent{} },
	EventSagaCancelled:              func() EventData { return &SagaCancelledEvent{} },
}

// IsKnownEventType reports whether eventType decodes into a concrete payload.
func IsKnownEventType(eventType string) bool {
	_, ok := eventDataFactories[eventType]
	return ok
}

// EncodeEventData serializes a payload for storage. A nil payload encodes as
// an empty object.
func EncodeEventData(d EventData) (json.RawMessage, error) {
	switch v := d.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case RawData:
		if len(v.JSON) == 0 {
			return json.RawMessage(`{}`), nil
		}
		return v.JSON, nil
	case *RawData:
		if len(v.JSON) == 0 {
			return json.RawMessage(`{}`), nil
		}
		return v.JSON, nil
	}
	b, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", d.EventType(), err)
	}
	return b, nil
}

// DecodeEventData turns a stored payload back into its typed form. Unknown
// event types are returned as RawData with the bytes untouched.
func DecodeEventData(eventType string, raw json.RawMessage) (EventData, error) {
	factory, ok := eventDataFactories[eventType]
	if !ok {
		cp := make(json.RawMessage, len(raw))
		copy(cp, raw)
		return RawData{Type: eventType, JSON: cp}, nil
	}
	d := factory()
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, d); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", eventType, err)
		}
	}
	return derefEventData(d), nil
}

// derefEventData returns the value form of a decoded payload so callers can
// type-switch on the struct types used when appending.
func derefEventData(d EventData) EventData {
	switch v := d.(type) {
	case *SagaStarted:
		return *v
	case *SagaStepStarted:
		return *v
	case *SagaStepCompleted:
		return *v
	case *SagaCompensationStarted:
		return *v
	case *SagaStepCompensated:
		return *v
	case *SagaStepCompensationFailed:
		return *v
	case *SagaRetryScheduled:
		return *v
	case *SagaResumed:
		return *v
	case *SagaHeartbeat:
		return *v
	case *SagaCompletedEvent:
		return *v
	case *SagaFailedEvent:
		return *v
	case *SagaCancelledEvent:
		return *v
	}
	return d
}
