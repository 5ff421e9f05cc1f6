package events

import (
	"context"
	"strings"

	"github.com/alfredjeanlab/sagas/internal/model"
)

// Topic constants. Every committed event-log entry is published on
// TopicEventPrefix + its event type, e.g. "sagas.event.saga.completed".
const (
	TopicEventPrefix = "sagas.event."
	TopicAllEvents   = "sagas.event.>"

	TopicDeadLetterAdded    = "sagas.dlq.added"
	TopicDeadLetterResolved = "sagas.dlq.resolved"
	TopicAllDeadLetters     = "sagas.dlq.>"

	// Start requests are accepted on TopicStartPrefix + saga type.
	TopicStartPrefix   = "sagas.start."
	TopicStartRequests = "sagas.start.>"
)

// EventTopic returns the subject an event of the given type is published on.
func EventTopic(eventType string) string {
	return TopicEventPrefix + eventType
}

// EventTypeFromTopic is the inverse of EventTopic. ok is false for subjects
// outside the event namespace.
func EventTypeFromTopic(topic string) (eventType string, ok bool) {
	if !strings.HasPrefix(topic, TopicEventPrefix) {
		return "", false
	}
	return strings.TrimPrefix(topic, TopicEventPrefix), true
}

// StartTopic returns the subject that starts sagas of the given type.
func StartTopic(sagaType string) string {
	return TopicStartPrefix + sagaType
}

// Message payloads

// StartRequest asks a listening sagad to start a saga. SagaType may be left
// empty when it is carried by the subject.
type StartRequest struct {
	SagaType      string         `json:"saga_type,omitempty"`
	AggregateID   string         `json:"aggregate_id"`
	TenantID      string         `json:"tenant_id"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Data          map[string]any `json:"data,omitempty"`
}

type DeadLetterAdded struct {
	Entry *model.DeadLetterEntry `json:"entry"`
}

type DeadLetterResolved struct {
	Entry *model.DeadLetterEntry `json:"entry"`
}

// Publisher is the interface for emitting events.
type Publisher interface {
	Publish(ctx context.Context, topic string, event any) error
	Close() error
}
