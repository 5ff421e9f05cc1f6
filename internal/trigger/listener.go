// Package trigger starts sagas from requests published on the event bus.
package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alfredjeanlab/sagas/internal/events"
)

// Starter is the part of the orchestrator the listener needs.
type Starter interface {
	StartSaga(ctx context.Context, sagaType, aggregateID string, initialData map[string]any, tenantID, correlationID string) (string, error)
}

// MsgSubscriber delivers messages together with their subject.
type MsgSubscriber interface {
	SubscribeMsgs(topic string) (<-chan events.Message, func(), error)
}

// Listener turns start requests into sagas.
type Listener struct {
	starter Starter
	logger  *slog.Logger
}

func NewListener(s Starter, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{starter: s, logger: logger}
}

// Handle decodes one start request and starts the saga it names. The saga
// type in the payload wins over the one in the subject.
func (l *Listener) Handle(ctx context.Context, topic string, data []byte) (string, error) {
	var req events.StartRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return "", fmt.Errorf("bad start request: %w", err)
	}
	if req.SagaType == "" {
		req.SagaType = strings.TrimPrefix(topic, events.TopicStartPrefix)
	}
	if req.SagaType == "" || req.SagaType == topic {
		return "", fmt.Errorf("start request on %s names no saga type", topic)
	}
	return l.starter.StartSaga(ctx, req.SagaType, req.AggregateID, req.Data, req.TenantID, req.CorrelationID)
}

// Run listens for start requests until ctx is cancelled. Bad requests are
// logged and skipped.
func (l *Listener) Run(ctx context.Context, sub MsgSubscriber) error {
	ch, cancel, err := sub.SubscribeMsgs(events.TopicStartRequests)
	if err != nil {
		return fmt.Errorf("trigger: subscribe: %w", err)
	}
	defer cancel()

	l.logger.Info("trigger: listening for start requests", "topic", events.TopicStartRequests)

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("trigger: listener stopping")
			return nil
		case msg, ok := <-ch:
			if !ok {
				l.logger.Info("trigger: subscription channel closed")
				return nil
			}
			id, err := l.Handle(ctx, msg.Topic, msg.Data)
			if err != nil {
				l.logger.Warn("trigger: start request rejected", "topic", msg.Topic, "err", err)
				continue
			}
			l.logger.Info("trigger: saga started from bus", "topic", msg.Topic, "saga_id", id)
		}
	}
}
