// Package dlq is the dead-letter sink: failures that automatic recovery
// gave up on are recorded here for an operator to inspect and resolve.
package dlq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alfredjeanlab/sagas/internal/events"
	"github.com/alfredjeanlab/sagas/internal/idgen"
	"github.com/alfredjeanlab/sagas/internal/model"
	"github.com/alfredjeanlab/sagas/internal/store"
)

// DefaultListLimit applies when a list call passes limit <= 0.
const DefaultListLimit = 100

// Option configures a Sink.
type Option func(*Sink)

func WithLogger(l *slog.Logger) Option {
	return func(s *Sink) { s.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(s *Sink) { s.now = now }
}

func WithIDGenerator(fn func() (string, error)) Option {
	return func(s *Sink) { s.newID = fn }
}

// Sink is safe for concurrent use.
type Sink struct {
	store     store.DeadLetterStore
	publisher events.Publisher
	logger    *slog.Logger
	now       func() time.Time
	newID     func() (string, error)
}

// New returns a sink writing to s. A nil publisher disables notifications.
func New(s store.DeadLetterStore, p events.Publisher, opts ...Option) *Sink {
	if p == nil {
		p = &events.NoopPublisher{}
	}
	sink := &Sink{
		store:     s,
		publisher: p,
		logger:    slog.Default(),
		now:       func() time.Time { return time.Now().UTC() },
		newID:     idgen.NewDeadLetterID,
	}
	for _, opt := range opts {
		opt(sink)
	}
	return sink
}

// AddEntry assigns e an id and creation time, persists it and returns the
// id. e is updated in place. Storage failures are returned, never swallowed.
func (s *Sink) AddEntry(ctx context.Context, e *model.DeadLetterEntry) (string, error) {
	if e == nil {
		return "", errors.New("dead letter entry is nil")
	}
	if err := model.ValidateDeadLetterEntry(e); err != nil {
		return "", err
	}
	id, err := s.newID()
	if err != nil {
		return "", err
	}
	e.ID = id
	e.CreatedAt = s.now()
	e.ResolvedAt = nil
	e.ResolutionNotes = ""

	if err := s.store.AddDeadLetter(ctx, e); err != nil {
		return "", store.Wrap("add dead letter", err)
	}
	s.logger.Warn("dead letter recorded", "id", id, "saga_id", e.SagaID, "error_type", e.ErrorType, "tenant_id", e.TenantID)
	s.publish(ctx, events.TopicDeadLetterAdded, e)
	return id, nil
}

// GetEntry returns one entry, or store.ErrNotFound.
func (s *Sink) GetEntry(ctx context.Context, id string) (*model.DeadLetterEntry, error) {
	e, err := s.store.GetDeadLetter(ctx, id)
	if err != nil {
		return nil, store.Wrap("get dead letter", err)
	}
	return e, nil
}

// GetUnresolvedEntries returns unresolved entries, oldest first.
func (s *Sink) GetUnresolvedEntries(ctx context.Context, limit int) ([]*model.DeadLetterEntry, error) {
	out, err := s.store.ListDeadLetters(ctx, model.DeadLetterFilter{
		UnresolvedOnly: true,
		Limit:          listLimit(limit),
	})
	if err != nil {
		return nil, store.Wrap("list dead letters", err)
	}
	return out, nil
}

// GetEntriesByTenant returns a tenant's entries, resolved or not, newest first.
func (s *Sink) GetEntriesByTenant(ctx context.Context, tenantID string, limit int) ([]*model.DeadLetterEntry, error) {
	if tenantID == "" {
		return nil, &model.ValidationError{Errors: []model.FieldError{{Field: "tenant_id", Message: "is required"}}}
	}
	out, err := s.store.ListDeadLetters(ctx, model.DeadLetterFilter{
		TenantID:    tenantID,
		NewestFirst: true,
		Limit:       listLimit(limit),
	})
	if err != nil {
		return nil, store.Wrap("list dead letters", err)
	}
	return out, nil
}

// ResolveEntry marks an entry resolved. Resolving twice is a no-op that
// returns the entry with its first resolution intact.
func (s *Sink) ResolveEntry(ctx context.Context, id, notes string) (*model.DeadLetterEntry, error) {
	e, changed, err := s.store.ResolveDeadLetter(ctx, id, notes, s.now())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("dead letter %s: %w", id, err)
		}
		return nil, store.Wrap("resolve dead letter", err)
	}
	if changed {
		s.logger.Info("dead letter resolved", "id", id, "saga_id", e.SagaID)
		s.publish(ctx, events.TopicDeadLetterResolved, e)
	}
	return e, nil
}

func (s *Sink) publish(ctx context.Context, topic string, e *model.DeadLetterEntry) {
	if err := s.publisher.Publish(ctx, topic, e); err != nil {
		s.logger.Warn("failed to publish dead letter event", "topic", topic, "id", e.ID, "err", err)
	}
}

func listLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	return limit
}
