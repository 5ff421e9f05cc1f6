package store

import (
	"context"
	"time"

	"github.com/alfredjeanlab/sagas/internal/model"
)

// EventStore persists the append-only event log and its snapshots.
type EventStore interface {
	// AppendEvents writes all events or none. IDs and CreatedAt are assigned
	// in slice order; IDs of one call are contiguous.
	AppendEvents(ctx context.Context, events []*model.Event) error
	GetEvent(ctx context.Context, id int64) (*model.Event, error)
	GetEvents(ctx context.Context, aggregateID, aggregateType string, fromVersion int) ([]*model.Event, error)
	GetEventsAfter(ctx context.Context, aggregateID, aggregateType string, afterID int64) ([]*model.Event, error)
	GetEventsByType(ctx context.Context, eventType string, limit int) ([]*model.Event, error)
	GetEventsByCorrelationID(ctx context.Context, correlationID string) ([]*model.Event, error)
	ListEvents(ctx context.Context, afterID int64, limit int) ([]*model.Event, error) // global cursor scan, ascending

	// Snapshots
	SaveSnapshot(ctx context.Context, snap *model.Snapshot) error
	GetSnapshot(ctx context.Context, aggregateID, aggregateType string, version int) (*model.Snapshot, error)
	GetLatestSnapshot(ctx context.Context, aggregateID, aggregateType string) (*model.Snapshot, error)
}

// SagaStore persists saga state records keyed by (saga id, saga type).
type SagaStore interface {
	// SaveSagaState inserts the state when s.Version is 0, otherwise updates it
	// only if the stored version equals s.Version. On success s.Version is
	// incremented; on a lost race ErrConcurrentModification is returned.
	SaveSagaState(ctx context.Context, s *model.SagaState) error
	GetSagaState(ctx context.Context, sagaID, sagaType string) (*model.SagaState, error)
	FindSagaState(ctx context.Context, sagaID string) (*model.SagaState, error)
	ListSagaStates(ctx context.Context, filter model.SagaFilter) ([]*model.SagaState, error)
}

// DeadLetterStore persists dead-letter entries.
type DeadLetterStore interface {
	AddDeadLetter(ctx context.Context, e *model.DeadLetterEntry) error
	GetDeadLetter(ctx context.Context, id string) (*model.DeadLetterEntry, error)
	ListDeadLetters(ctx context.Context, filter model.DeadLetterFilter) ([]*model.DeadLetterEntry, error)
	// ResolveDeadLetter sets resolved_at and notes if the entry is still
	// unresolved. It returns the stored entry and whether this call resolved it.
	ResolveDeadLetter(ctx context.Context, id, notes string, at time.Time) (*model.DeadLetterEntry, bool, error)
}

// Store defines the persistence interface for the saga core.
type Store interface {
	EventStore
	SagaStore
	DeadLetterStore

	// Transaction support
	RunInTransaction(ctx context.Context, fn func(tx Store) error) error

	// Lifecycle
	Ping(ctx context.Context) error
	Close() error
}
