// Package eventlog is the append-only event log of the saga core. It sits
// on top of store.EventStore, validates what is appended, publishes every
// committed event on the bus and knows how to combine snapshots with the
// events recorded after them.
package eventlog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alfredjeanlab/sagas/internal/events"
	"github.com/alfredjeanlab/sagas/internal/model"
	"github.com/alfredjeanlab/sagas/internal/store"
)

// DefaultTypeLimit bounds GetEventsByType when the caller passes no limit.
const DefaultTypeLimit = 100

// Log is safe for concurrent use.
type Log struct {
	store     store.Store
	publisher events.Publisher
	logger    *slog.Logger
}

// New returns a Log over s. A nil publisher disables publishing and a nil
// logger means slog.Default().
func New(s store.Store, p events.Publisher, logger *slog.Logger) *Log {
	if p == nil {
		p = &events.NoopPublisher{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{store: s, publisher: p, logger: logger}
}

// Store returns the underlying store.
func (l *Log) Store() store.Store {
	return l.store
}

// Batch collects events inside a Commit.
type Batch struct {
	events []*model.Event
}

// Add queues events for the enclosing commit.
func (b *Batch) Add(evs ...*model.Event) {
	b.events = append(b.events, evs...)
}

// Len returns the number of queued events.
func (b *Batch) Len() int {
	return len(b.events)
}

// Commit runs fn in a store transaction. Events added to the batch are
// appended at the end of the same transaction, so they commit or roll back
// together with whatever else fn wrote. Committed events are published.
func (l *Log) Commit(ctx context.Context, fn func(tx store.Store, b *Batch) error) error {
	var committed []*model.Event
	err := l.store.RunInTransaction(ctx, func(tx store.Store) error {
		b := &Batch{}
		if err := fn(tx, b); err != nil {
			return err
		}
		if len(b.events) == 0 {
			return nil
		}
		if err := validateAll(b.events); err != nil {
			return err
		}
		if err := tx.AppendEvents(ctx, b.events); err != nil {
			return store.Wrap("append events", err)
		}
		committed = b.events
		return nil
	})
	if err != nil {
		return err
	}
	l.publish(ctx, committed)
	return nil
}

// Append writes a single event and fills in its ID and CreatedAt.
func (l *Log) Append(ctx context.Context, e *model.Event) error {
	return l.AppendMany(ctx, []*model.Event{e})
}

// AppendMany writes all events or none. IDs within the batch are contiguous.
func (l *Log) AppendMany(ctx context.Context, evs []*model.Event) error {
	if len(evs) == 0 {
		return nil
	}
	if err := validateAll(evs); err != nil {
		return err
	}
	if err := l.store.AppendEvents(ctx, evs); err != nil {
		return store.Wrap("append events", err)
	}
	l.publish(ctx, evs)
	return nil
}

func validateAll(evs []*model.Event) error {
	for i, e := range evs {
		if e == nil {
			return fmt.Errorf("event %d: nil", i)
		}
		if err := model.ValidateEvent(e); err != nil {
			return fmt.Errorf("event %d: %w", i, err)
		}
	}
	return nil
}

func (l *Log) publish(ctx context.Context, evs []*model.Event) {
	for _, e := range evs {
		topic := events.EventTopic(e.EventType)
		if err := l.publisher.Publish(ctx, topic, e); err != nil {
			l.logger.Warn("failed to publish event",
				"topic", topic, "event_id", e.ID, "aggregate_id", e.AggregateID, "error", err)
		}
	}
}

// GetEvent returns one event by id, or nil when it does not exist.
func (l *Log) GetEvent(ctx context.Context, id int64) (*model.Event, error) {
	e, err := l.store.GetEvent(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return e, err
}

// GetEvents returns the events of one aggregate in id order. When
// fromVersion > 0 only events with EventVersion >= fromVersion are kept.
func (l *Log) GetEvents(ctx context.Context, aggregateID, aggregateType string, fromVersion int) ([]*model.Event, error) {
	return l.store.GetEvents(ctx, aggregateID, aggregateType, fromVersion)
}

// GetEventsByType returns the most recent events of one type, newest first.
func (l *Log) GetEventsByType(ctx context.Context, eventType string, limit int) ([]*model.Event, error) {
	if limit <= 0 {
		limit = DefaultTypeLimit
	}
	return l.store.GetEventsByType(ctx, eventType, limit)
}

// GetEventsByCorrelationID returns every event sharing a correlation id,
// oldest first, across aggregates.
func (l *Log) GetEventsByCorrelationID(ctx context.Context, correlationID string) ([]*model.Event, error) {
	return l.store.GetEventsByCorrelationID(ctx, correlationID)
}

// ListEvents scans the whole log in id order starting after afterID.
func (l *Log) ListEvents(ctx context.Context, afterID int64, limit int) ([]*model.Event, error) {
	return l.store.ListEvents(ctx, afterID, limit)
}

// SaveSnapshot upserts a snapshot keyed by aggregate and snapshot version.
func (l *Log) SaveSnapshot(ctx context.Context, snap *model.Snapshot) error {
	if err := model.ValidateSnapshot(snap); err != nil {
		return err
	}
	return store.Wrap("save snapshot", l.store.SaveSnapshot(ctx, snap))
}

// GetLatestSnapshot returns the highest-version snapshot, or nil when the
// aggregate has none.
func (l *Log) GetLatestSnapshot(ctx context.Context, aggregateID, aggregateType string) (*model.Snapshot, error) {
	snap, err := l.store.GetLatestSnapshot(ctx, aggregateID, aggregateType)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return snap, err
}

// GetEventsAfterSnapshot returns the events recorded after the given
// snapshot. If the snapshot, or the event it points at, is missing the
// full stream is returned instead and a warning is logged.
func (l *Log) GetEventsAfterSnapshot(ctx context.Context, aggregateID, aggregateType string, snapshotVersion int) ([]*model.Event, error) {
	log := l.logger.With("aggregate_id", aggregateID, "aggregate_type", aggregateType, "snapshot_version", snapshotVersion)

	snap, err := l.store.GetSnapshot(ctx, aggregateID, aggregateType, snapshotVersion)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn("snapshot not found, replaying full stream")
		return l.GetEvents(ctx, aggregateID, aggregateType, 0)
	}
	if err != nil {
		return nil, err
	}
	evs, _, err := l.eventsAfter(ctx, snap, log)
	return evs, err
}

// eventsAfter reports full=true when it had to fall back to the whole stream.
func (l *Log) eventsAfter(ctx context.Context, snap *model.Snapshot, log *slog.Logger) (evs []*model.Event, full bool, err error) {
	if snap.EventID > 0 {
		if _, err := l.store.GetEvent(ctx, snap.EventID); errors.Is(err, store.ErrNotFound) {
			log.Warn("snapshot references a missing event, replaying full stream", "event_id", snap.EventID)
			evs, err := l.GetEvents(ctx, snap.AggregateID, snap.AggregateType, 0)
			return evs, true, err
		} else if err != nil {
			return nil, false, err
		}
	}
	evs, err = l.store.GetEventsAfter(ctx, snap.AggregateID, snap.AggregateType, snap.EventID)
	return evs, false, err
}
