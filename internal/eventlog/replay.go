package eventlog

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/alfredjeanlab/sagas/internal/model"
)

// Folder rebuilds aggregate state from a snapshot and the events after it.
type Folder interface {
	// Restore resets the folder to the state captured in a snapshot.
	Restore(data json.RawMessage) error
	// Apply folds one event into the state.
	Apply(e *model.Event) error
	// Snapshot serializes the current state.
	Snapshot() (json.RawMessage, error)
}

// ReplayResult describes what Replay read.
type ReplayResult struct {
	Snapshot    *model.Snapshot // restored snapshot, nil on a full replay
	Applied     int             // events folded after the snapshot
	LastEventID int64           // id of the last folded event, or the snapshot's
}

// Replay folds the latest snapshot (if usable) and every later event of the
// aggregate into f.
func (l *Log) Replay(ctx context.Context, aggregateID, aggregateType string, f Folder) (ReplayResult, error) {
	var res ReplayResult
	log := l.logger.With("aggregate_id", aggregateID, "aggregate_type", aggregateType)

	snap, err := l.GetLatestSnapshot(ctx, aggregateID, aggregateType)
	if err != nil {
		return res, err
	}

	var evs []*model.Event
	if snap != nil {
		var full bool
		evs, full, err = l.eventsAfter(ctx, snap, log)
		if err != nil {
			return res, err
		}
		if !full {
			if err := f.Restore(snap.SnapshotData); err != nil {
				return res, fmt.Errorf("restore snapshot %d: %w", snap.SnapshotVersion, err)
			}
			res.Snapshot = snap
			res.LastEventID = snap.EventID
		}
	} else {
		evs, err = l.GetEvents(ctx, aggregateID, aggregateType, 0)
		if err != nil {
			return res, err
		}
	}

	for _, e := range evs {
		if err := f.Apply(e); err != nil {
			return res, fmt.Errorf("apply %s: %w", e, err)
		}
		res.Applied++
		res.LastEventID = e.ID
	}
	return res, nil
}

// SnapshotPolicy decides when a replayed aggregate is worth snapshotting.
// Every <= 0 disables snapshots.
type SnapshotPolicy struct {
	Every int
}

// Due reports whether res folded enough events to warrant a new snapshot.
func (p SnapshotPolicy) Due(res ReplayResult) bool {
	return p.Every > 0 && res.Applied >= p.Every
}

// MaybeSnapshot writes a snapshot of f when the policy says res is due. The
// new snapshot version is one past the latest stored one. It reports
// whether a snapshot was written.
func (l *Log) MaybeSnapshot(ctx context.Context, p SnapshotPolicy, aggregateID, aggregateType string, f Folder, res ReplayResult) (bool, error) {
	if !p.Due(res) {
		return false, nil
	}
	data, err := f.Snapshot()
	if err != nil {
		return false, fmt.Errorf("serialize snapshot: %w", err)
	}
	latest, err := l.GetLatestSnapshot(ctx, aggregateID, aggregateType)
	if err != nil {
		return false, err
	}
	version := 1
	if latest != nil {
		version = latest.SnapshotVersion + 1
	}
	snap := &model.Snapshot{
		AggregateID:     aggregateID,
		AggregateType:   aggregateType,
		SnapshotVersion: version,
		SnapshotData:    data,
		EventID:         res.LastEventID,
	}
	if err := l.SaveSnapshot(ctx, snap); err != nil {
		return false, err
	}
	l.logger.Debug("snapshot saved",
		"aggregate_id", aggregateID, "aggregate_type", aggregateType,
		"snapshot_version", version, "event_id", res.LastEventID)
	return true, nil
}
