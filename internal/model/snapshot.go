package model

import (
	"encoding/json"
	"time"
)

// Snapshot is a compaction checkpoint of an aggregate. All events with
// id <= EventID are folded into SnapshotData.
type Snapshot struct {
	AggregateID     string          `json:"aggregate_id"`
	AggregateType   string          `json:"aggregate_type"`
	SnapshotVersion int             `json:"snapshot_version"`
	SnapshotData    json.RawMessage `json:"snapshot_data"`
	EventID         int64           `json:"event_id"`
	CreatedAt       time.Time       `json:"created_at"`
}
