package postgres

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alfredjeanlab/sagas/internal/model"
	"github.com/alfredjeanlab/sagas/internal/store"
)

// scannable is the interface satisfied by both *sql.Row and *sql.Rows.
type scannable interface {
	Scan(dest ...any) error
}

// scanEvent scans a single row into a model.Event.
// The row must contain columns in the order defined by eventColumns.
func scanEvent(row scannable) (*model.Event, error) {
	var e model.Event
	var (
		data          []byte
		correlationID sql.NullString
		metadata      []byte
	)
	err := row.Scan(
		&e.ID,
		&e.AggregateID,
		&e.AggregateType,
		&e.EventType,
		&e.EventVersion,
		&data,
		&e.Metadata.TenantID,
		&correlationID,
		&metadata,
		&e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.Metadata.CorrelationID = correlationID.String
	if len(metadata) > 0 && string(metadata) != "null" {
		if err := json.Unmarshal(metadata, &e.Metadata.Extra); err != nil {
			return nil, fmt.Errorf("decode metadata of event %d: %w", e.ID, err)
		}
	}
	e.Data, err = model.DecodeEventData(e.EventType, data)
	if err != nil {
		return nil, fmt.Errorf("event %d: %w", e.ID, err)
	}
	return &e, nil
}

func scanEvents(rows *sql.Rows) ([]*model.Event, error) {
	events := []*model.Event{}
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, store.Wrap("scan events", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Wrap("scan events", err)
	}
	return events, nil
}

func scanSnapshot(row scannable) (*model.Snapshot, error) {
	var s model.Snapshot
	var data []byte
	err := row.Scan(
		&s.AggregateID,
		&s.AggregateType,
		&s.SnapshotVersion,
		&data,
		&s.EventID,
		&s.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	s.SnapshotData = json.RawMessage(data)
	return &s, nil
}

// scanSagaState decodes the state document; the version column is
// authoritative over any version embedded in the document.
func scanSagaState(row scannable) (*model.SagaState, error) {
	var (
		state   []byte
		version int64
	)
	if err := row.Scan(&state, &version); err != nil {
		return nil, err
	}
	var s model.SagaState
	if err := json.Unmarshal(state, &s); err != nil {
		return nil, fmt.Errorf("decode saga state: %w", err)
	}
	s.Version = version
	return &s, nil
}

func scanDeadLetter(row scannable) (*model.DeadLetterEntry, error) {
	var e model.DeadLetterEntry
	var (
		sagaID        sql.NullString
		eventID       sql.NullInt64
		errorStack    sql.NullString
		payload       []byte
		correlationID sql.NullString
		resolvedAt    sql.NullTime
		notes         sql.NullString
	)
	err := row.Scan(
		&e.ID,
		&sagaID,
		&eventID,
		&e.ErrorType,
		&e.ErrorMessage,
		&errorStack,
		&payload,
		&e.RetryCount,
		&e.MaxRetries,
		&e.TenantID,
		&correlationID,
		&e.CreatedAt,
		&resolvedAt,
		&notes,
	)
	if err != nil {
		return nil, err
	}

	e.SagaID = sagaID.String
	e.ErrorStack = errorStack.String
	e.CorrelationID = correlationID.String
	e.ResolutionNotes = notes.String
	if eventID.Valid {
		id := eventID.Int64
		e.EventID = &id
	}
	if len(payload) > 0 {
		e.Payload = json.RawMessage(payload)
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		e.ResolvedAt = &t
	}
	return &e, nil
}

// nullTimePtr converts a *time.Time to a sql.NullTime.
func nullTimePtr(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// nullString converts a string to sql.NullString; empty string is null.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullInt64Ptr(n *int64) sql.NullInt64 {
	if n == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *n, Valid: true}
}

// jsonbBytes converts json.RawMessage to a []byte suitable for JSONB columns.
func jsonbBytes(m json.RawMessage) []byte {
	if len(m) == 0 {
		return nil
	}
	return []byte(m)
}
