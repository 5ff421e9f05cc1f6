package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/alfredjeanlab/sagas/internal/model"
	"github.com/alfredjeanlab/sagas/internal/store"
)

// appendLockKey is the advisory lock taken by every appending transaction so
// that ids are handed out in commit order and batches never interleave.
const appendLockKey int64 = 0x5a6a5a01

const eventColumns = `id, aggregate_id, aggregate_type, event_type, event_version,
	data, tenant_id, correlation_id, metadata, created_at`

const snapshotColumns = `aggregate_id, aggregate_type, snapshot_version, snapshot_data, event_id, created_at`

const sagaColumns = `state, version`

const deadLetterColumns = `id, saga_id, event_id, error_type, error_message, error_stack,
	payload, retry_count, max_retries, tenant_id, correlation_id, created_at,
	resolved_at, resolution_notes`

// executor is the interface satisfied by both *sql.DB and *sql.Tx.
type executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// notFound maps sql.ErrNoRows to store.ErrNotFound.
func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	return err
}

// --- events ---

// queryAppendEvents must run inside a transaction; the advisory lock is
// released at commit or rollback.
func queryAppendEvents(ctx context.Context, db executor, events []*model.Event) error {
	if len(events) == 0 {
		return nil
	}
	if _, err := db.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, appendLockKey); err != nil {
		return store.Wrap("lock event log", err)
	}
	for _, e := range events {
		data, err := model.EncodeEventData(e.Data)
		if err != nil {
			return err
		}
		meta, err := json.Marshal(e.Metadata.Extra)
		if err != nil {
			return fmt.Errorf("encode metadata: %w", err)
		}
		if len(e.Metadata.Extra) == 0 {
			meta = nil
		}
		err = db.QueryRowContext(ctx, `
			INSERT INTO events (aggregate_id, aggregate_type, event_type, event_version,
				data, tenant_id, correlation_id, metadata)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING id, created_at`,
			e.AggregateID, e.AggregateType, e.EventType, e.EventVersion,
			[]byte(data), e.Metadata.TenantID, nullString(e.Metadata.CorrelationID), meta,
		).Scan(&e.ID, &e.CreatedAt)
		if err != nil {
			return store.Wrap("append event", err)
		}
	}
	return nil
}

func queryGetEvent(ctx context.Context, db executor, id int64) (*model.Event, error) {
	row := db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id = $1`, id)
	e, err := scanEvent(row)
	if err != nil {
		return nil, store.Wrap("get event", notFound(err))
	}
	return e, nil
}

func queryGetEvents(ctx context.Context, db executor, aggregateID, aggregateType string, fromVersion int) ([]*model.Event, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM events
		WHERE aggregate_id = $1 AND aggregate_type = $2 AND event_version >= $3
		ORDER BY id ASC`,
		aggregateID, aggregateType, fromVersion,
	)
	if err != nil {
		return nil, store.Wrap("get events", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func queryGetEventsAfter(ctx context.Context, db executor, aggregateID, aggregateType string, afterID int64) ([]*model.Event, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM events
		WHERE aggregate_id = $1 AND aggregate_type = $2 AND id > $3
		ORDER BY id ASC`,
		aggregateID, aggregateType, afterID,
	)
	if err != nil {
		return nil, store.Wrap("get events after", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func queryGetEventsByType(ctx context.Context, db executor, eventType string, limit int) ([]*model.Event, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM events
		WHERE event_type = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`,
		eventType, limit,
	)
	if err != nil {
		return nil, store.Wrap("get events by type", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func queryGetEventsByCorrelationID(ctx context.Context, db executor, correlationID string) ([]*model.Event, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM events
		WHERE correlation_id = $1
		ORDER BY created_at ASC, id ASC`,
		correlationID,
	)
	if err != nil {
		return nil, store.Wrap("get events by correlation id", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func queryListEvents(ctx context.Context, db executor, afterID int64, limit int) ([]*model.Event, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM events
		WHERE id > $1
		ORDER BY id ASC
		LIMIT $2`,
		afterID, limit,
	)
	if err != nil {
		return nil, store.Wrap("list events", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// --- snapshots ---

func querySaveSnapshot(ctx context.Context, db executor, s *model.Snapshot) error {
	err := db.QueryRowContext(ctx, `
		INSERT INTO snapshots (aggregate_id, aggregate_type, snapshot_version, snapshot_data, event_id)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (aggregate_id, aggregate_type, snapshot_version)
		DO UPDATE SET snapshot_data = $4, event_id = $5, created_at = NOW()
		RETURNING created_at`,
		s.AggregateID, s.AggregateType, s.SnapshotVersion, jsonbBytes(s.SnapshotData), s.EventID,
	).Scan(&s.CreatedAt)
	return store.Wrap("save snapshot", err)
}

func queryGetSnapshot(ctx context.Context, db executor, aggregateID, aggregateType string, version int) (*model.Snapshot, error) {
	row := db.QueryRowContext(ctx, `
		SELECT `+snapshotColumns+`
		FROM snapshots
		WHERE aggregate_id = $1 AND aggregate_type = $2 AND snapshot_version = $3`,
		aggregateID, aggregateType, version,
	)
	s, err := scanSnapshot(row)
	if err != nil {
		return nil, store.Wrap("get snapshot", notFound(err))
	}
	return s, nil
}

func queryGetLatestSnapshot(ctx context.Context, db executor, aggregateID, aggregateType string) (*model.Snapshot, error) {
	row := db.QueryRowContext(ctx, `
		SELECT `+snapshotColumns+`
		FROM snapshots
		WHERE aggregate_id = $1 AND aggregate_type = $2
		ORDER BY snapshot_version DESC
		LIMIT 1`,
		aggregateID, aggregateType,
	)
	s, err := scanSnapshot(row)
	if err != nil {
		return nil, store.Wrap("get latest snapshot", notFound(err))
	}
	return s, nil
}

// --- saga states ---

func querySaveSagaState(ctx context.Context, db executor, s *model.SagaState) error {
	next := *s
	next.Version = s.Version + 1
	state, err := json.Marshal(&next)
	if err != nil {
		return fmt.Errorf("encode saga state: %w", err)
	}

	var res sql.Result
	if s.Version == 0 {
		res, err = db.ExecContext(ctx, `
			INSERT INTO saga_states (
				saga_id, saga_type, aggregate_id, status, current_step, tenant_id,
				correlation_id, state, retry_count, next_retry_at, version,
				created_at, updated_at, completed_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
			ON CONFLICT (saga_id, saga_type) DO NOTHING`,
			s.SagaID, s.SagaType, s.AggregateID, string(s.Status), s.CurrentStep, s.TenantID,
			nullString(s.CorrelationID), state, s.RetryCount, nullTimePtr(s.NextRetryAt), next.Version,
			s.CreatedAt, s.UpdatedAt, nullTimePtr(s.CompletedAt),
		)
	} else {
		res, err = db.ExecContext(ctx, `
			UPDATE saga_states SET
				status = $3, current_step = $4, state = $5, retry_count = $6,
				next_retry_at = $7, version = $8, updated_at = $9, completed_at = $10
			WHERE saga_id = $1 AND saga_type = $2 AND version = $11`,
			s.SagaID, s.SagaType, string(s.Status), s.CurrentStep, state, s.RetryCount,
			nullTimePtr(s.NextRetryAt), next.Version, s.UpdatedAt, nullTimePtr(s.CompletedAt),
			s.Version,
		)
	}
	if err != nil {
		return store.Wrap("save saga state", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return store.Wrap("save saga state", err)
	}
	if n == 0 {
		return store.ErrConcurrentModification
	}
	s.Version = next.Version
	return nil
}

func queryGetSagaState(ctx context.Context, db executor, sagaID, sagaType string) (*model.SagaState, error) {
	row := db.QueryRowContext(ctx, `
		SELECT `+sagaColumns+` FROM saga_states WHERE saga_id = $1 AND saga_type = $2`,
		sagaID, sagaType,
	)
	s, err := scanSagaState(row)
	if err != nil {
		return nil, store.Wrap("get saga state", notFound(err))
	}
	return s, nil
}

func queryFindSagaState(ctx context.Context, db executor, sagaID string) (*model.SagaState, error) {
	row := db.QueryRowContext(ctx, `
		SELECT `+sagaColumns+` FROM saga_states WHERE saga_id = $1
		ORDER BY updated_at DESC LIMIT 1`,
		sagaID,
	)
	s, err := scanSagaState(row)
	if err != nil {
		return nil, store.Wrap("find saga state", notFound(err))
	}
	return s, nil
}

func queryListSagaStates(ctx context.Context, db executor, filter model.SagaFilter) ([]*model.SagaState, error) {
	var (
		whereClauses []string
		args         []any
		argIdx       int
	)

	nextArg := func() string {
		argIdx++
		return fmt.Sprintf("$%d", argIdx)
	}

	if len(filter.Status) > 0 {
		placeholders := make([]string, len(filter.Status))
		for i, s := range filter.Status {
			placeholders[i] = nextArg()
			args = append(args, string(s))
		}
		whereClauses = append(whereClauses, "status IN ("+strings.Join(placeholders, ", ")+")")
	}
	if filter.SagaType != "" {
		whereClauses = append(whereClauses, "saga_type = "+nextArg())
		args = append(args, filter.SagaType)
	}
	if filter.TenantID != "" {
		whereClauses = append(whereClauses, "tenant_id = "+nextArg())
		args = append(args, filter.TenantID)
	}
	if filter.CorrelationID != "" {
		whereClauses = append(whereClauses, "correlation_id = "+nextArg())
		args = append(args, filter.CorrelationID)
	}
	if filter.DueBefore != nil {
		whereClauses = append(whereClauses, "next_retry_at <= "+nextArg())
		args = append(args, *filter.DueBefore)
	}
	if filter.UpdatedBefore != nil {
		whereClauses = append(whereClauses, "updated_at < "+nextArg())
		args = append(args, *filter.UpdatedBefore)
	}

	query := `SELECT ` + sagaColumns + ` FROM saga_states`
	if len(whereClauses) > 0 {
		query += " WHERE " + strings.Join(whereClauses, " AND ")
	}
	query += " ORDER BY created_at ASC, saga_id ASC"
	if filter.Limit > 0 {
		query += " LIMIT " + nextArg()
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET " + nextArg()
		args = append(args, filter.Offset)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, store.Wrap("list saga states", err)
	}
	defer rows.Close()

	var out []*model.SagaState
	for rows.Next() {
		s, err := scanSagaState(rows)
		if err != nil {
			return nil, store.Wrap("list saga states", err)
		}
		out = append(out, s)
	}
	return out, store.Wrap("list saga states", rows.Err())
}

// --- dead letters ---

func queryAddDeadLetter(ctx context.Context, db executor, e *model.DeadLetterEntry) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO dead_letters (
			id, saga_id, event_id, error_type, error_message, error_stack,
			payload, retry_count, max_retries, tenant_id, correlation_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		e.ID, nullString(e.SagaID), nullInt64Ptr(e.EventID), e.ErrorType, e.ErrorMessage,
		nullString(e.ErrorStack), jsonbBytes(e.Payload), e.RetryCount, e.MaxRetries,
		e.TenantID, nullString(e.CorrelationID), e.CreatedAt,
	)
	return store.Wrap("add dead letter", err)
}

func queryGetDeadLetter(ctx context.Context, db executor, id string) (*model.DeadLetterEntry, error) {
	row := db.QueryRowContext(ctx, `SELECT `+deadLetterColumns+` FROM dead_letters WHERE id = $1`, id)
	e, err := scanDeadLetter(row)
	if err != nil {
		return nil, store.Wrap("get dead letter", notFound(err))
	}
	return e, nil
}

func queryListDeadLetters(ctx context.Context, db executor, filter model.DeadLetterFilter) ([]*model.DeadLetterEntry, error) {
	var (
		whereClauses []string
		args         []any
	)
	if filter.TenantID != "" {
		args = append(args, filter.TenantID)
		whereClauses = append(whereClauses, fmt.Sprintf("tenant_id = $%d", len(args)))
	}
	if filter.UnresolvedOnly {
		whereClauses = append(whereClauses, "resolved_at IS NULL")
	}

	query := `SELECT ` + deadLetterColumns + ` FROM dead_letters`
	if len(whereClauses) > 0 {
		query += " WHERE " + strings.Join(whereClauses, " AND ")
	}
	if filter.NewestFirst {
		query += " ORDER BY created_at DESC, id DESC"
	} else {
		query += " ORDER BY created_at ASC, id ASC"
	}
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, store.Wrap("list dead letters", err)
	}
	defer rows.Close()

	var out []*model.DeadLetterEntry
	for rows.Next() {
		e, err := scanDeadLetter(rows)
		if err != nil {
			return nil, store.Wrap("list dead letters", err)
		}
		out = append(out, e)
	}
	return out, store.Wrap("list dead letters", rows.Err())
}

func queryResolveDeadLetter(ctx context.Context, db executor, id, notes string, at time.Time) (*model.DeadLetterEntry, bool, error) {
	row := db.QueryRowContext(ctx, `
		UPDATE dead_letters SET resolved_at = $2, resolution_notes = $3
		WHERE id = $1 AND resolved_at IS NULL
		RETURNING `+deadLetterColumns,
		id, at, nullString(notes),
	)
	e, err := scanDeadLetter(row)
	if err == nil {
		return e, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, store.Wrap("resolve dead letter", err)
	}
	// Either unknown or already resolved.
	e, err = queryGetDeadLetter(ctx, db, id)
	if err != nil {
		return nil, false, err
	}
	return e, false, nil
}
