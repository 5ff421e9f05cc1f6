// Package postgres implements the store.Store interface backed by PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"

	"github.com/alfredjeanlab/sagas/internal/model"
	"github.com/alfredjeanlab/sagas/internal/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore implements store.Store backed by a PostgreSQL database.
type PostgresStore struct {
	db *sql.DB
}

// Compile-time check that PostgresStore implements store.Store.
var _ store.Store = (*PostgresStore)(nil)

// New opens a connection to the PostgreSQL database at the given URL,
// configures the connection pool, and runs any pending migrations.
func New(databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// NewWithDB wraps an already opened database without running migrations.
func NewWithDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func runMigrations(db *sql.DB) error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	dbDriver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create migration db driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", dbDriver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}

	return nil
}

// Ping checks that the database is reachable.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return store.Wrap("ping", s.db.PingContext(ctx))
}

// Close closes the underlying database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// AppendEvents opens its own transaction so the advisory lock is held until
// the batch commits.
func (s *PostgresStore) AppendEvents(ctx context.Context, events []*model.Event) error {
	return s.RunInTransaction(ctx, func(tx store.Store) error {
		return tx.AppendEvents(ctx, events)
	})
}

func (s *PostgresStore) GetEvent(ctx context.Context, id int64) (*model.Event, error) {
	return queryGetEvent(ctx, s.db, id)
}

func (s *PostgresStore) GetEvents(ctx context.Context, aggregateID, aggregateType string, fromVersion int) ([]*model.Event, error) {
	return queryGetEvents(ctx, s.db, aggregateID, aggregateType, fromVersion)
}

func (s *PostgresStore) GetEventsAfter(ctx context.Context, aggregateID, aggregateType string, afterID int64) ([]*model.Event, error) {
	return queryGetEventsAfter(ctx, s.db, aggregateID, aggregateType, afterID)
}

func (s *PostgresStore) GetEventsByType(ctx context.Context, eventType string, limit int) ([]*model.Event, error) {
	return queryGetEventsByType(ctx, s.db, eventType, limit)
}

func (s *PostgresStore) GetEventsByCorrelationID(ctx context.Context, correlationID string) ([]*model.Event, error) {
	return queryGetEventsByCorrelationID(ctx, s.db, correlationID)
}

func (s *PostgresStore) ListEvents(ctx context.Context, afterID int64, limit int) ([]*model.Event, error) {
	return queryListEvents(ctx, s.db, afterID, limit)
}

func (s *PostgresStore) SaveSnapshot(ctx context.Context, snap *model.Snapshot) error {
	return querySaveSnapshot(ctx, s.db, snap)
}

func (s *PostgresStore) GetSnapshot(ctx context.Context, aggregateID, aggregateType string, version int) (*model.Snapshot, error) {
	return queryGetSnapshot(ctx, s.db, aggregateID, aggregateType, version)
}

func (s *PostgresStore) GetLatestSnapshot(ctx context.Context, aggregateID, aggregateType string) (*model.Snapshot, error) {
	return queryGetLatestSnapshot(ctx, s.db, aggregateID, aggregateType)
}

func (s *PostgresStore) SaveSagaState(ctx context.Context, state *model.SagaState) error {
	return querySaveSagaState(ctx, s.db, state)
}

func (s *PostgresStore) GetSagaState(ctx context.Context, sagaID, sagaType string) (*model.SagaState, error) {
	return queryGetSagaState(ctx, s.db, sagaID, sagaType)
}

func (s *PostgresStore) FindSagaState(ctx context.Context, sagaID string) (*model.SagaState, error) {
	return queryFindSagaState(ctx, s.db, sagaID)
}

func (s *PostgresStore) ListSagaStates(ctx context.Context, filter model.SagaFilter) ([]*model.SagaState, error) {
	return queryListSagaStates(ctx, s.db, filter)
}

func (s *PostgresStore) AddDeadLetter(ctx context.Context, e *model.DeadLetterEntry) error {
	return queryAddDeadLetter(ctx, s.db, e)
}

func (s *PostgresStore) GetDeadLetter(ctx context.Context, id string) (*model.DeadLetterEntry, error) {
	return queryGetDeadLetter(ctx, s.db, id)
}

func (s *PostgresStore) ListDeadLetters(ctx context.Context, filter model.DeadLetterFilter) ([]*model.DeadLetterEntry, error) {
	return queryListDeadLetters(ctx, s.db, filter)
}

func (s *PostgresStore) ResolveDeadLetter(ctx context.Context, id, notes string, at time.Time) (*model.DeadLetterEntry, bool, error) {
	return queryResolveDeadLetter(ctx, s.db, id, notes, at)
}

// RunInTransaction begins a database transaction, creates a txStore that
// delegates to it, calls fn, and commits on success or rolls back on error.
func (s *PostgresStore) RunInTransaction(ctx context.Context, fn func(tx store.Store) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return store.Wrap("begin transaction", err)
	}

	txS := &txStore{tx: tx}
	if err := fn(txS); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return store.Wrap("commit transaction", err)
	}
	return nil
}

// txStore implements store.Store using a *sql.Tx.
type txStore struct {
	tx *sql.Tx
}

// Compile-time check that txStore implements store.Store.
var _ store.Store = (*txStore)(nil)

func (s *txStore) AppendEvents(ctx context.Context, events []*model.Event) error {
	return queryAppendEvents(ctx, s.tx, events)
}

func (s *txStore) GetEvent(ctx context.Context, id int64) (*model.Event, error) {
	return queryGetEvent(ctx, s.tx, id)
}

func (s *txStore) GetEvents(ctx context.Context, aggregateID, aggregateType string, fromVersion int) ([]*model.Event, error) {
	return queryGetEvents(ctx, s.tx, aggregateID, aggregateType, fromVersion)
}

func (s *txStore) GetEventsAfter(ctx context.Context, aggregateID, aggregateType string, afterID int64) ([]*model.Event, error) {
	return queryGetEventsAfter(ctx, s.tx, aggregateID, aggregateType, afterID)
}

func (s *txStore) GetEventsByType(ctx context.Context, eventType string, limit int) ([]*model.Event, error) {
	return queryGetEventsByType(ctx, s.tx, eventType, limit)
}

func (s *txStore) GetEventsByCorrelationID(ctx context.Context, correlationID string) ([]*model.Event, error) {
	return queryGetEventsByCorrelationID(ctx, s.tx, correlationID)
}

func (s *txStore) ListEvents(ctx context.Context, afterID int64, limit int) ([]*model.Event, error) {
	return queryListEvents(ctx, s.tx, afterID, limit)
}

func (s *txStore) SaveSnapshot(ctx context.Context, snap *model.Snapshot) error {
	return querySaveSnapshot(ctx, s.tx, snap)
}

func (s *txStore) GetSnapshot(ctx context.Context, aggregateID, aggregateType string, version int) (*model.Snapshot, error) {
	return queryGetSnapshot(ctx, s.tx, aggregateID, aggregateType, version)
}

func (s *txStore) GetLatestSnapshot(ctx context.Context, aggregateID, aggregateType string) (*model.Snapshot, error) {
	return queryGetLatestSnapshot(ctx, s.tx, aggregateID, aggregateType)
}

func (s *txStore) SaveSagaState(ctx context.Context, state *model.SagaState) error {
	return querySaveSagaState(ctx, s.tx, state)
}

func (s *txStore) GetSagaState(ctx context.Context, sagaID, sagaType string) (*model.SagaState, error) {
	return queryGetSagaState(ctx, s.tx, sagaID, sagaType)
}

func (s *txStore) FindSagaState(ctx context.Context, sagaID string) (*model.SagaState, error) {
	return queryFindSagaState(ctx, s.tx, sagaID)
}

func (s *txStore) ListSagaStates(ctx context.Context, filter model.SagaFilter) ([]*model.SagaState, error) {
	return queryListSagaStates(ctx, s.tx, filter)
}

func (s *txStore) AddDeadLetter(ctx context.Context, e *model.DeadLetterEntry) error {
	return queryAddDeadLetter(ctx, s.tx, e)
}

func (s *txStore) GetDeadLetter(ctx context.Context, id string) (*model.DeadLetterEntry, error) {
	return queryGetDeadLetter(ctx, s.tx, id)
}

func (s *txStore) ListDeadLetters(ctx context.Context, filter model.DeadLetterFilter) ([]*model.DeadLetterEntry, error) {
	return queryListDeadLetters(ctx, s.tx, filter)
}

func (s *txStore) ResolveDeadLetter(ctx context.Context, id, notes string, at time.Time) (*model.DeadLetterEntry, bool, error) {
	return queryResolveDeadLetter(ctx, s.tx, id, notes, at)
}

// RunInTransaction on a txStore reuses the existing transaction (no nesting).
func (s *txStore) RunInTransaction(ctx context.Context, fn func(tx store.Store) error) error {
	return fn(s)
}

// Ping is a no-op inside a transaction.
func (s *txStore) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op for a transaction store; the parent store owns the connection.
func (s *txStore) Close() error {
	return nil
}
