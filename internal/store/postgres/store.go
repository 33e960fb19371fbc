// Package postgres provides PostgreSQL implementation of the store interfaces.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/nixfleet/orchestrator/internal/store"
)

// PostgresStore implements the Store interface using PostgreSQL.
type PostgresStore struct {
	db     *sql.DB
	logger *slog.Logger

	flakes      *FlakeStore
	commits     *CommitStore
	derivations *DerivationStore
	statuses    *StatusStore
	systems     *SystemStore
	reports     *ReportStore
}

// Config holds PostgreSQL connection configuration.
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig(dsn string) *Config {
	return &Config{
		DSN:             dsn,
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 1 * time.Minute,
	}
}

// NewPostgresStore creates a new PostgreSQL store with the given configuration.
func NewPostgresStore(cfg *Config, logger *slog.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	s := &PostgresStore{
		db:     db,
		logger: logger,
	}

	// Initialize sub-stores
	s.flakes = &FlakeStore{db: db, logger: logger}
	s.commits = &CommitStore{db: db, logger: logger}
	s.derivations = &DerivationStore{db: db, logger: logger}
	s.statuses = &StatusStore{db: db, logger: logger}
	s.systems = &SystemStore{db: db, logger: logger}
	s.reports = &ReportStore{db: db, logger: logger}

	logger.Info("connected to PostgreSQL database")
	return s, nil
}

// Flakes returns the FlakeStore.
func (s *PostgresStore) Flakes() store.FlakeStore {
	return s.flakes
}

// Commits returns the CommitStore.
func (s *PostgresStore) Commits() store.CommitStore {
	return s.commits
}

// Derivations returns the DerivationStore.
func (s *PostgresStore) Derivations() store.DerivationStore {
	return s.derivations
}

// Statuses returns the StatusStore.
func (s *PostgresStore) Statuses() store.StatusStore {
	return s.statuses
}

// Systems returns the SystemStore.
func (s *PostgresStore) Systems() store.SystemStore {
	return s.systems
}

// Reports returns the ReportStore.
func (s *PostgresStore) Reports() store.ReportStore {
	return s.reports
}

// WithTx executes the given function within a database transaction.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(store.Store) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	// Create a transaction-scoped store
	txStore := &txStore{
		tx:     tx,
		logger: s.logger,
	}

	// Execute the function
	if err := fn(txStore); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error("failed to rollback transaction", "error", rbErr)
		}
		return err
	}

	// Commit the transaction
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (s *PostgresStore) Close() error {
	s.logger.Info("closing PostgreSQL connection")
	return s.db.Close()
}

// DB returns the underlying database connection.
// This is useful for components that need direct database access.
func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// txStore wraps a transaction and implements the Store interface.
type txStore struct {
	tx     *sql.Tx
	logger *slog.Logger

	flakes      *FlakeStore
	commits     *CommitStore
	derivations *DerivationStore
	statuses    *StatusStore
	systems     *SystemStore
	reports     *ReportStore
}

func (s *txStore) Flakes() store.FlakeStore {
	if s.flakes == nil {
		s.flakes = &FlakeStore{tx: s.tx, logger: s.logger}
	}
	return s.flakes
}

func (s *txStore) Commits() store.CommitStore {
	if s.commits == nil {
		s.commits = &CommitStore{tx: s.tx, logger: s.logger}
	}
	return s.commits
}

func (s *txStore) Derivations() store.DerivationStore {
	if s.derivations == nil {
		s.derivations = &DerivationStore{tx: s.tx, logger: s.logger}
	}
	return s.derivations
}

func (s *txStore) Statuses() store.StatusStore {
	if s.statuses == nil {
		s.statuses = &StatusStore{tx: s.tx, logger: s.logger}
	}
	return s.statuses
}

func (s *txStore) Systems() store.SystemStore {
	if s.systems == nil {
		s.systems = &SystemStore{tx: s.tx, logger: s.logger}
	}
	return s.systems
}

func (s *txStore) Reports() store.ReportStore {
	if s.reports == nil {
		s.reports = &ReportStore{tx: s.tx, logger: s.logger}
	}
	return s.reports
}

func (s *txStore) WithTx(ctx context.Context, fn func(store.Store) error) error {
	// Already in a transaction, just execute the function
	return fn(s)
}

func (s *txStore) Close() error {
	// No-op for transaction store
	return nil
}

// queryable is an interface that both *sql.DB and *sql.Tx implement.
type queryable interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}
