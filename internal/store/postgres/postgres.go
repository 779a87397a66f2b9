// Package postgres implements store.Store on PostgreSQL using sqlx and lib/pq.
//
// Row locks are taken with SELECT ... FOR UPDATE and every transaction sets a
// local lock_timeout so a writer stuck behind a long-held wallet lock fails
// with store.ErrLockTimeout instead of hanging. Unique violations (SQLSTATE
// 23505) surface as store.ErrDuplicate, which is how the ledger detects a
// reused idempotency key.
package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/kelpejol/tally/internal/store"
	"github.com/lib/pq"
	"github.com/rs/zerolog"
)

//go:embed schema.sql
var schema string

// Schema returns the DDL applied by Migrate.
func Schema() string { return schema }

// Config holds connection and pool settings.
type Config struct {
	URL string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration

	// LockTimeout bounds how long a transaction waits for a row lock.
	LockTimeout time.Duration
}

// DefaultConfig returns pool settings suitable for the API server.
func DefaultConfig(url string) Config {
	return Config{
		URL:             url,
		MaxOpenConns:    50,
		MaxIdleConns:    25,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 1 * time.Minute,
		LockTimeout:     5 * time.Second,
	}
}

// Store is the PostgreSQL-backed store.
type Store struct {
	db          *sqlx.DB
	lockTimeout time.Duration
	log         zerolog.Logger
}

var _ store.Store = (*Store)(nil)

// Open connects, tunes the pool and verifies connectivity.
func Open(ctx context.Context, cfg Config, logger zerolog.Logger) (*Store, error) {
	db, err := sqlx.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("postgres connection failed: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}

	logger.Info().
		Int("max_open_conns", cfg.MaxOpenConns).
		Dur("lock_timeout", cfg.LockTimeout).
		Msg("postgres connection established")

	return &Store{
		db:          db,
		lockTimeout: cfg.LockTimeout,
		log:         logger.With().Str("component", "postgres_store").Logger(),
	}, nil
}

// Migrate applies the embedded schema. Statements are idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema failed: %w", err)
	}
	s.log.Info().Msg("schema applied")
	return nil
}

func (s *Store) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx failed: %w", mapErr(err))
	}
	defer tx.Rollback()

	if s.lockTimeout > 0 {
		ms := s.lockTimeout.Milliseconds()
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL lock_timeout = %d", ms)); err != nil {
			return fmt.Errorf("set lock_timeout failed: %w", mapErr(err))
		}
	}

	if err := fn(&queries{ext: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit failed: %w", mapErr(err))
	}
	return nil
}

func (s *Store) View(ctx context.Context, fn func(tx store.Tx) error) error {
	return fn(&queries{ext: s.db})
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// DB exposes the pool for administrative tooling.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// mapErr translates driver errors into store sentinels, keeping the original
// error in the chain.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505":
			return fmt.Errorf("%w: %s: %v", store.ErrDuplicate, pqErr.Constraint, err)
		case "55P03", "57014":
			return fmt.Errorf("%w: %v", store.ErrLockTimeout, err)
		}
	}
	return err
}
