// Package postgres holds the PostgreSQL implementations of the shared state:
// call sessions, transcription jobs and dead letters, the shared speech cache
// tier, and an advisory-lock based [ttsorch.KeyLocker].
//
// All stores share a single [pgxpool.Pool]. Each store only needs the narrow
// [DB] interface, so tests can substitute a fake.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DB is the database interface used by the stores. Both *pgxpool.Pool and
// *pgx.Conn satisfy it.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store bundles the PostgreSQL-backed stores around one pool.
type Store struct {
	db   DB
	pool *pgxpool.Pool

	sessions *SessionStore
	jobs     *JobStore
	letters  *DeadLetterStore
	speech   *SpeechTier
}

// Open connects to dsn, verifies the connection and runs [Migrate].
func Open(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	s := New(pool)
	s.pool = pool
	return s, nil
}

// New wraps an existing connection. The caller is responsible for running
// [Migrate]. [Store.Locker] is only available on stores created by [Open].
func New(db DB) *Store {
	return &Store{
		db:       db,
		sessions: &SessionStore{db: db},
		jobs:     &JobStore{db: db},
		letters:  &DeadLetterStore{db: db},
		speech:   NewSpeechTier(db),
	}
}

// Sessions returns the call session store.
func (s *Store) Sessions() *SessionStore { return s.sessions }

// Jobs returns the transcription job store.
func (s *Store) Jobs() *JobStore { return s.jobs }

// DeadLetters returns the transcription dead-letter store.
func (s *Store) DeadLetters() *DeadLetterStore { return s.letters }

// SpeechTier returns the shared speech cache tier.
func (s *Store) SpeechTier() *SpeechTier { return s.speech }

// Locker returns a cross-process key locker, or nil when the store has no
// pool of its own.
func (s *Store) Locker() *AdvisoryLocker {
	if s.pool == nil {
		return nil
	}
	return NewAdvisoryLocker(s.pool)
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return ping(ctx, s.db)
}

// Close releases the pool, if the store owns one.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func ping(ctx context.Context, db DB) error {
	if _, err := db.Exec(ctx, "SELECT 1"); err != nil {
		return fmt.Errorf("postgres: ping: %w", err)
	}
	return nil
}

// isDuplicateKeyError reports a unique violation (SQLSTATE 23505).
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
