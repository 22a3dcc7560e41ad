package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/affirmcall/internal/ttsorch"
)

var _ ttsorch.KeyLocker = (*AdvisoryLocker)(nil)

// lockConn is a dedicated pool connection. Session-level advisory locks
// belong to the connection that took them, so lock and unlock must run on
// the same one.
type lockConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Release()
}

// AdvisoryLocker implements [ttsorch.KeyLocker] with pg_advisory_lock on a
// hash of the key.
type AdvisoryLocker struct {
	acquire func(ctx context.Context) (lockConn, error)
}

// NewAdvisoryLocker returns a locker that takes connections from pool.
func NewAdvisoryLocker(pool *pgxpool.Pool) *AdvisoryLocker {
	return &AdvisoryLocker{acquire: func(ctx context.Context) (lockConn, error) {
		c, err := pool.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		return c, nil
	}}
}

// Lock blocks until the lock for key is held or ctx is done.
func (l *AdvisoryLocker) Lock(ctx context.Context, key string) (func(), error) {
	conn, err := l.acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres: lock %s: acquire: %w", key, err)
	}
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock(hashtext($1))`, key); err != nil {
		conn.Release()
		return nil, fmt.Errorf("postgres: lock %s: %w", key, err)
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctx, `SELECT pg_advisory_unlock(hashtext($1))`, key); err != nil {
			slog.Warn("postgres: advisory unlock failed", "key", key, "err", err)
		}
		conn.Release()
	}, nil
}
