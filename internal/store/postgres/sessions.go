package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/MrWong99/affirmcall/internal/callflow"
)

var _ callflow.Store = (*SessionStore)(nil)

// SessionStore is a [callflow.Store] with optimistic concurrency on the
// version column.
type SessionStore struct {
	db DB
}

// NewSessionStore returns a SessionStore using db.
func NewSessionStore(db DB) *SessionStore { return &SessionStore{db: db} }

func (s *SessionStore) Create(ctx context.Context, sess *callflow.Session) error {
	c := sess.Clone()
	c.Version = 1
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("postgres: marshal session: %w", err)
	}
	const query = `
		INSERT INTO call_sessions (call_id, state, version, data, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err = s.db.Exec(ctx, query, c.CallID, string(c.State), c.Version, data, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("%w: %s", callflow.ErrExists, sess.CallID)
		}
		return fmt.Errorf("postgres: create session %s: %w", sess.CallID, err)
	}
	sess.Version = 1
	return nil
}

func (s *SessionStore) Get(ctx context.Context, callID string) (*callflow.Session, error) {
	const query = `SELECT data, version FROM call_sessions WHERE call_id = $1`
	var (
		data    []byte
		version int64
	)
	if err := s.db.QueryRow(ctx, query, callID).Scan(&data, &version); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, callflow.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: get session %s: %w", callID, err)
	}
	var sess callflow.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("postgres: unmarshal session %s: %w", callID, err)
	}
	sess.Version = version
	return &sess, nil
}

func (s *SessionStore) CompareAndSwap(ctx context.Context, sess *callflow.Session, expectedVersion int64) error {
	c := sess.Clone()
	c.Version = expectedVersion + 1
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("postgres: marshal session: %w", err)
	}
	const query = `
		UPDATE call_sessions
		SET state = $2, version = $3, data = $4, updated_at = $5
		WHERE call_id = $1 AND version = $6`
	tag, err := s.db.Exec(ctx, query, c.CallID, string(c.State), c.Version, data, c.UpdatedAt, expectedVersion)
	if err != nil {
		return fmt.Errorf("postgres: swap session %s: %w", sess.CallID, err)
	}
	if tag.RowsAffected() == 0 {
		return s.missOrConflict(ctx, sess.CallID, expectedVersion)
	}
	sess.Version = c.Version
	return nil
}

// missOrConflict tells an unknown call from a version mismatch after an
// update matched no rows.
func (s *SessionStore) missOrConflict(ctx context.Context, callID string, expected int64) error {
	var current int64
	err := s.db.QueryRow(ctx, `SELECT version FROM call_sessions WHERE call_id = $1`, callID).Scan(&current)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return callflow.ErrNotFound
	case err != nil:
		return fmt.Errorf("postgres: swap session %s: %w", callID, err)
	}
	return fmt.Errorf("%w: %s at version %d, expected %d", callflow.ErrConflict, callID, current, expected)
}

func (s *SessionStore) Delete(ctx context.Context, callID string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM call_sessions WHERE call_id = $1`, callID); err != nil {
		return fmt.Errorf("postgres: delete session %s: %w", callID, err)
	}
	return nil
}

func (s *SessionStore) PurgeTerminal(ctx context.Context, before time.Time) (int64, error) {
	const query = `
		DELETE FROM call_sessions
		WHERE state IN ($1, $2) AND updated_at < $3`
	tag, err := s.db.Exec(ctx, query, string(callflow.StateEnded), string(callflow.StateFailed), before)
	if err != nil {
		return 0, fmt.Errorf("postgres: purge sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *SessionStore) ListStalled(ctx context.Context, states []callflow.State, before time.Time) ([]*callflow.Session, error) {
	const query = `
		SELECT data, version FROM call_sessions
		WHERE state = ANY($1) AND updated_at < $2
		ORDER BY updated_at`
	names := make([]string, len(states))
	for i, st := range states {
		names[i] = string(st)
	}
	rows, err := s.db.Query(ctx, query, names, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list stalled sessions: %w", err)
	}
	defer rows.Close()

	var out []*callflow.Session
	for rows.Next() {
		var (
			data    []byte
			version int64
		)
		if err := rows.Scan(&data, &version); err != nil {
			return nil, fmt.Errorf("postgres: list stalled sessions scan: %w", err)
		}
		var sess callflow.Session
		if err := json.Unmarshal(data, &sess); err != nil {
			return nil, fmt.Errorf("postgres: unmarshal session: %w", err)
		}
		sess.Version = version
		out = append(out, &sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list stalled sessions: %w", err)
	}
	return out, nil
}

func (s *SessionStore) Ping(ctx context.Context) error { return ping(ctx, s.db) }
