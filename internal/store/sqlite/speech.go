// Package sqlite is the cold speech cache tier: an on-disk blob store for
// synthesised audio that outlives process restarts and the shared tier's
// eviction.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/MrWong99/affirmcall/internal/speechcache"
)

var (
	_ speechcache.Tier   = (*SpeechTier)(nil)
	_ speechcache.Purger = (*SpeechTier)(nil)
)

const ddl = `
CREATE TABLE IF NOT EXISTS speech_cache (
    cache_key TEXT PRIMARY KEY,
    audio BLOB NOT NULL,
    content_type TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    expires_at INTEGER,
    hit_count INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_speech_cache_expires ON speech_cache(expires_at);
`

// SpeechTier stores cache entries in a SQLite file. Timestamps are stored as
// Unix nanoseconds.
type SpeechTier struct {
	db    *sql.DB
	clock func() time.Time
}

// Open creates the database file and its directory if needed and applies
// the schema. The database runs in WAL mode.
func Open(ctx context.Context, path string) (*SpeechTier, error) {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlite: create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: init schema: %w", err)
	}
	return &SpeechTier{db: db, clock: time.Now}, nil
}

func (t *SpeechTier) Name() string { return "cold" }

func (t *SpeechTier) Get(ctx context.Context, key string) (speechcache.Entry, bool, error) {
	row := t.db.QueryRowContext(ctx,
		`UPDATE speech_cache SET hit_count = hit_count + 1
		 WHERE cache_key = ? AND (expires_at IS NULL OR expires_at > ?)
		 RETURNING audio, content_type, created_at, expires_at, hit_count`,
		key, t.clock().UnixNano())

	var (
		e       = speechcache.Entry{Key: key}
		created int64
		expires sql.NullInt64
	)
	err := row.Scan(&e.Audio, &e.ContentType, &created, &expires, &e.HitCount)
	if errors.Is(err, sql.ErrNoRows) {
		return speechcache.Entry{}, false, nil
	}
	if err != nil {
		return speechcache.Entry{}, false, fmt.Errorf("sqlite: get %s: %w", key, err)
	}
	e.CreatedAt = time.Unix(0, created)
	if expires.Valid {
		e.TTL = time.Duration(expires.Int64 - created)
	}
	return e, true, nil
}

func (t *SpeechTier) Put(ctx context.Context, e speechcache.Entry) error {
	created := e.CreatedAt
	if created.IsZero() {
		created = t.clock()
	}
	var expires sql.NullInt64
	if e.TTL > 0 {
		expires = sql.NullInt64{Int64: created.Add(e.TTL).UnixNano(), Valid: true}
	}
	_, err := t.db.ExecContext(ctx,
		`INSERT INTO speech_cache(cache_key, audio, content_type, created_at, expires_at)
		 VALUES(?, ?, ?, ?, ?)
		 ON CONFLICT(cache_key) DO UPDATE SET
		     audio=excluded.audio, content_type=excluded.content_type,
		     created_at=excluded.created_at, expires_at=excluded.expires_at`,
		e.Key, e.Audio, e.ContentType, created.UnixNano(), expires)
	if err != nil {
		return fmt.Errorf("sqlite: put %s: %w", e.Key, err)
	}
	return nil
}

func (t *SpeechTier) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := t.db.ExecContext(ctx,
		`DELETE FROM speech_cache WHERE expires_at IS NOT NULL AND expires_at <= ?`, now.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("sqlite: purge: %w", err)
	}
	return res.RowsAffected()
}

// Vacuum reclaims space after large purges.
func (t *SpeechTier) Vacuum(ctx context.Context) error {
	if _, err := t.db.ExecContext(ctx, "VACUUM"); err != nil {
		return fmt.Errorf("sqlite: vacuum: %w", err)
	}
	return nil
}

// Ping checks that the database file is reachable.
func (t *SpeechTier) Ping(ctx context.Context) error {
	return t.db.PingContext(ctx)
}

// Close releases the database handle.
func (t *SpeechTier) Close() error {
	return t.db.Close()
}
