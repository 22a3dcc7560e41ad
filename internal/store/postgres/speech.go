package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/MrWong99/affirmcall/internal/speechcache"
)

var (
	_ speechcache.Tier   = (*SpeechTier)(nil)
	_ speechcache.Purger = (*SpeechTier)(nil)
)

// SpeechTier is the shared speech cache tier. Every process in a deployment
// reads and writes the same rows.
type SpeechTier struct {
	db  DB
	now func() time.Time
}

// NewSpeechTier returns a SpeechTier using db.
func NewSpeechTier(db DB) *SpeechTier {
	return &SpeechTier{db: db, now: time.Now}
}

func (t *SpeechTier) Name() string { return "shared" }

// Get returns an unexpired entry and bumps its hit count in the same
// statement.
func (t *SpeechTier) Get(ctx context.Context, key string) (speechcache.Entry, bool, error) {
	const query = `
		UPDATE speech_cache SET hit_count = hit_count + 1
		WHERE cache_key = $1 AND (expires_at IS NULL OR expires_at > $2)
		RETURNING audio, content_type, created_at, expires_at, hit_count`
	var (
		e       = speechcache.Entry{Key: key}
		expires *time.Time
	)
	err := t.db.QueryRow(ctx, query, key, t.now()).Scan(&e.Audio, &e.ContentType, &e.CreatedAt, &expires, &e.HitCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return speechcache.Entry{}, false, nil
	}
	if err != nil {
		return speechcache.Entry{}, false, fmt.Errorf("postgres: speech get: %w", err)
	}
	if expires != nil {
		e.TTL = expires.Sub(e.CreatedAt)
	}
	return e, true, nil
}

func (t *SpeechTier) Put(ctx context.Context, e speechcache.Entry) error {
	created := e.CreatedAt
	if created.IsZero() {
		created = t.now()
	}
	var expires *time.Time
	if e.TTL > 0 {
		x := created.Add(e.TTL)
		expires = &x
	}
	const query = `
		INSERT INTO speech_cache (cache_key, audio, content_type, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (cache_key) DO UPDATE SET
			audio = EXCLUDED.audio,
			content_type = EXCLUDED.content_type,
			created_at = EXCLUDED.created_at,
			expires_at = EXCLUDED.expires_at`
	if _, err := t.db.Exec(ctx, query, e.Key, e.Audio, e.ContentType, created, expires); err != nil {
		return fmt.Errorf("postgres: speech put: %w", err)
	}
	return nil
}

func (t *SpeechTier) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := t.db.Exec(ctx, `DELETE FROM speech_cache WHERE expires_at IS NOT NULL AND expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("postgres: speech purge: %w", err)
	}
	return tag.RowsAffected(), nil
}
