package postgres

import (
	"context"
	"fmt"
)

// ddlSessions holds one row per call. The session document is stored as
// JSONB; state, version and updated_at are duplicated into columns for the
// compare-and-swap predicate and the janitor.
const ddlSessions = `
CREATE TABLE IF NOT EXISTS call_sessions (
    call_id     TEXT         PRIMARY KEY,
    state       TEXT         NOT NULL,
    version     BIGINT       NOT NULL,
    data        JSONB        NOT NULL,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_call_sessions_state_updated
    ON call_sessions (state, updated_at);
`

const ddlJobs = `
CREATE TABLE IF NOT EXISTS transcription_jobs (
    job_id        TEXT         PRIMARY KEY,
    call_id       TEXT         NOT NULL,
    status        TEXT         NOT NULL,
    data          JSONB        NOT NULL,
    audio         BYTEA,
    content_type  TEXT         NOT NULL DEFAULT '',
    submitted_at  TIMESTAMPTZ  NOT NULL,
    completed_at  TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_transcription_jobs_status
    ON transcription_jobs (status, submitted_at);

CREATE INDEX IF NOT EXISTS idx_transcription_jobs_call
    ON transcription_jobs (call_id);

CREATE TABLE IF NOT EXISTS transcription_dead_letters (
    job_id            TEXT         PRIMARY KEY,
    data              JSONB        NOT NULL,
    audio             BYTEA,
    content_type      TEXT         NOT NULL DEFAULT '',
    dead_lettered_at  TIMESTAMPTZ  NOT NULL,
    expires_at        TIMESTAMPTZ  NOT NULL
);
`

const ddlSpeech = `
CREATE TABLE IF NOT EXISTS speech_cache (
    cache_key     TEXT         PRIMARY KEY,
    audio         BYTEA        NOT NULL,
    content_type  TEXT         NOT NULL,
    created_at    TIMESTAMPTZ  NOT NULL,
    expires_at    TIMESTAMPTZ,
    hit_count     BIGINT       NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_speech_cache_expires
    ON speech_cache (expires_at) WHERE expires_at IS NOT NULL;
`

// Schema is the complete DDL. Apply it with [Migrate] or manually during
// deployment.
const Schema = ddlSessions + ddlJobs + ddlSpeech

// Migrate creates all tables and indexes. It is idempotent and safe to call
// on every start.
func Migrate(ctx context.Context, db DB) error {
	for _, stmt := range []string{ddlSessions, ddlJobs, ddlSpeech} {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: migrate: %w", err)
		}
	}
	return nil
}
