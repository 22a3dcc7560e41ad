package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/MrWong99/affirmcall/internal/transcription"
)

var (
	_ transcription.Store           = (*JobStore)(nil)
	_ transcription.DeadLetterStore = (*DeadLetterStore)(nil)
)

// JobStore is a [transcription.Store]. The job document is stored as JSONB;
// the recording is kept in a separate BYTEA column until the job finishes.
type JobStore struct {
	db DB
}

// NewJobStore returns a JobStore using db.
func NewJobStore(db DB) *JobStore { return &JobStore{db: db} }

func (s *JobStore) Create(ctx context.Context, j *transcription.Job) error {
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("postgres: marshal job: %w", err)
	}
	const query = `
		INSERT INTO transcription_jobs
			(job_id, call_id, status, data, audio, content_type, submitted_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err = s.db.Exec(ctx, query,
		j.JobID, j.CallID, string(j.Status), data, j.Audio, j.ContentType, j.SubmittedAt, nullTime(j.CompletedAt))
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("postgres: job %s already exists", j.JobID)
		}
		return fmt.Errorf("postgres: create job %s: %w", j.JobID, err)
	}
	return nil
}

func (s *JobStore) Get(ctx context.Context, jobID string) (*transcription.Job, error) {
	const query = `SELECT data, audio, content_type FROM transcription_jobs WHERE job_id = $1`
	j, err := scanJob(s.db.QueryRow(ctx, query, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, transcription.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get job %s: %w", jobID, err)
	}
	return j, nil
}

func (s *JobStore) Update(ctx context.Context, j *transcription.Job, expected transcription.Status) error {
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("postgres: marshal job: %w", err)
	}
	const query = `
		UPDATE transcription_jobs
		SET status = $2, data = $3, audio = $4, content_type = $5, completed_at = $6
		WHERE job_id = $1 AND status = $7`
	tag, err := s.db.Exec(ctx, query,
		j.JobID, string(j.Status), data, j.Audio, j.ContentType, nullTime(j.CompletedAt), string(expected))
	if err != nil {
		return fmt.Errorf("postgres: update job %s: %w", j.JobID, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var current string
	err = s.db.QueryRow(ctx, `SELECT status FROM transcription_jobs WHERE job_id = $1`, j.JobID).Scan(&current)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return transcription.ErrJobNotFound
	case err != nil:
		return fmt.Errorf("postgres: update job %s: %w", j.JobID, err)
	}
	return fmt.Errorf("%w: job %s is %s, expected %s", transcription.ErrStatusConflict, j.JobID, current, expected)
}

func (s *JobStore) ListActive(ctx context.Context) ([]*transcription.Job, error) {
	const query = `
		SELECT data, audio, content_type FROM transcription_jobs
		WHERE status = ANY($1)
		ORDER BY submitted_at`
	rows, err := s.db.Query(ctx, query, statusStrings(transcription.ActiveStatuses))
	if err != nil {
		return nil, fmt.Errorf("postgres: list jobs: %w", err)
	}
	defer rows.Close()

	var out []*transcription.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: list jobs scan: %w", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list jobs: %w", err)
	}
	return out, nil
}

func (s *JobStore) OrphanByCall(ctx context.Context, callID string, at time.Time) (int, error) {
	const query = `
		UPDATE transcription_jobs
		SET status = $2, audio = NULL, completed_at = $4,
		    data = data || jsonb_build_object('status', $2::text, 'orphaned', true, 'error', $5::text,
		                                      'completed_at', $4::timestamptz)
		WHERE call_id = $1 AND status = ANY($3)`
	tag, err := s.db.Exec(ctx, query,
		callID, string(transcription.StatusError), statusStrings(transcription.ActiveStatuses),
		at, transcription.OrphanedError)
	if err != nil {
		return 0, fmt.Errorf("postgres: orphan jobs of %s: %w", callID, err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *JobStore) PurgeFinished(ctx context.Context, before time.Time) (int64, error) {
	const query = `
		DELETE FROM transcription_jobs
		WHERE status <> ALL($1) AND completed_at IS NOT NULL AND completed_at < $2`
	tag, err := s.db.Exec(ctx, query, statusStrings(transcription.ActiveStatuses), before)
	if err != nil {
		return 0, fmt.Errorf("postgres: purge jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeadLetterStore is a [transcription.DeadLetterStore].
type DeadLetterStore struct {
	db DB
}

// NewDeadLetterStore returns a DeadLetterStore using db.
func NewDeadLetterStore(db DB) *DeadLetterStore { return &DeadLetterStore{db: db} }

func (s *DeadLetterStore) Put(ctx context.Context, dl transcription.DeadLetter) error {
	data, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("postgres: marshal dead letter: %w", err)
	}
	const query = `
		INSERT INTO transcription_dead_letters
			(job_id, data, audio, content_type, dead_lettered_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (job_id) DO UPDATE SET
			data = EXCLUDED.data,
			audio = EXCLUDED.audio,
			content_type = EXCLUDED.content_type,
			dead_lettered_at = EXCLUDED.dead_lettered_at,
			expires_at = EXCLUDED.expires_at`
	_, err = s.db.Exec(ctx, query,
		dl.Job.JobID, data, dl.Job.Audio, dl.Job.ContentType, dl.DeadLetteredAt, dl.ExpiresAt)
	if err != nil {
		return fmt.Errorf("postgres: put dead letter %s: %w", dl.Job.JobID, err)
	}
	return nil
}

func (s *DeadLetterStore) Get(ctx context.Context, jobID string) (transcription.DeadLetter, error) {
	const query = `
		SELECT data, audio, content_type FROM transcription_dead_letters WHERE job_id = $1`
	var (
		data, audio []byte
		contentType string
		dl          transcription.DeadLetter
	)
	err := s.db.QueryRow(ctx, query, jobID).Scan(&data, &audio, &contentType)
	if errors.Is(err, pgx.ErrNoRows) {
		return dl, transcription.ErrJobNotFound
	}
	if err != nil {
		return dl, fmt.Errorf("postgres: get dead letter %s: %w", jobID, err)
	}
	if err := json.Unmarshal(data, &dl); err != nil {
		return dl, fmt.Errorf("postgres: unmarshal dead letter %s: %w", jobID, err)
	}
	dl.Job.Audio = audio
	dl.Job.ContentType = contentType
	return dl, nil
}

// List returns all dead letters, oldest first, without their recordings.
func (s *DeadLetterStore) List(ctx context.Context) ([]transcription.DeadLetter, error) {
	const query = `SELECT data FROM transcription_dead_letters ORDER BY dead_lettered_at`
	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: list dead letters: %w", err)
	}
	defer rows.Close()

	out := []transcription.DeadLetter{}
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("postgres: list dead letters scan: %w", err)
		}
		var dl transcription.DeadLetter
		if err := json.Unmarshal(data, &dl); err != nil {
			return nil, fmt.Errorf("postgres: unmarshal dead letter: %w", err)
		}
		out = append(out, dl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list dead letters: %w", err)
	}
	return out, nil
}

func (s *DeadLetterStore) Delete(ctx context.Context, jobID string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM transcription_dead_letters WHERE job_id = $1`, jobID); err != nil {
		return fmt.Errorf("postgres: delete dead letter %s: %w", jobID, err)
	}
	return nil
}

func (s *DeadLetterStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM transcription_dead_letters WHERE expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("postgres: purge dead letters: %w", err)
	}
	return tag.RowsAffected(), nil
}

// scanJob reads (data, audio, content_type) into a Job.
func scanJob(row pgx.Row) (*transcription.Job, error) {
	var (
		data, audio []byte
		contentType string
	)
	if err := row.Scan(&data, &audio, &contentType); err != nil {
		return nil, err
	}
	var j transcription.Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("unmarshal job: %w", err)
	}
	j.Audio = audio
	j.ContentType = contentType
	return &j, nil
}

func statusStrings(statuses []transcription.Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

// nullTime maps the zero time to SQL NULL.
func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
