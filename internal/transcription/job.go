// Package transcription manages the lifecycle of speech-to-text jobs for call
// recordings: submission, background polling, bounded retries with
// exponential backoff, an overall deadline, and a dead-letter store for jobs
// that exhausted their retries.
//
// Results are not returned to the submitter directly. When a job reaches a
// terminal state the [Manager] publishes an [events.TranscriptionEvent] that
// the call flow consumes.
package transcription

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrJobNotFound is returned when no job exists for an id.
	ErrJobNotFound = errors.New("transcription: job not found")

	// ErrStatusConflict is returned by [Store.Update] when the stored status
	// no longer matches the expected one.
	ErrStatusConflict = errors.New("transcription: status conflict")

	// ErrNotDeadLettered is returned by Replay for jobs that are not in the
	// dead-letter store.
	ErrNotDeadLettered = errors.New("transcription: job is not dead-lettered")
)

// Status is a job's lifecycle state.
type Status string

const (
	StatusPending      Status = "pending"
	StatusInProgress   Status = "in_progress"
	StatusCompleted    Status = "completed"
	StatusError        Status = "error"
	StatusRetryPending Status = "retry_pending"
	StatusTimedOut     Status = "timed_out"
)

// OrphanedError is the Error of a job cancelled because its call ended. It
// tells cancelled jobs apart from provider failures in the status API.
const OrphanedError = "orphaned: call ended before transcription finished"

// Active reports whether the scheduler still has work to do for the status.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusInProgress || s == StatusRetryPending
}

// ActiveStatuses lists the statuses for which [Status.Active] is true.
var ActiveStatuses = []Status{StatusPending, StatusInProgress, StatusRetryPending}

// Job is a transcription request for one call recording.
type Job struct {
	JobID            string    `json:"job_id"`
	CallID           string    `json:"call_id"`
	PhaseTag         string    `json:"phase_tag"`
	CorrelationToken string    `json:"correlation_token"`
	Status           Status    `json:"status"`
	Text             string    `json:"text,omitempty"`
	Error            string    `json:"error,omitempty"`
	FailureCount     int       `json:"failure_count"`
	SubmittedAt      time.Time `json:"submitted_at"`
	CompletedAt      time.Time `json:"completed_at,omitzero"`
	Deadline         time.Time `json:"deadline"`
	NextAttemptAt    time.Time `json:"next_attempt_at,omitzero"`
	ProviderJobID    string    `json:"provider_job_id,omitempty"`
	Orphaned         bool      `json:"orphaned"`

	// Audio is retained until the job completes so that retries and replays
	// can re-submit the same recording.
	Audio       []byte `json:"-"`
	ContentType string `json:"-"`
}

// Clone returns a deep copy of j.
func (j *Job) Clone() *Job {
	c := *j
	if j.Audio != nil {
		c.Audio = append([]byte(nil), j.Audio...)
	}
	return &c
}

// DeadLetter is a job that exhausted its retries.
type DeadLetter struct {
	Job            Job       `json:"job"`
	Reason         string    `json:"reason"`
	DeadLetteredAt time.Time `json:"dead_lettered_at"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// Store persists jobs.
type Store interface {
	Create(ctx context.Context, j *Job) error
	Get(ctx context.Context, jobID string) (*Job, error)

	// Update overwrites the job if its stored status equals expected and
	// returns [ErrStatusConflict] otherwise.
	Update(ctx context.Context, j *Job, expected Status) error

	// ListActive returns all jobs whose status is active, oldest first.
	ListActive(ctx context.Context) ([]*Job, error)

	// OrphanByCall marks the active jobs of a call as orphaned, moves them
	// to [StatusError] with [OrphanedError] and stamps CompletedAt with at.
	// It returns the number of jobs affected.
	OrphanByCall(ctx context.Context, callID string, at time.Time) (int, error)

	// PurgeFinished deletes terminal jobs completed before the cutoff.
	PurgeFinished(ctx context.Context, before time.Time) (int64, error)
}

// DeadLetterStore persists dead letters.
type DeadLetterStore interface {
	Put(ctx context.Context, dl DeadLetter) error
	Get(ctx context.Context, jobID string) (DeadLetter, error)
	List(ctx context.Context) ([]DeadLetter, error)
	Delete(ctx context.Context, jobID string) error
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}
