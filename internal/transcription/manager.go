package transcription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/affirmcall/internal/events"
	"github.com/MrWong99/affirmcall/internal/observe"
	"github.com/MrWong99/affirmcall/pkg/provider/stt"
)

// Config holds the retry, deadline and scheduling policy.
type Config struct {
	// MaxRetries is the number of re-submissions after the first failure.
	// A job is dead-lettered on failure number MaxRetries+1.
	MaxRetries int

	// BaseDelay and MaxDelay bound the exponential retry delay
	// BaseDelay·2^(n-1) after the n-th failure.
	BaseDelay time.Duration
	MaxDelay  time.Duration

	// JobTimeout is the overall deadline measured from submission.
	JobTimeout time.Duration

	// PollInterval is the scheduler tick.
	PollInterval time.Duration

	// AttemptTimeout bounds a single provider call.
	AttemptTimeout time.Duration

	// Workers bounds concurrent provider calls.
	Workers int

	// DeadLetterTTL is how long dead letters are retained.
	DeadLetterTTL time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 2 * time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = time.Minute
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 2 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = time.Minute
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.DeadLetterTTL <= 0 {
		c.DeadLetterTTL = 7 * 24 * time.Hour
	}
}

// Manager runs transcription jobs against one STT provider.
type Manager struct {
	cfg      Config
	provider stt.Transcriber
	async    stt.AsyncTranscriber
	name     string

	store   Store
	dlq     DeadLetterStore
	bus     events.Bus
	metrics *observe.Metrics
	now     func() time.Time

	sem      chan struct{}
	kick     chan struct{}
	inflight sync.Map
	wg       sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

// WithMetrics records job status changes and provider latency on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(mg *Manager) { mg.metrics = m }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(mg *Manager) { mg.now = now }
}

// WithProviderName sets the provider label used in logs and metrics.
func WithProviderName(name string) Option {
	return func(mg *Manager) { mg.name = name }
}

// NewManager creates a Manager. When provider also implements
// [stt.AsyncTranscriber] jobs are submitted once and polled by the scheduler;
// otherwise each attempt runs the blocking Transcribe on the worker pool.
func NewManager(provider stt.Transcriber, store Store, dlq DeadLetterStore, bus events.Bus, cfg Config, opts ...Option) (*Manager, error) {
	if provider == nil || store == nil || dlq == nil || bus == nil {
		return nil, errors.New("transcription: provider, store, dead-letter store and bus are required")
	}
	cfg.applyDefaults()
	m := &Manager{
		cfg:      cfg,
		provider: provider,
		name:     "stt",
		store:    store,
		dlq:      dlq,
		bus:      bus,
		now:      time.Now,
		sem:      make(chan struct{}, cfg.Workers),
		kick:     make(chan struct{}, 1),
	}
	if a, ok := provider.(stt.AsyncTranscriber); ok {
		m.async = a
	}
	for _, o := range opts {
		o(m)
	}
	return m, nil
}

// Submit registers a job for rec and returns its id. The job is picked up by
// the scheduler; Submit does not wait for the provider.
func (m *Manager) Submit(ctx context.Context, rec stt.Recording, phaseTag, callID, token string) (string, error) {
	if len(rec.Data) == 0 {
		return "", fmt.Errorf("transcription: submit: %w", stt.ErrEmptyRecording)
	}
	now := m.now()
	j := &Job{
		JobID:            uuid.NewString(),
		CallID:           callID,
		PhaseTag:         phaseTag,
		CorrelationToken: token,
		Status:           StatusPending,
		SubmittedAt:      now,
		Deadline:         now.Add(m.cfg.JobTimeout),
		NextAttemptAt:    now,
		Audio:            rec.Data,
		ContentType:      rec.ContentType,
	}
	if err := m.store.Create(ctx, j); err != nil {
		return "", fmt.Errorf("transcription: submit: %w", err)
	}
	m.recordStatus(ctx, StatusPending)
	slog.Debug("transcription: job submitted", "job_id", j.JobID, "call_id", callID, "phase", phaseTag)
	m.wake()
	return j.JobID, nil
}

// JobTimeout is the overall deadline of a job after defaults were applied.
func (m *Manager) JobTimeout() time.Duration { return m.cfg.JobTimeout }

// Job returns a snapshot of a job.
func (m *Manager) Job(ctx context.Context, jobID string) (*Job, error) {
	j, err := m.store.Get(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("transcription: job %s: %w", jobID, err)
	}
	j.Audio = nil
	return j, nil
}

// Pending returns the jobs that have not reached a terminal state.
func (m *Manager) Pending(ctx context.Context) ([]*Job, error) {
	jobs, err := m.store.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("transcription: list pending: %w", err)
	}
	for _, j := range jobs {
		j.Audio = nil
	}
	return jobs, nil
}

// Orphan cancels the outstanding jobs of a call. Results that arrive later
// are discarded and no events are published for them.
func (m *Manager) Orphan(ctx context.Context, callID string) error {
	n, err := m.store.OrphanByCall(ctx, callID, m.now())
	if err != nil {
		return fmt.Errorf("transcription: orphan %s: %w", callID, err)
	}
	if n > 0 {
		slog.Info("transcription: orphaned jobs", "call_id", callID, "count", n)
	}
	return nil
}

// DeadLetters lists dead-lettered jobs.
func (m *Manager) DeadLetters(ctx context.Context) ([]DeadLetter, error) {
	dls, err := m.dlq.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("transcription: list dead letters: %w", err)
	}
	return dls, nil
}

// Replay re-submits a dead-lettered job with a fresh retry budget and
// deadline. The job keeps its id.
func (m *Manager) Replay(ctx context.Context, jobID string) error {
	dl, err := m.dlq.Get(ctx, jobID)
	if errors.Is(err, ErrJobNotFound) {
		return fmt.Errorf("transcription: replay %s: %w", jobID, ErrNotDeadLettered)
	}
	if err != nil {
		return fmt.Errorf("transcription: replay %s: %w", jobID, err)
	}
	j, err := m.store.Get(ctx, jobID)
	if err != nil {
		return fmt.Errorf("transcription: replay %s: %w", jobID, err)
	}
	if len(j.Audio) == 0 {
		j.Audio, j.ContentType = dl.Job.Audio, dl.Job.ContentType
	}
	now := m.now()
	j.Status = StatusPending
	j.FailureCount = 0
	j.Error = ""
	j.ProviderJobID = ""
	j.CompletedAt = time.Time{}
	j.NextAttemptAt = now
	j.Deadline = now.Add(m.cfg.JobTimeout)
	if err := m.store.Update(ctx, j, StatusError); err != nil {
		return fmt.Errorf("transcription: replay %s: %w", jobID, err)
	}
	if err := m.dlq.Delete(ctx, jobID); err != nil {
		slog.Warn("transcription: removing replayed dead letter failed", "job_id", jobID, "err", err)
	}
	slog.Info("transcription: dead letter replayed", "job_id", jobID, "call_id", j.CallID)
	m.recordStatus(ctx, StatusPending)
	m.wake()
	return nil
}

// Purge deletes expired dead letters and terminal jobs older than
// retention. It returns the number of rows removed.
func (m *Manager) Purge(ctx context.Context, retention time.Duration) (int64, error) {
	now := m.now()
	a, errA := m.dlq.PurgeExpired(ctx, now)
	b, errB := m.store.PurgeFinished(ctx, now.Add(-retention))
	return a + b, errors.Join(errA, errB)
}

// Run drives the scheduler until ctx is cancelled, then waits for in-flight
// provider calls to return.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	defer m.wg.Wait()

	slog.Info("transcription: scheduler started",
		"provider", m.name, "async", m.async != nil,
		"workers", m.cfg.Workers, "max_retries", m.cfg.MaxRetries)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-m.kick:
		}
		m.tick(ctx)
	}
}

func (m *Manager) wake() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// tick makes one pass over active jobs: deadlines first, then dispatch of
// due attempts and polls onto the worker pool. Jobs that do not fit into the
// pool are left for the next tick.
func (m *Manager) tick(ctx context.Context) {
	jobs, err := m.store.ListActive(ctx)
	if err != nil {
		slog.Error("transcription: listing active jobs failed", "err", err)
		return
	}
	now := m.now()
	for _, j := range jobs {
		if !now.Before(j.Deadline) {
			m.timeout(ctx, j)
			continue
		}
		if _, busy := m.inflight.Load(j.JobID); busy {
			continue
		}

		var work func(context.Context, *Job)
		switch {
		case (j.Status == StatusPending || j.Status == StatusRetryPending) && !now.Before(j.NextAttemptAt):
			work = m.attempt
		case j.Status == StatusInProgress && j.ProviderJobID != "" && m.async != nil:
			work = m.poll
		default:
			continue
		}
		if !m.dispatch(ctx, j, work) {
			return
		}
	}
}

func (m *Manager) dispatch(ctx context.Context, j *Job, work func(context.Context, *Job)) bool {
	select {
	case m.sem <- struct{}{}:
	default:
		return false
	}
	m.inflight.Store(j.JobID, struct{}{})
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() { <-m.sem }()
		defer m.inflight.Delete(j.JobID)

		actx, cancel := context.WithTimeout(ctx, min(m.cfg.AttemptTimeout, j.Deadline.Sub(m.now())))
		defer cancel()
		work(actx, j)
	}()
	return true
}

// attempt claims a due job and hands its audio to the provider.
func (m *Manager) attempt(ctx context.Context, j *Job) {
	expected := j.Status
	j.Status = StatusInProgress
	j.ProviderJobID = ""
	if err := m.store.Update(ctx, j, expected); err != nil {
		slog.Debug("transcription: job claimed elsewhere", "job_id", j.JobID, "err", err)
		return
	}
	m.recordStatus(ctx, StatusInProgress)
	rec := stt.Recording{Data: j.Audio, ContentType: j.ContentType}

	if m.async != nil {
		id, err := m.async.Submit(ctx, rec)
		m.recordRequest(ctx, err)
		if err != nil {
			m.fail(ctx, j, err)
			return
		}
		j.ProviderJobID = id
		if err := m.store.Update(ctx, j, StatusInProgress); err != nil {
			slog.Info("transcription: job changed while submitting", "job_id", j.JobID, "err", err)
		}
		return
	}

	start := time.Now()
	text, err := m.provider.Transcribe(ctx, rec)
	m.recordRequest(ctx, err)
	if err != nil {
		m.fail(ctx, j, err)
		return
	}
	m.recordLatency(ctx, time.Since(start))
	m.complete(ctx, j, text)
}

// poll checks a provider-side job once. A failed poll says nothing about the
// job and is retried on the next tick; the deadline bounds how long.
func (m *Manager) poll(ctx context.Context, j *Job) {
	res, err := m.async.Poll(ctx, j.ProviderJobID)
	if err != nil {
		slog.Warn("transcription: poll failed", "job_id", j.JobID, "provider_job_id", j.ProviderJobID, "err", err)
		return
	}
	switch res.Status {
	case stt.JobCompleted:
		m.recordLatency(ctx, m.now().Sub(j.SubmittedAt))
		m.complete(ctx, j, res.Text)
	case stt.JobFailed:
		m.fail(ctx, j, fmt.Errorf("provider job %s failed: %s", j.ProviderJobID, res.Error))
	}
}

func (m *Manager) complete(ctx context.Context, j *Job, text string) {
	j.Status = StatusCompleted
	j.Text = text
	j.Error = ""
	j.CompletedAt = m.now()
	j.Audio = nil
	if err := m.store.Update(ctx, j, StatusInProgress); err != nil {
		slog.Info("transcription: late result discarded", "job_id", j.JobID, "call_id", j.CallID, "err", err)
		return
	}
	m.recordStatus(ctx, StatusCompleted)
	slog.Debug("transcription: job completed", "job_id", j.JobID, "call_id", j.CallID, "failures", j.FailureCount)
	m.publish(ctx, j, events.StatusCompleted)
}

// fail counts a failed attempt and either schedules a retry or moves the job
// to the dead-letter store.
func (m *Manager) fail(ctx context.Context, j *Job, cause error) {
	now := m.now()
	j.FailureCount++
	j.Error = cause.Error()
	j.ProviderJobID = ""

	if j.FailureCount <= m.cfg.MaxRetries {
		j.Status = StatusRetryPending
		j.NextAttemptAt = now.Add(RetryDelay(m.cfg.BaseDelay, m.cfg.MaxDelay, j.FailureCount))
		if err := m.store.Update(ctx, j, StatusInProgress); err != nil {
			slog.Info("transcription: retry not scheduled, job changed", "job_id", j.JobID, "err", err)
			return
		}
		m.recordStatus(ctx, StatusRetryPending)
		slog.Info("transcription: attempt failed, retry scheduled",
			"job_id", j.JobID, "failures", j.FailureCount, "next_attempt_at", j.NextAttemptAt, "err", cause)
		return
	}

	j.Status = StatusError
	j.CompletedAt = now
	if err := m.store.Update(ctx, j, StatusInProgress); err != nil {
		slog.Info("transcription: failure discarded, job changed", "job_id", j.JobID, "err", err)
		return
	}
	dl := DeadLetter{
		Job:            *j,
		Reason:         cause.Error(),
		DeadLetteredAt: now,
		ExpiresAt:      now.Add(m.cfg.DeadLetterTTL),
	}
	if err := m.dlq.Put(ctx, dl); err != nil {
		slog.Error("transcription: storing dead letter failed", "job_id", j.JobID, "err", err)
	}
	m.recordStatus(ctx, StatusError)
	if m.metrics != nil {
		m.metrics.DeadLetters.Add(ctx, 1)
	}
	slog.Warn("transcription: job dead-lettered",
		"job_id", j.JobID, "call_id", j.CallID, "failures", j.FailureCount, "err", cause)
	m.publish(ctx, j, events.StatusFailed)
}

func (m *Manager) timeout(ctx context.Context, j *Job) {
	expected := j.Status
	j.Status = StatusTimedOut
	j.Error = "deadline exceeded"
	j.CompletedAt = m.now()
	j.Audio = nil
	if err := m.store.Update(ctx, j, expected); err != nil {
		slog.Debug("transcription: timeout skipped, job changed", "job_id", j.JobID, "err", err)
		return
	}
	m.recordStatus(ctx, StatusTimedOut)
	slog.Info("transcription: job timed out", "job_id", j.JobID, "call_id", j.CallID, "failures", j.FailureCount)
	m.publish(ctx, j, events.StatusTimedOut)
}

func (m *Manager) publish(ctx context.Context, j *Job, status events.Status) {
	if j.Orphaned {
		return
	}
	ev := events.TranscriptionEvent{
		JobID:      j.JobID,
		CallID:     j.CallID,
		PhaseTag:   j.PhaseTag,
		Token:      j.CorrelationToken,
		Status:     status,
		Text:       j.Text,
		Error:      j.Error,
		OccurredAt: m.now(),
	}
	if status != events.StatusCompleted {
		ev.Text = ""
	}
	if err := m.bus.Publish(context.WithoutCancel(ctx), ev); err != nil {
		slog.Error("transcription: publishing event failed", "job_id", j.JobID, "call_id", j.CallID, "err", err)
	}
}

// RetryDelay returns base·2^(failures-1) capped at maxDelay.
func RetryDelay(base, maxDelay time.Duration, failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	d := base
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= maxDelay || d <= 0 {
			return maxDelay
		}
	}
	return min(d, maxDelay)
}

func (m *Manager) recordStatus(ctx context.Context, s Status) {
	if m.metrics != nil {
		m.metrics.RecordJobStatus(ctx, string(s))
	}
}

func (m *Manager) recordRequest(ctx context.Context, err error) {
	if m.metrics == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
		m.metrics.RecordProviderError(ctx, m.name, "stt")
	}
	m.metrics.RecordProviderRequest(ctx, m.name, "stt", status)
}

func (m *Manager) recordLatency(ctx context.Context, d time.Duration) {
	if m.metrics != nil {
		m.metrics.STTDuration.Record(ctx, d.Seconds())
	}
}
