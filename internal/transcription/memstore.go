package transcription

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"
)

var (
	_ Store           = (*MemoryStore)(nil)
	_ DeadLetterStore = (*MemoryDeadLetters)(nil)
)

// MemoryStore is an in-process [Store]. Stored jobs are copied on every read
// and write.
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[string]*Job
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*Job)}
}

func (s *MemoryStore) Create(_ context.Context, j *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[j.JobID]; ok {
		return fmt.Errorf("transcription: job %s already exists", j.JobID)
	}
	s.jobs[j.JobID] = j.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, jobID string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	return j.Clone(), nil
}

func (s *MemoryStore) Update(_ context.Context, j *Job, expected Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.jobs[j.JobID]
	if !ok {
		return ErrJobNotFound
	}
	if cur.Status != expected {
		return fmt.Errorf("%w: job %s is %s, expected %s", ErrStatusConflict, j.JobID, cur.Status, expected)
	}
	s.jobs[j.JobID] = j.Clone()
	return nil
}

func (s *MemoryStore) ListActive(_ context.Context) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Job
	for _, j := range s.jobs {
		if j.Status.Active() {
			out = append(out, j.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *Job) int { return a.SubmittedAt.Compare(b.SubmittedAt) })
	return out, nil
}

func (s *MemoryStore) OrphanByCall(_ context.Context, callID string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, j := range s.jobs {
		if j.CallID == callID && j.Status.Active() {
			j.Orphaned = true
			j.Status = StatusError
			j.Error = OrphanedError
			j.CompletedAt = at
			j.Audio = nil
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) PurgeFinished(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, j := range s.jobs {
		if !j.Status.Active() && !j.CompletedAt.IsZero() && j.CompletedAt.Before(before) {
			delete(s.jobs, id)
			n++
		}
	}
	return n, nil
}

// MemoryDeadLetters is an in-process [DeadLetterStore].
type MemoryDeadLetters struct {
	mu      sync.Mutex
	letters map[string]DeadLetter
}

// NewMemoryDeadLetters returns an empty MemoryDeadLetters.
func NewMemoryDeadLetters() *MemoryDeadLetters {
	return &MemoryDeadLetters{letters: make(map[string]DeadLetter)}
}

func (d *MemoryDeadLetters) Put(_ context.Context, dl DeadLetter) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	dl.Job = *dl.Job.Clone()
	d.letters[dl.Job.JobID] = dl
	return nil
}

func (d *MemoryDeadLetters) Get(_ context.Context, jobID string) (DeadLetter, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	dl, ok := d.letters[jobID]
	if !ok {
		return DeadLetter{}, ErrJobNotFound
	}
	dl.Job = *dl.Job.Clone()
	return dl, nil
}

func (d *MemoryDeadLetters) List(_ context.Context) ([]DeadLetter, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]DeadLetter, 0, len(d.letters))
	for _, dl := range d.letters {
		dl.Job.Audio = nil
		out = append(out, dl)
	}
	slices.SortFunc(out, func(a, b DeadLetter) int { return a.DeadLetteredAt.Compare(b.DeadLetteredAt) })
	return out, nil
}

func (d *MemoryDeadLetters) Delete(_ context.Context, jobID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.letters, jobID)
	return nil
}

func (d *MemoryDeadLetters) PurgeExpired(_ context.Context, now time.Time) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var n int64
	for id, dl := range d.letters {
		if now.After(dl.ExpiresAt) {
			delete(d.letters, id)
			n++
		}
	}
	return n, nil
}
