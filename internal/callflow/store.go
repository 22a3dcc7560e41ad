package callflow

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"
)

// Store persists call sessions. All writes after Create go through
// CompareAndSwap so that concurrent workers cannot overwrite each other.
//
// Implementations must return [ErrNotFound] for unknown calls and
// [ErrConflict] when the stored version differs from the expected one.
type Store interface {
	// Create inserts a new session. It fails with [ErrExists] if the call id
	// is taken.
	Create(ctx context.Context, s *Session) error

	// Get returns a copy of the session.
	Get(ctx context.Context, callID string) (*Session, error)

	// CompareAndSwap replaces the stored session if its version equals
	// expectedVersion. On success s.Version is set to expectedVersion+1.
	CompareAndSwap(ctx context.Context, s *Session, expectedVersion int64) error

	Delete(ctx context.Context, callID string) error

	// PurgeTerminal deletes ended and failed sessions last updated before
	// the cutoff and returns how many were removed.
	PurgeTerminal(ctx context.Context, before time.Time) (int64, error)

	// ListStalled returns the sessions in one of states that were last
	// updated before the cutoff.
	ListStalled(ctx context.Context, states []State, before time.Time) ([]*Session, error)

	Ping(ctx context.Context) error
}

var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-process Store for single-node deployments and tests.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session)}
}

func (m *MemoryStore) Create(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.CallID]; ok {
		return fmt.Errorf("%w: %s", ErrExists, s.CallID)
	}
	s.Version = 1
	m.sessions[s.CallID] = s.Clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, callID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[callID]
	if !ok {
		return nil, ErrNotFound
	}
	return s.Clone(), nil
}

func (m *MemoryStore) CompareAndSwap(_ context.Context, s *Session, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.sessions[s.CallID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != expectedVersion {
		return fmt.Errorf("%w: %s at version %d, expected %d", ErrConflict, s.CallID, cur.Version, expectedVersion)
	}
	s.Version = expectedVersion + 1
	m.sessions[s.CallID] = s.Clone()
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, callID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, callID)
	return nil
}

func (m *MemoryStore) PurgeTerminal(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, s := range m.sessions {
		if s.State.Terminal() && s.UpdatedAt.Before(before) {
			delete(m.sessions, id)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) ListStalled(_ context.Context, states []State, before time.Time) ([]*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Session
	for _, s := range m.sessions {
		if slices.Contains(states, s.State) && s.UpdatedAt.Before(before) {
			out = append(out, s.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *Session) int { return a.UpdatedAt.Compare(b.UpdatedAt) })
	return out, nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }
