package app

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/affirmcall/internal/callflow"
)

type fakePurger struct {
	n      int64
	err    error
	before time.Time
	ret    time.Duration
	calls  int
}

func (f *fakePurger) PurgeTerminal(_ context.Context, before time.Time) (int64, error) {
	f.calls++
	f.before = before
	return f.n, f.err
}

func (f *fakePurger) Purge(_ context.Context, retention time.Duration) (int64, error) {
	f.calls++
	f.ret = retention
	return f.n, f.err
}

func (f *fakePurger) PurgeExpired(context.Context) (int64, error) {
	f.calls++
	return f.n, f.err
}

func TestJanitor_Sweep(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 10, 17, 7, 0, 0, 0, time.UTC)
	sessions := &fakePurger{n: 2}
	jobs := &fakePurger{n: 3}
	cache := &fakePurger{n: 4}
	vacuumed := 0

	j := NewJanitor(JanitorConfig{
		Sessions:         sessions,
		Jobs:             jobs,
		Cache:            cache,
		Vacuum:           func(context.Context) error { vacuumed++; return nil },
		SessionRetention: time.Hour,
		JobRetention:     2 * time.Hour,
	})
	j.now = func() time.Time { return now }

	res, err := j.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if res != (SweepResult{Sessions: 2, Jobs: 3, Speech: 4}) {
		t.Errorf("result = %+v", res)
	}
	if !sessions.before.Equal(now.Add(-time.Hour)) {
		t.Errorf("sessions cutoff = %v", sessions.before)
	}
	if jobs.ret != 2*time.Hour {
		t.Errorf("job retention = %v", jobs.ret)
	}
	if vacuumed != 1 {
		t.Errorf("vacuum calls = %d, want 1", vacuumed)
	}
}

func TestJanitor_SweepContinuesAfterFailure(t *testing.T) {
	t.Parallel()
	sessions := &fakePurger{err: errors.New("db down")}
	jobs := &fakePurger{n: 1}
	cache := &fakePurger{}
	vacuumed := false

	j := NewJanitor(JanitorConfig{
		Sessions: sessions,
		Jobs:     jobs,
		Cache:    cache,
		Vacuum:   func(context.Context) error { vacuumed = true; return nil },
	})
	res, err := j.Sweep(context.Background())
	if err == nil || !strings.Contains(err.Error(), "sessions") {
		t.Fatalf("err = %v, want sessions failure", err)
	}
	if jobs.calls != 1 || cache.calls != 1 {
		t.Errorf("purgers after failure: jobs=%d cache=%d", jobs.calls, cache.calls)
	}
	if res.Jobs != 1 {
		t.Errorf("jobs purged = %d", res.Jobs)
	}
	if vacuumed {
		t.Error("vacuum ran although nothing was purged")
	}
}

func TestJanitor_PurgesTerminalSessions(t *testing.T) {
	t.Parallel()
	store := callflow.NewMemoryStore()
	ctx := context.Background()
	old := time.Now().Add(-48 * time.Hour)
	for _, s := range []*callflow.Session{
		{CallID: "ended", State: callflow.StateEnded, UpdatedAt: old},
		{CallID: "live", State: callflow.StateRecording, UpdatedAt: old},
	} {
		if err := store.Create(ctx, s); err != nil {
			t.Fatal(err)
		}
	}

	res, err := NewJanitor(JanitorConfig{Sessions: store}).Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if res.Sessions != 1 {
		t.Errorf("purged = %d, want 1", res.Sessions)
	}
	if _, err := store.Get(ctx, "live"); err != nil {
		t.Errorf("live session removed: %v", err)
	}
}

func TestJanitor_RunStopsOnCancel(t *testing.T) {
	t.Parallel()
	j := NewJanitor(JanitorConfig{Interval: time.Millisecond, Cache: &fakePurger{}})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- j.Run(ctx) }()
	time.Sleep(5 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

type fakeReconciler struct {
	passes atomic.Int32
	done   chan struct{}
}

func (f *fakeReconciler) ReconcileStalled(context.Context) (int, error) {
	if f.passes.Add(1) == 2 {
		close(f.done)
	}
	return 1, nil
}

func TestJanitor_RunReconcilesOnItsOwnInterval(t *testing.T) {
	t.Parallel()
	rec := &fakeReconciler{done: make(chan struct{})}
	j := NewJanitor(JanitorConfig{Interval: time.Hour, ReconcileInterval: time.Millisecond, Stalled: rec})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = j.Run(ctx) }()

	select {
	case <-rec.done:
	case <-time.After(time.Second):
		t.Fatalf("reconcile passes = %d, want at least 2 before the hourly sweep", rec.passes.Load())
	}
}

func TestJanitor_ReconcileWithoutReconciler(t *testing.T) {
	t.Parallel()
	n, err := NewJanitor(JanitorConfig{}).Reconcile(context.Background())
	if n != 0 || err != nil {
		t.Errorf("Reconcile = (%d, %v), want (0, nil)", n, err)
	}
}
