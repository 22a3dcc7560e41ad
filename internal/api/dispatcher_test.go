package api

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/affirmcall/internal/callflow"
	"github.com/MrWong99/affirmcall/internal/events"
)

// fakeHandler returns queued results per call and records what it saw.
type fakeHandler struct {
	mu       sync.Mutex
	results  []error
	webhooks []callflow.WebhookEvent
	trans    []events.TranscriptionEvent
	block    chan struct{}
	done     chan struct{}
}

func newFakeHandler(results ...error) *fakeHandler {
	return &fakeHandler{results: results, done: make(chan struct{}, 64)}
}

func (f *fakeHandler) next() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.results) == 0 {
		return nil
	}
	err := f.results[0]
	f.results = f.results[1:]
	return err
}

func (f *fakeHandler) HandleWebhook(_ context.Context, ev callflow.WebhookEvent) (callflow.Outcome, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	f.webhooks = append(f.webhooks, ev)
	f.mu.Unlock()
	err := f.next()
	f.done <- struct{}{}
	if err != nil {
		return "", err
	}
	return callflow.OutcomeApplied, nil
}

func (f *fakeHandler) HandleTranscription(_ context.Context, ev events.TranscriptionEvent) (callflow.Outcome, error) {
	f.mu.Lock()
	f.trans = append(f.trans, ev)
	f.mu.Unlock()
	f.done <- struct{}{}
	return callflow.OutcomeApplied, f.next()
}

func (f *fakeHandler) webhookCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.webhooks)
}

func wait(t *testing.T, f *fakeHandler, n int) {
	t.Helper()
	for range n {
		select {
		case <-f.done:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for handler")
		}
	}
}

func startDispatcher(t *testing.T, h EventHandler, cfg DispatcherConfig) *Dispatcher {
	t.Helper()
	if cfg.RetryInterval == 0 {
		cfg.RetryInterval = time.Millisecond
	}
	d, err := NewDispatcher(h, cfg)
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		_ = d.Run(ctx)
		close(stopped)
	}()
	t.Cleanup(func() {
		cancel()
		<-stopped
	})
	return d
}

func TestDispatcher_RetriesBusyAndConflict(t *testing.T) {
	t.Parallel()
	h := newFakeHandler(callflow.ErrBusy, callflow.ErrConflict)
	d := startDispatcher(t, h, DispatcherConfig{Workers: 1})

	if err := d.Submit(callflow.WebhookEvent{Type: callflow.EventAnswered, CallID: "c1"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	wait(t, h, 3)
	if n := h.webhookCount(); n != 3 {
		t.Errorf("handled %d times, want 3", n)
	}
}

func TestDispatcher_PermanentErrorNotRetried(t *testing.T) {
	t.Parallel()
	h := newFakeHandler(errors.New("store down"))
	d := startDispatcher(t, h, DispatcherConfig{Workers: 1})

	_ = d.Submit(callflow.WebhookEvent{Type: callflow.EventAnswered, CallID: "c1"})
	wait(t, h, 1)
	time.Sleep(20 * time.Millisecond)
	if n := h.webhookCount(); n != 1 {
		t.Errorf("handled %d times, want 1", n)
	}
}

func TestDispatcher_MaxTries(t *testing.T) {
	t.Parallel()
	h := newFakeHandler(callflow.ErrBusy, callflow.ErrBusy, callflow.ErrBusy, callflow.ErrBusy)
	d := startDispatcher(t, h, DispatcherConfig{Workers: 1, MaxTries: 2})

	_ = d.Submit(callflow.WebhookEvent{Type: callflow.EventAnswered, CallID: "c1"})
	wait(t, h, 2)
	time.Sleep(20 * time.Millisecond)
	if n := h.webhookCount(); n != 2 {
		t.Errorf("handled %d times, want 2", n)
	}
}

func TestDispatcher_QueueFull(t *testing.T) {
	t.Parallel()
	h := newFakeHandler()
	h.block = make(chan struct{})
	d := startDispatcher(t, h, DispatcherConfig{Workers: 1, QueueSize: 1})
	defer close(h.block)

	ev := callflow.WebhookEvent{Type: callflow.EventPlaybackEnded, CallID: "c1"}
	// The first event occupies the worker once it is dequeued.
	_ = d.Submit(ev)
	deadline := time.Now().Add(2 * time.Second)
	for d.Pending() != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if err := d.Submit(ev); err != nil {
		t.Fatalf("second Submit: %v", err)
	}
	if err := d.Submit(ev); !errors.Is(err, ErrQueueFull) {
		t.Errorf("third Submit err = %v, want ErrQueueFull", err)
	}
}

func TestDispatcher_SubmitTranscription(t *testing.T) {
	t.Parallel()
	h := newFakeHandler()
	d := startDispatcher(t, h, DispatcherConfig{})

	var handler events.Handler = d.SubmitTranscription
	ev := events.TranscriptionEvent{JobID: "j1", CallID: "c1", Status: events.StatusCompleted, Text: "hi"}
	if err := handler(context.Background(), ev); err != nil {
		t.Fatalf("SubmitTranscription: %v", err)
	}
	wait(t, h, 1)
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.trans) != 1 || h.trans[0].JobID != "j1" {
		t.Errorf("transcriptions = %+v", h.trans)
	}
}

func TestDispatcher_SubmitTranscriptionHonoursContext(t *testing.T) {
	t.Parallel()
	// No workers are running, so the queue fills up.
	d, _ := NewDispatcher(newFakeHandler(), DispatcherConfig{QueueSize: 1})
	_ = d.SubmitTranscription(context.Background(), events.TranscriptionEvent{JobID: "j1"})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := d.SubmitTranscription(ctx, events.TranscriptionEvent{JobID: "j2"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}

func TestDispatcher_DrainsOnShutdown(t *testing.T) {
	t.Parallel()
	h := newFakeHandler()
	d, _ := NewDispatcher(h, DispatcherConfig{Workers: 1, QueueSize: 4})
	for range 3 {
		_ = d.Submit(callflow.WebhookEvent{Type: callflow.EventPlaybackEnded, CallID: "c1"})
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := d.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n := h.webhookCount(); n != 3 {
		t.Errorf("drained %d events, want 3", n)
	}
}

func TestNewDispatcher_RequiresHandler(t *testing.T) {
	t.Parallel()
	if _, err := NewDispatcher(nil, DispatcherConfig{}); err == nil {
		t.Error("expected error for nil handler")
	}
}
