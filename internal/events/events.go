// Package events carries transcription completion events from the job
// manager back to the call state machine.
//
// Two transports are provided: [Local], an in-process fan-out used by
// single-node deployments and tests, and [NATSBus], which distributes events
// across processes with a queue subscription so that exactly one subscriber
// in the group handles each event.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrClosed is returned by Publish after the bus has been closed.
var ErrClosed = errors.New("events: bus closed")

// Status is the terminal outcome of a transcription job as seen by the call
// flow.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
)

// TranscriptionEvent reports that a transcription job reached a terminal
// state.
type TranscriptionEvent struct {
	JobID      string    `json:"job_id"`
	CallID     string    `json:"call_id"`
	PhaseTag   string    `json:"phase_tag"`
	Token      string    `json:"token"`
	Status     Status    `json:"status"`
	Text       string    `json:"text,omitempty"`
	Error      string    `json:"error,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Handler consumes a single event. A non-nil error is logged by the bus; the
// event is not redelivered.
type Handler func(ctx context.Context, ev TranscriptionEvent) error

// Bus publishes transcription events and delivers them to a subscriber.
type Bus interface {
	Publish(ctx context.Context, ev TranscriptionEvent) error
	Subscribe(h Handler) error
	Ping(ctx context.Context) error
	Close() error
}

// Compile-time interface assertions.
var (
	_ Bus = (*Local)(nil)
	_ Bus = (*NATSBus)(nil)
)

// Local is an in-process Bus. Each published event is handed to every
// subscriber on its own goroutine so that Publish never blocks on a slow
// handler.
type Local struct {
	mu       sync.RWMutex
	handlers []Handler
	closed   bool
	wg       sync.WaitGroup
}

// NewLocal returns an empty in-process bus.
func NewLocal() *Local {
	return &Local{}
}

// Publish delivers ev to all subscribers asynchronously.
func (b *Local) Publish(_ context.Context, ev TranscriptionEvent) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	for _, h := range b.handlers {
		b.wg.Add(1)
		go func(h Handler) {
			defer b.wg.Done()
			if err := h(context.Background(), ev); err != nil {
				slog.Warn("events: handler failed", "job_id", ev.JobID, "call_id", ev.CallID, "err", err)
			}
		}(h)
	}
	return nil
}

// Subscribe registers h.
func (b *Local) Subscribe(h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.handlers = append(b.handlers, h)
	return nil
}

// Ping always succeeds for the in-process bus.
func (b *Local) Ping(context.Context) error { return nil }

// Close stops accepting events and waits for in-flight handlers.
func (b *Local) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.wg.Wait()
	return nil
}

func encode(ev TranscriptionEvent) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("events: encode: %w", err)
	}
	return data, nil
}

func decode(data []byte) (TranscriptionEvent, error) {
	var ev TranscriptionEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return ev, fmt.Errorf("events: decode: %w", err)
	}
	return ev, nil
}
