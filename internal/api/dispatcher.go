package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/MrWong99/affirmcall/internal/callflow"
	"github.com/MrWong99/affirmcall/internal/events"
	"github.com/MrWong99/affirmcall/internal/observe"
)

// ErrQueueFull is returned by [Dispatcher.Submit] when every worker is busy
// and the queue is at capacity.
var ErrQueueFull = errors.New("api: dispatch queue full")

// EventHandler applies events to calls. [*callflow.Machine] satisfies it.
type EventHandler interface {
	HandleWebhook(ctx context.Context, ev callflow.WebhookEvent) (callflow.Outcome, error)
	HandleTranscription(ctx context.Context, ev events.TranscriptionEvent) (callflow.Outcome, error)
}

var _ EventHandler = (*callflow.Machine)(nil)

// DispatcherConfig sizes the worker pool.
type DispatcherConfig struct {
	Workers   int
	QueueSize int

	// MaxTries bounds the attempts per event when the call is busy or a
	// concurrent write won the compare-and-swap.
	MaxTries uint

	// RetryInterval is the first backoff interval.
	RetryInterval time.Duration

	// DrainTimeout bounds how long queued events are still processed after
	// shutdown begins.
	DrainTimeout time.Duration
}

func (c *DispatcherConfig) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.MaxTries == 0 {
		c.MaxTries = 8
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 100 * time.Millisecond
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 10 * time.Second
	}
}

type task struct {
	kind   string
	callID string
	run    func(ctx context.Context) (callflow.Outcome, error)
}

// Dispatcher is a bounded worker pool that applies webhook and transcription
// events off the request path.
type Dispatcher struct {
	handler EventHandler
	cfg     DispatcherConfig
	metrics *observe.Metrics
	queue   chan task
}

// DispatcherOption configures a [Dispatcher].
type DispatcherOption func(*Dispatcher)

// WithDispatcherMetrics records event outcomes on m.
func WithDispatcherMetrics(m *observe.Metrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

// NewDispatcher returns a Dispatcher. Call [Dispatcher.Run] to start the
// workers.
func NewDispatcher(h EventHandler, cfg DispatcherConfig, opts ...DispatcherOption) (*Dispatcher, error) {
	if h == nil {
		return nil, errors.New("api: event handler must not be nil")
	}
	cfg.applyDefaults()
	d := &Dispatcher{handler: h, cfg: cfg, queue: make(chan task, cfg.QueueSize)}
	for _, o := range opts {
		o(d)
	}
	return d, nil
}

// Submit enqueues a webhook event without blocking.
func (d *Dispatcher) Submit(ev callflow.WebhookEvent) error {
	t := task{
		kind:   string(ev.Type),
		callID: ev.CallID,
		run: func(ctx context.Context) (callflow.Outcome, error) {
			return d.handler.HandleWebhook(ctx, ev)
		},
	}
	select {
	case d.queue <- t:
		return nil
	default:
		return ErrQueueFull
	}
}

// SubmitTranscription enqueues a transcription event, waiting for room in
// the queue. It has the signature of an [events.Handler].
func (d *Dispatcher) SubmitTranscription(ctx context.Context, ev events.TranscriptionEvent) error {
	t := task{
		kind:   "transcription." + string(ev.Status),
		callID: ev.CallID,
		run: func(ctx context.Context) (callflow.Outcome, error) {
			return d.handler.HandleTranscription(ctx, ev)
		},
	}
	select {
	case d.queue <- t:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("api: enqueue transcription %s: %w", ev.JobID, ctx.Err())
	}
}

// Pending returns the number of queued events.
func (d *Dispatcher) Pending() int { return len(d.queue) }

// Run starts the workers and blocks until ctx is cancelled. Events still
// queued at that point are processed for up to DrainTimeout.
func (d *Dispatcher) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for range d.cfg.Workers {
		wg.Go(func() {
			for {
				select {
				case <-ctx.Done():
					return
				case t := <-d.queue:
					d.process(ctx, t)
				}
			}
		})
	}
	wg.Wait()

	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.DrainTimeout)
	defer cancel()
	for {
		select {
		case t := <-d.queue:
			d.process(drainCtx, t)
		default:
			return nil
		}
	}
}

func (d *Dispatcher) process(ctx context.Context, t task) {
	op := func() (callflow.Outcome, error) {
		out, err := t.run(ctx)
		if err == nil || errors.Is(err, callflow.ErrBusy) || errors.Is(err, callflow.ErrConflict) {
			return out, err
		}
		return out, backoff.Permanent(err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = d.cfg.RetryInterval
	out, err := backoff.Retry(ctx, op, backoff.WithBackOff(bo), backoff.WithMaxTries(d.cfg.MaxTries))

	outcome := string(out)
	if err != nil {
		outcome = "error"
		slog.Error("api: event failed", "call_id", t.callID, "event", t.kind, "err", err)
	} else {
		slog.Debug("api: event processed", "call_id", t.callID, "event", t.kind, "outcome", out)
	}
	if d.metrics != nil {
		d.metrics.RecordWebhookEvent(ctx, t.kind, outcome)
	}
}
