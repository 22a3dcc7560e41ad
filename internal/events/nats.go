package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	defaultSubject = "affirmcall.transcriptions"
	defaultQueue   = "callflow"
)

// NATSConfig configures a [NATSBus].
type NATSConfig struct {
	Servers        []string
	Subject        string
	Queue          string
	Token          string
	ConnectTimeout time.Duration
	HandlerTimeout time.Duration
}

// NATSBus is a Bus backed by a NATS core subject. Subscribers join a queue
// group so that each event is handled by one process.
type NATSBus struct {
	conn    *nats.Conn
	subject string
	queue   string
	timeout time.Duration

	mu   sync.Mutex
	subs []*nats.Subscription
}

// ConnectNATS dials the configured servers.
func ConnectNATS(cfg NATSConfig) (*NATSBus, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("events: no NATS servers configured")
	}
	if cfg.Subject == "" {
		cfg.Subject = defaultSubject
	}
	if cfg.Queue == "" {
		cfg.Queue = defaultQueue
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = 30 * time.Second
	}

	opts := []nats.Option{
		nats.Name("affirmcall"),
		nats.Timeout(cfg.ConnectTimeout),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("events: nats disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			slog.Info("events: nats reconnected", "url", c.ConnectedUrl())
		}),
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	url := strings.Join(cfg.Servers, ",")
	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("events: connect to nats: %w", err)
	}
	slog.Info("events: connected to NATS", "servers", url, "subject", cfg.Subject)

	return &NATSBus{
		conn:    conn,
		subject: cfg.Subject,
		queue:   cfg.Queue,
		timeout: cfg.HandlerTimeout,
	}, nil
}

// Publish encodes ev as JSON and publishes it on the subject.
func (b *NATSBus) Publish(_ context.Context, ev TranscriptionEvent) error {
	data, err := encode(ev)
	if err != nil {
		return err
	}
	if err := b.conn.Publish(b.subject, data); err != nil {
		if errors.Is(err, nats.ErrConnectionClosed) {
			return ErrClosed
		}
		return fmt.Errorf("events: publish: %w", err)
	}
	return nil
}

// Subscribe joins the queue group and invokes h for each event delivered to
// this process.
func (b *NATSBus) Subscribe(h Handler) error {
	sub, err := b.conn.QueueSubscribe(b.subject, b.queue, func(msg *nats.Msg) {
		ev, err := decode(msg.Data)
		if err != nil {
			slog.Warn("events: dropping malformed message", "err", err)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
		defer cancel()
		if err := h(ctx, ev); err != nil {
			slog.Warn("events: handler failed", "job_id", ev.JobID, "call_id", ev.CallID, "err", err)
		}
	})
	if err != nil {
		return fmt.Errorf("events: subscribe %s: %w", b.subject, err)
	}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return nil
}

// Ping reports whether the connection is up.
func (b *NATSBus) Ping(context.Context) error {
	if b.conn.Status() != nats.CONNECTED {
		return fmt.Errorf("events: nats status %s", b.conn.Status())
	}
	return nil
}

// Close drains subscriptions and closes the connection.
func (b *NATSBus) Close() error {
	slog.Info("events: closing NATS connection")
	err := b.conn.Drain()
	b.conn.Close()
	return err
}
