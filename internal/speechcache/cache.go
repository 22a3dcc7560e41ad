// Package speechcache is a content-addressed, tiered cache of synthesised
// audio. Lookups walk the tiers in order (memory, shared, cold); a hit in a
// lower tier is copied into every tier above it. Writes go to all tiers.
package speechcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/MrWong99/affirmcall/internal/observe"
)

// Entry is one cached synthesis result.
type Entry struct {
	Key         string
	Audio       []byte
	ContentType string
	CreatedAt   time.Time
	TTL         time.Duration
	HitCount    int64
}

// Expired reports whether the entry's TTL has elapsed at now. A zero TTL
// never expires.
func (e Entry) Expired(now time.Time) bool {
	return e.TTL > 0 && now.After(e.CreatedAt.Add(e.TTL))
}

// Tier is a single cache level.
//
// Get returns (Entry{}, false, nil) on a miss. Implementations increment the
// stored hit count on every hit and must not return expired entries.
type Tier interface {
	Name() string
	Get(ctx context.Context, key string) (Entry, bool, error)
	Put(ctx context.Context, e Entry) error
}

// Purger is implemented by tiers that hold rows beyond their TTL and need
// periodic cleanup.
type Purger interface {
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// Key returns the cache key for a synthesis request: the hex SHA-256 of the
// text, provider id, voice-or-style and speed. Fields are NUL-separated so
// that adjacent values cannot collide.
func Key(text, providerID, voiceOrStyle string, speed float64) string {
	h := sha256.New()
	h.Write([]byte(text))
	h.Write([]byte{0})
	h.Write([]byte(providerID))
	h.Write([]byte{0})
	h.Write([]byte(voiceOrStyle))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatFloat(speed, 'f', 3, 64)))
	return hex.EncodeToString(h.Sum(nil))
}

// Cache chains tiers into a single lookup interface.
type Cache struct {
	tiers   []Tier
	ttl     time.Duration
	metrics *observe.Metrics
	now     func() time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithMetrics records per-tier hits and misses on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Cache) {
		c.metrics = m
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// New creates a Cache over tiers, fastest first. ttl is stamped onto entries
// written without one.
func New(ttl time.Duration, tiers []Tier, opts ...Option) *Cache {
	c := &Cache{tiers: tiers, ttl: ttl, now: time.Now}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Tiers returns the configured tier names in lookup order.
func (c *Cache) Tiers() []string {
	names := make([]string, len(c.tiers))
	for i, t := range c.tiers {
		names[i] = t.Name()
	}
	return names
}

// Get looks key up tier by tier. On a hit it returns the entry and the name
// of the tier that served it, after backfilling the faster tiers. Tier
// errors are logged and treated as misses so a broken shared tier degrades
// to a slower path instead of failing synthesis.
func (c *Cache) Get(ctx context.Context, key string) (Entry, string, bool) {
	for i, t := range c.tiers {
		e, ok, err := t.Get(ctx, key)
		if err != nil {
			slog.Warn("speechcache: tier lookup failed", "tier", t.Name(), "key", key, "err", err)
			ok = false
		}
		if ok && e.Expired(c.now()) {
			ok = false
		}
		c.record(ctx, t.Name(), ok)
		if !ok {
			continue
		}
		for j := i - 1; j >= 0; j-- {
			if err := c.tiers[j].Put(ctx, e); err != nil {
				slog.Warn("speechcache: backfill failed", "tier", c.tiers[j].Name(), "key", key, "err", err)
			}
		}
		return e, t.Name(), true
	}
	return Entry{}, "", false
}

// Put writes e to every tier. Errors from individual tiers are joined; the
// entry is still present in every tier that accepted it.
func (c *Cache) Put(ctx context.Context, e Entry) error {
	if e.Key == "" {
		return errors.New("speechcache: put: empty key")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = c.now()
	}
	if e.TTL == 0 {
		e.TTL = c.ttl
	}
	var errs []error
	for _, t := range c.tiers {
		if err := t.Put(ctx, e); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", t.Name(), err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("speechcache: put: %w", err)
	}
	return nil
}

// PurgeExpired asks every tier implementing [Purger] to drop expired rows
// and returns the total removed.
func (c *Cache) PurgeExpired(ctx context.Context) (int64, error) {
	var (
		total int64
		errs  []error
	)
	for _, t := range c.tiers {
		p, ok := t.(Purger)
		if !ok {
			continue
		}
		n, err := p.PurgeExpired(ctx, c.now())
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", t.Name(), err))
			continue
		}
		total += n
	}
	return total, errors.Join(errs...)
}

func (c *Cache) record(ctx context.Context, tier string, hit bool) {
	if c.metrics != nil {
		c.metrics.RecordCacheLookup(ctx, tier, hit)
	}
}
