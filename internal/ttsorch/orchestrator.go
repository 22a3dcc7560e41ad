// Package ttsorch turns text into playable audio. It fronts an ordered chain
// of TTS providers with the tiered speech cache and guarantees that, for a
// given cache key, at most one synthesis is in flight: concurrent callers in
// the same process share a singleflight call, and an optional distributed
// [KeyLocker] serialises generation across processes.
package ttsorch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/MrWong99/affirmcall/internal/observe"
	"github.com/MrWong99/affirmcall/internal/resilience"
	"github.com/MrWong99/affirmcall/internal/speechcache"
	"github.com/MrWong99/affirmcall/pkg/provider/tts"
	"github.com/MrWong99/affirmcall/pkg/types"
)

// TierGenerated is reported in [Result.Tier] when the audio was synthesised
// by a provider rather than served from a cache tier.
const TierGenerated = "generated"

var (
	// ErrAllProvidersFailed is returned when every provider in the chain
	// failed or was skipped because its circuit is open.
	ErrAllProvidersFailed = errors.New("ttsorch: all providers failed")

	// ErrEmptyText is returned for blank input.
	ErrEmptyText = errors.New("ttsorch: text is empty")
)

// KeyLocker serialises work on a key across processes. Lock blocks until the
// lock is held or ctx is done; the returned function releases it.
type KeyLocker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// Backend is one provider in the fallback chain.
type Backend struct {
	// Name identifies the provider in logs, metrics and health reports.
	Name string

	Provider tts.Provider

	// VoiceID, when set, replaces the profile's voice ID for this provider.
	// Voice IDs are provider-specific, so each backend usually carries its own.
	VoiceID string
}

// voiceFor adapts the requested profile to what b accepts. Style
// instructions are stripped for providers that do not support them.
func (b Backend) voiceFor(v types.VoiceProfile) types.VoiceProfile {
	v.Provider = b.Name
	if b.VoiceID != "" {
		v.ID = b.VoiceID
	}
	if !b.Provider.SupportsStyleInstruction() {
		v.Style = ""
	}
	return v
}

// Result is the audio for one Generate call.
type Result struct {
	Audio       []byte
	ContentType string
	Key         string

	// Tier is the cache tier that served the audio, or [TierGenerated].
	Tier string

	// Provider is the backend that synthesised the audio. Empty for cache
	// hits.
	Provider string
}

// Orchestrator generates speech through the cache and provider chain.
type Orchestrator struct {
	cache   *speechcache.Cache
	group   *resilience.FallbackGroup[Backend]
	primary string

	sf      singleflight.Group
	locker  KeyLocker
	metrics *observe.Metrics

	timeout            time.Duration
	prewarmConcurrency int
	breaker            resilience.FallbackConfig
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithKeyLocker enables cross-process generation locking.
func WithKeyLocker(l KeyLocker) Option {
	return func(o *Orchestrator) { o.locker = l }
}

// WithMetrics records provider latency and outcomes on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithBreaker sets the circuit breaker policy applied to every provider.
func WithBreaker(cfg resilience.FallbackConfig) Option {
	return func(o *Orchestrator) { o.breaker = cfg }
}

// WithTimeout bounds a single provider attempt. Defaults to 15 s.
func WithTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.timeout = d }
}

// WithPrewarmConcurrency bounds parallel generations in Prewarm. Defaults
// to 4.
func WithPrewarmConcurrency(n int) Option {
	return func(o *Orchestrator) { o.prewarmConcurrency = n }
}

// New builds an Orchestrator. backends are tried in order; at least one is
// required.
func New(cache *speechcache.Cache, backends []Backend, opts ...Option) (*Orchestrator, error) {
	if cache == nil {
		return nil, errors.New("ttsorch: cache is required")
	}
	if len(backends) == 0 {
		return nil, errors.New("ttsorch: at least one backend is required")
	}
	for i, b := range backends {
		if b.Name == "" || b.Provider == nil {
			return nil, fmt.Errorf("ttsorch: backend %d: name and provider are required", i)
		}
	}
	o := &Orchestrator{
		cache:              cache,
		primary:            backends[0].Name,
		timeout:            15 * time.Second,
		prewarmConcurrency: 4,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.group = resilience.NewFallbackGroup(backends[0], backends[0].Name, o.breaker)
	for _, b := range backends[1:] {
		o.group.AddFallback(b.Name, b)
	}
	return o, nil
}

// Key returns the cache key Generate uses for text and voice. The provider
// component is the profile's provider, or the primary backend when the
// profile does not name one, so that fallback output is shared under the
// same key.
func (o *Orchestrator) Key(text string, voice types.VoiceProfile) string {
	pid := voice.Provider
	if pid == "" {
		pid = o.primary
	}
	return speechcache.Key(text, pid, voice.VoiceOrStyle(), voice.Speed())
}

// Generate returns audio for text spoken with voice.
func (o *Orchestrator) Generate(ctx context.Context, text string, voice types.VoiceProfile) (Result, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Result{}, ErrEmptyText
	}
	key := o.Key(text, voice)
	if e, tier, ok := o.cache.Get(ctx, key); ok {
		return fromEntry(e, tier), nil
	}

	// The shared call ignores the first caller's cancellation; every caller
	// stops waiting on its own ctx.
	ch := o.sf.DoChan(key, func() (any, error) {
		return o.generate(context.WithoutCancel(ctx), key, text, voice)
	})
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return Result{}, r.Err
		}
		return r.Val.(Result), nil
	}
}

func (o *Orchestrator) generate(ctx context.Context, key, text string, voice types.VoiceProfile) (Result, error) {
	if o.locker != nil {
		unlock, err := o.locker.Lock(ctx, key)
		if err != nil {
			slog.Warn("ttsorch: key lock unavailable, generating without it", "key", key, "err", err)
		} else {
			defer unlock()
		}
	}

	// Another process may have finished while we waited for the lock.
	if e, tier, ok := o.cache.Get(ctx, key); ok {
		return fromEntry(e, tier), nil
	}

	audio, name, err := resilience.ExecuteNamed(o.group, func(name string, b Backend) (tts.Audio, error) {
		return o.synthesize(ctx, name, b, text, voice)
	})
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrAllProvidersFailed, err)
	}

	entry := speechcache.Entry{Key: key, Audio: audio.Data, ContentType: audio.ContentType}
	if err := o.cache.Put(ctx, entry); err != nil {
		slog.Warn("ttsorch: caching generated audio failed", "key", key, "err", err)
	}
	slog.Debug("ttsorch: generated", "key", key, "provider", name, "bytes", len(audio.Data))
	return Result{
		Audio:       audio.Data,
		ContentType: audio.ContentType,
		Key:         key,
		Tier:        TierGenerated,
		Provider:    name,
	}, nil
}

func (o *Orchestrator) synthesize(ctx context.Context, name string, b Backend, text string, voice types.VoiceProfile) (tts.Audio, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	start := time.Now()
	audio, err := b.Provider.Synthesize(ctx, text, b.voiceFor(voice))
	if err == nil && len(audio.Data) == 0 {
		err = errors.New("provider returned no audio")
	}
	if o.metrics != nil {
		status := "ok"
		if err != nil {
			status = "error"
			o.metrics.RecordProviderError(ctx, name, "tts")
		} else {
			o.metrics.TTSDuration.Record(ctx, time.Since(start).Seconds(),
				metric.WithAttributes(observe.Attr("provider", name)))
		}
		o.metrics.RecordProviderRequest(ctx, name, "tts", status)
	}
	if err != nil {
		return tts.Audio{}, fmt.Errorf("%s: %w", name, err)
	}
	if audio.ContentType == "" {
		audio.ContentType = "audio/mpeg"
	}
	return audio, nil
}

// Prewarm generates and caches each phrase with bounded concurrency. Failures
// are logged and skipped; the number of phrases now cached is returned.
func (o *Orchestrator) Prewarm(ctx context.Context, phrases []string, voice types.VoiceProfile) int {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.prewarmConcurrency)

	results := make([]bool, len(phrases))
	for i, p := range phrases {
		g.Go(func() error {
			if _, err := o.Generate(gctx, p, voice); err != nil {
				slog.Warn("ttsorch: prewarm failed", "phrase", p, "err", err)
				return nil
			}
			results[i] = true
			return nil
		})
	}
	_ = g.Wait()

	n := 0
	for _, ok := range results {
		if ok {
			n++
		}
	}
	slog.Info("ttsorch: prewarm complete", "cached", n, "total", len(phrases))
	return n
}

// ProviderHealth reports the breaker state of every backend in chain order.
func (o *Orchestrator) ProviderHealth() []resilience.EntryHealth {
	return o.group.Health()
}

func fromEntry(e speechcache.Entry, tier string) Result {
	return Result{
		Audio:       e.Audio,
		ContentType: e.ContentType,
		Key:         e.Key,
		Tier:        tier,
	}
}
