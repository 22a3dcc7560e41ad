// Package app wires all affirmcall subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP and drives the background workers, and
// Shutdown tears everything down in order.
//
// For testing, inject in-memory implementations via functional options
// (WithSessionStore, WithBus, etc.). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/affirmcall/internal/api"
	"github.com/MrWong99/affirmcall/internal/callflow"
	"github.com/MrWong99/affirmcall/internal/config"
	"github.com/MrWong99/affirmcall/internal/conversation"
	"github.com/MrWong99/affirmcall/internal/events"
	"github.com/MrWong99/affirmcall/internal/health"
	"github.com/MrWong99/affirmcall/internal/media"
	"github.com/MrWong99/affirmcall/internal/observe"
	"github.com/MrWong99/affirmcall/internal/resilience"
	"github.com/MrWong99/affirmcall/internal/speechcache"
	"github.com/MrWong99/affirmcall/internal/store/dynamo"
	"github.com/MrWong99/affirmcall/internal/store/postgres"
	"github.com/MrWong99/affirmcall/internal/store/sqlite"
	"github.com/MrWong99/affirmcall/internal/transcription"
	"github.com/MrWong99/affirmcall/internal/ttsorch"
	"github.com/MrWong99/affirmcall/pkg/types"
)

// fallbackClipKey is the media key of the pinned fallback clip.
const fallbackClipKey = "fallback-clip"

// App owns all subsystem lifetimes and serves the call orchestration API.
type App struct {
	cfg       *config.Config
	providers *Providers
	metrics   *observe.Metrics
	level     *slog.LevelVar

	// configPath enables the hot-reload watcher when non-empty.
	configPath string

	// Subsystems, initialised in New and torn down in Shutdown.
	sessions   callflow.Store
	jobs       transcription.Store
	letters    transcription.DeadLetterStore
	pg         *postgres.Store
	cold       *sqlite.SpeechTier
	cache      *speechcache.Cache
	speech     *ttsorch.Orchestrator
	media      *media.Host
	engine     *conversation.Engine
	bus        events.Bus
	manager    *transcription.Manager
	machine    *callflow.Machine
	dispatcher *api.Dispatcher
	health     *health.Handler
	janitor    *Janitor
	handler    http.Handler

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithSessionStore injects a call session store instead of creating one
// from config.
func WithSessionStore(s callflow.Store) Option {
	return func(a *App) { a.sessions = s }
}

// WithJobStores injects the transcription job and dead-letter stores.
func WithJobStores(jobs transcription.Store, letters transcription.DeadLetterStore) Option {
	return func(a *App) {
		a.jobs = jobs
		a.letters = letters
	}
}

// WithBus injects the transcription event bus.
func WithBus(b events.Bus) Option {
	return func(a *App) { a.bus = b }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLevelVar lets config reloads change the log level of the handler
// that was built around v.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithConfigPath enables polling path for hot-reloadable changes while Run
// is active.
func WithConfigPath(path string) Option {
	return func(a *App) { a.configPath = path }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry).
//
// New performs all initialisation synchronously: store connections, cache
// tiers, the speech orchestrator, the media host, the transcription manager,
// the call state machine and the HTTP handler. On error, everything opened
// so far is closed again.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (_ *App, err error) {
	if providers == nil {
		return nil, errors.New("app: providers are required")
	}
	if err := providers.validate(); err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	defer func() {
		if err != nil {
			a.closeAll()
		}
	}()

	// ── 1. Stores ────────────────────────────────────────────────────────
	if err := a.initStores(ctx); err != nil {
		return nil, fmt.Errorf("app: init stores: %w", err)
	}

	// ── 2. Speech cache + orchestrator ───────────────────────────────────
	if err := a.initSpeech(ctx); err != nil {
		return nil, fmt.Errorf("app: init speech: %w", err)
	}

	// ── 3. Media host ────────────────────────────────────────────────────
	fallbackURL, err := a.initMedia()
	if err != nil {
		return nil, fmt.Errorf("app: init media: %w", err)
	}

	// ── 4. Conversation engine ───────────────────────────────────────────
	a.engine, err = conversation.New(providers.LLM, conversation.Config{
		SystemPrompt: cfg.Conversation.SystemPrompt,
		HistoryTurns: cfg.Conversation.HistoryTurns,
		MaxTokens:    cfg.Conversation.MaxTokens,
		Temperature:  cfg.Conversation.Temperature,
		Timeout:      cfg.Conversation.Timeout,
	}, conversation.WithMetrics(a.metrics))
	if err != nil {
		return nil, fmt.Errorf("app: init conversation: %w", err)
	}

	// ── 5. Event bus + transcription manager ─────────────────────────────
	if err := a.initBus(); err != nil {
		return nil, fmt.Errorf("app: init event bus: %w", err)
	}
	t := cfg.Transcription
	a.manager, err = transcription.NewManager(providers.STT, a.jobs, a.letters, a.bus, transcription.Config{
		MaxRetries:     t.MaxRetries,
		BaseDelay:      t.BaseDelay,
		MaxDelay:       t.MaxDelay,
		JobTimeout:     t.JobTimeout,
		PollInterval:   t.PollInterval,
		AttemptTimeout: t.AttemptTimeout,
		Workers:        t.Workers,
		DeadLetterTTL:  t.DeadLetterTTL,
	}, transcription.WithMetrics(a.metrics), transcription.WithProviderName(providers.STTName))
	if err != nil {
		return nil, fmt.Errorf("app: init transcription: %w", err)
	}

	// ── 6. Call state machine ────────────────────────────────────────────
	cf := cfg.CallFlow
	stall := cf.StallTimeout
	if stall <= 0 {
		stall = callflow.DefaultStallTimeout
	}
	flow := callflow.Config{
		Greeting:        cf.Greeting,
		RepeatPrompt:    cf.RepeatPrompt,
		Acknowledgement: cf.Acknowledgement,
		Farewell:        cf.Farewell,
		MaxTurns:        cf.MaxTurns,
		FallbackClipURL: fallbackURL,
		Voice:           voiceProfile(cf.Voice),
		CommandTimeout:  cf.CommandTimeout,
		StallTimeout:    stall,
	}
	// A transcribing session only stalls once its job can no longer complete.
	flow.TranscriptionStallTimeout = a.manager.JobTimeout() + stall
	a.machine, err = callflow.New(callflow.Deps{
		Store:        a.sessions,
		Telephony:    providers.Telephony,
		Speech:       a.speech,
		Media:        a.media,
		Jobs:         a.manager,
		Conversation: a.engine,
	}, flow, callflow.WithMetrics(a.metrics))
	if err != nil {
		return nil, fmt.Errorf("app: init call flow: %w", err)
	}

	// ── 7. Dispatcher ────────────────────────────────────────────────────
	a.dispatcher, err = api.NewDispatcher(a.machine, api.DispatcherConfig{
		Workers:   cfg.Server.Workers,
		QueueSize: cfg.Server.QueueSize,
	}, api.WithDispatcherMetrics(a.metrics))
	if err != nil {
		return nil, fmt.Errorf("app: init dispatcher: %w", err)
	}
	if err := a.bus.Subscribe(a.dispatcher.SubmitTranscription); err != nil {
		return nil, fmt.Errorf("app: subscribe to transcription events: %w", err)
	}

	// ── 8. HTTP surface ──────────────────────────────────────────────────
	a.health = health.New(a.checkers()...)
	srv := &api.Server{
		Calls:          a.machine,
		Transcriptions: a.manager,
		Dispatcher:     a.dispatcher,
		Media:          a.media,
		Health:         a.health,
		Metrics:        a.metrics,
	}
	if key := cfg.Telephony.WebhookPublicKey; key != "" {
		srv.Verifier, err = api.NewVerifier(key, cfg.Telephony.WebhookTolerance)
		if err != nil {
			return nil, fmt.Errorf("app: webhook verifier: %w", err)
		}
	}
	a.handler = srv.Handler()

	// ── 9. Janitor ───────────────────────────────────────────────────────
	jc := JanitorConfig{
		Sessions:          a.sessions,
		Jobs:              a.manager,
		Cache:             a.cache,
		Stalled:           a.machine,
		Interval:          cfg.Store.JanitorInterval,
		ReconcileInterval: cf.ReconcileInterval,
		SessionRetention:  cf.SessionRetention,
		JobRetention:      t.Retention,
	}
	if a.cold != nil {
		jc.Vacuum = a.cold.Vacuum
	}
	a.janitor = NewJanitor(jc)

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initStores opens the configured session, job and dead-letter stores unless
// they were injected. Postgres is opened when it backs the sessions or the
// shared speech tier.
func (a *App) initStores(ctx context.Context) error {
	sc := a.cfg.Store
	needPG := sc.PostgresDSN != "" && (sc.Backend == config.StorePostgres || a.cfg.Cache.Shared)
	if needPG && (a.sessions == nil || a.jobs == nil || a.cfg.Cache.Shared) {
		pg, err := postgres.Open(ctx, sc.PostgresDSN)
		if err != nil {
			return err
		}
		a.pg = pg
		a.closers = append(a.closers, func() error {
			pg.Close()
			return nil
		})
	}

	if a.sessions == nil {
		switch sc.Backend {
		case config.StorePostgres:
			a.sessions = a.pg.Sessions()
		case config.StoreDynamo:
			ds, err := dynamo.Open(ctx, sc.DynamoRegion, sc.DynamoTable, a.cfg.CallFlow.SessionRetention)
			if err != nil {
				return err
			}
			a.sessions = ds
		default:
			a.sessions = callflow.NewMemoryStore()
		}
	}

	if a.jobs == nil || a.letters == nil {
		if a.pg != nil && sc.Backend == config.StorePostgres {
			a.jobs, a.letters = a.pg.Jobs(), a.pg.DeadLetters()
		} else {
			a.jobs, a.letters = transcription.NewMemoryStore(), transcription.NewMemoryDeadLetters()
		}
	}

	slog.Info("stores ready", "backend", sc.Backend, "postgres", a.pg != nil)
	return nil
}

// initSpeech assembles the cache tiers (memory → shared → cold) and the TTS
// orchestrator over the provider chain.
func (a *App) initSpeech(ctx context.Context) error {
	cc := a.cfg.Cache
	size := cc.MemorySize
	if size <= 0 {
		size = 512
	}
	tiers := []speechcache.Tier{speechcache.NewMemoryTier(size, cc.TTL)}
	if cc.Shared && a.pg != nil {
		tiers = append(tiers, a.pg.SpeechTier())
	}
	if cc.ColdPath != "" {
		cold, err := sqlite.Open(ctx, cc.ColdPath)
		if err != nil {
			return err
		}
		a.cold = cold
		a.closers = append(a.closers, cold.Close)
		tiers = append(tiers, cold)
	}
	a.cache = speechcache.New(cc.TTL, tiers, speechcache.WithMetrics(a.metrics))

	opts := []ttsorch.Option{
		ttsorch.WithMetrics(a.metrics),
		ttsorch.WithBreaker(breakerConfig(a.cfg.Breaker, "tts")),
		ttsorch.WithTimeout(cc.Timeout),
		ttsorch.WithPrewarmConcurrency(a.cfg.Prewarm.Concurrency),
	}
	if cc.Shared && a.pg != nil {
		opts = append(opts, ttsorch.WithKeyLocker(a.pg.Locker()))
	}
	speech, err := ttsorch.New(a.cache, a.providers.TTS, opts...)
	if err != nil {
		return err
	}
	a.speech = speech
	slog.Info("speech cache ready", "tiers", a.cache.Tiers(), "providers", len(a.providers.TTS))
	return nil
}

// initMedia creates the audio host and pins the fallback clip. It returns
// the clip URL, or "" when no clip is configured.
func (a *App) initMedia() (string, error) {
	mc := a.cfg.Media
	base := mc.BaseURL
	if base == "" {
		base = localBaseURL(a.cfg.Server.ListenAddr)
	}
	var opts []media.Option
	if mc.Size > 0 {
		opts = append(opts, media.WithSize(mc.Size))
	}
	if mc.TTL > 0 {
		opts = append(opts, media.WithTTL(mc.TTL))
	}
	host, err := media.NewHost(base, opts...)
	if err != nil {
		return "", err
	}
	a.media = host

	if mc.FallbackClip == "" {
		return "", nil
	}
	data, err := os.ReadFile(mc.FallbackClip)
	if err != nil {
		return "", fmt.Errorf("read fallback clip: %w", err)
	}
	ct := mime.TypeByExtension(filepath.Ext(mc.FallbackClip))
	if ct == "" {
		ct = "audio/mpeg"
	}
	return host.Pin(fallbackClipKey, data, ct)
}

// initBus connects the configured event bus unless one was injected.
func (a *App) initBus() error {
	if a.bus != nil {
		return nil
	}
	ec := a.cfg.Events
	switch ec.Backend {
	case config.EventsNATS:
		b, err := events.ConnectNATS(events.NATSConfig{
			Servers:        ec.NATSServers,
			Subject:        ec.NATSSubject,
			Queue:          ec.NATSQueue,
			Token:          ec.NATSToken,
			ConnectTimeout: ec.Timeout,
			HandlerTimeout: ec.Timeout,
		})
		if err != nil {
			return err
		}
		a.bus = b
	default:
		a.bus = events.NewLocal()
	}
	a.closers = append(a.closers, a.bus.Close)
	return nil
}

// checkers builds the health probes. The session store and the event bus
// gate readiness; upstream providers are reported by /health only.
func (a *App) checkers() []health.Checker {
	cs := []health.Checker{
		{Name: "state_store", Check: a.sessions.Ping},
		{Name: "event_bus", Check: a.bus.Ping},
		{Name: "telephony", Check: a.providers.Telephony.Ping, Optional: true},
		{Name: "stt:" + a.providers.STTName, Check: pingIfSupported(a.providers.STT), Optional: true},
	}
	if a.cold != nil {
		cs = append(cs, health.Checker{Name: "speech_cache:cold", Check: a.cold.Ping, Optional: true})
	}
	for _, b := range a.providers.TTS {
		cs = append(cs, health.Checker{
			Name:     "tts:" + b.Name,
			Check:    breakerCheck(b.Name, a.speech.ProviderHealth),
			Optional: true,
		})
	}
	if h, ok := a.providers.LLM.(llmHealth); ok {
		for _, e := range h.Health() {
			cs = append(cs, health.Checker{
				Name:     "llm:" + e.Name,
				Check:    breakerCheck(e.Name, h.Health),
				Optional: true,
			})
		}
	}
	return cs
}

// breakerCheck fails while the named entry's circuit breaker is open.
func breakerCheck(name string, report func() []resilience.EntryHealth) func(context.Context) error {
	return func(context.Context) error {
		for _, e := range report() {
			if e.Name != name {
				continue
			}
			if e.State == resilience.StateOpen {
				return fmt.Errorf("circuit open after %d failures", e.Failures)
			}
			return nil
		}
		return fmt.Errorf("provider %q not in chain", name)
	}
}

func pingIfSupported(v any) func(context.Context) error {
	if p, ok := v.(interface{ Ping(context.Context) error }); ok {
		return p.Ping
	}
	return func(context.Context) error { return nil }
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Handler returns the routed HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Machine returns the call state machine.
func (a *App) Machine() *callflow.Machine { return a.machine }

// Janitor returns the purge worker.
func (a *App) Janitor() *Janitor { return a.janitor }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP and drives the dispatcher, the transcription scheduler, the
// janitor and, when enabled, the config watcher. It blocks until ctx is
// cancelled or a component fails, then stops the HTTP server gracefully and
// waits for queued events to drain.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen: %w", err)
	}
	httpSrv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = httpSrv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = httpSrv.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		timeout := a.cfg.Server.ShutdownTimeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), timeout)
		defer cancel()
		return httpSrv.Shutdown(sctx)
	})
	g.Go(func() error { return a.dispatcher.Run(gctx) })
	g.Go(func() error { return a.manager.Run(gctx) })
	g.Go(func() error { return a.janitor.Run(gctx) })
	g.Go(func() error {
		a.prewarm(gctx, a.cfg.Prewarm.Phrases)
		return nil
	})

	if a.configPath != "" {
		w, err := config.NewWatcher(a.configPath, func(_, _ *config.Config, diff config.ConfigDiff) {
			a.Apply(gctx, diff)
		})
		if err != nil {
			slog.Warn("config hot reload disabled", "err", err)
		} else {
			g.Go(func() error { return w.Run(gctx) })
		}
	}

	slog.Info("server listening", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)
	return g.Wait()
}

// Apply applies the hot-reloadable part of a config change.
func (a *App) Apply(ctx context.Context, diff config.ConfigDiff) {
	if diff.LogLevelChanged && a.level != nil {
		a.level.Set(SlogLevel(diff.NewLogLevel))
		slog.Info("log level changed", "level", diff.NewLogLevel)
	}
	if diff.PromptChanged {
		a.engine.SetSystemPrompt(diff.NewPrompt)
		slog.Info("conversation prompt updated")
	}
	if diff.PrewarmChanged {
		a.prewarm(ctx, diff.AddedPhrases)
	}
}

func (a *App) prewarm(ctx context.Context, phrases []string) {
	if len(phrases) == 0 {
		return
	}
	n := a.speech.Prewarm(ctx, phrases, voiceProfile(a.cfg.CallFlow.Voice))
	slog.Info("speech cache prewarmed", "phrases", len(phrases), "generated", n)
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in init order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

func (a *App) closeAll() {
	for _, c := range a.closers {
		_ = c()
	}
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// SlogLevel converts a config.LogLevel to slog.Level. Unknown values map to
// info.
func SlogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// voiceProfile converts a config.VoiceConfig to types.VoiceProfile.
func voiceProfile(vc config.VoiceConfig) types.VoiceProfile {
	return types.VoiceProfile{
		ID:          vc.VoiceID,
		Style:       vc.Style,
		PitchShift:  vc.PitchShift,
		SpeedFactor: vc.SpeedFactor,
	}
}

// localBaseURL derives a loopback base URL from a listen address such as
// ":8080".
func localBaseURL(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil || port == "" || port == "0" {
		return "http://localhost"
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return "http://" + strings.TrimSpace(net.JoinHostPort(host, port))
}
