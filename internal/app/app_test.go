package app_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	metricnoop "go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/affirmcall/internal/app"
	"github.com/MrWong99/affirmcall/internal/callflow"
	"github.com/MrWong99/affirmcall/internal/config"
	"github.com/MrWong99/affirmcall/internal/observe"
	"github.com/MrWong99/affirmcall/internal/ttsorch"
	"github.com/MrWong99/affirmcall/pkg/provider/llm"
	llmmock "github.com/MrWong99/affirmcall/pkg/provider/llm/mock"
	"github.com/MrWong99/affirmcall/pkg/provider/stt"
	sttmock "github.com/MrWong99/affirmcall/pkg/provider/stt/mock"
	"github.com/MrWong99/affirmcall/pkg/provider/telephony"
	telmock "github.com/MrWong99/affirmcall/pkg/provider/telephony/mock"
	"github.com/MrWong99/affirmcall/pkg/provider/tts"
	ttsmock "github.com/MrWong99/affirmcall/pkg/provider/tts/mock"
)

// testConfig returns a config that runs entirely in memory.
func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			ListenAddr:      "127.0.0.1:0",
			LogLevel:        config.LogInfo,
			Workers:         2,
			QueueSize:       16,
			ShutdownTimeout: time.Second,
		},
		Telephony: config.TelephonyConfig{Name: "mock"},
		Transcription: config.TranscriptionConfig{
			PollInterval: 10 * time.Millisecond,
			BaseDelay:    10 * time.Millisecond,
			JobTimeout:   5 * time.Second,
		},
		CallFlow: config.CallFlowConfig{MaxTurns: 3},
		Store:    config.StoreConfig{Backend: config.StoreMemory},
		Events:   config.EventsConfig{Backend: config.EventsLocal},
		Media:    config.MediaConfig{BaseURL: "https://calls.test"},
	}
}

type testDeps struct {
	tel *telmock.Provider
	tts *ttsmock.Provider
	stt *sttmock.Provider
	llm *llmmock.Provider
}

// testProviders returns mock providers for every slot.
func testProviders() (*app.Providers, testDeps) {
	d := testDeps{
		tel: &telmock.Provider{Recording: stt.Recording{Data: []byte("recorded audio"), ContentType: "audio/mpeg"}},
		tts: &ttsmock.Provider{},
		stt: &sttmock.Provider{Text: "I am capable of great things"},
		llm: &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "That was wonderful."}},
	}
	return &app.Providers{
		Telephony: d.tel,
		TTS:       []ttsorch.Backend{{Name: "mock", Provider: d.tts}},
		STT:       d.stt,
		STTName:   "mock",
		LLM:       d.llm,
	}, d
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(metricnoop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func newApp(t *testing.T, cfg *config.Config, p *app.Providers, opts ...app.Option) *app.App {
	t.Helper()
	opts = append([]app.Option{app.WithMetrics(testMetrics(t))}, opts...)
	a, err := app.New(context.Background(), cfg, p, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	return a
}

func TestNew_WithMocks(t *testing.T) {
	t.Parallel()
	p, _ := testProviders()
	a := newApp(t, testConfig(), p)
	if a.Handler() == nil {
		t.Fatal("Handler() = nil")
	}
	if a.Machine() == nil || a.Janitor() == nil {
		t.Fatal("subsystems not initialised")
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()
	if _, err := app.New(context.Background(), testConfig(), nil); err == nil {
		t.Error("expected error for nil providers")
	}

	p, _ := testProviders()
	p.STT = nil
	p.TTS = nil
	_, err := app.New(context.Background(), testConfig(), p, app.WithMetrics(testMetrics(t)))
	if err == nil {
		t.Fatal("expected error for missing providers")
	}
	for _, want := range []string{"stt", "tts"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestNew_FallbackClipPinned(t *testing.T) {
	t.Parallel()
	clip := filepath.Join(t.TempDir(), "fallback.mp3")
	if err := os.WriteFile(clip, []byte("fallback audio"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := testConfig()
	cfg.Media.FallbackClip = clip
	p, _ := testProviders()
	a := newApp(t, cfg, p)

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/media/fallback-clip", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Body.String() != "fallback audio" {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestNew_MissingFallbackClip(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Media.FallbackClip = filepath.Join(t.TempDir(), "missing.mp3")
	p, _ := testProviders()
	if _, err := app.New(context.Background(), cfg, p, app.WithMetrics(testMetrics(t))); err == nil {
		t.Fatal("expected error for missing fallback clip")
	}
}

func TestNew_ColdCacheTier(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Cache.ColdPath = filepath.Join(t.TempDir(), "speech.db")
	p, _ := testProviders()
	a := newApp(t, cfg, p)

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if !strings.Contains(rec.Body.String(), "speech_cache:cold") {
		t.Errorf("health body %q lacks cold tier check", rec.Body.String())
	}
}

func TestHealth_ReportsProviders(t *testing.T) {
	t.Parallel()
	p, d := testProviders()
	d.tel.PingErr = errors.New("unreachable")
	a := newApp(t, testConfig(), p)

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("/readyz = %d, want 200 (telephony is optional)", rec.Code)
	}

	rec = httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("/health = %d, want 503", rec.Code)
	}
	for _, name := range []string{"state_store", "event_bus", "telephony", "tts:mock", "stt:mock"} {
		if !strings.Contains(rec.Body.String(), name) {
			t.Errorf("health body lacks %q: %s", name, rec.Body.String())
		}
	}
}

func TestApply_HotReload(t *testing.T) {
	t.Parallel()
	var level slog.LevelVar
	p, d := testProviders()
	a := newApp(t, testConfig(), p, app.WithLevelVar(&level))

	a.Apply(context.Background(), config.ConfigDiff{
		LogLevelChanged: true,
		NewLogLevel:     config.LogDebug,
		PrewarmChanged:  true,
		AddedPhrases:    []string{"Good morning!", "Repeat after me."},
	})

	if level.Level() != slog.LevelDebug {
		t.Errorf("level = %v, want debug", level.Level())
	}
	if got := d.tts.CallCount(); got != 2 {
		t.Errorf("synthesize calls = %d, want 2", got)
	}
}

func TestSlogLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   config.LogLevel
		want slog.Level
	}{
		{config.LogDebug, slog.LevelDebug},
		{config.LogInfo, slog.LevelInfo},
		{config.LogWarn, slog.LevelWarn},
		{config.LogError, slog.LevelError},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := app.SlogLevel(tt.in); got != tt.want {
			t.Errorf("SlogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestBuildProviders(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	reg.RegisterTelephony("mock", func(config.TelephonyConfig) (telephony.Provider, error) { return &telmock.Provider{}, nil })
	reg.RegisterTTS("mock", func(config.ProviderEntry) (tts.Provider, error) { return &ttsmock.Provider{}, nil })
	reg.RegisterSTT("mock", func(config.ProviderEntry) (stt.Transcriber, error) { return &sttmock.Provider{}, nil })
	reg.RegisterLLM("mock", func(config.ProviderEntry) (llm.Provider, error) { return &llmmock.Provider{}, nil })

	cfg := testConfig()
	cfg.Providers = config.ProvidersConfig{
		TTS: []config.ProviderEntry{{Name: "mock", VoiceID: "v1"}},
		STT: config.ProviderEntry{Name: "mock"},
		LLM: []config.ProviderEntry{{Name: "mock"}, {Name: "mock"}},
	}
	p, err := app.BuildProviders(cfg, reg)
	if err != nil {
		t.Fatalf("BuildProviders: %v", err)
	}
	if len(p.TTS) != 1 || p.TTS[0].VoiceID != "v1" || p.STTName != "mock" {
		t.Errorf("providers = %+v", p)
	}
	if p.LLM == nil {
		t.Error("llm chain is nil")
	}

	cfg.Providers.STT.Name = "nope"
	if _, err := app.BuildProviders(cfg, reg); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("err = %v, want ErrProviderNotRegistered", err)
	}
}

// ── end to end ──────────────────────────────────────────────────────────────

func post(t *testing.T, h http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, bytes.NewReader(b)))
	return rec
}

func waitForState(t *testing.T, a *app.App, callID string, want callflow.State) *callflow.Session {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		s, err := a.Machine().Session(context.Background(), callID)
		if err != nil {
			t.Fatalf("Session: %v", err)
		}
		if s.State == want {
			return s
		}
		if time.Now().After(deadline) {
			t.Fatalf("state = %s, want %s (trail %+v)", s.State, want, s.Trail)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRun_EndToEnd(t *testing.T) {
	t.Parallel()
	p, d := testProviders()
	a := newApp(t, testConfig(), p)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	defer func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Run: %v", err)
		}
	}()

	h := a.Handler()
	rec := post(t, h, "/calls", map[string]string{
		"phone_number":     "+15551234567",
		"affirmation_text": "I am capable.",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("POST /calls = %d: %s", rec.Code, rec.Body.String())
	}
	var created struct {
		CallID string `json:"call_id"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&created); err != nil {
		t.Fatal(err)
	}
	id := created.CallID

	webhook := func(typ callflow.EventType, want callflow.State) {
		t.Helper()
		s, err := a.Machine().Session(context.Background(), id)
		if err != nil {
			t.Fatal(err)
		}
		rec := post(t, h, "/webhooks/telephony", map[string]string{
			"event_type":      string(typ),
			"call_control_id": id,
			"client_state":    s.PendingActionToken,
			"recording_url":   "https://rec.test/1.mp3",
		})
		if rec.Code != http.StatusOK {
			t.Fatalf("webhook %s = %d", typ, rec.Code)
		}
		waitForState(t, a, id, want)
	}

	webhook(callflow.EventAnswered, callflow.StatePlayingAffirmation)
	webhook(callflow.EventPlaybackEnded, callflow.StateAwaitingRepeat)
	webhook(callflow.EventRecordingSaved, callflow.StatePlayingReply)
	webhook(callflow.EventPlaybackEnded, callflow.StateAwaitingContinuation)
	webhook(callflow.EventHangup, callflow.StateEnded)

	if got := len(d.llm.Calls()); got != 1 {
		t.Errorf("llm calls = %d, want 1", got)
	}
	if got := len(d.tel.CommandsOf(telmock.KindPlay)); got < 2 {
		t.Errorf("play commands = %d, want at least 2", got)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/calls/"+id+"/status", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"ended"`) {
		t.Errorf("status = %d %s", rec.Code, rec.Body.String())
	}
}

func TestJanitor_ReconcilesStalledGreeting(t *testing.T) {
	t.Parallel()
	p, d := testProviders()
	store := callflow.NewMemoryStore()
	a := newApp(t, testConfig(), p, app.WithSessionStore(store))
	ctx := context.Background()

	stalled := &callflow.Session{
		CallID:             "call-stalled",
		CalleeNumber:       "+15551234567",
		AffirmationText:    "I am capable.",
		State:              callflow.StateGreeting,
		PendingActionToken: "tok-claimed",
		UpdatedAt:          time.Now().Add(-time.Hour),
	}
	if err := store.Create(ctx, stalled); err != nil {
		t.Fatalf("Create: %v", err)
	}

	n, err := a.Janitor().Reconcile(ctx)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if n != 1 {
		t.Errorf("reconciled = %d, want 1", n)
	}
	s, err := a.Machine().Session(ctx, "call-stalled")
	if err != nil {
		t.Fatal(err)
	}
	if s.State != callflow.StatePlayingAffirmation || s.PendingActionToken == "tok-claimed" {
		t.Errorf("session = %s with token %s, want playing_affirmation with a fresh token", s.State, s.PendingActionToken)
	}
	if d.tts.CallCount() == 0 {
		t.Error("greeting was not synthesised")
	}
}
