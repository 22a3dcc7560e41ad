package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "AFFIRMCALL_"

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":       {"openai", "anyllm", "anthropic", "ollama", "gemini", "mock"},
	"stt":       {"whisper", "openai", "deepgram", "assemblyai", "mock"},
	"tts":       {"elevenlabs", "openai", "coqui", "mock"},
	"telephony": {"telnyx", "mock"},
}

// Load reads the YAML configuration file at path, applies environment
// overrides and returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies environment overrides
// and defaults, and validates the result.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := ApplyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg with AFFIRMCALL_* variables found through lookup.
// Provider keys are addressed by kind and name, e.g.
// AFFIRMCALL_TTS_ELEVENLABS_API_KEY.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	str("LISTEN_ADDR", &cfg.Server.ListenAddr)
	if v, ok := lookup(EnvPrefix + "LOG_LEVEL"); ok {
		cfg.Server.LogLevel = LogLevel(strings.ToLower(v))
	}
	str("TRACE_EXPORTER", &cfg.Server.TraceExporter)
	str("OTLP_ENDPOINT", &cfg.Server.OTLPEndpoint)

	str("TELEPHONY_API_KEY", &cfg.Telephony.APIKey)
	str("TELEPHONY_CONNECTION_ID", &cfg.Telephony.ConnectionID)
	str("TELEPHONY_FROM_NUMBER", &cfg.Telephony.FromNumber)
	str("TELEPHONY_PUBLIC_KEY", &cfg.Telephony.WebhookPublicKey)

	if v, ok := lookup(EnvPrefix + "STORE_BACKEND"); ok {
		cfg.Store.Backend = StoreBackend(v)
	}
	str("POSTGRES_DSN", &cfg.Store.PostgresDSN)
	str("DYNAMO_TABLE", &cfg.Store.DynamoTable)
	str("DYNAMO_REGION", &cfg.Store.DynamoRegion)

	if v, ok := lookup(EnvPrefix + "EVENTS_BACKEND"); ok {
		cfg.Events.Backend = EventsBackend(v)
	}
	if v, ok := lookup(EnvPrefix + "NATS_SERVERS"); ok {
		cfg.Events.NATSServers = splitList(v)
	}
	str("NATS_TOKEN", &cfg.Events.NATSToken)

	str("MEDIA_BASE_URL", &cfg.Media.BaseURL)
	str("SYSTEM_PROMPT", &cfg.Conversation.SystemPrompt)

	if v, ok := lookup(EnvPrefix + "MAX_TURNS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: %sMAX_TURNS: %w", EnvPrefix, err)
		}
		cfg.CallFlow.MaxTurns = n
	}

	for i := range cfg.Providers.TTS {
		str(providerEnvKey("TTS", cfg.Providers.TTS[i].Name), &cfg.Providers.TTS[i].APIKey)
	}
	for i := range cfg.Providers.LLM {
		str(providerEnvKey("LLM", cfg.Providers.LLM[i].Name), &cfg.Providers.LLM[i].APIKey)
	}
	str("STT_API_KEY", &cfg.Providers.STT.APIKey)
	return nil
}

func providerEnvKey(kind, name string) string {
	name = strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(name))
	return kind + "_" + name + "_API_KEY"
}

func splitList(s string) []string {
	var out []string
	for part := range strings.SplitSeq(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = StoreMemory
	}
	if cfg.Events.Backend == "" {
		cfg.Events.Backend = EventsLocal
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil && (cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Telephony
	tel := cfg.Telephony
	switch {
	case tel.Name == "":
		errs = append(errs, errors.New("telephony.name is required"))
	case tel.Name == "telnyx":
		if tel.APIKey == "" {
			errs = append(errs, errors.New("telephony.api_key is required for telnyx"))
		}
		if tel.ConnectionID == "" {
			errs = append(errs, errors.New("telephony.connection_id is required for telnyx"))
		}
		if tel.FromNumber == "" {
			errs = append(errs, errors.New("telephony.from_number is required for telnyx"))
		}
		if cfg.Media.BaseURL == "" {
			errs = append(errs, errors.New("media.base_url is required so the provider can fetch audio"))
		}
	default:
		validateProviderName("telephony", tel.Name)
	}

	// Providers
	if len(cfg.Providers.TTS) == 0 {
		errs = append(errs, errors.New("providers.tts needs at least one entry"))
	}
	errs = append(errs, validateChain("providers.tts", "tts", cfg.Providers.TTS)...)
	if cfg.Providers.STT.Name == "" {
		errs = append(errs, errors.New("providers.stt.name is required"))
	}
	validateProviderName("stt", cfg.Providers.STT.Name)
	if len(cfg.Providers.LLM) == 0 {
		errs = append(errs, errors.New("providers.llm needs at least one entry"))
	}
	errs = append(errs, validateChain("providers.llm", "llm", cfg.Providers.LLM)...)

	// Store
	if !cfg.Store.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("store.backend %q is invalid; valid values: memory, postgres, dynamodb", cfg.Store.Backend))
	}
	if cfg.Store.Backend == StorePostgres && cfg.Store.PostgresDSN == "" {
		errs = append(errs, errors.New("store.postgres_dsn is required for the postgres backend"))
	}
	if cfg.Store.Backend == StoreDynamo && cfg.Store.DynamoTable == "" {
		errs = append(errs, errors.New("store.dynamo_table is required for the dynamodb backend"))
	}
	if cfg.Cache.Shared && cfg.Store.PostgresDSN == "" {
		errs = append(errs, errors.New("cache.shared requires store.postgres_dsn"))
	}
	if cfg.Store.Backend == StoreMemory {
		slog.Warn("store.backend is memory; sessions are lost on restart and not shared between replicas")
	}

	// Events
	if !cfg.Events.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("events.backend %q is invalid; valid values: local, nats", cfg.Events.Backend))
	}
	if cfg.Events.Backend == EventsNATS && len(cfg.Events.NATSServers) == 0 {
		errs = append(errs, errors.New("events.nats_servers is required for the nats backend"))
	}

	// Limits
	if cfg.CallFlow.MaxTurns < 0 {
		errs = append(errs, fmt.Errorf("callflow.max_turns %d must not be negative", cfg.CallFlow.MaxTurns))
	}
	if cfg.Conversation.HistoryTurns < 0 {
		errs = append(errs, fmt.Errorf("conversation.history_turns %d must not be negative", cfg.Conversation.HistoryTurns))
	}
	if cfg.CallFlow.StallTimeout < 0 || cfg.CallFlow.ReconcileInterval < 0 {
		errs = append(errs, errors.New("callflow.stall_timeout and callflow.reconcile_interval must not be negative"))
	}
	if cfg.Transcription.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("transcription.max_retries %d must not be negative", cfg.Transcription.MaxRetries))
	}
	if t := cfg.Conversation.Temperature; t < 0 || t > 2 {
		errs = append(errs, fmt.Errorf("conversation.temperature %.2f is out of range [0, 2]", t))
	}

	// Voice
	v := cfg.CallFlow.Voice
	if v.SpeedFactor != 0 && (v.SpeedFactor < 0.5 || v.SpeedFactor > 2.0) {
		errs = append(errs, fmt.Errorf("callflow.voice.speed_factor %.2f is out of range [0.5, 2.0]", v.SpeedFactor))
	}
	if v.PitchShift < -10 || v.PitchShift > 10 {
		errs = append(errs, fmt.Errorf("callflow.voice.pitch_shift %.2f is out of range [-10, 10]", v.PitchShift))
	}

	for i, p := range cfg.Prewarm.Phrases {
		if strings.TrimSpace(p) == "" {
			errs = append(errs, fmt.Errorf("prewarm.phrases[%d] is empty", i))
		}
	}

	return errors.Join(errs...)
}

// validateChain requires names and rejects duplicates within a provider chain.
func validateChain(prefix, kind string, entries []ProviderEntry) []error {
	var errs []error
	seen := make(map[string]int, len(entries))
	for i, e := range entries {
		p := fmt.Sprintf("%s[%d]", prefix, i)
		if e.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", p))
			continue
		}
		if prev, ok := seen[e.Name]; ok {
			errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of %s[%d]", p, e.Name, prefix, prev))
		}
		seen[e.Name] = i
		validateProviderName(kind, e.Name)
	}
	return errs
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
