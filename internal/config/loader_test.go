package config_test

import (
	"strings"
	"testing"

	"github.com/MrWong99/affirmcall/internal/config"
)

func TestValidate_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		yaml string
		want []string
	}{
		{
			name: "empty config",
			yaml: ``,
			want: []string{"telephony.name is required", "providers.tts needs at least one entry", "providers.stt.name is required", "providers.llm needs at least one entry"},
		},
		{
			name: "telnyx without credentials",
			yaml: `
telephony:
  name: telnyx
providers:
  tts:
    - name: mock
  stt:
    name: mock
  llm:
    - name: mock
`,
			want: []string{"telephony.api_key", "telephony.connection_id", "telephony.from_number", "media.base_url"},
		},
		{
			name: "invalid log level",
			yaml: minimalYAML + `
server:
  log_level: bananas
`,
			want: []string{"server.log_level"},
		},
		{
			name: "duplicate tts entries",
			yaml: `
telephony:
  name: mock
providers:
  tts:
    - name: mock
    - name: mock
  stt:
    name: mock
  llm:
    - name: mock
`,
			want: []string{"duplicate"},
		},
		{
			name: "postgres without dsn",
			yaml: minimalYAML + `
store:
  backend: postgres
`,
			want: []string{"store.postgres_dsn is required"},
		},
		{
			name: "dynamodb without table",
			yaml: minimalYAML + `
store:
  backend: dynamodb
`,
			want: []string{"store.dynamo_table is required"},
		},
		{
			name: "unknown store backend",
			yaml: minimalYAML + `
store:
  backend: redis
`,
			want: []string{"store.backend \"redis\" is invalid"},
		},
		{
			name: "shared cache without postgres",
			yaml: minimalYAML + `
cache:
  shared: true
`,
			want: []string{"cache.shared requires store.postgres_dsn"},
		},
		{
			name: "nats without servers",
			yaml: minimalYAML + `
events:
  backend: nats
`,
			want: []string{"events.nats_servers is required"},
		},
		{
			name: "negative limits",
			yaml: minimalYAML + `
callflow:
  max_turns: -1
  stall_timeout: -1s
conversation:
  history_turns: -2
transcription:
  max_retries: -3
`,
			want: []string{"callflow.max_turns", "callflow.stall_timeout", "conversation.history_turns", "transcription.max_retries"},
		},
		{
			name: "voice out of range",
			yaml: minimalYAML + `
callflow:
  voice:
    speed_factor: 3
    pitch_shift: -11
`,
			want: []string{"speed_factor", "pitch_shift"},
		},
		{
			name: "empty prewarm phrase",
			yaml: minimalYAML + `
prewarm:
  phrases: ["hello", "  "]
`,
			want: []string{"prewarm.phrases[1] is empty"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tt.yaml))
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			for _, w := range tt.want {
				if !strings.Contains(err.Error(), w) {
					t.Errorf("error should mention %q, got: %v", w, err)
				}
			}
		})
	}
}

func TestApplyEnv(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Providers: config.ProvidersConfig{
			TTS: []config.ProviderEntry{{Name: "elevenlabs"}, {Name: "openai"}},
			LLM: []config.ProviderEntry{{Name: "anyllm"}},
		},
	}
	env := map[string]string{
		"AFFIRMCALL_LISTEN_ADDR":            ":7000",
		"AFFIRMCALL_LOG_LEVEL":              "DEBUG",
		"AFFIRMCALL_TELEPHONY_API_KEY":      "KEY-env",
		"AFFIRMCALL_STORE_BACKEND":          "postgres",
		"AFFIRMCALL_POSTGRES_DSN":           "postgres://env/db",
		"AFFIRMCALL_NATS_SERVERS":           "nats://a:4222, nats://b:4222,",
		"AFFIRMCALL_MAX_TURNS":              "5",
		"AFFIRMCALL_TTS_ELEVENLABS_API_KEY": "el-env",
		"AFFIRMCALL_LLM_ANYLLM_API_KEY":     "any-env",
		"AFFIRMCALL_STT_API_KEY":            "stt-env",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
	if err := config.ApplyEnv(cfg, lookup); err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}

	if cfg.Server.ListenAddr != ":7000" || cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Telephony.APIKey != "KEY-env" {
		t.Errorf("telephony.api_key = %q", cfg.Telephony.APIKey)
	}
	if cfg.Store.Backend != config.StorePostgres || cfg.Store.PostgresDSN != "postgres://env/db" {
		t.Errorf("store = %+v", cfg.Store)
	}
	if got := cfg.Events.NATSServers; len(got) != 2 || got[1] != "nats://b:4222" {
		t.Errorf("nats servers = %v", got)
	}
	if cfg.CallFlow.MaxTurns != 5 {
		t.Errorf("max_turns = %d", cfg.CallFlow.MaxTurns)
	}
	if cfg.Providers.TTS[0].APIKey != "el-env" || cfg.Providers.TTS[1].APIKey != "" {
		t.Errorf("tts keys = %q, %q", cfg.Providers.TTS[0].APIKey, cfg.Providers.TTS[1].APIKey)
	}
	if cfg.Providers.LLM[0].APIKey != "any-env" || cfg.Providers.STT.APIKey != "stt-env" {
		t.Errorf("llm key = %q, stt key = %q", cfg.Providers.LLM[0].APIKey, cfg.Providers.STT.APIKey)
	}
}

func TestApplyEnv_BadInteger(t *testing.T) {
	t.Parallel()
	lookup := func(k string) (string, bool) {
		if k == "AFFIRMCALL_MAX_TURNS" {
			return "many", true
		}
		return "", false
	}
	if err := config.ApplyEnv(&config.Config{}, lookup); err == nil {
		t.Fatal("expected error for non-numeric MAX_TURNS")
	}
}

func TestLoadFromReader_EnvOverride(t *testing.T) {
	t.Setenv("AFFIRMCALL_LOG_LEVEL", "warn")
	cfg, err := config.LoadFromReader(strings.NewReader(minimalYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Server.LogLevel != config.LogWarn {
		t.Errorf("log_level = %q, want warn", cfg.Server.LogLevel)
	}
}
