package main

import (
	"log/slog"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/affirmcall/internal/config"
	"github.com/MrWong99/affirmcall/pkg/provider/llm"
	"github.com/MrWong99/affirmcall/pkg/provider/llm/anyllm"
	llmmock "github.com/MrWong99/affirmcall/pkg/provider/llm/mock"
	oallm "github.com/MrWong99/affirmcall/pkg/provider/llm/openai"
	"github.com/MrWong99/affirmcall/pkg/provider/stt"
	"github.com/MrWong99/affirmcall/pkg/provider/stt/assemblyai"
	"github.com/MrWong99/affirmcall/pkg/provider/stt/deepgram"
	sttmock "github.com/MrWong99/affirmcall/pkg/provider/stt/mock"
	oastt "github.com/MrWong99/affirmcall/pkg/provider/stt/openai"
	"github.com/MrWong99/affirmcall/pkg/provider/stt/whisper"
	"github.com/MrWong99/affirmcall/pkg/provider/telephony"
	telmock "github.com/MrWong99/affirmcall/pkg/provider/telephony/mock"
	"github.com/MrWong99/affirmcall/pkg/provider/telephony/telnyx"
	"github.com/MrWong99/affirmcall/pkg/provider/tts"
	"github.com/MrWong99/affirmcall/pkg/provider/tts/coqui"
	"github.com/MrWong99/affirmcall/pkg/provider/tts/elevenlabs"
	ttsmock "github.com/MrWong99/affirmcall/pkg/provider/tts/mock"
	oatts "github.com/MrWong99/affirmcall/pkg/provider/tts/openai"
)

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives its config entry and constructs the provider from
// the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── Telephony ─────────────────────────────────────────────────────────────

	reg.RegisterTelephony("telnyx", func(c config.TelephonyConfig) (telephony.Provider, error) {
		var opts []telnyx.Option
		if c.BaseURL != "" {
			opts = append(opts, telnyx.WithBaseURL(c.BaseURL))
		}
		if c.MaxTries > 0 {
			opts = append(opts, telnyx.WithMaxTries(c.MaxTries))
		}
		return telnyx.New(telnyx.Config{
			APIKey:             c.APIKey,
			ConnectionID:       c.ConnectionID,
			FromNumber:         c.FromNumber,
			WebhookURL:         c.WebhookURL,
			MaxRecordingSecs:   c.MaxRecordingSecs,
			SilenceTimeoutSecs: c.SilenceTimeoutSecs,
		}, opts...)
	})

	reg.RegisterTelephony("mock", func(config.TelephonyConfig) (telephony.Provider, error) {
		return &telmock.Provider{Recording: stt.Recording{Data: []byte("mock recording")}}, nil
	})

	// ── LLM ───────────────────────────────────────────────────────────────────

	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []oallm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oallm.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, oallm.WithOrganization(org))
		}
		if entry.Timeout > 0 {
			opts = append(opts, oallm.WithTimeout(entry.Timeout))
		}
		return oallm.New(entry.APIKey, entry.Model, opts...)
	})

	// anyllm picks the vendor from options.provider; the vendor names are
	// also registered directly as shorthands.
	reg.RegisterLLM("anyllm", func(entry config.ProviderEntry) (llm.Provider, error) {
		return anyllm.New(optString(entry.Options, "provider"), entry.Model, anyllmOptions(entry)...)
	})
	for _, vendor := range []string{"anthropic", "gemini", "ollama"} {
		reg.RegisterLLM(vendor, func(entry config.ProviderEntry) (llm.Provider, error) {
			return anyllm.New(vendor, entry.Model, anyllmOptions(entry)...)
		})
	}

	reg.RegisterLLM("mock", func(entry config.ProviderEntry) (llm.Provider, error) {
		reply := optString(entry.Options, "reply")
		if reply == "" {
			reply = "That was lovely. Thank you for saying it out loud."
		}
		return &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: reply}}, nil
	})

	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Transcriber, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		if entry.Timeout > 0 {
			opts = append(opts, whisper.WithTimeout(entry.Timeout))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	reg.RegisterSTT("openai", func(entry config.ProviderEntry) (stt.Transcriber, error) {
		var opts []oastt.Option
		if entry.BaseURL != "" {
			opts = append(opts, oastt.WithBaseURL(entry.BaseURL))
		}
		if entry.Model != "" {
			opts = append(opts, oastt.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, oastt.WithLanguage(lang))
		}
		if entry.Timeout > 0 {
			opts = append(opts, oastt.WithTimeout(entry.Timeout))
		}
		return oastt.New(entry.APIKey, opts...)
	})

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Transcriber, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	reg.RegisterSTT("assemblyai", func(entry config.ProviderEntry) (stt.Transcriber, error) {
		var opts []assemblyai.Option
		if entry.BaseURL != "" {
			opts = append(opts, assemblyai.WithBaseURL(entry.BaseURL))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, assemblyai.WithLanguage(lang))
		}
		if entry.Timeout > 0 {
			opts = append(opts, assemblyai.WithTimeout(entry.Timeout))
		}
		return assemblyai.New(entry.APIKey, opts...)
	})

	reg.RegisterSTT("mock", func(entry config.ProviderEntry) (stt.Transcriber, error) {
		return &sttmock.Provider{Text: optString(entry.Options, "text")}, nil
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if outputFmt := optString(entry.Options, "output_format"); outputFmt != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(outputFmt))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	reg.RegisterTTS("openai", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []oatts.Option
		if entry.BaseURL != "" {
			opts = append(opts, oatts.WithBaseURL(entry.BaseURL))
		}
		if entry.Model != "" {
			opts = append(opts, oatts.WithModel(entry.Model))
		}
		if entry.VoiceID != "" {
			opts = append(opts, oatts.WithDefaultVoice(entry.VoiceID))
		}
		if entry.Timeout > 0 {
			opts = append(opts, oatts.WithTimeout(entry.Timeout))
		}
		return oatts.New(entry.APIKey, opts...)
	})

	reg.RegisterTTS("coqui", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []coqui.Option
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, coqui.WithLanguage(lang))
		}
		if mode := optString(entry.Options, "api_mode"); mode != "" {
			opts = append(opts, coqui.WithAPIMode(coqui.APIMode(mode)))
		}
		if entry.Timeout > 0 {
			opts = append(opts, coqui.WithTimeout(entry.Timeout))
		}
		return coqui.New(entry.BaseURL, opts...)
	})

	reg.RegisterTTS("mock", func(config.ProviderEntry) (tts.Provider, error) {
		return &ttsmock.Provider{Delay: 10 * time.Millisecond}, nil
	})

	for kind, names := range config.ValidProviderNames {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

func anyllmOptions(entry config.ProviderEntry) []anyllmlib.Option {
	var opts []anyllmlib.Option
	if entry.APIKey != "" {
		opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
	}
	if entry.BaseURL != "" {
		opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
	}
	return opts
}

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}
