package app

import (
	"errors"
	"fmt"

	"github.com/MrWong99/affirmcall/internal/config"
	"github.com/MrWong99/affirmcall/internal/resilience"
	"github.com/MrWong99/affirmcall/internal/ttsorch"
	"github.com/MrWong99/affirmcall/pkg/provider/llm"
	"github.com/MrWong99/affirmcall/pkg/provider/stt"
	"github.com/MrWong99/affirmcall/pkg/provider/telephony"
)

// Providers holds the instantiated provider chains. Populated by main.go via
// the config registry, or directly by tests.
type Providers struct {
	Telephony telephony.Provider

	// TTS is the synthesis chain in fallback order.
	TTS []ttsorch.Backend

	STT     stt.Transcriber
	STTName string

	// LLM is the reply backend. When built by [BuildProviders] it is an
	// [*resilience.LLMFallback] over every configured entry.
	LLM llm.Provider
}

func (p *Providers) validate() error {
	var errs []error
	if p.Telephony == nil {
		errs = append(errs, errors.New("telephony provider is required"))
	}
	if len(p.TTS) == 0 {
		errs = append(errs, errors.New("at least one tts provider is required"))
	}
	if p.STT == nil {
		errs = append(errs, errors.New("stt provider is required"))
	}
	if p.LLM == nil {
		errs = append(errs, errors.New("llm provider is required"))
	}
	return errors.Join(errs...)
}

// llmHealth is implemented by LLM providers that report breaker state.
type llmHealth interface {
	Health() []resilience.EntryHealth
}

// BuildProviders instantiates every configured provider through reg. LLM
// entries are chained behind per-backend circuit breakers configured by
// cfg.Breaker.
func BuildProviders(cfg *config.Config, reg *config.Registry) (*Providers, error) {
	p := &Providers{}

	tel, err := reg.CreateTelephony(cfg.Telephony)
	if err != nil {
		return nil, fmt.Errorf("app: telephony %q: %w", cfg.Telephony.Name, err)
	}
	p.Telephony = tel

	for _, entry := range cfg.Providers.TTS {
		prov, err := reg.CreateTTS(entry)
		if err != nil {
			return nil, fmt.Errorf("app: tts %q: %w", entry.Name, err)
		}
		p.TTS = append(p.TTS, ttsorch.Backend{Name: entry.Name, Provider: prov, VoiceID: entry.VoiceID})
	}

	p.STT, err = reg.CreateSTT(cfg.Providers.STT)
	if err != nil {
		return nil, fmt.Errorf("app: stt %q: %w", cfg.Providers.STT.Name, err)
	}
	p.STTName = cfg.Providers.STT.Name

	var chain *resilience.LLMFallback
	for i, entry := range cfg.Providers.LLM {
		prov, err := reg.CreateLLM(entry)
		if err != nil {
			return nil, fmt.Errorf("app: llm %q: %w", entry.Name, err)
		}
		if i == 0 {
			chain = resilience.NewLLMFallback(prov, entry.Name, breakerConfig(cfg.Breaker, "llm"))
			continue
		}
		chain.AddFallback(entry.Name, prov)
	}
	if chain != nil {
		p.LLM = chain
	}
	return p, nil
}

func breakerConfig(b config.BreakerConfig, name string) resilience.FallbackConfig {
	return resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			Name:         name,
			MaxFailures:  b.MaxFailures,
			ResetTimeout: b.ResetTimeout,
			HalfOpenMax:  b.HalfOpenMax,
		},
	}
}
