package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/affirmcall/pkg/provider/llm"
	"github.com/MrWong99/affirmcall/pkg/provider/stt"
	"github.com/MrWong99/affirmcall/pkg/provider/telephony"
	"github.com/MrWong99/affirmcall/pkg/provider/tts"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	llm       map[string]func(ProviderEntry) (llm.Provider, error)
	stt       map[string]func(ProviderEntry) (stt.Transcriber, error)
	tts       map[string]func(ProviderEntry) (tts.Provider, error)
	telephony map[string]func(TelephonyConfig) (telephony.Provider, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		llm:       make(map[string]func(ProviderEntry) (llm.Provider, error)),
		stt:       make(map[string]func(ProviderEntry) (stt.Transcriber, error)),
		tts:       make(map[string]func(ProviderEntry) (tts.Provider, error)),
		telephony: make(map[string]func(TelephonyConfig) (telephony.Provider, error)),
	}
}

// RegisterLLM registers an LLM provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterLLM(name string, factory func(ProviderEntry) (llm.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm[name] = factory
}

// RegisterSTT registers an STT provider factory under name.
func (r *Registry) RegisterSTT(name string, factory func(ProviderEntry) (stt.Transcriber, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stt[name] = factory
}

// RegisterTTS registers a TTS provider factory under name.
func (r *Registry) RegisterTTS(name string, factory func(ProviderEntry) (tts.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tts[name] = factory
}

// RegisterTelephony registers a telephony provider factory under name.
func (r *Registry) RegisterTelephony(name string, factory func(TelephonyConfig) (telephony.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.telephony[name] = factory
}

// CreateLLM instantiates an LLM provider using the factory registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	r.mu.RLock()
	factory, ok := r.llm[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: llm/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateSTT instantiates an STT provider using the factory registered under entry.Name.
func (r *Registry) CreateSTT(entry ProviderEntry) (stt.Transcriber, error) {
	r.mu.RLock()
	factory, ok := r.stt[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: stt/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateTTS instantiates a TTS provider using the factory registered under entry.Name.
func (r *Registry) CreateTTS(entry ProviderEntry) (tts.Provider, error) {
	r.mu.RLock()
	factory, ok := r.tts[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: tts/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateTelephony instantiates the telephony provider named in cfg.
func (r *Registry) CreateTelephony(cfg TelephonyConfig) (telephony.Provider, error) {
	r.mu.RLock()
	factory, ok := r.telephony[cfg.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: telephony/%q", ErrProviderNotRegistered, cfg.Name)
	}
	return factory(cfg)
}
