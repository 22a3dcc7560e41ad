// Package mock provides a test double for the tts.Provider interface.
//
// Use Provider to return controlled audio to consumers and to verify which
// text and VoiceProfile reached the TTS backend.
//
// Example:
//
//	p := &mock.Provider{Audio: tts.Audio{Data: []byte("clip"), ContentType: "audio/mpeg"}}
//	clip, _ := p.Synthesize(ctx, "hello", voice)
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/affirmcall/pkg/provider/tts"
	"github.com/MrWong99/affirmcall/pkg/types"
)

// SynthesizeCall records a single invocation of Synthesize.
type SynthesizeCall struct {
	// Text is the text passed to Synthesize.
	Text string
	// Voice is the VoiceProfile passed to Synthesize.
	Voice types.VoiceProfile
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// Audio is returned by Synthesize. When Audio.Data is nil the text itself
	// is echoed back as the clip so distinct inputs yield distinct bytes.
	Audio tts.Audio

	// Err, if non-nil, is returned from Synthesize.
	Err error

	// Delay blocks each Synthesize call for the given duration (or until ctx
	// is done). Useful for concurrency tests.
	Delay time.Duration

	// Style is returned by SupportsStyleInstruction.
	Style bool

	// --- Call records ---

	// SynthesizeCalls records every call to Synthesize in order.
	SynthesizeCalls []SynthesizeCall
}

// Compile-time interface assertion.
var _ tts.Provider = (*Provider)(nil)

// Synthesize records the call and returns the configured clip or error.
func (p *Provider) Synthesize(ctx context.Context, text string, voice types.VoiceProfile) (tts.Audio, error) {
	p.mu.Lock()
	p.SynthesizeCalls = append(p.SynthesizeCalls, SynthesizeCall{Text: text, Voice: voice})
	delay, err, audio := p.Delay, p.Err, p.Audio
	p.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return tts.Audio{}, ctx.Err()
		}
	}
	if err != nil {
		return tts.Audio{}, err
	}
	if audio.Data == nil {
		return tts.Audio{Data: []byte(text), ContentType: "audio/mpeg"}, nil
	}
	return audio, nil
}

// SupportsStyleInstruction returns p.Style.
func (p *Provider) SupportsStyleInstruction() bool {
	return p.Style
}

// CallCount returns how many times Synthesize was invoked.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.SynthesizeCalls)
}

// Calls returns a copy of the recorded Synthesize calls.
func (p *Provider) Calls() []SynthesizeCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]SynthesizeCall, len(p.SynthesizeCalls))
	copy(out, p.SynthesizeCalls)
	return out
}

// SetErr replaces the configured error under the lock.
func (p *Provider) SetErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Err = err
}

// Reset clears all recorded calls.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeCalls = nil
}
