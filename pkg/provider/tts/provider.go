// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (e.g., ElevenLabs, OpenAI or
// a local Coqui server) and turns a complete piece of text into a playable
// audio clip. Calls are batch-oriented: the call flow publishes whole clips to
// the telephony provider, so there is no streaming surface.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"

	"github.com/MrWong99/affirmcall/pkg/types"
)

// Audio is a synthesised clip together with its encoding.
type Audio struct {
	// Data holds the encoded audio bytes.
	Data []byte

	// ContentType is the MIME type of Data (e.g., "audio/mpeg", "audio/wav").
	ContentType string
}

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Synthesize renders text with the given voice profile and returns the full
	// clip. Implementations must honour ctx cancellation and return an error
	// rather than an empty clip when the backend produced no audio.
	Synthesize(ctx context.Context, text string, voice types.VoiceProfile) (Audio, error)

	// SupportsStyleInstruction reports whether the backend accepts free-form
	// speaking instructions (voice.Style). Providers that return false only
	// use voice.ID.
	SupportsStyleInstruction() bool
}
