// Package types defines the shared types used across affirmcall packages.
//
// These types form the lingua franca between providers, the call flow and the
// conversation layer. Each package defines its own domain types; only
// cross-cutting data structures live here to avoid circular imports.
package types

// Speaker identifies who produced a conversation turn.
type Speaker string

const (
	// SpeakerCallee is the person who answered the call.
	SpeakerCallee Speaker = "callee"

	// SpeakerAgent is the synthesised voice of the service.
	SpeakerAgent Speaker = "agent"
)

// Turn is a single utterance in a call's conversation history.
type Turn struct {
	Speaker Speaker `json:"speaker"`
	Text    string  `json:"text"`
}

// Message is a single chat message exchanged with an LLM provider.
type Message struct {
	// Role is one of "system", "user" or "assistant".
	Role string

	// Content is the message text.
	Content string
}

// VoiceProfile describes how a piece of text should be spoken.
//
// A profile either names a discrete provider voice (ID) or carries a free-form
// style instruction (Style) for providers that accept one. Profiles are loaded
// from configuration and treated as immutable.
type VoiceProfile struct {
	// Provider identifies which TTS provider this profile targets. Empty means
	// any provider in the fallback chain.
	Provider string

	// ID is the provider-specific voice identifier.
	ID string

	// Style is a free-form speaking instruction ("warm, slow, encouraging").
	// Ignored by providers that do not support style instructions.
	Style string

	// SpeedFactor adjusts speaking rate (0.5–2.0, 1.0 = default).
	SpeedFactor float64

	// PitchShift adjusts pitch (-10 to +10, 0 = default).
	PitchShift float64
}

// VoiceOrStyle returns the component of the profile that determines the
// timbre of the output: the style instruction if set, otherwise the voice ID.
func (v VoiceProfile) VoiceOrStyle() string {
	if v.Style != "" {
		return "style:" + v.Style
	}
	return "voice:" + v.ID
}

// Speed returns SpeedFactor with the zero value normalised to 1.0.
func (v VoiceProfile) Speed() float64 {
	if v.SpeedFactor == 0 {
		return 1.0
	}
	return v.SpeedFactor
}
