// Package elevenlabs provides an ElevenLabs-backed TTS provider using the
// ElevenLabs streaming WebSocket API. It implements the tts.Provider interface
// by streaming a complete utterance and collecting the returned audio chunks
// into a single clip.
package elevenlabs

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/MrWong99/affirmcall/pkg/provider/tts"
	"github.com/MrWong99/affirmcall/pkg/types"
	"github.com/coder/websocket"
)

const (
	wsEndpointFmt    = "wss://api.elevenlabs.io/v1/text-to-speech/%s/stream-input?model_id=%s&output_format=%s"
	defaultModel     = "eleven_flash_v2_5"
	defaultOutputFmt = "mp3_44100_128"
)

// Option is a functional option for configuring the ElevenLabs Provider.
type Option func(*Provider)

// WithModel sets the ElevenLabs model ID (e.g., "eleven_flash_v2_5").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithOutputFormat sets the audio output format (e.g., "mp3_44100_128", "pcm_16000").
func WithOutputFormat(format string) Option {
	return func(p *Provider) {
		p.outputFormat = format
	}
}

// WithEndpoint overrides the WebSocket endpoint format string. The format
// receives voice ID, model and output format in that order. Used by tests.
func WithEndpoint(format string) Option {
	return func(p *Provider) {
		p.endpointFmt = format
	}
}

// Provider implements tts.Provider backed by the ElevenLabs streaming API.
type Provider struct {
	apiKey       string
	model        string
	outputFormat string
	endpointFmt  string
}

// Compile-time interface assertion.
var _ tts.Provider = (*Provider)(nil)

// New creates a new ElevenLabs Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:       apiKey,
		model:        defaultModel,
		outputFormat: defaultOutputFmt,
		endpointFmt:  wsEndpointFmt,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// ---- WebSocket message types ----

// textMessage is the JSON payload sent to ElevenLabs for each text fragment.
type textMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
	Flush         bool           `json:"flush,omitempty"`
}

// voiceSettings mirrors the ElevenLabs voice_settings object.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Speed           float64 `json:"speed,omitempty"`
}

// audioResponse is the JSON message received from ElevenLabs over the WebSocket.
type audioResponse struct {
	Audio   string `json:"audio"` // base64-encoded audio in the requested format
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message,omitempty"` // error or info
	Error   string `json:"error,omitempty"`
}

// boiMessage is used for the initial "begin of input" handshake.
type boiMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
	XiAPIKey      string         `json:"xi_api_key"`
}

// Synthesize opens a WebSocket to ElevenLabs, sends the full text followed by
// an end-of-input marker and concatenates the audio chunks until the server
// signals the final chunk.
func (p *Provider) Synthesize(ctx context.Context, text string, voice types.VoiceProfile) (tts.Audio, error) {
	if voice.ID == "" {
		return tts.Audio{}, errors.New("elevenlabs: voice.ID must not be empty")
	}
	if strings.TrimSpace(text) == "" {
		return tts.Audio{}, errors.New("elevenlabs: text must not be empty")
	}

	conn, _, err := websocket.Dial(ctx, buildURLForVoice(p.endpointFmt, voice.ID, p.model, p.outputFormat), nil)
	if err != nil {
		return tts.Audio{}, fmt.Errorf("elevenlabs: dial: %w", err)
	}
	defer conn.CloseNow()
	conn.SetReadLimit(8 << 20)

	vs := settingsFor(voice)
	for _, msg := range []any{
		boiMessage{Text: " ", VoiceSettings: vs, XiAPIKey: p.apiKey},
		textMessage{Text: text + " ", Flush: true},
		textMessage{Text: ""},
	} {
		data, _ := json.Marshal(msg)
		if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
			return tts.Audio{}, fmt.Errorf("elevenlabs: write: %w", err)
		}
	}

	var buf bytes.Buffer
	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure && buf.Len() > 0 {
				break
			}
			return tts.Audio{}, fmt.Errorf("elevenlabs: read: %w", err)
		}
		final, err := appendChunk(&buf, msg)
		if err != nil {
			return tts.Audio{}, err
		}
		if final {
			break
		}
	}
	conn.Close(websocket.StatusNormalClosure, "done")

	if buf.Len() == 0 {
		return tts.Audio{}, errors.New("elevenlabs: no audio received")
	}
	return tts.Audio{Data: buf.Bytes(), ContentType: contentTypeFor(p.outputFormat)}, nil
}

// SupportsStyleInstruction reports false: ElevenLabs selects timbre by voice ID.
func (p *Provider) SupportsStyleInstruction() bool {
	return false
}

// ---- helpers ----

// appendChunk decodes one server message into buf. It reports whether the
// message was the final chunk of the utterance.
func appendChunk(buf *bytes.Buffer, msg []byte) (bool, error) {
	var resp audioResponse
	if err := json.Unmarshal(msg, &resp); err != nil {
		return false, nil
	}
	if resp.Error != "" {
		return false, fmt.Errorf("elevenlabs: server error: %s", resp.Error)
	}
	if resp.Audio != "" {
		chunk, err := base64.StdEncoding.DecodeString(resp.Audio)
		if err != nil {
			return false, fmt.Errorf("elevenlabs: decode audio: %w", err)
		}
		buf.Write(chunk)
	}
	return resp.IsFinal, nil
}

func settingsFor(voice types.VoiceProfile) *voiceSettings {
	vs := &voiceSettings{Stability: 0.5, SimilarityBoost: 0.75}
	if voice.SpeedFactor != 0 {
		// ElevenLabs accepts speed in [0.7, 1.2].
		vs.Speed = min(max(voice.SpeedFactor, 0.7), 1.2)
	}
	return vs
}

// buildURLForVoice constructs the WebSocket URL for a given voice and model.
func buildURLForVoice(format, voiceID, model, outputFormat string) string {
	return fmt.Sprintf(format, voiceID, model, outputFormat)
}

// contentTypeFor maps an ElevenLabs output format to a MIME type.
func contentTypeFor(outputFormat string) string {
	switch {
	case strings.HasPrefix(outputFormat, "mp3"):
		return "audio/mpeg"
	case strings.HasPrefix(outputFormat, "ulaw"):
		return "audio/basic"
	default:
		return "audio/L16"
	}
}
