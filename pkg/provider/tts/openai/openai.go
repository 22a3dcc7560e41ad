// Package openai provides a TTS provider backed by the OpenAI speech API.
//
// Unlike voice-catalogue providers, the gpt-4o-mini-tts family accepts a
// free-form speaking instruction, so this provider reports
// SupportsStyleInstruction() == true and forwards VoiceProfile.Style as the
// request's instructions.
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/MrWong99/affirmcall/pkg/provider/tts"
	"github.com/MrWong99/affirmcall/pkg/types"
)

const (
	defaultModel = "gpt-4o-mini-tts"
	defaultVoice = "alloy"
)

// Provider implements tts.Provider using the OpenAI audio speech endpoint.
type Provider struct {
	client oai.Client
	model  string
	voice  string
}

// Compile-time interface assertion.
var _ tts.Provider = (*Provider)(nil)

type config struct {
	baseURL string
	model   string
	voice   string
	timeout time.Duration
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithModel sets the speech model (default "gpt-4o-mini-tts").
func WithModel(model string) Option {
	return func(c *config) {
		c.model = model
	}
}

// WithDefaultVoice sets the voice used when a profile carries no voice ID.
func WithDefaultVoice(voice string) Option {
	return func(c *config) {
		c.voice = voice
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// New constructs a new OpenAI TTS Provider.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai tts: apiKey must not be empty")
	}
	cfg := &config{model: defaultModel, voice: defaultVoice}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}
	return &Provider{
		client: oai.NewClient(reqOpts...),
		model:  cfg.model,
		voice:  cfg.voice,
	}, nil
}

// Synthesize renders text as MP3 audio.
func (p *Provider) Synthesize(ctx context.Context, text string, voice types.VoiceProfile) (tts.Audio, error) {
	if text == "" {
		return tts.Audio{}, errors.New("openai tts: text must not be empty")
	}
	resp, err := p.client.Audio.Speech.New(ctx, p.buildParams(text, voice))
	if err != nil {
		return tts.Audio{}, fmt.Errorf("openai tts: speech: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return tts.Audio{}, fmt.Errorf("openai tts: read body: %w", err)
	}
	if len(data) == 0 {
		return tts.Audio{}, errors.New("openai tts: empty audio response")
	}
	return tts.Audio{Data: data, ContentType: "audio/mpeg"}, nil
}

// SupportsStyleInstruction reports true.
func (p *Provider) SupportsStyleInstruction() bool {
	return true
}

func (p *Provider) buildParams(text string, voice types.VoiceProfile) oai.AudioSpeechNewParams {
	v := voice.ID
	if v == "" {
		v = p.voice
	}
	params := oai.AudioSpeechNewParams{
		Input:          text,
		Model:          oai.SpeechModel(p.model),
		Voice:          oai.AudioSpeechNewParamsVoice(v),
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormatMP3,
	}
	if voice.Style != "" {
		params.Instructions = oai.String(voice.Style)
	}
	if voice.SpeedFactor != 0 {
		// The endpoint accepts speed in [0.25, 4.0].
		params.Speed = oai.Float(min(max(voice.SpeedFactor, 0.25), 4.0))
	}
	return params
}
