// Package openai provides an STT provider backed by the OpenAI audio
// transcription endpoint (whisper-1, gpt-4o-transcribe).
package openai

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/MrWong99/affirmcall/pkg/provider/stt"
)

const defaultModel = "whisper-1"

// Compile-time interface assertion.
var _ stt.Transcriber = (*Provider)(nil)

type config struct {
	baseURL  string
	model    string
	language string
	timeout  time.Duration
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithModel sets the transcription model (default "whisper-1").
func WithModel(model string) Option {
	return func(c *config) {
		c.model = model
	}
}

// WithLanguage sets an ISO-639-1 language hint.
func WithLanguage(lang string) Option {
	return func(c *config) {
		c.language = lang
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// Provider implements stt.Transcriber using OpenAI.
type Provider struct {
	client   oai.Client
	model    string
	language string
}

// New constructs a new OpenAI STT Provider.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai stt: apiKey must not be empty")
	}
	cfg := &config{model: defaultModel}
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
		client:   oai.NewClient(reqOpts...),
		model:    cfg.model,
		language: cfg.language,
	}, nil
}

// Transcribe uploads rec and returns the recognised text.
func (p *Provider) Transcribe(ctx context.Context, rec stt.Recording) (string, error) {
	if len(rec.Data) == 0 {
		return "", fmt.Errorf("openai stt: %w", stt.ErrEmptyRecording)
	}
	params := oai.AudioTranscriptionNewParams{
		File:  oai.File(bytes.NewReader(rec.Data), rec.Filename(), rec.MIME()),
		Model: oai.AudioModel(p.model),
	}
	if p.language != "" {
		params.Language = oai.String(p.language)
	}
	resp, err := p.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("openai stt: transcription: %w", err)
	}
	return strings.TrimSpace(resp.Text), nil
}
