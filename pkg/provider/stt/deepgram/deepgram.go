// Package deepgram provides a Deepgram-backed STT provider using the Deepgram
// streaming WebSocket API. It implements stt.Transcriber by streaming a full
// recording through a live session and joining the final transcripts.
//
// The streaming endpoint auto-detects containerised audio (MP3, WAV), so no
// encoding parameters are sent for recordings.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/MrWong99/affirmcall/pkg/provider/stt"
	"github.com/coder/websocket"
)

const (
	deepgramEndpoint = "wss://api.deepgram.com/v1/listen"
	defaultModel     = "nova-3"
	defaultLanguage  = "en"

	// chunkSize is the size of each binary frame sent to Deepgram.
	chunkSize = 8 << 10
)

// Compile-time interface assertion.
var _ stt.Transcriber = (*Provider)(nil)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model to use (e.g., "nova-3", "base").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the BCP-47 language code for recognition (e.g., "en", "de-DE").
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
	}
}

// WithEndpoint overrides the streaming endpoint. Used by tests.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = endpoint
	}
}

// Provider implements stt.Transcriber backed by the Deepgram streaming API.
type Provider struct {
	apiKey   string
	model    string
	language string
	endpoint string
}

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:   apiKey,
		model:    defaultModel,
		language: defaultLanguage,
		endpoint: deepgramEndpoint,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Transcribe streams rec to Deepgram, requests finalisation with a
// CloseStream message and returns the concatenated final transcripts.
func (p *Provider) Transcribe(ctx context.Context, rec stt.Recording) (string, error) {
	if len(rec.Data) == 0 {
		return "", fmt.Errorf("deepgram: %w", stt.ErrEmptyRecording)
	}
	wsURL, err := p.buildURL()
	if err != nil {
		return "", fmt.Errorf("deepgram: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return "", fmt.Errorf("deepgram: dial: %w", err)
	}
	defer conn.CloseNow()

	writeErr := make(chan error, 1)
	go func() {
		writeErr <- writeRecording(ctx, conn, rec.Data)
	}()

	var parts []string
	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				break
			}
			return "", fmt.Errorf("deepgram: read: %w", err)
		}
		if text, ok := parseFinal(msg); ok && text != "" {
			parts = append(parts, text)
		}
	}
	if err := <-writeErr; err != nil {
		return "", err
	}
	return strings.Join(parts, " "), nil
}

// buildURL constructs the Deepgram streaming endpoint URL.
func (p *Provider) buildURL() (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("model", p.model)
	q.Set("language", p.language)
	q.Set("punctuate", "true")
	q.Set("smart_format", "true")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func writeRecording(ctx context.Context, conn *websocket.Conn, data []byte) error {
	for len(data) > 0 {
		n := min(chunkSize, len(data))
		if err := conn.Write(ctx, websocket.MessageBinary, data[:n]); err != nil {
			return fmt.Errorf("deepgram: write audio: %w", err)
		}
		data = data[n:]
	}
	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"CloseStream"}`)); err != nil {
		return fmt.Errorf("deepgram: close stream: %w", err)
	}
	return nil
}

// deepgramResponse is the JSON structure returned by Deepgram for a Results event.
type deepgramResponse struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// parseFinal extracts the transcript from a final Results message. It
// returns false for interim results, metadata and malformed messages.
func parseFinal(data []byte) (string, bool) {
	var resp deepgramResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", false
	}
	if resp.Type != "Results" || !resp.IsFinal {
		return "", false
	}
	if len(resp.Channel.Alternatives) == 0 {
		return "", false
	}
	return strings.TrimSpace(resp.Channel.Alternatives[0].Transcript), true
}
