// Package telnyx provides a telephony.Provider backed by the Telnyx Call
// Control v2 REST API.
//
// Client state tokens are base64-encoded before they are sent, which is the
// form Telnyx requires and echoes back in webhook payloads.
package telnyx

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/MrWong99/affirmcall/pkg/provider/stt"
	"github.com/MrWong99/affirmcall/pkg/provider/telephony"
)

const (
	defaultBaseURL = "https://api.telnyx.com/v2"

	// maxRecordingBytes bounds recording downloads.
	maxRecordingBytes = 32 << 20
)

// Compile-time interface assertion.
var _ telephony.Provider = (*Provider)(nil)

// Config configures the Telnyx provider.
type Config struct {
	APIKey       string
	ConnectionID string
	FromNumber   string

	// WebhookURL overrides the connection's default webhook for dialled calls.
	WebhookURL string

	// MaxRecordingSecs caps each recording. Zero uses 30 s.
	MaxRecordingSecs int

	// SilenceTimeoutSecs stops a recording after this much silence. Zero uses 3 s.
	SilenceTimeoutSecs int
}

// Option is a functional option for Provider.
type Option func(*Provider)

// WithBaseURL overrides the API base URL.
func WithBaseURL(u string) Option {
	return func(p *Provider) {
		p.baseURL = strings.TrimRight(u, "/")
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// WithMaxTries sets how often a command is attempted on transient failures.
func WithMaxTries(n uint) Option {
	return func(p *Provider) {
		p.maxTries = n
	}
}

// Provider implements telephony.Provider for Telnyx.
type Provider struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client
	maxTries   uint
}

// New creates a Telnyx provider. APIKey, ConnectionID and FromNumber are required.
func New(cfg Config, opts ...Option) (*Provider, error) {
	var errs []error
	if cfg.APIKey == "" {
		errs = append(errs, errors.New("api key is required"))
	}
	if cfg.ConnectionID == "" {
		errs = append(errs, errors.New("connection id is required"))
	}
	if cfg.FromNumber == "" {
		errs = append(errs, errors.New("from number is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("telnyx: %w", err)
	}
	if cfg.MaxRecordingSecs <= 0 {
		cfg.MaxRecordingSecs = 30
	}
	if cfg.SilenceTimeoutSecs <= 0 {
		cfg.SilenceTimeoutSecs = 3
	}

	p := &Provider{
		cfg:        cfg,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		maxTries:   3,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// EncodeClientState returns the wire form of a client state token.
func EncodeClientState(token string) string {
	return base64.StdEncoding.EncodeToString([]byte(token))
}

type dialRequest struct {
	ConnectionID string `json:"connection_id"`
	To           string `json:"to"`
	From         string `json:"from"`
	ClientState  string `json:"client_state,omitempty"`
	WebhookURL   string `json:"webhook_url,omitempty"`
}

type dialResponse struct {
	Data struct {
		CallControlID string `json:"call_control_id"`
	} `json:"data"`
}

// Dial implements telephony.Provider.
func (p *Provider) Dial(ctx context.Context, to, clientState string) (string, error) {
	req := dialRequest{
		ConnectionID: p.cfg.ConnectionID,
		To:           to,
		From:         p.cfg.FromNumber,
		ClientState:  EncodeClientState(clientState),
		WebhookURL:   p.cfg.WebhookURL,
	}
	var resp dialResponse
	if err := p.command(ctx, "/calls", req, &resp); err != nil {
		return "", fmt.Errorf("telnyx: dial: %w", err)
	}
	if resp.Data.CallControlID == "" {
		return "", errors.New("telnyx: dial: empty call_control_id")
	}
	return resp.Data.CallControlID, nil
}

// PlayAudio implements telephony.Provider.
func (p *Provider) PlayAudio(ctx context.Context, callID, audioURL, clientState string) error {
	body := map[string]any{
		"audio_url":    audioURL,
		"client_state": EncodeClientState(clientState),
	}
	if err := p.command(ctx, actionPath(callID, "playback_start"), body, nil); err != nil {
		return fmt.Errorf("telnyx: playback_start %s: %w", callID, err)
	}
	return nil
}

// StartRecording implements telephony.Provider.
func (p *Provider) StartRecording(ctx context.Context, callID, clientState string) error {
	body := map[string]any{
		"format":       "mp3",
		"channels":     "single",
		"play_beep":    true,
		"max_length":   p.cfg.MaxRecordingSecs,
		"timeout_secs": p.cfg.SilenceTimeoutSecs,
		"client_state": EncodeClientState(clientState),
	}
	if err := p.command(ctx, actionPath(callID, "record_start"), body, nil); err != nil {
		return fmt.Errorf("telnyx: record_start %s: %w", callID, err)
	}
	return nil
}

// Hangup implements telephony.Provider.
func (p *Provider) Hangup(ctx context.Context, callID, clientState string) error {
	body := map[string]any{"client_state": EncodeClientState(clientState)}
	if err := p.command(ctx, actionPath(callID, "hangup"), body, nil); err != nil {
		return fmt.Errorf("telnyx: hangup %s: %w", callID, err)
	}
	return nil
}

// FetchRecording implements telephony.Provider. Recording URLs are pre-signed
// and fetched without the API key.
func (p *Provider) FetchRecording(ctx context.Context, recordingURL string) (stt.Recording, error) {
	if recordingURL == "" {
		return stt.Recording{}, fmt.Errorf("telnyx: fetch recording: %w", stt.ErrEmptyRecording)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, recordingURL, nil)
	if err != nil {
		return stt.Recording{}, fmt.Errorf("telnyx: fetch recording: %w", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return stt.Recording{}, fmt.Errorf("telnyx: fetch recording: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return stt.Recording{}, fmt.Errorf("telnyx: fetch recording: unexpected status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxRecordingBytes))
	if err != nil {
		return stt.Recording{}, fmt.Errorf("telnyx: fetch recording: %w", err)
	}
	if len(data) == 0 {
		return stt.Recording{}, fmt.Errorf("telnyx: fetch recording: %w", stt.ErrEmptyRecording)
	}
	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		ct = "audio/mpeg"
	}
	return stt.Recording{Data: data, ContentType: ct}, nil
}

// Ping implements telephony.Provider by reading the account balance.
func (p *Provider) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/balance", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("telnyx: ping: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telnyx: ping: unexpected status %d", resp.StatusCode)
	}
	return nil
}

func actionPath(callID, action string) string {
	return "/calls/" + callID + "/actions/" + action
}

// statusError is a non-2xx API response.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.code, e.body)
}

// command POSTs body to path and decodes the response into out when non-nil.
// Network errors, 429 and 5xx responses are retried with exponential backoff;
// other 4xx responses are permanent. A 404/422 for a call action means the
// call is gone.
func (p *Provider) command(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	op := func() (struct{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
		req.Header.Set("Content-Type", "application/json")

		resp, err := p.httpClient.Do(req)
		if err != nil {
			return struct{}{}, err
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			serr := &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(msg))}
			switch {
			case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
				return struct{}{}, serr
			case strings.Contains(path, "/actions/") &&
				(resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusUnprocessableEntity):
				return struct{}{}, backoff.Permanent(fmt.Errorf("%w: %w", telephony.ErrCallGone, serr))
			default:
				return struct{}{}, backoff.Permanent(serr)
			}
		}
		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return struct{}{}, backoff.Permanent(fmt.Errorf("decode response: %w", err))
			}
		}
		return struct{}{}, nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	_, err = backoff.Retry(ctx, op, backoff.WithBackOff(bo), backoff.WithMaxTries(p.maxTries))
	return err
}
