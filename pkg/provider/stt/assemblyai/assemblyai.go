// Package assemblyai provides a job-based STT provider backed by the
// AssemblyAI v2 REST API. It implements stt.AsyncTranscriber: Submit uploads
// the recording and creates a transcript job, Poll reads the job status.
package assemblyai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/affirmcall/pkg/provider/stt"
)

const (
	defaultBaseURL  = "https://api.assemblyai.com"
	defaultLanguage = "en"

	// blockingPollInterval is used by Transcribe, which waits inline.
	blockingPollInterval = 2 * time.Second
)

// Compile-time interface assertion.
var _ stt.AsyncTranscriber = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithBaseURL overrides the API base URL.
func WithBaseURL(u string) Option {
	return func(p *Provider) {
		p.baseURL = strings.TrimRight(u, "/")
	}
}

// WithLanguage sets the language_code sent with each job.
func WithLanguage(lang string) Option {
	return func(p *Provider) {
		p.language = lang
	}
}

// WithTimeout sets the per-request HTTP timeout. Defaults to 30 s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.httpClient.Timeout = d
	}
}

// Provider implements stt.AsyncTranscriber against AssemblyAI.
type Provider struct {
	apiKey     string
	baseURL    string
	language   string
	httpClient *http.Client
}

// New creates a Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("assemblyai: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		language:   defaultLanguage,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

type uploadResponse struct {
	UploadURL string `json:"upload_url"`
}

type transcriptRequest struct {
	AudioURL     string `json:"audio_url"`
	LanguageCode string `json:"language_code,omitempty"`
}

type transcriptResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Text   string `json:"text"`
	Error  string `json:"error"`
}

// Submit uploads rec and creates a transcript job.
func (p *Provider) Submit(ctx context.Context, rec stt.Recording) (string, error) {
	if len(rec.Data) == 0 {
		return "", fmt.Errorf("assemblyai: %w", stt.ErrEmptyRecording)
	}

	var up uploadResponse
	if err := p.do(ctx, http.MethodPost, "/v2/upload", "application/octet-stream", bytes.NewReader(rec.Data), &up); err != nil {
		return "", fmt.Errorf("assemblyai: upload: %w", err)
	}
	if up.UploadURL == "" {
		return "", errors.New("assemblyai: upload: empty upload_url")
	}

	body, _ := json.Marshal(transcriptRequest{AudioURL: up.UploadURL, LanguageCode: p.language})
	var tr transcriptResponse
	if err := p.do(ctx, http.MethodPost, "/v2/transcript", "application/json", bytes.NewReader(body), &tr); err != nil {
		return "", fmt.Errorf("assemblyai: create transcript: %w", err)
	}
	if tr.ID == "" {
		return "", errors.New("assemblyai: create transcript: empty id")
	}
	return tr.ID, nil
}

// Poll fetches the status of a transcript job.
func (p *Provider) Poll(ctx context.Context, providerJobID string) (stt.PollResult, error) {
	var tr transcriptResponse
	if err := p.do(ctx, http.MethodGet, "/v2/transcript/"+providerJobID, "", nil, &tr); err != nil {
		return stt.PollResult{}, fmt.Errorf("assemblyai: poll %s: %w", providerJobID, err)
	}
	return toPollResult(tr), nil
}

// Transcribe submits rec and polls until the job is terminal or ctx is done.
func (p *Provider) Transcribe(ctx context.Context, rec stt.Recording) (string, error) {
	id, err := p.Submit(ctx, rec)
	if err != nil {
		return "", err
	}
	ticker := time.NewTicker(blockingPollInterval)
	defer ticker.Stop()
	for {
		res, err := p.Poll(ctx, id)
		if err != nil {
			return "", err
		}
		switch res.Status {
		case stt.JobCompleted:
			return res.Text, nil
		case stt.JobFailed:
			return "", fmt.Errorf("assemblyai: job %s failed: %s", id, res.Error)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

func toPollResult(tr transcriptResponse) stt.PollResult {
	switch tr.Status {
	case "completed":
		return stt.PollResult{Status: stt.JobCompleted, Text: strings.TrimSpace(tr.Text)}
	case "error":
		return stt.PollResult{Status: stt.JobFailed, Error: tr.Error}
	case "processing":
		return stt.PollResult{Status: stt.JobProcessing}
	default:
		return stt.PollResult{Status: stt.JobQueued}
	}
}

func (p *Provider) do(ctx context.Context, method, path, contentType string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", p.apiKey)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
