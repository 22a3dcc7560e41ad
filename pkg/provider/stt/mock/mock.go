// Package mock provides test doubles for the stt package interfaces.
//
// Use Provider for inline backends and AsyncProvider for job-based ones. Both
// record every recording they receive so tests can assert on re-submissions.
//
// Example:
//
//	p := &mock.Provider{Results: []mock.Result{{Err: errBoom}, {Text: "hello"}}}
//	text, err := p.Transcribe(ctx, rec) // errBoom, then "hello" on the next call
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/affirmcall/pkg/provider/stt"
)

// Result is one scripted response.
type Result struct {
	Text string
	Err  error
}

// Provider is a mock implementation of stt.Transcriber.
type Provider struct {
	mu sync.Mutex

	// Results are consumed in order, one per Transcribe call. When exhausted
	// the last element is repeated. When empty, Text/Err are used.
	Results []Result

	// Text is returned when Results is empty.
	Text string

	// Err is returned when Results is empty.
	Err error

	// Delay blocks each call (or until ctx is done).
	Delay time.Duration

	// Recordings records every recording passed to Transcribe.
	Recordings []stt.Recording
}

// Compile-time interface assertion.
var _ stt.Transcriber = (*Provider)(nil)

// Transcribe records the call and returns the next scripted result.
func (p *Provider) Transcribe(ctx context.Context, rec stt.Recording) (string, error) {
	p.mu.Lock()
	n := len(p.Recordings)
	p.Recordings = append(p.Recordings, rec)
	res := Result{Text: p.Text, Err: p.Err}
	if len(p.Results) > 0 {
		res = p.Results[min(n, len(p.Results)-1)]
	}
	delay := p.Delay
	p.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return res.Text, res.Err
}

// CallCount returns how many times Transcribe was invoked.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Recordings)
}

// AsyncProvider is a mock implementation of stt.AsyncTranscriber. Jobs move
// to the status configured in Status on every Poll.
type AsyncProvider struct {
	mu sync.Mutex

	// SubmitErr, if non-nil, is returned from Submit.
	SubmitErr error

	// Status is the result returned by Poll for every job. The zero value
	// reports stt.JobProcessing.
	Status stt.PollResult

	// PollErr, if non-nil, is returned from Poll.
	PollErr error

	// Submitted records every recording passed to Submit.
	Submitted []stt.Recording

	// Polls counts Poll invocations per provider job id.
	Polls map[string]int
}

// Compile-time interface assertion.
var _ stt.AsyncTranscriber = (*AsyncProvider)(nil)

// Submit records rec and returns a sequential job id.
func (p *AsyncProvider) Submit(_ context.Context, rec stt.Recording) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.SubmitErr != nil {
		return "", p.SubmitErr
	}
	p.Submitted = append(p.Submitted, rec)
	return fmt.Sprintf("provider-job-%d", len(p.Submitted)), nil
}

// Poll returns the configured status.
func (p *AsyncProvider) Poll(_ context.Context, providerJobID string) (stt.PollResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Polls == nil {
		p.Polls = make(map[string]int)
	}
	p.Polls[providerJobID]++
	if p.PollErr != nil {
		return stt.PollResult{}, p.PollErr
	}
	if p.Status.Status == "" {
		return stt.PollResult{Status: stt.JobProcessing}, nil
	}
	return p.Status, nil
}

// Transcribe is not used by job-aware callers; it reports the configured
// status synchronously.
func (p *AsyncProvider) Transcribe(ctx context.Context, rec stt.Recording) (string, error) {
	id, err := p.Submit(ctx, rec)
	if err != nil {
		return "", err
	}
	res, err := p.Poll(ctx, id)
	if err != nil {
		return "", err
	}
	if res.Status != stt.JobCompleted {
		return "", fmt.Errorf("mock: job %s is %s", id, res.Status)
	}
	return res.Text, nil
}

// SetStatus replaces the status returned by Poll.
func (p *AsyncProvider) SetStatus(res stt.PollResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Status = res
}

// SubmitCount returns how many recordings were submitted.
func (p *AsyncProvider) SubmitCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Submitted)
}
