// Package conversation produces the spoken replies of a call. It keeps a
// bounded window of the conversation, frames it with a system prompt built
// from configuration and the day's affirmation, and asks an [llm.Provider]
// for the next agent turn.
//
// The provider is usually a [resilience.LLMFallback] so that replies survive
// the loss of a single model vendor.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/antzucaro/matchr"

	"github.com/MrWong99/affirmcall/internal/observe"
	"github.com/MrWong99/affirmcall/pkg/provider/llm"
	"github.com/MrWong99/affirmcall/pkg/types"
)

// ErrEmptyReply is returned when the model produced no usable text.
var ErrEmptyReply = errors.New("conversation: empty reply")

const (
	defaultHistoryTurns = 6
	defaultMaxTokens    = 160
	defaultTemperature  = 0.7

	// repeatThreshold is the similarity at which an utterance counts as a
	// repetition of the affirmation.
	repeatThreshold = 0.85
)

// DefaultSystemPrompt is used when the configuration does not set one.
const DefaultSystemPrompt = `You are a warm, encouraging voice on a short morning phone call.
The callee was just read a personal affirmation and asked to repeat it.
Reply in one to three short spoken sentences. Do not use lists, markdown or emoji.
Never give medical, legal or financial advice.`

// Config configures an Engine.
type Config struct {
	SystemPrompt string

	// HistoryTurns bounds the conversation window (K).
	HistoryTurns int

	MaxTokens   int
	Temperature float64

	// Timeout bounds a single reply. Zero means no extra bound.
	Timeout time.Duration
}

// Engine generates replies. It is safe for concurrent use; the system prompt
// can be swapped at runtime.
type Engine struct {
	llm     llm.Provider
	metrics *observe.Metrics

	mu     sync.RWMutex
	prompt string

	k           int
	maxTokens   int
	temperature float64
	timeout     time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithMetrics records reply latency on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// New returns an Engine backed by p.
func New(p llm.Provider, cfg Config, opts ...Option) (*Engine, error) {
	if p == nil {
		return nil, errors.New("conversation: llm provider is required")
	}
	e := &Engine{
		llm:         p,
		prompt:      cfg.SystemPrompt,
		k:           cfg.HistoryTurns,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		timeout:     cfg.Timeout,
	}
	if e.prompt == "" {
		e.prompt = DefaultSystemPrompt
	}
	if e.k <= 0 {
		e.k = defaultHistoryTurns
	}
	if e.maxTokens <= 0 {
		e.maxTokens = defaultMaxTokens
	}
	if e.temperature == 0 {
		e.temperature = defaultTemperature
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// SetSystemPrompt replaces the base system prompt for subsequent replies.
func (e *Engine) SetSystemPrompt(p string) {
	if p == "" {
		p = DefaultSystemPrompt
	}
	e.mu.Lock()
	e.prompt = p
	e.mu.Unlock()
}

// SystemPrompt returns the current base system prompt.
func (e *Engine) SystemPrompt() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.prompt
}

// HistoryTurns returns the window size K.
func (e *Engine) HistoryTurns() int { return e.k }

// Append adds turns to history and drops the oldest turns beyond K. The input
// slice is not modified.
func (e *Engine) Append(history []types.Turn, turns ...types.Turn) []types.Turn {
	out := make([]types.Turn, 0, len(history)+len(turns))
	out = append(out, history...)
	out = append(out, turns...)
	if len(out) > e.k {
		out = out[len(out)-e.k:]
	}
	return out
}

type replyOptions struct {
	affirmation string
}

// ReplyOption adds per-call context to a Reply.
type ReplyOption func(*replyOptions)

// WithAffirmation tells the model which affirmation the callee was asked to
// repeat. The repeat score of the utterance is included in the prompt.
func WithAffirmation(text string) ReplyOption {
	return func(o *replyOptions) { o.affirmation = text }
}

// Reply returns the agent's next turn given the conversation so far and the
// callee's latest utterance.
func (e *Engine) Reply(ctx context.Context, history []types.Turn, utterance string, opts ...ReplyOption) (string, error) {
	var ro replyOptions
	for _, o := range opts {
		o(&ro)
	}
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	req := llm.CompletionRequest{
		SystemPrompt: e.systemPrompt(ro.affirmation, utterance),
		Messages:     e.messages(history, utterance),
		Temperature:  e.temperature,
		MaxTokens:    e.maxTokens,
	}

	start := time.Now()
	resp, err := e.llm.Complete(ctx, req)
	if e.metrics != nil {
		e.metrics.LLMDuration.Record(ctx, time.Since(start).Seconds())
	}
	if err != nil {
		return "", fmt.Errorf("conversation: reply: %w", err)
	}
	reply := cleanReply(resp.Content)
	if reply == "" {
		return "", ErrEmptyReply
	}
	slog.Debug("conversation: reply generated",
		"prompt_tokens", resp.Usage.PromptTokens, "completion_tokens", resp.Usage.CompletionTokens)
	return reply, nil
}

func (e *Engine) systemPrompt(affirmation, utterance string) string {
	var sb strings.Builder
	sb.WriteString(e.SystemPrompt())
	if affirmation != "" {
		score := RepeatScore(affirmation, utterance)
		fmt.Fprintf(&sb, "\n\nToday's affirmation: %q.", affirmation)
		if Repeated(affirmation, utterance) {
			fmt.Fprintf(&sb, "\nThe callee repeated it (similarity %.2f). Acknowledge that warmly.", score)
		} else {
			fmt.Fprintf(&sb, "\nThe callee did not repeat it closely (similarity %.2f). Respond to what they said.", score)
		}
	}
	return sb.String()
}

// messages converts the last K turns plus the new utterance into chat
// messages, dropping the oldest turns while the estimate exceeds the
// model's context window.
func (e *Engine) messages(history []types.Turn, utterance string) []types.Message {
	history = e.Append(history)
	msgs := make([]types.Message, 0, len(history)+1)
	for _, t := range history {
		role := "user"
		if t.Speaker == types.SpeakerAgent {
			role = "assistant"
		}
		msgs = append(msgs, types.Message{Role: role, Content: t.Text})
	}
	msgs = append(msgs, types.Message{Role: "user", Content: utterance})

	budget := e.llm.Capabilities().ContextWindow - e.maxTokens
	if budget <= 0 {
		return msgs
	}
	for len(msgs) > 1 {
		n, err := e.llm.CountTokens(msgs)
		if err != nil || n <= budget {
			break
		}
		msgs = msgs[1:]
	}
	return msgs
}

func cleanReply(s string) string {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, `"`)
	return strings.Join(strings.Fields(s), " ")
}

// RepeatScore returns the Jaro-Winkler similarity in [0, 1] between the
// affirmation and what the callee said, ignoring case and punctuation.
func RepeatScore(affirmation, utterance string) float64 {
	a, u := normalize(affirmation), normalize(utterance)
	if a == "" || u == "" {
		return 0
	}
	return matchr.JaroWinkler(a, u, false)
}

// Repeated reports whether utterance is close enough to count as a
// repetition of affirmation.
func Repeated(affirmation, utterance string) bool {
	return RepeatScore(affirmation, utterance) >= repeatThreshold
}

func normalize(s string) string {
	s = strings.Map(func(r rune) rune {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r):
			return unicode.ToLower(r)
		case unicode.IsSpace(r):
			return ' '
		default:
			return -1
		}
	}, s)
	return strings.Join(strings.Fields(s), " ")
}
