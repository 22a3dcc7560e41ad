// Package callflow is the call state machine. It reacts to telephony webhooks
// and transcription completions, drives the outbound side effects of each
// step (speech, playback, recording, hangup) and persists every transition
// through a compare-and-swap [Store].
//
// Each outbound command carries a fresh opaque token. A webhook may only
// advance a session if it echoes the session's current token, which makes
// duplicate and out-of-order deliveries harmless. A worker that accepts an
// event first swaps the session into the next state with a new token and
// only then performs side effects, so at most one worker acts per event.
// Hangups are the exception: they need no token and always win.
package callflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/affirmcall/internal/conversation"
	"github.com/MrWong99/affirmcall/internal/events"
	"github.com/MrWong99/affirmcall/internal/observe"
	"github.com/MrWong99/affirmcall/internal/ttsorch"
	"github.com/MrWong99/affirmcall/pkg/provider/stt"
	"github.com/MrWong99/affirmcall/pkg/provider/telephony"
	"github.com/MrWong99/affirmcall/pkg/types"
)

var (
	ErrInvalidPhoneNumber = errors.New("callflow: phone number must be in E.164 format")
	ErrMissingAffirmation = errors.New("callflow: affirmation text is required")

	// ErrNotFound is returned for unknown call ids.
	ErrNotFound = errors.New("callflow: session not found")

	// ErrExists is returned by Store.Create for a duplicate call id.
	ErrExists = errors.New("callflow: session already exists")

	// ErrConflict is returned by Store.CompareAndSwap when the session was
	// modified since it was read.
	ErrConflict = errors.New("callflow: session version conflict")

	// ErrBusy is returned for an event that carries the current token while
	// another worker is still performing the side effects of the previous
	// transition. The event should be retried.
	ErrBusy = errors.New("callflow: session busy")
)

var e164 = regexp.MustCompile(`^\+[1-9]\d{7,14}$`)

// Outcome describes what happened to an event.
type Outcome string

const (
	// OutcomeApplied means the event advanced the session.
	OutcomeApplied Outcome = "applied"

	// OutcomeStale means the event carried an old token or lost a race and
	// was discarded.
	OutcomeStale Outcome = "stale"

	// OutcomeIgnored means the event does not apply: unknown call, terminal
	// session, or an event type with no transition in the current state.
	OutcomeIgnored Outcome = "ignored"
)

// EventType is a normalised telephony webhook event type.
type EventType string

const (
	EventAnswered       EventType = "call.answered"
	EventPlaybackEnded  EventType = "call.playback.ended"
	EventRecordingSaved EventType = "call.recording.saved"
	EventHangup         EventType = "call.hangup"
)

// WebhookEvent is a provider webhook after parsing.
type WebhookEvent struct {
	Type         EventType
	CallID       string
	Token        string
	RecordingURL string
	ReceivedAt   time.Time
}

// Phase tags attached to transcription jobs.
const (
	PhaseRepeat       = "repeat"
	PhaseContinuation = "continuation"
)

// Speech renders text to audio.
type Speech interface {
	Generate(ctx context.Context, text string, voice types.VoiceProfile) (ttsorch.Result, error)
}

// Publisher makes audio fetchable by the telephony provider.
type Publisher interface {
	Publish(ctx context.Context, key string, audio []byte, contentType string) (string, error)
}

// Transcriber accepts recordings for background transcription.
type Transcriber interface {
	Submit(ctx context.Context, rec stt.Recording, phaseTag, callID, token string) (string, error)
	Orphan(ctx context.Context, callID string) error
}

// Conversation produces replies and maintains the bounded history.
type Conversation interface {
	Reply(ctx context.Context, history []types.Turn, utterance string, opts ...conversation.ReplyOption) (string, error)
	Append(history []types.Turn, turns ...types.Turn) []types.Turn
}

// Config holds the spoken phrases and limits of a call.
type Config struct {
	Greeting        string
	RepeatPrompt    string
	Acknowledgement string
	Farewell        string

	// MaxTurns is the number of reply turns before the farewell.
	MaxTurns int

	// FallbackClipURL is played when speech cannot be produced. Empty means
	// hang up immediately instead.
	FallbackClipURL string

	Voice types.VoiceProfile

	// CommandTimeout bounds each outbound telephony command.
	CommandTimeout time.Duration

	// StallTimeout is how long a session may stay in a transient state
	// before [Machine.ReconcileStalled] takes it over.
	StallTimeout time.Duration

	// TranscriptionStallTimeout is how long a session may wait in
	// transcribing for its completion event. It should exceed the job
	// deadline.
	TranscriptionStallTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.Greeting == "" {
		c.Greeting = "Good morning! Here is your affirmation for today."
	}
	if c.RepeatPrompt == "" {
		c.RepeatPrompt = "Please repeat it after me."
	}
	if c.Acknowledgement == "" {
		c.Acknowledgement = "Thank you for sharing that with me."
	}
	if c.Farewell == "" {
		c.Farewell = "Have a wonderful day. Goodbye!"
	}
	if c.MaxTurns <= 0 {
		c.MaxTurns = 3
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = 10 * time.Second
	}
	if c.StallTimeout <= 0 {
		c.StallTimeout = DefaultStallTimeout
	}
	if c.TranscriptionStallTimeout <= 0 {
		c.TranscriptionStallTimeout = 5 * time.Minute
	}
}

// DefaultStallTimeout is the [Config.StallTimeout] used when none is set.
const DefaultStallTimeout = 2 * time.Minute

// stalledEvent names reconciliation transitions in the session trail.
const stalledEvent = "reconcile.stalled"

// Deps are the collaborators of a Machine.
type Deps struct {
	Store        Store
	Telephony    telephony.Provider
	Speech       Speech
	Media        Publisher
	Jobs         Transcriber
	Conversation Conversation
}

func (d Deps) validate() error {
	var errs []error
	if d.Store == nil {
		errs = append(errs, errors.New("store is required"))
	}
	if d.Telephony == nil {
		errs = append(errs, errors.New("telephony provider is required"))
	}
	if d.Speech == nil {
		errs = append(errs, errors.New("speech is required"))
	}
	if d.Media == nil {
		errs = append(errs, errors.New("media publisher is required"))
	}
	if d.Jobs == nil {
		errs = append(errs, errors.New("transcriber is required"))
	}
	if d.Conversation == nil {
		errs = append(errs, errors.New("conversation is required"))
	}
	return errors.Join(errs...)
}

// Machine applies events to call sessions.
type Machine struct {
	cfg    Config
	store  Store
	tel    telephony.Provider
	speech Speech
	media  Publisher
	jobs   Transcriber
	conv   Conversation

	metrics  *observe.Metrics
	newToken func() string
	now      func() time.Time
}

// Option configures a Machine.
type Option func(*Machine)

// WithMetrics records transitions and active calls on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(mc *Machine) { mc.metrics = m }
}

// WithTokenSource overrides token generation, for tests.
func WithTokenSource(f func() string) Option {
	return func(mc *Machine) { mc.newToken = f }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(mc *Machine) { mc.now = now }
}

// New returns a Machine.
func New(deps Deps, cfg Config, opts ...Option) (*Machine, error) {
	if err := deps.validate(); err != nil {
		return nil, fmt.Errorf("callflow: %w", err)
	}
	cfg.applyDefaults()
	m := &Machine{
		cfg:      cfg,
		store:    deps.Store,
		tel:      deps.Telephony,
		speech:   deps.Speech,
		media:    deps.Media,
		jobs:     deps.Jobs,
		conv:     deps.Conversation,
		newToken: uuid.NewString,
		now:      time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m, nil
}

// CreateCall validates the request, dials the callee and persists the new
// session in [StateDialing].
func (m *Machine) CreateCall(ctx context.Context, phoneNumber, affirmationText string) (*Session, error) {
	phoneNumber = strings.TrimSpace(phoneNumber)
	affirmationText = strings.TrimSpace(affirmationText)
	var errs []error
	if !e164.MatchString(phoneNumber) {
		errs = append(errs, ErrInvalidPhoneNumber)
	}
	if affirmationText == "" {
		errs = append(errs, ErrMissingAffirmation)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	token := m.newToken()
	cctx, cancel := context.WithTimeout(ctx, m.cfg.CommandTimeout)
	callID, err := m.tel.Dial(cctx, phoneNumber, token)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("callflow: dial: %w", err)
	}

	now := m.now()
	s := &Session{
		CallID:             callID,
		CalleeNumber:       phoneNumber,
		AffirmationText:    affirmationText,
		State:              StateDialing,
		PendingActionToken: token,
		History:            []types.Turn{},
		Trail:              []Transition{{To: StateDialing, Event: "create", At: now}},
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := m.store.Create(ctx, s); err != nil {
		m.hangupCall(ctx, callID)
		return nil, fmt.Errorf("callflow: create session: %w", err)
	}
	m.recordTransition(ctx, "", StateDialing)
	slog.Info("callflow: call created", "call_id", callID)
	return s, nil
}

// Session returns the current state of a call.
func (m *Machine) Session(ctx context.Context, callID string) (*Session, error) {
	s, err := m.store.Get(ctx, callID)
	if err != nil {
		return nil, fmt.Errorf("callflow: session %s: %w", callID, err)
	}
	return s, nil
}

// HandleWebhook applies a telephony event. [ErrBusy] means the event should
// be retried later.
func (m *Machine) HandleWebhook(ctx context.Context, ev WebhookEvent) (Outcome, error) {
	s, err := m.store.Get(ctx, ev.CallID)
	if errors.Is(err, ErrNotFound) {
		// The answer can race the session insert that follows Dial.
		if ev.Type == EventAnswered {
			return OutcomeIgnored, fmt.Errorf("%w: session %s not stored yet", ErrBusy, ev.CallID)
		}
		slog.Debug("callflow: event for unknown call", "call_id", ev.CallID, "event", ev.Type)
		return OutcomeIgnored, nil
	}
	if err != nil {
		return "", fmt.Errorf("callflow: load %s: %w", ev.CallID, err)
	}

	if ev.Type == EventHangup {
		return m.hangup(ctx, s)
	}
	if s.State == StateEnded {
		return OutcomeIgnored, nil
	}
	if s.PendingActionToken == "" || ev.Token != s.PendingActionToken {
		slog.Debug("callflow: stale event discarded",
			"call_id", s.CallID, "event", ev.Type, "state", s.State)
		return OutcomeStale, nil
	}
	if s.State == StateFailed {
		if ev.Type == EventPlaybackEnded {
			return m.finishFailed(ctx, s)
		}
		return OutcomeIgnored, nil
	}
	if s.State.Transient() {
		return "", fmt.Errorf("%w: %s is %s", ErrBusy, s.CallID, s.State)
	}

	name := string(ev.Type)
	switch {
	case s.State == StateDialing && ev.Type == EventAnswered:
		return m.greet(ctx, s, name)
	case s.State == StatePlayingAffirmation && ev.Type == EventPlaybackEnded:
		return m.listen(ctx, s, StateAwaitingRepeat, name)
	case (s.State == StateAwaitingRepeat || s.State == StateAwaitingContinuation) && ev.Type == EventRecordingSaved:
		return m.transcribe(ctx, s, ev.RecordingURL, name)
	case s.State == StatePlayingReply && ev.Type == EventPlaybackEnded:
		return m.replyPlayed(ctx, s, name)
	}
	slog.Debug("callflow: event has no transition", "call_id", s.CallID, "event", ev.Type, "state", s.State)
	return OutcomeIgnored, nil
}

// HandleTranscription applies a transcription completion.
func (m *Machine) HandleTranscription(ctx context.Context, ev events.TranscriptionEvent) (Outcome, error) {
	s, err := m.store.Get(ctx, ev.CallID)
	if errors.Is(err, ErrNotFound) {
		return OutcomeIgnored, nil
	}
	if err != nil {
		return "", fmt.Errorf("callflow: load %s: %w", ev.CallID, err)
	}
	if s.State.Terminal() {
		slog.Info("callflow: late transcription discarded",
			"call_id", s.CallID, "job_id", ev.JobID, "state", s.State)
		return OutcomeIgnored, nil
	}
	if ev.Token != s.PendingActionToken {
		slog.Debug("callflow: stale transcription discarded", "call_id", s.CallID, "job_id", ev.JobID)
		return OutcomeStale, nil
	}
	if s.State == StateRecording {
		return "", fmt.Errorf("%w: %s is %s", ErrBusy, s.CallID, s.State)
	}
	if s.State != StateTranscribing || (s.PendingJobID != "" && s.PendingJobID != ev.JobID) {
		slog.Debug("callflow: transcription does not match session",
			"call_id", s.CallID, "job_id", ev.JobID, "pending_job_id", s.PendingJobID, "state", s.State)
		return OutcomeStale, nil
	}

	name := "transcription." + string(ev.Status)
	c, err := m.claim(ctx, s, StateGeneratingReply, name, nil)
	if err != nil {
		return m.lostClaim(err)
	}
	utterance := ""
	if ev.Status == events.StatusCompleted {
		utterance = strings.TrimSpace(ev.Text)
	} else {
		c.countRetry("transcription_" + string(ev.Status))
		slog.Info("callflow: transcription unavailable, acknowledging",
			"call_id", c.CallID, "job_id", ev.JobID, "status", ev.Status, "err", ev.Error)
	}
	return m.respond(ctx, c, utterance, name)
}

// ReconcileStalled advances sessions that stopped receiving events: a worker
// died while holding a transient state, or a transcription completion was
// lost. A stalled greeting is played again; every other stalled session
// continues with the acknowledgement. Sessions are taken over with the usual
// compare-and-swap claim, so concurrent reconcilers and slow workers cannot
// both act. It returns the number of sessions advanced.
func (m *Machine) ReconcileStalled(ctx context.Context) (int, error) {
	now := m.now()
	held, err := m.store.ListStalled(ctx,
		[]State{StateGreeting, StateRecording, StateGeneratingReply}, now.Add(-m.cfg.StallTimeout))
	if err != nil {
		return 0, fmt.Errorf("callflow: list stalled sessions: %w", err)
	}
	waiting, err := m.store.ListStalled(ctx,
		[]State{StateTranscribing}, now.Add(-m.cfg.TranscriptionStallTimeout))
	if err != nil {
		return 0, fmt.Errorf("callflow: list stalled sessions: %w", err)
	}

	var (
		n    int
		errs []error
	)
	for _, s := range append(held, waiting...) {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		out, err := m.reconcile(ctx, s)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.CallID, err))
			continue
		}
		if out == OutcomeApplied {
			n++
		}
	}
	return n, errors.Join(errs...)
}

func (m *Machine) reconcile(ctx context.Context, s *Session) (Outcome, error) {
	slog.Warn("callflow: reconciling stalled session",
		"call_id", s.CallID, "state", s.State, "idle", m.now().Sub(s.UpdatedAt))
	if s.State == StateGreeting {
		return m.greet(ctx, s, stalledEvent)
	}
	from := s.State
	c, err := m.claim(ctx, s, StateGeneratingReply, stalledEvent, func(n *Session) {
		n.countRetry("stalled_" + string(from))
		n.PendingJobID = ""
	})
	if err != nil {
		return m.lostClaim(err)
	}
	if err := m.jobs.Orphan(ctx, c.CallID); err != nil {
		slog.Warn("callflow: orphaning jobs failed", "call_id", c.CallID, "err", err)
	}
	return m.respond(ctx, c, "", stalledEvent)
}

// greet plays the greeting and the affirmation.
func (m *Machine) greet(ctx context.Context, s *Session, event string) (Outcome, error) {
	c, err := m.claim(ctx, s, StateGreeting, event, nil)
	if err != nil {
		return m.lostClaim(err)
	}
	text := m.greetingText(c.AffirmationText)
	url, err := m.speak(ctx, text)
	if err != nil {
		return m.failWith(ctx, c, "greeting: "+err.Error(), event)
	}
	if err := m.play(ctx, c, url); err != nil {
		return m.commandFailed(ctx, c, "play greeting", err, event)
	}
	return m.commit(ctx, c, StatePlayingAffirmation, event, func(n *Session) {
		n.History = m.conv.Append(n.History, types.Turn{Speaker: types.SpeakerAgent, Text: text})
	})
}

// listen starts a recording. The claimed state is also the resting state.
func (m *Machine) listen(ctx context.Context, s *Session, to State, event string) (Outcome, error) {
	c, err := m.claim(ctx, s, to, event, nil)
	if err != nil {
		return m.lostClaim(err)
	}
	cctx, cancel := context.WithTimeout(ctx, m.cfg.CommandTimeout)
	defer cancel()
	if err := m.tel.StartRecording(cctx, c.CallID, c.PendingActionToken); err != nil {
		return m.commandFailed(ctx, c, "start recording", err, event)
	}
	return OutcomeApplied, nil
}

// transcribe fetches the saved recording and hands it to the job manager.
// When either step fails the call continues with the acknowledgement.
func (m *Machine) transcribe(ctx context.Context, s *Session, recordingURL, event string) (Outcome, error) {
	phase := PhaseRepeat
	if s.State == StateAwaitingContinuation {
		phase = PhaseContinuation
	}
	c, err := m.claim(ctx, s, StateRecording, event, nil)
	if err != nil {
		return m.lostClaim(err)
	}

	if recordingURL == "" {
		c.countRetry("recording_fetch")
		slog.Warn("callflow: recording event without url", "call_id", c.CallID)
		return m.respond(ctx, c, "", event)
	}
	cctx, cancel := context.WithTimeout(ctx, m.cfg.CommandTimeout)
	rec, err := m.tel.FetchRecording(cctx, recordingURL)
	cancel()
	if err != nil {
		c.countRetry("recording_fetch")
		slog.Warn("callflow: fetching recording failed", "call_id", c.CallID, "err", err)
		return m.respond(ctx, c, "", event)
	}

	jobID, err := m.jobs.Submit(ctx, rec, phase, c.CallID, c.PendingActionToken)
	if err != nil {
		c.countRetry("transcription_submit")
		slog.Warn("callflow: submitting transcription failed", "call_id", c.CallID, "err", err)
		return m.respond(ctx, c, "", event)
	}
	return m.commit(ctx, c, StateTranscribing, event, func(n *Session) {
		n.PendingJobID = jobID
	})
}

// respond speaks the next agent turn. An empty utterance, or a failed reply,
// produces the generic acknowledgement.
func (m *Machine) respond(ctx context.Context, c *Session, utterance, event string) (Outcome, error) {
	history := c.History
	text := m.cfg.Acknowledgement
	if utterance != "" {
		history = m.conv.Append(history, types.Turn{Speaker: types.SpeakerCallee, Text: utterance})
		reply, err := m.conv.Reply(ctx, c.History, utterance, conversation.WithAffirmation(c.AffirmationText))
		if err != nil {
			c.countRetry("reply")
			slog.Warn("callflow: reply generation failed, acknowledging", "call_id", c.CallID, "err", err)
		} else {
			text = reply
		}
	}

	url, err := m.speak(ctx, text)
	if err != nil {
		return m.failWith(ctx, c, "reply: "+err.Error(), event)
	}
	if err := m.play(ctx, c, url); err != nil {
		return m.commandFailed(ctx, c, "play reply", err, event)
	}
	return m.commit(ctx, c, StatePlayingReply, event, func(n *Session) {
		n.History = m.conv.Append(history, types.Turn{Speaker: types.SpeakerAgent, Text: text})
		n.Turns++
		n.PendingJobID = ""
	})
}

// replyPlayed decides between another round, the farewell, and hanging up
// after the farewell.
func (m *Machine) replyPlayed(ctx context.Context, s *Session, event string) (Outcome, error) {
	if s.Closing {
		return m.end(ctx, s, event)
	}
	if s.Turns < m.cfg.MaxTurns {
		return m.listen(ctx, s, StateAwaitingContinuation, event)
	}

	c, err := m.claim(ctx, s, StatePlayingReply, event, func(n *Session) {
		n.Closing = true
		n.History = m.conv.Append(n.History, types.Turn{Speaker: types.SpeakerAgent, Text: m.cfg.Farewell})
	})
	if err != nil {
		return m.lostClaim(err)
	}
	url, err := m.speak(ctx, m.cfg.Farewell)
	if err != nil {
		return m.failWith(ctx, c, "farewell: "+err.Error(), event)
	}
	if err := m.play(ctx, c, url); err != nil {
		return m.commandFailed(ctx, c, "play farewell", err, event)
	}
	return OutcomeApplied, nil
}

// end moves the session to ended and hangs up.
func (m *Machine) end(ctx context.Context, s *Session, event string) (Outcome, error) {
	n := s.Clone()
	n.move(StateEnded, event, m.now())
	n.PendingActionToken = ""
	if err := m.store.CompareAndSwap(ctx, n, s.Version); err != nil {
		return m.lostClaim(err)
	}
	m.recordTransition(ctx, s.State, StateEnded)
	m.hangupCall(ctx, s.CallID)
	slog.Info("callflow: call completed", "call_id", s.CallID, "turns", s.Turns)
	return OutcomeApplied, nil
}

// finishFailed hangs up once the fallback clip has played.
func (m *Machine) finishFailed(ctx context.Context, s *Session) (Outcome, error) {
	n := s.Clone()
	n.PendingActionToken = ""
	n.UpdatedAt = m.now()
	if err := m.store.CompareAndSwap(ctx, n, s.Version); err != nil {
		return m.lostClaim(err)
	}
	m.hangupCall(ctx, s.CallID)
	return OutcomeApplied, nil
}

// hangup ends the session regardless of token or in-flight work. In-flight
// workers lose their final compare-and-swap and discard their results.
func (m *Machine) hangup(ctx context.Context, s *Session) (Outcome, error) {
	const maxAttempts = 5
	callID := s.CallID
	for attempt := 1; ; attempt++ {
		if s.State.Terminal() {
			return OutcomeIgnored, nil
		}
		n := s.Clone()
		n.move(StateEnded, string(EventHangup), m.now())
		n.PendingActionToken = ""
		n.PendingJobID = ""
		err := m.store.CompareAndSwap(ctx, n, s.Version)
		if err == nil {
			break
		}
		if !errors.Is(err, ErrConflict) || attempt == maxAttempts {
			return "", fmt.Errorf("callflow: hangup %s: %w", callID, err)
		}
		if s, err = m.store.Get(ctx, callID); err != nil {
			return "", fmt.Errorf("callflow: hangup %s: %w", callID, err)
		}
	}
	m.recordTransition(ctx, s.State, StateEnded)
	if err := m.jobs.Orphan(ctx, s.CallID); err != nil {
		slog.Warn("callflow: orphaning jobs failed", "call_id", s.CallID, "err", err)
	}
	slog.Info("callflow: callee hung up", "call_id", s.CallID, "state", s.State)
	return OutcomeApplied, nil
}

// claim moves s to state with a fresh token. Only the worker whose swap
// succeeds may perform the side effects of the transition.
func (m *Machine) claim(ctx context.Context, s *Session, to State, event string, mutate func(*Session)) (*Session, error) {
	c := s.Clone()
	c.move(to, event, m.now())
	c.PendingActionToken = m.newToken()
	if mutate != nil {
		mutate(c)
	}
	if err := m.store.CompareAndSwap(ctx, c, s.Version); err != nil {
		return nil, err
	}
	m.recordTransition(ctx, s.State, to)
	return c, nil
}

func (m *Machine) lostClaim(err error) (Outcome, error) {
	if errors.Is(err, ErrConflict) {
		return OutcomeStale, nil
	}
	return "", fmt.Errorf("callflow: %w", err)
}

// commit persists the result of a claimed transition. A conflict means a
// hangup won the race; the result is discarded.
func (m *Machine) commit(ctx context.Context, c *Session, to State, event string, mutate func(*Session)) (Outcome, error) {
	n := c.Clone()
	n.move(to, event, m.now())
	if mutate != nil {
		mutate(n)
	}
	err := m.store.CompareAndSwap(ctx, n, c.Version)
	switch {
	case err == nil:
		m.recordTransition(ctx, c.State, to)
		return OutcomeApplied, nil
	case errors.Is(err, ErrConflict):
		slog.Info("callflow: result discarded, session changed",
			"call_id", c.CallID, "from", c.State, "to", to)
		return OutcomeStale, nil
	default:
		slog.Error("callflow: persisting transition failed", "call_id", c.CallID, "to", to, "err", err)
		return m.failWith(ctx, c, "state store: "+err.Error(), event)
	}
}

// commandFailed handles a failed telephony command. A call that no longer
// exists is ended; anything else fails the call.
func (m *Machine) commandFailed(ctx context.Context, c *Session, op string, err error, event string) (Outcome, error) {
	if errors.Is(err, telephony.ErrCallGone) {
		slog.Info("callflow: call gone during command", "call_id", c.CallID, "op", op)
		return m.end(ctx, c, event)
	}
	return m.failWith(ctx, c, op+": "+err.Error(), event)
}

// failWith plays the fallback clip and marks the session failed. The call is
// hung up when the clip finishes, or immediately if there is no clip.
func (m *Machine) failWith(ctx context.Context, c *Session, reason, event string) (Outcome, error) {
	token := ""
	if m.cfg.FallbackClipURL != "" {
		token = m.newToken()
		cctx, cancel := context.WithTimeout(ctx, m.cfg.CommandTimeout)
		err := m.tel.PlayAudio(cctx, c.CallID, m.cfg.FallbackClipURL, token)
		cancel()
		if err != nil {
			slog.Warn("callflow: playing fallback clip failed", "call_id", c.CallID, "err", err)
			token = ""
		}
	}

	n := c.Clone()
	n.move(StateFailed, event, m.now())
	n.FailureReason = reason
	n.PendingActionToken = token
	n.PendingJobID = ""
	err := m.store.CompareAndSwap(ctx, n, c.Version)
	if errors.Is(err, ErrConflict) {
		return OutcomeStale, nil
	}
	if err != nil {
		slog.Error("callflow: persisting failure failed", "call_id", c.CallID, "reason", reason, "err", err)
		m.hangupCall(ctx, c.CallID)
		return "", fmt.Errorf("callflow: mark %s failed: %w", c.CallID, err)
	}
	m.recordTransition(ctx, c.State, StateFailed)
	slog.Warn("callflow: call failed", "call_id", c.CallID, "reason", reason)
	if token == "" {
		m.hangupCall(ctx, c.CallID)
	}
	return OutcomeApplied, nil
}

// speak synthesises text and publishes it, returning the playback URL.
func (m *Machine) speak(ctx context.Context, text string) (string, error) {
	res, err := m.speech.Generate(ctx, text, m.cfg.Voice)
	if err != nil {
		return "", err
	}
	return m.media.Publish(ctx, res.Key, res.Audio, res.ContentType)
}

func (m *Machine) play(ctx context.Context, c *Session, url string) error {
	cctx, cancel := context.WithTimeout(ctx, m.cfg.CommandTimeout)
	defer cancel()
	return m.tel.PlayAudio(cctx, c.CallID, url, c.PendingActionToken)
}

func (m *Machine) hangupCall(ctx context.Context, callID string) {
	cctx, cancel := context.WithTimeout(ctx, m.cfg.CommandTimeout)
	defer cancel()
	if err := m.tel.Hangup(cctx, callID, ""); err != nil && !errors.Is(err, telephony.ErrCallGone) {
		slog.Warn("callflow: hangup failed", "call_id", callID, "err", err)
	}
}

func (m *Machine) greetingText(affirmation string) string {
	parts := make([]string, 0, 3)
	for _, p := range []string{m.cfg.Greeting, affirmation, m.cfg.RepeatPrompt} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, " ")
}

func (m *Machine) recordTransition(ctx context.Context, from, to State) {
	if m.metrics == nil {
		return
	}
	m.metrics.RecordTransition(ctx, string(from), string(to))
	switch {
	case from == "" && !to.Terminal():
		m.metrics.ActiveCalls.Add(ctx, 1)
	case from != "" && !from.Terminal() && to.Terminal():
		m.metrics.ActiveCalls.Add(ctx, -1)
	}
}
