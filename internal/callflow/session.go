package callflow

import (
	"maps"
	"slices"
	"time"

	"github.com/MrWong99/affirmcall/pkg/types"
)

// State is the lifecycle position of a call.
type State string

const (
	StateDialing              State = "dialing"
	StateGreeting             State = "greeting"
	StatePlayingAffirmation   State = "playing_affirmation"
	StateAwaitingRepeat       State = "awaiting_repeat"
	StateRecording            State = "recording"
	StateTranscribing         State = "transcribing"
	StateGeneratingReply      State = "generating_reply"
	StatePlayingReply         State = "playing_reply"
	StateAwaitingContinuation State = "awaiting_continuation"
	StateEnded                State = "ended"
	StateFailed               State = "failed"
)

// Terminal reports whether the call is over. A failed call may still be
// playing its fallback clip, but no conversation transition applies to it.
func (s State) Terminal() bool {
	return s == StateEnded || s == StateFailed
}

// Transient reports whether the state is held only while a worker performs
// side effects. Events that match the token while the session is transient
// are retried later.
func (s State) Transient() bool {
	return s == StateGreeting || s == StateRecording || s == StateGeneratingReply
}

// maxTrail bounds Session.Trail.
const maxTrail = 32

// Transition is one entry of a session's audit trail.
type Transition struct {
	From  State     `json:"from"`
	To    State     `json:"to"`
	Event string    `json:"event"`
	At    time.Time `json:"at"`
}

// Session is the persisted state of one call.
type Session struct {
	CallID          string `json:"call_id"`
	CalleeNumber    string `json:"callee_number"`
	AffirmationText string `json:"affirmation_text"`
	State           State  `json:"state"`

	// PendingActionToken is the token placed on the last outbound command.
	// Only webhooks that echo it back may advance the session.
	PendingActionToken string `json:"pending_action_token,omitempty"`

	// PendingJobID is the transcription job the session waits for.
	PendingJobID string `json:"pending_job_id,omitempty"`

	History       []types.Turn   `json:"history"`
	RetryCounters map[string]int `json:"retry_counters,omitempty"`

	// Turns counts reply turns played so far.
	Turns int `json:"turns"`

	// Closing is set once the farewell is playing.
	Closing bool `json:"closing"`

	FailureReason string       `json:"failure_reason,omitempty"`
	Trail         []Transition `json:"trail,omitempty"`

	// Version is incremented by every successful compare-and-swap.
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy of s.
func (s *Session) Clone() *Session {
	c := *s
	c.History = slices.Clone(s.History)
	c.RetryCounters = maps.Clone(s.RetryCounters)
	c.Trail = slices.Clone(s.Trail)
	return &c
}

// move records a transition to state and appends it to the trail.
func (s *Session) move(to State, event string, at time.Time) {
	s.Trail = append(s.Trail, Transition{From: s.State, To: to, Event: event, At: at})
	if len(s.Trail) > maxTrail {
		s.Trail = s.Trail[len(s.Trail)-maxTrail:]
	}
	s.State = to
	s.UpdatedAt = at
}

func (s *Session) countRetry(op string) {
	if s.RetryCounters == nil {
		s.RetryCounters = make(map[string]int)
	}
	s.RetryCounters[op]++
}
