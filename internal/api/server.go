// Package api exposes the HTTP surface: the telephony webhook, the call and
// transcription control endpoints, published media, health and metrics.
//
// Webhooks are acknowledged as soon as they are parsed and queued; the
// [Dispatcher] applies them to the call state machine in the background.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/MrWong99/affirmcall/internal/callflow"
	"github.com/MrWong99/affirmcall/internal/health"
	"github.com/MrWong99/affirmcall/internal/observe"
	"github.com/MrWong99/affirmcall/internal/transcription"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Calls schedules calls and reports their state.
type Calls interface {
	CreateCall(ctx context.Context, phoneNumber, affirmationText string) (*callflow.Session, error)
	Session(ctx context.Context, callID string) (*callflow.Session, error)
}

// Transcriptions reports on and replays transcription jobs.
type Transcriptions interface {
	Job(ctx context.Context, jobID string) (*transcription.Job, error)
	Pending(ctx context.Context) ([]*transcription.Job, error)
	DeadLetters(ctx context.Context) ([]transcription.DeadLetter, error)
	Replay(ctx context.Context, jobID string) error
}

var (
	_ Calls          = (*callflow.Machine)(nil)
	_ Transcriptions = (*transcription.Manager)(nil)
)

// Server wires the HTTP routes.
type Server struct {
	Calls          Calls
	Transcriptions Transcriptions
	Dispatcher     *Dispatcher

	// Verifier checks webhook signatures. Nil disables verification.
	Verifier *Verifier

	// Media serves GET /media/{key}. Nil leaves the route unregistered.
	Media http.Handler

	// Health registers /healthz, /readyz and /health when set.
	Health *health.Handler

	// Metrics instruments every route and serves /metrics when set.
	Metrics *observe.Metrics

	now func() time.Time
}

// Handler returns the routed and instrumented HTTP handler.
func (s *Server) Handler() http.Handler {
	if s.now == nil {
		s.now = time.Now
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /calls", s.createCall)
	mux.HandleFunc("GET /calls/{id}/status", s.callStatus)
	mux.HandleFunc("GET /transcriptions/pending", s.pendingJobs)
	mux.HandleFunc("GET /transcriptions/dead-letters", s.deadLetters)
	mux.HandleFunc("POST /transcriptions/dead-letters/{id}/replay", s.replay)
	mux.HandleFunc("GET /transcriptions/{id}/status", s.jobStatus)
	mux.HandleFunc("POST /webhooks/telephony", s.webhook)
	mux.HandleFunc("POST /webhook", s.webhook)
	if s.Media != nil {
		mux.Handle("GET /media/{key}", s.Media)
	}
	if s.Health != nil {
		s.Health.Register(mux)
	}
	if s.Metrics == nil {
		return mux
	}
	mux.Handle("GET /metrics", observe.MetricsHandler())
	return observe.Middleware(s.Metrics)(mux)
}

type createCallRequest struct {
	PhoneNumber     string `json:"phone_number"`
	AffirmationText string `json:"affirmation_text"`
}

type createCallResponse struct {
	CallID string `json:"call_id"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) createCall(w http.ResponseWriter, r *http.Request) {
	var req createCallRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	sess, err := s.Calls.CreateCall(r.Context(), req.PhoneNumber, req.AffirmationText)
	switch {
	case errors.Is(err, callflow.ErrInvalidPhoneNumber), errors.Is(err, callflow.ErrMissingAffirmation):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	case err != nil:
		slog.Error("api: create call", "err", err)
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: "call could not be placed"})
		return
	}
	writeJSON(w, http.StatusCreated, createCallResponse{CallID: sess.CallID})
}

// callStatus is the public view of a session.
type callStatus struct {
	CallID        string                `json:"call_id"`
	State         callflow.State        `json:"state"`
	Turns         int                   `json:"turns"`
	PendingJobID  string                `json:"pending_job_id,omitempty"`
	FailureReason string                `json:"failure_reason,omitempty"`
	RetryCounters map[string]int        `json:"retry_counters,omitempty"`
	Trail         []callflow.Transition `json:"trail,omitempty"`
	CreatedAt     time.Time             `json:"created_at"`
	UpdatedAt     time.Time             `json:"updated_at"`
}

func (s *Server) callStatus(w http.ResponseWriter, r *http.Request) {
	sess, err := s.Calls.Session(r.Context(), r.PathValue("id"))
	if errors.Is(err, callflow.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "call not found"})
		return
	}
	if err != nil {
		s.internalError(w, "call status", err)
		return
	}
	writeJSON(w, http.StatusOK, callStatus{
		CallID:        sess.CallID,
		State:         sess.State,
		Turns:         sess.Turns,
		PendingJobID:  sess.PendingJobID,
		FailureReason: sess.FailureReason,
		RetryCounters: sess.RetryCounters,
		Trail:         sess.Trail,
		CreatedAt:     sess.CreatedAt,
		UpdatedAt:     sess.UpdatedAt,
	})
}

func (s *Server) pendingJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.Transcriptions.Pending(r.Context())
	if err != nil {
		s.internalError(w, "pending jobs", err)
		return
	}
	if jobs == nil {
		jobs = []*transcription.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) jobStatus(w http.ResponseWriter, r *http.Request) {
	j, err := s.Transcriptions.Job(r.Context(), r.PathValue("id"))
	if errors.Is(err, transcription.ErrJobNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "job not found"})
		return
	}
	if err != nil {
		s.internalError(w, "job status", err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (s *Server) deadLetters(w http.ResponseWriter, r *http.Request) {
	dls, err := s.Transcriptions.DeadLetters(r.Context())
	if err != nil {
		s.internalError(w, "dead letters", err)
		return
	}
	if dls == nil {
		dls = []transcription.DeadLetter{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"dead_letters": dls})
}

func (s *Server) replay(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := s.Transcriptions.Replay(r.Context(), id)
	switch {
	case errors.Is(err, transcription.ErrNotDeadLettered), errors.Is(err, transcription.ErrJobNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "dead letter not found"})
	case errors.Is(err, transcription.ErrStatusConflict):
		writeJSON(w, http.StatusConflict, errorResponse{Error: "job is no longer dead-lettered"})
	case err != nil:
		s.internalError(w, "replay", err)
	default:
		writeJSON(w, http.StatusAccepted, map[string]string{"job_id": id, "status": string(transcription.StatusPending)})
	}
}

// webhook acknowledges every telephony event it can read. Only a bad
// signature or a saturated queue is answered with an error status.
func (s *Server) webhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		slog.Warn("api: read webhook body", "err", err)
		w.WriteHeader(http.StatusOK)
		return
	}
	if s.Verifier != nil {
		if err := s.Verifier.Verify(r.Header.Get(HeaderSignature), r.Header.Get(HeaderTimestamp), body); err != nil {
			slog.Warn("api: webhook rejected", "err", err)
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid signature"})
			return
		}
	}

	ev, err := ParseWebhook(body, s.now())
	if err != nil {
		slog.Warn("api: webhook ignored", "err", err)
		if s.Metrics != nil {
			s.Metrics.RecordWebhookEvent(r.Context(), "unknown", "malformed")
		}
		w.WriteHeader(http.StatusOK)
		return
	}
	if err := s.Dispatcher.Submit(ev); err != nil {
		slog.Warn("api: webhook not queued", "call_id", ev.CallID, "event", ev.Type, "err", err)
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "busy"})
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	slog.Error("api: "+op, "err", err)
	writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(payload)
}
