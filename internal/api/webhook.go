package api

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/MrWong99/affirmcall/internal/callflow"
)

var (
	ErrMalformedWebhook = errors.New("api: malformed webhook payload")
	ErrMissingSignature = errors.New("api: missing webhook signature")
	ErrInvalidSignature = errors.New("api: invalid webhook signature")
	ErrStaleTimestamp   = errors.New("api: stale webhook timestamp")
)

// Signature headers sent by Telnyx.
const (
	HeaderSignature = "Telnyx-Signature-Ed25519"
	HeaderTimestamp = "Telnyx-Timestamp"
)

// flatWebhook is the simple webhook form.
type flatWebhook struct {
	EventType     string `json:"event_type"`
	CallControlID string `json:"call_control_id"`
	ClientState   string `json:"client_state"`
	RecordingURL  string `json:"recording_url"`
}

// envelopeWebhook is the Telnyx Call Control v2 envelope.
type envelopeWebhook struct {
	Data *struct {
		EventType string `json:"event_type"`
		Payload   struct {
			CallControlID string            `json:"call_control_id"`
			ClientState   string            `json:"client_state"`
			RecordingURLs map[string]string `json:"recording_urls"`
			PublicURLs    map[string]string `json:"public_recording_urls"`
		} `json:"payload"`
	} `json:"data"`
}

// ParseWebhook normalises a telephony webhook body. Both the flat form and
// the Telnyx envelope are accepted. Envelope client state is base64 encoded;
// values that do not decode are used verbatim.
func ParseWebhook(body []byte, receivedAt time.Time) (callflow.WebhookEvent, error) {
	var env envelopeWebhook
	if err := json.Unmarshal(body, &env); err != nil {
		return callflow.WebhookEvent{}, fmt.Errorf("%w: %w", ErrMalformedWebhook, err)
	}

	var ev callflow.WebhookEvent
	if env.Data != nil {
		p := env.Data.Payload
		ev = callflow.WebhookEvent{
			Type:         callflow.EventType(env.Data.EventType),
			CallID:       p.CallControlID,
			Token:        decodeClientState(p.ClientState),
			RecordingURL: recordingURL(p.RecordingURLs, p.PublicURLs),
		}
	} else {
		var flat flatWebhook
		if err := json.Unmarshal(body, &flat); err != nil {
			return callflow.WebhookEvent{}, fmt.Errorf("%w: %w", ErrMalformedWebhook, err)
		}
		ev = callflow.WebhookEvent{
			Type:         callflow.EventType(flat.EventType),
			CallID:       flat.CallControlID,
			Token:        flat.ClientState,
			RecordingURL: flat.RecordingURL,
		}
	}

	if ev.Type == "" || ev.CallID == "" {
		return callflow.WebhookEvent{}, fmt.Errorf("%w: event type and call id are required", ErrMalformedWebhook)
	}
	ev.ReceivedAt = receivedAt
	return ev, nil
}

func decodeClientState(s string) string {
	if s == "" {
		return ""
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return s
	}
	return string(b)
}

// recordingURL prefers mp3 over wav and private over public links.
func recordingURL(sets ...map[string]string) string {
	for _, urls := range sets {
		for _, format := range []string{"mp3", "wav"} {
			if u := urls[format]; u != "" {
				return u
			}
		}
	}
	return ""
}

// Verifier checks Ed25519 webhook signatures over "timestamp|body".
type Verifier struct {
	key       ed25519.PublicKey
	tolerance time.Duration
	now       func() time.Time
}

// NewVerifier parses a base64 encoded Ed25519 public key. tolerance bounds
// the accepted clock skew; zero means five minutes.
func NewVerifier(publicKey string, tolerance time.Duration) (*Verifier, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(publicKey))
	if err != nil {
		return nil, fmt.Errorf("api: decode webhook public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("api: webhook public key has %d bytes, want %d", len(raw), ed25519.PublicKeySize)
	}
	if tolerance <= 0 {
		tolerance = 5 * time.Minute
	}
	return &Verifier{key: ed25519.PublicKey(raw), tolerance: tolerance, now: time.Now}, nil
}

// Verify validates signature (base64) and timestamp (Unix seconds) for body.
func (v *Verifier) Verify(signature, timestamp string, body []byte) error {
	if signature == "" || timestamp == "" {
		return ErrMissingSignature
	}
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return ErrInvalidSignature
	}
	sent := time.Unix(ts, 0)
	now := v.now()
	if now.Sub(sent) > v.tolerance || sent.Sub(now) > v.tolerance {
		return ErrStaleTimestamp
	}
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return ErrInvalidSignature
	}
	msg := make([]byte, 0, len(timestamp)+1+len(body))
	msg = append(msg, timestamp...)
	msg = append(msg, '|')
	msg = append(msg, body...)
	if !ed25519.Verify(v.key, msg, sig) {
		return ErrInvalidSignature
	}
	return nil
}
