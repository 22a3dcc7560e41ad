// Package telephony defines the Provider interface for outbound call control.
//
// A telephony provider places calls and executes call-control commands (play
// audio, record, hang up). Every command carries an opaque client state token
// which the provider echoes back on the webhook that reports the command's
// completion. The call state machine relies on that echo to match completions
// to the action that caused them.
//
// Implementations must be safe for concurrent use.
package telephony

import (
	"context"
	"errors"

	"github.com/MrWong99/affirmcall/pkg/provider/stt"
)

// ErrCallGone is returned when a command targets a call the provider no longer
// knows about (already hung up).
var ErrCallGone = errors.New("telephony: call no longer active")

// Provider is the abstraction over a call-control API.
type Provider interface {
	// Dial places an outbound call to the E.164 number to and returns the
	// provider's call control id. clientState is echoed on call.answered.
	Dial(ctx context.Context, to, clientState string) (string, error)

	// PlayAudio plays the audio at audioURL on the call. clientState is echoed
	// on call.playback.ended.
	PlayAudio(ctx context.Context, callID, audioURL, clientState string) error

	// StartRecording records the callee. clientState is echoed on
	// call.recording.saved.
	StartRecording(ctx context.Context, callID, clientState string) error

	// Hangup terminates the call.
	Hangup(ctx context.Context, callID, clientState string) error

	// FetchRecording downloads a saved recording.
	FetchRecording(ctx context.Context, recordingURL string) (stt.Recording, error)

	// Ping checks that the provider API is reachable with the configured credentials.
	Ping(ctx context.Context) error
}
