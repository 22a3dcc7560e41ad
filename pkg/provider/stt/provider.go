// Package stt defines the provider interfaces for Speech-to-Text backends.
//
// Every backend implements [Transcriber], which turns a complete call
// recording into text and blocks until the result is available. Backends that
// are inherently job based (submit now, fetch the result later) additionally
// implement [AsyncTranscriber]; callers that can poll in the background should
// prefer it so that no goroutine is parked on a long-running job.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"errors"
)

// ErrEmptyRecording is returned when a backend is handed a recording without
// audio data.
var ErrEmptyRecording = errors.New("stt: recording is empty")

// Recording is a captured call recording.
type Recording struct {
	// Data holds the encoded audio (MP3 or WAV as delivered by the telephony
	// provider).
	Data []byte

	// ContentType is the MIME type of Data. Empty means "audio/mpeg".
	ContentType string
}

// MIME returns ContentType with the default applied.
func (r Recording) MIME() string {
	if r.ContentType == "" {
		return "audio/mpeg"
	}
	return r.ContentType
}

// Filename returns a file name whose extension matches the content type.
// Several multipart APIs sniff the format from it.
func (r Recording) Filename() string {
	switch r.MIME() {
	case "audio/wav", "audio/x-wav", "audio/wave":
		return "recording.wav"
	case "audio/ogg":
		return "recording.ogg"
	default:
		return "recording.mp3"
	}
}

// Transcriber is implemented by every STT backend.
type Transcriber interface {
	// Transcribe returns the transcript of rec. An empty string with a nil
	// error means the recording contained no recognisable speech.
	Transcribe(ctx context.Context, rec Recording) (string, error)
}

// JobStatus is the state of a provider-side transcription job.
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "error"
)

// Terminal reports whether the provider will not change the status again.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// PollResult is the outcome of a single [AsyncTranscriber.Poll].
type PollResult struct {
	Status JobStatus

	// Text is set when Status is JobCompleted.
	Text string

	// Error is the provider-reported failure reason when Status is JobFailed.
	Error string
}

// AsyncTranscriber is implemented by job-based backends.
type AsyncTranscriber interface {
	Transcriber

	// Submit uploads rec and returns the provider's job identifier.
	Submit(ctx context.Context, rec Recording) (string, error)

	// Poll fetches the current state of a previously submitted job. A non-nil
	// error means the poll itself failed (network, auth) and says nothing
	// about the job.
	Poll(ctx context.Context, providerJobID string) (PollResult, error)
}
