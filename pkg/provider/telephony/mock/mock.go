// Package mock provides a test double for the telephony.Provider interface.
//
// Every command is recorded under a mutex so tests can assert the exact
// sequence of side effects and read back the client state tokens that the
// state machine issued.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/MrWong99/affirmcall/pkg/provider/stt"
	"github.com/MrWong99/affirmcall/pkg/provider/telephony"
)

// Command kinds recorded by Provider.
const (
	KindDial   = "dial"
	KindPlay   = "play"
	KindRecord = "record"
	KindHangup = "hangup"
)

// Command is a single recorded call-control command.
type Command struct {
	Kind        string
	CallID      string
	To          string
	AudioURL    string
	ClientState string
}

// Provider is a mock implementation of telephony.Provider.
type Provider struct {
	mu sync.Mutex

	// CallID is returned by Dial. When empty, ids "call-1", "call-2", ... are generated.
	CallID string

	// Recording is returned by FetchRecording.
	Recording stt.Recording

	// DialErr, PlayErr, RecordErr, HangupErr, FetchErr and PingErr inject failures.
	DialErr   error
	PlayErr   error
	RecordErr error
	HangupErr error
	FetchErr  error
	PingErr   error

	commands []Command
	dials    int
}

var _ telephony.Provider = (*Provider)(nil)

// Dial records the command and returns a call id.
func (p *Provider) Dial(_ context.Context, to, clientState string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.DialErr != nil {
		return "", p.DialErr
	}
	p.dials++
	id := p.CallID
	if id == "" {
		id = fmt.Sprintf("call-%d", p.dials)
	}
	p.commands = append(p.commands, Command{Kind: KindDial, CallID: id, To: to, ClientState: clientState})
	return id, nil
}

// PlayAudio records the command.
func (p *Provider) PlayAudio(_ context.Context, callID, audioURL, clientState string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.PlayErr != nil {
		return p.PlayErr
	}
	p.commands = append(p.commands, Command{Kind: KindPlay, CallID: callID, AudioURL: audioURL, ClientState: clientState})
	return nil
}

// StartRecording records the command.
func (p *Provider) StartRecording(_ context.Context, callID, clientState string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.RecordErr != nil {
		return p.RecordErr
	}
	p.commands = append(p.commands, Command{Kind: KindRecord, CallID: callID, ClientState: clientState})
	return nil
}

// Hangup records the command.
func (p *Provider) Hangup(_ context.Context, callID, clientState string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.HangupErr != nil {
		return p.HangupErr
	}
	p.commands = append(p.commands, Command{Kind: KindHangup, CallID: callID, ClientState: clientState})
	return nil
}

// FetchRecording returns Recording, or a small placeholder when unset.
func (p *Provider) FetchRecording(_ context.Context, _ string) (stt.Recording, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.FetchErr != nil {
		return stt.Recording{}, p.FetchErr
	}
	if p.Recording.Data == nil {
		return stt.Recording{Data: []byte("recording"), ContentType: "audio/mpeg"}, nil
	}
	return p.Recording, nil
}

// Ping returns PingErr.
func (p *Provider) Ping(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.PingErr
}

// Commands returns a copy of all recorded commands in order.
func (p *Provider) Commands() []Command {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Command, len(p.commands))
	copy(out, p.commands)
	return out
}

// CommandsOf returns the recorded commands of the given kind.
func (p *Provider) CommandsOf(kind string) []Command {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Command
	for _, c := range p.commands {
		if c.Kind == kind {
			out = append(out, c)
		}
	}
	return out
}

// Last returns the most recent command, or the zero Command.
func (p *Provider) Last() Command {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.commands) == 0 {
		return Command{}
	}
	return p.commands[len(p.commands)-1]
}

// SetErr sets the error for a command kind. Thread-safe.
func (p *Provider) SetErr(kind string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch kind {
	case KindDial:
		p.DialErr = err
	case KindPlay:
		p.PlayErr = err
	case KindRecord:
		p.RecordErr = err
	case KindHangup:
		p.HangupErr = err
	}
}
