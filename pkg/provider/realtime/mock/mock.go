// Package mock provides test doubles for the realtime package interfaces.
//
// Use Provider to verify Connect calls and hand out controlled sessions. Use
// Session to inject backend events and inspect what the orchestrator sent.
//
// Example:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess}
//	s, _ := p.Connect(ctx, cfg)
//	sess.Emit(realtime.SpeechStopped{})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/phonebridge/pkg/provider/realtime"
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	Cfg realtime.SessionConfig
}

// Provider is a mock implementation of realtime.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is returned by Connect. If nil, Connect returns a fresh Session.
	Session *Session

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall
}

// Connect records the call and returns Session, ConnectErr.
func (p *Provider) Connect(_ context.Context, cfg realtime.SessionConfig) (realtime.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Cfg: cfg})
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	if p.Session == nil {
		p.Session = NewSession()
	}
	return p.Session, nil
}

// ConnectCount returns the number of Connect calls. Thread-safe.
func (p *Provider) ConnectCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ConnectCalls)
}

// Session is a mock implementation of realtime.Session.
type Session struct {
	mu sync.Mutex

	events chan realtime.Event
	done   bool
	err    error

	// SendErr, if non-nil, is returned by SendAudio.
	SendErr error

	audio      [][]byte
	commits    int
	responses  int
	interrupts int
	closes     int
}

// NewSession returns a Session with a buffered event channel.
func NewSession() *Session {
	return &Session{events: make(chan realtime.Event, 64)}
}

// Emit queues ev on the event stream. It is a no-op once the stream ended.
func (s *Session) Emit(ev realtime.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.events <- ev
}

// Fail ends the event stream with err, simulating a lost connection.
func (s *Session) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.err = err
	s.done = true
	close(s.events)
}

// SendAudio records chunk.
func (s *Session) SendAudio(_ context.Context, chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closes > 0 {
		return realtime.ErrSessionClosed
	}
	if s.SendErr != nil {
		return s.SendErr
	}
	s.audio = append(s.audio, append([]byte(nil), chunk...))
	return nil
}

// Commit records the call.
func (s *Session) Commit(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commits++
	return nil
}

// RequestResponse records the call.
func (s *Session) RequestResponse(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses++
	return nil
}

// Interrupt records the call.
func (s *Session) Interrupt(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interrupts++
	return nil
}

// Events returns the event stream.
func (s *Session) Events() <-chan realtime.Event { return s.events }

// Err returns the error passed to Fail, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close ends the event stream and records the call.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	if !s.done {
		s.done = true
		close(s.events)
	}
	return nil
}

// Audio returns a copy of every chunk passed to SendAudio.
func (s *Session) Audio() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.audio))
	copy(out, s.audio)
	return out
}

// Responses returns the number of RequestResponse calls.
func (s *Session) Responses() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.responses
}

// Interrupts returns the number of Interrupt calls.
func (s *Session) Interrupts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interrupts
}

// Commits returns the number of Commit calls.
func (s *Session) Commits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commits
}

// Closes returns the number of Close calls.
func (s *Session) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}
