// Package mock provides test doubles for the agent package interfaces.
//
// Use Provider to verify Connect calls and hand out controlled sessions. Use
// Session to drive the audio and event streams and inspect what the relay
// forwarded upstream.
//
// Example:
//
//	sess := mock.NewSession()
//	sess.OnSendAudio = func(chunk []byte) { sess.AudioCh <- chunk }
//	p := &mock.Provider{Session: sess}
package mock

import (
	"context"
	"encoding/json"
	"slices"
	"sync"

	"github.com/MrWong99/voicerelay/pkg/agent"
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Connect.
	Cfg agent.SessionConfig
}

// Provider is a mock implementation of agent.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is returned by Connect. When nil, Connect returns a fresh
	// [NewSession].
	Session agent.SessionHandle

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// ProviderCapabilities is returned by Capabilities.
	ProviderCapabilities agent.Capabilities

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall
}

// Connect records the call and returns Session, ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg agent.SessionConfig) (agent.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	if p.Session != nil {
		return p.Session, nil
	}
	return NewSession(), nil
}

// Capabilities returns ProviderCapabilities.
func (p *Provider) Capabilities() agent.Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ProviderCapabilities
}

// Connects returns the number of Connect calls so far.
func (p *Provider) Connects() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ConnectCalls)
}

var _ agent.Provider = (*Provider)(nil)

// Session is a mock implementation of agent.SessionHandle.
//
// Close closes AudioCh and EventsCh exactly once, so tests that push into them
// must stop doing so before closing the session. Use [Session.End] to simulate
// the vendor hanging up.
type Session struct {
	mu        sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}

	// AudioCh is the channel returned by Audio().
	AudioCh chan []byte

	// EventsCh is the channel returned by Events().
	EventsCh chan agent.Event

	// OnSendAudio, if set, is called with a copy of every chunk after it is
	// recorded. It runs on the caller's goroutine.
	OnSendAudio func(chunk []byte)

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// SendControlErr, if non-nil, is returned by every SendControl call.
	SendControlErr error

	// EndErr is reported by Err after End or Close.
	EndErr error

	// SendAudioCalls records a copy of every chunk in order.
	SendAudioCalls [][]byte

	// SendControlCalls records every control message in order.
	SendControlCalls []json.RawMessage

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// NewSession returns a Session with buffered channels.
func NewSession() *Session {
	return &Session{
		AudioCh:  make(chan []byte, 64),
		EventsCh: make(chan agent.Event, 16),
	}
}

func (s *Session) closedCh() chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed == nil {
		s.closed = make(chan struct{})
	}
	return s.closed
}

// SendAudio records the call and returns SendAudioErr.
func (s *Session) SendAudio(chunk []byte) error {
	cp := slices.Clone(chunk)
	s.mu.Lock()
	s.SendAudioCalls = append(s.SendAudioCalls, cp)
	err := s.SendAudioErr
	hook := s.OnSendAudio
	s.mu.Unlock()
	if err == nil && hook != nil {
		hook(cp)
	}
	return err
}

// SendControl records the call and returns SendControlErr.
func (s *Session) SendControl(msg json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SendControlCalls = append(s.SendControlCalls, slices.Clone(msg))
	return s.SendControlErr
}

// Audio returns AudioCh.
func (s *Session) Audio() <-chan []byte { return s.AudioCh }

// Events returns EventsCh.
func (s *Session) Events() <-chan agent.Event { return s.EventsCh }

// Err returns EndErr.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.EndErr
}

// End simulates the vendor closing the session: both channels are closed and
// Err reports err.
func (s *Session) End(err error) {
	s.mu.Lock()
	if err != nil {
		s.EndErr = err
	}
	s.mu.Unlock()
	s.shutdown()
}

// Close records the call and closes both channels once.
func (s *Session) Close() error {
	s.mu.Lock()
	s.CloseCallCount++
	s.mu.Unlock()
	s.shutdown()
	return nil
}

func (s *Session) shutdown() {
	done := s.closedCh()
	s.closeOnce.Do(func() {
		close(done)
		close(s.AudioCh)
		close(s.EventsCh)
	})
}

// Done is closed once the session has been closed or ended.
func (s *Session) Done() <-chan struct{} { return s.closedCh() }

// AudioCalls returns a snapshot of SendAudioCalls.
func (s *Session) AudioCalls() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.SendAudioCalls)
}

// ControlCalls returns a snapshot of SendControlCalls.
func (s *Session) ControlCalls() []json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.SendControlCalls)
}

// Closes returns CloseCallCount.
func (s *Session) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseCallCount
}

var _ agent.SessionHandle = (*Session)(nil)
