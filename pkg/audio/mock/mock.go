// Package mock provides in-memory implementations of [audio.Microphone],
// [audio.InputStream], and [audio.Output] for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call and
// expose fields that control return values.
//
// Typical usage:
//
//	in := &mock.InputStream{}
//	mic := &mock.Microphone{Stream: in}
//	out := &mock.Output{}
//	// ... drive the client, then:
//	in.Emit(make([]float32, 1024))
//	out.Complete(nil)
package mock

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/MrWong99/voicerelay/pkg/audio"
)

// ErrNoPending is returned by [Output.Complete] when no playback is in flight.
var ErrNoPending = errors.New("mock: no playback in flight")

// ─── Microphone ───────────────────────────────────────────────────────────────

// Microphone is a mock implementation of [audio.Microphone].
type Microphone struct {
	mu sync.Mutex

	// Stream is returned by Open. A fresh [InputStream] is created when nil.
	Stream *InputStream

	// OpenErr is returned by Open when non-nil.
	OpenErr error

	// OpenCalls records the constraints of every Open call.
	OpenCalls []audio.Constraints
}

// Open implements [audio.Microphone].
func (m *Microphone) Open(_ context.Context, c audio.Constraints) (audio.InputStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.OpenCalls = append(m.OpenCalls, c)
	if m.OpenErr != nil {
		return nil, m.OpenErr
	}
	if m.Stream == nil {
		m.Stream = &InputStream{}
	}
	return m.Stream, nil
}

// ─── InputStream ──────────────────────────────────────────────────────────────

// InputStream is a mock implementation of [audio.InputStream]. Blocks are
// injected with [InputStream.Emit].
type InputStream struct {
	mu      sync.Mutex
	handler audio.BlockHandler

	// AttachErr is returned by Attach when non-nil.
	AttachErr error

	// AttachCalls, DetachCalls, and StopCalls count method invocations.
	AttachCalls int
	DetachCalls int
	StopCalls   int

	// Order records the names of lifecycle calls in the order they happened.
	Order []string
}

// Attach implements [audio.InputStream].
func (s *InputStream) Attach(fn audio.BlockHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.AttachCalls++
	s.Order = append(s.Order, "attach")
	if s.AttachErr != nil {
		return s.AttachErr
	}
	s.handler = fn
	return nil
}

// Detach implements [audio.InputStream].
func (s *InputStream) Detach() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.DetachCalls++
	s.Order = append(s.Order, "detach")
	s.handler = nil
	return nil
}

// Stop implements [audio.InputStream].
func (s *InputStream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.StopCalls++
	s.Order = append(s.Order, "stop")
	s.handler = nil
	return nil
}

// Emit delivers block to the attached handler, synchronously. It reports
// whether a handler was attached.
func (s *InputStream) Emit(block []float32) bool {
	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()
	if h == nil {
		return false
	}
	h(block)
	return true
}

// Attached reports whether a handler is currently installed.
func (s *InputStream) Attached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handler != nil
}

// ─── Output ───────────────────────────────────────────────────────────────────

// Output is a mock implementation of [audio.Output]. Playbacks stay in flight
// until the test calls [Output.Complete], unless AutoComplete is set.
type Output struct {
	mu      sync.Mutex
	pending []func(error)

	// AutoComplete finishes every playback successfully as soon as it starts.
	AutoComplete bool

	// PlayErr is returned by Play when non-nil. Playback does not start.
	PlayErr error

	// ResumeErr is returned by Resume when non-nil.
	ResumeErr error

	// Played records every buffer passed to Play, in order.
	Played []audio.Buffer

	// ResumeCalls and CloseCalls count method invocations.
	ResumeCalls int
	CloseCalls  int

	// Closed is true once Close has been called.
	Closed bool
}

// Resume implements [audio.Output].
func (o *Output) Resume(_ context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ResumeCalls++
	return o.ResumeErr
}

// Play implements [audio.Output].
func (o *Output) Play(buf audio.Buffer, done func(error)) error {
	o.mu.Lock()
	o.Played = append(o.Played, audio.Buffer{
		Samples:    slices.Clone(buf.Samples),
		SampleRate: buf.SampleRate,
	})
	if o.PlayErr != nil {
		err := o.PlayErr
		o.mu.Unlock()
		return err
	}
	if o.AutoComplete {
		o.mu.Unlock()
		done(nil)
		return nil
	}
	o.pending = append(o.pending, done)
	o.mu.Unlock()
	return nil
}

// Close implements [audio.Output].
func (o *Output) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.CloseCalls++
	o.Closed = true
	return nil
}

// Complete finishes the oldest in-flight playback with err.
func (o *Output) Complete(err error) error {
	o.mu.Lock()
	if len(o.pending) == 0 {
		o.mu.Unlock()
		return ErrNoPending
	}
	done := o.pending[0]
	o.pending = o.pending[1:]
	o.mu.Unlock()
	done(err)
	return nil
}

// PlayCount returns how many buffers have been passed to Play.
func (o *Output) PlayCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.Played)
}

// Pending returns how many playbacks are in flight.
func (o *Output) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending)
}
