// Package voiceclient captures microphone audio, streams it to the relay, and
// plays the agent's speech back in arrival order.
//
// A [Session] owns every piece of pipeline state. Device callbacks, relay
// messages, playback completions and the disconnect notification are all
// funnelled through one [Dispatcher], so that state is only ever touched from
// a single goroutine.
package voiceclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/MrWong99/voicerelay/pkg/audio"
	"github.com/MrWong99/voicerelay/pkg/protocol"
)

// Config configures a [Session].
type Config struct {
	// Microphone provides capture. Required.
	Microphone audio.Microphone

	// Output plays agent speech. Required.
	Output audio.Output

	// Dialer opens the relay channel. Required.
	Dialer Dialer

	// DeviceID selects the capture device. Empty means the system default.
	DeviceID string

	// SendInterval is the minimum spacing between transmitted blocks.
	// Default: [DefaultSendInterval].
	SendInterval time.Duration

	// OnEvent, when set, receives every agent_event payload. It runs on the
	// session dispatcher and must not block.
	OnEvent func(event json.RawMessage)

	// Now overrides the clock used by the send throttle.
	Now func() time.Time

	// Logger receives pipeline logs. Default: [slog.Default].
	Logger *slog.Logger
}

// Stats is a snapshot of session counters.
type Stats struct {
	// Queued is the number of frames waiting to play.
	Queued int
	// Playing reports whether a frame is playing.
	Playing bool
	// Sent and Throttled count capture blocks that were transmitted and
	// dropped by the send throttle.
	Sent      int
	Throttled int
	// Played and Skipped count finished and failed playbacks.
	Played  int
	Skipped int
}

// Session is one capture-and-playback pipeline bound to one relay channel.
type Session struct {
	cfg      Config
	log      *slog.Logger
	disp     *Dispatcher
	stream   audio.InputStream
	out      audio.Output
	ch       Channel
	throttle *Throttle
	player   *player
	done     chan struct{}

	// Fields below are owned by the dispatcher.
	closed    bool
	err       error
	sent      int
	throttled int
	final     Stats
}

// Start acquires the microphone, dials the relay and begins streaming.
// Failing to acquire the device or the channel is fatal: everything acquired
// so far is released and the error is returned.
func Start(ctx context.Context, cfg Config) (*Session, error) {
	if cfg.Microphone == nil || cfg.Output == nil || cfg.Dialer == nil {
		return nil, errors.New("voiceclient: microphone, output and dialer are required")
	}
	if cfg.SendInterval <= 0 {
		cfg.SendInterval = DefaultSendInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Session{
		cfg:      cfg,
		log:      cfg.Logger,
		disp:     NewDispatcher(),
		out:      cfg.Output,
		throttle: NewThrottle(cfg.SendInterval),
		done:     make(chan struct{}),
	}
	s.player = &player{out: cfg.Output, post: s.disp.Post, log: cfg.Logger}

	stream, err := cfg.Microphone.Open(ctx, audio.CaptureConstraints(cfg.DeviceID))
	if err != nil {
		s.abort()
		return nil, fmt.Errorf("voiceclient: acquire microphone: %w", err)
	}
	s.disp.Call(func() { s.stream = stream })

	ch, err := cfg.Dialer.Dial(ctx, ChannelHandlers{
		OnMessage: func(msg protocol.ServerMessage) {
			s.disp.Post(func() { s.handleMessage(msg) })
		},
		OnDisconnect: func(err error) {
			s.disp.Post(func() { s.handleDisconnect(err) })
		},
	})
	if err != nil {
		s.abort()
		return nil, fmt.Errorf("voiceclient: connect: %w", err)
	}

	// A disconnect reported from inside Dial has already torn the session
	// down by the time this runs, without the channel.
	var attached bool
	var attachErr error
	s.disp.Call(func() {
		if s.closed {
			return
		}
		s.ch = ch
		attachErr = stream.Attach(func(block []float32) {
			cp := slices.Clone(block)
			s.disp.Post(func() { s.handleBlock(cp) })
		})
		attached = attachErr == nil
	})
	if attachErr != nil {
		s.abort()
		return nil, fmt.Errorf("voiceclient: attach processing node: %w", attachErr)
	}
	if !attached {
		_ = ch.Close()
		return nil, fmt.Errorf("voiceclient: connect: %w", s.cause())
	}

	s.log.Info("voice session started", "device", cfg.DeviceID)
	return s, nil
}

// cause waits for teardown and reports why the session ended.
func (s *Session) cause() error {
	if err := s.Err(); err != nil {
		return err
	}
	return ErrNotConnected
}

// abort releases whatever Start acquired before failing.
func (s *Session) abort() {
	s.disp.Call(func() { s.teardown(nil) })
}

// handleBlock converts and transmits one capture block, subject to the
// connection state and the send throttle.
func (s *Session) handleBlock(block []float32) {
	if s.closed || s.ch == nil || !s.ch.Connected() {
		return
	}
	if !s.throttle.Allow(s.cfg.Now()) {
		s.throttled++
		return
	}
	if err := s.ch.SendAudio(audio.Float32ToPCM16(block)); err != nil {
		s.log.Warn("failed to send audio block", "err", err)
		return
	}
	s.sent++
}

func (s *Session) handleMessage(msg protocol.ServerMessage) {
	if s.closed {
		return
	}
	switch msg.Type {
	case protocol.TypeAgentSpeaking:
		s.player.enqueue(msg.Audio)
	case protocol.TypeAgentEvent:
		if s.cfg.OnEvent != nil {
			s.cfg.OnEvent(msg.Event)
		}
	case protocol.TypeError:
		s.log.Error("relay reported an error", "code", msg.Code, "description", msg.Description)
	default:
		s.log.Debug("ignoring relay message", "type", msg.Type)
	}
}

func (s *Session) handleDisconnect(err error) {
	if s.closed {
		return
	}
	s.log.Error("relay channel disconnected", "err", err)
	s.teardown(fmt.Errorf("voiceclient: channel disconnected: %w", err))
}

// teardown releases the pipeline in a fixed order: clear the queue, reset the
// playing flag, detach the processing node, close the output, stop the
// microphone, close the channel. Running it twice is a no-op.
func (s *Session) teardown(cause error) {
	if s.closed {
		return
	}
	s.closed = true
	s.err = cause

	s.player.reset()

	var errs []error
	if s.stream != nil {
		if err := s.stream.Detach(); err != nil {
			errs = append(errs, fmt.Errorf("detach: %w", err))
		}
	}
	if err := s.out.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close output: %w", err))
	}
	if s.stream != nil {
		if err := s.stream.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop microphone: %w", err))
		}
	}
	if s.ch != nil {
		if err := s.ch.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close channel: %w", err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		s.log.Warn("voice session teardown incomplete", "err", err)
	}

	s.final = s.snapshot()
	close(s.done)
	s.disp.Stop()
}

// Stop tears the session down and returns once every resource is released.
// It is safe to call more than once and after a disconnect.
func (s *Session) Stop() {
	s.disp.Call(func() { s.teardown(nil) })
	<-s.done
}

// Done is closed once the session has been torn down.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns why the session ended: nil after [Session.Stop], or the channel
// error after a disconnect. Only meaningful once Done is closed.
func (s *Session) Err() error {
	<-s.done
	return s.err
}

// Stats returns a snapshot of the session counters. After teardown it
// returns the counters as they were when the session ended.
func (s *Session) Stats() Stats {
	var st Stats
	if s.disp.Call(func() { st = s.snapshot() }) {
		return st
	}
	<-s.done
	return s.final
}

func (s *Session) snapshot() Stats {
	return Stats{
		Queued:    len(s.player.queue),
		Playing:   s.player.playing,
		Sent:      s.sent,
		Throttled: s.throttled,
		Played:    s.player.played,
		Skipped:   s.player.skipped,
	}
}
