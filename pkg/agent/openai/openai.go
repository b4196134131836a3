// Package openai implements the agent.Provider interface for OpenAI's Realtime
// API.
//
// Audio is exchanged as base64-encoded PCM16 inside JSON events. The Realtime
// API works at 24 kHz in both directions, so microphone audio captured at a
// lower rate is resampled before it is appended to the input buffer.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/MrWong99/voicerelay/pkg/agent"
	"github.com/MrWong99/voicerelay/pkg/audio"
)

var _ agent.Provider = (*Provider)(nil)
var _ agent.SessionHandle = (*session)(nil)

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"
	defaultVoice   = "alloy"

	// The Realtime API's only PCM16 rate.
	realtimeSampleRate = 24000
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the OpenAI model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithVoice sets the default voice used when SessionConfig.SpeakModel is empty.
func WithVoice(voice string) Option {
	return func(p *Provider) { p.voice = voice }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements agent.Provider for OpenAI's Realtime API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
	voice   string
}

// New creates a new OpenAI Realtime Provider with the given API key and options.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai: api key must not be empty")
	}
	p := &Provider{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
		voice:   defaultVoice,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Capabilities returns static metadata about the OpenAI Realtime provider.
func (p *Provider) Capabilities() agent.Capabilities {
	return agent.Capabilities{
		Name:             "openai",
		OutputSampleRate: realtimeSampleRate,
		SupportsControl:  true,
	}
}

// Connect establishes a new Realtime session. The handle is ready for audio as
// soon as the session.update event has been written.
func (p *Provider) Connect(ctx context.Context, cfg agent.SessionConfig) (agent.SessionHandle, error) {
	wsURL := fmt.Sprintf("%s?model=%s", p.baseURL, p.model)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + p.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: dial: %w", err)
	}
	conn.SetReadLimit(1 << 22)

	inRate := cfg.InputSampleRate
	if inRate <= 0 {
		inRate = audio.CaptureSampleRate
	}
	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:   conn,
		inRate: inRate,
		audio:  make(chan []byte, 64),
		events: make(chan agent.Event, 32),
		ctx:    sessCtx,
		cancel: sessCancel,
	}

	voice := cfg.SpeakModel
	if voice == "" {
		voice = p.voice
	}
	if err := sess.writeJSON(ctx, sessionUpdateMessage{
		Type: "session.update",
		Session: sessionParams{
			Voice:             voice,
			Instructions:      cfg.Instructions,
			InputAudioFormat:  "pcm16",
			OutputAudioFormat: "pcm16",
			TurnDetection:     &turnDetection{Type: "server_vad"},
		},
	}); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("openai: session update: %w", err)
	}

	if cfg.Greeting != "" {
		if err := sess.writeJSON(ctx, responseCreateMessage{
			Type:     "response.create",
			Response: responseParams{Instructions: "Say exactly: " + cfg.Greeting},
		}); err != nil {
			sess.Close()
			sess.closeChannels()
			return nil, fmt.Errorf("openai: greeting: %w", err)
		}
	}

	go sess.receiveLoop()

	return sess, nil
}

// ── Protocol message types ────────────────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Voice             string         `json:"voice,omitempty"`
	Instructions      string         `json:"instructions,omitempty"`
	InputAudioFormat  string         `json:"input_audio_format"`
	OutputAudioFormat string         `json:"output_audio_format"`
	TurnDetection     *turnDetection `json:"turn_detection,omitempty"`
}

type turnDetection struct {
	Type string `json:"type"`
}

type responseCreateMessage struct {
	Type     string         `json:"type"`
	Response responseParams `json:"response"`
}

type responseParams struct {
	Instructions string `json:"instructions,omitempty"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

// serverErrorDetail is the nested error object of an error event:
// {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type serverEvent struct {
	Type  string             `json:"type"`
	Delta string             `json:"delta,omitempty"`
	Error *serverErrorDetail `json:"error,omitempty"`
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn   *websocket.Conn
	inRate int
	audio  chan []byte
	events chan agent.Event

	mu     sync.Mutex
	errVal error
	closed bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func (s *session) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// receiveLoop reads events from the WebSocket and dispatches them.
// It owns audio and events: it closes both when it exits.
func (s *session) receiveLoop() {
	defer s.closeChannels()

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				s.setErr(err)
			}
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}
		if !s.handleServerEvent(&evt, data) {
			return
		}
	}
}

func (s *session) handleServerEvent(evt *serverEvent, raw []byte) bool {
	if evt.Type == "response.audio.delta" {
		if evt.Delta == "" {
			return true
		}
		pcm, err := base64.StdEncoding.DecodeString(evt.Delta)
		if err != nil || len(pcm) == 0 {
			return true
		}
		select {
		case s.audio <- pcm:
			return true
		case <-s.ctx.Done():
			return false
		}
	}

	out := agent.Event{Type: evt.Type, Raw: json.RawMessage(raw)}
	if evt.Type == "error" {
		out.Type = agent.EventError
		out.Description = "unknown error"
		if evt.Error != nil {
			out.Code = evt.Error.Code
			if evt.Error.Message != "" {
				out.Description = evt.Error.Message
			}
		}
	}
	select {
	case s.events <- out:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

func (s *session) closeChannels() {
	s.closeOnce.Do(func() {
		close(s.audio)
		close(s.events)
	})
}

// ── SessionHandle methods ──────────────────────────────────────────────────────

// SendAudio resamples chunk to 24 kHz and appends it to the input buffer.
func (s *session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return agent.ErrSessionClosed
	}
	s.mu.Unlock()

	pcm := audio.ResampleMono16(chunk, s.inRate, realtimeSampleRate)
	return s.writeJSON(s.ctx, appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(pcm),
	})
}

// SendControl forwards a client event verbatim.
func (s *session) SendControl(msg json.RawMessage) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return agent.ErrSessionClosed
	}
	s.mu.Unlock()

	if !json.Valid(msg) {
		return errors.New("openai: control message is not valid JSON")
	}
	return s.conn.Write(s.ctx, websocket.MessageText, msg)
}

// Audio returns the channel on which the model's synthesised audio arrives.
func (s *session) Audio() <-chan []byte { return s.audio }

// Events returns the channel of non-audio server events.
func (s *session) Events() <-chan agent.Event { return s.events }

// Err returns the first non-nil error that caused the session to terminate.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close terminates the session and releases all resources. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
