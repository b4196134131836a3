// Package deepgram implements the agent.Provider interface for the Deepgram
// Voice Agent API.
//
// A session is a single WebSocket to the converse endpoint. The first message
// sent is a Settings object describing audio formats and the listen, think,
// and speak models. Connect returns only after the server acknowledges it with
// SettingsApplied. Microphone audio travels upstream as binary frames and the
// agent's speech arrives as binary frames; every other server message is a
// JSON event surfaced on Events.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voicerelay/pkg/agent"
)

var _ agent.Provider = (*Provider)(nil)
var _ agent.SessionHandle = (*session)(nil)

const (
	defaultBaseURL       = "wss://agent.deepgram.com/v1/agent/converse"
	defaultListenModel   = "nova-3"
	defaultThinkProvider = "open_ai"
	defaultThinkModel    = "gpt-4o-mini"
	defaultSpeakModel    = "aura-2-thalia-en"
	defaultKeepAlive     = 8 * time.Second

	// Agent speech arrives in frames well above the library's 32 KiB default.
	maxMessageBytes = 4 << 20
)

// Server message types this package acts on.
const (
	msgWelcome         = "Welcome"
	msgSettingsApplied = "SettingsApplied"
	msgKeepAlive       = "KeepAlive"
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithBaseURL overrides the converse endpoint. Primarily used in tests to point
// at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithKeepAlive sets the interval between KeepAlive messages. Zero disables
// them.
func WithKeepAlive(d time.Duration) Option {
	return func(p *Provider) { p.keepAlive = d }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements agent.Provider for the Deepgram Voice Agent API.
type Provider struct {
	apiKey    string
	baseURL   string
	keepAlive time.Duration
}

// New creates a Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: api key must not be empty")
	}
	p := &Provider{
		apiKey:    apiKey,
		baseURL:   defaultBaseURL,
		keepAlive: defaultKeepAlive,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Capabilities returns static metadata about the Deepgram agent.
func (p *Provider) Capabilities() agent.Capabilities {
	return agent.Capabilities{
		Name:             "deepgram",
		InputSampleRates: []int{8000, 16000, 24000, 48000},
		OutputSampleRate: 24000,
		SupportsControl:  true,
	}
}

// Connect dials the converse endpoint, sends Settings, and waits for
// SettingsApplied. An Error message before that point fails the call with an
// [*agent.ProviderError].
func (p *Provider) Connect(ctx context.Context, cfg agent.SessionConfig) (agent.SessionHandle, error) {
	conn, _, err := websocket.Dial(ctx, p.baseURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Token " + p.apiKey},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}
	conn.SetReadLimit(maxMessageBytes)

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:   conn,
		audio:  make(chan []byte, 64),
		events: make(chan agent.Event, 32),
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
		ctx:    sessCtx,
		cancel: sessCancel,
	}

	if err := sess.writeJSON(ctx, newSettings(cfg)); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "settings failed")
		return nil, fmt.Errorf("deepgram: send settings: %w", err)
	}

	go sess.receiveLoop()

	select {
	case <-sess.ready:
	case <-sess.done:
		err := sess.Err()
		sess.Close()
		if err == nil {
			err = errors.New("connection closed before settings were applied")
		}
		return nil, fmt.Errorf("deepgram: settings: %w", err)
	case <-ctx.Done():
		sess.Close()
		return nil, fmt.Errorf("deepgram: waiting for settings: %w", ctx.Err())
	}

	if p.keepAlive > 0 {
		go sess.keepAliveLoop(p.keepAlive)
	}
	return sess, nil
}

// ── Protocol message types ────────────────────────────────────────────────────

type settingsMessage struct {
	Type  string        `json:"type"`
	Audio audioSettings `json:"audio"`
	Agent agentSettings `json:"agent"`
}

type audioSettings struct {
	Input  audioFormat `json:"input"`
	Output audioFormat `json:"output"`
}

type audioFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
	Container  string `json:"container,omitempty"`
}

type agentSettings struct {
	Language string         `json:"language,omitempty"`
	Listen   listenSettings `json:"listen"`
	Think    thinkSettings  `json:"think"`
	Speak    speakSettings  `json:"speak"`
	Greeting string         `json:"greeting,omitempty"`
}

type modelProvider struct {
	Type  string `json:"type"`
	Model string `json:"model,omitempty"`
}

type listenSettings struct {
	Provider modelProvider `json:"provider"`
}

type thinkSettings struct {
	Provider modelProvider `json:"provider"`
	Prompt   string        `json:"prompt,omitempty"`
}

type speakSettings struct {
	Provider modelProvider `json:"provider"`
}

// serverMessage holds the fields of every JSON server message this package
// inspects. Error messages carry description and code.
type serverMessage struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	Code        string `json:"code,omitempty"`
	Message     string `json:"message,omitempty"`
}

func newSettings(cfg agent.SessionConfig) settingsMessage {
	in := cfg.InputSampleRate
	if in <= 0 {
		in = 16000
	}
	out := cfg.OutputSampleRate
	if out <= 0 {
		out = 24000
	}
	return settingsMessage{
		Type: "Settings",
		Audio: audioSettings{
			Input:  audioFormat{Encoding: "linear16", SampleRate: in},
			Output: audioFormat{Encoding: "linear16", SampleRate: out, Container: "none"},
		},
		Agent: agentSettings{
			Language: cfg.Language,
			Listen: listenSettings{
				Provider: modelProvider{Type: "deepgram", Model: orDefault(cfg.ListenModel, defaultListenModel)},
			},
			Think: thinkSettings{
				Provider: modelProvider{
					Type:  orDefault(cfg.ThinkProvider, defaultThinkProvider),
					Model: orDefault(cfg.ThinkModel, defaultThinkModel),
				},
				Prompt: cfg.Instructions,
			},
			Speak: speakSettings{
				Provider: modelProvider{Type: "deepgram", Model: orDefault(cfg.SpeakModel, defaultSpeakModel)},
			},
			Greeting: cfg.Greeting,
		},
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn   *websocket.Conn
	audio  chan []byte
	events chan agent.Event

	// ready is closed on SettingsApplied; done when receiveLoop exits.
	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}

	mu     sync.Mutex
	errVal error
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
}

func (s *session) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("deepgram: marshal: %w", err)
	}
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// receiveLoop owns audio and events: it closes both when it exits.
func (s *session) receiveLoop() {
	defer close(s.done)
	defer close(s.events)
	defer close(s.audio)

	for {
		typ, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure {
				s.setErr(err)
			}
			return
		}

		if typ == websocket.MessageBinary {
			if len(data) == 0 {
				continue
			}
			select {
			case s.audio <- data:
			case <-s.ctx.Done():
				return
			}
			continue
		}

		if !s.handleMessage(data) {
			return
		}
	}
}

// handleMessage dispatches one JSON message. It returns false when the loop
// must stop.
func (s *session) handleMessage(data []byte) bool {
	var msg serverMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.Debug("deepgram: dropping unparseable message", "err", err)
		return true
	}

	evt := agent.Event{Type: msg.Type, Raw: json.RawMessage(data)}
	switch msg.Type {
	case agent.EventError:
		evt.Description = msg.Description
		if evt.Description == "" {
			evt.Description = msg.Message
		}
		evt.Code = msg.Code
		if !s.isReady() {
			s.setErr(&agent.ProviderError{Code: evt.Code, Description: evt.Description})
			return false
		}
	case msgSettingsApplied:
		s.readyOnce.Do(func() { close(s.ready) })
	}

	select {
	case s.events <- evt:
	case <-s.ctx.Done():
		return false
	}
	return true
}

func (s *session) isReady() bool {
	select {
	case <-s.ready:
		return true
	default:
		return false
	}
}

func (s *session) keepAliveLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.writeJSON(s.ctx, map[string]string{"type": msgKeepAlive}); err != nil {
				slog.Debug("deepgram: keepalive failed", "err", err)
				return
			}
		}
	}
}

func (s *session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ── SessionHandle methods ──────────────────────────────────────────────────────

// SendAudio writes a binary PCM16 frame.
func (s *session) SendAudio(chunk []byte) error {
	if s.isClosed() {
		return agent.ErrSessionClosed
	}
	if err := s.conn.Write(s.ctx, websocket.MessageBinary, chunk); err != nil {
		return fmt.Errorf("deepgram: send audio: %w", err)
	}
	return nil
}

// SendControl writes msg as a text frame after checking it is valid JSON.
func (s *session) SendControl(msg json.RawMessage) error {
	if s.isClosed() {
		return agent.ErrSessionClosed
	}
	if !json.Valid(msg) {
		return errors.New("deepgram: control message is not valid JSON")
	}
	if err := s.conn.Write(s.ctx, websocket.MessageText, msg); err != nil {
		return fmt.Errorf("deepgram: send control: %w", err)
	}
	return nil
}

// Audio returns the channel of synthesised PCM16 frames.
func (s *session) Audio() <-chan []byte { return s.audio }

// Events returns the channel of JSON server messages.
func (s *session) Events() <-chan agent.Event { return s.events }

// Err returns the first error that terminated the session.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close terminates the session. Idempotent.
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
