package deepgram_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voicerelay/pkg/agent"
	"github.com/MrWong99/voicerelay/pkg/agent/deepgram"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startAgentServer launches a test WebSocket server that stands in for the
// converse endpoint. It is closed when the test finishes.
func startAgentServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Errorf("readJSON: %v", err)
		return
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Errorf("readJSON unmarshal: %v", err)
	}
}

func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

// handshake consumes the Settings message and acknowledges it the way the
// real service does.
func handshake(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	var settings map[string]any
	readJSON(t, conn, &settings)
	writeJSON(t, conn, map[string]string{"type": "Welcome", "request_id": "req-1"})
	writeJSON(t, conn, map[string]string{"type": "SettingsApplied"})
	return settings
}

func connect(t *testing.T, srv *httptest.Server, opts ...deepgram.Option) agent.SessionHandle {
	t.Helper()
	opts = append([]deepgram.Option{deepgram.WithBaseURL(wsURL(srv)), deepgram.WithKeepAlive(0)}, opts...)
	p, err := deepgram.New("test-key", opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	h, err := p.Connect(ctx, agent.DefaultSessionConfig())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

func nextEvent(t *testing.T, h agent.SessionHandle) agent.Event {
	t.Helper()
	select {
	case evt, ok := <-h.Events():
		if !ok {
			t.Fatal("events channel closed")
		}
		return evt
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for event")
	}
	return agent.Event{}
}

// ── Construction ──────────────────────────────────────────────────────────────

func TestNew_EmptyKey(t *testing.T) {
	t.Parallel()
	if _, err := deepgram.New(""); err == nil {
		t.Fatal("expected error for empty api key")
	}
}

func TestCapabilities(t *testing.T) {
	t.Parallel()
	p, err := deepgram.New("k")
	if err != nil {
		t.Fatal(err)
	}
	caps := p.Capabilities()
	if caps.Name != "deepgram" || caps.OutputSampleRate != 24000 || !caps.SupportsControl {
		t.Errorf("unexpected capabilities: %+v", caps)
	}
}

// ── Connect ───────────────────────────────────────────────────────────────────

func TestConnect_SendsSettingsAndAuthHeader(t *testing.T) {
	t.Parallel()

	type captured struct {
		auth     string
		settings map[string]any
	}
	got := make(chan captured, 1)

	srv := startAgentServer(t, func(conn *websocket.Conn, r *http.Request) {
		s := handshake(t, conn)
		got <- captured{auth: r.Header.Get("Authorization"), settings: s}
		<-conn.CloseRead(context.Background()).Done()
	})

	p, _ := deepgram.New("secret", deepgram.WithBaseURL(wsURL(srv)), deepgram.WithKeepAlive(0))
	cfg := agent.DefaultSessionConfig()
	cfg.Instructions = "You are a helpful assistant."
	cfg.Greeting = "Hello!"
	h, err := p.Connect(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer h.Close()

	var c captured
	select {
	case c = <-got:
	case <-time.After(3 * time.Second):
		t.Fatal("timeout")
	}

	if c.auth != "Token secret" {
		t.Errorf("Authorization = %q, want %q", c.auth, "Token secret")
	}
	if c.settings["type"] != "Settings" {
		t.Errorf("type = %v, want Settings", c.settings["type"])
	}
	audioCfg, _ := c.settings["audio"].(map[string]any)
	in, _ := audioCfg["input"].(map[string]any)
	out, _ := audioCfg["output"].(map[string]any)
	if in["encoding"] != "linear16" || in["sample_rate"] != float64(16000) {
		t.Errorf("input format = %v", in)
	}
	if out["encoding"] != "linear16" || out["sample_rate"] != float64(24000) || out["container"] != "none" {
		t.Errorf("output format = %v", out)
	}
	agentCfg, _ := c.settings["agent"].(map[string]any)
	think, _ := agentCfg["think"].(map[string]any)
	if think["prompt"] != "You are a helpful assistant." {
		t.Errorf("think.prompt = %v", think["prompt"])
	}
	if agentCfg["greeting"] != "Hello!" {
		t.Errorf("greeting = %v", agentCfg["greeting"])
	}
}

func TestConnect_EventsIncludeHandshake(t *testing.T) {
	t.Parallel()
	srv := startAgentServer(t, func(conn *websocket.Conn, _ *http.Request) {
		handshake(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})
	h := connect(t, srv)

	if evt := nextEvent(t, h); evt.Type != "Welcome" {
		t.Errorf("first event = %q, want Welcome", evt.Type)
	}
	if evt := nextEvent(t, h); evt.Type != "SettingsApplied" {
		t.Errorf("second event = %q, want SettingsApplied", evt.Type)
	}
}

func TestConnect_ErrorBeforeSettingsApplied(t *testing.T) {
	t.Parallel()
	srv := startAgentServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var settings map[string]any
		readJSON(t, conn, &settings)
		writeJSON(t, conn, map[string]string{
			"type":        "Error",
			"description": "Invalid think provider",
			"code":        "INVALID_SETTINGS",
		})
		<-conn.CloseRead(context.Background()).Done()
	})

	p, _ := deepgram.New("k", deepgram.WithBaseURL(wsURL(srv)))
	_, err := p.Connect(context.Background(), agent.DefaultSessionConfig())
	if err == nil {
		t.Fatal("expected error")
	}
	var pe *agent.ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("error %v is not a ProviderError", err)
	}
	if pe.Code != "INVALID_SETTINGS" || pe.Description != "Invalid think provider" {
		t.Errorf("ProviderError = %+v", pe)
	}
}

func TestConnect_ContextDeadline(t *testing.T) {
	t.Parallel()
	srv := startAgentServer(t, func(conn *websocket.Conn, _ *http.Request) {
		<-conn.CloseRead(context.Background()).Done()
	})

	p, _ := deepgram.New("k", deepgram.WithBaseURL(wsURL(srv)))
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := p.Connect(ctx, agent.DefaultSessionConfig())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

func TestConnect_DeadlineBoundsSettingsWrite(t *testing.T) {
	t.Parallel()
	// The agent never reads, so a large enough Settings message fills the
	// socket buffers and the write stalls.
	release := make(chan struct{})
	srv := startAgentServer(t, func(*websocket.Conn, *http.Request) { <-release })
	t.Cleanup(func() { close(release) })

	cfg := agent.DefaultSessionConfig()
	cfg.Instructions = strings.Repeat("x", 32<<20)

	p, _ := deepgram.New("k", deepgram.WithBaseURL(wsURL(srv)))
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		_, err := p.Connect(ctx, cfg)
		errCh <- err
	}()
	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("Connect succeeded against an agent that never read Settings")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Connect ignored its deadline while writing Settings")
	}
}

func TestConnect_DialFailure(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	p, _ := deepgram.New("k", deepgram.WithBaseURL(wsURL(srv)))
	if _, err := p.Connect(context.Background(), agent.DefaultSessionConfig()); err == nil {
		t.Fatal("expected dial error")
	}
}

// ── Streaming ─────────────────────────────────────────────────────────────────

func TestSendAudio_WritesBinaryFrame(t *testing.T) {
	t.Parallel()
	received := make(chan []byte, 1)
	srv := startAgentServer(t, func(conn *websocket.Conn, _ *http.Request) {
		handshake(t, conn)
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		typ, data, err := conn.Read(ctx)
		if err != nil || typ != websocket.MessageBinary {
			t.Errorf("read: typ=%v err=%v", typ, err)
			return
		}
		received <- data
	})
	h := connect(t, srv)

	chunk := bytes.Repeat([]byte{0x01, 0x02}, 320)
	if err := h.SendAudio(chunk); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	select {
	case got := <-received:
		if !bytes.Equal(got, chunk) {
			t.Errorf("server received %d bytes, want %d", len(got), len(chunk))
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout")
	}
}

func TestSendControl_ForwardsVerbatim(t *testing.T) {
	t.Parallel()
	received := make(chan string, 1)
	srv := startAgentServer(t, func(conn *websocket.Conn, _ *http.Request) {
		handshake(t, conn)
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		received <- string(data)
	})
	h := connect(t, srv)

	msg := `{"type":"InjectAgentMessage","message":"One moment."}`
	if err := h.SendControl(json.RawMessage(msg)); err != nil {
		t.Fatalf("SendControl: %v", err)
	}
	select {
	case got := <-received:
		if got != msg {
			t.Errorf("server received %q, want %q", got, msg)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout")
	}
}

func TestSendControl_InvalidJSON(t *testing.T) {
	t.Parallel()
	srv := startAgentServer(t, func(conn *websocket.Conn, _ *http.Request) {
		handshake(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})
	h := connect(t, srv)
	if err := h.SendControl(json.RawMessage(`{not json`)); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestAudio_DeliversBinaryFrames(t *testing.T) {
	t.Parallel()
	payload := bytes.Repeat([]byte{0xAB}, 48000)
	srv := startAgentServer(t, func(conn *websocket.Conn, _ *http.Request) {
		handshake(t, conn)
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = conn.Write(ctx, websocket.MessageBinary, payload)
		<-conn.CloseRead(context.Background()).Done()
	})
	h := connect(t, srv)

	select {
	case got := <-h.Audio():
		if !bytes.Equal(got, payload) {
			t.Errorf("audio = %d bytes, want %d", len(got), len(payload))
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for audio")
	}
}

func TestEvents_ErrorAfterReady(t *testing.T) {
	t.Parallel()
	srv := startAgentServer(t, func(conn *websocket.Conn, _ *http.Request) {
		handshake(t, conn)
		writeJSON(t, conn, map[string]string{
			"type":        "Error",
			"description": "LLM request failed",
			"code":        "THINK_REQUEST_FAILED",
		})
		<-conn.CloseRead(context.Background()).Done()
	})
	h := connect(t, srv)

	nextEvent(t, h) // Welcome
	nextEvent(t, h) // SettingsApplied
	evt := nextEvent(t, h)
	if !evt.IsError() {
		t.Fatalf("event type = %q, want Error", evt.Type)
	}
	if evt.Code != "THINK_REQUEST_FAILED" || evt.Description != "LLM request failed" {
		t.Errorf("event = %+v", evt)
	}
	if !json.Valid(evt.Raw) {
		t.Errorf("raw event is not valid JSON: %s", evt.Raw)
	}
}

func TestKeepAlive_Sent(t *testing.T) {
	t.Parallel()
	got := make(chan struct{}, 1)
	srv := startAgentServer(t, func(conn *websocket.Conn, _ *http.Request) {
		handshake(t, conn)
		for {
			var msg map[string]any
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			_, data, err := conn.Read(ctx)
			cancel()
			if err != nil {
				return
			}
			if json.Unmarshal(data, &msg) == nil && msg["type"] == "KeepAlive" {
				got <- struct{}{}
				return
			}
		}
	})
	connect(t, srv, deepgram.WithKeepAlive(50*time.Millisecond))

	select {
	case <-got:
	case <-time.After(3 * time.Second):
		t.Fatal("no KeepAlive received")
	}
}

// ── Lifecycle ─────────────────────────────────────────────────────────────────

func TestClose_ClosesChannelsAndIsIdempotent(t *testing.T) {
	t.Parallel()
	srv := startAgentServer(t, func(conn *websocket.Conn, _ *http.Request) {
		handshake(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})
	h := connect(t, srv)

	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	deadline := time.After(3 * time.Second)
	for audioOpen, eventsOpen := true, true; audioOpen || eventsOpen; {
		select {
		case _, ok := <-h.Audio():
			audioOpen = ok && audioOpen
		case _, ok := <-h.Events():
			eventsOpen = ok && eventsOpen
		case <-deadline:
			t.Fatal("channels not closed after Close")
		}
	}
	if err := h.Err(); err != nil {
		t.Errorf("Err after clean close = %v, want nil", err)
	}
	if err := h.SendAudio([]byte{0, 0}); !errors.Is(err, agent.ErrSessionClosed) {
		t.Errorf("SendAudio after Close = %v, want ErrSessionClosed", err)
	}
}

func TestErr_AbnormalServerClose(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		handshake(t, conn)
		conn.Close(websocket.StatusInternalError, "boom")
	}))
	t.Cleanup(srv.Close)
	h := connect(t, srv)

	deadline := time.After(3 * time.Second)
	for open := true; open; {
		select {
		case _, ok := <-h.Audio():
			open = ok
		case <-deadline:
			t.Fatal("audio channel not closed")
		}
	}
	if h.Err() == nil {
		t.Error("Err = nil after abnormal close, want error")
	}
}
