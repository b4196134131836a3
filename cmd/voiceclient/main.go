// Command voiceclient talks to a voicerelay server from the terminal: it
// streams the local microphone to the agent and plays the replies through the
// default output device.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MrWong99/voicerelay/pkg/audio"
	"github.com/MrWong99/voicerelay/pkg/audio/portaudio"
	"github.com/MrWong99/voicerelay/pkg/protocol"
	"github.com/MrWong99/voicerelay/pkg/voiceclient"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	server := flag.String("url", "http://localhost:8081", "base URL of the voicerelay server")
	device := flag.String("device", "", "input device name (substring match); empty uses the system default")
	token := flag.String("token", "", "session token; fetched from the server when empty")
	interval := flag.Duration("interval", voiceclient.DefaultSendInterval, "minimum spacing between sent audio blocks")
	verbose := flag.Bool("v", false, "enable debug logging")
	flag.Parse()

	// ── Logger ────────────────────────────────────────────────────────────────
	lvl := slog.LevelInfo
	if *verbose {
		lvl = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))

	wsURL, err := voiceAgentURL(*server)
	if err != nil {
		fmt.Fprintf(os.Stderr, "voiceclient: %v\n", err)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Session token ─────────────────────────────────────────────────────────
	if *token == "" {
		fetchCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		*token, err = voiceclient.FetchToken(fetchCtx, &http.Client{Timeout: 10 * time.Second}, *server)
		cancel()
		if err != nil {
			slog.Error("failed to obtain session token", "err", err)
			return 1
		}
		slog.Debug("session token obtained")
	}

	// ── Audio devices ─────────────────────────────────────────────────────────
	terminate, err := portaudio.Initialize()
	if err != nil {
		slog.Error("failed to initialise audio", "err", err)
		return 1
	}
	defer func() {
		if err := terminate(); err != nil {
			slog.Warn("audio terminate error", "err", err)
		}
	}()

	out, err := portaudio.NewOutput(audio.PlaybackSampleRate, audio.DefaultBlockSize)
	if err != nil {
		slog.Error("failed to open audio output", "err", err)
		return 1
	}

	// ── Session ───────────────────────────────────────────────────────────────
	sess, err := voiceclient.Start(ctx, voiceclient.Config{
		Microphone:   portaudio.Microphone{},
		Output:       out,
		Dialer:       voiceclient.WSDialer{URL: wsURL, Token: *token},
		DeviceID:     *device,
		SendInterval: *interval,
		OnEvent:      printEvent,
	})
	if err != nil {
		// Start releases the output on failure.
		slog.Error("failed to start session", "err", err)
		return 1
	}

	slog.Info("connected, start talking (Ctrl+C to quit)", "relay", wsURL)

	select {
	case <-ctx.Done():
		sess.Stop()
		<-sess.Done()
	case <-sess.Done():
	}

	st := sess.Stats()
	slog.Info("session ended", "sent", st.Sent, "throttled", st.Throttled, "played", st.Played, "skipped", st.Skipped)
	if err := sess.Err(); err != nil {
		slog.Error("session error", "err", err)
		return 1
	}
	return 0
}

// voiceAgentURL turns the server's HTTP base URL into the WebSocket endpoint.
func voiceAgentURL(base string) (string, error) {
	u, err := url.Parse(strings.TrimSuffix(base, "/"))
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", base, err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	u.Path += protocol.VoiceAgentPath
	return u.String(), nil
}

// printEvent shows conversation text on stdout and logs everything else.
func printEvent(raw json.RawMessage) {
	var ev struct {
		Type    string `json:"type"`
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(raw, &ev); err != nil {
		slog.Debug("undecodable agent event", "err", err)
		return
	}
	if ev.Type == "ConversationText" && ev.Content != "" {
		fmt.Printf("%s: %s\n", ev.Role, ev.Content)
		return
	}
	slog.Debug("agent event", "type", ev.Type)
}
