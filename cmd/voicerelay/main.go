// Command voicerelay is the main entry point for the voice-agent relay server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/voicerelay/internal/app"
	"github.com/MrWong99/voicerelay/internal/config"
	"github.com/MrWong99/voicerelay/internal/observe"
	"github.com/MrWong99/voicerelay/pkg/agent"
	"github.com/MrWong99/voicerelay/pkg/agent/deepgram"
	"github.com/MrWong99/voicerelay/pkg/agent/openai"
	"github.com/MrWong99/voicerelay/pkg/protocol"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "", "path to an optional YAML configuration file")
	envFile := flag.String("env-file", ".env", "path to a .env file; existing variables win")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	if err := config.LoadEnvFile(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "voicerelay: %v\n", err)
		return 1
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voicerelay: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voicerelay: invalid configuration:\n%v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("voicerelay starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr(),
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	promReg := observe.NewRegistry()
	shutdownTelemetry, err := observe.InitProvider(context.Background(), observe.ProviderConfig{
		ServiceVersion: version,
		Registerer:     promReg,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(ctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	provider, err := reg.CreateAgent(cfg.Agent.Provider)
	if err != nil {
		slog.Error("failed to build agent provider", "err", err)
		return 1
	}
	slog.Info("provider created", "kind", "agent", "name", cfg.Agent.Provider.Name)

	// ── Application ───────────────────────────────────────────────────────────
	application, err := app.New(cfg, provider, app.WithGatherer(promReg))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	printStartupSummary(cfg, application.Issuer().RequireNonce())

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("server ready, press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires the agent providers that ship with the relay
// into reg.
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterAgent("deepgram", func(entry config.ProviderEntry) (agent.Provider, error) {
		var opts []deepgram.Option
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithBaseURL(entry.BaseURL))
		}
		if d := optDuration(entry.Options, "keep_alive"); d > 0 {
			opts = append(opts, deepgram.WithKeepAlive(d))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	reg.RegisterAgent("openai-realtime", func(entry config.ProviderEntry) (agent.Provider, error) {
		var opts []openai.Option
		if entry.Model != "" {
			opts = append(opts, openai.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if voice := optString(entry.Options, "voice"); voice != "" {
			opts = append(opts, openai.WithVoice(voice))
		}
		return openai.New(entry.APIKey, opts...)
	})

	for _, name := range reg.AgentNames() {
		slog.Debug("registered provider", "kind", "agent", "name", name)
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, nonceRequired bool) {
	scheme, wsScheme := "http", "ws"
	if cfg.Server.TLS != nil {
		scheme, wsScheme = "https", "wss"
	}
	base := cfg.Server.ListenAddr()
	session := scheme + "://" + base + protocol.SessionPath
	if nonceRequired {
		session += " (nonce required)"
	}

	fmt.Println("╔══════════════════════════════════════════════════════════════╗")
	fmt.Println("║               voicerelay: startup summary                    ║")
	fmt.Println("╠══════════════════════════════════════════════════════════════╣")
	printRow("Agent", providerLabel(cfg.Agent.Provider))
	printRow("Frontend", scheme+"://"+base+"/")
	printRow("Session", session)
	printRow("WebSocket", wsScheme+"://"+base+protocol.VoiceAgentPath)
	printRow("Metadata", scheme+"://"+base+"/api/metadata")
	printRow("Metrics", scheme+"://"+base+app.MetricsPath)
	fmt.Println("╚══════════════════════════════════════════════════════════════╝")
}

func printRow(label, value string) {
	if len(value) > 46 {
		value = value[:43] + "…"
	}
	fmt.Printf("║  %-10s : %-46s ║\n", label, value)
}

func providerLabel(p config.ProviderEntry) string {
	if p.Model != "" {
		return p.Name + " / " + p.Model
	}
	return p.Name
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optDuration reads a Go duration string such as "8s" from provider Options.
func optDuration(opts map[string]any, key string) time.Duration {
	d, err := time.ParseDuration(optString(opts, key))
	if err != nil {
		return 0
	}
	return d
}
