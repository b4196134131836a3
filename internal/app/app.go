// Package app wires the relay subsystems into a running HTTP server.
//
// The App struct owns the full lifecycle: New builds every handler from the
// config, Run serves until the context ends, and Shutdown drains and closes
// the listener.
//
// For testing, inject doubles via functional options (WithMetrics,
// WithGatherer, WithBreaker). The agent provider is always passed in by the
// caller so tests can hand over a mock.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/MrWong99/voicerelay/internal/auth"
	"github.com/MrWong99/voicerelay/internal/config"
	"github.com/MrWong99/voicerelay/internal/health"
	"github.com/MrWong99/voicerelay/internal/observe"
	"github.com/MrWong99/voicerelay/internal/relay"
	"github.com/MrWong99/voicerelay/internal/resilience"
	"github.com/MrWong99/voicerelay/internal/web"
	"github.com/MrWong99/voicerelay/pkg/agent"
	"github.com/MrWong99/voicerelay/pkg/protocol"
)

// MetricsPath is where the Prometheus scrape endpoint is mounted.
const MetricsPath = "/metrics"

// App owns the HTTP server and every handler mounted on it.
type App struct {
	cfg      *config.Config
	provider agent.Provider

	metrics  *observe.Metrics
	gatherer prometheus.Gatherer
	issuer   *auth.Issuer
	breaker  *resilience.Breaker
	health   *health.Handler
	handler  http.Handler

	server     *http.Server
	baseCtx    context.Context
	cancelBase context.CancelFunc

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithMetrics injects the instrument set instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithGatherer sets the Prometheus source served at /metrics. Without it the
// default Prometheus registry is served.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(a *App) { a.gatherer = g }
}

// WithBreaker injects the circuit breaker guarding vendor dials.
func WithBreaker(b *resilience.Breaker) Option {
	return func(a *App) { a.breaker = b }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App from cfg. provider may be nil when no API key is
// configured; WebSocket clients then receive MISSING_API_KEY.
func New(cfg *config.Config, provider agent.Provider, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, provider: provider}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.gatherer == nil {
		a.gatherer = prometheus.DefaultGatherer
	}
	if provider != nil {
		rate := sessionConfig(cfg.Agent).InputSampleRate
		if caps := provider.Capabilities(); !caps.AcceptsInputRate(rate) {
			return nil, fmt.Errorf("app: provider %q does not accept %d Hz input, supported rates are %v",
				caps.Name, rate, caps.InputSampleRates)
		}
	}

	// ── 1. Session tokens ────────────────────────────────────────────────
	issuer, err := auth.NewIssuer(auth.Config{
		Secret:   cfg.Session.Secret,
		TokenTTL: cfg.Session.TokenTTL,
		NonceTTL: cfg.Session.NonceTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("app: init auth: %w", err)
	}
	a.issuer = issuer
	if !issuer.RequireNonce() {
		slog.Warn("no session secret configured, using a random one and skipping page nonces")
	}

	// ── 2. Circuit breaker ───────────────────────────────────────────────
	if a.breaker == nil {
		a.breaker = resilience.New(resilience.Config{
			Name:         cfg.Agent.Provider.Name,
			MaxFailures:  cfg.Agent.Breaker.MaxFailures,
			ResetTimeout: cfg.Agent.Breaker.ResetTimeout,
			HalfOpenMax:  cfg.Agent.Breaker.HalfOpenMax,
			OnStateChange: func(name string, from, to resilience.State) {
				slog.Warn("agent circuit breaker state changed", "provider", name, "from", from, "to", to)
			},
		})
	}

	// ── 3. Health ────────────────────────────────────────────────────────
	a.health = health.New(a.readinessCheckers()...)

	// ── 4. Routes ────────────────────────────────────────────────────────
	a.handler = a.routes()

	a.baseCtx, a.cancelBase = context.WithCancel(context.Background())
	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr(),
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return a.baseCtx },
	}
	return a, nil
}

// readinessCheckers reports not ready while no provider is configured or the
// vendor breaker is open.
func (a *App) readinessCheckers() []health.Checker {
	return []health.Checker{
		{
			Name: "agent",
			Check: func(context.Context) error {
				if a.provider == nil {
					return errors.New("no agent provider configured")
				}
				return nil
			},
		},
		{
			Name: "breaker",
			Check: func(context.Context) error {
				if a.breaker.State() == resilience.StateOpen {
					return resilience.ErrCircuitOpen
				}
				return nil
			},
		},
	}
}

func (a *App) routes() http.Handler {
	mux := http.NewServeMux()

	web.New(web.Config{
		StaticDir:    a.cfg.Web.StaticDir,
		MetadataFile: a.cfg.Web.MetadataFile,
		Issuer:       a.issuer,
		Metrics:      a.metrics,
	}).Register(mux)

	mux.Handle("GET "+protocol.VoiceAgentPath, relay.New(relay.Config{
		Provider:        a.provider,
		ProviderName:    a.cfg.Agent.Provider.Name,
		Session:         sessionConfig(a.cfg.Agent),
		Auth:            a.issuer,
		Breaker:         a.breaker,
		Metrics:         a.metrics,
		ConnectTimeout:  a.cfg.Agent.ConnectTimeout,
		OriginPatterns:  originPatterns(a.cfg.Server.CORSOrigins),
		MaxMessageBytes: a.cfg.Relay.MaxMessageBytes,
		WriteTimeout:    a.cfg.Relay.WriteTimeout,
	}))

	a.health.Register(mux)
	mux.Handle("GET "+MetricsPath, observe.MetricsHandler(a.gatherer))

	var h http.Handler = mux
	h = web.CORS(a.cfg.Server.CORSOrigins)(h)
	h = observe.Middleware(a.metrics)(h)
	return h
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Handler returns the fully wrapped HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Issuer returns the session token issuer.
func (a *App) Issuer() *auth.Issuer { return a.issuer }

// Breaker returns the circuit breaker guarding vendor dials.
func (a *App) Breaker() *resilience.Breaker { return a.breaker }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run listens on the configured address and serves until ctx is cancelled or
// the server fails. A cancelled ctx is returned as ctx.Err().
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.server.Addr)
	if err != nil {
		return fmt.Errorf("app: listen %s: %w", a.server.Addr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	errc := make(chan error, 1)
	go func() {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.Serve(ln)
		}
		errc <- err
	}()

	slog.Info("listening", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown marks the server as draining, stops accepting connections, waits
// for in-flight HTTP requests, and then ends every open relay session. It
// respects the ctx deadline.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down")
		a.health.SetDraining(true)

		if err := a.server.Shutdown(ctx); err != nil {
			slog.Warn("http shutdown error", "err", err)
			shutdownErr = err
		}
		// Relay sessions are hijacked and not tracked by Shutdown; their
		// request contexts derive from baseCtx.
		a.cancelBase()

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// sessionConfig converts the agent section of the config into the settings
// sent to the vendor for every session.
func sessionConfig(ac config.AgentConfig) agent.SessionConfig {
	sc := agent.DefaultSessionConfig()
	if ac.Language != "" {
		sc.Language = ac.Language
	}
	sc.Instructions = ac.Instructions
	sc.Greeting = ac.Greeting
	sc.ListenModel = ac.ListenModel
	sc.ThinkProvider = ac.ThinkProvider
	sc.ThinkModel = ac.ThinkModel
	sc.SpeakModel = ac.SpeakModel
	return sc
}

// originPatterns turns the CORS origin list into WebSocket origin patterns.
// The patterns match hosts, so scheme prefixes are stripped. A wildcard
// yields no patterns, which disables the origin check.
func originPatterns(origins []string) []string {
	var out []string
	for _, o := range origins {
		if o == "*" {
			return nil
		}
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			out = append(out, u.Host)
		} else if o != "" {
			out = append(out, o)
		}
	}
	return out
}
