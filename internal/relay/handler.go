// Package relay bridges browser WebSocket connections to hosted voice-agent
// sessions.
//
// Each accepted connection gets exactly one [agent.SessionHandle] for its
// whole lifetime. Microphone audio flows up unchanged, agent speech and
// events flow down wrapped in the JSON envelopes defined by package protocol.
// When either side goes away the other is torn down; nothing is buffered or
// resumed.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.opentelemetry.io/otel/attribute"

	"github.com/MrWong99/voicerelay/internal/auth"
	"github.com/MrWong99/voicerelay/internal/observe"
	"github.com/MrWong99/voicerelay/internal/resilience"
	"github.com/MrWong99/voicerelay/pkg/agent"
	"github.com/MrWong99/voicerelay/pkg/protocol"
)

// Error descriptions sent to clients.
const (
	descMissingAPIKey    = "Missing API key"
	descConnectionFailed = "Failed to establish proxy connection"
)

// Defaults applied by [New] to zero-valued [Config] fields.
const (
	DefaultConnectTimeout  = 10 * time.Second
	DefaultMaxMessageBytes = 1 << 20
	DefaultWriteTimeout    = 5 * time.Second
)

// Authenticator validates the subprotocols offered by a connecting client and
// returns the one to echo. [auth.Issuer] satisfies it.
type Authenticator interface {
	ValidateProtocols(protocols []string) (string, error)
}

var _ Authenticator = (*auth.Issuer)(nil)

// Config configures a [Handler].
type Config struct {
	// Provider opens vendor sessions. Nil means no API key was configured;
	// every connection then receives a MISSING_API_KEY error.
	Provider agent.Provider

	// ProviderName labels metrics and logs.
	ProviderName string

	// Session is passed to Provider.Connect for every connection.
	Session agent.SessionConfig

	// Auth validates session tokens. Nil disables authentication.
	Auth Authenticator

	// Breaker guards Provider.Connect. Nil disables the breaker.
	Breaker *resilience.Breaker

	// Metrics records relay traffic. Nil uses [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// ConnectTimeout bounds dialling the vendor including its handshake.
	ConnectTimeout time.Duration

	// OriginPatterns restricts browser origins. Empty or "*" accepts any.
	OriginPatterns []string

	// MaxMessageBytes caps a single inbound client frame.
	MaxMessageBytes int64

	// WriteTimeout bounds each outbound frame.
	WriteTimeout time.Duration
}

// Handler serves the voice-agent WebSocket endpoint.
type Handler struct {
	cfg     Config
	metrics *observe.Metrics
}

// New creates a [Handler], filling zero-valued timeouts and limits with
// defaults.
func New(cfg Config) *Handler {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	m := cfg.Metrics
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &Handler{cfg: cfg, metrics: m}
}

// ServeHTTP upgrades the request, authenticates it, opens the vendor session
// and relays frames until either side disconnects.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, span := observe.StartSpan(r.Context(), "relay.session")
	defer span.End()
	log := observe.Logger(ctx).With("provider", h.cfg.ProviderName)

	protocols := auth.SplitProtocols(r.Header.Values("Sec-WebSocket-Protocol"))
	var (
		accepted string
		authErr  error
	)
	if h.cfg.Auth != nil {
		accepted, authErr = h.cfg.Auth.ValidateProtocols(protocols)
	}

	opts := &websocket.AcceptOptions{CompressionMode: websocket.CompressionDisabled}
	if accepted != "" {
		opts.Subprotocols = []string{accepted}
	}
	if len(h.cfg.OriginPatterns) == 0 {
		opts.InsecureSkipVerify = true
	} else {
		opts.OriginPatterns = h.cfg.OriginPatterns
	}

	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		log.Warn("websocket accept failed", "err", err)
		observe.FailSpan(span, "accept failed", err)
		return
	}
	defer func() { _ = conn.CloseNow() }()

	if authErr != nil {
		log.Info("rejected unauthenticated client", "err", authErr)
		observe.FailSpan(span, "unauthorized", nil)
		_ = conn.Close(protocol.CloseUnauthorized, "Unauthorized")
		return
	}
	conn.SetReadLimit(h.cfg.MaxMessageBytes)

	h.metrics.ActiveSessions.Add(ctx, 1)
	defer h.metrics.ActiveSessions.Add(ctx, -1)
	log.Info("client connected")

	if h.cfg.Provider == nil {
		h.fail(ctx, conn, protocol.CodeMissingAPIKey, descMissingAPIKey)
		_ = conn.Close(websocket.StatusInternalError, "missing API key")
		return
	}

	sess, err := h.connect(ctx)
	if err != nil {
		code, desc := classifyConnectError(err)
		log.Error("failed to open agent session", "code", code, "err", err)
		observe.FailSpan(span, code, err)
		h.fail(ctx, conn, code, desc)
		_ = conn.Close(websocket.StatusInternalError, "agent connection failed")
		return
	}
	defer func() { _ = sess.Close() }()

	b := &bridge{
		conn:         conn,
		sess:         sess,
		metrics:      h.metrics,
		provider:     h.cfg.ProviderName,
		control:      h.cfg.Provider.Capabilities().SupportsControl,
		writeTimeout: h.cfg.WriteTimeout,
		log:          log,
	}
	cause := b.run(ctx)
	span.SetAttributes(attribute.String("relay.end_reason", endReason(cause)))
	log.Info("client disconnected", "reason", endReason(cause))
}

// connect opens the vendor session through the breaker with the configured
// timeout and records its latency.
func (h *Handler) connect(ctx context.Context) (agent.SessionHandle, error) {
	ctx, cancel := context.WithTimeout(ctx, h.cfg.ConnectTimeout)
	defer cancel()

	start := time.Now()
	var sess agent.SessionHandle
	dial := func(ctx context.Context) error {
		s, err := h.cfg.Provider.Connect(ctx, h.cfg.Session)
		sess = s
		return err
	}

	var err error
	if h.cfg.Breaker != nil {
		err = h.cfg.Breaker.Execute(ctx, dial)
	} else {
		err = dial(ctx)
	}

	status := "ok"
	if err != nil {
		status = "error"
	}
	h.metrics.RecordAgentConnect(ctx, h.cfg.ProviderName, status, time.Since(start))
	return sess, err
}

// classifyConnectError maps a connect failure to the code and description
// reported to the client.
func classifyConnectError(err error) (code, desc string) {
	var pe *agent.ProviderError
	if errors.As(err, &pe) {
		return protocol.CodeProviderError, pe.Description
	}
	return protocol.CodeConnectionFailed, descConnectionFailed
}

// fail sends an error envelope and counts it.
func (h *Handler) fail(ctx context.Context, conn *websocket.Conn, code, desc string) {
	h.metrics.RecordAgentError(ctx, h.cfg.ProviderName, code)
	h.metrics.RecordFrame(ctx, observe.DirectionDownstream, observe.KindError, 0)

	wctx, cancel := context.WithTimeout(ctx, h.cfg.WriteTimeout)
	defer cancel()
	if err := wsjson.Write(wctx, conn, protocol.Error(code, desc)); err != nil {
		slog.Debug("failed to send error to client", "code", code, "err", err)
	}
}
