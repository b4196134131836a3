// Package web serves the HTTP surface around the voice-agent WebSocket: the
// frontend with its session nonce, the session token endpoint, and the
// project metadata read from deepgram.toml.
package web

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/MrWong99/voicerelay/internal/auth"
	"github.com/MrWong99/voicerelay/internal/observe"
	"github.com/MrWong99/voicerelay/pkg/protocol"
)

// frontendMissing is returned by GET / when no built frontend exists.
const frontendMissing = "Frontend not built. Run make build first."

// TokenIssuer mints session tokens and page nonces. [auth.Issuer] satisfies it.
type TokenIssuer interface {
	NewNonce() (string, error)
	Issue(nonce string) (string, error)
}

var _ TokenIssuer = (*auth.Issuer)(nil)

// Config configures a [Handler].
type Config struct {
	// StaticDir holds the built frontend. index.html in it becomes the page
	// template.
	StaticDir string

	// MetadataFile is the TOML file whose [meta] table /api/metadata returns.
	MetadataFile string

	// Issuer mints tokens for /api/session.
	Issuer TokenIssuer

	// Metrics records token outcomes. Nil uses [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Handler serves the non-WebSocket routes.
type Handler struct {
	cfg      Config
	index    string
	hasIndex bool
	metrics  *observe.Metrics
}

// New creates a [Handler], reading the index template once. A missing
// template is not an error; GET / then answers 404.
func New(cfg Config) *Handler {
	h := &Handler{cfg: cfg, metrics: cfg.Metrics}
	if h.metrics == nil {
		h.metrics = observe.DefaultMetrics()
	}
	if cfg.StaticDir != "" {
		b, err := os.ReadFile(filepath.Join(cfg.StaticDir, "index.html"))
		switch {
		case err == nil:
			h.index = string(b)
			h.hasIndex = true
		case errors.Is(err, os.ErrNotExist):
			slog.Warn("frontend not built, index disabled", "dir", cfg.StaticDir)
		default:
			slog.Error("failed to read index template", "dir", cfg.StaticDir, "err", err)
		}
	}
	return h
}

// Register adds the routes to mux. The static file server is registered as
// the catch-all.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", h.Index)
	mux.HandleFunc("GET "+protocol.SessionPath, h.Session)
	mux.HandleFunc("GET /api/metadata", h.Metadata)
	if h.cfg.StaticDir != "" {
		mux.Handle("GET /", http.FileServer(http.Dir(h.cfg.StaticDir)))
	}
}

// Index serves the frontend page with a fresh single-use nonce in a
// <meta name="session-nonce"> tag.
func (h *Handler) Index(w http.ResponseWriter, r *http.Request) {
	if !h.hasIndex {
		http.Error(w, frontendMissing, http.StatusNotFound)
		return
	}
	nonce, err := h.cfg.Issuer.NewNonce()
	if err != nil {
		observe.Logger(r.Context()).Error("failed to generate nonce", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html")
	_, _ = w.Write([]byte(InjectNonce(h.index, nonce)))
}

// InjectNonce places the nonce meta tag right before </head>. Pages without a
// head are returned unchanged.
func InjectNonce(page, nonce string) string {
	tag := `<meta name="session-nonce" content="` + nonce + `">` + "\n</head>"
	return strings.Replace(page, "</head>", tag, 1)
}

type tokenResponse struct {
	Token string `json:"token"`
}

type authError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Session issues a session token, consuming the X-Session-Nonce header when
// the issuer requires one.
func (h *Handler) Session(w http.ResponseWriter, r *http.Request) {
	token, err := h.cfg.Issuer.Issue(r.Header.Get(protocol.NonceHeader))
	switch {
	case errors.Is(err, auth.ErrInvalidNonce):
		h.metrics.RecordSessionToken(r.Context(), "rejected")
		writeJSON(w, http.StatusForbidden, map[string]authError{
			"error": {
				Type:    "AuthenticationError",
				Code:    "INVALID_NONCE",
				Message: "Valid session nonce required. Please refresh the page.",
			},
		})
		return
	case err != nil:
		h.metrics.RecordSessionToken(r.Context(), "error")
		observe.Logger(r.Context()).Error("failed to issue session token", "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error":   "INTERNAL_SERVER_ERROR",
			"message": "Failed to issue session token",
		})
		return
	}
	h.metrics.RecordSessionToken(r.Context(), "issued")
	writeJSON(w, http.StatusOK, tokenResponse{Token: token})
}

// Metadata returns the [meta] table of the metadata file as JSON. The file is
// read on every request so edits show up without a restart.
func (h *Handler) Metadata(w http.ResponseWriter, r *http.Request) {
	meta, err := ReadMetadata(h.cfg.MetadataFile)
	if err != nil {
		observe.Logger(r.Context()).Error("failed to read metadata", "file", h.cfg.MetadataFile, "err", err)
		msg := "Failed to read metadata from deepgram.toml"
		if errors.Is(err, ErrMissingMeta) {
			msg = "Missing [meta] section in deepgram.toml"
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error":   "INTERNAL_SERVER_ERROR",
			"message": msg,
		})
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

// ErrMissingMeta is returned by [ReadMetadata] when the file has no [meta]
// table.
var ErrMissingMeta = errors.New("web: missing [meta] section")

// ReadMetadata decodes path and returns its [meta] table.
func ReadMetadata(path string) (map[string]any, error) {
	var doc map[string]any
	if _, err := toml.DecodeFile(path, &doc); err != nil {
		return nil, err
	}
	raw, ok := doc["meta"]
	if !ok {
		return nil, ErrMissingMeta
	}
	meta, ok := raw.(map[string]any)
	if !ok {
		return nil, ErrMissingMeta
	}
	return meta, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
