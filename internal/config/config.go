// Package config provides the configuration schema, loader, and provider registry
// for the voicerelay server.
package config

import "time"

// LogLevel controls log verbosity for the relay server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Default values applied by [Default].
const (
	DefaultHost            = "0.0.0.0"
	DefaultPort            = 8081
	DefaultAgentProvider   = "deepgram"
	DefaultConnectTimeout  = 10 * time.Second
	DefaultTokenTTL        = time.Hour
	DefaultNonceTTL        = 5 * time.Minute
	DefaultStaticDir       = "frontend/dist"
	DefaultMetadataFile    = "deepgram.toml"
	DefaultMaxMessageBytes = 1 << 20
	DefaultWriteTimeout    = 5 * time.Second
)

// Config is the root configuration structure for voicerelay.
// It is typically loaded with [Load] or [LoadFromReader].
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Agent   AgentConfig   `yaml:"agent"`
	Session SessionConfig `yaml:"session"`
	Web     WebConfig     `yaml:"web"`
	Relay   RelayConfig   `yaml:"relay"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// Host is the interface to bind, e.g. "0.0.0.0". Overridden by HOST.
	Host string `yaml:"host"`

	// Port is the TCP port to listen on. Overridden by PORT.
	Port int `yaml:"port"`

	// LogLevel controls verbosity. Overridden by LOG_LEVEL.
	LogLevel LogLevel `yaml:"log_level"`

	// CORSOrigins lists allowed browser origins. "*" allows any origin and is
	// the default.
	CORSOrigins []string `yaml:"cors_origins"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// ProviderEntry selects a registered provider implementation and carries its
// credentials. The Name field is used to look up the constructor in the
// [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation ("deepgram",
	// "openai-realtime").
	Name string `yaml:"name"`

	// APIKey is the vendor credential. Filled from DEEPGRAM_API_KEY or
	// OPENAI_API_KEY depending on Name.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default WebSocket endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific realtime model where the provider supports it.
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above.
	Options map[string]any `yaml:"options"`
}

// AgentConfig describes the vendor agent each relay session talks to.
type AgentConfig struct {
	Provider ProviderEntry `yaml:"provider"`

	// Conversation settings sent to the vendor when a session opens.
	Language      string `yaml:"language"`
	Instructions  string `yaml:"instructions"`
	Greeting      string `yaml:"greeting"`
	ListenModel   string `yaml:"listen_model"`
	ThinkProvider string `yaml:"think_provider"`
	ThinkModel    string `yaml:"think_model"`
	SpeakModel    string `yaml:"speak_model"`

	// ConnectTimeout bounds the vendor dial and settings handshake.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// Breaker configures the circuit breaker wrapped around vendor dials.
	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig mirrors resilience.CircuitBreakerConfig. Zero values select the
// breaker's defaults.
type BreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
	HalfOpenMax  int           `yaml:"half_open_max"`
}

// SessionConfig configures browser session tokens.
type SessionConfig struct {
	// Secret signs session tokens. Overridden by SESSION_SECRET. When empty a
	// random secret is generated at startup and page nonces are not required.
	Secret string `yaml:"secret"`

	// TokenTTL is the lifetime of issued tokens.
	TokenTTL time.Duration `yaml:"token_ttl"`

	// NonceTTL is the lifetime of page nonces.
	NonceTTL time.Duration `yaml:"nonce_ttl"`
}

// WebConfig locates the built frontend and its metadata.
type WebConfig struct {
	// StaticDir holds index.html and the frontend assets.
	StaticDir string `yaml:"static_dir"`

	// MetadataFile is a TOML file whose [meta] table is served at /api/metadata.
	MetadataFile string `yaml:"metadata_file"`
}

// RelayConfig tunes the browser side of each session.
type RelayConfig struct {
	// MaxMessageBytes caps a single inbound browser frame.
	MaxMessageBytes int64 `yaml:"max_message_bytes"`

	// WriteTimeout bounds each write to the browser.
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// Default returns a Config populated with the built-in defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:        DefaultHost,
			Port:        DefaultPort,
			LogLevel:    LogInfo,
			CORSOrigins: []string{"*"},
		},
		Agent: AgentConfig{
			Provider:       ProviderEntry{Name: DefaultAgentProvider},
			Language:       "en",
			Instructions:   "You are a friendly voice assistant. Keep your answers short and conversational.",
			Greeting:       "Hello! How can I help you today?",
			ConnectTimeout: DefaultConnectTimeout,
		},
		Session: SessionConfig{
			TokenTTL: DefaultTokenTTL,
			NonceTTL: DefaultNonceTTL,
		},
		Web: WebConfig{
			StaticDir:    DefaultStaticDir,
			MetadataFile: DefaultMetadataFile,
		},
		Relay: RelayConfig{
			MaxMessageBytes: DefaultMaxMessageBytes,
			WriteTimeout:    DefaultWriteTimeout,
		},
	}
}

// ListenAddr returns the host:port pair to bind.
func (s ServerConfig) ListenAddr() string {
	return joinHostPort(s.Host, s.Port)
}
