package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ValidAgentProviders lists the agent provider names known to the server.
// Used by [Validate] to warn about unrecognised names.
var ValidAgentProviders = []string{"deepgram", "openai-realtime"}

// apiKeyEnv maps a provider name to the environment variable holding its key.
var apiKeyEnv = map[string]string{
	"deepgram":        "DEEPGRAM_API_KEY",
	"openai-realtime": "OPENAI_API_KEY",
}

// LoadEnvFile loads KEY=VALUE pairs from path into the process environment.
// Variables that are already set are left untouched. A missing file is not an
// error.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: load env file %q: %w", path, err)
	}
	return nil
}

// Load builds the effective configuration: defaults, then the YAML file at
// path (skipped when path is empty), then the process environment. The result
// is validated.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("config: open %q: %w", path, err)
		}
		defer f.Close()
		if err := decode(f, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %q: %w", path, err)
		}
	}
	if err := ApplyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r on top of [Default] and
// validates the result. The environment is not consulted. Useful in tests
// where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	if err := decode(r, cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("config: decode yaml: %w", err)
	}
	return nil
}

// ApplyEnv overlays environment variables onto cfg. lookup is usually
// [os.LookupEnv].
//
// Recognised variables: HOST, PORT, LOG_LEVEL, SESSION_SECRET, and the API key
// variable of the selected agent provider (DEEPGRAM_API_KEY or OPENAI_API_KEY).
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	if v, ok := lookup("HOST"); ok && v != "" {
		cfg.Server.Host = v
	}
	if v, ok := lookup("PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: PORT %q is not a number: %w", v, err)
		}
		cfg.Server.Port = port
	}
	if v, ok := lookup("LOG_LEVEL"); ok && v != "" {
		cfg.Server.LogLevel = LogLevel(strings.ToLower(v))
	}
	if v, ok := lookup("SESSION_SECRET"); ok && v != "" {
		cfg.Session.Secret = v
	}
	if name, ok := apiKeyEnv[cfg.Agent.Provider.Name]; ok {
		if v, ok := lookup(name); ok && v != "" {
			cfg.Agent.Provider.APIKey = v
		}
	}
	return nil
}

// APIKeyEnv returns the environment variable that supplies the API key for the
// named provider, or "" when the provider has none.
func APIKeyEnv(provider string) string {
	return apiKeyEnv[provider]
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d is out of range [0, 65535]", cfg.Server.Port))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Agent
	name := cfg.Agent.Provider.Name
	if name == "" {
		errs = append(errs, errors.New("agent.provider.name is required"))
	} else if !slices.Contains(ValidAgentProviders, name) {
		slog.Warn("unknown agent provider name, may be a typo or a third-party provider",
			"name", name,
			"known", ValidAgentProviders,
		)
	}
	if cfg.Agent.Provider.APIKey == "" {
		hint := "set agent.provider.api_key"
		if env := APIKeyEnv(name); env != "" {
			hint = fmt.Sprintf("set %s in the environment or a .env file", env)
		}
		errs = append(errs, fmt.Errorf("agent.provider.api_key is required; %s", hint))
	}
	if cfg.Agent.ConnectTimeout < 0 {
		errs = append(errs, fmt.Errorf("agent.connect_timeout %v must not be negative", cfg.Agent.ConnectTimeout))
	}
	if cfg.Agent.Breaker.MaxFailures < 0 || cfg.Agent.Breaker.HalfOpenMax < 0 {
		errs = append(errs, errors.New("agent.breaker values must not be negative"))
	}

	// Session
	if cfg.Session.TokenTTL <= 0 {
		errs = append(errs, fmt.Errorf("session.token_ttl %v must be positive", cfg.Session.TokenTTL))
	}
	if cfg.Session.NonceTTL <= 0 {
		errs = append(errs, fmt.Errorf("session.nonce_ttl %v must be positive", cfg.Session.NonceTTL))
	}

	// Relay
	if cfg.Relay.MaxMessageBytes <= 0 {
		errs = append(errs, fmt.Errorf("relay.max_message_bytes %d must be positive", cfg.Relay.MaxMessageBytes))
	}
	if cfg.Relay.WriteTimeout <= 0 {
		errs = append(errs, fmt.Errorf("relay.write_timeout %v must be positive", cfg.Relay.WriteTimeout))
	}

	return errors.Join(errs...)
}

func joinHostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
