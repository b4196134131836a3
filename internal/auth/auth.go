// Package auth issues and validates the short-lived session tokens that gate
// the voice-agent WebSocket.
//
// A browser first loads the index page, which carries a single-use nonce in a
// meta tag. It trades that nonce for an HS256 JWT at /api/session and presents
// the token as the WebSocket subprotocol "access_token.<jwt>". When no secret
// is configured, the [Issuer] generates a random one and stops asking for
// nonces, which keeps local development friction-free.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/MrWong99/voicerelay/pkg/protocol"
)

var (
	// ErrInvalidToken is returned when a token is missing, malformed, expired,
	// or signed with another key.
	ErrInvalidToken = errors.New("auth: invalid session token")

	// ErrInvalidNonce is returned by [Issuer.Issue] when a required nonce is
	// missing, unknown, expired, or already used.
	ErrInvalidNonce = errors.New("auth: invalid session nonce")
)

// Config configures an [Issuer].
type Config struct {
	// Secret signs tokens. Empty means generate a random secret and disable the
	// nonce requirement.
	Secret string

	// TokenTTL is the token lifetime. Default: 1h.
	TokenTTL time.Duration

	// NonceTTL is how long a page nonce stays redeemable. Default: 5m.
	NonceTTL time.Duration

	// Now overrides the clock.
	Now func() time.Time
}

// Issuer mints and checks session tokens.
type Issuer struct {
	secret       []byte
	tokenTTL     time.Duration
	requireNonce bool
	now          func() time.Time
	nonces       *NonceStore
	parser       *jwt.Parser
}

// NewIssuer creates an [Issuer]. It fails only if a random secret is needed and
// the system random source is unavailable.
func NewIssuer(cfg Config) (*Issuer, error) {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = time.Hour
	}
	if cfg.NonceTTL <= 0 {
		cfg.NonceTTL = 5 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	secret := cfg.Secret
	requireNonce := secret != ""
	if secret == "" {
		var b [32]byte
		if _, err := rand.Read(b[:]); err != nil {
			return nil, fmt.Errorf("auth: generate secret: %w", err)
		}
		secret = hex.EncodeToString(b[:])
	}

	return &Issuer{
		secret:       []byte(secret),
		tokenTTL:     cfg.TokenTTL,
		requireNonce: requireNonce,
		now:          cfg.Now,
		nonces:       NewNonceStore(cfg.NonceTTL, cfg.Now),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithTimeFunc(cfg.Now),
			jwt.WithExpirationRequired(),
			jwt.WithIssuedAt(),
		),
	}, nil
}

// RequireNonce reports whether [Issuer.Issue] demands a page nonce.
func (i *Issuer) RequireNonce() bool { return i.requireNonce }

// NewNonce drops expired nonces and returns a fresh one for embedding in the
// index page.
func (i *Issuer) NewNonce() (string, error) {
	i.nonces.Cleanup()
	return i.nonces.Generate()
}

// Issue returns a signed token. When nonces are required, nonce must be a
// value returned by [Issuer.NewNonce] that has not been used yet.
func (i *Issuer) Issue(nonce string) (string, error) {
	if i.requireNonce && (nonce == "" || !i.nonces.Consume(nonce)) {
		return "", ErrInvalidNonce
	}

	now := i.now()
	claims := jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(i.tokenTTL)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return token, nil
}

// Validate checks the signature and expiry of token.
func (i *Issuer) Validate(token string) error {
	if token == "" {
		return ErrInvalidToken
	}
	_, err := i.parser.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(*jwt.Token) (any, error) {
		return i.secret, nil
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	return nil
}

// ValidateProtocols finds the "access_token.<jwt>" entry among the requested
// WebSocket subprotocols, validates the token, and returns the full entry so
// the server can echo it back. Each element of protocols may itself be a
// comma-separated list, as in a raw Sec-WebSocket-Protocol header.
func (i *Issuer) ValidateProtocols(protocols []string) (string, error) {
	for _, p := range SplitProtocols(protocols) {
		if token, ok := strings.CutPrefix(p, protocol.TokenSubprotocolPrefix); ok {
			if err := i.Validate(token); err != nil {
				return "", err
			}
			return p, nil
		}
	}
	return "", ErrInvalidToken
}

// SplitProtocols flattens Sec-WebSocket-Protocol header values into trimmed,
// non-empty subprotocol names.
func SplitProtocols(values []string) []string {
	var out []string
	for _, v := range values {
		for p := range strings.SplitSeq(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}
