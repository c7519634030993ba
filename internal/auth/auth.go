// Package auth verifies the bearer tokens presented by clients on both the
// websocket handshake and the REST mirror. Tokens are HS256 JWTs signed with
// a shared secret; the subject claim carries the caller's user id.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/golang-jwt/jwt/v5"
)

// Token verification failures surfaced to transports.
var (
	ErrMissingToken = errors.New("token is required")
	ErrInvalidToken = errors.New("token is invalid")
	ErrExpiredToken = errors.New("token is expired")
)

// Identity is the decoded caller identity attached to a connection or request.
type Identity struct {
	UserID      string
	DisplayName string
}

// Config holds the verifier configuration.
type Config struct {
	Secret []byte
	Issuer string
	Now    func() time.Time
}

type envConfig struct {
	Secret string `env:"HAVEN_TOKEN_SECRET"`
	Issuer string `env:"HAVEN_TOKEN_ISSUER" envDefault:"haven"`
}

// LoadConfigFromEnv reads the token secret and issuer from the environment.
func LoadConfigFromEnv() (Config, error) {
	var raw envConfig
	if err := env.Parse(&raw); err != nil {
		return Config{}, fmt.Errorf("parse auth env: %w", err)
	}
	secret := strings.TrimSpace(raw.Secret)
	if secret == "" {
		return Config{}, fmt.Errorf("HAVEN_TOKEN_SECRET is required")
	}
	return Config{Secret: []byte(secret), Issuer: raw.Issuer}, nil
}

type tokenClaims struct {
	jwt.RegisteredClaims
	DisplayName string `json:"name,omitempty"`
}

// Verify checks the token signature, issuer and expiry, and returns the
// identity it carries.
func (c Config) Verify(token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, ErrMissingToken
	}
	if len(c.Secret) == 0 {
		return Identity{}, errors.New("token verifier is not configured")
	}

	now := c.Now
	if now == nil {
		now = time.Now
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithTimeFunc(now),
	}
	if c.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(c.Issuer))
	}

	var claims tokenClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(_ *jwt.Token) (any, error) {
		return c.Secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, ErrExpiredToken
		}
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	userID := strings.TrimSpace(claims.Subject)
	if userID == "" {
		return Identity{}, fmt.Errorf("%w: subject claim is empty", ErrInvalidToken)
	}
	return Identity{UserID: userID, DisplayName: claims.DisplayName}, nil
}

// Sign mints a token for the given identity. Used by the token CLI
// subcommand and by tests.
func (c Config) Sign(id Identity, ttl time.Duration) (string, error) {
	if len(c.Secret) == 0 {
		return "", errors.New("token signer is not configured")
	}
	now := c.Now
	if now == nil {
		now = time.Now
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			Issuer:    c.Issuer,
			IssuedAt:  jwt.NewNumericDate(now()),
			ExpiresAt: jwt.NewNumericDate(now().Add(ttl)),
		},
		DisplayName: id.DisplayName,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(c.Secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// TokenFromRequest extracts a bearer token from the Authorization header or,
// failing that, the token query parameter (websocket handshakes from browser
// clients cannot set headers).
func TokenFromRequest(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if rest, ok := strings.CutPrefix(header, "Bearer "); ok {
		return strings.TrimSpace(rest)
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}
