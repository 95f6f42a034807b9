// Package auth derives rate-limit and audit identities from front-end
// credentials.
package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os/user"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const issuer = "diabetesai"

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid bearer token")
)

type Config struct {
	// JWTSecret enables HS256 token verification. Without it every bearer
	// token is treated as an opaque API key.
	JWTSecret string
	// RequireJWT rejects opaque tokens when a secret is configured.
	RequireJWT bool
	TokenTTL   time.Duration
}

// Resolver maps bearer tokens to identities.
type Resolver struct {
	secret     []byte
	requireJWT bool
	ttl        time.Duration
	now        func() time.Time
}

func NewResolver(config Config) *Resolver {
	ttl := config.TokenTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	r := &Resolver{ttl: ttl, now: time.Now}
	if config.JWTSecret != "" {
		r.secret = []byte(config.JWTSecret)
		r.requireJWT = config.RequireJWT
	}
	return r
}

// JWTEnabled reports whether signed tokens are verified.
func (r *Resolver) JWTEnabled() bool { return len(r.secret) > 0 }

// Resolve returns the identity for a raw bearer token. Signed tokens resolve
// to their subject; opaque tokens resolve to a hash so the secret itself is
// never stored.
func (r *Resolver) Resolve(token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrMissingToken
	}
	if r.JWTEnabled() && looksLikeJWT(token) {
		claims, err := r.parse(token)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
		}
		return "user:" + claims.Subject, nil
	}
	if r.requireJWT {
		return "", fmt.Errorf("%w: signed token required", ErrInvalidToken)
	}
	return TokenIdentity(token), nil
}

// ResolveHeader extracts the token from an Authorization header value.
func (r *Resolver) ResolveHeader(header string) (string, error) {
	const prefix = "bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", ErrMissingToken
	}
	return r.Resolve(header[len(prefix):])
}

func (r *Resolver) parse(token string) (*jwt.RegisteredClaims, error) {
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return r.secret, nil
	}, jwt.WithTimeFunc(r.now), jwt.WithIssuer(issuer))
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, errors.New("token not valid")
	}
	if claims.Subject == "" {
		return nil, errors.New("token has no subject")
	}
	return claims, nil
}

// Issue signs a token for subject.
func (r *Resolver) Issue(subject string) (string, error) {
	if !r.JWTEnabled() {
		return "", errors.New("jwt secret not configured")
	}
	if subject == "" {
		return "", errors.New("subject required")
	}
	now := r.now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(r.ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(r.secret)
}

func looksLikeJWT(token string) bool {
	return strings.Count(token, ".") == 2
}

// TokenIdentity hashes an opaque API key into a stable identity.
func TokenIdentity(token string) string {
	sum := sha256.Sum256([]byte(token))
	return "token:" + hex.EncodeToString(sum[:8])
}

// SessionIdentity is the identity of a web form session.
func SessionIdentity(sessionID string) string { return "web:" + sessionID }

// ChatIdentity is the identity of a chat user.
func ChatIdentity(userID string) string { return "chat:" + userID }

// CLIIdentity is the identity of the local OS user.
func CLIIdentity() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return "cli:" + u.Username
	}
	return "cli:unknown"
}
