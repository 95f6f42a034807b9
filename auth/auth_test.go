package auth

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestOpaqueTokenIdentity(t *testing.T) {
	r := NewResolver(Config{})
	a, err := r.Resolve("secret-key-1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	b, _ := r.Resolve(" secret-key-1 ")
	c, _ := r.Resolve("secret-key-2")
	if a != b {
		t.Fatal("identity should be stable for the same token")
	}
	if a == c {
		t.Fatal("different tokens should map to different identities")
	}
	if strings.Contains(a, "secret-key-1") || !strings.HasPrefix(a, "token:") {
		t.Fatalf("identity leaks the token: %s", a)
	}
	if _, err := r.Resolve(""); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected ErrMissingToken, got %v", err)
	}
}

func TestResolveHeader(t *testing.T) {
	r := NewResolver(Config{})
	id, err := r.ResolveHeader("Bearer abc")
	if err != nil || id != TokenIdentity("abc") {
		t.Fatalf("unexpected identity %s (%v)", id, err)
	}
	if _, err := r.ResolveHeader("Basic abc"); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected ErrMissingToken, got %v", err)
	}
}

func TestJWTRoundTrip(t *testing.T) {
	r := NewResolver(Config{JWTSecret: "s3cret", TokenTTL: time.Hour})
	token, err := r.Issue("alice")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	id, err := r.Resolve(token)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if id != "user:alice" {
		t.Fatalf("expected user:alice, got %s", id)
	}

	other := NewResolver(Config{JWTSecret: "different"})
	if _, err := other.Resolve(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for wrong secret, got %v", err)
	}
}

func TestJWTExpired(t *testing.T) {
	r := NewResolver(Config{JWTSecret: "s3cret", TokenTTL: time.Minute})
	token, err := r.Issue("alice")
	if err != nil {
		t.Fatal(err)
	}
	r.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if _, err := r.Resolve(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected expired token to be rejected, got %v", err)
	}
}

func TestRequireJWT(t *testing.T) {
	r := NewResolver(Config{JWTSecret: "s3cret", RequireJWT: true})
	if _, err := r.Resolve("opaque"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected opaque token to be rejected, got %v", err)
	}
	if _, err := NewResolver(Config{}).Issue("alice"); err == nil {
		t.Fatal("expected error issuing without a secret")
	}
}

func TestFrontEndIdentities(t *testing.T) {
	if SessionIdentity("abc") != "web:abc" || ChatIdentity("U1") != "chat:U1" {
		t.Fatal("unexpected identity prefixes")
	}
	if !strings.HasPrefix(CLIIdentity(), "cli:") {
		t.Fatal("unexpected cli identity")
	}
}
