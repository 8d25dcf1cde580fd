package cloud

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/proxystore/academy/pkg/exchange"
)

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestJWTAuthenticator(t *testing.T) {
	a := &JWTAuthenticator{Secret: []byte("topsecret")}

	valid := signToken(t, "topsecret", jwt.MapClaims{
		"sub": "alice",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	principal, err := a.Authenticate("Bearer " + valid)
	if err != nil || principal != "alice" {
		t.Fatalf("Authenticate() = %q, %v; want alice", principal, err)
	}

	// Missing header.
	if _, err := a.Authenticate(""); !errors.Is(err, exchange.ErrUnauthorized) {
		t.Fatalf("missing header error = %v, want ErrUnauthorized", err)
	}
	// Wrong scheme.
	if _, err := a.Authenticate("Basic abc"); !errors.Is(err, exchange.ErrUnauthorized) {
		t.Fatalf("wrong scheme error = %v, want ErrUnauthorized", err)
	}
	// Wrong key.
	forged := signToken(t, "other", jwt.MapClaims{"sub": "mallory"})
	if _, err := a.Authenticate("Bearer " + forged); !errors.Is(err, exchange.ErrUnauthorized) {
		t.Fatalf("forged token error = %v, want ErrUnauthorized", err)
	}
	// Expired tokens are forbidden, not unauthorized.
	expired := signToken(t, "topsecret", jwt.MapClaims{
		"sub": "alice",
		"exp": time.Now().Add(-time.Hour).Unix(),
	})
	if _, err := a.Authenticate("Bearer " + expired); !errors.Is(err, exchange.ErrForbidden) {
		t.Fatalf("expired token error = %v, want ErrForbidden", err)
	}
	// No subject.
	anonymous := signToken(t, "topsecret", jwt.MapClaims{
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	if _, err := a.Authenticate("Bearer " + anonymous); !errors.Is(err, exchange.ErrUnauthorized) {
		t.Fatalf("subject-less token error = %v, want ErrUnauthorized", err)
	}
}

func TestJWTAuthenticatorIssuer(t *testing.T) {
	a := &JWTAuthenticator{Secret: []byte("topsecret"), Issuer: "academy"}

	good := signToken(t, "topsecret", jwt.MapClaims{
		"sub": "alice",
		"iss": "academy",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	if _, err := a.Authenticate("Bearer " + good); err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}

	bad := signToken(t, "topsecret", jwt.MapClaims{
		"sub": "alice",
		"iss": "imposter",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	if _, err := a.Authenticate("Bearer " + bad); !errors.Is(err, exchange.ErrUnauthorized) {
		t.Fatalf("wrong issuer error = %v, want ErrUnauthorized", err)
	}
}

func TestAPIKeyAuthenticator(t *testing.T) {
	hash, err := HashAPIKey("s3cret")
	if err != nil {
		t.Fatalf("HashAPIKey() error = %v", err)
	}
	a := &APIKeyAuthenticator{Keys: map[string]string{"svc": hash}}

	principal, err := a.Authenticate("Bearer svc:s3cret")
	if err != nil || principal != "svc" {
		t.Fatalf("Authenticate() = %q, %v; want svc", principal, err)
	}

	cases := []string{
		"Bearer svc:wrong",
		"Bearer ghost:s3cret",
		"Bearer malformed",
		"",
	}
	for _, header := range cases {
		if _, err := a.Authenticate(header); !errors.Is(err, exchange.ErrUnauthorized) {
			t.Errorf("Authenticate(%q) error = %v, want ErrUnauthorized", header, err)
		}
	}
}

func TestNewAuthenticatorSelection(t *testing.T) {
	if _, err := NewAuthenticator(&AuthConfig{Kind: "jwt", JWTSecret: "k"}); err != nil {
		t.Errorf("jwt kind error = %v", err)
	}
	if _, err := NewAuthenticator(&AuthConfig{Kind: "apikey", APIKeys: map[string]string{"a": "b"}}); err != nil {
		t.Errorf("apikey kind error = %v", err)
	}
	if _, err := NewAuthenticator(&AuthConfig{Kind: "nope"}); err == nil {
		t.Error("unknown kind should fail")
	}
}
