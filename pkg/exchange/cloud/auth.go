package cloud

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/proxystore/academy/pkg/exchange"
)

// Authenticator turns incoming credentials into a principal string. The
// principal is what the mailbox manager records as the owner identity, so
// two requests with the same principal act as the same client.
//
// Implementations distinguish missing/invalid credentials
// (exchange.ErrUnauthorized, HTTP 401) from valid-but-expired or revoked
// ones (exchange.ErrForbidden, HTTP 403).
type Authenticator interface {
	Authenticate(authorization string) (string, error)
}

// NewAuthenticator builds the authenticator selected by the config.
func NewAuthenticator(config *AuthConfig) (Authenticator, error) {
	switch config.Kind {
	case "jwt":
		return &JWTAuthenticator{Secret: []byte(config.JWTSecret), Issuer: config.Issuer}, nil
	case "apikey":
		return &APIKeyAuthenticator{Keys: config.APIKeys}, nil
	default:
		return nil, fmt.Errorf("unknown auth kind %q", config.Kind)
	}
}

// bearerToken extracts the token from an "Authorization: Bearer ..." value.
func bearerToken(authorization string) (string, error) {
	if authorization == "" {
		return "", fmt.Errorf("%w: authorization header missing", exchange.ErrUnauthorized)
	}
	parts := strings.SplitN(authorization, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", fmt.Errorf("%w: malformed authorization header", exchange.ErrUnauthorized)
	}
	return parts[1], nil
}

// JWTAuthenticator validates HS256 bearer tokens and uses the subject claim
// as the principal.
type JWTAuthenticator struct {
	Secret []byte
	Issuer string
}

func (a *JWTAuthenticator) Authenticate(authorization string) (string, error) {
	tokenString, err := bearerToken(authorization)
	if err != nil {
		return "", err
	}

	options := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256"})}
	if a.Issuer != "" {
		options = append(options, jwt.WithIssuer(a.Issuer))
	}
	keyFunc := func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method")
		}
		return a.Secret, nil
	}

	token, err := jwt.ParseWithClaims(tokenString, jwt.MapClaims{}, keyFunc, options...)
	switch {
	case err == nil && token.Valid:
	case errors.Is(err, jwt.ErrTokenExpired):
		return "", fmt.Errorf("%w: token expired", exchange.ErrForbidden)
	default:
		return "", fmt.Errorf("%w: invalid token", exchange.ErrUnauthorized)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("%w: invalid token claims", exchange.ErrUnauthorized)
	}
	subject, _ := claims["sub"].(string)
	if subject == "" {
		return "", fmt.Errorf("%w: token has no subject", exchange.ErrUnauthorized)
	}
	return subject, nil
}

// APIKeyAuthenticator validates "Bearer <principal>:<secret>" credentials
// against bcrypt hashes from configuration.
type APIKeyAuthenticator struct {
	// Keys maps principal names to bcrypt hashes of their secrets.
	Keys map[string]string
}

func (a *APIKeyAuthenticator) Authenticate(authorization string) (string, error) {
	token, err := bearerToken(authorization)
	if err != nil {
		return "", err
	}
	principal, secret, found := strings.Cut(token, ":")
	if !found {
		return "", fmt.Errorf("%w: malformed API key", exchange.ErrUnauthorized)
	}
	hash, ok := a.Keys[principal]
	if !ok {
		return "", fmt.Errorf("%w: unknown principal", exchange.ErrUnauthorized)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)); err != nil {
		return "", fmt.Errorf("%w: bad API key", exchange.ErrUnauthorized)
	}
	return principal, nil
}

// HashAPIKey produces the bcrypt hash stored in AuthConfig.APIKeys.
func HashAPIKey(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash API key: %w", err)
	}
	return string(hash), nil
}
