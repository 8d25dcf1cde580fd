package cloud

import (
	"fmt"
	"time"

	"github.com/proxystore/academy/pkg/tracing"
)

// AuthConfig selects and parameterizes the authentication provider.
type AuthConfig struct {
	// Kind is "jwt" or "apikey".
	Kind string `yaml:"kind" json:"kind"`

	// JWTSecret is the HMAC secret for kind "jwt".
	JWTSecret string `yaml:"jwt_secret" json:"jwt_secret"`

	// Issuer, when set, is required to match the token's iss claim.
	Issuer string `yaml:"issuer" json:"issuer"`

	// APIKeys maps principal names to bcrypt hashes of their secrets for
	// kind "apikey".
	APIKeys map[string]string `yaml:"api_keys" json:"api_keys"`
}

// OpsConfig configures the auxiliary listener serving Prometheus metrics and
// the websocket message stream.
type OpsConfig struct {
	// Port for the ops listener; 0 disables it.
	Port int    `yaml:"port" json:"port"`
	Host string `yaml:"host" json:"host"`
}

// ServingConfig configures the exchange server shell.
type ServingConfig struct {
	Host string `yaml:"host" json:"host"`
	Port int    `yaml:"port" json:"port"`

	// CertFile/KeyFile enable TLS when both are set.
	CertFile string `yaml:"certfile" json:"certfile"`
	KeyFile  string `yaml:"keyfile" json:"keyfile"`

	// Auth enables the authentication middleware. Nil means every caller
	// shares a single implicit principal.
	Auth *AuthConfig `yaml:"auth" json:"auth"`

	// MaxRecvWait caps client-supplied long-poll timeouts so held
	// connections cannot exhaust the server.
	MaxRecvWait time.Duration `yaml:"max_recv_wait" json:"max_recv_wait"`

	LogLevel string `yaml:"log_level" json:"log_level"`
	LogFile  string `yaml:"log_file" json:"log_file"`

	Ops     OpsConfig      `yaml:"ops" json:"ops"`
	Tracing tracing.Config `yaml:"tracing" json:"tracing"`
}

// DefaultServingConfig returns a config serving plaintext on all interfaces
// (0.0.0.0), port 5346.
func DefaultServingConfig() ServingConfig {
	return ServingConfig{
		Host:        "0.0.0.0",
		Port:        5346,
		MaxRecvWait: 30 * time.Second,
		LogLevel:    "info",
	}
}

// Validate checks the config for contradictions before serving.
func (c *ServingConfig) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if (c.CertFile == "") != (c.KeyFile == "") {
		return fmt.Errorf("certfile and keyfile must be set together")
	}
	if c.Auth != nil {
		switch c.Auth.Kind {
		case "jwt":
			if c.Auth.JWTSecret == "" {
				return fmt.Errorf("auth kind jwt requires jwt_secret")
			}
		case "apikey":
			if len(c.Auth.APIKeys) == 0 {
				return fmt.Errorf("auth kind apikey requires api_keys")
			}
		default:
			return fmt.Errorf("unknown auth kind %q", c.Auth.Kind)
		}
	}
	return nil
}
