package config

import (
	"fmt"
	"strings"
)

// AuthMode represents the authentication mode of the HTTP API.
type AuthMode string

const (
	// AuthModeNone leaves the API open.
	AuthModeNone AuthMode = "none"
	// AuthModeToken guards the API with a static bearer token.
	AuthModeToken AuthMode = "token"
	// AuthModeOIDC validates bearer tokens against an OIDC provider.
	AuthModeOIDC AuthMode = "oidc"
)

// UnmarshalText implements encoding.TextUnmarshaler for AuthMode.
func (a *AuthMode) UnmarshalText(text []byte) error {
	v := strings.ToLower(string(text))
	switch v {
	case "none", "token", "oidc":
		*a = AuthMode(v)
		return nil
	default:
		return fmt.Errorf("invalid AuthMode: %q (valid options: none, token, oidc)", v)
	}
}

// OIDCConfig contains OIDC token verification configuration.
type OIDCConfig struct {
	// IssuerURL is the OIDC provider URL used for discovery.
	IssuerURL string `env:"ISSUER_URL"`

	// ClientID is the audience expected in presented tokens.
	ClientID string `env:"CLIENT_ID"`
}

// AuthConfig groups HTTP API authentication configuration.
type AuthConfig struct {
	// Mode determines how API requests are authenticated.
	Mode AuthMode `env:"AUTH_MODE" envDefault:"none"`

	// Token is the static bearer token (used when Mode=token).
	Token string `env:"AUTH_TOKEN"`

	// OIDC configuration (used when Mode=oidc).
	OIDC OIDCConfig `envPrefix:"AUTH_OIDC_"`
}

// Sanitize normalises authentication configuration values.
func (a *AuthConfig) Sanitize() {
	if a.Mode == "" {
		a.Mode = AuthModeNone
	}
	a.Token = strings.TrimSpace(a.Token)
	a.OIDC.IssuerURL = strings.TrimSpace(a.OIDC.IssuerURL)
	a.OIDC.ClientID = strings.TrimSpace(a.OIDC.ClientID)
}
