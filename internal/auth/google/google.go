// Package google holds the Google identity provider boundary: endpoint
// locations, the oauth2 client configuration, identity verification for ID
// tokens and access tokens, and token revocation.
package google

import (
	"context"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
)

// Default Google OAuth endpoints.
const (
	Issuer       = "https://accounts.google.com"
	AuthURL      = "https://accounts.google.com/o/oauth2/v2/auth"
	TokenURL     = "https://oauth2.googleapis.com/token"
	RevokeURL    = "https://oauth2.googleapis.com/revoke"
	TokenInfoURL = "https://oauth2.googleapis.com/tokeninfo"
	UserInfoURL  = "https://www.googleapis.com/oauth2/v2/userinfo"
	DiscoveryURL = "https://accounts.google.com/.well-known/openid-configuration"
	JWKSURL      = "https://www.googleapis.com/oauth2/v3/certs"
)

// legacyIssuer is the scheme-less issuer Google still places in some ID tokens.
const legacyIssuer = "accounts.google.com"

// BaseScopes are always requested so the callback can resolve a verified identity.
var BaseScopes = []string{
	"openid",
	"https://www.googleapis.com/auth/userinfo.email",
	"https://www.googleapis.com/auth/userinfo.profile",
}

// Endpoints lists every provider URL the broker talks to. Tests point these at
// httptest servers.
type Endpoints struct {
	Auth      string
	Token     string
	Revoke    string
	TokenInfo string
	UserInfo  string
	Discovery string
	JWKS      string
}

// DefaultEndpoints returns the production Google endpoints.
func DefaultEndpoints() Endpoints {
	return Endpoints{
		Auth:      AuthURL,
		Token:     TokenURL,
		Revoke:    RevokeURL,
		TokenInfo: TokenInfoURL,
		UserInfo:  UserInfoURL,
		Discovery: DiscoveryURL,
		JWKS:      JWKSURL,
	}
}

// withDefaults fills any empty endpoint with its production value.
func (e Endpoints) withDefaults() Endpoints {
	def := DefaultEndpoints()
	fill := func(v *string, d string) {
		if strings.TrimSpace(*v) == "" {
			*v = d
		}
	}
	fill(&e.Auth, def.Auth)
	fill(&e.Token, def.Token)
	fill(&e.Revoke, def.Revoke)
	fill(&e.TokenInfo, def.TokenInfo)
	fill(&e.UserInfo, def.UserInfo)
	fill(&e.Discovery, def.Discovery)
	fill(&e.JWKS, def.JWKS)
	return e
}

// ClientConfig identifies the OAuth client registered with Google.
type ClientConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Endpoints    Endpoints
}

// Normalized returns a copy with trimmed fields and default endpoints filled in.
func (c ClientConfig) Normalized() ClientConfig {
	c.ClientID = strings.TrimSpace(c.ClientID)
	c.ClientSecret = strings.TrimSpace(c.ClientSecret)
	c.RedirectURL = strings.TrimSpace(c.RedirectURL)
	c.Endpoints = c.Endpoints.withDefaults()
	return c
}

// OAuth2Config builds the x/oauth2 configuration for the requested scopes.
// Client credentials travel in the request body.
func (c ClientConfig) OAuth2Config(scopes []string) *oauth2.Config {
	c = c.Normalized()
	return &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		RedirectURL:  c.RedirectURL,
		Scopes:       scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   c.Endpoints.Auth,
			TokenURL:  c.Endpoints.Token,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// WithHTTPClient attaches client to ctx so x/oauth2 and go-oidc use it for
// provider calls. A nil client leaves ctx unchanged.
func WithHTTPClient(ctx context.Context, client *http.Client) context.Context {
	if client == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, client)
}
