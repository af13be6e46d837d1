// Package credential models the delegated OAuth credential stored per user
// identity, including its on-disk JSON record format and validity rules.
package credential

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/workspace-mcp/credbroker/internal/autherr"
	"golang.org/x/oauth2"
)

// ExpiryLayout is the naive UTC timestamp layout used in persisted records.
// Fractional seconds are written only when present.
const ExpiryLayout = "2006-01-02T15:04:05.999999"

// expiryDelta mirrors the early-expiry window x/oauth2 applies to tokens.
const expiryDelta = 10 * time.Second

// Credential holds the delegated tokens for a single identity.
type Credential struct {
	// AccessToken is the short-lived bearer credential. Secret.
	AccessToken string

	// RefreshToken mints new access tokens. Secret; may be empty.
	RefreshToken string

	// TokenURI is the provider token endpoint used for refresh.
	TokenURI string

	// ClientID and ClientSecret identify the OAuth client that owns the grant.
	ClientID     string
	ClientSecret string

	// Scopes is the canonical (sorted, de-duplicated) set of granted scopes.
	Scopes []string

	// Expiry is the access token expiry in UTC. Nil means unknown.
	Expiry *time.Time

	// Identity is the verified user identity the grant belongs to.
	Identity string
}

// record is the persisted JSON layout shared by every storage backend.
type record struct {
	Token        string   `json:"token"`
	RefreshToken *string  `json:"refresh_token"`
	TokenURI     string   `json:"token_uri"`
	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"client_secret"`
	Scopes       []string `json:"scopes"`
	Expiry       *string  `json:"expiry"`
	UserEmail    string   `json:"user_email,omitempty"`
}

// Clone returns a deep copy so callers can mutate without affecting shared state.
func (c *Credential) Clone() *Credential {
	if c == nil {
		return nil
	}
	out := *c
	out.Scopes = append([]string(nil), c.Scopes...)
	if c.Expiry != nil {
		exp := *c.Expiry
		out.Expiry = &exp
	}
	return &out
}

// Expired reports whether the access token has expired at now.
func (c *Credential) Expired(now time.Time) bool {
	if c == nil || c.Expiry == nil {
		return false
	}
	return !now.Before(c.Expiry.Add(-expiryDelta))
}

// Valid reports whether the access token can be used as-is.
func (c *Credential) Valid(now time.Time) bool {
	return c != nil && c.AccessToken != "" && !c.Expired(now)
}

// Terminal reports whether the credential is expired and cannot be refreshed.
func (c *Credential) Terminal(now time.Time) bool {
	if c == nil {
		return true
	}
	if c.AccessToken == "" && c.RefreshToken == "" {
		return true
	}
	return c.Expired(now) && strings.TrimSpace(c.RefreshToken) == ""
}

// CanRefresh reports whether a refresh token is available.
func (c *Credential) CanRefresh() bool {
	return c != nil && strings.TrimSpace(c.RefreshToken) != ""
}

// HasScopes reports whether every required scope has been granted.
func (c *Credential) HasScopes(required []string) bool {
	if c == nil {
		return len(required) == 0
	}
	granted := make(map[string]struct{}, len(c.Scopes))
	for _, s := range c.Scopes {
		granted[s] = struct{}{}
	}
	for _, s := range required {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ok := granted[s]; !ok {
			return false
		}
	}
	return true
}

// MissingScopes lists required scopes that were not granted.
func (c *Credential) MissingScopes(required []string) []string {
	var missing []string
	for _, s := range CanonicalScopes(required) {
		if c == nil || !c.HasScopes([]string{s}) {
			missing = append(missing, s)
		}
	}
	return missing
}

// CanonicalScopes trims, de-duplicates and sorts a scope list. The result is
// never nil so it always encodes as a JSON array.
func CanonicalScopes(scopes []string) []string {
	seen := make(map[string]struct{}, len(scopes))
	out := make([]string, 0, len(scopes))
	for _, s := range scopes {
		for _, part := range strings.Fields(s) {
			if _, dup := seen[part]; dup {
				continue
			}
			seen[part] = struct{}{}
			out = append(out, part)
		}
	}
	sort.Strings(out)
	return out
}

// Token converts the credential to an oauth2 token.
func (c *Credential) Token() *oauth2.Token {
	tok := &oauth2.Token{
		AccessToken:  c.AccessToken,
		RefreshToken: c.RefreshToken,
		TokenType:    "Bearer",
	}
	if c.Expiry != nil {
		tok.Expiry = *c.Expiry
	}
	return tok
}

// ApplyToken returns a copy of c updated with a freshly minted token. The
// refresh token is kept unless the provider rotated it.
func (c *Credential) ApplyToken(tok *oauth2.Token) *Credential {
	out := c.Clone()
	if tok == nil {
		return out
	}
	out.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		out.RefreshToken = tok.RefreshToken
	}
	if tok.Expiry.IsZero() {
		out.Expiry = nil
	} else {
		exp := tok.Expiry.UTC().Truncate(time.Microsecond)
		out.Expiry = &exp
	}
	if granted, ok := tok.Extra("scope").(string); ok && strings.TrimSpace(granted) != "" {
		out.Scopes = CanonicalScopes([]string{granted})
	}
	return out
}

// Marshal encodes the credential in the persisted record layout.
func (c *Credential) Marshal() ([]byte, error) {
	if c == nil {
		return nil, fmt.Errorf("credential: nil credential")
	}
	rec := record{
		Token:        c.AccessToken,
		TokenURI:     c.TokenURI,
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		Scopes:       CanonicalScopes(c.Scopes),
		UserEmail:    c.Identity,
	}
	if c.RefreshToken != "" {
		refresh := c.RefreshToken
		rec.RefreshToken = &refresh
	}
	if c.Expiry != nil {
		exp := c.Expiry.UTC().Format(ExpiryLayout)
		rec.Expiry = &exp
	}
	return json.Marshal(rec)
}

// Unmarshal decodes a persisted record. Any decoding failure is reported as
// autherr.KindCorrupt so callers can react uniformly across backends.
func Unmarshal(identity string, data []byte) (*Credential, error) {
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, autherr.Wrap(autherr.KindCorrupt, identity, err, "credential record is not valid JSON")
	}
	c := &Credential{
		AccessToken:  rec.Token,
		TokenURI:     rec.TokenURI,
		ClientID:     rec.ClientID,
		ClientSecret: rec.ClientSecret,
		Scopes:       CanonicalScopes(rec.Scopes),
		Identity:     rec.UserEmail,
	}
	if rec.RefreshToken != nil {
		c.RefreshToken = *rec.RefreshToken
	}
	if rec.Expiry != nil && strings.TrimSpace(*rec.Expiry) != "" {
		exp, err := ParseExpiry(*rec.Expiry)
		if err != nil {
			return nil, autherr.Wrap(autherr.KindCorrupt, identity, err, "credential expiry is not a timestamp")
		}
		c.Expiry = &exp
	}
	if c.Identity == "" {
		c.Identity = identity
	}
	return c, nil
}

// ParseExpiry accepts naive ISO-8601 timestamps (optionally with fractional
// seconds) and RFC 3339 timestamps, returning UTC.
func ParseExpiry(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	layouts := []string{
		"2006-01-02T15:04:05",
		time.RFC3339Nano,
	}
	var lastErr error
	for _, layout := range layouts {
		t, err := time.Parse(layout, raw)
		if err == nil {
			return t.UTC(), nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}
