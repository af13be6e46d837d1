package oauthproxy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"github.com/workspace-mcp/credbroker/internal/api/handlers"
	"github.com/workspace-mcp/credbroker/internal/autherr"
)

const (
	maxDiscoveryBody = 256 << 10
	discoveryTimeout = 10 * time.Second
)

// handleDiscovery relays the provider's discovery document with the token
// endpoint pointed back at this gateway.
func (m *Module) handleDiscovery(c *gin.Context) {
	m.mu.RLock()
	target, errTarget := m.allowedTargetLocked(m.endpoints.Discovery)
	publicURL := m.publicURL
	m.mu.RUnlock()
	if errTarget != nil {
		handlers.WriteError(c, errTarget)
		return
	}

	doc, err := m.fetchDiscovery(c.Request.Context(), target.String())
	if err != nil {
		handlers.WriteError(c, err)
		return
	}
	doc, err = rewriteDiscovery(doc, publicURL)
	if err != nil {
		handlers.WriteError(c, autherr.Wrap(autherr.KindBackendUnavailable, "", err, "discovery document could not be rewritten"))
		return
	}
	c.Header("Cache-Control", "public, max-age=3600")
	c.Data(http.StatusOK, "application/json", doc)
}

func (m *Module) fetchDiscovery(ctx context.Context, endpoint string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, discoveryTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("oauth proxy: build discovery request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, autherr.Wrap(autherr.KindBackendUnavailable, "", err, "discovery endpoint unreachable")
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, autherr.New(autherr.KindBackendUnavailable, "", "discovery endpoint returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDiscoveryBody))
	if err != nil {
		return nil, autherr.Wrap(autherr.KindBackendUnavailable, "", err, "discovery document unreadable")
	}
	if !gjson.ValidBytes(body) || !gjson.ParseBytes(body).IsObject() {
		return nil, autherr.New(autherr.KindBackendUnavailable, "", "discovery document is not a JSON object")
	}
	return body, nil
}

// rewriteDiscovery points token_endpoint at the gateway relay and advertises
// S256 PKCE, which the gateway always uses.
func rewriteDiscovery(doc []byte, publicURL string) ([]byte, error) {
	out, err := sjson.SetBytes(doc, "token_endpoint", strings.TrimRight(publicURL, "/")+"/oauth2/token")
	if err != nil {
		return nil, err
	}
	methods := gjson.GetBytes(out, "code_challenge_methods_supported")
	hasS256 := false
	for _, v := range methods.Array() {
		if v.String() == "S256" {
			hasS256 = true
		}
	}
	if !hasS256 {
		out, err = sjson.SetBytes(out, "code_challenge_methods_supported.-1", "S256")
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// handleClientMetadata publishes the public half of the OAuth client registration.
func (m *Module) handleClientMetadata(c *gin.Context) {
	m.mu.RLock()
	clientID := m.clientID
	redirectURI := m.redirectURI
	scopes := append([]string(nil), m.scopes...)
	m.mu.RUnlock()
	if clientID == "" {
		handlers.WriteError(c, autherr.New(autherr.KindNotFound, "", "oauth client is not configured"))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"client_id":                  clientID,
		"redirect_uris":              []string{redirectURI},
		"scope":                      strings.Join(scopes, " "),
		"grant_types":                []string{"authorization_code", "refresh_token"},
		"response_types":             []string{"code"},
		"token_endpoint_auth_method": "client_secret_post",
	})
}
