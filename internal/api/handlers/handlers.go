// Package handlers implements the auth gateway endpoints: starting an
// authorization, redeeming the provider callback, reporting credential status
// and revoking a grant.
package handlers

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/workspace-mcp/credbroker/internal/auth/flow"
	"github.com/workspace-mcp/credbroker/internal/auth/google"
	"github.com/workspace-mcp/credbroker/internal/broker"
	"github.com/workspace-mcp/credbroker/internal/buildinfo"
	"github.com/workspace-mcp/credbroker/internal/config"
	"github.com/workspace-mcp/credbroker/internal/session"
	"github.com/workspace-mcp/credbroker/internal/store"
)

// ServiceName is reported by the health endpoint.
const ServiceName = "credbroker"

// sessionHeader optionally carries the caller's transport session id.
const sessionHeader = "Mcp-Session-Id"

// Handler serves the auth endpoints.
type Handler struct {
	cfg        *config.Config
	flow       *flow.Flow
	sessions   *session.Store
	store      store.Store
	broker     *broker.Broker
	verifier   *google.Verifier
	httpClient *http.Client
	endpoints  google.Endpoints
}

// Options wires a Handler to its collaborators.
type Options struct {
	Config     *config.Config
	Flow       *flow.Flow
	Sessions   *session.Store
	Store      store.Store
	Broker     *broker.Broker
	Verifier   *google.Verifier
	HTTPClient *http.Client
	Endpoints  google.Endpoints
}

// NewHandler creates the auth endpoint handler.
func NewHandler(opts Options) *Handler {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Handler{
		cfg:        opts.Config,
		flow:       opts.Flow,
		sessions:   opts.Sessions,
		store:      opts.Store,
		broker:     opts.Broker,
		verifier:   opts.Verifier,
		httpClient: httpClient,
		endpoints:  opts.Endpoints,
	}
}

// SetConfig swaps the configuration used for return URL checks.
func (h *Handler) SetConfig(cfg *config.Config) {
	if cfg != nil {
		h.cfg = cfg
	}
}

// Health reports liveness.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": ServiceName,
		"version": buildinfo.Version,
	})
}

// returnURLAllowed accepts absolute http(s) URLs on the gateway's own host or
// a configured return host.
func (h *Handler) returnURLAllowed(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || u.User != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	if h.cfg != nil {
		if self, errSelf := url.Parse(h.cfg.PublicURL()); errSelf == nil && strings.EqualFold(self.Hostname(), host) {
			return true
		}
		for _, allowed := range h.cfg.Gateway.AllowedReturnHosts {
			if strings.EqualFold(strings.TrimSpace(allowed), host) {
				return true
			}
		}
	}
	return false
}

// splitScopes accepts scopes separated by spaces or commas, repeated or not.
func splitScopes(values []string) []string {
	var out []string
	for _, v := range values {
		out = append(out, strings.FieldsFunc(v, func(r rune) bool { return r == ',' || r == ' ' })...)
	}
	return out
}

func bearerToken(c *gin.Context) string {
	header := strings.TrimSpace(c.GetHeader("Authorization"))
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}
