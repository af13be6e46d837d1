// Package oauthproxy implements the OAuth proxy routing module. Browser based
// clients cannot call Google's token and discovery endpoints directly because
// those endpoints do not answer CORS preflights; this module relays them
// through the gateway, restricted to an allowlist of provider hosts.
package oauthproxy

import (
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/workspace-mcp/credbroker/internal/api/modules"
	"github.com/workspace-mcp/credbroker/internal/auth/google"
	"github.com/workspace-mcp/credbroker/internal/autherr"
	"github.com/workspace-mcp/credbroker/internal/config"
)

// Option configures the Module.
type Option func(*Module)

// Module implements modules.RouteModule for the OAuth proxy routes.
type Module struct {
	endpoints  google.Endpoints
	transport  http.RoundTripper
	httpClient *http.Client

	mu           sync.RWMutex
	allowedHosts map[string]struct{}
	publicURL    string
	clientID     string
	redirectURI  string
	scopes       []string
	tokenProxy   *httputil.ReverseProxy

	registerOnce sync.Once
}

// New creates the OAuth proxy module.
func New(opts ...Option) *Module {
	m := &Module{endpoints: google.DefaultEndpoints()}
	for _, opt := range opts {
		opt(m)
	}
	if m.httpClient == nil {
		m.httpClient = &http.Client{Transport: m.transport}
	}
	return m
}

// WithEndpoints points the proxy at non-default provider endpoints.
func WithEndpoints(e google.Endpoints) Option {
	return func(m *Module) {
		def := google.DefaultEndpoints()
		if e.Token == "" {
			e.Token = def.Token
		}
		if e.Discovery == "" {
			e.Discovery = def.Discovery
		}
		m.endpoints = e
	}
}

// WithHTTPClient sets the client used for discovery fetches and, through its
// transport, for the token relay.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Module) {
		m.httpClient = c
		if c != nil {
			m.transport = c.Transport
		}
	}
}

// Name returns the module identifier.
func (m *Module) Name() string {
	return "oauth-proxy"
}

// Register attaches the proxy routes. Routes are registered once.
func (m *Module) Register(ctx modules.Context) error {
	if err := m.OnConfigUpdated(ctx.Config); err != nil {
		return err
	}
	m.registerOnce.Do(func() {
		limited := []gin.HandlerFunc{}
		if ctx.RateLimit != nil {
			limited = append(limited, ctx.RateLimit)
		}
		ctx.Engine.POST("/oauth2/token", append(limited, m.handleToken)...)
		ctx.Engine.GET("/.well-known/oauth-authorization-server", append(limited, m.handleDiscovery)...)
		ctx.Engine.GET("/.well-known/oauth-client", m.handleClientMetadata)
		log.Debug("oauth proxy routes registered")
	})
	return nil
}

// OnConfigUpdated refreshes the allowlist and the advertised client metadata.
func (m *Module) OnConfigUpdated(cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("oauth proxy: config is nil")
	}
	hosts := cfg.Gateway.AllowedProxyHosts
	if len(hosts) == 0 {
		hosts = config.DefaultAllowedProxyHosts
	}
	allowed := make(map[string]struct{}, len(hosts))
	for _, h := range hosts {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			allowed[h] = struct{}{}
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.allowedHosts = allowed
	m.publicURL = strings.TrimRight(cfg.PublicURL(), "/")
	m.clientID = cfg.OAuth.ClientID
	m.redirectURI = cfg.OAuth.RedirectURI
	m.scopes = append(google.BaseScopes[:0:0], google.BaseScopes...)
	m.scopes = append(m.scopes, cfg.OAuth.Scopes...)

	target, err := m.allowedTargetLocked(m.endpoints.Token)
	if err != nil {
		log.WithError(err).Warn("oauth proxy: token endpoint is not allowlisted; token relay disabled")
		m.tokenProxy = nil
		return nil
	}
	m.tokenProxy = newTokenProxy(target, m.transport)
	return nil
}

// allowedTargetLocked parses raw and checks its host against the allowlist.
func (m *Module) allowedTargetLocked(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return nil, autherr.New(autherr.KindAccessDenied, "", "proxy target is not a valid URL")
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return nil, autherr.New(autherr.KindAccessDenied, "", "proxy target scheme %q is not allowed", u.Scheme)
	}
	if _, ok := m.allowedHosts[strings.ToLower(u.Hostname())]; !ok {
		return nil, autherr.New(autherr.KindAccessDenied, "", "proxy target host %s is not allowed", u.Hostname())
	}
	return u, nil
}

// AllowedTarget reports whether raw may be reached through the proxy.
func (m *Module) AllowedTarget(raw string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, err := m.allowedTargetLocked(raw)
	return err == nil
}
