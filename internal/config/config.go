// Package config provides configuration management for the credential broker.
// Settings are read from an optional YAML file, then overridden by environment
// variables, and finally completed from an optional Google client_secret.json.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/tidwall/gjson"
	"github.com/workspace-mcp/credbroker/internal/auth/google"
	"gopkg.in/yaml.v3"
)

// Defaults applied by Validate.
const (
	DefaultPort            = 8000
	DefaultBaseURI         = "http://localhost"
	DefaultCredentialsDir  = "~/.google_workspace_mcp/credentials"
	DefaultCallbackPath    = "/oauth2callback"
	DefaultCacheTTL        = 30 * time.Minute
	DefaultPendingTTL      = 10 * time.Minute
	DefaultRefreshTries    = 3
	DefaultRequestTimeout  = 30 * time.Second
	DefaultDialTimeout     = 5 * time.Second
	DefaultProxyRateLimit  = 5.0
	DefaultProxyRateBurst  = 10
	DefaultRefreshInterval = 500 * time.Millisecond
	DefaultRefreshMaxWait  = 5 * time.Second
	DefaultRefreshTimeout  = 60 * time.Second
)

// DefaultAllowedProxyHosts are the provider hosts the gateway proxies may reach.
var DefaultAllowedProxyHosts = []string{
	"oauth2.googleapis.com",
	"accounts.google.com",
	"www.googleapis.com",
}

// Config represents the broker configuration.
type Config struct {
	// Host is the interface the gateway binds to. Empty binds all interfaces.
	Host string `yaml:"host" json:"host" env:"HOST"`

	// Port is the gateway port.
	Port int `yaml:"port" json:"port" env:"PORT"`

	// BaseURI is the scheme and host clients reach the gateway on, without a port.
	BaseURI string `yaml:"base-uri" json:"base-uri" env:"WORKSPACE_MCP_BASE_URI"`

	// ExternalURL replaces BaseURI and Port when the gateway sits behind a reverse proxy.
	ExternalURL string `yaml:"external-url" json:"external-url" env:"WORKSPACE_EXTERNAL_URL"`

	// Debug enables debug level logging.
	Debug bool `yaml:"debug" json:"debug" env:"DEBUG"`

	// LoggingToFile writes logs to a rotating file instead of stdout.
	LoggingToFile bool `yaml:"logging-to-file" json:"logging-to-file" env:"LOGGING_TO_FILE"`

	// LogsMaxTotalSizeMB caps the size of the log directory. Zero disables the cleaner.
	LogsMaxTotalSizeMB int `yaml:"logs-max-total-size-mb" json:"logs-max-total-size-mb" env:"LOGS_MAX_TOTAL_SIZE_MB"`

	// ProxyURL is the URL of an optional proxy server used for outbound requests.
	ProxyURL string `yaml:"proxy-url" json:"proxy-url" env:"PROXY_URL"`

	// RequestTimeout bounds every outbound provider request.
	RequestTimeout time.Duration `yaml:"request-timeout" json:"request-timeout" env:"REQUEST_TIMEOUT"`

	// DialTimeout bounds connection establishment.
	DialTimeout time.Duration `yaml:"dial-timeout" json:"dial-timeout" env:"DIAL_TIMEOUT"`

	// SingleIdentityMode lets requests without an identity use the first stored credential.
	SingleIdentityMode bool `yaml:"single-identity-mode" json:"single-identity-mode" env:"MCP_SINGLE_USER_MODE"`

	OAuth   OAuthConfig   `yaml:"oauth" json:"oauth"`
	Storage StorageConfig `yaml:"storage" json:"storage"`
	Session SessionConfig `yaml:"session" json:"session"`
	Cache   CacheConfig   `yaml:"cache" json:"cache"`
	Refresh RefreshConfig `yaml:"refresh" json:"refresh"`
	Gateway GatewayConfig `yaml:"gateway" json:"gateway"`
}

// OAuthConfig identifies the Google OAuth client.
type OAuthConfig struct {
	ClientID     string `yaml:"client-id" json:"client-id" env:"GOOGLE_OAUTH_CLIENT_ID"`
	ClientSecret string `yaml:"client-secret" json:"-" env:"GOOGLE_OAUTH_CLIENT_SECRET"`
	RedirectURI  string `yaml:"redirect-uri" json:"redirect-uri" env:"GOOGLE_OAUTH_REDIRECT_URI"`

	// ClientSecretPath points at a client_secret.json downloaded from the Google console.
	ClientSecretPath string `yaml:"client-secret-path" json:"client-secret-path" env:"GOOGLE_CLIENT_SECRET_PATH"`

	// Scopes are requested when an authorization names none.
	Scopes []string `yaml:"scopes" json:"scopes" env:"OAUTH_SCOPES"`

	// PendingTTL is how long an issued authorization URL can be redeemed.
	PendingTTL time.Duration `yaml:"pending-ttl" json:"pending-ttl" env:"OAUTH_PENDING_TTL"`
}

// StorageConfig selects the credential store.
type StorageConfig struct {
	// Base is a directory or an s3://bucket/prefix URI.
	Base string `yaml:"base" json:"base" env:"GOOGLE_MCP_CREDENTIALS_DIR"`

	// Endpoint overrides the object storage endpoint for S3-compatible services.
	Endpoint string `yaml:"endpoint" json:"endpoint" env:"OBJECTSTORE_ENDPOINT"`

	// Region is the object storage region.
	Region string `yaml:"region" json:"region" env:"AWS_REGION"`

	// PathStyle forces path-style bucket addressing.
	PathStyle bool `yaml:"path-style" json:"path-style" env:"OBJECTSTORE_PATH_STYLE"`

	// Watch invalidates cached clients when files in a local credential directory change.
	Watch bool `yaml:"watch" json:"watch" env:"CREDENTIALS_WATCH"`
}

// SessionConfig tunes the multi-user session table.
type SessionConfig struct {
	IdleTimeout time.Duration `yaml:"idle-timeout" json:"idle-timeout" env:"SESSION_IDLE_TIMEOUT"`
}

// CacheConfig tunes the authenticated client cache.
type CacheConfig struct {
	TTL             time.Duration `yaml:"ttl" json:"ttl" env:"CLIENT_CACHE_TTL"`
	CleanupInterval time.Duration `yaml:"cleanup-interval" json:"cleanup-interval" env:"CLIENT_CACHE_CLEANUP_INTERVAL"`
}

// RefreshConfig tunes token refresh retries.
type RefreshConfig struct {
	MaxTries        uint          `yaml:"max-tries" json:"max-tries" env:"REFRESH_MAX_TRIES"`
	InitialInterval time.Duration `yaml:"initial-interval" json:"initial-interval" env:"REFRESH_INITIAL_INTERVAL"`
	MaxInterval     time.Duration `yaml:"max-interval" json:"max-interval" env:"REFRESH_MAX_INTERVAL"`
	Timeout         time.Duration `yaml:"timeout" json:"timeout" env:"REFRESH_TIMEOUT"`
}

// GatewayConfig tunes the HTTP surface.
type GatewayConfig struct {
	// AllowedProxyHosts limits where the CORS proxies may forward.
	AllowedProxyHosts []string `yaml:"allowed-proxy-hosts" json:"allowed-proxy-hosts" env:"OAUTH_PROXY_ALLOWED_HOSTS"`

	// AllowedOrigins lists CORS origins. Empty allows any origin.
	AllowedOrigins []string `yaml:"cors-allowed-origins" json:"cors-allowed-origins" env:"CORS_ALLOWED_ORIGINS"`

	// AllowedReturnHosts lists hosts the callback may redirect to besides the gateway itself.
	AllowedReturnHosts []string `yaml:"allowed-return-hosts" json:"allowed-return-hosts" env:"OAUTH_ALLOWED_RETURN_HOSTS"`

	// ProxyRateLimit is the sustained proxy requests per second per client IP.
	ProxyRateLimit float64 `yaml:"proxy-rate-limit" json:"proxy-rate-limit" env:"OAUTH_PROXY_RATE_LIMIT"`

	// ProxyRateBurst is the proxy burst size per client IP.
	ProxyRateBurst int `yaml:"proxy-rate-burst" json:"proxy-rate-burst" env:"OAUTH_PROXY_RATE_BURST"`

	// AllowUnauthenticatedRevoke lets /auth/revoke act on a body email without a bearer token.
	AllowUnauthenticatedRevoke bool `yaml:"allow-unauthenticated-revoke" json:"allow-unauthenticated-revoke" env:"ALLOW_UNAUTHENTICATED_REVOKE"`

	// PathPrefix is stripped from incoming paths when a load balancer routes a
	// sub-path such as /google-workspace to the gateway. Derived public URLs
	// include it. Changing it needs a restart.
	PathPrefix string `yaml:"path-prefix" json:"path-prefix" env:"MCP_PATH_PREFIX"`
}

// LoadConfig reads the YAML file at configFile, applies environment overrides
// and validates the result.
func LoadConfig(configFile string) (*Config, error) {
	return LoadConfigOptional(configFile, false)
}

// LoadConfigOptional behaves like LoadConfig but tolerates a missing file
// when optional is true.
func LoadConfigOptional(configFile string, optional bool) (*Config, error) {
	cfg := &Config{}
	if strings.TrimSpace(configFile) != "" {
		data, err := os.ReadFile(configFile)
		switch {
		case err == nil:
			if err = yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		case optional && errors.Is(err, fs.ErrNotExist):
		default:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}
	if err := cfg.loadClientSecretFile(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadClientSecretFile fills missing OAuth client fields from a
// client_secret.json of either the "web" or "installed" flavour.
func (c *Config) loadClientSecretFile() error {
	path := strings.TrimSpace(c.OAuth.ClientSecretPath)
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read client secret file: %w", err)
	}
	if !gjson.ValidBytes(data) {
		return fmt.Errorf("client secret file %s is not valid JSON", path)
	}
	root := gjson.GetBytes(data, "web")
	if !root.Exists() {
		root = gjson.GetBytes(data, "installed")
	}
	if !root.Exists() {
		return fmt.Errorf("client secret file %s has neither a web nor an installed client", path)
	}
	if c.OAuth.ClientID == "" {
		c.OAuth.ClientID = root.Get("client_id").String()
	}
	if c.OAuth.ClientSecret == "" {
		c.OAuth.ClientSecret = root.Get("client_secret").String()
	}
	if c.OAuth.RedirectURI == "" {
		c.OAuth.RedirectURI = root.Get("redirect_uris.0").String()
	}
	return nil
}

// Validate normalizes the configuration and fills defaults.
func (c *Config) Validate() error {
	c.Host = strings.TrimSpace(c.Host)
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("config: port %d is out of range", c.Port)
	}
	c.BaseURI = strings.TrimRight(strings.TrimSpace(c.BaseURI), "/")
	if c.BaseURI == "" {
		c.BaseURI = DefaultBaseURI
	}
	if u, err := url.Parse(c.BaseURI); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("config: base-uri %q must be an absolute http(s) URL", c.BaseURI)
	}
	c.ExternalURL = strings.TrimRight(strings.TrimSpace(c.ExternalURL), "/")
	prefix, err := normalizePathPrefix(c.Gateway.PathPrefix)
	if err != nil {
		return err
	}
	c.Gateway.PathPrefix = prefix
	c.ProxyURL = strings.TrimSpace(c.ProxyURL)
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}

	c.OAuth.ClientID = strings.TrimSpace(c.OAuth.ClientID)
	c.OAuth.ClientSecret = strings.TrimSpace(c.OAuth.ClientSecret)
	c.OAuth.RedirectURI = strings.TrimSpace(c.OAuth.RedirectURI)
	if c.OAuth.RedirectURI == "" {
		c.OAuth.RedirectURI = c.PublicURL() + DefaultCallbackPath
	}
	c.OAuth.Scopes = trimList(c.OAuth.Scopes)
	if c.OAuth.PendingTTL <= 0 {
		c.OAuth.PendingTTL = DefaultPendingTTL
	}

	c.Storage.Base = strings.TrimSpace(c.Storage.Base)
	if c.Storage.Base == "" {
		c.Storage.Base = DefaultCredentialsDir
	}

	if c.Cache.TTL <= 0 {
		c.Cache.TTL = DefaultCacheTTL
	}
	if c.Cache.CleanupInterval <= 0 {
		c.Cache.CleanupInterval = c.Cache.TTL / 6
	}
	if c.Refresh.MaxTries == 0 {
		c.Refresh.MaxTries = DefaultRefreshTries
	}
	if c.Refresh.InitialInterval <= 0 {
		c.Refresh.InitialInterval = DefaultRefreshInterval
	}
	if c.Refresh.MaxInterval <= 0 {
		c.Refresh.MaxInterval = DefaultRefreshMaxWait
	}
	if c.Refresh.Timeout <= 0 {
		c.Refresh.Timeout = DefaultRefreshTimeout
	}

	c.Gateway.AllowedProxyHosts = lowerList(c.Gateway.AllowedProxyHosts)
	if len(c.Gateway.AllowedProxyHosts) == 0 {
		c.Gateway.AllowedProxyHosts = append([]string(nil), DefaultAllowedProxyHosts...)
	}
	c.Gateway.AllowedOrigins = trimList(c.Gateway.AllowedOrigins)
	c.Gateway.AllowedReturnHosts = lowerList(c.Gateway.AllowedReturnHosts)
	if c.Gateway.ProxyRateLimit <= 0 {
		c.Gateway.ProxyRateLimit = DefaultProxyRateLimit
	}
	if c.Gateway.ProxyRateBurst <= 0 {
		c.Gateway.ProxyRateBurst = DefaultProxyRateBurst
	}
	return nil
}

// RequireOAuthClient reports an error when the OAuth client is incomplete.
func (c *Config) RequireOAuthClient() error {
	var missing []string
	if c.OAuth.ClientID == "" {
		missing = append(missing, "GOOGLE_OAUTH_CLIENT_ID")
	}
	if c.OAuth.ClientSecret == "" {
		missing = append(missing, "GOOGLE_OAUTH_CLIENT_SECRET")
	}
	if len(missing) > 0 {
		return fmt.Errorf("config: oauth client is not configured (set %s or client-secret-path)", strings.Join(missing, " and "))
	}
	return nil
}

// PublicURL is the URL clients use to reach the gateway. An https base URI
// omits the port; an http one includes it. The path prefix is appended unless
// an external URL is set.
func (c *Config) PublicURL() string {
	if c.ExternalURL != "" {
		return c.ExternalURL
	}
	return c.baseURL() + c.Gateway.PathPrefix
}

func (c *Config) baseURL() string {
	base := c.BaseURI
	if base == "" {
		base = DefaultBaseURI
	}
	if strings.HasPrefix(strings.ToLower(base), "https://") {
		return base
	}
	u, err := url.Parse(base)
	if err == nil && u.Port() != "" {
		return base
	}
	port := c.Port
	if port == 0 {
		port = DefaultPort
	}
	return base + ":" + strconv.Itoa(port)
}

// normalizePathPrefix returns p as "/a/b" with no trailing slash; "" and "/"
// mean no prefix.
func normalizePathPrefix(p string) (string, error) {
	p = strings.TrimRight(strings.TrimSpace(p), "/")
	if p == "" {
		return "", nil
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if strings.ContainsAny(p, "?#% \t") || strings.Contains(p, "//") || strings.Contains(p, "..") {
		return "", fmt.Errorf("config: path-prefix %q must be a plain URL path", p)
	}
	return p, nil
}

// ListenAddr is the address the gateway binds to.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ClientConfig returns the Google client configuration.
func (c *Config) ClientConfig() google.ClientConfig {
	return google.ClientConfig{
		ClientID:     c.OAuth.ClientID,
		ClientSecret: c.OAuth.ClientSecret,
		RedirectURL:  c.OAuth.RedirectURI,
	}.Normalized()
}

func trimList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func lowerList(in []string) []string {
	out := trimList(in)
	for i := range out {
		out[i] = strings.ToLower(out[i])
	}
	return out
}
