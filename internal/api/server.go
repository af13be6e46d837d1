// Package api assembles the auth gateway: a Gin engine carrying the auth
// endpoints, the OAuth proxy module and the shared middleware, plus the
// HTTP server lifecycle around it.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/workspace-mcp/credbroker/internal/api/handlers"
	"github.com/workspace-mcp/credbroker/internal/api/middleware"
	"github.com/workspace-mcp/credbroker/internal/api/modules"
	"github.com/workspace-mcp/credbroker/internal/api/modules/oauthproxy"
	"github.com/workspace-mcp/credbroker/internal/config"
	"github.com/workspace-mcp/credbroker/internal/logging"
)

// Server is the auth gateway.
type Server struct {
	engine   *gin.Engine
	root     http.Handler
	handler  *handlers.Handler
	limiter  *middleware.RateLimiter
	modules  []modules.RouteModule
	cfgMu    sync.RWMutex
	cfg      *config.Config
	server   *http.Server
	serverMu sync.Mutex
}

// ServerOption customizes the server.
type ServerOption func(*serverOptions)

type serverOptions struct {
	modules   []modules.RouteModule
	proxyOpts []oauthproxy.Option
}

// WithModule adds a route module.
func WithModule(m modules.RouteModule) ServerOption {
	return func(o *serverOptions) { o.modules = append(o.modules, m) }
}

// WithProxyOptions configures the built-in OAuth proxy module.
func WithProxyOptions(opts ...oauthproxy.Option) ServerOption {
	return func(o *serverOptions) { o.proxyOpts = append(o.proxyOpts, opts...) }
}

// NewServer builds the gateway around h.
func NewServer(cfg *config.Config, h *handlers.Handler, opts ...ServerOption) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("api: config is nil")
	}
	if h == nil {
		return nil, fmt.Errorf("api: handler is nil")
	}
	o := &serverOptions{}
	for _, opt := range opts {
		opt(o)
	}

	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(logging.GinLogrusLogger())
	engine.Use(logging.GinLogrusRecovery())
	engine.Use(middleware.CORS(cfg.Gateway.AllowedOrigins))

	s := &Server{
		engine:  engine,
		handler: h,
		limiter: middleware.NewRateLimiter(cfg.Gateway.ProxyRateLimit, cfg.Gateway.ProxyRateBurst),
		cfg:     cfg,
	}
	s.root = middleware.StripPrefix(cfg.Gateway.PathPrefix, engine)
	s.setupRoutes()

	s.modules = append([]modules.RouteModule{oauthproxy.New(o.proxyOpts...)}, o.modules...)
	mctx := modules.Context{Engine: engine, Config: cfg, RateLimit: s.limiter.Middleware()}
	for _, m := range s.modules {
		if err := modules.RegisterModule(mctx, m); err != nil {
			return nil, fmt.Errorf("api: register module %s: %w", m.Name(), err)
		}
	}
	engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, handlers.ErrorResponse{Status: "error", Kind: "not_found", Error: "no such endpoint"})
	})
	return s, nil
}

func (s *Server) setupRoutes() {
	s.engine.GET("/health", func(c *gin.Context) {
		logging.SkipGinRequestLogging(c)
		s.handler.Health(c)
	})
	auth := s.engine.Group("/auth")
	{
		auth.GET("/start", s.handler.StartAuth)
		auth.GET("/status", s.handler.Status)
		auth.POST("/revoke", s.handler.Revoke)
	}
	s.engine.GET(config.DefaultCallbackPath, s.handler.Callback)
}

// Handler returns the gateway's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.root
}

// UpdateConfig applies a reloaded configuration to the parts of the gateway
// that can change at runtime.
func (s *Server) UpdateConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}
	s.cfgMu.Lock()
	s.cfg = cfg
	s.cfgMu.Unlock()
	s.handler.SetConfig(cfg)
	s.limiter.SetLimit(cfg.Gateway.ProxyRateLimit, cfg.Gateway.ProxyRateBurst)
	for _, m := range s.modules {
		if err := m.OnConfigUpdated(cfg); err != nil {
			log.WithError(err).Warnf("module %s rejected config update", m.Name())
		}
	}
}

// Start listens on the configured address and serves until Stop. It returns
// http.ErrServerClosed after a clean shutdown.
func (s *Server) Start() error {
	s.cfgMu.RLock()
	addr := s.cfg.ListenAddr()
	s.cfgMu.RUnlock()

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("api: listen on %s: %w", addr, err)
	}
	return s.Serve(ln)
}

// Serve serves on ln until Stop.
func (s *Server) Serve(ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.root,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	s.serverMu.Lock()
	if s.server != nil {
		s.serverMu.Unlock()
		return errors.New("api: server already started")
	}
	s.server = srv
	s.serverMu.Unlock()

	log.Infof("auth gateway listening on %s", ln.Addr())
	return srv.Serve(ln)
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	s.serverMu.Lock()
	srv := s.server
	s.serverMu.Unlock()
	if srv == nil {
		return nil
	}
	log.Debug("stopping auth gateway")
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("api: shutdown: %w", err)
	}
	return nil
}
