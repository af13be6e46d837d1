package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/workspace-mcp/credbroker/internal/api"
	"github.com/workspace-mcp/credbroker/internal/api/handlers"
	"github.com/workspace-mcp/credbroker/internal/auth/flow"
	"github.com/workspace-mcp/credbroker/internal/auth/google"
	"github.com/workspace-mcp/credbroker/internal/auth/refresh"
	"github.com/workspace-mcp/credbroker/internal/broker"
	"github.com/workspace-mcp/credbroker/internal/cache"
	"github.com/workspace-mcp/credbroker/internal/config"
	"github.com/workspace-mcp/credbroker/internal/logging"
	"github.com/workspace-mcp/credbroker/internal/session"
	"github.com/workspace-mcp/credbroker/internal/store"
	"github.com/workspace-mcp/credbroker/internal/watcher"
)

const shutdownTimeout = 10 * time.Second

// Service is the running broker: credential store, sessions, client cache,
// refresh engine and the auth gateway in front of them.
type Service struct {
	cfg      *config.Config
	store    store.Store
	sessions *session.Store
	cache    *cache.ClientCache
	broker   *broker.Broker
	server   *api.Server
	pending  *flow.PendingStore
	watcher  *watcher.Watcher
}

// NewService wires every component from cfg. configPath enables config
// reloads when the credential store is a local directory.
func NewService(ctx context.Context, cfg *config.Config, configPath string) (*Service, error) {
	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	httpClient := newHTTPClient(cfg)
	f, err := newFlow(ctx, cfg, st, httpClient)
	if err != nil {
		return nil, err
	}

	sessions := session.NewStore(st, session.Options{IdleTimeout: cfg.Session.IdleTimeout})
	clients := cache.NewClientCache(cfg.Cache.TTL, cfg.Cache.CleanupInterval)
	refresher := refresh.New(st, refresh.Options{
		HTTPClient:      httpClient,
		MaxTries:        cfg.Refresh.MaxTries,
		InitialInterval: cfg.Refresh.InitialInterval,
		MaxInterval:     cfg.Refresh.MaxInterval,
		Timeout:         cfg.Refresh.Timeout,
	})
	b, err := broker.New(broker.Options{
		Store:              st,
		Sessions:           sessions,
		Cache:              clients,
		Refresher:          refresher,
		HTTPClient:         httpClient,
		SingleIdentityMode: cfg.SingleIdentityMode,
	})
	if err != nil {
		sessions.Close()
		clients.Stop()
		f.Pending().Stop()
		return nil, err
	}

	client := cfg.ClientConfig()
	h := handlers.NewHandler(handlers.Options{
		Config:     cfg,
		Flow:       f,
		Sessions:   sessions,
		Store:      st,
		Broker:     b,
		Verifier:   google.NewVerifier(ctx, client, httpClient),
		HTTPClient: httpClient,
		Endpoints:  client.Endpoints,
	})
	server, err := api.NewServer(cfg, h)
	if err != nil {
		sessions.Close()
		clients.Stop()
		f.Pending().Stop()
		return nil, err
	}

	return &Service{
		cfg:      cfg,
		store:    st,
		sessions: sessions,
		cache:    clients,
		broker:   b,
		server:   server,
		pending:  f.Pending(),
	}, nil
}

// Broker exposes the client broker for in-process consumers.
func (s *Service) Broker() *broker.Broker { return s.broker }

// Handler exposes the gateway's HTTP handler.
func (s *Service) Handler() http.Handler { return s.server.Handler() }

// startWatcher follows the config file and the credential directory. It needs
// a local store: object storage has no change feed.
func (s *Service) startWatcher(ctx context.Context, configPath string) error {
	files, ok := s.store.(*store.FileStore)
	if !ok {
		if configPath != "" {
			log.Debug("watcher disabled for object storage; config changes need a restart")
		}
		return nil
	}
	if !s.cfg.Storage.Watch && configPath == "" {
		return nil
	}
	w, err := watcher.NewWatcher(configPath, files, s.onCredentialUpdate, s.onConfigReload)
	if err != nil {
		return err
	}
	if err = w.Start(ctx); err != nil {
		return err
	}
	s.watcher = w
	return nil
}

// onCredentialUpdate keeps sessions and cached clients in step with records
// changed behind the process's back.
func (s *Service) onCredentialUpdate(u watcher.Update) {
	s.broker.Invalidate(u.Identity)
	entry := log.WithFields(log.Fields{"identity": u.Identity, "action": u.Action})
	if u.Action == watcher.ActionDelete {
		if s.sessions.Has(u.Identity) {
			if err := s.sessions.RemoveSession(context.Background(), u.Identity); err != nil {
				entry.WithError(err).Warn("failed to drop session for deleted credential")
				return
			}
		}
		entry.Info("credential removed from store")
		return
	}
	cred, ok, err := s.store.Load(context.Background(), u.Identity)
	if err != nil || !ok {
		entry.WithError(err).Debug("changed credential could not be reloaded")
		return
	}
	if s.sessions.Refreshed(u.Identity, cred) {
		entry.Debug("session credential replaced from store")
	}
}

func (s *Service) onConfigReload(next *config.Config) {
	if err := next.Validate(); err != nil {
		log.WithError(err).Error("reloaded configuration is invalid; keeping the current one")
		return
	}
	if err := logging.ConfigureLogOutput(next); err != nil {
		log.WithError(err).Error("failed to apply reloaded log settings")
	}
	s.server.UpdateConfig(next)
	log.Info("configuration reloaded")
}

// Run serves the gateway until ctx ends, then shuts everything down.
func (s *Service) Run(ctx context.Context, configPath string) error {
	if err := s.startWatcher(ctx, configPath); err != nil {
		s.close()
		return fmt.Errorf("start credential watcher: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	log.WithField("backend", s.store.Location()).Infof("credential broker serving on %s", s.cfg.PublicURL())

	var runErr error
	select {
	case <-ctx.Done():
	case err, ok := <-errCh:
		if ok {
			runErr = err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.server.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("gateway did not shut down cleanly")
	}
	s.close()
	return runErr
}

func (s *Service) close() {
	if s.watcher != nil {
		if err := s.watcher.Stop(); err != nil {
			log.WithError(err).Debug("watcher stop")
		}
	}
	s.sessions.Close()
	s.cache.Stop()
	s.pending.Stop()
}

// StartService runs the broker until ctx is cancelled.
func StartService(ctx context.Context, cfg *config.Config, configPath string) error {
	svc, err := NewService(ctx, cfg, configPath)
	if err != nil {
		return err
	}
	return svc.Run(ctx, configPath)
}
