// Package cmd implements the broker's command modes: the interactive login,
// listing and revoking stored credentials, and running the auth gateway.
package cmd

import (
	"context"
	"fmt"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/workspace-mcp/credbroker/internal/auth/flow"
	"github.com/workspace-mcp/credbroker/internal/auth/google"
	"github.com/workspace-mcp/credbroker/internal/config"
	"github.com/workspace-mcp/credbroker/internal/store"
	"github.com/workspace-mcp/credbroker/internal/util"
)

// LoginOptions contains options for the login process.
type LoginOptions struct {
	// NoBrowser prints the authorization URL instead of opening it.
	NoBrowser bool

	// CallbackPort overrides the local OAuth callback port when set (>0).
	CallbackPort int

	// Email is sent as the login hint and must match the account that consents.
	Email string

	// Scopes are requested in addition to the identity scopes.
	Scopes []string
}

// openStore builds the credential store selected by the configured base
// location and checks that it is usable.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	st, err := store.New(cfg.Storage.Base, store.Options{
		Endpoint:  cfg.Storage.Endpoint,
		Region:    cfg.Storage.Region,
		PathStyle: cfg.Storage.PathStyle,
	})
	if err != nil {
		return nil, err
	}
	if err = st.Check(ctx); err != nil {
		return nil, fmt.Errorf("credential store %s is not usable: %w", st.Location(), err)
	}
	log.WithField("backend", st.Location()).Debug("credential store ready")
	return st, nil
}

func newHTTPClient(cfg *config.Config) *http.Client {
	return util.NewHTTPClient(cfg.ProxyURL, cfg.RequestTimeout)
}

// newFlow wires the authorization flow to st. Callers stop the pending
// table through Pending().Stop when done.
func newFlow(ctx context.Context, cfg *config.Config, st store.Store, httpClient *http.Client) (*flow.Flow, error) {
	if err := cfg.RequireOAuthClient(); err != nil {
		return nil, err
	}
	client := cfg.ClientConfig()
	return flow.New(flow.Options{
		Client:        client,
		Verifier:      google.NewVerifier(ctx, client, httpClient),
		Store:         st,
		Pending:       flow.NewPendingStore(cfg.OAuth.PendingTTL, time.Minute),
		HTTPClient:    httpClient,
		DefaultScopes: cfg.OAuth.Scopes,
	})
}
