// Package flow runs the single-user OAuth authorization code flow with PKCE:
// it issues authorization URLs, redeems callbacks exactly once, verifies the
// returned identity and persists the resulting credential.
package flow

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/workspace-mcp/credbroker/internal/auth/google"
	"github.com/workspace-mcp/credbroker/internal/auth/pkce"
	"github.com/workspace-mcp/credbroker/internal/autherr"
	"github.com/workspace-mcp/credbroker/internal/credential"
	"github.com/workspace-mcp/credbroker/internal/misc"
	"github.com/workspace-mcp/credbroker/internal/store"
	"golang.org/x/oauth2"
)

// Options wires a Flow to its collaborators.
type Options struct {
	Client   google.ClientConfig
	Verifier *google.Verifier
	Store    store.Store
	Pending  *PendingStore
	// HTTPClient is used for the code exchange. Nil uses http.DefaultClient.
	HTTPClient *http.Client
	// DefaultScopes are requested in addition to the identity scopes when a
	// start request names none.
	DefaultScopes []string
}

// Flow drives authorization for one OAuth client.
type Flow struct {
	client        google.ClientConfig
	verifier      *google.Verifier
	store         store.Store
	pending       *PendingStore
	httpClient    *http.Client
	defaultScopes []string
}

// StartRequest describes an authorization to issue.
type StartRequest struct {
	Scopes      []string
	RedirectURI string
	LoginHint   string
	ReturnURL   string
}

// Authorization is an issued authorization URL and the state that redeems it.
type Authorization struct {
	URL       string
	State     string
	Scopes    []string
	ExpiresAt time.Time
}

// Result is the outcome of a redeemed callback.
type Result struct {
	Identity   string
	Credential *credential.Credential
	ReturnURL  string
}

// New validates opts and creates a Flow.
func New(opts Options) (*Flow, error) {
	client := opts.Client.Normalized()
	if client.ClientID == "" || client.ClientSecret == "" {
		return nil, fmt.Errorf("auth flow: oauth client id and secret are required")
	}
	if opts.Verifier == nil {
		return nil, fmt.Errorf("auth flow: identity verifier is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("auth flow: credential store is required")
	}
	pending := opts.Pending
	if pending == nil {
		pending = NewPendingStore(DefaultPendingTTL, 0)
	}
	return &Flow{
		client:        client,
		verifier:      opts.Verifier,
		store:         opts.Store,
		pending:       pending,
		httpClient:    opts.HTTPClient,
		defaultScopes: credential.CanonicalScopes(opts.DefaultScopes),
	}, nil
}

// Pending exposes the pending authorization table.
func (f *Flow) Pending() *PendingStore { return f.pending }

// Scopes returns the full scope set requested for extra, identity scopes included.
func (f *Flow) Scopes(extra []string) []string {
	requested := extra
	if len(credential.CanonicalScopes(requested)) == 0 {
		requested = f.defaultScopes
	}
	all := make([]string, 0, len(google.BaseScopes)+len(requested))
	all = append(all, google.BaseScopes...)
	all = append(all, requested...)
	return credential.CanonicalScopes(all)
}

// Start issues a new authorization URL. The returned state redeems it once
// within the pending TTL.
func (f *Flow) Start(_ context.Context, req StartRequest) (*Authorization, error) {
	redirectURI := strings.TrimSpace(req.RedirectURI)
	if redirectURI == "" {
		redirectURI = f.client.RedirectURL
	}
	if redirectURI == "" {
		return nil, autherr.New(autherr.KindInvalidRequest, "", "redirect uri is not configured")
	}

	state, err := misc.GenerateRandomState()
	if err != nil {
		return nil, fmt.Errorf("auth flow: %w", err)
	}
	codes, err := pkce.Generate()
	if err != nil {
		return nil, fmt.Errorf("auth flow: %w", err)
	}
	scopes := f.Scopes(req.Scopes)
	loginHint := strings.TrimSpace(req.LoginHint)

	f.pending.Put(state, Pending{
		Verifier:    codes.CodeVerifier,
		Scopes:      scopes,
		RedirectURI: redirectURI,
		LoginHint:   loginHint,
		ReturnURL:   strings.TrimSpace(req.ReturnURL),
	})

	conf := f.client.OAuth2Config(scopes)
	conf.RedirectURL = redirectURI
	params := []oauth2.AuthCodeOption{
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
		oauth2.SetAuthURLParam("include_granted_scopes", "true"),
		oauth2.SetAuthURLParam("code_challenge", codes.CodeChallenge),
		oauth2.SetAuthURLParam("code_challenge_method", pkce.MethodS256),
	}
	if loginHint != "" {
		params = append(params, oauth2.SetAuthURLParam("login_hint", loginHint))
	}

	log.WithFields(log.Fields{"login_hint": loginHint, "scopes": len(scopes)}).Info("auth flow: authorization issued")
	return &Authorization{
		URL:       conf.AuthCodeURL(state, params...),
		State:     state,
		Scopes:    scopes,
		ExpiresAt: time.Now().Add(f.pending.TTL()),
	}, nil
}

// HandleCallback redeems the provider callback in rawCallbackURL. On success
// exactly one credential is written to the store; no failure path writes.
func (f *Flow) HandleCallback(ctx context.Context, rawCallbackURL string) (*Result, error) {
	cb, err := misc.ParseOAuthCallback(rawCallbackURL)
	if err != nil || cb == nil {
		return nil, autherr.New(autherr.KindInvalidState, "", "callback is missing the authorization code")
	}
	if err = misc.ValidateOAuthState(cb.State); err != nil {
		return nil, autherr.New(autherr.KindInvalidState, "", "invalid or expired state: %v", err)
	}
	pending, ok := f.pending.Consume(cb.State)
	if !ok {
		log.Warn("auth flow: callback with unknown, reused or expired state")
		return nil, autherr.New(autherr.KindInvalidState, "", "invalid or expired state")
	}
	fail := func(err error) error {
		if pending.ReturnURL == "" {
			return err
		}
		return &callbackError{err: err, returnURL: pending.ReturnURL}
	}
	if cb.Error != "" {
		msg := cb.Error
		if cb.ErrorDescription != "" {
			msg += ": " + cb.ErrorDescription
		}
		return nil, fail(autherr.New(autherr.KindInvalidState, pending.LoginHint, "authorization was not granted (%s)", msg))
	}
	if cb.Code == "" {
		return nil, fail(autherr.New(autherr.KindInvalidState, pending.LoginHint, "callback is missing the authorization code"))
	}

	exchangeCtx := google.WithHTTPClient(ctx, f.httpClient)
	conf := f.client.OAuth2Config(pending.Scopes)
	conf.RedirectURL = pending.RedirectURI
	tok, err := conf.Exchange(exchangeCtx, cb.Code, oauth2.VerifierOption(pending.Verifier))
	if err != nil {
		return nil, fail(classifyExchangeError(pending.LoginHint, err))
	}

	identity, err := f.resolveIdentity(ctx, tok)
	if err != nil {
		return nil, fail(err)
	}
	if pending.LoginHint != "" && !strings.EqualFold(pending.LoginHint, identity) {
		log.WithFields(log.Fields{"login_hint": pending.LoginHint, "identity": identity}).Warn("auth flow: authenticated account does not match login hint")
		return nil, fail(autherr.New(autherr.KindAccessDenied, identity, "authenticated account does not match the requested account %s", pending.LoginHint))
	}

	base := &credential.Credential{
		TokenURI:     f.client.Endpoints.Token,
		ClientID:     f.client.ClientID,
		ClientSecret: f.client.ClientSecret,
		Scopes:       pending.Scopes,
		Identity:     identity,
	}
	cred := base.ApplyToken(tok)
	if !cred.CanRefresh() {
		log.WithField("identity", identity).Warn("auth flow: provider returned no refresh token; the credential cannot be refreshed")
	}
	if err = f.store.Save(ctx, identity, cred); err != nil {
		return nil, fail(err)
	}
	log.WithField("identity", identity).Info("auth flow: authorization completed")
	return &Result{Identity: identity, Credential: cred.Clone(), ReturnURL: pending.ReturnURL}, nil
}

// resolveIdentity returns the verified email for a token response. The ID
// token is authoritative; userinfo is consulted only when it carries no email.
func (f *Flow) resolveIdentity(ctx context.Context, tok *oauth2.Token) (string, error) {
	rawID, _ := tok.Extra("id_token").(string)
	if rawID == "" {
		return "", autherr.New(autherr.KindAccessDenied, "", "provider returned no id token")
	}
	id, err := f.verifier.VerifyIDToken(ctx, rawID)
	if err != nil {
		return "", err
	}
	if id.Email != "" {
		return id.Email, nil
	}
	email, err := f.verifier.UserEmail(ctx, tok.AccessToken)
	if err != nil {
		return "", err
	}
	return email, nil
}

func classifyExchangeError(identity string, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		status := 0
		if re.Response != nil {
			status = re.Response.StatusCode
		}
		if status == http.StatusTooManyRequests || status >= http.StatusInternalServerError {
			return autherr.New(autherr.KindBackendUnavailable, identity, "token endpoint returned status %d", status)
		}
		code := re.ErrorCode
		if code == "" {
			code = "unknown"
		}
		return autherr.New(autherr.KindInvalidState, identity, "authorization code was rejected (%s)", code)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return autherr.Wrap(autherr.KindBackendUnavailable, identity, err, "token endpoint unreachable")
	}
	return autherr.Wrap(autherr.KindBackendUnavailable, identity, err, "code exchange failed")
}

// callbackError carries the return URL of a consumed state alongside the failure.
type callbackError struct {
	err       error
	returnURL string
}

func (e *callbackError) Error() string { return e.err.Error() }
func (e *callbackError) Unwrap() error { return e.err }

// ReturnURLOf returns the return URL registered for the authorization that
// failed with err, or "" when the failure happened before the state was redeemed.
func ReturnURLOf(err error) string {
	var ce *callbackError
	if errors.As(err, &ce) {
		return ce.returnURL
	}
	return ""
}
