// Package broker is the consumer boundary: it turns (identity, service,
// version, scopes) into a ready-to-use authenticated HTTP client, loading,
// scope-checking and refreshing the stored credential on the way. Callers
// never see token material.
package broker

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/workspace-mcp/credbroker/internal/auth/google"
	"github.com/workspace-mcp/credbroker/internal/auth/refresh"
	"github.com/workspace-mcp/credbroker/internal/autherr"
	"github.com/workspace-mcp/credbroker/internal/cache"
	"github.com/workspace-mcp/credbroker/internal/credential"
	"github.com/workspace-mcp/credbroker/internal/session"
	"github.com/workspace-mcp/credbroker/internal/store"
	"golang.org/x/oauth2"
)

// Options wires a Broker.
type Options struct {
	Store     store.Store
	Sessions  *session.Store
	Cache     *cache.ClientCache
	Refresher *refresh.Refresher
	// HTTPClient is the base client whose transport authenticated clients wrap.
	HTTPClient *http.Client
	// SingleIdentityMode resolves requests without any identity to the first
	// stored credential. It trusts whichever credential sorts first and is meant
	// for single-user deployments only.
	SingleIdentityMode bool
}

// Request asks for an authenticated client.
type Request struct {
	// Identity is the user whose credential should be used.
	Identity string
	// VerifiedIdentity is the identity proven by the caller's bearer token, if any.
	VerifiedIdentity string
	Service          string
	Version          string
	Scopes           []string
}

// Handle is an authenticated client bound to one identity.
type Handle struct {
	Identity   string
	Service    string
	Version    string
	Scopes     []string
	HTTPClient *http.Client
}

// Broker resolves authenticated clients.
type Broker struct {
	store      store.Store
	sessions   *session.Store
	cache      *cache.ClientCache
	refresher  *refresh.Refresher
	httpClient *http.Client
	single     bool
	now        func() time.Time
}

// New validates opts and creates a Broker. It installs the terminal refresh
// hook on the refresher.
func New(opts Options) (*Broker, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("broker: credential store is required")
	}
	c := opts.Cache
	if c == nil {
		c = cache.NewClientCache(cache.ClientCacheTTL, 0)
	}
	r := opts.Refresher
	if r == nil {
		r = refresh.New(opts.Store, refresh.Options{HTTPClient: opts.HTTPClient})
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	b := &Broker{
		store:      opts.Store,
		sessions:   opts.Sessions,
		cache:      c,
		refresher:  r,
		httpClient: hc,
		single:     opts.SingleIdentityMode,
		now:        time.Now,
	}
	r.SetOnTerminal(b.terminal)
	if b.single {
		log.Warn("broker: single-identity mode is enabled; requests without an identity use the first stored credential")
	}
	return b, nil
}

// Cache exposes the client cache.
func (b *Broker) Cache() *cache.ClientCache { return b.cache }

// Client returns an authenticated client for req.
func (b *Broker) Client(ctx context.Context, req Request) (*Handle, error) {
	identity, err := b.resolveIdentity(ctx, req)
	if err != nil {
		return nil, err
	}
	verified := strings.TrimSpace(req.VerifiedIdentity)
	if verified != "" && verified != identity {
		if b.sessions != nil {
			// Resolve logs and classifies the mismatch.
			_, err = b.sessions.Resolve(identity, verified)
			return nil, err
		}
		log.WithFields(log.Fields{"requested_identity": identity, "verified_identity": verified}).Warn("broker: denied cross-identity credential access")
		return nil, autherr.New(autherr.KindAccessDenied, verified, "caller may not access credentials of %s", identity)
	}

	key := cache.Key{
		Identity: identity,
		Service:  req.Service,
		Version:  req.Version,
		Scopes:   credential.CanonicalScopes(req.Scopes),
	}
	v, err := b.cache.GetOrBuild(ctx, key, func(buildCtx context.Context) (any, error) {
		return b.build(buildCtx, key, verified)
	})
	if err != nil {
		return nil, err
	}
	if b.sessions != nil {
		b.sessions.Touch(identity)
	}
	return v.(*Handle), nil
}

// Forget drops everything held for identity: cached clients, the session and
// the stored credential.
func (b *Broker) Forget(ctx context.Context, identity string) error {
	b.cache.Invalidate(identity)
	if b.sessions != nil {
		return b.sessions.RemoveSession(ctx, identity)
	}
	return b.store.Delete(ctx, identity)
}

// Invalidate drops cached clients for identity.
func (b *Broker) Invalidate(identity string) {
	if n := b.cache.Invalidate(identity); n > 0 {
		log.WithFields(log.Fields{"identity": identity, "entries": n}).Debug("broker: cached clients invalidated")
	}
}

func (b *Broker) resolveIdentity(ctx context.Context, req Request) (string, error) {
	identity := strings.TrimSpace(req.Identity)
	if identity != "" {
		return identity, nil
	}
	if verified := strings.TrimSpace(req.VerifiedIdentity); verified != "" {
		return verified, nil
	}
	if !b.single {
		return "", autherr.New(autherr.KindInvalidRequest, "", "identity is required")
	}
	identities, err := b.store.List(ctx)
	if err != nil {
		return "", err
	}
	if len(identities) == 0 {
		return "", autherr.New(autherr.KindNotFound, "", "no stored credentials")
	}
	log.WithFields(log.Fields{"identity": identities[0], "stored": len(identities)}).Warn("broker: single-identity mode resolved request to first stored credential")
	return identities[0], nil
}

func (b *Broker) build(ctx context.Context, key cache.Key, verified string) (*Handle, error) {
	cred, err := b.load(ctx, key.Identity, verified)
	if err != nil {
		return nil, err
	}
	if missing := cred.MissingScopes(key.Scopes); len(missing) > 0 {
		return nil, autherr.New(autherr.KindInsufficientScope, key.Identity, "missing scopes %s", strings.Join(missing, " "))
	}
	now := b.now()
	if cred.Terminal(now) {
		b.terminal(ctx, key.Identity)
		return nil, autherr.New(autherr.KindTerminalAuthFailure, key.Identity, "credential expired and cannot be refreshed")
	}
	if !cred.Valid(now) {
		if cred, err = b.refresh(ctx, key.Identity, cred); err != nil {
			return nil, err
		}
	}

	src := &tokenSource{broker: b, identity: key.Identity, cred: cred}
	clientCtx := google.WithHTTPClient(context.Background(), b.httpClient)
	client := oauth2.NewClient(clientCtx, oauth2.ReuseTokenSource(cred.Token(), src))
	client.Timeout = b.httpClient.Timeout

	log.WithFields(log.Fields{"identity": key.Identity, "service": key.Service}).Debug("broker: authenticated client built")
	return &Handle{
		Identity:   key.Identity,
		Service:    key.Service,
		Version:    key.Version,
		Scopes:     key.Scopes,
		HTTPClient: client,
	}, nil
}

// load prefers the live session copy and falls back to the credential store.
// A corrupt record is treated as missing.
func (b *Broker) load(ctx context.Context, identity, verified string) (*credential.Credential, error) {
	if b.sessions != nil && verified != "" && b.sessions.Has(identity) {
		return b.sessions.Resolve(identity, verified)
	}
	cred, found, err := b.store.Load(ctx, identity)
	if err != nil {
		if autherr.IsKind(err, autherr.KindCorrupt) {
			return nil, autherr.Wrap(autherr.KindNotFound, identity, err, "stored credential is unreadable")
		}
		return nil, err
	}
	if !found {
		return nil, autherr.New(autherr.KindNotFound, identity, "no stored credential")
	}
	return cred, nil
}

func (b *Broker) refresh(ctx context.Context, identity string, cred *credential.Credential) (*credential.Credential, error) {
	fresh, err := b.refresher.Refresh(ctx, identity, cred)
	if err != nil {
		b.Invalidate(identity)
		return nil, err
	}
	if b.sessions != nil {
		b.sessions.Refreshed(identity, fresh)
	}
	return fresh, nil
}

// terminal runs when a credential can never be refreshed again.
func (b *Broker) terminal(ctx context.Context, identity string) {
	log.WithField("identity", identity).Warn("broker: credential is dead, removing it")
	if err := b.Forget(ctx, identity); err != nil {
		log.WithField("identity", identity).WithError(err).Error("broker: failed to remove dead credential")
	}
}

// tokenSource refreshes through the broker once a cached client's token expires.
type tokenSource struct {
	broker   *Broker
	identity string

	mu   sync.Mutex
	cred *credential.Credential
}

func (s *tokenSource) Token() (*oauth2.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cred.Valid(s.broker.now()) {
		return s.cred.Token(), nil
	}
	fresh, err := s.broker.refresh(context.Background(), s.identity, s.cred)
	if err != nil {
		return nil, err
	}
	s.cred = fresh
	return fresh.Token(), nil
}
