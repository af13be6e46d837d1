// Package session holds the multi-user session table: bearer tokens and
// transport session ids mapped to a verified identity and that identity's
// credential. A session only ever resolves its own identity.
package session

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/workspace-mcp/credbroker/internal/autherr"
	"github.com/workspace-mcp/credbroker/internal/credential"
	"github.com/workspace-mcp/credbroker/internal/store"
)

// tokenEntropy is the number of random bytes in a session token after its uuid prefix.
const tokenEntropy = 32

// Options tunes a session Store.
type Options struct {
	// IdleTimeout evicts sessions not resolved or touched for this long. Zero disables eviction.
	IdleTimeout time.Duration
	// SweepInterval is how often idle sessions are looked for. Defaults to IdleTimeout/2.
	SweepInterval time.Duration
}

// Info describes a session without exposing credential material.
type Info struct {
	Identity          string
	ExternalSessionID string
	CreatedAt         time.Time
	LastAccessed      time.Time
}

type entry struct {
	identity   string
	cred       *credential.Credential
	token      string
	tokenKey   string
	externalID string
	createdAt  time.Time
	lastAccess time.Time
}

// Store is an in-memory session table that mirrors credentials to a
// durable credential store. Sessions themselves do not survive a restart.
type Store struct {
	backing store.Store
	opts    Options
	now     func() time.Time

	mu         sync.RWMutex
	byIdentity map[string]*entry
	byToken    map[string]*entry
	byExternal map[string]string

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewStore creates a session table backed by backing. Call Close when done.
func NewStore(backing store.Store, opts Options) *Store {
	s := &Store{
		backing:    backing,
		opts:       opts,
		now:        time.Now,
		byIdentity: make(map[string]*entry),
		byToken:    make(map[string]*entry),
		byExternal: make(map[string]string),
		done:       make(chan struct{}),
	}
	if opts.IdleTimeout > 0 {
		interval := opts.SweepInterval
		if interval <= 0 {
			interval = opts.IdleTimeout / 2
		}
		s.wg.Add(1)
		go s.sweepLoop(interval)
	}
	return s
}

// Close stops idle eviction and drops every session. Stored credentials are kept.
func (s *Store) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.wg.Wait()
		s.mu.Lock()
		s.byIdentity = make(map[string]*entry)
		s.byToken = make(map[string]*entry)
		s.byExternal = make(map[string]string)
		s.mu.Unlock()
	})
}

// StoreSession creates or replaces the session for identity, mirrors cred to
// the credential store and returns a new bearer token. Any previous token of
// the identity stops resolving.
func (s *Store) StoreSession(ctx context.Context, identity string, cred *credential.Credential, externalSessionID string) (string, error) {
	identity = strings.TrimSpace(identity)
	if err := store.ValidateIdentity(identity); err != nil {
		return "", err
	}
	if cred == nil {
		return "", autherr.New(autherr.KindInvalidRequest, identity, "credential is nil")
	}
	if s.backing != nil {
		if err := s.backing.Save(ctx, identity, cred); err != nil {
			return "", err
		}
	}
	return s.open(identity, cred, externalSessionID)
}

// OpenSession is StoreSession for a credential the caller has just persisted:
// the session is registered without writing the record again.
func (s *Store) OpenSession(identity string, cred *credential.Credential, externalSessionID string) (string, error) {
	identity = strings.TrimSpace(identity)
	if err := store.ValidateIdentity(identity); err != nil {
		return "", err
	}
	if cred == nil {
		return "", autherr.New(autherr.KindInvalidRequest, identity, "credential is nil")
	}
	return s.open(identity, cred, externalSessionID)
}

func (s *Store) open(identity string, cred *credential.Credential, externalSessionID string) (string, error) {
	token, err := newToken()
	if err != nil {
		return "", fmt.Errorf("session: %w", err)
	}
	now := s.now()
	e := &entry{
		identity:   identity,
		cred:       cred.Clone(),
		token:      token,
		tokenKey:   tokenKey(token),
		externalID: strings.TrimSpace(externalSessionID),
		createdAt:  now,
		lastAccess: now,
	}

	s.mu.Lock()
	s.dropLocked(identity)
	s.byIdentity[identity] = e
	s.byToken[e.tokenKey] = e
	if e.externalID != "" {
		s.byExternal[e.externalID] = identity
	}
	count := len(s.byIdentity)
	s.mu.Unlock()

	log.WithFields(log.Fields{"identity": identity, "sessions": count}).Info("session: stored")
	return token, nil
}

// Resolve returns a copy of the credential for requestedIdentity, but only
// when verifiedIdentity names the same user. An empty requestedIdentity means
// the verified identity itself.
func (s *Store) Resolve(requestedIdentity, verifiedIdentity string) (*credential.Credential, error) {
	requested := strings.TrimSpace(requestedIdentity)
	verified := strings.TrimSpace(verifiedIdentity)
	if verified == "" {
		return nil, autherr.New(autherr.KindAccessDenied, requested, "no verified identity presented")
	}
	if requested == "" {
		requested = verified
	}
	if requested != verified {
		log.WithFields(log.Fields{
			"requested_identity": requested,
			"verified_identity":  verified,
		}).Warn("session: denied cross-identity credential access")
		return nil, autherr.New(autherr.KindAccessDenied, verified, "session may not access credentials of %s", requested)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byIdentity[requested]
	if !ok {
		return nil, autherr.New(autherr.KindNotFound, requested, "no session")
	}
	e.lastAccess = s.now()
	return e.cred.Clone(), nil
}

// IdentityForToken maps a bearer token to the identity it was issued for.
func (s *Store) IdentityForToken(token string) (string, bool) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", false
	}
	s.mu.RLock()
	e, ok := s.byToken[tokenKey(token)]
	s.mu.RUnlock()
	if !ok || subtle.ConstantTimeCompare([]byte(e.token), []byte(token)) != 1 {
		return "", false
	}
	return e.identity, true
}

// IdentityForExternalSession maps a transport session id to its identity.
func (s *Store) IdentityForExternalSession(externalSessionID string) (string, bool) {
	id := strings.TrimSpace(externalSessionID)
	if id == "" {
		return "", false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	identity, ok := s.byExternal[id]
	return identity, ok
}

// Has reports whether identity has a live session.
func (s *Store) Has(identity string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byIdentity[strings.TrimSpace(identity)]
	return ok
}

// UpdateCredential replaces the session copy of a refreshed credential and
// writes it through to the credential store. Identities without a session are
// written through only.
func (s *Store) UpdateCredential(ctx context.Context, identity string, cred *credential.Credential) error {
	identity = strings.TrimSpace(identity)
	if cred == nil {
		return autherr.New(autherr.KindInvalidRequest, identity, "credential is nil")
	}
	s.mu.Lock()
	if e, ok := s.byIdentity[identity]; ok {
		e.cred = cred.Clone()
	}
	s.mu.Unlock()

	if s.backing == nil {
		return nil
	}
	return s.backing.Save(ctx, identity, cred)
}

// Refreshed replaces the session copy of identity's credential after the
// refresh engine has already persisted it. It reports whether a session exists.
func (s *Store) Refreshed(identity string, cred *credential.Credential) bool {
	if cred == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byIdentity[strings.TrimSpace(identity)]
	if ok {
		e.cred = cred.Clone()
	}
	return ok
}

// RemoveSession drops the session of identity and deletes its stored
// credential. Removing an unknown identity succeeds.
func (s *Store) RemoveSession(ctx context.Context, identity string) error {
	identity = strings.TrimSpace(identity)
	s.mu.Lock()
	removed := s.dropLocked(identity)
	s.mu.Unlock()

	if removed {
		log.WithField("identity", identity).Info("session: removed")
	}
	if s.backing == nil || identity == "" {
		return nil
	}
	return s.backing.Delete(ctx, identity)
}

// Touch marks the session of identity as used.
func (s *Store) Touch(identity string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.byIdentity[strings.TrimSpace(identity)]; ok {
		e.lastAccess = s.now()
	}
}

// Sessions lists live sessions ordered by identity.
func (s *Store) Sessions() []Info {
	s.mu.RLock()
	out := make([]Info, 0, len(s.byIdentity))
	for _, e := range s.byIdentity {
		out = append(out, Info{
			Identity:          e.identity,
			ExternalSessionID: e.externalID,
			CreatedAt:         e.createdAt,
			LastAccessed:      e.lastAccess,
		})
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out
}

// Len reports the number of live sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byIdentity)
}

// EvictIdle drops sessions idle for longer than the configured timeout and
// returns how many were removed. Stored credentials are kept.
func (s *Store) EvictIdle() int {
	if s.opts.IdleTimeout <= 0 {
		return 0
	}
	cutoff := s.now().Add(-s.opts.IdleTimeout)
	var evicted []string

	s.mu.Lock()
	for identity, e := range s.byIdentity {
		if e.lastAccess.Before(cutoff) {
			s.dropLocked(identity)
			evicted = append(evicted, identity)
		}
	}
	s.mu.Unlock()

	for _, identity := range evicted {
		log.WithField("identity", identity).Debug("session: evicted idle session")
	}
	return len(evicted)
}

func (s *Store) sweepLoop(interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.EvictIdle()
		}
	}
}

func (s *Store) dropLocked(identity string) bool {
	e, ok := s.byIdentity[identity]
	if !ok {
		return false
	}
	delete(s.byIdentity, identity)
	delete(s.byToken, e.tokenKey)
	if e.externalID != "" && s.byExternal[e.externalID] == identity {
		delete(s.byExternal, e.externalID)
	}
	return true
}

// newToken returns "<uuid>.<base64url random>".
func newToken() (string, error) {
	buf := make([]byte, tokenEntropy)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate session token: %w", err)
	}
	return uuid.NewString() + "." + base64.RawURLEncoding.EncodeToString(buf), nil
}

// tokenKey indexes tokens by digest so the table never keys on raw secrets.
func tokenKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
