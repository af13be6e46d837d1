package flow

import (
	"strings"
	"sync"
	"time"
)

// DefaultPendingTTL bounds how long an issued authorization URL stays redeemable.
const DefaultPendingTTL = 10 * time.Minute

// Pending is an authorization that has been issued but not yet redeemed.
type Pending struct {
	Verifier    string
	Scopes      []string
	RedirectURI string
	LoginHint   string
	ReturnURL   string
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// PendingStore tracks issued authorizations by state token. Each state can be
// consumed exactly once; expired states behave as if they were never issued.
type PendingStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	pending map[string]Pending

	stopOnce sync.Once
	stop     chan struct{}
}

// NewPendingStore creates a store whose entries live for ttl. When
// purgeInterval is positive a background goroutine drops expired entries until
// Stop is called.
func NewPendingStore(ttl, purgeInterval time.Duration) *PendingStore {
	if ttl <= 0 {
		ttl = DefaultPendingTTL
	}
	s := &PendingStore{
		ttl:     ttl,
		now:     time.Now,
		pending: make(map[string]Pending),
		stop:    make(chan struct{}),
	}
	if purgeInterval > 0 {
		go s.purgeLoop(purgeInterval)
	}
	return s
}

// TTL returns the lifetime of a pending authorization.
func (s *PendingStore) TTL() time.Duration { return s.ttl }

// Put records p under state, replacing any previous entry.
func (s *PendingStore) Put(state string, p Pending) {
	state = strings.TrimSpace(state)
	if state == "" {
		return
	}
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.purgeExpiredLocked(now)
	p.CreatedAt = now
	p.ExpiresAt = now.Add(s.ttl)
	s.pending[state] = p
}

// Consume removes and returns the authorization for state. It fails when the
// state is unknown, was already consumed, or has expired.
func (s *PendingStore) Consume(state string) (Pending, bool) {
	state = strings.TrimSpace(state)
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pending[state]
	if !ok {
		return Pending{}, false
	}
	delete(s.pending, state)
	if now.After(p.ExpiresAt) {
		return Pending{}, false
	}
	return p, true
}

// Len reports the number of live entries.
func (s *PendingStore) Len() int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purgeExpiredLocked(now)
	return len(s.pending)
}

// Stop ends the purge goroutine. It is safe to call more than once.
func (s *PendingStore) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *PendingStore) purgeLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			now := s.now()
			s.mu.Lock()
			s.purgeExpiredLocked(now)
			s.mu.Unlock()
		}
	}
}

func (s *PendingStore) purgeExpiredLocked(now time.Time) {
	for state, p := range s.pending {
		if now.After(p.ExpiresAt) {
			delete(s.pending, state)
		}
	}
}
