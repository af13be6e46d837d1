// Package cache memoizes authenticated API clients per identity, service and
// scope set for a fixed time-to-live.
package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/workspace-mcp/credbroker/internal/credential"
	"golang.org/x/sync/singleflight"
)

const (
	// ClientCacheTTL is how long a built client stays usable
	ClientCacheTTL = 30 * time.Minute

	// CacheCleanupInterval controls how often stale entries are purged
	CacheCleanupInterval = 5 * time.Minute

	// BuildTimeout bounds a shared build. Builds run detached from the
	// caller that started them since other callers may be waiting on them.
	BuildTimeout = 2 * time.Minute
)

// Key identifies a cached client. Scope order does not matter.
type Key struct {
	Identity string
	Service  string
	Version  string
	Scopes   []string
}

// String renders the canonical cache key.
func (k Key) String() string {
	return strings.Join([]string{
		k.Identity,
		k.Service,
		k.Version,
		strings.Join(credential.CanonicalScopes(k.Scopes), " "),
	}, "|")
}

// BuildFunc builds the client for a cache miss.
type BuildFunc func(ctx context.Context) (any, error)

type cacheEntry struct {
	identity string
	handle   any
	cachedAt time.Time
}

// ClientCache holds built clients. Concurrent misses for one key share a
// single build.
type ClientCache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.RWMutex
	entries map[string]cacheEntry
	// generation is bumped per identity on invalidation so builds that started
	// before it cannot repopulate the cache.
	generation map[string]uint64
	epoch      uint64

	group singleflight.Group

	stopOnce sync.Once
	stop     chan struct{}
}

// NewClientCache creates a cache with the given ttl (ClientCacheTTL when not
// positive). A positive cleanupInterval starts a purge goroutine; call Stop to end it.
func NewClientCache(ttl, cleanupInterval time.Duration) *ClientCache {
	if ttl <= 0 {
		ttl = ClientCacheTTL
	}
	c := &ClientCache{
		ttl:        ttl,
		now:        time.Now,
		entries:    make(map[string]cacheEntry),
		generation: make(map[string]uint64),
		stop:       make(chan struct{}),
	}
	if cleanupInterval > 0 {
		go c.cleanupLoop(cleanupInterval)
	}
	return c
}

// TTL returns the entry lifetime.
func (c *ClientCache) TTL() time.Duration { return c.ttl }

// Get returns the live entry for key.
func (c *ClientCache) Get(key Key) (any, bool) {
	k := key.String()
	now := c.now()

	c.mu.RLock()
	entry, ok := c.entries[k]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if now.Sub(entry.cachedAt) >= c.ttl {
		c.mu.Lock()
		if cur, still := c.entries[k]; still && cur.cachedAt.Equal(entry.cachedAt) {
			delete(c.entries, k)
		}
		c.mu.Unlock()
		return nil, false
	}
	return entry.handle, true
}

// GetOrBuild returns the cached client for key or builds it. Build errors are
// returned unchanged and never cached. Cancelling ctx does not abort a build
// other callers share.
func (c *ClientCache) GetOrBuild(ctx context.Context, key Key, build BuildFunc) (any, error) {
	if handle, ok := c.Get(key); ok {
		return handle, nil
	}
	k := key.String()
	v, err, _ := c.group.Do(k, func() (any, error) {
		if handle, ok := c.Get(key); ok {
			return handle, nil
		}
		c.mu.RLock()
		gen, epoch := c.generation[key.Identity], c.epoch
		c.mu.RUnlock()

		buildCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), BuildTimeout)
		handle, errBuild := build(buildCtx)
		cancel()
		if errBuild != nil {
			return nil, errBuild
		}

		c.mu.Lock()
		if c.generation[key.Identity] == gen && c.epoch == epoch {
			c.entries[k] = cacheEntry{identity: key.Identity, handle: handle, cachedAt: c.now()}
		}
		c.mu.Unlock()
		return handle, nil
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

// Invalidate drops every entry for identity regardless of age.
func (c *ClientCache) Invalidate(identity string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation[identity]++
	removed := 0
	for k, entry := range c.entries {
		if entry.identity == identity {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

// InvalidateAll drops every entry.
func (c *ClientCache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]cacheEntry)
	c.epoch++
}

// Len reports the number of stored entries, expired ones included until purged.
func (c *ClientCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Stop ends the purge goroutine.
func (c *ClientCache) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *ClientCache) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.purgeExpired()
		}
	}
}

// purgeExpired removes entries older than the ttl.
func (c *ClientCache) purgeExpired() {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, entry := range c.entries {
		if now.Sub(entry.cachedAt) >= c.ttl {
			delete(c.entries, k)
		}
	}
}
