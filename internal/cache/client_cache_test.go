package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testKey(identity string, scopes ...string) Key {
	return Key{Identity: identity, Service: "gmail", Version: "v1", Scopes: scopes}
}

func constBuild(v any, calls *int32) BuildFunc {
	return func(context.Context) (any, error) {
		atomic.AddInt32(calls, 1)
		return v, nil
	}
}

func TestKeyIsScopeOrderIndependent(t *testing.T) {
	a := testKey("u1@example.com", "b", "a", "a")
	b := testKey("u1@example.com", "a", "b")
	if a.String() != b.String() {
		t.Errorf("keys differ: %q vs %q", a.String(), b.String())
	}
	if a.String() == testKey("u2@example.com", "a", "b").String() {
		t.Error("identity must be part of the key")
	}
}

func TestGetOrBuild_HitWithinTTL(t *testing.T) {
	c := NewClientCache(0, 0)
	var calls int32

	for i := 0; i < 3; i++ {
		got, err := c.GetOrBuild(context.Background(), testKey("u1@example.com", "s"), constBuild("client", &calls))
		if err != nil {
			t.Fatalf("GetOrBuild: %v", err)
		}
		if got != "client" {
			t.Errorf("got %v", got)
		}
	}
	if calls != 1 {
		t.Errorf("expected 1 build, got %d", calls)
	}
	if c.TTL() != ClientCacheTTL {
		t.Errorf("default ttl = %v", c.TTL())
	}
}

func TestGetOrBuild_ExpiredEntryIsMiss(t *testing.T) {
	c := NewClientCache(30*time.Minute, 0)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	var calls int32
	key := testKey("u1@example.com", "s")

	if _, err := c.GetOrBuild(context.Background(), key, constBuild("first", &calls)); err != nil {
		t.Fatal(err)
	}
	now = now.Add(29 * time.Minute)
	if _, ok := c.Get(key); !ok {
		t.Error("entry should still be live")
	}
	now = now.Add(time.Minute)
	if _, ok := c.Get(key); ok {
		t.Error("entry at ttl should be a miss")
	}
	got, err := c.GetOrBuild(context.Background(), key, constBuild("second", &calls))
	if err != nil {
		t.Fatal(err)
	}
	if got != "second" || calls != 2 {
		t.Errorf("got %v after %d builds", got, calls)
	}
}

func TestGetOrBuild_ConcurrentMissBuildsOnce(t *testing.T) {
	c := NewClientCache(0, 0)
	var calls int32
	release := make(chan struct{})
	build := func(context.Context) (any, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return &struct{ name string }{"client"}, nil
	}

	const callers = 20
	results := make([]any, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := c.GetOrBuild(context.Background(), testKey("u1@example.com", "s"), build)
			if err != nil {
				t.Errorf("GetOrBuild: %v", err)
			}
			results[i] = v
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if calls != 1 {
		t.Errorf("expected exactly one build, got %d", calls)
	}
	for i := 1; i < callers; i++ {
		if results[i] != results[0] {
			t.Fatalf("caller %d received a different handle", i)
		}
	}
}

func TestGetOrBuild_LeaderCancelDoesNotFailFollowers(t *testing.T) {
	c := NewClientCache(0, 0)
	started := make(chan struct{})
	release := make(chan struct{})
	build := func(ctx context.Context) (any, error) {
		close(started)
		<-release
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return "client", nil
	}

	leaderCtx, cancel := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := c.GetOrBuild(leaderCtx, testKey("u1@example.com"), build)
		leaderErr <- err
	}()
	<-started

	followerDone := make(chan struct{})
	var followerVal any
	var followerErr error
	go func() {
		defer close(followerDone)
		followerVal, followerErr = c.GetOrBuild(context.Background(), testKey("u1@example.com"), build)
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()
	close(release)
	<-followerDone

	if followerErr != nil {
		t.Fatalf("follower failed with the leader's cancellation: %v", followerErr)
	}
	if followerVal != "client" {
		t.Errorf("unexpected follower handle %v", followerVal)
	}
	if err := <-leaderErr; err != nil {
		t.Errorf("leader: %v", err)
	}
	if _, ok := c.Get(testKey("u1@example.com")); !ok {
		t.Error("shared build was not cached")
	}
}

func TestGetOrBuild_ErrorsAreNotCached(t *testing.T) {
	c := NewClientCache(0, 0)
	boom := errors.New("boom")
	_, err := c.GetOrBuild(context.Background(), testKey("u1@example.com"), func(context.Context) (any, error) {
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected build error, got %v", err)
	}
	if c.Len() != 0 {
		t.Errorf("failed build was cached")
	}
}

func TestInvalidate_Identity(t *testing.T) {
	c := NewClientCache(0, 0)
	var calls int32
	ctx := context.Background()
	_, _ = c.GetOrBuild(ctx, testKey("u1@example.com", "a"), constBuild(1, &calls))
	_, _ = c.GetOrBuild(ctx, testKey("u1@example.com", "b"), constBuild(2, &calls))
	_, _ = c.GetOrBuild(ctx, testKey("u2@example.com", "a"), constBuild(3, &calls))

	if n := c.Invalidate("u1@example.com"); n != 2 {
		t.Errorf("expected 2 entries removed, got %d", n)
	}
	if _, ok := c.Get(testKey("u1@example.com", "a")); ok {
		t.Error("u1 entry survived invalidation")
	}
	if _, ok := c.Get(testKey("u2@example.com", "a")); !ok {
		t.Error("u2 entry should be untouched")
	}

	c.InvalidateAll()
	if c.Len() != 0 {
		t.Errorf("expected empty cache, got %d", c.Len())
	}
}

func TestInvalidate_DuringBuildIsNotRepopulated(t *testing.T) {
	c := NewClientCache(0, 0)
	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = c.GetOrBuild(context.Background(), testKey("u1@example.com"), func(context.Context) (any, error) {
			close(started)
			<-release
			return "stale", nil
		})
	}()
	<-started
	c.Invalidate("u1@example.com")
	close(release)
	<-done

	if _, ok := c.Get(testKey("u1@example.com")); ok {
		t.Error("a build started before invalidation must not be cached")
	}
}

func TestPurgeExpired(t *testing.T) {
	c := NewClientCache(time.Minute, 0)
	now := time.Now()
	c.now = func() time.Time { return now }
	var calls int32
	_, _ = c.GetOrBuild(context.Background(), testKey("u1@example.com"), constBuild(1, &calls))

	now = now.Add(2 * time.Minute)
	c.purgeExpired()
	if c.Len() != 0 {
		t.Errorf("expired entry not purged")
	}
}

func TestStop_Idempotent(t *testing.T) {
	c := NewClientCache(0, 10*time.Millisecond)
	c.Stop()
	c.Stop()
}
