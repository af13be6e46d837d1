package session

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/workspace-mcp/credbroker/internal/autherr"
	"github.com/workspace-mcp/credbroker/internal/credential"
	"github.com/workspace-mcp/credbroker/internal/store"
)

func testCredential(identity string) *credential.Credential {
	exp := time.Now().Add(time.Hour).UTC().Truncate(time.Microsecond)
	return &credential.Credential{
		AccessToken:  "ya29.access-" + identity,
		RefreshToken: "1//refresh-" + identity,
		TokenURI:     "https://oauth2.googleapis.com/token",
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		Scopes:       []string{"openid"},
		Expiry:       &exp,
		Identity:     identity,
	}
}

func newTestStore(t *testing.T, opts Options) (*Store, *store.FileStore) {
	t.Helper()
	fs, err := store.NewFileStore(t.TempDir())
	require.NoError(t, err)
	s := NewStore(fs, opts)
	t.Cleanup(s.Close)
	return s, fs
}

func TestStoreSessionMirrorsCredential(t *testing.T) {
	s, fs := newTestStore(t, Options{})
	ctx := context.Background()

	token, err := s.StoreSession(ctx, "u1@example.com", testCredential("u1@example.com"), "mcp-session-1")
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	stored, found, err := fs.Load(ctx, "u1@example.com")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "ya29.access-u1@example.com", stored.AccessToken)

	identity, ok := s.IdentityForToken(token)
	assert.True(t, ok)
	assert.Equal(t, "u1@example.com", identity)

	identity, ok = s.IdentityForExternalSession("mcp-session-1")
	assert.True(t, ok)
	assert.Equal(t, "u1@example.com", identity)
}

func TestStoreSessionRotatesToken(t *testing.T) {
	s, _ := newTestStore(t, Options{})
	ctx := context.Background()

	first, err := s.StoreSession(ctx, "u1@example.com", testCredential("u1@example.com"), "old")
	require.NoError(t, err)
	second, err := s.StoreSession(ctx, "u1@example.com", testCredential("u1@example.com"), "new")
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	_, ok := s.IdentityForToken(first)
	assert.False(t, ok)
	_, ok = s.IdentityForExternalSession("old")
	assert.False(t, ok)
	_, ok = s.IdentityForToken(second)
	assert.True(t, ok)
	assert.Equal(t, 1, s.Len())
}

type countingStore struct {
	store.Store
	saves int
}

func (c *countingStore) Save(ctx context.Context, identity string, cred *credential.Credential) error {
	c.saves++
	return c.Store.Save(ctx, identity, cred)
}

func TestOpenSessionSkipsStoreWrite(t *testing.T) {
	fs, err := store.NewFileStore(t.TempDir())
	require.NoError(t, err)
	counting := &countingStore{Store: fs}
	s := NewStore(counting, Options{})
	t.Cleanup(s.Close)

	token, err := s.OpenSession("u1@example.com", testCredential("u1@example.com"), "mcp-session-1")
	require.NoError(t, err)
	assert.Equal(t, 0, counting.saves)

	identity, ok := s.IdentityForToken(token)
	assert.True(t, ok)
	assert.Equal(t, "u1@example.com", identity)
	cred, err := s.Resolve("u1@example.com", "u1@example.com")
	require.NoError(t, err)
	assert.Equal(t, "ya29.access-u1@example.com", cred.AccessToken)

	_, err = s.StoreSession(context.Background(), "u1@example.com", testCredential("u1@example.com"), "")
	require.NoError(t, err)
	assert.Equal(t, 1, counting.saves)

	_, err = s.OpenSession("../escape", testCredential("x"), "")
	assert.True(t, autherr.IsKind(err, autherr.KindInvalidRequest))
}

func TestResolveDeniesCrossIdentity(t *testing.T) {
	s, _ := newTestStore(t, Options{})
	ctx := context.Background()
	hook := test.NewGlobal()
	defer hook.Reset()

	identities := []string{"u1@example.com", "u2@example.com", "u3@example.com"}
	for _, id := range identities {
		_, err := s.StoreSession(ctx, id, testCredential(id), "")
		require.NoError(t, err)
	}

	for _, requested := range identities {
		for _, verified := range identities {
			hook.Reset()
			cred, err := s.Resolve(requested, verified)
			if requested == verified {
				require.NoError(t, err)
				assert.Equal(t, requested, cred.Identity)
				continue
			}
			require.Error(t, err, fmt.Sprintf("%s as %s", requested, verified))
			assert.Nil(t, cred)
			assert.True(t, autherr.IsKind(err, autherr.KindAccessDenied))
			assert.NotContains(t, err.Error(), "ya29.")

			entry := hook.LastEntry()
			require.NotNil(t, entry)
			assert.Equal(t, log.WarnLevel, entry.Level)
			assert.Equal(t, requested, entry.Data["requested_identity"])
			assert.Equal(t, verified, entry.Data["verified_identity"])
			for _, v := range entry.Data {
				assert.NotContains(t, fmt.Sprint(v), "ya29.")
				assert.NotContains(t, fmt.Sprint(v), "1//")
			}
		}
	}
}

func TestResolveMissingAndEmpty(t *testing.T) {
	s, _ := newTestStore(t, Options{})

	_, err := s.Resolve("u1@example.com", "u1@example.com")
	assert.True(t, autherr.IsKind(err, autherr.KindNotFound))

	_, err = s.Resolve("u1@example.com", "")
	assert.True(t, autherr.IsKind(err, autherr.KindAccessDenied))

	_, err = s.StoreSession(context.Background(), "u1@example.com", testCredential("u1@example.com"), "")
	require.NoError(t, err)
	cred, err := s.Resolve("", "u1@example.com")
	require.NoError(t, err)
	assert.Equal(t, "u1@example.com", cred.Identity)
}

func TestResolveReturnsCopy(t *testing.T) {
	s, _ := newTestStore(t, Options{})
	_, err := s.StoreSession(context.Background(), "u1@example.com", testCredential("u1@example.com"), "")
	require.NoError(t, err)

	cred, err := s.Resolve("u1@example.com", "u1@example.com")
	require.NoError(t, err)
	cred.AccessToken = "tampered"

	again, err := s.Resolve("u1@example.com", "u1@example.com")
	require.NoError(t, err)
	assert.Equal(t, "ya29.access-u1@example.com", again.AccessToken)
}

func TestIdentityForTokenRejectsUnknown(t *testing.T) {
	s, _ := newTestStore(t, Options{})
	token, err := s.StoreSession(context.Background(), "u1@example.com", testCredential("u1@example.com"), "")
	require.NoError(t, err)

	for _, candidate := range []string{"", "   ", token + "x", strings.ToUpper(token), "ya29.access-u1@example.com"} {
		_, ok := s.IdentityForToken(candidate)
		assert.False(t, ok, candidate)
	}
}

func TestUpdateCredentialWritesThrough(t *testing.T) {
	s, fs := newTestStore(t, Options{})
	ctx := context.Background()
	_, err := s.StoreSession(ctx, "u1@example.com", testCredential("u1@example.com"), "")
	require.NoError(t, err)

	refreshed := testCredential("u1@example.com")
	refreshed.AccessToken = "ya29.refreshed"
	require.NoError(t, s.UpdateCredential(ctx, "u1@example.com", refreshed))

	cred, err := s.Resolve("u1@example.com", "u1@example.com")
	require.NoError(t, err)
	assert.Equal(t, "ya29.refreshed", cred.AccessToken)

	stored, _, err := fs.Load(ctx, "u1@example.com")
	require.NoError(t, err)
	assert.Equal(t, "ya29.refreshed", stored.AccessToken)
}

func TestRemoveSessionIsIdempotent(t *testing.T) {
	s, fs := newTestStore(t, Options{})
	ctx := context.Background()
	token, err := s.StoreSession(ctx, "u1@example.com", testCredential("u1@example.com"), "ext")
	require.NoError(t, err)

	require.NoError(t, s.RemoveSession(ctx, "u1@example.com"))
	require.NoError(t, s.RemoveSession(ctx, "u1@example.com"))

	_, ok := s.IdentityForToken(token)
	assert.False(t, ok)
	_, ok = s.IdentityForExternalSession("ext")
	assert.False(t, ok)
	_, found, err := fs.Load(ctx, "u1@example.com")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestEvictIdle(t *testing.T) {
	fs, err := store.NewFileStore(t.TempDir())
	require.NoError(t, err)
	s := NewStore(fs, Options{IdleTimeout: time.Hour, SweepInterval: time.Hour})
	defer s.Close()

	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	ctx := context.Background()

	_, err = s.StoreSession(ctx, "idle@example.com", testCredential("idle@example.com"), "")
	require.NoError(t, err)
	_, err = s.StoreSession(ctx, "busy@example.com", testCredential("busy@example.com"), "")
	require.NoError(t, err)

	now = now.Add(50 * time.Minute)
	s.Touch("busy@example.com")
	now = now.Add(20 * time.Minute)

	assert.Equal(t, 1, s.EvictIdle())
	assert.False(t, s.Has("idle@example.com"))
	assert.True(t, s.Has("busy@example.com"))

	// Eviction keeps the stored credential.
	_, found, err := fs.Load(ctx, "idle@example.com")
	require.NoError(t, err)
	assert.True(t, found)

	infos := s.Sessions()
	require.Len(t, infos, 1)
	assert.Equal(t, "busy@example.com", infos[0].Identity)
}

func TestStoreSessionRejectsBadIdentity(t *testing.T) {
	s, _ := newTestStore(t, Options{})
	_, err := s.StoreSession(context.Background(), "../escape", testCredential("x"), "")
	assert.True(t, autherr.IsKind(err, autherr.KindInvalidRequest))
	assert.Zero(t, s.Len())
}

func TestCloseDropsSessions(t *testing.T) {
	fs, err := store.NewFileStore(t.TempDir())
	require.NoError(t, err)
	s := NewStore(fs, Options{IdleTimeout: time.Minute})
	_, err = s.StoreSession(context.Background(), "u1@example.com", testCredential("u1@example.com"), "")
	require.NoError(t, err)

	s.Close()
	s.Close()
	assert.Zero(t, s.Len())
}

func TestRefreshedUpdatesMemoryOnly(t *testing.T) {
	s, fs := newTestStore(t, Options{})
	ctx := context.Background()
	assert.False(t, s.Refreshed("u1@example.com", testCredential("u1@example.com")))

	_, err := s.StoreSession(ctx, "u1@example.com", testCredential("u1@example.com"), "")
	require.NoError(t, err)
	fresh := testCredential("u1@example.com")
	fresh.AccessToken = "ya29.fresh"
	assert.True(t, s.Refreshed("u1@example.com", fresh))

	cred, err := s.Resolve("u1@example.com", "u1@example.com")
	require.NoError(t, err)
	assert.Equal(t, "ya29.fresh", cred.AccessToken)
	stored, _, err := fs.Load(ctx, "u1@example.com")
	require.NoError(t, err)
	assert.Equal(t, "ya29.access-u1@example.com", stored.AccessToken)
}
