package cmd

import (
	"bytes"
	"context"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/workspace-mcp/credbroker/internal/auth/flow"
	"github.com/workspace-mcp/credbroker/internal/auth/google/googletest"
	"github.com/workspace-mcp/credbroker/internal/autherr"
	"github.com/workspace-mcp/credbroker/internal/config"
	"github.com/workspace-mcp/credbroker/internal/credential"
	"github.com/workspace-mcp/credbroker/internal/store"
)

const (
	testClientID     = "client-id.apps.googleusercontent.com"
	testClientSecret = "client-secret"
	gmailScope       = "https://www.googleapis.com/auth/gmail.readonly"
)

type loginHarness struct {
	provider *googletest.Server
	files    *store.FileStore
	flow     *flow.Flow
	listener net.Listener
	redirect string
}

func newLoginHarness(t *testing.T) *loginHarness {
	t.Helper()
	provider := googletest.NewServer(t, testClientID, testClientSecret)
	files, err := store.NewFileStore(t.TempDir())
	require.NoError(t, err)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	redirect := "http://" + ln.Addr().String() + config.DefaultCallbackPath

	f, err := flow.New(flow.Options{
		Client:     provider.ClientConfig(redirect),
		Verifier:   provider.Verifier(),
		Store:      files,
		HTTPClient: provider.Client(),
	})
	require.NoError(t, err)
	return &loginHarness{provider: provider, files: files, flow: f, listener: ln, redirect: redirect}
}

// consentAs returns a browser stand-in that approves the authorization as
// email and follows the redirect back to the local callback.
func (h *loginHarness) consentAs(t *testing.T, email string) func(string) error {
	return func(authURL string) error {
		u, err := url.Parse(authURL)
		if err != nil {
			return err
		}
		q := u.Query()
		code := h.provider.IssueCode(email, strings.Fields(q.Get("scope")), q.Get("code_challenge"))
		callback := q.Get("redirect_uri") + "?" + url.Values{"code": {code}, "state": {q.Get("state")}}.Encode()
		go func() {
			resp, errGet := http.Get(callback)
			if errGet != nil {
				t.Logf("callback request failed: %v", errGet)
				return
			}
			_ = resp.Body.Close()
		}()
		return nil
	}
}

func TestRunLoginSavesCredential(t *testing.T) {
	h := newLoginHarness(t)
	var out bytes.Buffer

	res, err := runLogin(context.Background(), loginSession{
		flow:        h.flow,
		listener:    h.listener,
		redirectURI: h.redirect,
		options:     &LoginOptions{Email: "u1@example.com", Scopes: []string{gmailScope}},
		open:        h.consentAs(t, "u1@example.com"),
		out:         &out,
		timeout:     5 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, "u1@example.com", res.Identity)
	assert.Contains(t, out.String(), "Waiting for the authorization callback")

	cred, ok, err := h.files.Load(context.Background(), "u1@example.com")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, cred.HasScopes([]string{gmailScope}))
	assert.True(t, cred.CanRefresh())
}

func TestRunLoginRejectsOtherAccount(t *testing.T) {
	h := newLoginHarness(t)

	_, err := runLogin(context.Background(), loginSession{
		flow:        h.flow,
		listener:    h.listener,
		redirectURI: h.redirect,
		options:     &LoginOptions{Email: "u2@example.com"},
		open:        h.consentAs(t, "u1@example.com"),
		timeout:     5 * time.Second,
	})
	require.Error(t, err)
	assert.True(t, autherr.IsKind(err, autherr.KindAccessDenied))

	ids, err := h.files.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestRunLoginTimesOut(t *testing.T) {
	h := newLoginHarness(t)

	_, err := runLogin(context.Background(), loginSession{
		flow:        h.flow,
		listener:    h.listener,
		redirectURI: h.redirect,
		options:     &LoginOptions{},
		open:        func(string) error { return nil },
		timeout:     100 * time.Millisecond,
	})
	require.Error(t, err)
	assert.True(t, autherr.IsKind(err, autherr.KindInvalidState))
}

func TestRunLoginStopsWithContext(t *testing.T) {
	h := newLoginHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := runLogin(ctx, loginSession{
		flow:        h.flow,
		listener:    h.listener,
		redirectURI: h.redirect,
		options:     &LoginOptions{},
		open:        func(string) error { return nil },
		timeout:     5 * time.Second,
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLoginRedirect(t *testing.T) {
	cfg := &config.Config{Port: 8000}
	require.NoError(t, cfg.Validate())

	redirect, port, err := loginRedirect(cfg, 0)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8000/oauth2callback", redirect)
	assert.Equal(t, 8000, port)

	redirect, port, err = loginRedirect(cfg, 9123)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:9123/oauth2callback", redirect)
	assert.Equal(t, 9123, port)

	remote := &config.Config{Port: 8000, BaseURI: "https://mcp.example.com"}
	require.NoError(t, remote.Validate())
	redirect, port, err = loginRedirect(remote, 0)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8000/oauth2callback", redirect)
	assert.Equal(t, 8000, port)
}

func saveCredential(t *testing.T, st store.Store, identity string, cred *credential.Credential) {
	t.Helper()
	cred.Identity = identity
	require.NoError(t, st.Save(context.Background(), identity, cred))
}

func TestListCredentials(t *testing.T) {
	files, err := store.NewFileStore(t.TempDir())
	require.NoError(t, err)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	future := now.Add(time.Hour)
	past := now.Add(-time.Hour)

	saveCredential(t, files, "a@example.com", &credential.Credential{AccessToken: "ya29.a", RefreshToken: "1//a", Expiry: &future, Scopes: []string{"s1", "s2"}})
	saveCredential(t, files, "b@example.com", &credential.Credential{AccessToken: "ya29.b", RefreshToken: "1//b", Expiry: &past})
	saveCredential(t, files, "c@example.com", &credential.Credential{AccessToken: "ya29.c", Expiry: &past})
	require.NoError(t, os.WriteFile(filepath.Join(files.Dir(), "d@example.com.json"), []byte("{broken"), 0o600))

	var out bytes.Buffer
	require.NoError(t, listCredentials(context.Background(), files, &out, now))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 5)
	assert.Contains(t, lines[0], "IDENTITY")
	assert.Regexp(t, `^a@example.com\s+valid\s+.*\s+2$`, lines[1])
	assert.Regexp(t, `^b@example.com\s+expired\s`, lines[2])
	assert.Regexp(t, `^c@example.com\s+needs-login\s`, lines[3])
	assert.Regexp(t, `^d@example.com\s+corrupt\s`, lines[4])
	assert.NotContains(t, out.String(), "ya29.")
}

func TestListCredentialsEmpty(t *testing.T) {
	files, err := store.NewFileStore(t.TempDir())
	require.NoError(t, err)
	var out bytes.Buffer
	require.NoError(t, listCredentials(context.Background(), files, &out, time.Now()))
	assert.Contains(t, out.String(), "No credentials stored")
}

func TestRevokeCredential(t *testing.T) {
	provider := googletest.NewServer(t, testClientID, testClientSecret)
	files, err := store.NewFileStore(t.TempDir())
	require.NoError(t, err)
	access, refreshToken := provider.MintTokens("u1@example.com", []string{gmailScope})
	saveCredential(t, files, "u1@example.com", &credential.Credential{AccessToken: access, RefreshToken: refreshToken})

	revoked, err := revokeCredential(context.Background(), files, provider.Client(), provider.Endpoints(), "u1@example.com")
	require.NoError(t, err)
	assert.True(t, revoked)
	assert.Equal(t, []string{refreshToken}, provider.Revoked())

	_, ok, err := files.Load(context.Background(), "u1@example.com")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = revokeCredential(context.Background(), files, provider.Client(), provider.Endpoints(), "u1@example.com")
	assert.True(t, autherr.IsKind(err, autherr.KindNotFound))
}

func TestRevokeCredentialRemovesWhenProviderRefuses(t *testing.T) {
	provider := googletest.NewServer(t, testClientID, testClientSecret)
	files, err := store.NewFileStore(t.TempDir())
	require.NoError(t, err)
	saveCredential(t, files, "u1@example.com", &credential.Credential{AccessToken: "ya29.unknown", RefreshToken: "1//unknown"})

	revoked, err := revokeCredential(context.Background(), files, provider.Client(), provider.Endpoints(), "u1@example.com")
	require.NoError(t, err)
	assert.False(t, revoked)

	_, ok, err := files.Load(context.Background(), "u1@example.com")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRevokeCredentialRejectsPathIdentity(t *testing.T) {
	files, err := store.NewFileStore(t.TempDir())
	require.NoError(t, err)
	_, err = revokeCredential(context.Background(), files, http.DefaultClient, googletest.NewServer(t, testClientID, testClientSecret).Endpoints(), "../etc/passwd")
	assert.True(t, autherr.IsKind(err, autherr.KindInvalidRequest))
}
