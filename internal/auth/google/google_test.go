package google_test

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/workspace-mcp/credbroker/internal/auth/google"
	"github.com/workspace-mcp/credbroker/internal/auth/google/googletest"
	"github.com/workspace-mcp/credbroker/internal/autherr"
)

const (
	testClientID     = "client-123.apps.googleusercontent.com"
	testClientSecret = "secret-123"
)

func TestOAuth2ConfigDefaults(t *testing.T) {
	cfg := google.ClientConfig{ClientID: " id ", ClientSecret: "s", RedirectURL: "http://localhost:8000/oauth2callback"}
	conf := cfg.OAuth2Config([]string{"openid"})
	assert.Equal(t, "id", conf.ClientID)
	assert.Equal(t, google.AuthURL, conf.Endpoint.AuthURL)
	assert.Equal(t, google.TokenURL, conf.Endpoint.TokenURL)
	assert.Equal(t, []string{"openid"}, conf.Scopes)
}

func TestVerifyIDToken(t *testing.T) {
	srv := googletest.NewServer(t, testClientID, testClientSecret)
	v := srv.Verifier()
	ctx := context.Background()

	id, err := v.VerifyIDToken(ctx, srv.SignIDToken("u1@example.com", nil))
	require.NoError(t, err)
	assert.Equal(t, "u1@example.com", id.Email)
	assert.True(t, id.EmailVerified)
	assert.Equal(t, "sub-u1@example.com", id.Subject)

	legacy, err := v.VerifyIDToken(ctx, srv.SignIDToken("u1@example.com", map[string]any{"iss": "accounts.google.com"}))
	require.NoError(t, err)
	assert.Equal(t, "u1@example.com", legacy.Email)

	tests := []struct {
		name  string
		extra map[string]any
	}{
		{"wrong audience", map[string]any{"aud": "someone-else"}},
		{"expired", map[string]any{"exp": time.Now().Add(-time.Hour).Unix()}},
		{"foreign issuer", map[string]any{"iss": "https://evil.example.com"}},
		{"unverified email", map[string]any{"email_verified": false}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.VerifyIDToken(ctx, srv.SignIDToken("u1@example.com", tt.extra))
			require.Error(t, err)
			assert.True(t, autherr.IsKind(err, autherr.KindAccessDenied), "%v", err)
		})
	}

	other := googletest.NewServer(t, testClientID, testClientSecret)
	_, err = v.VerifyIDToken(ctx, other.SignIDToken("u1@example.com", nil))
	assert.True(t, autherr.IsKind(err, autherr.KindAccessDenied), "token signed by another key")
}

func TestVerifyIDTokenRemoteKeySet(t *testing.T) {
	srv := googletest.NewServer(t, testClientID, testClientSecret)
	v := google.NewVerifier(context.Background(), srv.ClientConfig(""), srv.Client())

	id, err := v.VerifyIDToken(context.Background(), srv.SignIDToken("remote@example.com", nil))
	require.NoError(t, err)
	assert.Equal(t, "remote@example.com", id.Email)
}

func TestVerifyAccessToken(t *testing.T) {
	srv := googletest.NewServer(t, testClientID, testClientSecret)
	v := srv.Verifier()
	ctx := context.Background()

	access, _ := srv.MintTokens("u1@example.com", []string{"openid", "https://www.googleapis.com/auth/drive"})
	id, err := v.VerifyAccessToken(ctx, access)
	require.NoError(t, err)
	assert.Equal(t, "u1@example.com", id.Email)
	assert.Equal(t, []string{"https://www.googleapis.com/auth/drive", "openid"}, id.Scopes)
	assert.True(t, id.ExpiresAt.After(time.Now()))

	_, err = v.VerifyAccessToken(ctx, "ya29.unknown")
	assert.True(t, autherr.IsKind(err, autherr.KindAccessDenied))

	foreign := google.NewVerifierWithKeySet(google.ClientConfig{ClientID: "other-client", Endpoints: srv.Endpoints()}, srv.KeySet(), srv.Client())
	_, err = foreign.VerifyAccessToken(ctx, access)
	assert.True(t, autherr.IsKind(err, autherr.KindAccessDenied), "audience mismatch")
}

func TestUserEmail(t *testing.T) {
	srv := googletest.NewServer(t, testClientID, testClientSecret)
	access, _ := srv.MintTokens("u1@example.com", []string{"openid"})

	email, err := srv.Verifier().UserEmail(context.Background(), access)
	require.NoError(t, err)
	assert.Equal(t, "u1@example.com", email)
}

func TestRevoke(t *testing.T) {
	srv := googletest.NewServer(t, testClientID, testClientSecret)
	access, refresh := srv.MintTokens("u1@example.com", []string{"openid"})
	ctx := context.Background()

	require.NoError(t, google.Revoke(ctx, srv.Client(), srv.Endpoints(), refresh))
	assert.Equal(t, []string{refresh}, srv.Revoked())

	_, err := srv.Verifier().VerifyAccessToken(ctx, access)
	assert.Error(t, err, "access token dies with its refresh token")

	err = google.Revoke(ctx, srv.Client(), srv.Endpoints(), refresh)
	assert.True(t, autherr.IsKind(err, autherr.KindInvalidRequest))

	down := google.Endpoints{Revoke: "http://127.0.0.1:1/revoke"}
	err = google.Revoke(ctx, &http.Client{Timeout: time.Second}, down, "tok")
	assert.True(t, autherr.IsKind(err, autherr.KindBackendUnavailable))
}
