// Package googletest provides an in-process stand-in for the Google OAuth
// endpoints: authorization code and refresh grants, tokeninfo, userinfo,
// revocation, discovery and a JWKS document for locally signed ID tokens.
package googletest

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/go-jose/go-jose/v4"
	"github.com/workspace-mcp/credbroker/internal/auth/google"
	"github.com/workspace-mcp/credbroker/internal/auth/pkce"
)

const keyID = "googletest-key"

// Grant is what the fake provider remembers about an issued token.
type Grant struct {
	Email     string
	Scopes    []string
	Challenge string
	Expiry    time.Time
}

// Server is a fake Google OAuth provider.
type Server struct {
	*httptest.Server

	ClientID     string
	ClientSecret string
	// AccessTTL is the lifetime of minted access tokens.
	AccessTTL time.Duration
	// OmitIDToken drops the id_token from code exchange responses.
	OmitIDToken bool

	key *rsa.PrivateKey

	mu            sync.Mutex
	codes         map[string]Grant
	refreshTokens map[string]Grant
	accessTokens  map[string]Grant
	refreshErr    *injectedError
	refreshDelay  time.Duration
	revokeStatus  int
	revokeDelay   time.Duration
	exchangeCalls int
	refreshCalls  int
	revoked       []string
}

type injectedError struct {
	status int
	code   string
	times  int
}

// NewServer starts a fake provider that is closed when the test ends.
func NewServer(t testing.TB, clientID, clientSecret string) *Server {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("googletest: generate key: %v", err)
	}
	s := &Server{
		ClientID:      clientID,
		ClientSecret:  clientSecret,
		AccessTTL:     time.Hour,
		key:           key,
		codes:         make(map[string]Grant),
		refreshTokens: make(map[string]Grant),
		accessTokens:  make(map[string]Grant),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/token", s.handleToken)
	mux.HandleFunc("/tokeninfo", s.handleTokenInfo)
	mux.HandleFunc("/userinfo", s.handleUserInfo)
	mux.HandleFunc("/revoke", s.handleRevoke)
	mux.HandleFunc("/.well-known/openid-configuration", s.handleDiscovery)
	mux.HandleFunc("/certs", s.handleJWKS)
	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Server.Close)
	return s
}

// Endpoints returns provider endpoints pointing at this server.
func (s *Server) Endpoints() google.Endpoints {
	return google.Endpoints{
		Auth:      s.URL + "/auth",
		Token:     s.URL + "/token",
		Revoke:    s.URL + "/revoke",
		TokenInfo: s.URL + "/tokeninfo",
		UserInfo:  s.URL + "/userinfo",
		Discovery: s.URL + "/.well-known/openid-configuration",
		JWKS:      s.URL + "/certs",
	}
}

// ClientConfig returns a client configuration bound to this server.
func (s *Server) ClientConfig(redirectURL string) google.ClientConfig {
	return google.ClientConfig{
		ClientID:     s.ClientID,
		ClientSecret: s.ClientSecret,
		RedirectURL:  redirectURL,
		Endpoints:    s.Endpoints(),
	}
}

// KeySet returns the public half of the ID token signing key.
func (s *Server) KeySet() oidc.KeySet {
	return &oidc.StaticKeySet{PublicKeys: []crypto.PublicKey{&s.key.PublicKey}}
}

// Verifier returns a google.Verifier trusting this server's signing key.
func (s *Server) Verifier() *google.Verifier {
	return google.NewVerifierWithKeySet(s.ClientConfig(""), s.KeySet(), s.Client())
}

// IssueCode registers an authorization code as if the user had consented.
// challenge is the PKCE S256 challenge sent on the authorization request.
func (s *Server) IssueCode(email string, scopes []string, challenge string) string {
	code := "4/" + randomHex(16)
	s.mu.Lock()
	s.codes[code] = Grant{Email: email, Scopes: scopes, Challenge: challenge}
	s.mu.Unlock()
	return code
}

// MintTokens registers an access and refresh token pair for email.
func (s *Server) MintTokens(email string, scopes []string) (accessToken, refreshToken string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mintLocked(Grant{Email: email, Scopes: scopes}, true)
}

// FailRefresh makes the next n refresh grants fail with status and OAuth error code.
func (s *Server) FailRefresh(status int, code string, n int) {
	s.mu.Lock()
	s.refreshErr = &injectedError{status: status, code: code, times: n}
	s.mu.Unlock()
}

// SetRefreshDelay slows refresh grants down so concurrent callers overlap.
func (s *Server) SetRefreshDelay(d time.Duration) {
	s.mu.Lock()
	s.refreshDelay = d
	s.mu.Unlock()
}

// FailRevoke makes the revoke endpoint answer with status. Zero restores
// normal behaviour.
func (s *Server) FailRevoke(status int) {
	s.mu.Lock()
	s.revokeStatus = status
	s.mu.Unlock()
}

// SetRevokeDelay holds revoke requests for d or until the client gives up.
func (s *Server) SetRevokeDelay(d time.Duration) {
	s.mu.Lock()
	s.revokeDelay = d
	s.mu.Unlock()
}

// RefreshCalls reports how many refresh grants were received.
func (s *Server) RefreshCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshCalls
}

// ExchangeCalls reports how many authorization code grants were received.
func (s *Server) ExchangeCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exchangeCalls
}

// Revoked lists every token passed to the revoke endpoint.
func (s *Server) Revoked() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.revoked...)
}

// SignIDToken signs claims with the server key. Standard claims default to a
// valid token for email issued to this client.
func (s *Server) SignIDToken(email string, extra map[string]any) string {
	now := time.Now()
	claims := map[string]any{
		"iss":            google.Issuer,
		"aud":            s.ClientID,
		"azp":            s.ClientID,
		"sub":            "sub-" + email,
		"email":          email,
		"email_verified": true,
		"iat":            now.Unix(),
		"exp":            now.Add(time.Hour).Unix(),
	}
	for k, v := range extra {
		if v == nil {
			delete(claims, k)
			continue
		}
		claims[k] = v
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		panic(err)
	}
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.RS256, Key: jose.JSONWebKey{Key: s.key, KeyID: keyID}},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		panic(err)
	}
	obj, err := signer.Sign(payload)
	if err != nil {
		panic(err)
	}
	raw, err := obj.CompactSerialize()
	if err != nil {
		panic(err)
	}
	return raw
}

func (s *Server) mintLocked(g Grant, withRefresh bool) (string, string) {
	access := "ya29." + randomHex(16)
	g.Expiry = time.Now().Add(s.AccessTTL)
	s.accessTokens[access] = g
	refresh := ""
	if withRefresh {
		refresh = "1//" + randomHex(16)
		s.refreshTokens[refresh] = g
	}
	return access, refresh
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeOAuthError(w, http.StatusMethodNotAllowed, "invalid_request")
		return
	}
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if r.PostForm.Get("client_id") != s.ClientID || r.PostForm.Get("client_secret") != s.ClientSecret {
		writeOAuthError(w, http.StatusUnauthorized, "invalid_client")
		return
	}
	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		s.exchangeCode(w, r)
	case "refresh_token":
		s.refresh(w, r)
	default:
		writeOAuthError(w, http.StatusBadRequest, "unsupported_grant_type")
	}
}

func (s *Server) exchangeCode(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.exchangeCalls++
	code := r.PostForm.Get("code")
	g, ok := s.codes[code]
	delete(s.codes, code)
	if !ok {
		s.mu.Unlock()
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant")
		return
	}
	if g.Challenge != "" && pkce.Challenge(r.PostForm.Get("code_verifier")) != g.Challenge {
		s.mu.Unlock()
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant")
		return
	}
	access, refresh := s.mintLocked(g, true)
	ttl := s.AccessTTL
	omitID := s.OmitIDToken
	s.mu.Unlock()

	resp := map[string]any{
		"access_token":  access,
		"refresh_token": refresh,
		"expires_in":    int(ttl.Seconds()),
		"scope":         strings.Join(g.Scopes, " "),
		"token_type":    "Bearer",
	}
	if !omitID {
		resp["id_token"] = s.SignIDToken(g.Email, nil)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) refresh(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.refreshCalls++
	delay := s.refreshDelay
	if inj := s.refreshErr; inj != nil && inj.times > 0 {
		inj.times--
		s.mu.Unlock()
		time.Sleep(delay)
		writeOAuthError(w, inj.status, inj.code)
		return
	}
	g, ok := s.refreshTokens[r.PostForm.Get("refresh_token")]
	if !ok {
		s.mu.Unlock()
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant")
		return
	}
	access, _ := s.mintLocked(g, false)
	ttl := s.AccessTTL
	s.mu.Unlock()

	time.Sleep(delay)
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": access,
		"expires_in":   int(ttl.Seconds()),
		"scope":        strings.Join(g.Scopes, " "),
		"token_type":   "Bearer",
	})
}

func (s *Server) handleTokenInfo(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	g, ok := s.accessTokens[r.URL.Query().Get("access_token")]
	s.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error_description": "Invalid Value"})
		return
	}
	expiresIn := int(time.Until(g.Expiry).Seconds())
	if expiresIn <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error_description": "Invalid Value"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"azp":            s.ClientID,
		"aud":            s.ClientID,
		"sub":            "sub-" + g.Email,
		"scope":          strings.Join(g.Scopes, " "),
		"exp":            strconv.FormatInt(g.Expiry.Unix(), 10),
		"expires_in":     strconv.Itoa(expiresIn),
		"email":          g.Email,
		"email_verified": "true",
		"access_type":    "offline",
	})
}

func (s *Server) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	s.mu.Lock()
	g, ok := s.accessTokens[token]
	s.mu.Unlock()
	if !ok {
		writeOAuthError(w, http.StatusUnauthorized, "invalid_token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": "sub-" + g.Email, "email": g.Email, "verified_email": true})
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	status, delay := s.revokeStatus, s.revokeDelay
	s.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}
	if status != 0 {
		writeOAuthError(w, status, "server_error")
		return
	}
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	token := r.PostForm.Get("token")
	s.mu.Lock()
	s.revoked = append(s.revoked, token)
	_, isAccess := s.accessTokens[token]
	refreshGrant, isRefresh := s.refreshTokens[token]
	delete(s.accessTokens, token)
	delete(s.refreshTokens, token)
	if isRefresh {
		for k, g := range s.accessTokens {
			if g.Email == refreshGrant.Email {
				delete(s.accessTokens, k)
			}
		}
	}
	s.mu.Unlock()
	if !isAccess && !isRefresh {
		writeOAuthError(w, http.StatusBadRequest, "invalid_token")
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleDiscovery(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"issuer":                           google.Issuer,
		"authorization_endpoint":           s.URL + "/auth",
		"token_endpoint":                   s.URL + "/token",
		"userinfo_endpoint":                s.URL + "/userinfo",
		"revocation_endpoint":              s.URL + "/revoke",
		"jwks_uri":                         s.URL + "/certs",
		"response_types_supported":         []string{"code"},
		"code_challenge_methods_supported": []string{"plain", "S256"},
	})
}

func (s *Server) handleJWKS(w http.ResponseWriter, _ *http.Request) {
	set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       &s.key.PublicKey,
		KeyID:     keyID,
		Algorithm: string(jose.RS256),
		Use:       "sig",
	}}}
	writeJSON(w, http.StatusOK, set)
}

func writeOAuthError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code, "error_description": "googletest: " + code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}
