package google

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/workspace-mcp/credbroker/internal/autherr"
	"github.com/workspace-mcp/credbroker/internal/credential"
)

// maxProviderBody bounds how much of a provider response is read.
const maxProviderBody = 1 << 20

// Identity is what the provider vouches for after verification.
type Identity struct {
	Email         string
	EmailVerified bool
	Subject       string
	// Scopes is only populated for access token verification.
	Scopes []string
	// ExpiresAt is the expiry of the verified token.
	ExpiresAt time.Time
}

// Verifier checks tokens issued to this client. ID tokens are verified locally
// against Google's signing keys; access tokens through the tokeninfo endpoint.
type Verifier struct {
	clientID   string
	endpoints  Endpoints
	httpClient *http.Client
	idVerifier *oidc.IDTokenVerifier
}

// NewVerifier creates a verifier that fetches signing keys from the JWKS
// endpoint on demand. ctx must outlive the verifier; it carries the HTTP client
// used for key refreshes.
func NewVerifier(ctx context.Context, cfg ClientConfig, httpClient *http.Client) *Verifier {
	cfg = cfg.Normalized()
	keySet := oidc.NewRemoteKeySet(oidc.ClientContext(ctx, httpClientOrDefault(httpClient)), cfg.Endpoints.JWKS)
	return NewVerifierWithKeySet(cfg, keySet, httpClient)
}

// NewVerifierWithKeySet creates a verifier with an explicit key set.
func NewVerifierWithKeySet(cfg ClientConfig, keySet oidc.KeySet, httpClient *http.Client) *Verifier {
	cfg = cfg.Normalized()
	return &Verifier{
		clientID:   cfg.ClientID,
		endpoints:  cfg.Endpoints,
		httpClient: httpClientOrDefault(httpClient),
		// Google issues tokens under two issuer spellings; both are checked below.
		idVerifier: oidc.NewVerifier(Issuer, keySet, &oidc.Config{
			ClientID:        cfg.ClientID,
			SkipIssuerCheck: true,
		}),
	}
}

func httpClientOrDefault(c *http.Client) *http.Client {
	if c == nil {
		return http.DefaultClient
	}
	return c
}

// VerifyIDToken checks the signature, audience, expiry and issuer of rawIDToken
// and returns the verified identity. The email claim must be present and verified.
func (v *Verifier) VerifyIDToken(ctx context.Context, rawIDToken string) (*Identity, error) {
	if strings.TrimSpace(rawIDToken) == "" {
		return nil, autherr.New(autherr.KindAccessDenied, "", "id token is missing")
	}
	tok, err := v.idVerifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, autherr.Wrap(autherr.KindAccessDenied, "", err, "id token verification failed")
	}
	if tok.Issuer != Issuer && tok.Issuer != legacyIssuer {
		return nil, autherr.New(autherr.KindAccessDenied, "", "id token issuer %q is not trusted", tok.Issuer)
	}
	var claims struct {
		Email         string `json:"email"`
		EmailVerified bool   `json:"email_verified"`
	}
	if err = tok.Claims(&claims); err != nil {
		return nil, autherr.Wrap(autherr.KindAccessDenied, "", err, "id token claims are unreadable")
	}
	id := &Identity{
		Email:         strings.TrimSpace(claims.Email),
		EmailVerified: claims.EmailVerified,
		Subject:       tok.Subject,
		ExpiresAt:     tok.Expiry.UTC(),
	}
	if id.Email != "" && !id.EmailVerified {
		return nil, autherr.New(autherr.KindAccessDenied, id.Email, "email address is not verified")
	}
	return id, nil
}

// VerifyAccessToken asks the tokeninfo endpoint about accessToken and accepts
// it only when it was issued to this client and has not expired.
func (v *Verifier) VerifyAccessToken(ctx context.Context, accessToken string) (*Identity, error) {
	if strings.TrimSpace(accessToken) == "" {
		return nil, autherr.New(autherr.KindAccessDenied, "", "access token is missing")
	}
	endpoint := v.endpoints.TokenInfo + "?access_token=" + url.QueryEscape(accessToken)
	body, status, err := v.get(ctx, endpoint, "")
	if err != nil {
		return nil, autherr.Wrap(autherr.KindBackendUnavailable, "", err, "tokeninfo request failed")
	}
	if status >= http.StatusInternalServerError {
		return nil, autherr.New(autherr.KindBackendUnavailable, "", "tokeninfo returned status %d", status)
	}
	if status != http.StatusOK {
		return nil, autherr.New(autherr.KindAccessDenied, "", "access token rejected by provider (status %d)", status)
	}

	aud := gjson.GetBytes(body, "aud").String()
	if aud == "" {
		aud = gjson.GetBytes(body, "azp").String()
	}
	if aud != v.clientID {
		return nil, autherr.New(autherr.KindAccessDenied, "", "access token was issued to a different client")
	}
	expiresIn := gjson.GetBytes(body, "expires_in").Int()
	if expiresIn <= 0 {
		return nil, autherr.New(autherr.KindAccessDenied, "", "access token has expired")
	}
	id := &Identity{
		Email:         strings.TrimSpace(gjson.GetBytes(body, "email").String()),
		EmailVerified: gjson.GetBytes(body, "email_verified").Bool(),
		Subject:       gjson.GetBytes(body, "sub").String(),
		Scopes:        credential.CanonicalScopes([]string{gjson.GetBytes(body, "scope").String()}),
		ExpiresAt:     time.Now().UTC().Add(time.Duration(expiresIn) * time.Second),
	}
	return id, nil
}

// UserEmail looks up the account email through the userinfo endpoint.
func (v *Verifier) UserEmail(ctx context.Context, accessToken string) (string, error) {
	body, status, err := v.get(ctx, v.endpoints.UserInfo, accessToken)
	if err != nil {
		return "", autherr.Wrap(autherr.KindBackendUnavailable, "", err, "userinfo request failed")
	}
	if status != http.StatusOK {
		return "", autherr.New(autherr.KindBackendUnavailable, "", "userinfo returned status %d", status)
	}
	email := gjson.GetBytes(body, "email")
	if !email.Exists() || email.Type != gjson.String || strings.TrimSpace(email.String()) == "" {
		return "", autherr.New(autherr.KindAccessDenied, "", "userinfo response has no email")
	}
	return strings.TrimSpace(email.String()), nil
}

func (v *Verifier) get(ctx context.Context, endpoint, bearer string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := v.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer func() {
		if errClose := resp.Body.Close(); errClose != nil {
			log.Debugf("google: close response body: %v", errClose)
		}
	}()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProviderBody))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	return body, resp.StatusCode, nil
}
