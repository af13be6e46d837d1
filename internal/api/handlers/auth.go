package handlers

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/workspace-mcp/credbroker/internal/auth/flow"
	"github.com/workspace-mcp/credbroker/internal/auth/google"
	"github.com/workspace-mcp/credbroker/internal/autherr"
	"github.com/workspace-mcp/credbroker/internal/credential"
	"github.com/workspace-mcp/credbroker/internal/logging"
	"github.com/workspace-mcp/credbroker/internal/util"
)

// StartAuth issues an authorization URL. With redirect=1 the client is sent
// straight to the provider.
func (h *Handler) StartAuth(c *gin.Context) {
	returnURL := strings.TrimSpace(c.Query("return_url"))
	if returnURL != "" && !h.returnURLAllowed(returnURL) {
		WriteError(c, autherr.New(autherr.KindInvalidRequest, "", "return_url host is not allowed"))
		return
	}
	auth, err := h.flow.Start(c.Request.Context(), flow.StartRequest{
		Scopes:    splitScopes(c.QueryArray("scopes")),
		LoginHint: strings.TrimSpace(c.Query("login_hint")),
		ReturnURL: returnURL,
	})
	if err != nil {
		WriteError(c, err)
		return
	}
	if c.Query("redirect") == "1" {
		c.Redirect(http.StatusFound, auth.URL)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"authorization_url": auth.URL,
		"state":             auth.State,
		"scopes":            auth.Scopes,
		"expires_at":        auth.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

// Callback redeems the provider redirect and opens a session for the
// verified identity.
func (h *Handler) Callback(c *gin.Context) {
	ctx := c.Request.Context()
	res, err := h.flow.HandleCallback(ctx, c.Request.URL.String())
	if err != nil {
		if target := flow.ReturnURLOf(err); target != "" && h.returnURLAllowed(target) {
			h.redirectWithError(c, target, err)
			return
		}
		WriteError(c, err)
		return
	}

	// HandleCallback has already persisted the credential.
	token, err := h.sessions.OpenSession(res.Identity, res.Credential, c.GetHeader(sessionHeader))
	if err != nil {
		WriteError(c, err)
		return
	}
	h.broker.Invalidate(res.Identity)
	logging.FromContext(ctx).WithField("identity", res.Identity).Info("gateway: session opened")

	if res.ReturnURL != "" && h.returnURLAllowed(res.ReturnURL) {
		c.Redirect(http.StatusFound, withQuery(res.ReturnURL, url.Values{
			"success": {"true"},
			"email":   {res.Identity},
		}))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":        "ok",
		"email":         res.Identity,
		"session_token": token,
	})
}

func (h *Handler) redirectWithError(c *gin.Context, target string, err error) {
	kind := string(autherr.KindOf(err))
	if kind == "" {
		kind = "internal"
	}
	description := "authorization failed"
	if ae, ok := autherr.As(err); ok && ae.Message != "" {
		description = ae.Message
	}
	logging.FromContext(c.Request.Context()).WithField("kind", kind).WithError(err).Warn("gateway: callback failed")
	c.Redirect(http.StatusFound, withQuery(target, url.Values{
		"error":             {kind},
		"error_description": {description},
	}))
}

func withQuery(target string, extra url.Values) string {
	u, err := url.Parse(target)
	if err != nil {
		return target
	}
	q := u.Query()
	for k, vs := range extra {
		q[k] = vs
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// Status reports whether the bearer's identity holds a usable credential.
// No token material is returned.
func (h *Handler) Status(c *gin.Context) {
	ctx := c.Request.Context()
	bearer := bearerToken(c)
	if bearer == "" {
		c.JSON(http.StatusOK, gin.H{"authenticated": false})
		return
	}
	identity, err := h.resolveBearer(ctx, bearer)
	if err != nil {
		WriteErrorStatus(c, http.StatusUnauthorized, err)
		return
	}
	cred, err := h.loadCredential(ctx, identity)
	switch {
	case autherr.IsKind(err, autherr.KindCorrupt):
		logging.FromContext(ctx).WithField("identity", identity).Error("gateway: stored credential is corrupt; reauthorization required")
	case err != nil && !autherr.IsKind(err, autherr.KindNotFound):
		WriteError(c, err)
		return
	}
	if cred == nil {
		c.JSON(http.StatusOK, gin.H{"authenticated": false, "email": identity})
		return
	}
	now := time.Now()
	body := gin.H{
		"authenticated": true,
		"email":         identity,
		"valid":         cred.Valid(now),
		"expired":       cred.Expired(now),
		"refreshable":   cred.CanRefresh(),
		"scopes":        cred.Scopes,
		"expires_at":    nil,
	}
	if cred.Expiry != nil {
		body["expires_at"] = cred.Expiry.UTC().Format(time.RFC3339)
	}
	c.JSON(http.StatusOK, body)
}

// providerRevokeTimeout bounds the best-effort revoke call to Google.
const providerRevokeTimeout = 5 * time.Second

type revokeRequest struct {
	Email string `json:"email"`
}

// Revoke removes the caller's credential and session, then asks the provider
// to revoke the grant.
func (h *Handler) Revoke(c *gin.Context) {
	ctx := c.Request.Context()

	var req revokeRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			WriteError(c, autherr.New(autherr.KindInvalidRequest, "", "invalid body"))
			return
		}
	}
	requested := strings.TrimSpace(req.Email)

	identity := ""
	if bearer := bearerToken(c); bearer != "" {
		verified, err := h.resolveBearer(ctx, bearer)
		if err != nil {
			WriteErrorStatus(c, http.StatusUnauthorized, err)
			return
		}
		if requested != "" && !strings.EqualFold(requested, verified) {
			log.WithFields(log.Fields{
				"requested_identity": requested,
				"verified_identity":  verified,
			}).Warn("gateway: revoke requested for a different identity")
			WriteError(c, autherr.New(autherr.KindAccessDenied, verified, "cannot revoke another identity"))
			return
		}
		identity = verified
	} else {
		if h.cfg == nil || !h.cfg.Gateway.AllowUnauthenticatedRevoke {
			WriteErrorStatus(c, http.StatusUnauthorized, autherr.New(autherr.KindAccessDenied, "", "bearer token required"))
			return
		}
		if requested == "" {
			WriteError(c, autherr.New(autherr.KindInvalidRequest, "", "email is required"))
			return
		}
		identity = requested
	}

	cred, err := h.loadCredential(ctx, identity)
	if err != nil && !autherr.IsKind(err, autherr.KindNotFound) && !autherr.IsKind(err, autherr.KindCorrupt) {
		WriteError(c, err)
		return
	}
	hasSession := h.sessions != nil && h.sessions.Has(identity)
	if cred == nil && !hasSession && !autherr.IsKind(err, autherr.KindCorrupt) {
		WriteError(c, autherr.New(autherr.KindNotFound, identity, "no credential stored"))
		return
	}

	// Local cleanup must finish even when the caller goes away.
	if err = h.broker.Forget(context.WithoutCancel(ctx), identity); err != nil {
		WriteError(c, err)
		return
	}
	logging.FromContext(ctx).WithField("identity", identity).Info("gateway: credential revoked")

	revoked := false
	if cred != nil {
		revoked = h.revokeWithProvider(ctx, identity, cred)
	}
	c.JSON(http.StatusOK, gin.H{
		"success":               true,
		"email":                 identity,
		"revoked_with_provider": revoked,
	})
}

// revokeWithProvider revokes the refresh token, or the access token when no
// refresh token is held. It is bounded by providerRevokeTimeout; failures are
// logged and otherwise ignored.
func (h *Handler) revokeWithProvider(ctx context.Context, identity string, cred *credential.Credential) bool {
	token := cred.RefreshToken
	if token == "" {
		token = cred.AccessToken
	}
	if token == "" {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, providerRevokeTimeout)
	defer cancel()
	if err := google.Revoke(ctx, h.httpClient, h.endpoints, token); err != nil {
		log.WithFields(log.Fields{"identity": identity, "kind": autherr.KindOf(err)}).Warn("gateway: provider revoke failed")
		return false
	}
	return true
}

// resolveBearer maps a bearer credential to a verified identity. It is tried
// as a session token, then as a Google access token, then as an ID token.
func (h *Handler) resolveBearer(ctx context.Context, bearer string) (string, error) {
	if h.sessions != nil {
		if identity, ok := h.sessions.IdentityForToken(bearer); ok {
			return identity, nil
		}
	}
	if h.verifier == nil {
		return "", autherr.New(autherr.KindAccessDenied, "", "bearer token is not recognised")
	}
	id, err := h.verifier.VerifyAccessToken(ctx, bearer)
	if err == nil && id.Email != "" {
		return id.Email, nil
	}
	if strings.Count(bearer, ".") == 2 {
		if idt, errID := h.verifier.VerifyIDToken(ctx, bearer); errID == nil && idt.Email != "" {
			return idt.Email, nil
		}
	}
	if autherr.IsKind(err, autherr.KindBackendUnavailable) {
		return "", err
	}
	logging.FromContext(ctx).
		WithField("authorization", util.MaskSensitiveHeaderValue("Authorization", "Bearer "+bearer)).
		Debug("gateway: bearer rejected")
	return "", autherr.New(autherr.KindAccessDenied, "", "bearer token is not recognised")
}

// loadCredential returns the session copy when a session is open, else the
// stored record.
func (h *Handler) loadCredential(ctx context.Context, identity string) (*credential.Credential, error) {
	if h.sessions != nil && h.sessions.Has(identity) {
		return h.sessions.Resolve(identity, identity)
	}
	cred, ok, err := h.store.Load(ctx, identity)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, autherr.New(autherr.KindNotFound, identity, "no credential stored")
	}
	return cred, nil
}
