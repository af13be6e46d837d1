package google

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/workspace-mcp/credbroker/internal/autherr"
)

// Revoke asks Google to revoke token, which may be an access or refresh token.
// Revoking a refresh token also invalidates the access tokens minted from it.
func Revoke(ctx context.Context, httpClient *http.Client, endpoints Endpoints, token string) error {
	if strings.TrimSpace(token) == "" {
		return autherr.New(autherr.KindInvalidRequest, "", "no token to revoke")
	}
	endpoints = endpoints.withDefaults()
	form := url.Values{"token": {token}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoints.Revoke, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("google revoke: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := httpClientOrDefault(httpClient).Do(req)
	if err != nil {
		return autherr.Wrap(autherr.KindBackendUnavailable, "", err, "google revoke request failed")
	}
	defer func() {
		if errClose := resp.Body.Close(); errClose != nil {
			log.Debugf("google revoke: close response body: %v", errClose)
		}
	}()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxProviderBody))

	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode >= http.StatusInternalServerError:
		return autherr.New(autherr.KindBackendUnavailable, "", "google revoke returned status %d", resp.StatusCode)
	default:
		reason := gjson.GetBytes(body, "error").String()
		if reason == "" {
			reason = "unknown"
		}
		return autherr.New(autherr.KindInvalidRequest, "", "google revoke rejected the token (status %d, %s)", resp.StatusCode, reason)
	}
}
