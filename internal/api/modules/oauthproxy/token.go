package oauthproxy

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/workspace-mcp/credbroker/internal/api/handlers"
	"github.com/workspace-mcp/credbroker/internal/autherr"
	"github.com/workspace-mcp/credbroker/internal/misc"
)

// maxTokenRequestBody bounds the form a client may send to the token relay.
const maxTokenRequestBody = 64 << 10

// maxUpstreamErrorBody bounds how much of a provider error is inspected.
const maxUpstreamErrorBody = 64 << 10

// newTokenProxy creates a reverse proxy that sends every request to target.
func newTokenProxy(target *url.URL, transport http.RoundTripper) *httputil.ReverseProxy {
	proxy := &httputil.ReverseProxy{Transport: transport}
	proxy.Director = func(req *http.Request) {
		req.URL.Scheme = target.Scheme
		req.URL.Host = target.Host
		req.URL.Path = target.Path
		req.URL.RawPath = target.RawPath
		req.URL.RawQuery = target.RawQuery
		req.Host = target.Host

		// Only what the token endpoint needs travels upstream.
		req.Header.Del("Cookie")
		req.Header.Del("Origin")
		req.Header.Del("Referer")
		req.Header.Del("Mcp-Session-Id")
		misc.EnsureHeader(req.Header, nil, "Accept", "application/json")
	}
	proxy.ModifyResponse = func(resp *http.Response) error {
		for key := range resp.Header {
			if strings.HasPrefix(strings.ToLower(key), "access-control-") {
				resp.Header.Del(key)
			}
		}
		resp.Header.Del("Set-Cookie")
		if resp.StatusCode < http.StatusBadRequest {
			return nil
		}
		return sanitizeErrorResponse(resp)
	}
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		log.WithField("path", r.URL.Path).WithError(err).Warn("oauth proxy: token endpoint unreachable")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		_ = json.NewEncoder(w).Encode(handlers.ErrorResponse{
			Status: "error",
			Kind:   string(autherr.KindBackendUnavailable),
			Error:  "token endpoint unreachable",
		})
	}
	return proxy
}

// sanitizeErrorResponse replaces a provider error body with just its OAuth
// error code so provider diagnostics are never relayed verbatim.
func sanitizeErrorResponse(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamErrorBody))
	_ = resp.Body.Close()

	code := gjson.GetBytes(raw, "error").String()
	if !isOAuthErrorCode(code) {
		code = "server_error"
		if resp.StatusCode < http.StatusInternalServerError {
			code = "invalid_request"
		}
	}
	body, _ := json.Marshal(map[string]string{"error": code})
	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))
	resp.Header.Set("Content-Length", strconv.Itoa(len(body)))
	resp.Header.Set("Content-Type", "application/json")
	resp.Header.Del("Content-Encoding")
	return nil
}

// isOAuthErrorCode accepts the RFC 6749 error code charset.
func isOAuthErrorCode(code string) bool {
	if code == "" || len(code) > 64 {
		return false
	}
	for _, r := range code {
		if !(r >= 'a' && r <= 'z') && r != '_' {
			return false
		}
	}
	return true
}

func (m *Module) handleToken(c *gin.Context) {
	m.mu.RLock()
	proxy := m.tokenProxy
	m.mu.RUnlock()
	if proxy == nil {
		handlers.WriteError(c, autherr.New(autherr.KindAccessDenied, "", "token endpoint is not allowlisted"))
		return
	}
	if ct := c.ContentType(); ct != "application/x-www-form-urlencoded" {
		handlers.WriteError(c, autherr.New(autherr.KindInvalidRequest, "", "token requests must be form encoded"))
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxTokenRequestBody)
	proxy.ServeHTTP(c.Writer, c.Request)
}
