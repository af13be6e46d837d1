package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func newCORSEngine(origins []string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	engine := gin.New()
	engine.Use(CORS(origins))
	engine.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })
	engine.OPTIONS("/ping", func(c *gin.Context) { c.Status(http.StatusTeapot) })
	return engine
}

func TestCORSPreflight(t *testing.T) {
	engine := newCORSEngine(nil)
	req := httptest.NewRequest(http.MethodOptions, "/ping", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Fatalf("unexpected allow origin %q", got)
	}
	if rec.Header().Get("Access-Control-Allow-Headers") == "" {
		t.Fatal("expected allow headers")
	}
}

func TestCORSRejectsUnlistedOrigin(t *testing.T) {
	engine := newCORSEngine([]string{"https://app.example.com/"})

	req := httptest.NewRequest(http.MethodOptions, "/ping", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for unlisted preflight, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatalf("expected plain response without CORS headers, got %d %q", rec.Code, rec.Header().Get("Access-Control-Allow-Origin"))
	}

	req = httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("Origin", "https://APP.example.com")
	rec = httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	if rec.Header().Get("Access-Control-Allow-Origin") != "https://APP.example.com" {
		t.Fatalf("expected listed origin to be echoed")
	}
}

func TestCORSWithoutOrigin(t *testing.T) {
	engine := newCORSEngine(nil)
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))
	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatal("same-origin requests need no CORS headers")
	}
}

func TestRateLimiterPerClient(t *testing.T) {
	l := NewRateLimiter(1, 2)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	if !l.Allow("a") || !l.Allow("a") {
		t.Fatal("burst should be admitted")
	}
	if l.Allow("a") {
		t.Fatal("third request inside the same instant should be limited")
	}
	if !l.Allow("b") {
		t.Fatal("other clients have their own bucket")
	}
	now = now.Add(time.Second)
	if !l.Allow("a") {
		t.Fatal("bucket should refill after a second")
	}
}

func TestRateLimiterSweepsIdleClients(t *testing.T) {
	l := NewRateLimiter(1, 1)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	l.Allow("a")
	now = now.Add(2 * limiterIdleTTL)
	l.Allow("b")
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.clients["a"]; ok {
		t.Fatal("idle client should have been swept")
	}
}

func TestRateLimiterMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l := NewRateLimiter(0.001, 1)
	engine := gin.New()
	engine.Use(l.Middleware())
	engine.POST("/oauth2/token", func(c *gin.Context) { c.Status(http.StatusOK) })

	codes := make([]int, 0, 2)
	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/oauth2/token", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		engine.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusTooManyRequests {
		t.Fatalf("unexpected status sequence %v", codes)
	}
}

func TestStripPrefix(t *testing.T) {
	var seen string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.URL.Path
		w.WriteHeader(http.StatusOK)
	})
	h := StripPrefix("/google-workspace/", next)

	cases := map[string]string{
		"/google-workspace/auth/status": "/auth/status",
		"/google-workspace":             "/",
		"/google-workspace/":            "/",
		"/auth/status":                  "/auth/status",
		"/google-workspaces/health":     "/google-workspaces/health",
	}
	for in, want := range cases {
		req := httptest.NewRequest(http.MethodGet, in+"?x=1", nil)
		h.ServeHTTP(httptest.NewRecorder(), req)
		if seen != want {
			t.Errorf("%s: routed as %q, want %q", in, seen, want)
		}
		if req.URL.Path != in {
			t.Errorf("%s: original request was modified", in)
		}
	}

	if StripPrefix("", next) == nil {
		t.Fatal("empty prefix must return next")
	}
}
