package logging

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

func TestGinLogrusRecoveryRepanicsErrAbortHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)

	engine := gin.New()
	engine.Use(GinLogrusRecovery())
	engine.GET("/abort", func(c *gin.Context) {
		panic(http.ErrAbortHandler)
	})

	req := httptest.NewRequest(http.MethodGet, "/abort", nil)
	recorder := httptest.NewRecorder()

	defer func() {
		recovered := recover()
		if recovered == nil {
			t.Fatalf("expected panic, got nil")
		}
		err, ok := recovered.(error)
		if !ok {
			t.Fatalf("expected error panic, got %T", recovered)
		}
		if !errors.Is(err, http.ErrAbortHandler) {
			t.Fatalf("expected ErrAbortHandler, got %v", err)
		}
		if err != http.ErrAbortHandler {
			t.Fatalf("expected exact ErrAbortHandler sentinel, got %v", err)
		}
	}()

	engine.ServeHTTP(recorder, req)
}

func TestGinLogrusRecoveryHandlesRegularPanic(t *testing.T) {
	gin.SetMode(gin.TestMode)

	engine := gin.New()
	engine.Use(GinLogrusRecovery())
	engine.GET("/panic", func(c *gin.Context) {
		panic("boom")
	})

	req := httptest.NewRequest(http.MethodGet, "/panic", nil)
	recorder := httptest.NewRecorder()

	engine.ServeHTTP(recorder, req)
	if recorder.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", recorder.Code)
	}
}

func TestGinLogrusLoggerMasksSecretsAndTagsRequests(t *testing.T) {
	gin.SetMode(gin.TestMode)
	hook := test.NewGlobal()
	defer hook.Reset()

	engine := gin.New()
	engine.Use(GinLogrusLogger())
	engine.GET("/oauth2callback", func(c *gin.Context) {
		if GetRequestID(c.Request.Context()) == "" {
			t.Errorf("request context has no request id")
		}
		c.Status(http.StatusNoContent)
	})

	req := httptest.NewRequest(http.MethodGet, "/oauth2callback?code=4/0AbCdEfGhIjKl&state=abcdef1234567890", nil)
	req.Header.Set(RequestIDHeader, "client-req-1")
	recorder := httptest.NewRecorder()
	engine.ServeHTTP(recorder, req)

	if got := recorder.Header().Get(RequestIDHeader); got != "client-req-1" {
		t.Fatalf("expected echoed request id, got %q", got)
	}
	entry := hook.LastEntry()
	if entry == nil {
		t.Fatalf("expected a log entry")
	}
	if entry.Data["request_id"] != "client-req-1" {
		t.Errorf("request id field = %v", entry.Data["request_id"])
	}
	if strings.Contains(entry.Message, "0AbCdEfGhIjKl") || strings.Contains(entry.Message, "abcdef1234567890") {
		t.Errorf("secret leaked into log line: %s", entry.Message)
	}
}

func TestRequestIDFromHeader(t *testing.T) {
	if RequestIDFromHeader("ok-id_1") != "ok-id_1" {
		t.Error("valid id rejected")
	}
	for _, bad := range []string{"", "has space", "line\nbreak", strings.Repeat("a", 65)} {
		if RequestIDFromHeader(bad) != "" {
			t.Errorf("accepted %q", bad)
		}
	}
}

func TestLogFormatter(t *testing.T) {
	entry := &log.Entry{
		Logger:  log.New(),
		Time:    time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
		Level:   log.WarnLevel,
		Message: "session: denied\n",
		Data:    log.Fields{"request_id": "abcd1234", "identity": "u1@example.com", "ignored": "x"},
	}
	out, err := (&LogFormatter{}).Format(entry)
	if err != nil {
		t.Fatal(err)
	}
	want := "[2025-01-02 03:04:05] [abcd1234] [warn ] session: denied identity=u1@example.com\n"
	if string(out) != want {
		t.Errorf("got %q, want %q", out, want)
	}
}
