package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func withCapturedLogger(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := log.Logger
	t.Cleanup(func() { log.Logger = prev })
	log.Logger = zerolog.New(&buf) // plain JSON lines
	return &buf
}

func TestRedactingLogger_ScrubsPeerIdentifiers(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()

	buf := withCapturedLogger(t)

	// Upstream RequestID middleware sets the response header.
	r.Use(func(c *gin.Context) {
		c.Header("X-Request-ID", "rid-resp")
		c.Next()
	})
	r.Use(RedactingLogger(RedactOptions{MaskHeaders: []string{"X-Api-Key"}}))

	r.GET("/conversations/:id/messages", func(c *gin.Context) {
		c.String(http.StatusOK, "[]")
	})

	// Peer phone numbers, an email, and a message UUID in the query string.
	q := "peer=+15550001111&fallback=+1-555-123-4567&notify=agent@example.com&after=123e4567-e89b-12d3-a456-426614174000"
	req := httptest.NewRequest(http.MethodGet, "/conversations/c-1/messages?"+q, nil)
	req.Header.Set("Authorization", "Bearer secret")
	req.Header.Set(HeaderTenantID, "acme-support") // masked without opting in
	req.Header.Set("X-Api-Key", "shhh")
	// PII inside an unmasked header is pattern-redacted, not dropped.
	req.Header.Set("X-Forwarded-For-Peer", "relayed for +447700900123 (agent@example.com)")
	req.Header.Set("X-Request-ID", "rid-req")

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	logs := buf.String()
	if !strings.Contains(logs, `"level":"info"`) {
		t.Fatalf("expected info log, got: %s", logs)
	}
	// Path is the route pattern; the conversation id never appears.
	if !strings.Contains(logs, `"path":"/conversations/:id/messages"`) {
		t.Fatalf("expected route-pattern path, got: %s", logs)
	}
	// Response header wins over the request header for the correlation id.
	if !strings.Contains(logs, `"request_id":"rid-resp"`) {
		t.Fatalf("expected request_id from response header, got: %s", logs)
	}
	if !strings.Contains(logs, `[REDACTED:phone]`) || !strings.Contains(logs, `[REDACTED:email]`) || !strings.Contains(logs, `[REDACTED:id]`) {
		t.Fatalf("expected query redactions, got: %s", logs)
	}
	if strings.Contains(logs, "15550001111") || strings.Contains(logs, "555-123-4567") || strings.Contains(logs, "447700900123") {
		t.Fatalf("raw phone number leaked into logs: %s", logs)
	}
	for _, h := range []string{"Authorization", HeaderTenantID, "X-Api-Key"} {
		key := http.CanonicalHeaderKey(h)
		if !strings.Contains(logs, `"`+key+`":"[REDACTED]"`) {
			t.Fatalf("%s must be masked: %s", key, logs)
		}
	}
	if !strings.Contains(logs, `"X-Forwarded-For-Peer":"relayed for [REDACTED:phone] ([REDACTED:email])"`) {
		t.Fatalf("expected pattern-redacted header, got: %s", logs)
	}
}

func TestRedactingLogger_SeverityAndRequestIDFallback(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()

	buf := withCapturedLogger(t)

	// No upstream RequestID: the logger falls back to the request header.
	r.Use(RedactingLogger(RedactOptions{}))

	r.GET("/warn", func(c *gin.Context) { c.Status(http.StatusNotFound) })
	r.GET("/error", func(c *gin.Context) { c.Status(http.StatusInternalServerError) })

	reqWarn := httptest.NewRequest(http.MethodGet, "/warn", nil)
	reqWarn.Header.Set("X-Request-ID", "rid-warn")
	r.ServeHTTP(httptest.NewRecorder(), reqWarn)

	reqErr := httptest.NewRequest(http.MethodGet, "/error", nil)
	reqErr.Header.Set("X-Request-ID", "rid-err")
	r.ServeHTTP(httptest.NewRecorder(), reqErr)

	logs := buf.String()
	if !strings.Contains(logs, `"level":"warn"`) || !strings.Contains(logs, `"request_id":"rid-warn"`) {
		t.Fatalf("warn log missing or without request_id fallback: %s", logs)
	}
	if !strings.Contains(logs, `"level":"error"`) || !strings.Contains(logs, `"request_id":"rid-err"`) {
		t.Fatalf("error log missing or without request_id fallback: %s", logs)
	}
}

func TestRedactPII(t *testing.T) {
	cases := []struct{ in, want string }{
		{"", ""},
		{"+15550001111", "[REDACTED:phone]"},
		{"call (212) 555-1212", "call [REDACTED:phone]"},
		{"agent@example.com", "[REDACTED:email]"},
		{"123e4567-e89b-12d3-a456-426614174000", "[REDACTED:id]"},
		{"no identifiers here", "no identifiers here"},
	}
	for _, tc := range cases {
		if got := redactPII(tc.in); got != tc.want {
			t.Fatalf("redactPII(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
