package httpmiddleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/oklog/ulid/v2"
)

func router(mw ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(mw...)
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })
	return r
}

func get(r http.Handler, ip string, hdr map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.RemoteAddr = ip + ":1234"
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRateLimiterPerIP(t *testing.T) {
	r := router(NewRateLimiter(60, 2).GinMiddleware())
	for i := 0; i < 2; i++ {
		if w := get(r, "10.0.0.1", nil); w.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, w.Code)
		}
	}
	if w := get(r, "10.0.0.1", nil); w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
	if w := get(r, "10.0.0.2", nil); w.Code != http.StatusOK {
		t.Fatalf("other clients keep their own bucket, got %d", w.Code)
	}
}

func TestRequestID(t *testing.T) {
	r := router(RequestID())
	w := get(r, "10.0.0.1", nil)
	id := w.Header().Get(RequestIDHeader)
	if _, err := ulid.ParseStrict(id); err != nil {
		t.Fatalf("expected a ULID, got %q: %v", id, err)
	}
	w = get(r, "10.0.0.1", map[string]string{RequestIDHeader: "abc"})
	if got := w.Header().Get(RequestIDHeader); got != "abc" {
		t.Fatalf("expected caller id echoed, got %q", got)
	}
	if a, b := NewRequestID(time.Unix(1, 0)), NewRequestID(time.Unix(2, 0)); a >= b {
		t.Fatalf("ids must sort by time: %s %s", a, b)
	}
}

func TestSecurityHeadersAndCORS(t *testing.T) {
	r := router(CORS([]string{"https://kiosk.example"}), SecurityHeaders())
	w := get(r, "10.0.0.1", map[string]string{"Origin": "https://kiosk.example"})
	if w.Header().Get("X-Frame-Options") != "DENY" || w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("missing security headers: %v", w.Header())
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://kiosk.example" {
		t.Fatalf("expected allowed origin, got %q", got)
	}
	w = get(r, "10.0.0.1", map[string]string{"Origin": "https://evil.example"})
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected foreign origin rejected, got %d", w.Code)
	}
}
