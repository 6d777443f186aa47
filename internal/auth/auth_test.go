package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"faceattend/internal/apperr"
	"faceattend/internal/logging"
	"faceattend/internal/store/memstore"
)

func newSigner() *Signer {
	return NewSigner("test-signing-key", "faceattend", time.Minute, time.Hour)
}

func TestIssueAndParse(t *testing.T) {
	s := newSigner()
	pair, err := s.Issue("cam-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	claims, err := s.Parse(pair.AccessToken, TokenAccess)
	if err != nil || claims.DeviceID != "cam-1" || claims.Role != RoleDevice {
		t.Fatalf("unexpected claims %+v %v", claims, err)
	}
	if _, err := s.Parse(pair.RefreshToken, TokenAccess); err == nil {
		t.Fatalf("refresh token must not pass as access token")
	}
	if _, err := NewSigner("other-key-123", "faceattend", time.Minute, time.Hour).Parse(pair.AccessToken, TokenAccess); err == nil {
		t.Fatalf("expected signature failure")
	}
	if _, err := NewSigner("test-signing-key", "someone-else", time.Minute, time.Hour).Parse(pair.AccessToken, TokenAccess); err == nil {
		t.Fatalf("expected issuer mismatch")
	}
}

func TestExpiredToken(t *testing.T) {
	s := newSigner()
	s.now = func() time.Time { return time.Now().Add(-2 * time.Minute) }
	pair, err := s.Issue("cam-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	s.now = time.Now
	if _, err := s.Parse(pair.AccessToken, TokenAccess); err == nil {
		t.Fatalf("expected expired token to be rejected")
	}
}

func TestServiceRefreshRotates(t *testing.T) {
	ctx := context.Background()
	svc := NewService(memstore.New(), newSigner(), logging.Discard())

	if _, err := svc.Register(ctx, "  "); apperr.KindOf(err) != apperr.Invalid {
		t.Fatalf("expected Invalid, got %v", err)
	}
	pair, err := svc.Register(ctx, "cam-1")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	next, err := svc.Refresh(ctx, pair.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if next.RefreshToken == pair.RefreshToken {
		t.Fatalf("expected a new refresh token")
	}
	if _, err := svc.Refresh(ctx, pair.RefreshToken); apperr.KindOf(err) != apperr.Unauthorized {
		t.Fatalf("old refresh token must be revoked, got %v", err)
	}
	if err := svc.Revoke(ctx, next.RefreshToken); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := svc.Refresh(ctx, next.RefreshToken); apperr.KindOf(err) != apperr.Unauthorized {
		t.Fatalf("expected Unauthorized after revoke, got %v", err)
	}
	if _, err := svc.Refresh(ctx, next.AccessToken); apperr.KindOf(err) != apperr.Unauthorized {
		t.Fatalf("access token must not refresh, got %v", err)
	}
}

func TestDeviceAuthMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s := newSigner()
	pair, _ := s.Issue("cam-9")

	r := gin.New()
	r.GET("/who", DeviceAuth(s), func(c *gin.Context) {
		claims, _ := FromContext(c)
		c.String(http.StatusOK, claims.DeviceID)
	})

	cases := map[string]struct {
		header, query string
		want          int
	}{
		"bearer":      {header: "Bearer " + pair.AccessToken, want: http.StatusOK},
		"query":       {query: "?access_token=" + pair.AccessToken, want: http.StatusOK},
		"missing":     {want: http.StatusUnauthorized},
		"basic":       {header: "Basic abc", want: http.StatusUnauthorized},
		"refresh":     {header: "Bearer " + pair.RefreshToken, want: http.StatusUnauthorized},
		"not-a-token": {header: "Bearer nope", want: http.StatusUnauthorized},
	}
	for name, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/who"+tc.query, nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Code != tc.want {
			t.Fatalf("%s: expected %d, got %d", name, tc.want, w.Code)
		}
		if tc.want == http.StatusOK && w.Body.String() != "cam-9" {
			t.Fatalf("%s: unexpected body %q", name, w.Body.String())
		}
	}
}
