package cloudinary

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestSignSkipsUnsignedParams(t *testing.T) {
	params := map[string]string{
		"timestamp": "1315060510",
		"public_id": "sample",
		"api_key":   "key",
		"folder":    "",
		"signature": "old",
	}
	sum := sha1.Sum([]byte("public_id=sample&timestamp=1315060510abcd"))
	if got, want := Sign(params, "abcd"), hex.EncodeToString(sum[:]); got != want {
		t.Fatalf("signature %s, want %s", got, want)
	}
}

func TestUploadSendsSignedForm(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/demo/image/upload" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse form: %v", err)
			return
		}
		want := Sign(map[string]string{
			"timestamp": "1700000000",
			"overwrite": "false",
			"folder":    "att",
			"public_id": "enrollments/s1/front",
			"tags":      "enrollments,front",
		}, "secret")
		if got := r.FormValue("signature"); got != want {
			t.Errorf("signature %s, want %s", got, want)
		}
		if r.FormValue("api_key") != "key" {
			t.Errorf("missing api key")
		}
		f, hdr, err := r.FormFile("file")
		if err != nil {
			t.Errorf("file: %v", err)
			return
		}
		data, _ := io.ReadAll(f)
		if hdr.Filename != "front.jpg" || string(data) != "jpeg" {
			t.Errorf("unexpected file %s %q", hdr.Filename, data)
		}
		_, _ = w.Write([]byte(`{"public_id":"att/enrollments/s1/front","version":3,"secure_url":"https://cdn/front.jpg","bytes":4}`))
	}))
	defer srv.Close()

	c := New("demo", "key", "secret", "att")
	c.BaseURL = srv.URL
	c.now = func() time.Time { return time.Unix(1700000000, 0) }
	asset, err := c.Upload(context.Background(), Image{
		PublicID: "enrollments/s1/front",
		Data:     []byte("jpeg"),
		Tags:     []string{"enrollments", "front"},
	})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if asset.SecureURL != "https://cdn/front.jpg" || asset.Version != 3 {
		t.Fatalf("unexpected asset %+v", asset)
	}
}

func TestUploadReportsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"Invalid Signature"}}`))
	}))
	defer srv.Close()

	c := New("demo", "key", "secret", "")
	c.BaseURL = srv.URL
	_, err := c.Upload(context.Background(), Image{Data: []byte("x")})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusUnauthorized || apiErr.Message != "Invalid Signature" {
		t.Fatalf("expected APIError, got %v", err)
	}
}
