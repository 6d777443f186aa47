package faceclient

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"net/http"
	"net/http/httptest"
	"testing"

	"faceattend/internal/apperr"
	"faceattend/internal/logging"
)

func testImage(shade uint8) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, 32, 32))
	for y := 0; y < 32; y++ {
		for x := 0; x < 32; x++ {
			img.Set(x, y, color.RGBA{R: shade, G: uint8(x * 8), B: uint8(y * 8), A: 0xff})
		}
	}
	return img
}

func TestExtractParsesFaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/extract" || r.URL.Query().Get("model") != "cnn" {
			t.Errorf("unexpected request %s", r.URL.String())
		}
		if ct := r.Header.Get("Content-Type"); ct != "image/jpeg" {
			t.Errorf("expected jpeg body, got %s", ct)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"faces": []map[string]any{
				{"box": map[string]int{"x": 1, "y": 2, "width": 10, "height": 12}, "embedding": []float32{0.1, 0.2}},
				{"box": map[string]int{"x": 20}, "embedding": []float32{0.3, 0.4}},
			},
		})
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Model: "cnn"}, logging.Discard())
	dets, err := c.Extract(context.Background(), testImage(10))
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(dets) != 2 {
		t.Fatalf("expected 2 detections, got %d", len(dets))
	}
	if dets[0].Box.Width != 10 || dets[1].Box.X != 20 {
		t.Fatalf("detections out of order: %+v", dets)
	}
}

func TestExtractRejectsUnusableEmbedding(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"faces":[{"box":{"x":1},"embedding":[0,0]},{"box":{"x":20},"embedding":[0.3,0.4]}]}`))
	}))
	defer srv.Close()

	dets, err := New(Config{BaseURL: srv.URL}, logging.Discard()).Extract(context.Background(), testImage(10))
	if apperr.KindOf(err) != apperr.Unavailable {
		t.Fatalf("expected unavailable, got %v", err)
	}
	if dets != nil {
		t.Fatalf("a later face must not stand in for the first, got %+v", dets)
	}
}

func TestExtractNoFaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"faces":[]}`))
	}))
	defer srv.Close()

	dets, err := New(Config{BaseURL: srv.URL}, logging.Discard()).Extract(context.Background(), testImage(10))
	if err != nil {
		t.Fatalf("zero faces must not be an error, got %v", err)
	}
	if len(dets) != 0 {
		t.Fatalf("expected no detections, got %d", len(dets))
	}
}

func TestExtractMapsServiceErrors(t *testing.T) {
	status := http.StatusUnprocessableEntity
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "cannot decode", status)
	}))
	defer srv.Close()
	c := New(Config{BaseURL: srv.URL}, logging.Discard())

	_, err := c.Extract(context.Background(), testImage(10))
	if apperr.KindOf(err) != apperr.DecodeError {
		t.Fatalf("expected decode error, got %v", err)
	}

	status = http.StatusBadGateway
	_, err = c.Extract(context.Background(), testImage(10))
	if apperr.KindOf(err) != apperr.Unavailable {
		t.Fatalf("expected unavailable, got %v", err)
	}
}

func TestSkipModeIsDeterministic(t *testing.T) {
	c := New(Config{Skip: true, Dim: 16}, logging.Discard())
	a, err := c.Extract(context.Background(), testImage(40))
	if err != nil || len(a) != 1 {
		t.Fatalf("expected one detection, got %v %v", a, err)
	}
	b, _ := c.Extract(context.Background(), testImage(40))
	if len(a[0].Embedding) != 16 {
		t.Fatalf("expected dim 16, got %d", len(a[0].Embedding))
	}
	for i := range a[0].Embedding {
		if a[0].Embedding[i] != b[0].Embedding[i] {
			t.Fatalf("embedding differs at %d", i)
		}
	}

	black := image.NewRGBA(image.Rect(0, 0, 8, 8))
	none, err := c.Extract(context.Background(), black)
	if err != nil || len(none) != 0 {
		t.Fatalf("expected no face in black image, got %v %v", none, err)
	}
}

func TestDecodeImage(t *testing.T) {
	data, err := EncodeJPEG(testImage(90))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	img, err := DecodeImage(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if img.Bounds().Dx() != 32 {
		t.Fatalf("unexpected bounds %v", img.Bounds())
	}

	_, err = DecodeImage([]byte("not an image"))
	if !errors.Is(err, apperr.ErrDecode) {
		t.Fatalf("expected decode error, got %v", err)
	}
}
