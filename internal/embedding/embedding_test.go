package embedding

import (
	"errors"
	"math"
	"testing"
)

func TestEncodeLayout(t *testing.T) {
	b, err := Encode([]float32{1, -2.5, 0.125})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(b) != headerSize+12 {
		t.Fatalf("expected %d bytes, got %d", headerSize+12, len(b))
	}
	if b[0] != 'F' || b[1] != 'E' || b[2] != Version || b[3] != typeFloat32 {
		t.Fatalf("unexpected header % x", b[:4])
	}
	if b[4] != 3 || b[5] != 0 {
		t.Fatalf("expected dimension 3, got % x", b[4:6])
	}
	v, err := Decode(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if v[0] != 1 || v[1] != -2.5 || v[2] != 0.125 {
		t.Fatalf("unexpected vector %v", v)
	}
}

func TestValidateRejectsPlaceholders(t *testing.T) {
	if err := Validate(nil); !errors.Is(err, ErrEmpty) {
		t.Fatalf("expected ErrEmpty, got %v", err)
	}
	if err := Validate([]float32{0, 0, 0}); !errors.Is(err, ErrZero) {
		t.Fatalf("expected ErrZero, got %v", err)
	}
	if err := Validate([]float32{1, float32(math.NaN())}); err == nil {
		t.Fatalf("expected NaN to be rejected")
	}
	if _, err := Encode([]float32{0, 0}); err == nil {
		t.Fatalf("expected encode to refuse zero vector")
	}
}

func TestDecodeRejectsCorruption(t *testing.T) {
	good, _ := Encode([]float32{0.5, 0.25})
	cases := map[string][]byte{
		"short":     good[:3],
		"magic":     append([]byte{'X', 'E'}, good[2:]...),
		"truncated": good[:len(good)-1],
	}
	for name, b := range cases {
		if _, err := Decode(b); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
	future := append([]byte(nil), good...)
	future[2] = Version + 1
	if _, err := Decode(future); err == nil {
		t.Fatalf("expected unsupported version error")
	}
}

func TestDistance(t *testing.T) {
	d, ok := Distance([]float32{0, 0}, []float32{3, 4})
	if !ok || d != 5 {
		t.Fatalf("expected 5, got %v ok=%v", d, ok)
	}
	if _, ok := Distance([]float32{0}, []float32{0, 1}); ok {
		t.Fatalf("expected dimension mismatch")
	}
}
