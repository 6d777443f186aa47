// Package embedding holds the face embedding vector format shared by storage,
// cache and matcher.
//
// Encoded layout (little endian):
//
//	[0:2] magic "FE"
//	[2]   format version
//	[3]   element type (1 = float32)
//	[4:6] dimension
//	[6:]  dimension * 4 bytes of IEEE-754 float32
package embedding

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

const (
	Version     byte = 1
	typeFloat32 byte = 1
	headerSize       = 6
	// MaxDim bounds decoded vectors.
	MaxDim = 4096
)

var magic = [2]byte{'F', 'E'}

var (
	ErrEmpty     = errors.New("embedding: empty vector")
	ErrZero      = errors.New("embedding: zero vector")
	ErrTooLarge  = errors.New("embedding: dimension too large")
	ErrMalformed = errors.New("embedding: malformed encoding")
)

// Validate rejects empty, all-zero, oversized and non-finite vectors.
func Validate(v []float32) error {
	if len(v) == 0 {
		return ErrEmpty
	}
	if len(v) > MaxDim {
		return ErrTooLarge
	}
	zero := true
	for i, x := range v {
		if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
			return fmt.Errorf("embedding: non-finite value at %d", i)
		}
		if x != 0 {
			zero = false
		}
	}
	if zero {
		return ErrZero
	}
	return nil
}

// Encode serialises v in the versioned binary layout.
func Encode(v []float32) ([]byte, error) {
	if err := Validate(v); err != nil {
		return nil, err
	}
	buf := make([]byte, headerSize+4*len(v))
	buf[0], buf[1] = magic[0], magic[1]
	buf[2] = Version
	buf[3] = typeFloat32
	binary.LittleEndian.PutUint16(buf[4:6], uint16(len(v)))
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[headerSize+4*i:], math.Float32bits(x))
	}
	return buf, nil
}

// Decode parses the versioned binary layout.
func Decode(b []byte) ([]float32, error) {
	if len(b) < headerSize || b[0] != magic[0] || b[1] != magic[1] {
		return nil, ErrMalformed
	}
	if b[2] != Version {
		return nil, fmt.Errorf("embedding: unsupported version %d", b[2])
	}
	if b[3] != typeFloat32 {
		return nil, fmt.Errorf("embedding: unsupported element type %d", b[3])
	}
	dim := int(binary.LittleEndian.Uint16(b[4:6]))
	if dim == 0 || dim > MaxDim {
		return nil, ErrMalformed
	}
	if len(b) != headerSize+4*dim {
		return nil, fmt.Errorf("embedding: expected %d bytes for dimension %d, got %d", headerSize+4*dim, dim, len(b))
	}
	v := make([]float32, dim)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[headerSize+4*i:]))
	}
	return v, nil
}

// Distance is the Euclidean distance between a and b. ok is false when the
// dimensions differ.
func Distance(a, b []float32) (d float64, ok bool) {
	if len(a) != len(b) {
		return 0, false
	}
	var sum float64
	for i := range a {
		diff := float64(a[i]) - float64(b[i])
		sum += diff * diff
	}
	return math.Sqrt(sum), true
}
