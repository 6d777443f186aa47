package faceclient

import (
	"bytes"
	"image"
	"image/jpeg"
	_ "image/png"
	"math"

	"faceattend/internal/apperr"
	"faceattend/internal/model"
)

// JPEGQuality is used for payloads sent to the face service and for evidence.
const JPEGQuality = 90

// DecodeImage decodes JPEG or PNG bytes. Failures are DecodeError.
func DecodeImage(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, apperr.New(apperr.DecodeError, "faceclient.DecodeImage", "empty image")
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, apperr.Wrap(apperr.DecodeError, "faceclient.DecodeImage", err)
	}
	return img, nil
}

// EncodeJPEG re-encodes img as JPEG.
func EncodeJPEG(img image.Image) ([]byte, error) {
	if img == nil {
		return nil, apperr.New(apperr.DecodeError, "faceclient.EncodeJPEG", "nil image")
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: JPEGQuality}); err != nil {
		return nil, apperr.Wrap(apperr.DecodeError, "faceclient.EncodeJPEG", err)
	}
	return buf.Bytes(), nil
}

// blankLuma is the cell luminance below which a frame counts as blank.
const blankLuma = 1.0 / 32

// skipDetections derives a unit-length embedding from the luminance of a
// grid laid over the image, so identical images embed identically. An image
// whose brightest cell stays under blankLuma has no face.
func skipDetections(img image.Image, dim int) []model.Detection {
	b := img.Bounds()
	if b.Empty() {
		return nil
	}
	cols := int(math.Ceil(math.Sqrt(float64(dim))))
	rows := (dim + cols - 1) / cols
	vec := make([]float32, dim)
	var norm, peak float64
	for i := range vec {
		r, c := i/cols, i%cols
		x0 := b.Min.X + c*b.Dx()/cols
		x1 := b.Min.X + (c+1)*b.Dx()/cols
		y0 := b.Min.Y + r*b.Dy()/rows
		y1 := b.Min.Y + (r+1)*b.Dy()/rows
		vec[i] = float32(meanLuma(img, x0, y0, max(x1, x0+1), max(y1, y0+1)))
		norm += float64(vec[i]) * float64(vec[i])
		peak = max(peak, float64(vec[i]))
	}
	if peak < blankLuma {
		return nil
	}
	norm = math.Sqrt(norm)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return []model.Detection{{
		Box:       model.Box{X: b.Min.X, Y: b.Min.Y, Width: b.Dx(), Height: b.Dy()},
		Embedding: vec,
	}}
}

func meanLuma(img image.Image, x0, y0, x1, y1 int) float64 {
	stepX := max((x1-x0)/4, 1)
	stepY := max((y1-y0)/4, 1)
	var sum float64
	var n int
	for y := y0; y < y1; y += stepY {
		for x := x0; x < x1; x += stepX {
			r, g, bl, _ := img.At(x, y).RGBA()
			sum += (0.299*float64(r) + 0.587*float64(g) + 0.114*float64(bl)) / 0xffff
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}
