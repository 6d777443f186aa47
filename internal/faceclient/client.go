package faceclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"

	"faceattend/internal/apperr"
	"faceattend/internal/embedding"
	"faceattend/internal/model"
)

// Extractor turns an image into face detections. An image without faces
// yields an empty slice and a nil error.
type Extractor interface {
	Extract(ctx context.Context, img image.Image) ([]model.Detection, error)
}

// Config configures the face service client.
type Config struct {
	BaseURL string
	// Model selects the detector variant on the service ("hog" or "cnn").
	Model   string
	Timeout time.Duration
	// Skip replaces the remote call with a local deterministic embedding.
	Skip bool
	// Dim is the embedding dimension produced in Skip mode.
	Dim int
}

// Client calls the face recognition microservice.
type Client struct {
	cfg  Config
	HTTP *http.Client
	log  *logrus.Logger
}

// New creates a client with configurable timeout.
func New(cfg Config, log *logrus.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second // face processing can take time on CPU
	}
	if cfg.Model == "" {
		cfg.Model = "hog"
	}
	if cfg.Dim <= 0 {
		cfg.Dim = 128
	}
	return &Client{
		cfg:  cfg,
		HTTP: &http.Client{Timeout: cfg.Timeout},
		log:  log,
	}
}

type wireFace struct {
	Box       model.Box `json:"box"`
	Embedding []float32 `json:"embedding"`
}

// Extract sends the image as JPEG to POST /extract and returns the detections
// in the order the service reported them.
func (c *Client) Extract(ctx context.Context, img image.Image) ([]model.Detection, error) {
	if img == nil {
		return nil, apperr.New(apperr.DecodeError, "faceclient.Extract", "nil image")
	}
	if c.cfg.Skip {
		return skipDetections(img, c.cfg.Dim), nil
	}

	body, err := EncodeJPEG(img)
	if err != nil {
		return nil, err
	}
	endpoint := c.cfg.BaseURL + "/extract?model=" + url.QueryEscape(c.cfg.Model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "image/jpeg")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.Unavailable, "faceclient.Extract", fmt.Errorf("face service request failed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnprocessableEntity {
		// the service could not decode what we sent
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, apperr.New(apperr.DecodeError, "faceclient.Extract", string(bodyBytes))
	}
	if resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, apperr.Wrap(apperr.Unavailable, "faceclient.Extract", fmt.Errorf("face service error %s: %s", resp.Status, string(bodyBytes)))
	}

	var out struct {
		Faces []wireFace `json:"faces"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, apperr.Wrap(apperr.Unavailable, "faceclient.Extract", fmt.Errorf("failed to decode response: %w", err))
	}

	// a bad face fails the whole call so the service's face order is kept
	detections := make([]model.Detection, 0, len(out.Faces))
	for i, f := range out.Faces {
		if err := embedding.Validate(f.Embedding); err != nil {
			c.log.WithFields(logrus.Fields{"face": i, "faces": len(out.Faces), "error": err.Error()}).Warn("face service returned unusable embedding")
			return nil, apperr.Wrap(apperr.Unavailable, "faceclient.Extract", fmt.Errorf("face %d: %w", i, err))
		}
		detections = append(detections, model.Detection{Box: f.Box, Embedding: f.Embedding})
	}
	if len(detections) == 0 {
		c.log.Debug("no face detected in image")
	}
	return detections, nil
}

// Health checks if the face service is available.
func (c *Client) Health(ctx context.Context) error {
	if c.cfg.Skip {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/health", nil)
	if err != nil {
		return err
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("face service unavailable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("face service unhealthy: %s", resp.Status)
	}

	return nil
}
