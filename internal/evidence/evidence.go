package evidence

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"

	"faceattend/internal/cloudinary"
	"faceattend/internal/config"
)

// Store persists JPEG evidence and returns a reference (URL or path) to it.
type Store interface {
	Save(ctx context.Context, name string, jpeg []byte) (string, error)
}

// New picks the backend named in cfg.
func New(cfg config.Evidence, log *logrus.Logger) (Store, error) {
	switch cfg.Backend {
	case "cloudinary":
		return &Cloudinary{client: cloudinary.New(cfg.CloudinaryCloudName, cfg.CloudinaryAPIKey, cfg.CloudinaryAPISecret, cfg.CloudinaryFolder)}, nil
	case "s3":
		return NewS3(cfg.S3Bucket, cfg.S3Region, cfg.S3AccessKeyID, cfg.S3SecretAccessKey)
	case "local":
		return NewLocal(cfg.Dir)
	case "none", "":
		log.Info("evidence storage disabled")
		return Discard{}, nil
	}
	return nil, fmt.Errorf("unknown evidence backend %q", cfg.Backend)
}

// Name builds a unique object name under prefix, e.g.
// "sessions/<id>/<identity>-<ulid>".
func Name(prefix ...string) string {
	parts := make([]string, 0, len(prefix))
	for _, p := range prefix {
		p = strings.Trim(strings.ReplaceAll(p, "..", ""), "/")
		if p != "" {
			parts = append(parts, p)
		}
	}
	return path.Join(parts...) + "-" + strings.ToLower(ulid.Make().String())
}

// Discard drops evidence.
type Discard struct{}

// Save returns an empty reference.
func (Discard) Save(context.Context, string, []byte) (string, error) { return "", nil }

// Cloudinary uploads evidence through the Cloudinary REST API.
type Cloudinary struct {
	client *cloudinary.Client
}

// NewCloudinary wraps an existing client.
func NewCloudinary(client *cloudinary.Client) *Cloudinary {
	return &Cloudinary{client: client}
}

// Save uploads the image and returns its secure URL.
func (c *Cloudinary) Save(ctx context.Context, name string, jpeg []byte) (string, error) {
	img := cloudinary.Image{PublicID: name, Data: jpeg}
	if kind, _, ok := strings.Cut(name, "/"); ok {
		img.Tags = []string{kind}
	}
	asset, err := c.client.Upload(ctx, img)
	if err != nil {
		return "", err
	}
	return asset.SecureURL, nil
}
