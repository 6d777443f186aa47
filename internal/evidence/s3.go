package evidence

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
)

// S3 uploads evidence to a bucket.
type S3 struct {
	uploader *s3manager.Uploader
	bucket   string
}

// NewS3 builds an uploader. Empty keys fall back to the default AWS
// credential chain.
func NewS3(bucket, region, accessKeyID, secretAccessKey string) (*S3, error) {
	cfg := &aws.Config{Region: aws.String(region)}
	if accessKeyID != "" {
		cfg.Credentials = credentials.NewStaticCredentials(accessKeyID, secretAccessKey, "")
	}
	sess, err := session.NewSession(cfg)
	if err != nil {
		return nil, fmt.Errorf("aws session: %w", err)
	}
	return &S3{uploader: s3manager.NewUploader(sess), bucket: bucket}, nil
}

// Save uploads name.jpg and returns the object location.
func (s *S3) Save(ctx context.Context, name string, jpeg []byte) (string, error) {
	out, err := s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(name + ".jpg"),
		Body:        bytes.NewReader(jpeg),
		ContentType: aws.String("image/jpeg"),
	})
	if err != nil {
		return "", fmt.Errorf("s3 upload: %w", err)
	}
	return out.Location, nil
}
