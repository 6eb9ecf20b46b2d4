package imagesource

import (
	"context"
	"fmt"
	"path"

	"github.com/minio/minio-go/v7"
	"go.uber.org/zap"

	"github.com/example/palm-verify/internal/palm"
)

// MinioSource reads images from an S3-compatible bucket.
type MinioSource struct {
	client *minio.Client
	bucket string
	prefix string
	logger *zap.Logger
}

// NewMinioSource returns a source reading bucket objects under prefix.
func NewMinioSource(client *minio.Client, bucket, prefix string, logger *zap.Logger) *MinioSource {
	return &MinioSource{
		client: client,
		bucket: bucket,
		prefix: prefix,
		logger: logger.Named("minio_source"),
	}
}

func (s *MinioSource) key(locator string) string {
	return path.Join(s.prefix, locator)
}

// Fetch implements Source.
func (s *MinioSource) Fetch(ctx context.Context, locator string) (palm.RawImage, error) {
	key := s.key(locator)
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return palm.RawImage{}, s.classify(locator, err)
	}
	defer obj.Close()

	if _, err := obj.Stat(); err != nil {
		return palm.RawImage{}, s.classify(locator, err)
	}
	return Decode(obj)
}

func (s *MinioSource) classify(locator string, err error) error {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NotFound", "NoSuchBucket":
		return fmt.Errorf("%w: %w: %s/%s", palm.ErrFetch, ErrImageNotFound, s.bucket, s.key(locator))
	}
	s.logger.Warn("object read failed", zap.String("bucket", s.bucket), zap.String("locator", locator), zap.Error(err))
	return fmt.Errorf("%w: %w", palm.ErrFetch, err)
}
