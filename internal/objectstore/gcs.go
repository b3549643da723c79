package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/api/option"
	gcsapi "google.golang.org/api/storage/v1"
)

// GCS stores generated files in a Cloud Storage bucket. Objects are served
// from publicBaseURL + "/" + key.
type GCS struct {
	bucket        string
	publicBaseURL string
	service       *gcsapi.Service
}

func NewGCS(ctx context.Context, bucket, publicBaseURL string, opts ...option.ClientOption) (*GCS, error) {
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errors.New("gcs bucket is required")
	}

	service, err := gcsapi.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gcs service: %w", err)
	}
	if _, err := service.Buckets.Get(bucket).Context(ctx).Do(); err != nil {
		return nil, fmt.Errorf("read gcs bucket attrs: %w", err)
	}

	return &GCS{
		bucket:        bucket,
		publicBaseURL: strings.TrimRight(strings.TrimSpace(publicBaseURL), "/"),
		service:       service,
	}, nil
}

func (s *GCS) Put(ctx context.Context, key, contentType string, data []byte) (string, error) {
	key = strings.Trim(strings.TrimSpace(key), "/")
	if key == "" {
		return "", errors.New("object key is required")
	}
	if contentType = strings.TrimSpace(contentType); contentType == "" {
		contentType = "application/octet-stream"
	}

	object := &gcsapi.Object{Name: key, ContentType: contentType}
	if _, err := s.service.Objects.Insert(s.bucket, object).Media(bytes.NewReader(data)).Context(ctx).Do(); err != nil {
		return "", fmt.Errorf("write gcs object %q: %w", key, err)
	}
	return s.publicBaseURL + "/" + key, nil
}
