//go:build gcp

package archive

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/storage"
)

// GCSSink stores audit blobs in Google Cloud Storage using ambient
// application-default credentials.
type GCSSink struct {
	client *storage.Client
	bucket string
	prefix string
}

func newGCSSink(ctx context.Context, cfg Config) (Sink, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive: gcs backend requires a bucket")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("archive: create gcs client: %w", err)
	}
	return &GCSSink{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *GCSSink) Put(ctx context.Context, data []byte) (string, error) {
	hash := contentHash(data)
	raw, _ := rawHash(hash)
	obj := s.client.Bucket(s.bucket).Object(s.prefix + raw + ".jsonl")

	if _, err := obj.Attrs(ctx); err == nil {
		return hash, nil
	}

	w := obj.NewWriter(ctx)
	w.ContentType = "application/x-ndjson"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("archive: gcs write: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("archive: gcs close: %w", err)
	}
	return hash, nil
}

func (s *GCSSink) Exists(ctx context.Context, hash string) (bool, error) {
	raw, err := rawHash(hash)
	if err != nil {
		return false, err
	}
	_, err = s.client.Bucket(s.bucket).Object(s.prefix + raw + ".jsonl").Attrs(ctx)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("archive: gcs attrs: %w", err)
}

// Close releases the GCS client.
func (s *GCSSink) Close() error {
	return s.client.Close()
}
