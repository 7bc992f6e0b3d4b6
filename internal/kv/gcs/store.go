// Package gcs provides a Google Cloud Storage backed kv.Store implementation.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/contentops/indexwatch/internal/kv"
)

// Store persists each snapshot key as a JSON object in a GCS bucket.
type Store struct {
	client *storage.Client
	bucket string
	prefix string
	logger *zap.Logger
}

// NewStore initializes a GCS client and verifies bucket access.
// Authentication is handled via Application Default Credentials.
func NewStore(ctx context.Context, bucket, prefix string, logger *zap.Logger) (*Store, error) {
	if bucket == "" {
		return nil, fmt.Errorf("kv.bucket is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create GCS client: %w", err)
	}

	// Fail fast on startup if the bucket is misconfigured.
	if _, err := client.Bucket(bucket).Attrs(ctx); err != nil {
		if closeErr := client.Close(); closeErr != nil {
			logger.Warn("failed to close GCS client after bucket check failure", zap.Error(closeErr))
		}
		return nil, fmt.Errorf("get GCS bucket %q attributes: %w", bucket, err)
	}

	return &Store{client: client, bucket: bucket, prefix: prefix, logger: logger}, nil
}

// Close releases the underlying client.
func (s *Store) Close() error {
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("close GCS client: %w", err)
	}
	return nil
}

func (s *Store) objectName(key string) string {
	prefix := strings.Trim(s.prefix, "/")
	if prefix == "" {
		return key + ".json"
	}
	return prefix + "/" + key + ".json"
}

// Save uploads the value to the object derived from key.
func (s *Store) Save(ctx context.Context, key string, value []byte) error {
	obj := s.objectName(key)
	wc := s.client.Bucket(s.bucket).Object(obj).NewWriter(ctx)
	wc.ContentType = "application/json"

	if _, err := wc.Write(value); err != nil {
		if closeErr := wc.Close(); closeErr != nil {
			s.logger.Warn("failed to close GCS writer after write failure", zap.Error(closeErr))
		}
		return fmt.Errorf("write GCS object %s: %w", obj, err)
	}
	// Close finalizes the upload and flushes buffered data.
	if err := wc.Close(); err != nil {
		return fmt.Errorf("close GCS writer for object %s: %w", obj, err)
	}
	return nil
}

// Load downloads the value stored for key, mapping a missing object to
// kv.ErrNotFound.
func (s *Store) Load(ctx context.Context, key string) ([]byte, error) {
	obj := s.objectName(key)
	rc, err := s.client.Bucket(s.bucket).Object(obj).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, kv.ErrNotFound
		}
		return nil, fmt.Errorf("open GCS object %s: %w", obj, err)
	}
	defer func() {
		if closeErr := rc.Close(); closeErr != nil {
			s.logger.Warn("failed to close GCS reader", zap.Error(closeErr))
		}
	}()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read GCS object %s: %w", obj, err)
	}
	return data, nil
}
