//go:build gcp

package evidence

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"

	"github.com/MythologIQ/qorelogic/pkg/canonical"
)

// GCSStore archives blobs in a Google Cloud Storage bucket.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// GCSConfig selects the bucket; credentials come from ADC.
type GCSConfig struct {
	Bucket string
	Prefix string
}

// NewGCSStore connects to GCS.
func NewGCSStore(ctx context.Context, cfg GCSConfig) (*GCSStore, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("evidence: gcs bucket required")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("evidence: gcs client: %w", err)
	}
	return &GCSStore{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *GCSStore) object(raw string) *storage.ObjectHandle {
	return s.client.Bucket(s.bucket).Object(s.prefix + raw + ".blob")
}

// Put uploads data under its content hash; existing objects are left alone.
func (s *GCSStore) Put(ctx context.Context, data []byte) (string, error) {
	addr := canonical.HashBytes(data)
	obj := s.object(addr[len(canonical.HashPrefix):])

	if _, err := obj.Attrs(ctx); err == nil {
		return addr, nil
	}

	w := obj.NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("evidence: gcs write: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("evidence: gcs commit: %w", err)
	}
	return addr, nil
}

// Get downloads a blob by address.
func (s *GCSStore) Get(ctx context.Context, hash string) ([]byte, error) {
	raw, err := rawHex(hash)
	if err != nil {
		return nil, err
	}
	r, err := s.object(raw).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("evidence: gcs get %s: %w", hash, err)
	}
	defer func() { _ = r.Close() }()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("evidence: gcs read %s: %w", hash, err)
	}
	return data, nil
}

// Exists reports whether an address is archived.
func (s *GCSStore) Exists(ctx context.Context, hash string) (bool, error) {
	raw, err := rawHex(hash)
	if err != nil {
		return false, err
	}
	_, err = s.object(raw).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("evidence: gcs attrs: %w", err)
	}
	return true, nil
}

// Delete removes a blob; deleting an absent address is a no-op.
func (s *GCSStore) Delete(ctx context.Context, hash string) error {
	raw, err := rawHex(hash)
	if err != nil {
		return err
	}
	if err := s.object(raw).Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("evidence: gcs delete %s: %w", hash, err)
	}
	return nil
}

// Close releases the client.
func (s *GCSStore) Close() error { return s.client.Close() }
