// Package assets provides binary asset storage backends keyed by
// (userID, assetID): Google Cloud Storage for production, the local
// filesystem for self-hosted deployments, and an in-memory store for
// development and tests.
package assets

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
)

// GCSConfig captures the parameters required to connect to GCS.
type GCSConfig struct {
	Bucket string
}

// GCSStore persists assets in a Google Cloud Storage bucket. It implements
// bookmarks.AssetStore.
type GCSStore struct {
	client *storage.Client
	bucket string
}

// NewGCS creates a GCS-backed asset store.
func NewGCS(client *storage.Client, cfg GCSConfig) (*GCSStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &GCSStore{client: client, bucket: cfg.Bucket}, nil
}

func objectPath(userID, assetID string) string {
	return fmt.Sprintf("%s/%s", userID, assetID)
}

// Put uploads an asset, overwriting any previous content.
func (s *GCSStore) Put(ctx context.Context, userID, assetID, contentType string, data []byte) error {
	if userID == "" || assetID == "" {
		return fmt.Errorf("user id and asset id are required")
	}
	writer := s.client.Bucket(s.bucket).Object(objectPath(userID, assetID)).NewWriter(ctx)
	if contentType != "" {
		writer.ContentType = contentType
	}
	if _, err := writer.Write(data); err != nil {
		closeErr := writer.Close()
		if closeErr != nil {
			return fmt.Errorf("write object: %w (close writer: %v)", err, closeErr)
		}
		return fmt.Errorf("write object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close writer: %w", err)
	}
	return nil
}

// Get reads an asset's content and content type.
func (s *GCSStore) Get(ctx context.Context, userID, assetID string) ([]byte, string, error) {
	reader, err := s.client.Bucket(s.bucket).Object(objectPath(userID, assetID)).NewReader(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("open object: %w", err)
	}
	defer func() { _ = reader.Close() }()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, "", fmt.Errorf("read object: %w", err)
	}
	return data, reader.Attrs.ContentType, nil
}

// Delete removes an asset. Deleting a missing object is not an error.
func (s *GCSStore) Delete(ctx context.Context, userID, assetID string) error {
	err := s.client.Bucket(s.bucket).Object(objectPath(userID, assetID)).Delete(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}
