// Package gcs archives raw fetch artifacts in Google Cloud Storage.
package gcs

import (
	"context"
	"fmt"

	"cloud.google.com/go/storage"
)

// BlobStore implements catalog.BlobStore over a GCS bucket.
type BlobStore struct {
	client *storage.Client
	bucket string
}

// New creates a BlobStore writing into bucket.
func New(client *storage.Client, bucket string) *BlobStore {
	return &BlobStore{client: client, bucket: bucket}
}

// PutObject writes the data under path and returns the gs:// URI.
func (s *BlobStore) PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error) {
	w := s.client.Bucket(s.bucket).Object(path).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := w.Write(data); err != nil {
		w.Close()
		return "", fmt.Errorf("write gs://%s/%s: %w", s.bucket, path, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("flush gs://%s/%s: %w", s.bucket, path, err)
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, path), nil
}
