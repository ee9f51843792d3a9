// Package gcs uploads job artifacts to Google Cloud Storage.
package gcs

import (
	"context"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"

	"github.com/JakeFAU/scrape-orchestrator/internal/upload"
)

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket string
}

// Backend writes artifacts to a GCS bucket.
type Backend struct {
	client *storage.Client
	bucket string
}

// New creates a GCS backend. Objects without an explicit bucket go to cfg.Bucket.
func New(client *storage.Client, cfg Config) (*Backend, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &Backend{client: client, bucket: cfg.Bucket}, nil
}

// Name implements upload.Backend.
func (b *Backend) Name() string {
	return "gcs"
}

// Put uploads obj and returns its gs:// URI.
func (b *Backend) Put(ctx context.Context, obj upload.Object) (string, error) {
	if strings.TrimSpace(obj.Key) == "" {
		return "", fmt.Errorf("object key is required")
	}
	bucket := obj.Bucket
	if bucket == "" {
		bucket = b.bucket
	}
	writer := b.client.Bucket(bucket).Object(obj.Key).NewWriter(ctx)
	writer.ContentType = obj.ContentType
	if obj.SHA256 != "" {
		writer.Metadata = map[string]string{upload.DigestMetadataKey: obj.SHA256}
	}
	if _, err := io.Copy(writer, obj.Body); err != nil {
		if closeErr := writer.Close(); closeErr != nil {
			return "", fmt.Errorf("copy object: %w (close writer: %v)", err, closeErr)
		}
		return "", fmt.Errorf("copy object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close writer: %w", err)
	}
	return fmt.Sprintf("gs://%s/%s", bucket, obj.Key), nil
}
