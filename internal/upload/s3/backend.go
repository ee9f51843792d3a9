// Package s3 uploads job artifacts to S3-compatible object storage.
package s3

import (
	"context"
	"fmt"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/JakeFAU/scrape-orchestrator/internal/upload"
)

// Config describes the S3 endpoint and default bucket.
type Config struct {
	Endpoint  string `mapstructure:"endpoint"`
	Region    string `mapstructure:"region"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	Bucket    string `mapstructure:"bucket"`
}

// Backend writes artifacts through a MinIO client.
type Backend struct {
	client *minio.Client
	bucket string
}

// New dials nothing; the client connects lazily on first Put.
func New(cfg Config) (*Backend, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, fmt.Errorf("s3 endpoint is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
	}
	return &Backend{client: client, bucket: cfg.Bucket}, nil
}

// Name implements upload.Backend.
func (b *Backend) Name() string {
	return "s3"
}

// Put uploads obj and returns its s3:// URI.
func (b *Backend) Put(ctx context.Context, obj upload.Object) (string, error) {
	if strings.TrimSpace(obj.Key) == "" {
		return "", fmt.Errorf("object key is required")
	}
	bucket := obj.Bucket
	if bucket == "" {
		bucket = b.bucket
	}
	opts := minio.PutObjectOptions{ContentType: obj.ContentType}
	if obj.SHA256 != "" {
		opts.UserMetadata = map[string]string{upload.DigestMetadataKey: obj.SHA256}
	}
	if _, err := b.client.PutObject(ctx, bucket, obj.Key, obj.Body, obj.Size, opts); err != nil {
		return "", fmt.Errorf("put object %s/%s: %w", bucket, obj.Key, err)
	}
	return fmt.Sprintf("s3://%s/%s", bucket, obj.Key), nil
}
