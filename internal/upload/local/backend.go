// Package local implements an upload backend on the local filesystem, useful
// for development and for mirroring to a mounted volume.
package local

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/JakeFAU/scrape-orchestrator/internal/upload"
)

// Config captures the parameters for the local filesystem backend.
type Config struct {
	// BaseDir is the root directory where objects are written. Buckets become
	// its first-level directories.
	BaseDir string `mapstructure:"base_dir"`
	Bucket  string `mapstructure:"bucket"`
}

// Backend writes objects to the local filesystem.
type Backend struct {
	baseDir string
	bucket  string
}

// New creates the backend, making sure the base directory exists and is writable.
func New(cfg Config) (*Backend, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}

	info, err := os.Stat(cfg.BaseDir)
	switch {
	case os.IsNotExist(err):
		if mkErr := os.MkdirAll(cfg.BaseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("failed to create base directory: %w", mkErr)
		}
	case err != nil:
		return nil, fmt.Errorf("failed to stat base directory: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("base directory path is not a directory")
	}

	testFile := filepath.Join(cfg.BaseDir, ".writable_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := os.Remove(testFile); err != nil {
		return nil, fmt.Errorf("failed to clean up test file: %w", err)
	}
	return &Backend{baseDir: cfg.BaseDir, bucket: cfg.Bucket}, nil
}

// Name implements upload.Backend.
func (b *Backend) Name() string {
	return "local"
}

// Put copies obj under {base}/{bucket}/{key} and returns a file:// URI. The
// digest is written next to the object as {key}.sha256.
func (b *Backend) Put(_ context.Context, obj upload.Object) (string, error) {
	if strings.TrimSpace(obj.Key) == "" {
		return "", fmt.Errorf("object key is required")
	}
	bucket := obj.Bucket
	if bucket == "" {
		bucket = b.bucket
	}
	root := filepath.Clean(filepath.Join(b.baseDir, bucket))
	fullPath := filepath.Clean(filepath.Join(root, filepath.FromSlash(obj.Key)))
	if !strings.HasPrefix(fullPath, root+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected")
	}
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o750); err != nil {
		return "", fmt.Errorf("failed to create parent directories: %w", err)
	}

	f, err := os.OpenFile(fullPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return "", fmt.Errorf("failed to create file: %w", err)
	}
	if _, err := io.Copy(f, obj.Body); err != nil {
		_ = f.Close()
		return "", fmt.Errorf("failed to write file: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("failed to close file: %w", err)
	}
	if obj.SHA256 != "" {
		if err := os.WriteFile(fullPath+"."+upload.DigestMetadataKey, []byte(obj.SHA256+"\n"), 0o600); err != nil {
			return "", fmt.Errorf("failed to write digest: %w", err)
		}
	}
	return "file://" + filepath.ToSlash(fullPath), nil
}
