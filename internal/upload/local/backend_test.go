package local_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scrape-orchestrator/internal/upload"
	"github.com/JakeFAU/scrape-orchestrator/internal/upload/local"
)

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("CreatesMissingDir", func(t *testing.T) {
		t.Parallel()
		dir := filepath.Join(t.TempDir(), "nested", "remote")
		_, err := local.New(local.Config{BaseDir: dir})
		require.NoError(t, err)
		require.DirExists(t, dir)
	})

	t.Run("MissingBaseDir", func(t *testing.T) {
		t.Parallel()
		_, err := local.New(local.Config{})
		require.Error(t, err)
	})

	t.Run("BaseDirIsAFile", func(t *testing.T) {
		t.Parallel()
		file := filepath.Join(t.TempDir(), "file")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
		_, err := local.New(local.Config{BaseDir: file})
		require.Error(t, err)
	})
}

func TestBackendPut(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	backend, err := local.New(local.Config{BaseDir: base, Bucket: "scrapes"})
	require.NoError(t, err)

	url, err := backend.Put(context.Background(), upload.Object{
		Key:    "team/20240501_120000_job-1/results.json",
		SHA256: "abc123",
		Body:   strings.NewReader(`[]`),
	})
	require.NoError(t, err)

	want := filepath.Join(base, "scrapes", "team", "20240501_120000_job-1", "results.json")
	require.Equal(t, "file://"+filepath.ToSlash(want), url)
	data, err := os.ReadFile(want)
	require.NoError(t, err)
	require.Equal(t, `[]`, string(data))
	digest, err := os.ReadFile(want + ".sha256")
	require.NoError(t, err)
	require.Equal(t, "abc123\n", string(digest))
}

func TestBackendPutRejectsTraversal(t *testing.T) {
	t.Parallel()

	backend, err := local.New(local.Config{BaseDir: t.TempDir(), Bucket: "scrapes"})
	require.NoError(t, err)
	_, err = backend.Put(context.Background(), upload.Object{Key: "../../etc/passwd", Body: strings.NewReader("x")})
	require.ErrorContains(t, err, "path traversal")
}
