package s3

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scrape-orchestrator/internal/upload"
)

func TestBackendPut(t *testing.T) {
	t.Parallel()

	type request struct {
		method string
		path   string
		digest string
		body   string
	}
	seen := make(chan request, 4)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		seen <- request{
			method: r.Method,
			path:   r.URL.Path,
			digest: r.Header.Get("X-Amz-Meta-Sha256"),
			body:   string(body),
		}
		w.Header().Set("ETag", `"d41d8cd98f00b204e9800998ecf8427e"`)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)

	backend, err := New(Config{
		Endpoint:  strings.TrimPrefix(server.URL, "http://"),
		Region:    "us-east-1",
		AccessKey: "key",
		SecretKey: "secret",
		Bucket:    "scrapes",
	})
	require.NoError(t, err)
	require.Equal(t, "s3", backend.Name())

	payload := "hello artifact"
	url, err := backend.Put(context.Background(), upload.Object{
		Key:         "20240501_120000_job-1/items.jsonl",
		ContentType: "application/x-ndjson",
		Size:        int64(len(payload)),
		SHA256:      "abc123",
		Body:        strings.NewReader(payload),
	})
	require.NoError(t, err)
	require.Equal(t, "s3://scrapes/20240501_120000_job-1/items.jsonl", url)

	got := <-seen
	require.Equal(t, http.MethodPut, got.method)
	require.Equal(t, "/scrapes/20240501_120000_job-1/items.jsonl", got.path)
	require.Equal(t, "abc123", got.digest)
	require.Contains(t, got.body, payload)
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Bucket: "b"})
	require.Error(t, err)
	_, err = New(Config{Endpoint: "localhost:9000"})
	require.Error(t, err)
}
