package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-orchestrator/internal/config"
	"github.com/JakeFAU/scrape-orchestrator/internal/job"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	dir := t.TempDir()
	cfg.Server.Port = 0
	cfg.Storage.BaseDir = filepath.Join(dir, "data")
	cfg.Upload.Local.BaseDir = filepath.Join(dir, "uploads")
	cfg.Lifecycle.Enabled = true
	return cfg
}

func newTestApp(t *testing.T, cfg config.Config) *App {
	t.Helper()
	a, err := New(context.Background(), cfg, zap.NewNop(), prometheus.NewRegistry())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, a.Close(context.Background())) })
	return a
}

func TestNewWiresMemoryStack(t *testing.T) {
	t.Parallel()

	a := newTestApp(t, testConfig(t))
	require.NotNil(t, a.Store())
	require.NotNil(t, a.Lifecycle())
	require.NotNil(t, a.uploader, "local backend is always available for per-job uploads")
	require.NotNil(t, a.scheduler)
	require.Equal(t, "0 2 * * *", a.scheduler.Entries()[0].Schedule)

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestNewCreatesJobsThroughAPI(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	a := newTestApp(t, cfg)

	body := `{"name":"shoes","config":{"startUrls":["https://shop.example"]},"autoStart":false}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", strings.NewReader(body))
	req.Header.Set("X-User-ID", "alice")
	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	jobs, total, err := a.Store().ListJobs(context.Background(), job.ListFilter{CreatedBy: "alice"})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Equal(t, job.StatusPending, jobs[0].Status)
}

func TestNewSkipsRemoteUploaderWhenDisabled(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Upload.Enabled = false
	cfg.Upload.Backend = "gcs"
	cfg.Lifecycle.Enabled = false

	a := newTestApp(t, cfg)
	require.Nil(t, a.uploader)
	require.Nil(t, a.scheduler)
}

func TestNewRejectsUnknownDriver(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Storage.Driver = "sqlite"
	_, err := New(context.Background(), cfg, nil, prometheus.NewRegistry())
	require.ErrorContains(t, err, "unknown storage driver")
}

func TestRecoverOrphansFailsRunningJobs(t *testing.T) {
	t.Parallel()

	a := newTestApp(t, testConfig(t))
	ctx := context.Background()
	j, err := job.New(job.NewParams{
		ID:        "orphan",
		Name:      "orphan",
		Config:    job.Config{StartURLs: []string{"https://shop.example"}},
		CreatedAt: time.Now(),
	})
	require.NoError(t, err)
	require.NoError(t, a.Store().CreateJob(ctx, j))
	_, err = a.reporter.Transition(ctx, "orphan", job.ActionStart, nil)
	require.NoError(t, err)

	n, err := a.RecoverOrphans(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := a.Store().GetJob(ctx, "orphan")
	require.NoError(t, err)
	require.Equal(t, job.StatusFailed, got.Status)
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	a := newTestApp(t, testConfig(t))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
