package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scrape-orchestrator/internal/config"
	"github.com/JakeFAU/scrape-orchestrator/internal/job"
	"github.com/JakeFAU/scrape-orchestrator/internal/lifecycle"
	"github.com/JakeFAU/scrape-orchestrator/internal/pipeline"
	"github.com/JakeFAU/scrape-orchestrator/internal/progress"
	"github.com/JakeFAU/scrape-orchestrator/internal/results"
	"github.com/JakeFAU/scrape-orchestrator/internal/storage/memory"
)

type fakeClock struct{ now time.Time }

func (c fakeClock) Now() time.Time { return c.now }

type fakeIDs struct {
	mu sync.Mutex
	n  int
}

func (g *fakeIDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("job-%d", g.n), nil
}

type fakeSubmitter struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (s *fakeSubmitter) Submit(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.ids = append(s.ids, jobID)
	return nil
}

func (s *fakeSubmitter) submitted() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ids...)
}

type harness struct {
	store    *memory.JobStore
	reporter *progress.Reporter
	controls *pipeline.Controls
	queue    *fakeSubmitter
	baseDir  string
	server   *Server
}

func newHarness(t *testing.T, auth config.AuthConfig) *harness {
	t.Helper()
	store := memory.NewJobStore()
	clock := fakeClock{now: time.Date(2024, 6, 20, 12, 0, 0, 0, time.UTC)}
	base := t.TempDir()
	h := &harness{
		store:    store,
		reporter: progress.NewReporter(store, clock, nil, nil),
		controls: pipeline.NewControls(),
		queue:    &fakeSubmitter{},
		baseDir:  base,
	}
	h.server = NewServer(Deps{
		Store:     store,
		Reporter:  h.reporter,
		Controls:  h.controls,
		Queue:     h.queue,
		Results:   results.NewCollector(store, base, 10, nil),
		Lifecycle: lifecycle.NewManager(store, clock, lifecycle.Config{BaseDir: base}, nil),
		IDs:       &fakeIDs{},
		Clock:     clock,
	}, Options{Auth: auth})
	return h
}

func (h *harness) do(t *testing.T, method, target, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (h *harness) seed(t *testing.T, id, owner string) job.Job {
	t.Helper()
	j, err := job.New(job.NewParams{
		ID:        id,
		Name:      "seed " + id,
		CreatedBy: owner,
		Config:    job.Config{StartURLs: []string{"https://shop.example"}},
		CreatedAt: time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.NoError(t, h.store.CreateJob(context.Background(), j))
	return j
}

type envelope struct {
	Data          json.RawMessage `json:"data"`
	Error         string          `json:"error"`
	Details       []string        `json:"details"`
	CurrentStatus job.Status      `json:"currentStatus"`
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return env
}

func TestHealthAndReady(t *testing.T) {
	t.Parallel()

	h := newHarness(t, config.AuthConfig{})
	require.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/healthz", "", nil).Code)
	require.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/readyz", "", nil).Code)

	h.server.deps.Ready = func(context.Context) error { return errors.New("db down") }
	rec := h.do(t, http.MethodGet, "/readyz", "", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "db down")
}

func TestCreateJobQueuesByDefault(t *testing.T) {
	t.Parallel()

	h := newHarness(t, config.AuthConfig{})
	rec := h.do(t, http.MethodPost, "/api/v1/jobs", "alice", map[string]any{
		"name":   "Shoes",
		"config": map[string]any{"startUrls": []string{"https://shop.example/shoes"}, "maxPages": 10},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp createJobResponse
	require.NoError(t, json.Unmarshal(decode(t, rec).Data, &resp))
	require.Equal(t, "job-1", resp.JobID)
	require.Equal(t, job.StatusPending, resp.Status)
	require.Equal(t, "20240620_120000_job-1", resp.FolderName)
	require.Equal(t, 30, resp.EstimatedDuration)
	require.True(t, resp.Queued)
	require.Equal(t, []string{"job-1"}, h.queue.submitted())

	stored, err := h.store.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, "alice", stored.CreatedBy)
	require.Equal(t, job.DefaultCrawlDepth, stored.Config.CrawlDepth)
}

func TestCreateJobWithoutAutoStart(t *testing.T) {
	t.Parallel()

	h := newHarness(t, config.AuthConfig{})
	rec := h.do(t, http.MethodPost, "/api/v1/jobs", "", map[string]any{
		"name":      "Later",
		"autoStart": false,
		"config":    map[string]any{"startUrls": []string{"https://shop.example"}},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Empty(t, h.queue.submitted())

	stored, err := h.store.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, anonymousUser, stored.CreatedBy)
}

func TestCreateJobQueueFullKeepsJobPending(t *testing.T) {
	t.Parallel()

	h := newHarness(t, config.AuthConfig{})
	h.queue.err = errors.New("queue full")
	rec := h.do(t, http.MethodPost, "/api/v1/jobs", "", map[string]any{
		"name":   "Busy",
		"config": map[string]any{"startUrls": []string{"https://shop.example"}},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp createJobResponse
	require.NoError(t, json.Unmarshal(decode(t, rec).Data, &resp))
	require.False(t, resp.Queued)
	require.Equal(t, job.StatusPending, resp.Status)
}

func TestCreateJobValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body any
		want string
	}{
		{"missing name", map[string]any{"config": map[string]any{"startUrls": []string{"https://a.example"}}}, "name: failed required"},
		{"no urls", map[string]any{"name": "x", "config": map[string]any{}}, "config.startUrls: failed min=1"},
		{"bad url", map[string]any{"name": "x", "config": map[string]any{"startUrls": []string{"not a url"}}}, "config.startUrls[0]: failed url"},
		{"depth too deep", map[string]any{"name": "x", "config": map[string]any{"startUrls": []string{"https://a.example"}, "crawlDepth": 11}}, "config.crawlDepth: failed max=10"},
		{"unknown type", map[string]any{"name": "x", "type": "ftp", "config": map[string]any{"startUrls": []string{"https://a.example"}}}, "type: failed oneof=web"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, config.AuthConfig{})
			rec := h.do(t, http.MethodPost, "/api/v1/jobs", "", tt.body)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			env := decode(t, rec)
			require.Equal(t, "validation failed", env.Error)
			require.Contains(t, env.Details, tt.want)
		})
	}

	h := newHarness(t, config.AuthConfig{})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", bytes.NewBufferString("{"))
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListJobsScopesToCaller(t *testing.T) {
	t.Parallel()

	h := newHarness(t, config.AuthConfig{AdminAPIKey: "root"})
	h.seed(t, "a1", "alice")
	h.seed(t, "a2", "alice")
	h.seed(t, "b1", "bob")

	rec := h.do(t, http.MethodGet, "/api/v1/jobs?limit=1", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Jobs       []job.Job  `json:"jobs"`
		Pagination pagination `json:"pagination"`
	}
	require.NoError(t, json.Unmarshal(decode(t, rec).Data, &body))
	require.Len(t, body.Jobs, 1)
	require.Equal(t, pagination{Total: 2, Limit: 1, Offset: 0, HasMore: true}, body.Pagination)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs", nil)
	req.Header.Set("X-API-Key", "root")
	adminRec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(adminRec, req)
	require.Equal(t, http.StatusOK, adminRec.Code)
	require.NoError(t, json.Unmarshal(decode(t, adminRec).Data, &body))
	require.Equal(t, 3, body.Pagination.Total)

	require.Equal(t, http.StatusBadRequest, h.do(t, http.MethodGet, "/api/v1/jobs?status=bogus", "alice", nil).Code)
}

func TestGetJobHidesOtherOwners(t *testing.T) {
	t.Parallel()

	h := newHarness(t, config.AuthConfig{})
	h.seed(t, "a1", "alice")

	rec := h.do(t, http.MethodGet, "/api/v1/jobs/a1", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got job.Job
	require.NoError(t, json.Unmarshal(decode(t, rec).Data, &got))
	require.Equal(t, "a1", got.ID)

	require.Equal(t, http.StatusNotFound, h.do(t, http.MethodGet, "/api/v1/jobs/a1", "bob", nil).Code)
	require.Equal(t, http.StatusNotFound, h.do(t, http.MethodGet, "/api/v1/jobs/missing", "alice", nil).Code)
}

func TestStatisticsScopesToCaller(t *testing.T) {
	t.Parallel()

	h := newHarness(t, config.AuthConfig{})
	h.seed(t, "a1", "alice")
	h.seed(t, "b1", "bob")

	rec := h.do(t, http.MethodGet, "/api/v1/jobs/statistics", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats struct {
		TotalJobs int                `json:"totalJobs"`
		ByStatus  map[job.Status]int `json:"byStatus"`
	}
	require.NoError(t, json.Unmarshal(decode(t, rec).Data, &stats))
	require.Equal(t, 1, stats.TotalJobs)
	require.Equal(t, 1, stats.ByStatus[job.StatusPending])
}

func TestControlPauseSignalsRunningJob(t *testing.T) {
	t.Parallel()

	h := newHarness(t, config.AuthConfig{})
	h.seed(t, "a1", "alice")
	_, err := h.reporter.Transition(context.Background(), "a1", job.ActionStart, nil)
	require.NoError(t, err)
	ctl := h.controls.Register("a1")

	rec := h.do(t, http.MethodPost, "/api/v1/jobs/a1/control", "alice", map[string]string{"action": "pause"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp controlResponse
	require.NoError(t, json.Unmarshal(decode(t, rec).Data, &resp))
	require.Equal(t, job.StatusPaused, resp.Status)
	require.True(t, ctl.Paused())

	rec = h.do(t, http.MethodPost, "/api/v1/jobs/a1/control", "alice", map[string]string{"action": "resume"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.False(t, ctl.Paused())
}

func TestControlRejections(t *testing.T) {
	t.Parallel()

	h := newHarness(t, config.AuthConfig{})
	h.seed(t, "a1", "alice")

	rec := h.do(t, http.MethodPost, "/api/v1/jobs/a1/control", "alice", map[string]string{"action": "pause"})
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, job.StatusPending, decode(t, rec).CurrentStatus)

	rec = h.do(t, http.MethodPost, "/api/v1/jobs/a1/control", "alice", map[string]string{"action": "complete"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/v1/jobs/a1/control", "alice", map[string]string{"action": "start"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []string{"a1"}, h.queue.submitted())

	_, err := h.reporter.Transition(context.Background(), "a1", job.ActionCancel, nil)
	require.NoError(t, err)
	rec = h.do(t, http.MethodPost, "/api/v1/jobs/a1/control", "alice", map[string]string{"action": "start"})
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, job.StatusCancelled, decode(t, rec).CurrentStatus)
}

func TestJobLogsFiltersByLevel(t *testing.T) {
	t.Parallel()

	h := newHarness(t, config.AuthConfig{})
	h.seed(t, "a1", "alice")
	ctx := context.Background()
	base := time.Date(2024, 6, 20, 10, 0, 0, 0, time.UTC)
	require.NoError(t, h.store.AppendLog(ctx, job.LogEntry{JobID: "a1", Timestamp: base, Level: job.LevelInfo, Message: "started"}))
	require.NoError(t, h.store.AppendLog(ctx, job.LogEntry{JobID: "a1", Timestamp: base.Add(time.Second), Level: job.LevelError, Message: "boom"}))

	rec := h.do(t, http.MethodGet, "/api/v1/jobs/a1/logs?level=error", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Logs       []job.LogEntry `json:"logs"`
		Pagination pagination     `json:"pagination"`
	}
	require.NoError(t, json.Unmarshal(decode(t, rec).Data, &body))
	require.Len(t, body.Logs, 1)
	require.Equal(t, "boom", body.Logs[0].Message)
	require.Equal(t, 100, body.Pagination.Limit)

	require.Equal(t, http.StatusBadRequest, h.do(t, http.MethodGet, "/api/v1/jobs/a1/logs?level=loud", "alice", nil).Code)
}

func TestJobResultsPagesAndDownloads(t *testing.T) {
	t.Parallel()

	h := newHarness(t, config.AuthConfig{})
	h.seed(t, "a1", "alice")
	h.seed(t, "a2", "alice")
	_, err := h.store.AppendResults(context.Background(), "a1", []job.ResultItem{
		{SourceURL: "https://shop.example/1", Payload: json.RawMessage(`{"name":"one"}`)},
		{SourceURL: "https://shop.example/2", Payload: json.RawMessage(`{"name":"two"}`)},
	})
	require.NoError(t, err)

	rec := h.do(t, http.MethodGet, "/api/v1/jobs/a1/results?limit=1", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		ItemsCount int              `json:"itemsCount"`
		Results    []job.ResultItem `json:"results"`
		ExportURL  string           `json:"exportUrl"`
	}
	require.NoError(t, json.Unmarshal(decode(t, rec).Data, &body))
	require.Equal(t, 2, body.ItemsCount)
	require.Len(t, body.Results, 1)
	require.Equal(t, "/api/v1/jobs/a1/results?download=true&format=json", body.ExportURL)

	rec = h.do(t, http.MethodGet, "/api/v1/jobs/a2/results", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotContains(t, rec.Body.String(), "exportUrl")

	rec = h.do(t, http.MethodGet, "/api/v1/jobs/a1/results?download=true", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	require.Contains(t, rec.Header().Get("Content-Disposition"), "attachment")
	var exported []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &exported))
	require.Len(t, exported, 2)

	require.Equal(t, http.StatusBadRequest, h.do(t, http.MethodGet, "/api/v1/jobs/a1/results?format=xml", "alice", nil).Code)
}

func TestDeleteJob(t *testing.T) {
	t.Parallel()

	h := newHarness(t, config.AuthConfig{})
	j := h.seed(t, "a1", "alice")
	_, err := h.reporter.Transition(context.Background(), "a1", job.ActionStart, nil)
	require.NoError(t, err)

	rec := h.do(t, http.MethodDelete, "/api/v1/jobs/a1", "alice", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, job.StatusRunning, decode(t, rec).CurrentStatus)

	_, err = h.reporter.Transition(context.Background(), "a1", job.ActionCancel, nil)
	require.NoError(t, err)
	dir := filepath.Join(h.baseDir, filepath.FromSlash(job.ActiveDir(j.FolderName)))
	require.NoError(t, os.MkdirAll(dir, 0o750))

	rec = h.do(t, http.MethodDelete, "/api/v1/jobs/a1", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	_, err = h.store.GetJob(context.Background(), "a1")
	require.ErrorIs(t, err, job.ErrNotFound)
	_, err = os.Stat(dir)
	require.True(t, os.IsNotExist(err))
}

func TestAuthAndAdminGuards(t *testing.T) {
	t.Parallel()

	h := newHarness(t, config.AuthConfig{Enabled: true, APIKey: "user-key", AdminAPIKey: "admin-key"})

	require.Equal(t, http.StatusUnauthorized, h.do(t, http.MethodGet, "/api/v1/jobs", "", nil).Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs?api_key=user-key", nil)
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/maintenance/storage-stats", nil)
	req.Header.Set("X-API-Key", "user-key")
	rec = httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/maintenance/storage-stats", nil)
	req.Header.Set("X-API-Key", "admin-key")
	rec = httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	require.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/healthz", "", nil).Code)
}

func (h *harness) admin(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("X-API-Key", "root")
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestMaintenanceEndpoints(t *testing.T) {
	t.Parallel()

	h := newHarness(t, config.AuthConfig{AdminAPIKey: "root"})
	h.seed(t, "a1", "alice")

	rec := h.admin(t, http.MethodPost, "/api/v1/maintenance/archive", map[string]any{"days": 400})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.admin(t, http.MethodPost, "/api/v1/maintenance/archive", map[string]any{"dryRun": true})
	require.Equal(t, http.StatusOK, rec.Code)
	var sweep lifecycle.SweepResult
	require.NoError(t, json.Unmarshal(decode(t, rec).Data, &sweep))
	require.True(t, sweep.DryRun)
	require.Zero(t, sweep.Processed)

	rec = h.admin(t, http.MethodPost, "/api/v1/maintenance/cleanup", map[string]any{"strategy": "shred"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	require.Equal(t, http.StatusNotFound, h.admin(t, http.MethodPost, "/api/v1/maintenance/restore/missing", nil).Code)
	require.Equal(t, http.StatusBadRequest, h.admin(t, http.MethodPost, "/api/v1/maintenance/restore/a1", nil).Code)

	rec = h.admin(t, http.MethodGet, "/api/v1/maintenance/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"status":"healthy"`)
	require.Contains(t, rec.Body.String(), `"schedulerRunning":false`)
}
