package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scrape-orchestrator/internal/extract"
	"github.com/JakeFAU/scrape-orchestrator/internal/job"
	"github.com/JakeFAU/scrape-orchestrator/internal/progress"
	"github.com/JakeFAU/scrape-orchestrator/internal/results"
	"github.com/JakeFAU/scrape-orchestrator/internal/storage/memory"
)

// fakeSite serves a fixed catalogue: start URL -> categories -> items.
type fakeSite struct {
	mu         sync.Mutex
	categories map[string][]extract.Link
	items      map[string][]string
	fields     map[string]map[string]string
	transient  map[string]int
	timeouts   map[string]int
	permanent  map[string]bool
	documents  map[string][]extract.Link
	calls      map[string]int
	onItem     func(itemURL string, n int)
	itemCalls  int
}

func newFakeSite() *fakeSite {
	return &fakeSite{
		categories: make(map[string][]extract.Link),
		items:      make(map[string][]string),
		fields:     make(map[string]map[string]string),
		transient:  make(map[string]int),
		timeouts:   make(map[string]int),
		permanent:  make(map[string]bool),
		documents:  make(map[string][]extract.Link),
		calls:      make(map[string]int),
	}
}

func (s *fakeSite) DiscoverCategories(_ context.Context, _ job.Config, startURL string) (extract.Discovery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[startURL]++
	return extract.Discovery{Categories: s.categories[startURL], Bytes: 10}, nil
}

func (s *fakeSite) CollectItemURLs(_ context.Context, _ job.Config, category extract.Link) (extract.Collection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[category.URL]++
	return extract.Collection{URLs: s.items[category.URL], Bytes: 20}, nil
}

func (s *fakeSite) ExtractItem(_ context.Context, _ job.Config, itemURL string) (extract.Item, error) {
	s.mu.Lock()
	s.calls[itemURL]++
	if s.permanent[itemURL] {
		s.mu.Unlock()
		return extract.Item{}, extract.Permanent(errors.New("status 404"))
	}
	if s.transient[itemURL] > 0 {
		s.transient[itemURL]--
		s.mu.Unlock()
		return extract.Item{}, errors.New("connection reset by peer")
	}
	if s.timeouts[itemURL] > 0 {
		s.timeouts[itemURL]--
		s.mu.Unlock()
		return extract.Item{}, fmt.Errorf("fetch %s: %w", itemURL, context.DeadlineExceeded)
	}
	s.itemCalls++
	n := s.itemCalls
	hook := s.onItem
	fields := s.fields[itemURL]
	s.mu.Unlock()

	if hook != nil {
		hook(itemURL, n)
	}
	return extract.Item{SourceURL: itemURL, Fields: fields, Bytes: 100}, nil
}

func (s *fakeSite) ExtractDocuments(_ context.Context, _ job.Config, itemURL string) ([]extract.Link, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.documents[itemURL], nil
}

func (s *fakeSite) FetchDocument(_ context.Context, _ job.Config, doc extract.Link) (extract.Document, error) {
	return extract.Document{URL: doc.URL, ContentType: "application/pdf", Body: []byte("%PDF-" + doc.URL)}, nil
}

func (s *fakeSite) extracted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.itemCalls
}

func (s *fakeSite) callCount(u string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[u]
}

// catalogue builds len(starts) start URLs, one category each, with the given
// number of items spread round robin. Items listed in missingName have no name.
func catalogue(starts, items int, missingName ...int) (*fakeSite, []string) {
	site := newFakeSite()
	var startURLs []string
	for i := 0; i < starts; i++ {
		start := fmt.Sprintf("https://shop.example/s%d", i)
		cat := fmt.Sprintf("https://shop.example/c%d", i)
		startURLs = append(startURLs, start)
		site.categories[start] = []extract.Link{{URL: cat, Name: fmt.Sprintf("cat %d", i)}}
	}
	skip := make(map[int]bool)
	for _, m := range missingName {
		skip[m] = true
	}
	for i := 0; i < items; i++ {
		cat := fmt.Sprintf("https://shop.example/c%d", i%starts)
		itemURL := fmt.Sprintf("https://shop.example/item/%d", i)
		site.items[cat] = append(site.items[cat], itemURL)
		fields := map[string]string{"price": fmt.Sprintf("%d.99", i)}
		if !skip[i] {
			fields["name"] = fmt.Sprintf("item %d", i)
		}
		site.fields[itemURL] = fields
	}
	return site, startURLs
}

type harness struct {
	store     *memory.JobStore
	reporter  *progress.Reporter
	collector *results.Collector
	exec      *Executor
	job       job.Job
}

func newHarness(t *testing.T, site extract.Capability, cfg job.Config) *harness {
	t.Helper()
	store := memory.NewJobStore()
	reporter := progress.NewReporter(store, nil, nil, nil)
	collector := results.NewCollector(store, t.TempDir(), 3, nil)
	registry := extractRegistry(site)

	cfg.RateLimit = job.RateLimit{Requests: 1000, Per: "second"}
	j, err := job.New(job.NewParams{
		ID:        "job-1",
		Name:      "catalogue",
		Config:    cfg,
		CreatedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, store.CreateJob(ctx, j))
	j, err = reporter.Transition(ctx, j.ID, job.ActionStart, nil)
	require.NoError(t, err)

	exec := NewExecutor(registry, reporter, collector, Options{
		Retry: RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
	})
	return &harness{store: store, reporter: reporter, collector: collector, exec: exec, job: j}
}

func extractRegistry(site extract.Capability) *extract.Registry {
	registry := extract.NewRegistry()
	registry.Register(job.TypeWeb, site)
	return registry
}

func (h *harness) load(t *testing.T) job.Job {
	t.Helper()
	j, err := h.store.GetJob(context.Background(), h.job.ID)
	require.NoError(t, err)
	return j
}

func (h *harness) results(t *testing.T) []job.ResultItem {
	t.Helper()
	items, _, err := h.store.ListResults(context.Background(), h.job.ID, 0, 0)
	require.NoError(t, err)
	return items
}

func TestRunCompletesAndSkipsMalformedItems(t *testing.T) {
	t.Parallel()

	site, starts := catalogue(3, 10, 2, 7)
	h := newHarness(t, site, job.Config{StartURLs: starts})

	out, err := h.exec.Run(context.Background(), h.job, nil)
	require.NoError(t, err)
	require.Equal(t, job.StatusCompleted, out.Status)
	require.EqualValues(t, 8, out.Items)
	require.EqualValues(t, 2, out.Errors)

	got := h.load(t)
	require.Equal(t, job.StatusCompleted, got.Status)
	require.EqualValues(t, 8, got.Stats.ItemsExtracted)
	require.EqualValues(t, 2, got.Stats.Errors)
	require.EqualValues(t, 3, got.Stats.CategoriesFound)
	require.EqualValues(t, 3*10+3*20+8*100, got.Stats.BytesDownloaded)
	require.Equal(t, job.PhaseDone, got.Progress.Phase)
	require.InDelta(t, 100, got.Progress.Percentage, 0.001)
	require.NotNil(t, got.Progress.TotalPages)
	require.Equal(t, 10, *got.Progress.TotalPages)
	require.Len(t, h.results(t), 8)

	logs, _, err := h.store.ListLogs(context.Background(), h.job.ID, job.LogFilter{Level: job.LevelWarn})
	require.NoError(t, err)
	require.Len(t, logs, 2)
	var units []any
	for _, entry := range logs {
		require.Equal(t, "name", entry.Metadata["field"])
		units = append(units, entry.Metadata["unit"])
	}
	require.ElementsMatch(t, []any{"https://shop.example/item/2", "https://shop.example/item/7"}, units)

	dir := h.collector.JobDir(h.job.FolderName)
	require.Equal(t, filepath.Join(dir, "results.json"), out.ResultsPath)
	raw, err := os.ReadFile(out.ResultsPath)
	require.NoError(t, err)
	var exported []map[string]any
	require.NoError(t, json.Unmarshal(raw, &exported))
	require.Len(t, exported, 8)
	require.FileExists(t, filepath.Join(dir, results.CategoriesFile))
	require.FileExists(t, filepath.Join(dir, results.ItemURLsFile))
}

func TestRunWarnsWhenFewerCategoriesThanStartURLs(t *testing.T) {
	t.Parallel()

	site, starts := catalogue(2, 4)
	starts = append(starts, "https://shop.example/empty")
	h := newHarness(t, site, job.Config{StartURLs: starts})

	out, err := h.exec.Run(context.Background(), h.job, nil)
	require.NoError(t, err)
	require.Equal(t, job.StatusCompleted, out.Status)

	logs, _, err := h.store.ListLogs(context.Background(), h.job.ID, job.LogFilter{Level: job.LevelWarn})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	require.Equal(t, "fewer categories than start URLs", logs[0].Message)
}

func TestRunFailsWithoutCategories(t *testing.T) {
	t.Parallel()

	site := newFakeSite()
	h := newHarness(t, site, job.Config{StartURLs: []string{"https://shop.example/"}})

	out, err := h.exec.Run(context.Background(), h.job, nil)
	require.NoError(t, err)
	require.Equal(t, job.StatusFailed, out.Status)

	got := h.load(t)
	require.Equal(t, job.StatusFailed, got.Status)
	require.NotNil(t, got.Error)
	require.Equal(t, job.ErrorCodeSetup, got.Error.Code)
	require.Equal(t, job.PhaseDiscoverCategories, got.Error.Phase)
	require.Empty(t, h.results(t))
}

func TestRunFailsForUnknownClient(t *testing.T) {
	t.Parallel()

	site, starts := catalogue(1, 1)
	h := newHarness(t, site, job.Config{StartURLs: starts, Client: "missing"})

	out, err := h.exec.Run(context.Background(), h.job, nil)
	require.NoError(t, err)
	require.Equal(t, job.StatusFailed, out.Status)
	require.Equal(t, job.ErrorCodeSetup, h.load(t).Error.Code)
}

func TestRunRetriesTransientErrors(t *testing.T) {
	t.Parallel()

	site, starts := catalogue(1, 3)
	site.transient["https://shop.example/item/1"] = 2
	site.permanent["https://shop.example/item/2"] = true
	h := newHarness(t, site, job.Config{StartURLs: starts})

	out, err := h.exec.Run(context.Background(), h.job, nil)
	require.NoError(t, err)
	require.Equal(t, job.StatusCompleted, out.Status)

	got := h.load(t)
	require.EqualValues(t, 2, got.Stats.Retries)
	require.EqualValues(t, 1, got.Stats.Errors)
	require.EqualValues(t, 2, got.Stats.ItemsExtracted)
	require.Equal(t, 3, site.callCount("https://shop.example/item/1"))
	require.Equal(t, 1, site.callCount("https://shop.example/item/2"))
}

func TestRunRetriesClientTimeouts(t *testing.T) {
	t.Parallel()

	site, starts := catalogue(1, 2)
	site.timeouts["https://shop.example/item/0"] = 1
	h := newHarness(t, site, job.Config{StartURLs: starts})

	out, err := h.exec.Run(context.Background(), h.job, nil)
	require.NoError(t, err)
	require.Equal(t, job.StatusCompleted, out.Status)

	got := h.load(t)
	require.EqualValues(t, 1, got.Stats.Retries)
	require.EqualValues(t, 0, got.Stats.Errors)
	require.EqualValues(t, 2, got.Stats.ItemsExtracted)
	require.Equal(t, 2, site.callCount("https://shop.example/item/0"))
}

func TestRunGivesUpAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	site, starts := catalogue(1, 1)
	site.transient["https://shop.example/item/0"] = 5
	h := newHarness(t, site, job.Config{StartURLs: starts})

	_, err := h.exec.Run(context.Background(), h.job, nil)
	require.NoError(t, err)

	got := h.load(t)
	require.EqualValues(t, 2, got.Stats.Retries)
	require.EqualValues(t, 1, got.Stats.Errors)
	require.Equal(t, 3, site.callCount("https://shop.example/item/0"))
}

func TestRunCapsItemsAtMaxPages(t *testing.T) {
	t.Parallel()

	site, starts := catalogue(2, 10)
	h := newHarness(t, site, job.Config{StartURLs: starts, MaxPages: 4})

	_, err := h.exec.Run(context.Background(), h.job, nil)
	require.NoError(t, err)
	require.Len(t, h.results(t), 4)
	require.Equal(t, 4, *h.load(t).Progress.TotalPages)
}

func TestRunPauseAndResume(t *testing.T) {
	t.Parallel()

	site, starts := catalogue(1, 6)
	h := newHarness(t, site, job.Config{StartURLs: starts})
	ctl := NewControl()
	paused := make(chan struct{})
	site.onItem = func(_ string, n int) {
		if n != 2 {
			return
		}
		_, err := h.reporter.Transition(context.Background(), h.job.ID, job.ActionPause, nil)
		if err == nil {
			ctl.Pause()
		}
		close(paused)
	}

	type result struct {
		out Outcome
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := h.exec.Run(context.Background(), h.job, ctl)
		done <- result{out, err}
	}()

	<-paused
	require.Eventually(t, func() bool {
		return h.load(t).Status == job.StatusPaused
	}, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 2, site.extracted())
	select {
	case <-done:
		t.Fatal("run returned while paused")
	default:
	}

	_, err := h.reporter.Transition(context.Background(), h.job.ID, job.ActionResume, nil)
	require.NoError(t, err)
	ctl.Resume()

	select {
	case res := <-done:
		require.NoError(t, res.err)
		require.Equal(t, job.StatusCompleted, res.out.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish after resume")
	}
	require.Len(t, h.results(t), 6)
}

type countingReporter struct {
	Reporter
	mu       sync.Mutex
	complete int
}

func (c *countingReporter) Transition(ctx context.Context, jobID string, action job.Action, info *job.ErrorInfo) (job.Job, error) {
	if action == job.ActionComplete {
		c.mu.Lock()
		c.complete++
		c.mu.Unlock()
	}
	return c.Reporter.Transition(ctx, jobID, action, info)
}

func (c *countingReporter) completeCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.complete
}

func TestRunWaitsForLatePauseSignalBeforeCompleting(t *testing.T) {
	t.Parallel()

	site, starts := catalogue(1, 2)
	h := newHarness(t, site, job.Config{StartURLs: starts})
	counting := &countingReporter{Reporter: h.reporter}
	exec := NewExecutor(extractRegistry(site), counting, h.collector, Options{
		Retry: RetryPolicy{MaxAttempts: 1},
	})
	ctl := NewControl()
	site.onItem = func(_ string, n int) {
		if n != 2 {
			return
		}
		// Only the store sees the pause; the control hears about it later.
		if _, err := h.reporter.Transition(context.Background(), h.job.ID, job.ActionPause, nil); err != nil {
			t.Error(err)
			return
		}
		go func() {
			time.Sleep(30 * time.Millisecond)
			ctl.Pause()
			time.Sleep(30 * time.Millisecond)
			if _, err := h.reporter.Transition(context.Background(), h.job.ID, job.ActionResume, nil); err == nil {
				ctl.Resume()
			}
		}()
	}

	out, err := exec.Run(context.Background(), h.job, ctl)
	require.NoError(t, err)
	require.Equal(t, job.StatusCompleted, out.Status)
	require.LessOrEqual(t, counting.completeCalls(), 3)
}

func TestRunCancelKeepsCollectedResults(t *testing.T) {
	t.Parallel()

	site, starts := catalogue(1, 10)
	h := newHarness(t, site, job.Config{StartURLs: starts})
	ctl := NewControl()
	site.onItem = func(_ string, n int) {
		if n == 4 {
			_, err := h.reporter.Transition(context.Background(), h.job.ID, job.ActionCancel, nil)
			if err == nil {
				ctl.Cancel()
			}
		}
	}

	out, err := h.exec.Run(context.Background(), h.job, ctl)
	require.NoError(t, err)
	require.Equal(t, job.StatusCancelled, out.Status)
	require.Equal(t, StopCancel, out.Stop)

	got := h.load(t)
	require.Equal(t, job.StatusCancelled, got.Status)
	require.Nil(t, got.Error)
	require.Len(t, h.results(t), 4)
	require.FileExists(t, out.ResultsPath)
}

func TestRunTimeoutFailsJob(t *testing.T) {
	t.Parallel()

	site, starts := catalogue(1, 5)
	h := newHarness(t, site, job.Config{StartURLs: starts})
	ctl := NewControl()
	site.onItem = func(_ string, n int) {
		if n == 3 {
			ctl.Timeout()
		}
	}

	out, err := h.exec.Run(context.Background(), h.job, ctl)
	require.NoError(t, err)
	require.Equal(t, job.StatusFailed, out.Status)
	require.Equal(t, StopTimeout, out.Stop)

	got := h.load(t)
	require.Equal(t, job.ErrorCodeTimeout, got.Error.Code)
	require.Equal(t, job.PhaseScrapeItemDetails, got.Error.Phase)
	require.Len(t, h.results(t), 3)
}

func TestRunTimeoutWhilePaused(t *testing.T) {
	t.Parallel()

	site, starts := catalogue(1, 5)
	h := newHarness(t, site, job.Config{StartURLs: starts})
	ctl := NewControl()
	site.onItem = func(_ string, n int) {
		if n != 1 {
			return
		}
		if _, err := h.reporter.Transition(context.Background(), h.job.ID, job.ActionPause, nil); err == nil {
			ctl.Pause()
		}
		time.AfterFunc(20*time.Millisecond, ctl.Timeout)
	}

	out, err := h.exec.Run(context.Background(), h.job, ctl)
	require.NoError(t, err)
	require.Equal(t, job.StatusFailed, out.Status)
	require.Equal(t, job.ErrorCodeTimeout, h.load(t).Error.Code)
}

func TestRunShutdownInterruptsJob(t *testing.T) {
	t.Parallel()

	site, starts := catalogue(1, 5)
	h := newHarness(t, site, job.Config{StartURLs: starts})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	site.onItem = func(_ string, n int) {
		if n == 2 {
			cancel()
		}
	}

	out, err := h.exec.Run(ctx, h.job, nil)
	require.NoError(t, err)
	require.Equal(t, job.StatusFailed, out.Status)
	require.Equal(t, StopShutdown, out.Stop)
	require.Equal(t, job.ErrorCodeInterrupted, h.load(t).Error.Code)
	require.Len(t, h.results(t), 2)
}

func TestRunFetchesDocuments(t *testing.T) {
	t.Parallel()

	site, starts := catalogue(1, 2)
	site.documents["https://shop.example/item/0"] = []extract.Link{
		{URL: "https://shop.example/files/manual.pdf"},
		{URL: "https://shop.example/files/guide.pdf"},
	}
	cfg := job.Config{StartURLs: starts}
	cfg.Selectors.DocumentLink = "a.pdf@href"
	h := newHarness(t, site, cfg)

	out, err := h.exec.Run(context.Background(), h.job, nil)
	require.NoError(t, err)
	require.Equal(t, job.StatusCompleted, out.Status)
	require.EqualValues(t, 2, h.load(t).Stats.DocumentsDownloaded)

	dir := filepath.Join(h.collector.JobDir(h.job.FolderName), results.DocumentsDir)
	require.FileExists(t, filepath.Join(dir, "manual.pdf"))
	require.FileExists(t, filepath.Join(dir, "guide.pdf"))
}

func TestControlCheckpoint(t *testing.T) {
	t.Parallel()

	ctl := NewControl()
	require.Equal(t, StopNone, ctl.Checkpoint(context.Background()))

	ctl.Pause()
	released := make(chan Stop, 1)
	go func() { released <- ctl.Checkpoint(context.Background()) }()
	select {
	case <-released:
		t.Fatal("checkpoint returned while paused")
	case <-time.After(20 * time.Millisecond):
	}
	ctl.Cancel()
	require.Equal(t, StopCancel, <-released)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Equal(t, StopShutdown, NewControl().Checkpoint(ctx))
}

func TestControlsSignal(t *testing.T) {
	t.Parallel()

	reg := NewControls()
	require.False(t, reg.Signal("job-1", job.ActionPause))

	ctl := reg.Register("job-1")
	require.True(t, reg.Signal("job-1", job.ActionPause))
	require.True(t, ctl.Paused())
	require.True(t, reg.Signal("job-1", job.ActionResume))
	require.False(t, ctl.Paused())
	require.False(t, reg.Signal("job-1", job.ActionStart))

	reg.Remove("job-1")
	_, ok := reg.Get("job-1")
	require.False(t, ok)
}

func TestRetryPolicyBackoff(t *testing.T) {
	t.Parallel()

	p := RetryPolicy{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond}
	for attempt := 1; attempt <= 4; attempt++ {
		d := p.Backoff(attempt)
		require.LessOrEqual(t, d, 300*time.Millisecond)
		require.GreaterOrEqual(t, d, 50*time.Millisecond)
	}
	require.True(t, p.ShouldRetry(errors.New("reset"), 1))
	require.False(t, p.ShouldRetry(errors.New("reset"), 3))
	require.False(t, p.ShouldRetry(extract.Permanent(errors.New("404")), 1))
	require.False(t, p.ShouldRetry(&extract.MissingFieldError{Unit: "u", Field: "name"}, 1))
	timeout := fmt.Errorf("fetch https://shop.example: %w", context.DeadlineExceeded)
	require.True(t, p.ShouldRetry(timeout, 1))
}
