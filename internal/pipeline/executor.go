// Package pipeline runs a job's extraction phases against an extraction
// capability, pacing and retrying each unit and honouring control flags
// between units.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-orchestrator/internal/capture"
	"github.com/JakeFAU/scrape-orchestrator/internal/extract"
	"github.com/JakeFAU/scrape-orchestrator/internal/job"
	"github.com/JakeFAU/scrape-orchestrator/internal/metrics"
	"github.com/JakeFAU/scrape-orchestrator/internal/policy/ratelimit"
	"github.com/JakeFAU/scrape-orchestrator/internal/progress"
	"github.com/JakeFAU/scrape-orchestrator/internal/results"
)

// Reporter is the write path the executor uses for job state. It is satisfied
// by *progress.Reporter.
type Reporter interface {
	Transition(ctx context.Context, jobID string, action job.Action, failure *job.ErrorInfo) (job.Job, error)
	ReportProgress(ctx context.Context, jobID string, phase job.Phase, c progress.Counts) error
	ReportStatDelta(ctx context.Context, jobID string, field job.StatField, delta int64) error
	Log(ctx context.Context, jobID string, level job.LogLevel, message string, metadata map[string]any) error
}

// Capabilities resolves the extraction capability for a job.
type Capabilities interface {
	Lookup(key string) (extract.Capability, error)
}

// Options tune an Executor.
type Options struct {
	Retry    RetryPolicy
	Capturer capture.Capturer
	Logger   *zap.Logger
}

// Outcome summarises how a run ended.
type Outcome struct {
	Status      job.Status
	Stop        Stop
	ResultsPath string
	Items       int64
	Errors      int64
}

// Executor drives jobs through the pipeline phases.
type Executor struct {
	caps      Capabilities
	reporter  Reporter
	collector *results.Collector
	capturer  capture.Capturer
	retry     RetryPolicy
	logger    *zap.Logger
}

// NewExecutor wires an Executor.
func NewExecutor(caps Capabilities, reporter Reporter, collector *results.Collector, opts Options) *Executor {
	if opts.Capturer == nil {
		opts.Capturer = capture.Noop{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Executor{
		caps:      caps,
		reporter:  reporter,
		collector: collector,
		capturer:  opts.Capturer,
		retry:     opts.Retry.withDefaults(),
		logger:    opts.Logger,
	}
}

// pauseSignalWait bounds how long complete waits for a pause signal that the
// store has already recorded.
const pauseSignalWait = 100 * time.Millisecond

// errNoCategories fails a job whose discovery phase found nothing to crawl.
var errNoCategories = errors.New("no categories discovered")

type failure struct {
	code string
	err  error
}

func (f *failure) Error() string {
	return f.err.Error()
}

func (f *failure) Unwrap() error {
	return f.err
}

// Run executes j, which must already be running. It returns once the job has
// reached a terminal status or has been left cancelled by the caller. ctl may be
// nil when no control flags are needed.
func (e *Executor) Run(ctx context.Context, j job.Job, ctl *Control) (Outcome, error) {
	if ctl == nil {
		ctl = NewControl()
	}
	cfg := j.Config.WithDefaults()
	r := &run{
		e:      e,
		job:    j,
		cfg:    cfg,
		ctl:    ctl,
		phase:  job.PhaseDiscoverCategories,
		logger: e.logger.With(zap.String("job_id", j.ID)),
	}

	capability, err := e.caps.Lookup(cfg.ExtractorKey(j.Type))
	if err != nil {
		return r.finish(ctx, StopNone, &failure{code: job.ErrorCodeSetup, err: err})
	}
	r.cap = capability

	session, err := e.collector.Open(j)
	if err != nil {
		return r.finish(ctx, StopNone, &failure{code: job.ErrorCodeInternal, err: err})
	}
	r.session = session
	site := ""
	if len(cfg.StartURLs) > 0 {
		site = cfg.StartURLs[0]
	}
	r.limiter = ratelimit.ForJob(cfg.RateLimit, site)

	stop, runErr := r.execute(ctx)
	return r.finish(ctx, stop, runErr)
}

type run struct {
	e       *Executor
	job     job.Job
	cfg     job.Config
	cap     extract.Capability
	ctl     *Control
	limiter *ratelimit.Limiter
	session *results.Session
	logger  *zap.Logger

	phase      job.Phase
	categories []extract.Link
	itemURLs   []string
	scraped    []string
	done       int
	items      int64
	failed     int64
	sessionErr error
}

type phaseFunc func(context.Context) (Stop, error)

func (r *run) execute(ctx context.Context) (Stop, error) {
	phases := []struct {
		phase job.Phase
		fn    phaseFunc
	}{
		{job.PhaseDiscoverCategories, r.discoverCategories},
		{job.PhaseCollectItemURLs, r.collectItemURLs},
		{job.PhaseScrapeItemDetails, r.scrapeItemDetails},
		{job.PhaseExtractDocuments, r.extractDocuments},
		{job.PhasePersistResults, r.persistResults},
	}
	for _, p := range phases {
		r.phase = p.phase
		r.reportProgress(ctx)
		r.logger.Debug("entering phase", zap.String("phase", string(p.phase)))
		stop, err := p.fn(ctx)
		if err != nil || stop != StopNone {
			return stop, err
		}
	}
	return StopNone, nil
}

func (r *run) discoverCategories(ctx context.Context) (Stop, error) {
	seen := make(map[string]struct{})
	for _, start := range r.cfg.StartURLs {
		if stop := r.ctl.Checkpoint(ctx); stop != StopNone {
			return stop, nil
		}
		var found extract.Discovery
		ok := r.unit(ctx, start, func(ctx context.Context) error {
			var err error
			found, err = r.cap.DiscoverCategories(ctx, r.cfg, start)
			return err
		})
		if ok {
			added := 0
			for _, c := range found.Categories {
				if _, dup := seen[c.URL]; dup || c.URL == "" {
					continue
				}
				if r.cfg.MaxCategories > 0 && len(r.categories) >= r.cfg.MaxCategories {
					break
				}
				seen[c.URL] = struct{}{}
				r.categories = append(r.categories, c)
				added++
			}
			r.stat(ctx, job.StatCategoriesFound, int64(added))
			r.bytes(ctx, start, found.Bytes)
		}
		r.reportProgress(ctx)
	}

	if stop := r.ctl.Checkpoint(ctx); stop != StopNone {
		return stop, nil
	}
	if len(r.categories) == 0 {
		return StopNone, &failure{code: job.ErrorCodeSetup, err: errNoCategories}
	}
	if len(r.categories) < len(r.cfg.StartURLs) {
		r.log(ctx, job.LevelWarn, "fewer categories than start URLs", map[string]any{
			"categories": len(r.categories),
			"startUrls":  len(r.cfg.StartURLs),
		})
	}
	if err := r.session.WriteJSON(results.CategoriesFile, r.categories); err != nil {
		r.logger.Warn("write categories", zap.Error(err))
	}
	return StopNone, nil
}

func (r *run) collectItemURLs(ctx context.Context) (Stop, error) {
	seen := make(map[string]struct{})
	for _, category := range r.categories {
		if len(r.itemURLs) >= r.cfg.MaxPages {
			break
		}
		if stop := r.ctl.Checkpoint(ctx); stop != StopNone {
			return stop, nil
		}
		var got extract.Collection
		ok := r.unit(ctx, category.URL, func(ctx context.Context) error {
			var err error
			got, err = r.cap.CollectItemURLs(ctx, r.cfg, category)
			return err
		})
		if !ok {
			continue
		}
		for _, u := range got.URLs {
			if len(r.itemURLs) >= r.cfg.MaxPages {
				break
			}
			if _, dup := seen[u]; dup || u == "" {
				continue
			}
			seen[u] = struct{}{}
			r.itemURLs = append(r.itemURLs, u)
		}
		r.bytes(ctx, category.URL, got.Bytes)
	}
	if err := r.session.WriteJSON(results.ItemURLsFile, r.itemURLs); err != nil {
		r.logger.Warn("write item urls", zap.Error(err))
	}
	r.log(ctx, job.LevelInfo, "item URLs collected", map[string]any{"count": len(r.itemURLs)})
	return StopNone, nil
}

func (r *run) scrapeItemDetails(ctx context.Context) (Stop, error) {
	r.reportProgress(ctx)
	for _, itemURL := range r.itemURLs {
		if stop := r.ctl.Checkpoint(ctx); stop != StopNone {
			return stop, nil
		}
		var item extract.Item
		ok := r.unit(ctx, itemURL, func(ctx context.Context) error {
			var err error
			item, err = r.cap.ExtractItem(ctx, r.cfg, itemURL)
			if err != nil {
				return err
			}
			return requireFields(itemURL, item.Fields, r.cfg.RequiredFields)
		})
		if ok {
			r.storeItem(ctx, itemURL, item)
		}
		r.done++
		r.reportProgress(ctx)
	}
	return StopNone, nil
}

func (r *run) storeItem(ctx context.Context, itemURL string, item extract.Item) {
	source := item.SourceURL
	if source == "" {
		source = itemURL
	}
	if err := r.session.Add(ctx, source, item.Fields); err != nil {
		r.sessionErr = err
		r.logger.Error("store result", zap.String("url", source), zap.Error(err))
		return
	}
	r.items++
	r.scraped = append(r.scraped, itemURL)
	r.stat(ctx, job.StatItemsExtracted, 1)
	r.bytes(ctx, itemURL, item.Bytes)

	if !r.cfg.Output.CaptureScreenshots {
		return
	}
	png, err := r.e.capturer.Capture(ctx, itemURL, r.cfg.Headers)
	if err != nil {
		if !errors.Is(err, capture.ErrDisabled) {
			r.log(ctx, job.LevelWarn, "page capture failed", map[string]any{"unit": itemURL, "error": err.Error()})
		}
		return
	}
	if _, err := r.session.WriteScreenshot(fmt.Sprintf("item-%04d", r.items), png); err != nil {
		r.logger.Warn("write screenshot", zap.String("url", itemURL), zap.Error(err))
	}
}

func (r *run) extractDocuments(ctx context.Context) (Stop, error) {
	if r.cfg.Selectors.DocumentLink == "" {
		return StopNone, nil
	}
	for _, itemURL := range r.scraped {
		if stop := r.ctl.Checkpoint(ctx); stop != StopNone {
			return stop, nil
		}
		var links []extract.Link
		ok := r.unit(ctx, itemURL, func(ctx context.Context) error {
			var err error
			links, err = r.cap.ExtractDocuments(ctx, r.cfg, itemURL)
			return err
		})
		if !ok {
			continue
		}
		for _, link := range links {
			if stop := r.ctl.Checkpoint(ctx); stop != StopNone {
				return stop, nil
			}
			var doc extract.Document
			fetched := r.unit(ctx, link.URL, func(ctx context.Context) error {
				var err error
				doc, err = r.cap.FetchDocument(ctx, r.cfg, link)
				return err
			})
			if !fetched {
				continue
			}
			if _, err := r.session.WriteDocument(documentName(link, doc), doc.Body); err != nil {
				r.log(ctx, job.LevelWarn, "write document failed", map[string]any{"unit": link.URL, "error": err.Error()})
				continue
			}
			r.stat(ctx, job.StatDocumentsDownloaded, 1)
			r.bytes(ctx, link.URL, int64(len(doc.Body)))
		}
	}
	return StopNone, nil
}

func (r *run) persistResults(ctx context.Context) (Stop, error) {
	if err := r.session.Flush(ctx); err != nil {
		return StopNone, &failure{code: job.ErrorCodeInternal, err: err}
	}
	if r.sessionErr != nil {
		return StopNone, &failure{code: job.ErrorCodeInternal, err: r.sessionErr}
	}
	return StopNone, nil
}

// unit runs fn under the job's rate limit and retry policy. A unit that
// finally fails is counted, logged and skipped.
func (r *run) unit(ctx context.Context, name string, fn func(context.Context) error) bool {
	var err error
	for attempt := 1; ; attempt++ {
		if err = r.limiter.Wait(ctx); err != nil {
			break
		}
		if err = fn(ctx); err == nil {
			metrics.ObserveUnit(string(r.phase), "ok")
			return true
		}
		if ctx.Err() != nil || !r.e.retry.ShouldRetry(err, attempt) {
			break
		}
		r.stat(ctx, job.StatRetries, 1)
		r.logger.Debug("retrying unit",
			zap.String("phase", string(r.phase)),
			zap.String("unit", name),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if err = sleep(ctx, r.e.retry.Backoff(attempt)); err != nil {
			break
		}
	}
	if ctx.Err() != nil {
		metrics.ObserveUnit(string(r.phase), "aborted")
		return false
	}

	metrics.ObserveUnit(string(r.phase), "failed")
	r.failed++
	r.stat(ctx, job.StatErrors, 1)
	meta := map[string]any{"phase": string(r.phase), "unit": name, "error": err.Error()}
	msg := "unit failed: " + name
	var missing *extract.MissingFieldError
	if errors.As(err, &missing) {
		meta["field"] = missing.Field
		msg = fmt.Sprintf("unit failed: %s: missing field %q", name, missing.Field)
	}
	r.log(ctx, job.LevelWarn, msg, meta)
	return false
}

func requireFields(unit string, fields map[string]string, required []string) error {
	for _, name := range required {
		if strings.TrimSpace(fields[name]) == "" {
			return &extract.MissingFieldError{Unit: unit, Field: name}
		}
	}
	return nil
}

func documentName(link extract.Link, doc extract.Document) string {
	if doc.Name != "" {
		return doc.Name
	}
	if link.Name != "" && path.Ext(link.Name) != "" {
		return link.Name
	}
	if u, err := url.Parse(link.URL); err == nil {
		if base := path.Base(u.Path); base != "" && base != "/" && base != "." {
			return base
		}
	}
	return "document"
}

// finish closes the session, renders the results file and moves the job to
// its terminal status.
func (r *run) finish(ctx context.Context, stop Stop, runErr error) (Outcome, error) {
	final := context.WithoutCancel(ctx)
	out := Outcome{Stop: stop, Items: r.items, Errors: r.failed}

	if r.session != nil {
		if err := r.session.Close(final); err != nil && runErr == nil && stop == StopNone {
			runErr = &failure{code: job.ErrorCodeInternal, err: err}
		}
		resultsPath, err := r.e.collector.Finalize(final, r.job)
		if err != nil {
			r.logger.Error("render results", zap.Error(err))
		} else {
			out.ResultsPath = resultsPath
		}
	}

	return r.settle(ctx, out, stop, runErr)
}

func (r *run) settle(ctx context.Context, out Outcome, stop Stop, runErr error) (Outcome, error) {
	final := context.WithoutCancel(ctx)
	out.Stop = stop
	var f *failure
	switch {
	case errors.As(runErr, &f):
		return r.fail(final, out, f.code, f.err.Error())
	case runErr != nil:
		return r.fail(final, out, job.ErrorCodeInternal, runErr.Error())
	case stop == StopCancel:
		r.log(final, job.LevelInfo, "job cancelled", map[string]any{"items": r.items})
		out.Status = job.StatusCancelled
		return out, nil
	case stop == StopTimeout:
		return r.fail(final, out, job.ErrorCodeTimeout, "job exceeded its time limit")
	case stop == StopShutdown:
		return r.fail(final, out, job.ErrorCodeInterrupted, "worker shut down before the job finished")
	}
	return r.complete(ctx, out)
}

func (r *run) complete(ctx context.Context, out Outcome) (Outcome, error) {
	final := context.WithoutCancel(ctx)
	for {
		_, err := r.e.reporter.Transition(final, r.job.ID, job.ActionComplete, nil)
		if err == nil {
			r.log(final, job.LevelInfo, "job completed", map[string]any{"items": r.items, "errors": r.failed})
			out.Status = job.StatusCompleted
			return out, nil
		}
		var rej *job.RejectionError
		if !errors.As(err, &rej) {
			return out, fmt.Errorf("complete job %s: %w", r.job.ID, err)
		}
		if rej.Current != job.StatusPaused {
			out.Status = rej.Current
			return out, nil
		}
		// Paused after the last unit. The store is written before the control
		// is signalled, so give the signal a moment to land before waiting on it.
		if !r.ctl.Paused() {
			r.ctl.awaitChange(ctx, pauseSignalWait)
		}
		if stop := r.ctl.Checkpoint(ctx); stop != StopNone {
			return r.settle(ctx, out, stop, nil)
		}
	}
}

func (r *run) fail(ctx context.Context, out Outcome, code, message string) (Outcome, error) {
	info := &job.ErrorInfo{Code: code, Message: message, Phase: r.phase}
	for attempt := 0; attempt < 2; attempt++ {
		_, err := r.e.reporter.Transition(ctx, r.job.ID, job.ActionFail, info)
		if err == nil {
			r.log(ctx, job.LevelError, "job failed: "+message, map[string]any{"code": code})
			out.Status = job.StatusFailed
			return out, nil
		}
		var rej *job.RejectionError
		if !errors.As(err, &rej) {
			return out, fmt.Errorf("fail job %s: %w", r.job.ID, err)
		}
		if rej.Current != job.StatusPaused {
			out.Status = rej.Current
			return out, nil
		}
		// A paused job has no edge to failed; resume it first.
		if _, err := r.e.reporter.Transition(ctx, r.job.ID, job.ActionResume, nil); err != nil && !errors.Is(err, job.ErrIllegalTransition) {
			return out, fmt.Errorf("resume job %s before failing: %w", r.job.ID, err)
		}
	}
	return out, fmt.Errorf("fail job %s: status kept changing", r.job.ID)
}

func (r *run) reportProgress(ctx context.Context) {
	c := progress.Counts{Done: r.done, Total: len(r.itemURLs)}
	if r.phase == job.PhaseDiscoverCategories || r.phase == job.PhaseCollectItemURLs {
		c = progress.Counts{}
	}
	if err := r.e.reporter.ReportProgress(ctx, r.job.ID, r.phase, c); err != nil {
		r.logger.Warn("report progress", zap.Error(err))
	}
}

func (r *run) stat(ctx context.Context, field job.StatField, delta int64) {
	if err := r.e.reporter.ReportStatDelta(ctx, r.job.ID, field, delta); err != nil {
		r.logger.Warn("report stat", zap.String("stat", string(field)), zap.Error(err))
	}
}

func (r *run) bytes(ctx context.Context, rawURL string, n int64) {
	if n <= 0 {
		return
	}
	metrics.ObserveBytes(rawURL, n)
	r.stat(ctx, job.StatBytesDownloaded, n)
}

func (r *run) log(ctx context.Context, level job.LogLevel, message string, meta map[string]any) {
	if err := r.e.reporter.Log(ctx, r.job.ID, level, message, meta); err != nil {
		r.logger.Warn("append job log", zap.String("message", message), zap.Error(err))
	}
}
