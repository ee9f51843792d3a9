// Package upload copies a job's output folder to remote object storage and
// records the outcome in the job's upload sub-record.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-orchestrator/internal/hash/sha256"
	"github.com/JakeFAU/scrape-orchestrator/internal/job"
	"github.com/JakeFAU/scrape-orchestrator/internal/metrics"
	"github.com/JakeFAU/scrape-orchestrator/internal/results"
)

// ErrDisabled is returned by Upload when uploading is switched off for a job.
var ErrDisabled = errors.New("upload disabled")

// MaxRecordedErrors caps the error strings kept in one upload sub-record; the
// remainder is summarized in a final entry.
const MaxRecordedErrors = 20

// DigestMetadataKey names the object metadata entry holding the sha256 digest.
const DigestMetadataKey = "sha256"

// Object is one artifact handed to a Backend.
type Object struct {
	Bucket      string
	Key         string
	ContentType string
	Size        int64
	SHA256      string
	Body        io.Reader
}

// Backend stores objects in a remote system and returns their URL.
type Backend interface {
	Name() string
	Put(ctx context.Context, obj Object) (string, error)
}

// Recorder persists the upload sub-record. *progress.Reporter satisfies it.
type Recorder interface {
	RecordUpload(ctx context.Context, jobID string, res job.UploadResult) error
}

// JobReader loads job records.
type JobReader interface {
	GetJob(ctx context.Context, id string) (job.Job, error)
}

// Config controls the uploader. Per-job settings override Enabled, Bucket and
// Prefix.
type Config struct {
	Enabled    bool
	Bucket     string
	Prefix     string
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
	QueueSize  int
	Workers    int
}

// Uploader walks job folders and copies their artifacts to a Backend.
type Uploader struct {
	backend  Backend
	jobs     JobReader
	recorder Recorder
	dirs     *results.Collector
	hasher   *sha256.Hasher
	clock    job.Clock
	cfg      Config
	logger   *zap.Logger

	queue   chan string
	mu      sync.Mutex
	pending map[string]struct{}
}

// New constructs an Uploader.
func New(backend Backend, jobs JobReader, recorder Recorder, dirs *results.Collector, clock job.Clock, cfg Config, logger *zap.Logger) *Uploader {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Uploader{
		backend:  backend,
		jobs:     jobs,
		recorder: recorder,
		dirs:     dirs,
		hasher:   sha256.New(),
		clock:    clock,
		cfg:      cfg,
		logger:   logger,
		queue:    make(chan string, cfg.QueueSize),
		pending:  make(map[string]struct{}),
	}
}

// Enqueue schedules an asynchronous upload. It reports false when the job is
// already queued or the queue is full.
func (u *Uploader) Enqueue(jobID string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if _, ok := u.pending[jobID]; ok {
		return false
	}
	select {
	case u.queue <- jobID:
		u.pending[jobID] = struct{}{}
		return true
	default:
		u.logger.Warn("upload queue full", zap.String("job_id", jobID))
		return false
	}
}

// Run drains the upload queue until ctx ends.
func (u *Uploader) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < u.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case jobID := <-u.queue:
					u.mu.Lock()
					delete(u.pending, jobID)
					u.mu.Unlock()
					if _, err := u.Upload(ctx, jobID); err != nil && !errors.Is(err, ErrDisabled) {
						u.logger.Error("upload job", zap.String("job_id", jobID), zap.Error(err))
					}
				}
			}
		}()
	}
	wg.Wait()
}

type settings struct {
	bucket      string
	prefix      string
	documents   bool
	screenshots bool
}

func (u *Uploader) settingsFor(j job.Job) (settings, bool) {
	o := j.Config.Output.Upload
	enabled := u.cfg.Enabled
	if o.Enabled != nil {
		enabled = *o.Enabled
	}
	s := settings{bucket: u.cfg.Bucket, prefix: u.cfg.Prefix, documents: true, screenshots: o.UploadScreenshots}
	if o.Bucket != "" {
		s.bucket = o.Bucket
	}
	if o.Prefix != "" {
		s.prefix = o.Prefix
	}
	if o.UploadDocuments != nil {
		s.documents = *o.UploadDocuments
	}
	return s, enabled
}

// Upload copies every artifact of the job's folder. The job status is never
// changed; the outcome lands in the upload sub-record.
func (u *Uploader) Upload(ctx context.Context, jobID string) (job.UploadResult, error) {
	j, err := u.jobs.GetJob(ctx, jobID)
	if err != nil {
		return job.UploadResult{}, fmt.Errorf("load job %s: %w", jobID, err)
	}
	s, enabled := u.settingsFor(j)
	if !enabled || u.backend == nil {
		return job.UploadResult{}, ErrDisabled
	}
	logger := u.logger.With(zap.String("job_id", jobID), zap.String("backend", u.backend.Name()))

	if err := u.recorder.RecordUpload(ctx, jobID, job.UploadResult{Status: job.UploadInProgress}); err != nil {
		return job.UploadResult{}, err
	}

	res := job.UploadResult{URLs: make(map[string]string)}
	omitted := 0
	addErr := func(msg string) {
		if len(res.Errors) < MaxRecordedErrors {
			res.Errors = append(res.Errors, msg)
			return
		}
		omitted++
	}
	dir := u.dirs.JobDir(j.FolderName)
	files, err := artifacts(dir, s)
	if err != nil {
		addErr(err.Error())
	}

	uploadCtx, cancel := context.WithTimeout(ctx, u.cfg.Timeout)
	defer cancel()
	for _, rel := range files {
		if uploadCtx.Err() != nil {
			addErr(fmt.Sprintf("%s: upload timed out", rel))
			continue
		}
		url, size, err := u.putWithRetry(uploadCtx, dir, rel, s, j.FolderName)
		if err != nil {
			addErr(fmt.Sprintf("%s: %v", rel, err))
			metrics.ObserveUpload(u.backend.Name(), "failed", 0)
			logger.Warn("artifact upload failed", zap.String("artifact", rel), zap.Error(err))
			continue
		}
		metrics.ObserveUpload(u.backend.Name(), "success", size)
		res.URLs[rel] = url
		res.FilesUploaded++
		res.BytesUploaded += size
	}

	if omitted > 0 {
		res.Errors = append(res.Errors, fmt.Sprintf("%d more errors omitted", omitted))
	}
	now := u.clock.Now()
	res.UploadedAt = &now
	res.Status = job.UploadSuccess
	if len(res.Errors) > 0 {
		res.Status = job.UploadFailed
	}
	// The final record is written even when the upload deadline has passed.
	if err := u.recorder.RecordUpload(context.WithoutCancel(ctx), jobID, res); err != nil {
		return res, err
	}
	logger.Info("upload finished",
		zap.String("status", string(res.Status)),
		zap.Int("files", res.FilesUploaded),
		zap.Int64("bytes", res.BytesUploaded),
		zap.Int("errors", len(res.Errors)),
	)
	return res, nil
}

func (u *Uploader) putWithRetry(ctx context.Context, dir, rel string, s settings, folder string) (string, int64, error) {
	var lastErr error
	for attempt := 0; attempt <= u.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := wait(ctx, u.cfg.RetryDelay*time.Duration(1<<(attempt-1))); err != nil {
				return "", 0, lastErr
			}
		}
		url, size, err := u.put(ctx, dir, rel, s, folder)
		if err == nil {
			return url, size, nil
		}
		lastErr = err
	}
	return "", 0, lastErr
}

func (u *Uploader) put(ctx context.Context, dir, rel string, s settings, folder string) (string, int64, error) {
	f, err := os.Open(filepath.Join(dir, filepath.FromSlash(rel)))
	if err != nil {
		return "", 0, fmt.Errorf("open artifact: %w", err)
	}
	defer func() { _ = f.Close() }()

	digest, size, err := u.hasher.HashReader(f)
	if err != nil {
		return "", 0, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", 0, fmt.Errorf("rewind artifact: %w", err)
	}
	url, err := u.backend.Put(ctx, Object{
		Bucket:      s.bucket,
		Key:         Key(s.prefix, folder, rel),
		ContentType: contentType(rel),
		Size:        size,
		SHA256:      digest,
		Body:        f,
	})
	if err != nil {
		return "", 0, err
	}
	return url, size, nil
}

// Key builds the deterministic object key {prefix}/{folder}/{rel}.
func Key(prefix, folder, rel string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return path.Join(folder, rel)
	}
	return path.Join(prefix, folder, rel)
}

func artifacts(dir string, s settings) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, relErr := filepath.Rel(dir, p)
		if relErr != nil {
			return relErr
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			if (rel == results.DocumentsDir && !s.documents) || (rel == results.ScreenshotsDir && !s.screenshots) {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasSuffix(rel, ".tmp") || !d.Type().IsRegular() {
			return nil
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return files, fmt.Errorf("walk %s: %w", dir, err)
	}
	sort.Strings(files)
	return files, nil
}

func contentType(rel string) string {
	if strings.HasSuffix(rel, ".jsonl") {
		return "application/x-ndjson"
	}
	if ct := mime.TypeByExtension(path.Ext(rel)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
