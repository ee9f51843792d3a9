// Package lifecycle archives, deletes and restores job output on local disk.
// It only ever touches jobs in a terminal status.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-orchestrator/internal/job"
	"github.com/JakeFAU/scrape-orchestrator/internal/metrics"
	"github.com/JakeFAU/scrape-orchestrator/internal/telemetry"
)

// Strategy selects what the delete sweep removes.
type Strategy string

// Deletion strategies.
const (
	StrategySoft Strategy = "soft"
	StrategyHard Strategy = "hard"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	return s == StrategySoft || s == StrategyHard
}

// Restore failures.
var (
	ErrNotArchived       = errors.New("job is not archived")
	ErrAlreadyDeleted    = errors.New("job data has been deleted")
	ErrBundleMissing     = errors.New("archive bundle not found")
	ErrDestinationExists = errors.New("destination directory already exists")
	ErrInvalidDays       = errors.New("days must be between 1 and 365")
	ErrInvalidStrategy   = errors.New("deletion strategy must be soft or hard")
)

// Config holds retention defaults.
type Config struct {
	BaseDir          string
	ArchiveAfterDays int
	DeleteAfterDays  int
	DeletionStrategy Strategy
}

// SweepOptions override the configured defaults for one sweep.
type SweepOptions struct {
	Days     int      `json:"days"`
	DryRun   bool     `json:"dryRun"`
	Strategy Strategy `json:"strategy,omitempty"`
}

// SweepResult reports what a sweep did. Archived is set by the archive sweep,
// Deleted by the delete sweep.
type SweepResult struct {
	Processed int      `json:"processed"`
	Archived  int      `json:"archived,omitempty"`
	Deleted   int      `json:"deleted,omitempty"`
	Failed    int      `json:"failed"`
	Skipped   int      `json:"skipped"`
	DryRun    bool     `json:"dryRun"`
	Errors    []string `json:"errors"`
}

// RestoreResult describes a successful restore.
type RestoreResult struct {
	JobID        string `json:"jobId"`
	FolderName   string `json:"folderName"`
	RestoredPath string `json:"restoredPath"`
	Files        int    `json:"files"`
	Bytes        int64  `json:"bytes"`
}

// Manager runs the archive and delete sweeps against a job store.
type Manager struct {
	store  job.Store
	clock  job.Clock
	cfg    Config
	logger *zap.Logger
}

// NewManager constructs a Manager.
func NewManager(store job.Store, clock job.Clock, cfg Config, logger *zap.Logger) *Manager {
	if cfg.ArchiveAfterDays <= 0 {
		cfg.ArchiveAfterDays = 7
	}
	if cfg.DeleteAfterDays <= 0 {
		cfg.DeleteAfterDays = 30
	}
	if !cfg.DeletionStrategy.Valid() {
		cfg.DeletionStrategy = StrategySoft
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{store: store, clock: clock, cfg: cfg, logger: logger}
}

// Config returns the effective configuration.
func (m *Manager) Config() Config {
	return m.cfg
}

func (m *Manager) activeDir(folder string) string {
	return filepath.Join(m.cfg.BaseDir, filepath.FromSlash(job.ActiveDir(folder)))
}

func (m *Manager) abs(rel string) string {
	if filepath.IsAbs(rel) {
		return rel
	}
	return filepath.Join(m.cfg.BaseDir, filepath.FromSlash(rel))
}

func days(requested, fallback int) (int, error) {
	if requested == 0 {
		return fallback, nil
	}
	if requested < 1 || requested > 365 {
		return 0, ErrInvalidDays
	}
	return requested, nil
}

// Archive bundles completed jobs older than the threshold and removes their
// active directories. One job's failure never stops the sweep.
func (m *Manager) Archive(ctx context.Context, opts SweepOptions) (SweepResult, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "lifecycle.archive")
	defer span.End()
	span.SetAttributes(attribute.Bool("dry_run", opts.DryRun))
	res := SweepResult{DryRun: opts.DryRun, Errors: []string{}}
	d, err := days(opts.Days, m.cfg.ArchiveAfterDays)
	if err != nil {
		return res, err
	}
	now := m.clock.Now()
	candidates, err := m.store.ArchiveCandidates(ctx, now.AddDate(0, 0, -d))
	if err != nil {
		return res, fmt.Errorf("list archive candidates: %w", err)
	}
	m.logger.Info("archive sweep started", zap.Int("candidates", len(candidates)), zap.Int("days", d), zap.Bool("dry_run", opts.DryRun))

	for _, j := range candidates {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		res.Processed++
		outcome, err := m.archiveOne(ctx, j, now, opts.DryRun)
		switch {
		case err != nil:
			res.Failed++
			res.Errors = append(res.Errors, fmt.Sprintf("job %s: %v", j.ID, err))
			m.logger.Error("archive job", zap.String("job_id", j.ID), zap.Error(err))
		case outcome == "skipped":
			res.Skipped++
		default:
			res.Archived++
		}
		metrics.ObserveLifecycle("archive", outcomeLabel(outcome, err))
	}
	m.logger.Info("archive sweep finished",
		zap.Int("processed", res.Processed),
		zap.Int("archived", res.Archived),
		zap.Int("failed", res.Failed),
		zap.Int("skipped", res.Skipped),
	)
	return res, nil
}

func (m *Manager) archiveOne(ctx context.Context, j job.Job, now time.Time, dryRun bool) (string, error) {
	src := m.activeDir(j.FolderName)
	if info, err := os.Stat(src); err != nil || !info.IsDir() {
		m.logger.Warn("active directory missing, skipping", zap.String("job_id", j.ID), zap.String("dir", src))
		return "skipped", nil
	}
	completed := now
	if j.CompletedAt != nil {
		completed = *j.CompletedAt
	}
	rel := job.ArchiveFile(j.FolderName, completed)
	if dryRun {
		m.logger.Info("dry run: would archive", zap.String("job_id", j.ID), zap.String("bundle", rel))
		return "archived", nil
	}

	dest := m.abs(rel)
	written, err := writeBundle(src, j.FolderName, dest)
	if err != nil {
		return "", err
	}
	read, err := inspectBundle(dest)
	if err != nil || read != written {
		_ = os.Remove(dest)
		if err == nil {
			err = fmt.Errorf("bundle verification: wrote %d files/%d bytes, read %d/%d", written.Files, written.Bytes, read.Files, read.Bytes)
		}
		return "", err
	}

	_, err = m.store.UpdateJob(ctx, j.ID, func(cur *job.Job) error {
		if cur.ArchivedAt != nil {
			return fmt.Errorf("job %s archived concurrently", cur.ID)
		}
		at := now
		cur.ArchivedAt = &at
		cur.ArchivePath = rel
		cur.UpdatedAt = now
		return nil
	})
	if err != nil {
		_ = os.Remove(dest)
		return "", fmt.Errorf("record archive: %w", err)
	}
	if err := os.RemoveAll(src); err != nil {
		return "", fmt.Errorf("remove active dir: %w", err)
	}
	m.logger.Info("job archived", zap.String("job_id", j.ID), zap.String("bundle", rel), zap.Int("files", written.Files))
	return "archived", nil
}

// Cleanup removes archive bundles older than the threshold and applies the
// deletion strategy. Remote copies are never touched.
func (m *Manager) Cleanup(ctx context.Context, opts SweepOptions) (SweepResult, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "lifecycle.cleanup")
	defer span.End()
	span.SetAttributes(attribute.Bool("dry_run", opts.DryRun))
	res := SweepResult{DryRun: opts.DryRun, Errors: []string{}}
	d, err := days(opts.Days, m.cfg.DeleteAfterDays)
	if err != nil {
		return res, err
	}
	strategy := opts.Strategy
	if strategy == "" {
		strategy = m.cfg.DeletionStrategy
	}
	if !strategy.Valid() {
		return res, ErrInvalidStrategy
	}
	now := m.clock.Now()
	candidates, err := m.store.DeleteCandidates(ctx, now.AddDate(0, 0, -d))
	if err != nil {
		return res, fmt.Errorf("list delete candidates: %w", err)
	}
	m.logger.Info("cleanup sweep started",
		zap.Int("candidates", len(candidates)),
		zap.Int("days", d),
		zap.String("strategy", string(strategy)),
		zap.Bool("dry_run", opts.DryRun),
	)

	reason := fmt.Sprintf("retention: archived more than %d days ago", d)
	for _, j := range candidates {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		res.Processed++
		if opts.DryRun {
			m.logger.Info("dry run: would delete", zap.String("job_id", j.ID), zap.String("bundle", j.ArchivePath))
			res.Deleted++
			continue
		}
		if err := m.deleteOne(ctx, j, strategy, reason, now); err != nil {
			res.Failed++
			res.Errors = append(res.Errors, fmt.Sprintf("job %s: %v", j.ID, err))
			m.logger.Error("delete job", zap.String("job_id", j.ID), zap.Error(err))
			metrics.ObserveLifecycle("cleanup", "failed")
			continue
		}
		res.Deleted++
		metrics.ObserveLifecycle("cleanup", "deleted")
	}
	m.logger.Info("cleanup sweep finished",
		zap.Int("processed", res.Processed),
		zap.Int("deleted", res.Deleted),
		zap.Int("failed", res.Failed),
	)
	return res, nil
}

func (m *Manager) deleteOne(ctx context.Context, j job.Job, strategy Strategy, reason string, now time.Time) error {
	if j.ArchivePath != "" {
		if err := os.Remove(m.abs(j.ArchivePath)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove bundle: %w", err)
		}
	}
	audit := job.AuditRecord{
		JobID:       j.ID,
		Name:        j.Name,
		FolderName:  j.FolderName,
		Strategy:    string(strategy),
		Reason:      reason,
		CreatedBy:   j.CreatedBy,
		Stats:       j.Stats,
		CreatedAt:   j.CreatedAt,
		CompletedAt: j.CompletedAt,
		ArchivedAt:  j.ArchivedAt,
		DeletedAt:   now,
	}
	if err := m.store.RecordAudit(ctx, audit); err != nil {
		return fmt.Errorf("record audit: %w", err)
	}
	if strategy == StrategyHard {
		if err := m.store.DeleteJob(ctx, j.ID); err != nil {
			return fmt.Errorf("delete job row: %w", err)
		}
		return nil
	}
	_, err := m.store.UpdateJob(ctx, j.ID, func(cur *job.Job) error {
		at := now
		cur.DeletedAt = &at
		cur.DeletionReason = reason
		cur.UpdatedAt = now
		return nil
	})
	if err != nil {
		return fmt.Errorf("mark deleted: %w", err)
	}
	return nil
}

// Restore unpacks an archived job back into its active directory and clears
// the archive fields.
func (m *Manager) Restore(ctx context.Context, jobID string) (RestoreResult, error) {
	j, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return RestoreResult{}, err
	}
	if j.DeletedAt != nil {
		return RestoreResult{}, ErrAlreadyDeleted
	}
	if j.ArchivedAt == nil || j.ArchivePath == "" {
		return RestoreResult{}, ErrNotArchived
	}
	bundle := m.abs(j.ArchivePath)
	if _, err := os.Stat(bundle); err != nil {
		return RestoreResult{}, fmt.Errorf("%w: %s", ErrBundleMissing, j.ArchivePath)
	}
	dest := m.activeDir(j.FolderName)
	if _, err := os.Stat(dest); err == nil {
		return RestoreResult{}, ErrDestinationExists
	}

	parent := filepath.Dir(dest)
	if err := os.MkdirAll(parent, 0o750); err != nil {
		return RestoreResult{}, fmt.Errorf("create jobs dir: %w", err)
	}
	sum, err := extractBundle(bundle, parent, j.FolderName)
	if err != nil {
		_ = os.RemoveAll(dest)
		return RestoreResult{}, fmt.Errorf("extract bundle: %w", err)
	}

	now := m.clock.Now()
	_, err = m.store.UpdateJob(ctx, j.ID, func(cur *job.Job) error {
		cur.ArchivedAt = nil
		cur.ArchivePath = ""
		cur.UpdatedAt = now
		return nil
	})
	if err != nil {
		return RestoreResult{}, fmt.Errorf("clear archive fields: %w", err)
	}
	if err := os.Remove(bundle); err != nil && !errors.Is(err, os.ErrNotExist) {
		m.logger.Warn("remove restored bundle", zap.String("job_id", j.ID), zap.Error(err))
	}
	m.logger.Info("job restored", zap.String("job_id", j.ID), zap.Int("files", sum.Files))
	return RestoreResult{
		JobID:        j.ID,
		FolderName:   j.FolderName,
		RestoredPath: dest,
		Files:        sum.Files,
		Bytes:        sum.Bytes,
	}, nil
}

// RemoveJobData deletes a job's active directory and archive bundle, if any.
func (m *Manager) RemoveJobData(j job.Job) error {
	if err := os.RemoveAll(m.activeDir(j.FolderName)); err != nil {
		return fmt.Errorf("remove active dir: %w", err)
	}
	if j.ArchivePath != "" {
		if err := os.Remove(m.abs(j.ArchivePath)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove bundle: %w", err)
		}
	}
	return nil
}

func outcomeLabel(outcome string, err error) string {
	if err != nil {
		return "failed"
	}
	return outcome
}
