// Package worker pulls job ids off the queue and runs each job through the
// pipeline executor.
package worker

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-orchestrator/internal/job"
	"github.com/JakeFAU/scrape-orchestrator/internal/metrics"
	"github.com/JakeFAU/scrape-orchestrator/internal/notify"
	"github.com/JakeFAU/scrape-orchestrator/internal/pipeline"
	"github.com/JakeFAU/scrape-orchestrator/internal/queue/memory"
	"github.com/JakeFAU/scrape-orchestrator/internal/telemetry"
)

// Queue yields job ids to execute.
type Queue interface {
	Dequeue(ctx context.Context) (string, error)
}

// Transitioner applies lifecycle actions. *progress.Reporter satisfies it.
type Transitioner interface {
	Transition(ctx context.Context, jobID string, action job.Action, failure *job.ErrorInfo) (job.Job, error)
}

// Runner executes a running job to the end.
type Runner interface {
	Run(ctx context.Context, j job.Job, ctl *pipeline.Control) (pipeline.Outcome, error)
}

// Uploads schedules asynchronous artifact uploads.
type Uploads interface {
	Enqueue(jobID string) bool
}

// Config controls Worker behavior.
type Config struct {
	// JobTimeout bounds a job's wall-clock time. Zero disables it.
	JobTimeout time.Duration
}

// Worker consumes queue items and executes jobs one at a time.
type Worker struct {
	queue    Queue
	jobs     job.Store
	reporter Transitioner
	exec     Runner
	controls *pipeline.Controls
	uploads  Uploads
	notifier notify.Notifier
	clock    job.Clock
	cfg      Config
	logger   *zap.Logger
}

// New constructs a Worker. uploads and notifier may be nil.
func New(
	queue Queue,
	jobs job.Store,
	reporter Transitioner,
	exec Runner,
	controls *pipeline.Controls,
	uploads Uploads,
	notifier notify.Notifier,
	clock job.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if controls == nil {
		controls = pipeline.NewControls()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:    queue,
		jobs:     jobs,
		reporter: reporter,
		exec:     exec,
		controls: controls,
		uploads:  uploads,
		notifier: notifier,
		clock:    clock,
		cfg:      cfg,
		logger:   logger,
	}
}

// Run blocks, consuming queue items until the context finishes.
func (w *Worker) Run(ctx context.Context) {
	for {
		jobID, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, memory.ErrClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued job", zap.String("job_id", jobID))
		w.Process(ctx, jobID)
	}
}

// Process runs one job. Jobs that are no longer pending are skipped.
func (w *Worker) Process(ctx context.Context, jobID string) {
	logger := w.logger.With(zap.String("job_id", jobID))

	j, err := w.jobs.GetJob(ctx, jobID)
	if err != nil {
		logger.Error("load job", zap.Error(err))
		return
	}
	if j.Status != job.StatusPending {
		logger.Info("skipping job", zap.String("status", string(j.Status)))
		return
	}

	ctl := w.controls.Register(jobID)
	defer w.controls.Remove(jobID)

	j, err = w.reporter.Transition(ctx, jobID, job.ActionStart, nil)
	if err != nil {
		logger.Warn("start job", zap.Error(err))
		return
	}

	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	if w.cfg.JobTimeout > 0 {
		timer := time.AfterFunc(w.cfg.JobTimeout, ctl.Timeout)
		defer timer.Stop()
	}

	logger.Info("job started")
	runCtx, span := telemetry.Tracer().Start(ctx, "job.run", trace.WithAttributes(
		attribute.String("job.id", jobID),
		attribute.String("job.type", j.Type),
	))
	outcome, err := w.exec.Run(runCtx, j, ctl)
	if err != nil {
		logger.Error("job execution", zap.Error(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.String("job.status", string(outcome.Status)), attribute.Int64("job.items", outcome.Items))
	span.End()
	if outcome.Status != "" {
		metrics.ObserveJob(string(outcome.Status))
	}
	logger.Info("job finished",
		zap.String("status", string(outcome.Status)),
		zap.String("stop", outcome.Stop.String()),
		zap.Int64("items", outcome.Items),
		zap.Int64("errors", outcome.Errors),
	)

	w.afterJob(context.WithoutCancel(ctx), jobID, outcome)
}

func (w *Worker) afterJob(ctx context.Context, jobID string, outcome pipeline.Outcome) {
	final, err := w.jobs.GetJob(ctx, jobID)
	if err != nil {
		w.logger.Error("reload finished job", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	if !final.Status.Terminal() {
		return
	}
	if w.uploads != nil && (final.Status == job.StatusCompleted || final.Status == job.StatusFailed) {
		w.uploads.Enqueue(jobID)
	}
	if err := w.notifier.Notify(ctx, notify.FromJob(final, outcome.ResultsPath, w.clock.Now())); err != nil {
		w.logger.Warn("publish job finished", zap.String("job_id", jobID), zap.Error(err))
	}
}

// RecoverOrphans fails jobs left running or paused by a previous process.
// It returns how many jobs were failed.
func RecoverOrphans(ctx context.Context, jobs job.Store, reporter Transitioner, logger *zap.Logger) (int, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	failure := &job.ErrorInfo{
		Code:    job.ErrorCodeInterrupted,
		Message: "job was interrupted by a process restart",
	}
	recovered := 0
	for _, status := range []job.Status{job.StatusRunning, job.StatusPaused} {
		orphans, _, err := jobs.ListJobs(ctx, job.ListFilter{Status: status})
		if err != nil {
			return recovered, err
		}
		for _, j := range orphans {
			if j.Status == job.StatusPaused {
				if _, err := reporter.Transition(ctx, j.ID, job.ActionResume, nil); err != nil {
					logger.Warn("resume orphaned job", zap.String("job_id", j.ID), zap.Error(err))
					continue
				}
			}
			if _, err := reporter.Transition(ctx, j.ID, job.ActionFail, failure); err != nil {
				logger.Warn("fail orphaned job", zap.String("job_id", j.ID), zap.Error(err))
				continue
			}
			metrics.ObserveJob(string(job.StatusFailed))
			logger.Info("failed orphaned job", zap.String("job_id", j.ID), zap.String("previous_status", string(status)))
			recovered++
		}
	}
	return recovered, nil
}
