package progress

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-orchestrator/internal/job"
)

// ErrNegativeDelta rejects stat decrements; counters only grow.
var ErrNegativeDelta = errors.New("stat delta must not be negative")

// ErrUnknownStat is returned for a StatField the job model does not define.
var ErrUnknownStat = errors.New("unknown stat field")

// Counts carries items done against the total known so far. Total is zero
// until item collection finishes.
type Counts struct {
	Done  int
	Total int
}

// Reporter is the only writer of a job's progress, statistics, logs, status and
// upload record. Calls for the same job are applied in the order issued.
type Reporter struct {
	store   job.Store
	clock   job.Clock
	emitter Emitter
	logger  *zap.Logger
	locks   *keyedMutex
}

// NewReporter constructs a Reporter. emitter and logger may be nil.
func NewReporter(store job.Store, clock job.Clock, emitter Emitter, logger *zap.Logger) *Reporter {
	if emitter == nil {
		emitter = nopEmitter{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reporter{
		store:   store,
		clock:   clock,
		emitter: emitter,
		logger:  logger,
		locks:   newKeyedMutex(),
	}
}

// Transition applies a state machine action. Illegal actions return the
// *job.RejectionError from the state machine with the stored job unchanged.
func (r *Reporter) Transition(ctx context.Context, jobID string, action job.Action, failure *job.ErrorInfo) (job.Job, error) {
	unlock := r.locks.Lock(jobID)
	defer unlock()

	now := r.now()
	updated, err := r.store.UpdateJob(ctx, jobID, func(j *job.Job) error {
		return j.Apply(action, now, failure)
	})
	if err != nil {
		return updated, fmt.Errorf("%s job %s: %w", action, jobID, err)
	}
	evt := Event{JobID: jobID, TS: now, Kind: KindTransition, Status: updated.Status, Action: action}
	if updated.Status.Terminal() && updated.StartedAt != nil {
		evt.Dur = now.Sub(*updated.StartedAt)
	}
	if updated.Error != nil && action == job.ActionFail {
		evt.Note = string(updated.Error.Code)
	}
	r.emitter.Emit(evt)
	r.logger.Info("job transitioned",
		zap.String("job_id", jobID),
		zap.String("action", string(action)),
		zap.String("status", string(updated.Status)))
	return updated, nil
}

// ReportProgress sets the phase tag and, once the total is known, the page
// counts, percentage and estimated completion.
func (r *Reporter) ReportProgress(ctx context.Context, jobID string, phase job.Phase, c Counts) error {
	unlock := r.locks.Lock(jobID)
	defer unlock()

	now := r.now()
	_, err := r.store.UpdateJob(ctx, jobID, func(j *job.Job) error {
		j.Progress.Phase = phase
		j.UpdatedAt = now
		if c.Total <= 0 {
			return nil
		}
		done := min(max(c.Done, 0), c.Total)
		total := c.Total
		j.Progress.TotalPages = &total
		j.Progress.PagesScraped = done
		j.Progress.Percentage = float64(done) / float64(total) * 100
		j.Progress.EstimatedCompletion = estimate(j.Progress.StartedAt, now, done, total)
		return nil
	})
	if err != nil {
		return fmt.Errorf("report progress for %s: %w", jobID, err)
	}
	r.emitter.Emit(Event{JobID: jobID, TS: now, Kind: KindProgress, Phase: phase, Done: c.Done, Total: c.Total})
	return nil
}

// ReportStatDelta adds delta to a statistics counter. Zero deltas are no-ops.
func (r *Reporter) ReportStatDelta(ctx context.Context, jobID string, field job.StatField, delta int64) error {
	if delta < 0 {
		return fmt.Errorf("%s %d: %w", field, delta, ErrNegativeDelta)
	}
	if delta == 0 {
		return nil
	}
	unlock := r.locks.Lock(jobID)
	defer unlock()

	now := r.now()
	_, err := r.store.UpdateJob(ctx, jobID, func(j *job.Job) error {
		if !j.Stats.Add(field, delta) {
			return fmt.Errorf("%q: %w", field, ErrUnknownStat)
		}
		j.UpdatedAt = now
		return nil
	})
	if err != nil {
		return fmt.Errorf("report stat for %s: %w", jobID, err)
	}
	r.emitter.Emit(Event{JobID: jobID, TS: now, Kind: KindStat, Stat: field, Delta: delta})
	return nil
}

// Log appends a log entry for the job.
func (r *Reporter) Log(ctx context.Context, jobID string, level job.LogLevel, message string, metadata map[string]any) error {
	if !level.Valid() {
		return fmt.Errorf("invalid log level %q", level)
	}
	unlock := r.locks.Lock(jobID)
	defer unlock()

	now := r.now()
	entry := job.LogEntry{JobID: jobID, Timestamp: now, Level: level, Message: message, Metadata: metadata}
	if err := r.store.AppendLog(ctx, entry); err != nil {
		return fmt.Errorf("append log for %s: %w", jobID, err)
	}
	r.emitter.Emit(Event{JobID: jobID, TS: now, Kind: KindLog, Level: level, Note: message})
	return nil
}

// RecordUpload stores the upload sub-record. Job status is never touched.
func (r *Reporter) RecordUpload(ctx context.Context, jobID string, res job.UploadResult) error {
	unlock := r.locks.Lock(jobID)
	defer unlock()

	now := r.now()
	_, err := r.store.UpdateJob(ctx, jobID, func(j *job.Job) error {
		rec := res
		j.Upload = &rec
		j.UpdatedAt = now
		return nil
	})
	if err != nil {
		return fmt.Errorf("record upload for %s: %w", jobID, err)
	}
	r.emitter.Emit(Event{JobID: jobID, TS: now, Kind: KindUpload, Upload: res.Status})
	return nil
}

func (r *Reporter) now() time.Time {
	if r.clock == nil {
		return time.Now().UTC()
	}
	return r.clock.Now().UTC()
}

func estimate(startedAt *time.Time, now time.Time, done, total int) *time.Time {
	if startedAt == nil || done <= 0 {
		return nil
	}
	elapsed := now.Sub(*startedAt)
	if elapsed < 0 {
		return nil
	}
	eta := startedAt.Add(time.Duration(float64(elapsed) * float64(total) / float64(done)))
	return &eta
}
