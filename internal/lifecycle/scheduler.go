package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Default cron schedules.
const (
	DefaultArchiveSchedule = "0 2 * * *"
	DefaultCleanupSchedule = "0 3 * * *"
	DefaultStatsSchedule   = "0 */6 * * *"
)

// Schedules holds the cron expressions of the periodic sweeps. An empty
// expression disables that sweep.
type Schedules struct {
	Archive string
	Cleanup string
	Stats   string
}

// Entry describes one registered sweep.
type Entry struct {
	Name     string    `json:"name"`
	Schedule string    `json:"schedule"`
	Next     time.Time `json:"next"`
	Prev     time.Time `json:"prev,omitempty"`
}

// Scheduler runs the lifecycle sweeps on cron schedules.
type Scheduler struct {
	manager *Manager
	cron    *cron.Cron
	entries map[string]registered
	logger  *zap.Logger
}

type registered struct {
	id       cron.EntryID
	schedule string
}

// NewScheduler registers the sweeps. The scheduler does nothing until Start.
func NewScheduler(manager *Manager, schedules Schedules, logger *zap.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	s := &Scheduler{
		manager: manager,
		cron:    cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger))),
		entries: make(map[string]registered),
		logger:  logger,
	}

	sweeps := []struct {
		name     string
		schedule string
		run      func(context.Context)
	}{
		{"archive", schedules.Archive, s.runArchive},
		{"cleanup", schedules.Cleanup, s.runCleanup},
		{"stats", schedules.Stats, s.runStats},
	}
	for _, sw := range sweeps {
		if sw.schedule == "" {
			continue
		}
		run := sw.run
		id, err := s.cron.AddFunc(sw.schedule, func() { run(context.Background()) })
		if err != nil {
			return nil, fmt.Errorf("schedule %s sweep %q: %w", sw.name, sw.schedule, err)
		}
		s.entries[sw.name] = registered{id: id, schedule: sw.schedule}
	}
	return s, nil
}

// Start begins running the schedules in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("lifecycle scheduler started", zap.Int("entries", len(s.entries)))
}

// Stop halts the scheduler and waits for running sweeps, or for ctx to end.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Entries lists the registered sweeps in a fixed order.
func (s *Scheduler) Entries() []Entry {
	var out []Entry
	for _, name := range []string{"archive", "cleanup", "stats"} {
		r, ok := s.entries[name]
		if !ok {
			continue
		}
		e := s.cron.Entry(r.id)
		next := e.Next
		if next.IsZero() && e.Schedule != nil {
			next = e.Schedule.Next(time.Now())
		}
		out = append(out, Entry{Name: name, Schedule: r.schedule, Next: next, Prev: e.Prev})
	}
	return out
}

func (s *Scheduler) runArchive(ctx context.Context) {
	res, err := s.manager.Archive(ctx, SweepOptions{})
	if err != nil {
		s.logger.Error("scheduled archive sweep", zap.Error(err))
		return
	}
	s.logger.Info("scheduled archive sweep done", zap.Int("archived", res.Archived), zap.Int("failed", res.Failed))
}

func (s *Scheduler) runCleanup(ctx context.Context) {
	res, err := s.manager.Cleanup(ctx, SweepOptions{})
	if err != nil {
		s.logger.Error("scheduled cleanup sweep", zap.Error(err))
		return
	}
	s.logger.Info("scheduled cleanup sweep done", zap.Int("deleted", res.Deleted), zap.Int("failed", res.Failed))
}

func (s *Scheduler) runStats(ctx context.Context) {
	stats, err := s.manager.StorageStats(ctx)
	if err != nil {
		s.logger.Error("storage stats", zap.Error(err))
		return
	}
	s.logger.Info("storage stats",
		zap.Int("active_jobs", stats.Active.Count),
		zap.Float64("active_mb", stats.Active.MB),
		zap.Int("archived_jobs", stats.Archived.Count),
		zap.Float64("archived_mb", stats.Archived.MB),
		zap.Int("total_jobs", stats.TotalJobs),
	)
}
