package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/scrape-orchestrator/internal/job"
	"github.com/JakeFAU/scrape-orchestrator/internal/progress"
)

// PrometheusSink exports job progress as Prometheus metrics.
type PrometheusSink struct {
	transitions *prometheus.CounterVec
	jobsRunning prometheus.Gauge
	jobRuntime  *prometheus.HistogramVec
	stats       *prometheus.CounterVec
	logs        *prometheus.CounterVec
	uploads     *prometheus.CounterVec

	tracker *jobTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scraper_job_transitions_total",
			Help: "Job status transitions partitioned by resulting status.",
		}, []string{"status"}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scraper_jobs_running",
			Help: "Jobs currently running or paused.",
		}),
		jobRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scraper_job_runtime_seconds",
			Help:    "Wall time from start to terminal status.",
			Buckets: []float64{5, 15, 30, 60, 300, 600, 1800, 3600, 7200},
		}, []string{"status"}),
		stats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scraper_job_stats_total",
			Help: "Sum of job statistic increments partitioned by counter.",
		}, []string{"stat"}),
		logs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scraper_job_log_entries_total",
			Help: "Job log entries partitioned by level.",
		}, []string{"level"}),
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scraper_job_uploads_total",
			Help: "Recorded upload outcomes partitioned by status.",
		}, []string{"status"}),
		tracker: newJobTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.transitions,
		s.jobsRunning,
		s.jobRuntime,
		s.stats,
		s.logs,
		s.uploads,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Kind {
		case progress.KindTransition:
			s.handleTransition(evt)
		case progress.KindStat:
			s.stats.WithLabelValues(string(evt.Stat)).Add(float64(evt.Delta))
		case progress.KindLog:
			s.logs.WithLabelValues(string(evt.Level)).Inc()
		case progress.KindUpload:
			if evt.Upload == job.UploadSuccess || evt.Upload == job.UploadFailed {
				s.uploads.WithLabelValues(string(evt.Upload)).Inc()
			}
		}
	}
	return nil
}

func (s *PrometheusSink) handleTransition(evt progress.Event) {
	s.transitions.WithLabelValues(string(evt.Status)).Inc()
	switch {
	case evt.Status == job.StatusRunning:
		if s.tracker.start(evt.JobID) {
			s.jobsRunning.Inc()
		}
	case evt.Status.Terminal():
		if s.tracker.complete(evt.JobID) {
			s.jobsRunning.Dec()
		}
		if evt.Dur > 0 {
			s.jobRuntime.WithLabelValues(string(evt.Status)).Observe(evt.Dur.Seconds())
		}
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type jobTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newJobTracker() *jobTracker {
	return &jobTracker{running: make(map[string]struct{})}
}

func (t *jobTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *jobTracker) complete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
