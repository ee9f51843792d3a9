// Package memory provides an in-memory job store for development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/scrape-orchestrator/internal/job"
)

// JobStore implements job.Store with maps guarded by a RWMutex.
type JobStore struct {
	mu      sync.RWMutex
	jobs    map[string]job.Job
	logs    map[string][]job.LogEntry
	results map[string][]job.ResultItem
	audit   []job.AuditRecord
	logSeq  int64
	now     func() time.Time
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{
		jobs:    make(map[string]job.Job),
		logs:    make(map[string][]job.LogEntry),
		results: make(map[string][]job.ResultItem),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// CreateJob stores a new job.
func (s *JobStore) CreateJob(_ context.Context, j job.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[j.ID]; exists {
		return fmt.Errorf("create job %s: %w", j.ID, job.ErrAlreadyExists)
	}
	s.jobs[j.ID] = j.Clone()
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(_ context.Context, id string) (job.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return job.Job{}, job.ErrNotFound
	}
	return j.Clone(), nil
}

// ListJobs returns jobs newest first along with the unpaginated total.
func (s *JobStore) ListJobs(_ context.Context, f job.ListFilter) ([]job.Job, int, error) {
	s.mu.RLock()
	matched := make([]job.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		if f.Type != "" && j.Type != f.Type {
			continue
		}
		if f.CreatedBy != "" && j.CreatedBy != f.CreatedBy {
			continue
		}
		matched = append(matched, j.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(a, b int) bool {
		return matched[a].FolderName > matched[b].FolderName
	})
	total := len(matched)
	return paginate(matched, f.Limit, f.Offset), total, nil
}

// UpdateJob applies mutate to a copy and stores it only when mutate succeeds.
func (s *JobStore) UpdateJob(_ context.Context, id string, mutate func(*job.Job) error) (job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.jobs[id]
	if !ok {
		return job.Job{}, job.ErrNotFound
	}
	next := current.Clone()
	if err := mutate(&next); err != nil {
		return current.Clone(), err
	}
	next.ID = current.ID
	next.FolderName = current.FolderName
	s.jobs[id] = next
	return next.Clone(), nil
}

// DeleteJob removes the job and cascades to its logs and results.
func (s *JobStore) DeleteJob(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return job.ErrNotFound
	}
	delete(s.jobs, id)
	delete(s.logs, id)
	delete(s.results, id)
	return nil
}

// AppendLog appends a log entry for an existing job.
func (s *JobStore) AppendLog(_ context.Context, entry job.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[entry.JobID]; !ok {
		return job.ErrNotFound
	}
	s.logSeq++
	entry.ID = s.logSeq
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.now()
	}
	s.logs[entry.JobID] = append(s.logs[entry.JobID], entry)
	return nil
}

// ListLogs returns entries ordered by timestamp, optionally filtered by level.
func (s *JobStore) ListLogs(_ context.Context, jobID string, f job.LogFilter) ([]job.LogEntry, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.jobs[jobID]; !ok {
		return nil, 0, job.ErrNotFound
	}
	matched := make([]job.LogEntry, 0, len(s.logs[jobID]))
	for _, e := range s.logs[jobID] {
		if f.Level != "" && e.Level != f.Level {
			continue
		}
		matched = append(matched, e)
	}
	sort.SliceStable(matched, func(a, b int) bool {
		return matched[a].Timestamp.Before(matched[b].Timestamp)
	})
	return paginate(matched, f.Limit, f.Offset), len(matched), nil
}

// AppendResults assigns dense per-job sequence numbers and stores the items.
func (s *JobStore) AppendResults(_ context.Context, jobID string, items []job.ResultItem) ([]job.ResultItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[jobID]; !ok {
		return nil, job.ErrNotFound
	}
	next := int64(len(s.results[jobID]))
	out := make([]job.ResultItem, 0, len(items))
	for _, item := range items {
		next++
		item.JobID = jobID
		item.Sequence = next
		if item.CreatedAt.IsZero() {
			item.CreatedAt = s.now()
		}
		item.Payload = append([]byte(nil), item.Payload...)
		out = append(out, item)
	}
	s.results[jobID] = append(s.results[jobID], out...)
	return out, nil
}

// ListResults returns results in sequence order.
func (s *JobStore) ListResults(_ context.Context, jobID string, limit, offset int) ([]job.ResultItem, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.jobs[jobID]; !ok {
		return nil, 0, job.ErrNotFound
	}
	all := s.results[jobID]
	page := paginate(all, limit, offset)
	out := make([]job.ResultItem, len(page))
	copy(out, page)
	return out, len(all), nil
}

// ArchiveCandidates returns completed, unarchived jobs finished before the cutoff.
func (s *JobStore) ArchiveCandidates(_ context.Context, completedBefore time.Time) ([]job.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []job.Job
	for _, j := range s.jobs {
		if j.Status != job.StatusCompleted || j.ArchivedAt != nil || j.CompletedAt == nil {
			continue
		}
		if j.CompletedAt.Before(completedBefore) {
			out = append(out, j.Clone())
		}
	}
	sortByFolder(out)
	return out, nil
}

// DeleteCandidates returns archived, not yet deleted jobs archived before the cutoff.
func (s *JobStore) DeleteCandidates(_ context.Context, archivedBefore time.Time) ([]job.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []job.Job
	for _, j := range s.jobs {
		if j.ArchivedAt == nil || j.DeletedAt != nil {
			continue
		}
		if j.ArchivedAt.Before(archivedBefore) {
			out = append(out, j.Clone())
		}
	}
	sortByFolder(out)
	return out, nil
}

// RecordAudit appends a deletion audit record.
func (s *JobStore) RecordAudit(_ context.Context, rec job.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, rec)
	return nil
}

// AuditRecords returns a copy of the audit trail.
func (s *JobStore) AuditRecords() []job.AuditRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]job.AuditRecord, len(s.audit))
	copy(out, s.audit)
	return out
}

// Aggregate computes the statistics summary.
func (s *JobStore) Aggregate(_ context.Context, f job.AggregateFilter) (job.Aggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	agg := job.Aggregate{ByStatus: make(map[job.Status]int)}
	var (
		durationTotal time.Duration
		durationCount int
	)
	for _, j := range s.jobs {
		if f.CreatedBy != "" && j.CreatedBy != f.CreatedBy {
			continue
		}
		agg.TotalJobs++
		agg.ByStatus[j.Status]++
		agg.TotalPagesScraped += int64(j.Progress.PagesScraped)
		agg.TotalBytesDownloaded += j.Stats.BytesDownloaded
		if j.Status == job.StatusCompleted && j.StartedAt != nil && j.CompletedAt != nil {
			durationTotal += j.CompletedAt.Sub(*j.StartedAt)
			durationCount++
		}
		if j.CompletedAt != nil && !j.CompletedAt.Before(f.Since) {
			if j.Status == job.StatusCompleted {
				agg.Recent.JobsCompleted++
			}
			agg.Recent.PagesScraped += int64(j.Progress.PagesScraped)
		}
	}
	if durationCount > 0 {
		agg.AverageDuration = durationTotal / time.Duration(durationCount)
	}
	return agg, nil
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return []T{}
	}
	end := len(items)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return items[offset:end]
}

func sortByFolder(jobs []job.Job) {
	sort.Slice(jobs, func(a, b int) bool {
		return jobs[a].FolderName < jobs[b].FolderName
	})
}
