package job

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by stores when a job does not exist.
var ErrNotFound = errors.New("job not found")

// ErrAlreadyExists is returned when creating a job whose id is taken.
var ErrAlreadyExists = errors.New("job already exists")

// ListFilter narrows ListJobs.
type ListFilter struct {
	Status    Status
	Type      string
	CreatedBy string
	Limit     int
	Offset    int
}

// LogFilter narrows ListLogs.
type LogFilter struct {
	Level  LogLevel
	Limit  int
	Offset int
}

// AggregateFilter scopes Aggregate to an owner (empty = all) and a recent window.
type AggregateFilter struct {
	CreatedBy string
	Since     time.Time
}

// Aggregate summarises the store for the statistics endpoint.
type Aggregate struct {
	TotalJobs            int             `json:"totalJobs"`
	ByStatus             map[Status]int  `json:"byStatus"`
	TotalPagesScraped    int64           `json:"totalPagesScraped"`
	TotalBytesDownloaded int64           `json:"totalBytesDownloaded"`
	AverageDuration      time.Duration   `json:"-"`
	Recent               AggregateWindow `json:"last24h"`
}

// AggregateWindow counts activity since AggregateFilter.Since.
type AggregateWindow struct {
	JobsCompleted int   `json:"jobsCompleted"`
	PagesScraped  int64 `json:"pagesScraped"`
}

// Store persists jobs together with their logs and results.
type Store interface {
	CreateJob(ctx context.Context, j Job) error
	GetJob(ctx context.Context, id string) (Job, error)
	ListJobs(ctx context.Context, filter ListFilter) ([]Job, int, error)
	// UpdateJob applies mutate atomically; if mutate returns an error nothing is written.
	UpdateJob(ctx context.Context, id string, mutate func(*Job) error) (Job, error)
	// DeleteJob removes the job row together with its logs and results.
	DeleteJob(ctx context.Context, id string) error

	AppendLog(ctx context.Context, entry LogEntry) error
	ListLogs(ctx context.Context, jobID string, filter LogFilter) ([]LogEntry, int, error)

	// AppendResults stores items and returns them with their assigned sequence numbers.
	AppendResults(ctx context.Context, jobID string, items []ResultItem) ([]ResultItem, error)
	ListResults(ctx context.Context, jobID string, limit, offset int) ([]ResultItem, int, error)

	ArchiveCandidates(ctx context.Context, completedBefore time.Time) ([]Job, error)
	DeleteCandidates(ctx context.Context, archivedBefore time.Time) ([]Job, error)
	RecordAudit(ctx context.Context, rec AuditRecord) error

	Aggregate(ctx context.Context, filter AggregateFilter) (Aggregate, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs.
type IDGenerator interface {
	NewID() (string, error)
}
