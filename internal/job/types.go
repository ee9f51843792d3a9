// Package job defines the job data model, its status state machine and the
// persistence contracts shared by the rest of the orchestrator.
package job

import (
	"encoding/json"
	"time"
)

// Status represents the lifecycle state of a scraping job.
type Status string

// Job status values persisted in the job store.
const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusPaused, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transitions are possible from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// TypeWeb is the only job type currently supported.
const TypeWeb = "web"

// Phase tags the pipeline stage a job is currently executing.
type Phase string

// Pipeline phases in execution order.
const (
	PhaseQueued             Phase = "queued"
	PhaseDiscoverCategories Phase = "discover_categories"
	PhaseCollectItemURLs    Phase = "collect_item_urls"
	PhaseScrapeItemDetails  Phase = "scrape_item_details"
	PhaseExtractDocuments   Phase = "extract_and_fetch_documents"
	PhasePersistResults     Phase = "collect_and_persist_results"
	PhaseDone               Phase = "done"
)

// Phases lists the pipeline phases in the order they run.
var Phases = []Phase{
	PhaseDiscoverCategories,
	PhaseCollectItemURLs,
	PhaseScrapeItemDetails,
	PhaseExtractDocuments,
	PhasePersistResults,
}

// Job is the central record tracked for every scraping run.
type Job struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Type        string `json:"type"`
	CreatedBy   string `json:"createdBy"`

	Config Config `json:"config"`

	Status   Status     `json:"status"`
	Progress Progress   `json:"progress"`
	Stats    Stats      `json:"stats"`
	Error    *ErrorInfo `json:"error,omitempty"`

	FolderName string        `json:"folderName"`
	FileFormat FileFormat    `json:"fileFormat"`
	Upload     *UploadResult `json:"upload,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`

	ArchivedAt     *time.Time `json:"archivedAt,omitempty"`
	ArchivePath    string     `json:"archivePath,omitempty"`
	DeletedAt      *time.Time `json:"deletedAt,omitempty"`
	DeletionReason string     `json:"deletionReason,omitempty"`
}

// Progress captures advisory completion information for observers.
type Progress struct {
	Percentage          float64    `json:"percentage"`
	Phase               Phase      `json:"phase"`
	PagesScraped        int        `json:"pagesScraped"`
	TotalPages          *int       `json:"totalPages"`
	StartedAt           *time.Time `json:"startedAt,omitempty"`
	EstimatedCompletion *time.Time `json:"estimatedCompletion,omitempty"`
}

// Stats holds monotonically increasing job counters.
type Stats struct {
	BytesDownloaded     int64 `json:"bytesDownloaded"`
	ItemsExtracted      int64 `json:"itemsExtracted"`
	CategoriesFound     int64 `json:"categoriesFound"`
	DocumentsDownloaded int64 `json:"documentsDownloaded"`
	Errors              int64 `json:"errors"`
	Retries             int64 `json:"retries"`
}

// StatField names one counter in Stats.
type StatField string

// Stat counters that may be incremented through the progress reporter.
const (
	StatBytesDownloaded     StatField = "bytesDownloaded"
	StatItemsExtracted      StatField = "itemsExtracted"
	StatCategoriesFound     StatField = "categoriesFound"
	StatDocumentsDownloaded StatField = "documentsDownloaded"
	StatErrors              StatField = "errors"
	StatRetries             StatField = "retries"
)

// Add increments the named counter. Unknown fields report false.
func (s *Stats) Add(field StatField, delta int64) bool {
	switch field {
	case StatBytesDownloaded:
		s.BytesDownloaded += delta
	case StatItemsExtracted:
		s.ItemsExtracted += delta
	case StatCategoriesFound:
		s.CategoriesFound += delta
	case StatDocumentsDownloaded:
		s.DocumentsDownloaded += delta
	case StatErrors:
		s.Errors += delta
	case StatRetries:
		s.Retries += delta
	default:
		return false
	}
	return true
}

// Error codes recorded on failed jobs.
const (
	ErrorCodeSetup       = "setup_failed"
	ErrorCodeTimeout     = "timeout"
	ErrorCodeInterrupted = "interrupted"
	ErrorCodeInternal    = "internal"
)

// ErrorInfo is the structured summary attached to a failed job.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Phase   Phase  `json:"phase,omitempty"`
}

// UploadStatus tracks the remote transfer of a job's artifacts.
type UploadStatus string

// Upload statuses recorded in the upload sub-record.
const (
	UploadPending    UploadStatus = "pending"
	UploadInProgress UploadStatus = "in_progress"
	UploadSuccess    UploadStatus = "success"
	UploadFailed     UploadStatus = "failed"
)

// UploadResult is the upload sub-record kept independently of job status.
type UploadResult struct {
	Status        UploadStatus      `json:"status"`
	UploadedAt    *time.Time        `json:"uploadedAt,omitempty"`
	FilesUploaded int               `json:"filesUploaded"`
	BytesUploaded int64             `json:"bytesUploaded"`
	URLs          map[string]string `json:"urls,omitempty"`
	Errors        []string          `json:"errors,omitempty"`
}

// LogLevel is the severity of a job log entry.
type LogLevel string

// Supported job log levels.
const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// Valid reports whether l is a known level.
func (l LogLevel) Valid() bool {
	switch l {
	case LevelDebug, LevelInfo, LevelWarn, LevelError:
		return true
	default:
		return false
	}
}

// LogEntry is an immutable, append-only job log record.
type LogEntry struct {
	ID        int64          `json:"id"`
	JobID     string         `json:"jobId"`
	Timestamp time.Time      `json:"timestamp"`
	Level     LogLevel       `json:"level"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// ResultItem is one unit of scraped output. Payload is opaque to the orchestrator.
type ResultItem struct {
	JobID     string          `json:"jobId"`
	Sequence  int64           `json:"sequence"`
	SourceURL string          `json:"sourceUrl"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"createdAt"`
}

// AuditRecord preserves a summary of a job whose data was deleted.
type AuditRecord struct {
	JobID       string     `json:"jobId"`
	Name        string     `json:"name"`
	FolderName  string     `json:"folderName"`
	Strategy    string     `json:"strategy"`
	Reason      string     `json:"reason"`
	CreatedBy   string     `json:"createdBy"`
	Stats       Stats      `json:"stats"`
	CreatedAt   time.Time  `json:"createdAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	ArchivedAt  *time.Time `json:"archivedAt,omitempty"`
	DeletedAt   time.Time  `json:"deletedAt"`
}
