package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/scrape-orchestrator/internal/job"
)

// Kind denotes which write an Event mirrors.
type Kind string

// Supported event kinds.
const (
	KindTransition Kind = "TRANSITION"
	KindProgress   Kind = "PROGRESS"
	KindStat       Kind = "STAT"
	KindLog        Kind = "LOG"
	KindUpload     Kind = "UPLOAD"
)

// Event is an advisory notification of a write applied by the Reporter.
type Event struct {
	// JobID identifies the job the write applied to.
	JobID string
	// TS is the UTC timestamp recorded by the reporter.
	TS time.Time
	// Kind denotes which write occurred.
	Kind Kind
	// Status is the job status after a transition.
	Status job.Status
	// Action is the transition action that was applied.
	Action job.Action
	// Phase is the phase tag after a progress write.
	Phase job.Phase
	// Done and Total carry the item counts of a progress write.
	Done  int
	Total int
	// Stat and Delta describe a counter increment.
	Stat  job.StatField
	Delta int64
	// Level is the severity of a log write.
	Level job.LogLevel
	// Upload is the upload status recorded on the job.
	Upload job.UploadStatus
	// Dur is the job runtime on terminal transitions.
	Dur time.Duration
	// Note carries low-volume context such as an error code or log message.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.JobID == "" {
		return errors.New("job id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Kind {
	case KindTransition:
		if e.Status == "" {
			return errors.New("transition requires status")
		}
	case KindProgress:
		if e.Phase == "" {
			return errors.New("progress requires phase")
		}
	case KindStat:
		if e.Stat == "" {
			return errors.New("stat requires field")
		}
		if e.Delta < 0 {
			return errors.New("stat delta must be >= 0")
		}
	case KindLog:
		if !e.Level.Valid() {
			return fmt.Errorf("invalid log level %q", e.Level)
		}
	case KindUpload:
		if e.Upload == "" {
			return errors.New("upload requires status")
		}
	default:
		return fmt.Errorf("unknown kind %q", e.Kind)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
