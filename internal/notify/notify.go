// Package notify announces finished jobs to downstream consumers.
package notify

import (
	"context"
	"time"

	"github.com/JakeFAU/scrape-orchestrator/internal/job"
)

// JobFinished is published once a job reaches a terminal status.
type JobFinished struct {
	JobID       string     `json:"jobId"`
	Name        string     `json:"name"`
	FolderName  string     `json:"folderName"`
	Status      job.Status `json:"status"`
	ErrorCode   string     `json:"errorCode,omitempty"`
	Items       int64      `json:"itemsExtracted"`
	Errors      int64      `json:"errors"`
	ResultsFile string     `json:"resultsFile,omitempty"`
	FinishedAt  time.Time  `json:"finishedAt"`
}

// FromJob builds the notification for a terminal job record.
func FromJob(j job.Job, resultsFile string, now time.Time) JobFinished {
	evt := JobFinished{
		JobID:       j.ID,
		Name:        j.Name,
		FolderName:  j.FolderName,
		Status:      j.Status,
		Items:       j.Stats.ItemsExtracted,
		Errors:      j.Stats.Errors,
		ResultsFile: resultsFile,
		FinishedAt:  now,
	}
	if j.CompletedAt != nil {
		evt.FinishedAt = *j.CompletedAt
	}
	if j.Error != nil {
		evt.ErrorCode = j.Error.Code
	}
	return evt
}

// Notifier delivers JobFinished events.
type Notifier interface {
	Notify(ctx context.Context, evt JobFinished) error
}

// Nop discards notifications.
type Nop struct{}

// Notify implements Notifier.
func (Nop) Notify(context.Context, JobFinished) error {
	return nil
}
