package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/JakeFAU/scrape-orchestrator/internal/job"
)

// Usage summarises one storage area.
type Usage struct {
	Count int     `json:"count"`
	Bytes int64   `json:"bytes"`
	MB    float64 `json:"mb"`
	GB    float64 `json:"gb"`
}

func newUsage(count int, bytes int64) Usage {
	return Usage{
		Count: count,
		Bytes: bytes,
		MB:    float64(bytes) / (1 << 20),
		GB:    float64(bytes) / (1 << 30),
	}
}

// StorageStats reports disk usage of active folders and archive bundles.
type StorageStats struct {
	Active    Usage `json:"active"`
	Archived  Usage `json:"archived"`
	Total     Usage `json:"total"`
	TotalJobs int   `json:"totalJobs"`
}

// StorageStats walks the base directory and counts active job folders and
// archive bundles.
func (m *Manager) StorageStats(ctx context.Context) (StorageStats, error) {
	var stats StorageStats

	activeRoot := filepath.Join(m.cfg.BaseDir, "jobs")
	entries, err := os.ReadDir(activeRoot)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return stats, fmt.Errorf("read active dir: %w", err)
	}
	var activeCount int
	var activeBytes int64
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		_, n, err := dirSize(filepath.Join(activeRoot, e.Name()))
		if err != nil {
			return stats, fmt.Errorf("size %s: %w", e.Name(), err)
		}
		activeCount++
		activeBytes += n
	}

	var archivedCount int
	var archivedBytes int64
	archiveRoot := filepath.Join(m.cfg.BaseDir, "archive")
	err = filepath.WalkDir(archiveRoot, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".tar.gz") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		archivedCount++
		archivedBytes += info.Size()
		return nil
	})
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return stats, fmt.Errorf("walk archive dir: %w", err)
	}

	_, total, err := m.store.ListJobs(ctx, job.ListFilter{Limit: 1})
	if err != nil {
		return stats, fmt.Errorf("count jobs: %w", err)
	}

	stats.Active = newUsage(activeCount, activeBytes)
	stats.Archived = newUsage(archivedCount, archivedBytes)
	stats.Total = newUsage(activeCount+archivedCount, activeBytes+archivedBytes)
	stats.TotalJobs = total
	return stats, nil
}
