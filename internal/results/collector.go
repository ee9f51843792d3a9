// Package results persists scraped items as they complete and renders the
// final results file for a job.
package results

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-orchestrator/internal/job"
)

// Well known artifact names inside a job folder.
const (
	ItemsFile       = "items.jsonl"
	CategoriesFile  = "categories.json"
	ItemURLsFile    = "item_urls.json"
	DocumentsDir    = "documents"
	ScreenshotsDir  = "screenshots"
	ResultsBaseName = "results"

	DefaultBatchSize = 25
)

// Collector opens per-job sessions rooted under {base}/jobs.
type Collector struct {
	store     job.Store
	baseDir   string
	batchSize int
	logger    *zap.Logger
}

// NewCollector constructs a Collector.
func NewCollector(store job.Store, baseDir string, batchSize int, logger *zap.Logger) *Collector {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collector{store: store, baseDir: baseDir, batchSize: batchSize, logger: logger}
}

// JobDir returns the absolute active directory of a job folder.
func (c *Collector) JobDir(folder string) string {
	return filepath.Join(c.baseDir, filepath.FromSlash(job.ActiveDir(folder)))
}

// Session buffers one job's items and writes its artifacts.
type Session struct {
	c       *Collector
	jobID   string
	dir     string
	mu      sync.Mutex
	pending []job.ResultItem
	items   *os.File
	names   map[string]int
	stored  int64
}

// Open creates the job's folder and starts a session. Existing items.jsonl
// content is kept so a resumed job keeps appending.
func (c *Collector) Open(j job.Job) (*Session, error) {
	if !job.ValidFolderName(j.FolderName) {
		return nil, fmt.Errorf("invalid folder name %q", j.FolderName)
	}
	dir := c.JobDir(j.FolderName)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create job dir %s: %w", dir, err)
	}
	f, err := os.OpenFile(filepath.Join(dir, ItemsFile), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", ItemsFile, err)
	}
	return &Session{c: c, jobID: j.ID, dir: dir, items: f, names: make(map[string]int)}, nil
}

// Dir returns the session's job directory.
func (s *Session) Dir() string {
	return s.dir
}

// Stored reports how many items have been persisted by this session.
func (s *Session) Stored() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stored
}

// Add buffers an item and flushes once a batch is full.
func (s *Session) Add(ctx context.Context, sourceURL string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal result payload: %w", err)
	}
	s.mu.Lock()
	s.pending = append(s.pending, job.ResultItem{SourceURL: sourceURL, Payload: raw})
	full := len(s.pending) >= s.c.batchSize
	s.mu.Unlock()
	if full {
		return s.Flush(ctx)
	}
	return nil
}

// Flush writes buffered items to the store and to items.jsonl.
func (s *Session) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return nil
	}
	stored, err := s.c.store.AppendResults(ctx, s.jobID, s.pending)
	if err != nil {
		return fmt.Errorf("append results: %w", err)
	}
	s.pending = s.pending[:0]
	w := bufio.NewWriter(s.items)
	enc := json.NewEncoder(w)
	for _, item := range stored {
		if err := enc.Encode(item); err != nil {
			return fmt.Errorf("write %s: %w", ItemsFile, err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush %s: %w", ItemsFile, err)
	}
	s.stored += int64(len(stored))
	return nil
}

// WriteJSON writes v as an indented JSON artifact named name.
func (s *Session) WriteJSON(name string, v any) error {
	payload, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}
	if err := os.WriteFile(filepath.Join(s.dir, name), payload, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

// WriteDocument stores a downloaded document and returns its path relative to
// the job folder.
func (s *Session) WriteDocument(name string, body []byte) (string, error) {
	return s.writeUnder(DocumentsDir, name, body)
}

// WriteScreenshot stores a page capture and returns its relative path.
func (s *Session) WriteScreenshot(name string, png []byte) (string, error) {
	if filepath.Ext(name) == "" {
		name += ".png"
	}
	return s.writeUnder(ScreenshotsDir, name, png)
}

func (s *Session) writeUnder(sub, name string, body []byte) (string, error) {
	dir := filepath.Join(s.dir, sub)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create %s: %w", sub, err)
	}
	s.mu.Lock()
	rel := filepath.Join(sub, s.uniqueName(sub, SafeName(name)))
	s.mu.Unlock()
	if err := os.WriteFile(filepath.Join(s.dir, rel), body, 0o600); err != nil {
		return "", fmt.Errorf("write %s: %w", rel, err)
	}
	return filepath.ToSlash(rel), nil
}

func (s *Session) uniqueName(sub, name string) string {
	key := sub + "/" + name
	n := s.names[key]
	s.names[key] = n + 1
	if n == 0 {
		if _, err := os.Stat(filepath.Join(s.dir, sub, name)); errors.Is(err, os.ErrNotExist) {
			return name
		}
	}
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := max(n, 1); ; i++ {
		candidate := stem + "-" + strconv.Itoa(i) + ext
		if _, err := os.Stat(filepath.Join(s.dir, sub, candidate)); errors.Is(err, os.ErrNotExist) {
			s.names[key] = i + 1
			return candidate
		}
	}
}

// Close flushes outstanding items and closes items.jsonl.
func (s *Session) Close(ctx context.Context) error {
	flushErr := s.Flush(ctx)
	closeErr := s.items.Close()
	if flushErr != nil {
		return flushErr
	}
	if closeErr != nil {
		return fmt.Errorf("close %s: %w", ItemsFile, closeErr)
	}
	return nil
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// SafeName reduces name to a single safe path element.
func SafeName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	name = unsafeChars.ReplaceAllString(name, "_")
	name = strings.Trim(name, "._")
	if name == "" {
		return "file"
	}
	return name
}
