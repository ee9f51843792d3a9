package results

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"os"
	"path/filepath"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/JakeFAU/scrape-orchestrator/internal/job"
)

const renderPageSize = 500

// FileName returns the results file name for format.
func FileName(format job.FileFormat) string {
	return ResultsBaseName + "." + format.Extension()
}

// Finalize renders every stored result of j into {folder}/results.{ext} and
// returns the file path.
func (c *Collector) Finalize(ctx context.Context, j job.Job) (string, error) {
	dir := c.JobDir(j.FolderName)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create job dir %s: %w", dir, err)
	}
	target := filepath.Join(dir, FileName(j.FileFormat))
	tmp := target + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", tmp, err)
	}
	if err := c.Render(ctx, f, j, j.FileFormat); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, target); err != nil {
		return "", fmt.Errorf("rename %s: %w", target, err)
	}
	return target, nil
}

// Render streams j's stored results to w in format, paging through the store.
func (c *Collector) Render(ctx context.Context, w io.Writer, j job.Job, format job.FileFormat) error {
	switch format {
	case job.FormatMarkdown:
		return c.renderMarkdown(ctx, w, j.ID)
	case job.FormatHTML:
		return c.renderHTML(ctx, w, j)
	default:
		return c.renderJSON(ctx, w, j.ID)
	}
}

type exportedItem struct {
	Sequence  int64           `json:"sequence"`
	SourceURL string          `json:"sourceUrl"`
	Data      json.RawMessage `json:"data"`
}

func (c *Collector) each(ctx context.Context, jobID string, fn func(job.ResultItem) error) error {
	for offset := 0; ; offset += renderPageSize {
		page, total, err := c.store.ListResults(ctx, jobID, renderPageSize, offset)
		if err != nil {
			return fmt.Errorf("list results: %w", err)
		}
		for _, item := range page {
			if err := fn(item); err != nil {
				return err
			}
		}
		if len(page) == 0 || offset+len(page) >= total {
			return nil
		}
	}
}

func (c *Collector) renderJSON(ctx context.Context, w io.Writer, jobID string) error {
	if _, err := io.WriteString(w, "[\n"); err != nil {
		return fmt.Errorf("write results: %w", err)
	}
	first := true
	err := c.each(ctx, jobID, func(item job.ResultItem) error {
		raw, err := json.Marshal(exportedItem{Sequence: item.Sequence, SourceURL: item.SourceURL, Data: item.Payload})
		if err != nil {
			return fmt.Errorf("marshal result %d: %w", item.Sequence, err)
		}
		if !first {
			if _, err := io.WriteString(w, ",\n"); err != nil {
				return fmt.Errorf("write results: %w", err)
			}
		}
		first = false
		if _, err := w.Write(append([]byte("  "), raw...)); err != nil {
			return fmt.Errorf("write results: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if _, err := io.WriteString(w, "\n]\n"); err != nil {
		return fmt.Errorf("write results: %w", err)
	}
	return nil
}

func (c *Collector) renderMarkdown(ctx context.Context, w io.Writer, jobID string) error {
	if _, err := io.WriteString(w, "# Scraped Data\n"); err != nil {
		return fmt.Errorf("write results: %w", err)
	}
	n := 0
	return c.each(ctx, jobID, func(item job.ResultItem) error {
		n++
		var pretty bytes.Buffer
		if err := json.Indent(&pretty, item.Payload, "", "  "); err != nil {
			pretty.Reset()
			pretty.Write(item.Payload)
		}
		_, err := fmt.Fprintf(w, "\n## Item %d\n\nSource: <%s>\n\n```json\n%s\n```\n", n, item.SourceURL, pretty.String())
		if err != nil {
			return fmt.Errorf("write results: %w", err)
		}
		return nil
	})
}

var markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))

func (c *Collector) renderHTML(ctx context.Context, w io.Writer, j job.Job) error {
	var md bytes.Buffer
	if err := c.renderMarkdown(ctx, &md, j.ID); err != nil {
		return err
	}
	var body bytes.Buffer
	if err := markdown.Convert(md.Bytes(), &body); err != nil {
		return fmt.Errorf("render html: %w", err)
	}
	_, err := fmt.Fprintf(w, "<!DOCTYPE html>\n<html>\n<head>\n<meta charset=\"utf-8\">\n<title>%s</title>\n</head>\n<body>\n%s</body>\n</html>\n",
		html.EscapeString(j.Name), body.String())
	if err != nil {
		return fmt.Errorf("write results: %w", err)
	}
	return nil
}
