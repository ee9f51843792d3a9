// Package web implements the selector-driven extraction capability: colly
// fetches pages and goquery evaluates the job's CSS selectors.
package web

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/scrape-orchestrator/internal/extract"
	"github.com/JakeFAU/scrape-orchestrator/internal/job"
)

// Config controls collector behavior shared by every job.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	// MaxBodySize caps response bodies in bytes; zero keeps colly's default.
	MaxBodySize int
}

// Capability implements extract.Capability for ordinary HTML sites.
type Capability struct {
	cfg           Config
	baseCollector *colly.Collector
}

var _ extract.Capability = (*Capability)(nil)

// New builds a Capability.
func New(cfg Config) *Capability {
	c := colly.NewCollector(colly.AllowURLRevisit())
	c.WithTransport(newHTTPTransport())
	if cfg.MaxBodySize > 0 {
		c.MaxBodySize = cfg.MaxBodySize
	}
	return &Capability{cfg: cfg, baseCollector: c}
}

type page struct {
	url         *url.URL
	body        []byte
	contentType string
}

// DiscoverCategories returns category links on the start page. Without a
// category selector the start URL itself is the single category.
func (c *Capability) DiscoverCategories(ctx context.Context, cfg job.Config, startURL string) (extract.Discovery, error) {
	sel := cfg.Selectors.CategoryLink
	if sel == "" {
		return extract.Discovery{Categories: []extract.Link{{URL: startURL}}}, nil
	}
	p, err := c.fetch(ctx, cfg, startURL)
	if err != nil {
		return extract.Discovery{}, err
	}
	doc, err := p.document()
	if err != nil {
		return extract.Discovery{}, err
	}
	links := collectLinks(doc, sel, p.url)
	return extract.Discovery{Categories: links, Bytes: int64(len(p.body))}, nil
}

// CollectItemURLs gathers item links from a category listing, following the
// next-page selector up to CrawlDepth pages when FollowLinks is set.
func (c *Capability) CollectItemURLs(ctx context.Context, cfg job.Config, category extract.Link) (extract.Collection, error) {
	if cfg.Selectors.ItemLink == "" {
		return extract.Collection{}, extract.Permanent(errors.New("selectors.itemLink is required"))
	}
	var (
		out     extract.Collection
		seen    = make(map[string]struct{})
		visited = make(map[string]struct{})
		next    = category.URL
	)
	pages := 1
	if cfg.FollowLinks && cfg.CrawlDepth > 1 {
		pages = cfg.CrawlDepth
	}
	for i := 0; i < pages && next != ""; i++ {
		if _, ok := visited[next]; ok {
			break
		}
		visited[next] = struct{}{}
		p, err := c.fetch(ctx, cfg, next)
		if err != nil {
			if i == 0 {
				return extract.Collection{}, err
			}
			break
		}
		out.Bytes += int64(len(p.body))
		doc, err := p.document()
		if err != nil {
			return out, err
		}
		for _, l := range collectLinks(doc, cfg.Selectors.ItemLink, p.url) {
			if _, ok := seen[l.URL]; ok {
				continue
			}
			seen[l.URL] = struct{}{}
			out.URLs = append(out.URLs, l.URL)
		}
		next = ""
		if cfg.Selectors.NextPage != "" {
			if links := collectLinks(doc, cfg.Selectors.NextPage, p.url); len(links) > 0 {
				next = links[0].URL
			}
		}
	}
	return out, nil
}

// ExtractItem evaluates every field selector on the item page. Fields whose
// selector matches nothing, or only whitespace, are left out.
func (c *Capability) ExtractItem(ctx context.Context, cfg job.Config, itemURL string) (extract.Item, error) {
	p, err := c.fetch(ctx, cfg, itemURL)
	if err != nil {
		return extract.Item{}, err
	}
	doc, err := p.document()
	if err != nil {
		return extract.Item{}, err
	}
	item := extract.Item{
		SourceURL: p.url.String(),
		Fields:    make(map[string]string, len(cfg.Selectors.Fields)),
		Bytes:     int64(len(p.body)),
	}
	for name, spec := range cfg.Selectors.Fields {
		if v, ok := selectValue(doc, spec, p.url); ok {
			item.Fields[name] = v
		}
	}
	return item, nil
}

// ExtractDocuments lists document links on the item page.
func (c *Capability) ExtractDocuments(ctx context.Context, cfg job.Config, itemURL string) ([]extract.Link, error) {
	if cfg.Selectors.DocumentLink == "" {
		return nil, nil
	}
	p, err := c.fetch(ctx, cfg, itemURL)
	if err != nil {
		return nil, err
	}
	doc, err := p.document()
	if err != nil {
		return nil, err
	}
	return collectLinks(doc, cfg.Selectors.DocumentLink, p.url), nil
}

// FetchDocument downloads a document body.
func (c *Capability) FetchDocument(ctx context.Context, cfg job.Config, link extract.Link) (extract.Document, error) {
	p, err := c.fetch(ctx, cfg, link.URL)
	if err != nil {
		return extract.Document{}, err
	}
	name := link.Name
	if name == "" {
		name = path.Base(p.url.Path)
	}
	return extract.Document{
		URL:         p.url.String(),
		Name:        name,
		ContentType: p.contentType,
		Body:        p.body,
	}, nil
}

func (p *page) document() (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(p.body))
	if err != nil {
		return nil, extract.Permanent(fmt.Errorf("parse %s: %w", p.url, err))
	}
	return doc, nil
}

func (c *Capability) fetch(ctx context.Context, cfg job.Config, target string) (*page, error) {
	collector := c.baseCollector.Clone()
	if c.cfg.UserAgent != "" {
		collector.UserAgent = c.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = !cfg.RespectRobotsTxt
	timeout := c.cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	collector.SetRequestTimeout(timeout)

	var (
		result   *page
		status   int
		fetchErr error
	)
	collector.OnRequest(func(r *colly.Request) {
		for k, v := range cfg.Headers {
			r.Headers.Set(k, v)
		}
	})
	collector.OnResponse(func(r *colly.Response) {
		result = &page{
			url:         r.Request.URL,
			body:        append([]byte(nil), r.Body...),
			contentType: r.Headers.Get("Content-Type"),
		}
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil {
			status = r.StatusCode
		}
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(target)
	}()
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("fetch %s canceled: %w", target, ctx.Err())
	case err := <-done:
		if err == nil {
			err = fetchErr
		}
		if err != nil {
			return nil, classify(target, status, err)
		}
	}
	if result == nil {
		return nil, fmt.Errorf("fetch %s: no response", target)
	}
	return result, nil
}

// classify marks client errors and robots blocks permanent; 408, 429 and 5xx
// responses and network errors stay retryable.
func classify(target string, status int, err error) error {
	wrapped := fmt.Errorf("fetch %s: %w", target, err)
	switch {
	case errors.Is(err, colly.ErrRobotsTxtBlocked),
		errors.Is(err, colly.ErrForbiddenDomain),
		errors.Is(err, colly.ErrMissingURL):
		return extract.Permanent(wrapped)
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests:
		return wrapped
	case status >= 400 && status < 500:
		return extract.Permanent(wrapped)
	default:
		return wrapped
	}
}

func collectLinks(doc *goquery.Document, selector string, base *url.URL) []extract.Link {
	var (
		out  []extract.Link
		seen = make(map[string]struct{})
	)
	doc.Find(selector).Each(func(_ int, s *goquery.Selection) {
		href, ok := s.Attr("href")
		if !ok {
			return
		}
		abs := resolve(base, href)
		if abs == "" {
			return
		}
		if _, dup := seen[abs]; dup {
			return
		}
		seen[abs] = struct{}{}
		out = append(out, extract.Link{URL: abs, Name: strings.TrimSpace(s.Text())})
	})
	return out
}

// selectValue evaluates "css" or "css@attr" against doc. Attributes named
// href or src are resolved against base.
func selectValue(doc *goquery.Document, spec string, base *url.URL) (string, bool) {
	selector, attr := spec, ""
	if i := strings.LastIndex(spec, "@"); i > 0 {
		selector, attr = spec[:i], spec[i+1:]
	}
	sel := doc.Find(selector).First()
	if sel.Length() == 0 {
		return "", false
	}
	var value string
	if attr != "" {
		v, ok := sel.Attr(attr)
		if !ok {
			return "", false
		}
		value = v
		if attr == "href" || attr == "src" {
			value = resolve(base, v)
		}
	} else {
		value = sel.Text()
	}
	value = strings.Join(strings.Fields(value), " ")
	return value, value != ""
}

func resolve(base *url.URL, href string) string {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(href, "javascript:") {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if base == nil {
		return ref.String()
	}
	abs := base.ResolveReference(ref)
	abs.Fragment = ""
	return abs.String()
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
