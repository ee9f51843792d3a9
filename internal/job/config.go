package job

import (
	"strings"
	"time"
)

// FileFormat selects the rendering of the final results file.
type FileFormat string

// Supported result formats.
const (
	FormatJSON     FileFormat = "json"
	FormatMarkdown FileFormat = "markdown"
	FormatHTML     FileFormat = "html"
)

// Valid reports whether f is a supported format.
func (f FileFormat) Valid() bool {
	return f == FormatJSON || f == FormatMarkdown || f == FormatHTML
}

// Extension returns the file extension used for the rendered results.
func (f FileFormat) Extension() string {
	switch f {
	case FormatMarkdown:
		return "md"
	case FormatHTML:
		return "html"
	default:
		return "json"
	}
}

// ContentType returns the MIME type of the rendered results.
func (f FileFormat) ContentType() string {
	switch f {
	case FormatMarkdown:
		return "text/markdown; charset=utf-8"
	case FormatHTML:
		return "text/html; charset=utf-8"
	default:
		return "application/json"
	}
}

// Config is the immutable snapshot captured when a job is created.
type Config struct {
	StartURLs        []string          `json:"startUrls" validate:"required,min=1,dive,url"`
	Client           string            `json:"client,omitempty"`
	CrawlDepth       int               `json:"crawlDepth" validate:"min=1,max=10"`
	MaxPages         int               `json:"maxPages" validate:"min=1"`
	MaxCategories    int               `json:"maxCategories" validate:"min=0"`
	RateLimit        RateLimit         `json:"rateLimit"`
	Selectors        Selectors         `json:"selectors"`
	RequiredFields   []string          `json:"requiredFields,omitempty"`
	Headers          map[string]string `json:"headers,omitempty"`
	FollowLinks      bool              `json:"followLinks"`
	RespectRobotsTxt bool              `json:"respectRobotsTxt"`
	Output           OutputConfig      `json:"output"`
}

// RateLimit bounds how often units may call the extraction capability.
type RateLimit struct {
	Requests int    `json:"requests" validate:"min=1"`
	Per      string `json:"per" validate:"oneof=second minute hour"`
}

// Interval returns the minimum spacing between requests.
func (r RateLimit) Interval() time.Duration {
	if r.Requests <= 0 {
		return 0
	}
	var window time.Duration
	switch r.Per {
	case "hour":
		window = time.Hour
	case "minute":
		window = time.Minute
	default:
		window = time.Second
	}
	return window / time.Duration(r.Requests)
}

// Selectors is the declarative extraction schema handed to the capability.
// Field selectors may carry an attribute suffix, e.g. "a.pdf@href".
type Selectors struct {
	CategoryLink string            `json:"categoryLink,omitempty"`
	ItemLink     string            `json:"itemLink,omitempty"`
	NextPage     string            `json:"nextPage,omitempty"`
	DocumentLink string            `json:"documentLink,omitempty"`
	Fields       map[string]string `json:"fields,omitempty"`
}

// OutputConfig controls result rendering and remote upload.
type OutputConfig struct {
	FileFormat         FileFormat     `json:"fileFormat" validate:"omitempty,oneof=json markdown html"`
	CaptureScreenshots bool           `json:"captureScreenshots"`
	Upload             UploadSettings `json:"upload"`
}

// UploadSettings are per-job overrides for the uploader.
type UploadSettings struct {
	Enabled           *bool  `json:"enabled,omitempty"`
	Bucket            string `json:"bucket,omitempty"`
	Prefix            string `json:"prefix,omitempty"`
	UploadDocuments   *bool  `json:"uploadDocuments,omitempty"`
	UploadScreenshots bool   `json:"uploadScreenshots"`
}

// Default limits applied when a request leaves them unset.
const (
	DefaultCrawlDepth    = 3
	DefaultMaxPages      = 100
	DefaultRateRequests  = 2
	DefaultRatePer       = "second"
	DefaultRequiredField = "name"
)

// WithDefaults fills unset optional values.
func (c Config) WithDefaults() Config {
	if c.CrawlDepth == 0 {
		c.CrawlDepth = DefaultCrawlDepth
	}
	if c.MaxPages == 0 {
		c.MaxPages = DefaultMaxPages
	}
	if c.RateLimit.Requests == 0 {
		c.RateLimit.Requests = DefaultRateRequests
	}
	if c.RateLimit.Per == "" {
		c.RateLimit.Per = DefaultRatePer
	}
	if c.Output.FileFormat == "" {
		c.Output.FileFormat = FormatJSON
	}
	if len(c.RequiredFields) == 0 {
		c.RequiredFields = []string{DefaultRequiredField}
	}
	urls := make([]string, 0, len(c.StartURLs))
	for _, u := range c.StartURLs {
		urls = append(urls, strings.TrimSpace(u))
	}
	c.StartURLs = urls
	return c
}

// ExtractorKey returns the registry key of the capability serving this job.
func (c Config) ExtractorKey(jobType string) string {
	if c.Client != "" {
		return c.Client
	}
	return jobType
}
