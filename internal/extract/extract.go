// Package extract defines the site extraction capability the pipeline drives,
// its error taxonomy, and a registry keyed by client identifier.
package extract

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/scrape-orchestrator/internal/job"
)

// Link is a discovered URL with an optional display label.
type Link struct {
	URL  string `json:"url"`
	Name string `json:"name,omitempty"`
}

// Discovery is the output of category discovery for one start URL.
type Discovery struct {
	Categories []Link
	Bytes      int64
}

// Collection is the output of item URL collection for one category.
type Collection struct {
	URLs  []string
	Bytes int64
}

// Item is one extracted record. Fields only holds values that were found;
// absent fields are never filled with placeholders.
type Item struct {
	SourceURL string
	Fields    map[string]string
	Bytes     int64
}

// Document is a downloaded attachment.
type Document struct {
	URL         string
	Name        string
	ContentType string
	Body        []byte
}

// Capability is implemented once per site configuration.
type Capability interface {
	DiscoverCategories(ctx context.Context, cfg job.Config, startURL string) (Discovery, error)
	CollectItemURLs(ctx context.Context, cfg job.Config, category Link) (Collection, error)
	ExtractItem(ctx context.Context, cfg job.Config, itemURL string) (Item, error)
	ExtractDocuments(ctx context.Context, cfg job.Config, itemURL string) ([]Link, error)
	FetchDocument(ctx context.Context, cfg job.Config, doc Link) (Document, error)
}

// ErrUnknownClient is returned by Lookup for an unregistered key.
var ErrUnknownClient = errors.New("unknown extraction client")

// Registry maps client identifiers to capabilities.
type Registry struct {
	mu   sync.RWMutex
	caps map[string]Capability
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{caps: make(map[string]Capability)}
}

// Register binds key to c, replacing any previous binding.
func (r *Registry) Register(key string, c Capability) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.caps[key] = c
}

// Lookup returns the capability registered for key.
func (r *Registry) Lookup(key string) (Capability, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.caps[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownClient, key)
	}
	return c, nil
}

// Keys lists the registered client identifiers in sorted order.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.caps))
	for k := range r.caps {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
