// Package memory records job notifications for local runs and tests.
package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/scrape-orchestrator/internal/notify"
)

// Publisher stores published notifications for inspection.
type Publisher struct {
	mu       sync.RWMutex
	messages []notify.JobFinished
}

// New returns a memory Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Notify records the notification.
func (p *Publisher) Notify(_ context.Context, evt notify.JobFinished) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, evt)
	return nil
}

// Messages returns the recorded notifications.
func (p *Publisher) Messages() []notify.JobFinished {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]notify.JobFinished, len(p.messages))
	copy(out, p.messages)
	return out
}
