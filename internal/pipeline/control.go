package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/JakeFAU/scrape-orchestrator/internal/job"
)

// Stop explains why the executor left a job before finishing its phases.
type Stop int

// Stop reasons returned by Control.Checkpoint.
const (
	StopNone Stop = iota
	StopCancel
	StopTimeout
	StopShutdown
)

func (s Stop) String() string {
	switch s {
	case StopCancel:
		return "cancelled"
	case StopTimeout:
		return "timeout"
	case StopShutdown:
		return "shutdown"
	default:
		return "none"
	}
}

// Control carries the cooperative flags of one running job. The API sets them,
// the executor observes them between units.
type Control struct {
	mu        sync.Mutex
	paused    bool
	cancelled bool
	timedOut  bool
	changed   chan struct{}
}

// NewControl returns a Control with no flags set.
func NewControl() *Control {
	return &Control{changed: make(chan struct{})}
}

// Pause asks the executor to suspend at its next checkpoint.
func (c *Control) Pause() {
	c.set(func() { c.paused = true })
}

// Resume releases a paused executor.
func (c *Control) Resume() {
	c.set(func() { c.paused = false })
}

// Cancel asks the executor to stop after the current unit.
func (c *Control) Cancel() {
	c.set(func() { c.cancelled = true })
}

// Timeout marks the job as over its wall-clock budget.
func (c *Control) Timeout() {
	c.set(func() { c.timedOut = true })
}

// Paused reports whether a pause is requested.
func (c *Control) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// awaitChange blocks until any flag changes, d elapses or ctx ends.
func (c *Control) awaitChange(ctx context.Context, d time.Duration) {
	c.mu.Lock()
	changed := c.changed
	c.mu.Unlock()

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-changed:
	case <-timer.C:
	case <-ctx.Done():
	}
}

func (c *Control) set(fn func()) {
	c.mu.Lock()
	fn()
	close(c.changed)
	c.changed = make(chan struct{})
	c.mu.Unlock()
}

// Checkpoint returns the reason to stop, if any. While paused it blocks until
// the job is resumed, cancelled, timed out or ctx ends.
func (c *Control) Checkpoint(ctx context.Context) Stop {
	for {
		c.mu.Lock()
		stop := c.stopLocked()
		paused := c.paused
		changed := c.changed
		c.mu.Unlock()

		if stop != StopNone {
			return stop
		}
		if ctx.Err() != nil {
			return StopShutdown
		}
		if !paused {
			return StopNone
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return StopShutdown
		}
	}
}

func (c *Control) stopLocked() Stop {
	switch {
	case c.cancelled:
		return StopCancel
	case c.timedOut:
		return StopTimeout
	default:
		return StopNone
	}
}

// Controls is the registry of controls for jobs currently executing in this
// process.
type Controls struct {
	mu   sync.Mutex
	jobs map[string]*Control
}

// NewControls constructs an empty registry.
func NewControls() *Controls {
	return &Controls{jobs: make(map[string]*Control)}
}

// Register creates the control for jobID, replacing any stale entry.
func (r *Controls) Register(jobID string) *Control {
	c := NewControl()
	r.mu.Lock()
	r.jobs[jobID] = c
	r.mu.Unlock()
	return c
}

// Get returns the control of a running job.
func (r *Controls) Get(jobID string) (*Control, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.jobs[jobID]
	return c, ok
}

// Remove drops the control once the job has left the executor.
func (r *Controls) Remove(jobID string) {
	r.mu.Lock()
	delete(r.jobs, jobID)
	r.mu.Unlock()
}

// Signal forwards an accepted control action to the running job, if any.
// Start has no flag; it is handled by enqueueing.
func (r *Controls) Signal(jobID string, action job.Action) bool {
	c, ok := r.Get(jobID)
	if !ok {
		return false
	}
	switch action {
	case job.ActionPause:
		c.Pause()
	case job.ActionResume:
		c.Resume()
	case job.ActionCancel:
		c.Cancel()
	default:
		return false
	}
	return true
}
