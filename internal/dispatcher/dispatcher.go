// Package dispatcher manages worker fan-out over the job queue.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Queue accepts job ids for execution.
type Queue interface {
	Enqueue(jobID string) (bool, error)
}

// Runner is one queue consumer. *worker.Worker satisfies it.
type Runner interface {
	Run(ctx context.Context)
}

// Dispatcher fans out queue work to a pool of workers.
type Dispatcher struct {
	queue   Queue
	workers []Runner
	logger  *zap.Logger
}

// New creates a Dispatcher.
func New(queue Queue, workers []Runner, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		queue:   queue,
		workers: workers,
		logger:  logger,
	}
}

// Run starts all workers and blocks until the context finishes and every
// worker has returned.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(r Runner) {
			defer wg.Done()
			r.Run(ctx)
		}(w)
	}
	d.logger.Info("dispatcher started", zap.Int("workers", len(d.workers)))
	<-ctx.Done()
	wg.Wait()
	d.logger.Info("dispatcher stopped")
}

// Submit queues a job id. Submitting an id that is already queued is a no-op.
func (d *Dispatcher) Submit(jobID string) error {
	added, err := d.queue.Enqueue(jobID)
	if err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	if !added {
		d.logger.Debug("job already queued", zap.String("job_id", jobID))
	}
	return nil
}
