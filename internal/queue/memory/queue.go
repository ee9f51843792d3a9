// Package memory provides the in-process job queue.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrFull is returned when the queue is at capacity.
var ErrFull = errors.New("queue full")

// ErrClosed is returned by operations on a closed queue.
var ErrClosed = errors.New("queue closed")

// Queue is a bounded FIFO of job ids. A job id is held at most once between
// Enqueue and the matching Dequeue.
type Queue struct {
	ch     chan string
	mu     sync.Mutex
	queued map[string]struct{}
	closed bool
	depth  func(int)
}

// NewQueue constructs a queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		ch:     make(chan string, capacity),
		queued: make(map[string]struct{}),
	}
}

// OnDepthChange registers fn to be called with the queue length after every
// Enqueue and Dequeue.
func (q *Queue) OnDepthChange(fn func(int)) {
	q.mu.Lock()
	q.depth = fn
	q.mu.Unlock()
}

func (q *Queue) reportLocked() {
	if q.depth != nil {
		q.depth(len(q.ch))
	}
}

// Enqueue adds a job id without blocking. It reports false when the id is
// already waiting in the queue.
func (q *Queue) Enqueue(jobID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false, ErrClosed
	}
	if _, ok := q.queued[jobID]; ok {
		return false, nil
	}
	select {
	case q.ch <- jobID:
		q.queued[jobID] = struct{}{}
		q.reportLocked()
		return true, nil
	default:
		return false, ErrFull
	}
}

// Dequeue pops the next job id, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case id, ok := <-q.ch:
		if !ok {
			return "", ErrClosed
		}
		q.mu.Lock()
		delete(q.queued, id)
		q.reportLocked()
		q.mu.Unlock()
		return id, nil
	}
}

// Len reports how many job ids are waiting.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close closes the underlying channel for shutdown. Ids still buffered can be
// dequeued afterwards.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}
