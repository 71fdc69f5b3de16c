// Package queue provides the crawl-job queue and downstream enqueuers: an
// in-memory implementation for development and tests, and a Google Cloud
// Pub/Sub enqueuer for production fan-out.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/adam-versed/karakeep-x-scrape-sub000/internal/bookmarks"
)

// MemoryQueue is a bounded in-memory crawl-job queue with context-aware
// operations. It implements bookmarks.CrawlQueue.
type MemoryQueue struct {
	ch      chan bookmarks.CrawlJob
	closeMu sync.Mutex
	closed  bool
}

// NewMemoryQueue constructs a queue with the provided capacity.
func NewMemoryQueue(capacity int) *MemoryQueue {
	return &MemoryQueue{
		ch: make(chan bookmarks.CrawlJob, capacity),
	}
}

// Enqueue pushes a job into the queue or returns if the context ends.
func (q *MemoryQueue) Enqueue(ctx context.Context, job bookmarks.CrawlJob) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- job:
		return nil
	}
}

// Dequeue pops the next job, respecting context cancellation.
func (q *MemoryQueue) Dequeue(ctx context.Context) (bookmarks.CrawlJob, error) {
	select {
	case <-ctx.Done():
		return bookmarks.CrawlJob{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case job, ok := <-q.ch:
		if !ok {
			return bookmarks.CrawlJob{}, errors.New("queue closed")
		}
		return job, nil
	}
}

// Close closes the underlying channel for shutdown.
func (q *MemoryQueue) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}

// MemoryEnqueuer records downstream payloads per queue name. It implements
// bookmarks.Enqueuer for development and tests.
type MemoryEnqueuer struct {
	mu       sync.Mutex
	payloads map[string][]any
}

// NewMemoryEnqueuer constructs an empty in-memory enqueuer.
func NewMemoryEnqueuer() *MemoryEnqueuer {
	return &MemoryEnqueuer{payloads: make(map[string][]any)}
}

// Enqueue appends the payload to the named queue.
func (e *MemoryEnqueuer) Enqueue(_ context.Context, queue string, payload any) error {
	if queue == "" {
		return fmt.Errorf("queue name is required")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.payloads[queue] = append(e.payloads[queue], payload)
	return nil
}

// Payloads returns a copy of everything enqueued on the named queue.
func (e *MemoryEnqueuer) Payloads(queue string) []any {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]any(nil), e.payloads[queue]...)
}
