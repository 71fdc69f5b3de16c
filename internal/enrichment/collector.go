// Package enrichment coalesces many low-priority enrichment requests into
// size/time-bounded batches with bounded, loss-free retry.
package enrichment

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/adam-versed/karakeep-x-scrape-sub000/internal/bookmarks"
	"github.com/adam-versed/karakeep-x-scrape-sub000/internal/metrics"
)

// ErrNotBatchable rejects requests from sources that must not be delayed
// behind a batch window.
var ErrNotBatchable = errors.New("source is not batchable")

// ErrClosed rejects additions after Shutdown.
var ErrClosed = errors.New("collector is shut down")

// Submitter delivers one batch of bookmark ids downstream.
type Submitter func(ctx context.Context, bookmarkIDs []string) error

// Config controls batching behavior.
type Config struct {
	BatchSize  int
	FlushAfter time.Duration
	MaxRetries int
	RetryBase  time.Duration
}

func (c *Config) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 20
	}
	if c.FlushAfter <= 0 {
		c.FlushAfter = 30 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 5 * time.Second
	}
}

// Collector buffers pending enrichment requests. At most one flush timer and
// one retry timer are armed at any time, and the pending set is only mutated
// under the mutex, so flushes can never run concurrently.
type Collector struct {
	cfg    Config
	submit Submitter
	logger *zap.Logger
	now    func() time.Time

	mu         sync.Mutex
	pending    map[string]time.Time
	flushTimer *time.Timer
	retryTimer *time.Timer
	// retrySnapshot holds the ids owned by the armed retry timer so a
	// shutdown that cancels the timer can still deliver them.
	retrySnapshot map[string]time.Time
	closed        bool
}

// New builds a Collector delivering batches through submit.
func New(cfg Config, submit Submitter, logger *zap.Logger) *Collector {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collector{
		cfg:     cfg,
		submit:  submit,
		logger:  logger,
		now:     time.Now,
		pending: make(map[string]time.Time),
	}
}

// Add queues one bookmark for batched enrichment. Only the passive background
// source is eligible: interactive and administrative requests must use the
// direct path so they are never delayed behind a batch window.
func (c *Collector) Add(bookmarkID string, source bookmarks.RequestSource) error {
	if source != bookmarks.SourceBackground {
		return fmt.Errorf("source %q: %w", source, ErrNotBatchable)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if _, dup := c.pending[bookmarkID]; !dup {
		c.pending[bookmarkID] = c.now()
	}

	if len(c.pending) >= c.cfg.BatchSize {
		// Size trigger: cancel the pending timer first so the timer and
		// the size path cannot both flush the same batch.
		c.stopFlushTimerLocked()
		c.mu.Unlock()
		c.flush()
		return nil
	}

	if c.flushTimer == nil {
		c.flushTimer = time.AfterFunc(c.cfg.FlushAfter, c.onFlushTimer)
	}
	c.mu.Unlock()
	return nil
}

func (c *Collector) onFlushTimer() {
	c.mu.Lock()
	c.flushTimer = nil
	c.mu.Unlock()
	c.flush()
}

// flush snapshots and clears the pending set before submitting it, so
// additions racing the submission start a fresh batch instead of being lost
// or duplicated.
func (c *Collector) flush() {
	c.mu.Lock()
	snapshot := c.pending
	c.pending = make(map[string]time.Time)
	c.mu.Unlock()

	if len(snapshot) == 0 {
		return
	}
	c.deliver(snapshot, 0)
}

// deliver submits one snapshot, retrying with exponential backoff up to the
// cap. An exhausted snapshot is merged back into the pending set so a later
// natural flush retries it: delivery is delayed, never silently dropped.
func (c *Collector) deliver(snapshot map[string]time.Time, attempt int) {
	ids := make([]string, 0, len(snapshot))
	for id := range snapshot {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	err := c.submit(context.Background(), ids)
	if err == nil {
		metrics.ObserveFlush("ok", len(ids))
		c.logger.Debug("enrichment batch flushed", zap.Int("size", len(ids)))
		return
	}

	if attempt < c.cfg.MaxRetries {
		delay := c.cfg.RetryBase << uint(attempt)
		c.logger.Warn("enrichment batch submission failed, retrying",
			zap.Int("attempt", attempt+1), zap.Duration("delay", delay), zap.Error(err))
		metrics.ObserveFlush("retry", 0)

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			c.requeue(snapshot)
			return
		}
		if c.retryTimer != nil {
			// A retry is already armed; fold this snapshot back instead
			// of arming a second timer.
			c.mu.Unlock()
			c.requeue(snapshot)
			return
		}
		c.retrySnapshot = snapshot
		c.retryTimer = time.AfterFunc(delay, func() {
			c.mu.Lock()
			c.retryTimer = nil
			c.retrySnapshot = nil
			c.mu.Unlock()
			c.deliver(snapshot, attempt+1)
		})
		c.mu.Unlock()
		return
	}

	metrics.ObserveFlush("exhausted", 0)
	c.logger.Error("enrichment batch retries exhausted, requeueing",
		zap.Int("size", len(ids)), zap.Error(err))
	c.requeue(snapshot)
}

// requeue merges a failed snapshot back into the pending set, keeping the
// oldest enqueue time for ids queued again in the meantime.
func (c *Collector) requeue(snapshot map[string]time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, at := range snapshot {
		if existing, ok := c.pending[id]; !ok || at.Before(existing) {
			c.pending[id] = at
		}
	}
	if c.closed {
		return
	}
	if len(c.pending) > 0 && c.flushTimer == nil {
		c.flushTimer = time.AfterFunc(c.cfg.FlushAfter, c.onFlushTimer)
	}
}

// Shutdown cancels outstanding timers and performs one final synchronous
// flush so process termination cannot strand pending work.
func (c *Collector) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.stopFlushTimerLocked()
	if c.retryTimer != nil {
		if c.retryTimer.Stop() {
			// The canceled retry still owns its snapshot; reclaim it
			// for the final flush.
			for id, at := range c.retrySnapshot {
				if existing, ok := c.pending[id]; !ok || at.Before(existing) {
					c.pending[id] = at
				}
			}
		}
		c.retryTimer = nil
		c.retrySnapshot = nil
	}
	snapshot := c.pending
	c.pending = make(map[string]time.Time)
	c.mu.Unlock()

	if len(snapshot) == 0 {
		return nil
	}
	ids := make([]string, 0, len(snapshot))
	for id := range snapshot {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if err := c.submit(ctx, ids); err != nil {
		c.logger.Error("final enrichment flush failed", zap.Int("size", len(ids)), zap.Error(err))
		return fmt.Errorf("final flush: %w", err)
	}
	metrics.ObserveFlush("ok", len(ids))
	return nil
}

func (c *Collector) stopFlushTimerLocked() {
	if c.flushTimer != nil {
		c.flushTimer.Stop()
		c.flushTimer = nil
	}
}

// pendingSize is a test hook.
func (c *Collector) pendingSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
