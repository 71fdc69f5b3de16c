package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/adam-versed/karakeep-x-scrape-sub000/internal/bookmarks"
)

// Worker runs the dequeue loop, giving each job its own budget.
type Worker struct {
	queue      bookmarks.CrawlQueue
	orch       *Orchestrator
	jobTimeout time.Duration
	logger     *zap.Logger
}

// NewWorker builds a Worker around the orchestrator.
func NewWorker(queue bookmarks.CrawlQueue, orch *Orchestrator, jobTimeout time.Duration, logger *zap.Logger) *Worker {
	if jobTimeout <= 0 {
		jobTimeout = 2 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:      queue,
		orch:       orch,
		jobTimeout: jobTimeout,
		logger:     logger,
	}
}

// Run dequeues crawl jobs until the context ends. Job failures are logged
// and surfaced to the queue's own retry policy; the loop itself never stops
// on a bad job.
func (w *Worker) Run(ctx context.Context) {
	for {
		job, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("dequeue failed", zap.Error(err))
			return
		}

		w.processOne(ctx, job)
	}
}

func (w *Worker) processOne(ctx context.Context, job bookmarks.CrawlJob) {
	jobCtx, cancel := context.WithTimeout(ctx, w.jobTimeout)
	defer cancel()

	start := time.Now()
	err := w.orch.ProcessJob(jobCtx, job)
	switch {
	case err == nil:
		w.logger.Info("crawl complete",
			zap.String("bookmark_id", job.BookmarkID),
			zap.Duration("took", time.Since(start)))
	case errors.Is(err, bookmarks.ErrValidation):
		w.logger.Error("crawl rejected",
			zap.String("bookmark_id", job.BookmarkID),
			zap.String("url", job.URL),
			zap.Error(err))
	default:
		w.logger.Error("crawl failed",
			zap.String("bookmark_id", job.BookmarkID),
			zap.String("url", job.URL),
			zap.Duration("took", time.Since(start)),
			zap.Error(err))
	}
}
