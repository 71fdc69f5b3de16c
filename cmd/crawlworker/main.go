// Package main wires together the bookmark crawl worker.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/adam-versed/karakeep-x-scrape-sub000/internal/api"
	"github.com/adam-versed/karakeep-x-scrape-sub000/internal/archive"
	"github.com/adam-versed/karakeep-x-scrape-sub000/internal/assets"
	"github.com/adam-versed/karakeep-x-scrape-sub000/internal/bookmarks"
	"github.com/adam-versed/karakeep-x-scrape-sub000/internal/browser"
	"github.com/adam-versed/karakeep-x-scrape-sub000/internal/config"
	"github.com/adam-versed/karakeep-x-scrape-sub000/internal/enrichment"
	"github.com/adam-versed/karakeep-x-scrape-sub000/internal/extract"
	"github.com/adam-versed/karakeep-x-scrape-sub000/internal/fetch"
	"github.com/adam-versed/karakeep-x-scrape-sub000/internal/logging"
	"github.com/adam-versed/karakeep-x-scrape-sub000/internal/metrics"
	"github.com/adam-versed/karakeep-x-scrape-sub000/internal/queue"
	"github.com/adam-versed/karakeep-x-scrape-sub000/internal/store"
	"github.com/adam-versed/karakeep-x-scrape-sub000/internal/worker"
	"github.com/adam-versed/karakeep-x-scrape-sub000/internal/xscraper"
)

const shutdownGrace = 15 * time.Second

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)
	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("crawl worker failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	db, err := store.New(ctx, store.Config{DSN: cfg.DB.DSN}, logger.Named("store"))
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer db.Close()

	assetStore, closeAssets, err := newAssetStore(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("init asset store: %w", err)
	}
	defer closeAssets()

	enqueuer, closeEnqueuer, err := newEnqueuer(ctx, cfg.Queue, logger)
	if err != nil {
		return fmt.Errorf("init enqueuer: %w", err)
	}
	defer closeEnqueuer()

	pool := browser.New(browser.Config{
		Endpoint:             cfg.Browser.Endpoint,
		ConnectOnDemand:      cfg.Browser.ConnectOnDemand,
		MaxContexts:          cfg.Browser.MaxContexts,
		IdleTTL:              cfg.Browser.IdleTTL(),
		ReconnectMaxAttempts: cfg.Browser.ReconnectMaxAttempts,
		ViewportWidth:        cfg.Browser.ViewportWidth,
		ViewportHeight:       cfg.Browser.ViewportHeight,
		UserAgent:            cfg.Crawler.UserAgent,
	}, logger.Named("browser"))
	defer pool.Close()
	if !cfg.Browser.ConnectOnDemand {
		// A failed first connect is not fatal; the pool reconnects on its
		// own and jobs degrade to unpooled fetching meanwhile.
		if err := pool.Initialize(ctx); err != nil {
			logger.Warn("initial browser connect failed", zap.Error(err))
		}
	}
	go cleanupLoop(ctx, pool, cfg.Browser.IdleTTL())

	deps := worker.Deps{
		Pool:    pool,
		Fetcher: fetch.New(fetch.Config{
			UserAgent:        cfg.Crawler.UserAgent,
			ProbeTimeout:     cfg.Crawler.ProbeTimeout(),
			MaxDownloadBytes: int64(cfg.Crawler.DownloadMaxMB) << 20,
		}, logger.Named("fetch")),
		Scraper: xscraper.New(xscraper.Config{
			Enabled:           cfg.XScraper.Enabled,
			Token:             cfg.XScraper.Token,
			ActorID:           cfg.XScraper.ActorID,
			BaseURL:           cfg.XScraper.BaseURL,
			RunTimeout:        cfg.XScraper.RunTimeout(),
			DatasetRetries:    cfg.XScraper.DatasetRetries,
			DatasetRetryDelay: cfg.XScraper.DatasetRetryDelay(),
		}, logger.Named("xscraper")),
		Metadata:    extract.NewMetadata(logger.Named("extract")),
		Readability: extract.NewReadability(logger.Named("extract")),
		Store:       db,
		Assets:      assetStore,
		Enqueuer:    enqueuer,
		Archiver: archive.New(archive.Config{
			Binary:    cfg.Archive.Binary,
			Timeout:   cfg.Archive.Timeout(),
			UserAgent: cfg.Crawler.UserAgent,
		}, logger.Named("archive")),
	}
	if cfg.Browser.AdblockEnabled {
		deps.AdBlocker = worker.NewHostBlocker()
	}
	orch := worker.NewOrchestrator(worker.Config{
		NavTimeout:         cfg.Browser.NavTimeout(),
		ScreenshotTimeout:  cfg.Browser.ScreenshotTimeout(),
		FullPageScreenshot: cfg.Crawler.FullPageScreenshot,
	}, deps, logger.Named("worker"))

	collector := enrichment.New(enrichment.Config{
		BatchSize:  cfg.Inference.BatchSize,
		FlushAfter: cfg.Inference.BatchTimeout(),
		MaxRetries: cfg.Inference.MaxRetries,
	}, func(ctx context.Context, bookmarkIDs []string) error {
		for _, id := range bookmarkIDs {
			req := bookmarks.InferenceRequest{
				BookmarkID: id,
				Kind:       bookmarks.InferenceTag,
				Source:     bookmarks.SourceBackground,
			}
			if err := enqueuer.Enqueue(ctx, bookmarks.QueueInference, req); err != nil {
				return err
			}
		}
		return nil
	}, logger.Named("enrichment"))

	crawlQueue := queue.NewMemoryQueue(cfg.Queue.Depth)

	var wg sync.WaitGroup
	for i := 0; i < cfg.Crawler.Workers; i++ {
		w := worker.NewWorker(crawlQueue, orch, cfg.Crawler.JobTimeout(),
			logger.Named("worker").With(zap.Int("worker", i)))
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Run(ctx)
		}()
	}

	apiServer := api.NewServer(crawlQueue, collector, api.Defaults{
		ArchiveFullPage: cfg.Crawler.FullPageArchive,
		RunInference:    true,
	}, logger.Named("api"))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	srvErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
	}()
	logger.Info("crawl worker up",
		zap.Int("port", cfg.Server.Port),
		zap.Int("workers", cfg.Crawler.Workers),
		zap.String("storage", cfg.Storage.Provider),
		zap.String("queue", cfg.Queue.Provider))

	select {
	case <-ctx.Done():
	case err := <-srvErr:
		return fmt.Errorf("http server: %w", err)
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", zap.Error(err))
	}
	crawlQueue.Close()
	wg.Wait()
	pool.Close()
	if err := collector.Shutdown(shutdownCtx); err != nil {
		logger.Warn("final enrichment flush failed", zap.Error(err))
	}
	return nil
}

func newAssetStore(ctx context.Context, cfg config.StorageConfig) (bookmarks.AssetStore, func(), error) {
	switch cfg.Provider {
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("gcs client: %w", err)
		}
		s, err := assets.NewGCS(client, assets.GCSConfig{Bucket: cfg.GCSBucket})
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return s, func() { _ = client.Close() }, nil
	case "local":
		s, err := assets.NewLocal(assets.LocalConfig{BaseDir: cfg.LocalDir})
		if err != nil {
			return nil, nil, err
		}
		return s, func() {}, nil
	case "memory":
		return assets.NewMemory(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage provider %q", cfg.Provider)
	}
}

func newEnqueuer(ctx context.Context, cfg config.QueueConfig, logger *zap.Logger) (bookmarks.Enqueuer, func(), error) {
	switch cfg.Provider {
	case "pubsub":
		e, err := queue.NewPubSubEnqueuer(ctx, queue.PubSubConfig{
			ProjectID:   cfg.ProjectID,
			TopicPrefix: cfg.TopicPrefix,
		}, logger.Named("pubsub"))
		if err != nil {
			return nil, nil, err
		}
		closeFn := func() {
			if err := e.Close(); err != nil {
				logger.Warn("pubsub close failed", zap.Error(err))
			}
		}
		return e, closeFn, nil
	case "memory":
		return queue.NewMemoryEnqueuer(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown queue provider %q", cfg.Provider)
	}
}

func cleanupLoop(ctx context.Context, pool *browser.Pool, ttl time.Duration) {
	if ttl <= 0 {
		ttl = time.Minute
	}
	ticker := time.NewTicker(ttl)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pool.CleanupOldContexts()
		}
	}
}
