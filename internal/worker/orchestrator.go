// Package worker drives one bookmark through classification, content
// acquisition, extraction, transactional persistence and downstream fan-out,
// choosing the cheapest sufficient path and degrading gracefully when richer
// paths are unavailable.
package worker

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/adam-versed/karakeep-x-scrape-sub000/internal/bookmarks"
	"github.com/adam-versed/karakeep-x-scrape-sub000/internal/browser"
	"github.com/adam-versed/karakeep-x-scrape-sub000/internal/metrics"
	"github.com/adam-versed/karakeep-x-scrape-sub000/internal/xscraper"
)

// Config controls per-job orchestration.
type Config struct {
	NavTimeout         time.Duration
	ScreenshotTimeout  time.Duration
	FullPageScreenshot bool
}

func (c *Config) applyDefaults() {
	if c.NavTimeout <= 0 {
		c.NavTimeout = 30 * time.Second
	}
	if c.ScreenshotTimeout <= 0 {
		c.ScreenshotTimeout = 10 * time.Second
	}
}

// ContextPool is the slice of the browser pool the orchestrator uses.
type ContextPool interface {
	Acquire(ctx context.Context) (*browser.PooledContext, bool)
	Release(pc *browser.PooledContext)
}

// Fetcher is the unpooled HTTP surface: probing, fallback page fetches and
// capped downloads. internal/fetch.Client satisfies it.
type Fetcher interface {
	Probe(ctx context.Context, url string) (string, error)
	FetchPage(ctx context.Context, url string) (*bookmarks.CrawlResult, error)
	Download(ctx context.Context, url string) ([]byte, string, error)
}

// Deps bundles the orchestrator's collaborators.
type Deps struct {
	Pool        ContextPool
	Fetcher     Fetcher
	Scraper     bookmarks.SocialScraper
	Metadata    bookmarks.MetadataExtractor
	Readability bookmarks.ReadabilityExtractor
	Store       bookmarks.BookmarkStore
	Assets      bookmarks.AssetStore
	Enqueuer    bookmarks.Enqueuer
	Archiver    bookmarks.Archiver
	AdBlocker   bookmarks.AdBlocker
}

// Orchestrator executes the per-job crawl pipeline.
type Orchestrator struct {
	cfg         Config
	logger      *zap.Logger
	pool        ContextPool
	fetcher     Fetcher
	scraper     bookmarks.SocialScraper
	metadata    bookmarks.MetadataExtractor
	readability bookmarks.ReadabilityExtractor
	store       bookmarks.BookmarkStore
	assets      bookmarks.AssetStore
	enqueuer    bookmarks.Enqueuer
	archiver    bookmarks.Archiver
	adblock     bookmarks.AdBlocker

	// crawlPage is swapped in tests; the default drives the chromedp tab.
	crawlPage func(ctx context.Context, pc *browser.PooledContext, url string) (*bookmarks.CrawlResult, error)
	newID     func() string
	now       func() time.Time
}

// NewOrchestrator wires the pipeline.
func NewOrchestrator(cfg Config, deps Deps, logger *zap.Logger) *Orchestrator {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Orchestrator{
		cfg:         cfg,
		logger:      logger,
		pool:        deps.Pool,
		fetcher:     deps.Fetcher,
		scraper:     deps.Scraper,
		metadata:    deps.Metadata,
		readability: deps.Readability,
		store:       deps.Store,
		assets:      deps.Assets,
		enqueuer:    deps.Enqueuer,
		archiver:    deps.Archiver,
		adblock:     deps.AdBlocker,
		newID:       uuid.NewString,
		now:         time.Now,
	}
	o.crawlPage = o.crawlWithBrowser
	return o
}

// assetContentTypes are downloaded and stored instead of crawled.
var assetContentTypes = map[string]struct{}{
	"application/pdf": {},
	"image/png":       {},
	"image/jpeg":      {},
	"image/webp":      {},
	"image/gif":       {},
}

// loopbackHosts is the validation denylist. Suffix matching additionally
// covers *.localhost.
var loopbackHosts = map[string]struct{}{
	"localhost": {},
	"127.0.0.1": {},
	"::1":       {},
	"0.0.0.0":   {},
}

// ProcessJob runs one crawl end to end. Only validation failures and
// unrecovered network errors propagate; everything else degrades with
// logging so the bookmark still reaches a terminal crawled state.
func (o *Orchestrator) ProcessJob(ctx context.Context, job bookmarks.CrawlJob) error {
	start := o.now()
	logger := o.logger.With(zap.String("bookmark_id", job.BookmarkID), zap.String("url", job.URL))

	if err := validateJob(job); err != nil {
		metrics.ObserveJob("validate", "rejected")
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	contentType, err := o.fetcher.Probe(ctx, job.URL)
	if err != nil {
		// An unreachable probe is not conclusive; the page fetch decides.
		logger.Debug("content-type probe failed", zap.Error(err))
		contentType = ""
	}
	metrics.ObserveStage("probe", o.now().Sub(start))
	if err := ctx.Err(); err != nil {
		return err
	}

	if _, isAsset := assetContentTypes[contentType]; isAsset {
		return o.processAsset(ctx, job, contentType, logger)
	}

	if xscraper.SupportsURL(job.URL) && o.scraper != nil && o.scraper.IsEnabled() {
		done, err := o.processEnhanced(ctx, job, logger)
		if err != nil {
			return err
		}
		if done {
			metrics.ObserveJob("enhanced", "ok")
			return nil
		}
		// Fall through exactly as if the feature were absent.
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	return o.processGeneric(ctx, job, logger)
}

// validateJob rejects malformed payloads, non-http(s) schemes and loopback
// hosts before any network activity.
func validateJob(job bookmarks.CrawlJob) error {
	if err := job.Validate(); err != nil {
		return err
	}
	u, err := url.Parse(job.URL)
	if err != nil {
		return fmt.Errorf("%w: %v", bookmarks.ErrValidation, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: unsupported scheme %q", bookmarks.ErrValidation, u.Scheme)
	}
	host := strings.ToLower(u.Hostname())
	if _, denied := loopbackHosts[host]; denied {
		return fmt.Errorf("%w: loopback host %q", bookmarks.ErrValidation, host)
	}
	if strings.HasSuffix(host, ".localhost") {
		return fmt.Errorf("%w: loopback host %q", bookmarks.ErrValidation, host)
	}
	return nil
}

// processAsset downloads a binary target, stores it and converts the
// bookmark from link to asset. No metadata, readability or archival runs.
func (o *Orchestrator) processAsset(ctx context.Context, job bookmarks.CrawlJob, contentType string, logger *zap.Logger) error {
	data, downloadedType, err := o.fetcher.Download(ctx, job.URL)
	if err != nil {
		metrics.ObserveJob("asset", "error")
		return fmt.Errorf("download asset: %w", err)
	}
	if downloadedType != "" {
		contentType = downloadedType
	}

	asset := bookmarks.Asset{
		ID:          o.newID(),
		BookmarkID:  job.BookmarkID,
		UserID:      job.UserID,
		Kind:        bookmarks.AssetObject,
		ContentType: contentType,
		Size:        int64(len(data)),
		FileName:    fileNameFromURL(job.URL),
	}
	if err := o.assets.Put(ctx, job.UserID, asset.ID, contentType, data); err != nil {
		metrics.ObserveJob("asset", "error")
		return fmt.Errorf("store asset: %w", err)
	}
	if err := o.store.ConvertToAsset(ctx, job.BookmarkID, asset); err != nil {
		metrics.ObserveJob("asset", "error")
		return fmt.Errorf("convert bookmark: %w", err)
	}

	o.enqueue(ctx, bookmarks.QueueAssetPreprocess, bookmarks.AssetPreprocessRequest{
		BookmarkID: job.BookmarkID,
	}, logger)

	logger.Info("bookmark converted to asset", zap.String("content_type", contentType), zap.Int("size", len(data)))
	metrics.ObserveJob("asset", "ok")
	return nil
}

// processEnhanced runs the social-scraper path. done=false means the caller
// must fall through to the generic branch; the fallback is indistinguishable
// from the feature being disabled.
func (o *Orchestrator) processEnhanced(ctx context.Context, job bookmarks.CrawlJob, logger *zap.Logger) (bool, error) {
	post, err := o.scraper.Scrape(ctx, job.URL)
	if err != nil {
		logger.Warn("enhanced scrape failed, falling back to generic crawl", zap.Error(err))
		metrics.ObserveXScrape("error")
		return false, nil
	}
	if post == nil {
		logger.Info("enhanced scrape yielded no result, falling back to generic crawl")
		metrics.ObserveXScrape("empty")
		return false, nil
	}
	metrics.ObserveXScrape("ok")

	html := synthesizePostHTML(post)
	meta, err := o.metadata.Extract(html, job.URL, post)
	if err != nil {
		logger.Warn("metadata extraction failed on synthesized post", zap.Error(err))
		meta = bookmarks.ExtractedMetadata{}
	}

	update := o.buildUpdate(job, meta)
	update.Content = post.Text
	update.HTMLContent = html

	if banner, ok := o.downloadBanner(ctx, job, post, logger); ok {
		update.Assets = append(update.Assets, banner)
	}

	if err := o.persist(ctx, update, logger); err != nil {
		return false, err
	}
	o.fanOut(ctx, job, logger)
	return true, nil
}

// downloadBanner fetches the first image medium as the banner asset. Failure
// is soft; the post simply keeps its remote image URL.
func (o *Orchestrator) downloadBanner(ctx context.Context, job bookmarks.CrawlJob, post *bookmarks.NormalizedSocialPost, logger *zap.Logger) (bookmarks.Asset, bool) {
	var bannerURL string
	for _, medium := range post.Media {
		if medium.Kind == bookmarks.MediaImage && medium.URL != "" {
			bannerURL = medium.URL
			break
		}
	}
	if bannerURL == "" {
		return bookmarks.Asset{}, false
	}

	data, contentType, err := o.fetcher.Download(ctx, bannerURL)
	if err != nil {
		logger.Warn("banner download failed", zap.String("banner_url", bannerURL), zap.Error(err))
		metrics.ObserveAssetFailure("banner")
		return bookmarks.Asset{}, false
	}
	asset := bookmarks.Asset{
		ID:          o.newID(),
		BookmarkID:  job.BookmarkID,
		UserID:      job.UserID,
		Kind:        bookmarks.AssetBanner,
		ContentType: contentType,
		Size:        int64(len(data)),
		FileName:    fileNameFromURL(bannerURL),
	}
	if err := o.assets.Put(ctx, job.UserID, asset.ID, contentType, data); err != nil {
		logger.Warn("banner store failed", zap.Error(err))
		metrics.ObserveAssetFailure("banner")
		return bookmarks.Asset{}, false
	}
	return asset, true
}

// processGeneric acquires content through the browser pool, a precrawled
// archive, or an unpooled fetch, then extracts and persists.
func (o *Orchestrator) processGeneric(ctx context.Context, job bookmarks.CrawlJob, logger *zap.Logger) error {
	result, usedBrowser, err := o.acquireContent(ctx, job, logger)
	if err != nil {
		metrics.ObserveJob("generic", "error")
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	meta, err := o.metadata.Extract(result.HTML, result.FinalURL, nil)
	if err != nil {
		logger.Warn("metadata extraction failed", zap.Error(err))
		meta = bookmarks.ExtractedMetadata{}
	}

	readable, err := o.readability.Extract(result.HTML, result.FinalURL)
	if err != nil {
		logger.Warn("readability extraction failed", zap.Error(err))
		readable = nil
	}

	update := o.buildUpdate(job, meta)
	if readable != nil {
		update.Content = readable.Text
		update.HTMLContent = readable.HTML
	}

	if len(result.Screenshot) > 0 {
		if shot, ok := o.storeScreenshot(ctx, job, result.Screenshot, logger); ok {
			update.Assets = append(update.Assets, shot)
		}
	}

	if err := o.persist(ctx, update, logger); err != nil {
		return err
	}
	o.fanOut(ctx, job, logger)

	// Archival runs last and independently; its failure never rolls back
	// committed metadata. Only the generic path archives.
	if job.ArchiveFullPage && o.archiver != nil {
		o.archivePage(ctx, job, logger)
	}

	path := "generic"
	if !usedBrowser {
		path = "generic-unpooled"
	}
	metrics.ObserveJob(path, "ok")
	return nil
}

// acquireContent picks the cheapest available source: a precrawled archive,
// a pooled browser tab, or an unpooled fetch.
func (o *Orchestrator) acquireContent(ctx context.Context, job bookmarks.CrawlJob, logger *zap.Logger) (*bookmarks.CrawlResult, bool, error) {
	if archive, ok, err := o.store.GetPrecrawledArchive(ctx, job.BookmarkID); err != nil {
		logger.Warn("precrawled archive lookup failed", zap.Error(err))
	} else if ok {
		data, _, err := o.assets.Get(ctx, archive.UserID, archive.ID)
		if err != nil {
			logger.Warn("precrawled archive read failed", zap.Error(err))
		} else {
			logger.Info("using precrawled archive", zap.String("asset_id", archive.ID))
			return &bookmarks.CrawlResult{HTML: string(data), StatusCode: 200, FinalURL: job.URL}, false, nil
		}
	}

	pc, ok := o.pool.Acquire(ctx)
	if !ok {
		logger.Info("no browser context available, using unpooled fetch")
		result, err := o.fetcher.FetchPage(ctx, job.URL)
		if err != nil {
			return nil, false, fmt.Errorf("unpooled fetch: %w", err)
		}
		return result, false, nil
	}
	defer o.pool.Release(pc)

	result, err := o.crawlPage(ctx, pc, job.URL)
	if err != nil {
		return nil, true, fmt.Errorf("browser crawl: %w", err)
	}
	return result, true, nil
}

// storeScreenshot uploads the screenshot blob and returns its asset record.
// Failure is soft.
func (o *Orchestrator) storeScreenshot(ctx context.Context, job bookmarks.CrawlJob, shot []byte, logger *zap.Logger) (bookmarks.Asset, bool) {
	asset := bookmarks.Asset{
		ID:          o.newID(),
		BookmarkID:  job.BookmarkID,
		UserID:      job.UserID,
		Kind:        bookmarks.AssetScreenshot,
		ContentType: "image/png",
		Size:        int64(len(shot)),
		FileName:    "screenshot.png",
	}
	if err := o.assets.Put(ctx, job.UserID, asset.ID, asset.ContentType, shot); err != nil {
		logger.Warn("screenshot store failed", zap.Error(err))
		metrics.ObserveAssetFailure("screenshot")
		return bookmarks.Asset{}, false
	}
	return asset, true
}

func (o *Orchestrator) buildUpdate(job bookmarks.CrawlJob, meta bookmarks.ExtractedMetadata) bookmarks.LinkCrawlUpdate {
	return bookmarks.LinkCrawlUpdate{
		BookmarkID:    job.BookmarkID,
		UserID:        job.UserID,
		Title:         meta.Title,
		Description:   meta.Description,
		Author:        meta.Author,
		Publisher:     meta.Publisher,
		ImageURL:      meta.ImageURL,
		Favicon:       meta.Logo,
		DatePublished: meta.DatePublished,
		DateModified:  meta.DateModified,
		CrawledAt:     o.now().UTC(),
	}
}

// persist commits the update and deletes superseded asset blobs afterwards,
// best-effort.
func (o *Orchestrator) persist(ctx context.Context, update bookmarks.LinkCrawlUpdate, logger *zap.Logger) error {
	superseded, err := o.store.UpdateLinkCrawl(ctx, update)
	if err != nil {
		return fmt.Errorf("persist crawl: %w", err)
	}
	o.deleteSuperseded(ctx, superseded, logger)
	return nil
}

func (o *Orchestrator) deleteSuperseded(ctx context.Context, superseded []bookmarks.Asset, logger *zap.Logger) {
	for _, old := range superseded {
		if err := o.assets.Delete(ctx, old.UserID, old.ID); err != nil {
			logger.Warn("superseded asset delete failed",
				zap.String("asset_id", old.ID), zap.String("kind", string(old.Kind)), zap.Error(err))
		}
	}
}

// fanOut enqueues the downstream jobs. Enqueue failures are logged, never
// fatal; a missing enrichment must not block the crawled state.
func (o *Orchestrator) fanOut(ctx context.Context, job bookmarks.CrawlJob, logger *zap.Logger) {
	if job.RunInference {
		for _, kind := range []bookmarks.InferenceKind{
			bookmarks.InferenceTag,
			bookmarks.InferenceSummarize,
			bookmarks.InferenceEnhanceDesc,
		} {
			o.enqueue(ctx, bookmarks.QueueInference, bookmarks.InferenceRequest{
				BookmarkID: job.BookmarkID,
				Kind:       kind,
				Source:     bookmarks.SourceBackground,
			}, logger)
		}
	}
	o.enqueue(ctx, bookmarks.QueueSearchReindex, bookmarks.ReindexRequest{BookmarkID: job.BookmarkID}, logger)
	o.enqueue(ctx, bookmarks.QueueVideoExtraction, bookmarks.VideoRequest{BookmarkID: job.BookmarkID, URL: job.URL}, logger)
	o.enqueue(ctx, bookmarks.QueueWebhook, bookmarks.WebhookRequest{BookmarkID: job.BookmarkID, Event: "crawled"}, logger)
}

func (o *Orchestrator) enqueue(ctx context.Context, queue string, payload any, logger *zap.Logger) {
	if err := o.enqueuer.Enqueue(ctx, queue, payload); err != nil {
		logger.Warn("downstream enqueue failed", zap.String("queue", queue), zap.Error(err))
	}
}

// archivePage produces and attaches the full-page archive.
func (o *Orchestrator) archivePage(ctx context.Context, job bookmarks.CrawlJob, logger *zap.Logger) {
	data, contentType, err := o.archiver.Archive(ctx, job.URL)
	if err != nil {
		logger.Warn("full-page archival failed", zap.Error(err))
		metrics.ObserveAssetFailure("archive")
		return
	}
	asset := bookmarks.Asset{
		ID:          o.newID(),
		BookmarkID:  job.BookmarkID,
		UserID:      job.UserID,
		Kind:        bookmarks.AssetFullPageArchive,
		ContentType: contentType,
		Size:        int64(len(data)),
		FileName:    "archive.html",
	}
	if err := o.assets.Put(ctx, job.UserID, asset.ID, contentType, data); err != nil {
		logger.Warn("archive store failed", zap.Error(err))
		metrics.ObserveAssetFailure("archive")
		return
	}
	superseded, err := o.store.AttachAsset(ctx, job.BookmarkID, asset)
	if err != nil {
		logger.Warn("archive attach failed", zap.Error(err))
		metrics.ObserveAssetFailure("archive")
		return
	}
	o.deleteSuperseded(ctx, superseded, logger)
	logger.Info("full-page archive stored", zap.Int("bytes", len(data)))
}

func fileNameFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "download"
	}
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	name := segments[len(segments)-1]
	if name == "" {
		return "download"
	}
	return name
}
