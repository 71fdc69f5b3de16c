package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/adam-versed/karakeep-x-scrape-sub000/internal/bookmarks"
	"github.com/adam-versed/karakeep-x-scrape-sub000/internal/browser"
	"github.com/adam-versed/karakeep-x-scrape-sub000/internal/metrics"
	"github.com/adam-versed/karakeep-x-scrape-sub000/internal/queue"
)

func init() {
	metrics.Init()
}

type fakePool struct {
	mu       sync.Mutex
	pc       *browser.PooledContext
	releases int
}

func (p *fakePool) Acquire(context.Context) (*browser.PooledContext, bool) {
	if p.pc == nil {
		return nil, false
	}
	return p.pc, true
}

func (p *fakePool) Release(*browser.PooledContext) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.releases++
}

func (p *fakePool) released() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.releases
}

type fakeFetcher struct {
	contentType string
	probeErr    error

	page     *bookmarks.CrawlResult
	pageErr  error
	pageHits int

	downloads   map[string][]byte
	downloadCT  string
	downloadErr error
}

func (f *fakeFetcher) Probe(context.Context, string) (string, error) {
	return f.contentType, f.probeErr
}

func (f *fakeFetcher) FetchPage(_ context.Context, _ string) (*bookmarks.CrawlResult, error) {
	f.pageHits++
	return f.page, f.pageErr
}

func (f *fakeFetcher) Download(_ context.Context, url string) ([]byte, string, error) {
	if f.downloadErr != nil {
		return nil, "", f.downloadErr
	}
	data, ok := f.downloads[url]
	if !ok {
		return nil, "", fmt.Errorf("no fixture for %s", url)
	}
	return data, f.downloadCT, nil
}

type fakeScraper struct {
	enabled bool
	post    *bookmarks.NormalizedSocialPost
	err     error
	calls   int
}

func (s *fakeScraper) IsEnabled() bool { return s.enabled }

func (s *fakeScraper) Scrape(context.Context, string) (*bookmarks.NormalizedSocialPost, error) {
	s.calls++
	return s.post, s.err
}

type fakeMetadata struct {
	meta     bookmarks.ExtractedMetadata
	err      error
	calls    int
	lastHTML string
	lastPost *bookmarks.NormalizedSocialPost
}

func (m *fakeMetadata) Extract(html, _ string, post *bookmarks.NormalizedSocialPost) (bookmarks.ExtractedMetadata, error) {
	m.calls++
	m.lastHTML = html
	m.lastPost = post
	return m.meta, m.err
}

type fakeReadability struct {
	content *bookmarks.ReadableContent
	err     error
}

func (r *fakeReadability) Extract(string, string) (*bookmarks.ReadableContent, error) {
	return r.content, r.err
}

type fakeStore struct {
	mu         sync.Mutex
	updates    []bookmarks.LinkCrawlUpdate
	superseded []bookmarks.Asset
	converted  []bookmarks.Asset
	attached   []bookmarks.Asset
	archive    *bookmarks.Asset
}

func (s *fakeStore) UpdateLinkCrawl(_ context.Context, update bookmarks.LinkCrawlUpdate) ([]bookmarks.Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, update)
	return s.superseded, nil
}

func (s *fakeStore) ConvertToAsset(_ context.Context, _ string, asset bookmarks.Asset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.converted = append(s.converted, asset)
	return nil
}

func (s *fakeStore) AttachAsset(_ context.Context, _ string, asset bookmarks.Asset) ([]bookmarks.Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attached = append(s.attached, asset)
	return nil, nil
}

func (s *fakeStore) GetPrecrawledArchive(context.Context, string) (bookmarks.Asset, bool, error) {
	if s.archive == nil {
		return bookmarks.Asset{}, false, nil
	}
	return *s.archive, true, nil
}

type fakeAssets struct {
	mu      sync.Mutex
	objects map[string][]byte
	deleted []string
}

func newFakeAssets() *fakeAssets {
	return &fakeAssets{objects: make(map[string][]byte)}
}

func (a *fakeAssets) Put(_ context.Context, userID, assetID, _ string, data []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.objects[userID+"/"+assetID] = data
	return nil
}

func (a *fakeAssets) Get(_ context.Context, userID, assetID string) ([]byte, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	data, ok := a.objects[userID+"/"+assetID]
	if !ok {
		return nil, "", fmt.Errorf("asset %s/%s not found", userID, assetID)
	}
	return data, "application/octet-stream", nil
}

func (a *fakeAssets) Delete(_ context.Context, userID, assetID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.objects, userID+"/"+assetID)
	a.deleted = append(a.deleted, userID+"/"+assetID)
	return nil
}

type fakeArchiver struct {
	data  []byte
	err   error
	calls int
}

func (a *fakeArchiver) Archive(context.Context, string) ([]byte, string, error) {
	a.calls++
	return a.data, "text/html", a.err
}

type harness struct {
	orch     *Orchestrator
	pool     *fakePool
	fetcher  *fakeFetcher
	scraper  *fakeScraper
	metadata *fakeMetadata
	readable *fakeReadability
	store    *fakeStore
	assets   *fakeAssets
	enqueuer *queue.MemoryEnqueuer
	archiver *fakeArchiver
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		pool:     &fakePool{},
		fetcher:  &fakeFetcher{downloads: map[string][]byte{}},
		scraper:  &fakeScraper{},
		metadata: &fakeMetadata{},
		readable: &fakeReadability{},
		store:    &fakeStore{},
		assets:   newFakeAssets(),
		enqueuer: queue.NewMemoryEnqueuer(),
		archiver: &fakeArchiver{data: []byte("<html>archive</html>")},
	}
	h.orch = NewOrchestrator(Config{}, Deps{
		Pool:        h.pool,
		Fetcher:     h.fetcher,
		Scraper:     h.scraper,
		Metadata:    h.metadata,
		Readability: h.readable,
		Store:       h.store,
		Assets:      h.assets,
		Enqueuer:    h.enqueuer,
		Archiver:    h.archiver,
	}, zap.NewNop())
	return h
}

func genericJob() bookmarks.CrawlJob {
	return bookmarks.CrawlJob{
		BookmarkID:   "bm-1",
		UserID:       "user-1",
		URL:          "https://news.example.com/story",
		RunInference: true,
	}
}

func TestProcessJobRejectsBadTargets(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		job  bookmarks.CrawlJob
	}{
		{"missing bookmark id", bookmarks.CrawlJob{UserID: "u", URL: "https://example.com"}},
		{"bad scheme", bookmarks.CrawlJob{BookmarkID: "b", UserID: "u", URL: "ftp://example.com/file"}},
		{"localhost", bookmarks.CrawlJob{BookmarkID: "b", UserID: "u", URL: "http://localhost:3000/admin"}},
		{"loopback ip", bookmarks.CrawlJob{BookmarkID: "b", UserID: "u", URL: "http://127.0.0.1/"}},
		{"localhost subdomain", bookmarks.CrawlJob{BookmarkID: "b", UserID: "u", URL: "http://svc.localhost/"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t)
			err := h.orch.ProcessJob(context.Background(), tc.job)
			require.ErrorIs(t, err, bookmarks.ErrValidation)
			assert.Empty(t, h.store.updates, "nothing persisted for a rejected job")
		})
	}
}

func TestPDFConvertsBookmarkToAsset(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	job := genericJob()
	job.URL = "https://example.com/papers/design.pdf"
	job.ArchiveFullPage = true
	h.fetcher.contentType = "application/pdf"
	h.fetcher.downloadCT = "application/pdf"
	h.fetcher.downloads[job.URL] = []byte("%PDF-1.7 ...")

	require.NoError(t, h.orch.ProcessJob(context.Background(), job))

	require.Len(t, h.store.converted, 1)
	converted := h.store.converted[0]
	assert.Equal(t, bookmarks.AssetObject, converted.Kind)
	assert.Equal(t, "application/pdf", converted.ContentType)
	assert.Equal(t, "design.pdf", converted.FileName)

	_, _, err := h.assets.Get(context.Background(), job.UserID, converted.ID)
	require.NoError(t, err, "binary stored under the asset id")

	assert.Len(t, h.enqueuer.Payloads(bookmarks.QueueAssetPreprocess), 1)
	assert.Zero(t, h.metadata.calls, "no metadata extraction on the asset branch")
	assert.Empty(t, h.store.updates, "no link-field persistence on the asset branch")
	assert.Zero(t, h.archiver.calls, "no archival on the asset branch")
}

func TestPoolUnavailableDegradesToUnpooledFetch(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.pool.pc = nil // browserless
	h.fetcher.page = &bookmarks.CrawlResult{
		HTML:       "<html><head><title>Plain</title></head></html>",
		StatusCode: 200,
		FinalURL:   "https://news.example.com/story",
	}
	h.metadata.meta = bookmarks.ExtractedMetadata{Title: "Plain", Description: "Fetched without a browser"}

	require.NoError(t, h.orch.ProcessJob(context.Background(), genericJob()))

	assert.Equal(t, 1, h.fetcher.pageHits)
	require.Len(t, h.store.updates, 1)
	update := h.store.updates[0]
	assert.Equal(t, "Plain", update.Title)
	assert.Equal(t, "Fetched without a browser", update.Description)
	assert.Empty(t, update.Assets, "unpooled fetches carry no screenshot")
}

func TestScraperNoResultFallsBackToGeneric(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	job := genericJob()
	job.URL = "https://x.com/bob/status/123"
	h.scraper.enabled = true
	h.scraper.post = nil // service yielded zero items
	h.pool.pc = &browser.PooledContext{Ctx: context.Background()}
	h.orch.crawlPage = func(context.Context, *browser.PooledContext, string) (*bookmarks.CrawlResult, error) {
		return &bookmarks.CrawlResult{HTML: "<html>rendered shell</html>", StatusCode: 200, FinalURL: job.URL}, nil
	}
	h.metadata.meta = bookmarks.ExtractedMetadata{Title: "Rendered"}

	require.NoError(t, h.orch.ProcessJob(context.Background(), job))

	assert.Equal(t, 1, h.scraper.calls)
	require.Len(t, h.store.updates, 1, "generic path persisted despite the empty scrape")
	assert.Equal(t, "Rendered", h.store.updates[0].Title)
	assert.Equal(t, 1, h.pool.released())
}

func TestScraperErrorIsIndistinguishableFromDisabled(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	job := genericJob()
	job.URL = "https://x.com/bob/status/123"
	h.scraper.enabled = true
	h.scraper.err = errors.New("quota exhausted")
	h.fetcher.page = &bookmarks.CrawlResult{HTML: "<html></html>", StatusCode: 200, FinalURL: job.URL}

	require.NoError(t, h.orch.ProcessJob(context.Background(), job))
	require.Len(t, h.store.updates, 1)
}

func TestEnhancedPathSkipsGenericAndArchival(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	job := genericJob()
	job.URL = "https://x.com/bob/status/123"
	job.ArchiveFullPage = true
	h.scraper.enabled = true
	h.scraper.post = &bookmarks.NormalizedSocialPost{
		ID:   "123",
		Text: "post body",
		Author: bookmarks.SocialAuthor{
			Username: "bob", Name: "Bob Builder",
		},
		Media: []bookmarks.SocialMedia{
			{Kind: bookmarks.MediaImage, URL: "https://pbs.example.com/pic.jpg"},
		},
	}
	h.fetcher.downloadCT = "image/jpeg"
	h.fetcher.downloads["https://pbs.example.com/pic.jpg"] = []byte("jpeg")
	h.metadata.meta = bookmarks.ExtractedMetadata{Title: "Bob Builder (@bob) on X", Description: "post body"}

	crawled := false
	h.orch.crawlPage = func(context.Context, *browser.PooledContext, string) (*bookmarks.CrawlResult, error) {
		crawled = true
		return nil, errors.New("must not run")
	}

	require.NoError(t, h.orch.ProcessJob(context.Background(), job))

	assert.False(t, crawled, "enhanced success skips the generic branch")
	assert.Zero(t, h.fetcher.pageHits)
	assert.Zero(t, h.archiver.calls, "enhanced success skips archival")

	require.NotNil(t, h.metadata.lastPost, "normalized post passed as the side-channel")
	assert.Contains(t, h.metadata.lastHTML, "post body", "rule chain ran over synthesized HTML")

	require.Len(t, h.store.updates, 1)
	update := h.store.updates[0]
	assert.Equal(t, "post body", update.Content)
	assert.Contains(t, update.HTMLContent, "<article>")
	require.Len(t, update.Assets, 1)
	assert.Equal(t, bookmarks.AssetBanner, update.Assets[0].Kind)
}

func TestEnhancedBannerFailureIsSoft(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	job := genericJob()
	job.URL = "https://x.com/bob/status/123"
	h.scraper.enabled = true
	h.scraper.post = &bookmarks.NormalizedSocialPost{
		ID:    "123",
		Text:  "post body",
		Media: []bookmarks.SocialMedia{{Kind: bookmarks.MediaImage, URL: "https://pbs.example.com/gone.jpg"}},
	}
	h.fetcher.downloadErr = errors.New("404")

	require.NoError(t, h.orch.ProcessJob(context.Background(), job))
	require.Len(t, h.store.updates, 1)
	assert.Empty(t, h.store.updates[0].Assets, "banner absent, job still persisted")
}

func TestBrowserCrawlFailureReleasesContext(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.pool.pc = &browser.PooledContext{Ctx: context.Background()}
	h.orch.crawlPage = func(context.Context, *browser.PooledContext, string) (*bookmarks.CrawlResult, error) {
		return nil, errors.New("navigation timeout")
	}

	err := h.orch.ProcessJob(context.Background(), genericJob())
	require.Error(t, err)
	assert.Equal(t, 1, h.pool.released(), "context returned on the failure path")
	assert.Empty(t, h.store.updates)
}

func TestScreenshotPersistedAndSupersededBlobDeleted(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.pool.pc = &browser.PooledContext{Ctx: context.Background()}
	h.orch.crawlPage = func(context.Context, *browser.PooledContext, string) (*bookmarks.CrawlResult, error) {
		return &bookmarks.CrawlResult{
			HTML:       "<html></html>",
			Screenshot: []byte("png-bytes"),
			StatusCode: 200,
			FinalURL:   "https://news.example.com/story",
		}, nil
	}
	h.store.superseded = []bookmarks.Asset{{ID: "old-shot", UserID: "user-1", Kind: bookmarks.AssetScreenshot}}

	require.NoError(t, h.orch.ProcessJob(context.Background(), genericJob()))

	require.Len(t, h.store.updates, 1)
	update := h.store.updates[0]
	require.Len(t, update.Assets, 1)
	assert.Equal(t, bookmarks.AssetScreenshot, update.Assets[0].Kind)
	assert.Equal(t, "image/png", update.Assets[0].ContentType)

	assert.Contains(t, h.assets.deleted, "user-1/old-shot", "superseded blob deleted after commit")
	assert.Equal(t, 1, h.pool.released())
}

func TestReadabilityFailureIsSoft(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.fetcher.page = &bookmarks.CrawlResult{HTML: "<html></html>", StatusCode: 200, FinalURL: "https://news.example.com/story"}
	h.readable.err = errors.New("unparseable")

	require.NoError(t, h.orch.ProcessJob(context.Background(), genericJob()))
	require.Len(t, h.store.updates, 1)
	assert.Empty(t, h.store.updates[0].Content)
}

func TestFanOutRespectsInferenceFlag(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.fetcher.page = &bookmarks.CrawlResult{HTML: "<html></html>", StatusCode: 200, FinalURL: "https://news.example.com/story"}

	job := genericJob()
	job.RunInference = false
	require.NoError(t, h.orch.ProcessJob(context.Background(), job))

	assert.Empty(t, h.enqueuer.Payloads(bookmarks.QueueInference), "inference skipped by job flag")
	assert.Len(t, h.enqueuer.Payloads(bookmarks.QueueSearchReindex), 1)
	assert.Len(t, h.enqueuer.Payloads(bookmarks.QueueVideoExtraction), 1)
	assert.Len(t, h.enqueuer.Payloads(bookmarks.QueueWebhook), 1)
}

func TestFanOutEnqueuesAllInferenceKinds(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.fetcher.page = &bookmarks.CrawlResult{HTML: "<html></html>", StatusCode: 200, FinalURL: "https://news.example.com/story"}

	require.NoError(t, h.orch.ProcessJob(context.Background(), genericJob()))

	payloads := h.enqueuer.Payloads(bookmarks.QueueInference)
	require.Len(t, payloads, 3)
	kinds := make(map[bookmarks.InferenceKind]bool)
	for _, p := range payloads {
		req, ok := p.(bookmarks.InferenceRequest)
		require.True(t, ok)
		assert.Equal(t, bookmarks.SourceBackground, req.Source)
		kinds[req.Kind] = true
	}
	assert.True(t, kinds[bookmarks.InferenceTag])
	assert.True(t, kinds[bookmarks.InferenceSummarize])
	assert.True(t, kinds[bookmarks.InferenceEnhanceDesc])
}

func TestArchiveFullPageAttachesAsset(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.fetcher.page = &bookmarks.CrawlResult{HTML: "<html></html>", StatusCode: 200, FinalURL: "https://news.example.com/story"}

	job := genericJob()
	job.ArchiveFullPage = true
	require.NoError(t, h.orch.ProcessJob(context.Background(), job))

	assert.Equal(t, 1, h.archiver.calls)
	require.Len(t, h.store.attached, 1)
	assert.Equal(t, bookmarks.AssetFullPageArchive, h.store.attached[0].Kind)
	require.Len(t, h.store.updates, 1, "metadata committed before archival")
}

func TestArchiveFailureDoesNotFailJob(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.fetcher.page = &bookmarks.CrawlResult{HTML: "<html></html>", StatusCode: 200, FinalURL: "https://news.example.com/story"}
	h.archiver.err = errors.New("monolith missing")

	job := genericJob()
	job.ArchiveFullPage = true
	require.NoError(t, h.orch.ProcessJob(context.Background(), job))
	assert.Empty(t, h.store.attached)
	require.Len(t, h.store.updates, 1)
}

func TestPrecrawledArchiveSkipsFetching(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.store.archive = &bookmarks.Asset{ID: "arch-1", UserID: "user-1", Kind: bookmarks.AssetPrecrawledArchive}
	require.NoError(t, h.assets.Put(context.Background(), "user-1", "arch-1", "text/html",
		[]byte("<html><title>captured earlier</title></html>")))

	h.orch.crawlPage = func(context.Context, *browser.PooledContext, string) (*bookmarks.CrawlResult, error) {
		return nil, errors.New("must not run")
	}

	require.NoError(t, h.orch.ProcessJob(context.Background(), genericJob()))

	assert.Zero(t, h.fetcher.pageHits, "no network fetch when an archive is attached")
	assert.Contains(t, h.metadata.lastHTML, "captured earlier")
	require.Len(t, h.store.updates, 1)
}

func TestWorkerRunProcessesUntilCancelled(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.fetcher.page = &bookmarks.CrawlResult{HTML: "<html></html>", StatusCode: 200, FinalURL: "https://news.example.com/story"}

	q := queue.NewMemoryQueue(4)
	require.NoError(t, q.Enqueue(context.Background(), genericJob()))

	w := NewWorker(q, h.orch, time.Second, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		h.store.mu.Lock()
		defer h.store.mu.Unlock()
		return len(h.store.updates) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop on cancellation")
	}
}
