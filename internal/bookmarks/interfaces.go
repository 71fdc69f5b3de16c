package bookmarks

import (
	"context"
)

// CrawlQueue provides enqueue/dequeue semantics for crawl jobs. The engine
// itself (persistence, retry counting) lives outside this module.
type CrawlQueue interface {
	Enqueue(ctx context.Context, job CrawlJob) error
	Dequeue(ctx context.Context) (CrawlJob, error)
}

// Enqueuer publishes payloads onto named downstream queues.
type Enqueuer interface {
	Enqueue(ctx context.Context, queue string, payload any) error
}

// AssetStore reads and writes binary assets keyed by (userID, assetID).
type AssetStore interface {
	Put(ctx context.Context, userID, assetID, contentType string, data []byte) error
	Get(ctx context.Context, userID, assetID string) ([]byte, string, error)
	Delete(ctx context.Context, userID, assetID string) error
}

// BookmarkStore persists crawl outcomes. Implementations must apply each
// mutation in a single transaction.
type BookmarkStore interface {
	// UpdateLinkCrawl writes the link fields and upserts the given assets,
	// returning the assets each upsert superseded so the caller can delete
	// their blobs after commit.
	UpdateLinkCrawl(ctx context.Context, update LinkCrawlUpdate) ([]Asset, error)

	// ConvertToAsset switches a link bookmark to an asset bookmark,
	// replacing link-specific fields with the stored asset reference.
	ConvertToAsset(ctx context.Context, bookmarkID string, asset Asset) error

	// AttachAsset upserts a single asset record on a bookmark, returning the
	// records it superseded.
	AttachAsset(ctx context.Context, bookmarkID string, asset Asset) ([]Asset, error)

	// GetPrecrawledArchive reports an archive asset captured ahead of the
	// crawl (e.g. by a browser extension), if one is attached.
	GetPrecrawledArchive(ctx context.Context, bookmarkID string) (Asset, bool, error)
}

// MetadataExtractor runs the pluggable rule chain over acquired HTML. The
// normalized post, when present, is a preferred side-channel.
type MetadataExtractor interface {
	Extract(html string, pageURL string, post *NormalizedSocialPost) (ExtractedMetadata, error)
}

// ReadabilityExtractor derives a sanitized reading-view fragment and plain
// text from HTML. A nil result without error means the page has no readable
// body worth keeping.
type ReadabilityExtractor interface {
	Extract(html string, pageURL string) (*ReadableContent, error)
}

// AdBlocker decides per request whether the browser should drop it.
type AdBlocker interface {
	ShouldBlock(requestURL string, resourceType string) bool
}

// Archiver produces a self-contained full-page archive for a URL.
type Archiver interface {
	Archive(ctx context.Context, url string) (data []byte, contentType string, err error)
}

// SocialScraper is the enhanced path for supported social platforms. Scrape
// returns (nil, nil) when the service yields no items within its retry
// budget; an error means outright service or auth failure.
type SocialScraper interface {
	IsEnabled() bool
	Scrape(ctx context.Context, url string) (*NormalizedSocialPost, error)
}
