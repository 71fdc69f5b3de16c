// Package bookmarks defines core types shared across subsystems.
package bookmarks

import (
	"errors"
	"fmt"
	"time"
)

// CrawlJob is the payload dequeued for each bookmark crawl. Immutable once
// dispatched; cancellation travels on the context, not the payload.
type CrawlJob struct {
	BookmarkID      string `json:"bookmark_id"`
	UserID          string `json:"user_id"`
	URL             string `json:"url"`
	ArchiveFullPage bool   `json:"archive_full_page"`
	RunInference    bool   `json:"run_inference"`
}

// Validate rejects malformed job payloads before any network activity.
func (j CrawlJob) Validate() error {
	if j.BookmarkID == "" {
		return fmt.Errorf("%w: missing bookmark id", ErrValidation)
	}
	if j.URL == "" {
		return fmt.Errorf("%w: missing url", ErrValidation)
	}
	return nil
}

// CrawlResult is produced once per job by the content-acquisition stage and
// consumed within the same job.
type CrawlResult struct {
	HTML       string
	Screenshot []byte
	StatusCode int
	FinalURL   string
}

// ExtractedMetadata holds the structured fields derived from a crawled page
// or from a normalized social post side-channel.
type ExtractedMetadata struct {
	Title         string
	Description   string
	ImageURL      string
	Author        string
	Publisher     string
	Logo          string
	DatePublished *time.Time
	DateModified  *time.Time
}

// ReadableContent is the sanitized reading-view rendition of a page.
type ReadableContent struct {
	HTML string
	Text string
}

// MediaKind classifies a social post medium.
type MediaKind string

// Media kinds emitted by normalization.
const (
	MediaImage MediaKind = "image"
	MediaVideo MediaKind = "video"
	MediaGIF   MediaKind = "gif"
)

// SocialMedia is one medium attached to a normalized post.
type SocialMedia struct {
	Kind         MediaKind `json:"kind"`
	URL          string    `json:"url"`
	ThumbnailURL string    `json:"thumbnail_url,omitempty"`
	Width        int64     `json:"width,omitempty"`
	Height       int64     `json:"height,omitempty"`
	DurationSec  float64   `json:"duration_sec,omitempty"`
}

// SocialAuthor describes the author of a normalized post.
type SocialAuthor struct {
	Username      string `json:"username"`
	Name          string `json:"name,omitempty"`
	AvatarURL     string `json:"avatar_url,omitempty"`
	Verified      bool   `json:"verified,omitempty"`
	FollowerCount int64  `json:"follower_count,omitempty"`
}

// SocialMetrics carries engagement counts for a normalized post.
type SocialMetrics struct {
	Likes   int64 `json:"likes"`
	Shares  int64 `json:"shares"`
	Replies int64 `json:"replies"`
	Views   int64 `json:"views,omitempty"`
}

// NormalizedSocialPost is the canonical post model produced by the enhanced
// scraper, independent of whichever schema the upstream service shipped.
// A post missing both a stable ID and non-empty text is never materialized.
type NormalizedSocialPost struct {
	ID         string                 `json:"id"`
	Text       string                 `json:"text"`
	URL        string                 `json:"url,omitempty"`
	Author     SocialAuthor           `json:"author"`
	Metrics    SocialMetrics          `json:"metrics"`
	Media      []SocialMedia          `json:"media,omitempty"`
	Hashtags   []string               `json:"hashtags,omitempty"`
	Mentions   []string               `json:"mentions,omitempty"`
	CreatedAt  *time.Time             `json:"created_at,omitempty"`
	Thread     []NormalizedSocialPost `json:"thread,omitempty"`
	QuotedPost *NormalizedSocialPost  `json:"quoted_post,omitempty"`
}

// AssetKind classifies binary assets attached to a bookmark.
type AssetKind string

// Asset kinds persisted alongside bookmarks.
const (
	AssetScreenshot        AssetKind = "screenshot"
	AssetBanner            AssetKind = "bannerImage"
	AssetFullPageArchive   AssetKind = "fullPageArchive"
	AssetPrecrawledArchive AssetKind = "precrawledArchive"
	AssetObject            AssetKind = "bookmarkAsset"
)

// Asset is the persisted record of a stored binary.
type Asset struct {
	ID          string
	BookmarkID  string
	UserID      string
	Kind        AssetKind
	ContentType string
	Size        int64
	FileName    string
}

// LinkCrawlUpdate captures everything persisted for a link bookmark in one
// transaction at the end of a crawl.
type LinkCrawlUpdate struct {
	BookmarkID    string
	UserID        string
	Title         string
	Description   string
	Author        string
	Publisher     string
	ImageURL      string
	Favicon       string
	Content       string
	HTMLContent   string
	DatePublished *time.Time
	DateModified  *time.Time
	CrawledAt     time.Time
	Assets        []Asset
}

// InferenceKind enumerates downstream enrichment job flavors.
type InferenceKind string

// Inference job kinds fanned out after a crawl.
const (
	InferenceTag         InferenceKind = "tag"
	InferenceSummarize   InferenceKind = "summarize"
	InferenceEnhanceDesc InferenceKind = "enhance-description"
)

// RequestSource identifies who asked for an enrichment.
type RequestSource string

// Enrichment request sources.
const (
	SourceBackground RequestSource = "background"
	SourceAPI        RequestSource = "api"
	SourceAdmin      RequestSource = "admin"
)

// Downstream queue names.
const (
	QueueInference       = "inference"
	QueueSearchReindex   = "search-reindex"
	QueueVideoExtraction = "video"
	QueueWebhook         = "webhook"
	QueueAssetPreprocess = "asset-preprocess"
)

// InferenceRequest asks a downstream worker to enrich one bookmark.
type InferenceRequest struct {
	BookmarkID string        `json:"bookmark_id"`
	Kind       InferenceKind `json:"kind"`
	Source     RequestSource `json:"source"`
}

// ReindexRequest triggers a search reindex of one bookmark.
type ReindexRequest struct {
	BookmarkID string `json:"bookmark_id"`
}

// VideoRequest triggers a video-extraction attempt.
type VideoRequest struct {
	BookmarkID string `json:"bookmark_id"`
	URL        string `json:"url"`
}

// WebhookRequest notifies registered webhooks of a bookmark event.
type WebhookRequest struct {
	BookmarkID string `json:"bookmark_id"`
	Event      string `json:"event"`
}

// AssetPreprocessRequest asks for post-processing of a stored asset.
type AssetPreprocessRequest struct {
	BookmarkID string `json:"bookmark_id"`
	FixMode    bool   `json:"fix_mode"`
}

// ErrValidation marks terminal job failures caused by a bad payload or a
// disallowed target. The outer queue's retry policy decides what happens next.
var ErrValidation = errors.New("validation failed")
