// Package extract derives structured metadata and a sanitized reading view
// from crawled HTML.
package extract

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/adam-versed/karakeep-x-scrape-sub000/internal/bookmarks"
)

// stringRule pulls one candidate value out of a parsed document. Rules for a
// field run in order and the first non-empty value wins.
type stringRule func(doc *goquery.Document) string

var titleRules = []stringRule{
	metaContent(`meta[property="og:title"]`),
	metaContent(`meta[name="twitter:title"]`),
	jsonLD("headline"),
	func(doc *goquery.Document) string { return strings.TrimSpace(doc.Find("title").First().Text()) },
	func(doc *goquery.Document) string { return strings.TrimSpace(doc.Find("h1").First().Text()) },
}

var descriptionRules = []stringRule{
	metaContent(`meta[property="og:description"]`),
	metaContent(`meta[name="twitter:description"]`),
	jsonLD("description"),
	metaContent(`meta[name="description"]`),
}

var imageRules = []stringRule{
	metaContent(`meta[property="og:image"]`),
	metaContent(`meta[property="og:image:url"]`),
	metaContent(`meta[name="twitter:image"]`),
	jsonLD("image.url", "image.0.url", "image.0", "image"),
	linkHref(`link[rel="image_src"]`),
}

var authorRules = []stringRule{
	metaContent(`meta[name="author"]`),
	metaContent(`meta[property="article:author"]`),
	jsonLD("author.name", "author.0.name"),
	metaContent(`meta[name="twitter:creator"]`),
}

var publisherRules = []stringRule{
	metaContent(`meta[property="og:site_name"]`),
	jsonLD("publisher.name"),
	metaContent(`meta[name="application-name"]`),
	metaContent(`meta[name="twitter:site"]`),
}

var logoRules = []stringRule{
	linkHref(`link[rel="apple-touch-icon"]`),
	linkHref(`link[rel="icon"]`),
	linkHref(`link[rel="shortcut icon"]`),
}

var datePublishedRules = []stringRule{
	metaContent(`meta[property="article:published_time"]`),
	metaContent(`meta[property="og:article:published_time"]`),
	jsonLD("datePublished"),
	metaContent(`meta[name="date"]`),
	timeAttr(`time[datetime][itemprop="datePublished"]`),
	timeAttr(`time[datetime][pubdate]`),
}

var dateModifiedRules = []stringRule{
	metaContent(`meta[property="article:modified_time"]`),
	metaContent(`meta[property="og:updated_time"]`),
	jsonLD("dateModified"),
	timeAttr(`time[datetime][itemprop="dateModified"]`),
}

var metaDateFormats = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Metadata runs the rule chain. It implements bookmarks.MetadataExtractor.
type Metadata struct {
	logger *zap.Logger
}

// NewMetadata builds a Metadata extractor.
func NewMetadata(logger *zap.Logger) *Metadata {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Metadata{logger: logger}
}

// Extract derives structured fields from html. When a normalized social post
// is supplied as a side-channel it wins over anything the page markup says,
// since the scraper saw the canonical record rather than a rendered shell.
func (m *Metadata) Extract(html, pageURL string, post *bookmarks.NormalizedSocialPost) (bookmarks.ExtractedMetadata, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return bookmarks.ExtractedMetadata{}, fmt.Errorf("parse html: %w", err)
	}

	base, err := url.Parse(pageURL)
	if err != nil {
		base = nil
	}

	meta := bookmarks.ExtractedMetadata{
		Title:       first(doc, titleRules),
		Description: first(doc, descriptionRules),
		ImageURL:    resolveRef(base, first(doc, imageRules)),
		Author:      first(doc, authorRules),
		Publisher:   first(doc, publisherRules),
		Logo:        resolveRef(base, first(doc, logoRules)),
	}
	meta.DatePublished = parseMetaDate(first(doc, datePublishedRules))
	meta.DateModified = parseMetaDate(first(doc, dateModifiedRules))

	if post != nil {
		m.applyPost(&meta, post)
	}
	return meta, nil
}

// applyPost overlays social-post fields onto the markup-derived metadata.
func (m *Metadata) applyPost(meta *bookmarks.ExtractedMetadata, post *bookmarks.NormalizedSocialPost) {
	if post.Author.Name != "" {
		meta.Author = post.Author.Name
		meta.Title = fmt.Sprintf("%s (@%s) on X", post.Author.Name, post.Author.Username)
	} else if post.Author.Username != "" {
		meta.Author = post.Author.Username
		meta.Title = fmt.Sprintf("@%s on X", post.Author.Username)
	}
	if post.Text != "" {
		meta.Description = post.Text
	}
	meta.Publisher = "X"
	for _, medium := range post.Media {
		switch {
		case medium.Kind == bookmarks.MediaImage && medium.URL != "":
			meta.ImageURL = medium.URL
		case medium.ThumbnailURL != "":
			meta.ImageURL = medium.ThumbnailURL
		default:
			continue
		}
		break
	}
	if post.CreatedAt != nil {
		t := *post.CreatedAt
		meta.DatePublished = &t
	}
}

func first(doc *goquery.Document, rules []stringRule) string {
	for _, rule := range rules {
		if v := rule(doc); v != "" {
			return v
		}
	}
	return ""
}

func metaContent(selector string) stringRule {
	return func(doc *goquery.Document) string {
		v, _ := doc.Find(selector).First().Attr("content")
		return strings.TrimSpace(v)
	}
}

func linkHref(selector string) stringRule {
	return func(doc *goquery.Document) string {
		v, _ := doc.Find(selector).First().Attr("href")
		return strings.TrimSpace(v)
	}
}

// jsonLD scans ld+json script blocks for the first non-empty value at any of
// the given paths. Top-level arrays and @graph containers are flattened.
func jsonLD(paths ...string) stringRule {
	return func(doc *goquery.Document) string {
		var out string
		doc.Find(`script[type="application/ld+json"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
			raw := s.Text()
			if !gjson.Valid(raw) {
				return true
			}
			for _, node := range ldNodes(gjson.Parse(raw)) {
				for _, path := range paths {
					v := node.Get(path)
					if v.Type != gjson.String {
						continue
					}
					if trimmed := strings.TrimSpace(v.String()); trimmed != "" {
						out = trimmed
						return false
					}
				}
			}
			return true
		})
		return out
	}
}

func ldNodes(v gjson.Result) []gjson.Result {
	switch {
	case v.IsArray():
		return v.Array()
	case v.IsObject():
		if g := v.Get("@graph"); g.IsArray() {
			return append([]gjson.Result{v}, g.Array()...)
		}
		return []gjson.Result{v}
	default:
		return nil
	}
}

func timeAttr(selector string) stringRule {
	return func(doc *goquery.Document) string {
		v, _ := doc.Find(selector).First().Attr("datetime")
		return strings.TrimSpace(v)
	}
}

// resolveRef turns a possibly-relative reference into an absolute URL against
// the page it was found on.
func resolveRef(base *url.URL, ref string) string {
	if ref == "" || base == nil {
		return ref
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(u).String()
}

func parseMetaDate(raw string) *time.Time {
	if raw == "" {
		return nil
	}
	for _, layout := range metaDateFormats {
		if t, err := time.Parse(layout, raw); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}
