package extract

import (
	"fmt"
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/PuerkitoBio/goquery"
	"github.com/microcosm-cc/bluemonday"
	"go.uber.org/zap"

	"github.com/adam-versed/karakeep-x-scrape-sub000/internal/bookmarks"
)

// chrome is page furniture that never belongs in a reading view.
var chromeSelectors = []string{
	"script", "style", "noscript", "iframe", "object", "embed",
	"nav", "header", "footer", "aside", "form", "button",
	`[role="navigation"]`, `[role="banner"]`, `[role="contentinfo"]`,
}

// contentSelectors are tried in order; the first match becomes the reading
// root. The body fallback keeps pages without semantic markup readable.
var contentSelectors = []string{
	"article", "main", `[role="main"]`, "#content", ".post-content", "body",
}

// Readability produces a sanitized reading-view fragment plus a plain-text
// rendition. It implements bookmarks.ReadabilityExtractor.
type Readability struct {
	policy *bluemonday.Policy
	logger *zap.Logger
}

// NewReadability builds a Readability extractor.
func NewReadability(logger *zap.Logger) *Readability {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Readability{
		policy: bluemonday.UGCPolicy(),
		logger: logger,
	}
}

// Extract derives the reading view for a page. Pages with no textual content
// yield (nil, nil) so callers can treat absence as soft degradation.
func (r *Readability) Extract(html, pageURL string) (*bookmarks.ReadableContent, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	for _, sel := range chromeSelectors {
		doc.Find(sel).Remove()
	}

	var root *goquery.Selection
	for _, sel := range contentSelectors {
		if s := doc.Find(sel).First(); s.Length() > 0 {
			root = s
			break
		}
	}
	if root == nil {
		return nil, nil
	}

	fragment, err := root.Html()
	if err != nil {
		return nil, fmt.Errorf("serialize content: %w", err)
	}

	safe := strings.TrimSpace(r.policy.Sanitize(fragment))
	if safe == "" {
		return nil, nil
	}

	text, err := htmltomarkdown.ConvertString(safe)
	if err != nil {
		r.logger.Warn("plain-text conversion failed", zap.String("url", pageURL), zap.Error(err))
		text = ""
	}

	return &bookmarks.ReadableContent{
		HTML: safe,
		Text: strings.TrimSpace(text),
	}, nil
}
