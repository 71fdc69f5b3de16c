// Package fetch provides the unpooled HTTP surface of the pipeline: the
// content-type prober that classifies URLs, a Colly-based page fetcher used
// when no browser context is available, and a size-capped asset downloader.
package fetch

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/adam-versed/karakeep-x-scrape-sub000/internal/bookmarks"
)

// Config controls prober and fetcher behavior.
type Config struct {
	UserAgent        string
	ProbeTimeout     time.Duration
	FetchTimeout     time.Duration
	MaxDownloadBytes int64
}

func (c *Config) applyDefaults() {
	if c.UserAgent == "" {
		c.UserAgent = "Mozilla/5.0 (compatible; crawlworker/1.0)"
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 5 * time.Second
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 15 * time.Second
	}
	if c.MaxDownloadBytes <= 0 {
		c.MaxDownloadBytes = 50 << 20
	}
}

// Client bundles the prober, fallback page fetcher and asset downloader
// around one shared transport.
type Client struct {
	cfg           Config
	http          *http.Client
	baseCollector *colly.Collector
	logger        *zap.Logger
}

// New builds a Client.
func New(cfg Config, logger *zap.Logger) *Client {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	transport := newHTTPTransport()

	collector := colly.NewCollector(colly.Async(false))
	collector.IgnoreRobotsTxt = true
	collector.WithTransport(transport)

	return &Client{
		cfg:           cfg,
		http:          &http.Client{Transport: transport},
		baseCollector: collector,
		logger:        logger,
	}
}

// Probe determines the content type of a URL with a HEAD request, falling
// back to a ranged GET when the server rejects HEAD. The returned type is the
// bare media type without parameters, lowercased. A probe that cannot reach
// the server at all returns an error; an unhelpful server answer returns an
// empty type so the caller treats the URL as a regular page.
func (c *Client) Probe(ctx context.Context, rawURL string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ProbeTimeout)
	defer cancel()

	contentType, retry, err := c.probeOnce(ctx, http.MethodHead, rawURL)
	if err != nil {
		return "", err
	}
	if retry {
		contentType, _, err = c.probeOnce(ctx, http.MethodGet, rawURL)
		if err != nil {
			return "", err
		}
	}
	return contentType, nil
}

func (c *Client) probeOnce(ctx context.Context, method, rawURL string) (string, bool, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return "", false, fmt.Errorf("build probe request: %w", err)
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	if method == http.MethodGet {
		// We only need headers; ask for a single byte so a fallback probe of
		// a large binary does not pull the whole body.
		req.Header.Set("Range", "bytes=0-0")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", false, fmt.Errorf("probe %s: %w", method, err)
	}
	defer drainAndClose(resp.Body)

	if method == http.MethodHead && (resp.StatusCode == http.StatusMethodNotAllowed || resp.StatusCode == http.StatusNotImplemented) {
		return "", true, nil
	}

	mediaType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		return "", false, nil
	}
	return strings.ToLower(mediaType), false, nil
}

// FetchPage retrieves a page over plain HTTP through Colly. It is the
// degraded path used when the browser pool has no context to offer, so the
// result carries no screenshot.
func (c *Client) FetchPage(ctx context.Context, rawURL string) (*bookmarks.CrawlResult, error) {
	var (
		result   *bookmarks.CrawlResult
		fetchErr error
	)

	collector := c.baseCollector.Clone()
	collector.UserAgent = c.cfg.UserAgent
	collector.IgnoreRobotsTxt = true
	collector.SetRequestTimeout(c.cfg.FetchTimeout)

	collector.OnResponse(func(r *colly.Response) {
		result = &bookmarks.CrawlResult{
			HTML:       string(r.Body),
			StatusCode: r.StatusCode,
			FinalURL:   r.Request.URL.String(),
		}
	})
	collector.OnError(func(r *colly.Response, err error) {
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(rawURL)
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
		}
		if fetchErr != nil {
			return nil, fmt.Errorf("fetch %s: %w", rawURL, fetchErr)
		}
		if result == nil {
			return nil, fmt.Errorf("fetch %s: no response", rawURL)
		}
		return result, nil
	}
}

// Download retrieves the body of a URL up to the configured size cap and
// returns it with its content type. Bodies exceeding the cap are an error,
// not a truncation, so a partial asset is never stored as if complete.
func (c *Client) Download(ctx context.Context, rawURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build download request: %w", err)
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download %s: %w", rawURL, err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("download %s: unexpected status %d", rawURL, resp.StatusCode)
	}
	if resp.ContentLength > c.cfg.MaxDownloadBytes {
		return nil, "", fmt.Errorf("download %s: declared size %d exceeds cap %d", rawURL, resp.ContentLength, c.cfg.MaxDownloadBytes)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxDownloadBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("download %s: read body: %w", rawURL, err)
	}
	if int64(len(body)) > c.cfg.MaxDownloadBytes {
		return nil, "", fmt.Errorf("download %s: body exceeds cap %d", rawURL, c.cfg.MaxDownloadBytes)
	}

	mediaType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		mediaType = "application/octet-stream"
	}
	return body, strings.ToLower(mediaType), nil
}

func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 4096))
	_ = body.Close()
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
