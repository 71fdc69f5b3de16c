// Package xscraper invokes a third-party scraping actor for social-post URLs
// and normalizes its heterogeneous JSON into one canonical post model.
package xscraper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/adam-versed/karakeep-x-scrape-sub000/internal/bookmarks"
)

// Config controls the actor-service client.
type Config struct {
	Enabled           bool
	Token             string
	ActorID           string
	BaseURL           string
	RunTimeout        time.Duration
	DatasetRetries    int
	DatasetRetryDelay time.Duration
}

func (c *Config) applyDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = "https://api.apify.com"
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = time.Minute
	}
	if c.DatasetRetries <= 0 {
		c.DatasetRetries = 5
	}
	if c.DatasetRetryDelay <= 0 {
		c.DatasetRetryDelay = 2 * time.Second
	}
}

// Client submits bounded actor runs and fetches their dataset items.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// New builds a Client. The zero-value HTTP client timeout is bounded by the
// run budget plus a small allowance for the dataset polls.
func New(cfg Config, logger *zap.Logger) *Client {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.RunTimeout + 30*time.Second},
		logger: logger,
		sleep:  sleepCtx,
	}
}

// IsEnabled reports whether the enhanced path may be used. It is a pure
// function of configuration and is re-checked before every invocation since
// it may change between job enqueue and execution.
func (c *Client) IsEnabled() bool {
	return c.cfg.Enabled && c.cfg.Token != ""
}

var supportedHosts = map[string]bool{
	"x.com":              true,
	"www.x.com":          true,
	"twitter.com":        true,
	"www.twitter.com":    true,
	"mobile.twitter.com": true,
}

// SupportsURL reports whether the URL belongs to a supported social platform.
func SupportsURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return supportedHosts[strings.ToLower(u.Hostname())]
}

// Scrape runs the actor for one post URL and returns the normalized post.
// It returns (nil, nil) when the dataset never yields items within the retry
// budget; an error is returned only for outright service or auth failure.
func (c *Client) Scrape(ctx context.Context, rawURL string) (*bookmarks.NormalizedSocialPost, error) {
	if !SupportsURL(rawURL) {
		return nil, fmt.Errorf("unsupported social url: %s", rawURL)
	}

	datasetID, err := c.submitRun(ctx, rawURL)
	if err != nil {
		return nil, err
	}

	// Dataset materialization can lag slightly behind run completion, so
	// items are fetched with a fixed-count, fixed-delay retry loop. The
	// expected lag is short and roughly constant, so no exponential backoff.
	for attempt := 0; attempt < c.cfg.DatasetRetries; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, c.cfg.DatasetRetryDelay); err != nil {
				return nil, err
			}
		}
		items, err := c.fetchItems(ctx, datasetID)
		if err != nil {
			return nil, err
		}
		if len(items) == 0 {
			continue
		}
		posts := Normalize(items)
		if len(posts) == 0 {
			c.logger.Debug("actor items yielded no normalizable post", zap.String("url", rawURL))
			return nil, nil
		}
		return &posts[0], nil
	}

	c.logger.Debug("actor dataset stayed empty within retry budget", zap.String("url", rawURL))
	return nil, nil
}

// submitRun starts one bounded actor run and returns its dataset id.
func (c *Client) submitRun(ctx context.Context, rawURL string) (string, error) {
	input := map[string]any{
		"startUrls": []string{rawURL},
		"maxItems":  1,
	}
	body, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("marshal actor input: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v2/acts/%s/runs?token=%s&waitForFinish=%d",
		c.cfg.BaseURL, url.PathEscape(c.cfg.ActorID), url.QueryEscape(c.cfg.Token),
		int(c.cfg.RunTimeout.Seconds()))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build run request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("submit actor run: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read run response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("actor run rejected: status %d: %s", resp.StatusCode, truncate(payload, 256))
	}

	data := gjson.GetBytes(payload, "data")
	status := data.Get("status").String()
	switch status {
	case "FAILED", "ABORTED", "TIMED-OUT":
		return "", fmt.Errorf("actor run finished with status %s", status)
	}
	datasetID := data.Get("defaultDatasetId").String()
	if datasetID == "" {
		return "", fmt.Errorf("actor run response missing dataset id")
	}
	return datasetID, nil
}

// fetchItems reads the run's dataset; an empty array is not an error.
func (c *Client) fetchItems(ctx context.Context, datasetID string) ([]byte, error) {
	endpoint := fmt.Sprintf("%s/v2/datasets/%s/items?token=%s&clean=true",
		c.cfg.BaseURL, url.PathEscape(datasetID), url.QueryEscape(c.cfg.Token))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build dataset request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch dataset items: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("read dataset response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("dataset fetch rejected: status %d", resp.StatusCode)
	}
	if !gjson.ValidBytes(payload) {
		return nil, fmt.Errorf("dataset response is not valid JSON")
	}
	items := gjson.ParseBytes(payload)
	if !items.IsArray() || len(items.Array()) == 0 {
		return nil, nil
	}
	return payload, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
