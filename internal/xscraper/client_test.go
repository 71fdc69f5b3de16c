package xscraper

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := New(Config{
		Enabled:           true,
		Token:             "test-token",
		ActorID:           "acme~tweet-scraper",
		BaseURL:           srv.URL,
		RunTimeout:        5 * time.Second,
		DatasetRetries:    3,
		DatasetRetryDelay: time.Millisecond,
	}, zap.NewNop())
	c.sleep = func(context.Context, time.Duration) error { return nil }
	return c
}

func TestIsEnabled(t *testing.T) {
	t.Parallel()
	assert.True(t, New(Config{Enabled: true, Token: "x"}, nil).IsEnabled())
	assert.False(t, New(Config{Enabled: true}, nil).IsEnabled(), "credential required")
	assert.False(t, New(Config{Token: "x"}, nil).IsEnabled(), "feature flag required")
}

func TestSupportsURL(t *testing.T) {
	t.Parallel()
	assert.True(t, SupportsURL("https://x.com/bob/status/123"))
	assert.True(t, SupportsURL("https://twitter.com/bob/status/123"))
	assert.True(t, SupportsURL("https://mobile.twitter.com/bob/status/123"))
	assert.False(t, SupportsURL("https://example.com/post/123"))
	assert.False(t, SupportsURL("https://notx.com"))
}

func TestScrapeHappyPath(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v2/acts/acme~tweet-scraper/runs", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "test-token", r.URL.Query().Get("token"))
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"data":{"id":"run-1","status":"SUCCEEDED","defaultDatasetId":"ds-1"}}`)
	})
	mux.HandleFunc("GET /v2/datasets/ds-1/items", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "["+rawModernItem+"]")
	})

	c := newTestClient(t, mux)
	post, err := c.Scrape(context.Background(), "https://x.com/bob/status/1750000000000000001")
	require.NoError(t, err)
	require.NotNil(t, post)
	assert.Equal(t, "1750000000000000001", post.ID)
	assert.Equal(t, "bob", post.Author.Username)
}

func TestScrapeRetriesDatasetLag(t *testing.T) {
	t.Parallel()
	var polls int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v2/acts/acme~tweet-scraper/runs", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"data":{"id":"run-1","status":"SUCCEEDED","defaultDatasetId":"ds-1"}}`)
	})
	mux.HandleFunc("GET /v2/datasets/ds-1/items", func(w http.ResponseWriter, r *http.Request) {
		// Dataset materialization lags the run: empty twice, then ready.
		if atomic.AddInt32(&polls, 1) < 3 {
			fmt.Fprint(w, `[]`)
			return
		}
		fmt.Fprint(w, "["+rawModernItem+"]")
	})

	c := newTestClient(t, mux)
	post, err := c.Scrape(context.Background(), "https://x.com/bob/status/1")
	require.NoError(t, err)
	require.NotNil(t, post)
	assert.Equal(t, int32(3), atomic.LoadInt32(&polls))
}

func TestScrapeNoResultIsNotAnError(t *testing.T) {
	t.Parallel()
	var polls int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v2/acts/acme~tweet-scraper/runs", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"data":{"id":"run-1","status":"SUCCEEDED","defaultDatasetId":"ds-1"}}`)
	})
	mux.HandleFunc("GET /v2/datasets/ds-1/items", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&polls, 1)
		fmt.Fprint(w, `[]`)
	})

	c := newTestClient(t, mux)
	post, err := c.Scrape(context.Background(), "https://x.com/bob/status/1")
	require.NoError(t, err, "an exhausted retry budget is a soft no-result")
	assert.Nil(t, post)
	assert.Equal(t, int32(3), atomic.LoadInt32(&polls), "fixed-count retry budget")
}

func TestScrapeServiceFailure(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v2/acts/acme~tweet-scraper/runs", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"type":"token-not-found"}}`)
	})

	c := newTestClient(t, mux)
	_, err := c.Scrape(context.Background(), "https://x.com/bob/status/1")
	require.Error(t, err, "auth failure is a hard error for the caller to absorb")
}

func TestScrapeFailedRunIsAnError(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v2/acts/acme~tweet-scraper/runs", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"data":{"id":"run-1","status":"FAILED","defaultDatasetId":"ds-1"}}`)
	})

	c := newTestClient(t, mux)
	_, err := c.Scrape(context.Background(), "https://x.com/bob/status/1")
	require.Error(t, err)
}

func TestScrapeRejectsUnsupportedURL(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, http.NewServeMux())
	_, err := c.Scrape(context.Background(), "https://example.com/article")
	require.Error(t, err)
}
