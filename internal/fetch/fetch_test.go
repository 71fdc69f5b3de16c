package fetch

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := New(Config{
		ProbeTimeout:     2 * time.Second,
		FetchTimeout:     2 * time.Second,
		MaxDownloadBytes: 1 << 20,
	}, zap.NewNop())
	return c, srv
}

func TestProbeUsesHead(t *testing.T) {
	t.Parallel()
	var gotMethod string
	c, srv := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		w.Header().Set("Content-Type", "application/pdf; charset=binary")
	}))

	contentType, err := c.Probe(context.Background(), srv.URL+"/doc.pdf")
	require.NoError(t, err)
	assert.Equal(t, http.MethodHead, gotMethod)
	assert.Equal(t, "application/pdf", contentType, "parameters stripped")
}

func TestProbeFallsBackToGetOn405(t *testing.T) {
	t.Parallel()
	var methods []string
	c, srv := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		methods = append(methods, r.Method)
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.WriteHeader(http.StatusPartialContent)
		fmt.Fprint(w, "x")
	}))

	contentType, err := c.Probe(context.Background(), srv.URL+"/img.png")
	require.NoError(t, err)
	assert.Equal(t, []string{http.MethodHead, http.MethodGet}, methods)
	assert.Equal(t, "image/png", contentType)
}

func TestProbeUnhelpfulServerIsNotAnError(t *testing.T) {
	t.Parallel()
	c, srv := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Del("Content-Type")
		w.WriteHeader(http.StatusOK)
	}))

	contentType, err := c.Probe(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Empty(t, contentType, "missing content type classifies as a regular page")
}

func TestProbeUnreachableServer(t *testing.T) {
	t.Parallel()
	c := New(Config{ProbeTimeout: 500 * time.Millisecond}, zap.NewNop())
	_, err := c.Probe(context.Background(), "http://127.0.0.1:1/never")
	require.Error(t, err)
}

func TestFetchPage(t *testing.T) {
	t.Parallel()
	c, srv := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/start" {
			http.Redirect(w, r, "/final", http.StatusFound)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, "<html><head><title>plain fetch</title></head><body>ok</body></html>")
	}))

	result, err := c.FetchPage(context.Background(), srv.URL+"/start")
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, http.StatusOK, result.StatusCode)
	assert.Contains(t, result.HTML, "plain fetch")
	assert.Equal(t, srv.URL+"/final", result.FinalURL, "redirects resolve to the final URL")
	assert.Nil(t, result.Screenshot, "plain fetches never carry screenshots")
}

func TestFetchPageServerError(t *testing.T) {
	t.Parallel()
	c, srv := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))

	_, err := c.FetchPage(context.Background(), srv.URL)
	require.Error(t, err)
}

func TestDownloadWithinCap(t *testing.T) {
	t.Parallel()
	c, srv := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		fmt.Fprint(w, "jpeg-bytes")
	}))

	body, contentType, err := c.Download(context.Background(), srv.URL+"/banner.jpg")
	require.NoError(t, err)
	assert.Equal(t, "jpeg-bytes", string(body))
	assert.Equal(t, "image/jpeg", contentType)
}

func TestDownloadRejectsOversizedBody(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		fmt.Fprint(w, strings.Repeat("a", 256))
	}))
	t.Cleanup(srv.Close)

	c := New(Config{MaxDownloadBytes: 128}, zap.NewNop())
	_, _, err := c.Download(context.Background(), srv.URL)
	require.Error(t, err, "oversized assets fail instead of truncating")
}

func TestDownloadNonOKStatus(t *testing.T) {
	t.Parallel()
	c, srv := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))

	_, _, err := c.Download(context.Background(), srv.URL+"/missing")
	require.Error(t, err)
}
