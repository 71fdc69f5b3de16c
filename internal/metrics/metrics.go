// Package metrics exposes Prometheus collectors for the crawl worker.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	crawlJobsTotal          *prometheus.CounterVec
	crawlStageSeconds       *prometheus.HistogramVec
	poolContextsInUse       prometheus.Gauge
	poolWaiters             prometheus.Gauge
	poolReconnectsTotal     prometheus.Counter
	xscrapeResultsTotal     *prometheus.CounterVec
	enrichmentFlushesTotal  *prometheus.CounterVec
	enrichmentBatchSize     prometheus.Histogram
	assetWriteFailuresTotal *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus collectors. Safe to call more than once.
func Init() {
	once.Do(func() {
		crawlJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlworker_jobs_total",
				Help: "Total crawl jobs processed, labeled by pipeline path and outcome.",
			},
			[]string{"path", "outcome"},
		)

		crawlStageSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawlworker_stage_duration_seconds",
				Help:    "Histogram of per-stage durations within the crawl pipeline.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"stage"},
		)

		poolContextsInUse = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawlworker_browser_contexts_in_use",
				Help: "Number of pooled browser contexts currently lent out.",
			},
		)

		poolWaiters = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawlworker_browser_pool_waiters",
				Help: "Number of jobs queued waiting for a browser context.",
			},
		)

		poolReconnectsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawlworker_browser_reconnects_total",
				Help: "Total browser reconnection attempts.",
			},
		)

		xscrapeResultsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlworker_xscrape_results_total",
				Help: "Enhanced scraper invocations, labeled by result.",
			},
			[]string{"result"},
		)

		enrichmentFlushesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlworker_enrichment_flushes_total",
				Help: "Batch collector flushes, labeled by result.",
			},
			[]string{"result"},
		)

		enrichmentBatchSize = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "crawlworker_enrichment_batch_size",
				Help:    "Histogram of flushed enrichment batch sizes.",
				Buckets: []float64{1, 2, 5, 10, 20, 50, 100},
			},
		)

		assetWriteFailuresTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlworker_asset_write_failures_total",
				Help: "Optional-asset write failures, labeled by asset kind.",
			},
			[]string{"kind"},
		)
	})
}

// Handler returns an http.Handler exposing the Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveJob records one finished crawl job.
func ObserveJob(path, outcome string) {
	crawlJobsTotal.WithLabelValues(path, outcome).Inc()
}

// ObserveStage records the duration of one pipeline stage.
func ObserveStage(stage string, d time.Duration) {
	crawlStageSeconds.WithLabelValues(stage).Observe(d.Seconds())
}

// SetContextsInUse updates the lent-out context gauge.
func SetContextsInUse(n int) {
	poolContextsInUse.Set(float64(n))
}

// SetPoolWaiters updates the waiter gauge.
func SetPoolWaiters(n int) {
	poolWaiters.Set(float64(n))
}

// ObserveReconnect counts one reconnection attempt.
func ObserveReconnect() {
	poolReconnectsTotal.Inc()
}

// ObserveXScrape records one enhanced-scraper invocation result.
func ObserveXScrape(result string) {
	xscrapeResultsTotal.WithLabelValues(result).Inc()
}

// ObserveFlush records one batch flush and its size.
func ObserveFlush(result string, size int) {
	enrichmentFlushesTotal.WithLabelValues(result).Inc()
	if size > 0 {
		enrichmentBatchSize.Observe(float64(size))
	}
}

// ObserveAssetFailure counts one soft asset-write failure.
func ObserveAssetFailure(kind string) {
	assetWriteFailuresTotal.WithLabelValues(kind).Inc()
}
