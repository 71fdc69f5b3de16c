package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/cdp"
	cdpfetch "github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/adam-versed/karakeep-x-scrape-sub000/internal/bookmarks"
	"github.com/adam-versed/karakeep-x-scrape-sub000/internal/browser"
	"github.com/adam-versed/karakeep-x-scrape-sub000/internal/metrics"
)

const (
	// networkIdleCeiling bounds the post-navigation idle wait. Pages holding
	// persistent background connections never go quiet, so the ceiling wins.
	networkIdleCeiling = 5 * time.Second
	// networkQuietPeriod is how long the network must stay silent to count
	// as idle.
	networkQuietPeriod = 500 * time.Millisecond

	screenshotQuality = 80
)

// crawlWithBrowser navigates the pooled tab to the URL, waits for network
// idle or the fixed ceiling, and captures the final HTML. The screenshot runs
// under its own timeout and its failure is soft.
func (o *Orchestrator) crawlWithBrowser(jobCtx context.Context, pc *browser.PooledContext, rawURL string) (*bookmarks.CrawlResult, error) {
	navCtx, cancel := context.WithTimeout(pc.Ctx, o.cfg.NavTimeout)
	defer cancel()
	stop := context.AfterFunc(jobCtx, cancel)
	defer stop()

	var (
		statusMu   sync.Mutex
		statusCode int
	)
	var lastActivity atomic.Int64
	touch := func() { lastActivity.Store(time.Now().UnixNano()) }
	touch()

	chromedp.ListenTarget(navCtx, func(ev any) {
		switch e := ev.(type) {
		case *network.EventResponseReceived:
			touch()
			if e.Type == network.ResourceTypeDocument {
				statusMu.Lock()
				if statusCode == 0 {
					statusCode = int(e.Response.Status)
				}
				statusMu.Unlock()
			}
		case *network.EventRequestWillBeSent:
			touch()
		case *network.EventLoadingFinished:
			touch()
		case *network.EventLoadingFailed:
			touch()
		case *cdpfetch.EventRequestPaused:
			go o.resolvePausedRequest(navCtx, e)
		}
	})

	var html, finalURL string
	actions := []chromedp.Action{network.Enable()}
	if o.adblock != nil {
		actions = append(actions, cdpfetch.Enable())
	}
	actions = append(actions,
		chromedp.Navigate(rawURL),
		waitNetworkIdle(&lastActivity),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)

	if err := chromedp.Run(navCtx, actions...); err != nil {
		return nil, fmt.Errorf("navigate %s: %w", rawURL, err)
	}

	statusMu.Lock()
	status := statusCode
	statusMu.Unlock()

	result := &bookmarks.CrawlResult{
		HTML:       html,
		StatusCode: status,
		FinalURL:   finalURL,
	}
	result.Screenshot = o.captureScreenshot(pc)
	return result, nil
}

// resolvePausedRequest continues or fails one intercepted request according
// to the ad-block filter.
func (o *Orchestrator) resolvePausedRequest(tabCtx context.Context, ev *cdpfetch.EventRequestPaused) {
	c := chromedp.FromContext(tabCtx)
	if c == nil {
		return
	}
	execCtx := cdp.WithExecutor(tabCtx, c.Target)

	if o.adblock != nil && o.adblock.ShouldBlock(ev.Request.URL, string(ev.ResourceType)) {
		if err := cdpfetch.FailRequest(ev.RequestID, network.ErrorReasonBlockedByClient).Do(execCtx); err != nil {
			o.logger.Debug("blocked request not failed", zap.Error(err))
		}
		return
	}
	if err := cdpfetch.ContinueRequest(ev.RequestID).Do(execCtx); err != nil {
		o.logger.Debug("paused request not continued", zap.Error(err))
	}
}

// waitNetworkIdle blocks until the network has been quiet for the quiet
// period or the ceiling elapses, whichever comes first.
func waitNetworkIdle(lastActivity *atomic.Int64) chromedp.ActionFunc {
	return func(ctx context.Context) error {
		deadline := time.Now().Add(networkIdleCeiling)
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case now := <-ticker.C:
				if now.After(deadline) {
					return nil
				}
				if now.Sub(time.Unix(0, lastActivity.Load())) >= networkQuietPeriod {
					return nil
				}
			}
		}
	}
}

// captureScreenshot takes a viewport (or full-page) screenshot under its own
// timeout. Failure is logged and yields nil; the job proceeds without it.
func (o *Orchestrator) captureScreenshot(pc *browser.PooledContext) []byte {
	ctx, cancel := context.WithTimeout(pc.Ctx, o.cfg.ScreenshotTimeout)
	defer cancel()

	var shot []byte
	action := chromedp.Action(chromedp.CaptureScreenshot(&shot))
	if o.cfg.FullPageScreenshot {
		action = chromedp.FullScreenshot(&shot, screenshotQuality)
	}
	if err := chromedp.Run(ctx, action); err != nil {
		o.logger.Warn("screenshot capture failed", zap.Error(err))
		metrics.ObserveAssetFailure("screenshot")
		return nil
	}
	return shot
}
