package browser

import (
	"context"
	"fmt"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// chromedpConn wraps one chromedp connection to a remote browser endpoint
// (websocket debugger URL or CDP target).
type chromedpConn struct {
	cfg           Config
	browserCtx    context.Context
	browserCancel context.CancelFunc
	allocCancel   context.CancelFunc
}

// dialChromedp connects to the configured remote browser and warms up the
// session so connection failures surface immediately.
func dialChromedp(ctx context.Context, cfg Config, logger *zap.Logger) (conn, error) {
	allocCtx, allocCancel := chromedp.NewRemoteAllocator(context.Background(), cfg.Endpoint)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(logger.Sugar().Debugf),
		chromedp.WithErrorf(logger.Sugar().Warnf),
	)

	runCtx := browserCtx
	if ctx != nil {
		var cancel context.CancelFunc
		runCtx, cancel = mergeDeadline(browserCtx, ctx)
		defer cancel()
	}
	if err := chromedp.Run(runCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("connect remote browser: %w", err)
	}

	return &chromedpConn{
		cfg:           cfg,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		allocCancel:   allocCancel,
	}, nil
}

// mergeDeadline applies the caller's deadline, if any, to the browser context
// without tying the browser's lifetime to the caller.
func mergeDeadline(browserCtx, caller context.Context) (context.Context, context.CancelFunc) {
	if deadline, ok := caller.Deadline(); ok {
		return context.WithDeadline(browserCtx, deadline)
	}
	return context.WithCancel(browserCtx)
}

// NewPage opens an isolated tab with the pool's fixed viewport and user agent.
func (c *chromedpConn) NewPage(ctx context.Context) (context.Context, context.CancelFunc, error) {
	tabCtx, tabCancel := chromedp.NewContext(c.browserCtx)

	actions := []chromedp.Action{}
	if c.cfg.ViewportWidth > 0 && c.cfg.ViewportHeight > 0 {
		actions = append(actions, emulation.SetDeviceMetricsOverride(
			int64(c.cfg.ViewportWidth), int64(c.cfg.ViewportHeight), 1, false))
	}
	if c.cfg.UserAgent != "" {
		actions = append(actions, emulation.SetUserAgentOverride(c.cfg.UserAgent))
	}

	runCtx := tabCtx
	if deadline, ok := ctx.Deadline(); ok {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithDeadline(tabCtx, deadline)
		defer cancel()
	}
	if err := chromedp.Run(runCtx, actions...); err != nil {
		tabCancel()
		return nil, nil, fmt.Errorf("open browser context: %w", err)
	}
	return tabCtx, tabCancel, nil
}

// Done closes when the underlying browser connection is lost.
func (c *chromedpConn) Done() <-chan struct{} {
	return c.browserCtx.Done()
}

// Close tears down the tab tree and the websocket connection.
func (c *chromedpConn) Close() error {
	c.browserCancel()
	c.allocCancel()
	return nil
}
