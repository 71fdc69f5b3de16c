// Package browser manages one shared remote-browser connection and a bounded
// pool of isolated browsing contexts lent to crawl jobs.
package browser

import (
	"context"
	"crypto/rand"
	"math"
	"math/big"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/adam-versed/karakeep-x-scrape-sub000/internal/metrics"
)

// Status is the pool's connection lifecycle state.
type Status int

// Pool lifecycle states.
const (
	StatusBrowserless Status = iota
	StatusUninitialized
	StatusInitializing
	StatusConnected
	StatusReconnecting
	StatusGivenUp
	StatusClosed
)

// Config controls pool behavior.
type Config struct {
	Endpoint             string
	ConnectOnDemand      bool
	MaxContexts          int
	IdleTTL              time.Duration
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	ReconnectMaxAttempts int
	ViewportWidth        int
	ViewportHeight       int
	UserAgent            string
}

func (c *Config) applyDefaults() {
	if c.MaxContexts <= 0 {
		c.MaxContexts = 5
	}
	if c.IdleTTL <= 0 {
		c.IdleTTL = 5 * time.Minute
	}
	if c.ReconnectBaseDelay <= 0 {
		c.ReconnectBaseDelay = time.Second
	}
	if c.ReconnectMaxDelay <= 0 {
		c.ReconnectMaxDelay = time.Minute
	}
	if c.ReconnectMaxAttempts <= 0 {
		c.ReconnectMaxAttempts = 10
	}
}

// conn is one live connection to the remote browser.
type conn interface {
	// NewPage creates an isolated browsing context with the pool's fixed
	// viewport and user agent.
	NewPage(ctx context.Context) (context.Context, context.CancelFunc, error)
	// Done closes when the connection is lost.
	Done() <-chan struct{}
	Close() error
}

// connector dials the remote browser.
type connector func(ctx context.Context, cfg Config, logger *zap.Logger) (conn, error)

// PooledContext is one isolated browsing session lent to exactly one job at a
// time. Callers treat it as opaque apart from Ctx and must return it via
// Pool.Release on every exit path.
type PooledContext struct {
	// Ctx is the chromedp tab context crawl actions run against.
	Ctx context.Context

	cancel   context.CancelFunc
	inUse    bool
	lastUsed time.Time
}

// Pool hands out a bounded number of browsing contexts over one shared
// connection, reconnecting with backoff when the connection drops.
type Pool struct {
	cfg     Config
	logger  *zap.Logger
	connect connector
	now     func() time.Time

	mu        sync.Mutex
	status    Status
	conn      conn
	connGen   int
	contexts  []*PooledContext
	waiters   []chan *PooledContext
	initWait  chan struct{}
	attempts  int
	sleep     func(ctx context.Context, d time.Duration) error
	closedCtx context.Context
	closeFn   context.CancelFunc
}

// New builds a pool for the configured endpoint. An empty endpoint yields a
// terminal browserless pool: Acquire always reports "no context" and callers
// fall back to a plain network fetch.
func New(cfg Config, logger *zap.Logger) *Pool {
	return newPool(cfg, logger, dialChromedp)
}

func newPool(cfg Config, logger *zap.Logger, connect connector) *Pool {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	status := StatusUninitialized
	if cfg.Endpoint == "" {
		status = StatusBrowserless
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		cfg:       cfg,
		logger:    logger,
		connect:   connect,
		now:       time.Now,
		status:    status,
		sleep:     sleepCtx,
		closedCtx: ctx,
		closeFn:   cancel,
	}
}

// Status reports the current lifecycle state.
func (p *Pool) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Initialize connects to the remote browser. It is idempotent and concurrent
// callers share a single in-flight connection attempt.
func (p *Pool) Initialize(ctx context.Context) error {
	p.mu.Lock()
	switch p.status {
	case StatusBrowserless, StatusClosed, StatusGivenUp:
		p.mu.Unlock()
		return nil
	case StatusConnected:
		p.mu.Unlock()
		return nil
	case StatusInitializing, StatusReconnecting:
		wait := p.initWait
		p.mu.Unlock()
		if wait == nil {
			return nil
		}
		select {
		case <-wait:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	p.status = StatusInitializing
	wait := make(chan struct{})
	p.initWait = wait
	p.mu.Unlock()

	c, err := p.connect(ctx, p.cfg, p.logger)

	p.mu.Lock()
	p.initWait = nil
	close(wait)
	if p.status == StatusClosed {
		p.mu.Unlock()
		if err == nil {
			_ = c.Close()
		}
		return nil
	}
	if err != nil {
		p.status = StatusUninitialized
		p.mu.Unlock()
		p.logger.Warn("browser connect failed", zap.Error(err))
		return err
	}
	p.conn = c
	p.connGen++
	gen := p.connGen
	p.status = StatusConnected
	p.attempts = 0
	p.mu.Unlock()

	p.logger.Info("connected to remote browser", zap.String("endpoint", p.cfg.Endpoint))
	p.watchDisconnect(c, gen)
	return nil
}

// watchDisconnect arms the disconnect observer for the current connection.
// It is re-armed after every successful (re)connection.
func (p *Pool) watchDisconnect(c conn, gen int) {
	go func() {
		select {
		case <-c.Done():
			p.onDisconnect(gen)
		case <-p.closedCtx.Done():
		}
	}()
}

// Acquire returns an idle context, creates one up to MaxContexts, or queues
// the caller FIFO until a release or teardown resolves it. The second return
// is false when no context can be provided; that is a degradation signal, not
// an error, so the caller can fall back to an unpooled fetch.
func (p *Pool) Acquire(ctx context.Context) (*PooledContext, bool) {
	p.mu.Lock()
	switch p.status {
	case StatusBrowserless, StatusClosed, StatusGivenUp:
		p.mu.Unlock()
		return nil, false
	case StatusReconnecting, StatusInitializing:
		p.mu.Unlock()
		return nil, false
	case StatusUninitialized:
		if !p.cfg.ConnectOnDemand {
			p.mu.Unlock()
			return nil, false
		}
		p.mu.Unlock()
		if err := p.Initialize(ctx); err != nil {
			return nil, false
		}
		p.mu.Lock()
		if p.status != StatusConnected {
			p.mu.Unlock()
			return nil, false
		}
	}

	// Reuse an idle context if one exists.
	for _, pc := range p.contexts {
		if !pc.inUse {
			pc.inUse = true
			pc.lastUsed = p.now()
			p.publishGauges()
			p.mu.Unlock()
			return pc, true
		}
	}

	if len(p.contexts) < p.cfg.MaxContexts {
		// Reserve the slot before releasing the lock so concurrent
		// acquirers cannot overshoot MaxContexts while we dial.
		pc := &PooledContext{inUse: true, lastUsed: p.now()}
		p.contexts = append(p.contexts, pc)
		c := p.conn
		p.publishGauges()
		p.mu.Unlock()

		tabCtx, cancel, err := c.NewPage(ctx)
		if err != nil {
			p.logger.Warn("browser context creation failed", zap.Error(err))
			p.mu.Lock()
			p.removeContext(pc)
			p.publishGauges()
			p.mu.Unlock()
			return nil, false
		}
		pc.Ctx = tabCtx
		pc.cancel = cancel
		return pc, true
	}

	// Pool at capacity: join the FIFO wait list.
	waiter := make(chan *PooledContext, 1)
	p.waiters = append(p.waiters, waiter)
	p.publishGauges()
	p.mu.Unlock()

	select {
	case pc := <-waiter:
		if pc == nil {
			return nil, false
		}
		return pc, true
	case <-ctx.Done():
		p.mu.Lock()
		for i, w := range p.waiters {
			if w == waiter {
				p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
				p.publishGauges()
				p.mu.Unlock()
				return nil, false
			}
		}
		p.mu.Unlock()
		// A release raced the cancellation and already handed us a
		// context; put it back so it is not leaked.
		if pc := <-waiter; pc != nil {
			p.Release(pc)
		}
		return nil, false
	}
}

// Release returns a context to the pool. If a waiter is queued the context is
// handed directly to the oldest one and never becomes observably idle;
// otherwise it is marked idle and stamped.
func (p *Pool) Release(pc *PooledContext) {
	if pc == nil {
		return
	}
	p.mu.Lock()
	if p.status == StatusClosed || !p.contains(pc) {
		p.mu.Unlock()
		p.destroy(pc)
		return
	}
	pc.lastUsed = p.now()
	if len(p.waiters) > 0 {
		waiter := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.publishGauges()
		p.mu.Unlock()
		waiter <- pc
		return
	}
	pc.inUse = false
	p.publishGauges()
	p.mu.Unlock()
}

// CleanupOldContexts closes idle contexts unused longer than the idle TTL.
// Intended to run on a ticker; bounds long-run resource growth.
func (p *Pool) CleanupOldContexts() {
	cutoff := p.now().Add(-p.cfg.IdleTTL)
	var stale []*PooledContext
	p.mu.Lock()
	kept := p.contexts[:0]
	for _, pc := range p.contexts {
		if !pc.inUse && pc.lastUsed.Before(cutoff) {
			stale = append(stale, pc)
			continue
		}
		kept = append(kept, pc)
	}
	p.contexts = kept
	p.publishGauges()
	p.mu.Unlock()

	for _, pc := range stale {
		p.destroy(pc)
	}
	if len(stale) > 0 {
		p.logger.Debug("cleaned up idle browser contexts", zap.Int("count", len(stale)))
	}
}

// Close tears down all contexts and the connection. Every queued waiter is
// resolved with "no context" so none hangs indefinitely.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.status == StatusClosed {
		p.mu.Unlock()
		return
	}
	p.status = StatusClosed
	contexts := p.contexts
	p.contexts = nil
	waiters := p.waiters
	p.waiters = nil
	c := p.conn
	p.conn = nil
	p.publishGauges()
	p.mu.Unlock()

	p.closeFn()
	for _, w := range waiters {
		w <- nil
	}
	for _, pc := range contexts {
		p.destroy(pc)
	}
	if c != nil {
		if err := c.Close(); err != nil {
			p.logger.Warn("browser connection close failed", zap.Error(err))
		}
	}
}

// onDisconnect runs the reconnect loop. A stale generation means a newer
// connection already exists and concurrent disconnect signals must not start
// parallel reconnection attempts.
func (p *Pool) onDisconnect(gen int) {
	p.mu.Lock()
	if p.status != StatusConnected || gen != p.connGen {
		p.mu.Unlock()
		return
	}
	p.status = StatusReconnecting
	contexts := p.contexts
	p.contexts = nil
	waiters := p.waiters
	p.waiters = nil
	old := p.conn
	p.conn = nil
	p.publishGauges()
	p.mu.Unlock()

	p.logger.Warn("browser connection lost, reconnecting")
	for _, w := range waiters {
		w <- nil
	}
	for _, pc := range contexts {
		p.destroy(pc)
	}
	if old != nil {
		if err := old.Close(); err != nil {
			p.logger.Debug("stale connection close failed", zap.Error(err))
		}
	}

	for {
		p.mu.Lock()
		if p.status != StatusReconnecting {
			p.mu.Unlock()
			return
		}
		if p.attempts >= p.cfg.ReconnectMaxAttempts {
			p.status = StatusGivenUp
			p.mu.Unlock()
			p.logger.Error("browser reconnection attempts exhausted",
				zap.Int("attempts", p.cfg.ReconnectMaxAttempts))
			return
		}
		attempt := p.attempts
		p.attempts++
		p.mu.Unlock()

		metrics.ObserveReconnect()
		delay := p.backoff(attempt)
		if err := p.sleep(p.closedCtx, delay); err != nil {
			return
		}

		c, err := p.connect(p.closedCtx, p.cfg, p.logger)
		if err != nil {
			p.logger.Warn("browser reconnect attempt failed",
				zap.Int("attempt", attempt+1), zap.Error(err))
			continue
		}

		p.mu.Lock()
		if p.status != StatusReconnecting {
			p.mu.Unlock()
			_ = c.Close()
			return
		}
		p.conn = c
		p.connGen++
		gen := p.connGen
		p.status = StatusConnected
		p.attempts = 0
		p.mu.Unlock()

		p.logger.Info("browser reconnected")
		p.watchDisconnect(c, gen)
		return
	}
}

// backoff returns a capped exponential delay with up to 10% random jitter.
func (p *Pool) backoff(attempt int) time.Duration {
	delay := float64(p.cfg.ReconnectBaseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(p.cfg.ReconnectMaxDelay) {
		delay = float64(p.cfg.ReconnectMaxDelay)
	}
	return time.Duration(delay) + randomJitter(time.Duration(delay)/10)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
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

// destroy closes a context best-effort; teardown is never blocked by a
// failing close call.
func (p *Pool) destroy(pc *PooledContext) {
	if pc == nil || pc.cancel == nil {
		return
	}
	pc.cancel()
}

func (p *Pool) contains(pc *PooledContext) bool {
	for _, c := range p.contexts {
		if c == pc {
			return true
		}
	}
	return false
}

func (p *Pool) removeContext(pc *PooledContext) {
	for i, c := range p.contexts {
		if c == pc {
			p.contexts = append(p.contexts[:i], p.contexts[i+1:]...)
			return
		}
	}
}

// publishGauges must be called with p.mu held.
func (p *Pool) publishGauges() {
	inUse := 0
	for _, pc := range p.contexts {
		if pc.inUse {
			inUse++
		}
	}
	metrics.SetContextsInUse(inUse)
	metrics.SetPoolWaiters(len(p.waiters))
}

// stats returns (total, inUse, waiters) for tests.
func (p *Pool) stats() (int, int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	inUse := 0
	for _, pc := range p.contexts {
		if pc.inUse {
			inUse++
		}
	}
	return len(p.contexts), inUse, len(p.waiters)
}
