package terminal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sirupsen/logrus"

	"github.com/gregtusar/papertrader/pkg/binance"
	"github.com/gregtusar/papertrader/pkg/metrics"
	"github.com/gregtusar/papertrader/pkg/models"
)

var (
	ErrSessionClosed    = errors.New("session closed")
	ErrSymbolRequired   = errors.New("symbol is required")
	ErrIntervalRequired = errors.New("interval is required")
	ErrInvalidInterval  = errors.New("unsupported interval")

	errFeedClosed = errors.New("feed closed by server")
	errFeedQuiet  = errors.New("no events from feed")
)

// Subscriber opens market feed subscriptions; *binance.Feed implements it.
type Subscriber interface {
	NewStream() *binance.Stream
}

// Publisher receives periodic terminal snapshots.
type Publisher interface {
	Publish(ctx context.Context, snap Snapshot) error
}

type RetryPolicy struct {
	Initial time.Duration
	Max     time.Duration
}

func (p RetryPolicy) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if p.Initial > 0 {
		b.InitialInterval = p.Initial
	}
	if p.Max > 0 {
		b.MaxInterval = p.Max
	}
	b.Reset()
	return b
}

type SessionConfig struct {
	Symbol            string
	Interval          string
	OrderBookPoll     time.Duration
	ReconcileInterval time.Duration
	StaleAfter        time.Duration
	TickerRetry       RetryPolicy
	KlineRetry        RetryPolicy
	PublishInterval   time.Duration
	// FailureThreshold is the number of consecutive connection failures after
	// which a feed is reported stale.
	FailureThreshold int
}

func (c *SessionConfig) applyDefaults() {
	if c.Symbol == "" {
		c.Symbol = "BTCUSDT"
	}
	if c.Interval == "" {
		c.Interval = "1m"
	}
	if c.OrderBookPoll <= 0 {
		c.OrderBookPoll = 2 * time.Second
	}
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = 3 * time.Second
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 30 * time.Second
	}
	if c.TickerRetry == (RetryPolicy{}) {
		c.TickerRetry = RetryPolicy{Initial: 250 * time.Millisecond, Max: 5 * time.Second}
	}
	if c.KlineRetry == (RetryPolicy{}) {
		c.KlineRetry = RetryPolicy{Initial: 2 * time.Second, Max: 30 * time.Second}
	}
	if c.PublishInterval <= 0 {
		c.PublishInterval = 5 * time.Second
	}
}

// Snapshot is a point-in-time view of everything the terminal shows.
type Snapshot struct {
	Symbol      string                 `json:"symbol"`
	Interval    string                 `json:"interval"`
	Tick        *models.MarketTick     `json:"tick,omitempty"`
	OrderBook   OrderBookView          `json:"order_book"`
	LastCandle  *models.Candle         `json:"last_candle,omitempty"`
	Positions   []models.PositionView  `json:"positions"`
	Wallets     []models.WalletBalance `json:"wallets"`
	Account     AccountFreshness       `json:"account_freshness"`
	Feeds       FeedFreshness          `json:"feed_freshness"`
	GeneratedAt time.Time              `json:"generated_at"`
}

type FeedFreshness struct {
	Ticker Freshness `json:"ticker"`
	Kline  Freshness `json:"kline"`
}

// feedHealth tracks one channel's connection outcomes. An event is a success;
// a failed dial, a server close or a quiet feed is a failure.
type feedHealth struct {
	name    string
	metrics *metrics.Metrics

	mu    sync.Mutex
	fresh freshnessTracker
}

func newFeedHealth(name string, threshold int, m *metrics.Metrics) *feedHealth {
	return &feedHealth{name: name, metrics: m, fresh: newFreshnessTracker(threshold)}
}

func (h *feedHealth) received(at time.Time) {
	h.mu.Lock()
	wasStale := h.fresh.state.Stale
	h.fresh.succeeded(at)
	h.mu.Unlock()
	if wasStale {
		h.metrics.SetStale(h.name, false)
	}
}

// failed reports whether the feed just turned stale.
func (h *feedHealth) failed(err error) bool {
	h.mu.Lock()
	turned := h.fresh.failed(err)
	h.mu.Unlock()
	if turned {
		h.metrics.SetStale(h.name, true)
	}
	return turned
}

func (h *feedHealth) reset() {
	h.mu.Lock()
	h.fresh.reset()
	h.mu.Unlock()
	h.metrics.SetStale(h.name, false)
}

func (h *feedHealth) snapshot() Freshness {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.fresh.snapshot()
}

// Session owns the live feeds and pollers for one (symbol, interval) view.
// Switching symbol or interval closes the old subscriptions before the new
// ones are opened.
type Session struct {
	feed       Subscriber
	orderBook  *OrderBook
	candles    *CandleStore
	reconciler *Reconciler
	entry      *OrderEntry
	publisher  Publisher
	logger     *logrus.Logger
	metrics    *metrics.Metrics
	cfg        SessionConfig

	tickerHealth *feedHealth
	klineHealth  *feedHealth

	keyMu    sync.RWMutex
	symbol   string
	interval string

	// mu serializes lifecycle changes.
	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	ticker  *feedGroup
	kline   *feedGroup
	wg      sync.WaitGroup
	started bool
	closed  bool
}

type SessionDeps struct {
	Feed       Subscriber
	OrderBook  *OrderBook
	Candles    *CandleStore
	Reconciler *Reconciler
	OrderEntry *OrderEntry
	Publisher  Publisher
}

func NewSession(deps SessionDeps, cfg SessionConfig, logger *logrus.Logger, m *metrics.Metrics) *Session {
	cfg.applyDefaults()
	symbol := strings.ToUpper(cfg.Symbol)

	deps.OrderBook.SetSymbol(symbol)
	deps.OrderEntry.SetSymbol(symbol)

	return &Session{
		feed:         deps.Feed,
		orderBook:    deps.OrderBook,
		candles:      deps.Candles,
		reconciler:   deps.Reconciler,
		entry:        deps.OrderEntry,
		publisher:    deps.Publisher,
		logger:       logger,
		metrics:      m,
		cfg:          cfg,
		tickerHealth: newFeedHealth("feed_ticker", cfg.FailureThreshold, m),
		klineHealth:  newFeedHealth("feed_kline", cfg.FailureThreshold, m),
		symbol:       symbol,
		interval:     cfg.Interval,
	}
}

func (s *Session) OrderBook() *OrderBook   { return s.orderBook }
func (s *Session) Candles() *CandleStore   { return s.candles }
func (s *Session) Reconciler() *Reconciler { return s.reconciler }
func (s *Session) OrderEntry() *OrderEntry { return s.entry }
func (s *Session) Ticks() *TickStore       { return s.reconciler.Ticks() }

// FeedFreshness reports the health of the live ticker and kline streams.
func (s *Session) FeedFreshness() FeedFreshness {
	return FeedFreshness{
		Ticker: s.tickerHealth.snapshot(),
		Kline:  s.klineHealth.snapshot(),
	}
}

// Key returns the current (symbol, interval).
func (s *Session) Key() (string, string) {
	s.keyMu.RLock()
	defer s.keyMu.RUnlock()
	return s.symbol, s.interval
}

// Start launches the pollers and feed supervisors.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}
	if s.started {
		return nil
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.logger.WithFields(logrus.Fields{
		"symbol":   s.symbol,
		"interval": s.interval,
	}).Info("Starting terminal session")

	s.goWithWG(func(ctx context.Context) { s.orderBook.Run(ctx, s.cfg.OrderBookPoll) })
	s.goWithWG(func(ctx context.Context) { s.reconciler.Run(ctx, s.cfg.ReconcileInterval) })
	if s.publisher != nil {
		s.goWithWG(s.publishLoop)
	}

	s.ticker = s.startTickerLocked()
	s.kline = s.startKlineLocked()
	return nil
}

func (s *Session) goWithWG(fn func(ctx context.Context)) {
	ctx := s.ctx
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(ctx)
	}()
}

// Close stops every subscription, timer and poller and waits for them. No
// store is written after Close returns.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	if !s.started {
		return
	}

	s.ticker.stop()
	s.kline.stop()
	s.cancel()
	s.wg.Wait()

	s.logger.Info("Terminal session stopped")
}

// SetSymbol switches every symbol-scoped component. The previous ticker and
// kline subscriptions are closed before this returns.
func (s *Session) SetSymbol(symbol string) error {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return ErrSymbolRequired
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}
	if symbol == s.symbol {
		return nil
	}

	if s.started {
		s.ticker.stop()
		s.kline.stop()
	}

	s.logger.WithFields(logrus.Fields{
		"from": s.symbol,
		"to":   symbol,
	}).Info("Switching symbol")

	s.keyMu.Lock()
	s.symbol = symbol
	s.keyMu.Unlock()
	s.orderBook.SetSymbol(symbol)
	s.entry.SetSymbol(symbol)

	if s.started {
		s.ticker = s.startTickerLocked()
		s.kline = s.startKlineLocked()
	}
	return nil
}

// SetInterval switches the candle series. Only the kline subscription is
// replaced.
func (s *Session) SetInterval(interval string) error {
	interval = strings.TrimSpace(interval)
	if interval == "" {
		return ErrIntervalRequired
	}
	if !models.ValidInterval(interval) {
		return fmt.Errorf("%w: %q", ErrInvalidInterval, interval)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}
	if interval == s.interval {
		return nil
	}

	if s.started {
		s.kline.stop()
	}
	s.keyMu.Lock()
	s.interval = interval
	s.keyMu.Unlock()
	if s.started {
		s.kline = s.startKlineLocked()
	}
	return nil
}

type feedGroup struct {
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func (g *feedGroup) stop() {
	if g == nil {
		return
	}
	g.cancel()
	g.wg.Wait()
}

func (s *Session) startGroup(fn func(ctx context.Context)) *feedGroup {
	ctx, cancel := context.WithCancel(s.ctx)
	g := &feedGroup{cancel: cancel}
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		fn(ctx)
	}()
	return g
}

func (s *Session) startTickerLocked() *feedGroup {
	symbol := s.symbol
	ticks := s.reconciler.Ticks()
	s.tickerHealth.reset()

	return s.startGroup(func(ctx context.Context) {
		s.supervise(ctx, symbol, models.ChannelTicker, s.cfg.TickerRetry, s.tickerHealth, nil, func(ev models.MarketEvent) {
			if ev.Tick != nil && ev.Symbol == symbol {
				ticks.Update(*ev.Tick)
			}
		})
	})
}

func (s *Session) startKlineLocked() *feedGroup {
	symbol, interval := s.symbol, s.interval
	s.klineHealth.reset()

	// Loaded once up front, then once per outage after the stream is back so
	// candles missed while it was down are filled in.
	reload := func(ctx context.Context) {
		if err := s.candles.Load(ctx, symbol, interval); err != nil && ctx.Err() == nil {
			s.logger.WithError(err).WithFields(logrus.Fields{
				"symbol":   symbol,
				"interval": interval,
			}).Warn("Candle load failed")
		}
	}

	return s.startGroup(func(ctx context.Context) {
		s.supervise(ctx, symbol, models.KlineChannel(interval), s.cfg.KlineRetry, s.klineHealth, reload, func(ev models.MarketEvent) {
			if ev.Candle != nil {
				s.candles.ApplyLiveUpdate(*ev.Candle)
			}
		})
	})
}

// supervise keeps one subscription open for (symbol, channel) until ctx is
// done, re-subscribing with backoff after failures and immediately after the
// stale watchdog fires. load, when set, runs before the first dial and again
// after the first successful subscribe following any failure.
func (s *Session) supervise(ctx context.Context, symbol string, channel models.Channel, policy RetryPolicy,
	health *feedHealth, load func(context.Context), handle func(models.MarketEvent)) {

	log := s.logger.WithFields(logrus.Fields{
		"symbol":  symbol,
		"channel": string(channel),
	})
	bo := policy.newBackOff()
	stream := s.feed.NewStream()
	defer stream.Close()

	fail := func(err error) {
		if health.failed(err) {
			log.WithError(err).Warn("Feed marked stale")
		}
	}

	if load != nil {
		load(ctx)
	}
	reload := false

	for {
		if ctx.Err() != nil {
			return
		}

		sub, err := stream.Subscribe(ctx, symbol, channel)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			fail(err)
			reload = true
			wait := bo.NextBackOff()
			log.WithError(err).WithField("retry_in", wait.String()).Warn("Subscribe failed")
			s.metrics.RecordResubscribe(string(channel), "dial_error")
			if !sleepCtx(ctx, wait) {
				return
			}
			continue
		}

		if reload && load != nil {
			load(ctx)
		}
		reload = false

		reason := s.consume(ctx, sub, bo, health, handle)
		if ctx.Err() != nil {
			return
		}
		s.metrics.RecordResubscribe(string(channel), reason)
		reload = true

		if reason == "stale" {
			fail(errFeedQuiet)
			log.WithField("stale_after", s.cfg.StaleAfter.String()).Warn("No events from feed, re-subscribing")
			continue
		}

		cause := sub.Err()
		if cause == nil {
			cause = errFeedClosed
		}
		fail(cause)
		wait := bo.NextBackOff()
		log.WithError(cause).WithField("retry_in", wait.String()).Warn("Feed closed, re-subscribing")
		if !sleepCtx(ctx, wait) {
			return
		}
	}
}

func (s *Session) consume(ctx context.Context, sub *binance.Subscription, bo *backoff.ExponentialBackOff,
	health *feedHealth, handle func(models.MarketEvent)) string {

	check := s.cfg.StaleAfter / 4
	if check < 10*time.Millisecond {
		check = 10 * time.Millisecond
	}
	watchdog := time.NewTicker(check)
	defer watchdog.Stop()

	for {
		select {
		case <-ctx.Done():
			sub.Close()
			return "cancelled"
		case ev, ok := <-sub.Events():
			if !ok {
				return "closed"
			}
			bo.Reset()
			health.received(ev.Received)
			handle(ev)
		case <-watchdog.C:
			if time.Since(sub.LastEvent()) > s.cfg.StaleAfter {
				sub.Close()
				return "stale"
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Snapshot assembles the current view from every store.
func (s *Session) Snapshot() Snapshot {
	symbol, interval := s.Key()

	snap := Snapshot{
		Symbol:      symbol,
		Interval:    interval,
		OrderBook:   s.orderBook.Snapshot(),
		Positions:   s.reconciler.Positions(),
		Wallets:     s.reconciler.Wallets(),
		Account:     s.reconciler.Freshness(),
		Feeds:       s.FeedFreshness(),
		GeneratedAt: time.Now(),
	}
	if tick, ok := s.reconciler.Ticks().Latest(symbol); ok {
		snap.Tick = &tick
	}
	if c, ok := s.candles.Last(); ok {
		snap.LastCandle = &c
	}
	return snap
}

func (s *Session) publishLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PublishInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.publisher.Publish(ctx, s.Snapshot()); err != nil && ctx.Err() == nil {
				s.logger.WithError(err).Debug("Failed to publish snapshot")
			}
		}
	}
}
