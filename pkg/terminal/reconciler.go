package terminal

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gregtusar/papertrader/pkg/metrics"
	"github.com/gregtusar/papertrader/pkg/models"
)

// AccountSource is the backend's read surface for server-owned state.
type AccountSource interface {
	Wallets(ctx context.Context) ([]models.WalletBalance, error)
	OpenPositions(ctx context.Context) ([]models.SimPosition, error)
	PositionHistory(ctx context.Context) ([]models.SimPosition, error)
}

// PriceSource supplies a last price over REST for symbols no live feed covers.
type PriceSource interface {
	GetTickerPrice(ctx context.Context, symbol string) (float64, error)
}

// TickStore keeps the latest tick per symbol.
type TickStore struct {
	mu    sync.RWMutex
	ticks map[string]models.MarketTick
}

func NewTickStore() *TickStore {
	return &TickStore{ticks: make(map[string]models.MarketTick)}
}

// Update stores tick unless a newer one is already held.
func (ts *TickStore) Update(tick models.MarketTick) {
	symbol := strings.ToUpper(tick.Symbol)

	ts.mu.Lock()
	defer ts.mu.Unlock()

	if cur, ok := ts.ticks[symbol]; ok && cur.Received.After(tick.Received) {
		return
	}
	tick.Symbol = symbol
	ts.ticks[symbol] = tick
}

func (ts *TickStore) Latest(symbol string) (models.MarketTick, bool) {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	tick, ok := ts.ticks[strings.ToUpper(symbol)]
	return tick, ok
}

// ComputeDerived projects a position against the latest tick for its symbol.
// Without a tick every field is absent, never zero.
func ComputeDerived(position models.SimPosition, tick *models.MarketTick) models.PositionMetrics {
	if tick == nil || tick.LastPrice <= 0 || !strings.EqualFold(tick.Symbol, position.Symbol) {
		return models.PositionMetrics{}
	}

	mark := tick.LastPrice
	pnl := (mark - position.EntryPrice) * position.Quantity
	if position.Side == models.PositionSideShort {
		pnl = (position.EntryPrice - mark) * position.Quantity
	}

	out := models.PositionMetrics{MarkPrice: &mark, UnrealizedPnl: &pnl}
	if position.MarginUsed > 0 {
		pct := pnl / position.MarginUsed * 100
		out.UnrealizedPnlPercent = &pct
	}
	return out
}

type AccountFreshness struct {
	Positions Freshness `json:"positions"`
	Wallets   Freshness `json:"wallets"`
	History   Freshness `json:"history"`
}

// Reconciler is the only writer of positions and wallets. It never patches
// them locally: every change is a refetch from the backend.
type Reconciler struct {
	source     AccountSource
	prices     PriceSource
	ticks      *TickStore
	markMaxAge time.Duration
	logger     *logrus.Logger
	metrics    *metrics.Metrics

	refreshMu sync.Mutex

	mu           sync.RWMutex
	positions    []models.SimPosition
	wallets      []models.WalletBalance
	history      []models.SimPosition
	posFresh     freshnessTracker
	walletFresh  freshnessTracker
	historyFresh freshnessTracker
}

type ReconcilerOption func(*Reconciler)

// WithMarkPrices enables REST polling of mark prices for open-position
// symbols whose latest tick is older than maxAge.
func WithMarkPrices(prices PriceSource, maxAge time.Duration) ReconcilerOption {
	return func(r *Reconciler) {
		r.prices = prices
		r.markMaxAge = maxAge
	}
}

func NewReconciler(source AccountSource, ticks *TickStore, failureThreshold int, logger *logrus.Logger, m *metrics.Metrics, opts ...ReconcilerOption) *Reconciler {
	if ticks == nil {
		ticks = NewTickStore()
	}
	r := &Reconciler{
		source:       source,
		ticks:        ticks,
		markMaxAge:   10 * time.Second,
		logger:       logger,
		metrics:      m,
		posFresh:     newFreshnessTracker(failureThreshold),
		walletFresh:  newFreshnessTracker(failureThreshold),
		historyFresh: newFreshnessTracker(failureThreshold),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Reconciler) Ticks() *TickStore {
	return r.ticks
}

// Refresh refetches positions, wallets and history concurrently. Each store
// is replaced only by a successful fetch; a failure keeps the previous value.
func (r *Reconciler) Refresh(ctx context.Context) error {
	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()

	var (
		wg                         sync.WaitGroup
		positions, history         []models.SimPosition
		wallets                    []models.WalletBalance
		posErr, walletErr, histErr error
	)
	start := time.Now()

	wg.Add(3)
	go func() {
		defer wg.Done()
		positions, posErr = r.source.OpenPositions(ctx)
	}()
	go func() {
		defer wg.Done()
		wallets, walletErr = r.source.Wallets(ctx)
	}()
	go func() {
		defer wg.Done()
		history, histErr = r.source.PositionHistory(ctx)
	}()
	wg.Wait()

	now := time.Now()
	r.metrics.ObservePoll("positions", start, posErr)
	r.metrics.ObservePoll("wallets", start, walletErr)
	r.metrics.ObservePoll("history", start, histErr)

	r.mu.Lock()
	r.apply("positions", &r.posFresh, posErr, now, func() { r.positions = positions })
	r.apply("wallets", &r.walletFresh, walletErr, now, func() { r.wallets = wallets })
	r.apply("history", &r.historyFresh, histErr, now, func() { r.history = history })
	r.mu.Unlock()

	return errors.Join(posErr, walletErr, histErr)
}

func (r *Reconciler) apply(store string, fresh *freshnessTracker, err error, now time.Time, replace func()) {
	if err != nil {
		if fresh.failed(err) {
			r.logger.WithError(err).WithField("store", store).Warn("Account data is stale")
		}
		r.metrics.SetStale(store, fresh.snapshot().Stale)
		return
	}
	replace()
	fresh.succeeded(now)
	r.metrics.SetStale(store, false)
}

// Invalidate forces an immediate refetch. Callers invoke it after every
// successful mutation.
func (r *Reconciler) Invalidate(ctx context.Context) error {
	err := r.Refresh(ctx)
	if err != nil {
		r.logger.WithError(err).Warn("Refetch after mutation failed")
	}
	return err
}

// Run refreshes on interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Reconciler) tick(ctx context.Context) {
	if err := r.Refresh(ctx); err != nil && ctx.Err() == nil {
		r.logger.WithError(err).Debug("Reconcile failed")
	}
	r.RefreshMarks(ctx)
}

// RefreshMarks polls a REST price for each open-position symbol whose tick
// is missing or older than the configured age.
func (r *Reconciler) RefreshMarks(ctx context.Context) {
	if r.prices == nil {
		return
	}

	now := time.Now()
	for _, symbol := range r.openSymbols() {
		if tick, ok := r.ticks.Latest(symbol); ok && now.Sub(tick.Received) < r.markMaxAge {
			continue
		}

		start := time.Now()
		price, err := r.prices.GetTickerPrice(ctx, symbol)
		r.metrics.ObservePoll("mark_price", start, err)
		if err != nil {
			r.logger.WithError(err).WithField("symbol", symbol).Debug("Failed to poll mark price")
			continue
		}
		r.ticks.Update(models.MarketTick{
			Symbol:    symbol,
			LastPrice: price,
			Received:  time.Now(),
		})
	}
}

func (r *Reconciler) openSymbols() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var symbols []string
	for _, p := range r.positions {
		s := strings.ToUpper(p.Symbol)
		if !slices.Contains(symbols, s) {
			symbols = append(symbols, s)
		}
	}
	return symbols
}

func (r *Reconciler) OpenPositions() []models.SimPosition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.positions)
}

func (r *Reconciler) Wallets() []models.WalletBalance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.wallets)
}

func (r *Reconciler) PositionHistory() []models.SimPosition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.history)
}

func (r *Reconciler) Freshness() AccountFreshness {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return AccountFreshness{
		Positions: r.posFresh.snapshot(),
		Wallets:   r.walletFresh.snapshot(),
		History:   r.historyFresh.snapshot(),
	}
}

// Balance returns the free balance of asset, and false when the wallet list
// has no entry for it.
func (r *Reconciler) Balance(asset string) (float64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, w := range r.wallets {
		if strings.EqualFold(w.Asset, asset) {
			return w.Balance, true
		}
	}
	return 0, false
}

func (r *Reconciler) ComputeDerived(position models.SimPosition) models.PositionMetrics {
	tick, ok := r.ticks.Latest(position.Symbol)
	if !ok {
		return models.PositionMetrics{}
	}
	return ComputeDerived(position, &tick)
}

// Positions returns the open positions with their derived metrics.
func (r *Reconciler) Positions() []models.PositionView {
	positions := r.OpenPositions()
	views := make([]models.PositionView, 0, len(positions))
	for _, p := range positions {
		views = append(views, models.PositionView{
			SimPosition:     p,
			PositionMetrics: r.ComputeDerived(p),
		})
	}
	return views
}
