package terminal

import (
	"cmp"
	"context"
	"math"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gregtusar/papertrader/pkg/metrics"
	"github.com/gregtusar/papertrader/pkg/models"
)

// DepthSource returns full top-N order book snapshots.
type DepthSource interface {
	GetOrderBook(ctx context.Context, symbol string, limit int) (*models.DepthSnapshot, error)
}

type OrderBookView struct {
	Symbol       string                  `json:"symbol"`
	Bids         []models.OrderBookLevel `json:"bids"`
	Asks         []models.OrderBookLevel `json:"asks"`
	MidPrice     *float64                `json:"mid_price"`
	LastUpdateID int64                   `json:"last_update_id"`
	Freshness    Freshness               `json:"freshness"`
}

// OrderBook polls depth snapshots for one symbol at a time. Each snapshot
// replaces the book wholesale; no diffs are applied.
type OrderBook struct {
	source  DepthSource
	depth   int
	logger  *logrus.Logger
	metrics *metrics.Metrics

	mu         sync.RWMutex
	symbol     string
	generation uint64
	view       OrderBookView
	fresh      freshnessTracker
}

func NewOrderBook(source DepthSource, symbol string, depth, failureThreshold int, logger *logrus.Logger, m *metrics.Metrics) *OrderBook {
	if depth <= 0 {
		depth = 20
	}
	symbol = strings.ToUpper(symbol)
	return &OrderBook{
		source:  source,
		depth:   depth,
		logger:  logger,
		metrics: m,
		symbol:  symbol,
		view:    OrderBookView{Symbol: symbol},
		fresh:   newFreshnessTracker(failureThreshold),
	}
}

func (ob *OrderBook) Symbol() string {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return ob.symbol
}

// SetSymbol discards the current book. Polls already in flight for the old
// symbol are ignored when they complete.
func (ob *OrderBook) SetSymbol(symbol string) {
	symbol = strings.ToUpper(symbol)

	ob.mu.Lock()
	defer ob.mu.Unlock()

	if symbol == ob.symbol {
		return
	}
	ob.symbol = symbol
	ob.generation++
	ob.view = OrderBookView{Symbol: symbol}
	ob.fresh.reset()
}

// Snapshot returns the last good book with its freshness.
func (ob *OrderBook) Snapshot() OrderBookView {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return ob.snapshotLocked()
}

func (ob *OrderBook) snapshotLocked() OrderBookView {
	v := ob.view
	v.Bids = slices.Clone(ob.view.Bids)
	v.Asks = slices.Clone(ob.view.Asks)
	v.Freshness = ob.fresh.snapshot()
	return v
}

// Refresh fetches a snapshot of depth levels per side for symbol, switching
// the book to symbol first if needed. On failure the previous book is kept and
// returned along with the error.
func (ob *OrderBook) Refresh(ctx context.Context, symbol string, depth int) (OrderBookView, error) {
	if symbol != "" {
		ob.SetSymbol(symbol)
	}
	if depth <= 0 {
		depth = ob.depth
	}

	ob.mu.RLock()
	symbol = ob.symbol
	gen := ob.generation
	ob.mu.RUnlock()

	start := time.Now()
	snap, err := ob.source.GetOrderBook(ctx, symbol, depth)
	ob.metrics.ObservePoll("orderbook", start, err)

	ob.mu.Lock()
	defer ob.mu.Unlock()

	if gen != ob.generation {
		ob.logger.WithField("symbol", symbol).Debug("Discarding order book for previous symbol")
		return ob.snapshotLocked(), nil
	}

	if err != nil {
		if ob.fresh.failed(err) {
			ob.logger.WithError(err).WithField("symbol", symbol).Warn("Order book is stale")
		}
		ob.metrics.SetStale("orderbook", ob.fresh.snapshot().Stale)
		return ob.snapshotLocked(), err
	}

	bids := aggregateLevels(snap.Bids, depth, true)
	asks := aggregateLevels(snap.Asks, depth, false)
	ob.view = OrderBookView{
		Symbol:       symbol,
		Bids:         bids,
		Asks:         asks,
		MidPrice:     midPrice(bids, asks),
		LastUpdateID: snap.LastUpdateID,
	}
	ob.fresh.succeeded(time.Now())
	ob.metrics.SetStale("orderbook", false)

	return ob.snapshotLocked(), nil
}

// Run polls on interval until ctx is cancelled. A failed poll never stops
// the loop.
func (ob *OrderBook) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	ob.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ob.poll(ctx)
		}
	}
}

func (ob *OrderBook) poll(ctx context.Context) {
	if _, err := ob.Refresh(ctx, "", 0); err != nil && ctx.Err() == nil {
		ob.logger.WithError(err).WithField("symbol", ob.Symbol()).Debug("Order book poll failed")
	}
}

// aggregateLevels orders levels best first and walks outward accumulating
// amounts. Levels with a non-positive price or invalid amount are skipped so
// the running total never decreases.
func aggregateLevels(raw []models.PriceLevel, depth int, bids bool) []models.OrderBookLevel {
	levels := make([]models.PriceLevel, 0, len(raw))
	for _, l := range raw {
		if l.Price <= 0 || l.Amount < 0 || math.IsNaN(l.Amount) || math.IsInf(l.Amount, 0) {
			continue
		}
		levels = append(levels, l)
	}

	slices.SortStableFunc(levels, func(a, b models.PriceLevel) int {
		if bids {
			return cmp.Compare(b.Price, a.Price)
		}
		return cmp.Compare(a.Price, b.Price)
	})
	if depth > 0 && len(levels) > depth {
		levels = levels[:depth]
	}

	out := make([]models.OrderBookLevel, len(levels))
	total := 0.0
	for i, l := range levels {
		total += l.Amount
		out[i] = models.OrderBookLevel{
			Price:           l.Price,
			Amount:          l.Amount,
			CumulativeTotal: total,
		}
	}
	return out
}

// midPrice is nil when either side is empty.
func midPrice(bids, asks []models.OrderBookLevel) *float64 {
	if len(bids) == 0 || len(asks) == 0 {
		return nil
	}
	mid := (bids[0].Price + asks[0].Price) / 2
	return &mid
}
