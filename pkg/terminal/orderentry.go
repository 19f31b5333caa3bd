package terminal

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/gregtusar/papertrader/pkg/metrics"
	"github.com/gregtusar/papertrader/pkg/models"
)

var (
	ErrInvalidQuantity     = errors.New("quantity must be a positive number")
	ErrInvalidLeverage     = errors.New("leverage out of range")
	ErrInvalidSide         = errors.New("invalid order side")
	ErrPriceUnavailable    = errors.New("no live price for symbol")
	ErrInsufficientMargin  = errors.New("insufficient margin")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrUnsupportedSymbol   = errors.New("only USDT pairs are supported")
	ErrSubmitInFlight      = errors.New("an order is already being submitted")
)

const (
	DefaultMaxLeverage    = 125
	DefaultLeverage       = 10
	HighLeverageThreshold = 20
	quoteAsset            = "USDT"
)

// LeveragePresets are the quick-pick leverage values offered by the form.
var LeveragePresets = []int{1, 2, 5, 10, 20, 50, 100, 125}

type FuturesInputs struct {
	Side        models.PositionSide
	Quantity    float64
	Leverage    int
	MaxLeverage int
	Price       float64 // last known price; zero when unknown
	Available   float64 // free balance of the margin asset
}

// EstimateFutures computes the pre-trade figures for a futures order and
// validates it. Checks run in order and the first failure wins: quantity,
// leverage, side, price, then margin against the available balance.
func EstimateFutures(in FuturesInputs) models.PendingOrderEstimate {
	est := models.PendingOrderEstimate{HighLeverage: in.Leverage >= HighLeverageThreshold}

	maxLev := in.MaxLeverage
	if maxLev <= 0 {
		maxLev = DefaultMaxLeverage
	}
	leverageOK := in.Leverage >= 1 && in.Leverage <= maxLev
	sideOK := in.Side == models.PositionSideLong || in.Side == models.PositionSideShort

	priceKnown := validPositive(in.Price)
	if validPositive(in.Quantity) && priceKnown {
		est.Notional = in.Quantity * in.Price
		// Left zero for an invalid leverage or side.
		if leverageOK && sideOK {
			est.RequiredMargin = est.Notional / float64(in.Leverage)
			est.EstimatedLiquidationPrice = liquidationPrice(in.Side, in.Price, in.Leverage)
		}
	}

	switch {
	case !validPositive(in.Quantity):
		est.Violation = ErrInvalidQuantity
	case !leverageOK:
		est.Violation = fmt.Errorf("%w: %dx not in 1..%d", ErrInvalidLeverage, in.Leverage, maxLev)
	case !sideOK:
		est.Violation = fmt.Errorf("%w: %q", ErrInvalidSide, in.Side)
	case !priceKnown:
		est.Violation = ErrPriceUnavailable
	case est.RequiredMargin > in.Available:
		est.Violation = fmt.Errorf("%w: need %.2f, have %.2f", ErrInsufficientMargin, est.RequiredMargin, in.Available)
	}

	est.Valid = est.Violation == nil
	return est
}

// liquidationPrice is the isolated-margin approximation; it ignores fees and
// funding.
func liquidationPrice(side models.PositionSide, price float64, leverage int) float64 {
	if side == models.PositionSideShort {
		return price * (1 + 1/float64(leverage))
	}
	return price * (1 - 1/float64(leverage))
}

type SpotInputs struct {
	Side         models.OrderSide
	Quantity     float64
	Price        float64
	QuoteBalance float64
	BaseBalance  float64
}

// EstimateSpot validates a spot order. A BUY needs the notional in quote
// balance; a SELL needs the quantity in base balance.
func EstimateSpot(in SpotInputs) models.PendingOrderEstimate {
	var est models.PendingOrderEstimate

	priceKnown := validPositive(in.Price)
	if validPositive(in.Quantity) && priceKnown {
		est.Notional = in.Quantity * in.Price
		if in.Side == models.OrderSideBuy {
			est.RequiredMargin = est.Notional
		}
	}

	switch {
	case !validPositive(in.Quantity):
		est.Violation = ErrInvalidQuantity
	case in.Side != models.OrderSideBuy && in.Side != models.OrderSideSell:
		est.Violation = fmt.Errorf("%w: %q", ErrInvalidSide, in.Side)
	case !priceKnown:
		est.Violation = ErrPriceUnavailable
	case in.Side == models.OrderSideBuy && est.Notional > in.QuoteBalance:
		est.Violation = fmt.Errorf("%w: need %.2f, have %.2f", ErrInsufficientBalance, est.Notional, in.QuoteBalance)
	case in.Side == models.OrderSideSell && in.Quantity > in.BaseBalance:
		est.Violation = fmt.Errorf("%w: need %g, have %g", ErrInsufficientBalance, in.Quantity, in.BaseBalance)
	}

	est.Valid = est.Violation == nil
	return est
}

// QuantityForBalancePercent sizes an order to use fraction (0..1] of balance.
// With a price it converts quote balance to base quantity at leverage; with a
// zero price balance is already in base units. The result is rounded down to
// four decimals so it never exceeds the balance.
func QuantityForBalancePercent(balance, fraction, price float64, leverage int) float64 {
	if !validPositive(balance) || fraction <= 0 {
		return 0
	}
	if fraction > 1 {
		fraction = 1
	}
	if leverage < 1 {
		leverage = 1
	}

	qty := balance * fraction
	if price > 0 {
		qty = qty * float64(leverage) / price
	}
	return math.Floor(qty*1e4) / 1e4
}

func validPositive(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}

// OrderBackend is the backend's mutating surface.
type OrderBackend interface {
	PlaceFuturesOrder(ctx context.Context, req models.FuturesOrderRequest, clientOrderID string) (*models.OrderConfirmation, error)
	PlaceSpotOrder(ctx context.Context, req models.SpotOrderRequest, clientOrderID string) (*models.OrderConfirmation, error)
	ClosePosition(ctx context.Context, positionID int64) (*models.CloseConfirmation, error)
	ResetWallet(ctx context.Context) (string, error)
}

type FuturesDraft struct {
	Side       models.PositionSide `json:"side"`
	Quantity   float64             `json:"quantity"`
	Leverage   int                 `json:"leverage"`
	TakeProfit *float64            `json:"take_profit,omitempty"`
	StopLoss   *float64            `json:"stop_loss,omitempty"`
}

type SpotDraft struct {
	Side     models.OrderSide `json:"side"`
	Quantity float64          `json:"quantity"`
}

// OrderEntry holds the order forms for the current symbol and submits them.
// Prices come from the shared tick store and balances from the reconciler;
// it never writes either.
type OrderEntry struct {
	backend         OrderBackend
	reconciler      *Reconciler
	marginAsset     string
	defaultLeverage int
	maxLeverage     int
	logger          *logrus.Logger
	metrics         *metrics.Metrics

	mu       sync.Mutex
	symbol   string
	futures  FuturesDraft
	spot     SpotDraft
	inFlight bool
}

type OrderEntryConfig struct {
	Symbol          string
	MarginAsset     string
	DefaultLeverage int
	MaxLeverage     int
}

func NewOrderEntry(backend OrderBackend, reconciler *Reconciler, cfg OrderEntryConfig, logger *logrus.Logger, m *metrics.Metrics) *OrderEntry {
	if cfg.MarginAsset == "" {
		cfg.MarginAsset = quoteAsset
	}
	if cfg.MaxLeverage <= 0 {
		cfg.MaxLeverage = DefaultMaxLeverage
	}
	if cfg.DefaultLeverage <= 0 || cfg.DefaultLeverage > cfg.MaxLeverage {
		cfg.DefaultLeverage = min(DefaultLeverage, cfg.MaxLeverage)
	}

	oe := &OrderEntry{
		backend:         backend,
		reconciler:      reconciler,
		marginAsset:     strings.ToUpper(cfg.MarginAsset),
		defaultLeverage: cfg.DefaultLeverage,
		maxLeverage:     cfg.MaxLeverage,
		logger:          logger,
		metrics:         m,
		symbol:          strings.ToUpper(cfg.Symbol),
	}
	oe.clearDraftsLocked()
	return oe
}

func (oe *OrderEntry) clearDraftsLocked() {
	oe.futures = FuturesDraft{Side: models.PositionSideLong, Leverage: oe.defaultLeverage}
	oe.spot = SpotDraft{Side: models.OrderSideBuy}
}

func (oe *OrderEntry) Symbol() string {
	oe.mu.Lock()
	defer oe.mu.Unlock()
	return oe.symbol
}

// SetSymbol switches the form to symbol and discards both drafts.
func (oe *OrderEntry) SetSymbol(symbol string) {
	oe.mu.Lock()
	defer oe.mu.Unlock()

	symbol = strings.ToUpper(symbol)
	if symbol == oe.symbol {
		return
	}
	oe.symbol = symbol
	oe.clearDraftsLocked()
}

func (oe *OrderEntry) SetFuturesDraft(d FuturesDraft) {
	oe.mu.Lock()
	defer oe.mu.Unlock()
	oe.futures = d
}

func (oe *OrderEntry) FuturesDraft() FuturesDraft {
	oe.mu.Lock()
	defer oe.mu.Unlock()
	return oe.futures
}

func (oe *OrderEntry) SetSpotDraft(d SpotDraft) {
	oe.mu.Lock()
	defer oe.mu.Unlock()
	oe.spot = d
}

func (oe *OrderEntry) SpotDraft() SpotDraft {
	oe.mu.Lock()
	defer oe.mu.Unlock()
	return oe.spot
}

func (oe *OrderEntry) lastPrice(symbol string) float64 {
	if tick, ok := oe.reconciler.Ticks().Latest(symbol); ok {
		return tick.LastPrice
	}
	return 0
}

func (oe *OrderEntry) futuresInputsLocked(d FuturesDraft) FuturesInputs {
	available, _ := oe.reconciler.Balance(oe.marginAsset)
	return FuturesInputs{
		Side:        d.Side,
		Quantity:    d.Quantity,
		Leverage:    d.Leverage,
		MaxLeverage: oe.maxLeverage,
		Price:       oe.lastPrice(oe.symbol),
		Available:   available,
	}
}

func (oe *OrderEntry) spotInputsLocked(d SpotDraft) SpotInputs {
	quote, _ := oe.reconciler.Balance(quoteAsset)
	base, _ := oe.reconciler.Balance(baseAsset(oe.symbol))
	return SpotInputs{
		Side:         d.Side,
		Quantity:     d.Quantity,
		Price:        oe.lastPrice(oe.symbol),
		QuoteBalance: quote,
		BaseBalance:  base,
	}
}

// EstimateFutures projects the current futures draft against the last known
// price and balance.
func (oe *OrderEntry) EstimateFutures() models.PendingOrderEstimate {
	oe.mu.Lock()
	defer oe.mu.Unlock()
	return EstimateFutures(oe.futuresInputsLocked(oe.futures))
}

func (oe *OrderEntry) EstimateSpot() models.PendingOrderEstimate {
	oe.mu.Lock()
	defer oe.mu.Unlock()
	return EstimateSpot(oe.spotInputsLocked(oe.spot))
}

// FuturesQuantityForPercent sizes the futures draft to use fraction of the
// available margin at the draft's leverage.
func (oe *OrderEntry) FuturesQuantityForPercent(fraction float64) float64 {
	oe.mu.Lock()
	defer oe.mu.Unlock()
	in := oe.futuresInputsLocked(oe.futures)
	if in.Price <= 0 {
		return 0
	}
	return QuantityForBalancePercent(in.Available, fraction, in.Price, in.Leverage)
}

// SpotQuantityForPercent sizes the spot draft: quote balance for a BUY, base
// balance for a SELL.
func (oe *OrderEntry) SpotQuantityForPercent(fraction float64) float64 {
	oe.mu.Lock()
	defer oe.mu.Unlock()
	in := oe.spotInputsLocked(oe.spot)
	if in.Side == models.OrderSideSell {
		return QuantityForBalancePercent(in.BaseBalance, fraction, 0, 1)
	}
	if in.Price <= 0 {
		return 0
	}
	return QuantityForBalancePercent(in.QuoteBalance, fraction, in.Price, 1)
}

// begin runs prepare, which stores the draft and estimates that same draft,
// then validates and marks a submission in flight, all in one critical
// section.
func (oe *OrderEntry) begin(tradeType models.TradeType, prepare func() models.PendingOrderEstimate) (string, error) {
	oe.mu.Lock()
	defer oe.mu.Unlock()

	est := prepare()
	if oe.inFlight {
		return "", ErrSubmitInFlight
	}
	if !strings.HasSuffix(oe.symbol, quoteAsset) || len(oe.symbol) <= len(quoteAsset) {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedSymbol, oe.symbol)
	}
	if !est.Valid {
		oe.metrics.RecordOrder(string(tradeType), "invalid")
		return "", est.Violation
	}
	oe.inFlight = true
	return oe.symbol, nil
}

func (oe *OrderEntry) end() {
	oe.mu.Lock()
	oe.inFlight = false
	oe.mu.Unlock()
}

// SubmitFutures stores draft as the form state, validates it and sends it
// once. A rejection leaves the draft intact; success clears it and refetches
// positions and wallets.
func (oe *OrderEntry) SubmitFutures(ctx context.Context, draft FuturesDraft) (*models.OrderConfirmation, error) {
	symbol, err := oe.begin(models.TradeTypeFutures, func() models.PendingOrderEstimate {
		oe.futures = draft
		return EstimateFutures(oe.futuresInputsLocked(draft))
	})
	if err != nil {
		return nil, err
	}
	defer oe.end()

	clientOrderID := newClientOrderID()
	req := models.FuturesOrderRequest{
		Symbol:     symbol,
		Side:       draft.Side,
		Quantity:   draft.Quantity,
		Leverage:   draft.Leverage,
		TakeProfit: draft.TakeProfit,
		StopLoss:   draft.StopLoss,
	}

	conf, err := oe.backend.PlaceFuturesOrder(ctx, req, clientOrderID)
	if err != nil {
		oe.recordFailure(models.TradeTypeFutures, clientOrderID, err)
		return nil, err
	}

	oe.mu.Lock()
	if oe.symbol == symbol {
		oe.futures = FuturesDraft{Side: draft.Side, Leverage: draft.Leverage}
	}
	oe.mu.Unlock()

	oe.afterMutation(ctx, models.TradeTypeFutures)
	return conf, nil
}

func (oe *OrderEntry) SubmitSpot(ctx context.Context, draft SpotDraft) (*models.OrderConfirmation, error) {
	symbol, err := oe.begin(models.TradeTypeSpot, func() models.PendingOrderEstimate {
		oe.spot = draft
		return EstimateSpot(oe.spotInputsLocked(draft))
	})
	if err != nil {
		return nil, err
	}
	defer oe.end()

	clientOrderID := newClientOrderID()
	req := models.SpotOrderRequest{
		Symbol:   symbol,
		Side:     draft.Side,
		Quantity: draft.Quantity,
	}

	conf, err := oe.backend.PlaceSpotOrder(ctx, req, clientOrderID)
	if err != nil {
		oe.recordFailure(models.TradeTypeSpot, clientOrderID, err)
		return nil, err
	}

	oe.mu.Lock()
	if oe.symbol == symbol {
		oe.spot = SpotDraft{Side: draft.Side}
	}
	oe.mu.Unlock()

	oe.afterMutation(ctx, models.TradeTypeSpot)
	return conf, nil
}

// ClosePosition asks the backend to close positionID at its current price.
func (oe *OrderEntry) ClosePosition(ctx context.Context, positionID int64) (*models.CloseConfirmation, error) {
	conf, err := oe.backend.ClosePosition(ctx, positionID)
	if err != nil {
		oe.logger.WithError(err).WithField("position_id", positionID).Warn("Close position rejected")
		return nil, err
	}

	oe.logger.WithFields(logrus.Fields{
		"position_id": positionID,
		"pnl":         conf.PnL,
		"exit_price":  conf.ExitPrice,
	}).Info("Position closed")

	if err := oe.reconciler.Invalidate(ctx); err != nil {
		oe.logger.WithError(err).Debug("Positions will refresh on the next poll")
	}
	return conf, nil
}

// ResetWallet closes all positions and restores the starting balance.
func (oe *OrderEntry) ResetWallet(ctx context.Context) (string, error) {
	msg, err := oe.backend.ResetWallet(ctx)
	if err != nil {
		return "", err
	}
	oe.logger.Info("Wallet reset")

	if err := oe.reconciler.Invalidate(ctx); err != nil {
		oe.logger.WithError(err).Debug("Positions will refresh on the next poll")
	}
	return msg, nil
}

func (oe *OrderEntry) recordFailure(tradeType models.TradeType, clientOrderID string, err error) {
	oe.metrics.RecordOrder(string(tradeType), "rejected")
	oe.logger.WithError(err).WithFields(logrus.Fields{
		"client_order_id": clientOrderID,
		"trade_type":      tradeType,
	}).Warn("Order rejected")
}

func (oe *OrderEntry) afterMutation(ctx context.Context, tradeType models.TradeType) {
	oe.metrics.RecordOrder(string(tradeType), "accepted")
	if err := oe.reconciler.Invalidate(ctx); err != nil {
		oe.logger.WithError(err).Debug("Positions will refresh on the next poll")
	}
}

func baseAsset(symbol string) string {
	return strings.TrimSuffix(strings.ToUpper(symbol), quoteAsset)
}
