package terminal

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gregtusar/papertrader/pkg/models"
)

var errBackendDown = errors.New("backend unavailable")

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type depthFunc func(ctx context.Context, symbol string, limit int) (*models.DepthSnapshot, error)

func (f depthFunc) GetOrderBook(ctx context.Context, symbol string, limit int) (*models.DepthSnapshot, error) {
	return f(ctx, symbol, limit)
}

type klineFunc func(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error)

func (f klineFunc) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error) {
	return f(ctx, symbol, interval, limit)
}

type priceFunc func(ctx context.Context, symbol string) (float64, error)

func (f priceFunc) GetTickerPrice(ctx context.Context, symbol string) (float64, error) {
	return f(ctx, symbol)
}

// fakeAccount stands in for the backend's read endpoints. Each store can be
// made to fail independently.
type fakeAccount struct {
	mu        sync.Mutex
	positions []models.SimPosition
	wallets   []models.WalletBalance
	history   []models.SimPosition
	posErr    error
	walletErr error
	histErr   error
	nextID    int64
}

func (a *fakeAccount) Wallets(context.Context) ([]models.WalletBalance, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.walletErr != nil {
		return nil, a.walletErr
	}
	return append([]models.WalletBalance(nil), a.wallets...), nil
}

func (a *fakeAccount) OpenPositions(context.Context) ([]models.SimPosition, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.posErr != nil {
		return nil, a.posErr
	}
	return append([]models.SimPosition(nil), a.positions...), nil
}

func (a *fakeAccount) PositionHistory(context.Context) ([]models.SimPosition, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.histErr != nil {
		return nil, a.histErr
	}
	return append([]models.SimPosition(nil), a.history...), nil
}

func (a *fakeAccount) setWalletErr(err error) {
	a.mu.Lock()
	a.walletErr = err
	a.mu.Unlock()
}

// open books a futures position the way the backend does: margin leaves the
// wallet balance.
func (a *fakeAccount) open(req models.FuturesOrderRequest, price float64) models.SimPosition {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.nextID++
	margin := req.Quantity * price / float64(req.Leverage)
	p := models.SimPosition{
		ID:         a.nextID,
		Symbol:     req.Symbol,
		TradeType:  string(models.TradeTypeFutures),
		Side:       req.Side,
		Quantity:   req.Quantity,
		EntryPrice: price,
		Leverage:   req.Leverage,
		MarginUsed: margin,
		Status:     models.PositionStatusOpen,
		CreatedAt:  time.Now().UTC(),
	}
	a.positions = append(a.positions, p)
	for i := range a.wallets {
		if a.wallets[i].Asset == "USDT" {
			a.wallets[i].Balance -= margin
			a.wallets[i].LockedBalance += margin
		}
	}
	return p
}

// fakeBackend records every mutation. When gate is set PlaceFuturesOrder
// signals entered and blocks until gate is closed.
type fakeBackend struct {
	account *fakeAccount
	price   float64

	mu       sync.Mutex
	futures  []models.FuturesOrderRequest
	spot     []models.SpotOrderRequest
	orderIDs []string
	closed   []int64
	resets   int
	err      error

	gate    chan struct{}
	entered chan struct{}
}

func (b *fakeBackend) PlaceFuturesOrder(ctx context.Context, req models.FuturesOrderRequest, clientOrderID string) (*models.OrderConfirmation, error) {
	if b.gate != nil {
		b.entered <- struct{}{}
		<-b.gate
	}

	b.mu.Lock()
	b.futures = append(b.futures, req)
	b.orderIDs = append(b.orderIDs, clientOrderID)
	err := b.err
	b.mu.Unlock()
	if err != nil {
		return nil, err
	}

	conf := &models.OrderConfirmation{
		ClientOrderID: clientOrderID,
		Message:       "Futures position opened",
		Symbol:        req.Symbol,
		Side:          string(req.Side),
		Quantity:      req.Quantity,
		TradeType:     models.TradeTypeFutures,
		Leverage:      req.Leverage,
	}
	if b.account != nil {
		p := b.account.open(req, b.price)
		conf.PositionID = &p.ID
		conf.EntryPrice = p.EntryPrice
		conf.MarginUsed = p.MarginUsed
	}
	return conf, nil
}

func (b *fakeBackend) PlaceSpotOrder(ctx context.Context, req models.SpotOrderRequest, clientOrderID string) (*models.OrderConfirmation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.spot = append(b.spot, req)
	b.orderIDs = append(b.orderIDs, clientOrderID)
	if b.err != nil {
		return nil, b.err
	}
	return &models.OrderConfirmation{
		ClientOrderID: clientOrderID,
		Message:       "Spot order executed",
		Symbol:        req.Symbol,
		Side:          string(req.Side),
		Quantity:      req.Quantity,
		TradeType:     models.TradeTypeSpot,
		Price:         b.price,
		Total:         b.price * req.Quantity,
	}, nil
}

func (b *fakeBackend) ClosePosition(ctx context.Context, positionID int64) (*models.CloseConfirmation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return nil, b.err
	}
	b.closed = append(b.closed, positionID)
	if b.account != nil {
		b.account.mu.Lock()
		kept := b.account.positions[:0]
		for _, p := range b.account.positions {
			if p.ID != positionID {
				kept = append(kept, p)
			}
		}
		b.account.positions = kept
		b.account.mu.Unlock()
	}
	return &models.CloseConfirmation{Message: "Position closed", ExitPrice: b.price}, nil
}

func (b *fakeBackend) ResetWallet(ctx context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return "", b.err
	}
	b.resets++
	return "Wallet reset to 100,000 USDT", nil
}

func (b *fakeBackend) setErr(err error) {
	b.mu.Lock()
	b.err = err
	b.mu.Unlock()
}

func (b *fakeBackend) futuresOrders() []models.FuturesOrderRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]models.FuturesOrderRequest(nil), b.futures...)
}

func candleAt(symbol, interval string, open time.Time, close float64) models.Candle {
	return models.Candle{
		Symbol:   symbol,
		Interval: interval,
		OpenTime: open,
		Open:     close - 1,
		High:     close + 1,
		Low:      close - 2,
		Close:    close,
		Volume:   1,
	}
}

func tickFor(symbol string, price float64) models.MarketTick {
	return models.MarketTick{Symbol: symbol, LastPrice: price, Received: time.Now()}
}
