package terminal

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gregtusar/papertrader/pkg/models"
)

func TestAggregateLevelsCumulativeTotals(t *testing.T) {
	raw := []models.PriceLevel{
		{Price: 99.5, Amount: 2},
		{Price: 100, Amount: 1.5},
		{Price: 0, Amount: 10},
		{Price: 98, Amount: 0.25},
		{Price: 99, Amount: -1},
	}

	bids := aggregateLevels(raw, 0, true)
	require.Len(t, bids, 3)
	assert.Equal(t, []float64{100, 99.5, 98}, []float64{bids[0].Price, bids[1].Price, bids[2].Price})
	assert.InDelta(t, 1.5, bids[0].CumulativeTotal, 1e-9)
	assert.InDelta(t, 3.5, bids[1].CumulativeTotal, 1e-9)
	assert.InDelta(t, 3.75, bids[2].CumulativeTotal, 1e-9)

	asks := aggregateLevels(raw, 2, false)
	require.Len(t, asks, 2)
	assert.Equal(t, 98.0, asks[0].Price)
	assert.Equal(t, 99.5, asks[1].Price)

	for _, side := range [][]models.OrderBookLevel{bids, asks} {
		for i := 1; i < len(side); i++ {
			assert.GreaterOrEqual(t, side[i].CumulativeTotal, side[i-1].CumulativeTotal)
		}
	}
}

func TestOrderBookRefresh(t *testing.T) {
	source := depthFunc(func(_ context.Context, symbol string, limit int) (*models.DepthSnapshot, error) {
		assert.Equal(t, "BTCUSDT", symbol)
		assert.Equal(t, 5, limit)
		return &models.DepthSnapshot{
			Symbol:       symbol,
			LastUpdateID: 42,
			Bids:         []models.PriceLevel{{Price: 49990, Amount: 1}, {Price: 49995, Amount: 0.5}},
			Asks:         []models.PriceLevel{{Price: 50010, Amount: 2}, {Price: 50005, Amount: 0.1}},
		}, nil
	})

	ob := NewOrderBook(source, "btcusdt", 5, 3, quietLogger(), nil)
	view, err := ob.Refresh(context.Background(), "", 0)
	require.NoError(t, err)

	assert.Equal(t, "BTCUSDT", view.Symbol)
	assert.Equal(t, int64(42), view.LastUpdateID)
	assert.Equal(t, 49995.0, view.Bids[0].Price)
	assert.Equal(t, 50005.0, view.Asks[0].Price)
	require.NotNil(t, view.MidPrice)
	assert.InDelta(t, 50000, *view.MidPrice, 1e-9)
	assert.True(t, view.Freshness.Loaded())
	assert.False(t, view.Freshness.Stale)
}

func TestOrderBookMidPriceAbsentWithOneSide(t *testing.T) {
	source := depthFunc(func(context.Context, string, int) (*models.DepthSnapshot, error) {
		return &models.DepthSnapshot{Bids: []models.PriceLevel{{Price: 10, Amount: 1}}}, nil
	})

	ob := NewOrderBook(source, "ETHUSDT", 20, 3, quietLogger(), nil)
	view, err := ob.Refresh(context.Background(), "", 0)
	require.NoError(t, err)
	assert.Nil(t, view.MidPrice)
	assert.Empty(t, view.Asks)
}

func TestOrderBookKeepsLastGoodBookOnFailure(t *testing.T) {
	var fail atomic.Bool
	source := depthFunc(func(context.Context, string, int) (*models.DepthSnapshot, error) {
		if fail.Load() {
			return nil, errBackendDown
		}
		return &models.DepthSnapshot{
			Bids: []models.PriceLevel{{Price: 100, Amount: 1}},
			Asks: []models.PriceLevel{{Price: 101, Amount: 1}},
		}, nil
	})

	ob := NewOrderBook(source, "BTCUSDT", 20, 3, quietLogger(), nil)
	_, err := ob.Refresh(context.Background(), "", 0)
	require.NoError(t, err)

	fail.Store(true)
	for i := 1; i <= 3; i++ {
		view, err := ob.Refresh(context.Background(), "", 0)
		require.ErrorIs(t, err, errBackendDown)
		require.Len(t, view.Bids, 1, "book must survive failed poll %d", i)
		assert.Equal(t, i, view.Freshness.ConsecutiveFailures)
		assert.Equal(t, i >= 3, view.Freshness.Stale)
	}

	fail.Store(false)
	view, err := ob.Refresh(context.Background(), "", 0)
	require.NoError(t, err)
	assert.False(t, view.Freshness.Stale)
	assert.Zero(t, view.Freshness.ConsecutiveFailures)
}

func TestOrderBookDiscardsPollForPreviousSymbol(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	source := depthFunc(func(_ context.Context, symbol string, _ int) (*models.DepthSnapshot, error) {
		if symbol == "BTCUSDT" {
			close(started)
			<-release
		}
		return &models.DepthSnapshot{
			Symbol: symbol,
			Bids:   []models.PriceLevel{{Price: 1, Amount: 1}},
		}, nil
	})

	ob := NewOrderBook(source, "BTCUSDT", 20, 3, quietLogger(), nil)

	done := make(chan OrderBookView)
	go func() {
		view, _ := ob.Refresh(context.Background(), "", 0)
		done <- view
	}()
	<-started

	ob.SetSymbol("ETHUSDT")
	assert.Empty(t, ob.Snapshot().Bids)
	close(release)

	select {
	case view := <-done:
		assert.Equal(t, "ETHUSDT", view.Symbol)
		assert.Empty(t, view.Bids)
	case <-time.After(2 * time.Second):
		t.Fatal("refresh did not return")
	}
	assert.False(t, ob.Snapshot().Freshness.Loaded())
}

func TestOrderBookRunPollsUntilCancelled(t *testing.T) {
	var polls atomic.Int32
	source := depthFunc(func(context.Context, string, int) (*models.DepthSnapshot, error) {
		polls.Add(1)
		return &models.DepthSnapshot{}, nil
	})

	ob := NewOrderBook(source, "BTCUSDT", 20, 3, quietLogger(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		ob.Run(ctx, 10*time.Millisecond)
		close(done)
	}()

	assert.Eventually(t, func() bool { return polls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}
