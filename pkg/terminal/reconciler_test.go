package terminal

import (
	"context"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gregtusar/papertrader/pkg/models"
)

func TestComputeDerived(t *testing.T) {
	position := models.SimPosition{
		Symbol:     "BTCUSDT",
		Quantity:   2,
		EntryPrice: 100,
		MarginUsed: 40,
	}

	tests := []struct {
		name    string
		side    models.PositionSide
		mark    float64
		wantPnl float64
		wantPct float64
	}{
		{"long in profit", models.PositionSideLong, 110, 20, 50},
		{"short in loss", models.PositionSideShort, 110, -20, -50},
		{"long in loss", models.PositionSideLong, 95, -10, -25},
		{"short in profit", models.PositionSideShort, 90, 20, 50},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := position
			p.Side = tt.side
			tick := tickFor("BTCUSDT", tt.mark)

			got := ComputeDerived(p, &tick)
			require.NotNil(t, got.MarkPrice)
			assert.Equal(t, tt.mark, *got.MarkPrice)
			require.NotNil(t, got.UnrealizedPnl)
			require.NotNil(t, got.UnrealizedPnlPercent)
			assert.InDelta(t, tt.wantPnl, *got.UnrealizedPnl, 1e-9)
			assert.InDelta(t, tt.wantPct, *got.UnrealizedPnlPercent, 1e-9)
		})
	}
}

func TestComputeDerivedWithoutTick(t *testing.T) {
	p := models.SimPosition{Symbol: "BTCUSDT", Side: models.PositionSideLong, Quantity: 1, EntryPrice: 100}

	got := ComputeDerived(p, nil)
	assert.True(t, got.Pending())
	assert.Nil(t, got.UnrealizedPnl)
	assert.Nil(t, got.UnrealizedPnlPercent)

	other := tickFor("ETHUSDT", 3000)
	assert.True(t, ComputeDerived(p, &other).Pending())
}

func TestTickStoreIgnoresOlderTicks(t *testing.T) {
	ts := NewTickStore()
	now := time.Now()

	ts.Update(models.MarketTick{Symbol: "btcusdt", LastPrice: 2, Received: now})
	ts.Update(models.MarketTick{Symbol: "BTCUSDT", LastPrice: 1, Received: now.Add(-time.Second)})

	tick, ok := ts.Latest("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, 2.0, tick.LastPrice)

	_, ok = ts.Latest("ETHUSDT")
	assert.False(t, ok)
}

func newTestAccount() *fakeAccount {
	return &fakeAccount{
		wallets: []models.WalletBalance{
			{ID: 1, Asset: "USDT", Balance: 1000},
			{ID: 2, Asset: "BTC", Balance: 0.5},
		},
		positions: []models.SimPosition{
			{ID: 7, Symbol: "BTCUSDT", Side: models.PositionSideLong, Quantity: 1, EntryPrice: 100, MarginUsed: 10, Status: models.PositionStatusOpen},
		},
	}
}

func TestReconcilerRefresh(t *testing.T) {
	account := newTestAccount()
	r := NewReconciler(account, nil, 3, quietLogger(), nil)

	require.NoError(t, r.Refresh(context.Background()))

	assert.Len(t, r.OpenPositions(), 1)
	assert.Len(t, r.Wallets(), 2)
	balance, ok := r.Balance("usdt")
	assert.True(t, ok)
	assert.Equal(t, 1000.0, balance)
	_, ok = r.Balance("ETH")
	assert.False(t, ok)

	fresh := r.Freshness()
	assert.True(t, fresh.Positions.Loaded())
	assert.True(t, fresh.Wallets.Loaded())
	assert.True(t, fresh.History.Loaded())
}

func TestReconcilerKeepsWalletsWhenFetchFails(t *testing.T) {
	account := newTestAccount()
	r := NewReconciler(account, nil, 3, quietLogger(), nil)
	require.NoError(t, r.Refresh(context.Background()))

	account.setWalletErr(errBackendDown)
	for i := 0; i < 3; i++ {
		err := r.Refresh(context.Background())
		require.ErrorIs(t, err, errBackendDown)
	}

	wallets := r.Wallets()
	require.Len(t, wallets, 2)
	assert.Equal(t, 1000.0, wallets[0].Balance)

	fresh := r.Freshness()
	assert.True(t, fresh.Wallets.Stale)
	assert.Equal(t, 3, fresh.Wallets.ConsecutiveFailures)
	assert.Contains(t, fresh.Wallets.LastError, "backend unavailable")
	assert.False(t, fresh.Positions.Stale)

	account.setWalletErr(nil)
	require.NoError(t, r.Refresh(context.Background()))
	assert.False(t, r.Freshness().Wallets.Stale)
}

func TestReconcilerPositionsCarryDerivedMetrics(t *testing.T) {
	r := NewReconciler(newTestAccount(), nil, 3, quietLogger(), nil)
	require.NoError(t, r.Refresh(context.Background()))

	views := r.Positions()
	require.Len(t, views, 1)
	assert.True(t, views[0].Pending())

	raw, err := json.Marshal(views)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"mark_price":null`)
	assert.Contains(t, string(raw), `"unrealized_pnl":null`)
	assert.Contains(t, string(raw), `"unrealized_pnl_percent":null`)

	r.Ticks().Update(tickFor("BTCUSDT", 105))
	views = r.Positions()
	require.NotNil(t, views[0].MarkPrice)
	assert.InDelta(t, 5, *views[0].UnrealizedPnl, 1e-9)
	assert.InDelta(t, 50, *views[0].UnrealizedPnlPercent, 1e-9)

	raw, err = json.Marshal(views)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"unrealized_pnl":5`)
}

func TestReconcilerRefreshMarksPollsStaleSymbols(t *testing.T) {
	var (
		mu     sync.Mutex
		polled []string
	)
	prices := priceFunc(func(_ context.Context, symbol string) (float64, error) {
		mu.Lock()
		polled = append(polled, symbol)
		mu.Unlock()
		return 123, nil
	})

	account := newTestAccount()
	account.positions = append(account.positions, models.SimPosition{
		ID: 8, Symbol: "ETHUSDT", Side: models.PositionSideShort, Quantity: 1, EntryPrice: 200, MarginUsed: 20,
	})

	r := NewReconciler(account, nil, 3, quietLogger(), nil, WithMarkPrices(prices, time.Minute))
	require.NoError(t, r.Refresh(context.Background()))
	r.Ticks().Update(tickFor("BTCUSDT", 100))

	r.RefreshMarks(context.Background())

	mu.Lock()
	assert.Equal(t, []string{"ETHUSDT"}, polled)
	mu.Unlock()

	tick, ok := r.Ticks().Latest("ETHUSDT")
	require.True(t, ok)
	assert.Equal(t, 123.0, tick.LastPrice)
}

func TestReconcilerRunRefreshesUntilCancelled(t *testing.T) {
	account := newTestAccount()
	r := NewReconciler(account, nil, 3, quietLogger(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx, 10*time.Millisecond)
		close(done)
	}()

	assert.Eventually(t, func() bool { return len(r.OpenPositions()) == 1 }, 2*time.Second, 5*time.Millisecond)

	account.mu.Lock()
	account.positions = nil
	account.mu.Unlock()
	assert.Eventually(t, func() bool { return len(r.OpenPositions()) == 0 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	<-done
}
