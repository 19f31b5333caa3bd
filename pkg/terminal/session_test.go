package terminal

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gregtusar/papertrader/pkg/binance"
	"github.com/gregtusar/papertrader/pkg/models"
)

// marketServer is a fake market stream. Ticker streams emit a tick and kline
// streams a forming candle every few milliseconds unless silent is set. While
// refuse is set every upgrade is answered with 503.
type marketServer struct {
	url string

	mu     sync.Mutex
	paths  []string
	silent bool
	refuse bool
}

func newMarketServer(t *testing.T) *marketServer {
	t.Helper()

	ms := &marketServer{}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ms.mu.Lock()
		ms.paths = append(ms.paths, r.URL.Path)
		refuse := ms.refuse
		ms.mu.Unlock()
		if refuse {
			http.Error(w, "service unavailable", http.StatusServiceUnavailable)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		gone := make(chan struct{})
		go func() {
			defer close(gone)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		stream := strings.TrimPrefix(r.URL.Path, "/ws/")
		symbol, channel, _ := strings.Cut(stream, "@")
		symbol = strings.ToUpper(symbol)

		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()
		price := 50000.0
		for {
			select {
			case <-gone:
				return
			case <-ticker.C:
			}
			ms.mu.Lock()
			silent := ms.silent
			ms.mu.Unlock()
			if silent {
				continue
			}
			var payload string
			switch {
			case channel == "ticker":
				payload = fmt.Sprintf(`{"e":"24hrTicker","E":1700000000000,"s":"%s","p":"10","P":"0.5","c":"%.2f","C":1700000000000}`, symbol, price)
			case strings.HasPrefix(channel, "kline_"):
				interval := strings.TrimPrefix(channel, "kline_")
				open := candleBase.Add(time.Hour).UnixMilli()
				payload = fmt.Sprintf(`{"e":"kline","E":1700000000000,"s":"%s","k":{"t":%d,"T":%d,"i":"%s","o":"1","c":"%.2f","h":"%.2f","l":"0.5","v":"3","x":false}}`,
					symbol, open, open+59999, interval, price, price+1)
			}
			if err := conn.WriteMessage(websocket.TextMessage, []byte(payload)); err != nil {
				return
			}
			price++
		}
	}))
	t.Cleanup(server.Close)

	ms.url = "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	return ms
}

func (ms *marketServer) setSilent(v bool) {
	ms.mu.Lock()
	ms.silent = v
	ms.mu.Unlock()
}

func (ms *marketServer) setRefuse(v bool) {
	ms.mu.Lock()
	ms.refuse = v
	ms.mu.Unlock()
}

func (ms *marketServer) count(suffix string) int {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	n := 0
	for _, p := range ms.paths {
		if strings.HasSuffix(p, suffix) {
			n++
		}
	}
	return n
}

type recordingPublisher struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (p *recordingPublisher) Publish(_ context.Context, snap Snapshot) error {
	p.mu.Lock()
	p.snaps = append(p.snaps, snap)
	p.mu.Unlock()
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.snaps)
}

type sessionFixture struct {
	server  *marketServer
	feed    *binance.Feed
	session *Session
	pub     *recordingPublisher
	loads   *atomic.Int32
}

func newSessionFixture(t *testing.T, cfg SessionConfig) *sessionFixture {
	t.Helper()
	return startSessionFixture(t, newMarketServer(t), cfg)
}

func startSessionFixture(t *testing.T, server *marketServer, cfg SessionConfig) *sessionFixture {
	t.Helper()

	feed := binance.NewFeed(server.url, quietLogger(), binance.WithPingInterval(0))

	depth := depthFunc(func(_ context.Context, symbol string, _ int) (*models.DepthSnapshot, error) {
		return &models.DepthSnapshot{
			Symbol: symbol,
			Bids:   []models.PriceLevel{{Price: 99, Amount: 1}},
			Asks:   []models.PriceLevel{{Price: 101, Amount: 1}},
		}, nil
	})
	loads := &atomic.Int32{}
	klines := klineFunc(func(_ context.Context, symbol, interval string, _ int) ([]models.Candle, error) {
		loads.Add(1)
		return []models.Candle{candleAt(symbol, interval, candleBase, 100)}, nil
	})

	account := newTestAccount()
	ticks := NewTickStore()
	reconciler := NewReconciler(account, ticks, 3, quietLogger(), nil)
	pub := &recordingPublisher{}

	session := NewSession(SessionDeps{
		Feed:       feed,
		OrderBook:  NewOrderBook(depth, cfg.Symbol, 20, 3, quietLogger(), nil),
		Candles:    NewCandleStore(klines, 0, 3, quietLogger(), nil),
		Reconciler: reconciler,
		OrderEntry: NewOrderEntry(&fakeBackend{account: account}, reconciler, OrderEntryConfig{Symbol: cfg.Symbol}, quietLogger(), nil),
		Publisher:  pub,
	}, cfg, quietLogger(), nil)

	require.NoError(t, session.Start(context.Background()))
	t.Cleanup(session.Close)

	return &sessionFixture{server: server, feed: feed, session: session, pub: pub, loads: loads}
}

func fastConfig() SessionConfig {
	return SessionConfig{
		Symbol:            "BTCUSDT",
		Interval:          "1m",
		OrderBookPoll:     10 * time.Millisecond,
		ReconcileInterval: 10 * time.Millisecond,
		StaleAfter:        time.Second,
		TickerRetry:       RetryPolicy{Initial: 10 * time.Millisecond, Max: 50 * time.Millisecond},
		KlineRetry:        RetryPolicy{Initial: 10 * time.Millisecond, Max: 50 * time.Millisecond},
		PublishInterval:   10 * time.Millisecond,
	}
}

func TestSessionStreamsIntoStores(t *testing.T) {
	f := newSessionFixture(t, fastConfig())

	assert.Eventually(t, func() bool {
		snap := f.session.Snapshot()
		return snap.Tick != nil && snap.LastCandle != nil && len(snap.OrderBook.Bids) == 1 && len(snap.Positions) == 1
	}, 3*time.Second, 10*time.Millisecond)

	snap := f.session.Snapshot()
	assert.Equal(t, "BTCUSDT", snap.Symbol)
	assert.Equal(t, "1m", snap.Interval)
	assert.GreaterOrEqual(t, snap.Tick.LastPrice, 50000.0)
	assert.True(t, snap.LastCandle.OpenTime.Equal(candleBase.Add(time.Hour)))
	assert.Len(t, f.session.Candles().Series().Candles, 2)

	assert.Eventually(t, func() bool { return f.pub.count() > 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, f.feed.Active())
}

func TestSessionRapidSymbolSwitchKeepsOneSubscriptionPerChannel(t *testing.T) {
	f := newSessionFixture(t, fastConfig())

	symbols := []string{"ETHUSDT", "SOLUSDT", "BNBUSDT", "XRPUSDT", "ETHUSDT", "ADAUSDT"}
	for _, s := range symbols {
		require.NoError(t, f.session.SetSymbol(s))
		assert.LessOrEqual(t, f.feed.Active(), 2)
	}

	assert.Eventually(t, func() bool {
		tick, ok := f.session.Ticks().Latest("ADAUSDT")
		return ok && tick.LastPrice > 0
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, f.feed.Active())

	sym, _ := f.session.Key()
	assert.Equal(t, "ADAUSDT", sym)
	assert.Equal(t, "ADAUSDT", f.session.OrderBook().Symbol())
	assert.Equal(t, "ADAUSDT", f.session.OrderEntry().Symbol())

	assert.Eventually(t, func() bool {
		s, _ := f.session.Candles().Key()
		return s == "ADAUSDT"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSessionSetIntervalReplacesOnlyKline(t *testing.T) {
	f := newSessionFixture(t, fastConfig())

	assert.Eventually(t, func() bool {
		return f.server.count("@ticker") == 1 && f.server.count("@kline_1m") == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, f.session.SetInterval("5m"))

	assert.Eventually(t, func() bool {
		return f.server.count("@kline_5m") == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, f.server.count("@ticker"))

	assert.Eventually(t, func() bool {
		_, interval := f.session.Candles().Key()
		c, ok := f.session.Candles().Last()
		return interval == "5m" && ok && c.Interval == "5m"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSessionResubscribesWhenFeedGoesQuiet(t *testing.T) {
	cfg := fastConfig()
	cfg.StaleAfter = 100 * time.Millisecond
	f := newSessionFixture(t, cfg)

	assert.Eventually(t, func() bool { return f.server.count("@ticker") == 1 }, 2*time.Second, 10*time.Millisecond)

	f.server.setSilent(true)
	assert.Eventually(t, func() bool { return f.server.count("@ticker") >= 3 }, 5*time.Second, 10*time.Millisecond)
	assert.LessOrEqual(t, f.feed.Active(), 2)
}

func TestSessionCloseStopsEverything(t *testing.T) {
	f := newSessionFixture(t, fastConfig())

	assert.Eventually(t, func() bool { return f.feed.Active() == 2 }, 2*time.Second, 10*time.Millisecond)

	f.session.Close()
	assert.Equal(t, 0, f.feed.Active())

	published := f.pub.count()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, published, f.pub.count())

	assert.ErrorIs(t, f.session.SetSymbol("ETHUSDT"), ErrSessionClosed)
	assert.ErrorIs(t, f.session.Start(context.Background()), ErrSessionClosed)
	f.session.Close()
}

func TestSessionMarksFeedStaleWhileUpgradeIsRefused(t *testing.T) {
	server := newMarketServer(t)
	server.setRefuse(true)
	cfg := fastConfig()
	cfg.FailureThreshold = 3
	f := startSessionFixture(t, server, cfg)

	assert.Eventually(t, func() bool {
		feeds := f.session.Snapshot().Feeds
		return feeds.Ticker.Stale && feeds.Kline.Stale
	}, 3*time.Second, 10*time.Millisecond)

	ticker := f.session.FeedFreshness().Ticker
	assert.GreaterOrEqual(t, ticker.ConsecutiveFailures, 3)
	assert.NotEmpty(t, ticker.LastError)
	assert.False(t, ticker.Loaded())
	assert.Nil(t, f.session.Snapshot().Tick)

	server.setRefuse(false)
	assert.Eventually(t, func() bool {
		feeds := f.session.FeedFreshness()
		return !feeds.Ticker.Stale && feeds.Ticker.Loaded() && !feeds.Kline.Stale
	}, 3*time.Second, 10*time.Millisecond)
	assert.Zero(t, f.session.FeedFreshness().Ticker.ConsecutiveFailures)
}

func TestSessionReloadsCandlesOncePerOutage(t *testing.T) {
	server := newMarketServer(t)
	server.setRefuse(true)
	f := startSessionFixture(t, server, fastConfig())

	assert.Eventually(t, func() bool { return server.count("@kline_1m") >= 4 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), f.loads.Load(), "failed dials do not reload history")

	server.setRefuse(false)
	assert.Eventually(t, func() bool {
		c, ok := f.session.Candles().Last()
		return ok && c.OpenTime.Equal(candleBase.Add(time.Hour))
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(2), f.loads.Load(), "history reloaded once after the stream is back")

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(2), f.loads.Load())
}
