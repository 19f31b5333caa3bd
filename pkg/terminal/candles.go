package terminal

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gregtusar/papertrader/pkg/metrics"
	"github.com/gregtusar/papertrader/pkg/models"
)

const defaultCandleLimit = 1000

// KlineSource returns the most recent candles for a key, oldest first.
type KlineSource interface {
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error)
}

type CandleSeriesView struct {
	Symbol        string          `json:"symbol"`
	Interval      string          `json:"interval"`
	Loaded        bool            `json:"loaded"`
	Candles       []models.Candle `json:"candles"`
	LiveUpdatedAt time.Time       `json:"live_updated_at"`
	Freshness     Freshness       `json:"freshness"`
}

// CandleStore holds one series keyed by (symbol, interval). Load replaces it
// wholesale; ApplyLiveUpdate upserts by open time.
type CandleStore struct {
	source  KlineSource
	limit   int
	logger  *logrus.Logger
	metrics *metrics.Metrics

	mu            sync.RWMutex
	symbol        string
	interval      string
	loaded        bool
	candles       []models.Candle
	generation    uint64
	liveUpdatedAt time.Time
	fresh         freshnessTracker
}

func NewCandleStore(source KlineSource, limit, failureThreshold int, logger *logrus.Logger, m *metrics.Metrics) *CandleStore {
	if limit <= 0 {
		limit = defaultCandleLimit
	}
	return &CandleStore{
		source:  source,
		limit:   limit,
		logger:  logger,
		metrics: m,
		fresh:   newFreshnessTracker(failureThreshold),
	}
}

// Key returns the current (symbol, interval).
func (s *CandleStore) Key() (string, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.symbol, s.interval
}

// Load fetches the most recent window for symbol/interval and replaces the
// series. Switching to a new key discards the previous series immediately,
// before the fetch completes. A failed reload of the current key keeps the
// existing series.
func (s *CandleStore) Load(ctx context.Context, symbol, interval string) error {
	symbol = strings.ToUpper(symbol)
	if symbol == "" || interval == "" {
		return fmt.Errorf("symbol and interval are required")
	}

	s.mu.Lock()
	if symbol != s.symbol || interval != s.interval {
		s.symbol = symbol
		s.interval = interval
		s.loaded = false
		s.candles = nil
		s.liveUpdatedAt = time.Time{}
		s.fresh.reset()
	}
	s.generation++
	gen := s.generation
	s.mu.Unlock()

	start := time.Now()
	candles, err := s.source.GetKlines(ctx, symbol, interval, s.limit)
	s.metrics.ObservePoll("candles", start, err)

	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.generation {
		s.logger.WithFields(logrus.Fields{
			"symbol":   symbol,
			"interval": interval,
		}).Debug("Discarding superseded candle load")
		return nil
	}

	if err != nil {
		if s.fresh.failed(err) {
			s.logger.WithError(err).WithFields(logrus.Fields{
				"symbol":   symbol,
				"interval": interval,
			}).Warn("Candle series is stale")
		}
		s.metrics.SetStale("candles", s.fresh.snapshot().Stale)
		return fmt.Errorf("failed to load %s %s candles: %w", symbol, interval, err)
	}

	s.candles = normalizeSeries(candles, symbol, interval)
	s.loaded = true
	s.fresh.succeeded(time.Now())
	s.metrics.SetStale("candles", false)

	s.logger.WithFields(logrus.Fields{
		"symbol":   symbol,
		"interval": interval,
		"candles":  len(s.candles),
	}).Debug("Loaded candle series")
	return nil
}

// ApplyLiveUpdate upserts a streamed candle and reports whether it was
// applied. A candle with the last open time overwrites it; a newer one is
// appended; an older one overwrites its existing slot or is dropped. Updates
// for another key, or before the first load, are dropped.
func (s *CandleStore) ApplyLiveUpdate(c models.Candle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.loaded || !strings.EqualFold(c.Symbol, s.symbol) || c.Interval != s.interval {
		return false
	}
	c.Symbol = s.symbol

	n := len(s.candles)
	switch {
	case n == 0 || c.OpenTime.After(s.candles[n-1].OpenTime):
		s.candles = append(s.candles, c)
	case c.OpenTime.Equal(s.candles[n-1].OpenTime):
		s.candles[n-1] = c
	default:
		i, found := slices.BinarySearchFunc(s.candles, c.OpenTime, func(e models.Candle, t time.Time) int {
			return e.OpenTime.Compare(t)
		})
		if !found {
			return false
		}
		s.candles[i] = c
	}

	s.liveUpdatedAt = time.Now()
	return true
}

// Series returns a copy of the current series.
func (s *CandleStore) Series() CandleSeriesView {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return CandleSeriesView{
		Symbol:        s.symbol,
		Interval:      s.interval,
		Loaded:        s.loaded,
		Candles:       slices.Clone(s.candles),
		LiveUpdatedAt: s.liveUpdatedAt,
		Freshness:     s.fresh.snapshot(),
	}
}

// Last returns the most recent candle.
func (s *CandleStore) Last() (models.Candle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.candles) == 0 {
		return models.Candle{}, false
	}
	return s.candles[len(s.candles)-1], true
}

// normalizeSeries sorts by open time and keeps one candle per open time, the
// later one winning.
func normalizeSeries(candles []models.Candle, symbol, interval string) []models.Candle {
	out := make([]models.Candle, 0, len(candles))
	for _, c := range candles {
		c.Symbol = symbol
		c.Interval = interval
		out = append(out, c)
	}
	slices.SortStableFunc(out, func(a, b models.Candle) int {
		return a.OpenTime.Compare(b.OpenTime)
	})

	deduped := out[:0]
	for _, c := range out {
		if n := len(deduped); n > 0 && deduped[n-1].OpenTime.Equal(c.OpenTime) {
			deduped[n-1] = c
			continue
		}
		deduped = append(deduped, c)
	}
	return deduped
}
