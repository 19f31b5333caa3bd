package binance

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/gregtusar/papertrader/pkg/models"
)

var errMalformed = errors.New("malformed payload")

// Binance payload keys differ only by case (e/E, p/P, t/T, ...). Both cases are
// declared so the decoder never folds one into the other.

type tickerPayload struct {
	EventType      string `json:"e"`
	EventTime      int64  `json:"E"`
	Symbol         string `json:"s"`
	PriceChange    string `json:"p"`
	PriceChangePct string `json:"P"`
	LastPrice      string `json:"c"`
	CloseTime      int64  `json:"C"`
}

type klinePayload struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Kline     *struct {
		OpenTime    int64  `json:"t"`
		CloseTime   int64  `json:"T"`
		Interval    string `json:"i"`
		Open        string `json:"o"`
		Close       string `json:"c"`
		High        string `json:"h"`
		Low         string `json:"l"`
		LastTradeID int64  `json:"L"`
		Volume      string `json:"v"`
		TakerVolume string `json:"V"`
		Closed      bool   `json:"x"`
	} `json:"k"`
}

type partialDepthPayload struct {
	LastUpdateID int64      `json:"lastUpdateId"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

// streamName maps a (symbol, channel) pair to the Binance raw stream name.
func streamName(symbol string, channel models.Channel, depthLevels int) (string, error) {
	sym := strings.ToLower(symbol)
	switch {
	case channel == models.ChannelTicker:
		return sym + "@ticker", nil
	case channel == models.ChannelDepth:
		return fmt.Sprintf("%s@depth%d@100ms", sym, depthLevels), nil
	case channel.IsKline():
		return sym + "@kline_" + channel.Interval(), nil
	default:
		return "", fmt.Errorf("unknown channel %q", string(channel))
	}
}

// decodeEvent normalizes one vendor payload for a subscription.
func decodeEvent(symbol string, channel models.Channel, data []byte, received time.Time) (models.MarketEvent, error) {
	ev := models.MarketEvent{
		Symbol:   strings.ToUpper(symbol),
		Channel:  channel,
		Received: received,
	}

	switch {
	case channel == models.ChannelTicker:
		tick, err := decodeTicker(ev.Symbol, data, received)
		if err != nil {
			return ev, err
		}
		ev.Tick = tick
	case channel.IsKline():
		candle, err := decodeKline(ev.Symbol, channel.Interval(), data)
		if err != nil {
			return ev, err
		}
		ev.Candle = candle
	case channel == models.ChannelDepth:
		depth, err := decodeDepth(ev.Symbol, data, received)
		if err != nil {
			return ev, err
		}
		ev.Depth = depth
	default:
		return ev, fmt.Errorf("%w: unknown channel %q", errMalformed, string(channel))
	}

	return ev, nil
}

func decodeTicker(symbol string, data []byte, received time.Time) (*models.MarketTick, error) {
	var p tickerPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformed, err)
	}
	if p.EventType != "24hrTicker" {
		return nil, fmt.Errorf("%w: event type %q", errMalformed, p.EventType)
	}
	if !strings.EqualFold(p.Symbol, symbol) {
		return nil, fmt.Errorf("%w: symbol %q on %s stream", errMalformed, p.Symbol, symbol)
	}

	last, err := parsePrice(p.LastPrice)
	if err != nil {
		return nil, err
	}
	pct, err := strconv.ParseFloat(p.PriceChangePct, 64)
	if err != nil || math.IsNaN(pct) || math.IsInf(pct, 0) {
		return nil, fmt.Errorf("%w: change pct %q", errMalformed, p.PriceChangePct)
	}

	return &models.MarketTick{
		Symbol:           symbol,
		LastPrice:        last,
		PercentChange24h: pct,
		Received:         received,
	}, nil
}

func decodeKline(symbol, interval string, data []byte) (*models.Candle, error) {
	var p klinePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformed, err)
	}
	if p.EventType != "kline" || p.Kline == nil {
		return nil, fmt.Errorf("%w: not a kline event", errMalformed)
	}
	if !strings.EqualFold(p.Symbol, symbol) {
		return nil, fmt.Errorf("%w: symbol %q on %s stream", errMalformed, p.Symbol, symbol)
	}
	if p.Kline.Interval != interval {
		return nil, fmt.Errorf("%w: interval %q on %s stream", errMalformed, p.Kline.Interval, interval)
	}
	if p.Kline.OpenTime <= 0 {
		return nil, fmt.Errorf("%w: missing open time", errMalformed)
	}

	var ohlc [4]float64
	for i, s := range []string{p.Kline.Open, p.Kline.High, p.Kline.Low, p.Kline.Close} {
		v, err := parsePrice(s)
		if err != nil {
			return nil, err
		}
		ohlc[i] = v
	}
	volume, _ := strconv.ParseFloat(p.Kline.Volume, 64)

	return &models.Candle{
		Symbol:   symbol,
		Interval: interval,
		OpenTime: time.UnixMilli(p.Kline.OpenTime).UTC(),
		Open:     ohlc[0],
		High:     ohlc[1],
		Low:      ohlc[2],
		Close:    ohlc[3],
		Volume:   volume,
		Closed:   p.Kline.Closed,
	}, nil
}

func decodeDepth(symbol string, data []byte, received time.Time) (*models.DepthSnapshot, error) {
	var p partialDepthPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformed, err)
	}
	bids, err := parseLevels(p.Bids)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformed, err)
	}
	asks, err := parseLevels(p.Asks)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformed, err)
	}
	return &models.DepthSnapshot{
		Symbol:       symbol,
		LastUpdateID: p.LastUpdateID,
		Bids:         bids,
		Asks:         asks,
		Timestamp:    received,
	}, nil
}

func parsePrice(s string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v <= 0 || math.IsInf(v, 0) || math.IsNaN(v) {
		return 0, fmt.Errorf("%w: price %q", errMalformed, s)
	}
	return v, nil
}
