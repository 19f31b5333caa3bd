package models

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// Channel identifies one streaming feed for a symbol.
type Channel string

const (
	ChannelTicker Channel = "ticker"
	ChannelDepth  Channel = "depth"
	channelKline  Channel = "kline"
)

// KlineChannel returns the kline channel for an interval, e.g. "kline:1m".
func KlineChannel(interval string) Channel {
	return Channel(string(channelKline) + ":" + interval)
}

// Interval returns the kline interval of the channel, or "" for other channels.
func (c Channel) Interval() string {
	prefix := string(channelKline) + ":"
	if !strings.HasPrefix(string(c), prefix) {
		return ""
	}
	return strings.TrimPrefix(string(c), prefix)
}

func (c Channel) IsKline() bool {
	return c.Interval() != ""
}

// Validate reports whether the channel is one the feed knows how to open.
func (c Channel) Validate() error {
	switch {
	case c == ChannelTicker, c == ChannelDepth:
		return nil
	case c.IsKline():
		return nil
	default:
		return fmt.Errorf("unknown channel %q", string(c))
	}
}

type MarketTick struct {
	Symbol           string    `json:"symbol"`
	LastPrice        float64   `json:"last_price"`
	PercentChange24h float64   `json:"percent_change_24h"`
	Received         time.Time `json:"received"`
}

// Intervals are the kline intervals the market data venue serves.
var Intervals = []string{"1s", "1m", "3m", "5m", "15m", "30m", "1h", "2h", "4h", "6h", "8h", "12h", "1d", "3d", "1w", "1M"}

func ValidInterval(interval string) bool {
	return slices.Contains(Intervals, interval)
}

type OrderBookLevel struct {
	Price           float64 `json:"price"`
	Amount          float64 `json:"amount"`
	CumulativeTotal float64 `json:"total"`
}

// PriceLevel is a raw [price, amount] pair as reported by the venue.
type PriceLevel struct {
	Price  float64
	Amount float64
}

// DepthSnapshot is a full top-N book as returned by a snapshot poll or a
// partial depth stream. Bids are best (highest) first, asks best (lowest) first.
type DepthSnapshot struct {
	Symbol       string
	LastUpdateID int64
	Bids         []PriceLevel
	Asks         []PriceLevel
	Timestamp    time.Time
}

type Candle struct {
	Symbol   string    `json:"symbol"`
	Interval string    `json:"interval"`
	OpenTime time.Time `json:"open_time"`
	Open     float64   `json:"open"`
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	Close    float64   `json:"close"`
	Volume   float64   `json:"volume"`
	Closed   bool      `json:"closed"`
}

// MarketEvent is the normalized feed event. Exactly one of Tick, Candle or
// Depth is set, matching Channel.
type MarketEvent struct {
	Symbol   string
	Channel  Channel
	Received time.Time

	Tick   *MarketTick
	Candle *Candle
	Depth  *DepthSnapshot
}
