package models

import (
	"time"
)

type WalletBalance struct {
	ID            int64   `json:"id"`
	Asset         string  `json:"asset"`
	Balance       float64 `json:"balance"`
	LockedBalance float64 `json:"locked_balance"`
}

type PositionSide string

const (
	PositionSideLong  PositionSide = "LONG"
	PositionSideShort PositionSide = "SHORT"
)

type PositionStatus string

const (
	PositionStatusOpen   PositionStatus = "OPEN"
	PositionStatusClosed PositionStatus = "CLOSED"
)

type SimPosition struct {
	ID               int64          `json:"id"`
	Symbol           string         `json:"symbol"`
	BaseAsset        string         `json:"base_asset"`
	TradeType        string         `json:"trade_type"`
	Side             PositionSide   `json:"side"`
	Quantity         float64        `json:"quantity"`
	EntryPrice       float64        `json:"entry_price"`
	Leverage         int            `json:"leverage"`
	MarginUsed       float64        `json:"margin_used"`
	LiquidationPrice *float64       `json:"liquidation_price"`
	TakeProfit       *float64       `json:"take_profit"`
	StopLoss         *float64       `json:"stop_loss"`
	Status           PositionStatus `json:"status"`
	JournalTradeID   *int64         `json:"journal_trade_id"`
	CreatedAt        time.Time      `json:"created_at"`
}

// PositionMetrics is derived from a position and the latest tick for its
// symbol. All three stay nil until a tick has arrived. The percent is also nil
// for a position without margin.
type PositionMetrics struct {
	MarkPrice            *float64 `json:"mark_price"`
	UnrealizedPnl        *float64 `json:"unrealized_pnl"`
	UnrealizedPnlPercent *float64 `json:"unrealized_pnl_percent"`
}

func (m PositionMetrics) Pending() bool {
	return m.MarkPrice == nil
}

// PositionView pairs a server-owned position with its derived metrics.
type PositionView struct {
	SimPosition
	PositionMetrics
}
