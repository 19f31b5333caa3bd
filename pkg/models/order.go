package models

import (
	"time"
)

type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

type TradeType string

const (
	TradeTypeSpot    TradeType = "spot"
	TradeTypeFutures TradeType = "futures"
)

type SpotOrderRequest struct {
	Symbol   string    `json:"symbol"`
	Side     OrderSide `json:"side"`
	Quantity float64   `json:"quantity"`
}

type FuturesOrderRequest struct {
	Symbol     string       `json:"symbol"`
	Side       PositionSide `json:"side"`
	Quantity   float64      `json:"quantity"`
	Leverage   int          `json:"leverage"`
	TakeProfit *float64     `json:"take_profit,omitempty"`
	StopLoss   *float64     `json:"stop_loss,omitempty"`
}

// OrderConfirmation is the backend's acknowledgement of an executed order.
// Spot fills populate Price/Total (and PnL on sells); futures fills populate
// the position fields.
type OrderConfirmation struct {
	ClientOrderID string    `json:"-"`
	Message       string    `json:"message"`
	Symbol        string    `json:"symbol"`
	Side          string    `json:"side"`
	Quantity      float64   `json:"quantity"`
	TradeType     TradeType `json:"-"`

	Price   float64  `json:"price,omitempty"`
	Total   float64  `json:"total,omitempty"`
	PnL     *float64 `json:"pnl,omitempty"`
	TradeID *int64   `json:"trade_id,omitempty"`

	PositionID       *int64  `json:"position_id,omitempty"`
	JournalTradeID   *int64  `json:"journal_trade_id,omitempty"`
	EntryPrice       float64 `json:"entry_price,omitempty"`
	Leverage         int     `json:"leverage,omitempty"`
	MarginUsed       float64 `json:"margin_used,omitempty"`
	NotionalValue    float64 `json:"notional_value,omitempty"`
	LiquidationPrice float64 `json:"liquidation_price,omitempty"`

	ReceivedAt time.Time `json:"-"`
}

type ClosePositionRequest struct {
	PositionID int64 `json:"position_id"`
}

type CloseConfirmation struct {
	Message          string  `json:"message"`
	PnL              float64 `json:"pnl"`
	ReturnedToWallet float64 `json:"returned_to_wallet"`
	EntryPrice       float64 `json:"entry_price"`
	ExitPrice        float64 `json:"exit_price"`
	Leverage         int     `json:"leverage"`
}

// PendingOrderEstimate is a client-side projection of an order that has not
// been submitted. It is never sent to the backend.
type PendingOrderEstimate struct {
	Notional                  float64 `json:"notional"`
	RequiredMargin            float64 `json:"required_margin"`
	EstimatedLiquidationPrice float64 `json:"estimated_liquidation_price"`
	HighLeverage              bool    `json:"high_leverage"`

	// Valid is false when Violation is set; Violation is the first guard that
	// failed.
	Valid     bool  `json:"valid"`
	Violation error `json:"-"`
}
