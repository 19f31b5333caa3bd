package simexchange

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/sirupsen/logrus"

	"github.com/gregtusar/papertrader/pkg/models"
)

const (
	DefaultBaseURL = "http://localhost:8000/api/v1"

	basePath = "/sim_exchange"

	// IdempotencyHeader carries the client order ID of a submission.
	IdempotencyHeader = "Idempotency-Key"
)

// Client talks to the simulated exchange backend. The backend is
// authoritative for balances, fills and positions.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     TokenSource
	logger     *logrus.Logger
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

func NewClient(baseURL string, tokens TokenSource, logger *logrus.Logger, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/") + basePath,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		tokens:     tokens,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) doRequest(ctx context.Context, method, path string, body any, headers map[string]string, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if err := addAuthHeader(ctx, req, c.tokens); err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(resp.StatusCode, respBody)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}

// Wallets returns every asset balance. The backend creates the default USDT
// wallet on first access.
func (c *Client) Wallets(ctx context.Context) ([]models.WalletBalance, error) {
	var wallets []models.WalletBalance
	if err := c.doRequest(ctx, http.MethodGet, "/wallet", nil, nil, &wallets); err != nil {
		return nil, err
	}
	return wallets, nil
}

// ResetWallet closes every open position and restores the starting balance.
func (c *Client) ResetWallet(ctx context.Context) (string, error) {
	var resp struct {
		Message string `json:"message"`
	}
	if err := c.doRequest(ctx, http.MethodPost, "/wallet/reset", nil, nil, &resp); err != nil {
		return "", err
	}
	return resp.Message, nil
}

func (c *Client) OpenPositions(ctx context.Context) ([]models.SimPosition, error) {
	return c.positions(ctx, "/positions")
}

// PositionHistory returns the most recent closed positions, newest first.
func (c *Client) PositionHistory(ctx context.Context) ([]models.SimPosition, error) {
	return c.positions(ctx, "/positions/history")
}

func (c *Client) positions(ctx context.Context, path string) ([]models.SimPosition, error) {
	var raw []positionWire
	if err := c.doRequest(ctx, http.MethodGet, path, nil, nil, &raw); err != nil {
		return nil, err
	}

	positions := make([]models.SimPosition, 0, len(raw))
	for _, p := range raw {
		pos, err := p.toModel()
		if err != nil {
			return nil, fmt.Errorf("position %d: %w", p.ID, err)
		}
		positions = append(positions, pos)
	}
	return positions, nil
}

func (c *Client) PlaceSpotOrder(ctx context.Context, req models.SpotOrderRequest, clientOrderID string) (*models.OrderConfirmation, error) {
	return c.placeOrder(ctx, "/order/spot", req, models.TradeTypeSpot, clientOrderID)
}

func (c *Client) PlaceFuturesOrder(ctx context.Context, req models.FuturesOrderRequest, clientOrderID string) (*models.OrderConfirmation, error) {
	return c.placeOrder(ctx, "/order/futures", req, models.TradeTypeFutures, clientOrderID)
}

func (c *Client) placeOrder(ctx context.Context, path string, body any, tradeType models.TradeType, clientOrderID string) (*models.OrderConfirmation, error) {
	var headers map[string]string
	if clientOrderID != "" {
		headers = map[string]string{IdempotencyHeader: clientOrderID}
	}

	var conf models.OrderConfirmation
	if err := c.doRequest(ctx, http.MethodPost, path, body, headers, &conf); err != nil {
		return nil, err
	}
	conf.ClientOrderID = clientOrderID
	conf.TradeType = tradeType
	conf.ReceivedAt = time.Now()

	c.logger.WithFields(logrus.Fields{
		"client_order_id": clientOrderID,
		"trade_type":      tradeType,
		"symbol":          conf.Symbol,
		"side":            conf.Side,
		"quantity":        conf.Quantity,
	}).Info("Order accepted by backend")

	return &conf, nil
}

func (c *Client) ClosePosition(ctx context.Context, positionID int64) (*models.CloseConfirmation, error) {
	var conf models.CloseConfirmation
	req := models.ClosePositionRequest{PositionID: positionID}
	if err := c.doRequest(ctx, http.MethodPost, "/position/close", req, nil, &conf); err != nil {
		return nil, err
	}
	return &conf, nil
}

// positionWire is the backend position schema. created_at is an ISO-8601
// timestamp that may omit the zone; such values are UTC.
type positionWire struct {
	ID               int64    `json:"id"`
	Symbol           string   `json:"symbol"`
	BaseAsset        string   `json:"base_asset"`
	TradeType        string   `json:"trade_type"`
	Side             string   `json:"side"`
	Quantity         float64  `json:"quantity"`
	EntryPrice       float64  `json:"entry_price"`
	Leverage         int      `json:"leverage"`
	MarginUsed       float64  `json:"margin_used"`
	LiquidationPrice *float64 `json:"liquidation_price"`
	TakeProfit       *float64 `json:"take_profit"`
	StopLoss         *float64 `json:"stop_loss"`
	Status           string   `json:"status"`
	JournalTradeID   *int64   `json:"journal_trade_id"`
	CreatedAt        string   `json:"created_at"`
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

func (p positionWire) toModel() (models.SimPosition, error) {
	side := models.PositionSide(strings.ToUpper(p.Side))
	if side != models.PositionSideLong && side != models.PositionSideShort {
		return models.SimPosition{}, fmt.Errorf("unknown side %q", p.Side)
	}

	var created time.Time
	if p.CreatedAt != "" {
		t, err := parseTimestamp(p.CreatedAt)
		if err != nil {
			return models.SimPosition{}, err
		}
		created = t
	}

	return models.SimPosition{
		ID:               p.ID,
		Symbol:           p.Symbol,
		BaseAsset:        p.BaseAsset,
		TradeType:        p.TradeType,
		Side:             side,
		Quantity:         p.Quantity,
		EntryPrice:       p.EntryPrice,
		Leverage:         p.Leverage,
		MarginUsed:       p.MarginUsed,
		LiquidationPrice: p.LiquidationPrice,
		TakeProfit:       p.TakeProfit,
		StopLoss:         p.StopLoss,
		Status:           models.PositionStatus(strings.ToUpper(p.Status)),
		JournalTradeID:   p.JournalTradeID,
		CreatedAt:        created,
	}, nil
}
