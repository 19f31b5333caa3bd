package binance

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/gregtusar/papertrader/pkg/models"
)

const DefaultRESTURL = "https://api.binance.com"

// MarketDataClient is the public REST surface the terminal polls.
type MarketDataClient interface {
	GetOrderBook(ctx context.Context, symbol string, limit int) (*models.DepthSnapshot, error)
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error)
	GetTickerPrice(ctx context.Context, symbol string) (float64, error)
}

// APIError is a non-200 response from the market-data API.
type APIError struct {
	Status  int
	Code    int
	Message string
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("binance: http %d (code %d): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("binance: http %d: %s", e.Status, e.Message)
}

type RESTClient struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *logrus.Logger
}

type RESTOption func(*RESTClient)

func WithHTTPClient(hc *http.Client) RESTOption {
	return func(c *RESTClient) {
		c.httpClient = hc
	}
}

// WithRateLimit caps outgoing requests. Binance weights are per IP, so every
// poller in the process shares one limiter.
func WithRateLimit(perSecond float64, burst int) RESTOption {
	return func(c *RESTClient) {
		if perSecond <= 0 {
			c.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

func NewRESTClient(baseURL string, logger *logrus.Logger, opts ...RESTOption) *RESTClient {
	if baseURL == "" {
		baseURL = DefaultRESTURL
	}
	c := &RESTClient{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(10), 20),
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *RESTClient) doRequest(ctx context.Context, path string, params url.Values) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}
	}

	reqURL := c.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{Status: resp.StatusCode}
		var payload struct {
			Code int    `json:"code"`
			Msg  string `json:"msg"`
		}
		if err := json.Unmarshal(body, &payload); err == nil && payload.Msg != "" {
			apiErr.Code = payload.Code
			apiErr.Message = payload.Msg
		} else {
			apiErr.Message = strings.TrimSpace(string(body))
		}
		return nil, apiErr
	}

	return body, nil
}

type depthResponse struct {
	LastUpdateID int64      `json:"lastUpdateId"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

// GetOrderBook fetches a full top-N snapshot.
func (c *RESTClient) GetOrderBook(ctx context.Context, symbol string, limit int) (*models.DepthSnapshot, error) {
	params := url.Values{}
	params.Set("symbol", strings.ToUpper(symbol))
	params.Set("limit", strconv.Itoa(limit))

	body, err := c.doRequest(ctx, "/api/v3/depth", params)
	if err != nil {
		return nil, err
	}

	var raw depthResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode depth: %w", err)
	}

	bids, err := parseLevels(raw.Bids)
	if err != nil {
		return nil, fmt.Errorf("bad bid level: %w", err)
	}
	asks, err := parseLevels(raw.Asks)
	if err != nil {
		return nil, fmt.Errorf("bad ask level: %w", err)
	}

	return &models.DepthSnapshot{
		Symbol:       strings.ToUpper(symbol),
		LastUpdateID: raw.LastUpdateID,
		Bids:         bids,
		Asks:         asks,
		Timestamp:    time.Now(),
	}, nil
}

// GetKlines fetches the most recent limit candles, oldest first.
func (c *RESTClient) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error) {
	params := url.Values{}
	params.Set("symbol", strings.ToUpper(symbol))
	params.Set("interval", interval)
	params.Set("limit", strconv.Itoa(limit))

	body, err := c.doRequest(ctx, "/api/v3/klines", params)
	if err != nil {
		return nil, err
	}

	var rows [][]any
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("failed to decode klines: %w", err)
	}

	candles := make([]models.Candle, 0, len(rows))
	for i, row := range rows {
		candle, err := parseKlineRow(row)
		if err != nil {
			c.logger.WithError(err).WithFields(logrus.Fields{
				"symbol": symbol,
				"row":    i,
			}).Warn("Dropping malformed kline row")
			continue
		}
		candle.Symbol = strings.ToUpper(symbol)
		candle.Interval = interval
		candles = append(candles, candle)
	}

	return candles, nil
}

func (c *RESTClient) GetTickerPrice(ctx context.Context, symbol string) (float64, error) {
	params := url.Values{}
	params.Set("symbol", strings.ToUpper(symbol))

	body, err := c.doRequest(ctx, "/api/v3/ticker/price", params)
	if err != nil {
		return 0, err
	}

	var raw struct {
		Symbol string `json:"symbol"`
		Price  string `json:"price"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return 0, fmt.Errorf("failed to decode ticker price: %w", err)
	}

	price, err := strconv.ParseFloat(raw.Price, 64)
	if err != nil || price <= 0 {
		return 0, fmt.Errorf("invalid ticker price %q for %s", raw.Price, symbol)
	}
	return price, nil
}

// parseKlineRow decodes one [openTime, open, high, low, close, volume, ...] row.
func parseKlineRow(row []any) (models.Candle, error) {
	if len(row) < 6 {
		return models.Candle{}, fmt.Errorf("kline row has %d fields", len(row))
	}

	openMs, ok := row[0].(float64)
	if !ok {
		return models.Candle{}, fmt.Errorf("kline open time is %T", row[0])
	}

	var vals [5]float64
	for i := range vals {
		s, ok := row[i+1].(string)
		if !ok {
			return models.Candle{}, fmt.Errorf("kline field %d is %T", i+1, row[i+1])
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return models.Candle{}, fmt.Errorf("kline field %d: %w", i+1, err)
		}
		vals[i] = v
	}

	candle := models.Candle{
		OpenTime: time.UnixMilli(int64(openMs)).UTC(),
		Open:     vals[0],
		High:     vals[1],
		Low:      vals[2],
		Close:    vals[3],
		Volume:   vals[4],
		Closed:   true,
	}
	if len(row) > 6 {
		if closeMs, ok := row[6].(float64); ok {
			candle.Closed = time.UnixMilli(int64(closeMs)).Before(time.Now())
		}
	}
	return candle, nil
}

func parseLevels(raw [][]string) ([]models.PriceLevel, error) {
	levels := make([]models.PriceLevel, 0, len(raw))
	for _, lvl := range raw {
		if len(lvl) < 2 {
			return nil, fmt.Errorf("level has %d fields", len(lvl))
		}
		price, err := strconv.ParseFloat(lvl[0], 64)
		if err != nil {
			return nil, fmt.Errorf("price %q: %w", lvl[0], err)
		}
		amount, err := strconv.ParseFloat(lvl[1], 64)
		if err != nil {
			return nil, fmt.Errorf("amount %q: %w", lvl[1], err)
		}
		levels = append(levels, models.PriceLevel{Price: price, Amount: amount})
	}
	return levels, nil
}
