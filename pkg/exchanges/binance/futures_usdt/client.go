package futures_usdt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"trading-agent/pkg/exchanges/common"
)

// Config holds Binance USDT-M futures credentials.
type Config struct {
	APIKey     string
	APISecret  string
	Testnet    bool
	RecvWindow int64  // ms
	BaseURL    string // overrides the venue host, used by tests
}

// Client implements common.Gateway against Binance USDT-M futures REST.
type Client struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client
	timeSync   *common.TimeSync
	weights    *common.WeightTracker
	log        zerolog.Logger
}

var _ common.Gateway = (*Client)(nil)

// NewClient creates a new USDT-M futures client.
func NewClient(cfg Config, log zerolog.Logger) *Client {
	base := "https://fapi.binance.com"
	if cfg.Testnet {
		base = "https://testnet.binancefuture.com"
	}
	if cfg.BaseURL != "" {
		base = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.RecvWindow == 0 {
		cfg.RecvWindow = 5000
	}
	log = log.With().Str("component", "binance_futures").Logger()
	c := &Client{
		cfg:        cfg,
		baseURL:    base,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		log:        log,
	}
	c.timeSync = common.NewTimeSync(c.ServerTime, log)
	c.weights = common.NewWeightTracker(2400, time.Minute, log) // 2400 weight/min for futures
	return c
}

// StartTimeSync keeps request timestamps aligned with the venue clock.
func (c *Client) StartTimeSync(ctx context.Context) {
	c.timeSync.Start(ctx)
}

// FetchBars returns up to limit closed klines, oldest first.
func (c *Client) FetchBars(ctx context.Context, symbol, interval string, limit int) ([]common.Bar, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	if limit > 0 {
		// one extra: the newest kline is usually still open
		params.Set("limit", strconv.Itoa(limit+1))
	}
	body, err := c.do(ctx, "fetch_bars", http.MethodGet, "/fapi/v1/klines", params, false)
	if err != nil {
		return nil, err
	}
	var raw [][]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode klines: %w", err)
	}

	now := time.Now().UnixMilli()
	bars := make([]common.Bar, 0, len(raw))
	for _, item := range raw {
		if len(item) < 7 {
			continue
		}
		if toInt64(item[6]) > now {
			continue
		}
		bars = append(bars, common.Bar{
			Symbol:   symbol,
			Interval: interval,
			OpenTime: time.UnixMilli(toInt64(item[0])).UTC(),
			Open:     toFloat(item[1]),
			High:     toFloat(item[2]),
			Low:      toFloat(item[3]),
			Close:    toFloat(item[4]),
			Volume:   toFloat(item[5]),
		})
	}
	if limit > 0 && len(bars) > limit {
		bars = bars[len(bars)-limit:]
	}
	return bars, nil
}

// FetchPositions returns non-flat positions.
func (c *Client) FetchPositions(ctx context.Context) ([]common.Position, error) {
	body, err := c.do(ctx, "fetch_positions", http.MethodGet, "/fapi/v2/positionRisk", url.Values{}, true)
	if err != nil {
		return nil, err
	}
	var risks []positionRisk
	if err := json.Unmarshal(body, &risks); err != nil {
		return nil, fmt.Errorf("decode positions: %w", err)
	}
	out := make([]common.Position, 0, len(risks))
	for _, r := range risks {
		amt := parseFloat(r.PositionAmt)
		if amt == 0 {
			continue
		}
		out = append(out, common.Position{
			Symbol:        r.Symbol,
			Size:          amt,
			EntryPrice:    parseFloat(r.EntryPrice),
			MarkPrice:     parseFloat(r.MarkPrice),
			UnrealizedPnL: parseFloat(r.UnRealizedProfit),
		})
	}
	return out, nil
}

// FetchBalance returns the USDT margin balance.
func (c *Client) FetchBalance(ctx context.Context) (common.Balance, error) {
	body, err := c.do(ctx, "fetch_balance", http.MethodGet, "/fapi/v2/balance", url.Values{}, true)
	if err != nil {
		return common.Balance{}, err
	}
	var bals []futuresBalance
	if err := json.Unmarshal(body, &bals); err != nil {
		return common.Balance{}, fmt.Errorf("decode balance: %w", err)
	}
	for _, b := range bals {
		if b.Asset != "USDT" {
			continue
		}
		return common.Balance{
			Asset:         b.Asset,
			Wallet:        parseFloat(b.Balance),
			Available:     parseFloat(b.AvailableBalance),
			UnrealizedPnL: parseFloat(b.CrossUnPnl),
		}, nil
	}
	return common.Balance{Asset: "USDT"}, nil
}

// CreateOrder places an order keyed by req.ClientID. A duplicate key resolves
// to the order already on the venue.
func (c *Client) CreateOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", strings.ToUpper(string(req.Side)))
	params.Set("type", strings.ToUpper(string(req.Type)))
	params.Set("quantity", formatFloat(req.Qty))
	if req.Type == common.OrderTypeLimit {
		params.Set("price", formatFloat(req.Price))
		params.Set("timeInForce", "GTC")
	}
	if req.ClientID != "" {
		params.Set("newClientOrderId", req.ClientID)
	}
	if req.ReduceOnly {
		params.Set("reduceOnly", "true")
	}
	params.Set("newOrderRespType", "RESULT")

	body, err := c.do(ctx, "create_order", http.MethodPost, "/fapi/v1/order", params, true)
	if errors.Is(err, common.ErrDuplicateOrder) && req.ClientID != "" {
		c.log.Info().Str("client_order_id", req.ClientID).Msg("duplicate client id, resolving existing order")
		return c.GetOrder(ctx, req.Symbol, req.ClientID)
	}
	if err != nil {
		return common.OrderResult{}, err
	}
	return decodeOrder(body)
}

// GetOrder queries an order by client id.
func (c *Client) GetOrder(ctx context.Context, symbol, clientID string) (common.OrderResult, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("origClientOrderId", clientID)
	body, err := c.do(ctx, "get_order", http.MethodGet, "/fapi/v1/order", params, true)
	if err != nil {
		return common.OrderResult{}, err
	}
	return decodeOrder(body)
}

// CancelOrder cancels an order by client id.
func (c *Client) CancelOrder(ctx context.Context, symbol, clientID string) (common.OrderResult, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("origClientOrderId", clientID)
	body, err := c.do(ctx, "cancel_order", http.MethodDelete, "/fapi/v1/order", params, true)
	if err != nil {
		return common.OrderResult{}, err
	}
	return decodeOrder(body)
}

// ServerTime fetches futures server time.
func (c *Client) ServerTime(ctx context.Context) (int64, error) {
	body, err := c.do(ctx, "server_time", http.MethodGet, "/fapi/v1/time", url.Values{}, false)
	if err != nil {
		return 0, err
	}
	var res struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return 0, err
	}
	return res.ServerTime, nil
}

// do sends a request, signing it when signed is set, and maps failures onto
// the common error taxonomy.
func (c *Client) do(ctx context.Context, op, method, path string, params url.Values, signed bool) ([]byte, error) {
	if wait := c.weights.Backoff(); wait > 0 {
		return nil, &common.RateLimitError{Op: op, RetryAfter: wait}
	}
	if signed {
		if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
			return nil, &common.RejectionError{Code: -2014, Msg: "API key/secret required"}
		}
		params.Set("timestamp", strconv.FormatInt(c.timeSync.Now(), 10))
		params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))
		params.Set("signature", sign(params.Encode(), c.cfg.APISecret))
	}

	var (
		req *http.Request
		err error
	)
	endpoint := c.baseURL + path
	encoded := params.Encode()
	switch method {
	case http.MethodGet, http.MethodDelete:
		if encoded != "" {
			endpoint += "?" + encoded
		}
		req, err = http.NewRequestWithContext(ctx, method, endpoint, nil)
	default:
		req, err = http.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(encoded))
		if req != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, err
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &common.NetworkError{Op: op, Err: err}
	}
	defer res.Body.Close()

	c.weights.UpdateFromHeader(res.Header.Get("X-MBX-USED-WEIGHT-1M"))

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, &common.NetworkError{Op: op, Err: err}
	}
	if res.StatusCode < 300 {
		return body, nil
	}
	return nil, classify(op, res, body)
}

func classify(op string, res *http.Response, body []byte) error {
	switch {
	case res.StatusCode == http.StatusTooManyRequests || res.StatusCode == http.StatusTeapot:
		var wait time.Duration
		if s, err := strconv.Atoi(res.Header.Get("Retry-After")); err == nil {
			wait = time.Duration(s) * time.Second
		}
		return &common.RateLimitError{Op: op, RetryAfter: wait}
	case res.StatusCode >= 500:
		return &common.NetworkError{Op: op, Err: fmt.Errorf("status %d: %s", res.StatusCode, string(body))}
	}

	var apiErr struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	_ = json.Unmarshal(body, &apiErr)
	switch apiErr.Code {
	case -2018, -2019:
		return fmt.Errorf("%s: %w: %s", op, common.ErrInsufficientBalance, apiErr.Msg)
	case -2011, -2013:
		return fmt.Errorf("%s: %w", op, common.ErrOrderNotFound)
	case -4116:
		return fmt.Errorf("%s: %w", op, common.ErrDuplicateOrder)
	case -1001, -1021:
		// disconnected / timestamp outside recvWindow: worth another try
		return &common.NetworkError{Op: op, Err: fmt.Errorf("code %d: %s", apiErr.Code, apiErr.Msg)}
	}
	if apiErr.Msg == "" {
		apiErr.Msg = string(body)
	}
	return &common.RejectionError{Code: apiErr.Code, Msg: apiErr.Msg}
}

func decodeOrder(body []byte) (common.OrderResult, error) {
	var resp orderResp
	if err := json.Unmarshal(body, &resp); err != nil {
		return common.OrderResult{}, fmt.Errorf("decode order: %w", err)
	}
	return common.OrderResult{
		ExchangeOrderID: strconv.FormatInt(resp.OrderID, 10),
		ClientID:        resp.ClientOrderID,
		Symbol:          resp.Symbol,
		Status:          mapStatus(resp.Status),
		Qty:             parseFloat(resp.OrigQty),
		FilledQty:       parseFloat(resp.ExecutedQty),
		AvgPrice:        parseFloat(resp.AvgPrice),
		UpdateTime:      time.UnixMilli(resp.UpdateTime).UTC(),
	}, nil
}
