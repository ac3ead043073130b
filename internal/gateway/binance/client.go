// Package binance implements the gateway contract against Binance
// USDT-margined futures: signed REST for commands and snapshots, one
// websocket carrying both the book ticker and the user data stream.
package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"hedge-grid/internal/config"
	"hedge-grid/internal/core"
	"hedge-grid/internal/gateway"
	"hedge-grid/internal/metrics"
)

var _ gateway.Gateway = (*Client)(nil)

type AuthType int

const (
	AuthNone AuthType = iota
	AuthAPIKey
	AuthSigned
)

type Client struct {
	apiKey     string
	apiSecret  string
	baseURL    string
	wsBaseURL  string
	symbol     string
	recvWindow time.Duration
	keepalive  time.Duration
	queueSize  int
	httpClient *http.Client
	met        *metrics.Metrics
	log        *zap.Logger

	mu         sync.Mutex
	rulesCache *core.Rules
}

type Options struct {
	APIKey     string
	APISecret  string
	BaseURL    string
	WSBaseURL  string
	Symbol     string
	RecvWindow time.Duration
	Timeout    time.Duration
	Keepalive  time.Duration

	// QueueSize bounds the event channel handed to the consumer; ticks are
	// dropped once it fills.
	QueueSize int

	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

func NewClient(cfg config.ExchangeConfig, eng config.EngineConfig, symbol string, met *metrics.Metrics, log *zap.Logger) *Client {
	return NewClientWithOptions(Options{
		APIKey:     cfg.APIKey,
		APISecret:  cfg.APISecret,
		BaseURL:    cfg.RestBaseURL,
		WSBaseURL:  cfg.WSBaseURL,
		Symbol:     symbol,
		RecvWindow: time.Duration(cfg.RecvWindowMs) * time.Millisecond,
		Timeout:    time.Duration(cfg.HTTPTimeoutSec) * time.Second,
		Keepalive:  time.Duration(cfg.ListenKeyKeepaliveSec) * time.Second,
		QueueSize:  eng.QueueSize,
		Metrics:    met,
		Logger:     log,
	})
}

func NewClientWithOptions(opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	keepalive := opts.Keepalive
	if keepalive <= 0 {
		keepalive = 30 * time.Minute
	}
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		apiKey:     opts.APIKey,
		apiSecret:  opts.APISecret,
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		wsBaseURL:  strings.TrimRight(opts.WSBaseURL, "/"),
		symbol:     opts.Symbol,
		recvWindow: opts.RecvWindow,
		keepalive:  keepalive,
		queueSize:  queueSize,
		httpClient: &http.Client{Timeout: timeout},
		met:        opts.Metrics,
		log:        log,
	}
}

func (c *Client) Name() string { return "binance-futures" }

// EnsureHedgeMode checks dual-side position mode and switches it on when the
// account is still in one-way mode. Switching fails while any position or
// open order exists, which is exactly the situation the operator must
// resolve by hand, so that failure is surfaced as fatal.
func (c *Client) EnsureHedgeMode(ctx context.Context) error {
	body, err := c.doRequest(ctx, http.MethodGet, "/fapi/v1/positionSide/dual", url.Values{}, AuthSigned)
	if err != nil {
		return fmt.Errorf("%w: query position mode: %v", core.ErrHedgeModeRequired, err)
	}
	var mode positionModeResponse
	if err := json.Unmarshal(body, &mode); err != nil {
		return fmt.Errorf("%w: decode position mode: %v", core.ErrHedgeModeRequired, err)
	}
	if mode.DualSidePosition {
		return nil
	}
	params := url.Values{}
	params.Set("dualSidePosition", "true")
	if _, err := c.doRequest(ctx, http.MethodPost, "/fapi/v1/positionSide/dual", params, AuthSigned); err != nil {
		if IsAPIErrorCode(err, apiCodePositionSideNoop) {
			return nil
		}
		return fmt.Errorf("%w: enable dual-side mode: %v", core.ErrHedgeModeRequired, err)
	}
	return nil
}

func (c *Client) SetLeverage(ctx context.Context, leverage int) error {
	params := url.Values{}
	params.Set("symbol", c.symbol)
	params.Set("leverage", strconv.Itoa(leverage))
	_, err := c.doRequest(ctx, http.MethodPost, "/fapi/v1/leverage", params, AuthSigned)
	return err
}

func (c *Client) Rules(ctx context.Context) (core.Rules, error) {
	c.mu.Lock()
	if c.rulesCache != nil {
		rules := *c.rulesCache
		c.mu.Unlock()
		return rules, nil
	}
	c.mu.Unlock()

	params := url.Values{}
	params.Set("symbol", c.symbol)
	body, err := c.doRequest(ctx, http.MethodGet, "/fapi/v1/exchangeInfo", params, AuthNone)
	if err != nil {
		return core.Rules{}, err
	}
	var resp exchangeInfoResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return core.Rules{}, err
	}
	for _, sym := range resp.Symbols {
		if sym.Symbol != c.symbol {
			continue
		}
		rules := parseRules(sym)
		c.mu.Lock()
		c.rulesCache = &rules
		c.mu.Unlock()
		return rules, nil
	}
	return core.Rules{}, fmt.Errorf("symbol %s not in exchange info", c.symbol)
}

func parseRules(src symbolInfoResponse) core.Rules {
	var rules core.Rules
	for _, f := range src.Filters {
		switch f.FilterType {
		case "PRICE_FILTER":
			if v, err := decimal.NewFromString(f.TickSize); err == nil {
				rules.PriceTick = v
			}
		case "LOT_SIZE":
			if v, err := decimal.NewFromString(f.StepSize); err == nil {
				rules.QtyStep = v
			}
			if v, err := decimal.NewFromString(f.MinQty); err == nil {
				rules.MinQty = v
			}
		}
	}
	return rules
}

func (c *Client) FetchPositions(ctx context.Context) (core.Positions, error) {
	params := url.Values{}
	params.Set("symbol", c.symbol)
	body, err := c.doRequest(ctx, http.MethodGet, "/fapi/v2/positionRisk", params, AuthSigned)
	if err != nil {
		return core.Positions{}, err
	}
	var resp []positionRiskResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return core.Positions{}, err
	}
	var pos core.Positions
	for _, p := range resp {
		if p.Symbol != c.symbol {
			continue
		}
		amt, err := decimal.NewFromString(p.PositionAmt)
		if err != nil {
			continue
		}
		switch p.PositionSide {
		case string(core.Long):
			pos.Long = amt.Abs()
		case string(core.Short):
			pos.Short = amt.Abs()
		}
	}
	return pos, nil
}

func (c *Client) FetchOpenOrders(ctx context.Context) ([]core.Order, error) {
	params := url.Values{}
	params.Set("symbol", c.symbol)
	body, err := c.doRequest(ctx, http.MethodGet, "/fapi/v1/openOrders", params, AuthSigned)
	if err != nil {
		return nil, err
	}
	var resp []openOrderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	orders := make([]core.Order, 0, len(resp))
	for _, ord := range resp {
		side := core.Side(ord.PositionSide)
		if side != core.Long && side != core.Short {
			continue
		}
		price, _ := decimal.NewFromString(ord.Price)
		origQty, _ := decimal.NewFromString(ord.OrigQty)
		executedQty, _ := decimal.NewFromString(ord.ExecutedQty)
		remaining := origQty.Sub(executedQty)
		if remaining.Cmp(decimal.Zero) < 0 {
			remaining = decimal.Zero
		}
		o := core.Order{
			ID:           strconv.FormatInt(ord.OrderID, 10),
			Symbol:       ord.Symbol,
			Side:         side,
			ReduceOnly:   ord.ReduceOnly,
			Type:         core.OrderType(ord.Type),
			Price:        price,
			RemainingQty: remaining,
		}
		if ord.Time > 0 {
			o.CreatedAt = time.UnixMilli(ord.Time)
		}
		orders = append(orders, o)
	}
	return orders, nil
}

// execSide resolves the BUY/SELL direction implied by the position side and
// the grid role. Under dual-side mode the reduceOnly flag is not a request
// parameter; direction against positionSide encodes it.
func execSide(side core.Side, reduceOnly bool) string {
	buy := side == core.Long
	if reduceOnly {
		buy = !buy
	}
	if buy {
		return "BUY"
	}
	return "SELL"
}

func (c *Client) PlaceOrder(ctx context.Context, req core.OrderRequest) (core.Order, error) {
	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", execSide(req.Side, req.ReduceOnly))
	params.Set("positionSide", string(req.Side))
	params.Set("type", string(req.Type))
	params.Set("quantity", req.Qty.String())
	if req.Type == core.Limit {
		params.Set("timeInForce", "GTC")
		params.Set("price", req.Price.String())
	}
	body, err := c.doRequest(ctx, http.MethodPost, "/fapi/v1/order", params, AuthSigned)
	if err != nil {
		return core.Order{}, err
	}
	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return core.Order{}, err
	}
	price, _ := decimal.NewFromString(resp.Price)
	origQty, _ := decimal.NewFromString(resp.OrigQty)
	executedQty, _ := decimal.NewFromString(resp.ExecutedQty)
	o := core.Order{
		ID:           strconv.FormatInt(resp.OrderID, 10),
		Symbol:       resp.Symbol,
		Side:         req.Side,
		ReduceOnly:   req.ReduceOnly,
		Type:         req.Type,
		Price:        price,
		RemainingQty: origQty.Sub(executedQty),
	}
	if resp.UpdateTime > 0 {
		o.CreatedAt = time.UnixMilli(resp.UpdateTime)
	}
	return o, nil
}

func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	params := url.Values{}
	params.Set("symbol", c.symbol)
	params.Set("orderId", orderID)
	_, err := c.doRequest(ctx, http.MethodDelete, "/fapi/v1/order", params, AuthSigned)
	return err
}

func (c *Client) createListenKey(ctx context.Context) (string, error) {
	body, err := c.doRequest(ctx, http.MethodPost, "/fapi/v1/listenKey", url.Values{}, AuthAPIKey)
	if err != nil {
		return "", err
	}
	var resp listenKeyResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", err
	}
	if resp.ListenKey == "" {
		return "", errors.New("empty listen key")
	}
	return resp.ListenKey, nil
}

func (c *Client) keepaliveListenKey(ctx context.Context) error {
	_, err := c.doRequest(ctx, http.MethodPut, "/fapi/v1/listenKey", url.Values{}, AuthAPIKey)
	return err
}

func (c *Client) doRequest(ctx context.Context, method, path string, params url.Values, auth AuthType) ([]byte, error) {
	if auth == AuthSigned {
		params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
		if c.recvWindow > 0 {
			params.Set("recvWindow", strconv.FormatInt(c.recvWindow.Milliseconds(), 10))
		}
		params.Set("signature", sign(c.apiSecret, params.Encode()))
	}
	var (
		req *http.Request
		err error
	)
	urlStr := c.baseURL + path
	if method == http.MethodGet || method == http.MethodDelete {
		if encoded := params.Encode(); encoded != "" {
			urlStr += "?" + encoded
		}
		req, err = http.NewRequestWithContext(ctx, method, urlStr, nil)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, urlStr, strings.NewReader(params.Encode()))
	}
	if err != nil {
		return nil, err
	}
	if method != http.MethodGet && method != http.MethodDelete {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if auth == AuthAPIKey || auth == AuthSigned {
		req.Header.Set("X-MBX-APIKEY", c.apiKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", core.ErrTransport, method, path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", core.ErrTransport, err)
	}
	if resp.StatusCode/100 != 2 {
		return nil, parseHTTPError(resp.StatusCode, body)
	}
	return body, nil
}

func parseHTTPError(status int, body []byte) error {
	if status >= 500 || status == http.StatusRequestTimeout || status == http.StatusTooManyRequests {
		return fmt.Errorf("%w: http %d: %s", core.ErrTransport, status, strings.TrimSpace(string(body)))
	}
	var apiErr apiError
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Msg != "" {
		return wrapAPIError(apiErr.Code, apiErr.Msg)
	}
	return fmt.Errorf("%w: http %d: %s", core.ErrExchangeRejected, status, strings.TrimSpace(string(body)))
}

func sign(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}
