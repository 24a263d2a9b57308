package spot

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
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"grid-core/pkg/exchanges/common"
)

// codeOrderNotFound is returned when querying an order the venue does not know.
const codeOrderNotFound = -2013

// Config holds Binance credentials.
type Config struct {
	APIKey     string
	APISecret  string
	Testnet    bool
	RecvWindow int64 // ms

	// Overrides, mostly for tests.
	BaseURL   string
	StreamURL string
}

// Client is a Binance spot trading client implementing common.Gateway.
type Client struct {
	cfg        Config
	baseURL    string
	streamURL  string
	httpClient *http.Client
	timeSync   *common.TimeSync
	limiter    *common.RateLimiter
	log        *zap.Logger
}

var _ common.Gateway = (*Client)(nil)

func New(cfg Config, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	base := "https://api.binance.com"
	stream := "wss://stream.binance.com:9443/ws"
	if cfg.Testnet {
		base = "https://testnet.binance.vision"
		stream = "wss://testnet.binance.vision/ws"
	}
	if cfg.BaseURL != "" {
		base = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.StreamURL != "" {
		stream = strings.TrimRight(cfg.StreamURL, "/")
	}
	if cfg.RecvWindow == 0 {
		cfg.RecvWindow = 5000
	}
	c := &Client{
		cfg:        cfg,
		baseURL:    base,
		streamURL:  stream,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		log:        log.Named("binance"),
	}
	c.timeSync = common.NewTimeSync(c.GetServerTime, c.log)
	// 1200 weight/min for spot; 10 req/s keeps well inside it.
	c.limiter = common.NewRateLimiter(10, 5, 1200, time.Minute, c.log)
	return c
}

func (c *Client) Name() string { return "binance-spot" }

func (c *Client) Capabilities() common.Capabilities {
	return common.Capabilities{Streaming: true, OrderQuery: true, BalanceQuery: true}
}

// StartTimeSync keeps request timestamps aligned with the venue clock.
func (c *Client) StartTimeSync(ctx context.Context) {
	c.timeSync.Start(ctx)
}

// Symbol converts "BTC/USDT" into Binance's "BTCUSDT".
func Symbol(pair string) string {
	return strings.ToUpper(strings.NewReplacer("/", "", "-", "", "_", "").Replace(pair))
}

func (c *Client) PlaceOrder(ctx context.Context, req common.OrderRequest) (common.OrderRecord, error) {
	if err := c.requireKeys(); err != nil {
		return common.OrderRecord{}, err
	}
	params := url.Values{}
	params.Set("symbol", Symbol(req.Pair))
	params.Set("side", string(req.Side))
	params.Set("type", string(req.Type))
	params.Set("quantity", req.Amount.String())
	params.Set("newOrderRespType", "FULL")
	if req.Type == common.OrderTypeLimit {
		params.Set("price", req.Price.String())
		params.Set("timeInForce", "GTC")
	}
	if req.ClientID != "" {
		params.Set("newClientOrderId", req.ClientID)
	}

	body, err := c.doSigned(ctx, "place order", http.MethodPost, "/api/v3/order", params)
	if err != nil {
		return common.OrderRecord{}, err
	}
	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return common.OrderRecord{}, fmt.Errorf("decode order response: %w", err)
	}
	rec := resp.record(req.Pair)
	if rec.Fee.IsZero() {
		rec.Fee = resp.commission()
	}
	return rec, nil
}

func (c *Client) CancelOrder(ctx context.Context, pair, id string) (common.OrderStatus, error) {
	if err := c.requireKeys(); err != nil {
		return common.StatusUnknown, err
	}
	params := url.Values{}
	params.Set("symbol", Symbol(pair))
	params.Set("origClientOrderId", id)

	body, err := c.doSigned(ctx, "cancel order", http.MethodDelete, "/api/v3/order", params)
	if err != nil {
		return common.StatusUnknown, err
	}
	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return common.StatusUnknown, fmt.Errorf("decode cancel response: %w", err)
	}
	return common.ParseStatus(resp.Status), nil
}

func (c *Client) FetchOrder(ctx context.Context, pair, id string) (common.OrderRecord, bool, error) {
	if err := c.requireKeys(); err != nil {
		return common.OrderRecord{}, false, err
	}
	params := url.Values{}
	params.Set("symbol", Symbol(pair))
	params.Set("origClientOrderId", id)

	body, err := c.doSigned(ctx, "fetch order", http.MethodGet, "/api/v3/order", params)
	if err != nil {
		var ee *common.ExchangeError
		if errors.As(err, &ee) && ee.Code == codeOrderNotFound {
			return common.OrderRecord{}, false, nil
		}
		return common.OrderRecord{}, false, err
	}
	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return common.OrderRecord{}, false, fmt.Errorf("decode order: %w", err)
	}
	return resp.record(pair), true, nil
}

// GetBalance returns free and total (free+locked) per asset.
func (c *Client) GetBalance(ctx context.Context) (common.Balances, error) {
	if err := c.requireKeys(); err != nil {
		return nil, err
	}
	body, err := c.doSigned(ctx, "get balance", http.MethodGet, "/api/v3/account", url.Values{})
	if err != nil {
		return nil, err
	}
	var info struct {
		Balances []struct {
			Asset  string          `json:"asset"`
			Free   decimal.Decimal `json:"free"`
			Locked decimal.Decimal `json:"locked"`
		} `json:"balances"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("decode account info: %w", err)
	}
	out := make(common.Balances, len(info.Balances))
	for _, b := range info.Balances {
		out[b.Asset] = common.Balance{Free: b.Free, Total: b.Free.Add(b.Locked)}
	}
	return out, nil
}

func (c *Client) FetchTicker(ctx context.Context, pair string) (common.Ticker, error) {
	params := url.Values{}
	params.Set("symbol", Symbol(pair))
	body, err := c.doPublic(ctx, "fetch ticker", "/api/v3/ticker/24hr", params)
	if err != nil {
		return common.Ticker{}, err
	}
	var resp struct {
		LastPrice          decimal.Decimal `json:"lastPrice"`
		QuoteVolume        decimal.Decimal `json:"quoteVolume"`
		PriceChangePercent decimal.Decimal `json:"priceChangePercent"`
		CloseTime          int64           `json:"closeTime"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return common.Ticker{}, fmt.Errorf("decode ticker: %w", err)
	}
	return common.Ticker{
		Pair:        pair,
		Last:        resp.LastPrice,
		QuoteVolume: resp.QuoteVolume,
		Percentage:  resp.PriceChangePercent,
		Time:        time.UnixMilli(resp.CloseTime),
	}, nil
}

// GetServerTime fetches server time (ms).
func (c *Client) GetServerTime(ctx context.Context) (int64, error) {
	body, err := c.doPublic(ctx, "server time", "/api/v3/time", nil)
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

func (c *Client) requireKeys() error {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return &common.ExchangeError{Op: "auth", Msg: "binance: API key/secret required"}
	}
	return nil
}

// doSigned signs the query and performs the HTTP request.
func (c *Client) doSigned(ctx context.Context, op, method, path string, params url.Values) ([]byte, error) {
	params.Set("timestamp", strconv.FormatInt(c.timeSync.Now(), 10))
	params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))
	params.Set("signature", sign(params.Encode(), c.cfg.APISecret))
	encoded := params.Encode()

	var (
		req *http.Request
		err error
	)
	switch method {
	case http.MethodGet, http.MethodDelete:
		req, err = http.NewRequestWithContext(ctx, method, c.baseURL+path+"?"+encoded, nil)
	default:
		req, err = http.NewRequestWithContext(ctx, method, c.baseURL+path, strings.NewReader(encoded))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)
	return c.do(ctx, op, req)
}

func (c *Client) doPublic(ctx context.Context, op, path string, params url.Values) ([]byte, error) {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	return c.do(ctx, op, req)
}

// do sends req and classifies failures: transport problems, throttling and
// 5xx answers are NetworkErrors, other non-2xx answers are ExchangeErrors.
func (c *Client) do(ctx context.Context, op string, req *http.Request) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &common.NetworkError{Op: op, Err: err}
	}
	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &common.NetworkError{Op: op, Err: err}
	}
	defer res.Body.Close()

	c.limiter.UpdateFromHeader(res.Header.Get("X-MBX-USED-WEIGHT-1M"))

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, &common.NetworkError{Op: op, Err: err}
	}
	switch {
	case res.StatusCode < 300:
		return body, nil
	case res.StatusCode == http.StatusTooManyRequests || res.StatusCode == http.StatusTeapot || res.StatusCode >= 500:
		return nil, &common.NetworkError{Op: op, Err: fmt.Errorf("status %d: %s", res.StatusCode, string(body))}
	}
	var apiErr struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if json.Unmarshal(body, &apiErr) != nil || apiErr.Msg == "" {
		apiErr.Msg = fmt.Sprintf("status %d: %s", res.StatusCode, string(body))
	}
	return nil, &common.ExchangeError{Op: op, Code: apiErr.Code, Msg: apiErr.Msg}
}

type orderResponse struct {
	Symbol              string          `json:"symbol"`
	OrderID             int64           `json:"orderId"`
	ClientOrderID       string          `json:"clientOrderId"`
	OrigClientOrderID   string          `json:"origClientOrderId"`
	Price               decimal.Decimal `json:"price"`
	OrigQty             decimal.Decimal `json:"origQty"`
	ExecutedQty         decimal.Decimal `json:"executedQty"`
	CummulativeQuoteQty decimal.Decimal `json:"cummulativeQuoteQty"`
	Status              string          `json:"status"`
	Type                string          `json:"type"`
	Side                string          `json:"side"`
	TransactTime        int64           `json:"transactTime"`
	Time                int64           `json:"time"`
	Fills               []struct {
		Price      decimal.Decimal `json:"price"`
		Qty        decimal.Decimal `json:"qty"`
		Commission decimal.Decimal `json:"commission"`
	} `json:"fills"`
}

func (r orderResponse) record(pair string) common.OrderRecord {
	id := r.ClientOrderID
	if r.OrigClientOrderID != "" {
		id = r.OrigClientOrderID
	}
	ts := r.TransactTime
	if ts == 0 {
		ts = r.Time
	}
	avg := decimal.Zero
	if r.ExecutedQty.IsPositive() {
		avg = r.CummulativeQuoteQty.Div(r.ExecutedQty)
	}
	return common.OrderRecord{
		ID:        id,
		VenueID:   strconv.FormatInt(r.OrderID, 10),
		Pair:      pair,
		Side:      common.Side(strings.ToUpper(r.Side)),
		Type:      common.OrderType(strings.ToUpper(r.Type)),
		Status:    common.ParseStatus(r.Status),
		Price:     r.Price,
		Amount:    r.OrigQty,
		Filled:    r.ExecutedQty,
		AvgPrice:  avg,
		Timestamp: time.UnixMilli(ts),
	}
}

func (r orderResponse) commission() decimal.Decimal {
	total := decimal.Zero
	for _, f := range r.Fills {
		total = total.Add(f.Commission)
	}
	return total
}

func sign(data, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}
