package spot

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"grid-core/pkg/exchanges/common"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(Config{APIKey: "key", APISecret: "secret", BaseURL: srv.URL}, nil)
}

func TestPlaceOrderParsesFullResponse(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v3/order" {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatalf("ParseForm: %v", err)
		}
		if got := r.PostForm.Get("symbol"); got != "BTCUSDT" {
			t.Fatalf("symbol=%q, expected BTCUSDT", got)
		}
		if got := r.PostForm.Get("newClientOrderId"); got != "cid-1" {
			t.Fatalf("client id=%q, expected cid-1", got)
		}
		if r.PostForm.Get("signature") == "" {
			t.Fatalf("request not signed")
		}
		_, _ = w.Write([]byte(`{"symbol":"BTCUSDT","orderId":42,"clientOrderId":"cid-1","price":"0","origQty":"2",
			"executedQty":"2","cummulativeQuoteQty":"201","status":"FILLED","type":"MARKET","side":"BUY",
			"transactTime":1700000000000,"fills":[{"price":"100","qty":"1","commission":"0.1"},{"price":"101","qty":"1","commission":"0.101"}]}`))
	})

	rec, err := c.PlaceOrder(context.Background(), common.OrderRequest{
		Pair: "BTC/USDT", Side: common.SideBuy, Type: common.OrderTypeMarket,
		Amount: decimal.NewFromInt(2), ClientID: "cid-1",
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if rec.Status != common.StatusClosed {
		t.Fatalf("status=%s, expected CLOSED", rec.Status)
	}
	if !rec.AvgPrice.Equal(decimal.RequireFromString("100.5")) {
		t.Fatalf("avg=%s, expected 100.5", rec.AvgPrice)
	}
	if !rec.Fee.Equal(decimal.RequireFromString("0.201")) {
		t.Fatalf("fee=%s, expected 0.201", rec.Fee)
	}
	if rec.ID != "cid-1" || rec.VenueID != "42" {
		t.Fatalf("ids=%s/%s", rec.ID, rec.VenueID)
	}
}

func TestFetchOrderNotFoundIsNotAnError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":-2013,"msg":"Order does not exist."}`))
	})
	_, ok, err := c.FetchOrder(context.Background(), "BTC/USDT", "missing")
	if err != nil {
		t.Fatalf("FetchOrder returned error: %v", err)
	}
	if ok {
		t.Fatalf("expected ok=false for unknown order")
	}
}

func TestErrorsAreClassified(t *testing.T) {
	status := http.StatusServiceUnavailable
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"code":-2010,"msg":"Account has insufficient balance"}`))
	})

	_, err := c.PlaceOrder(context.Background(), common.OrderRequest{Pair: "BTC/USDT", Side: common.SideBuy, Type: common.OrderTypeMarket, Amount: decimal.NewFromInt(1)})
	if !common.IsRetryable(err) {
		t.Fatalf("503 should be a NetworkError, got %v", err)
	}

	status = http.StatusBadRequest
	_, err = c.PlaceOrder(context.Background(), common.OrderRequest{Pair: "BTC/USDT", Side: common.SideBuy, Type: common.OrderTypeMarket, Amount: decimal.NewFromInt(1)})
	if !common.IsRejected(err) {
		t.Fatalf("400 should be an ExchangeError, got %v", err)
	}
	if !strings.Contains(err.Error(), "insufficient balance") {
		t.Fatalf("error should carry venue message: %v", err)
	}
}

func TestGetBalance(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"balances":[{"asset":"BTC","free":"0.5","locked":"0.25"},{"asset":"USDT","free":"1000","locked":"0"}]}`))
	})
	bal, err := c.GetBalance(context.Background())
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if !bal.Total("BTC").Equal(decimal.RequireFromString("0.75")) {
		t.Fatalf("BTC total=%s, expected 0.75", bal.Total("BTC"))
	}
	if !bal.Free("USDT").Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("USDT free=%s, expected 1000", bal.Free("USDT"))
	}
	if !bal.Free("ETH").IsZero() {
		t.Fatalf("missing asset should be zero")
	}
}

func TestKlines(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("interval") != "1h" {
			t.Fatalf("interval not forwarded")
		}
		_, _ = w.Write([]byte(`[[1700000000000,"100","110","95","105","12.5",1700003599999,"0",1,"0","0","0"]]`))
	})
	ks, err := c.Klines(context.Background(), "BTC/USDT", "1h", 1, time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("Klines: %v", err)
	}
	if len(ks) != 1 || !ks[0].High.Equal(decimal.NewFromInt(110)) || !ks[0].Low.Equal(decimal.NewFromInt(95)) {
		t.Fatalf("unexpected klines %+v", ks)
	}
}

func TestStreamTicker(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/btcusdt@ticker") {
			t.Errorf("unexpected stream path %s", r.URL.Path)
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		msg, _ := json.Marshal(map[string]any{"e": "24hrTicker", "E": 1700000000000, "s": "BTCUSDT", "c": "101.5", "P": "1.2", "q": "5000"})
		_ = conn.WriteMessage(websocket.TextMessage, msg)
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}))
	defer srv.Close()

	c := New(Config{StreamURL: "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch, err := c.StreamTicker(ctx, "BTC/USDT")
	if err != nil {
		t.Fatalf("StreamTicker: %v", err)
	}
	tick, ok := <-ch
	if !ok {
		t.Fatalf("stream closed before first ticker")
	}
	if !tick.Last.Equal(decimal.RequireFromString("101.5")) {
		t.Fatalf("last=%s, expected 101.5", tick.Last)
	}
	for range ch {
	}
}
