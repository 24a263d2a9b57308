package spot

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"grid-core/pkg/exchanges/common"
)

// StreamTicker subscribes to the 24hr ticker stream of pair. The returned
// channel is closed when ctx is cancelled or the connection drops;
// reconnecting is the caller's job.
func (c *Client) StreamTicker(ctx context.Context, pair string) (<-chan common.Ticker, error) {
	// Binance requires lowercase symbols for websocket streams.
	u := fmt.Sprintf("%s/%s@ticker", c.streamURL, strings.ToLower(Symbol(pair)))

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, &common.NetworkError{Op: "stream ticker", Err: err}
	}

	out := make(chan common.Ticker, 64)
	var once sync.Once
	stop := func() {
		once.Do(func() {
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			_ = conn.Close()
		})
	}

	// Unblock ReadMessage when the caller goes away.
	go func() {
		<-ctx.Done()
		stop()
	}()

	go func() {
		defer close(out)
		defer stop()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					c.log.Warn("ticker stream read error", zap.String("pair", pair), zap.Error(err))
				}
				return
			}
			t, err := parseTickerMessage(pair, msg)
			if err != nil {
				c.log.Debug("ticker stream parse error", zap.Error(err))
				continue
			}
			select {
			case out <- t:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

type tickerMessage struct {
	Event       string          `json:"e"`
	EventTime   int64           `json:"E"`
	Symbol      string          `json:"s"`
	Last        decimal.Decimal `json:"c"`
	Percentage  decimal.Decimal `json:"P"`
	QuoteVolume decimal.Decimal `json:"q"`
}

func parseTickerMessage(pair string, msg []byte) (common.Ticker, error) {
	var m tickerMessage
	if err := json.Unmarshal(msg, &m); err != nil {
		return common.Ticker{}, err
	}
	if m.Event != "24hrTicker" {
		return common.Ticker{}, fmt.Errorf("unexpected event %q", m.Event)
	}
	return common.Ticker{
		Pair:        pair,
		Last:        m.Last,
		QuoteVolume: m.QuoteVolume,
		Percentage:  m.Percentage,
		Time:        time.UnixMilli(m.EventTime),
	}, nil
}
