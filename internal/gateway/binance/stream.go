package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"hedge-grid/internal/core"
)

const (
	defaultQueueSize = 256
	readTimeout      = 2 * time.Minute
	writeTimeout     = 5 * time.Second
)

// Stream opens the user data stream keyed by a fresh listen key and
// subscribes the book ticker on the same connection. Price ticks are dropped
// when the consumer lags; order and position events always get through.
func (c *Client) Stream(ctx context.Context) (<-chan core.Event, <-chan error, error) {
	listenKey, err := c.createListenKey(ctx)
	if err != nil {
		return nil, nil, err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.wsBaseURL+"/"+listenKey, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: dial stream: %v", core.ErrTransport, err)
	}
	if err := subscribeBookTicker(conn, c.symbol); err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("%w: subscribe book ticker: %v", core.ErrTransport, err)
	}

	events := make(chan core.Event, c.queueSize)
	errs := make(chan error, 1)
	done := make(chan struct{})

	go c.readLoop(ctx, conn, events, errs, done)
	go c.keepaliveLoop(ctx, conn, done)

	return events, errs, nil
}

type wsRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

func subscribeBookTicker(conn *websocket.Conn, symbol string) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(wsRequest{
		Method: "SUBSCRIBE",
		Params: []string{strings.ToLower(symbol) + "@bookTicker"},
		ID:     1,
	})
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn, events chan<- core.Event, errs chan<- error, done chan struct{}) {
	defer close(done)
	defer close(errs)
	defer close(events)
	defer conn.Close()

	conn.SetPingHandler(func(payload string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(payload), time.Now().Add(writeTimeout))
	})

	for {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.deliverLost(events, err)
			errs <- fmt.Errorf("%w: read stream: %v", core.ErrTransport, err)
			return
		}
		for _, ev := range parseStreamMessage(c.symbol, data) {
			if !c.deliver(ctx, events, ev) {
				return
			}
		}
	}
}

// deliver pushes an event to the consumer. Ticks are droppable, everything
// else blocks until the consumer catches up or the context ends.
func (c *Client) deliver(ctx context.Context, events chan<- core.Event, ev core.Event) bool {
	if _, ok := ev.(core.PriceTick); ok {
		select {
		case events <- ev:
		default:
			if c.met != nil {
				c.met.EventsDropped.Inc()
			}
		}
		return true
	}
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Client) deliverLost(events chan<- core.Event, err error) {
	select {
	case events <- core.ConnectionLost{Err: err}:
	default:
	}
}

func (c *Client) keepaliveLoop(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(c.keepalive)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			keepCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.keepaliveListenKey(keepCtx)
			cancel()
			if err != nil {
				c.log.Warn("listen key keepalive failed", zap.Error(err))
			}
		case <-done:
			return
		case <-ctx.Done():
			_ = conn.Close()
			return
		}
	}
}

// parseStreamMessage maps one raw frame onto zero or more events.
// Subscription acks and unrelated event types map to nothing.
func parseStreamMessage(symbol string, data []byte) []core.Event {
	var head struct {
		EventType string `json:"e"`
		EventTime int64  `json:"E"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil
	}
	switch head.EventType {
	case "bookTicker":
		return parseBookTicker(symbol, data)
	case "ORDER_TRADE_UPDATE":
		return parseOrderTradeUpdate(symbol, data)
	case "ACCOUNT_UPDATE":
		return parseAccountUpdate(symbol, data)
	case "listenKeyExpired":
		return []core.Event{core.ConnectionLost{Err: fmt.Errorf("listen key expired")}}
	}
	return nil
}

func parseBookTicker(symbol string, data []byte) []core.Event {
	var msg bookTickerEvent
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil
	}
	if msg.Symbol != symbol {
		return nil
	}
	bid, err := decimal.NewFromString(msg.BestBid)
	if err != nil {
		return nil
	}
	ask, err := decimal.NewFromString(msg.BestAsk)
	if err != nil {
		return nil
	}
	if bid.Cmp(decimal.Zero) <= 0 || ask.Cmp(decimal.Zero) <= 0 {
		return nil
	}
	at := time.Now()
	if msg.EventTime > 0 {
		at = time.UnixMilli(msg.EventTime)
	}
	return []core.Event{core.PriceTick{BestBid: bid, BestAsk: ask, At: at}}
}

func parseOrderTradeUpdate(symbol string, data []byte) []core.Event {
	var msg orderTradeUpdateEvent
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil
	}
	o := msg.Order
	if o.Symbol != symbol {
		return nil
	}
	side := core.Side(o.PositionSide)
	if side != core.Long && side != core.Short {
		return nil
	}
	price, _ := decimal.NewFromString(o.Price)
	origQty, _ := decimal.NewFromString(o.OrigQty)
	cumFilled, _ := decimal.NewFromString(o.CumFilledQty)
	remaining := origQty.Sub(cumFilled)
	if remaining.Cmp(decimal.Zero) < 0 {
		remaining = decimal.Zero
	}
	filledDelta := decimal.Zero
	if o.ExecutionType == "TRADE" {
		if v, err := decimal.NewFromString(o.LastFilledQty); err == nil {
			filledDelta = v
		}
	}
	return []core.Event{core.OrderUpdate{
		Side:         side,
		ReduceOnly:   o.ReduceOnly,
		State:        core.OrderState(o.Status),
		Price:        price,
		RemainingQty: remaining,
		FilledDelta:  filledDelta,
	}}
}

func parseAccountUpdate(symbol string, data []byte) []core.Event {
	var msg accountUpdateEvent
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil
	}
	var out []core.Event
	for _, p := range msg.Data.Positions {
		if p.Symbol != symbol {
			continue
		}
		side := core.Side(p.PositionSide)
		if side != core.Long && side != core.Short {
			continue
		}
		amt, err := decimal.NewFromString(p.PositionAmt)
		if err != nil {
			continue
		}
		out = append(out, core.PositionUpdate{Side: side, Qty: amt.Abs()})
	}
	return out
}
