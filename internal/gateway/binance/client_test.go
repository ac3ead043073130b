package binance

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"

	"hedge-grid/internal/core"
)

func newTestClient(srvURL string) *Client {
	return NewClientWithOptions(Options{
		APIKey:    "k",
		APISecret: "s",
		BaseURL:   srvURL,
		WSBaseURL: "ws://unused",
		Symbol:    "XRPUSDT",
	})
}

func TestQueueSizeConfigured(t *testing.T) {
	if got := NewClientWithOptions(Options{}).queueSize; got != defaultQueueSize {
		t.Fatalf("default queueSize = %d, want %d", got, defaultQueueSize)
	}
	if got := NewClientWithOptions(Options{QueueSize: 1024}).queueSize; got != 1024 {
		t.Fatalf("queueSize = %d, want 1024", got)
	}
}

func TestExecSide(t *testing.T) {
	cases := []struct {
		side       core.Side
		reduceOnly bool
		want       string
	}{
		{core.Long, false, "BUY"},
		{core.Long, true, "SELL"},
		{core.Short, false, "SELL"},
		{core.Short, true, "BUY"},
	}
	for _, tc := range cases {
		if got := execSide(tc.side, tc.reduceOnly); got != tc.want {
			t.Fatalf("execSide(%s, %v) = %s, want %s", tc.side, tc.reduceOnly, got, tc.want)
		}
	}
}

func TestEnsureHedgeModeEnablesWhenOff(t *testing.T) {
	var posts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/fapi/v1/positionSide/dual" {
			http.NotFound(w, r)
			return
		}
		switch r.Method {
		case http.MethodGet:
			_, _ = w.Write([]byte(`{"dualSidePosition":false}`))
		case http.MethodPost:
			atomic.AddInt32(&posts, 1)
			_, _ = w.Write([]byte(`{"code":200,"msg":"success"}`))
		}
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	if err := c.EnsureHedgeMode(context.Background()); err != nil {
		t.Fatalf("EnsureHedgeMode() error = %v", err)
	}
	if atomic.LoadInt32(&posts) != 1 {
		t.Fatalf("enable posts = %d, want 1", posts)
	}
}

func TestEnsureHedgeModeNoopWhenAlreadyDual(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			t.Fatalf("unexpected enable call")
		}
		_, _ = w.Write([]byte(`{"dualSidePosition":true}`))
	}))
	defer srv.Close()

	if err := newTestClient(srv.URL).EnsureHedgeMode(context.Background()); err != nil {
		t.Fatalf("EnsureHedgeMode() error = %v", err)
	}
}

func TestEnsureHedgeModeFailureIsFatalClass(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			_, _ = w.Write([]byte(`{"dualSidePosition":false}`))
			return
		}
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":-4059,"msg":"No need to change position side."}`))
	}))
	defer srv.Close()

	// -4059 means already in the requested mode, treated as success.
	if err := newTestClient(srv.URL).EnsureHedgeMode(context.Background()); err != nil {
		t.Fatalf("EnsureHedgeMode() error = %v", err)
	}

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"code":-2015,"msg":"Invalid API-key."}`))
	}))
	defer down.Close()

	err := newTestClient(down.URL).EnsureHedgeMode(context.Background())
	if !errors.Is(err, core.ErrHedgeModeRequired) {
		t.Fatalf("EnsureHedgeMode() error = %v, want ErrHedgeModeRequired", err)
	}
}

func TestPlaceOrderParamsHedgeMode(t *testing.T) {
	var seen url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/fapi/v1/order" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		body, _ := io.ReadAll(r.Body)
		seen, _ = url.ParseQuery(string(body))
		_, _ = w.Write([]byte(`{"symbol":"XRPUSDT","orderId":777,"price":"0.5123","origQty":"0.5","executedQty":"0","status":"NEW","updateTime":1700000000000}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	got, err := c.PlaceOrder(context.Background(), core.OrderRequest{
		Symbol:     "XRPUSDT",
		Side:       core.Short,
		ReduceOnly: true,
		Type:       core.Limit,
		Price:      decimal.RequireFromString("0.5123"),
		Qty:        decimal.RequireFromString("0.5"),
	})
	if err != nil {
		t.Fatalf("PlaceOrder() error = %v", err)
	}
	if got.ID != "777" {
		t.Fatalf("order id = %q, want 777", got.ID)
	}
	if seen.Get("side") != "BUY" || seen.Get("positionSide") != "SHORT" {
		t.Fatalf("side/positionSide = %s/%s, want BUY/SHORT", seen.Get("side"), seen.Get("positionSide"))
	}
	if seen.Get("timeInForce") != "GTC" || seen.Get("price") != "0.5123" {
		t.Fatalf("limit params = tif %s price %s", seen.Get("timeInForce"), seen.Get("price"))
	}
	// Dual-side mode: direction against positionSide encodes reduce-only.
	if seen.Get("reduceOnly") != "" {
		t.Fatalf("reduceOnly param should be absent, got %q", seen.Get("reduceOnly"))
	}
	if seen.Get("signature") == "" || seen.Get("timestamp") == "" {
		t.Fatalf("signed params missing: %v", seen)
	}
}

func TestPlaceMarketOrderOmitsPrice(t *testing.T) {
	var seen url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		seen, _ = url.ParseQuery(string(body))
		_, _ = w.Write([]byte(`{"symbol":"XRPUSDT","orderId":778,"price":"0","origQty":"0.6","executedQty":"0.6","status":"FILLED"}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).PlaceOrder(context.Background(), core.OrderRequest{
		Symbol:     "XRPUSDT",
		Side:       core.Long,
		ReduceOnly: true,
		Type:       core.Market,
		Qty:        decimal.RequireFromString("0.6"),
	})
	if err != nil {
		t.Fatalf("PlaceOrder() error = %v", err)
	}
	if seen.Get("type") != "MARKET" || seen.Get("side") != "SELL" {
		t.Fatalf("type/side = %s/%s, want MARKET/SELL", seen.Get("type"), seen.Get("side"))
	}
	if seen.Get("price") != "" || seen.Get("timeInForce") != "" {
		t.Fatalf("market order carried limit params: %v", seen)
	}
}

func TestFetchPositionsParsesBothSides(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[
			{"symbol":"XRPUSDT","positionSide":"LONG","positionAmt":"12.3"},
			{"symbol":"XRPUSDT","positionSide":"SHORT","positionAmt":"-4.5"},
			{"symbol":"XRPUSDT","positionSide":"BOTH","positionAmt":"0"}
		]`))
	}))
	defer srv.Close()

	pos, err := newTestClient(srv.URL).FetchPositions(context.Background())
	if err != nil {
		t.Fatalf("FetchPositions() error = %v", err)
	}
	if !pos.Long.Equal(decimal.RequireFromString("12.3")) {
		t.Fatalf("Long = %s, want 12.3", pos.Long)
	}
	if !pos.Short.Equal(decimal.RequireFromString("4.5")) {
		t.Fatalf("Short = %s, want 4.5 (absolute)", pos.Short)
	}
}

func TestFetchOpenOrdersRemainingQty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[
			{"symbol":"XRPUSDT","orderId":1,"positionSide":"LONG","reduceOnly":false,"type":"LIMIT","status":"PARTIALLY_FILLED","price":"0.5","origQty":"2","executedQty":"0.7","time":1700000000000},
			{"symbol":"XRPUSDT","orderId":2,"positionSide":"SHORT","reduceOnly":true,"type":"LIMIT","status":"NEW","price":"0.49","origQty":"1","executedQty":"0"}
		]`))
	}))
	defer srv.Close()

	orders, err := newTestClient(srv.URL).FetchOpenOrders(context.Background())
	if err != nil {
		t.Fatalf("FetchOpenOrders() error = %v", err)
	}
	if len(orders) != 2 {
		t.Fatalf("len(orders) = %d, want 2", len(orders))
	}
	if !orders[0].RemainingQty.Equal(decimal.RequireFromString("1.3")) {
		t.Fatalf("RemainingQty = %s, want 1.3", orders[0].RemainingQty)
	}
	if orders[0].Side != core.Long || orders[0].Category() != core.Entry {
		t.Fatalf("order 1 side/category = %s/%s", orders[0].Side, orders[0].Category())
	}
	if orders[1].Side != core.Short || orders[1].Category() != core.TakeProfit {
		t.Fatalf("order 2 side/category = %s/%s", orders[1].Side, orders[1].Category())
	}
	if orders[0].CreatedAt.IsZero() {
		t.Fatalf("order 1 CreatedAt should be set")
	}
}

func TestRulesParsedAndCached(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		_, _ = w.Write([]byte(`{"symbols":[{"symbol":"XRPUSDT","filters":[
			{"filterType":"PRICE_FILTER","tickSize":"0.0001"},
			{"filterType":"LOT_SIZE","stepSize":"0.1","minQty":"0.1"}
		]}]}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	rules, err := c.Rules(context.Background())
	if err != nil {
		t.Fatalf("Rules() error = %v", err)
	}
	if !rules.PriceTick.Equal(decimal.RequireFromString("0.0001")) {
		t.Fatalf("PriceTick = %s, want 0.0001", rules.PriceTick)
	}
	if !rules.QtyStep.Equal(decimal.RequireFromString("0.1")) || !rules.MinQty.Equal(decimal.RequireFromString("0.1")) {
		t.Fatalf("QtyStep/MinQty = %s/%s", rules.QtyStep, rules.MinQty)
	}
	if _, err := c.Rules(context.Background()); err != nil {
		t.Fatalf("Rules() second call error = %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("exchangeInfo calls = %d, want 1 (cached)", calls)
	}
}

func TestErrorClassification(t *testing.T) {
	cases := []struct {
		name string
		body string
		want error
	}{
		{"cancel unknown", `{"code":-2011,"msg":"Unknown order sent."}`, core.ErrOrderNotFound},
		{"order not found", `{"code":-2013,"msg":"Order does not exist."}`, core.ErrOrderNotFound},
		{"margin", `{"code":-2019,"msg":"Margin is insufficient."}`, core.ErrInsufficientMargin},
		{"position side", `{"code":-4061,"msg":"Order's position side does not match user's setting."}`, core.ErrHedgeModeRequired},
		{"generic reject", `{"code":-1111,"msg":"Precision is over the maximum defined for this asset."}`, core.ErrExchangeRejected},
	}
	for _, tc := range cases {
		err := parseHTTPError(http.StatusBadRequest, []byte(tc.body))
		if !errors.Is(err, tc.want) {
			t.Fatalf("%s: classified %v, want %v", tc.name, err, tc.want)
		}
	}

	if err := parseHTTPError(http.StatusBadGateway, []byte("bad gateway")); !errors.Is(err, core.ErrTransport) {
		t.Fatalf("5xx classified %v, want ErrTransport", err)
	}

	apiErr, ok := AsAPIError(parseHTTPError(http.StatusBadRequest, []byte(`{"code":-2011,"msg":"Unknown order sent."}`)))
	if !ok || apiErr.Code != -2011 {
		t.Fatalf("AsAPIError = %v/%v, want code -2011", apiErr, ok)
	}
	if !IsAPIErrorCode(wrapAPIError(-2011, "x"), -2013, -2011) {
		t.Fatalf("IsAPIErrorCode(-2011) = false, want true")
	}
}

func TestCancelOrderGoneIsOrderGone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":-2011,"msg":"Unknown order sent."}`))
	}))
	defer srv.Close()

	err := newTestClient(srv.URL).CancelOrder(context.Background(), "42")
	if !core.IsOrderGone(err) {
		t.Fatalf("CancelOrder() error = %v, want order-gone class", err)
	}
}

func TestTransportErrorWrapped(t *testing.T) {
	c := newTestClient("http://127.0.0.1:0")
	_, err := c.FetchPositions(context.Background())
	if !errors.Is(err, core.ErrTransport) {
		t.Fatalf("FetchPositions() error = %v, want ErrTransport", err)
	}
}
