// Package gatewaytest provides an in-memory Gateway for tests.
package gatewaytest

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"hedge-grid/internal/core"
	"hedge-grid/internal/gateway"
)

var _ gateway.Gateway = (*Fake)(nil)

// Fake implements gateway.Gateway against in-memory state. Tests mutate the
// exported fields directly to stage exchange truth and inspect Placed and
// Canceled to assert on the commands issued.
type Fake struct {
	mu sync.Mutex

	Symbol       string
	TradingRules core.Rules
	Positions    core.Positions
	OpenOrders   []core.Order

	Placed   []core.OrderRequest
	Canceled []string

	PlaceErr  error
	FetchErr  error
	CancelErr error

	HedgeModeErr error
	LeverageSet  int
	StreamCalls  int

	nextID int

	events chan core.Event
	errs   chan error
}

func New() *Fake {
	return &Fake{
		Symbol: "XRPUSDT",
		TradingRules: core.Rules{
			PriceTick: decimal.RequireFromString("0.0001"),
			QtyStep:   decimal.RequireFromString("0.1"),
			MinQty:    decimal.RequireFromString("0.1"),
		},
	}
}

func (f *Fake) Name() string { return "fake" }

func (f *Fake) EnsureHedgeMode(ctx context.Context) error { return f.HedgeModeErr }

func (f *Fake) SetLeverage(ctx context.Context, leverage int) error {
	f.mu.Lock()
	f.LeverageSet = leverage
	f.mu.Unlock()
	return nil
}

func (f *Fake) Rules(ctx context.Context) (core.Rules, error) {
	return f.TradingRules, nil
}

func (f *Fake) FetchPositions(ctx context.Context) (core.Positions, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FetchErr != nil {
		return core.Positions{}, f.FetchErr
	}
	return f.Positions, nil
}

func (f *Fake) FetchOpenOrders(ctx context.Context) ([]core.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FetchErr != nil {
		return nil, f.FetchErr
	}
	out := make([]core.Order, len(f.OpenOrders))
	copy(out, f.OpenOrders)
	return out, nil
}

func (f *Fake) PlaceOrder(ctx context.Context, req core.OrderRequest) (core.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PlaceErr != nil {
		return core.Order{}, f.PlaceErr
	}
	f.nextID++
	f.Placed = append(f.Placed, req)
	o := core.Order{
		ID:           fmt.Sprintf("fake-%d", f.nextID),
		Symbol:       req.Symbol,
		Side:         req.Side,
		ReduceOnly:   req.ReduceOnly,
		Type:         req.Type,
		Price:        req.Price,
		RemainingQty: req.Qty,
	}
	if req.Type == core.Limit {
		f.OpenOrders = append(f.OpenOrders, o)
	}
	return o, nil
}

func (f *Fake) CancelOrder(ctx context.Context, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CancelErr != nil {
		return f.CancelErr
	}
	f.Canceled = append(f.Canceled, orderID)
	kept := f.OpenOrders[:0]
	for _, o := range f.OpenOrders {
		if o.ID != orderID {
			kept = append(kept, o)
		}
	}
	f.OpenOrders = kept
	return nil
}

func (f *Fake) Stream(ctx context.Context) (<-chan core.Event, <-chan error, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.StreamCalls++
	f.events = make(chan core.Event, 64)
	f.errs = make(chan error, 1)
	return f.events, f.errs, nil
}

// Push delivers an event on the open stream.
func (f *Fake) Push(ev core.Event) {
	f.mu.Lock()
	ch := f.events
	f.mu.Unlock()
	ch <- ev
}

// FailStream terminates the stream with err.
func (f *Fake) FailStream(err error) {
	f.mu.Lock()
	events, errs := f.events, f.errs
	f.events, f.errs = nil, nil
	f.mu.Unlock()
	errs <- err
	close(errs)
	close(events)
}

// PlacedFor filters recorded requests by side and category.
func (f *Fake) PlacedFor(side core.Side, cat core.OrderCategory) []core.OrderRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []core.OrderRequest
	for _, r := range f.Placed {
		if r.Side == side && core.CategoryOf(r.ReduceOnly) == cat {
			out = append(out, r)
		}
	}
	return out
}

func (f *Fake) PlacedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Placed)
}

func (f *Fake) StreamCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.StreamCalls
}

// Reset clears recorded commands without touching staged exchange state.
func (f *Fake) Reset() {
	f.mu.Lock()
	f.Placed = nil
	f.Canceled = nil
	f.mu.Unlock()
}
