// Package orders turns strategy intents into exchange commands: limit
// entries, reduce-only take-profits, market reductions, and per-side
// cancellation sweeps. All prices and quantities are normalized to the
// instrument filters before anything leaves the process.
package orders

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"hedge-grid/internal/core"
	"hedge-grid/internal/gateway"
	"hedge-grid/internal/metrics"
)

type Manager struct {
	gw     gateway.Gateway
	symbol string
	rules  core.Rules
	log    *zap.Logger
	met    *metrics.Metrics
	clock  func() time.Time

	mu          sync.Mutex
	lastEntryAt map[core.Side]time.Time
	lastOrderAt map[core.Side]time.Time
}

func NewManager(gw gateway.Gateway, symbol string, rules core.Rules, log *zap.Logger, met *metrics.Metrics) *Manager {
	return &Manager{
		gw:          gw,
		symbol:      symbol,
		rules:       rules,
		log:         log,
		met:         met,
		clock:       time.Now,
		lastEntryAt: make(map[core.Side]time.Time),
		lastOrderAt: make(map[core.Side]time.Time),
	}
}

// PlaceEntry submits a grid entry limit order for one side.
func (m *Manager) PlaceEntry(ctx context.Context, side core.Side, price, qty decimal.Decimal) (core.Order, error) {
	o, err := m.place(ctx, core.OrderRequest{
		Symbol: m.symbol,
		Side:   side,
		Type:   core.Limit,
		Price:  price,
		Qty:    qty,
	})
	if err != nil {
		return core.Order{}, err
	}
	m.mu.Lock()
	m.lastEntryAt[side] = m.clock()
	m.mu.Unlock()
	return o, nil
}

// PlaceTakeProfit submits a reduce-only limit at price, skipping the
// submission when an equivalent order already rests at that level. The
// boolean reports whether a new order actually went out.
func (m *Manager) PlaceTakeProfit(ctx context.Context, side core.Side, price, qty decimal.Decimal) (core.Order, bool, error) {
	req, err := core.NormalizeRequest(core.OrderRequest{
		Symbol:     m.symbol,
		Side:       side,
		ReduceOnly: true,
		Type:       core.Limit,
		Price:      price,
		Qty:        qty,
	}, m.rules)
	if err != nil {
		return core.Order{}, false, err
	}

	live, err := m.gw.FetchOpenOrders(ctx)
	if err != nil {
		return core.Order{}, false, fmt.Errorf("take-profit dedup check: %w", err)
	}
	for _, o := range live {
		if o.Side == side && o.ReduceOnly && o.Price.Equal(req.Price) {
			m.log.Debug("take-profit already resting",
				zap.String("side", string(side)),
				zap.String("price", req.Price.String()))
			return o, false, nil
		}
	}

	o, err := m.submit(ctx, req)
	if err != nil {
		return core.Order{}, false, err
	}
	return o, true, nil
}

// PlaceMarketReduce fires a reduce-only market order shrinking side by qty.
func (m *Manager) PlaceMarketReduce(ctx context.Context, side core.Side, qty decimal.Decimal) (core.Order, error) {
	return m.place(ctx, core.OrderRequest{
		Symbol:     m.symbol,
		Side:       side,
		ReduceOnly: true,
		Type:       core.Market,
		Qty:        qty,
	})
}

// CancelSide sweeps every resting order on one grid side, both entries and
// take-profits. Individual cancel failures are logged and skipped; an order
// already gone counts as success.
func (m *Manager) CancelSide(ctx context.Context, side core.Side) (int, error) {
	live, err := m.gw.FetchOpenOrders(ctx)
	if err != nil {
		return 0, fmt.Errorf("cancel sweep listing: %w", err)
	}
	canceled := 0
	var firstErr error
	for _, o := range live {
		if o.Side != side {
			continue
		}
		if err := m.gw.CancelOrder(ctx, o.ID); err != nil {
			if core.IsOrderGone(err) {
				canceled++
				continue
			}
			m.log.Warn("cancel failed",
				zap.String("order_id", o.ID),
				zap.String("side", string(side)),
				zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		canceled++
	}
	if canceled > 0 && m.met != nil {
		m.met.OrdersCanceled.WithLabelValues(string(side)).Add(float64(canceled))
	}
	return canceled, firstErr
}

// LastEntryAt reports when the last entry order for side went out. Used by
// the strategy to debounce cold-start quoting.
func (m *Manager) LastEntryAt(side core.Side) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastEntryAt[side]
}

// LastOrderAt reports when any order for side last went out.
func (m *Manager) LastOrderAt(side core.Side) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastOrderAt[side]
}

func (m *Manager) place(ctx context.Context, req core.OrderRequest) (core.Order, error) {
	normalized, err := core.NormalizeRequest(req, m.rules)
	if err != nil {
		return core.Order{}, err
	}
	return m.submit(ctx, normalized)
}

func (m *Manager) submit(ctx context.Context, req core.OrderRequest) (core.Order, error) {
	o, err := m.gw.PlaceOrder(ctx, req)
	if err != nil {
		if m.met != nil {
			m.met.OrderFailures.WithLabelValues(string(req.Side)).Inc()
		}
		return core.Order{}, fmt.Errorf("place %s %s: %w", req.Side, req.Type, err)
	}
	m.mu.Lock()
	m.lastOrderAt[req.Side] = m.clock()
	m.mu.Unlock()
	if m.met != nil {
		m.met.OrdersPlaced.WithLabelValues(string(req.Side), string(core.CategoryOf(req.ReduceOnly))).Inc()
	}
	m.log.Info("order placed",
		zap.String("id", o.ID),
		zap.String("side", string(req.Side)),
		zap.String("category", string(core.CategoryOf(req.ReduceOnly))),
		zap.String("type", string(req.Type)),
		zap.String("price", req.Price.String()),
		zap.String("qty", req.Qty.String()))
	return o, nil
}
