// Package strategy drives the per-side grid state machine. Each evaluation
// pass reads one consistent view of the state mirror and decides, side by
// side, whether to seed a fresh grid, requote around a new anchor, or freeze
// defensively while an oversized position works its way out.
package strategy

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"hedge-grid/internal/alert"
	"hedge-grid/internal/core"
	"hedge-grid/internal/metrics"
	"hedge-grid/internal/orders"
	"hedge-grid/internal/state"
)

// Phase is the observable mode of one grid side.
type Phase string

const (
	PhaseFlat         Phase = "flat"
	PhaseInitializing Phase = "initializing"
	PhaseActive       Phase = "active"
	PhaseDefensive    Phase = "defensive"
)

var (
	two        = decimal.NewFromInt(2)
	one        = decimal.NewFromInt(1)
	oneHundred = decimal.NewFromInt(100)
)

type Config struct {
	Spacing           decimal.Decimal
	InitialQuantity   decimal.Decimal
	PositionThreshold decimal.Decimal
	PositionLimit     decimal.Decimal
	FirstOrderDelay   time.Duration
	DefensiveCooldown time.Duration
}

// Grid evaluates both sides against one view per pass. Evaluate is only ever
// called from the decision loop, so there is no internal locking beyond what
// the collaborators provide.
type Grid struct {
	cfg    Config
	store  *state.Store
	orders *orders.Manager
	resync func(context.Context) error
	log    *zap.Logger
	met    *metrics.Metrics
	alert  alert.Alerter
	clock  func() time.Time

	mu    sync.Mutex
	phase map[core.Side]Phase
}

func NewGrid(cfg Config, store *state.Store, om *orders.Manager, resync func(context.Context) error, log *zap.Logger, met *metrics.Metrics, alerter alert.Alerter) *Grid {
	return &Grid{
		cfg:    cfg,
		store:  store,
		orders: om,
		resync: resync,
		log:    log,
		met:    met,
		alert:  alerter,
		clock:  time.Now,
		phase: map[core.Side]Phase{
			core.Long:  PhaseFlat,
			core.Short: PhaseFlat,
		},
	}
}

func (g *Grid) Phase(side core.Side) Phase {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.phase[side]
}

// Evaluate runs one decision pass over both sides. It never returns an
// error: every order failure is logged and retried naturally on the next
// pass because the counters it acted on were left untouched.
func (g *Grid) Evaluate(ctx context.Context) {
	v := g.store.View()
	if v.Mid.IsZero() {
		return
	}
	g.evaluateSide(ctx, core.Long, v)
	g.evaluateSide(ctx, core.Short, v)
}

func (g *Grid) evaluateSide(ctx context.Context, side core.Side, v state.View) {
	s := v.Side(side)

	switch {
	case s.Position.Sign() == 0:
		if g.seed(ctx, side, v) || s.EntryQty.Sign() > 0 {
			g.setPhase(side, PhaseInitializing)
		} else {
			g.setPhase(side, PhaseFlat)
		}
	case s.Position.GreaterThan(g.cfg.PositionThreshold):
		g.setPhase(side, PhaseDefensive)
		g.defend(ctx, side, v)
	default:
		g.setPhase(side, PhaseActive)
		g.maintain(ctx, side, v)
	}
}

// TargetQuantity is the clip size for one side: doubled once the side
// overruns its soft cap or the opposite side is locked at the hard cap.
func (g *Grid) TargetQuantity(side core.Side, v state.View) decimal.Decimal {
	pos := v.Side(side).Position
	opp := v.Side(side.Opposite()).Position
	if pos.GreaterThan(g.cfg.PositionLimit) || opp.GreaterThanOrEqual(g.cfg.PositionThreshold) {
		return g.cfg.InitialQuantity.Mul(two)
	}
	return g.cfg.InitialQuantity
}

// seed opens a fresh grid on a flat side: one entry at the touch, debounced
// so a slow fill cannot trigger a second entry within the delay window.
func (g *Grid) seed(ctx context.Context, side core.Side, v state.View) bool {
	if g.clock().Sub(g.orders.LastEntryAt(side)) < g.cfg.FirstOrderDelay {
		return false
	}
	if _, err := g.orders.CancelSide(ctx, side); err != nil {
		g.log.Warn("seed cancel sweep failed", zap.String("side", string(side)), zap.Error(err))
	}

	price := v.BestBid
	if side == core.Short {
		price = v.BestAsk
	}
	if _, err := g.orders.PlaceEntry(ctx, side, price, g.cfg.InitialQuantity); err != nil {
		g.log.Warn("seed entry failed", zap.String("side", string(side)), zap.Error(err))
		return false
	}
	g.log.Info("grid seeded",
		zap.String("side", string(side)),
		zap.String("price", price.String()))
	return true
}

// maintain checks the resting quantities against the target and requotes the
// side when they are off. Below the hard cap a failed check is re-verified
// against a forced order resync first, so a stale counter cannot trigger a
// spurious cancel-and-requote cycle.
func (g *Grid) maintain(ctx context.Context, side core.Side, v state.View) {
	target := g.TargetQuantity(side, v)
	if g.restingOK(v.Side(side), target) {
		return
	}

	if v.Side(side).Position.LessThan(g.cfg.PositionThreshold) {
		if err := g.resync(ctx); err != nil {
			g.log.Warn("forced order resync failed", zap.String("side", string(side)), zap.Error(err))
			return
		}
		v = g.store.View()
		target = g.TargetQuantity(side, v)
		if g.restingOK(v.Side(side), target) {
			return
		}
	}

	g.requote(ctx, side, v, target)
}

func (g *Grid) restingOK(s state.SideState, target decimal.Decimal) bool {
	entryOK := s.EntryQty.Sign() > 0 && s.EntryQty.LessThanOrEqual(target)
	takeOK := s.TakeQty.Sign() > 0 && s.TakeQty.LessThanOrEqual(target)
	return entryOK && takeOK
}

// requote re-anchors the grid at the current mid, sweeps the side, and lays
// one take-profit at the outer bound plus one add-on entry at the inner one.
func (g *Grid) requote(ctx context.Context, side core.Side, v state.View, target decimal.Decimal) {
	bounds := g.store.ReanchorGrid(side, v.Mid, g.cfg.Spacing)
	if _, err := g.orders.CancelSide(ctx, side); err != nil {
		g.log.Warn("requote cancel sweep failed", zap.String("side", string(side)), zap.Error(err))
	}

	if _, _, err := g.orders.PlaceTakeProfit(ctx, side, bounds.TakeProfit, target); err != nil {
		g.log.Warn("requote take-profit failed", zap.String("side", string(side)), zap.Error(err))
	}
	if _, err := g.orders.PlaceEntry(ctx, side, bounds.Entry, target); err != nil {
		g.log.Warn("requote entry failed", zap.String("side", string(side)), zap.Error(err))
	}
	g.log.Info("grid requoted",
		zap.String("side", string(side)),
		zap.String("mid", v.Mid.String()),
		zap.String("take_profit", bounds.TakeProfit.String()),
		zap.String("entry", bounds.Entry.String()))
}

// defend handles a side locked above the hard cap: no requoting, only a
// single wide take-profit when none is resting, throttled by the cooldown.
func (g *Grid) defend(ctx context.Context, side core.Side, v state.View) {
	if v.Side(side).TakeQty.Sign() > 0 {
		return
	}
	if g.clock().Sub(g.orders.LastOrderAt(side)) < g.cfg.DefensiveCooldown {
		return
	}

	price := g.defensivePrice(side, v)
	target := g.TargetQuantity(side, v)
	_, placed, err := g.orders.PlaceTakeProfit(ctx, side, price, target)
	if err != nil {
		g.log.Warn("defensive take-profit failed", zap.String("side", string(side)), zap.Error(err))
		return
	}
	if !placed {
		return
	}
	g.log.Warn("side locked, defensive take-profit placed",
		zap.String("side", string(side)),
		zap.String("position", v.Side(side).Position.String()),
		zap.String("price", price.String()))
	g.alertImportant("defensive_take_profit", map[string]string{
		"side":     string(side),
		"position": v.Side(side).Position.String(),
		"price":    price.String(),
	})
}

// defensivePrice skews the exit out proportionally to the imbalance between
// the two sides. With the opposite side flat the ratio is undefined, so it
// falls back to one grid spacing.
func (g *Grid) defensivePrice(side core.Side, v state.View) decimal.Decimal {
	pos := v.Side(side).Position
	opp := v.Side(side.Opposite()).Position

	ratio := g.cfg.Spacing
	if opp.Sign() > 0 {
		ratio = pos.Div(opp).Div(oneHundred)
	}
	if side == core.Long {
		return v.Mid.Mul(one.Add(ratio))
	}
	return v.Mid.Mul(one.Sub(ratio))
}

func (g *Grid) setPhase(side core.Side, p Phase) {
	g.mu.Lock()
	prev := g.phase[side]
	g.phase[side] = p
	g.mu.Unlock()
	if prev == p {
		return
	}
	g.log.Info("phase change",
		zap.String("side", string(side)),
		zap.String("from", string(prev)),
		zap.String("to", string(p)))
	if g.met != nil {
		g.met.PhaseActive.WithLabelValues(string(side), string(prev)).Set(0)
		g.met.PhaseActive.WithLabelValues(string(side), string(p)).Set(1)
	}
	if p == PhaseDefensive {
		g.alertImportant("phase_defensive", map[string]string{
			"side": string(side),
		})
	}
}

func (g *Grid) alertImportant(event string, fields map[string]string) {
	if g.alert == nil {
		return
	}
	g.alert.Important(event, fields)
}
