package strategy

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"hedge-grid/internal/core"
	"hedge-grid/internal/gateway/gatewaytest"
	"hedge-grid/internal/orders"
	"hedge-grid/internal/reconcile"
	"hedge-grid/internal/state"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type fixture struct {
	grid  *Grid
	fake  *gatewaytest.Fake
	store *state.Store
	eng   *reconcile.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fake := gatewaytest.New()
	st := state.NewStore()
	eng := reconcile.NewEngine(fake, st, time.Minute, zap.NewNop())
	om := orders.NewManager(fake, fake.Symbol, fake.TradingRules, zap.NewNop(), nil)
	cfg := Config{
		Spacing:           d("0.004"),
		InitialQuantity:   d("0.5"),
		PositionThreshold: d("8"),
		PositionLimit:     d("2"),
		FirstOrderDelay:   10 * time.Second,
		DefensiveCooldown: 10 * time.Second,
	}
	grid := NewGrid(cfg, st, om, eng.SyncOrders, zap.NewNop(), nil, nil)
	return &fixture{grid: grid, fake: fake, store: st, eng: eng}
}

// sync pulls the fake's staged truth into the mirror, the same path the
// decision loop uses.
func (f *fixture) sync(t *testing.T) {
	t.Helper()
	require.NoError(t, f.eng.SyncAll(context.Background()))
}

func (f *fixture) tick(t *testing.T, bid, ask string) {
	t.Helper()
	f.store.ApplyPriceTick(core.PriceTick{
		BestBid: d(bid), BestAsk: d(ask), At: time.Now(),
	})
}

func TestFlatSideNeverPlacesTakeProfit(t *testing.T) {
	f := newFixture(t)
	f.sync(t)
	f.tick(t, "100", "100.1")

	// Repeated passes over a flat book: seeding may place entries, but a
	// reduce-only order with nothing to reduce must never go out.
	for i := 0; i < 3; i++ {
		f.grid.Evaluate(context.Background())
	}
	assert.Empty(t, f.fake.PlacedFor(core.Long, core.TakeProfit))
	assert.Empty(t, f.fake.PlacedFor(core.Short, core.TakeProfit))
}

func TestColdStartSeedsBothSides(t *testing.T) {
	f := newFixture(t)
	f.sync(t)
	f.tick(t, "100", "100.1")

	f.grid.Evaluate(context.Background())

	longEntries := f.fake.PlacedFor(core.Long, core.Entry)
	shortEntries := f.fake.PlacedFor(core.Short, core.Entry)
	require.Len(t, longEntries, 1)
	require.Len(t, shortEntries, 1)
	assert.True(t, longEntries[0].Price.Equal(d("100")))
	assert.True(t, shortEntries[0].Price.Equal(d("100.1")))
	assert.True(t, longEntries[0].Qty.Equal(d("0.5")))
	assert.True(t, shortEntries[0].Qty.Equal(d("0.5")))
	assert.Equal(t, PhaseInitializing, f.grid.Phase(core.Long))
	assert.Equal(t, PhaseInitializing, f.grid.Phase(core.Short))
}

func TestSeedDebounce(t *testing.T) {
	f := newFixture(t)
	f.sync(t)
	f.tick(t, "100", "100.1")

	f.grid.Evaluate(context.Background())
	f.grid.Evaluate(context.Background())

	assert.Len(t, f.fake.PlacedFor(core.Long, core.Entry), 1)
	assert.Len(t, f.fake.PlacedFor(core.Short, core.Entry), 1)
}

func TestNoEvaluationWithoutPrice(t *testing.T) {
	f := newFixture(t)
	f.sync(t)

	f.grid.Evaluate(context.Background())

	assert.Empty(t, f.fake.Placed)
}

func TestRequoteReanchorsAroundMid(t *testing.T) {
	f := newFixture(t)
	f.fake.Positions = core.Positions{Long: d("0.5")}
	f.sync(t)
	f.tick(t, "99.95", "100.05")

	f.grid.Evaluate(context.Background())

	takes := f.fake.PlacedFor(core.Long, core.TakeProfit)
	entries := f.fake.PlacedFor(core.Long, core.Entry)
	require.Len(t, takes, 1)
	require.Len(t, entries, 1)
	assert.True(t, takes[0].Price.Equal(d("100.4")))
	assert.True(t, entries[0].Price.Equal(d("99.6")))
	assert.True(t, takes[0].Qty.Equal(d("0.5")))
	assert.True(t, entries[0].Qty.Equal(d("0.5")))
	assert.Equal(t, PhaseActive, f.grid.Phase(core.Long))
}

func TestShortRequoteMirrorsBounds(t *testing.T) {
	f := newFixture(t)
	f.fake.Positions = core.Positions{Short: d("0.5")}
	f.sync(t)
	f.tick(t, "99.95", "100.05")

	f.grid.Evaluate(context.Background())

	takes := f.fake.PlacedFor(core.Short, core.TakeProfit)
	entries := f.fake.PlacedFor(core.Short, core.Entry)
	require.Len(t, takes, 1)
	require.Len(t, entries, 1)
	assert.True(t, takes[0].Price.Equal(d("99.6")))
	assert.True(t, entries[0].Price.Equal(d("100.4")))
}

func TestEvaluationIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.fake.Positions = core.Positions{Long: d("0.5")}
	f.sync(t)
	f.tick(t, "99.95", "100.05")

	f.grid.Evaluate(context.Background())
	require.NotEmpty(t, f.fake.Placed)

	// The requote left live orders on the fake book; the forced resync
	// inside the second pass sees them and issues nothing further.
	f.fake.Reset()
	f.grid.Evaluate(context.Background())
	assert.Empty(t, f.fake.Placed)
	assert.Empty(t, f.fake.Canceled)
}

func TestRequoteCancelsOnlyOwnSide(t *testing.T) {
	f := newFixture(t)
	f.fake.Positions = core.Positions{Long: d("0.5"), Short: d("0.5")}
	f.fake.OpenOrders = []core.Order{
		{ID: "stale-long", Side: core.Long, RemainingQty: d("5")},
		{ID: "short-entry", Side: core.Short, RemainingQty: d("0.5")},
		{ID: "short-tp", Side: core.Short, ReduceOnly: true, RemainingQty: d("0.5")},
	}
	f.sync(t)
	f.tick(t, "99.95", "100.05")

	f.grid.Evaluate(context.Background())

	assert.Contains(t, f.fake.Canceled, "stale-long")
	assert.NotContains(t, f.fake.Canceled, "short-entry")
	assert.NotContains(t, f.fake.Canceled, "short-tp")
}

func TestDoublingRule(t *testing.T) {
	f := newFixture(t)
	v := state.View{}

	// Soft cap is strict: at the limit exactly, the clip stays single.
	v.Long.Position = d("2")
	assert.True(t, f.grid.TargetQuantity(core.Long, v).Equal(d("0.5")))

	v.Long.Position = d("2.1")
	assert.True(t, f.grid.TargetQuantity(core.Long, v).Equal(d("1")))

	// Opposite side locked at the hard cap doubles this side too.
	v.Long.Position = d("0.5")
	v.Short.Position = d("8")
	assert.True(t, f.grid.TargetQuantity(core.Long, v).Equal(d("1")))
}

func TestStaleCounterResyncAvoidsSpuriousRequote(t *testing.T) {
	f := newFixture(t)
	f.fake.Positions = core.Positions{Long: d("0.5"), Short: d("0.5")}
	f.fake.OpenOrders = []core.Order{
		{ID: "e", Side: core.Long, RemainingQty: d("0.5")},
		{ID: "t", Side: core.Long, ReduceOnly: true, RemainingQty: d("0.5")},
		{ID: "se", Side: core.Short, RemainingQty: d("0.5")},
		{ID: "st", Side: core.Short, ReduceOnly: true, RemainingQty: d("0.5")},
	}
	f.sync(t)
	f.tick(t, "99.95", "100.05")

	// Simulate counter drift: a replayed cancel zeroed the entry counter
	// while the order still rests on the book.
	f.store.ApplyOrderUpdate(core.OrderUpdate{
		Side: core.Long, State: core.OrderCanceled, RemainingQty: d("0.5"),
	})

	f.grid.Evaluate(context.Background())

	assert.Empty(t, f.fake.Placed)
	assert.Empty(t, f.fake.Canceled)
}

func TestDefensiveFreeze(t *testing.T) {
	f := newFixture(t)
	f.fake.Positions = core.Positions{Long: d("9"), Short: d("4")}
	f.sync(t)
	f.tick(t, "99.95", "100.05")

	f.grid.Evaluate(context.Background())

	takes := f.fake.PlacedFor(core.Long, core.TakeProfit)
	require.Len(t, takes, 1)
	// ratio = (9/4)/100 = 0.0225, price = 100 * 1.0225
	assert.True(t, takes[0].Price.Equal(d("102.25")))
	assert.True(t, takes[0].Qty.Equal(d("1")))
	assert.Empty(t, f.fake.PlacedFor(core.Long, core.Entry))
	assert.Equal(t, PhaseDefensive, f.grid.Phase(core.Long))
}

func TestDefensiveSkipsWhenTakeProfitRests(t *testing.T) {
	f := newFixture(t)
	f.fake.Positions = core.Positions{Long: d("9"), Short: d("0.5")}
	f.fake.OpenOrders = []core.Order{
		{ID: "tp", Side: core.Long, ReduceOnly: true, RemainingQty: d("1")},
		{ID: "se", Side: core.Short, RemainingQty: d("0.5")},
		{ID: "st", Side: core.Short, ReduceOnly: true, RemainingQty: d("0.5")},
	}
	f.sync(t)
	f.tick(t, "99.95", "100.05")

	f.grid.Evaluate(context.Background())

	assert.Empty(t, f.fake.Placed)
}

func TestDefensiveFallbackWhenOppositeFlat(t *testing.T) {
	f := newFixture(t)
	f.fake.Positions = core.Positions{Long: d("9")}
	f.sync(t)
	f.tick(t, "99.95", "100.05")

	f.grid.Evaluate(context.Background())

	takes := f.fake.PlacedFor(core.Long, core.TakeProfit)
	require.Len(t, takes, 1)
	// Opposite side flat: ratio falls back to one grid spacing.
	assert.True(t, takes[0].Price.Equal(d("100.4")))
}

func TestDefensiveCooldownThrottlesReissue(t *testing.T) {
	f := newFixture(t)
	f.fake.Positions = core.Positions{Long: d("9"), Short: d("4")}
	f.sync(t)
	f.tick(t, "99.95", "100.05")

	f.grid.Evaluate(context.Background())
	require.Len(t, f.fake.PlacedFor(core.Long, core.TakeProfit), 1)

	// The resting take-profit vanishes (canceled externally), but the
	// cooldown from the last order still holds.
	f.fake.OpenOrders = nil
	f.sync(t)
	f.fake.Reset()

	f.grid.Evaluate(context.Background())
	assert.Empty(t, f.fake.PlacedFor(core.Long, core.TakeProfit))
}
