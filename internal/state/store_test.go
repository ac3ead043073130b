package state

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hedge-grid/internal/core"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestOrderUpdateLifecycle(t *testing.T) {
	st := NewStore()

	st.ApplyOrderUpdate(core.OrderUpdate{
		Side: core.Long, State: core.OrderNew, RemainingQty: d("5"),
	})
	assert.True(t, st.View().Long.EntryQty.Equal(d("5")))

	st.ApplyOrderUpdate(core.OrderUpdate{
		Side: core.Long, State: core.OrderPartiallyFilled,
		RemainingQty: d("3"), FilledDelta: d("2"),
	})
	v := st.View()
	assert.True(t, v.Long.EntryQty.Equal(d("3")))
	assert.True(t, v.Long.Position.Equal(d("2")))

	st.ApplyOrderUpdate(core.OrderUpdate{
		Side: core.Long, State: core.OrderCanceled, RemainingQty: d("3"),
	})
	assert.True(t, st.View().Long.EntryQty.IsZero())
}

func TestTakeProfitFillShrinksPosition(t *testing.T) {
	st := NewStore()
	st.ApplyPositionUpdate(core.PositionUpdate{Side: core.Short, Qty: d("4")})

	st.ApplyOrderUpdate(core.OrderUpdate{
		Side: core.Short, ReduceOnly: true, State: core.OrderNew, RemainingQty: d("4"),
	})
	st.ApplyOrderUpdate(core.OrderUpdate{
		Side: core.Short, ReduceOnly: true, State: core.OrderFilled,
		RemainingQty: decimal.Zero, FilledDelta: d("4"),
	})

	v := st.View()
	assert.True(t, v.Short.Position.IsZero())
	assert.True(t, v.Short.TakeQty.IsZero())
}

func TestCountersNeverGoNegative(t *testing.T) {
	st := NewStore()

	// Cancel replayed without a matching NEW.
	st.ApplyOrderUpdate(core.OrderUpdate{
		Side: core.Long, State: core.OrderCanceled, RemainingQty: d("7"),
	})
	assert.True(t, st.View().Long.EntryQty.IsZero())

	// Take-profit fill beyond the tracked position.
	st.ApplyPositionUpdate(core.PositionUpdate{Side: core.Long, Qty: d("1")})
	st.ApplyOrderUpdate(core.OrderUpdate{
		Side: core.Long, ReduceOnly: true, State: core.OrderFilled, FilledDelta: d("3"),
	})
	assert.True(t, st.View().Long.Position.IsZero())
}

func TestSnapshotOverwritesDeltas(t *testing.T) {
	st := NewStore()
	st.ApplyOrderUpdate(core.OrderUpdate{
		Side: core.Long, State: core.OrderNew, RemainingQty: d("99"),
	})
	st.ApplyPositionUpdate(core.PositionUpdate{Side: core.Short, Qty: d("42")})

	now := time.Now()
	st.ApplyPositionSnapshot(core.Positions{Long: d("2"), Short: d("0")}, now)
	st.ApplyOrderSnapshot([]core.Order{
		{Side: core.Long, ReduceOnly: false, RemainingQty: d("0.5")},
		{Side: core.Long, ReduceOnly: true, RemainingQty: d("2")},
		{Side: core.Short, ReduceOnly: false, RemainingQty: d("0.5")},
	}, now)

	v := st.View()
	assert.True(t, v.Long.Position.Equal(d("2")))
	assert.True(t, v.Short.Position.IsZero())
	assert.True(t, v.Long.EntryQty.Equal(d("0.5")))
	assert.True(t, v.Long.TakeQty.Equal(d("2")))
	assert.True(t, v.Short.EntryQty.Equal(d("0.5")))
	assert.True(t, v.Short.TakeQty.IsZero())
	assert.Equal(t, now, v.Long.PositionSyncAt)
	assert.Equal(t, now, v.Long.OrderSyncAt)
}

func TestBoundsClearedWhenFlat(t *testing.T) {
	st := NewStore()
	st.ApplyPositionUpdate(core.PositionUpdate{Side: core.Long, Qty: d("2")})
	st.ReanchorGrid(core.Long, d("100"), d("0.004"))
	require.True(t, st.View().Long.Bounds.Set)

	st.ApplyPositionSnapshot(core.Positions{}, time.Now())
	assert.False(t, st.View().Long.Bounds.Set)
}

func TestReanchorGrid(t *testing.T) {
	st := NewStore()

	b := st.ReanchorGrid(core.Long, d("100"), d("0.004"))
	assert.True(t, b.Entry.Equal(d("99.6")))
	assert.True(t, b.TakeProfit.Equal(d("100.4")))

	b = st.ReanchorGrid(core.Short, d("100"), d("0.004"))
	assert.True(t, b.Entry.Equal(d("100.4")))
	assert.True(t, b.TakeProfit.Equal(d("99.6")))
}

func TestStaleness(t *testing.T) {
	st := NewStore()
	now := time.Now()

	assert.True(t, st.Stale(now, time.Minute))

	st.ApplyPositionSnapshot(core.Positions{}, now)
	st.ApplyOrderSnapshot(nil, now)
	assert.False(t, st.Stale(now.Add(30*time.Second), time.Minute))
	// Exactly maxAge old is still fresh; the bound is strict-greater so a
	// sync finishing right on the cadence does not force a second refresh.
	assert.False(t, st.Stale(now.Add(time.Minute), time.Minute))
	assert.True(t, st.Stale(now.Add(61*time.Second), time.Minute))

	st.MarkUnsynced()
	assert.True(t, st.Stale(now, time.Minute))
}

func TestSyncClocksAgeIndependently(t *testing.T) {
	st := NewStore()
	now := time.Now()

	// An order-only sync must not certify positions that were never pulled.
	st.ApplyOrderSnapshot(nil, now)
	assert.True(t, st.Stale(now, time.Minute))

	// And the converse.
	fresh := NewStore()
	fresh.ApplyPositionSnapshot(core.Positions{}, now)
	assert.True(t, fresh.Stale(now, time.Minute))

	// A stale position clock stays stale no matter how recent the order
	// snapshot is.
	st.ApplyPositionSnapshot(core.Positions{}, now)
	require.False(t, st.Stale(now, time.Minute))
	later := now.Add(2 * time.Minute)
	st.ApplyOrderSnapshot(nil, later)
	assert.True(t, st.Stale(later, time.Minute))
}

func TestMidRequiresBothSides(t *testing.T) {
	st := NewStore()
	assert.True(t, st.View().Mid.IsZero())

	st.ApplyPriceTick(core.PriceTick{BestBid: d("99.9"), BestAsk: d("100.1"), At: time.Now()})
	assert.True(t, st.View().Mid.Equal(d("100")))
}
