// Package state holds the bot's local mirror of exchange state: per-side
// positions, aggregate open-order quantities, and grid anchors. Two writers
// feed it, periodic REST snapshots and streamed deltas, and snapshots always
// win: only they stamp the sync clock that bounds drift.
package state

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"hedge-grid/internal/core"
)

// GridBounds are the entry and take-profit price anchors for one side.
// They are defined only while the side holds a position and are recomputed
// once per re-anchor, never per tick.
type GridBounds struct {
	Entry      decimal.Decimal
	TakeProfit decimal.Decimal
	Set        bool
}

// SideState is one hedge-mode side of the mirror. Position and order
// snapshots certify freshness independently: an order-only resync must not
// renew trust in positions that were never pulled, and vice versa.
type SideState struct {
	Position       decimal.Decimal
	EntryQty       decimal.Decimal
	TakeQty        decimal.Decimal
	Bounds         GridBounds
	PositionSyncAt time.Time
	OrderSyncAt    time.Time
}

// View is a consistent copy of the whole mirror taken under one lock.
type View struct {
	Long    SideState
	Short   SideState
	BestBid decimal.Decimal
	BestAsk decimal.Decimal
	Mid     decimal.Decimal
	PriceAt time.Time
}

func (v View) Side(s core.Side) SideState {
	if s == core.Long {
		return v.Long
	}
	return v.Short
}

// OpenQty returns the aggregate open quantity for one side and category.
func (s SideState) OpenQty(cat core.OrderCategory) decimal.Decimal {
	if cat == core.Entry {
		return s.EntryQty
	}
	return s.TakeQty
}

// Store is the single shared mirror. All methods are safe for concurrent
// use, though in practice only the decision loop mutates it.
type Store struct {
	mu      sync.Mutex
	long    SideState
	short   SideState
	bestBid decimal.Decimal
	bestAsk decimal.Decimal
	priceAt time.Time
}

func NewStore() *Store {
	return &Store{}
}

func (st *Store) View() View {
	st.mu.Lock()
	defer st.mu.Unlock()
	v := View{
		Long:    st.long,
		Short:   st.short,
		BestBid: st.bestBid,
		BestAsk: st.bestAsk,
		PriceAt: st.priceAt,
	}
	if st.bestBid.Sign() > 0 && st.bestAsk.Sign() > 0 {
		v.Mid = st.bestBid.Add(st.bestAsk).Div(decimal.NewFromInt(2))
	}
	return v
}

func (st *Store) side(s core.Side) *SideState {
	if s == core.Long {
		return &st.long
	}
	return &st.short
}

// ApplyPositionSnapshot overwrites both positions with REST truth and stamps
// the position sync clocks. A side going flat loses its grid anchors.
func (st *Store) ApplyPositionSnapshot(p core.Positions, at time.Time) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.long.Position = core.ClampNonNegative(p.Long)
	st.short.Position = core.ClampNonNegative(p.Short)
	st.long.PositionSyncAt = at
	st.short.PositionSyncAt = at
	if st.long.Position.Sign() == 0 {
		st.long.Bounds = GridBounds{}
	}
	if st.short.Position.Sign() == 0 {
		st.short.Bounds = GridBounds{}
	}
}

// ApplyOrderSnapshot rebuilds the four aggregate counters from a full open
// order listing, replacing whatever the deltas had accumulated.
func (st *Store) ApplyOrderSnapshot(orders []core.Order, at time.Time) {
	var longEntry, longTake, shortEntry, shortTake decimal.Decimal
	for _, o := range orders {
		qty := core.ClampNonNegative(o.RemainingQty)
		switch {
		case o.Side == core.Long && o.Category() == core.Entry:
			longEntry = longEntry.Add(qty)
		case o.Side == core.Long && o.Category() == core.TakeProfit:
			longTake = longTake.Add(qty)
		case o.Side == core.Short && o.Category() == core.Entry:
			shortEntry = shortEntry.Add(qty)
		default:
			shortTake = shortTake.Add(qty)
		}
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	st.long.EntryQty = longEntry
	st.long.TakeQty = longTake
	st.short.EntryQty = shortEntry
	st.short.TakeQty = shortTake
	st.long.OrderSyncAt = at
	st.short.OrderSyncAt = at
}

// ApplyOrderUpdate folds one streamed order transition into the counters.
// NEW adds the remaining quantity; fills subtract the filled delta and move
// the position; CANCELED and its terminal kin subtract what was left. Every
// result is clamped at zero so a replayed or reordered event cannot drive a
// counter negative.
func (st *Store) ApplyOrderUpdate(u core.OrderUpdate) {
	st.mu.Lock()
	defer st.mu.Unlock()
	side := st.side(u.Side)
	cat := core.CategoryOf(u.ReduceOnly)

	switch u.State {
	case core.OrderNew:
		side.addOpen(cat, u.RemainingQty)
	case core.OrderPartiallyFilled, core.OrderFilled:
		side.addOpen(cat, u.FilledDelta.Neg())
		if cat == core.Entry {
			side.Position = core.ClampNonNegative(side.Position.Add(u.FilledDelta))
		} else {
			side.Position = core.ClampNonNegative(side.Position.Sub(u.FilledDelta))
		}
		if side.Position.Sign() == 0 {
			side.Bounds = GridBounds{}
		}
	case core.OrderCanceled, core.OrderRejected, core.OrderExpired:
		side.addOpen(cat, u.RemainingQty.Neg())
	}
}

// ApplyPositionUpdate sets one side's position from a streamed absolute
// value. It deliberately does not stamp the sync clock: only snapshots
// certify freshness.
func (st *Store) ApplyPositionUpdate(u core.PositionUpdate) {
	st.mu.Lock()
	defer st.mu.Unlock()
	side := st.side(u.Side)
	side.Position = core.ClampNonNegative(u.Qty)
	if side.Position.Sign() == 0 {
		side.Bounds = GridBounds{}
	}
}

func (st *Store) ApplyPriceTick(t core.PriceTick) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.bestBid = t.BestBid
	st.bestAsk = t.BestAsk
	st.priceAt = t.At
}

// ReanchorGrid fixes one side's entry and take-profit anchors around mid.
// Long buys below and takes profit above; short mirrors it.
func (st *Store) ReanchorGrid(s core.Side, mid, spacing decimal.Decimal) GridBounds {
	one := decimal.NewFromInt(1)
	var b GridBounds
	if s == core.Long {
		b = GridBounds{
			Entry:      mid.Mul(one.Sub(spacing)),
			TakeProfit: mid.Mul(one.Add(spacing)),
			Set:        true,
		}
	} else {
		b = GridBounds{
			Entry:      mid.Mul(one.Add(spacing)),
			TakeProfit: mid.Mul(one.Sub(spacing)),
			Set:        true,
		}
	}
	st.mu.Lock()
	st.side(s).Bounds = b
	st.mu.Unlock()
	return b
}

func (st *Store) ClearBounds(s core.Side) {
	st.mu.Lock()
	st.side(s).Bounds = GridBounds{}
	st.mu.Unlock()
}

// MarkUnsynced zeroes every sync clock so the next freshness check forces a
// full snapshot refresh. Called when the stream drops.
func (st *Store) MarkUnsynced() {
	st.mu.Lock()
	st.long.PositionSyncAt = time.Time{}
	st.long.OrderSyncAt = time.Time{}
	st.short.PositionSyncAt = time.Time{}
	st.short.OrderSyncAt = time.Time{}
	st.mu.Unlock()
}

// Stale reports whether any snapshot kind on either side is older than
// maxAge. Positions and orders age independently, so a recent order resync
// cannot mask positions that have not been pulled.
func (st *Store) Stale(now time.Time, maxAge time.Duration) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, at := range []time.Time{
		st.long.PositionSyncAt, st.long.OrderSyncAt,
		st.short.PositionSyncAt, st.short.OrderSyncAt,
	} {
		if at.IsZero() || now.Sub(at) > maxAge {
			return true
		}
	}
	return false
}

func (s *SideState) addOpen(cat core.OrderCategory, delta decimal.Decimal) {
	if cat == core.Entry {
		s.EntryQty = core.ClampNonNegative(s.EntryQty.Add(delta))
	} else {
		s.TakeQty = core.ClampNonNegative(s.TakeQty.Add(delta))
	}
}
