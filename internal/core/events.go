package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event is the tagged union pushed by a gateway stream. Events are
// at-least-once and may arrive out of order relative to snapshots; the
// reconciliation engine tolerates both.
type Event interface {
	event()
}

// PriceTick carries the current top of book.
type PriceTick struct {
	BestBid decimal.Decimal
	BestAsk decimal.Decimal
	At      time.Time
}

func (t PriceTick) Mid() decimal.Decimal {
	return t.BestBid.Add(t.BestAsk).Div(decimal.NewFromInt(2))
}

// PositionUpdate is an absolute push of one side's position quantity.
type PositionUpdate struct {
	Side Side
	Qty  decimal.Decimal
}

// OrderUpdate is an order lifecycle transition. RemainingQty is the unfilled
// quantity after the transition; FilledDelta is the quantity filled by this
// event alone (zero for NEW and CANCELED).
type OrderUpdate struct {
	Side         Side
	ReduceOnly   bool
	State        OrderState
	Price        decimal.Decimal
	RemainingQty decimal.Decimal
	FilledDelta  decimal.Decimal
}

// ConnectionLost signals the stream dropped; local state must be considered
// unsynced until a snapshot refresh completes after reconnection.
type ConnectionLost struct {
	Err error
}

// ConnectionRestored signals the stream is live again.
type ConnectionRestored struct{}

func (PriceTick) event()           {}
func (PositionUpdate) event()      {}
func (OrderUpdate) event()         {}
func (ConnectionLost) event()      {}
func (ConnectionRestored) event()  {}
