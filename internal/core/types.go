package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the hedge-mode position side an order or position belongs to.
// In dual-position mode both sides exist independently on one instrument.
type Side string

const (
	Long  Side = "LONG"
	Short Side = "SHORT"
)

func (s Side) Opposite() Side {
	if s == Long {
		return Short
	}
	return Long
}

// OrderCategory splits resting orders into the two grid roles. The mapping
// is derived from the reduce-only flag: entries add to a position,
// take-profits can only shrink one.
type OrderCategory string

const (
	Entry      OrderCategory = "ENTRY"
	TakeProfit OrderCategory = "TAKE_PROFIT"
)

func CategoryOf(reduceOnly bool) OrderCategory {
	if reduceOnly {
		return TakeProfit
	}
	return Entry
}

type OrderType string

const (
	Limit  OrderType = "LIMIT"
	Market OrderType = "MARKET"
)

type OrderState string

const (
	OrderNew             OrderState = "NEW"
	OrderPartiallyFilled OrderState = "PARTIALLY_FILLED"
	OrderFilled          OrderState = "FILLED"
	OrderCanceled        OrderState = "CANCELED"
	OrderRejected        OrderState = "REJECTED"
	OrderExpired         OrderState = "EXPIRED"
)

// Order is a resting order as reported by the exchange. RemainingQty is the
// unfilled portion; the exec direction (buy/sell) is implied by Side and
// ReduceOnly under hedge mode and resolved by the gateway.
type Order struct {
	ID           string
	Symbol       string
	Side         Side
	ReduceOnly   bool
	Type         OrderType
	Price        decimal.Decimal
	RemainingQty decimal.Decimal
	CreatedAt    time.Time
}

func (o Order) Category() OrderCategory {
	return CategoryOf(o.ReduceOnly)
}

// OrderRequest is a command toward the exchange. Price is ignored for
// market orders.
type OrderRequest struct {
	Symbol     string
	Side       Side
	ReduceOnly bool
	Type       OrderType
	Price      decimal.Decimal
	Qty        decimal.Decimal
}

// Positions is a full snapshot of both hedge-mode sides.
type Positions struct {
	Long  decimal.Decimal
	Short decimal.Decimal
}

func (p Positions) Get(side Side) decimal.Decimal {
	if side == Long {
		return p.Long
	}
	return p.Short
}

// Rules are the instrument trading filters discovered from the exchange:
// price tick, quantity step, and the minimum order quantity.
type Rules struct {
	PriceTick decimal.Decimal
	QtyStep   decimal.Decimal
	MinQty    decimal.Decimal
}
