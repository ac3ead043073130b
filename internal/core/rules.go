package core

import (
	"errors"

	"github.com/shopspring/decimal"
)

var ErrInvalidOrder = errors.New("invalid order")

// NormalizeRequest applies the instrument filters to an outgoing order:
// price rounded down to the tick, quantity rounded down to the step and then
// floored up to the exchange minimum.
func NormalizeRequest(req OrderRequest, rules Rules) (OrderRequest, error) {
	if req.Qty.Cmp(decimal.Zero) <= 0 {
		return req, ErrInvalidOrder
	}
	req.Qty = RoundDown(req.Qty, rules.QtyStep)
	if rules.MinQty.Cmp(decimal.Zero) > 0 && req.Qty.Cmp(rules.MinQty) < 0 {
		req.Qty = rules.MinQty
	}
	if req.Qty.Cmp(decimal.Zero) <= 0 {
		return req, ErrInvalidOrder
	}
	if req.Type == Market {
		return req, nil
	}
	if req.Price.Cmp(decimal.Zero) <= 0 {
		return req, ErrInvalidOrder
	}
	req.Price = RoundDown(req.Price, rules.PriceTick)
	if req.Price.Cmp(decimal.Zero) <= 0 {
		return req, ErrInvalidOrder
	}
	return req, nil
}

func RoundDown(value, step decimal.Decimal) decimal.Decimal {
	if step.Cmp(decimal.Zero) <= 0 {
		return value
	}
	return value.Div(step).Floor().Mul(step)
}

// ClampNonNegative floors a quantity at zero. Counters tolerate reordered
// deltas by clamping instead of going negative.
func ClampNonNegative(v decimal.Decimal) decimal.Decimal {
	if v.Cmp(decimal.Zero) < 0 {
		return decimal.Zero
	}
	return v
}
