// Package risk holds the cross-side exposure overlay. It runs before the
// grid machines each pass and sheds inventory when both hedge sides are
// loaded at once, which ties up margin without directional purpose.
package risk

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"hedge-grid/internal/alert"
	"hedge-grid/internal/core"
	"hedge-grid/internal/metrics"
	"hedge-grid/internal/orders"
	"hedge-grid/internal/state"
)

var (
	armFraction    = decimal.RequireFromString("0.8")
	reduceFraction = decimal.RequireFromString("0.1")
)

type Controller struct {
	threshold decimal.Decimal
	orders    *orders.Manager
	log       *zap.Logger
	met       *metrics.Metrics
	alert     alert.Alerter
	clock     func() time.Time
}

func NewController(threshold decimal.Decimal, om *orders.Manager, log *zap.Logger, met *metrics.Metrics, alerter alert.Alerter) *Controller {
	return &Controller{
		threshold: threshold,
		orders:    om,
		log:       log,
		met:       met,
		alert:     alerter,
		clock:     time.Now,
	}
}

// ReduceQty is the size of each reduce-only market order a firing places.
func (c *Controller) ReduceQty() decimal.Decimal {
	return c.threshold.Mul(reduceFraction)
}

// Evaluate fires a paired reduction when both sides hold at least 80% of the
// position threshold: one reduce-only market order per side, each sized at
// 10% of the threshold. Grid state is untouched; the reduction shows up in
// the mirror through the normal fill events.
func (c *Controller) Evaluate(ctx context.Context, v state.View) bool {
	arm := c.threshold.Mul(armFraction)
	if v.Long.Position.LessThan(arm) || v.Short.Position.LessThan(arm) {
		return false
	}

	qty := c.ReduceQty()
	c.log.Warn("both sides loaded, reducing inventory",
		zap.String("long", v.Long.Position.String()),
		zap.String("short", v.Short.Position.String()),
		zap.String("qty", qty.String()))

	fired := false
	for _, side := range []core.Side{core.Long, core.Short} {
		if _, err := c.orders.PlaceMarketReduce(ctx, side, qty); err != nil {
			c.log.Warn("market reduce failed", zap.String("side", string(side)), zap.Error(err))
			continue
		}
		fired = true
	}
	if !fired {
		return false
	}
	if c.met != nil {
		c.met.RiskReductions.Inc()
	}
	if c.alert != nil {
		c.alert.Important("risk_reduction", map[string]string{
			"long":  v.Long.Position.String(),
			"short": v.Short.Position.String(),
			"qty":   qty.String(),
		})
	}
	return true
}
