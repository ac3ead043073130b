// Package reconcile keeps the state mirror honest. It merges two sources of
// truth: REST snapshots pulled on an interval and streamed deltas pushed by
// the gateway. Snapshots dominate; deltas only bridge the gaps between them.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"hedge-grid/internal/core"
	"hedge-grid/internal/gateway"
	"hedge-grid/internal/state"
)

type Engine struct {
	gw     gateway.Gateway
	store  *state.Store
	maxAge time.Duration
	log    *zap.Logger
	clock  func() time.Time
}

func NewEngine(gw gateway.Gateway, store *state.Store, maxAge time.Duration, log *zap.Logger) *Engine {
	return &Engine{
		gw:     gw,
		store:  store,
		maxAge: maxAge,
		log:    log,
		clock:  time.Now,
	}
}

// SyncPositions pulls both hedge-mode positions and overwrites the mirror.
func (e *Engine) SyncPositions(ctx context.Context) error {
	p, err := e.gw.FetchPositions(ctx)
	if err != nil {
		return fmt.Errorf("sync positions: %w", err)
	}
	e.store.ApplyPositionSnapshot(p, e.clock())
	return nil
}

// SyncOrders pulls the open order listing and rebuilds the counters.
func (e *Engine) SyncOrders(ctx context.Context) error {
	orders, err := e.gw.FetchOpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("sync orders: %w", err)
	}
	e.store.ApplyOrderSnapshot(orders, e.clock())
	return nil
}

func (e *Engine) SyncAll(ctx context.Context) error {
	if err := e.SyncPositions(ctx); err != nil {
		return err
	}
	return e.SyncOrders(ctx)
}

// EnsureFresh refreshes the mirror when the last snapshot is older than the
// sync interval. Returns core.ErrStaleState when the refresh itself fails,
// so callers skip the decision pass instead of acting on drifted numbers.
func (e *Engine) EnsureFresh(ctx context.Context) error {
	if !e.store.Stale(e.clock(), e.maxAge) {
		return nil
	}
	if err := e.SyncAll(ctx); err != nil {
		e.log.Warn("snapshot refresh failed", zap.Error(err))
		return fmt.Errorf("%w: %v", core.ErrStaleState, err)
	}
	return nil
}

// HandleEvent folds one streamed event into the mirror. A lost connection
// voids the sync stamps; a restored one triggers a full snapshot so missed
// deltas cannot linger.
func (e *Engine) HandleEvent(ctx context.Context, ev core.Event) error {
	switch v := ev.(type) {
	case core.PriceTick:
		e.store.ApplyPriceTick(v)
	case core.OrderUpdate:
		e.store.ApplyOrderUpdate(v)
	case core.PositionUpdate:
		e.store.ApplyPositionUpdate(v)
	case core.ConnectionLost:
		e.log.Warn("stream lost, voiding sync stamps", zap.Error(v.Err))
		e.store.MarkUnsynced()
	case core.ConnectionRestored:
		e.log.Info("stream restored, resyncing")
		if err := e.SyncAll(ctx); err != nil {
			return err
		}
	}
	return nil
}
