// Package engine owns the decision loop: the single goroutine allowed to
// mutate the state mirror and issue orders. Everything else (stream pump,
// snapshot timer, keepalive) only produces input for it. The loop survives
// stream failures by reconnecting behind the circuit breaker with bounded
// backoff; only startup-class errors stop it.
package engine

import (
	"context"
	"errors"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"hedge-grid/internal/alert"
	"hedge-grid/internal/core"
	"hedge-grid/internal/gateway"
	"hedge-grid/internal/journal"
	"hedge-grid/internal/metrics"
	"hedge-grid/internal/reconcile"
	"hedge-grid/internal/risk"
	"hedge-grid/internal/safety"
	"hedge-grid/internal/state"
	"hedge-grid/internal/store"
	"hedge-grid/internal/strategy"
)

const (
	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second
)

type Runner struct {
	Gateway      gateway.Gateway
	Reconciler   *reconcile.Engine
	Strategy     *strategy.Grid
	Risk         *risk.Controller
	Mirror       *state.Store
	Files        *store.Store
	Journal      *journal.Journal
	Breaker      *safety.Breaker
	Alerts       alert.Alerter
	Log          *zap.Logger
	Met          *metrics.Metrics
	Symbol       string
	InstanceID   string
	TickThrottle time.Duration
	SyncInterval time.Duration
	Heartbeat    time.Duration

	// Watchdog pings systemd (or any supervisor hook) while the loop is
	// healthy. Nil when not running under a watchdog.
	Watchdog func()

	// InitialBackoff overrides the reconnect backoff base. Zero keeps the
	// default; only tests shrink it.
	InitialBackoff time.Duration

	clock func() time.Time
	pid   int
}

// Run drives the reconnect loop until ctx is canceled or the breaker gives
// a terminal verdict.
func (r *Runner) Run(ctx context.Context) (runErr error) {
	if r.clock == nil {
		r.clock = time.Now
	}
	backoff := r.baseBackoff()
	reconnectAttempts := 0
	disconnectedAt := time.Time{}
	startedAt := r.clock().UTC()

	r.persistStatus("starting", startedAt, reconnectAttempts, disconnectedAt, nil)
	defer func() {
		err := runErr
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		r.persistStatus("stopped", startedAt, reconnectAttempts, disconnectedAt, err)
	}()

	for {
		if reconnectAttempts > 0 {
			if allowErr := r.Breaker.AllowReconnect(); allowErr != nil {
				r.persistStatus("degraded", startedAt, reconnectAttempts, disconnectedAt, allowErr)
				wait := time.Second
				if rem := r.Breaker.CooldownRemaining(); rem > wait {
					wait = rem
				}
				select {
				case <-time.After(wait):
				case <-ctx.Done():
					return ctx.Err()
				}
				continue
			}
		}

		err := r.runOnce(ctx, &reconnectAttempts, &disconnectedAt, &backoff, startedAt)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if disconnectedAt.IsZero() {
			disconnectedAt = r.clock().UTC()
			r.alertImportant("stream_disconnected", map[string]string{
				"reason": err.Error(),
			})
		}
		reconnectAttempts++
		if r.Met != nil {
			r.Met.Reconnects.Inc()
		}
		r.persistStatus("degraded", startedAt, reconnectAttempts, disconnectedAt, err)

		if trip := r.Breaker.RecordReconnect(err); trip != nil && !errors.Is(trip, safety.ErrCircuitOpen) {
			return trip
		}
		r.Log.Warn("stream lost, reconnecting",
			zap.Int("attempt", reconnectAttempts),
			zap.Duration("backoff", backoff),
			zap.Error(err))

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		if backoff < maxBackoff {
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}
}

// runOnce connects the stream, resyncs, and consumes events until the
// stream dies or ctx is canceled. A nil return means clean shutdown.
func (r *Runner) runOnce(ctx context.Context, reconnectAttempts *int, disconnectedAt *time.Time, backoff *time.Duration, startedAt time.Time) error {
	if err := r.Reconciler.SyncAll(ctx); err != nil {
		return err
	}
	if r.Met != nil {
		r.Met.SnapshotSyncs.Inc()
	}

	events, errs, err := r.Gateway.Stream(ctx)
	if err != nil {
		return err
	}

	if *reconnectAttempts > 0 && !disconnectedAt.IsZero() {
		down := r.clock().Sub(*disconnectedAt).Round(time.Second)
		r.alertImportant("stream_reconnected", map[string]string{
			"reconnect_attempts": strconv.Itoa(*reconnectAttempts),
			"down_duration":      down.String(),
		})
		*disconnectedAt = time.Time{}
	}
	*reconnectAttempts = 0
	*backoff = r.baseBackoff()
	r.Breaker.RecordReconnect(nil)
	r.persistStatus("running", startedAt, 0, time.Time{}, nil)

	syncTicker := time.NewTicker(r.SyncInterval)
	defer syncTicker.Stop()

	var heartbeat <-chan time.Time
	if r.Heartbeat > 0 {
		ticker := time.NewTicker(r.Heartbeat)
		defer ticker.Stop()
		heartbeat = ticker.C
	}

	var lastEval time.Time
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return errors.New("event stream closed")
			}
			if err := r.handleEvent(ctx, ev, &lastEval); err != nil {
				return err
			}
		case err, ok := <-errs:
			if ok && err != nil {
				return err
			}
		case <-syncTicker.C:
			if err := r.Reconciler.SyncAll(ctx); err != nil {
				r.Log.Warn("periodic sync failed", zap.Error(err))
				if r.Met != nil {
					r.Met.SyncFailures.Inc()
				}
				continue
			}
			if r.Met != nil {
				r.Met.SnapshotSyncs.Inc()
			}
		case <-heartbeat:
			if r.Watchdog != nil {
				r.Watchdog()
			}
			r.persistStatus("running", startedAt, 0, time.Time{}, nil)
			r.persistMirror()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (r *Runner) handleEvent(ctx context.Context, ev core.Event, lastEval *time.Time) error {
	if err := r.Reconciler.HandleEvent(ctx, ev); err != nil {
		// Resync after a restored stream failed; surface it so the
		// reconnect loop retries from a clean connection.
		return err
	}
	switch v := ev.(type) {
	case core.PriceTick:
		now := r.clock()
		if r.TickThrottle > 0 && now.Sub(*lastEval) < r.TickThrottle {
			return nil
		}
		*lastEval = now
		r.evaluate(ctx)
	case core.OrderUpdate:
		r.recordFill(ctx, v)
	}
	return nil
}

// evaluate runs one full decision pass: freshness guard, risk overlay, then
// the per-side grid machines.
func (r *Runner) evaluate(ctx context.Context) {
	started := r.clock()
	if err := r.Reconciler.EnsureFresh(ctx); err != nil {
		// Acting on drifted counters is worse than skipping a tick.
		r.Log.Warn("skipping evaluation on stale state", zap.Error(err))
		if r.Met != nil {
			r.Met.SyncFailures.Inc()
		}
		return
	}

	v := r.Mirror.View()
	if r.Risk != nil && r.Risk.Evaluate(ctx, v) {
		r.recordReduction(ctx)
	}
	r.Strategy.Evaluate(ctx)

	if r.Met != nil {
		r.Met.DecisionLatency.Observe(r.clock().Sub(started).Seconds())
		r.updateGauges()
	}
}

func (r *Runner) recordFill(ctx context.Context, u core.OrderUpdate) {
	if u.FilledDelta.Sign() <= 0 {
		return
	}
	cat := core.CategoryOf(u.ReduceOnly)
	if r.Met != nil {
		r.Met.Fills.WithLabelValues(string(u.Side), string(cat)).Inc()
	}
	if r.Journal == nil {
		return
	}
	if err := r.Journal.RecordFill(ctx, journal.FillRecord{
		Symbol:   r.Symbol,
		Side:     u.Side,
		Category: cat,
		Qty:      u.FilledDelta,
		Price:    u.Price,
	}); err != nil {
		r.Log.Warn("journal fill write failed", zap.Error(err))
	}
}

func (r *Runner) recordReduction(ctx context.Context) {
	if r.Journal == nil {
		return
	}
	qty := r.Risk.ReduceQty()
	for _, side := range []core.Side{core.Long, core.Short} {
		if err := r.Journal.RecordReduction(ctx, journal.ReductionRecord{
			Symbol: r.Symbol,
			Side:   side,
			Qty:    qty,
		}); err != nil {
			r.Log.Warn("journal reduction write failed", zap.Error(err))
		}
	}
}

func (r *Runner) updateGauges() {
	v := r.Mirror.View()
	r.Met.Position.WithLabelValues(string(core.Long)).Set(toFloat(v.Long.Position))
	r.Met.Position.WithLabelValues(string(core.Short)).Set(toFloat(v.Short.Position))
	r.Met.OpenOrderQty.WithLabelValues(string(core.Long), string(core.Entry)).Set(toFloat(v.Long.EntryQty))
	r.Met.OpenOrderQty.WithLabelValues(string(core.Long), string(core.TakeProfit)).Set(toFloat(v.Long.TakeQty))
	r.Met.OpenOrderQty.WithLabelValues(string(core.Short), string(core.Entry)).Set(toFloat(v.Short.EntryQty))
	r.Met.OpenOrderQty.WithLabelValues(string(core.Short), string(core.TakeProfit)).Set(toFloat(v.Short.TakeQty))
	r.Met.MidPrice.Set(toFloat(v.Mid))
}

func (r *Runner) persistStatus(stateName string, startedAt time.Time, attempts int, disconnectedAt time.Time, cause error) {
	if r.Files == nil {
		return
	}
	if r.pid == 0 {
		r.pid = pid()
	}
	status := store.RuntimeStatus{
		Symbol:            r.Symbol,
		InstanceID:        r.InstanceID,
		PID:               r.pid,
		State:             stateName,
		StartedAt:         startedAt,
		ReconnectAttempts: attempts,
	}
	if cause != nil {
		status.LastError = cause.Error()
	}
	if !disconnectedAt.IsZero() {
		t := disconnectedAt
		status.DisconnectedAt = &t
	}
	if err := r.Files.SaveRuntimeStatus(status); err != nil {
		r.Log.Warn("runtime status write failed", zap.Error(err))
	}
}

func (r *Runner) persistMirror() {
	if r.Files == nil {
		return
	}
	v := r.Mirror.View()
	snapshot := store.MirrorSnapshot{
		Symbol:  r.Symbol,
		Long:    sideStatus(v.Long, r.Strategy.Phase(core.Long)),
		Short:   sideStatus(v.Short, r.Strategy.Phase(core.Short)),
		BestBid: v.BestBid,
		BestAsk: v.BestAsk,
	}
	if err := r.Files.SaveMirror(snapshot); err != nil {
		r.Log.Warn("mirror snapshot write failed", zap.Error(err))
	}
}

func sideStatus(s state.SideState, phase strategy.Phase) store.SideStatus {
	out := store.SideStatus{
		Position:          s.Position,
		EntryOpenQty:      s.EntryQty,
		TakeProfitOpenQty: s.TakeQty,
		Phase:             string(phase),
		PositionSyncAt:    s.PositionSyncAt,
		OrderSyncAt:       s.OrderSyncAt,
	}
	if s.Bounds.Set {
		out.GridEntry = s.Bounds.Entry
		out.GridTakeProfit = s.Bounds.TakeProfit
	}
	return out
}

func (r *Runner) alertImportant(event string, fields map[string]string) {
	if r.Alerts == nil {
		return
	}
	r.Alerts.Important(event, fields)
}

func (r *Runner) baseBackoff() time.Duration {
	if r.InitialBackoff > 0 {
		return r.InitialBackoff
	}
	return initialBackoff
}

func toFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}

func pid() int {
	return os.Getpid()
}
