package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"go.uber.org/zap"

	"hedge-grid/internal/alert"
	"hedge-grid/internal/config"
	"hedge-grid/internal/engine"
	"hedge-grid/internal/gateway/binance"
	"hedge-grid/internal/journal"
	"hedge-grid/internal/logging"
	"hedge-grid/internal/metrics"
	"hedge-grid/internal/orders"
	"hedge-grid/internal/reconcile"
	"hedge-grid/internal/risk"
	"hedge-grid/internal/safety"
	"hedge-grid/internal/state"
	"hedge-grid/internal/store"
	"hedge-grid/internal/strategy"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config/config.yaml", "config yaml path")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fatal(err.Error())
	}

	log := logging.New(cfg.Observability.LogLevel).With(
		zap.String("symbol", cfg.Symbol),
		zap.String("instance", cfg.InstanceID),
	)
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	met := metrics.New(cfg.Symbol)
	if addr := cfg.Observability.MetricsAddr; addr != "" {
		go serveMetrics(addr, met, log)
	}

	alerts := buildAlertManager(cfg, log)
	if alerts != nil {
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := alerts.Close(closeCtx); err != nil {
				log.Warn("close alert manager failed", zap.Error(err))
			}
		}()
	}

	stateDir := filepath.Join(cfg.State.Dir, cfg.Symbol, cfg.InstanceID)
	files, err := store.New(stateDir, log)
	if err != nil {
		fatal(err.Error())
	}
	instanceLock, err := store.AcquireInstanceLockWithOptions(stateDir, store.LockOptions{
		TakeoverEnabled: *cfg.State.LockTakeover,
		StaleAfter:      time.Duration(cfg.State.LockStaleSec) * time.Second,
		Symbol:          cfg.Symbol,
		InstanceID:      cfg.InstanceID,
	})
	if err != nil {
		fatal(err.Error())
	}
	defer func() {
		if relErr := instanceLock.Release(); relErr != nil {
			log.Warn("release instance lock failed", zap.Error(relErr))
		}
	}()

	var trades *journal.Journal
	if path := cfg.Observability.JournalPath; path != "" {
		trades, err = journal.Open(path)
		if err != nil {
			fatal(err.Error())
		}
		defer func() { _ = trades.Close() }()
	}

	client := binance.NewClient(cfg.Exchange, cfg.Engine, cfg.Symbol, met, log)
	if err := client.EnsureHedgeMode(ctx); err != nil {
		fatal(err.Error())
	}
	if err := client.SetLeverage(ctx, cfg.Grid.Leverage); err != nil {
		// Leverage changes are refused while positions are open; the prior
		// setting still applies, so this is not fatal.
		log.Warn("set leverage failed", zap.Int("leverage", cfg.Grid.Leverage), zap.Error(err))
	}
	rules, err := client.Rules(ctx)
	if err != nil {
		fatal(err.Error())
	}
	if tick, step, minQty, any := cfg.RuleOverrides(); any {
		if tick.IsPositive() {
			rules.PriceTick = tick
		}
		if step.IsPositive() {
			rules.QtyStep = step
		}
		if minQty.IsPositive() {
			rules.MinQty = minQty
		}
		log.Info("trading rules overridden",
			zap.String("price_tick", rules.PriceTick.String()),
			zap.String("qty_step", rules.QtyStep.String()),
			zap.String("min_qty", rules.MinQty.String()))
	}

	syncInterval := time.Duration(cfg.Grid.SyncIntervalSec) * time.Second
	mirror := state.NewStore()
	// Freshness bound equals the sync cadence: one missed periodic sync is
	// enough to force a refresh before the next evaluation.
	rec := reconcile.NewEngine(client, mirror, syncInterval, log)
	om := orders.NewManager(client, cfg.Symbol, rules, log, met)
	grid := strategy.NewGrid(strategy.Config{
		Spacing:           cfg.Grid.Spacing.Decimal,
		InitialQuantity:   cfg.Grid.InitialQuantity.Decimal,
		PositionThreshold: cfg.Grid.PositionThreshold.Decimal,
		PositionLimit:     cfg.Grid.PositionLimit.Decimal,
		FirstOrderDelay:   time.Duration(cfg.Grid.FirstOrderDelaySec) * time.Second,
		DefensiveCooldown: time.Duration(cfg.Grid.DefensiveCooldownSec) * time.Second,
	}, mirror, om, rec.SyncOrders, log, met, alerts)
	riskCtl := risk.NewController(cfg.Grid.PositionThreshold.Decimal, om, log, met, alerts)

	breaker := safety.NewBreaker(
		cfg.Engine.BreakerEnabled,
		cfg.Engine.MaxReconnects,
		time.Duration(cfg.Engine.ReconnectCooldownSec)*time.Second,
		log,
	)
	breaker.SetAlerter(alerts)

	watchdog, heartbeat := setupWatchdog(cfg, log)

	go watchConfig(ctx, configPath, log, alerts)

	runner := &engine.Runner{
		Gateway:      client,
		Reconciler:   rec,
		Strategy:     grid,
		Risk:         riskCtl,
		Mirror:       mirror,
		Files:        files,
		Journal:      trades,
		Breaker:      breaker,
		Alerts:       alerts,
		Log:          log,
		Met:          met,
		Symbol:       cfg.Symbol,
		InstanceID:   cfg.InstanceID,
		TickThrottle: time.Duration(cfg.Engine.TickThrottleMs) * time.Millisecond,
		SyncInterval: syncInterval,
		Heartbeat:    heartbeat,
		Watchdog:     watchdog,
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	err = runner.Run(ctx)
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("engine stopped", zap.Error(err))
		os.Exit(1)
	}
	log.Info("shutdown complete")
}

func buildAlertManager(cfg config.Config, log *zap.Logger) *alert.Manager {
	tg := cfg.Observability.Telegram
	if !tg.Enabled {
		return nil
	}
	notifier := alert.NewTelegramNotifier(
		tg.Enabled, tg.BotToken, tg.ChatID, tg.APIBaseURL,
		time.Duration(tg.TimeoutSec)*time.Second,
	)
	return alert.NewManager(cfg.Symbol, cfg.InstanceID, notifier, log)
}

// setupWatchdog prefers the systemd watchdog interval when the unit has one
// configured, otherwise falls back to the configured heartbeat.
func setupWatchdog(cfg config.Config, log *zap.Logger) (func(), time.Duration) {
	heartbeat := time.Duration(cfg.Engine.WatchdogSec) * time.Second
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		log.Warn("systemd watchdog probe failed", zap.Error(err))
		return nil, heartbeat
	}
	if interval <= 0 {
		return nil, heartbeat
	}
	log.Info("systemd watchdog enabled", zap.Duration("interval", interval))
	ping := func() {
		_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
	}
	return ping, interval / 2
}

// watchConfig reports drift between the running config and the file on
// disk. Strategy parameters are immutable per process, so a change only
// produces a log line and an alert asking for a restart.
func watchConfig(ctx context.Context, path string, log *zap.Logger, alerts alert.Alerter) {
	watcher := config.NewWatcher(path, func(_ config.Config, err error) {
		if err != nil {
			log.Warn("config reload failed", zap.Error(err))
			return
		}
		log.Warn("config file changed, restart required to apply")
		if alerts != nil {
			alerts.Important("config_changed", map[string]string{"path": path})
		}
	})
	if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Warn("config watcher stopped", zap.Error(err))
	}
}

func serveMetrics(addr string, met *metrics.Metrics, log *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", met.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	log.Info("metrics listener started", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Warn("metrics listener stopped", zap.Error(err))
	}
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}
