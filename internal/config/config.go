package config

import (
	"bytes"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Symbol        string              `yaml:"symbol"`
	InstanceID    string              `yaml:"instance_id"`
	Grid          GridConfig          `yaml:"grid"`
	Exchange      ExchangeConfig      `yaml:"exchange"`
	Rules         RulesConfig         `yaml:"rules"`
	State         StateConfig         `yaml:"state"`
	Engine        EngineConfig        `yaml:"engine"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// GridConfig is the strategy surface: spacing and clip size of the grid,
// the soft and hard position caps, and the timing knobs. All values are
// immutable for the lifetime of the process.
type GridConfig struct {
	Spacing              Decimal `yaml:"spacing"`
	InitialQuantity      Decimal `yaml:"initial_quantity"`
	Leverage             int     `yaml:"leverage"`
	PositionThreshold    Decimal `yaml:"position_threshold"`
	PositionLimit        Decimal `yaml:"position_limit"`
	SyncIntervalSec      int64   `yaml:"sync_interval_sec"`
	FirstOrderDelaySec   int64   `yaml:"first_order_delay_sec"`
	DefensiveCooldownSec int64   `yaml:"defensive_cooldown_sec"`
}

type ExchangeConfig struct {
	APIKey                string `yaml:"api_key"`
	APISecret             string `yaml:"api_secret"`
	RestBaseURL           string `yaml:"rest_base_url"`
	WSBaseURL             string `yaml:"ws_base_url"`
	RecvWindowMs          int64  `yaml:"recv_window_ms"`
	HTTPTimeoutSec        int64  `yaml:"http_timeout_sec"`
	ListenKeyKeepaliveSec int64  `yaml:"listen_key_keepalive_sec"`
}

// RulesConfig optionally overrides the filters discovered from the exchange.
// Used by tests and for instruments whose metadata endpoint is unreliable.
type RulesConfig struct {
	PriceTick Decimal `yaml:"price_tick"`
	QtyStep   Decimal `yaml:"qty_step"`
	MinQty    Decimal `yaml:"min_qty"`
}

type StateConfig struct {
	Dir          string `yaml:"dir"`
	LockTakeover *bool  `yaml:"lock_takeover"`
	LockStaleSec int64  `yaml:"lock_stale_sec"`
}

type EngineConfig struct {
	QueueSize            int   `yaml:"queue_size"`
	TickThrottleMs       int64 `yaml:"tick_throttle_ms"`
	WatchdogSec          int64 `yaml:"watchdog_sec"`
	BreakerEnabled       bool  `yaml:"breaker_enabled"`
	MaxReconnects        int   `yaml:"max_reconnects"`
	ReconnectCooldownSec int64 `yaml:"reconnect_cooldown_sec"`
}

type ObservabilityConfig struct {
	LogLevel    string         `yaml:"log_level"`
	MetricsAddr string         `yaml:"metrics_addr"`
	JournalPath string         `yaml:"journal_path"`
	Telegram    TelegramConfig `yaml:"telegram"`
}

type TelegramConfig struct {
	Enabled    bool   `yaml:"enabled"`
	BotToken   string `yaml:"bot_token"`
	ChatID     string `yaml:"chat_id"`
	APIBaseURL string `yaml:"api_base_url"`
	TimeoutSec int64  `yaml:"timeout_sec"`
}

func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(data)
}

func Parse(data []byte) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return Config{}, fmt.Errorf("config must contain a single YAML document")
		}
		return Config{}, err
	}
	cfg.normalize()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.Symbol = strings.ToUpper(strings.TrimSpace(c.Symbol))
	c.InstanceID = strings.ToLower(strings.TrimSpace(c.InstanceID))
	c.Exchange.APIKey = strings.TrimSpace(c.Exchange.APIKey)
	c.Exchange.APISecret = strings.TrimSpace(c.Exchange.APISecret)
	c.Exchange.RestBaseURL = strings.TrimSpace(c.Exchange.RestBaseURL)
	c.Exchange.WSBaseURL = strings.TrimSpace(c.Exchange.WSBaseURL)
	c.State.Dir = strings.TrimSpace(c.State.Dir)
	c.Observability.LogLevel = strings.ToLower(strings.TrimSpace(c.Observability.LogLevel))
	c.Observability.MetricsAddr = strings.TrimSpace(c.Observability.MetricsAddr)
	c.Observability.JournalPath = strings.TrimSpace(c.Observability.JournalPath)
	c.Observability.Telegram.BotToken = strings.TrimSpace(c.Observability.Telegram.BotToken)
	c.Observability.Telegram.ChatID = strings.TrimSpace(c.Observability.Telegram.ChatID)
	c.Observability.Telegram.APIBaseURL = strings.TrimSpace(c.Observability.Telegram.APIBaseURL)
}

func (c *Config) applyDefaults() {
	if c.InstanceID == "" {
		c.InstanceID = "default"
	}
	if c.Grid.Leverage == 0 {
		c.Grid.Leverage = 20
	}
	if c.Grid.SyncIntervalSec == 0 {
		c.Grid.SyncIntervalSec = 60
	}
	if c.Grid.FirstOrderDelaySec == 0 {
		c.Grid.FirstOrderDelaySec = 10
	}
	if c.Grid.DefensiveCooldownSec == 0 {
		c.Grid.DefensiveCooldownSec = 10
	}
	if c.Exchange.RecvWindowMs == 0 {
		c.Exchange.RecvWindowMs = 5000
	}
	if c.Exchange.HTTPTimeoutSec == 0 {
		c.Exchange.HTTPTimeoutSec = 15
	}
	if c.Exchange.ListenKeyKeepaliveSec == 0 {
		c.Exchange.ListenKeyKeepaliveSec = 1800
	}
	if c.Exchange.RestBaseURL == "" {
		c.Exchange.RestBaseURL = "https://fapi.binance.com"
	}
	if c.Exchange.WSBaseURL == "" {
		c.Exchange.WSBaseURL = "wss://fstream.binance.com/ws"
	}
	if c.State.Dir == "" {
		c.State.Dir = "state"
	}
	if c.State.LockTakeover == nil {
		enabled := true
		c.State.LockTakeover = &enabled
	}
	if c.State.LockStaleSec == 0 {
		c.State.LockStaleSec = 600
	}
	if c.Engine.QueueSize == 0 {
		c.Engine.QueueSize = 256
	}
	if c.Engine.TickThrottleMs == 0 {
		c.Engine.TickThrottleMs = 500
	}
	if c.Engine.MaxReconnects == 0 {
		c.Engine.MaxReconnects = 10
	}
	if c.Engine.ReconnectCooldownSec == 0 {
		c.Engine.ReconnectCooldownSec = 30
	}
	if c.Observability.LogLevel == "" {
		c.Observability.LogLevel = "info"
	}
	if c.Observability.Telegram.APIBaseURL == "" {
		c.Observability.Telegram.APIBaseURL = "https://api.telegram.org"
	}
	if c.Observability.Telegram.TimeoutSec == 0 {
		c.Observability.Telegram.TimeoutSec = 10
	}
}

func (c Config) Validate() error {
	if c.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if !isValidSymbol(c.Symbol) {
		return fmt.Errorf("symbol must match [A-Z0-9], length 6..20")
	}
	if !isValidInstanceID(c.InstanceID) {
		return fmt.Errorf("instance_id must match [a-z0-9_-], length 1..24")
	}
	one := decimal.NewFromInt(1)
	if c.Grid.Spacing.Cmp(decimal.Zero) <= 0 || c.Grid.Spacing.Cmp(one) >= 0 {
		return fmt.Errorf("grid spacing must be in (0, 1)")
	}
	if c.Grid.InitialQuantity.Cmp(decimal.Zero) <= 0 {
		return fmt.Errorf("grid initial_quantity must be > 0")
	}
	if c.Grid.Leverage < 1 || c.Grid.Leverage > 125 {
		return fmt.Errorf("grid leverage must be between 1 and 125")
	}
	if c.Grid.PositionThreshold.Cmp(decimal.Zero) <= 0 {
		return fmt.Errorf("grid position_threshold must be > 0")
	}
	if c.Grid.PositionLimit.Cmp(decimal.Zero) <= 0 {
		return fmt.Errorf("grid position_limit must be > 0")
	}
	if c.Grid.PositionLimit.Cmp(c.Grid.PositionThreshold.Decimal) >= 0 {
		return fmt.Errorf("grid position_limit must be below position_threshold")
	}
	if c.Grid.SyncIntervalSec < 1 || c.Grid.SyncIntervalSec > 3600 {
		return fmt.Errorf("grid sync_interval_sec must be between 1 and 3600")
	}
	if c.Grid.FirstOrderDelaySec < 1 || c.Grid.FirstOrderDelaySec > 600 {
		return fmt.Errorf("grid first_order_delay_sec must be between 1 and 600")
	}
	if c.Grid.DefensiveCooldownSec < 1 || c.Grid.DefensiveCooldownSec > 600 {
		return fmt.Errorf("grid defensive_cooldown_sec must be between 1 and 600")
	}
	if c.Rules.PriceTick.Cmp(decimal.Zero) < 0 || c.Rules.QtyStep.Cmp(decimal.Zero) < 0 || c.Rules.MinQty.Cmp(decimal.Zero) < 0 {
		return fmt.Errorf("rules overrides must be >= 0")
	}
	if c.Exchange.APIKey == "" || c.Exchange.APISecret == "" {
		return fmt.Errorf("exchange api_key/api_secret are required")
	}
	if c.Exchange.RecvWindowMs < 1 || c.Exchange.RecvWindowMs > 60000 {
		return fmt.Errorf("exchange recv_window_ms must be between 1 and 60000")
	}
	if c.Exchange.HTTPTimeoutSec < 1 || c.Exchange.HTTPTimeoutSec > 120 {
		return fmt.Errorf("exchange http_timeout_sec must be between 1 and 120")
	}
	if c.Exchange.ListenKeyKeepaliveSec < 60 || c.Exchange.ListenKeyKeepaliveSec > 3600 {
		return fmt.Errorf("exchange listen_key_keepalive_sec must be between 60 and 3600")
	}
	if err := validateURL(c.Exchange.RestBaseURL, "http", "https"); err != nil {
		return fmt.Errorf("exchange rest_base_url %v", err)
	}
	if err := validateURL(c.Exchange.WSBaseURL, "ws", "wss"); err != nil {
		return fmt.Errorf("exchange ws_base_url %v", err)
	}
	if c.State.LockStaleSec < 0 || c.State.LockStaleSec > 86400 {
		return fmt.Errorf("state.lock_stale_sec must be between 0 and 86400")
	}
	if c.Engine.QueueSize < 16 || c.Engine.QueueSize > 65536 {
		return fmt.Errorf("engine.queue_size must be between 16 and 65536")
	}
	if c.Engine.TickThrottleMs < 0 || c.Engine.TickThrottleMs > 10000 {
		return fmt.Errorf("engine.tick_throttle_ms must be between 0 and 10000")
	}
	if c.Engine.WatchdogSec < 0 || c.Engine.WatchdogSec > 3600 {
		return fmt.Errorf("engine.watchdog_sec must be between 0 and 3600")
	}
	if c.Engine.MaxReconnects < 1 {
		return fmt.Errorf("engine.max_reconnects must be >= 1")
	}
	if c.Engine.ReconnectCooldownSec < 1 || c.Engine.ReconnectCooldownSec > 3600 {
		return fmt.Errorf("engine.reconnect_cooldown_sec must be between 1 and 3600")
	}
	switch c.Observability.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("observability.log_level must be debug, info, warn, or error")
	}
	if c.Observability.Telegram.Enabled {
		if c.Observability.Telegram.BotToken == "" {
			return fmt.Errorf("observability.telegram.bot_token is required when telegram enabled")
		}
		if c.Observability.Telegram.ChatID == "" {
			return fmt.Errorf("observability.telegram.chat_id is required when telegram enabled")
		}
		if c.Observability.Telegram.TimeoutSec < 1 || c.Observability.Telegram.TimeoutSec > 120 {
			return fmt.Errorf("observability.telegram.timeout_sec must be between 1 and 120")
		}
		if err := validateURL(c.Observability.Telegram.APIBaseURL, "http", "https"); err != nil {
			return fmt.Errorf("observability.telegram.api_base_url %v", err)
		}
	}
	return nil
}

// RuleOverrides reports the configured filter overrides, if any are set.
func (c Config) RuleOverrides() (priceTick, qtyStep, minQty decimal.Decimal, any bool) {
	priceTick = c.Rules.PriceTick.Decimal
	qtyStep = c.Rules.QtyStep.Decimal
	minQty = c.Rules.MinQty.Decimal
	any = priceTick.Cmp(decimal.Zero) > 0 || qtyStep.Cmp(decimal.Zero) > 0 || minQty.Cmp(decimal.Zero) > 0
	return priceTick, qtyStep, minQty, any
}

func isValidInstanceID(v string) bool {
	if len(v) < 1 || len(v) > 24 {
		return false
	}
	for _, r := range v {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			continue
		}
		return false
	}
	return true
}

func isValidSymbol(v string) bool {
	if len(v) < 6 || len(v) > 20 {
		return false
	}
	for _, r := range v {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			continue
		}
		return false
	}
	return true
}

func validateURL(raw string, schemes ...string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("must be a valid URL: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("must include scheme and host")
	}
	for _, s := range schemes {
		if parsed.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("scheme must be %s", strings.Join(schemes, " or "))
}
