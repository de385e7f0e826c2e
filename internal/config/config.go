// Package config defines all configuration for the market-making bot.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive and operational fields overridable via MMBOT_* environment
// variables using double-underscore section nesting.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun   bool           `mapstructure:"dry_run"`
	Trading  TradingConfig  `mapstructure:"trading"`
	Exchange ExchangeConfig `mapstructure:"exchange"`
	Risk     RiskConfig     `mapstructure:"risk"`
	System   SystemConfig   `mapstructure:"system"`
	Store    StoreConfig    `mapstructure:"store"`
	Outbox   OutboxConfig   `mapstructure:"outbox"`
	Reaper   ReaperConfig   `mapstructure:"reaper"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// TradingConfig tunes quote-ladder generation and asset-ratio management.
//
//   - BaseSpreadBps/TickSpreadBps: layer 1 sits base_spread_bps wide, each
//     deeper layer widens by tick_spread_bps.
//   - NumLayers: number of rungs generated per side (only layer 1 reaches
//     the OMS; the full ladder is observability-only).
//   - MinRequoteMs/StaleMs: requote gate and staleness gate on the
//     reference book.
//   - TargetAssetRatio/RatioTolerance: target quote/base asset value ratio
//     and the band around it the ratio manager treats as balanced.
type TradingConfig struct {
	SymbolSrc                 string   `mapstructure:"symbol_src"`
	SymbolDst                 string   `mapstructure:"symbol_dst"`
	BaseSpreadBps             int      `mapstructure:"base_spread_bps"`
	TickSpreadBps             int      `mapstructure:"tick_spread_bps"`
	NumLayers                 int      `mapstructure:"num_layers"`
	LayerLiquidityMultiplier  float64  `mapstructure:"layer_liquidity_multiplier"`
	TotalLiquidity            float64  `mapstructure:"total_liquidity"`
	MinQuoteSize               float64  `mapstructure:"min_quote_size"`
	MinRequoteMs               int64    `mapstructure:"min_requote_ms"`
	StaleMs                    int64    `mapstructure:"stale_ms"`
	TargetAssetRatio            float64  `mapstructure:"target_asset_ratio"`
	RatioTolerance              float64  `mapstructure:"ratio_tolerance"`
	SpreadAdjustmentFactor       float64  `mapstructure:"spread_adjustment_factor"`
	LiquidityAdjustmentFactor    float64  `mapstructure:"liquidity_adjustment_factor"`
	SideEnable                   []string `mapstructure:"side_enable"`
	QuoteBaseAsset               string   `mapstructure:"quote_base_asset"`
	QuoteQuoteAsset              string   `mapstructure:"quote_quote_asset"`
}

// ExchangeConfig holds destination-venue connection parameters. The
// concrete wire protocol is illustrative; these fields configure whichever
// VenueClient/MarketFeed adapter is wired in main.go.
type ExchangeConfig struct {
	RestBaseURL string `mapstructure:"rest_base_url"`
	WSMarketURL string `mapstructure:"ws_market_url"`
	WSUserURL   string `mapstructure:"ws_user_url"`
	APIKey      string `mapstructure:"api_key"`
	APISecret   string `mapstructure:"api_secret"`
}

// RiskConfig sets hard limits enforced by the OMS risk gates.
type RiskConfig struct {
	MaxPositionSize  float64 `mapstructure:"max_position_size"`
	MaxDailyLoss     float64 `mapstructure:"max_daily_loss"`
	MaxOpenOrders    int     `mapstructure:"max_open_orders"`
	MaxLayersPerSide int     `mapstructure:"max_layers_per_side"`
	EmergencyStop    bool    `mapstructure:"emergency_stop"`
	MaxSkew          float64 `mapstructure:"max_skew"`
	MinQuantity      float64 `mapstructure:"min_quantity"`
}

// Mode selects how orders are routed.
type Mode string

const (
	ModePaper   Mode = "paper"
	ModeTestnet Mode = "testnet"
	ModeLive    Mode = "live"
)

// SystemConfig holds process-level settings.
type SystemConfig struct {
	Mode                       Mode          `mapstructure:"mode"`
	DBPath                     string        `mapstructure:"db_path"`
	MaxOrdersPerSecond         float64       `mapstructure:"max_orders_per_second"`
	CleanupUnregisteredOrders  bool          `mapstructure:"cleanup_unregistered_orders"`
	CleanupCheckIntervalMs     int64         `mapstructure:"cleanup_check_interval_ms"`
	OrderRegistrationTimeoutMs int64         `mapstructure:"order_registration_timeout_ms"`
	HealthPort                 int           `mapstructure:"health_port"`
	ShutdownTimeout             time.Duration `mapstructure:"shutdown_timeout"`
}

// StoreConfig configures the durable relational store.
type StoreConfig struct {
	MaxConnections int `mapstructure:"max_connections"`
}

// OutboxConfig tunes the outbox worker's batching, retry, and circuit
// breaker behaviour.
type OutboxConfig struct {
	BatchSize         int           `mapstructure:"batch_size"`
	MaxConcurrent     int           `mapstructure:"max_concurrent"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	MaxRetries        int           `mapstructure:"max_retries"`
	BaseDelay         time.Duration `mapstructure:"base_delay"`
	MaxDelay          time.Duration `mapstructure:"max_delay"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier"`
	JitterEnabled     bool          `mapstructure:"jitter_enabled"`

	FailureThreshold int           `mapstructure:"breaker_failure_threshold"`
	RecoveryTimeout  time.Duration `mapstructure:"breaker_recovery_timeout"`
	SuccessThreshold int           `mapstructure:"breaker_success_threshold"`

	HealthAlertThreshold float64 `mapstructure:"health_alert_threshold"`
}

// ReaperConfig tunes the unregistered-order reaper's pagination and
// paced-cancellation behaviour.
type ReaperConfig struct {
	PageSize        int `mapstructure:"page_size"`
	CancelsPerBatch int `mapstructure:"cancels_per_batch"`
}

// LoggingConfig selects slog's handler and verbosity.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// IsSideEnabled reports whether side ("bid" or "ask") is in SideEnable.
func (t TradingConfig) IsSideEnabled(side string) bool {
	for _, s := range t.SideEnable {
		if strings.EqualFold(s, side) {
			return true
		}
	}
	return false
}

// TotalSpreadBps is the widened spread used for the don't-cross fallback:
// base + tick*(num_layers-1), matching the deepest configured layer.
func (t TradingConfig) TotalSpreadBps() int {
	n := t.NumLayers - 1
	if n < 0 {
		n = 0
	}
	return t.BaseSpreadBps + t.TickSpreadBps*n
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: MMBOT_EXCHANGE__API_KEY, MMBOT_EXCHANGE__API_SECRET.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("MMBOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "__"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if key := os.Getenv("MMBOT_EXCHANGE__API_KEY"); key != "" {
		cfg.Exchange.APIKey = key
	}
	if secret := os.Getenv("MMBOT_EXCHANGE__API_SECRET"); secret != "" {
		cfg.Exchange.APISecret = secret
	}
	if dr := os.Getenv("MMBOT_DRY_RUN"); dr == "true" || dr == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("trading.num_layers", 1)
	v.SetDefault("trading.layer_liquidity_multiplier", 1.0)
	v.SetDefault("trading.side_enable", []string{"bid", "ask"})
	v.SetDefault("trading.target_asset_ratio", 1.0)
	v.SetDefault("trading.ratio_tolerance", 0.1)
	v.SetDefault("trading.spread_adjustment_factor", 0.2)
	v.SetDefault("trading.liquidity_adjustment_factor", 0.2)
	v.SetDefault("system.mode", "paper")
	v.SetDefault("system.health_port", 8090)
	v.SetDefault("system.shutdown_timeout", 10*time.Second)
	v.SetDefault("system.cleanup_check_interval_ms", 60_000)
	v.SetDefault("system.order_registration_timeout_ms", 30_000)
	v.SetDefault("store.max_connections", 10)
	v.SetDefault("outbox.batch_size", 20)
	v.SetDefault("outbox.max_concurrent", 5)
	v.SetDefault("outbox.poll_interval", 1*time.Second)
	v.SetDefault("outbox.max_retries", 3)
	v.SetDefault("outbox.base_delay", 1*time.Second)
	v.SetDefault("outbox.max_delay", 60*time.Second)
	v.SetDefault("outbox.backoff_multiplier", 2.0)
	v.SetDefault("outbox.jitter_enabled", true)
	v.SetDefault("outbox.breaker_failure_threshold", 5)
	v.SetDefault("outbox.breaker_recovery_timeout", 30*time.Second)
	v.SetDefault("outbox.breaker_success_threshold", 2)
	v.SetDefault("outbox.health_alert_threshold", 50.0)
	v.SetDefault("reaper.page_size", 250)
	v.SetDefault("reaper.cancels_per_batch", 5)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Trading.SymbolSrc == "" {
		return fmt.Errorf("trading.symbol_src is required")
	}
	if c.Trading.SymbolDst == "" {
		return fmt.Errorf("trading.symbol_dst is required")
	}
	if c.Trading.NumLayers <= 0 {
		return fmt.Errorf("trading.num_layers must be > 0")
	}
	if c.Trading.TotalLiquidity <= 0 {
		return fmt.Errorf("trading.total_liquidity must be > 0")
	}
	if c.Trading.MinQuoteSize <= 0 {
		return fmt.Errorf("trading.min_quote_size must be > 0")
	}
	if len(c.Trading.SideEnable) == 0 {
		return fmt.Errorf("trading.side_enable must include at least one of bid, ask")
	}
	if c.Risk.MaxOpenOrders <= 0 {
		return fmt.Errorf("risk.max_open_orders must be > 0")
	}
	if c.Risk.MaxPositionSize <= 0 {
		return fmt.Errorf("risk.max_position_size must be > 0")
	}
	switch c.System.Mode {
	case ModePaper, ModeTestnet, ModeLive:
	default:
		return fmt.Errorf("system.mode must be one of paper, testnet, live")
	}
	if c.System.Mode == ModeLive {
		if c.Exchange.APIKey == "" {
			return fmt.Errorf("exchange.api_key is required in live mode (set MMBOT_EXCHANGE__API_KEY)")
		}
		if c.Exchange.APISecret == "" {
			return fmt.Errorf("exchange.api_secret is required in live mode (set MMBOT_EXCHANGE__API_SECRET)")
		}
	}
	if c.System.DBPath == "" {
		return fmt.Errorf("system.db_path is required")
	}
	return nil
}
