// Package ratio tracks the quote:base asset value ratio and derives the
// spread, liquidity, and capital-allocation multipliers the quote engine
// applies per side. Grounded on asset_ratio_manager.py's
// AssetRatioManager, generalised from the hardcoded USDM/ADA pair to the
// configured quote/base asset names.
package ratio

import (
	"log/slog"
	"sync"
	"time"
)

// Balance is one asset's tracked quantity and USD-equivalent value.
type Balance struct {
	Asset     string
	Quantity  float64
	ValueUSD  float64
	UpdatedAt time.Time
}

// Adjustment holds the per-side multipliers derived from the current
// ratio imbalance, plus the allocation split between bid and ask capital.
type Adjustment struct {
	BidSpreadMultiplier    float64
	AskSpreadMultiplier    float64
	BidLiquidityMultiplier float64
	AskLiquidityMultiplier float64
	ImbalanceRatio         float64
	BidAllocation          float64
	AskAllocation          float64
}

// neutral is returned whenever the ratio cannot be computed (spec §4.9):
// no skew applied, capital split evenly.
var neutral = Adjustment{
	BidSpreadMultiplier:    1,
	AskSpreadMultiplier:    1,
	BidLiquidityMultiplier: 1,
	AskLiquidityMultiplier: 1,
	ImbalanceRatio:         1,
	BidAllocation:          0.5,
	AskAllocation:          0.5,
}

// Config parameterizes the target ratio and the adjustment curve's
// sensitivity. Built from config.TradingConfig by FromConfig.
type Config struct {
	QuoteAsset       string
	BaseAsset        string
	TargetRatio      float64
	Tolerance        float64
	SpreadFactor     float64
	LiquidityFactor  float64
}

// Manager maintains the latest balance for the quote and base assets and
// computes Adjustment on demand. Grounded on AssetRatioManager; the
// asyncio-guarded balances dict becomes a mutex-guarded map.
type Manager struct {
	mu       sync.Mutex
	cfg      Config
	balances map[string]Balance
	now      func() time.Time
	log      *slog.Logger
}

// New creates a Manager for the given configuration.
func New(cfg Config, log *slog.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		balances: map[string]Balance{},
		now:      time.Now,
		log:      log.With("component", "ratio_manager"),
	}
}

// UpdateBalance records asset's latest quantity/value.
func (m *Manager) UpdateBalance(asset string, quantity, valueUSD float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[asset] = Balance{Asset: asset, Quantity: quantity, ValueUSD: valueUSD, UpdatedAt: m.now()}
	m.log.Debug("asset balance updated", "asset", asset, "quantity", quantity, "value_usd", valueUSD)
}

// CurrentRatio returns balances[quote].value_usd / balances[base].value_usd,
// and whether both balances are present with a nonzero base value.
func (m *Manager) CurrentRatio() (ratio float64, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentRatioLocked()
}

func (m *Manager) currentRatioLocked() (float64, bool) {
	quote, okQuote := m.balances[m.cfg.QuoteAsset]
	base, okBase := m.balances[m.cfg.BaseAsset]
	if !okQuote || !okBase || base.ValueUSD == 0 {
		return 0, false
	}
	return quote.ValueUSD / base.ValueUSD, true
}

// IsWithinTolerance reports whether the current ratio's deviation from
// target is within the configured tolerance band.
func (m *Manager) IsWithinTolerance() (within bool, ratio float64, ok bool) {
	current, ok := m.CurrentRatio()
	if !ok {
		return false, 0, false
	}
	deviation := absFloat(current-m.cfg.TargetRatio) / m.cfg.TargetRatio
	return deviation <= m.cfg.Tolerance, current, true
}

// Adjustment computes the current spread/liquidity/allocation multipliers.
// Returns the neutral adjustment if balance data is unavailable.
func (m *Manager) Adjustment() Adjustment {
	m.mu.Lock()
	current, ok := m.currentRatioLocked()
	cfg := m.cfg
	m.mu.Unlock()

	if !ok {
		return neutral
	}

	r := current / cfg.TargetRatio
	adj := Adjustment{ImbalanceRatio: r}

	if r > 1.0 {
		excess := r - 1.0
		adj.BidSpreadMultiplier = maxFloat(0.1, 1.0-excess*cfg.SpreadFactor)
		adj.BidLiquidityMultiplier = 1.0 + excess*cfg.LiquidityFactor
		adj.AskSpreadMultiplier = 1.0 + excess*cfg.SpreadFactor
		adj.AskLiquidityMultiplier = maxFloat(0.1, 1.0-excess*cfg.LiquidityFactor)

		bidShare := 0.5 + minFloat(excess, 1.0)*0.3
		adj.BidAllocation = bidShare
		adj.AskAllocation = 1.0 - bidShare
	} else {
		deficit := 1.0 - r
		adj.AskSpreadMultiplier = maxFloat(0.1, 1.0-deficit*cfg.SpreadFactor)
		adj.AskLiquidityMultiplier = 1.0 + deficit*cfg.LiquidityFactor
		adj.BidSpreadMultiplier = 1.0 + deficit*cfg.SpreadFactor
		adj.BidLiquidityMultiplier = maxFloat(0.1, 1.0-deficit*cfg.LiquidityFactor)

		askShare := 0.5 + minFloat(deficit, 1.0)*0.3
		adj.AskAllocation = askShare
		adj.BidAllocation = 1.0 - askShare
	}

	if absFloat(r-1.0) > cfg.Tolerance {
		m.log.Info("asset ratio imbalance detected",
			"current_ratio", current, "target_ratio", cfg.TargetRatio, "imbalance_ratio", r,
			"bid_spread_mult", adj.BidSpreadMultiplier, "ask_spread_mult", adj.AskSpreadMultiplier,
			"bid_liquidity_mult", adj.BidLiquidityMultiplier, "ask_liquidity_mult", adj.AskLiquidityMultiplier)
	}

	return adj
}

// Balances returns a snapshot of all tracked balances.
func (m *Manager) Balances() map[string]Balance {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Balance, len(m.balances))
	for k, v := range m.balances {
		out[k] = v
	}
	return out
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
