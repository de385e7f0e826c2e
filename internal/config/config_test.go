package config

import (
	"os"
	"path/filepath"
	"testing"
)

const minimalYAML = `
trading:
  symbol_src: BTCUSDT
  symbol_dst: BTCUSDT
  base_spread_bps: 10
  tick_spread_bps: 5
  num_layers: 3
  total_liquidity: 10000
  min_quote_size: 10
system:
  db_path: /tmp/mmbot.db
risk:
  max_position_size: 1000
  max_daily_loss: 200
  max_open_orders: 20
`

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	t.Parallel()
	path := writeTempConfig(t, minimalYAML)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Trading.NumLayers != 3 {
		t.Fatalf("expected num_layers 3, got %d", cfg.Trading.NumLayers)
	}
	if !cfg.Trading.IsSideEnabled("bid") || !cfg.Trading.IsSideEnabled("ask") {
		t.Fatal("expected default side_enable to include both sides")
	}
	if cfg.System.Mode != ModePaper {
		t.Fatalf("expected default mode paper, got %s", cfg.System.Mode)
	}
	if cfg.Store.MaxConnections != 10 {
		t.Fatalf("expected default max_connections 10, got %d", cfg.Store.MaxConnections)
	}
	if cfg.Outbox.MaxRetries != 3 {
		t.Fatalf("expected default outbox max_retries 3, got %d", cfg.Outbox.MaxRetries)
	}
}

func TestValidateRejectsMissingRequiredFields(t *testing.T) {
	t.Parallel()
	cfg := &Config{}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty config")
	}
}

func TestValidateRequiresCredentialsInLiveMode(t *testing.T) {
	t.Parallel()
	cfg := &Config{
		Trading: TradingConfig{
			SymbolSrc: "BTCUSDT", SymbolDst: "BTCUSDT",
			NumLayers: 1, TotalLiquidity: 100, MinQuoteSize: 1,
			SideEnable: []string{"bid"},
		},
		Risk:   RiskConfig{MaxOpenOrders: 1, MaxPositionSize: 1},
		System: SystemConfig{Mode: ModeLive, DBPath: "/tmp/x.db"},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for live mode without credentials")
	}
	cfg.Exchange.APIKey = "k"
	cfg.Exchange.APISecret = "s"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error once credentials set: %v", err)
	}
}

func TestValidateAcceptsPaperMode(t *testing.T) {
	t.Parallel()
	cfg := &Config{
		Trading: TradingConfig{
			SymbolSrc: "BTCUSDT", SymbolDst: "BTCUSDT",
			NumLayers: 1, TotalLiquidity: 100, MinQuoteSize: 1,
			SideEnable: []string{"bid", "ask"},
		},
		Risk:   RiskConfig{MaxOpenOrders: 1, MaxPositionSize: 1},
		System: SystemConfig{Mode: ModePaper, DBPath: "/tmp/x.db"},
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestTotalSpreadBps(t *testing.T) {
	t.Parallel()
	tc := TradingConfig{BaseSpreadBps: 10, TickSpreadBps: 5, NumLayers: 3}
	if got := tc.TotalSpreadBps(); got != 20 {
		t.Fatalf("expected 20, got %d", got)
	}
}
