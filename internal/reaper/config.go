package reaper

import (
	"time"

	"mmbot/internal/config"
)

// FromConfig builds a reaper Config from the system/trading sections of
// static configuration.
func FromConfig(cfg config.Config) Config {
	return Config{
		Enabled:               cfg.System.CleanupUnregisteredOrders,
		SymbolDst:             cfg.Trading.SymbolDst,
		CheckInterval:         time.Duration(cfg.System.CleanupCheckIntervalMs) * time.Millisecond,
		RegistrationTimeoutMs: cfg.System.OrderRegistrationTimeoutMs,
		PageSize:              cfg.Reaper.PageSize,
		CancelsPerBatch:       cfg.Reaper.CancelsPerBatch,
	}
}
