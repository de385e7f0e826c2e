package pipeline

import (
	"time"

	"mmbot/internal/config"
	"mmbot/pkg/types"
)

// FromConfig builds a pipeline Config from the trading/risk/outbox sections
// of static configuration. side_enable entries are "bid"/"ask"; they're
// mapped to types.Buy/types.Sell here, matching quoteengine.FromConfig's
// convention.
func FromConfig(cfg config.Config) Config {
	sides := map[types.Side]bool{}
	for _, s := range cfg.Trading.SideEnable {
		switch s {
		case "bid":
			sides[types.Buy] = true
		case "ask":
			sides[types.Sell] = true
		}
	}

	return Config{
		SymbolDst:        cfg.Trading.SymbolDst,
		SidesEnabled:     sides,
		MaxOpenOrders:    cfg.Risk.MaxOpenOrders,
		OutboxMaxRetries: cfg.Outbox.MaxRetries,
		QuoteTTL:         time.Duration(cfg.Trading.StaleMs) * time.Millisecond,
		ExpiryInterval:   10 * time.Second,
	}
}
