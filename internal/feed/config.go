package feed

import (
	"log/slog"

	"mmbot/internal/clockid"
	"mmbot/internal/config"
)

// FromConfig builds a WSFeed dialing the reference venue's market WebSocket
// for the configured source symbol.
func FromConfig(cfg config.Config, jitter *clockid.JitterSource, logger *slog.Logger) *WSFeed {
	return NewWSFeed(cfg.Exchange.WSMarketURL, cfg.Trading.SymbolSrc, jitter, logger)
}
