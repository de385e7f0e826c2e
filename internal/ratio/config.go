package ratio

import "mmbot/internal/config"

// FromConfig builds a ratio.Config from the trading section of the bot's
// configuration tree.
func FromConfig(cfg config.TradingConfig) Config {
	return Config{
		QuoteAsset:      cfg.QuoteQuoteAsset,
		BaseAsset:       cfg.QuoteBaseAsset,
		TargetRatio:     cfg.TargetAssetRatio,
		Tolerance:       cfg.RatioTolerance,
		SpreadFactor:    cfg.SpreadAdjustmentFactor,
		LiquidityFactor: cfg.LiquidityAdjustmentFactor,
	}
}
