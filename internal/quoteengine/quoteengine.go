// Package quoteengine turns a reference-venue BookTicker into an N-layer
// quote ladder per side, gated on requote cadence, price movement, and
// staleness, and skewed by the ratio manager's per-side multipliers.
// Grounded on quote.py's QuoteEngine, generalised from its single-layer
// bid/ask calculation to the layered ladder spec §4.8 describes, and from
// its float arithmetic to decimal.Decimal per the no-floats-in-money rule.
package quoteengine

import (
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"mmbot/internal/clockid"
	"mmbot/internal/config"
	"mmbot/internal/ratio"
	"mmbot/pkg/types"
)

var (
	tenThousand       = decimal.NewFromInt(10000)
	priceScale  int32 = 6
	qtyScale    int32 = 2
)

// Config parameterizes ladder generation (spec §4.8).
type Config struct {
	SymbolDst                string
	BaseSpreadBps            int
	TickSpreadBps            int
	NumLayers                int
	LayerLiquidityMultiplier decimal.Decimal
	TotalLiquidity           decimal.Decimal
	MinQuoteSize             decimal.Decimal
	MinRequoteMs             int64
	StaleMs                  int64
	SidesEnabled             map[types.Side]bool
}

// FromConfig builds a quoteengine.Config from the trading section.
func FromConfig(cfg config.TradingConfig) Config {
	sides := map[types.Side]bool{}
	for _, s := range cfg.SideEnable {
		switch s {
		case "bid":
			sides[types.Buy] = true
		case "ask":
			sides[types.Sell] = true
		}
	}
	return Config{
		SymbolDst:                cfg.SymbolDst,
		BaseSpreadBps:            cfg.BaseSpreadBps,
		TickSpreadBps:            cfg.TickSpreadBps,
		NumLayers:                cfg.NumLayers,
		LayerLiquidityMultiplier: decimal.NewFromFloat(cfg.LayerLiquidityMultiplier),
		TotalLiquidity:           decimal.NewFromFloat(cfg.TotalLiquidity),
		MinQuoteSize:             decimal.NewFromFloat(cfg.MinQuoteSize),
		MinRequoteMs:             cfg.MinRequoteMs,
		StaleMs:                  cfg.StaleMs,
		SidesEnabled:             sides,
	}
}

// Engine generates ladders from book tickers, gated on cadence, movement,
// and staleness. Grounded on QuoteEngine's last_quote_time/
// last_source_prices instance state.
type Engine struct {
	cfg   Config
	ratio *ratio.Manager
	clock clockid.Clock
	log   *slog.Logger

	lastQuoteTime time.Time
	lastTicker    *types.BookTicker
}

// New creates an Engine. ratioMgr may be nil, in which case every
// adjustment is treated as neutral (no skew).
func New(cfg Config, ratioMgr *ratio.Manager, clock clockid.Clock, log *slog.Logger) *Engine {
	return &Engine{
		cfg:   cfg,
		ratio: ratioMgr,
		clock: clock,
		log:   log.With("component", "quote_engine"),
	}
}

// Generate produces a Quote ladder from b, or (Quote{}, false) if a gate
// suppresses this tick (spec §4.8's "Gates").
func (e *Engine) Generate(b types.BookTicker) (types.Quote, bool) {
	now := e.clock.Now()

	if e.shouldSkipRequote(b, now) {
		return types.Quote{}, false
	}
	if e.isStale(b, now) {
		e.log.Warn("market data stale, skipping quote", "age_ms", now.Sub(b.Ts).Milliseconds())
		return types.Quote{}, false
	}

	adj := ratio.Adjustment{BidSpreadMultiplier: 1, AskSpreadMultiplier: 1, BidLiquidityMultiplier: 1,
		AskLiquidityMultiplier: 1, ImbalanceRatio: 1, BidAllocation: 0.5, AskAllocation: 0.5}
	if e.ratio != nil {
		adj = e.ratio.Adjustment()
	}

	var bidLayers, askLayers []types.LayeredQuote
	if e.cfg.SidesEnabled[types.Buy] {
		bidLayers = e.generateLayers(types.Buy, b.BidPrice, adj)
	}
	if e.cfg.SidesEnabled[types.Sell] {
		askLayers = e.generateLayers(types.Sell, b.AskPrice, adj)
	}

	bidLayers, askLayers = e.applyDontCross(bidLayers, askLayers)

	e.lastQuoteTime = now
	tickerCopy := b
	e.lastTicker = &tickerCopy

	quote := types.Quote{
		Symbol:      e.cfg.SymbolDst,
		BidLayers:   bidLayers,
		AskLayers:   askLayers,
		Source:      b,
		GeneratedAt: now,
	}

	e.log.Debug("generated quote", "symbol", quote.Symbol, "bid_layers", len(bidLayers), "ask_layers", len(askLayers))
	return quote, true
}

// generateLayers builds the N-layer ladder for one side (spec §4.8's
// layer-generation formula).
func (e *Engine) generateLayers(side types.Side, ref decimal.Decimal, adj ratio.Adjustment) []types.LayeredQuote {
	n := e.cfg.NumLayers
	if n <= 0 {
		n = 1
	}

	spreadMult := decimal.NewFromFloat(adj.BidSpreadMultiplier)
	liqMult := decimal.NewFromFloat(adj.BidLiquidityMultiplier)
	allocation := decimal.NewFromFloat(adj.BidAllocation)
	if side == types.Sell {
		spreadMult = decimal.NewFromFloat(adj.AskSpreadMultiplier)
		liqMult = decimal.NewFromFloat(adj.AskLiquidityMultiplier)
		allocation = decimal.NewFromFloat(adj.AskAllocation)
	}

	alloc := e.cfg.TotalLiquidity.Mul(allocation)
	baseNotional := alloc.Div(decimal.NewFromInt(int64(n)))

	layers := make([]types.LayeredQuote, 0, n)
	for i := 1; i <= n; i++ {
		baseSpreadBps := decimal.NewFromInt(int64(e.cfg.BaseSpreadBps) + int64(i-1)*int64(e.cfg.TickSpreadBps))
		adjSpreadBps := baseSpreadBps.Mul(spreadMult)

		var price decimal.Decimal
		if side == types.Buy {
			price = ref.Mul(decimal.NewFromInt(1).Sub(adjSpreadBps.Div(tenThousand)))
		} else {
			price = ref.Mul(decimal.NewFromInt(1).Add(adjSpreadBps.Div(tenThousand)))
		}
		price = roundHalfUp(price, priceScale)

		growth := decimal.NewFromInt(1).Add(decimal.NewFromInt(int64(i - 1)).Mul(e.cfg.LayerLiquidityMultiplier))
		qty := baseNotional.Mul(growth).Div(price).Mul(liqMult)
		qty = roundHalfUp(qty, qtyScale)
		if qty.LessThan(e.cfg.MinQuoteSize) {
			qty = e.cfg.MinQuoteSize
		}

		layers = append(layers, types.LayeredQuote{
			LayerIndex: i,
			Price:      price,
			Quantity:   qty,
			SpreadBps:  adjSpreadBps,
		})
	}
	return layers
}

// applyDontCross widens the ladder around the mid if the top bid would
// cross the top ask (spec §4.8's "Don't-cross").
func (e *Engine) applyDontCross(bid, ask []types.LayeredQuote) ([]types.LayeredQuote, []types.LayeredQuote) {
	if len(bid) == 0 || len(ask) == 0 {
		return bid, ask
	}
	if bid[0].Price.LessThan(ask[0].Price) {
		return bid, ask
	}

	e.log.Warn("generated bid >= ask, widening around mid", "bid", bid[0].Price, "ask", ask[0].Price)
	mid := bid[0].Price.Add(ask[0].Price).Div(decimal.NewFromInt(2))
	extraLayers := e.cfg.NumLayers - 1
	if extraLayers < 0 {
		extraLayers = 0
	}
	totalSpreadBps := int64(e.cfg.BaseSpreadBps) + int64(e.cfg.TickSpreadBps)*int64(extraLayers)
	totalSpread := decimal.NewFromInt(totalSpreadBps).Div(tenThousand)
	half := totalSpread.Div(decimal.NewFromInt(2))

	offsetBid := mid.Mul(decimal.NewFromInt(1).Sub(half))
	offsetAsk := mid.Mul(decimal.NewFromInt(1).Add(half))

	widenedBid := make([]types.LayeredQuote, len(bid))
	copy(widenedBid, bid)
	widenedBid[0].Price = roundHalfUp(offsetBid, priceScale)

	widenedAsk := make([]types.LayeredQuote, len(ask))
	copy(widenedAsk, ask)
	widenedAsk[0].Price = roundHalfUp(offsetAsk, priceScale)

	return widenedBid, widenedAsk
}

func (e *Engine) shouldSkipRequote(b types.BookTicker, now time.Time) bool {
	if e.lastQuoteTime.IsZero() {
		return false
	}
	sinceMs := now.Sub(e.lastQuoteTime).Milliseconds()
	if sinceMs < e.cfg.MinRequoteMs {
		return true
	}

	if e.lastTicker != nil {
		bidChange := b.BidPrice.Sub(e.lastTicker.BidPrice).Abs()
		askChange := b.AskPrice.Sub(e.lastTicker.AskPrice).Abs()
		maxChange := decimal.Max(bidChange, askChange)

		threshold := decimal.NewFromInt(int64(e.cfg.TickSpreadBps)).Div(decimal.NewFromInt(2)).Div(tenThousand)
		if maxChange.LessThan(threshold) {
			return true
		}
	}
	return false
}

func (e *Engine) isStale(b types.BookTicker, now time.Time) bool {
	ageMs := now.Sub(b.Ts).Milliseconds()
	return ageMs > e.cfg.StaleMs
}

// roundHalfUp rounds d to scale decimal places using half-up rounding,
// matching the display/exchange boundary rule (spec §9) rather than the
// banker's rounding used internally elsewhere.
func roundHalfUp(d decimal.Decimal, scale int32) decimal.Decimal {
	factor := decimal.New(1, scale)
	scaled := d.Mul(factor)
	floor := scaled.Floor()
	diff := scaled.Sub(floor)
	if diff.GreaterThanOrEqual(decimal.NewFromFloat(0.5)) {
		floor = floor.Add(decimal.NewFromInt(1))
	}
	return floor.Div(factor)
}
