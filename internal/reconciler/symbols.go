package reconciler

import "fmt"

// SymbolMeta names the base/quote assets underlying a trading symbol. The
// reconciler uses this static table to split a fill's commission and
// notional across the two asset balances, rather than a positional
// substring guess: spec §9 flags suffix/positional symbol parsing as
// unsafe in general ("ADAUSDM" vs "ADAUSDT" vs three-letter bases all
// parse differently), so new symbols must be registered here explicitly.
type SymbolMeta struct {
	Base  string
	Quote string
}

// symbolTable is populated at startup from trading config (see
// RegisterSymbol) and consulted by FillReconciler.
var symbolTable = map[string]SymbolMeta{}

// RegisterSymbol adds or overwrites a symbol's base/quote metadata.
func RegisterSymbol(symbol, base, quote string) {
	symbolTable[symbol] = SymbolMeta{Base: base, Quote: quote}
}

// LookupSymbol returns the registered base/quote pair for symbol.
func LookupSymbol(symbol string) (SymbolMeta, error) {
	meta, ok := symbolTable[symbol]
	if !ok {
		return SymbolMeta{}, fmt.Errorf("no symbol metadata registered for %q", symbol)
	}
	return meta, nil
}
