package kraken

import (
	"fmt"
	"strings"
)

// Kraken uses legacy ISO-style codes for a few currencies.
var currencyAliases = map[string]string{
	"BTC":  "XBT",
	"DOGE": "XDG",
}

var reverseAliases = map[string]string{
	"XBT": "BTC",
	"XDG": "DOGE",
}

// knownPairs maps canonical internal notation to the venue's pair
// codes. Every active trading pair must appear here; an untested
// mapping is a configuration defect, not something to default at
// runtime.
var knownPairs = map[string]string{
	"BTC/USD":  "XBTUSD",
	"BTC/EUR":  "XBTEUR",
	"BTC/USDT": "XBTUSDT",
	"ETH/USD":  "ETHUSD",
	"ETH/EUR":  "ETHEUR",
	"SOL/USD":  "SOLUSD",
	"ADA/USD":  "ADAUSD",
	"DOGE/USD": "XDGUSD",
	"XRP/USD":  "XRPUSD",
	"LTC/USD":  "LTCUSD",
	"DOT/USD":  "DOTUSD",
}

var quoteCurrencies = []string{"USDT", "USD", "EUR", "GBP"}

// SymbolMapper translates between internal symbol notation
// ("BTC/USD", "BTC-USD", "BTCUSD") and exchange pair codes.
type SymbolMapper struct {
	toPair   map[string]string
	toSymbol map[string]string
}

func NewSymbolMapper() *SymbolMapper {
	m := &SymbolMapper{
		toPair:   make(map[string]string, len(knownPairs)),
		toSymbol: make(map[string]string, len(knownPairs)),
	}
	for symbol, pair := range knownPairs {
		m.toPair[symbol] = pair
		m.toSymbol[pair] = symbol
	}
	return m
}

// Normalize canonicalizes any accepted internal notation to
// "BASE/QUOTE".
func (m *SymbolMapper) Normalize(symbol string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if s == "" {
		return "", &UnknownSymbolError{Symbol: symbol}
	}

	for _, sep := range []string{"/", "-", "_"} {
		if strings.Contains(s, sep) {
			parts := strings.Split(s, sep)
			if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
				return "", &UnknownSymbolError{Symbol: symbol}
			}
			return parts[0] + "/" + parts[1], nil
		}
	}

	// no separator: try known quote suffixes
	for _, quote := range quoteCurrencies {
		if strings.HasSuffix(s, quote) && len(s) > len(quote) {
			return strings.TrimSuffix(s, quote) + "/" + quote, nil
		}
	}
	return "", &UnknownSymbolError{Symbol: symbol}
}

// ToExchange maps internal notation to the venue pair code, deriving
// one via currency aliases when the pair is not in the static table.
func (m *SymbolMapper) ToExchange(symbol string) (string, error) {
	canonical, err := m.Normalize(symbol)
	if err != nil {
		return "", err
	}
	if pair, ok := m.toPair[canonical]; ok {
		return pair, nil
	}

	parts := strings.Split(canonical, "/")
	base, quote := parts[0], parts[1]
	if alias, ok := currencyAliases[base]; ok {
		base = alias
	}
	if alias, ok := currencyAliases[quote]; ok {
		quote = alias
	}
	return base + quote, nil
}

// ToInternal maps a venue pair code back to internal "BASE/QUOTE"
// notation.
func (m *SymbolMapper) ToInternal(pair string) (string, error) {
	p := strings.ToUpper(strings.TrimSpace(pair))
	if symbol, ok := m.toSymbol[p]; ok {
		return symbol, nil
	}

	for _, quote := range quoteCurrencies {
		if !strings.HasSuffix(p, quote) || len(p) <= len(quote) {
			continue
		}
		base := strings.TrimSuffix(p, quote)
		if alias, ok := reverseAliases[base]; ok {
			base = alias
		}
		return base + "/" + quote, nil
	}
	return "", &UnknownSymbolError{Symbol: pair}
}

// KnownSymbols lists every symbol in the static mapping table.
func (m *SymbolMapper) KnownSymbols() []string {
	symbols := make([]string, 0, len(m.toPair))
	for s := range m.toPair {
		symbols = append(symbols, s)
	}
	return symbols
}

func (m *SymbolMapper) String() string {
	return fmt.Sprintf("SymbolMapper(%d pairs)", len(m.toPair))
}
