package quote

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// AssetClass is the closed set of instrument families the dashboard shows.
type AssetClass string

const (
	Index   AssetClass = "index"
	Equity  AssetClass = "equity"
	Gold    AssetClass = "gold"
	FundOTC AssetClass = "fund_otc"
	FundETF AssetClass = "fund_etf"
	Futures AssetClass = "futures"
	Forex   AssetClass = "forex"
)

// AssetClasses lists every supported class in display order.
var AssetClasses = []AssetClass{Index, Equity, Gold, FundOTC, FundETF, Futures, Forex}

// ParseAssetClass accepts the canonical names plus a few spellings used by
// the dashboard ("stock", "etf", "fund", "fx").
func ParseAssetClass(s string) (AssetClass, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "index", "indices", "market":
		return Index, nil
	case "equity", "stock", "stocks":
		return Equity, nil
	case "gold", "metal", "metals":
		return Gold, nil
	case "fund_otc", "fund", "otc":
		return FundOTC, nil
	case "fund_etf", "etf":
		return FundETF, nil
	case "futures", "future":
		return Futures, nil
	case "forex", "fx":
		return Forex, nil
	}
	return "", fmt.Errorf("unknown asset class %q", s)
}

// Valid reports whether a is one of the known classes.
func (a AssetClass) Valid() bool {
	for _, c := range AssetClasses {
		if c == a {
			return true
		}
	}
	return false
}

// marketAliases normalizes exchange and region spellings into market tags.
var marketAliases = map[string]string{
	"cn":     "CN",
	"a":      "CN",
	"sh":     "CN",
	"sz":     "CN",
	"sse":    "CN",
	"szse":   "CN",
	"hk":     "HK",
	"hkex":   "HK",
	"us":     "US",
	"nasdaq": "US",
	"nyse":   "US",
	"amex":   "US",
	"sge":    "SGE",
	"lbma":   "LBMA",
	"shfe":   "SHFE",
	"dce":    "DCE",
	"czce":   "CZCE",
	"cffex":  "CFFEX",
	"ine":    "INE",
	"comex":  "COMEX",
	"nymex":  "NYMEX",
	"fx":     "FX",
	"forex":  "FX",
}

// NormalizeMarket trims, upper-cases and resolves aliases. Unknown markets
// are passed through upper-cased.
func NormalizeMarket(m string) string {
	s := strings.TrimSpace(m)
	if norm, ok := marketAliases[strings.ToLower(s)]; ok {
		return norm
	}
	return strings.ToUpper(s)
}

// Key identifies one cached instrument.
type Key struct {
	AssetClass AssetClass `json:"asset_class"`
	Market     string     `json:"market"`
	Symbol     string     `json:"symbol"`
}

// NewKey builds a Key with a normalized market and a trimmed, upper-cased
// symbol.
func NewKey(ac AssetClass, market, symbol string) Key {
	return Key{AssetClass: ac, Market: NormalizeMarket(market), Symbol: strings.ToUpper(strings.TrimSpace(symbol))}
}

func (k Key) String() string {
	return string(k.AssetClass) + ":" + k.Market + ":" + k.Symbol
}

// ParseKey is the inverse of Key.String.
func ParseKey(s string) (Key, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 {
		return Key{}, fmt.Errorf("malformed key %q", s)
	}
	ac, err := ParseAssetClass(parts[0])
	if err != nil {
		return Key{}, err
	}
	if strings.TrimSpace(parts[2]) == "" {
		return Key{}, fmt.Errorf("malformed key %q: empty symbol", s)
	}
	return NewKey(ac, parts[1], parts[2]), nil
}

// Quote is the canonical record every provider payload is normalized into.
type Quote struct {
	AssetClass     AssetClass      `json:"asset_class"`
	Market         string          `json:"market"`
	Symbol         string          `json:"symbol"`
	Name           string          `json:"name,omitempty"`
	Price          decimal.Decimal `json:"price"`
	Change         decimal.Decimal `json:"change"`
	ChangePercent  decimal.Decimal `json:"change_percent"`
	Open           decimal.Decimal `json:"open"`
	High           decimal.Decimal `json:"high"`
	Low            decimal.Decimal `json:"low"`
	Volume         decimal.Decimal `json:"volume"`
	SourceProvider string          `json:"source_provider"`
	ObservedAt     time.Time       `json:"observed_at"`
	FetchedAt      time.Time       `json:"fetched_at"`
}

// Key returns the cache key of q.
func (q Quote) Key() Key {
	return Key{AssetClass: q.AssetClass, Market: q.Market, Symbol: q.Symbol}
}

// Result pairs a quote with its freshness flag as returned to readers.
type Result struct {
	Quote
	Stale bool `json:"stale"`
}

// Outcome is the per-key result of a refresh: a quote or the reason there
// is none.
type Outcome struct {
	Quote Quote
	Err   error
}
