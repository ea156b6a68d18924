package quote

import "testing"

func TestNormalizeMarket_Aliases(t *testing.T) {
	cases := map[string]string{
		"sh":      "CN",
		" SSE ":   "CN",
		"szse":    "CN",
		"HKEX":    "HK",
		"nasdaq":  "US",
		"Nyse":    "US",
		"sge":     "SGE",
		"forex":   "FX",
		"xetra":   "XETRA",
		"":        "",
		"  lbma ": "LBMA",
	}
	for in, want := range cases {
		if got := NormalizeMarket(in); got != want {
			t.Fatalf("NormalizeMarket(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParseAssetClass(t *testing.T) {
	cases := map[string]AssetClass{
		"stock":    Equity,
		"EQUITY":   Equity,
		"etf":      FundETF,
		"fund":     FundOTC,
		"fund_otc": FundOTC,
		"fx":       Forex,
		"index":    Index,
		"gold":     Gold,
		"futures":  Futures,
	}
	for in, want := range cases {
		got, err := ParseAssetClass(in)
		if err != nil {
			t.Fatalf("ParseAssetClass(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("ParseAssetClass(%q) = %q, want %q", in, got, want)
		}
	}
	if _, err := ParseAssetClass("bond"); err == nil {
		t.Fatal("expected error for unsupported class")
	}
}

func TestKey_RoundTrip(t *testing.T) {
	k := NewKey(Equity, "nasdaq", " AAPL ")
	if k.Market != "US" || k.Symbol != "AAPL" {
		t.Fatalf("unexpected key: %+v", k)
	}
	if k.String() != "equity:US:AAPL" {
		t.Fatalf("unexpected string: %s", k.String())
	}
	back, err := ParseKey(k.String())
	if err != nil {
		t.Fatalf("ParseKey: %v", err)
	}
	if back != k {
		t.Fatalf("round trip mismatch: %+v vs %+v", back, k)
	}

	// Forex symbols may contain a slash but never a colon.
	fx, err := ParseKey("forex:FX:USD/KRW")
	if err != nil || fx.Symbol != "USD/KRW" {
		t.Fatalf("forex key: %+v %v", fx, err)
	}

	for _, bad := range []string{"equity:US", "bond:US:X", "equity:US: "} {
		if _, err := ParseKey(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestQuote_Key(t *testing.T) {
	q := Quote{AssetClass: Gold, Market: "SGE", Symbol: "AU9999"}
	if q.Key() != (Key{AssetClass: Gold, Market: "SGE", Symbol: "AU9999"}) {
		t.Fatalf("unexpected key: %+v", q.Key())
	}
}

func TestNewKey_UpperCasesSymbol(t *testing.T) {
	k := NewKey(Forex, "fx", "usd/krw")
	if k.Symbol != "USD/KRW" || k.Market != "FX" {
		t.Fatalf("unexpected key: %+v", k)
	}
}
