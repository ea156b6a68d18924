// Package eastmoney adapts the Eastmoney push2 snapshot API for indices,
// A/H/US equities and exchange-traded funds.
package eastmoney

import (
	"context"
	"slices"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"quotehub/internal/provider"
	"quotehub/internal/quote"
)

// Name is the provider id.
const Name = "eastmoney"

const (
	maxBatch      = 50
	maxConcurrent = 4
)

// indexAliases resolves dashboard index names to push2 secids.
var indexAliases = map[string]string{
	"SSE":     "1.000001",
	"SHCOMP":  "1.000001",
	"SZSE":    "0.399001",
	"SZCOMP":  "0.399001",
	"CHINEXT": "0.399006",
	"CSI300":  "1.000300",
	"STAR50":  "1.000688",
	"HSI":     "100.HSI",
	"HSTECH":  "124.HSTECH",
	"DJI":     "100.DJIA",
	"DJIA":    "100.DJIA",
	"IXIC":    "100.NDX",
	"NDX":     "100.NDX",
	"SPX":     "100.SPX",
	"N225":    "100.N225",
}

// Adapter fetches quotes for index, equity and fund_etf keys.
type Adapter struct {
	client    *Client
	overrides map[string]string
}

// New returns an adapter. overrides maps either a full key string
// ("equity:US:BABA") or a bare symbol to a secid and wins over the
// built-in rules.
func New(client *Client, overrides map[string]string) *Adapter {
	o := make(map[string]string, len(overrides))
	for k, v := range overrides {
		o[strings.ToUpper(strings.TrimSpace(k))] = strings.TrimSpace(v)
	}
	return &Adapter{client: client, overrides: o}
}

func (a *Adapter) Name() string { return Name }

// SecID maps a key to the push2 "market.code" identifier.
func (a *Adapter) SecID(k quote.Key) (string, bool) {
	sym := strings.ToUpper(k.Symbol)
	if v, ok := a.overrides[strings.ToUpper(k.String())]; ok {
		return v, true
	}
	if v, ok := a.overrides[sym]; ok {
		return v, true
	}
	if i := strings.IndexByte(sym, '.'); i > 0 && isDigits(sym[:i]) {
		return sym, true
	}
	switch k.AssetClass {
	case quote.Index:
		if v, ok := indexAliases[sym]; ok {
			return v, true
		}
		if k.Market == "CN" && isDigits(sym) {
			if strings.HasPrefix(sym, "399") {
				return "0." + sym, true
			}
			return "1." + sym, true
		}
	case quote.Equity:
		switch k.Market {
		case "CN":
			if !isDigits(sym) || len(sym) != 6 {
				return "", false
			}
			if sym[0] == '6' || sym[0] == '9' {
				return "1." + sym, true
			}
			return "0." + sym, true
		case "HK":
			if !isDigits(sym) {
				return "", false
			}
			return "116." + leftPad(sym, 5), true
		case "US", "":
			return "105." + sym, true
		}
	case quote.FundETF:
		if k.Market == "CN" && isDigits(sym) && len(sym) == 6 {
			if sym[0] == '5' {
				return "1." + sym, true
			}
			return "0." + sym, true
		}
	}
	return "", false
}

// Fetch requests keys in chunks of maxBatch secids. A chunk that fails
// marks its keys missing; the call fails only when every chunk failed.
func (a *Adapter) Fetch(ctx context.Context, keys []quote.Key) (provider.Batch, error) {
	batch := provider.Batch{Provider: Name}

	bySecID := make(map[string][]quote.Key, len(keys))
	var secids []string
	for _, k := range keys {
		id, ok := a.SecID(k)
		if !ok {
			batch.Missing = append(batch.Missing, k)
			continue
		}
		if _, seen := bySecID[id]; !seen {
			secids = append(secids, id)
		}
		bySecID[id] = append(bySecID[id], k)
	}
	if len(secids) == 0 {
		return batch, nil
	}

	var (
		mu       sync.Mutex
		rows     []Row
		firstErr error
		failed   []string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrent)
	for start := 0; start < len(secids); start += maxBatch {
		chunk := secids[start:min(start+maxBatch, len(secids))]
		g.Go(func() error {
			got, err := a.client.GetQuotes(gctx, chunk)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				failed = append(failed, chunk...)
				return nil
			}
			rows = append(rows, got...)
			return nil
		})
	}
	_ = g.Wait()

	if len(rows) == 0 && firstErr != nil {
		return provider.Batch{}, provider.Classify(Name, firstErr)
	}

	for _, r := range rows {
		for _, k := range bySecID[r.SecID()] {
			batch.Records = append(batch.Records, provider.Raw{Key: k, Payload: r})
		}
	}
	for _, id := range failed {
		batch.Missing = append(batch.Missing, bySecID[id]...)
	}
	requested := make([]quote.Key, 0, len(keys))
	for _, id := range secids {
		requested = append(requested, bySecID[id]...)
	}
	for _, k := range provider.MissingKeys(requested, batch.Records) {
		if !slices.Contains(batch.Missing, k) {
			batch.Missing = append(batch.Missing, k)
		}
	}
	return batch, nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func leftPad(s string, n int) string {
	for len(s) < n {
		s = "0" + s
	}
	return s
}
