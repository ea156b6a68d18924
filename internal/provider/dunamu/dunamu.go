// Package dunamu adapts the Dunamu forex "recent" endpoint. It quotes
// foreign currencies in KRW, so only pairs against KRW are routable.
package dunamu

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"quotehub/internal/httpx"
	"quotehub/internal/provider"
	"quotehub/internal/quote"
)

const (
	Name           = "dunamu"
	DefaultBaseURL = "https://quotation-api-cdn.dunamu.com"
)

// Rate is one row of the forex recent response.
type Rate struct {
	Code         string      `json:"code"`
	CurrencyCode string      `json:"currencyCode"`
	CurrencyName string      `json:"currencyName"`
	Date         string      `json:"date"`
	Time         string      `json:"time"`
	CurrencyUnit int         `json:"currencyUnit"`
	BasePrice    json.Number `json:"basePrice"`
	OpeningPrice json.Number `json:"openingPrice"`
	HighPrice    json.Number `json:"highPrice"`
	LowPrice     json.Number `json:"lowPrice"`
	Change       string      `json:"change"` // RISE, FALL or EVEN
	ChangePrice  json.Number `json:"changePrice"`
	// ChangeRate is a fraction (0.0012 means 0.12%).
	ChangeRate json.Number `json:"changeRate"`
	Timestamp  int64       `json:"timestamp"` // epoch milliseconds
}

type Adapter struct {
	http    *httpx.Client
	baseURL string
}

func New(client *httpx.Client, baseURL string) *Adapter {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Adapter{http: client, baseURL: strings.TrimRight(baseURL, "/")}
}

func (a *Adapter) Name() string { return Name }

// Code maps a forex key to a Dunamu code. Accepted symbols are "USD",
// "USDKRW", "USD/KRW" and "KRW/USD".
func Code(k quote.Key) (string, bool) {
	if k.AssetClass != quote.Forex {
		return "", false
	}
	s := strings.ToUpper(strings.NewReplacer("/", "", "-", "", "_", "").Replace(k.Symbol))
	switch {
	case len(s) == 3 && s != "KRW":
		return "FRX.KRW" + s, true
	case len(s) == 6 && strings.HasSuffix(s, "KRW") && s[:3] != "KRW":
		return "FRX.KRW" + s[:3], true
	case len(s) == 6 && strings.HasPrefix(s, "KRW") && s[3:] != "KRW":
		return "FRX.KRW" + s[3:], true
	}
	return "", false
}

func (a *Adapter) Fetch(ctx context.Context, keys []quote.Key) (provider.Batch, error) {
	batch := provider.Batch{Provider: Name}

	byCode := make(map[string][]quote.Key, len(keys))
	var codes []string
	for _, k := range keys {
		code, ok := Code(k)
		if !ok {
			batch.Missing = append(batch.Missing, k)
			continue
		}
		if _, seen := byCode[code]; !seen {
			codes = append(codes, code)
		}
		byCode[code] = append(byCode[code], k)
	}
	if len(codes) == 0 {
		return batch, nil
	}

	body, err := a.http.GetBody(ctx, a.baseURL+"/v1/forex/recent?codes="+url.QueryEscape(strings.Join(codes, ",")), nil)
	if err != nil {
		return provider.Batch{}, provider.Classify(Name, err)
	}
	rates, err := decodeRates(body)
	if err != nil {
		return provider.Batch{}, provider.Classify(Name, err)
	}

	for _, r := range rates {
		for _, k := range byCode[r.Code] {
			batch.Records = append(batch.Records, provider.Raw{Key: k, Payload: r})
		}
	}
	var requested []quote.Key
	for _, c := range codes {
		requested = append(requested, byCode[c]...)
	}
	batch.Missing = append(batch.Missing, provider.MissingKeys(requested, batch.Records)...)
	return batch, nil
}

// decodeRates decodes each element on its own so one bad row only drops
// its own code. It fails when the array itself is unreadable or when no
// element decodes.
func decodeRates(body []byte) ([]Rate, error) {
	var elems []json.RawMessage
	if err := json.Unmarshal(body, &elems); err != nil {
		return nil, fmt.Errorf("decoding forex response: %w", err)
	}
	rates := make([]Rate, 0, len(elems))
	var firstErr error
	for i, raw := range elems {
		var r Rate
		if err := json.Unmarshal(raw, &r); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("decoding forex row %d: %w", i, err)
			}
			continue
		}
		rates = append(rates, r)
	}
	if len(rates) == 0 && firstErr != nil {
		return nil, firstErr
	}
	return rates, nil
}
