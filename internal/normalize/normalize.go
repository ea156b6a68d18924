// Package normalize converts provider payloads into canonical quotes.
// Conversion fails closed: a record without a usable price is rejected,
// never stored with a zero price.
package normalize

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"quotehub/internal/provider"
	"quotehub/internal/provider/dunamu"
	"quotehub/internal/provider/eastmoney"
	"quotehub/internal/provider/fundgz"
	"quotehub/internal/provider/sina"
	"quotehub/internal/quote"
)

// ErrNormalization is the kind of every *Error. Match with errors.Is.
var ErrNormalization = errors.New("normalization failed")

// Error describes a record that could not be converted.
type Error struct {
	Provider string
	Key      quote.Key
	Field    string
	Value    string
	Err      error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s %s: %s %q", e.Provider, e.Key, e.Field, e.Value)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrNormalization}
	}
	return []error{ErrNormalization, e.Err}
}

var (
	errMissing     = errors.New("missing")
	errNonPositive = errors.New("not positive")
	errUnsupported = errors.New("unsupported payload")
)

// shanghai is the wall clock Chinese feeds report in.
var shanghai = func() *time.Location {
	if loc, err := time.LoadLocation("Asia/Shanghai"); err == nil {
		return loc
	}
	return time.FixedZone("CST", 8*60*60)
}()

var hundred = decimal.NewFromInt(100)

// Normalize converts raw into a Quote stamped with fetchedAt = now.
// Optional fields the upstream leaves blank come back as zero.
func Normalize(providerID string, raw provider.Raw, now time.Time) (quote.Quote, error) {
	q := quote.Quote{
		AssetClass:     raw.Key.AssetClass,
		Market:         raw.Key.Market,
		Symbol:         raw.Key.Symbol,
		SourceProvider: providerID,
		FetchedAt:      now,
	}
	fail := func(field, value string, err error) (quote.Quote, error) {
		return quote.Quote{}, &Error{Provider: providerID, Key: raw.Key, Field: field, Value: value, Err: err}
	}

	var price string
	switch p := raw.Payload.(type) {
	case eastmoney.Row:
		price = string(p.Price)
		q.Name = p.Name
		q.Change = optional(string(p.Change))
		q.ChangePercent = optional(string(p.ChangePercent))
		q.Open = optional(string(p.Open))
		q.High = optional(string(p.High))
		q.Low = optional(string(p.Low))
		q.Volume = optional(string(p.Volume))
		if ts, err := strconv.ParseInt(string(p.Timestamp), 10, 64); err == nil && ts > 0 {
			q.ObservedAt = Epoch(ts)
		}

	case sina.Row:
		price = p.Last
		q.Name = p.Name
		q.Open = optional(p.Open)
		q.High = optional(p.High)
		q.Low = optional(p.Low)
		q.Volume = optional(p.Volume)
		ref := optional(p.PrevSettle)
		if !ref.IsPositive() {
			ref = optional(p.PrevClose)
		}
		if last, ok := Number(p.Last); ok && ref.IsPositive() {
			q.Change = last.Sub(ref)
			q.ChangePercent = q.Change.Div(ref).Mul(hundred).Round(4)
		}
		if t, err := time.ParseInLocation("2006-01-02 15:04:05", p.Date+" "+p.Time, shanghai); err == nil {
			q.ObservedAt = t
		}

	case fundgz.Estimate:
		price = p.Estimate
		q.Name = p.Name
		q.ChangePercent = optional(p.EstimatePct)
		if est, ok := Number(p.Estimate); ok {
			if nav, ok := Number(p.NAV); ok && nav.IsPositive() {
				q.Change = est.Sub(nav)
			}
		}
		if t, err := time.ParseInLocation("2006-01-02 15:04", p.EstimateTime, shanghai); err == nil {
			q.ObservedAt = t
		}

	case dunamu.Rate:
		price = p.BasePrice.String()
		q.Name = p.CurrencyCode + "/KRW"
		q.Open = optional(p.OpeningPrice.String())
		q.High = optional(p.HighPrice.String())
		q.Low = optional(p.LowPrice.String())
		change := optional(p.ChangePrice.String()).Abs()
		rate := optional(p.ChangeRate.String()).Abs().Mul(hundred)
		if p.Change == "FALL" {
			change, rate = change.Neg(), rate.Neg()
		}
		q.Change = change
		q.ChangePercent = rate
		if p.Timestamp > 0 {
			q.ObservedAt = Epoch(p.Timestamp)
		}

	default:
		return fail("payload", fmt.Sprintf("%T", raw.Payload), errUnsupported)
	}

	v, ok := Number(price)
	if !ok {
		return fail("price", price, errMissing)
	}
	if !v.IsPositive() {
		return fail("price", price, errNonPositive)
	}
	q.Price = v
	if q.ObservedAt.IsZero() {
		q.ObservedAt = now
	}
	return q, nil
}

// Batch normalizes every record of b. Rejected records are returned as
// errors alongside the quotes that converted.
func Batch(b provider.Batch, now time.Time) ([]quote.Quote, []error) {
	quotes := make([]quote.Quote, 0, len(b.Records))
	var errs []error
	for _, r := range b.Records {
		q, err := Normalize(b.Provider, r, now)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		quotes = append(quotes, q)
	}
	return quotes, errs
}

var numberCleaner = strings.NewReplacer(
	",", "",
	"，", "",
	"%", "",
	"％", "",
	"+", "",
	"－", "-",
	"−", "-",
	" ", "",
)

// Number parses a localized decimal. Blank values and the "-" / "--"
// placeholders report ok=false.
func Number(s string) (decimal.Decimal, bool) {
	s = numberCleaner.Replace(strings.TrimSpace(s))
	switch s {
	case "", "-", "--", "null", "NaN":
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

func optional(s string) decimal.Decimal {
	d, _ := Number(s)
	return d
}

// Epoch converts seconds or milliseconds since the Unix epoch.
func Epoch(n int64) time.Time {
	if n > 1e12 {
		return time.UnixMilli(n)
	}
	return time.Unix(n, 0)
}
