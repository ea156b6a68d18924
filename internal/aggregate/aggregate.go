// Package aggregate is the read facade: it resolves a request for quotes
// against the cache, refreshing missing or expired keys through their
// provider, and returns whatever is fresh or last-known-good.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"quotehub/internal/cache"
	"quotehub/internal/fetch"
	"quotehub/internal/metrics"
	"quotehub/internal/provider"
	"quotehub/internal/quote"
)

// MaxSymbols bounds one request.
const MaxSymbols = 200

// ErrInvalidRequest is the only error GetQuotes returns.
var ErrInvalidRequest = errors.New("invalid quote request")

// Omission explains why a requested symbol is absent from a response.
type Omission struct {
	Symbol string `json:"symbol"`
	Reason string `json:"reason"`
}

// Response is the full answer to a quote request.
type Response struct {
	Quotes  []quote.Result `json:"quotes"`
	Omitted []Omission     `json:"omitted,omitempty"`
}

type Service struct {
	cache   *cache.Store
	fetcher *fetch.Fetcher
	log     *zap.Logger
	metrics *metrics.Metrics
}

func New(store *cache.Store, fetcher *fetch.Fetcher, log *zap.Logger, m *metrics.Metrics) *Service {
	return &Service{cache: store, fetcher: fetcher, log: log.Named("aggregate"), metrics: m}
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

// keys validates a request and returns its de-duplicated keys in request
// order together with the provider serving them.
func (s *Service) keys(ac quote.AssetClass, market string, symbols []string) ([]quote.Key, string, error) {
	if !ac.Valid() {
		return nil, "", invalid("unknown asset class %q", ac)
	}
	name, ok := s.fetcher.ProviderFor(ac)
	if !ok {
		return nil, "", invalid("no provider serves %s", ac)
	}
	seen := make(map[quote.Key]struct{}, len(symbols))
	keys := make([]quote.Key, 0, len(symbols))
	for _, sym := range symbols {
		if strings.TrimSpace(sym) == "" {
			continue
		}
		k := quote.NewKey(ac, market, sym)
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	if len(keys) == 0 {
		return nil, "", invalid("no symbols")
	}
	if len(keys) > MaxSymbols {
		return nil, "", invalid("%d symbols, at most %d allowed", len(keys), MaxSymbols)
	}
	return keys, name, nil
}

// GetQuotes returns the quotes for symbols in request order, each flagged
// fresh or stale. Symbols that failed and have no cached history are left
// out. An error is returned only for an invalid request.
func (s *Service) GetQuotes(ctx context.Context, ac quote.AssetClass, market string, symbols []string) ([]quote.Result, error) {
	resp, err := s.Quotes(ctx, ac, market, symbols)
	if err != nil {
		return nil, err
	}
	return resp.Quotes, nil
}

// Quotes is GetQuotes plus the list of omitted symbols.
func (s *Service) Quotes(ctx context.Context, ac quote.AssetClass, market string, symbols []string) (Response, error) {
	keys, name, err := s.keys(ac, market, symbols)
	if err != nil {
		return Response{}, err
	}
	s.cache.Touch(keys...)

	lookups := s.cache.GetOrRefreshMany(ctx, keys, func(ctx context.Context, keys []quote.Key) map[quote.Key]quote.Outcome {
		return s.fetcher.FetchGroup(ctx, name, keys)
	})

	resp := Response{Quotes: make([]quote.Result, 0, len(keys))}
	for _, k := range keys {
		l := lookups[k]
		if l.Err != nil {
			resp.Omitted = append(resp.Omitted, Omission{Symbol: k.Symbol, Reason: reason(l.Err)})
			s.log.Warn("omitting symbol",
				zap.String("key", k.String()),
				zap.String("provider", name),
				zap.Error(l.Err))
			continue
		}
		resp.Quotes = append(resp.Quotes, l.Result)
	}
	s.metrics.Omitted(len(resp.Omitted))
	return resp, nil
}

// Invalidate forces a refresh of key under the single-flight guarantee and
// returns the resulting quote.
func (s *Service) Invalidate(ctx context.Context, key quote.Key) (quote.Result, error) {
	keys, name, err := s.keys(key.AssetClass, key.Market, []string{key.Symbol})
	if err != nil {
		return quote.Result{}, err
	}
	k := keys[0]
	s.cache.Touch(k)
	return s.cache.Invalidate(ctx, k, func(ctx context.Context, k quote.Key) (quote.Quote, error) {
		o := s.fetcher.FetchGroup(ctx, name, []quote.Key{k})[k]
		return o.Quote, o.Err
	})
}

func reason(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "timeout"
	case provider.KindName(err) != "other":
		return provider.KindName(err)
	}
	return "unavailable"
}
