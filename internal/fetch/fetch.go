// Package fetch routes keys to provider adapters, bounds every adapter call
// with a timeout and normalizes the results into per-key outcomes.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"quotehub/internal/metrics"
	"quotehub/internal/normalize"
	"quotehub/internal/provider"
	"quotehub/internal/quote"
)

// DefaultTimeout bounds an adapter call when no timeout is configured.
const DefaultTimeout = 8 * time.Second

// Fetcher owns the adapter set and the asset class routing table.
type Fetcher struct {
	adapters map[string]provider.Adapter
	routes   map[quote.AssetClass]string
	timeouts map[string]time.Duration
	log      *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// Option customizes a Fetcher.
type Option func(*Fetcher)

// WithTimeout sets the per-call timeout of one provider.
func WithTimeout(providerName string, d time.Duration) Option {
	return func(f *Fetcher) {
		if d > 0 {
			f.timeouts[providerName] = d
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(f *Fetcher) { f.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(f *Fetcher) { f.now = now }
}

// New validates that every route names a registered adapter.
func New(adapters []provider.Adapter, routes map[quote.AssetClass]string, log *zap.Logger, opts ...Option) (*Fetcher, error) {
	f := &Fetcher{
		adapters: make(map[string]provider.Adapter, len(adapters)),
		routes:   make(map[quote.AssetClass]string, len(routes)),
		timeouts: map[string]time.Duration{},
		log:      log.Named("fetch"),
		now:      time.Now,
	}
	for _, a := range adapters {
		f.adapters[a.Name()] = a
	}
	for ac, name := range routes {
		if !ac.Valid() {
			return nil, fmt.Errorf("route for unknown asset class %q", ac)
		}
		if _, ok := f.adapters[name]; !ok {
			return nil, fmt.Errorf("route %s -> %q: no such provider", ac, name)
		}
		f.routes[ac] = name
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// ProviderFor returns the provider routed for an asset class.
func (f *Fetcher) ProviderFor(ac quote.AssetClass) (string, bool) {
	name, ok := f.routes[ac]
	return name, ok
}

// Providers lists registered provider names, sorted.
func (f *Fetcher) Providers() []string {
	out := make([]string, 0, len(f.adapters))
	for name := range f.adapters {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Group splits keys by routed provider, preserving order inside a group.
// Keys whose asset class has no route are returned separately.
func (f *Fetcher) Group(keys []quote.Key) (map[string][]quote.Key, []quote.Key) {
	groups := map[string][]quote.Key{}
	var unrouted []quote.Key
	for _, k := range keys {
		name, ok := f.routes[k.AssetClass]
		if !ok {
			unrouted = append(unrouted, k)
			continue
		}
		groups[name] = append(groups[name], k)
	}
	return groups, unrouted
}

// FetchGroup performs one adapter call for keys. Every requested key gets
// an outcome: a quote, the adapter failure, a normalization error or an
// unavailable error when the provider did not return it.
func (f *Fetcher) FetchGroup(ctx context.Context, providerName string, keys []quote.Key) map[quote.Key]quote.Outcome {
	out := make(map[quote.Key]quote.Outcome, len(keys))
	a, ok := f.adapters[providerName]
	if !ok {
		err := provider.Unavailable(providerName, fmt.Errorf("provider not registered"))
		for _, k := range keys {
			out[k] = quote.Outcome{Err: err}
		}
		return out
	}

	timeout := f.timeouts[providerName]
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	batch, err := a.Fetch(callCtx, keys)
	err = provider.Classify(providerName, err)
	f.metrics.RecordFetch(providerName, time.Since(start), provider.KindName(err))
	if err != nil {
		f.log.Warn("provider fetch failed",
			zap.String("provider", providerName),
			zap.Int("keys", len(keys)),
			zap.String("kind", provider.KindName(err)),
			zap.Error(err))
		for _, k := range keys {
			out[k] = quote.Outcome{Err: err}
		}
		return out
	}

	quotes, errs := normalize.Batch(batch, f.now())
	for _, q := range quotes {
		out[q.Key()] = quote.Outcome{Quote: q}
	}
	for _, e := range errs {
		f.metrics.NormalizeDrop()
		f.log.Warn("dropping record", zap.String("provider", providerName), zap.Error(e))
		var ne *normalize.Error
		if errors.As(e, &ne) {
			if _, done := out[ne.Key]; !done {
				out[ne.Key] = quote.Outcome{Err: ne}
			}
		}
	}
	for _, k := range keys {
		if _, done := out[k]; !done {
			out[k] = quote.Outcome{Err: provider.Unavailable(providerName, fmt.Errorf("no data for %s", k))}
		}
	}
	if len(batch.Missing) > 0 {
		f.log.Debug("provider returned partial batch",
			zap.String("provider", providerName),
			zap.Int("requested", len(keys)),
			zap.Int("missing", len(batch.Missing)))
	}
	return out
}

// Fetch groups keys by provider and runs the groups concurrently. A failing
// group never cancels the others.
func (f *Fetcher) Fetch(ctx context.Context, keys []quote.Key) map[quote.Key]quote.Outcome {
	groups, unrouted := f.Group(keys)
	out := make(map[quote.Key]quote.Outcome, len(keys))
	for _, k := range unrouted {
		out[k] = quote.Outcome{Err: fmt.Errorf("no provider routed for %s", k.AssetClass)}
	}

	var mu sync.Mutex
	var g errgroup.Group
	for name, group := range groups {
		g.Go(func() error {
			res := f.FetchGroup(ctx, name, group)
			mu.Lock()
			for k, o := range res {
				out[k] = o
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}
