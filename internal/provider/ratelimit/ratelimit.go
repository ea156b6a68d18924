package ratelimit

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"quotehub/internal/provider"
	"quotehub/internal/quote"
)

// MinInterval wraps an adapter and enforces a minimum time between calls.
// Concurrent calls queue behind each other or return early if the context
// is canceled.
type MinInterval struct {
	P        provider.Adapter
	Interval time.Duration

	limiter *rate.Limiter
}

func NewMinInterval(p provider.Adapter, interval time.Duration) *MinInterval {
	return &MinInterval{P: p, Interval: interval, limiter: rate.NewLimiter(rate.Every(interval), 1)}
}

func (m *MinInterval) Name() string { return m.P.Name() }

func (m *MinInterval) Fetch(ctx context.Context, keys []quote.Key) (provider.Batch, error) {
	if m.limiter != nil && m.Interval > 0 {
		if err := m.limiter.Wait(ctx); err != nil {
			return provider.Batch{}, provider.Timeout(m.Name(), err)
		}
	}
	return m.P.Fetch(ctx, keys)
}

// Wrap applies the configured limit: a token bucket when requestsPerMinute
// is set, otherwise a min-interval gate, otherwise p unchanged.
func Wrap(p provider.Adapter, requestsPerMinute, burst int, minInterval time.Duration) provider.Adapter {
	if requestsPerMinute > 0 {
		return NewTokenBucket(p, float64(requestsPerMinute)/60.0, burst)
	}
	if minInterval > 0 {
		return NewMinInterval(p, minInterval)
	}
	return p
}
