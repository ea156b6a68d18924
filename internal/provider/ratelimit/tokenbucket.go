package ratelimit

import (
	"context"

	"golang.org/x/time/rate"

	"quotehub/internal/provider"
	"quotehub/internal/quote"
)

// TokenBucket wraps an adapter and gates calls with a token bucket.
//   - tokensPerSecond: refill rate
//   - burst: bucket capacity; the bucket starts full
type TokenBucket struct {
	P provider.Adapter
	L *rate.Limiter
}

func NewTokenBucket(p provider.Adapter, tokensPerSecond float64, burst int) *TokenBucket {
	if tokensPerSecond <= 0 {
		tokensPerSecond = 0.0000001
	}
	if burst <= 0 {
		burst = 1
	}
	return &TokenBucket{P: p, L: rate.NewLimiter(rate.Limit(tokensPerSecond), burst)}
}

func (t *TokenBucket) Name() string { return t.P.Name() }

func (t *TokenBucket) Fetch(ctx context.Context, keys []quote.Key) (provider.Batch, error) {
	if t.L != nil {
		// Wait fails fast when the next token lands after the deadline.
		if err := t.L.Wait(ctx); err != nil {
			return provider.Batch{}, provider.Timeout(t.Name(), err)
		}
	}
	return t.P.Fetch(ctx, keys)
}
