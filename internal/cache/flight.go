package cache

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"quotehub/internal/quote"
)

var (
	// ErrRefreshPanic wraps a panic recovered from a refresh function.
	ErrRefreshPanic = errors.New("refresh panicked")
	// ErrNoOutcome is reported when a refresh did not account for a key.
	ErrNoOutcome = errors.New("refresh returned no outcome")
)

// RefreshFunc fetches one key.
type RefreshFunc func(ctx context.Context, key quote.Key) (quote.Quote, error)

// RefreshManyFunc fetches many keys at once and reports an outcome per key.
type RefreshManyFunc func(ctx context.Context, keys []quote.Key) map[quote.Key]quote.Outcome

// Lookup is the per-key answer of GetOrRefreshMany.
type Lookup struct {
	Result quote.Result
	Err    error
}

// call is one in-flight refresh. done is closed exactly once, after q and
// err are set.
type call struct {
	done chan struct{}
	q    quote.Quote
	err  error
}

// GetOrRefresh returns the cached quote for key if fresh. Otherwise it
// joins or starts the single flight for key and waits for it. A failed
// refresh yields the previous entry marked stale, or the failure when no
// previous entry exists.
func (s *Store) GetOrRefresh(ctx context.Context, key quote.Key, refresh RefreshFunc) (quote.Result, error) {
	l := s.GetOrRefreshMany(ctx, []quote.Key{key}, single(refresh))[key]
	return l.Result, l.Err
}

// GetOrRefreshMany is the batch form of GetOrRefresh. Keys that need a
// refresh and have no flight yet are passed to one refreshMany call.
func (s *Store) GetOrRefreshMany(ctx context.Context, keys []quote.Key, refreshMany RefreshManyFunc) map[quote.Key]Lookup {
	return s.lookup(ctx, keys, refreshMany, false)
}

// Invalidate forces a refresh of key regardless of TTL. If a flight for
// key is already running the caller joins it instead of starting another.
func (s *Store) Invalidate(ctx context.Context, key quote.Key, refresh RefreshFunc) (quote.Result, error) {
	l := s.lookup(ctx, []quote.Key{key}, single(refresh), true)[key]
	return l.Result, l.Err
}

// InvalidateMany is the batch form of Invalidate.
func (s *Store) InvalidateMany(ctx context.Context, keys []quote.Key, refreshMany RefreshManyFunc) map[quote.Key]Lookup {
	return s.lookup(ctx, keys, refreshMany, true)
}

func single(refresh RefreshFunc) RefreshManyFunc {
	return func(ctx context.Context, keys []quote.Key) map[quote.Key]quote.Outcome {
		out := make(map[quote.Key]quote.Outcome, len(keys))
		for _, k := range keys {
			q, err := refresh(ctx, k)
			out[k] = quote.Outcome{Quote: q, Err: err}
		}
		return out
	}
}

func (s *Store) lookup(ctx context.Context, keys []quote.Key, refreshMany RefreshManyFunc, force bool) map[quote.Key]Lookup {
	out := make(map[quote.Key]Lookup, len(keys))
	waits := make(map[quote.Key]*call, len(keys))
	started := map[quote.Key]*call{}
	now := s.now()

	s.mu.Lock()
	for _, k := range keys {
		if _, seen := out[k]; seen {
			continue
		}
		if _, seen := waits[k]; seen {
			continue
		}
		if e, ok := s.entries[k]; ok && !force && now.Before(e.expiresAt) {
			out[k] = Lookup{Result: quote.Result{Quote: e.quote}}
			s.metrics.CacheHit()
			continue
		}
		if c, ok := s.flights[k]; ok {
			waits[k] = c
			s.metrics.CoalescedWait()
			continue
		}
		c := &call{done: make(chan struct{})}
		s.flights[k] = c
		started[k] = c
		waits[k] = c
		s.metrics.CacheMiss()
	}
	s.mu.Unlock()

	if len(started) > 0 {
		// The flight outlives an impatient first caller; it is bounded by
		// RefreshTimeout instead.
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.RefreshTimeout)
		go func() {
			defer cancel()
			s.runFlight(fctx, started, refreshMany, force)
		}()
	}

	for k, c := range waits {
		select {
		case <-c.done:
			out[k] = s.settle(k, c.q, c.err)
		case <-ctx.Done():
			out[k] = s.settle(k, quote.Quote{}, ctx.Err())
		}
	}
	return out
}

// settle turns a flight result into a Lookup, falling back to the stored
// entry on failure. That entry may have been made fresh by a concurrent put
// while the flight ran, so staleness is judged at settle time.
func (s *Store) settle(k quote.Key, q quote.Quote, err error) Lookup {
	if err == nil {
		return Lookup{Result: quote.Result{Quote: q}}
	}
	if e, ok := s.Get(k); ok {
		stale := !e.Fresh(s.now())
		if stale {
			s.metrics.StaleServed()
		}
		return Lookup{Result: quote.Result{Quote: e.Quote, Stale: stale}}
	}
	return Lookup{Err: err}
}

func (s *Store) runFlight(ctx context.Context, calls map[quote.Key]*call, refreshMany RefreshManyFunc, force bool) {
	results := make(map[quote.Key]quote.Outcome, len(calls))
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("%w: %v", ErrRefreshPanic, r)
			s.log.Error("refresh panicked", zap.Int("keys", len(calls)), zap.Any("panic", r))
			for k := range calls {
				if _, ok := results[k]; !ok {
					results[k] = quote.Outcome{Err: err}
				}
			}
		}
		s.finish(calls, results)
	}()

	pending := make([]quote.Key, 0, len(calls))
	for k := range calls {
		pending = append(pending, k)
	}
	sortKeys(pending)

	if !force && s.backend != nil {
		pending = s.fromBackend(ctx, pending, results)
	}
	if len(pending) == 0 {
		return
	}

	outcomes := refreshMany(ctx, pending)

	var accepted []quote.Quote
	s.mu.Lock()
	for _, k := range pending {
		o, ok := outcomes[k]
		switch {
		case !ok:
			results[k] = quote.Outcome{Err: fmt.Errorf("%s: %w", k, ErrNoOutcome)}
		case o.Err != nil:
			results[k] = o
		default:
			o.Quote.AssetClass, o.Quote.Market, o.Quote.Symbol = k.AssetClass, k.Market, k.Symbol
			stored, ok := s.putLocked(o.Quote)
			if ok {
				accepted = append(accepted, stored)
			}
			results[k] = quote.Outcome{Quote: stored}
		}
	}
	listeners := s.listeners
	s.mu.Unlock()

	s.afterPut(ctx, accepted, listeners)
}

// fromBackend resolves keys absent from memory through the backend. Fresh
// hits complete their call; stale hits are stored as the prior entry and
// still refreshed. It returns the keys left to refresh.
func (s *Store) fromBackend(ctx context.Context, keys []quote.Key, results map[quote.Key]quote.Outcome) []quote.Key {
	var missing []quote.Key
	s.mu.Lock()
	for _, k := range keys {
		if _, ok := s.entries[k]; !ok {
			missing = append(missing, k)
		}
	}
	s.mu.Unlock()
	if len(missing) == 0 {
		return keys
	}

	found, err := s.backend.Get(ctx, missing)
	if err != nil {
		s.metrics.BackendError()
		s.log.Warn("backend get failed", zap.Int("keys", len(missing)), zap.Error(err))
		return keys
	}

	now := s.now()
	remaining := keys[:0:0]
	s.mu.Lock()
	for _, k := range keys {
		q, ok := found[k]
		if !ok {
			remaining = append(remaining, k)
			continue
		}
		stored, _ := s.putLocked(q)
		if now.Before(stored.FetchedAt.Add(s.TTL(k.AssetClass))) {
			results[k] = quote.Outcome{Quote: stored}
			continue
		}
		remaining = append(remaining, k)
	}
	s.mu.Unlock()
	return remaining
}

func (s *Store) finish(calls map[quote.Key]*call, results map[quote.Key]quote.Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, c := range calls {
		o, ok := results[k]
		if !ok {
			o = quote.Outcome{Err: fmt.Errorf("%s: %w", k, ErrNoOutcome)}
		}
		c.q, c.err = o.Quote, o.Err
		if s.flights[k] == c {
			delete(s.flights, k)
		}
		close(c.done)
	}
}
