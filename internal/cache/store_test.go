package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"quotehub/internal/metrics"
	"quotehub/internal/quote"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock { return &clock{t: time.Date(2024, 6, 3, 8, 0, 0, 0, time.UTC)} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

var (
	aapl = quote.NewKey(quote.Equity, "US", "AAPL")
	msft = quote.NewKey(quote.Equity, "US", "MSFT")
	gold = quote.NewKey(quote.Gold, "SGE", "AU9999")
)

func mkQuote(k quote.Key, price string, fetched time.Time) quote.Quote {
	return quote.Quote{
		AssetClass: k.AssetClass, Market: k.Market, Symbol: k.Symbol,
		Price: decimal.RequireFromString(price), SourceProvider: "test",
		ObservedAt: fetched, FetchedAt: fetched,
	}
}

func newStore(t *testing.T, clk *clock, opts ...Option) (*Store, *metrics.Metrics) {
	t.Helper()
	m := metrics.New()
	cfg := Config{
		TTL:            map[quote.AssetClass]time.Duration{quote.Equity: 30 * time.Second},
		DefaultTTL:     time.Minute,
		Grace:          10 * time.Minute,
		RefreshTimeout: 2 * time.Second,
	}
	opts = append([]Option{WithClock(clk.Now), WithMetrics(m)}, opts...)
	return New(cfg, zaptest.NewLogger(t), opts...), m
}

func TestGetOrRefresh_FreshNeverCallsProvider(t *testing.T) {
	t.Parallel()

	// Arrange
	clk := newClock()
	s, m := newStore(t, clk)
	s.PutBatch(t.Context(), []quote.Quote{mkQuote(aapl, "189.98", clk.Now())})
	clk.Advance(10 * time.Second)

	// Act
	res, err := s.GetOrRefresh(t.Context(), aapl, func(context.Context, quote.Key) (quote.Quote, error) {
		t.Fatal("refresh must not be called for a fresh entry")
		return quote.Quote{}, nil
	})

	// Assert
	require.NoError(t, err)
	require.False(t, res.Stale)
	require.Equal(t, "189.98", res.Price.String())
	require.EqualValues(t, 1, m.Snapshot().CacheHits)
}

func TestGetOrRefresh_CoalescesConcurrentCallers(t *testing.T) {
	t.Parallel()

	// Arrange: a refresh that blocks until every caller is waiting
	clk := newClock()
	s, m := newStore(t, clk)
	var calls atomic.Int32
	release := make(chan struct{})
	refresh := func(ctx context.Context, k quote.Key) (quote.Quote, error) {
		calls.Add(1)
		<-release
		return mkQuote(k, "189.98", clk.Now()), nil
	}

	// Act
	const callers = 50
	var wg sync.WaitGroup
	results := make([]quote.Result, callers)
	errs := make([]error, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = s.GetOrRefresh(context.Background(), aapl, refresh)
		}()
	}
	require.Eventually(t, func() bool {
		return m.Snapshot().CoalescedWaits == callers-1
	}, 2*time.Second, 5*time.Millisecond)
	close(release)
	wg.Wait()

	// Assert: exactly one upstream call, everyone got its result
	require.EqualValues(t, 1, calls.Load())
	for i := range callers {
		require.NoError(t, errs[i])
		require.Equal(t, "189.98", results[i].Price.String())
	}
}

func TestGetOrRefresh_DifferentKeysDoNotBlock(t *testing.T) {
	t.Parallel()

	clk := newClock()
	s, _ := newStore(t, clk)
	release := make(chan struct{})
	defer close(release)

	go func() {
		_, _ = s.GetOrRefresh(context.Background(), aapl, func(ctx context.Context, k quote.Key) (quote.Quote, error) {
			<-release
			return mkQuote(k, "1", clk.Now()), nil
		})
	}()

	done := make(chan quote.Result, 1)
	go func() {
		res, _ := s.GetOrRefresh(context.Background(), msft, func(ctx context.Context, k quote.Key) (quote.Quote, error) {
			return mkQuote(k, "420.1", clk.Now()), nil
		})
		done <- res
	}()

	select {
	case res := <-done:
		require.Equal(t, "420.1", res.Price.String())
	case <-time.After(2 * time.Second):
		t.Fatal("msft refresh blocked behind aapl")
	}
}

func TestGetOrRefresh_StaleOnFailure(t *testing.T) {
	t.Parallel()

	// Arrange: an expired entry and a failing provider
	clk := newClock()
	s, m := newStore(t, clk)
	s.PutBatch(t.Context(), []quote.Quote{mkQuote(gold, "552.1", clk.Now())})
	clk.Advance(5 * time.Minute)

	// Act
	res, err := s.GetOrRefresh(t.Context(), gold, func(context.Context, quote.Key) (quote.Quote, error) {
		return quote.Quote{}, errors.New("upstream down")
	})

	// Assert
	require.NoError(t, err)
	require.True(t, res.Stale)
	require.Equal(t, "552.1", res.Price.String())
	require.EqualValues(t, 1, m.Snapshot().StaleServed)
}

func TestGetOrRefresh_FailedFlightServesConcurrentPutAsFresh(t *testing.T) {
	t.Parallel()

	// Arrange: an expired entry and a refresh that fails after a put lands
	clk := newClock()
	s, m := newStore(t, clk)
	s.PutBatch(t.Context(), []quote.Quote{mkQuote(gold, "552.1", clk.Now())})
	clk.Advance(5 * time.Minute)

	refresh := func(ctx context.Context, k quote.Key) (quote.Quote, error) {
		s.PutBatch(ctx, []quote.Quote{mkQuote(k, "553.4", clk.Now())})
		return quote.Quote{}, errors.New("upstream down")
	}

	// Act
	res, err := s.GetOrRefresh(t.Context(), gold, refresh)

	// Assert
	require.NoError(t, err)
	require.False(t, res.Stale)
	require.Equal(t, "553.4", res.Price.String())
	require.Zero(t, m.Snapshot().StaleServed)
}

func TestGetOrRefresh_SurfacesFailureWithoutHistory(t *testing.T) {
	t.Parallel()

	clk := newClock()
	s, _ := newStore(t, clk)
	boom := errors.New("upstream down")

	_, err := s.GetOrRefresh(t.Context(), gold, func(context.Context, quote.Key) (quote.Quote, error) {
		return quote.Quote{}, boom
	})
	require.ErrorIs(t, err, boom)

	_, ok := s.Get(gold)
	require.False(t, ok)
}

func TestGetOrRefresh_PanicReleasesSlot(t *testing.T) {
	t.Parallel()

	clk := newClock()
	s, _ := newStore(t, clk)

	_, err := s.GetOrRefresh(t.Context(), aapl, func(context.Context, quote.Key) (quote.Quote, error) {
		panic("adapter bug")
	})
	require.ErrorIs(t, err, ErrRefreshPanic)

	res, err := s.GetOrRefresh(t.Context(), aapl, func(ctx context.Context, k quote.Key) (quote.Quote, error) {
		return mkQuote(k, "190", clk.Now()), nil
	})
	require.NoError(t, err)
	require.Equal(t, "190", res.Price.String())
}

func TestGetOrRefresh_CallerCancelDoesNotAbortFlight(t *testing.T) {
	t.Parallel()

	clk := newClock()
	s, _ := newStore(t, clk)
	release := make(chan struct{})

	ctx, cancel := context.WithCancel(t.Context())
	errc := make(chan error, 1)
	go func() {
		_, err := s.GetOrRefresh(ctx, aapl, func(fctx context.Context, k quote.Key) (quote.Quote, error) {
			<-release
			if fctx.Err() != nil {
				return quote.Quote{}, fctx.Err()
			}
			return mkQuote(k, "191", clk.Now()), nil
		})
		errc <- err
	}()

	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.flights) == 1
	}, time.Second, 5*time.Millisecond)
	cancel()
	require.ErrorIs(t, <-errc, context.Canceled)

	close(release)
	require.Eventually(t, func() bool {
		e, ok := s.Get(aapl)
		return ok && e.Quote.Price.String() == "191"
	}, time.Second, 5*time.Millisecond)
}

func TestGetOrRefreshMany_OneBatchForMissingKeys(t *testing.T) {
	t.Parallel()

	clk := newClock()
	s, _ := newStore(t, clk)
	s.PutBatch(t.Context(), []quote.Quote{mkQuote(aapl, "189.98", clk.Now())})

	var got [][]quote.Key
	out := s.GetOrRefreshMany(t.Context(), []quote.Key{aapl, msft, gold}, func(ctx context.Context, keys []quote.Key) map[quote.Key]quote.Outcome {
		got = append(got, keys)
		return map[quote.Key]quote.Outcome{
			msft: {Quote: mkQuote(msft, "420.1", clk.Now())},
			gold: {Err: errors.New("no gold")},
		}
	})

	require.Len(t, got, 1)
	require.ElementsMatch(t, []quote.Key{msft, gold}, got[0])
	require.Equal(t, "189.98", out[aapl].Result.Price.String())
	require.Equal(t, "420.1", out[msft].Result.Price.String())
	require.Error(t, out[gold].Err)
}

func TestGetOrRefreshMany_MissingOutcomeIsAnError(t *testing.T) {
	t.Parallel()

	clk := newClock()
	s, _ := newStore(t, clk)
	out := s.GetOrRefreshMany(t.Context(), []quote.Key{aapl}, func(context.Context, []quote.Key) map[quote.Key]quote.Outcome {
		return nil
	})
	require.ErrorIs(t, out[aapl].Err, ErrNoOutcome)
}

func TestInvalidate_BypassesTTLAndJoinsFlight(t *testing.T) {
	t.Parallel()

	clk := newClock()
	s, m := newStore(t, clk)
	s.PutBatch(t.Context(), []quote.Quote{mkQuote(aapl, "189.98", clk.Now())})

	var calls atomic.Int32
	release := make(chan struct{})
	refresh := func(ctx context.Context, k quote.Key) (quote.Quote, error) {
		calls.Add(1)
		<-release
		return mkQuote(k, "200", clk.Now()), nil
	}

	results := make(chan quote.Result, 2)
	for range 2 {
		go func() {
			res, _ := s.Invalidate(context.Background(), aapl, refresh)
			results <- res
		}()
	}
	require.Eventually(t, func() bool {
		return calls.Load() == 1 && m.Snapshot().CoalescedWaits == 1
	}, 2*time.Second, 5*time.Millisecond)
	close(release)

	for range 2 {
		require.Equal(t, "200", (<-results).Price.String())
	}
	require.EqualValues(t, 1, calls.Load())
}

func TestPutBatch_Monotonic(t *testing.T) {
	t.Parallel()

	clk := newClock()
	s, m := newStore(t, clk)
	t0 := clk.Now()

	require.Equal(t, 1, s.PutBatch(t.Context(), []quote.Quote{mkQuote(aapl, "2", t0)}))
	require.Zero(t, s.PutBatch(t.Context(), []quote.Quote{mkQuote(aapl, "1", t0.Add(-time.Second))}))
	e, _ := s.Get(aapl)
	require.Equal(t, "2", e.Quote.Price.String())

	// Equal timestamps: later writer wins.
	require.Equal(t, 1, s.PutBatch(t.Context(), []quote.Quote{mkQuote(aapl, "3", t0)}))
	e, _ = s.Get(aapl)
	require.Equal(t, "3", e.Quote.Price.String())
	require.EqualValues(t, 1, m.Snapshot().RejectedPuts)
}

func TestPutBatch_NotifiesListeners(t *testing.T) {
	t.Parallel()

	clk := newClock()
	s, _ := newStore(t, clk)
	var seen []quote.Key
	s.Subscribe(func(q quote.Quote) { seen = append(seen, q.Key()) })

	s.PutBatch(t.Context(), []quote.Quote{mkQuote(aapl, "1", clk.Now()), mkQuote(msft, "2", clk.Now())})
	s.PutBatch(t.Context(), []quote.Quote{mkQuote(aapl, "0.5", clk.Now().Add(-time.Hour))})

	require.Equal(t, []quote.Key{aapl, msft}, seen)
}

func TestHotAndSweep(t *testing.T) {
	t.Parallel()

	clk := newClock()
	s, _ := newStore(t, clk)
	s.PutBatch(t.Context(), []quote.Quote{
		mkQuote(aapl, "1", clk.Now()),
		mkQuote(msft, "2", clk.Now()),
		mkQuote(gold, "3", clk.Now()),
	})
	s.Touch(aapl)
	require.Equal(t, []quote.Key{aapl}, s.Hot(time.Minute))

	clk.Advance(5 * time.Minute)
	s.Touch(msft)
	clk.Advance(6 * time.Minute)

	// aapl was requested 11m ago and is not kept; gold is watched.
	evicted := s.Sweep(map[quote.Key]struct{}{gold: {}})
	require.Equal(t, 1, evicted)
	_, ok := s.Get(aapl)
	require.False(t, ok)
	_, ok = s.Get(msft)
	require.True(t, ok)
	_, ok = s.Get(gold)
	require.True(t, ok)
	require.Empty(t, s.Hot(time.Minute))
}

func TestSweep_MaxItems(t *testing.T) {
	t.Parallel()

	clk := newClock()
	m := metrics.New()
	s := New(Config{DefaultTTL: time.Minute, Grace: time.Hour, MaxItems: 2}, zaptest.NewLogger(t), WithClock(clk.Now), WithMetrics(m))
	s.PutBatch(t.Context(), []quote.Quote{mkQuote(aapl, "1", clk.Now())})
	clk.Advance(time.Second)
	s.PutBatch(t.Context(), []quote.Quote{mkQuote(msft, "2", clk.Now())})
	clk.Advance(time.Second)
	s.PutBatch(t.Context(), []quote.Quote{mkQuote(gold, "3", clk.Now())})

	require.Equal(t, 1, s.Sweep(nil))
	require.Equal(t, 2, s.Len())
	_, ok := s.Get(aapl)
	require.False(t, ok)
	require.EqualValues(t, 1, m.Snapshot().Evictions)
}

func TestRedisBackend(t *testing.T) {
	t.Parallel()

	// Arrange: two stores sharing one redis
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	backend := NewRedisBackend(client)

	clk := newClock()
	first, _ := newStore(t, clk, WithBackend(backend))
	second, _ := newStore(t, clk, WithBackend(backend))

	// Act: first store refreshes and writes through
	_, err := first.GetOrRefresh(t.Context(), aapl, func(ctx context.Context, k quote.Key) (quote.Quote, error) {
		return mkQuote(k, "189.98", clk.Now()), nil
	})
	require.NoError(t, err)
	require.True(t, mr.Exists(redisKeyPrefix+aapl.String()))

	// Assert: second store is served from redis without a provider call
	res, err := second.GetOrRefresh(t.Context(), aapl, func(context.Context, quote.Key) (quote.Quote, error) {
		t.Fatal("expected backend hit")
		return quote.Quote{}, nil
	})
	require.NoError(t, err)
	require.Equal(t, "189.98", res.Price.String())

	// A stale backend copy still backs a failed refresh.
	clk.Advance(2 * time.Minute)
	third, _ := newStore(t, clk, WithBackend(backend))
	res, err = third.GetOrRefresh(t.Context(), aapl, func(context.Context, quote.Key) (quote.Quote, error) {
		return quote.Quote{}, errors.New("down")
	})
	require.NoError(t, err)
	require.True(t, res.Stale)
}

func TestRedisBackend_ErrorsDoNotFailReads(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	mr.Close()

	clk := newClock()
	s, m := newStore(t, clk, WithBackend(NewRedisBackend(client)))
	res, err := s.GetOrRefresh(t.Context(), aapl, func(ctx context.Context, k quote.Key) (quote.Quote, error) {
		return mkQuote(k, "1.5", clk.Now()), nil
	})
	require.NoError(t, err)
	require.Equal(t, "1.5", res.Price.String())
	require.GreaterOrEqual(t, m.Snapshot().BackendErrors, uint64(1))
}
