// Package cache is the single owner of last-known-good quotes. It serves
// fresh entries without touching providers, coalesces concurrent refreshes
// of the same key into one flight and falls back to stale data when a
// refresh fails.
package cache

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"quotehub/internal/metrics"
	"quotehub/internal/quote"
)

// Config holds TTL and eviction settings.
type Config struct {
	// TTL per asset class; classes without an entry use DefaultTTL.
	TTL        map[quote.AssetClass]time.Duration
	DefaultTTL time.Duration
	// Grace keeps an unwatched entry alive after its last direct request.
	Grace time.Duration
	// MaxItems caps the number of entries; 0 means unbounded.
	MaxItems int
	// RefreshTimeout bounds a flight independently of its callers.
	RefreshTimeout time.Duration
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		TTL: map[quote.AssetClass]time.Duration{
			quote.Index:   30 * time.Second,
			quote.Equity:  30 * time.Second,
			quote.FundOTC: 5 * time.Minute,
		},
		DefaultTTL:     60 * time.Second,
		Grace:          15 * time.Minute,
		MaxItems:       10000,
		RefreshTimeout: 10 * time.Second,
	}
}

// Entry is a copy of one cached quote with its bookkeeping.
type Entry struct {
	Quote         quote.Quote
	ExpiresAt     time.Time
	LastRequested time.Time
}

// Fresh reports whether the entry is still within its TTL at now.
func (e Entry) Fresh(now time.Time) bool {
	return now.Before(e.ExpiresAt)
}

// Listener observes every accepted put. It runs on the writer's goroutine
// and must not block.
type Listener func(quote.Quote)

type entry struct {
	quote     quote.Quote
	expiresAt time.Time
}

type Store struct {
	cfg     Config
	log     *zap.Logger
	metrics *metrics.Metrics
	backend Backend
	now     func() time.Time

	mu        sync.Mutex
	entries   map[quote.Key]*entry
	requested map[quote.Key]time.Time
	flights   map[quote.Key]*call
	listeners []Listener
}

// Option customizes a Store.
type Option func(*Store)

func WithBackend(b Backend) Option {
	return func(s *Store) { s.backend = b }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(cfg Config, log *zap.Logger, opts ...Option) *Store {
	def := DefaultConfig()
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = def.DefaultTTL
	}
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = def.RefreshTimeout
	}
	if cfg.Grace <= 0 {
		cfg.Grace = def.Grace
	}
	s := &Store{
		cfg:       cfg,
		log:       log.Named("cache"),
		now:       time.Now,
		entries:   map[quote.Key]*entry{},
		requested: map[quote.Key]time.Time{},
		flights:   map[quote.Key]*call{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TTL returns the freshness window of an asset class.
func (s *Store) TTL(ac quote.AssetClass) time.Duration {
	if d, ok := s.cfg.TTL[ac]; ok && d > 0 {
		return d
	}
	return s.cfg.DefaultTTL
}

// Subscribe registers a listener for accepted puts.
func (s *Store) Subscribe(l Listener) {
	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()
}

// Get returns the most recent entry for key regardless of staleness.
func (s *Store) Get(key quote.Key) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return Entry{}, false
	}
	return Entry{Quote: e.quote, ExpiresAt: e.expiresAt, LastRequested: s.requested[key]}, true
}

// Len returns the number of cached entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Touch records a direct request for keys, keeping them hot.
func (s *Store) Touch(keys ...quote.Key) {
	now := s.now()
	s.mu.Lock()
	for _, k := range keys {
		s.requested[k] = now
	}
	s.mu.Unlock()
}

// Hot returns the keys directly requested within window, sorted.
func (s *Store) Hot(window time.Duration) []quote.Key {
	cutoff := s.now().Add(-window)
	s.mu.Lock()
	var out []quote.Key
	for k, at := range s.requested {
		if at.After(cutoff) {
			out = append(out, k)
		}
	}
	s.mu.Unlock()
	sortKeys(out)
	return out
}

// PutBatch upserts quotes, rejecting any whose FetchedAt predates the
// stored entry. Equal timestamps replace the stored entry. It returns the
// number of accepted quotes.
func (s *Store) PutBatch(ctx context.Context, quotes []quote.Quote) int {
	accepted := make([]quote.Quote, 0, len(quotes))
	s.mu.Lock()
	for _, q := range quotes {
		if _, ok := s.putLocked(q); ok {
			accepted = append(accepted, q)
		}
	}
	listeners := s.listeners
	s.mu.Unlock()

	s.afterPut(ctx, accepted, listeners)
	return len(accepted)
}

// putLocked applies the monotonic rule and returns the quote now stored.
func (s *Store) putLocked(q quote.Quote) (quote.Quote, bool) {
	k := q.Key()
	if cur, ok := s.entries[k]; ok && q.FetchedAt.Before(cur.quote.FetchedAt) {
		s.metrics.RejectedPut()
		return cur.quote, false
	}
	s.entries[k] = &entry{quote: q, expiresAt: q.FetchedAt.Add(s.TTL(q.AssetClass))}
	return q, true
}

func (s *Store) afterPut(ctx context.Context, accepted []quote.Quote, listeners []Listener) {
	if len(accepted) == 0 {
		return
	}
	if s.backend != nil {
		for _, q := range accepted {
			if err := s.backend.Put(ctx, q, s.TTL(q.AssetClass)+s.cfg.Grace); err != nil {
				s.metrics.BackendError()
				s.log.Warn("backend put failed", zap.String("key", q.Key().String()), zap.Error(err))
			}
		}
	}
	for _, l := range listeners {
		for _, q := range accepted {
			l(q)
		}
	}
}

// Sweep drops entries that keep does not claim and that were not directly
// requested within the grace period, then enforces MaxItems by evicting
// the least recently requested unkept entries. It returns the number of
// evicted entries.
func (s *Store) Sweep(keep map[quote.Key]struct{}) int {
	now := s.now()
	cutoff := now.Add(-s.cfg.Grace)

	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	for k, e := range s.entries {
		if _, ok := keep[k]; ok {
			continue
		}
		if _, inflight := s.flights[k]; inflight {
			continue
		}
		last := s.requested[k]
		if last.IsZero() {
			last = e.quote.FetchedAt
		}
		if last.Before(cutoff) {
			delete(s.entries, k)
			evicted++
		}
	}
	for k, at := range s.requested {
		if at.Before(cutoff) {
			delete(s.requested, k)
		}
	}

	if s.cfg.MaxItems > 0 && len(s.entries) > s.cfg.MaxItems {
		type cand struct {
			key  quote.Key
			last time.Time
		}
		var cands []cand
		for k, e := range s.entries {
			if _, ok := keep[k]; ok {
				continue
			}
			last := s.requested[k]
			if last.IsZero() {
				last = e.quote.FetchedAt
			}
			cands = append(cands, cand{k, last})
		}
		sort.Slice(cands, func(i, j int) bool { return cands[i].last.Before(cands[j].last) })
		for _, c := range cands {
			if len(s.entries) <= s.cfg.MaxItems {
				break
			}
			delete(s.entries, c.key)
			delete(s.requested, c.key)
			evicted++
		}
	}

	s.metrics.Evicted(evicted)
	return evicted
}

func sortKeys(keys []quote.Key) {
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
}
