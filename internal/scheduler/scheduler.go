// Package scheduler keeps watched and recently requested quotes warm. Keys
// are grouped by provider; a provider that keeps failing is backed off
// without delaying the others.
package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"quotehub/internal/cache"
	"quotehub/internal/fetch"
	"quotehub/internal/metrics"
	"quotehub/internal/quote"
)

// State is the lifecycle state of a provider group.
type State string

const (
	StateIdle     State = "idle"
	StateFetching State = "fetching"
	StateBackoff  State = "backoff"
)

type Config struct {
	Tick            time.Duration
	Intervals       map[quote.AssetClass]time.Duration
	DefaultInterval time.Duration
	// HotWindow is how long a directly requested key stays scheduled.
	HotWindow        time.Duration
	FailureThreshold int
	BackoffBase      time.Duration
	BackoffMax       time.Duration
}

func DefaultConfig() Config {
	return Config{
		Tick:             15 * time.Second,
		Intervals:        map[quote.AssetClass]time.Duration{quote.FundOTC: 5 * time.Minute},
		DefaultInterval:  time.Minute,
		HotWindow:        5 * time.Minute,
		FailureThreshold: 3,
		BackoffBase:      30 * time.Second,
		BackoffMax:       10 * time.Minute,
	}
}

// KeySource supplies the keys that must stay warm.
type KeySource interface {
	Keys(ctx context.Context) ([]quote.Key, error)
}

// GroupStatus is a snapshot of one provider group.
type GroupStatus struct {
	Provider            string    `json:"provider"`
	State               State     `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	BackoffUntil        time.Time `json:"backoff_until,omitzero"`
	LastRun             time.Time `json:"last_run,omitzero"`
	LastSuccess         time.Time `json:"last_success,omitzero"`
}

// Report summarizes one tick.
type Report struct {
	Due       int      `json:"due"`
	Refreshed int      `json:"refreshed"`
	Failed    []string `json:"failed,omitempty"`
	Skipped   []string `json:"skipped,omitempty"`
	// Busy lists groups still fetching from an earlier tick.
	Busy    []string `json:"busy,omitempty"`
	Evicted int      `json:"evicted"`
}

type group struct {
	state        State
	failures     int
	backoffUntil time.Time
	lastRun      time.Time
	lastSuccess  time.Time
}

type Scheduler struct {
	cfg     Config
	cache   *cache.Store
	fetcher *fetch.Fetcher
	watch   KeySource
	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu     sync.Mutex
	groups map[string]*group

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config, store *cache.Store, fetcher *fetch.Fetcher, watch KeySource, log *zap.Logger, m *metrics.Metrics) *Scheduler {
	def := DefaultConfig()
	if cfg.Tick <= 0 {
		cfg.Tick = def.Tick
	}
	if cfg.DefaultInterval <= 0 {
		cfg.DefaultInterval = def.DefaultInterval
	}
	if cfg.HotWindow <= 0 {
		cfg.HotWindow = def.HotWindow
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = def.BackoffMax
	}
	return &Scheduler{
		cfg:     cfg,
		cache:   store,
		fetcher: fetcher,
		watch:   watch,
		log:     log.Named("scheduler"),
		metrics: m,
		now:     time.Now,
		groups:  map[string]*group{},
	}
}

// Interval returns how often keys of an asset class are refreshed.
func (s *Scheduler) Interval(ac quote.AssetClass) time.Duration {
	if d, ok := s.cfg.Intervals[ac]; ok && d > 0 {
		return d
	}
	return s.cfg.DefaultInterval
}

// Start runs a tick immediately and then every cfg.Tick until Stop.
func (s *Scheduler) Start() error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.cancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.log.Info("starting scheduler", zap.Duration("tick", s.cfg.Tick))
	s.wg.Add(1)
	go s.loop(ctx)
	return nil
}

// Stop cancels the loop and waits for the running tick to finish.
func (s *Scheduler) Stop() error {
	s.runMu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.runMu.Unlock()
	if cancel == nil {
		return nil
	}
	s.log.Info("stopping scheduler")
	cancel()
	s.wg.Wait()
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	for {
		s.RunOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce performs one tick: collect the warm set, refresh due keys per
// provider concurrently and sweep the cache.
func (s *Scheduler) RunOnce(ctx context.Context) Report {
	s.metrics.SchedulerTick()
	now := s.now()
	var rep Report

	watched, err := s.watch.Keys(ctx)
	if err != nil {
		s.log.Warn("loading watchlist keys failed", zap.Error(err))
	}
	keep := make(map[quote.Key]struct{}, len(watched))
	var warm []quote.Key
	for _, k := range watched {
		keep[k] = struct{}{}
		warm = append(warm, k)
	}
	for _, k := range s.cache.Hot(s.cfg.HotWindow) {
		if _, ok := keep[k]; !ok {
			warm = append(warm, k)
		}
	}

	var due []quote.Key
	for _, k := range warm {
		if e, ok := s.cache.Get(k); ok && now.Before(e.Quote.FetchedAt.Add(s.Interval(k.AssetClass))) {
			continue
		}
		due = append(due, k)
	}
	rep.Due = len(due)

	groups, unrouted := s.fetcher.Group(due)
	for _, k := range unrouted {
		s.log.Warn("no provider routed", zap.String("key", k.String()))
	}

	names := make([]string, 0, len(groups))
	for name := range groups {
		names = append(names, name)
	}
	sort.Strings(names)

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	for _, name := range names {
		switch s.begin(name, now) {
		case StateBackoff:
			s.metrics.BackoffSkip()
			rep.Skipped = append(rep.Skipped, name)
			continue
		case StateFetching:
			rep.Busy = append(rep.Busy, name)
			continue
		}
		keys := groups[name]
		// Every group returns nil so one failing provider never cancels
		// or hides the others.
		g.Go(func() error {
			produced := s.refreshGroup(ctx, name, keys)
			ok := produced > 0
			s.end(name, ok)
			mu.Lock()
			rep.Refreshed += produced
			if !ok {
				rep.Failed = append(rep.Failed, name)
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	sort.Strings(rep.Failed)

	rep.Evicted = s.cache.Sweep(keep)
	if rep.Due > 0 || rep.Evicted > 0 {
		s.log.Debug("tick finished",
			zap.Int("due", rep.Due),
			zap.Int("refreshed", rep.Refreshed),
			zap.Strings("failed", rep.Failed),
			zap.Strings("skipped", rep.Skipped),
			zap.Strings("busy", rep.Busy),
			zap.Int("evicted", rep.Evicted))
	}
	return rep
}

func (s *Scheduler) refreshGroup(ctx context.Context, name string, keys []quote.Key) int {
	lookups := s.cache.GetOrRefreshMany(ctx, keys, func(ctx context.Context, keys []quote.Key) map[quote.Key]quote.Outcome {
		return s.fetcher.FetchGroup(ctx, name, keys)
	})
	produced := 0
	for _, l := range lookups {
		if l.Err == nil && !l.Result.Stale {
			produced++
		}
	}
	return produced
}

// begin moves a group to Fetching and returns "". A group that is backing
// off or already fetching is left alone and its state is returned.
func (s *Scheduler) begin(name string, now time.Time) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[name]
	if !ok {
		g = &group{state: StateIdle}
		s.groups[name] = g
	}
	switch g.state {
	case StateFetching:
		return StateFetching
	case StateBackoff:
		if now.Before(g.backoffUntil) {
			return StateBackoff
		}
	}
	g.state = StateFetching
	g.lastRun = now
	return ""
}

func (s *Scheduler) end(name string, ok bool) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	g := s.groups[name]
	if ok {
		g.failures = 0
		g.state = StateIdle
		g.backoffUntil = time.Time{}
		g.lastSuccess = now
		return
	}
	g.failures++
	if g.failures < s.cfg.FailureThreshold {
		g.state = StateIdle
		return
	}
	wait := Backoff(s.cfg.BackoffBase, s.cfg.BackoffMax, g.failures-s.cfg.FailureThreshold)
	g.state = StateBackoff
	g.backoffUntil = now.Add(wait)
	s.log.Warn("provider backing off",
		zap.String("provider", name),
		zap.Int("consecutive_failures", g.failures),
		zap.Duration("wait", wait))
}

// States reports every known group, sorted by provider.
func (s *Scheduler) States() []GroupStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]GroupStatus, 0, len(s.groups))
	for name, g := range s.groups {
		out = append(out, GroupStatus{
			Provider:            name,
			State:               g.state,
			ConsecutiveFailures: g.failures,
			BackoffUntil:        g.backoffUntil,
			LastRun:             g.lastRun,
			LastSuccess:         g.lastSuccess,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}
