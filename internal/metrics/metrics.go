package metrics

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics holds in-process counters. All methods are safe for concurrent
// use and a nil *Metrics ignores every call.
type Metrics struct {
	cacheHits      atomic.Uint64
	cacheMisses    atomic.Uint64
	staleServed    atomic.Uint64
	coalescedWaits atomic.Uint64
	rejectedPuts   atomic.Uint64
	evictions      atomic.Uint64
	backendErrors  atomic.Uint64

	normalizeDrops atomic.Uint64
	omitted        atomic.Uint64

	schedulerTicks atomic.Uint64
	backoffSkips   atomic.Uint64

	streamClients atomic.Int32

	mu        sync.Mutex
	providers map[string]*providerCounters
}

type providerCounters struct {
	fetches      atomic.Uint64
	latencySumNs atomic.Int64
	failures     sync.Map // kind -> *atomic.Uint64
}

func New() *Metrics {
	return &Metrics{providers: map[string]*providerCounters{}}
}

func (m *Metrics) provider(name string) *providerCounters {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.providers == nil {
		m.providers = map[string]*providerCounters{}
	}
	p, ok := m.providers[name]
	if !ok {
		p = &providerCounters{}
		m.providers[name] = p
	}
	return p
}

// RecordFetch records one adapter call. kind is empty on success.
func (m *Metrics) RecordFetch(provider string, latency time.Duration, kind string) {
	if m == nil {
		return
	}
	p := m.provider(provider)
	p.fetches.Add(1)
	p.latencySumNs.Add(latency.Nanoseconds())
	if kind == "" {
		return
	}
	c, _ := p.failures.LoadOrStore(kind, new(atomic.Uint64))
	c.(*atomic.Uint64).Add(1)
}

func (m *Metrics) CacheHit() {
	if m != nil {
		m.cacheHits.Add(1)
	}
}

func (m *Metrics) CacheMiss() {
	if m != nil {
		m.cacheMisses.Add(1)
	}
}

func (m *Metrics) StaleServed() {
	if m != nil {
		m.staleServed.Add(1)
	}
}

func (m *Metrics) CoalescedWait() {
	if m != nil {
		m.coalescedWaits.Add(1)
	}
}

func (m *Metrics) RejectedPut() {
	if m != nil {
		m.rejectedPuts.Add(1)
	}
}

func (m *Metrics) Evicted(n int) {
	if m != nil && n > 0 {
		m.evictions.Add(uint64(n))
	}
}

func (m *Metrics) BackendError() {
	if m != nil {
		m.backendErrors.Add(1)
	}
}

func (m *Metrics) NormalizeDrop() {
	if m != nil {
		m.normalizeDrops.Add(1)
	}
}

func (m *Metrics) Omitted(n int) {
	if m != nil && n > 0 {
		m.omitted.Add(uint64(n))
	}
}

func (m *Metrics) SchedulerTick() {
	if m != nil {
		m.schedulerTicks.Add(1)
	}
}

func (m *Metrics) BackoffSkip() {
	if m != nil {
		m.backoffSkips.Add(1)
	}
}

func (m *Metrics) StreamConnected() {
	if m != nil {
		m.streamClients.Add(1)
	}
}

func (m *Metrics) StreamDisconnected() {
	if m != nil {
		m.streamClients.Add(-1)
	}
}

// ProviderSnapshot is the per-provider part of a Snapshot.
type ProviderSnapshot struct {
	Name         string            `json:"name"`
	Fetches      uint64            `json:"fetches"`
	AvgLatencyMs float64           `json:"avg_latency_ms"`
	Failures     map[string]uint64 `json:"failures,omitempty"`
}

// Snapshot is a point-in-time view of all counters.
type Snapshot struct {
	CacheHits      uint64             `json:"cache_hits"`
	CacheMisses    uint64             `json:"cache_misses"`
	StaleServed    uint64             `json:"stale_served"`
	CoalescedWaits uint64             `json:"coalesced_waits"`
	RejectedPuts   uint64             `json:"rejected_puts"`
	Evictions      uint64             `json:"evictions"`
	BackendErrors  uint64             `json:"backend_errors"`
	NormalizeDrops uint64             `json:"normalize_drops"`
	Omitted        uint64             `json:"omitted"`
	SchedulerTicks uint64             `json:"scheduler_ticks"`
	BackoffSkips   uint64             `json:"backoff_skips"`
	StreamClients  int32              `json:"stream_clients"`
	Providers      []ProviderSnapshot `json:"providers"`
	Timestamp      time.Time          `json:"timestamp"`
}

func (m *Metrics) Snapshot() Snapshot {
	s := Snapshot{
		CacheHits:      m.cacheHits.Load(),
		CacheMisses:    m.cacheMisses.Load(),
		StaleServed:    m.staleServed.Load(),
		CoalescedWaits: m.coalescedWaits.Load(),
		RejectedPuts:   m.rejectedPuts.Load(),
		Evictions:      m.evictions.Load(),
		BackendErrors:  m.backendErrors.Load(),
		NormalizeDrops: m.normalizeDrops.Load(),
		Omitted:        m.omitted.Load(),
		SchedulerTicks: m.schedulerTicks.Load(),
		BackoffSkips:   m.backoffSkips.Load(),
		StreamClients:  m.streamClients.Load(),
		Providers:      []ProviderSnapshot{},
		Timestamp:      time.Now(),
	}

	m.mu.Lock()
	for name, p := range m.providers {
		ps := ProviderSnapshot{Name: name, Fetches: p.fetches.Load()}
		if ps.Fetches > 0 {
			ps.AvgLatencyMs = float64(p.latencySumNs.Load()) / float64(ps.Fetches) / 1e6
		}
		p.failures.Range(func(k, v any) bool {
			if ps.Failures == nil {
				ps.Failures = map[string]uint64{}
			}
			ps.Failures[k.(string)] = v.(*atomic.Uint64).Load()
			return true
		})
		s.Providers = append(s.Providers, ps)
	}
	m.mu.Unlock()

	sort.Slice(s.Providers, func(i, j int) bool { return s.Providers[i].Name < s.Providers[j].Name })
	return s
}
