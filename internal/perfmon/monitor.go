// Package perfmon observes the event bus and derives per-path throughput
// metrics plus a system-wide load-balance verdict. Read-only: it never
// mutates pool state.
package perfmon

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gluk-w/keybroker/internal/dispatch"
	"github.com/gluk-w/keybroker/internal/events"
	"github.com/gluk-w/keybroker/internal/proxypool"
)

// failureRateThreshold flags a proxy in recommendations once at least
// minSampleSize requests have been observed.
const (
	failureRateThreshold = 50.0
	minSampleSize        = 10
)

// PathMetrics aggregates dispatch outcomes for one egress path. ProxyID is
// "direct" for unproxied calls and "rotating" for the shared endpoint.
type PathMetrics struct {
	ProxyID          string    `json:"proxyId"`
	Requests         int64     `json:"requests"`
	Failures         int64     `json:"failures"`
	FailureRate      float64   `json:"failureRate"`
	AverageLatencyMs float64   `json:"averageLatencyMs"`
	LastUsedAt       time.Time `json:"lastUsedAt"`
}

// Report is the periodic performanceUpdate payload.
type Report struct {
	GeneratedAt     time.Time     `json:"generatedAt"`
	Paths           []PathMetrics `json:"paths"`
	ActiveProxies   int           `json:"activeProxies"`
	AssignmentRange int           `json:"assignmentRange"` // max - min assigned keys across active proxies
	BalanceScore    float64       `json:"balanceScore"`    // 100 = evenly spread
	Recommendations []string      `json:"recommendations"`
}

type pathAgg struct {
	requests  int64
	failures  int64
	latencyMs float64
	lastUsed  time.Time
}

type Monitor struct {
	mu    sync.Mutex
	paths map[string]*pathAgg

	proxies   *proxypool.Pool
	bus       *events.Bus
	threshold func() int
	now       func() time.Time

	runMu  sync.Mutex
	cancel context.CancelFunc
}

func New(proxies *proxypool.Pool, bus *events.Bus, rebalanceThreshold func() int) *Monitor {
	return &Monitor{
		paths:     make(map[string]*pathAgg),
		proxies:   proxies,
		bus:       bus,
		threshold: rebalanceThreshold,
		now:       time.Now,
	}
}

// observe folds one bus event into the aggregates. Pending request events
// are skipped; only terminal outcomes count.
func (m *Monitor) observe(e events.Event) {
	switch e.Type {
	case events.RequestUpdate:
		status, ok := e.Payload.(dispatch.RequestStatus)
		if !ok || status.Status == "pending" {
			return
		}
		m.recordOutcome(status)
	case events.ProxyRemoved:
		ep, ok := e.Payload.(proxypool.Endpoint)
		if !ok {
			return
		}
		m.mu.Lock()
		delete(m.paths, ep.ID)
		m.mu.Unlock()
	}
}

func (m *Monitor) recordOutcome(status dispatch.RequestStatus) {
	key := status.ProxyID
	if key == "" {
		key = "direct"
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	agg, ok := m.paths[key]
	if !ok {
		agg = &pathAgg{}
		m.paths[key] = agg
	}
	agg.requests++
	agg.lastUsed = m.now()
	if status.Status != "success" {
		agg.failures++
	}
	if status.EndTime != nil {
		agg.latencyMs += float64(status.EndTime.Sub(status.StartTime).Milliseconds())
	}
}

// Report snapshots the aggregates and scores how evenly assignments are
// spread across the currently-active proxies.
func (m *Monitor) Report() Report {
	active := m.proxies.ActiveEndpoints()

	r := Report{
		GeneratedAt:   m.now(),
		ActiveProxies: len(active),
	}

	m.mu.Lock()
	ids := make([]string, 0, len(m.paths))
	for id := range m.paths {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		agg := m.paths[id]
		pm := PathMetrics{
			ProxyID:    id,
			Requests:   agg.requests,
			Failures:   agg.failures,
			LastUsedAt: agg.lastUsed,
		}
		if agg.requests > 0 {
			pm.FailureRate = float64(agg.failures) / float64(agg.requests) * 100
			pm.AverageLatencyMs = agg.latencyMs / float64(agg.requests)
		}
		r.Paths = append(r.Paths, pm)
	}
	m.mu.Unlock()

	r.AssignmentRange, r.BalanceScore = balanceScore(active)
	r.Recommendations = m.recommend(r)
	return r
}

// balanceScore maps the assigned-key spread across active proxies to a
// 0..100 score. A spread of at most 1 is the best achievable distribution.
func balanceScore(active []proxypool.Endpoint) (int, float64) {
	if len(active) < 2 {
		return 0, 100
	}
	min, max := active[0].AssignedKeyCount, active[0].AssignedKeyCount
	for _, ep := range active[1:] {
		if ep.AssignedKeyCount < min {
			min = ep.AssignedKeyCount
		}
		if ep.AssignedKeyCount > max {
			max = ep.AssignedKeyCount
		}
	}
	spread := max - min
	if spread <= 1 {
		return spread, 100
	}
	score := 100 - float64(spread-1)*20
	if score < 0 {
		score = 0
	}
	return spread, score
}

func (m *Monitor) recommend(r Report) []string {
	var recs []string

	if threshold := m.threshold(); r.AssignmentRange > threshold {
		recs = append(recs, fmt.Sprintf(
			"assignment spread %d exceeds rebalance threshold %d; run a rebalance",
			r.AssignmentRange, threshold))
	}

	for _, pm := range r.Paths {
		if pm.Requests >= minSampleSize && pm.FailureRate >= failureRateThreshold {
			recs = append(recs, fmt.Sprintf(
				"path %s failed %d of %d recent requests; check endpoint health",
				pm.ProxyID, pm.Failures, pm.Requests))
		}
	}

	if r.ActiveProxies == 0 && len(r.Paths) > 0 {
		recs = append(recs, "no active proxies; all traffic is going direct or via the rotating endpoint")
	}
	return recs
}

// StartCollector consumes bus events and publishes a performanceUpdate
// report every interval until ctx is cancelled or StopCollector is called.
// A second call while running is a no-op.
func (m *Monitor) StartCollector(ctx context.Context, interval time.Duration) {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	ch, unsub := m.bus.Subscribe(events.RequestUpdate, events.ProxyRemoved)

	go func() {
		defer unsub()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case e := <-ch:
				m.observe(e)
			case <-ticker.C:
				m.bus.Publish(events.PerformanceUpdate, m.Report())
			}
		}
	}()
}

// StopCollector is idempotent.
func (m *Monitor) StopCollector() {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
}
