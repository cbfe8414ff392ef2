// Package rotating tracks the health of the single shared rotating proxy
// endpoint. Unlike the proxy pool it models exactly one endpoint, so it
// keeps a rolling sample window instead of per-endpoint state machines.
package rotating

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gluk-w/keybroker/internal/store"
)

const (
	storeKey   = "rotating.stats"
	windowSize = 100

	healthyUptimeThreshold = 80.0
)

type sample struct {
	At         time.Time
	OK         bool
	ResponseMs int64
}

// Stats is the persisted cumulative view. ErrorCount tracks consecutive
// failures: it resets to zero on any success.
type Stats struct {
	Enabled            bool      `json:"enabled"`
	URL                string    `json:"url"`
	ErrorCount         int       `json:"errorCount"`
	TotalRequests      int64     `json:"totalRequests"`
	SuccessfulRequests int64     `json:"successfulRequests"`
	LastError          string    `json:"lastError,omitempty"`
	ResponseTimeMs     int64     `json:"responseTimeMs,omitempty"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

// WindowStats is derived from the rolling window, never persisted.
type WindowStats struct {
	AverageResponseTime float64 `json:"averageResponseTime"`
	ErrorRate           float64 `json:"errorRate"`
	RequestsPerMinute   float64 `json:"requestsPerMinute"`
}

// HealthStatus is the derived verdict. No samples means unhealthy: absence
// of data is not assumed healthy.
type HealthStatus struct {
	IsHealthy         bool      `json:"isHealthy"`
	UptimePercent     float64   `json:"uptimePercent"`
	ErrorCount        int       `json:"errorCount"`
	ConsecutiveErrors int       `json:"consecutiveErrors"`
	LastCheck         time.Time `json:"lastCheck"`
}

// Probe checks liveness of the shared endpoint and reports the round trip
// time on success.
type Probe func(ctx context.Context) (time.Duration, error)

type Monitor struct {
	mu     sync.Mutex
	stats  Stats
	window []sample

	store store.Store
	now   func() time.Time

	probeMu     sync.Mutex
	probeCancel func()
}

// NewMonitor restores persisted cumulative stats; the rolling window always
// starts empty.
func NewMonitor(st store.Store, enabled bool, url string) *Monitor {
	m := &Monitor{store: st, now: time.Now}

	if !store.LoadJSON(st, storeKey, &m.stats) {
		m.stats.CreatedAt = time.Now()
	}
	m.stats.Enabled = enabled
	m.stats.URL = url
	return m
}

// RecordRequest feeds one request outcome into the window and counters.
func (m *Monitor) RecordRequest(success bool, responseTime time.Duration, errMsg string) {
	m.mu.Lock()
	now := m.now()

	m.window = append(m.window, sample{At: now, OK: success, ResponseMs: responseTime.Milliseconds()})
	if len(m.window) > windowSize {
		m.window = m.window[len(m.window)-windowSize:]
	}

	m.stats.TotalRequests++
	if success {
		m.stats.SuccessfulRequests++
		m.stats.ErrorCount = 0
		m.stats.ResponseTimeMs = responseTime.Milliseconds()
	} else {
		m.stats.ErrorCount++
		m.stats.LastError = errMsg
	}
	m.stats.UpdatedAt = now

	statsCopy := m.stats
	m.mu.Unlock()

	store.SaveJSON(m.store, storeKey, statsCopy)
}

func (m *Monitor) GetStats() (Stats, WindowStats) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ws WindowStats
	if n := len(m.window); n > 0 {
		var totalMs int64
		failed := 0
		for _, s := range m.window {
			totalMs += s.ResponseMs
			if !s.OK {
				failed++
			}
		}
		ws.AverageResponseTime = float64(totalMs) / float64(n)
		ws.ErrorRate = float64(failed) / float64(n) * 100

		span := m.window[n-1].At.Sub(m.window[0].At)
		if span > 0 {
			ws.RequestsPerMinute = float64(n) / span.Minutes()
		} else {
			ws.RequestsPerMinute = float64(n)
		}
	}
	return m.stats, ws
}

func (m *Monitor) GetHealthStatus() HealthStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	hs := HealthStatus{
		ErrorCount:        m.stats.ErrorCount,
		ConsecutiveErrors: m.stats.ErrorCount,
	}

	n := len(m.window)
	if n == 0 {
		return hs
	}

	successes := 0
	for _, s := range m.window {
		if s.OK {
			successes++
		}
	}
	hs.UptimePercent = float64(successes) / float64(n) * 100
	hs.IsHealthy = hs.UptimePercent >= healthyUptimeThreshold
	hs.LastCheck = m.window[n-1].At
	return hs
}

// Enabled reports whether the shared endpoint is configured for use.
func (m *Monitor) Enabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats.Enabled && m.stats.URL != ""
}

// URL returns the configured shared endpoint URL.
func (m *Monitor) URL() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats.URL
}

// StartMonitoring launches the periodic liveness probe. Probe results feed
// RecordRequest. No-op when already running or when the endpoint is not
// enabled.
func (m *Monitor) StartMonitoring(ctx context.Context, interval time.Duration, probe Probe) {
	if !m.Enabled() {
		return
	}

	m.probeMu.Lock()
	defer m.probeMu.Unlock()
	if m.probeCancel != nil {
		return
	}

	probeCtx, cancel := context.WithCancel(ctx)
	m.probeCancel = cancel

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-probeCtx.Done():
				return
			case <-ticker.C:
				if !m.Enabled() {
					continue
				}
				rtt, err := probe(probeCtx)
				if err != nil {
					m.RecordRequest(false, 0, err.Error())
				} else {
					m.RecordRequest(true, rtt, "")
				}
			}
		}
	}()

	log.Printf("[rotating] monitoring started (interval: %s)", interval)
}

// StopMonitoring stops the probe loop. Safe to call repeatedly.
func (m *Monitor) StopMonitoring() {
	m.probeMu.Lock()
	defer m.probeMu.Unlock()
	if m.probeCancel != nil {
		m.probeCancel()
		m.probeCancel = nil
	}
}
