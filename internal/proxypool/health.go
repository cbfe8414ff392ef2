// health.go implements periodic health checking for the proxy pool.
//
// A background goroutine probes every non-disabled endpoint on a fixed
// interval. Probes for distinct endpoints run concurrently; the resulting
// status transitions are serialized by the pool mutex, so a probe result
// never races an in-progress assignment.
package proxypool

import (
	"context"
	"log"
	"net"
	"net/url"
	"sync"
	"time"
)

const probeTimeout = 5 * time.Second

// Prober checks whether a proxy endpoint is reachable.
type Prober interface {
	Probe(ctx context.Context, rawURL string) error
}

// DialProber verifies TCP reachability of the proxy's host:port. It does not
// speak the proxy protocol; an accepted connection is treated as healthy.
type DialProber struct {
	Timeout time.Duration
}

func (d DialProber) Probe(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return err
	}
	host := u.Host
	if u.Port() == "" {
		host = net.JoinHostPort(u.Hostname(), defaultPort(u.Scheme))
	}

	timeout := d.Timeout
	if timeout == 0 {
		timeout = probeTimeout
	}
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", host)
	if err != nil {
		return err
	}
	return conn.Close()
}

func defaultPort(scheme string) string {
	switch scheme {
	case "https":
		return "443"
	case "socks", "socks5":
		return "1080"
	default:
		return "80"
	}
}

// StartHealthChecker starts the periodic probe loop. It is a no-op when a
// checker is already running.
func (p *Pool) StartHealthChecker(ctx context.Context, interval time.Duration) {
	p.healthMu.Lock()
	defer p.healthMu.Unlock()
	if p.healthCancel != nil {
		return
	}

	hcCtx, cancel := context.WithCancel(ctx)
	p.healthCancel = cancel

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-hcCtx.Done():
				return
			case <-ticker.C:
				p.CheckAll(hcCtx)
			}
		}
	}()

	log.Printf("[proxypool] health checker started (interval: %s)", interval)
}

// StopHealthChecker stops the probe loop. Safe to call repeatedly; after it
// returns no further ticks fire.
func (p *Pool) StopHealthChecker() {
	p.healthMu.Lock()
	defer p.healthMu.Unlock()
	if p.healthCancel != nil {
		p.healthCancel()
		p.healthCancel = nil
	}
}

// CheckAll probes every non-disabled endpoint concurrently and feeds the
// results back into the pool's error counters.
func (p *Pool) CheckAll(ctx context.Context) {
	p.mu.Lock()
	targets := make([]Endpoint, 0, len(p.endpoints))
	for _, ep := range p.endpoints {
		if ep.Status != StatusDisabled {
			targets = append(targets, *ep)
		}
	}
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, target := range targets {
		wg.Add(1)
		go func(target Endpoint) {
			defer wg.Done()
			probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
			defer cancel()

			if err := p.prober.Probe(probeCtx, target.URL); err != nil {
				log.Printf("[proxypool] probe failed for %s: %v", target.URL, err)
				p.recordFailure(target.ID, err.Error())
			} else {
				p.recordSuccess(target.ID)
			}
		}(target)
	}
	wg.Wait()
}
