// Package balancer selects the next proxy endpoint for automatic assignment.
// Selection never mutates pool state; the only state a Balancer carries is
// the round-robin cursor.
package balancer

import (
	"math/rand"
	"sync"

	"github.com/gluk-w/keybroker/internal/proxypool"
)

type Strategy string

const (
	RoundRobin  Strategy = "round_robin"
	LeastLoaded Strategy = "least_loaded"
	Random      Strategy = "random"
)

// ParseStrategy maps a configuration value to a Strategy, defaulting to
// round_robin for unknown values.
func ParseStrategy(s string) Strategy {
	switch Strategy(s) {
	case LeastLoaded:
		return LeastLoaded
	case Random:
		return Random
	default:
		return RoundRobin
	}
}

type Balancer struct {
	mu sync.Mutex
	// lastID is the id picked by the previous round-robin call. Tracking the
	// id rather than an index keeps the cursor stable when candidates that
	// are no longer present drop out of the list.
	lastID string
}

func New() *Balancer {
	return &Balancer{}
}

// Pick returns the next endpoint from candidates according to strategy, or
// nil when candidates is empty.
func (b *Balancer) Pick(candidates []proxypool.Endpoint, strategy Strategy) *proxypool.Endpoint {
	if len(candidates) == 0 {
		return nil
	}

	switch strategy {
	case LeastLoaded:
		return leastLoaded(candidates)
	case Random:
		picked := candidates[rand.Intn(len(candidates))]
		return &picked
	default:
		return b.roundRobin(candidates)
	}
}

func (b *Balancer) roundRobin(candidates []proxypool.Endpoint) *proxypool.Endpoint {
	b.mu.Lock()
	defer b.mu.Unlock()

	next := 0
	for i, c := range candidates {
		if c.ID == b.lastID {
			next = (i + 1) % len(candidates)
			break
		}
	}

	picked := candidates[next]
	b.lastID = picked.ID
	return &picked
}

func leastLoaded(candidates []proxypool.Endpoint) *proxypool.Endpoint {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.AssignedKeyCount < best.AssignedKeyCount ||
			(c.AssignedKeyCount == best.AssignedKeyCount && c.ID < best.ID) {
			best = c
		}
	}
	return &best
}
