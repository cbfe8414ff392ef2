// Package proxypool owns the set of proxy endpoints, their health state and
// persistence. Status moves between active, error and disabled; the health
// check loop in health.go and explicit error reports are the only writers of
// the status field.
package proxypool

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gluk-w/keybroker/internal/events"
	"github.com/gluk-w/keybroker/internal/store"
	"github.com/google/uuid"
)

const storeKey = "proxypool.endpoints"

type Status string

const (
	StatusActive   Status = "active"
	StatusError    Status = "error"
	StatusDisabled Status = "disabled"
)

var (
	ErrInvalidURL = errors.New("invalid proxy url")
	ErrDuplicate  = errors.New("duplicate proxy url")
	ErrNotFound   = errors.New("proxy not found")
)

type Endpoint struct {
	ID               string    `json:"id"`
	URL              string    `json:"url"`
	Status           Status    `json:"status"`
	AssignedKeyCount int       `json:"assignedKeyCount"`
	ErrorCount       int       `json:"errorCount"`
	LastError        string    `json:"lastError,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

type Pool struct {
	mu        sync.Mutex
	endpoints []*Endpoint // insertion order
	byID      map[string]*Endpoint

	store     store.Store
	bus       *events.Bus
	prober    Prober
	maxErrors int

	healthMu     sync.Mutex
	healthCancel func()
}

// New builds a pool and restores persisted endpoints. A corrupt or missing
// blob yields an empty pool.
func New(st store.Store, bus *events.Bus, prober Prober, maxErrors int) *Pool {
	p := &Pool{
		byID:      make(map[string]*Endpoint),
		store:     st,
		bus:       bus,
		prober:    prober,
		maxErrors: maxErrors,
	}

	var saved []Endpoint
	if store.LoadJSON(st, storeKey, &saved) {
		for i := range saved {
			ep := saved[i]
			p.endpoints = append(p.endpoints, &ep)
			p.byID[ep.ID] = &ep
		}
	}
	return p
}

// ValidateURL accepts http, https, socks and socks5 URLs with a host.
// No network effect: the host is checked syntactically, not resolved.
func ValidateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https", "socks", "socks5":
	default:
		return fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}
	if u.Hostname() == "" {
		return fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	return nil
}

func normalizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	return strings.TrimSuffix(u.String(), "/")
}

// Add validates raw, rejects duplicates by normalized URL and registers the
// endpoint as active.
func (p *Pool) Add(raw string) (Endpoint, error) {
	if err := ValidateURL(raw); err != nil {
		return Endpoint{}, err
	}
	normalized := normalizeURL(raw)

	p.mu.Lock()
	for _, ep := range p.endpoints {
		if normalizeURL(ep.URL) == normalized {
			p.mu.Unlock()
			return Endpoint{}, ErrDuplicate
		}
	}

	now := time.Now()
	ep := &Endpoint{
		ID:        uuid.NewString(),
		URL:       normalized,
		Status:    StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	p.endpoints = append(p.endpoints, ep)
	p.byID[ep.ID] = ep
	snapshot := *ep
	p.persistLocked()
	p.mu.Unlock()

	p.bus.Publish(events.ProxyAdded, snapshot)
	return snapshot, nil
}

// Update re-validates and replaces the URL in place; the id stays stable.
func (p *Pool) Update(id, raw string) (Endpoint, error) {
	if err := ValidateURL(raw); err != nil {
		return Endpoint{}, err
	}
	normalized := normalizeURL(raw)

	p.mu.Lock()
	ep, ok := p.byID[id]
	if !ok {
		p.mu.Unlock()
		return Endpoint{}, ErrNotFound
	}
	for _, other := range p.endpoints {
		if other.ID != id && normalizeURL(other.URL) == normalized {
			p.mu.Unlock()
			return Endpoint{}, ErrDuplicate
		}
	}
	ep.URL = normalized
	ep.UpdatedAt = time.Now()
	snapshot := *ep
	p.persistLocked()
	p.mu.Unlock()

	p.bus.Publish(events.ProxyUpdated, snapshot)
	return snapshot, nil
}

// Remove deletes the endpoint. The caller (AssignmentTable) is responsible
// for clearing assignments that referenced it.
func (p *Pool) Remove(id string) error {
	p.mu.Lock()
	ep, ok := p.byID[id]
	if !ok {
		p.mu.Unlock()
		return ErrNotFound
	}
	delete(p.byID, id)
	for i, e := range p.endpoints {
		if e.ID == id {
			p.endpoints = append(p.endpoints[:i], p.endpoints[i+1:]...)
			break
		}
	}
	snapshot := *ep
	p.persistLocked()
	p.mu.Unlock()

	p.bus.Publish(events.ProxyRemoved, snapshot)
	return nil
}

func (p *Pool) Get(id string) (Endpoint, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ep, ok := p.byID[id]
	if !ok {
		return Endpoint{}, false
	}
	return *ep, true
}

func (p *Pool) GetAll() []Endpoint {
	p.mu.Lock()
	defer p.mu.Unlock()
	result := make([]Endpoint, 0, len(p.endpoints))
	for _, ep := range p.endpoints {
		result = append(result, *ep)
	}
	return result
}

// ActiveEndpoints returns snapshots of endpoints eligible for assignment.
func (p *Pool) ActiveEndpoints() []Endpoint {
	p.mu.Lock()
	defer p.mu.Unlock()
	var result []Endpoint
	for _, ep := range p.endpoints {
		if ep.Status == StatusActive {
			result = append(result, *ep)
		}
	}
	return result
}

// SetAssignedKeyCount is called by the assignment table to keep the count in
// step with the actual assignment entries.
func (p *Pool) SetAssignedKeyCount(id string, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ep, ok := p.byID[id]; ok {
		if n < 0 {
			n = 0
		}
		ep.AssignedKeyCount = n
		ep.UpdatedAt = time.Now()
		p.persistLocked()
	}
}

// ReportError records an externally observed failure against the endpoint,
// with the same threshold semantics as a failed health probe.
func (p *Pool) ReportError(id, msg string) {
	p.recordFailure(id, msg)
}

// SetDisabled takes the endpoint out of rotation (or back in; re-enabling
// resets it to active with a clean error count).
func (p *Pool) SetDisabled(id string, disabled bool) error {
	p.mu.Lock()
	ep, ok := p.byID[id]
	if !ok {
		p.mu.Unlock()
		return ErrNotFound
	}

	var target Status
	if disabled {
		target = StatusDisabled
	} else {
		target = StatusActive
		ep.ErrorCount = 0
	}
	changed := ep.Status != target
	ep.Status = target
	ep.UpdatedAt = time.Now()
	snapshot := *ep
	p.persistLocked()
	p.mu.Unlock()

	if changed {
		p.bus.Publish(events.ProxyStatusChanged, snapshot)
	}
	return nil
}

// recordSuccess resets the error count and recovers an errored endpoint.
// Publishes proxyStatusChanged only when the status actually flips.
func (p *Pool) recordSuccess(id string) {
	p.mu.Lock()
	ep, ok := p.byID[id]
	if !ok {
		p.mu.Unlock()
		return
	}
	changed := ep.Status == StatusError
	if changed {
		ep.Status = StatusActive
	}
	ep.ErrorCount = 0
	ep.LastError = ""
	ep.UpdatedAt = time.Now()
	snapshot := *ep
	p.persistLocked()
	p.mu.Unlock()

	if changed {
		p.bus.Publish(events.ProxyStatusChanged, snapshot)
	}
}

func (p *Pool) recordFailure(id, msg string) {
	p.mu.Lock()
	ep, ok := p.byID[id]
	if !ok {
		p.mu.Unlock()
		return
	}
	ep.ErrorCount++
	ep.LastError = msg
	ep.UpdatedAt = time.Now()
	changed := ep.Status == StatusActive && ep.ErrorCount > p.maxErrors
	if changed {
		ep.Status = StatusError
	}
	snapshot := *ep
	p.persistLocked()
	p.mu.Unlock()

	if changed {
		p.bus.Publish(events.ProxyStatusChanged, snapshot)
	}
}

// persistLocked saves the full endpoint set. Callers hold p.mu.
func (p *Pool) persistLocked() {
	saved := make([]Endpoint, 0, len(p.endpoints))
	for _, ep := range p.endpoints {
		saved = append(saved, *ep)
	}
	store.SaveJSON(p.store, storeKey, saved)
}
