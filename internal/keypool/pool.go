// Package keypool owns the credential set and its cooldown state machine.
// All mutation goes through the Pool API under one mutex; callers receive
// snapshots, never pointers into the pool.
package keypool

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gluk-w/keybroker/internal/events"
	"github.com/gluk-w/keybroker/internal/store"
)

const (
	storeKey        = "keypool.credentials"
	maxHistoryDays  = 30
	defaultCooldown = time.Minute
)

type Status string

const (
	StatusAvailable   Status = "available"
	StatusCoolingDown Status = "cooling_down"
	StatusDisabled    Status = "disabled"
)

var (
	ErrNotFound  = errors.New("credential not found")
	ErrDuplicate = errors.New("duplicate credential id")
)

// UsageSample is one day's request count.
type UsageSample struct {
	Date string `json:"date"`
	Rate int    `json:"rate"`
}

type Credential struct {
	ID               string        `json:"id"`
	Secret           string        `json:"secret"`
	Status           Status        `json:"status"`
	CoolingDownUntil *time.Time    `json:"coolingDownUntil,omitempty"`
	CurrentRequests  int           `json:"currentRequests"`
	LastUsedAt       *time.Time    `json:"lastUsedAt,omitempty"`
	UsageHistory     []UsageSample `json:"usageHistory,omitempty"`
	AssignedProxyID  string        `json:"assignedProxyId,omitempty"`
}

// OutcomeKind classifies how a dispatched call ended, from the credential's
// point of view.
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeRateLimited
	OutcomeFailure
)

// Outcome is passed to Release when a call finishes. Backoff carries the
// parsed retry-after duration for rate-limit outcomes; zero falls back to a
// one-minute default.
type Outcome struct {
	Kind    OutcomeKind
	Backoff time.Duration
	Err     string
}

type Pool struct {
	mu    sync.Mutex
	creds []*Credential // insertion order
	byID  map[string]*Credential

	store store.Store
	bus   *events.Bus
	now   func() time.Time
}

// New builds a pool and restores persisted credentials. A corrupt or missing
// blob yields an empty pool.
func New(st store.Store, bus *events.Bus) *Pool {
	p := &Pool{
		byID:  make(map[string]*Credential),
		store: st,
		bus:   bus,
		now:   time.Now,
	}

	var saved []Credential
	if store.LoadJSON(st, storeKey, &saved) {
		for i := range saved {
			c := saved[i]
			// In-flight counters do not survive a restart.
			c.CurrentRequests = 0
			p.creds = append(p.creds, &c)
			p.byID[c.ID] = &c
		}
	}
	return p
}

// Load replaces the working set and announces every loaded credential on the
// bus. Duplicate ids reject the whole batch.
func (p *Pool) Load(creds []Credential) error {
	seen := make(map[string]bool, len(creds))
	for _, c := range creds {
		if seen[c.ID] {
			return fmt.Errorf("%w: %s", ErrDuplicate, c.ID)
		}
		seen[c.ID] = true
	}

	p.mu.Lock()
	p.creds = nil
	p.byID = make(map[string]*Credential, len(creds))
	snapshots := make([]Credential, 0, len(creds))
	for i := range creds {
		c := creds[i]
		if c.Status == "" {
			c.Status = StatusAvailable
		}
		p.creds = append(p.creds, &c)
		p.byID[c.ID] = &c
		snapshots = append(snapshots, c)
	}
	p.persistLocked()
	p.mu.Unlock()

	for _, s := range snapshots {
		p.bus.Publish(events.CredentialStatusUpdate, s)
	}
	return nil
}

// Add registers a single credential as available.
func (p *Pool) Add(id, secret string) (Credential, error) {
	p.mu.Lock()
	if _, exists := p.byID[id]; exists {
		p.mu.Unlock()
		return Credential{}, fmt.Errorf("%w: %s", ErrDuplicate, id)
	}
	c := &Credential{ID: id, Secret: secret, Status: StatusAvailable}
	p.creds = append(p.creds, c)
	p.byID[id] = c
	snapshot := *c
	p.persistLocked()
	p.mu.Unlock()

	p.bus.Publish(events.CredentialStatusUpdate, snapshot)
	return snapshot, nil
}

// Remove destroys the credential.
func (p *Pool) Remove(id string) error {
	p.mu.Lock()
	c, ok := p.byID[id]
	if !ok {
		p.mu.Unlock()
		return ErrNotFound
	}
	delete(p.byID, id)
	for i, e := range p.creds {
		if e.ID == id {
			p.creds = append(p.creds[:i], p.creds[i+1:]...)
			break
		}
	}
	snapshot := *c
	p.persistLocked()
	p.mu.Unlock()

	p.bus.Publish(events.CredentialStatusUpdate, snapshot)
	return nil
}

// Acquire reserves the least-recently-used available credential and returns
// its snapshot, or nil when none qualifies. Selection and reservation happen
// under one lock: the winner's lastUsedAt and in-flight counter move before
// the lock drops, so a concurrent Acquire cannot pick the same credential
// while another sits idle. Credentials whose cooldown has elapsed become
// available before scanning, so an expired cooldown never blocks selection.
// Every Acquire must be paired with a Release.
func (p *Pool) Acquire() *Credential {
	p.mu.Lock()
	now := p.now()

	var expired []Credential
	for _, c := range p.creds {
		if c.Status == StatusCoolingDown && c.CoolingDownUntil != nil && !now.Before(*c.CoolingDownUntil) {
			c.Status = StatusAvailable
			c.CoolingDownUntil = nil
			expired = append(expired, *c)
		}
	}

	var best *Credential
	for _, c := range p.creds {
		if c.Status != StatusAvailable {
			continue
		}
		if best == nil {
			best = c
			continue
		}
		// Never-used wins over any used credential; otherwise oldest
		// lastUsedAt wins. Ties keep insertion order (best stays).
		switch {
		case c.LastUsedAt == nil && best.LastUsedAt != nil:
			best = c
		case c.LastUsedAt != nil && best.LastUsedAt != nil && c.LastUsedAt.Before(*best.LastUsedAt):
			best = c
		}
	}

	var snapshot *Credential
	if best != nil {
		best.CurrentRequests++
		best.LastUsedAt = &now
		s := *best
		snapshot = &s
	}
	if best != nil || len(expired) > 0 {
		p.persistLocked()
	}
	p.mu.Unlock()

	for _, e := range expired {
		p.bus.Publish(events.CredentialStatusUpdate, e)
	}
	if snapshot != nil {
		p.bus.Publish(events.CredentialStatusUpdate, *snapshot)
	}
	return snapshot
}

// Release records the end of a call. The in-flight counter is decremented
// exactly once per Acquire and never goes negative.
func (p *Pool) Release(id string, outcome Outcome) error {
	p.mu.Lock()
	c, ok := p.byID[id]
	if !ok {
		p.mu.Unlock()
		return ErrNotFound
	}

	if c.CurrentRequests > 0 {
		c.CurrentRequests--
	}

	switch outcome.Kind {
	case OutcomeSuccess:
		p.recordUsageLocked(c)
	case OutcomeRateLimited:
		backoff := outcome.Backoff
		if backoff <= 0 {
			backoff = defaultCooldown
		}
		until := p.now().Add(backoff)
		c.Status = StatusCoolingDown
		c.CoolingDownUntil = &until
	case OutcomeFailure:
		// Hard failures do not change status here; moving to disabled is an
		// explicit external policy decision (Disable).
	}

	snapshot := *c
	p.persistLocked()
	p.mu.Unlock()

	p.bus.Publish(events.CredentialStatusUpdate, snapshot)
	return nil
}

// Disable takes the credential out of rotation until Enable is called.
func (p *Pool) Disable(id string) error {
	return p.setStatus(id, StatusDisabled)
}

// Enable returns a disabled credential to rotation.
func (p *Pool) Enable(id string) error {
	return p.setStatus(id, StatusAvailable)
}

func (p *Pool) setStatus(id string, status Status) error {
	p.mu.Lock()
	c, ok := p.byID[id]
	if !ok {
		p.mu.Unlock()
		return ErrNotFound
	}
	c.Status = status
	if status != StatusCoolingDown {
		c.CoolingDownUntil = nil
	}
	snapshot := *c
	p.persistLocked()
	p.mu.Unlock()

	p.bus.Publish(events.CredentialStatusUpdate, snapshot)
	return nil
}

// SetAssignedProxy mirrors the assignment table's credential→proxy binding
// onto the credential snapshot the dispatcher reads.
func (p *Pool) SetAssignedProxy(id, proxyID string) {
	p.mu.Lock()
	if c, ok := p.byID[id]; ok {
		c.AssignedProxyID = proxyID
		p.persistLocked()
	}
	p.mu.Unlock()
}

func (p *Pool) Get(id string) (Credential, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.byID[id]
	if !ok {
		return Credential{}, false
	}
	return *c, true
}

func (p *Pool) GetAll() []Credential {
	p.mu.Lock()
	defer p.mu.Unlock()
	result := make([]Credential, 0, len(p.creds))
	for _, c := range p.creds {
		result = append(result, *c)
	}
	return result
}

// recordUsageLocked bumps today's usage sample, keeping a bounded history.
func (p *Pool) recordUsageLocked(c *Credential) {
	day := p.now().Format("2006-01-02")
	if n := len(c.UsageHistory); n > 0 && c.UsageHistory[n-1].Date == day {
		c.UsageHistory[n-1].Rate++
		return
	}
	c.UsageHistory = append(c.UsageHistory, UsageSample{Date: day, Rate: 1})
	if len(c.UsageHistory) > maxHistoryDays {
		c.UsageHistory = c.UsageHistory[len(c.UsageHistory)-maxHistoryDays:]
	}
}

func (p *Pool) persistLocked() {
	saved := make([]Credential, 0, len(p.creds))
	for _, c := range p.creds {
		saved = append(saved, *c)
	}
	store.SaveJSON(p.store, storeKey, saved)
}
