// Package assignment owns the credential→proxy mapping. It keeps at most one
// assignment per key, keeps every proxy's assignedKeyCount equal to the
// number of entries pointing at it, and redistributes automatic assignments
// across active proxies on demand.
package assignment

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/gluk-w/keybroker/internal/balancer"
	"github.com/gluk-w/keybroker/internal/events"
	"github.com/gluk-w/keybroker/internal/proxypool"
	"github.com/gluk-w/keybroker/internal/store"
)

const storeKey = "assignment.table"

var (
	ErrNotFound      = errors.New("proxy not found")
	ErrInactiveProxy = errors.New("proxy is not active")
)

type Assignment struct {
	KeyID      string    `json:"keyId"`
	ProxyID    string    `json:"proxyId"`
	AssignedAt time.Time `json:"assignedAt"`
	IsManual   bool      `json:"isManual"`
}

// Config exposes the collaborator values the table reads per call.
type Config struct {
	AutoAssignmentEnabled func() bool
	Strategy              func() balancer.Strategy
}

type Table struct {
	mu      sync.Mutex
	entries map[string]*Assignment // keyed by KeyID

	proxies  *proxypool.Pool
	balancer *balancer.Balancer
	bus      *events.Bus
	store    store.Store
	cfg      Config
}

// New builds a table and restores persisted assignments. Entries referencing
// proxies that no longer exist are dropped on load.
func New(proxies *proxypool.Pool, lb *balancer.Balancer, bus *events.Bus, st store.Store, cfg Config) *Table {
	t := &Table{
		entries:  make(map[string]*Assignment),
		proxies:  proxies,
		balancer: lb,
		bus:      bus,
		store:    st,
		cfg:      cfg,
	}

	var saved []Assignment
	if store.LoadJSON(st, storeKey, &saved) {
		for i := range saved {
			a := saved[i]
			if _, ok := proxies.Get(a.ProxyID); !ok {
				continue
			}
			t.entries[a.KeyID] = &a
		}
	}
	t.syncCountsLocked()
	return t
}

// Assign binds keyID to proxyID, or to a balancer-chosen active proxy when
// proxyID is empty. Automatic assignment honors the global enable flag;
// manual assignment always proceeds. Returns nil (no error) when automatic
// assignment is disabled or no active proxy exists.
func (t *Table) Assign(keyID, proxyID string, isManual bool) (*Assignment, error) {
	if !isManual && !t.cfg.AutoAssignmentEnabled() {
		return nil, nil
	}

	if proxyID == "" {
		target := t.balancer.Pick(t.proxies.ActiveEndpoints(), t.cfg.Strategy())
		if target == nil {
			return nil, nil
		}
		proxyID = target.ID
	} else {
		ep, ok := t.proxies.Get(proxyID)
		if !ok {
			return nil, ErrNotFound
		}
		if ep.Status != proxypool.StatusActive {
			return nil, ErrInactiveProxy
		}
	}

	t.mu.Lock()
	snapshot := t.putLocked(keyID, proxyID, isManual)
	t.mu.Unlock()

	t.bus.Publish(events.ProxyAssigned, snapshot)
	return &snapshot, nil
}

// Reassign behaves like Assign, except that re-binding a key to the proxy it
// is already on returns the existing assignment unchanged and emits nothing.
func (t *Table) Reassign(keyID, proxyID string, isManual bool) (*Assignment, error) {
	t.mu.Lock()
	if existing, ok := t.entries[keyID]; ok && existing.ProxyID == proxyID {
		snapshot := *existing
		t.mu.Unlock()
		return &snapshot, nil
	}
	t.mu.Unlock()
	return t.Assign(keyID, proxyID, isManual)
}

// Unassign removes the key's assignment. Absence is a no-op, not an error.
func (t *Table) Unassign(keyID string) {
	t.mu.Lock()
	existing, ok := t.entries[keyID]
	if !ok {
		t.mu.Unlock()
		return
	}
	snapshot := *existing
	delete(t.entries, keyID)
	t.refreshCountLocked(snapshot.ProxyID)
	t.persistLocked()
	t.mu.Unlock()

	t.bus.Publish(events.ProxyUnassigned, snapshot)
}

// Get returns the assignment for keyID, if any.
func (t *Table) Get(keyID string) (Assignment, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	a, ok := t.entries[keyID]
	if !ok {
		return Assignment{}, false
	}
	return *a, true
}

// GetAll returns all assignments, ordered by key id for determinism.
func (t *Table) GetAll() []Assignment {
	t.mu.Lock()
	defer t.mu.Unlock()
	result := make([]Assignment, 0, len(t.entries))
	for _, a := range t.entries {
		result = append(result, *a)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].KeyID < result[j].KeyID })
	return result
}

// ClearProxy drops every assignment referencing proxyID. Called when the
// proxy is removed from the pool, so no orphaned entries remain.
func (t *Table) ClearProxy(proxyID string) {
	t.mu.Lock()
	var cleared []Assignment
	for keyID, a := range t.entries {
		if a.ProxyID == proxyID {
			cleared = append(cleared, *a)
			delete(t.entries, keyID)
		}
	}
	if len(cleared) > 0 {
		t.persistLocked()
	}
	t.mu.Unlock()

	for _, a := range cleared {
		t.bus.Publish(events.ProxyUnassigned, a)
	}
}

// Rebalance redistributes automatic assignments across active proxies until
// the spread between any two active proxies is at most one key. Automatic
// assignments stranded on inactive proxies are re-homed onto the least-loaded
// active proxy first. Manual pins are never moved. Calling it again on a
// balanced table changes nothing.
func (t *Table) Rebalance() []Assignment {
	active := t.proxies.ActiveEndpoints()
	if len(active) == 0 {
		return nil
	}

	activeIDs := make(map[string]bool, len(active))
	for _, ep := range active {
		activeIDs[ep.ID] = true
	}

	t.mu.Lock()

	// Load per active proxy, counting only entries on active proxies.
	load := make(map[string]int, len(active))
	for _, ep := range active {
		load[ep.ID] = 0
	}
	movable := make(map[string][]string) // proxyID -> movable key ids
	var stranded []string                // automatic assignments on inactive proxies
	for keyID, a := range t.entries {
		if !activeIDs[a.ProxyID] {
			if !a.IsManual {
				stranded = append(stranded, keyID)
			}
			continue
		}
		load[a.ProxyID]++
		if !a.IsManual {
			movable[a.ProxyID] = append(movable[a.ProxyID], keyID)
		}
	}
	for _, keys := range movable {
		sort.Strings(keys)
	}
	sort.Strings(stranded)

	ids := make([]string, 0, len(load))
	for id := range load {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var moved []Assignment
	for _, keyID := range stranded {
		receiver := ids[0]
		for _, id := range ids {
			if load[id] < load[receiver] {
				receiver = id
			}
		}
		a := t.entries[keyID]
		a.ProxyID = receiver
		a.AssignedAt = time.Now()
		load[receiver]++
		movable[receiver] = append(movable[receiver], keyID)
		moved = append(moved, *a)
	}

	for {
		// Most-loaded donor (with a movable key) and least-loaded receiver.
		var donor, receiver string
		for _, id := range ids {
			if len(movable[id]) > 0 && (donor == "" || load[id] > load[donor]) {
				donor = id
			}
			if receiver == "" || load[id] < load[receiver] {
				receiver = id
			}
		}
		if donor == "" || load[donor]-load[receiver] <= 1 {
			break
		}

		keys := movable[donor]
		keyID := keys[len(keys)-1]
		movable[donor] = keys[:len(keys)-1]

		a := t.entries[keyID]
		a.ProxyID = receiver
		a.AssignedAt = time.Now()
		load[donor]--
		load[receiver]++
		movable[receiver] = append(movable[receiver], keyID)
		moved = append(moved, *a)
	}

	if len(moved) > 0 {
		t.syncCountsLocked()
		t.persistLocked()
	}
	t.mu.Unlock()

	for _, a := range moved {
		t.bus.Publish(events.ProxyAssigned, a)
	}
	return moved
}

// putLocked replaces any prior assignment for keyID and refreshes the
// affected proxies' counts. Callers hold t.mu.
func (t *Table) putLocked(keyID, proxyID string, isManual bool) Assignment {
	var oldProxy string
	if existing, ok := t.entries[keyID]; ok {
		oldProxy = existing.ProxyID
	}

	a := &Assignment{
		KeyID:      keyID,
		ProxyID:    proxyID,
		AssignedAt: time.Now(),
		IsManual:   isManual,
	}
	t.entries[keyID] = a

	if oldProxy != "" && oldProxy != proxyID {
		t.refreshCountLocked(oldProxy)
	}
	t.refreshCountLocked(proxyID)
	t.persistLocked()
	return *a
}

// refreshCountLocked recomputes one proxy's assignedKeyCount from the actual
// entries, keeping the §3 invariant exact even after replacements.
func (t *Table) refreshCountLocked(proxyID string) {
	count := 0
	for _, a := range t.entries {
		if a.ProxyID == proxyID {
			count++
		}
	}
	t.proxies.SetAssignedKeyCount(proxyID, count)
}

// syncCountsLocked recomputes assignedKeyCount for every known proxy.
func (t *Table) syncCountsLocked() {
	counts := make(map[string]int)
	for _, a := range t.entries {
		counts[a.ProxyID]++
	}
	for _, ep := range t.proxies.GetAll() {
		t.proxies.SetAssignedKeyCount(ep.ID, counts[ep.ID])
	}
}

func (t *Table) persistLocked() {
	saved := make([]Assignment, 0, len(t.entries))
	for _, a := range t.entries {
		saved = append(saved, *a)
	}
	sort.Slice(saved, func(i, j int) bool { return saved[i].KeyID < saved[j].KeyID })
	store.SaveJSON(t.store, storeKey, saved)
}
