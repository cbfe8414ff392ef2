// recovery.go re-homes credentials away from failed proxies.
//
// Proxy failures do not trigger bulk migration: the dispatcher's per-call
// fallback chain keeps traffic flowing, so an errored proxy with assigned
// keys is only logged here. Re-homing happens per key, on explicit
// notification that a call over its assigned proxy failed.
package assignment

import (
	"context"
	"log"

	"github.com/gluk-w/keybroker/internal/events"
	"github.com/gluk-w/keybroker/internal/proxypool"
)

// RecoveryHandler observes proxy status transitions and re-homes individual
// assignments off errored proxies.
type RecoveryHandler struct {
	table   *Table
	proxies *proxypool.Pool
	bus     *events.Bus
}

func NewRecoveryHandler(table *Table, proxies *proxypool.Pool, bus *events.Bus) *RecoveryHandler {
	return &RecoveryHandler{table: table, proxies: proxies, bus: bus}
}

// Run consumes proxyStatusChanged events until ctx is cancelled.
func (h *RecoveryHandler) Run(ctx context.Context) {
	ch, unsub := h.bus.Subscribe(events.ProxyStatusChanged)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			ep, valid := e.Payload.(proxypool.Endpoint)
			if !valid {
				continue
			}
			if ep.Status == proxypool.StatusError && ep.AssignedKeyCount > 0 {
				log.Printf("[recovery] proxy %s entered error state with %d assigned keys; per-call fallback covers them",
					ep.ID, ep.AssignedKeyCount)
			}
		}
	}
}

// RecoverAssignment re-homes keyID to another active proxy when its assigned
// proxy is in error state. The failed proxy is excluded from the candidates.
// When no other active proxy exists the assignment is left in place; the
// dispatcher falls back to a direct connection on its own.
func (h *RecoveryHandler) RecoverAssignment(keyID string) (*Assignment, error) {
	current, ok := h.table.Get(keyID)
	if !ok {
		return nil, nil
	}

	ep, exists := h.proxies.Get(current.ProxyID)
	if exists && ep.Status != proxypool.StatusError {
		return &current, nil
	}

	var replacement *proxypool.Endpoint
	for _, candidate := range h.proxies.ActiveEndpoints() {
		if candidate.ID == current.ProxyID {
			continue
		}
		if replacement == nil || candidate.AssignedKeyCount < replacement.AssignedKeyCount {
			c := candidate
			replacement = &c
		}
	}
	if replacement == nil {
		log.Printf("[recovery] no active proxy available for key %s; keeping assignment to %s", keyID, current.ProxyID)
		return &current, nil
	}

	log.Printf("[recovery] moving key %s from failed proxy %s to %s", keyID, current.ProxyID, replacement.ID)
	return h.table.Reassign(keyID, replacement.ID, current.IsManual)
}
