package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gluk-w/keybroker/internal/assignment"
	"github.com/gluk-w/keybroker/internal/dispatch"
	"github.com/gluk-w/keybroker/internal/keypool"
	"github.com/gluk-w/keybroker/internal/proxypool"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// credentialView is the admin representation of a credential. The secret is
// never returned in full.
type credentialView struct {
	ID               string               `json:"id"`
	Secret           string               `json:"secret"`
	Status           keypool.Status       `json:"status"`
	CoolingDownUntil *time.Time           `json:"coolingDownUntil,omitempty"`
	CurrentRequests  int                  `json:"currentRequests"`
	LastUsedAt       *time.Time           `json:"lastUsedAt,omitempty"`
	UsageHistory     []keypool.UsageSample `json:"usageHistory,omitempty"`
	AssignedProxyID  string               `json:"assignedProxyId,omitempty"`
}

func viewOf(c keypool.Credential) credentialView {
	return credentialView{
		ID:               c.ID,
		Secret:           maskSecret(c.Secret),
		Status:           c.Status,
		CoolingDownUntil: c.CoolingDownUntil,
		CurrentRequests:  c.CurrentRequests,
		LastUsedAt:       c.LastUsedAt,
		UsageHistory:     c.UsageHistory,
		AssignedProxyID:  c.AssignedProxyID,
	}
}

func maskSecret(s string) string {
	if len(s) <= 8 {
		return "****"
	}
	return s[:4] + "..." + s[len(s)-4:]
}

// HealthCheck returns liveness.
func (s *Server) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

// DispatchRequest brokers one upstream model call using an automatically
// selected credential.
func (s *Server) DispatchRequest(w http.ResponseWriter, r *http.Request) {
	model := chi.URLParam(r, "model")
	method := chi.URLParam(r, "method")

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read request body")
		return
	}

	body, err := s.Dispatcher.DispatchAuto(r.Context(), model, method, payload)
	if err != nil {
		if errors.Is(err, dispatch.ErrNoCredential) {
			writeError(w, http.StatusServiceUnavailable, "No available credential")
			return
		}
		ue := dispatch.Classify(err)
		switch ue.Kind {
		case dispatch.ErrorRateLimit:
			if ue.RetryAfter > 0 {
				w.Header().Set("Retry-After", fmt.Sprintf("%d", int(ue.RetryAfter.Seconds())))
			}
			writeError(w, http.StatusTooManyRequests, ue.Error())
		case dispatch.ErrorProxy:
			writeError(w, http.StatusBadGateway, ue.Error())
		default:
			code := ue.StatusCode
			if code < 400 {
				code = http.StatusBadGateway
			}
			writeError(w, code, ue.Error())
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

// AddKey registers a new credential.
func (s *Server) AddKey(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID  string `json:"id"`
		Key string `json:"key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if body.Key == "" {
		writeError(w, http.StatusBadRequest, "key is required")
		return
	}
	if body.ID == "" {
		body.ID = uuid.NewString()
	}

	cred, err := s.Keys.Add(body.ID, body.Key)
	if err != nil {
		if errors.Is(err, keypool.ErrDuplicate) {
			writeError(w, http.StatusConflict, "Credential id already exists")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to add credential")
		return
	}

	writeJSON(w, http.StatusCreated, viewOf(cred))
}

// ListKeys returns all credentials with masked secrets.
func (s *Server) ListKeys(w http.ResponseWriter, r *http.Request) {
	creds := s.Keys.GetAll()
	views := make([]credentialView, 0, len(creds))
	for _, c := range creds {
		views = append(views, viewOf(c))
	}
	writeJSON(w, http.StatusOK, views)
}

// RemoveKey deletes a credential and drops its assignment.
func (s *Server) RemoveKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.Keys.Remove(id); err != nil {
		writeError(w, http.StatusNotFound, "Credential not found")
		return
	}
	s.Table.Unassign(id)
	w.WriteHeader(http.StatusNoContent)
}

// DisableKey takes a credential out of rotation without deleting it.
func (s *Server) DisableKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.Keys.Disable(id); err != nil {
		writeError(w, http.StatusNotFound, "Credential not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "disabled"})
}

// EnableKey returns a credential to rotation.
func (s *Server) EnableKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.Keys.Enable(id); err != nil {
		writeError(w, http.StatusNotFound, "Credential not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "enabled"})
}

// AddProxy registers a new proxy endpoint.
func (s *Server) AddProxy(w http.ResponseWriter, r *http.Request) {
	var body struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	ep, err := s.Proxies.Add(body.URL)
	if err != nil {
		switch {
		case errors.Is(err, proxypool.ErrInvalidURL):
			writeError(w, http.StatusBadRequest, "Invalid proxy url")
		case errors.Is(err, proxypool.ErrDuplicate):
			writeError(w, http.StatusConflict, "Proxy url already registered")
		default:
			writeError(w, http.StatusInternalServerError, "Failed to add proxy")
		}
		return
	}

	writeJSON(w, http.StatusCreated, ep)
}

// ListProxies returns all proxy endpoints.
func (s *Server) ListProxies(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Proxies.GetAll())
}

// UpdateProxy changes a proxy's url and/or its disabled flag.
func (s *Server) UpdateProxy(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var body struct {
		URL      string `json:"url"`
		Disabled *bool  `json:"disabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if body.URL != "" {
		if _, err := s.Proxies.Update(id, body.URL); err != nil {
			switch {
			case errors.Is(err, proxypool.ErrNotFound):
				writeError(w, http.StatusNotFound, "Proxy not found")
			case errors.Is(err, proxypool.ErrInvalidURL):
				writeError(w, http.StatusBadRequest, "Invalid proxy url")
			case errors.Is(err, proxypool.ErrDuplicate):
				writeError(w, http.StatusConflict, "Proxy url already registered")
			default:
				writeError(w, http.StatusInternalServerError, "Failed to update proxy")
			}
			return
		}
	}

	if body.Disabled != nil {
		if err := s.Proxies.SetDisabled(id, *body.Disabled); err != nil {
			writeError(w, http.StatusNotFound, "Proxy not found")
			return
		}
	}

	ep, ok := s.Proxies.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "Proxy not found")
		return
	}
	writeJSON(w, http.StatusOK, ep)
}

// RemoveProxy deletes a proxy and clears every assignment pointing at it.
func (s *Server) RemoveProxy(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.Table.ClearProxy(id)
	if err := s.Proxies.Remove(id); err != nil {
		writeError(w, http.StatusNotFound, "Proxy not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AssignKey binds a key to a proxy, or to a balancer-chosen one when proxyId
// is omitted.
func (s *Server) AssignKey(w http.ResponseWriter, r *http.Request) {
	var body struct {
		KeyID    string `json:"keyId"`
		ProxyID  string `json:"proxyId"`
		IsManual bool   `json:"isManual"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if body.KeyID == "" {
		writeError(w, http.StatusBadRequest, "keyId is required")
		return
	}
	if _, ok := s.Keys.Get(body.KeyID); !ok {
		writeError(w, http.StatusNotFound, "Credential not found")
		return
	}

	a, err := s.Table.Assign(body.KeyID, body.ProxyID, body.IsManual)
	if err != nil {
		switch {
		case errors.Is(err, assignment.ErrNotFound):
			writeError(w, http.StatusNotFound, "Proxy not found")
		case errors.Is(err, assignment.ErrInactiveProxy):
			writeError(w, http.StatusConflict, "Proxy is not active")
		default:
			writeError(w, http.StatusInternalServerError, "Failed to assign")
		}
		return
	}
	if a == nil {
		// Automatic assignment disabled, or no active proxy to pick.
		writeError(w, http.StatusConflict, "No assignment possible")
		return
	}

	writeJSON(w, http.StatusCreated, a)
}

// ListAssignments returns the full credential→proxy table.
func (s *Server) ListAssignments(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Table.GetAll())
}

// UnassignKey removes a key's assignment. Idempotent.
func (s *Server) UnassignKey(w http.ResponseWriter, r *http.Request) {
	s.Table.Unassign(chi.URLParam(r, "keyId"))
	w.WriteHeader(http.StatusNoContent)
}

// RebalanceAssignments evens out automatic assignments across active proxies.
func (s *Server) RebalanceAssignments(w http.ResponseWriter, r *http.Request) {
	moved := s.Table.Rebalance()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"moved":       moved,
		"assignments": s.Table.GetAll(),
	})
}

// RecoverKey re-homes a key whose assigned proxy has errored.
func (s *Server) RecoverKey(w http.ResponseWriter, r *http.Request) {
	keyID := chi.URLParam(r, "keyId")
	a, err := s.Recovery.RecoverAssignment(keyID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to recover assignment")
		return
	}
	if a == nil {
		writeError(w, http.StatusNotFound, "No assignment for key")
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// RotatingStatus returns rotating proxy stats and the derived health verdict.
func (s *Server) RotatingStatus(w http.ResponseWriter, r *http.Request) {
	stats, window := s.Rotating.GetStats()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"enabled": s.Rotating.Enabled(),
		"stats":   stats,
		"window":  window,
		"health":  s.Rotating.GetHealthStatus(),
	})
}

// PerformanceReport returns the current perfmon report.
func (s *Server) PerformanceReport(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Perf.Report())
}
