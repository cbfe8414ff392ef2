// Package api exposes the admin surface and the brokered dispatch endpoint.
package api

import (
	"github.com/gluk-w/keybroker/internal/assignment"
	"github.com/gluk-w/keybroker/internal/dispatch"
	"github.com/gluk-w/keybroker/internal/events"
	"github.com/gluk-w/keybroker/internal/keypool"
	"github.com/gluk-w/keybroker/internal/perfmon"
	"github.com/gluk-w/keybroker/internal/proxypool"
	"github.com/gluk-w/keybroker/internal/rotating"
	"github.com/go-chi/chi/v5"
)

type Server struct {
	Keys       *keypool.Pool
	Proxies    *proxypool.Pool
	Table      *assignment.Table
	Rotating   *rotating.Monitor
	Perf       *perfmon.Monitor
	Dispatcher *dispatch.Dispatcher
	Recovery   *assignment.RecoveryHandler
	Bus        *events.Bus
}

// Router builds the full route tree. Mounted as-is by main and by the
// integration tests.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/health", s.HealthCheck)

	r.Post("/v1/models/{model}/{method}", s.DispatchRequest)

	r.Route("/admin", func(r chi.Router) {
		r.Use(AdminAuth)

		r.Post("/keys", s.AddKey)
		r.Get("/keys", s.ListKeys)
		r.Delete("/keys/{id}", s.RemoveKey)
		r.Put("/keys/{id}/disable", s.DisableKey)
		r.Put("/keys/{id}/enable", s.EnableKey)

		r.Post("/proxies", s.AddProxy)
		r.Get("/proxies", s.ListProxies)
		r.Put("/proxies/{id}", s.UpdateProxy)
		r.Delete("/proxies/{id}", s.RemoveProxy)

		r.Post("/assignments", s.AssignKey)
		r.Get("/assignments", s.ListAssignments)
		r.Delete("/assignments/{keyId}", s.UnassignKey)
		r.Post("/assignments/rebalance", s.RebalanceAssignments)
		r.Post("/assignments/{keyId}/recover", s.RecoverKey)

		r.Get("/rotating", s.RotatingStatus)
		r.Get("/performance", s.PerformanceReport)
		r.Get("/events", s.StreamEvents)
	})

	return r
}
