package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gluk-w/keybroker/internal/api"
	"github.com/gluk-w/keybroker/internal/assignment"
	"github.com/gluk-w/keybroker/internal/balancer"
	"github.com/gluk-w/keybroker/internal/config"
	"github.com/gluk-w/keybroker/internal/database"
	"github.com/gluk-w/keybroker/internal/dispatch"
	"github.com/gluk-w/keybroker/internal/events"
	"github.com/gluk-w/keybroker/internal/keypool"
	"github.com/gluk-w/keybroker/internal/perfmon"
	"github.com/gluk-w/keybroker/internal/proxypool"
	"github.com/gluk-w/keybroker/internal/rotating"
	"github.com/gluk-w/keybroker/internal/store"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

func main() {
	config.Load()

	if err := database.Init(); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	st := store.NewDBStore()
	bus := events.NewBus()

	keys := keypool.New(st, bus)
	proxies := proxypool.New(st, bus, proxypool.DialProber{}, config.Cfg.MaxErrorsBeforeDisable)
	table := assignment.New(proxies, balancer.New(), bus, st, assignment.Config{
		AutoAssignmentEnabled: func() bool { return config.Cfg.AutoAssignmentEnabled },
		Strategy:              func() balancer.Strategy { return balancer.ParseStrategy(config.Cfg.LoadBalancingStrategy) },
	})
	monitor := rotating.NewMonitor(st, config.Cfg.RotatingProxyEnabled, config.Cfg.RotatingProxyURL)
	perf := perfmon.New(proxies, bus, func() int { return config.Cfg.RebalanceThreshold })

	transport := &dispatch.HTTPTransport{
		BaseURL: config.Cfg.UpstreamBaseURL,
		Timeout: time.Duration(config.Cfg.DispatchTimeoutS) * time.Second,
	}
	dispatcher := dispatch.New(keys, table, proxies, monitor, bus, transport,
		config.Cfg.RotatingProxyFailureThreshold,
		time.Duration(config.Cfg.RotatingProxyCooldownS)*time.Second)
	recovery := assignment.NewRecoveryHandler(table, proxies, bus)

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	healthInterval := time.Duration(config.Cfg.HealthCheckIntervalMs) * time.Millisecond
	proxies.StartHealthChecker(sigCtx, healthInterval)
	defer proxies.StopHealthChecker()

	monitor.StartMonitoring(sigCtx, healthInterval, func(ctx context.Context) (time.Duration, error) {
		start := time.Now()
		err := proxypool.DialProber{}.Probe(ctx, monitor.URL())
		return time.Since(start), err
	})
	defer monitor.StopMonitoring()

	perf.StartCollector(sigCtx, 30*time.Second)
	defer perf.StopCollector()

	go recovery.Run(sigCtx)
	go syncAssignedProxies(sigCtx, bus, keys)

	server := &api.Server{
		Keys:       keys,
		Proxies:    proxies,
		Table:      table,
		Rotating:   monitor,
		Perf:       perf,
		Dispatcher: dispatcher,
		Recovery:   recovery,
		Bus:        bus,
	}

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Mount("/", server.Router())

	srv := &http.Server{
		Addr:    config.Cfg.ListenAddr,
		Handler: r,
	}

	go func() {
		log.Printf("Key broker starting on %s", config.Cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
	log.Println("Key broker stopped")
}

// syncAssignedProxies mirrors assignment changes onto the credentials so the
// dispatcher sees the current proxy binding on the credential snapshot.
func syncAssignedProxies(ctx context.Context, bus *events.Bus, keys *keypool.Pool) {
	ch, unsub := bus.Subscribe(events.ProxyAssigned, events.ProxyUnassigned)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			a, valid := e.Payload.(assignment.Assignment)
			if !valid {
				continue
			}
			if e.Type == events.ProxyAssigned {
				keys.SetAssignedProxy(a.KeyID, a.ProxyID)
			} else {
				keys.SetAssignedProxy(a.KeyID, "")
			}
		}
	}
}
