// Package dispatch composes the credential pool, the assignment table and
// the rotating-proxy monitor into a single call path: pick a credential,
// pick an egress path, execute, classify the outcome and feed it back.
package dispatch

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gluk-w/keybroker/internal/assignment"
	"github.com/gluk-w/keybroker/internal/events"
	"github.com/gluk-w/keybroker/internal/keypool"
	"github.com/gluk-w/keybroker/internal/proxypool"
	"github.com/gluk-w/keybroker/internal/rotating"
	"github.com/google/uuid"
)

// RequestStatus is the event payload for requestUpdate. Ephemeral, never
// persisted.
type RequestStatus struct {
	RequestID          string     `json:"requestId"`
	KeyID              string     `json:"keyId"`
	ModelID            string     `json:"modelId"`
	MethodName         string     `json:"methodName"`
	Status             string     `json:"status"` // pending | success | failed | cooling_down
	StartTime          time.Time  `json:"startTime"`
	EndTime            *time.Time `json:"endTime,omitempty"`
	ErrorMessage       string     `json:"errorMessage,omitempty"`
	CoolDownDurationMs int64      `json:"coolDownDurationMs,omitempty"`
	ProxyID            string     `json:"proxyId,omitempty"`
}

type Dispatcher struct {
	keys      *keypool.Pool
	table     *assignment.Table
	proxies   *proxypool.Pool
	rotating  *rotating.Monitor
	bus       *events.Bus
	transport Transport

	// Temporary-disable state for the shared rotating proxy.
	mu                  sync.Mutex
	consecutiveFailures int
	disabledUntil       time.Time

	failureThreshold int
	cooldown         time.Duration
	now              func() time.Time
}

func New(keys *keypool.Pool, table *assignment.Table, proxies *proxypool.Pool, monitor *rotating.Monitor, bus *events.Bus, transport Transport, failureThreshold int, cooldown time.Duration) *Dispatcher {
	return &Dispatcher{
		keys:             keys,
		table:            table,
		proxies:          proxies,
		rotating:         monitor,
		bus:              bus,
		transport:        transport,
		failureThreshold: failureThreshold,
		cooldown:         cooldown,
		now:              time.Now,
	}
}

// Dispatch executes one upstream call with the given credential. Rate-limit
// failures surface as *UpstreamError with Kind ErrorRateLimit so the caller
// can cool the credential down; they never count against proxy health.
func (d *Dispatcher) Dispatch(ctx context.Context, modelID, method string, payload []byte, cred keypool.Credential) ([]byte, error) {
	status := RequestStatus{
		RequestID:  uuid.NewString(),
		KeyID:      cred.ID,
		ModelID:    modelID,
		MethodName: method,
		Status:     "pending",
		StartTime:  d.now(),
	}
	d.bus.Publish(events.RequestUpdate, status)

	egress := d.chooseEgress(cred)
	body, err := d.callOnce(ctx, modelID, method, payload, cred.Secret, egress)

	if err != nil && Classify(err).Kind == ErrorProxy && egress.Kind == PathRotating {
		// The shared proxy failed; fall back once to the credential's own
		// path and count the failure against the rotating endpoint.
		fallback := d.fallbackEgress(cred)
		log.Printf("[dispatch] rotating proxy failed (%v), retrying via %s", err, fallback.Kind)
		egress = fallback
		body, err = d.callOnce(ctx, modelID, method, payload, cred.Secret, egress)
	}

	end := d.now()
	status.EndTime = &end
	status.ProxyID = egress.ProxyID
	if egress.Kind == PathRotating {
		status.ProxyID = "rotating"
	}

	if err != nil {
		ue := Classify(err)
		status.ErrorMessage = ue.Error()
		if ue.Kind == ErrorRateLimit {
			status.Status = "cooling_down"
			backoff := ue.RetryAfter
			if backoff > 0 {
				status.CoolDownDurationMs = backoff.Milliseconds()
			}
		} else {
			status.Status = "failed"
		}
		d.bus.Publish(events.RequestUpdate, status)
		return nil, err
	}

	status.Status = "success"
	d.bus.Publish(events.RequestUpdate, status)
	return body, nil
}

// DispatchAuto acquires a credential, runs Dispatch and releases the
// credential with the classified outcome. Acquisition reserves the
// credential in one step, so concurrent dispatches never double-pick; the
// in-flight counter is released exactly once, including when ctx is
// cancelled mid-call.
func (d *Dispatcher) DispatchAuto(ctx context.Context, modelID, method string, payload []byte) ([]byte, error) {
	cred := d.keys.Acquire()
	if cred == nil {
		return nil, ErrNoCredential
	}

	body, err := d.Dispatch(ctx, modelID, method, payload, *cred)

	outcome := keypool.Outcome{Kind: keypool.OutcomeSuccess}
	if err != nil {
		ue := Classify(err)
		if ue.Kind == ErrorRateLimit {
			outcome = keypool.Outcome{Kind: keypool.OutcomeRateLimited, Backoff: ue.RetryAfter, Err: ue.Error()}
		} else {
			outcome = keypool.Outcome{Kind: keypool.OutcomeFailure, Err: ue.Error()}
		}
	}
	if relErr := d.keys.Release(cred.ID, outcome); relErr != nil {
		log.Printf("[dispatch] release %s: %v", cred.ID, relErr)
	}
	return body, err
}

// callOnce runs the transport and feeds the result into rotating-proxy and
// proxy-pool health state. Rate-limit errors belong to the credential and
// deliberately leave proxy health untouched.
func (d *Dispatcher) callOnce(ctx context.Context, modelID, method string, payload []byte, secret string, egress Egress) ([]byte, error) {
	start := d.now()
	body, err := d.transport.Call(ctx, modelID, method, payload, secret, egress)
	rtt := d.now().Sub(start)

	if err == nil {
		if egress.Kind == PathRotating {
			d.rotating.RecordRequest(true, rtt, "")
			d.resetRotatingFailures()
		}
		return body, nil
	}

	ue := Classify(err)
	if ue.Kind != ErrorProxy {
		return nil, err
	}

	switch egress.Kind {
	case PathRotating:
		d.rotating.RecordRequest(false, 0, ue.Error())
		d.recordRotatingFailure()
	case PathAssigned:
		d.proxies.ReportError(egress.ProxyID, ue.Error())
	}
	return nil, err
}

// chooseEgress picks the path in priority order: shared rotating proxy when
// enabled and not temporarily disabled, then the credential's assigned
// proxy, then direct.
func (d *Dispatcher) chooseEgress(cred keypool.Credential) Egress {
	if d.rotating.Enabled() && !d.rotatingDisabled() {
		return Egress{Kind: PathRotating, ProxyURL: d.rotating.URL()}
	}
	return d.fallbackEgress(cred)
}

// fallbackEgress picks the credential's assigned proxy when it exists and is
// active, otherwise direct. An errored assigned proxy falls through to
// direct instead of burning the call.
func (d *Dispatcher) fallbackEgress(cred keypool.Credential) Egress {
	if cred.AssignedProxyID != "" {
		if ep, ok := d.proxies.Get(cred.AssignedProxyID); ok && ep.Status == proxypool.StatusActive {
			return Egress{Kind: PathAssigned, ProxyID: ep.ID, ProxyURL: ep.URL}
		}
	}
	return Egress{Kind: PathDirect}
}

func (d *Dispatcher) rotatingDisabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.now().Before(d.disabledUntil)
}

func (d *Dispatcher) resetRotatingFailures() {
	d.mu.Lock()
	d.consecutiveFailures = 0
	d.mu.Unlock()
}

func (d *Dispatcher) recordRotatingFailure() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.consecutiveFailures++
	if d.consecutiveFailures > d.failureThreshold {
		d.disabledUntil = d.now().Add(d.cooldown)
		d.consecutiveFailures = 0
		log.Printf("[dispatch] rotating proxy disabled for %s after repeated failures", d.cooldown)
	}
}
