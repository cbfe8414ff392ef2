package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gluk-w/keybroker/internal/assignment"
	"github.com/gluk-w/keybroker/internal/balancer"
	"github.com/gluk-w/keybroker/internal/events"
	"github.com/gluk-w/keybroker/internal/keypool"
	"github.com/gluk-w/keybroker/internal/proxypool"
	"github.com/gluk-w/keybroker/internal/rotating"
	"github.com/gluk-w/keybroker/internal/store"
)

// fakeTransport returns scripted results and records the egress of each call.
type fakeTransport struct {
	mu      sync.Mutex
	calls   []Egress
	results []error // per call; nil = success. Last entry repeats.
}

func (f *fakeTransport) Call(ctx context.Context, modelID, method string, payload []byte, secret string, egress Egress) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, &UpstreamError{Kind: ErrorProxy, Err: err}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := len(f.calls)
	f.calls = append(f.calls, egress)
	if len(f.results) == 0 {
		return []byte(`{"ok":true}`), nil
	}
	if idx >= len(f.results) {
		idx = len(f.results) - 1
	}
	if err := f.results[idx]; err != nil {
		return nil, err
	}
	return []byte(`{"ok":true}`), nil
}

func (f *fakeTransport) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeTransport) egress(i int) Egress {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

type harness struct {
	bus      *events.Bus
	keys     *keypool.Pool
	proxies  *proxypool.Pool
	table    *assignment.Table
	monitor  *rotating.Monitor
	tr       *fakeTransport
	dispatch *Dispatcher
}

func newHarness(t *testing.T, rotatingEnabled bool) *harness {
	t.Helper()
	h := &harness{
		bus: events.NewBus(),
		tr:  &fakeTransport{},
	}
	st := store.NewMemStore()
	h.keys = keypool.New(st, h.bus)
	h.proxies = proxypool.New(st, h.bus, proxypool.DialProber{}, 3)
	h.table = assignment.New(h.proxies, balancer.New(), h.bus, st, assignment.Config{
		AutoAssignmentEnabled: func() bool { return true },
		Strategy:              func() balancer.Strategy { return balancer.RoundRobin },
	})
	h.monitor = rotating.NewMonitor(st, rotatingEnabled, "socks5://rotate.example.com:1080")
	h.dispatch = New(h.keys, h.table, h.proxies, h.monitor, h.bus, h.tr, 2, 5*time.Minute)
	return h
}

func proxyErr() error {
	return &UpstreamError{Kind: ErrorProxy, Err: errors.New("connection reset")}
}

func rateLimitErr(after time.Duration) error {
	return &UpstreamError{Kind: ErrorRateLimit, StatusCode: 429, RetryAfter: after, Err: errors.New("quota exceeded")}
}

func TestDispatch_DirectWhenNoProxies(t *testing.T) {
	h := newHarness(t, false)
	cred := keypool.Credential{ID: "k1", Secret: "s1"}

	body, err := h.dispatch.Dispatch(context.Background(), "gemini-pro", "generateContent", []byte(`{}`), cred)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if body == nil {
		t.Fatal("no response body")
	}
	if got := h.tr.egress(0); got.Kind != PathDirect {
		t.Errorf("egress = %s, want direct", got.Kind)
	}
}

func TestDispatch_PrefersRotatingProxy(t *testing.T) {
	h := newHarness(t, true)
	ep, _ := h.proxies.Add("http://a.example.com:8080")
	cred := keypool.Credential{ID: "k1", Secret: "s1", AssignedProxyID: ep.ID}

	if _, err := h.dispatch.Dispatch(context.Background(), "m", "gen", nil, cred); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if got := h.tr.egress(0); got.Kind != PathRotating {
		t.Errorf("egress = %s, want rotating", got.Kind)
	}

	// Success lands in the health monitor.
	stats, _ := h.monitor.GetStats()
	if stats.SuccessfulRequests != 1 {
		t.Errorf("monitor successes = %d, want 1", stats.SuccessfulRequests)
	}
}

func TestDispatch_AssignedProxyWhenRotatingDisabled(t *testing.T) {
	h := newHarness(t, false)
	ep, _ := h.proxies.Add("http://a.example.com:8080")
	cred := keypool.Credential{ID: "k1", Secret: "s1", AssignedProxyID: ep.ID}

	if _, err := h.dispatch.Dispatch(context.Background(), "m", "gen", nil, cred); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	got := h.tr.egress(0)
	if got.Kind != PathAssigned || got.ProxyID != ep.ID {
		t.Errorf("egress = %+v, want assigned %s", got, ep.ID)
	}
}

func TestDispatch_ErroredAssignedProxyFallsBackToDirect(t *testing.T) {
	h := newHarness(t, false)
	ep, _ := h.proxies.Add("http://a.example.com:8080")
	for i := 0; i < 4; i++ {
		h.proxies.ReportError(ep.ID, "down")
	}
	cred := keypool.Credential{ID: "k1", Secret: "s1", AssignedProxyID: ep.ID}

	if _, err := h.dispatch.Dispatch(context.Background(), "m", "gen", nil, cred); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if got := h.tr.egress(0); got.Kind != PathDirect {
		t.Errorf("egress = %s, want direct", got.Kind)
	}
}

func TestDispatch_RotatingFailureRetriesOnceViaFallback(t *testing.T) {
	h := newHarness(t, true)
	cred := keypool.Credential{ID: "k1", Secret: "s1"}
	h.tr.results = []error{proxyErr(), nil}

	body, err := h.dispatch.Dispatch(context.Background(), "m", "gen", nil, cred)
	if err != nil {
		t.Fatalf("Dispatch after fallback: %v", err)
	}
	if body == nil {
		t.Fatal("no body from fallback call")
	}
	if h.tr.callCount() != 2 {
		t.Fatalf("transport calls = %d, want 2", h.tr.callCount())
	}
	if h.tr.egress(0).Kind != PathRotating || h.tr.egress(1).Kind != PathDirect {
		t.Errorf("paths = %s then %s, want rotating then direct", h.tr.egress(0).Kind, h.tr.egress(1).Kind)
	}

	// The failure is recorded against the rotating endpoint.
	stats, _ := h.monitor.GetStats()
	if stats.ErrorCount != 1 {
		t.Errorf("monitor errorCount = %d, want 1", stats.ErrorCount)
	}
}

func TestDispatch_RotatingTempDisableAfterThreshold(t *testing.T) {
	h := newHarness(t, true) // threshold 2
	cred := keypool.Credential{ID: "k1", Secret: "s1"}
	h.tr.results = []error{proxyErr()}

	// Each dispatch fails on rotating, retries direct (also scripted to
	// fail via repeat of last result).
	for i := 0; i < 3; i++ {
		h.dispatch.Dispatch(context.Background(), "m", "gen", nil, cred)
	}

	// Threshold exceeded: the next dispatch skips the rotating path.
	before := h.tr.callCount()
	h.dispatch.Dispatch(context.Background(), "m", "gen", nil, cred)
	if got := h.tr.egress(before); got.Kind != PathDirect {
		t.Errorf("egress after temp-disable = %s, want direct", got.Kind)
	}
}

func TestDispatch_RateLimitDoesNotTouchProxyHealth(t *testing.T) {
	h := newHarness(t, true)
	cred := keypool.Credential{ID: "k1", Secret: "s1"}
	h.tr.results = []error{rateLimitErr(30 * time.Second)}

	_, err := h.dispatch.Dispatch(context.Background(), "m", "gen", nil, cred)
	ue := Classify(err)
	if ue.Kind != ErrorRateLimit {
		t.Fatalf("error kind = %s, want rate limit", ue.Kind)
	}

	// No retry for rate limits, and no rotating-proxy health impact.
	if h.tr.callCount() != 1 {
		t.Errorf("transport calls = %d, want 1", h.tr.callCount())
	}
	stats, _ := h.monitor.GetStats()
	if stats.ErrorCount != 0 || stats.TotalRequests != 0 {
		t.Errorf("rate limit polluted monitor: %+v", stats)
	}
}

func TestDispatch_OtherFailureIsTerminal(t *testing.T) {
	h := newHarness(t, true)
	cred := keypool.Credential{ID: "k1", Secret: "s1"}
	h.tr.results = []error{&UpstreamError{Kind: ErrorOther, StatusCode: 500, Err: errors.New("boom")}}

	_, err := h.dispatch.Dispatch(context.Background(), "m", "gen", nil, cred)
	if err == nil {
		t.Fatal("expected terminal error")
	}
	if h.tr.callCount() != 1 {
		t.Errorf("terminal failure retried: %d calls", h.tr.callCount())
	}
}

func TestDispatch_AssignedProxyFailureReportedToPool(t *testing.T) {
	h := newHarness(t, false)
	ep, _ := h.proxies.Add("http://a.example.com:8080")
	cred := keypool.Credential{ID: "k1", Secret: "s1", AssignedProxyID: ep.ID}
	h.tr.results = []error{proxyErr()}

	h.dispatch.Dispatch(context.Background(), "m", "gen", nil, cred)

	got, _ := h.proxies.Get(ep.ID)
	if got.ErrorCount != 1 {
		t.Errorf("proxy errorCount = %d, want 1", got.ErrorCount)
	}
}

func TestDispatch_PublishesRequestUpdates(t *testing.T) {
	h := newHarness(t, false)
	ch, unsub := h.bus.Subscribe(events.RequestUpdate)
	defer unsub()

	cred := keypool.Credential{ID: "k1", Secret: "s1"}
	h.dispatch.Dispatch(context.Background(), "gemini-pro", "generateContent", nil, cred)

	var updates []RequestStatus
	for {
		select {
		case e := <-ch:
			updates = append(updates, e.Payload.(RequestStatus))
			continue
		default:
		}
		break
	}

	if len(updates) != 2 {
		t.Fatalf("requestUpdate events = %d, want 2", len(updates))
	}
	if updates[0].Status != "pending" || updates[1].Status != "success" {
		t.Errorf("statuses = %s, %s", updates[0].Status, updates[1].Status)
	}
	if updates[0].RequestID != updates[1].RequestID {
		t.Error("request id changed between start and terminal event")
	}
	if updates[1].EndTime == nil {
		t.Error("terminal event missing endTime")
	}
}

func TestDispatch_CoolingDownEventCarriesBackoff(t *testing.T) {
	h := newHarness(t, false)
	ch, unsub := h.bus.Subscribe(events.RequestUpdate)
	defer unsub()

	cred := keypool.Credential{ID: "k1", Secret: "s1"}
	h.tr.results = []error{rateLimitErr(45 * time.Second)}
	h.dispatch.Dispatch(context.Background(), "m", "gen", nil, cred)

	var terminal *RequestStatus
	for {
		select {
		case e := <-ch:
			s := e.Payload.(RequestStatus)
			if s.Status != "pending" {
				terminal = &s
			}
			continue
		default:
		}
		break
	}

	if terminal == nil {
		t.Fatal("no terminal requestUpdate")
	}
	if terminal.Status != "cooling_down" {
		t.Errorf("terminal status = %s, want cooling_down", terminal.Status)
	}
	if terminal.CoolDownDurationMs != 45000 {
		t.Errorf("coolDownDurationMs = %d, want 45000", terminal.CoolDownDurationMs)
	}
}

func TestDispatchAuto_NoCredential(t *testing.T) {
	h := newHarness(t, false)
	_, err := h.dispatch.DispatchAuto(context.Background(), "m", "gen", nil)
	if !errors.Is(err, ErrNoCredential) {
		t.Errorf("error = %v, want ErrNoCredential", err)
	}
}

func TestDispatchAuto_ReleasesExactlyOnce(t *testing.T) {
	h := newHarness(t, false)
	h.keys.Load([]keypool.Credential{{ID: "k1", Secret: "s1"}})

	if _, err := h.dispatch.DispatchAuto(context.Background(), "m", "gen", nil); err != nil {
		t.Fatalf("DispatchAuto: %v", err)
	}

	c, _ := h.keys.Get("k1")
	if c.CurrentRequests != 0 {
		t.Errorf("currentRequests = %d, want 0", c.CurrentRequests)
	}
	if len(c.UsageHistory) != 1 || c.UsageHistory[0].Rate != 1 {
		t.Errorf("usage history = %v", c.UsageHistory)
	}
}

func TestDispatchAuto_RateLimitCoolsCredential(t *testing.T) {
	h := newHarness(t, false)
	h.keys.Load([]keypool.Credential{{ID: "k1", Secret: "s1"}})
	h.tr.results = []error{rateLimitErr(time.Minute)}

	_, err := h.dispatch.DispatchAuto(context.Background(), "m", "gen", nil)
	if Classify(err).Kind != ErrorRateLimit {
		t.Fatalf("error = %v, want rate limit", err)
	}

	c, _ := h.keys.Get("k1")
	if c.Status != keypool.StatusCoolingDown {
		t.Errorf("credential status = %s, want cooling_down", c.Status)
	}
	if c.CurrentRequests != 0 {
		t.Errorf("currentRequests = %d, want 0", c.CurrentRequests)
	}
}

// blockingTransport parks every call until released, keeping dispatches
// in flight simultaneously.
type blockingTransport struct {
	mu      sync.Mutex
	secrets []string
	arrived chan struct{}
	release chan struct{}
}

func (b *blockingTransport) Call(ctx context.Context, modelID, method string, payload []byte, secret string, egress Egress) ([]byte, error) {
	b.mu.Lock()
	b.secrets = append(b.secrets, secret)
	b.mu.Unlock()
	b.arrived <- struct{}{}
	<-b.release
	return []byte(`{"ok":true}`), nil
}

func TestDispatchAuto_ConcurrentUsesDistinctCredentials(t *testing.T) {
	h := newHarness(t, false)
	h.keys.Load([]keypool.Credential{
		{ID: "k1", Secret: "s1"},
		{ID: "k2", Secret: "s2"},
	})

	bt := &blockingTransport{
		arrived: make(chan struct{}, 2),
		release: make(chan struct{}),
	}
	h.dispatch.transport = bt

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.dispatch.DispatchAuto(context.Background(), "m", "gen", nil); err != nil {
				t.Errorf("DispatchAuto: %v", err)
			}
		}()
	}

	// Both dispatches are in flight before either releases its credential.
	for i := 0; i < 2; i++ {
		select {
		case <-bt.arrived:
		case <-time.After(time.Second):
			t.Fatal("dispatch never reached the transport")
		}
	}
	close(bt.release)
	wg.Wait()

	bt.mu.Lock()
	defer bt.mu.Unlock()
	if len(bt.secrets) != 2 || bt.secrets[0] == bt.secrets[1] {
		t.Fatalf("concurrent dispatches used credentials %v, want two distinct", bt.secrets)
	}
}

func TestDispatchAuto_CancelledContextReleasesCounter(t *testing.T) {
	h := newHarness(t, false)
	h.keys.Load([]keypool.Credential{{ID: "k1", Secret: "s1"}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := h.dispatch.DispatchAuto(ctx, "m", "gen", nil); err == nil {
		t.Fatal("expected error from cancelled context")
	}

	c, _ := h.keys.Get("k1")
	if c.CurrentRequests != 0 {
		t.Errorf("currentRequests after cancellation = %d, want 0", c.CurrentRequests)
	}
}
