package dispatch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHTTPTransport_Success(t *testing.T) {
	var gotPath, gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("x-goog-api-key")
		w.Write([]byte(`{"candidates":[]}`))
	}))
	defer srv.Close()

	tr := &HTTPTransport{BaseURL: srv.URL, Timeout: 5 * time.Second}
	body, err := tr.Call(context.Background(), "gemini-pro", "generateContent", []byte(`{}`), "the-secret", Egress{Kind: PathDirect})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if gotPath != "/v1beta/models/gemini-pro:generateContent" {
		t.Errorf("path = %s", gotPath)
	}
	if gotKey != "the-secret" {
		t.Errorf("api key header = %q", gotKey)
	}
	if !strings.Contains(string(body), "candidates") {
		t.Errorf("body = %s", body)
	}
}

func TestHTTPTransport_RateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "42")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":"quota"}`))
	}))
	defer srv.Close()

	tr := &HTTPTransport{BaseURL: srv.URL}
	_, err := tr.Call(context.Background(), "m", "gen", nil, "s", Egress{Kind: PathDirect})

	ue := Classify(err)
	if ue.Kind != ErrorRateLimit {
		t.Fatalf("kind = %s, want rate limit", ue.Kind)
	}
	if ue.RetryAfter != 42*time.Second {
		t.Errorf("retryAfter = %s, want 42s", ue.RetryAfter)
	}
	if ue.StatusCode != http.StatusTooManyRequests {
		t.Errorf("statusCode = %d", ue.StatusCode)
	}
}

func TestHTTPTransport_UpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"bad payload"}`))
	}))
	defer srv.Close()

	tr := &HTTPTransport{BaseURL: srv.URL}
	_, err := tr.Call(context.Background(), "m", "gen", nil, "s", Egress{Kind: PathDirect})

	ue := Classify(err)
	if ue.Kind != ErrorOther {
		t.Errorf("kind = %s, want other", ue.Kind)
	}
	if ue.StatusCode != http.StatusBadRequest {
		t.Errorf("statusCode = %d", ue.StatusCode)
	}
}

func TestHTTPTransport_ConnectionRefusedIsProxyError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // nothing listening anymore

	tr := &HTTPTransport{BaseURL: srv.URL, Timeout: time.Second}
	_, err := tr.Call(context.Background(), "m", "gen", nil, "s", Egress{Kind: PathDirect})

	if Classify(err).Kind != ErrorProxy {
		t.Errorf("kind = %s, want proxy error", Classify(err).Kind)
	}
}

func TestParseRetryAfter(t *testing.T) {
	tests := []struct {
		header string
		want   time.Duration
	}{
		{"", 0},
		{"30", 30 * time.Second},
		{"0", 0},
		{"garbage", 0},
	}
	for _, tt := range tests {
		if got := parseRetryAfter(tt.header); got != tt.want {
			t.Errorf("parseRetryAfter(%q) = %s, want %s", tt.header, got, tt.want)
		}
	}
}

func TestClientFor_SocksSchemeRewrite(t *testing.T) {
	tr := &HTTPTransport{}
	client, err := tr.clientFor(Egress{Kind: PathAssigned, ProxyURL: "socks://1.2.3.4:1080"})
	if err != nil {
		t.Fatalf("clientFor: %v", err)
	}

	transport, ok := client.Transport.(*http.Transport)
	if !ok {
		t.Fatal("no custom transport for proxied client")
	}
	u, err := transport.Proxy(httptest.NewRequest("GET", "http://example.com", nil))
	if err != nil {
		t.Fatalf("proxy func: %v", err)
	}
	if u.Scheme != "socks5" {
		t.Errorf("scheme = %s, want socks5", u.Scheme)
	}
}
