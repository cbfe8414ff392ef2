package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// PathKind identifies which egress path a call went out on.
type PathKind int

const (
	PathDirect PathKind = iota
	PathAssigned
	PathRotating
)

func (k PathKind) String() string {
	switch k {
	case PathAssigned:
		return "assigned"
	case PathRotating:
		return "rotating"
	default:
		return "direct"
	}
}

// Egress describes the chosen path. ProxyURL is empty for direct calls;
// ProxyID is set only for assigned-proxy calls.
type Egress struct {
	Kind     PathKind
	ProxyID  string
	ProxyURL string
}

// Transport executes one upstream call over the given egress path and
// returns the response body or a classified *UpstreamError.
type Transport interface {
	Call(ctx context.Context, modelID, method string, payload []byte, secret string, egress Egress) ([]byte, error)
}

// HTTPTransport calls the upstream model API over HTTP, routing through the
// egress proxy when one is set.
type HTTPTransport struct {
	BaseURL string
	Timeout time.Duration
}

func (t *HTTPTransport) Call(ctx context.Context, modelID, method string, payload []byte, secret string, egress Egress) ([]byte, error) {
	client, err := t.clientFor(egress)
	if err != nil {
		return nil, &UpstreamError{Kind: ErrorProxy, Err: err}
	}

	endpoint := fmt.Sprintf("%s/v1beta/models/%s:%s", t.BaseURL, modelID, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, &UpstreamError{Kind: ErrorOther, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", secret)

	resp, err := client.Do(req)
	if err != nil {
		// Transport-level failures are attributed to the path.
		return nil, &UpstreamError{Kind: ErrorProxy, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &UpstreamError{Kind: ErrorProxy, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &UpstreamError{
			Kind:       ErrorRateLimit,
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Err:        fmt.Errorf("upstream rate limit: %s", truncate(body)),
		}
	case resp.StatusCode >= 400:
		return nil, &UpstreamError{
			Kind:       ErrorOther,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("upstream error: %s", truncate(body)),
		}
	}
	return body, nil
}

func (t *HTTPTransport) clientFor(egress Egress) (*http.Client, error) {
	timeout := t.Timeout
	if timeout == 0 {
		timeout = 2 * time.Minute
	}

	if egress.ProxyURL == "" {
		return &http.Client{Timeout: timeout}, nil
	}

	proxyURL, err := url.Parse(egress.ProxyURL)
	if err != nil {
		return nil, fmt.Errorf("parse proxy url: %w", err)
	}
	// net/http speaks socks5 but not the bare "socks" alias.
	if proxyURL.Scheme == "socks" {
		proxyURL.Scheme = "socks5"
	}

	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy: http.ProxyURL(proxyURL),
		},
	}, nil
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

func truncate(body []byte) string {
	const max = 256
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}
