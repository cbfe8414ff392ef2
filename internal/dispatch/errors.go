package dispatch

import (
	"errors"
	"fmt"
	"time"
)

// ErrNoCredential is returned when every credential is cooling down,
// disabled or absent.
var ErrNoCredential = errors.New("no available credential")

type ErrorKind int

const (
	// ErrorProxy is a network/transport failure attributable to the egress
	// path, not the credential.
	ErrorProxy ErrorKind = iota
	// ErrorRateLimit is upstream throttling, attributable to the credential.
	ErrorRateLimit
	// ErrorOther is any other terminal upstream failure.
	ErrorOther
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorProxy:
		return "proxy_error"
	case ErrorRateLimit:
		return "rate_limit_error"
	default:
		return "upstream_error"
	}
}

// UpstreamError is a classified failure from the upstream transport.
type UpstreamError struct {
	Kind       ErrorKind
	StatusCode int
	// RetryAfter carries the parsed backoff for rate-limit errors.
	RetryAfter time.Duration
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s (status %d): %v", e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Classify extracts the UpstreamError from err, defaulting to ErrorOther for
// unclassified failures.
func Classify(err error) *UpstreamError {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue
	}
	return &UpstreamError{Kind: ErrorOther, Err: err}
}
