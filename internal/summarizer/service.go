package summarizer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// Service is the external summarization backend.
type Service interface {
	// Name identifies the backend; the circuit breaker is keyed by it.
	Name() string
	// Summarize returns a summary of text no longer than maxOutputLen tokens.
	Summarize(ctx context.Context, text string, maxOutputLen int) (string, error)
}

// ErrorKind classifies a Service failure.
type ErrorKind int

const (
	ServiceUnavailable ErrorKind = iota
	RateLimited
	Timeout
	InvalidInput
)

func (k ErrorKind) String() string {
	switch k {
	case RateLimited:
		return "rate_limited"
	case Timeout:
		return "timeout"
	case InvalidInput:
		return "invalid_input"
	default:
		return "service_unavailable"
	}
}

// ServiceError is the error a Service returns.
type ServiceError struct {
	Kind       ErrorKind
	StatusCode int
	// RetryAfter is the server's requested delay, if any.
	RetryAfter time.Duration
	Err        error
}

func (e *ServiceError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s (status %d): %v", e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *ServiceError) Unwrap() error { return e.Err }

// FromStatus maps an HTTP status from a backend to a ServiceError.
func FromStatus(status int, err error) *ServiceError {
	kind := ServiceUnavailable
	switch {
	case status == http.StatusTooManyRequests:
		kind = RateLimited
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		kind = Timeout
	case status >= 500:
		kind = ServiceUnavailable
	case status >= 400:
		// Auth and validation failures will not improve on retry.
		kind = InvalidInput
	}
	return &ServiceError{Kind: kind, StatusCode: status, Err: err}
}

// KindOf classifies any error returned by a Service call.
func KindOf(err error) ErrorKind {
	var serr *ServiceError
	if errors.As(err, &serr) {
		return serr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Timeout
	}
	return ServiceUnavailable
}

// Transient reports whether a retry may succeed.
func Transient(err error) bool {
	return KindOf(err) != InvalidInput
}
