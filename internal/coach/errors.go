package coach

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies generation failures.
type ErrorKind string

const (
	// KindTimeout means the call exceeded its deadline.
	KindTimeout ErrorKind = "timeout"
	// KindUpstream means the provider returned an error.
	KindUpstream ErrorKind = "upstream"
	// KindEmptyResponse means the provider answered without text.
	KindEmptyResponse ErrorKind = "empty_response"
	// KindBadRequest means the input was rejected before or by the provider.
	KindBadRequest ErrorKind = "bad_request"
	// KindUnavailable means no provider is configured.
	KindUnavailable ErrorKind = "unavailable"
)

// Retryable reports whether a retry with the same input could succeed.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindTimeout, KindUpstream, KindEmptyResponse:
		return true
	default:
		return false
	}
}

// HTTPStatus maps the kind to the status returned to browsers.
func (k ErrorKind) HTTPStatus() int {
	switch k {
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindBadRequest:
		return http.StatusBadRequest
	case KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

// GenerationError is returned by every Planner and Reviewer in this package.
type GenerationError struct {
	Op   string
	Kind ErrorKind
	Err  error
}

func (e *GenerationError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}

// ErrNotConfigured is wrapped by KindUnavailable errors.
var ErrNotConfigured = errors.New("generation provider not configured")

func newError(op string, kind ErrorKind, err error) *GenerationError {
	return &GenerationError{Op: op, Kind: kind, Err: err}
}

// KindOf extracts the kind from err. Context deadline errors are timeouts;
// anything else unclassified is an upstream failure.
func KindOf(err error) ErrorKind {
	var ge *GenerationError
	if errors.As(err, &ge) {
		return ge.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindUpstream
}

// kindForStatus classifies a provider HTTP status code.
func kindForStatus(code int) ErrorKind {
	switch {
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return KindTimeout
	case code == http.StatusTooManyRequests:
		return KindUpstream
	case code >= 400 && code < 500:
		return KindBadRequest
	default:
		return KindUpstream
	}
}

// classify wraps a raw provider error.
func classify(op string, err error) *GenerationError {
	var ge *GenerationError
	if errors.As(err, &ge) {
		return ge
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return newError(op, KindTimeout, err)
	}
	return newError(op, KindUpstream, err)
}
