package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrConfiguration     = errors.New("invalid federation configuration")
	ErrNoHealthyEndpoint = errors.New("no healthy endpoint available")
	ErrCircuitOpen       = errors.New("circuit breaker is open")
	ErrUpstream          = errors.New("upstream call failed")
	ErrUpstreamTimeout   = errors.New("upstream call timed out")
	ErrEndpointNotFound  = errors.New("endpoint not found")
)

// ConfigurationError describes one invalid field of a federation document.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("config %s: %s", e.Field, e.Reason)
}

func (e *ConfigurationError) Unwrap() error { return ErrConfiguration }

// CircuitOpenError is returned when admission is refused. RetryAfter is the
// remaining open timeout at the moment of rejection.
type CircuitOpenError struct {
	EndpointID string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("endpoint %s: circuit open, retry after %s", e.EndpointID, e.RetryAfter)
}

func (e *CircuitOpenError) Unwrap() error { return ErrCircuitOpen }

// UpstreamError wraps a failed forwarded call.
type UpstreamError struct {
	EndpointID string
	Elapsed    time.Duration
	Timeout    bool
	Err        error
}

func (e *UpstreamError) Error() string {
	kind := "failed"
	if e.Timeout {
		kind = "timed out"
	}
	return fmt.Sprintf("endpoint %s: upstream call %s after %s: %v", e.EndpointID, kind, e.Elapsed, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

func (e *UpstreamError) Is(target error) bool {
	switch target {
	case ErrUpstream:
		return true
	case ErrUpstreamTimeout:
		return e.Timeout
	}
	return false
}

// EndpointNotFound builds the error for an unknown explicit target.
func EndpointNotFound(id string) error {
	return fmt.Errorf("%w: %s", ErrEndpointNotFound, id)
}
