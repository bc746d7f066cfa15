package model

import (
	"errors"
	"fmt"
	"time"
)

// SourceFetchError is scoped to one source; the source is skipped for the run.
type SourceFetchError struct {
	SourceID string
	Err      error
}

func (e *SourceFetchError) Error() string {
	return fmt.Sprintf("source %s: fetch failed: %v", e.SourceID, e.Err)
}

func (e *SourceFetchError) Unwrap() error { return e.Err }

// ParseError is scoped to one item; the item is skipped.
type ParseError struct {
	SourceID string
	Ref      string
	Err      error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("source %s: parse %q: %v", e.SourceID, e.Ref, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// SummarizationError is returned once an item's retry budget is spent.
type SummarizationError struct {
	Fingerprint string
	Attempts    int
	Err         error
}

func (e *SummarizationError) Error() string {
	return fmt.Sprintf("summarize %s: failed after %d attempts: %v", e.Fingerprint, e.Attempts, e.Err)
}

func (e *SummarizationError) Unwrap() error { return e.Err }

// CircuitOpenError means the summarization service is cooling down.
type CircuitOpenError struct {
	Service string
	Err     error
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for %s", e.Service)
}

func (e *CircuitOpenError) Unwrap() error { return e.Err }

// DeliveryError wraps a failed send of a composed digest.
type DeliveryError struct {
	Channel string
	Err     error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver via %s: %v", e.Channel, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// StateStoreError reports an unavailable DedupStore or checkpoint store.
type StateStoreError struct {
	Op  string
	Err error
}

func (e *StateStoreError) Error() string {
	return fmt.Sprintf("state store %s: %v", e.Op, e.Err)
}

func (e *StateStoreError) Unwrap() error { return e.Err }

// InvariantError is a fatal internal consistency failure.
type InvariantError struct {
	Message string
}

func (e *InvariantError) Error() string {
	return "invariant violated: " + e.Message
}

// RetryableError marks a delivery failure that may be retried after Delay.
type RetryableError struct {
	Delay time.Duration
	Err   error
}

func (e *RetryableError) Error() string { return e.Err.Error() }

func (e *RetryableError) Unwrap() error { return e.Err }

// IsStateStoreError reports whether err is a StateStoreError.
func IsStateStoreError(err error) bool {
	var target *StateStoreError
	return errors.As(err, &target)
}

// IsCircuitOpen reports whether err is a CircuitOpenError.
func IsCircuitOpen(err error) bool {
	var target *CircuitOpenError
	return errors.As(err, &target)
}
