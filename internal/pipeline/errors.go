package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
)

// ErrTransient marks a transport error as retryable. Transports wrap it for
// responses they know to be temporary (HTTP 429, 5xx).
var ErrTransient = errors.New("transient fetch error")

// ErrNoData marks a payload that was fetched (or definitively absent) but
// carries no usable data for the unit. It is treated as a soft failure.
var ErrNoData = errors.New("no data for unit")

// ConfigError reports malformed or missing required input: calendar, entity
// list, or output schema. It is fatal and aborts before any work starts.
type ConfigError struct {
	Source string // file or setting that failed
	Err    error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error in %s: %v", e.Source, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// StorageError reports a flush that could not reach durable storage after
// its retry budget. The buffered records are still held in memory.
type StorageError struct {
	Entity  string
	Pending int // units still buffered
	Err     error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error flushing %s (%d units pending): %v", e.Entity, e.Pending, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// ParseError reports a payload that was fetched but could not be
// interpreted.
type ParseError struct {
	Unit string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.Unit, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// IsTransient classifies a transport error. Timeouts, connection resets,
// refused connections and errors wrapping ErrTransient are retryable.
// Cancellation is never transient.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrTransient) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return false
}
