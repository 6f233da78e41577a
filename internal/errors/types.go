package errors

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// IllegalTransitionError reports a state-machine transition outside the
// allowed set. Both states are named so callers can log a useful message.
type IllegalTransitionError struct {
	Entity string // "work_order" or "run"
	From   string
	To     string
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal %s transition: %s -> %s", e.Entity, e.From, e.To)
}

// StrategyNotFoundError reports an unknown strategy mode along with the
// modes the registry does know about.
type StrategyNotFoundError struct {
	Mode      string
	Available []string
}

func (e *StrategyNotFoundError) Error() string {
	return fmt.Sprintf("strategy not found: %q (available: %s)", e.Mode, strings.Join(e.Available, ", "))
}

// DuplicateStrategyError reports a second registration for a mode without
// allowOverwrite.
type DuplicateStrategyError struct {
	Mode string
}

func (e *DuplicateStrategyError) Error() string {
	return fmt.Sprintf("strategy already registered: %q", e.Mode)
}

// CustomStrategyErrorKind classifies custom-strategy loading failures.
type CustomStrategyErrorKind string

const (
	CustomStrategyLoad     CustomStrategyErrorKind = "custom-strategy-load"
	CustomStrategyNotFound CustomStrategyErrorKind = "custom-strategy-not-found"
	CustomStrategyInvalid  CustomStrategyErrorKind = "custom-strategy-invalid"
)

// CustomStrategyError wraps a failure while loading or validating a
// user-supplied strategy module. The module path is always attached.
type CustomStrategyError struct {
	Kind CustomStrategyErrorKind
	Path string
	Err  error
}

func (e *CustomStrategyError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Path, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Path)
}

func (e *CustomStrategyError) Unwrap() error {
	return e.Err
}

// QueueFullError reports an enqueue rejected by backpressure.
type QueueFullError struct {
	Depth    int
	MaxDepth int
}

func (e *QueueFullError) Error() string {
	return fmt.Sprintf("queue full: depth %d >= max %d", e.Depth, e.MaxDepth)
}

// AlreadyEnqueuedError reports a duplicate enqueue for the same id.
type AlreadyEnqueuedError struct {
	ID string
}

func (e *AlreadyEnqueuedError) Error() string {
	return fmt.Sprintf("already enqueued: %s", e.ID)
}

// ResourceExhaustedError reports a rejected operation because a capacity
// limit (slots, retries) is exhausted.
type ResourceExhaustedError struct {
	Resource string
	Limit    int
}

func (e *ResourceExhaustedError) Error() string {
	return fmt.Sprintf("resource exhausted: %s (limit %d)", e.Resource, e.Limit)
}

// NotFoundError reports a missing record.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

// TransientError represents an error that can be retried.
type TransientError struct {
	Err        error
	RetryAfter int    // Seconds to wait before retry, when known
	Message    string // Operator-friendly message
}

func (e *TransientError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("transient error: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// PermanentError represents an error that should not be retried.
type PermanentError struct {
	Err     error
	Message string
}

func (e *PermanentError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("permanent error: %v", e.Err)
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// IsTransient checks if an error is retry-able.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var transientErr *TransientError
	if errors.As(err, &transientErr) {
		return true
	}

	var permanentErr *PermanentError
	if errors.As(err, &permanentErr) {
		return false
	}

	if isNetworkError(err) {
		return true
	}

	if isSyscallError(err) {
		return true
	}

	return false
}

// IsPermanent checks if an error is explicitly non-retry-able.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	var permanentErr *PermanentError
	return errors.As(err, &permanentErr)
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

func isSyscallError(err error) bool {
	for _, errno := range []syscall.Errno{
		syscall.ECONNREFUSED,
		syscall.ECONNRESET,
		syscall.ETIMEDOUT,
		syscall.EAGAIN,
		syscall.EINTR,
	} {
		if errors.Is(err, errno) {
			return true
		}
	}
	return false
}
