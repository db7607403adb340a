package model

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies failures so callers can handle each case explicitly
type ErrorKind string

const (
	KindValidation          ErrorKind = "validation"
	KindDuplicateSuppressed ErrorKind = "duplicate_suppressed"
	KindTransientIO         ErrorKind = "transient_io"
	KindUpstreamTimeout     ErrorKind = "upstream_timeout"
	KindNotFound            ErrorKind = "not_found"
	KindLimitExceeded       ErrorKind = "limit_exceeded"
	KindInternal            ErrorKind = "internal"
)

var (
	// ErrNotFound is returned when a conversation, session or record does not exist
	ErrNotFound = errors.New("not found")

	// ErrCacheMiss is returned by caches when no live entry exists for a key
	ErrCacheMiss = errors.New("cache miss")

	// ErrLockUnavailable is returned when the lock store cannot be reached
	ErrLockUnavailable = errors.New("lock store unavailable")
)

// Error carries a kind and the operation that failed alongside the cause
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// E wraps err with a kind and operation name. A nil err yields nil.
func E(kind ErrorKind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf classifies err. Unclassified non-nil errors are KindInternal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var toolNotFound *ToolNotFoundError
	switch {
	case errors.Is(err, ErrNotFound), errors.As(err, &toolNotFound):
		return KindNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return KindUpstreamTimeout
	case errors.Is(err, ErrCacheMiss), errors.Is(err, ErrLockUnavailable):
		return KindTransientIO
	default:
		return KindInternal
	}
}

// IsRetryable reports whether the end user should be told to try again
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindUpstreamTimeout, KindTransientIO:
		return true
	default:
		return false
	}
}

// ValidationError reports invalid or missing tool arguments
type ValidationError struct {
	Tool   string
	Errors []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid arguments for tool %s: %v", e.Tool, e.Errors)
}
