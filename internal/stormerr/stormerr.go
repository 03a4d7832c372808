// Package stormerr defines the error taxonomy shared by every engine
// component, so that callers can branch on kind with errors.As instead of
// string-matching messages.
package stormerr

import (
	"errors"
	"fmt"
)

// Kind classifies a transfer-level failure.
type Kind int

const (
	Network Kind = iota
	Http
	RangeNotSupported
	NotFound
	RateLimited
	HashMismatch
	ResourceChanged
	Cancelled
	InvalidUrl
	Protocol
	Io
	Config
	Timeout
	Other
)

func (k Kind) String() string {
	switch k {
	case Network:
		return "network"
	case Http:
		return "http"
	case RangeNotSupported:
		return "range_not_supported"
	case NotFound:
		return "not_found"
	case RateLimited:
		return "rate_limited"
	case HashMismatch:
		return "hash_mismatch"
	case ResourceChanged:
		return "resource_changed"
	case Cancelled:
		return "cancelled"
	case InvalidUrl:
		return "invalid_url"
	case Protocol:
		return "protocol"
	case Io:
		return "io"
	case Config:
		return "config"
	case Timeout:
		return "timeout"
	default:
		return "other"
	}
}

// Error is the concrete error type produced by the engine. It always
// carries a Kind so callers can branch with errors.As, and an optional
// wrapped cause for %w-chaining.
type Error struct {
	Kind    Kind
	Message string
	Status  int // populated for Kind == Http
	Cause   error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s (status %d)", e.Kind, e.Message, e.Status)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// NewHTTP builds an Http-kind error carrying the status code.
func NewHTTP(status int, message string) *Error {
	return &Error{Kind: Http, Message: message, Status: status}
}

// HashMismatchError carries the expected/actual digests for a failed
// integrity check. Nothing in the core constructs it: the optional
// checksum hook only reports a digest, and the core never runs
// verification itself.
type HashMismatchError struct {
	Expected string
	Actual   string
}

func (e *HashMismatchError) Error() string {
	return fmt.Sprintf("%s: expected %s, got %s", HashMismatch, e.Expected, e.Actual)
}

// Is reports whether err (or anything it wraps) carries the given Kind.
// Callers needing the full *Error (for Status or Cause) should use
// errors.As directly instead.
func Is(err error, kind Kind) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind == kind
	}
	if kind == HashMismatch {
		var hm *HashMismatchError
		return errors.As(err, &hm)
	}
	return false
}
