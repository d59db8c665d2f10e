package cache

import (
	"errors"
	"fmt"
)

// ErrorCode classifies cache failures.
type ErrorCode string

const (
	// CodeInvalidArgument marks a malformed call: empty key, nil future,
	// non-positive budget, an asset with a negative size.
	CodeInvalidArgument ErrorCode = "INVALID_ARGUMENT"

	// CodeDuplicateKey marks a put for a key that is already reserved or
	// committed in either tier.
	CodeDuplicateKey ErrorCode = "DUPLICATE_KEY"

	// CodeNotFound marks a removal of a key that is not present.
	CodeNotFound ErrorCode = "NOT_FOUND"

	// CodeCapacityExceeded marks an asset that cannot fit even after
	// evicting the whole image tier.
	CodeCapacityExceeded ErrorCode = "CAPACITY_EXCEEDED"

	// CodeClosed marks an operation on a cache after Close.
	CodeClosed ErrorCode = "CLOSED"
)

// Sentinels for errors.Is. Any *Error with the same code matches.
var (
	ErrInvalidArgument  = &Error{Code: CodeInvalidArgument}
	ErrDuplicateKey     = &Error{Code: CodeDuplicateKey}
	ErrNotFound         = &Error{Code: CodeNotFound}
	ErrCapacityExceeded = &Error{Code: CodeCapacityExceeded}
	ErrClosed           = &Error{Code: CodeClosed}
)

// Error is the error type returned by the cache.
type Error struct {
	Code ErrorCode
	Op   string // operation, e.g. "PutImage"
	Key  string // image or volume key, if any
	Msg  string
	Err  error // underlying cause, if any
}

func (e *Error) Error() string {
	s := "cache"
	if e.Op != "" {
		s += ": " + e.Op
	}
	if e.Key != "" {
		s += fmt.Sprintf(" %q", e.Key)
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	} else {
		s += ": " + string(e.Code)
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error carrying the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

// IsRetryable reports whether the caller may free space and retry.
// Only capacity failures depend on cache state; the rest are caller bugs.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrCapacityExceeded)
}

func newError(code ErrorCode, op, key, msg string) *Error {
	return &Error{Code: code, Op: op, Key: key, Msg: msg}
}
