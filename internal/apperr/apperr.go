// Package apperr classifies the failures the delegation queue can report so
// that HTTP handlers and the consumer can decide between 4xx/5xx responses,
// ack, and dead-lettering without string matching.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is a failure class.
type Kind string

const (
	KindInternal      Kind = "internal"
	KindNotFound      Kind = "not_found"
	KindAuthorization Kind = "authorization"
	KindRateLimited   Kind = "rate_limited"
	KindUnavailable   Kind = "unavailable"
	KindDuplicate     Kind = "duplicate"
	KindValidation    Kind = "validation"
)

// Codes that refine a Kind where two failures share an HTTP status.
const (
	// CodeChainDepthExceeded needs a human to reset or raise the limit
	CodeChainDepthExceeded = "chain_depth_exceeded"
	// CodeRateLimited is request throttling; retrying later succeeds
	CodeRateLimited = "rate_limited"
)

// Error carries a Kind alongside a human readable message and an optional cause.
type Error struct {
	Kind Kind
	// Code is reported to HTTP callers; empty means the Kind.
	Code string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// WithCode sets the code reported to callers and returns e.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// New builds an Error of the given kind.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error of the given kind around cause.
func Wrap(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: cause}
}

// NotFound is shorthand for New(KindNotFound, ...).
func NotFound(format string, args ...interface{}) *Error {
	return New(KindNotFound, format, args...)
}

// Forbidden is shorthand for New(KindAuthorization, ...).
func Forbidden(format string, args ...interface{}) *Error {
	return New(KindAuthorization, format, args...)
}

// RateLimited is shorthand for New(KindRateLimited, ...).
func RateLimited(format string, args ...interface{}) *Error {
	return New(KindRateLimited, format, args...)
}

// Unavailable is shorthand for New(KindUnavailable, ...).
func Unavailable(format string, args ...interface{}) *Error {
	return New(KindUnavailable, format, args...)
}

// KindOf returns the Kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// CodeOf returns the code of the first *Error in err's chain, falling back
// to its Kind.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		if e.Code != "" {
			return e.Code
		}
		return string(e.Kind)
	}
	return string(KindInternal)
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// HTTPStatus maps a failure to the status code the HTTP surface returns for it.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindNotFound:
		return http.StatusNotFound
	case KindAuthorization:
		return http.StatusForbidden
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindUnavailable:
		return http.StatusServiceUnavailable
	case KindValidation:
		return http.StatusBadRequest
	case KindDuplicate:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Permanent reports whether retrying the same operation can never succeed.
// Unavailable and internal failures are the only retryable classes.
func Permanent(err error) bool {
	switch KindOf(err) {
	case KindNotFound, KindAuthorization, KindValidation, KindDuplicate:
		return true
	default:
		return false
	}
}
