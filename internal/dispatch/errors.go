package dispatch

import (
	"errors"
	"strings"

	"github.com/primoia/conductor-sub000/internal/apperr"
)

// Result labels for conductor_dispatch_total
const (
	ResultOK          = "ok"
	ResultNotFound    = "not_found"
	ResultInvalid     = "invalid"
	ResultUnavailable = "unavailable"
	ResultError       = "error"
)

// isTransientError checks if err looks like an infrastructure problem on the
// prompt service or store side that will resolve on its own.
func isTransientError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	// Connection/network errors
	if strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "context deadline exceeded") ||
		strings.Contains(msg, "dial tcp") ||
		strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "i/o timeout") ||
		strings.Contains(msg, "server selection error") {
		return true
	}
	// Upstream HTTP status codes
	return strings.Contains(msg, "returned 502") ||
		strings.Contains(msg, "returned 503") ||
		strings.Contains(msg, "returned 504")
}

// classify maps a dispatch failure onto a metrics label and an apperr kind.
func classify(err error) (string, error) {
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		switch appErr.Kind {
		case apperr.KindNotFound:
			return ResultNotFound, err
		case apperr.KindValidation:
			return ResultInvalid, err
		case apperr.KindUnavailable:
			return ResultUnavailable, err
		}
	}
	if isTransientError(err) {
		return ResultUnavailable, apperr.Wrap(apperr.KindUnavailable, err, "dispatch dependency unavailable")
	}
	return ResultError, apperr.Wrap(apperr.KindInternal, err, "dispatch failed")
}
