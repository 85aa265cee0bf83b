package api

import "errors"

// ErrorResponse is the body of every error reply. Code distinguishes
// failures that share a status, such as chain_depth_exceeded and
// rate_limited on 429.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

var (
	ErrQueueUnavailable = errors.New("task queue unavailable, use POST /agents/dispatch")
	ErrMethodNotAllowed = errors.New("method not allowed")
)
