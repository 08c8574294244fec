// Package transport provides the HTTP client that carries queued
// operations to a collection's sync endpoint, with bearer-token auth,
// per-attempt timeouts, and error classification. Each call is a single
// attempt: retry scheduling belongs to the sync coordinator, which
// persists backoff state in the durable store.
package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for HTTP status code classification.
// Use errors.Is(err, transport.ErrValidation) to check.
var (
	ErrValidation   = errors.New("transport: payload rejected")
	ErrUnauthorized = errors.New("transport: unauthorized")
	ErrForbidden    = errors.New("transport: forbidden")
	ErrNotFound     = errors.New("transport: not found")
	ErrThrottled    = errors.New("transport: throttled")
	ErrServer       = errors.New("transport: server error")
)

// APIError wraps a sentinel error with the HTTP status code, request ID,
// and response body for debugging. RetryAfterSeconds is populated from the
// Retry-After header on throttled responses; zero means no hint.
type APIError struct {
	StatusCode        int
	RequestID         string
	Message           string
	RetryAfterSeconds int
	Err               error // sentinel, for errors.Is()
}

func (e *APIError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("transport: HTTP %d (request-id: %s): %s", e.StatusCode, e.RequestID, e.Message)
	}

	return fmt.Sprintf("transport: HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// ConflictError reports that the server's entity state diverged from the
// version the operation was written against. It carries the server's
// current representation so the conflict resolver can decide the survivor.
type ConflictError struct {
	ServerState   json.RawMessage
	ServerVersion string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("transport: version conflict (server version %q)", e.ServerVersion)
}

// classifyStatus maps an HTTP status code to a sentinel error.
// Returns nil for codes that do not map to a terminal class.
func classifyStatus(code int) error {
	switch code {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return ErrValidation
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusTooManyRequests:
		return ErrThrottled
	default:
		if code >= http.StatusInternalServerError {
			return ErrServer
		}

		return nil
	}
}

// IsRetryable reports whether an error from Send should be retried with
// backoff. Transport-level failures (connection refused, timeout) arrive
// as non-APIError values and are always retryable; HTTP responses are
// retryable only for throttling and server-side errors.
func IsRetryable(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		var conflict *ConflictError
		// Conflicts are routed to the resolver, never blind-retried.
		return !errors.As(err, &conflict)
	}

	return errors.Is(apiErr, ErrThrottled) || errors.Is(apiErr, ErrServer)
}
