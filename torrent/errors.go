package torrent

import (
	"errors"
	"fmt"
	"net/http"
)

// Common errors returned by torrent client backends.
var (
	// ErrAuthentication is returned when the client rejects the configured credentials.
	ErrAuthentication = errors.New("torrent client authentication failed")

	// ErrUnreachable is returned when the client cannot be contacted.
	ErrUnreachable = errors.New("torrent client unreachable")

	// ErrQueueingDisabled is returned when qBittorrent refuses a torrent because its queue is full.
	ErrQueueingDisabled = errors.New("torrent queueing is disabled")

	// ErrNoHash is returned when a torrent was added but could not be identified.
	ErrNoHash = errors.New("failed to register torrent with client (no hash returned)")
)

// APIError represents a non-success HTTP response from a torrent client
type APIError struct {
	Client     string
	StatusCode int
	Message    string
	Body       string
	Hint       string
}

// Error implements the error interface
func (e *APIError) Error() string {
	msg := fmt.Sprintf("%s API error: status %d: %s", e.Client, e.StatusCode, e.Message)
	if e.Hint != "" {
		msg += " (" + e.Hint + ")"
	}
	return msg
}

// IsNotFound checks if the error indicates a not found response
func (e *APIError) IsNotFound() bool {
	return e.StatusCode == http.StatusNotFound
}

// IsUnauthorized checks if the error indicates an authentication failure
func (e *APIError) IsUnauthorized() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

// HintForStatus returns operator guidance for common HTTP failures.
func HintForStatus(status int) string {
	switch {
	case status == http.StatusNotFound:
		return "confirm the client exposes its WebUI API at this base path"
	case status == http.StatusUnsupportedMediaType:
		return "the client could not parse the upload; update it or retry with a known-good .torrent file"
	case status == http.StatusTooManyRequests:
		return "the client is rate limiting API calls; reduce the polling frequency"
	case status >= 500:
		return "the client reported a server error; check its logs"
	}
	return ""
}
