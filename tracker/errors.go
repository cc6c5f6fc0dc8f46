package tracker

import (
	"errors"
	"fmt"
)

var (
	// ErrNoSession is returned when no session cookie is configured.
	ErrNoSession = errors.New("MAM session ID not configured")

	// ErrAuthentication is returned when the tracker answers 403.
	ErrAuthentication = errors.New("failed to authenticate with MyAnonamouse")

	// ErrInvalidTorrent is returned when downloaded bytes are not a torrent file.
	ErrInvalidTorrent = errors.New("downloaded payload is not a valid torrent")

	// ErrNoEndpoint is returned when no download endpoint could be built.
	ErrNoEndpoint = errors.New("failed to download torrent: no valid endpoint")
)

// SearchError is returned when the search endpoint reports a failure.
type SearchError struct {
	StatusCode int
	Message    string
}

func (e *SearchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("MAM query failed: %d %s", e.StatusCode, e.Message)
	}
	return e.Message
}
