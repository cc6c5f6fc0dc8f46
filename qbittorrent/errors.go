package qbittorrent

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/s0up4200/mamlarr/torrent"
)

const clientName = "qbittorrent"

// Common errors returned by the qBittorrent client.
var (
	// ErrLoginRejected is returned when auth/login does not answer "Ok.".
	ErrLoginRejected = errors.New("qBittorrent rejected the login")

	// ErrDetectFailed is returned when no version endpoint answered.
	ErrDetectFailed = errors.New("unable to determine qBittorrent Web API version")
)

// classifyStatus converts a non-success response into the shared torrent errors.
func classifyStatus(status int, body string) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: HTTP %d", torrent.ErrAuthentication, status)
	case status == http.StatusConflict && strings.Contains(strings.ToLower(body), "queue"):
		return torrent.ErrQueueingDisabled
	}
	return &torrent.APIError{
		Client:     clientName,
		StatusCode: status,
		Message:    http.StatusText(status),
		Body:       body,
		Hint:       torrent.HintForStatus(status),
	}
}
