// Package tracker is a client for the MyAnonamouse search and download endpoints.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
)

const (
	DefaultBaseURL      = "https://www.myanonamouse.net"
	DefaultDownloadPath = "/torrents.php?action=download&id={id}"
)

// Settings configures a Client.
type Settings struct {
	BaseURL   string
	SessionID string
	// DownloadPath is a path template where {id} is replaced with the torrent id.
	DownloadPath string
	Timeout      time.Duration
}

// Client talks to MyAnonamouse. Calls are guarded by a circuit breaker so a
// tracker outage does not stall every job.
type Client struct {
	settings   Settings
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker[[]byte]
	logger     zerolog.Logger
}

// NewClient creates a tracker client. It fails with ErrNoSession when the
// session cookie is empty.
func NewClient(settings Settings, logger zerolog.Logger) (*Client, error) {
	if strings.TrimSpace(settings.SessionID) == "" {
		return nil, ErrNoSession
	}
	if settings.BaseURL == "" {
		settings.BaseURL = DefaultBaseURL
	}
	settings.BaseURL = strings.TrimRight(settings.BaseURL, "/")
	if settings.DownloadPath == "" {
		settings.DownloadPath = DefaultDownloadPath
	}
	if settings.Timeout <= 0 {
		settings.Timeout = 30 * time.Second
	}

	c := &Client{
		settings:   settings,
		httpClient: &http.Client{Timeout: settings.Timeout},
		logger:     logger.With().Str("component", "tracker").Logger(),
	}

	c.breaker = gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "mam",
		MaxRequests: 1,
		Interval:    5 * time.Minute,
		Timeout:     2 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// rejected credentials and bad payloads say nothing about tracker health
		IsSuccessful: func(err error) bool {
			return err == nil ||
				errors.Is(err, ErrAuthentication) ||
				errors.Is(err, ErrInvalidTorrent) ||
				errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("Tracker circuit breaker state changed")
		},
	})

	return c, nil
}

// BaseURL returns the normalized tracker base URL.
func (c *Client) BaseURL() string {
	return c.settings.BaseURL
}

// decorate adds browser-like headers and the session cookie. A raw value that
// already looks like a cookie header is sent verbatim.
func (c *Client) decorate(req *http.Request, accept string) {
	req.Header.Set("User-Agent", "Mozilla/5.0")
	req.Header.Set("Accept", accept)
	req.Header.Set("Origin", c.settings.BaseURL)
	req.Header.Set("Referer", c.settings.BaseURL+"/")

	raw := strings.TrimSpace(c.settings.SessionID)
	if strings.ContainsAny(raw, "=;") {
		req.Header.Set("Cookie", raw)
		return
	}
	req.AddCookie(&http.Cookie{Name: "mam_id", Value: raw})
}

func (c *Client) execute(fn func() ([]byte, error)) ([]byte, error) {
	body, err := c.breaker.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("tracker temporarily unavailable: %w", err)
	}
	return body, err
}

// State reports the circuit breaker state for diagnostics.
func (c *Client) State() string {
	return c.breaker.State().String()
}
