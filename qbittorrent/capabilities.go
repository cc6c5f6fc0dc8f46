package qbittorrent

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"github.com/blang/semver"
)

const (
	pathWebAPIVersion = "/api/v2/app/webapiVersion"
	pathAppVersion    = "/api/v2/app/version"
	pathLegacyAPI     = "/version/api"
)

var versionPaths = []string{pathWebAPIVersion, pathAppVersion, pathLegacyAPI}

// qBittorrent 5.0 (Web API 2.11) renamed pause/resume to stop/start.
var stopStartAPI = semver.MustParse("2.11.0")

var leadingNumber = regexp.MustCompile(`(\d+)`)

// Capabilities describes the Web API surface a server exposes.
type Capabilities struct {
	APIMajor  int
	WebAPI    semver.Version
	KnowsAPI  bool
	Endpoints map[string]bool
}

// defaultCapabilities is assumed when probing fails, usually because the
// server wants a session before answering version requests.
func defaultCapabilities() *Capabilities {
	return &Capabilities{
		APIMajor: 2,
		Endpoints: map[string]bool{
			pathWebAPIVersion: true,
			pathAppVersion:    true,
			pathLegacyAPI:     true,
		},
	}
}

// UsesV2 reports whether the /api/v2 endpoints are available.
func (c *Capabilities) UsesV2() bool {
	for path := range c.Endpoints {
		if strings.HasPrefix(path, "/api/v2") {
			return true
		}
	}
	return false
}

// AddPath returns the upload endpoint.
func (c *Capabilities) AddPath() string {
	if c.UsesV2() {
		return "api/v2/torrents/add"
	}
	return "command/upload"
}

// PauseFields returns the form fields carrying the start-paused flag.
// With an unknown Web API version both spellings are sent.
func (c *Capabilities) PauseFields() []string {
	if !c.UsesV2() {
		return []string{"paused"}
	}
	if !c.KnowsAPI {
		return []string{"stopped", "paused"}
	}
	if c.WebAPI.GTE(stopStartAPI) {
		return []string{"stopped"}
	}
	return []string{"paused"}
}

// ForceField returns the form field carrying the force-start flag.
func (c *Capabilities) ForceField() string {
	if c.UsesV2() {
		return "forced"
	}
	return "forceStart"
}

// StartPath returns the resume endpoint and whether it may need a fallback.
func (c *Capabilities) StartPath() (string, bool) {
	if c.KnowsAPI && c.WebAPI.LT(stopStartAPI) {
		return "api/v2/torrents/resume", false
	}
	return "api/v2/torrents/start", !c.KnowsAPI
}

// detect asks each version endpoint in turn. The Web API version, when
// reported, is the authoritative one.
func (c *Client) detect(ctx context.Context) (*Capabilities, error) {
	caps := &Capabilities{Endpoints: make(map[string]bool)}
	major := -1

	for _, path := range versionPaths {
		body, status, err := c.get(ctx, path)
		if err != nil {
			c.logger.Debug().Err(err).Str("path", path).Msg("qBittorrent version endpoint failed")
			continue
		}
		if status >= 400 {
			c.logger.Debug().Str("path", path).Int("status", status).Msg("qBittorrent version endpoint rejected")
			continue
		}
		caps.Endpoints[path] = true
		raw := strings.TrimSpace(body)

		if path == pathWebAPIVersion {
			if v, err := semver.ParseTolerant(raw); err == nil {
				caps.WebAPI = v
				caps.KnowsAPI = true
			}
		}
		if major < 0 {
			if m := leadingNumber.FindString(raw); m != "" {
				major, _ = strconv.Atoi(m)
			}
		}
	}

	if len(caps.Endpoints) == 0 || major < 0 {
		return nil, ErrDetectFailed
	}
	caps.APIMajor = major
	if caps.KnowsAPI {
		caps.APIMajor = int(caps.WebAPI.Major)
	}
	return caps, nil
}
