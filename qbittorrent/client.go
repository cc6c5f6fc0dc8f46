package qbittorrent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/autobrr/go-qbittorrent"
	"github.com/rs/zerolog"

	"github.com/s0up4200/mamlarr/torrent"
)

// maxErrorBody caps how much of an error response is kept.
const maxErrorBody = 2048

// Client talks to the qBittorrent WebUI API.
type Client struct {
	baseURL    string
	username   string
	password   string
	sessionKey string
	userAgent  string
	httpClient *http.Client
	logger     zerolog.Logger

	mu      sync.Mutex
	cookies []*http.Cookie
	caps    *Capabilities
}

var _ torrent.Client = (*Client)(nil)

// NewClient creates a new qBittorrent client. No request is made until first use.
func NewClient(baseURL, username, password string, logger zerolog.Logger, opts ...Option) *Client {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	httpClient := o.httpClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: o.timeout}
	}

	base := strings.TrimRight(baseURL, "/")
	key := sessionKey(base, username, password)

	return &Client{
		baseURL:    base,
		username:   username,
		password:   password,
		sessionKey: key,
		userAgent:  o.userAgent,
		httpClient: httpClient,
		logger:     logger.With().Str("client", clientName).Logger(),
		cookies:    loadSession(key),
	}
}

// Name implements torrent.Client.
func (c *Client) Name() string {
	return clientName
}

// Capabilities returns the detected capabilities, detecting them on first call.
func (c *Client) Capabilities(ctx context.Context) *Capabilities {
	c.mu.Lock()
	caps := c.caps
	c.mu.Unlock()
	if caps != nil {
		return caps
	}

	caps, err := c.detect(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("qBittorrent capability detection failed, using Web API v2 defaults")
		caps = defaultCapabilities()
	} else {
		c.logger.Info().Int("api_major", caps.APIMajor).Str("webapi", caps.WebAPI.String()).Msg("Detected qBittorrent Web API")
	}

	c.mu.Lock()
	c.caps = caps
	c.mu.Unlock()
	return caps
}

// TestConnection logs in and fetches the application version.
func (c *Client) TestConnection(ctx context.Context) error {
	if err := c.login(ctx, false); err != nil {
		return err
	}
	c.Capabilities(ctx)
	_, err := c.call(ctx, http.MethodGet, "api/v2/app/version", nil, nil)
	return err
}

// Add uploads torrent data and identifies the new torrent among the most recently added.
func (c *Client) Add(ctx context.Context, data []byte, opts torrent.AddOptions) (torrent.AddResult, error) {
	if err := c.login(ctx, false); err != nil {
		return torrent.AddResult{}, err
	}
	caps := c.Capabilities(ctx)

	body, contentType, err := buildAddForm(caps, data, opts)
	if err != nil {
		return torrent.AddResult{}, err
	}

	if _, err := c.call(ctx, http.MethodPost, caps.AddPath(), body, map[string]string{"Content-Type": contentType}); err != nil {
		return torrent.AddResult{}, fmt.Errorf("failed to add torrent: %w", err)
	}

	recent, err := c.list(ctx, url.Values{"sort": {"added_on"}, "reverse": {"true"}})
	if err != nil {
		return torrent.AddResult{}, fmt.Errorf("failed to list recent torrents: %w", err)
	}

	picked, ok := torrent.PickAdded(recent, opts)
	if !ok || picked.Hash == "" {
		return torrent.AddResult{}, torrent.ErrNoHash
	}

	c.logger.Info().Str("hash", picked.Hash).Str("name", picked.Name).Msg("Torrent added")
	return torrent.AddResult{Hash: picked.Hash, ID: picked.Hash, Name: picked.Name}, nil
}

// buildAddForm assembles the multipart upload for the detected API flavour.
func buildAddForm(caps *Capabilities, data []byte, opts torrent.AddOptions) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="torrents"; filename="download.torrent"`)
	header.Set("Content-Type", "application/x-bittorrent")
	part, err := w.CreatePart(header)
	if err != nil {
		return nil, "", fmt.Errorf("create torrent part: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, "", fmt.Errorf("write torrent part: %w", err)
	}

	fields := map[string]string{}
	if opts.Category != "" {
		fields["category"] = opts.Category
	}
	if opts.DownloadDir != "" {
		fields["savepath"] = opts.DownloadDir
	}
	if opts.StartPaused != nil {
		for _, key := range caps.PauseFields() {
			fields[key] = strconv.FormatBool(*opts.StartPaused)
		}
	}
	if opts.ForceStart != nil {
		fields[caps.ForceField()] = strconv.FormatBool(*opts.ForceStart)
	}
	if opts.RatioLimit != nil {
		fields["ratioLimit"] = strconv.FormatFloat(*opts.RatioLimit, 'f', -1, 64)
	}
	if opts.SeedingTimeLimit != nil {
		fields["seedingTimeLimit"] = strconv.FormatInt(int64(opts.SeedingTimeLimit.Minutes()), 10)
	}

	tags := opts.AllTags()
	if len(tags) > 0 {
		fields["tags"] = strings.Join(tags, ",")
	}

	for key, value := range fields {
		if err := w.WriteField(key, value); err != nil {
			return nil, "", fmt.Errorf("write field %s: %w", key, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart form: %w", err)
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

// Torrents implements torrent.Client.
func (c *Client) Torrents(ctx context.Context, hashes []string) (map[string]torrent.Info, error) {
	if err := c.login(ctx, false); err != nil {
		return nil, err
	}

	params := url.Values{}
	if len(hashes) > 0 {
		normalized := make([]string, 0, len(hashes))
		for _, h := range hashes {
			normalized = append(normalized, torrent.NormalizeHash(h))
		}
		params.Set("hashes", strings.Join(normalized, "|"))
	}

	infos, err := c.list(ctx, params)
	if err != nil {
		return nil, err
	}

	out := make(map[string]torrent.Info, len(infos))
	for _, info := range infos {
		out[torrent.NormalizeHash(info.Hash)] = info
	}
	return out, nil
}

func (c *Client) list(ctx context.Context, params url.Values) ([]torrent.Info, error) {
	path := "api/v2/torrents/info"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}

	body, err := c.call(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get torrents: %w", err)
	}

	var raw []qbittorrent.Torrent
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode torrents: %w", err)
	}

	infos := make([]torrent.Info, 0, len(raw))
	for _, t := range raw {
		if t.Hash == "" {
			continue
		}
		infos = append(infos, toInfo(t))
	}
	return infos, nil
}

// Files implements torrent.Client.
func (c *Client) Files(ctx context.Context, hash string) ([]torrent.File, error) {
	if err := c.login(ctx, false); err != nil {
		return nil, err
	}

	body, err := c.call(ctx, http.MethodGet, "api/v2/torrents/files?hash="+url.QueryEscape(torrent.NormalizeHash(hash)), nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get torrent files: %w", err)
	}

	var raw qbittorrent.TorrentFiles
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode torrent files: %w", err)
	}
	return toFiles(raw), nil
}

// Remove implements torrent.Client. qBittorrent answers 200 for unknown hashes.
func (c *Client) Remove(ctx context.Context, hash string, deleteData bool) error {
	if err := c.login(ctx, false); err != nil {
		return err
	}

	form := url.Values{
		"hashes":      {torrent.NormalizeHash(hash)},
		"deleteFiles": {strconv.FormatBool(deleteData)},
	}
	if _, err := c.postForm(ctx, "api/v2/torrents/delete", form); err != nil {
		var apiErr *torrent.APIError
		if errors.As(err, &apiErr) && apiErr.IsNotFound() {
			return nil
		}
		return fmt.Errorf("failed to remove torrent: %w", err)
	}

	c.logger.Info().Str("hash", hash).Bool("delete_data", deleteData).Msg("Torrent removed")
	return nil
}

// SetShareLimits implements torrent.Client. Rejections by the server are logged and ignored.
func (c *Client) SetShareLimits(ctx context.Context, hash string, ratio *float64, seedingTime *time.Duration) error {
	if ratio == nil && seedingTime == nil {
		return nil
	}
	if err := c.login(ctx, false); err != nil {
		return err
	}

	// -2 keeps the global limit for the value that was not given
	form := url.Values{
		"hashes":                   {torrent.NormalizeHash(hash)},
		"ratioLimit":               {"-2"},
		"seedingTimeLimit":         {"-2"},
		"inactiveSeedingTimeLimit": {"-2"},
	}
	if ratio != nil {
		form.Set("ratioLimit", strconv.FormatFloat(*ratio, 'f', -1, 64))
	}
	if seedingTime != nil {
		form.Set("seedingTimeLimit", strconv.FormatInt(int64(seedingTime.Minutes()), 10))
	}

	if _, err := c.postForm(ctx, "api/v2/torrents/setShareLimits", form); err != nil {
		var apiErr *torrent.APIError
		if errors.As(err, &apiErr) {
			c.logger.Warn().Int("status", apiErr.StatusCode).Str("body", preview(apiErr.Body)).Msg("setShareLimits failed, continuing")
			return nil
		}
		return err
	}
	return nil
}

// Start implements torrent.Client. Force sets force-start, which bypasses the queue.
func (c *Client) Start(ctx context.Context, hash string, force bool) error {
	if err := c.login(ctx, false); err != nil {
		return err
	}

	hash = torrent.NormalizeHash(hash)
	if force {
		form := url.Values{"hashes": {hash}, "value": {"true"}}
		if _, err := c.postForm(ctx, "api/v2/torrents/setForceStart", form); err != nil {
			return fmt.Errorf("failed to force start torrent: %w", err)
		}
		return nil
	}

	path, fallback := c.Capabilities(ctx).StartPath()
	_, err := c.postForm(ctx, path, url.Values{"hashes": {hash}})
	var apiErr *torrent.APIError
	if err != nil && fallback && errors.As(err, &apiErr) && apiErr.IsNotFound() {
		_, err = c.postForm(ctx, "api/v2/torrents/resume", url.Values{"hashes": {hash}})
	}
	if err != nil {
		return fmt.Errorf("failed to start torrent: %w", err)
	}
	return nil
}

// login authenticates unless a session cookie is already held.
func (c *Client) login(ctx context.Context, force bool) error {
	c.mu.Lock()
	hasSession := len(c.cookies) > 0
	c.mu.Unlock()
	if hasSession && !force {
		return nil
	}

	form := url.Values{"username": {c.username}, "password": {c.password}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url("api/v2/auth/login"), strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	// qBittorrent enforces CSRF checks on the Referer
	req.Header.Set("Referer", c.baseURL)
	c.decorate(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", torrent.ErrUnreachable, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if resp.StatusCode != http.StatusOK || strings.TrimSpace(string(body)) != "Ok." {
		c.logger.Warn().Int("status", resp.StatusCode).Str("body", preview(string(body))).Msg("qBittorrent login rejected")
		return fmt.Errorf("%w: %w", torrent.ErrAuthentication, ErrLoginRejected)
	}

	cookies := resp.Cookies()
	c.mu.Lock()
	c.cookies = cookies
	c.mu.Unlock()
	storeSession(c.sessionKey, cookies)

	c.logger.Debug().Msg("Authenticated with qBittorrent")
	return nil
}

func (c *Client) postForm(ctx context.Context, path string, form url.Values) ([]byte, error) {
	return c.call(ctx, http.MethodPost, path, []byte(form.Encode()), map[string]string{
		"Content-Type": "application/x-www-form-urlencoded",
	})
}

// call performs an authenticated request. A 403 on the first attempt triggers
// one forced re-login and a retry.
func (c *Client) call(ctx context.Context, method, path string, body []byte, headers map[string]string) ([]byte, error) {
	for attempt := 0; attempt < 2; attempt++ {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.url(path), reader)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		c.decorate(req)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", torrent.ErrUnreachable, err)
		}

		respBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return nil, fmt.Errorf("failed to read response body: %w", readErr)
		}

		if resp.StatusCode == http.StatusForbidden && attempt == 0 {
			c.logger.Debug().Str("path", path).Msg("qBittorrent session rejected, logging in again")
			if err := c.login(ctx, true); err != nil {
				return nil, err
			}
			continue
		}

		if resp.StatusCode >= 400 {
			text := string(respBody)
			if len(text) > maxErrorBody {
				text = text[:maxErrorBody]
			}
			c.logger.Warn().
				Int("status", resp.StatusCode).
				Str("path", path).
				Str("body", preview(text)).
				Msg("qBittorrent HTTP error")
			return nil, classifyStatus(resp.StatusCode, text)
		}

		return respBody, nil
	}
	return nil, fmt.Errorf("%w: session rejected after re-login", torrent.ErrAuthentication)
}

// get performs an unauthenticated-tolerant GET used by capability detection.
func (c *Client) get(ctx context.Context, path string) (string, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(path), nil)
	if err != nil {
		return "", 0, err
	}
	c.decorate(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return "", resp.StatusCode, err
	}
	return string(body), resp.StatusCode, nil
}

func (c *Client) decorate(req *http.Request) {
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	c.mu.Lock()
	for _, cookie := range c.cookies {
		req.AddCookie(cookie)
	}
	c.mu.Unlock()
}

func (c *Client) url(path string) string {
	return c.baseURL + "/" + strings.TrimLeft(path, "/")
}

func preview(body string) string {
	body = strings.TrimSpace(body)
	if len(body) > 200 {
		return body[:200]
	}
	return body
}
