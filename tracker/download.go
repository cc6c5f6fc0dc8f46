package tracker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// maxTorrentSize bounds the accepted .torrent payload.
const maxTorrentSize = 10 << 20

// Download is the validated result of fetching a .torrent file.
type Download struct {
	Data     []byte
	Meta     Metainfo
	Endpoint string
}

// endpoints lists the download URLs in the order they are tried.
func (c *Client) endpoints(torrentID, dlHash string) []string {
	var paths []string
	if dlHash != "" {
		paths = append(paths, "/tor/download.php/"+url.PathEscape(dlHash))
	}
	if torrentID != "" {
		id := url.QueryEscape(torrentID)
		paths = append(paths,
			strings.ReplaceAll(c.settings.DownloadPath, "{id}", id),
			"/tor/download.php?id="+id,
			"/tor/download.php?tid="+id,
		)
	}

	urls := make([]string, 0, len(paths))
	for _, p := range paths {
		urls = append(urls, c.settings.BaseURL+"/"+strings.TrimLeft(p, "/"))
	}
	return urls
}

// Download fetches the .torrent for a tracker torrent, trying each endpoint in
// turn. A 403 records an authentication error and moves on to the next one.
func (c *Client) Download(ctx context.Context, torrentID, dlHash string) (*Download, error) {
	endpoints := c.endpoints(torrentID, dlHash)
	if len(endpoints) == 0 {
		return nil, ErrNoEndpoint
	}

	var lastErr, authErr error
	for _, endpoint := range endpoints {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		data, err := c.execute(func() ([]byte, error) {
			return c.fetch(ctx, endpoint)
		})
		if err != nil {
			c.logger.Debug().Err(err).Str("torrent_id", torrentID).Str("url", endpoint).Msg("Torrent download attempt failed")
			lastErr = err
			if errors.Is(err, ErrAuthentication) {
				authErr = err
			}
			continue
		}

		meta, err := Validate(data)
		if err != nil {
			c.logger.Debug().Err(err).Str("url", endpoint).Msg("Downloaded payload rejected")
			lastErr = err
			continue
		}

		c.logger.Debug().Str("torrent_id", torrentID).Str("info_hash", meta.InfoHash).Msg("Downloaded torrent")
		return &Download{Data: data, Meta: meta, Endpoint: endpoint}, nil
	}

	if authErr != nil {
		return nil, authErr
	}
	return nil, fmt.Errorf("%w: %w", ErrNoEndpoint, lastErr)
}

func (c *Client) fetch(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.decorate(req, "application/x-bittorrent, */*")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download torrent: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusForbidden {
		return nil, fmt.Errorf("%w: torrent download forbidden (check session id)", ErrAuthentication)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTorrentSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read torrent: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("failed to download torrent: %d %s", resp.StatusCode, preview(string(body)))
	}
	return body, nil
}

func preview(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 200 {
		return s[:200]
	}
	return s
}
