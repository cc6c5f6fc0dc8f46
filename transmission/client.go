// Package transmission implements torrent.Client over the Transmission RPC API.
package transmission

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/hekmon/transmissionrpc/v2"
	"github.com/rs/zerolog"

	"github.com/s0up4200/mamlarr/torrent"
)

const clientName = "transmission"

// Client wraps the transmissionrpc client.
type Client struct {
	rpc         *transmissionrpc.Client
	downloadDir string
	logger      zerolog.Logger
}

var _ torrent.Client = (*Client)(nil)

// NewClient parses rawURL (scheme, host, port and RPC path) and builds the RPC client.
func NewClient(rawURL, username, password, downloadDir string, timeout time.Duration, logger zerolog.Logger) (*Client, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid transmission url: %w", err)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("invalid transmission url: missing host in %q", rawURL)
	}

	https := u.Scheme == "https"
	port := uint16(9091)
	if p := u.Port(); p != "" {
		parsed, err := strconv.ParseUint(p, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid transmission port %q: %w", p, err)
		}
		port = uint16(parsed)
	} else if https {
		port = 443
	}

	rpcURI := u.Path
	if rpcURI == "" || rpcURI == "/" {
		rpcURI = "/transmission/rpc"
	}

	rpc, err := transmissionrpc.New(u.Hostname(), username, password, &transmissionrpc.AdvancedConfig{
		HTTPS:       https,
		Port:        port,
		RPCURI:      rpcURI,
		HTTPTimeout: timeout,
		UserAgent:   "mamlarr",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create transmission client: %w", err)
	}

	return &Client{
		rpc:         rpc,
		downloadDir: downloadDir,
		logger:      logger.With().Str("client", clientName).Logger(),
	}, nil
}

// Name implements torrent.Client.
func (c *Client) Name() string {
	return clientName
}

// TestConnection fetches the session arguments.
func (c *Client) TestConnection(ctx context.Context) error {
	if _, err := c.rpc.SessionArgumentsGet(ctx, []string{"version"}); err != nil {
		return classify("session-get", err)
	}
	return nil
}

// Add implements torrent.Client. Transmission reports the hash synchronously.
func (c *Client) Add(ctx context.Context, data []byte, opts torrent.AddOptions) (torrent.AddResult, error) {
	metaInfo := base64.StdEncoding.EncodeToString(data)
	payload := transmissionrpc.TorrentAddPayload{
		MetaInfo: &metaInfo,
		Paused:   opts.StartPaused,
	}
	dir := opts.DownloadDir
	if dir == "" {
		dir = c.downloadDir
	}
	if dir != "" {
		payload.DownloadDir = &dir
	}

	added, err := c.rpc.TorrentAdd(ctx, payload)
	if err != nil {
		return torrent.AddResult{}, classify("torrent-add", err)
	}
	if added.HashString == nil || *added.HashString == "" {
		return torrent.AddResult{}, torrent.ErrNoHash
	}

	res := torrent.AddResult{Hash: torrent.NormalizeHash(*added.HashString)}
	if added.ID != nil {
		res.ID = strconv.FormatInt(*added.ID, 10)
	}
	if added.Name != nil {
		res.Name = *added.Name
	}

	labels := opts.AllTags()
	if len(labels) > 0 && added.ID != nil {
		if err := c.rpc.TorrentSet(ctx, transmissionrpc.TorrentSetPayload{IDs: []int64{*added.ID}, Labels: labels}); err != nil {
			c.logger.Warn().Err(err).Str("hash", res.Hash).Msg("Failed to label torrent")
		}
	}

	c.logger.Info().Str("hash", res.Hash).Str("name", res.Name).Msg("Torrent added")
	return res, nil
}

// Torrents implements torrent.Client.
func (c *Client) Torrents(ctx context.Context, hashes []string) (map[string]torrent.Info, error) {
	list, err := c.rpc.TorrentGetAllForHashes(ctx, hashes)
	if err != nil {
		return nil, classify("torrent-get", err)
	}

	out := make(map[string]torrent.Info, len(list))
	for _, t := range list {
		if t.HashString == nil {
			continue
		}
		info := toInfo(t)
		out[info.Hash] = info
	}
	return out, nil
}

// Files implements torrent.Client.
func (c *Client) Files(ctx context.Context, hash string) ([]torrent.File, error) {
	got, err := c.Torrents(ctx, []string{hash})
	if err != nil {
		return nil, err
	}
	info, ok := got[torrent.NormalizeHash(hash)]
	if !ok {
		return nil, nil
	}
	return info.Files, nil
}

// Remove implements torrent.Client. The id is looked up first; an absent torrent is not an error.
func (c *Client) Remove(ctx context.Context, hash string, deleteData bool) error {
	list, err := c.rpc.TorrentGetAllForHashes(ctx, []string{hash})
	if err != nil {
		return classify("torrent-get", err)
	}

	var ids []int64
	for _, t := range list {
		if t.ID != nil {
			ids = append(ids, *t.ID)
		}
	}
	if len(ids) == 0 {
		c.logger.Debug().Str("hash", hash).Msg("Torrent already removed")
		return nil
	}

	if err := c.rpc.TorrentRemove(ctx, transmissionrpc.TorrentRemovePayload{IDs: ids, DeleteLocalData: deleteData}); err != nil {
		return classify("torrent-remove", err)
	}

	c.logger.Info().Str("hash", hash).Bool("delete_data", deleteData).Msg("Torrent removed")
	return nil
}

// SetShareLimits is a no-op; retention is enforced by the job monitor.
func (c *Client) SetShareLimits(context.Context, string, *float64, *time.Duration) error {
	return nil
}

// Start implements torrent.Client. Transmission has no queue bypass, so force
// is the same as a normal start.
func (c *Client) Start(ctx context.Context, hash string, force bool) error {
	if err := c.rpc.TorrentStartHashes(ctx, []string{hash}); err != nil {
		return classify("torrent-start", err)
	}
	return nil
}

// toInfo normalizes a Transmission torrent.
func toInfo(t transmissionrpc.Torrent) torrent.Info {
	info := torrent.Info{
		Hash:  torrent.NormalizeHash(*t.HashString),
		State: torrent.StateUnknown,
		Tags:  t.Labels,
	}
	if t.Name != nil {
		info.Name = *t.Name
	}
	if t.Status != nil {
		info.State = mapStatus(int(*t.Status))
		info.RawState = strconv.Itoa(int(*t.Status))
	}
	if t.PercentDone != nil {
		info.Progress = *t.PercentDone
	}
	if info.State == torrent.StatePausedDownload && info.Progress >= 1 {
		info.State = torrent.StatePausedSeed
	}
	if t.LeftUntilDone != nil {
		info.LeftUntilDone = *t.LeftUntilDone
		info.LeftKnown = true
	}
	if t.SecondsSeeding != nil {
		info.SeedingTime = *t.SecondsSeeding
	}
	if t.UploadRatio != nil {
		info.Ratio = *t.UploadRatio
	}
	if t.DownloadDir != nil {
		info.DownloadDir = *t.DownloadDir
	}
	if t.AddedDate != nil {
		info.AddedOn = *t.AddedDate
	}
	for _, f := range t.Files {
		info.Files = append(info.Files, torrent.File{Path: f.Name, Size: f.Length})
		info.Size += f.Length
	}
	return info
}

// mapStatus maps the Transmission status codes (0 stopped .. 6 seeding).
func mapStatus(status int) torrent.State {
	switch status {
	case 0:
		return torrent.StatePausedDownload
	case 1, 2:
		return torrent.StateChecking
	case 3, 4:
		return torrent.StateDownloading
	case 5, 6:
		return torrent.StateSeeding
	}
	return torrent.StateUnknown
}
