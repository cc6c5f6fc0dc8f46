package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/s0up4200/mamlarr/config"
	"github.com/s0up4200/mamlarr/postprocess"
	"github.com/s0up4200/mamlarr/qbittorrent"
	"github.com/s0up4200/mamlarr/torrent"
	"github.com/s0up4200/mamlarr/tracker"
	"github.com/s0up4200/mamlarr/transmission"
)

// Tracker is the subset of the MyAnonamouse client the manager drives.
type Tracker interface {
	Search(ctx context.Context, query string, limit int) ([]tracker.Result, error)
	Download(ctx context.Context, torrentID, dlHash string) (*tracker.Download, error)
}

// Pipeline turns a finished torrent into a library entry.
type Pipeline interface {
	Process(ctx context.Context, job postprocess.Job, meta postprocess.Metadata, snap postprocess.Snapshot) (string, error)
	SweepTemp(maxAge time.Duration) (int, error)
}

type (
	ClientFactory   func(cfg config.ClientConfig, logger zerolog.Logger) (torrent.Client, error)
	TrackerFactory  func(cfg config.TrackerConfig, logger zerolog.Logger) (Tracker, error)
	PipelineFactory func(cfg config.PostProcessConfig, logger zerolog.Logger) Pipeline
)

// NewTorrentClient builds the backend selected by cfg.Type.
func NewTorrentClient(cfg config.ClientConfig, logger zerolog.Logger) (torrent.Client, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Type)) {
	case config.ClientQBittorrent:
		return qbittorrent.NewClient(
			cfg.QBittorrent.URL,
			cfg.QBittorrent.Username,
			cfg.QBittorrent.Password,
			logger,
			qbittorrent.WithTimeout(cfg.Timeout),
		), nil
	case config.ClientTransmission:
		return transmission.NewClient(
			cfg.Transmission.URL,
			cfg.Transmission.Username,
			cfg.Transmission.Password,
			cfg.Transmission.DownloadDir,
			cfg.Timeout,
			logger,
		)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownClient, cfg.Type)
	}
}

// NewTracker builds the MyAnonamouse client.
func NewTracker(cfg config.TrackerConfig, logger zerolog.Logger) (Tracker, error) {
	return tracker.NewClient(tracker.Settings{
		BaseURL:      cfg.URL,
		SessionID:    cfg.SessionID,
		DownloadPath: cfg.DownloadPath,
		Timeout:      cfg.Timeout,
	}, logger)
}

// NewPipeline builds the post-processor on the OS filesystem.
func NewPipeline(cfg config.PostProcessConfig, logger zerolog.Logger) Pipeline {
	return postprocess.New(postprocess.Settings{
		OutputDir:   cfg.OutputDir,
		TmpDir:      cfg.TmpDir,
		FFmpegPath:  cfg.FFmpegPath,
		EnableMerge: cfg.EnableMerge,
		TempMaxAge:  cfg.TempMaxAge,
	}, logger)
}

// clientKey holds the fields that require a new connection when changed.
type clientKey struct {
	kind        string
	url         string
	username    string
	password    string
	downloadDir string
	timeout     time.Duration
}

func keyFor(cfg config.ClientConfig) clientKey {
	key := clientKey{kind: strings.ToLower(strings.TrimSpace(cfg.Type)), timeout: cfg.Timeout}
	switch key.kind {
	case config.ClientTransmission:
		key.url = cfg.Transmission.URL
		key.username = cfg.Transmission.Username
		key.password = cfg.Transmission.Password
		key.downloadDir = cfg.Transmission.DownloadDir
	default:
		key.url = cfg.QBittorrent.URL
		key.username = cfg.QBittorrent.Username
		key.password = cfg.QBittorrent.Password
	}
	return key
}

// clients caches the backends and rebuilds them when their settings change.
type clients struct {
	newClient   ClientFactory
	newTracker  TrackerFactory
	newPipeline PipelineFactory
	logger      zerolog.Logger

	mu          sync.Mutex
	client      torrent.Client
	clientCfg   clientKey
	tracker     Tracker
	trackerCfg  config.TrackerConfig
	pipeline    Pipeline
	pipelineCfg config.PostProcessConfig
}

func (c *clients) torrentClient(cfg config.ClientConfig) (torrent.Client, error) {
	key := keyFor(cfg)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil && c.clientCfg == key {
		return c.client, nil
	}
	client, err := c.newClient(cfg, c.logger.With().Str("component", key.kind).Logger())
	if err != nil {
		return nil, err
	}
	if c.client != nil {
		c.logger.Info().Str("client", key.kind).Msg("Download client settings changed, reconnecting")
	}
	c.client = client
	c.clientCfg = key
	return client, nil
}

func (c *clients) trackerClient(cfg config.TrackerConfig) (Tracker, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.tracker != nil && c.trackerCfg == cfg {
		return c.tracker, nil
	}
	t, err := c.newTracker(cfg, c.logger.With().Str("component", "tracker").Logger())
	if err != nil {
		return nil, err
	}
	c.tracker = t
	c.trackerCfg = cfg
	return t, nil
}

func (c *clients) postProcessor(cfg config.PostProcessConfig) Pipeline {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pipeline != nil && c.pipelineCfg == cfg {
		return c.pipeline
	}
	c.pipeline = c.newPipeline(cfg, c.logger.With().Str("component", "postprocess").Logger())
	c.pipelineCfg = cfg
	return c.pipeline
}
