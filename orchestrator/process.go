package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/s0up4200/mamlarr/config"
	"github.com/s0up4200/mamlarr/seed"
	"github.com/s0up4200/mamlarr/store"
	"github.com/s0up4200/mamlarr/torrent"
	"github.com/s0up4200/mamlarr/tracker"
)

const (
	msgMissingRequest = "Download job missing linked request"
	msgNoSession      = "MAM session ID not configured"
)

// TorrentTag marks torrents added by mamlarr so they can be matched back to the tracker id.
func TorrentTag(torrentID string) string {
	return "mamid=" + torrentID
}

// processJob takes a pending job through download and add. Job failures are
// recorded on the job; only store errors are returned.
func (m *Manager) processJob(ctx context.Context, jobID string) error {
	job, err := m.jobs.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			m.logger.Debug().Str("job_id", jobID).Msg("Queued job no longer exists")
			return nil
		}
		return err
	}
	if job.Status != store.StatusPending {
		m.logger.Debug().Str("job_id", jobID).Str("status", string(job.Status)).Msg("Skipping job that is not pending")
		return nil
	}

	log := m.logger.With().Str("job_id", job.ID).Str("torrent_id", job.TorrentID).Logger()
	cfg := m.settings.Current()

	if job.RequestID != "" {
		if _, err := m.requests.Get(ctx, job.RequestID); err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				return err
			}
			log.Error().Str("request_id", job.RequestID).Msg("Linked request not found")
			return m.fail(ctx, job, msgMissingRequest)
		}
	} else if strings.TrimSpace(job.Title) == "" {
		log.Error().Msg("Job has neither a request nor a title")
		return m.fail(ctx, job, msgMissingRequest)
	}

	if strings.TrimSpace(cfg.Tracker.SessionID) == "" {
		log.Error().Msg("Tracker session is not configured")
		return m.fail(ctx, job, msgNoSession)
	}

	if err := m.transition(ctx, job, store.StatusDownloading, "Downloading torrent metadata"); err != nil {
		return err
	}

	client, err := m.addTorrent(ctx, cfg, job, log)
	if err != nil {
		log.Error().Err(err).Msg("Failed to add torrent")
		msg := "Processing failed: " + err.Error()
		if errors.Is(err, tracker.ErrNoSession) {
			msg = msgNoSession
		}
		return m.fail(ctx, job, msg)
	}

	if err := m.transition(ctx, job, store.StatusSeeding, "Added to "+client.Name()); err != nil {
		return err
	}
	log.Info().Str("hash", job.ClientHash).Str("client", client.Name()).Msg("Torrent added")

	seedCfg, err := seed.FromRecord(job.SeedConfiguration)
	if err == nil {
		if err := client.SetShareLimits(ctx, job.ClientHash, seedCfg.RatioLimit, seedCfg.SeedingTimeLimit()); err != nil {
			log.Warn().Err(err).Msg("Failed to apply share limits")
		}
	}
	return nil
}

// addTorrent downloads the .torrent and hands it to the client, filling in
// the job's hash, provider and seed configuration.
func (m *Manager) addTorrent(ctx context.Context, cfg *config.Config, job *store.Job, log zerolog.Logger) (torrent.Client, error) {
	t, err := m.clients.trackerClient(cfg.Tracker)
	if err != nil {
		return nil, err
	}
	dl, err := t.Download(ctx, job.TorrentID, job.DLHash)
	if err != nil {
		return nil, err
	}
	log.Debug().Str("endpoint", dl.Endpoint).Str("info_hash", dl.Meta.InfoHash).Msg("Downloaded torrent file")

	seedCfg := seed.Build(seed.Policy{
		SeedHours:  cfg.Seeding.TargetHours,
		RatioLimit: ratioLimit(cfg.Seeding.RatioLimit),
	})
	record, err := seedCfg.ToRecord()
	if err != nil {
		return nil, fmt.Errorf("encode seed configuration: %w", err)
	}

	client, err := m.clients.torrentClient(cfg.Client)
	if err != nil {
		return nil, err
	}

	tag := TorrentTag(job.TorrentID)
	res, err := client.Add(ctx, dl.Data, torrent.AddOptions{
		Category:         cfg.Client.Category,
		Tags:             cfg.Client.Tags,
		ExpectedHash:     dl.Meta.InfoHash,
		ExpectedName:     dl.Meta.Name,
		ExpectedTag:      tag,
		RatioLimit:       seedCfg.RatioLimit,
		SeedingTimeLimit: seedCfg.SeedingTimeLimit(),
	})
	if err != nil {
		return nil, err
	}

	hash := res.Hash
	if hash == "" {
		hash = dl.Meta.InfoHash
	}
	if hash == "" {
		return nil, torrent.ErrNoHash
	}

	job.ClientHash = torrent.NormalizeHash(hash)
	job.ClientID = res.ID
	job.Provider = client.Name()
	job.SeedConfiguration = record
	return client, nil
}

func (m *Manager) fail(ctx context.Context, job *store.Job, message string) error {
	return m.transition(ctx, job, store.StatusFailed, message)
}

func ratioLimit(r float64) *float64 {
	if r <= 0 {
		return nil
	}
	return &r
}
