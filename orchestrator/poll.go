package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/s0up4200/mamlarr/config"
	"github.com/s0up4200/mamlarr/seed"
	"github.com/s0up4200/mamlarr/store"
	"github.com/s0up4200/mamlarr/torrent"
)

var polledStatuses = []store.Status{store.StatusDownloading, store.StatusSeeding, store.StatusFailed}

// poll reconciles tracked jobs with one client snapshot.
func (m *Manager) poll(ctx context.Context, cfg *config.Config) error {
	jobs, err := m.jobs.ListByStatuses(ctx, polledStatuses...)
	if err != nil {
		return err
	}

	tracked := make([]*store.Job, 0, len(jobs))
	hashes := make([]string, 0, len(jobs))
	for _, job := range jobs {
		if job.ClientHash == "" {
			continue
		}
		tracked = append(tracked, job)
		hashes = append(hashes, job.ClientHash)
	}
	if len(tracked) == 0 {
		return nil
	}

	client, err := m.clients.torrentClient(cfg.Client)
	if err != nil {
		return err
	}
	infos, err := client.Torrents(ctx, hashes)
	if err != nil {
		return fmt.Errorf("fetch torrents from %s: %w", client.Name(), err)
	}

	for _, job := range tracked {
		info, ok := infos[torrent.NormalizeHash(job.ClientHash)]
		if !ok {
			m.logger.Debug().Str("job_id", job.ID).Str("hash", job.ClientHash).Msg("Torrent not reported by client")
			continue
		}

		lock := m.lockFor(job.ID)
		if !lock.TryLock() {
			m.logger.Debug().Str("job_id", job.ID).Msg("Job busy, skipping this cycle")
			continue
		}
		err := m.reconcileFresh(ctx, cfg, client, job, info)
		lock.Unlock()
		switch {
		case errors.Is(err, store.ErrConflict):
			m.logger.Debug().Str("job_id", job.ID).Msg("Job changed during poll, skipping this cycle")
		case err != nil:
			m.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to update job from client")
		}
	}
	return nil
}

// reconcileFresh reloads listed and only reconciles it when nothing wrote the
// job since it was listed. The caller holds the job lock.
func (m *Manager) reconcileFresh(ctx context.Context, cfg *config.Config, client torrent.Client, listed *store.Job, info torrent.Info) error {
	job, err := m.jobs.Get(ctx, listed.ID)
	if err != nil {
		return err
	}
	if job.Version != listed.Version {
		return fmt.Errorf("job %s moved to %s while polling: %w", job.ID, job.Status, store.ErrConflict)
	}
	return m.reconcile(ctx, cfg, client, job, info)
}

// reconcile applies one torrent snapshot to job. The caller holds the job lock.
func (m *Manager) reconcile(ctx context.Context, cfg *config.Config, client torrent.Client, job *store.Job, info torrent.Info) error {
	log := m.logger.With().Str("job_id", job.ID).Str("hash", job.ClientHash).Logger()

	seedCfg, err := seed.FromRecord(job.SeedConfiguration)
	if err != nil {
		log.Warn().Err(err).Msg("Unreadable seed configuration, using defaults")
		seedCfg = seed.Default()
	}

	exhausted := attemptsExhausted(job, cfg)
	if job.Status == store.StatusFailed {
		if exhausted || !info.IsActive() {
			return m.updateSeedSeconds(ctx, job, info)
		}
		log.Info().Str("message", job.Message).Str("state", string(info.State)).Msg("Torrent active in client, restoring failed job to seeding")
		if err := m.transition(ctx, job, store.StatusSeeding, "Recovered: torrent active in client"); err != nil {
			return err
		}
	}

	job.SeedSeconds = seed.ClampSeedSeconds(job.SeedSeconds, int64(info.SeedingTime.Seconds()))
	complete := info.IsComplete()

	status, message := job.Status, job.Message
	if !job.HasDestination() {
		switch {
		case complete && job.Status == store.StatusDownloading:
			status, message = store.StatusSeeding, "Download complete, seeding"
		case !complete && info.State == torrent.StateDownloading && job.Status == store.StatusSeeding:
			status, message = store.StatusDownloading, "Downloading"
		}
	}

	m.resumeIfPaused(ctx, client, info, log)

	retained := seedCfg.Satisfied(job.SeedSeconds, info.Ratio)

	switch {
	case complete && retained && !job.HasDestination() && !exhausted:
		if m.isFinalizing(job.ID) {
			return m.saveStatus(ctx, job, status, message)
		}
		if err := m.transition(ctx, job, store.StatusProcessing, "Download complete, starting processing"); err != nil {
			return err
		}
		m.enqueueFinalize(job.ID, info)
		return nil

	case job.Status == store.StatusSeeding && job.HasDestination() && retained:
		if err := m.retire(ctx, client, job, fmt.Sprintf("Completed (seeded %s)", formatSeedTime(job.SeedSeconds))); err != nil {
			log.Warn().Err(err).Msg("Failed to remove torrent, will retry next cycle")
			return m.jobs.Save(ctx, job)
		}
		RetirementsTotal.WithLabelValues("retention_met").Inc()
		return nil
	}

	return m.saveStatus(ctx, job, status, message)
}

func (m *Manager) saveStatus(ctx context.Context, job *store.Job, status store.Status, message string) error {
	if status != job.Status {
		return m.transition(ctx, job, status, message)
	}
	return m.jobs.Save(ctx, job)
}

func (m *Manager) updateSeedSeconds(ctx context.Context, job *store.Job, info torrent.Info) error {
	next := seed.ClampSeedSeconds(job.SeedSeconds, int64(info.SeedingTime.Seconds()))
	if next == job.SeedSeconds {
		return nil
	}
	job.SeedSeconds = next
	return m.jobs.Save(ctx, job)
}

// resumeIfPaused restarts stopped torrents. Finished torrents are force-started
// on qBittorrent so a full queue cannot hold back seeding.
func (m *Manager) resumeIfPaused(ctx context.Context, client torrent.Client, info torrent.Info, log zerolog.Logger) {
	if !info.IsPaused() {
		return
	}
	force := info.State == torrent.StatePausedSeed && client.Name() == config.ClientQBittorrent
	if err := client.Start(ctx, info.Hash, force); err != nil {
		log.Warn().Err(err).Bool("force", force).Msg("Failed to resume torrent")
		return
	}
	log.Info().Str("state", string(info.State)).Bool("force", force).Msg("Resumed paused torrent")
}

// retire removes the torrent and only then marks the job completed.
func (m *Manager) retire(ctx context.Context, client torrent.Client, job *store.Job, message string) error {
	if err := client.Remove(ctx, job.ClientHash, false); err != nil {
		return err
	}
	now := m.now().UTC()
	job.CompletedAt = &now
	if err := m.transition(ctx, job, store.StatusCompleted, message); err != nil {
		return err
	}
	m.logger.Info().Str("job_id", job.ID).Str("hash", job.ClientHash).Int64("seed_seconds", job.SeedSeconds).Msg("Torrent retired")
	return nil
}

// attemptsExhausted reports whether bounded post-processing retry gave up on job.
func attemptsExhausted(job *store.Job, cfg *config.Config) bool {
	limit := cfg.PostProcess.MaxAttempts
	return limit > 0 && job.Attempts >= limit
}

func formatSeedTime(seconds int64) string {
	hours := float64(seconds) / 3600
	if hours >= 1 {
		return fmt.Sprintf("%.1fh", hours)
	}
	return fmt.Sprintf("%dm", seconds/60)
}
