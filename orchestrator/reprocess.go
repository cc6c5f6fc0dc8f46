package orchestrator

import (
	"context"
	"errors"

	"github.com/s0up4200/mamlarr/store"
	"github.com/s0up4200/mamlarr/torrent"
)

// Reprocess retries a job by hand. Jobs that never reached the client, or
// whose torrent is gone, are queued for download again; otherwise
// post-processing runs immediately. It returns false for an unknown job.
func (m *Manager) Reprocess(ctx context.Context, jobID string) (bool, error) {
	if _, err := m.jobs.Get(ctx, jobID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, err
	}

	claimed, err := m.claim(ctx, jobID, m.settings.Current())
	if err != nil {
		return true, err
	}
	if !claimed {
		return true, ErrJobBusy
	}
	defer m.release(jobID)

	lock := m.lockFor(jobID)
	lock.Lock()
	job, err := m.jobs.Get(ctx, jobID)
	var (
		info    torrent.Info
		requeue bool
	)
	if err == nil {
		info, requeue, err = m.prepareReprocess(ctx, job)
	}
	lock.Unlock()
	if err != nil {
		return true, err
	}

	if requeue {
		if err := m.Submit(ctx, job.ID); err != nil && !errors.Is(err, ErrStopped) {
			return true, err
		}
		return true, nil
	}
	return true, m.finalize(ctx, job.ID, info)
}

func (m *Manager) prepareReprocess(ctx context.Context, job *store.Job) (torrent.Info, bool, error) {
	job.ResetForReprocess()
	log := m.logger.With().Str("job_id", job.ID).Logger()

	if job.ClientHash == "" {
		log.Info().Msg("Reprocess: no torrent registered, retrying download")
		return torrent.Info{}, true, m.transition(ctx, job, store.StatusPending, "Retrying download")
	}

	cfg := m.settings.Current()
	client, err := m.clients.torrentClient(cfg.Client)
	if err != nil {
		return torrent.Info{}, false, err
	}
	infos, err := client.Torrents(ctx, []string{job.ClientHash})
	if err != nil {
		return torrent.Info{}, false, err
	}
	info, ok := infos[torrent.NormalizeHash(job.ClientHash)]
	if !ok {
		log.Info().Str("hash", job.ClientHash).Msg("Reprocess: torrent missing from client, retrying download")
		job.ClientHash = ""
		job.ClientID = ""
		return torrent.Info{}, true, m.transition(ctx, job, store.StatusPending, "Retrying download (torrent missing)")
	}

	log.Info().Msg("Reprocess: retrying post-processing")
	return info, false, m.transition(ctx, job, store.StatusProcessing, "Retrying post-processing")
}
