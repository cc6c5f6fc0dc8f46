package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/s0up4200/mamlarr/config"
	"github.com/s0up4200/mamlarr/postprocess"
	"github.com/s0up4200/mamlarr/store"
	"github.com/s0up4200/mamlarr/torrent"
)

type finalizeTask struct {
	jobID string
	info  torrent.Info
}

// enqueueFinalize hands a job to the finalization pool. A full backlog drops
// the task; the orphan sweep picks the job up later.
func (m *Manager) enqueueFinalize(jobID string, info torrent.Info) bool {
	if !m.markFinalizing(jobID) {
		return false
	}
	select {
	case m.finalizeCh <- finalizeTask{jobID: jobID, info: info}:
		return true
	default:
		m.clearFinalizing(jobID)
		m.logger.Warn().Str("job_id", jobID).Msg("Finalization backlog full, deferring to orphan sweep")
		return false
	}
}

// dispatch feeds queued finalizations into a bounded errgroup.
func (m *Manager) dispatch(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.workers)

	for {
		select {
		case <-ctx.Done():
			_ = g.Wait()
			return
		case task := <-m.finalizeCh:
			g.Go(func() error {
				defer m.clearFinalizing(task.jobID)
				err := m.supervise("finalize", task.jobID, func() error {
					return m.finalize(gctx, task.jobID, task.info)
				})
				if err != nil {
					m.logger.Error().Err(err).Str("job_id", task.jobID).Msg("Finalization error")
				}
				return nil
			})
		}
	}
}

// finalize runs post-processing for one job. Pipeline failures are recorded
// on the job; the returned error covers store and lookup failures.
func (m *Manager) finalize(ctx context.Context, jobID string, info torrent.Info) error {
	m.ppMu.Lock()
	defer m.ppMu.Unlock()

	lock := m.lockFor(jobID)
	lock.Lock()
	defer lock.Unlock()

	cfg := m.settings.Current()
	claimed, err := m.claim(ctx, jobID, cfg)
	if err != nil {
		return err
	}
	if !claimed {
		m.logger.Info().Str("job_id", jobID).Msg("Finalization lease held elsewhere, skipping")
		return nil
	}
	defer m.release(jobID)

	job, err := m.jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}
	log := m.logger.With().Str("job_id", job.ID).Str("hash", job.ClientHash).Logger()

	if job.HasDestination() {
		log.Debug().Str("destination", job.DestinationPath).Msg("Job already processed")
		if job.Status == store.StatusProcessing {
			return m.transition(ctx, job, store.StatusSeeding, "Processed -> "+job.DestinationPath)
		}
		return nil
	}

	if job.Status != store.StatusProcessing {
		if err := m.transition(ctx, job, store.StatusProcessing, "Post-processing"); err != nil {
			return err
		}
	}

	start := time.Now()
	dest, runErr := m.runPipeline(ctx, cfg, job, info)
	duration := time.Since(start)

	// Record the outcome even when shutdown cancelled the pipeline.
	saveCtx := context.WithoutCancel(ctx)

	if runErr != nil {
		RecordFinalization("failure", duration)
		job.Attempts++
		if attemptsExhausted(job, cfg) {
			log.Error().Err(runErr).Int("attempts", job.Attempts).Msg("Post-processing gave up")
			return m.fail(saveCtx, job, fmt.Sprintf("Post-processing gave up after %d attempts: %v", job.Attempts, runErr))
		}
		log.Error().Err(runErr).Int("attempts", job.Attempts).Msg("Post-processing failed")
		return m.transition(saveCtx, job, store.StatusSeeding, "Post-processing failed: "+runErr.Error())
	}

	RecordFinalization("success", duration)
	if err := job.SetDestination(dest); err != nil {
		return err
	}
	if err := m.transition(saveCtx, job, store.StatusSeeding, "Processed -> "+dest); err != nil {
		return err
	}
	log.Info().Str("destination", dest).Dur("duration", duration).Msg("Post-processing complete")
	return nil
}

func (m *Manager) runPipeline(ctx context.Context, cfg *config.Config, job *store.Job, info torrent.Info) (string, error) {
	meta, err := m.metadataFor(ctx, job)
	if err != nil {
		return "", err
	}

	client, err := m.clients.torrentClient(cfg.Client)
	if err != nil {
		m.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Download client unavailable, using stored snapshot")
		client = nil
	}
	snap, err := m.prepareSnapshot(ctx, cfg, client, job, info)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.PostProcess.Timeout)
	defer cancel()

	pipeline := m.clients.postProcessor(cfg.PostProcess)
	dest, err := pipeline.Process(ctx, postprocess.Job{ID: job.ID, MediaType: job.MediaType}, meta, snap)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("timed out after %s: %w", cfg.PostProcess.Timeout, err)
	}
	return dest, err
}

func (m *Manager) metadataFor(ctx context.Context, job *store.Job) (postprocess.Metadata, error) {
	if job.RequestID == "" {
		return postprocess.Metadata{Title: job.Title}, nil
	}
	request, err := m.requests.Get(ctx, job.RequestID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return postprocess.Metadata{}, ErrMissingRequest
		}
		return postprocess.Metadata{}, err
	}
	return postprocess.MetadataFromRequest(request), nil
}

// prepareSnapshot maps the client's view of the torrent onto the local filesystem.
func (m *Manager) prepareSnapshot(ctx context.Context, cfg *config.Config, client torrent.Client, job *store.Job, info torrent.Info) (postprocess.Snapshot, error) {
	dir := info.DownloadDir
	if dir == "" && info.ContentPath != "" {
		dir = path.Dir(info.ContentPath)
	}
	mapped := RemapPath(dir, cfg.Client.RemotePathPrefix, cfg.Client.LocalPathPrefix)
	if mapped != dir {
		m.logger.Info().Str("job_id", job.ID).Str("remote", dir).Str("local", mapped).Msg("Mapped remote path")
	}
	if mapped == "" {
		return postprocess.Snapshot{}, fmt.Errorf("%w; set client.remote_path_prefix and client.local_path_prefix", ErrNoDownloadDir)
	}

	snap := postprocess.SnapshotFromInfo(info)
	snap.DownloadDir = mapped
	if len(snap.Files) == 0 && client != nil {
		files, err := client.Files(ctx, job.ClientHash)
		if err != nil {
			m.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Unable to fetch torrent file list")
		} else {
			snap.Files = files
		}
	}
	return snap, nil
}

// RemapPath rewrites a client-side path under remote to the same path under
// local. Trailing slashes on both prefixes are ignored.
func RemapPath(p, remote, local string) string {
	remote = strings.TrimRight(remote, "/")
	local = strings.TrimRight(local, "/")
	if p == "" || remote == "" || local == "" {
		return p
	}
	if p == remote || strings.HasPrefix(p, remote+"/") {
		return local + p[len(remote):]
	}
	return p
}
