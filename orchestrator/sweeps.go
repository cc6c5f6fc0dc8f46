package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/s0up4200/mamlarr/config"
	"github.com/s0up4200/mamlarr/filter"
	"github.com/s0up4200/mamlarr/seed"
	"github.com/s0up4200/mamlarr/store"
	"github.com/s0up4200/mamlarr/torrent"
	"github.com/s0up4200/mamlarr/tracker"
)

const (
	SweepRetry   = "retry"
	SweepOrphan  = "orphan"
	SweepCleanup = "cleanup"
	SweepTemp    = "temp"
)

const msgRetired = "Retired (torrent no longer in client)"

type sweepState struct {
	lastRun time.Time
	running bool
}

// sweepSet tracks when each sweep last ran and whether it is in flight.
type sweepSet struct {
	mu    sync.Mutex
	state map[string]*sweepState
}

func newSweepSet() *sweepSet {
	return &sweepSet{state: make(map[string]*sweepState)}
}

// begin claims a sweep when its interval has elapsed. A non-positive interval disables it.
func (s *sweepSet) begin(name string, interval time.Duration, now time.Time) bool {
	if interval <= 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.state[name]
	if !ok {
		st = &sweepState{}
		s.state[name] = st
	}
	if st.running {
		return false
	}
	if !st.lastRun.IsZero() && now.Sub(st.lastRun) < interval {
		return false
	}
	st.running = true
	return true
}

func (s *sweepSet) end(name string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.state[name]; ok {
		st.running = false
		st.lastRun = now
	}
}

func (m *Manager) runSweeps(ctx context.Context, cfg *config.Config) {
	m.runSweep(ctx, SweepRetry, cfg.Monitor.RetryInterval, func(ctx context.Context) error {
		return m.retrySweep(ctx, cfg)
	})
	m.runSweep(ctx, SweepOrphan, cfg.Monitor.OrphanInterval, func(ctx context.Context) error {
		return m.orphanSweep(ctx, cfg)
	})
	m.runSweep(ctx, SweepCleanup, cfg.Monitor.CleanupInterval, func(ctx context.Context) error {
		return m.cleanupSweep(ctx, cfg)
	})
	m.runSweep(ctx, SweepTemp, cfg.Monitor.TempInterval, func(ctx context.Context) error {
		_, err := m.clients.postProcessor(cfg.PostProcess).SweepTemp(cfg.PostProcess.TempMaxAge)
		return err
	})
}

// runSweep runs fn when the sweep is due. Errors are logged and counted only.
func (m *Manager) runSweep(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) {
	if !m.sweeps.begin(name, interval, m.now()) {
		return
	}
	defer func() {
		now := m.now()
		m.sweeps.end(name, now)
		SweepLastRun.WithLabelValues(name).Set(float64(now.Unix()))
	}()

	err := m.supervise("sweep:"+name, "", func() error { return fn(ctx) })
	RecordSweep(name, err)
	if err != nil {
		m.logger.Warn().Err(err).Str("sweep", name).Msg("Sweep failed")
	}
}

// retrySweep searches the tracker again for requests that had no torrent.
func (m *Manager) retrySweep(ctx context.Context, cfg *config.Config) error {
	if strings.TrimSpace(cfg.Tracker.SessionID) == "" {
		return nil
	}
	cutoff := m.now().Add(-cfg.Monitor.RecheckAfter)
	requests, err := m.requests.ListUnavailableDue(ctx, cutoff, cfg.Monitor.RetryBatch)
	if err != nil {
		return err
	}
	if len(requests) == 0 {
		return nil
	}

	t, err := m.clients.trackerClient(cfg.Tracker)
	if err != nil {
		return err
	}

	candidates, err := m.candidateFilter(cfg)
	if err != nil {
		return err
	}

	for _, request := range requests {
		if err := m.retryRequest(ctx, cfg, t, candidates, request); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			m.logger.Warn().Err(err).Str("request_id", request.ID).Msg("Retry search failed")
			m.touchRequest(ctx, request)
		}
	}
	return nil
}

// candidateFilter compiles monitor.candidate_filter. Cached programs are
// dropped when the expression changes so edits never pile up in the cache.
func (m *Manager) candidateFilter(cfg *config.Config) (filter.Filter, error) {
	expression := strings.TrimSpace(cfg.Monitor.CandidateFilter)
	if expression != m.filterExpr {
		if m.filterExpr != "" {
			m.logger.Debug().Int("cached", m.filters.Size()).Msg("Candidate filter changed, clearing compiled filters")
			m.filters.Clear()
		}
		m.filterExpr = expression
	}
	if expression == "" {
		return nil, nil
	}
	return m.filters.Compile(expression)
}

func (m *Manager) retryRequest(ctx context.Context, cfg *config.Config, t Tracker, candidates filter.Filter, request *store.MediaRequest) error {
	log := m.logger.With().Str("request_id", request.ID).Str("title", request.Title).Logger()

	results, err := t.Search(ctx, SearchQuery(request), cfg.Monitor.SearchLimit)
	if err != nil {
		return err
	}
	best, ok := tracker.Best(filter.Apply(candidates, results))
	if !ok {
		log.Debug().Int("results", len(results)).Msg("Still unavailable on tracker")
		m.touchRequest(ctx, request)
		return nil
	}

	active, err := m.jobs.HasActive(ctx, request.ID, best.ID)
	if err != nil {
		return err
	}
	if active {
		log.Debug().Str("torrent_id", best.ID).Msg("Active job already exists")
		request.Unavailable = false
		m.touchRequest(ctx, request)
		return nil
	}

	title := best.Title
	if title == "" {
		title = request.Title
	}
	job := store.NewJob(request.ID, best.ID, title, request.MediaType)
	job.DLHash = best.DLHash
	job.Message = "Queued via MAM retry"
	if err := m.jobs.Create(ctx, job); err != nil {
		return err
	}
	RecordTransition(string(store.StatusPending))

	request.Unavailable = false
	m.touchRequest(ctx, request)

	log.Info().Str("job_id", job.ID).Str("torrent_id", best.ID).Int("seeders", best.Seeders).Msg("Queued job from retry sweep")
	if err := m.Submit(ctx, job.ID); err != nil && !errors.Is(err, ErrStopped) {
		return err
	}
	return nil
}

// touchRequest records that the request was just checked.
func (m *Manager) touchRequest(ctx context.Context, request *store.MediaRequest) {
	now := m.now().UTC()
	request.LastChecked = &now
	if err := m.requests.Save(ctx, request); err != nil {
		m.logger.Warn().Err(err).Str("request_id", request.ID).Msg("Failed to update request")
	}
}

// SearchQuery is the tracker query for a request: the title followed by its authors.
func SearchQuery(request *store.MediaRequest) string {
	if len(request.Authors) == 0 {
		return request.Title
	}
	return request.Title + " " + strings.Join(request.Authors, ", ")
}

// orphanSweep re-finalizes jobs that were left without a destination, such as
// after a restart mid-processing or a dropped finalization.
func (m *Manager) orphanSweep(ctx context.Context, cfg *config.Config) error {
	jobs, err := m.jobs.ListOrphaned(ctx)
	if err != nil {
		return err
	}

	candidates := make([]*store.Job, 0, len(jobs))
	hashes := make([]string, 0, len(jobs))
	for _, job := range jobs {
		if m.isFinalizing(job.ID) || attemptsExhausted(job, cfg) || m.busy(job.ID) {
			continue
		}
		candidates = append(candidates, job)
		hashes = append(hashes, job.ClientHash)
	}
	if len(candidates) == 0 {
		return nil
	}

	client, err := m.clients.torrentClient(cfg.Client)
	if err != nil {
		return err
	}
	infos, err := client.Torrents(ctx, hashes)
	if err != nil {
		return err
	}

	for _, job := range candidates {
		info, ok := infos[torrent.NormalizeHash(job.ClientHash)]
		if !ok {
			continue
		}
		if job.Status == store.StatusSeeding && !readyToFinalize(job, info) {
			continue
		}
		if m.enqueueFinalize(job.ID, info) {
			m.logger.Info().Str("job_id", job.ID).Str("status", string(job.Status)).Msg("Re-finalizing orphaned job")
		}
	}
	return nil
}

// cleanupSweep retires processed jobs whose torrent disappeared from the client
// after the seeding target was reached.
func (m *Manager) cleanupSweep(ctx context.Context, cfg *config.Config) error {
	jobs, err := m.jobs.ListByStatuses(ctx, store.StatusSeeding)
	if err != nil {
		return err
	}

	var done []*store.Job
	var hashes []string
	for _, job := range jobs {
		if !job.HasDestination() || job.ClientHash == "" {
			continue
		}
		seedCfg, err := seed.FromRecord(job.SeedConfiguration)
		if err != nil {
			seedCfg = seed.Default()
		}
		if meetsTime, _ := seedCfg.Retention(job.SeedSeconds, 0); !meetsTime {
			continue
		}
		done = append(done, job)
		hashes = append(hashes, job.ClientHash)
	}
	if len(done) == 0 {
		return nil
	}

	client, err := m.clients.torrentClient(cfg.Client)
	if err != nil {
		return err
	}
	infos, err := client.Torrents(ctx, hashes)
	if err != nil {
		return err
	}

	for _, job := range done {
		if _, ok := infos[torrent.NormalizeHash(job.ClientHash)]; ok {
			continue
		}
		lock := m.lockFor(job.ID)
		if !lock.TryLock() {
			continue
		}
		err := m.retire(ctx, client, job, msgRetired)
		lock.Unlock()
		if err != nil {
			m.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to retire missing torrent")
			continue
		}
		RetirementsTotal.WithLabelValues("missing").Inc()
	}
	return nil
}

// busy reports whether another goroutine holds the job lock.
func (m *Manager) busy(jobID string) bool {
	lock := m.lockFor(jobID)
	if !lock.TryLock() {
		return true
	}
	lock.Unlock()
	return false
}

func readyToFinalize(job *store.Job, info torrent.Info) bool {
	if job.HasDestination() || !info.IsComplete() {
		return false
	}
	seedCfg, err := seed.FromRecord(job.SeedConfiguration)
	if err != nil {
		seedCfg = seed.Default()
	}
	meetsTime, meetsRatio := seedCfg.Retention(seed.ClampSeedSeconds(job.SeedSeconds, int64(info.SeedingTime.Seconds())), info.Ratio)
	return meetsTime && meetsRatio
}
