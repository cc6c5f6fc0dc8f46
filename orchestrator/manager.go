// Package orchestrator drives download jobs from the queue through the torrent
// client, seeding retention and post-processing to retirement.
package orchestrator

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/s0up4200/mamlarr/config"
	"github.com/s0up4200/mamlarr/filter"
	"github.com/s0up4200/mamlarr/store"
)

// Deps are the collaborators a Manager needs. Factories default to the real
// backends when nil.
type Deps struct {
	Store    *store.DB
	Settings *config.Provider
	Logger   zerolog.Logger

	NewClient   ClientFactory
	NewTracker  TrackerFactory
	NewPipeline PipelineFactory
	Filters     filter.CachingCompiler
}

// Config holds options fixed for the lifetime of a Manager.
type Config struct {
	// FinalizeWorkers bounds concurrent post-processing runs.
	FinalizeWorkers int
	// FinalizeBacklog is how many finalizations may wait for a worker.
	FinalizeBacklog int
	// FilterCacheSize bounds the compiled candidate filter cache.
	FilterCacheSize int
	// Owner identifies this Manager in finalization leases. Defaults to a fresh uuid.
	Owner           string
	Now             func() time.Time
}

// leaseGrace is added to the post-processing timeout to size a finalization lease.
const leaseGrace = 5 * time.Minute

// Manager owns the job queue, the monitor loop and the finalization pool.
type Manager struct {
	jobs     *store.JobRepository
	requests *store.RequestRepository
	settings *config.Provider
	logger   zerolog.Logger
	clients  *clients
	filters  filter.CachingCompiler
	// filterExpr is the candidate filter the last retry sweep compiled.
	filterExpr string
	now      func() time.Time
	workers  int
	owner    string

	queue      *jobQueue
	finalizeCh chan finalizeTask
	sweeps     *sweepSet

	// ppMu serializes post-processing; jobLocks guard individual jobs.
	ppMu       sync.Mutex
	locksMu    sync.Mutex
	jobLocks   map[string]*sync.Mutex
	finalizing map[string]struct{}

	lifecycleMu sync.Mutex
	cancel      context.CancelFunc
	running     bool
	stopped     bool
	wg          sync.WaitGroup
}

// New wires a Manager. It does not touch the network until Start.
func New(deps Deps, cfg Config) *Manager {
	if deps.NewClient == nil {
		deps.NewClient = NewTorrentClient
	}
	if deps.NewTracker == nil {
		deps.NewTracker = NewTracker
	}
	if deps.NewPipeline == nil {
		deps.NewPipeline = NewPipeline
	}
	if deps.Filters == nil {
		deps.Filters = filter.NewExprCompiler(filter.WithCache(cfg.FilterCacheSize))
	}
	if cfg.FinalizeWorkers < 1 {
		cfg.FinalizeWorkers = 1
	}
	if cfg.FinalizeBacklog < 1 {
		cfg.FinalizeBacklog = 64
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Owner == "" {
		cfg.Owner = uuid.NewString()
	}

	logger := deps.Logger.With().Str("component", "manager").Str("owner", cfg.Owner).Logger()
	return &Manager{
		jobs:     deps.Store.Jobs,
		requests: deps.Store.Requests,
		settings: deps.Settings,
		logger:   logger,
		clients: &clients{
			newClient:   deps.NewClient,
			newTracker:  deps.NewTracker,
			newPipeline: deps.NewPipeline,
			logger:      deps.Logger,
		},
		filters:    deps.Filters,
		now:        cfg.Now,
		workers:    cfg.FinalizeWorkers,
		owner:      cfg.Owner,
		queue:      newJobQueue(),
		finalizeCh: make(chan finalizeTask, cfg.FinalizeBacklog),
		sweeps:     newSweepSet(),
		jobLocks:   make(map[string]*sync.Mutex),
		finalizing: make(map[string]struct{}),
	}
}

// Start checks the download client, re-queues persisted pending jobs and
// launches the queue consumer, monitor loop and finalization dispatcher.
func (m *Manager) Start(ctx context.Context) error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	if m.stopped {
		return ErrStopped
	}
	if m.running {
		return nil
	}

	ctx, m.cancel = context.WithCancel(ctx)
	cfg := m.settings.Current()

	m.checkClient(ctx, cfg)
	if n, err := m.requeuePending(ctx); err != nil {
		m.logger.Warn().Err(err).Msg("Failed to requeue pending jobs")
	} else if n > 0 {
		m.logger.Info().Int("jobs", n).Msg("Requeued pending jobs")
	}

	m.running = true
	m.wg.Add(3)
	go func() {
		defer m.wg.Done()
		m.consume(ctx)
	}()
	go func() {
		defer m.wg.Done()
		m.monitor(ctx)
	}()
	go func() {
		defer m.wg.Done()
		m.dispatch(ctx)
	}()

	m.logger.Info().
		Str("client", cfg.Client.Type).
		Dur("poll_interval", cfg.Monitor.PollInterval).
		Int("finalize_workers", m.workers).
		Msg("Download manager started")
	return nil
}

// Stop cancels background work and waits for it to exit.
func (m *Manager) Stop() {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	m.stopped = true
	if !m.running {
		return
	}
	m.cancel()
	m.wg.Wait()
	m.running = false
	m.logger.Info().Msg("Download manager stopped")
}

// Submit queues a persisted job for processing. Already queued ids are ignored.
func (m *Manager) Submit(ctx context.Context, jobID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.lifecycleMu.Lock()
	stopped := m.stopped
	m.lifecycleMu.Unlock()
	if stopped {
		return ErrStopped
	}

	if m.queue.push(jobID) {
		m.logger.Debug().Str("job_id", jobID).Msg("Job queued")
	}
	return nil
}

func (m *Manager) checkClient(ctx context.Context, cfg *config.Config) {
	client, err := m.clients.torrentClient(cfg.Client)
	if err == nil {
		err = client.TestConnection(ctx)
	}
	if err != nil {
		m.logger.Warn().Err(err).Str("client", cfg.Client.Type).Msg("Download client unavailable, continuing degraded")
		return
	}
	m.logger.Info().Str("client", client.Name()).Msg("Download client connected")
}

// requeuePending submits persisted pending jobs that are not already queued.
func (m *Manager) requeuePending(ctx context.Context) (int, error) {
	pending, err := m.jobs.ListByStatuses(ctx, store.StatusPending)
	if err != nil {
		return 0, err
	}
	queued := 0
	for _, job := range pending {
		if m.queue.push(job.ID) {
			queued++
		}
	}
	return queued, nil
}

func (m *Manager) consume(ctx context.Context) {
	for {
		id, ok := m.queue.pop(ctx)
		if !ok {
			return
		}
		if err := m.supervise("process", id, func() error { return m.processJob(ctx, id) }); err != nil {
			m.logger.Error().Err(err).Str("job_id", id).Msg("Job processing error")
		}
		m.queue.done(id)
	}
}

func (m *Manager) monitor(ctx context.Context) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		cfg := m.settings.Current()
		m.tick(ctx, cfg)
		timer.Reset(cfg.Monitor.PollInterval)
	}
}

// tick runs one poll cycle followed by whichever sweeps are due.
func (m *Manager) tick(ctx context.Context, cfg *config.Config) {
	start := time.Now()
	if err := m.poll(ctx, cfg); err != nil {
		m.logger.Warn().Err(err).Msg("Poll cycle failed")
	}
	PollDuration.Observe(time.Since(start).Seconds())

	if _, err := m.requeuePending(ctx); err != nil {
		m.logger.Warn().Err(err).Msg("Failed to requeue pending jobs")
	}
	m.runSweeps(ctx, cfg)
}

// supervise runs fn, converting a panic into an error.
func (m *Manager) supervise(task, jobID string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().
				Str("task", task).
				Str("job_id", jobID).
				Str("stack", string(debug.Stack())).
				Msgf("Recovered panic: %v", r)
			err = fmt.Errorf("%s panicked: %v", task, r)
		}
	}()
	return fn()
}

// transition moves job to status and persists it.
func (m *Manager) transition(ctx context.Context, job *store.Job, status store.Status, message string) error {
	previous := job.Status
	if err := job.Transition(status, message); err != nil {
		return err
	}
	if err := m.jobs.Save(ctx, job); err != nil {
		return fmt.Errorf("save job %s: %w", job.ID, err)
	}
	if previous != status {
		RecordTransition(string(status))
	}
	return nil
}

// claim takes the cross-process finalization lease on jobID.
func (m *Manager) claim(ctx context.Context, jobID string, cfg *config.Config) (bool, error) {
	now := m.now()
	return m.jobs.Claim(ctx, jobID, m.owner, now, now.Add(cfg.PostProcess.Timeout+leaseGrace))
}

func (m *Manager) release(jobID string) {
	if err := m.jobs.Release(context.Background(), jobID, m.owner); err != nil {
		m.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to release finalization lease")
	}
}

func (m *Manager) lockFor(jobID string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()

	lock, ok := m.jobLocks[jobID]
	if !ok {
		lock = &sync.Mutex{}
		m.jobLocks[jobID] = lock
	}
	return lock
}

// markFinalizing reserves jobID for one finalization. It returns false when
// one is already scheduled or running.
func (m *Manager) markFinalizing(jobID string) bool {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()

	if _, ok := m.finalizing[jobID]; ok {
		return false
	}
	m.finalizing[jobID] = struct{}{}
	return true
}

func (m *Manager) clearFinalizing(jobID string) {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	delete(m.finalizing, jobID)
}

func (m *Manager) isFinalizing(jobID string) bool {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	_, ok := m.finalizing[jobID]
	return ok
}
