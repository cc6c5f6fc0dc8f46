package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/s0up4200/mamlarr/config"
	"github.com/s0up4200/mamlarr/filter"
	"github.com/s0up4200/mamlarr/postprocess"
	"github.com/s0up4200/mamlarr/seed"
	"github.com/s0up4200/mamlarr/store"
	"github.com/s0up4200/mamlarr/torrent"
	"github.com/s0up4200/mamlarr/tracker"
)

const testHash = "abcdef0123456789abcdef0123456789abcdef01"

type startCall struct {
	hash  string
	force bool
}

type fakeClient struct {
	mu        sync.Mutex
	name      string
	torrents  map[string]torrent.Info
	files     []torrent.File
	addResult torrent.AddResult
	addErr    error
	removeErr error
	torrErr   error

	// onTorrents runs once, before the next Torrents call answers.
	onTorrents func()

	added   []torrent.AddOptions
	removed []string
	started []startCall
	limits  int
}

func newFakeClient(name string) *fakeClient {
	return &fakeClient{name: name, torrents: map[string]torrent.Info{}}
}

func (f *fakeClient) Name() string { return f.name }

func (f *fakeClient) Add(_ context.Context, _ []byte, opts torrent.AddOptions) (torrent.AddResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added = append(f.added, opts)
	return f.addResult, f.addErr
}

func (f *fakeClient) Torrents(_ context.Context, hashes []string) (map[string]torrent.Info, error) {
	f.mu.Lock()
	hook := f.onTorrents
	f.onTorrents = nil
	f.mu.Unlock()
	if hook != nil {
		hook()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.torrErr != nil {
		return nil, f.torrErr
	}
	out := make(map[string]torrent.Info)
	for _, h := range hashes {
		if info, ok := f.torrents[torrent.NormalizeHash(h)]; ok {
			out[torrent.NormalizeHash(h)] = info
		}
	}
	return out, nil
}

func (f *fakeClient) Files(context.Context, string) ([]torrent.File, error) {
	return f.files, nil
}

func (f *fakeClient) Remove(_ context.Context, hash string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.removeErr != nil {
		return f.removeErr
	}
	f.removed = append(f.removed, hash)
	delete(f.torrents, hash)
	return nil
}

func (f *fakeClient) SetShareLimits(context.Context, string, *float64, *time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.limits++
	return nil
}

func (f *fakeClient) Start(_ context.Context, hash string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, startCall{hash: hash, force: force})
	return nil
}

func (f *fakeClient) TestConnection(context.Context) error { return nil }

type fakeTracker struct {
	download    *tracker.Download
	downloadErr error
	results     []tracker.Result
	searchErr   error
	queries     []string
}

func (f *fakeTracker) Search(_ context.Context, query string, _ int) ([]tracker.Result, error) {
	f.queries = append(f.queries, query)
	return f.results, f.searchErr
}

func (f *fakeTracker) Download(context.Context, string, string) (*tracker.Download, error) {
	return f.download, f.downloadErr
}

type fakePipeline struct {
	mu    sync.Mutex
	dest  string
	err   error
	snaps []postprocess.Snapshot
	metas []postprocess.Metadata
	swept int

	// onProcess runs before every Process call records its arguments.
	onProcess func()
}

func (f *fakePipeline) Process(_ context.Context, _ postprocess.Job, meta postprocess.Metadata, snap postprocess.Snapshot) (string, error) {
	if f.onProcess != nil {
		f.onProcess()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snaps = append(f.snaps, snap)
	f.metas = append(f.metas, meta)
	return f.dest, f.err
}

func (f *fakePipeline) SweepTemp(time.Duration) (int, error) {
	f.swept++
	return 0, nil
}

type harness struct {
	m        *Manager
	db       *store.DB
	cfg      *config.Config
	client   *fakeClient
	tracker  *fakeTracker
	pipeline *fakePipeline
	now      time.Time
}

func testConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Tracker.SessionID = "session"
	cfg.Client.Type = config.ClientQBittorrent
	cfg.Client.Category = "audiobooks"
	cfg.Seeding.TargetHours = 1
	cfg.PostProcess.MaxAttempts = 3
	return cfg
}

func newHarness(t *testing.T, cfg *config.Config) *harness {
	t.Helper()

	db, err := store.OpenDB(context.Background(), filepath.Join(t.TempDir(), "mamlarr.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	h := &harness{
		db:       db,
		cfg:      cfg,
		client:   newFakeClient(config.ClientQBittorrent),
		tracker:  &fakeTracker{},
		pipeline: &fakePipeline{dest: "/library/Author/Title/Title.m4b"},
		now:      time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	h.m = h.peer("")
	return h
}

// peer builds another manager over the same database and fakes, standing in
// for a second mamlarr process. An empty owner gets a generated one.
func (h *harness) peer(owner string) *Manager {
	return New(Deps{
		Store:    h.db,
		Settings: config.Static(h.cfg),
		Logger:   zerolog.Nop(),
		NewClient: func(config.ClientConfig, zerolog.Logger) (torrent.Client, error) {
			return h.client, nil
		},
		NewTracker: func(config.TrackerConfig, zerolog.Logger) (Tracker, error) {
			return h.tracker, nil
		},
		NewPipeline: func(config.PostProcessConfig, zerolog.Logger) Pipeline {
			return h.pipeline
		},
	}, Config{Now: func() time.Time { return h.now }, Owner: owner})
}

func (h *harness) request(t *testing.T) *store.MediaRequest {
	t.Helper()
	req := store.NewMediaRequest("The Hobbit", []string{"J.R.R. Tolkien"}, store.MediaAudiobook)
	req.Narrators = []string{"Andy Serkis"}
	require.NoError(t, h.db.Requests.Create(context.Background(), req))
	return req
}

// seedingJob stores a job already handed to the client.
func (h *harness) seedingJob(t *testing.T, requestID string, mutate func(*store.Job)) *store.Job {
	t.Helper()
	job := store.NewJob(requestID, "12345", "The Hobbit", store.MediaAudiobook)
	job.Status = store.StatusSeeding
	job.ClientHash = testHash
	job.Provider = config.ClientQBittorrent
	record, err := seed.Build(seed.Policy{SeedHours: 1}).ToRecord()
	require.NoError(t, err)
	job.SeedConfiguration = record
	if mutate != nil {
		mutate(job)
	}
	require.NoError(t, h.db.Jobs.Create(context.Background(), job))
	return job
}

func (h *harness) job(t *testing.T, id string) *store.Job {
	t.Helper()
	job, err := h.db.Jobs.Get(context.Background(), id)
	require.NoError(t, err)
	return job
}

// drainFinalize runs queued finalizations inline.
func (h *harness) drainFinalize(t *testing.T) int {
	t.Helper()
	return drain(t, h.m)
}

func drain(t *testing.T, m *Manager) int {
	t.Helper()
	n := 0
	for {
		select {
		case task := <-m.finalizeCh:
			require.NoError(t, m.finalize(context.Background(), task.jobID, task.info))
			m.clearFinalizing(task.jobID)
			n++
		default:
			return n
		}
	}
}

func completeInfo(seeding time.Duration) torrent.Info {
	return torrent.Info{
		Hash:        testHash,
		Name:        "The Hobbit",
		State:       torrent.StateSeeding,
		Progress:    1,
		LeftKnown:   true,
		SeedingTime: seeding,
		Ratio:       1.2,
		DownloadDir: "/downloads/books",
	}
}

func TestProcessJobAddsTorrent(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	req := h.request(t)
	job := store.NewJob(req.ID, "12345", "The Hobbit", store.MediaAudiobook)
	require.NoError(t, h.db.Jobs.Create(ctx, job))

	h.tracker.download = &tracker.Download{
		Data: []byte("d4:infod4:name6:Hobbitee"),
		Meta: tracker.Metainfo{InfoHash: testHash, Name: "The Hobbit"},
	}
	h.client.addResult = torrent.AddResult{Hash: "ABCDEF0123456789ABCDEF0123456789ABCDEF01"}

	require.NoError(t, h.m.processJob(ctx, job.ID))

	got := h.job(t, job.ID)
	assert.Equal(t, store.StatusSeeding, got.Status)
	assert.Equal(t, "Added to qbittorrent", got.Message)
	assert.Equal(t, testHash, got.ClientHash)
	assert.Equal(t, config.ClientQBittorrent, got.Provider)

	seedCfg, err := seed.FromRecord(got.SeedConfiguration)
	require.NoError(t, err)
	assert.Equal(t, int64(3600), seedCfg.RequiredSeedSeconds)
	assert.Nil(t, seedCfg.RatioLimit)

	require.Len(t, h.client.added, 1)
	opts := h.client.added[0]
	assert.Equal(t, "audiobooks", opts.Category)
	assert.NotContains(t, opts.Tags, "mamid=12345")
	assert.Equal(t, "mamid=12345", opts.ExpectedTag)
	assert.Equal(t, testHash, opts.ExpectedHash)
	require.NotNil(t, opts.SeedingTimeLimit)
	assert.Equal(t, time.Hour, *opts.SeedingTimeLimit)
	assert.Equal(t, 1, h.client.limits)
}

func TestProcessJobFailures(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(h *harness)
		message string
	}{
		{
			name:    "no session",
			setup:   func(h *harness) { h.cfg.Tracker.SessionID = "" },
			message: "MAM session ID not configured",
		},
		{
			name:    "tracker auth",
			setup:   func(h *harness) { h.tracker.downloadErr = tracker.ErrAuthentication },
			message: "Processing failed: " + tracker.ErrAuthentication.Error(),
		},
		{
			name: "client rejects",
			setup: func(h *harness) {
				h.tracker.download = &tracker.Download{Meta: tracker.Metainfo{InfoHash: testHash}}
				h.client.addErr = errors.New("connection refused")
			},
			message: "Processing failed: connection refused",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, testConfig())
			ctx := context.Background()
			req := h.request(t)
			job := store.NewJob(req.ID, "12345", "The Hobbit", store.MediaAudiobook)
			require.NoError(t, h.db.Jobs.Create(ctx, job))
			tt.setup(h)

			require.NoError(t, h.m.processJob(ctx, job.ID))

			got := h.job(t, job.ID)
			assert.Equal(t, store.StatusFailed, got.Status)
			assert.Equal(t, tt.message, got.Message)
		})
	}
}

func TestProcessJobMissingRequest(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	_, err := h.db.SQL.ExecContext(ctx, `PRAGMA foreign_keys = OFF`)
	require.NoError(t, err)

	job := store.NewJob("gone", "12345", "The Hobbit", store.MediaAudiobook)
	require.NoError(t, h.db.Jobs.Create(ctx, job))

	require.NoError(t, h.m.processJob(ctx, job.ID))
	got := h.job(t, job.ID)
	assert.Equal(t, store.StatusFailed, got.Status)
	assert.Equal(t, "Download job missing linked request", got.Message)
}

func TestProcessManualJobWithoutRequest(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	job := store.NewJob("", "999", "Manual Upload", store.MediaEbook)
	require.NoError(t, h.db.Jobs.Create(ctx, job))
	h.tracker.download = &tracker.Download{Meta: tracker.Metainfo{InfoHash: testHash}}

	require.NoError(t, h.m.processJob(ctx, job.ID))
	got := h.job(t, job.ID)
	assert.Equal(t, store.StatusSeeding, got.Status)
	assert.Equal(t, testHash, got.ClientHash)
}

func TestPollHappyPath(t *testing.T) {
	cfg := testConfig()
	cfg.Client.RemotePathPrefix = "/downloads/"
	cfg.Client.LocalPathPrefix = "/mnt/media"
	h := newHarness(t, cfg)
	ctx := context.Background()

	req := h.request(t)
	job := h.seedingJob(t, req.ID, nil)
	h.client.torrents[testHash] = completeInfo(2 * time.Hour)
	h.client.files = []torrent.File{{Path: "The Hobbit/01.mp3"}}

	require.NoError(t, h.m.poll(ctx, cfg))
	assert.Equal(t, store.StatusProcessing, h.job(t, job.ID).Status)

	require.Equal(t, 1, h.drainFinalize(t))

	got := h.job(t, job.ID)
	assert.Equal(t, store.StatusSeeding, got.Status)
	assert.Equal(t, h.pipeline.dest, got.DestinationPath)
	assert.Equal(t, "Processed -> "+h.pipeline.dest, got.Message)
	assert.Equal(t, int64(7200), got.SeedSeconds)

	require.Len(t, h.pipeline.snaps, 1)
	assert.Equal(t, "/mnt/media/books", h.pipeline.snaps[0].DownloadDir)
	assert.Equal(t, h.client.files, h.pipeline.snaps[0].Files)
	assert.Equal(t, "The Hobbit", h.pipeline.metas[0].Title)
	assert.Equal(t, []string{"Andy Serkis"}, h.pipeline.metas[0].Narrators)

	// Next cycle retires the processed torrent.
	require.NoError(t, h.m.poll(ctx, cfg))
	got = h.job(t, job.ID)
	assert.Equal(t, store.StatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, []string{testHash}, h.client.removed)
}

func TestPollWaitsForRetention(t *testing.T) {
	cfg := testConfig()
	h := newHarness(t, cfg)
	ctx := context.Background()

	job := h.seedingJob(t, h.request(t).ID, nil)
	h.client.torrents[testHash] = completeInfo(30 * time.Minute)

	require.NoError(t, h.m.poll(ctx, cfg))

	got := h.job(t, job.ID)
	assert.Equal(t, store.StatusSeeding, got.Status)
	assert.Equal(t, int64(1800), got.SeedSeconds)
	assert.Zero(t, h.drainFinalize(t))
}

func TestSeedSecondsNeverDecrease(t *testing.T) {
	cfg := testConfig()
	cfg.Seeding.TargetHours = 72
	h := newHarness(t, cfg)
	ctx := context.Background()

	job := h.seedingJob(t, h.request(t).ID, func(j *store.Job) {
		j.SeedSeconds = 7200
		record, _ := seed.Build(seed.Policy{SeedHours: 72}).ToRecord()
		j.SeedConfiguration = record
	})

	info := completeInfo(10 * time.Second)
	h.client.torrents[testHash] = info
	require.NoError(t, h.m.poll(ctx, cfg))
	assert.Equal(t, int64(7200), h.job(t, job.ID).SeedSeconds)

	info.SeedingTime = 3 * time.Hour
	h.client.torrents[testHash] = info
	require.NoError(t, h.m.poll(ctx, cfg))
	assert.Equal(t, int64(10800), h.job(t, job.ID).SeedSeconds)
}

func TestFailedButAliveRecovers(t *testing.T) {
	cfg := testConfig()
	cfg.Seeding.TargetHours = 72
	h := newHarness(t, cfg)
	ctx := context.Background()

	alive := h.seedingJob(t, h.request(t).ID, func(j *store.Job) {
		j.Status = store.StatusFailed
		j.Message = "Processing failed: timeout"
	})
	h.client.torrents[testHash] = completeInfo(time.Hour)

	require.NoError(t, h.m.poll(ctx, cfg))
	got := h.job(t, alive.ID)
	assert.Equal(t, store.StatusSeeding, got.Status)
	assert.Equal(t, int64(3600), got.SeedSeconds)
}

func TestExhaustedJobStaysFailed(t *testing.T) {
	cfg := testConfig()
	h := newHarness(t, cfg)
	ctx := context.Background()

	job := h.seedingJob(t, h.request(t).ID, func(j *store.Job) {
		j.Status = store.StatusFailed
		j.Attempts = cfg.PostProcess.MaxAttempts
		j.Message = "Post-processing gave up after 3 attempts: boom"
	})
	h.client.torrents[testHash] = completeInfo(2 * time.Hour)

	require.NoError(t, h.m.poll(ctx, cfg))
	got := h.job(t, job.ID)
	assert.Equal(t, store.StatusFailed, got.Status)
	assert.Equal(t, int64(7200), got.SeedSeconds)
	assert.Zero(t, h.drainFinalize(t))
}

func TestRetirementRequiresRemoval(t *testing.T) {
	cfg := testConfig()
	h := newHarness(t, cfg)
	ctx := context.Background()

	job := h.seedingJob(t, h.request(t).ID, func(j *store.Job) {
		j.DestinationPath = "/library/Tolkien/The Hobbit/The Hobbit.m4b"
	})
	h.client.torrents[testHash] = completeInfo(2 * time.Hour)
	h.client.removeErr = errors.New("webui unreachable")

	require.NoError(t, h.m.poll(ctx, cfg))
	got := h.job(t, job.ID)
	assert.Equal(t, store.StatusSeeding, got.Status)
	assert.Nil(t, got.CompletedAt)

	h.client.removeErr = nil
	require.NoError(t, h.m.poll(ctx, cfg))
	got = h.job(t, job.ID)
	assert.Equal(t, store.StatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
	assert.True(t, got.CompletedAt.Equal(h.now))
}

func TestPollSkipsLockedJob(t *testing.T) {
	cfg := testConfig()
	h := newHarness(t, cfg)
	ctx := context.Background()

	job := h.seedingJob(t, h.request(t).ID, func(j *store.Job) {
		j.DestinationPath = "/library/x.m4b"
	})
	h.client.torrents[testHash] = completeInfo(2 * time.Hour)

	lock := h.m.lockFor(job.ID)
	lock.Lock()
	require.NoError(t, h.m.poll(ctx, cfg))
	lock.Unlock()

	assert.Equal(t, store.StatusSeeding, h.job(t, job.ID).Status)
	assert.Empty(t, h.client.removed)
}

func TestResumePausedTorrent(t *testing.T) {
	tests := []struct {
		name   string
		client string
		state  torrent.State
		force  bool
	}{
		{"qbittorrent seed is forced", config.ClientQBittorrent, torrent.StatePausedSeed, true},
		{"transmission seed is resumed", config.ClientTransmission, torrent.StatePausedSeed, false},
		{"paused download is resumed", config.ClientQBittorrent, torrent.StatePausedDownload, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.Seeding.TargetHours = 72
			h := newHarness(t, cfg)
			h.client.name = tt.client
			h.seedingJob(t, h.request(t).ID, nil)

			info := completeInfo(time.Hour)
			info.State = tt.state
			if tt.state == torrent.StatePausedDownload {
				info.Progress = 0.5
				info.LeftUntilDone = 100
			}
			h.client.torrents[testHash] = info

			require.NoError(t, h.m.poll(context.Background(), cfg))
			require.Len(t, h.client.started, 1)
			assert.Equal(t, tt.force, h.client.started[0].force)
		})
	}
}

func TestPostProcessingFailureKeepsSeeding(t *testing.T) {
	cfg := testConfig()
	cfg.PostProcess.MaxAttempts = 2
	h := newHarness(t, cfg)
	ctx := context.Background()

	job := h.seedingJob(t, h.request(t).ID, nil)
	h.client.torrents[testHash] = completeInfo(2 * time.Hour)
	h.pipeline.err = errors.New("no media found")

	require.NoError(t, h.m.poll(ctx, cfg))
	require.Equal(t, 1, h.drainFinalize(t))

	got := h.job(t, job.ID)
	assert.Equal(t, store.StatusSeeding, got.Status)
	assert.Equal(t, "Post-processing failed: no media found", got.Message)
	assert.Equal(t, 1, got.Attempts)
	assert.Empty(t, got.DestinationPath)

	require.NoError(t, h.m.poll(ctx, cfg))
	require.Equal(t, 1, h.drainFinalize(t))

	got = h.job(t, job.ID)
	assert.Equal(t, store.StatusFailed, got.Status)
	assert.Equal(t, "Post-processing gave up after 2 attempts: no media found", got.Message)
}

func TestFinalizeWithDestinationIsNoop(t *testing.T) {
	cfg := testConfig()
	h := newHarness(t, cfg)

	job := h.seedingJob(t, h.request(t).ID, func(j *store.Job) {
		j.DestinationPath = "/library/existing.m4b"
	})

	require.NoError(t, h.m.finalize(context.Background(), job.ID, completeInfo(2*time.Hour)))
	assert.Empty(t, h.pipeline.snaps)
	assert.Equal(t, "/library/existing.m4b", h.job(t, job.ID).DestinationPath)
}

func TestFinalizeWithoutDownloadDir(t *testing.T) {
	cfg := testConfig()
	h := newHarness(t, cfg)

	job := h.seedingJob(t, h.request(t).ID, nil)
	info := completeInfo(2 * time.Hour)
	info.DownloadDir = ""

	require.NoError(t, h.m.finalize(context.Background(), job.ID, info))
	got := h.job(t, job.ID)
	assert.Equal(t, store.StatusSeeding, got.Status)
	assert.Contains(t, got.Message, "no download path reported")
	assert.Empty(t, h.pipeline.snaps)
}

func TestRemapPath(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		remote string
		local  string
		want   string
	}{
		{"prefix replaced", "/downloads/books/x", "/downloads", "/mnt/media", "/mnt/media/books/x"},
		{"trailing slashes stripped", "/downloads/books", "/downloads/", "/mnt/media/", "/mnt/media/books"},
		{"exact match", "/downloads", "/downloads", "/data", "/data"},
		{"partial segment untouched", "/downloads2/books", "/downloads", "/data", "/downloads2/books"},
		{"no mapping", "/downloads/books", "", "", "/downloads/books"},
		{"other root", "/srv/books", "/downloads", "/data", "/srv/books"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RemapPath(tt.path, tt.remote, tt.local))
		})
	}
}

func TestRetrySweep(t *testing.T) {
	cfg := testConfig()
	h := newHarness(t, cfg)
	ctx := context.Background()

	req := h.request(t)
	req.Unavailable = true
	require.NoError(t, h.db.Requests.Save(ctx, req))

	h.tracker.results = []tracker.Result{
		{ID: "1", Title: "The Hobbit (weak)", Seeders: 2, Peers: 3, Size: 100},
		{ID: "2", Title: "The Hobbit", DLHash: "dlhash", Seeders: 20, Peers: 25, Size: 500},
	}

	require.NoError(t, h.m.retrySweep(ctx, cfg))

	assert.Equal(t, []string{"The Hobbit J.R.R. Tolkien"}, h.tracker.queries)

	jobs, err := h.db.Jobs.ListByStatuses(ctx, store.StatusPending)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "2", jobs[0].TorrentID)
	assert.Equal(t, "dlhash", jobs[0].DLHash)
	assert.Equal(t, "Queued via MAM retry", jobs[0].Message)
	assert.Equal(t, 1, h.m.queue.len())

	stored, err := h.db.Requests.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.False(t, stored.Unavailable)
	require.NotNil(t, stored.LastChecked)
}

func TestRetrySweepSkipsActiveJob(t *testing.T) {
	cfg := testConfig()
	h := newHarness(t, cfg)
	ctx := context.Background()

	req := h.request(t)
	req.Unavailable = true
	require.NoError(t, h.db.Requests.Save(ctx, req))
	h.seedingJob(t, req.ID, func(j *store.Job) { j.TorrentID = "2" })

	h.tracker.results = []tracker.Result{{ID: "2", Title: "The Hobbit", Seeders: 20}}

	require.NoError(t, h.m.retrySweep(ctx, cfg))

	jobs, err := h.db.Jobs.List(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)

	stored, err := h.db.Requests.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.False(t, stored.Unavailable)
}

func TestRetrySweepSearchFailureOnlyTouches(t *testing.T) {
	cfg := testConfig()
	h := newHarness(t, cfg)
	ctx := context.Background()

	req := h.request(t)
	req.Unavailable = true
	require.NoError(t, h.db.Requests.Save(ctx, req))
	h.tracker.searchErr = &tracker.SearchError{StatusCode: 500, Message: "Error, try later"}

	require.NoError(t, h.m.retrySweep(ctx, cfg))

	stored, err := h.db.Requests.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.True(t, stored.Unavailable)
	require.NotNil(t, stored.LastChecked)

	// Not due again until the recheck window passes.
	h.tracker.queries = nil
	require.NoError(t, h.m.retrySweep(ctx, cfg))
	assert.Empty(t, h.tracker.queries)
}

func TestRetrySweepCandidateFilter(t *testing.T) {
	cfg := testConfig()
	cfg.Monitor.CandidateFilter = `Filetype == "m4b"`
	h := newHarness(t, cfg)
	ctx := context.Background()

	req := h.request(t)
	req.Unavailable = true
	require.NoError(t, h.db.Requests.Save(ctx, req))

	h.tracker.results = []tracker.Result{
		{ID: "1", Title: "mp3 rip", Filetype: "mp3", Seeders: 50},
		{ID: "2", Title: "m4b", Filetype: "m4b", Seeders: 5},
	}

	require.NoError(t, h.m.retrySweep(ctx, cfg))

	jobs, err := h.db.Jobs.ListByStatuses(ctx, store.StatusPending)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "2", jobs[0].TorrentID)
}

func TestCleanupSweepRetiresMissingTorrent(t *testing.T) {
	cfg := testConfig()
	h := newHarness(t, cfg)
	ctx := context.Background()

	done := h.seedingJob(t, h.request(t).ID, func(j *store.Job) {
		j.DestinationPath = "/library/done.m4b"
		j.SeedSeconds = 7200
	})
	young := h.seedingJob(t, "", func(j *store.Job) {
		j.ClientHash = "ffff"
		j.DestinationPath = "/library/young.m4b"
		j.SeedSeconds = 60
	})

	require.NoError(t, h.m.cleanupSweep(ctx, cfg))

	got := h.job(t, done.ID)
	assert.Equal(t, store.StatusCompleted, got.Status)
	assert.Equal(t, "Retired (torrent no longer in client)", got.Message)
	assert.Equal(t, store.StatusSeeding, h.job(t, young.ID).Status)
}

func TestOrphanSweepRefinalizes(t *testing.T) {
	cfg := testConfig()
	h := newHarness(t, cfg)
	ctx := context.Background()

	stuck := h.seedingJob(t, h.request(t).ID, func(j *store.Job) { j.Status = store.StatusProcessing })
	h.client.torrents[testHash] = completeInfo(2 * time.Hour)

	require.NoError(t, h.m.orphanSweep(ctx, cfg))
	require.Equal(t, 1, h.drainFinalize(t))
	assert.Equal(t, h.pipeline.dest, h.job(t, stuck.ID).DestinationPath)
}

func TestFinalizeLeaseAcrossProcesses(t *testing.T) {
	cfg := testConfig()
	h := newHarness(t, cfg)
	ctx := context.Background()
	other := h.peer("cli")

	job := h.seedingJob(t, h.request(t).ID, func(j *store.Job) { j.Status = store.StatusProcessing })
	info := completeInfo(2 * time.Hour)
	h.client.torrents[testHash] = info

	entered := make(chan struct{})
	proceed := make(chan struct{})
	var once sync.Once
	h.pipeline.onProcess = func() {
		once.Do(func() {
			close(entered)
			<-proceed
		})
	}

	done := make(chan error, 1)
	go func() { done <- h.m.finalize(ctx, job.ID, info) }()
	<-entered

	require.NoError(t, other.finalize(ctx, job.ID, info))
	require.NoError(t, other.orphanSweep(ctx, cfg))
	drain(t, other)

	ok, err := other.Reprocess(ctx, job.ID)
	assert.True(t, ok)
	require.ErrorIs(t, err, ErrJobBusy)

	close(proceed)
	require.NoError(t, <-done)

	got := h.job(t, job.ID)
	assert.Equal(t, store.StatusSeeding, got.Status)
	assert.Equal(t, h.pipeline.dest, got.DestinationPath)
	assert.Len(t, h.pipeline.snaps, 1)

	// The lease is gone once the first finalization returns.
	ok, err = other.Reprocess(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Len(t, h.pipeline.snaps, 2)
}

func TestFinalizeTakesOverExpiredLease(t *testing.T) {
	cfg := testConfig()
	h := newHarness(t, cfg)
	ctx := context.Background()

	job := h.seedingJob(t, h.request(t).ID, func(j *store.Job) { j.Status = store.StatusProcessing })
	info := completeInfo(2 * time.Hour)

	claimed, err := h.peer("crashed").claim(ctx, job.ID, cfg)
	require.NoError(t, err)
	require.True(t, claimed)

	require.NoError(t, h.m.finalize(ctx, job.ID, info))
	assert.Empty(t, h.pipeline.snaps)
	assert.Empty(t, h.job(t, job.ID).DestinationPath)

	h.now = h.now.Add(cfg.PostProcess.Timeout + leaseGrace + time.Minute)
	require.NoError(t, h.m.finalize(ctx, job.ID, info))
	assert.Len(t, h.pipeline.snaps, 1)
	assert.Equal(t, h.pipeline.dest, h.job(t, job.ID).DestinationPath)
}

func TestPollIgnoresJobFinalizedDuringFetch(t *testing.T) {
	cfg := testConfig()
	h := newHarness(t, cfg)
	ctx := context.Background()

	job := h.seedingJob(t, h.request(t).ID, nil)
	info := completeInfo(2 * time.Hour)
	h.client.torrents[testHash] = info
	h.client.onTorrents = func() {
		require.NoError(t, h.peer("cli").finalize(ctx, job.ID, info))
	}

	require.NoError(t, h.m.poll(ctx, cfg))

	got := h.job(t, job.ID)
	assert.Equal(t, store.StatusSeeding, got.Status)
	assert.Equal(t, h.pipeline.dest, got.DestinationPath)
	assert.Empty(t, h.client.removed)
	assert.Zero(t, h.drainFinalize(t))
	assert.Len(t, h.pipeline.snaps, 1)

	// The following cycle sees the fresh row and retires it.
	require.NoError(t, h.m.poll(ctx, cfg))
	got = h.job(t, job.ID)
	assert.Equal(t, store.StatusCompleted, got.Status)
	assert.Equal(t, h.pipeline.dest, got.DestinationPath)
}

func TestCandidateFilterCache(t *testing.T) {
	cfg := testConfig()
	h := newHarness(t, cfg)
	compiler := filter.NewExprCompiler(filter.WithCache(4))
	h.m.filters = compiler

	steps := []struct {
		name       string
		expression string
		wantFilter bool
		wantCached int
	}{
		{"first expression", `Filetype == "m4b"`, true, 1},
		{"unchanged expression", `Filetype == "m4b"`, true, 1},
		{"changed expression", `Seeders > 5`, true, 1},
		{"disabled", "", false, 0},
	}

	for _, step := range steps {
		t.Run(step.name, func(t *testing.T) {
			cfg.Monitor.CandidateFilter = step.expression
			f, err := h.m.candidateFilter(cfg)
			require.NoError(t, err)
			assert.Equal(t, step.wantFilter, f != nil)
			assert.Equal(t, step.wantCached, compiler.Size())
		})
	}
}

func TestRunSweepRecordsLastRun(t *testing.T) {
	h := newHarness(t, testConfig())

	h.m.runSweep(context.Background(), SweepCleanup, time.Minute, func(context.Context) error { return nil })

	var metric dto.Metric
	require.NoError(t, SweepLastRun.WithLabelValues(SweepCleanup).Write(&metric))
	assert.Equal(t, float64(h.now.Unix()), metric.GetGauge().GetValue())
}

func TestReprocess(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown job", func(t *testing.T) {
		h := newHarness(t, testConfig())
		ok, err := h.m.Reprocess(ctx, "missing")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("no hash requeues download", func(t *testing.T) {
		h := newHarness(t, testConfig())
		job := h.seedingJob(t, h.request(t).ID, func(j *store.Job) {
			j.Status = store.StatusFailed
			j.ClientHash = ""
		})

		ok, err := h.m.Reprocess(ctx, job.ID)
		require.NoError(t, err)
		assert.True(t, ok)

		got := h.job(t, job.ID)
		assert.Equal(t, store.StatusPending, got.Status)
		assert.Equal(t, "Retrying download", got.Message)
		assert.Equal(t, 1, h.m.queue.len())
	})

	t.Run("missing torrent requeues download", func(t *testing.T) {
		h := newHarness(t, testConfig())
		job := h.seedingJob(t, h.request(t).ID, func(j *store.Job) {
			j.Status = store.StatusCompleted
			j.DestinationPath = "/library/old.m4b"
		})

		ok, err := h.m.Reprocess(ctx, job.ID)
		require.NoError(t, err)
		assert.True(t, ok)

		got := h.job(t, job.ID)
		assert.Equal(t, store.StatusPending, got.Status)
		assert.Equal(t, "Retrying download (torrent missing)", got.Message)
		assert.Empty(t, got.DestinationPath)
	})

	t.Run("present torrent reruns post-processing", func(t *testing.T) {
		h := newHarness(t, testConfig())
		job := h.seedingJob(t, h.request(t).ID, func(j *store.Job) {
			j.Status = store.StatusCompleted
			j.DestinationPath = "/library/old.m4b"
			j.Attempts = 3
		})
		h.client.torrents[testHash] = completeInfo(2 * time.Hour)

		ok, err := h.m.Reprocess(ctx, job.ID)
		require.NoError(t, err)
		assert.True(t, ok)

		got := h.job(t, job.ID)
		assert.Equal(t, store.StatusSeeding, got.Status)
		assert.Equal(t, h.pipeline.dest, got.DestinationPath)
		assert.Nil(t, got.CompletedAt)
		assert.Zero(t, got.Attempts)
	})
}

func TestQueueDedup(t *testing.T) {
	q := newJobQueue()
	assert.True(t, q.push("a"))
	assert.False(t, q.push("a"))
	assert.True(t, q.push("b"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	id, ok := q.pop(ctx)
	require.True(t, ok)
	assert.Equal(t, "a", id)

	// still known until done
	assert.False(t, q.push("a"))
	q.done("a")
	assert.True(t, q.push("a"))

	id, _ = q.pop(ctx)
	assert.Equal(t, "b", id)
}

func TestQueuePopHonoursContext(t *testing.T) {
	q := newJobQueue()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, ok := q.pop(ctx)
	assert.False(t, ok)
}

func TestSweepSetInterval(t *testing.T) {
	s := newSweepSet()
	now := time.Now()

	assert.False(t, s.begin("x", 0, now), "zero interval disables the sweep")
	require.True(t, s.begin("x", time.Hour, now))
	assert.False(t, s.begin("x", time.Hour, now), "in flight")
	s.end("x", now)
	assert.False(t, s.begin("x", time.Hour, now.Add(30*time.Minute)))
	assert.True(t, s.begin("x", time.Hour, now.Add(2*time.Hour)))
}

func TestSearchQuery(t *testing.T) {
	req := store.NewMediaRequest("Dune", []string{"Frank Herbert", "Brian Herbert"}, store.MediaAudiobook)
	assert.Equal(t, "Dune Frank Herbert, Brian Herbert", SearchQuery(req))
	req.Authors = nil
	assert.Equal(t, "Dune", SearchQuery(req))
}

func TestStartStop(t *testing.T) {
	cfg := testConfig()
	cfg.Monitor.PollInterval = time.Hour
	h := newHarness(t, cfg)
	ctx := context.Background()

	job := store.NewJob("", "1", "Queued Before Start", store.MediaAudiobook)
	require.NoError(t, h.db.Jobs.Create(ctx, job))
	h.tracker.download = &tracker.Download{Meta: tracker.Metainfo{InfoHash: testHash}}

	require.NoError(t, h.m.Start(ctx))
	assert.Eventually(t, func() bool {
		got, err := h.db.Jobs.Get(ctx, job.ID)
		return err == nil && got.Status == store.StatusSeeding
	}, 5*time.Second, 20*time.Millisecond)

	h.m.Stop()
	assert.ErrorIs(t, h.m.Submit(ctx, "x"), ErrStopped)
}
