// Package postprocess turns a finished torrent into a library entry: it finds
// the payload, merges or copies the media, writes a metadata sidecar and tags
// the output with ffmpeg.
package postprocess

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/s0up4200/mamlarr/store"
	"github.com/s0up4200/mamlarr/torrent"
)

// Settings configures a Processor.
type Settings struct {
	OutputDir   string
	TmpDir      string
	FFmpegPath  string
	EnableMerge bool
	// TempMaxAge is the age after which SweepTemp removes working files. Zero disables the sweep after each run.
	TempMaxAge time.Duration
}

// Job identifies the download being finalized.
type Job struct {
	ID        string
	MediaType store.MediaType
}

// Metadata describes the book for layout, sidecar and tags.
type Metadata struct {
	Title          string
	Authors        []string
	Narrators      []string
	ASIN           string
	PublishDate    string
	CoverURL       string
	Series         string
	SeriesPosition string
}

// MetadataFromRequest converts a stored media request.
func MetadataFromRequest(req *store.MediaRequest) Metadata {
	return Metadata{
		Title:          req.Title,
		Authors:        req.Authors,
		Narrators:      req.Narrators,
		ASIN:           req.ASIN,
		PublishDate:    req.PublishDate,
		CoverURL:       req.CoverURL,
		Series:         req.Series,
		SeriesPosition: req.SeriesPosition,
	}
}

// PrimaryAuthor returns the first listed author.
func (m Metadata) PrimaryAuthor() string {
	for _, a := range m.Authors {
		if a = strings.TrimSpace(a); a != "" {
			return a
		}
	}
	return ""
}

// Snapshot is the part of the client view the pipeline needs. DownloadDir
// must already be a local path.
type Snapshot struct {
	Name        string
	DownloadDir string
	Files       []torrent.File
}

// SnapshotFromInfo extracts a Snapshot from a client torrent.
func SnapshotFromInfo(info torrent.Info) Snapshot {
	return Snapshot{Name: info.Name, DownloadDir: info.DownloadDir, Files: info.Files}
}

// Processor runs the pipeline.
type Processor struct {
	settings   Settings
	fs         afero.Fs
	runner     CommandRunner
	httpClient *http.Client
	logger     zerolog.Logger
	seq        atomic.Uint64
}

// Option configures a Processor.
type Option func(*Processor)

// WithFs replaces the filesystem, mainly for tests.
func WithFs(fs afero.Fs) Option {
	return func(p *Processor) {
		p.fs = fs
	}
}

// WithRunner replaces the external command runner.
func WithRunner(r CommandRunner) Option {
	return func(p *Processor) {
		p.runner = r
	}
}

// WithHTTPClient sets the client used to fetch cover art.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Processor) {
		p.httpClient = c
	}
}

// New creates a Processor on the OS filesystem.
func New(settings Settings, logger zerolog.Logger, opts ...Option) *Processor {
	p := &Processor{
		settings:   settings,
		fs:         afero.NewOsFs(),
		runner:     ExecRunner(),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger.With().Str("component", "postprocess").Logger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process finalizes a completed download and returns the destination path.
// Every failure is a *Error.
func (p *Processor) Process(ctx context.Context, job Job, meta Metadata, snap Snapshot) (string, error) {
	defer p.sweepAfterRun()

	for _, dir := range []string{p.settings.OutputDir, p.settings.TmpDir} {
		if dir == "" {
			continue
		}
		if err := p.fs.MkdirAll(dir, 0o755); err != nil {
			return "", stageError(StageCopy, dir, fmt.Errorf("failed to create directory: %w", err))
		}
	}

	source, err := p.resolveSource(snap, meta)
	if err != nil {
		return "", err
	}

	if strings.TrimSpace(meta.Title) == "" {
		meta.Title = snap.Name
	}

	log := p.logger.With().Str("job_id", job.ID).Str("source", source).Logger()
	log.Info().Str("media_type", string(job.MediaType)).Msg("Post-processing download")

	var dest string
	if job.MediaType == store.MediaEbook {
		dest, err = p.processEbook(job, meta, source)
	} else {
		dest, err = p.processAudio(ctx, job, meta, source)
	}
	if err != nil {
		log.Error().Err(err).Msg("Post-processing failed")
		return "", err
	}

	log.Info().Str("destination", dest).Msg("Post-processing complete")
	return dest, nil
}

// ffmpeg resolves the configured binary; an empty result means it is unavailable.
func (p *Processor) ffmpeg() string {
	if strings.TrimSpace(p.settings.FFmpegPath) == "" {
		return ""
	}
	path, err := p.runner.LookPath(p.settings.FFmpegPath)
	if err != nil {
		p.logger.Debug().Err(err).Str("ffmpeg", p.settings.FFmpegPath).Msg("ffmpeg not available")
		return ""
	}
	return path
}

func (p *Processor) processAudio(ctx context.Context, job Job, meta Metadata, source string) (string, error) {
	files, err := p.collect(source, isAudio)
	if err != nil {
		return "", stageError(StageCollect, source, err)
	}
	if len(files) == 0 {
		return "", stageError(StageCollect, source, ErrNoMedia)
	}

	ffmpeg := p.ffmpeg()
	dir := p.bookDir(meta)

	switch {
	case len(files) == 1:
		dest, err := p.destinationFile(dir, meta.Title, extension(files[0]), job.ID)
		if err != nil {
			return "", stageError(StageCopy, dir, err)
		}
		if err := p.copyFile(files[0], dest); err != nil {
			return "", stageError(StageCopy, dest, err)
		}
		return dest, p.finish(ctx, ffmpeg, job, meta, dest)

	case p.settings.EnableMerge && ffmpeg != "":
		dest, err := p.destinationFile(dir, meta.Title, mergeExtension(files), job.ID)
		if err != nil {
			return "", stageError(StageMerge, dir, err)
		}
		if err := p.merge(ctx, ffmpeg, job.ID, files, dest); err != nil {
			return "", err
		}
		return dest, p.finish(ctx, ffmpeg, job, meta, dest)

	default:
		dest := p.destinationDir(dir, job.ID)
		if err := p.copyDir(source, dest); err != nil {
			return "", stageError(StageCopy, dest, err)
		}
		if err := p.writeSidecar(dest, true, meta); err != nil {
			return "", stageError(StageSidecar, dest, err)
		}
		return dest, nil
	}
}

func (p *Processor) processEbook(job Job, meta Metadata, source string) (string, error) {
	files, err := p.collect(source, isEbook)
	if err != nil {
		return "", stageError(StageCollect, source, err)
	}
	best, ok := pickEbook(files)
	if !ok {
		return "", stageError(StageCollect, source, ErrNoMedia)
	}

	dir := p.bookDir(meta)
	dest, err := p.destinationFile(dir, meta.Title, extension(best), job.ID)
	if err != nil {
		return "", stageError(StageCopy, dir, err)
	}
	if err := p.copyFile(best, dest); err != nil {
		return "", stageError(StageCopy, dest, err)
	}
	if err := p.writeSidecar(dest, false, meta); err != nil {
		return "", stageError(StageSidecar, dest, err)
	}
	return dest, nil
}

// finish writes the sidecar, then tags the file. Tagging never fails the run.
func (p *Processor) finish(ctx context.Context, ffmpeg string, job Job, meta Metadata, dest string) error {
	if err := p.writeSidecar(dest, false, meta); err != nil {
		return stageError(StageSidecar, dest, err)
	}
	if ffmpeg != "" {
		p.tag(ctx, ffmpeg, job.ID, dest, meta)
	}
	return nil
}

func (p *Processor) sweepAfterRun() {
	if p.settings.TempMaxAge <= 0 {
		return
	}
	if _, err := p.SweepTemp(p.settings.TempMaxAge); err != nil {
		p.logger.Debug().Err(err).Msg("Temp sweep failed")
	}
}

// nextName returns a unique temp file name in TmpDir.
func (p *Processor) nextName(prefix, jobID, ext string) string {
	return joinPath(p.settings.TmpDir, fmt.Sprintf("%s%s_%d%s", prefix, shortID(jobID), p.seq.Add(1), ext))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
