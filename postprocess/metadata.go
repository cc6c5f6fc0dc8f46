package postprocess

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/afero"
)

const (
	coverPrefix   = "cover_"
	maxCoverBytes = 10 << 20
)

type sidecar struct {
	Title          string   `json:"title"`
	Authors        []string `json:"authors"`
	Narrators      []string `json:"narrators"`
	ASIN           string   `json:"asin,omitempty"`
	PublishDate    string   `json:"publishDate,omitempty"`
	Cover          string   `json:"cover,omitempty"`
	Series         string   `json:"series,omitempty"`
	SeriesPosition string   `json:"seriesPosition,omitempty"`
}

// sidecarPath is <file>.metadata.json for files and metadata.json inside directories.
func sidecarPath(dest string, isDir bool) string {
	if isDir {
		return joinPath(dest, "metadata.json")
	}
	return dest + ".metadata.json"
}

func (p *Processor) writeSidecar(dest string, isDir bool, meta Metadata) error {
	data, err := json.MarshalIndent(sidecar{
		Title:          meta.Title,
		Authors:        nonNil(meta.Authors),
		Narrators:      nonNil(meta.Narrators),
		ASIN:           meta.ASIN,
		PublishDate:    meta.PublishDate,
		Cover:          meta.CoverURL,
		Series:         meta.Series,
		SeriesPosition: meta.SeriesPosition,
	}, "", "  ")
	if err != nil {
		return err
	}
	return afero.WriteFile(p.fs, sidecarPath(dest, isDir), data, 0o644)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

type tag struct {
	key   string
	value string
}

// buildTags maps book metadata onto ffmpeg tags. artist is the author, never
// the narrator; narrators go to composer.
func buildTags(meta Metadata) []tag {
	author := meta.PrimaryAuthor()
	if author == "" {
		author = strings.Join(meta.Authors, ", ")
	}

	tags := []tag{
		{"title", meta.Title},
		{"album", meta.Title},
		{"artist", author},
		{"album_artist", author},
	}
	if len(meta.Narrators) > 0 {
		tags = append(tags, tag{"composer", strings.Join(meta.Narrators, ", ")})
	}
	if meta.Series != "" {
		tags = append(tags, tag{"series", meta.Series})
		if meta.SeriesPosition != "" {
			tags = append(tags, tag{"series-part", meta.SeriesPosition})
		}
	}
	return tags
}

// tagArgs builds the ffmpeg invocation that rewrites file into tmp.
func tagArgs(file, cover, tmp string, meta Metadata) []string {
	args := []string{"-hide_banner", "-loglevel", "error", "-y", "-i", file}
	if cover != "" {
		args = append(args,
			"-i", cover,
			"-map", "0", "-map", "1",
			"-c", "copy",
			"-metadata:s:v", "title=Cover",
			"-metadata:s:v", "comment=Cover (front)",
			"-disposition:v", "attached_pic",
		)
	} else {
		args = append(args, "-map", "0", "-c", "copy")
	}
	switch extension(file) {
	case ".m4b", ".m4a":
		args = append(args, "-movflags", "use_metadata_tags")
	}
	for _, t := range buildTags(meta) {
		if strings.TrimSpace(t.value) == "" {
			continue
		}
		args = append(args, "-metadata", t.key+"="+t.value)
	}
	return append(args, tmp)
}

// tag rewrites the file's tags through a temp file and a rename. Failures are
// logged and leave the file untouched.
func (p *Processor) tag(ctx context.Context, ffmpeg, jobID, file string, meta Metadata) {
	log := p.logger.With().Str("job_id", jobID).Str("file", file).Logger()

	cover := p.fetchCover(ctx, jobID, meta.CoverURL)
	if cover != "" {
		defer func() {
			if err := p.fs.Remove(cover); err != nil && !os.IsNotExist(err) {
				log.Debug().Err(err).Msg("Failed to remove cover")
			}
		}()
	}

	ext := extension(file)
	tmp := strings.TrimSuffix(file, ext) + ".tagging" + ext

	if out, err := p.runner.Run(ctx, ffmpeg, tagArgs(file, cover, tmp, meta)...); err != nil {
		_ = p.fs.Remove(tmp)
		log.Error().Err(err).Str("output", strings.TrimSpace(string(out))).Msg("Failed to apply audio metadata")
		return
	}
	if err := p.fs.Rename(tmp, file); err != nil {
		_ = p.fs.Remove(tmp)
		log.Error().Err(err).Msg("Failed to replace tagged file")
		return
	}
	log.Debug().Bool("cover", cover != "").Msg("Applied audio metadata")
}

// fetchCover downloads cover art into the temp dir. Any failure yields "".
func (p *Processor) fetchCover(ctx context.Context, jobID, url string) string {
	if url == "" || p.httpClient == nil {
		return ""
	}
	data, err := p.download(ctx, url)
	if err != nil {
		p.logger.Debug().Err(err).Str("url", url).Msg("Cover fetch failed")
		return ""
	}
	path := p.nextName(coverPrefix, jobID, ".jpg")
	if err := afero.WriteFile(p.fs, path, data, 0o644); err != nil {
		p.logger.Debug().Err(err).Str("path", path).Msg("Failed to write cover")
		return ""
	}
	return path
}

func (p *Processor) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxCoverBytes))
}
