package postprocess

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"
)

var audioExtensions = map[string]bool{
	".mp3":  true,
	".m4b":  true,
	".m4a":  true,
	".flac": true,
	".aac":  true,
	".ogg":  true,
	".wav":  true,
	".opus": true,
}

// ebookPreference lists ebook formats from most to least wanted.
var ebookPreference = []string{".epub", ".mobi", ".azw3", ".pdf", ".txt"}

const concatPrefix = "concat_"

func extension(path string) string {
	return strings.ToLower(filepath.Ext(path))
}

func isAudio(path string) bool {
	return audioExtensions[extension(path)]
}

func isEbook(path string) bool {
	ext := extension(path)
	for _, want := range ebookPreference {
		if ext == want {
			return true
		}
	}
	return false
}

// collect lists matching files under source in sorted order. A file source
// is returned on its own when it matches.
func (p *Processor) collect(source string, match func(string) bool) ([]string, error) {
	info, err := p.fs.Stat(source)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		if match(source) {
			return []string{source}, nil
		}
		return nil, nil
	}

	var files []string
	err = afero.Walk(p.fs, source, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !fi.IsDir() && match(path) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// pickEbook returns the first file of the most preferred format present.
func pickEbook(files []string) (string, bool) {
	for _, ext := range ebookPreference {
		for _, f := range files {
			if extension(f) == ext {
				return f, true
			}
		}
	}
	return "", false
}

// mergeExtension is .mp3 only when every input is mp3; anything else goes into an m4b container.
func mergeExtension(files []string) string {
	if len(files) == 0 {
		return ".m4b"
	}
	for _, f := range files {
		if extension(f) != ".mp3" {
			return ".m4b"
		}
	}
	return ".mp3"
}

// concatEntry renders one concat demuxer line. Names with line breaks cannot
// be expressed in the list format and are rejected.
func concatEntry(path string) (string, error) {
	if strings.ContainsAny(path, "\n\r") {
		return "", fmt.Errorf("%w: %q", ErrUnsafeFilename, path)
	}
	return "file '" + strings.ReplaceAll(path, "'", `'\''`) + "'", nil
}

// merge concatenates files into dest with the ffmpeg concat demuxer.
func (p *Processor) merge(ctx context.Context, ffmpeg, jobID string, files []string, dest string) error {
	lines := make([]string, 0, len(files))
	for _, f := range files {
		abs, err := filepath.Abs(f)
		if err != nil {
			abs = f
		}
		line, err := concatEntry(abs)
		if err != nil {
			return stageError(StageMerge, f, err)
		}
		lines = append(lines, line)
	}

	listPath := p.nextName(concatPrefix, jobID, ".txt")
	if err := p.writeLines(listPath, lines); err != nil {
		return stageError(StageMerge, listPath, err)
	}
	defer func() {
		if err := p.fs.Remove(listPath); err != nil && !os.IsNotExist(err) {
			p.logger.Debug().Err(err).Str("path", listPath).Msg("Failed to remove concat list")
		}
	}()

	if err := p.fs.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return stageError(StageMerge, dest, err)
	}

	p.logger.Info().Str("job_id", jobID).Int("files", len(files)).Str("output", dest).Msg("Merging audio with ffmpeg")

	args := []string{
		"-hide_banner", "-loglevel", "error", "-y",
		"-f", "concat", "-safe", "0",
		"-i", listPath,
		"-c", "copy",
		dest,
	}
	if out, err := p.runner.Run(ctx, ffmpeg, args...); err != nil {
		_ = p.fs.Remove(dest)
		return stageError(StageMerge, dest, fmt.Errorf("%w (%v): %s", ErrFFmpeg, err, strings.TrimSpace(string(out))))
	}
	return nil
}

func (p *Processor) writeLines(path string, lines []string) error {
	f, err := p.fs.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	for _, line := range lines {
		if _, err := w.WriteString(line + "\n"); err != nil {
			f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
