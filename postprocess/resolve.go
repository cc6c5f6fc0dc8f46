package postprocess

import (
	"path/filepath"
	"strings"
	"unicode"

	"github.com/spf13/afero"
)

// sourceStrategy proposes a source path; ok is false when it has nothing.
type sourceStrategy func(snap Snapshot, meta Metadata) (string, bool)

// resolveSource returns the first existing path proposed by the strategies.
func (p *Processor) resolveSource(snap Snapshot, meta Metadata) (string, error) {
	strategies := []sourceStrategy{
		p.byTorrentName,
		p.byFirstFile,
		p.byDirectoryMatch,
	}
	for _, strategy := range strategies {
		if path, ok := strategy(snap, meta); ok {
			return path, nil
		}
	}
	return "", stageError(StageResolve, joinPath(snap.DownloadDir, snap.Name), ErrSourceMissing)
}

func (p *Processor) byTorrentName(snap Snapshot, _ Metadata) (string, bool) {
	if snap.DownloadDir == "" || snap.Name == "" {
		return "", false
	}
	return p.existing(joinPath(snap.DownloadDir, snap.Name))
}

// byFirstFile uses the directory holding the first reported file, or the file
// itself for single-file torrents.
func (p *Processor) byFirstFile(snap Snapshot, _ Metadata) (string, bool) {
	if snap.DownloadDir == "" || len(snap.Files) == 0 {
		return "", false
	}
	first := filepath.FromSlash(snap.Files[0].Path)
	parent := filepath.Dir(first)
	if parent == "." {
		return p.existing(joinPath(snap.DownloadDir, first))
	}
	return p.existing(joinPath(snap.DownloadDir, parent))
}

// byDirectoryMatch scans the download directory for a directory whose name
// equals the torrent name or title once case and punctuation are ignored.
func (p *Processor) byDirectoryMatch(snap Snapshot, meta Metadata) (string, bool) {
	if snap.DownloadDir == "" {
		return "", false
	}
	entries, err := afero.ReadDir(p.fs, snap.DownloadDir)
	if err != nil {
		return "", false
	}

	wanted := map[string]struct{}{}
	for _, name := range []string{snap.Name, meta.Title} {
		if n := normalizeName(name); n != "" {
			wanted[n] = struct{}{}
		}
	}
	if len(wanted) == 0 {
		return "", false
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, ok := wanted[normalizeName(entry.Name())]; ok {
			return joinPath(snap.DownloadDir, entry.Name()), true
		}
	}
	return "", false
}

// normalizeName lowercases input and collapses every run of non-alphanumerics
// into a single space.
func normalizeName(input string) string {
	var b strings.Builder
	lastSpace := true
	for _, r := range strings.ToLower(input) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			lastSpace = false
			continue
		}
		if !lastSpace {
			b.WriteRune(' ')
			lastSpace = true
		}
	}
	return strings.TrimSpace(b.String())
}

func (p *Processor) existing(path string) (string, bool) {
	ok, err := afero.Exists(p.fs, path)
	if err != nil || !ok {
		return "", false
	}
	return path, true
}

func joinPath(elem ...string) string {
	return filepath.Join(elem...)
}
