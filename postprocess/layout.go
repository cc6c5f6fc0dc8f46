package postprocess

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/spf13/afero"
)

const (
	unknownAuthor = "Unknown Author"
	unknownTitle  = "Unknown Title"
)

// Sanitize keeps letters, digits, spaces, hyphens and apostrophes and
// collapses runs of whitespace.
func Sanitize(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '-', r == '\'':
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

func sanitizeOr(name, fallback string) string {
	if s := Sanitize(name); s != "" {
		return s
	}
	return fallback
}

// bookDir is <root>/<author>/<title>.
func (p *Processor) bookDir(meta Metadata) string {
	return joinPath(p.settings.OutputDir,
		sanitizeOr(meta.PrimaryAuthor(), unknownAuthor),
		sanitizeOr(meta.Title, unknownTitle))
}

// destinationFile returns <dir>/<title><ext>, suffixed with the short job id
// when that file already exists.
func (p *Processor) destinationFile(dir, title, ext, jobID string) (string, error) {
	base := sanitizeOr(title, unknownTitle)
	candidate := joinPath(dir, base+ext)
	exists, err := afero.Exists(p.fs, candidate)
	if err != nil {
		return "", err
	}
	if !exists {
		return candidate, nil
	}
	return joinPath(dir, base+"_"+shortID(jobID)+ext), nil
}

func (p *Processor) destinationDir(dir, jobID string) string {
	if exists, _ := afero.Exists(p.fs, dir); exists {
		return dir + "_" + shortID(jobID)
	}
	return dir
}

func (p *Processor) copyFile(src, dst string) error {
	if err := p.fs.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}

	in, err := p.fs.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := p.fs.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		_ = p.fs.Remove(dst)
		return err
	}
	return out.Close()
}

// copyDir copies the tree under src into dst, or a single file into dst.
func (p *Processor) copyDir(src, dst string) error {
	info, err := p.fs.Stat(src)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return p.copyFile(src, joinPath(dst, filepath.Base(src)))
	}

	return afero.Walk(p.fs, src, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := joinPath(dst, rel)
		if fi.IsDir() {
			return p.fs.MkdirAll(target, 0o755)
		}
		return p.copyFile(path, target)
	})
}
