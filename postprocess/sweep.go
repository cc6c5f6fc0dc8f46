package postprocess

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/afero"
)

// SweepTemp removes concat lists and cover images older than maxAge from the
// temp dir and returns how many were removed.
func (p *Processor) SweepTemp(maxAge time.Duration) (int, error) {
	if p.settings.TmpDir == "" {
		return 0, nil
	}
	entries, err := afero.ReadDir(p.fs, p.settings.TmpDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !isWorkingFile(entry.Name()) || entry.ModTime().After(cutoff) {
			continue
		}
		path := joinPath(p.settings.TmpDir, entry.Name())
		if err := p.fs.Remove(path); err != nil && !os.IsNotExist(err) {
			p.logger.Debug().Err(err).Str("path", path).Msg("Failed to remove temp file")
			continue
		}
		removed++
	}
	if removed > 0 {
		p.logger.Debug().Int("removed", removed).Msg("Swept temp files")
	}
	return removed, nil
}

func isWorkingFile(name string) bool {
	return strings.HasPrefix(name, concatPrefix) || strings.HasPrefix(name, coverPrefix)
}
