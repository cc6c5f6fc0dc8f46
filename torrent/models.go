package torrent

import (
	"path"
	"strings"
	"time"
)

// State is the coarse, client-independent torrent state.
type State string

const (
	StateDownloading    State = "downloading"
	StateSeeding        State = "seeding"
	StatePausedDownload State = "paused_download"
	StatePausedSeed     State = "paused_seed"
	StateChecking       State = "checking"
	StateErrored        State = "errored"
	StateUnknown        State = "unknown"
)

// Info contains the normalized snapshot of a torrent
type Info struct {
	Hash          string
	Name          string
	State         State
	RawState      string
	Progress      float64
	LeftUntilDone int64
	// LeftKnown is false when the client does not report remaining bytes.
	LeftKnown   bool
	SeedingTime time.Duration
	Ratio       float64
	Size        int64
	DownloadDir string
	ContentPath string
	Files       []File
	Tags        []string
	AddedOn     time.Time
}

// IsComplete reports whether the payload is fully downloaded. Any one signal suffices.
func (t *Info) IsComplete() bool {
	if t.LeftKnown && t.LeftUntilDone == 0 {
		return true
	}
	if t.Progress >= 1.0 {
		return true
	}
	return t.IsUploading()
}

// IsUploading checks if the torrent is in an uploading-family state
func (t *Info) IsUploading() bool {
	return t.State == StateSeeding
}

// IsPaused is true for stopped torrents in either direction.
func (t *Info) IsPaused() bool {
	return t.State == StatePausedDownload || t.State == StatePausedSeed
}

// IsActive reports whether the client is still working the torrent.
func (t *Info) IsActive() bool {
	switch t.State {
	case StateDownloading, StateSeeding, StateChecking:
		return true
	}
	return false
}

// HasTag matches a tag case-insensitively.
func (t *Info) HasTag(tag string) bool {
	for _, existing := range t.Tags {
		if strings.EqualFold(strings.TrimSpace(existing), tag) {
			return true
		}
	}
	return false
}

// FullPath returns the full path to the torrent content
func (t *Info) FullPath() string {
	if t.ContentPath != "" {
		return t.ContentPath
	}
	return path.Join(t.DownloadDir, t.Name)
}

// SplitTags parses a comma separated tag list.
func SplitTags(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	tags := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			tags = append(tags, p)
		}
	}
	return tags
}

// NormalizeHash lower-cases and trims an info-hash so it can be used as a map key.
func NormalizeHash(hash string) string {
	return strings.ToLower(strings.TrimSpace(hash))
}
