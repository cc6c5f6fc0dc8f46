// Package torrent defines the capability interface shared by the supported
// download clients and the normalized torrent snapshot they produce.
package torrent

import (
	"context"
	"slices"
	"time"
)

// Client is implemented by every download-client backend.
type Client interface {
	// Name returns the provider label recorded on jobs.
	Name() string

	// Add registers a torrent. The returned hash may be empty when the client
	// could not be made to report it.
	Add(ctx context.Context, data []byte, opts AddOptions) (AddResult, error)

	// Torrents returns snapshots keyed by lower-case hash. Unknown hashes are omitted.
	Torrents(ctx context.Context, hashes []string) (map[string]Info, error)

	// Files lists the files of a torrent relative to its download directory.
	Files(ctx context.Context, hash string) ([]File, error)

	// Remove deletes a torrent. Removing an absent hash is not an error.
	Remove(ctx context.Context, hash string, deleteData bool) error

	// SetShareLimits applies ratio and seeding-time limits where supported.
	SetShareLimits(ctx context.Context, hash string, ratio *float64, seedingTime *time.Duration) error

	// Start resumes a torrent, bypassing the client queue when force is set
	// and the backend supports it.
	Start(ctx context.Context, hash string, force bool) error

	TestConnection(ctx context.Context) error
}

// AddOptions configures a new torrent.
type AddOptions struct {
	DownloadDir string
	Category    string
	Tags        []string

	// ExpectedHash, ExpectedName and ExpectedTag drive the match used when
	// the client does not return the hash of the added torrent.
	ExpectedHash string
	ExpectedName string
	ExpectedTag  string

	StartPaused *bool
	ForceStart  *bool

	RatioLimit       *float64
	SeedingTimeLimit *time.Duration
}

// AllTags returns Tags with ExpectedTag appended once.
func (o AddOptions) AllTags() []string {
	tags := slices.Clone(o.Tags)
	if o.ExpectedTag != "" && !slices.Contains(tags, o.ExpectedTag) {
		tags = append(tags, o.ExpectedTag)
	}
	return tags
}

// AddResult identifies a torrent after Add.
type AddResult struct {
	Hash string
	ID   string
	Name string
}

// File is one file of a torrent.
type File struct {
	Path string
	Size int64
}
