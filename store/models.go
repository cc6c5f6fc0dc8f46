package store

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a download job.
type Status string

const (
	StatusPending     Status = "pending"
	StatusDownloading Status = "downloading"
	StatusSeeding     Status = "seeding"
	StatusProcessing  Status = "processing"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
)

// ActiveStatuses are the states in which a job still owns its torrent.
var ActiveStatuses = []Status{StatusPending, StatusDownloading, StatusSeeding, StatusProcessing}

var transitions = map[Status][]Status{
	StatusPending:     {StatusDownloading, StatusFailed},
	StatusDownloading: {StatusSeeding, StatusProcessing, StatusFailed, StatusPending},
	StatusSeeding:     {StatusDownloading, StatusProcessing, StatusCompleted, StatusFailed, StatusPending},
	StatusProcessing:  {StatusSeeding, StatusFailed, StatusPending},
	StatusFailed:      {StatusSeeding, StatusPending, StatusProcessing},
	StatusCompleted:   {StatusPending, StatusProcessing},
}

// CanTransition reports whether a job may move from s to next.
func (s Status) CanTransition(next Status) bool {
	if s == next {
		return true
	}
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// MediaType selects the post-processing variant.
type MediaType string

const (
	MediaAudiobook MediaType = "audiobook"
	MediaEbook     MediaType = "ebook"
)

// ParseMediaType defaults unknown values to audiobook.
func ParseMediaType(s string) MediaType {
	if strings.EqualFold(strings.TrimSpace(s), string(MediaEbook)) {
		return MediaEbook
	}
	return MediaAudiobook
}

// Job is one torrent-acquisition attempt.
type Job struct {
	ID                string
	RequestID         string
	MediaType         MediaType
	Title             string
	Status            Status
	TorrentID         string
	DLHash            string
	ClientHash        string
	ClientID          string
	Provider          string
	SeedConfiguration string
	SeedSeconds       int64
	DestinationPath   string
	Message           string
	Attempts          int
	// Version increments on every save.
	Version           int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
	CompletedAt       *time.Time
}

// NewJob returns a pending job with a fresh id.
func NewJob(requestID, torrentID, title string, mediaType MediaType) *Job {
	return &Job{
		ID:        uuid.NewString(),
		RequestID: requestID,
		TorrentID: torrentID,
		Title:     title,
		MediaType: mediaType,
		Status:    StatusPending,
	}
}

// Transition moves the job to next and records the message.
func (j *Job) Transition(next Status, message string) error {
	if !j.Status.CanTransition(next) {
		return &TransitionError{JobID: j.ID, From: j.Status, To: next}
	}
	j.Status = next
	j.Message = message
	return nil
}

// HasDestination is the authoritative "processing done" signal.
func (j *Job) HasDestination() bool {
	return j.DestinationPath != ""
}

// MediaRequest is a wishlist entry that jobs are created for.
type MediaRequest struct {
	ID             string
	Title          string
	Authors        []string
	Narrators      []string
	ASIN           string
	CoverURL       string
	PublishDate    string
	Series         string
	SeriesPosition string
	MediaType      MediaType
	Unavailable    bool
	LastChecked    *time.Time
	Downloaded     bool
	CreatedAt      time.Time
}

// NewMediaRequest returns a request with a fresh id.
func NewMediaRequest(title string, authors []string, mediaType MediaType) *MediaRequest {
	return &MediaRequest{
		ID:        uuid.NewString(),
		Title:     title,
		Authors:   authors,
		MediaType: mediaType,
	}
}

// PrimaryAuthor returns the first author or "".
func (r *MediaRequest) PrimaryAuthor() string {
	if len(r.Authors) == 0 {
		return ""
	}
	return r.Authors[0]
}

// SetDestination records the library path. A destination is written once.
func (j *Job) SetDestination(path string) error {
	if j.DestinationPath != "" && j.DestinationPath != path {
		return fmt.Errorf("job %s: %w", j.ID, ErrDestinationSet)
	}
	j.DestinationPath = path
	return nil
}

// ResetForReprocess clears the outputs of a previous run.
func (j *Job) ResetForReprocess() {
	j.DestinationPath = ""
	j.CompletedAt = nil
	j.Attempts = 0
}
