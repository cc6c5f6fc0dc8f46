package postprocess

import (
	"errors"
	"fmt"
)

// Stage names the pipeline step that failed.
type Stage string

const (
	StageResolve Stage = "resolve"
	StageCollect Stage = "collect"
	StageMerge   Stage = "merge"
	StageCopy    Stage = "copy"
	StageSidecar Stage = "sidecar"
)

var (
	ErrSourceMissing  = errors.New("source path does not exist")
	ErrNoMedia        = errors.New("no media files found")
	ErrUnsafeFilename = errors.New("filename contains a newline")
	ErrFFmpeg         = errors.New("ffmpeg failed")
)

// Error is returned for every pipeline failure so callers can tell
// post-processing problems apart from client or tracker errors.
type Error struct {
	Stage Stage
	Path  string
	Err   error
}

func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s %s: %v", e.Stage, e.Path, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func stageError(stage Stage, path string, err error) error {
	return &Error{Stage: stage, Path: path, Err: err}
}
