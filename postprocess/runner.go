package postprocess

import (
	"context"
	"os/exec"
)

// CommandRunner runs external tools. It exists so tests can stand in for ffmpeg.
type CommandRunner interface {
	LookPath(file string) (string, error)
	// Run executes name and returns its combined output. A non-zero exit is an error.
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

// ExecRunner returns the os/exec backed runner. Processes are killed when ctx ends.
func ExecRunner() CommandRunner {
	return execRunner{}
}

func (execRunner) LookPath(file string) (string, error) {
	return exec.LookPath(file)
}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}
