package orchestrator

import "errors"

var (
	// ErrUnknownClient is returned for an unsupported client.type.
	ErrUnknownClient = errors.New("unknown download client")

	// ErrStopped is returned by Submit after Stop.
	ErrStopped = errors.New("manager stopped")

	// ErrMissingRequest marks a job whose linked request no longer exists.
	ErrMissingRequest = errors.New("download job missing linked request")

	// ErrNoDownloadDir is returned when the client reports no usable path.
	ErrNoDownloadDir = errors.New("no download path reported by the torrent client")

	// ErrJobBusy is returned when another process holds the job's finalization lease.
	ErrJobBusy = errors.New("job is being post-processed elsewhere")
)
