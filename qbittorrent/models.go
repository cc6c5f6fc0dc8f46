package qbittorrent

import (
	"time"

	"github.com/autobrr/go-qbittorrent"

	"github.com/s0up4200/mamlarr/torrent"
)

// qBittorrent 5 renamed the paused states.
const (
	stateStoppedUp qbittorrent.TorrentState = "stoppedUP"
	stateStoppedDl qbittorrent.TorrentState = "stoppedDL"
)

// mapState folds the qBittorrent state machine into the shared coarse states.
func mapState(state qbittorrent.TorrentState) torrent.State {
	switch state {
	case qbittorrent.TorrentStateUploading,
		qbittorrent.TorrentStateStalledUp,
		qbittorrent.TorrentStateQueuedUp,
		qbittorrent.TorrentStateForcedUp:
		return torrent.StateSeeding
	case qbittorrent.TorrentStateDownloading,
		qbittorrent.TorrentStateStalledDl,
		qbittorrent.TorrentStateQueuedDl,
		qbittorrent.TorrentStateMetaDl,
		qbittorrent.TorrentStateForcedDl:
		return torrent.StateDownloading
	case qbittorrent.TorrentStatePausedUp, stateStoppedUp:
		return torrent.StatePausedSeed
	case qbittorrent.TorrentStatePausedDl, stateStoppedDl:
		return torrent.StatePausedDownload
	case qbittorrent.TorrentStateCheckingUp,
		qbittorrent.TorrentStateCheckingDl,
		qbittorrent.TorrentStateCheckingResumeData,
		qbittorrent.TorrentStateMoving,
		qbittorrent.TorrentStateAllocating:
		return torrent.StateChecking
	case qbittorrent.TorrentStateError, qbittorrent.TorrentStateMissingFiles:
		return torrent.StateErrored
	}
	return torrent.StateUnknown
}

func toInfo(t qbittorrent.Torrent) torrent.Info {
	info := torrent.Info{
		Hash:          torrent.NormalizeHash(t.Hash),
		Name:          t.Name,
		State:         mapState(t.State),
		RawState:      string(t.State),
		Progress:      t.Progress,
		LeftUntilDone: t.AmountLeft,
		LeftKnown:     true,
		SeedingTime:   time.Duration(t.SeedingTime) * time.Second,
		Ratio:         t.Ratio,
		Size:          t.Size,
		DownloadDir:   t.SavePath,
		ContentPath:   t.ContentPath,
		Tags:          torrent.SplitTags(t.Tags),
	}
	if t.AddedOn > 0 {
		info.AddedOn = time.Unix(t.AddedOn, 0)
	}
	return info
}

func toFiles(files qbittorrent.TorrentFiles) []torrent.File {
	out := make([]torrent.File, 0, len(files))
	for _, f := range files {
		out = append(out, torrent.File{Path: f.Name, Size: f.Size})
	}
	return out
}
