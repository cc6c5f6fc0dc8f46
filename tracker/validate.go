package tracker

import (
	"bytes"
	"fmt"

	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"
)

// minTorrentSize is the length of the smallest plausible metainfo dictionary.
const minTorrentSize = 16

// Metainfo summarizes a validated .torrent payload.
type Metainfo struct {
	InfoHash string
	Name     string
	Size     int64
}

// Validate rejects HTML error pages, truncated payloads and anything that does
// not decode as torrent metainfo.
func Validate(data []byte) (Metainfo, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '<' {
		return Metainfo{}, fmt.Errorf("%w: received HTML instead of a torrent", ErrInvalidTorrent)
	}
	if len(trimmed) < minTorrentSize {
		return Metainfo{}, fmt.Errorf("%w: payload too short (%d bytes)", ErrInvalidTorrent, len(trimmed))
	}

	var mi metainfo.MetaInfo
	if err := bencode.Unmarshal(data, &mi); err != nil {
		return Metainfo{}, fmt.Errorf("%w: %v", ErrInvalidTorrent, err)
	}
	if len(mi.InfoBytes) == 0 {
		return Metainfo{}, fmt.Errorf("%w: missing info dictionary", ErrInvalidTorrent)
	}

	info, err := mi.UnmarshalInfo()
	if err != nil {
		return Metainfo{}, fmt.Errorf("%w: %v", ErrInvalidTorrent, err)
	}

	return Metainfo{
		InfoHash: mi.HashInfoBytes().HexString(),
		Name:     info.Name,
		Size:     info.TotalLength(),
	}, nil
}
