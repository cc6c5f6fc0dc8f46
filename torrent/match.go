package torrent

import "strings"

// maxNameCandidates bounds how many recently added torrents are checked by name.
const maxNameCandidates = 10

// PickAdded identifies a freshly added torrent among recent torrents, newest first.
// The exact info-hash wins; otherwise the list is narrowed by tag and searched for
// the expected name, falling back to the most recent entry.
func PickAdded(recent []Info, opts AddOptions) (Info, bool) {
	if len(recent) == 0 {
		return Info{}, false
	}

	if opts.ExpectedHash != "" {
		for _, t := range recent {
			if strings.EqualFold(t.Hash, opts.ExpectedHash) {
				return t, true
			}
		}
	}

	pool := recent
	if opts.ExpectedTag != "" {
		var tagged []Info
		for _, t := range recent {
			if t.HasTag(opts.ExpectedTag) {
				tagged = append(tagged, t)
			}
		}
		if len(tagged) > 0 {
			pool = tagged
		}
	}

	if opts.ExpectedName != "" {
		want := strings.ToLower(opts.ExpectedName)
		limit := min(len(pool), maxNameCandidates)
		for _, t := range pool[:limit] {
			if strings.Contains(strings.ToLower(t.Name), want) {
				return t, true
			}
		}
	}

	return pool[0], true
}
