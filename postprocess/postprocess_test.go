package postprocess

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/s0up4200/mamlarr/store"
	"github.com/s0up4200/mamlarr/torrent"
)

const jobID = "0123456789abcdef"

// fakeRunner stands in for ffmpeg and writes its output into the memory fs.
type fakeRunner struct {
	fs        afero.Fs
	available bool
	failMerge bool
	failTag   bool

	mu    sync.Mutex
	calls [][]string
}

func (r *fakeRunner) LookPath(file string) (string, error) {
	if !r.available {
		return "", errors.New("executable file not found in $PATH")
	}
	return "/usr/bin/" + file, nil
}

func (r *fakeRunner) Run(_ context.Context, _ string, args ...string) ([]byte, error) {
	r.mu.Lock()
	r.calls = append(r.calls, args)
	r.mu.Unlock()

	out := args[len(args)-1]
	if slices.Contains(args, "concat") {
		if r.failMerge {
			return []byte("Invalid data found when processing input"), errors.New("exit status 1")
		}
		return nil, afero.WriteFile(r.fs, out, []byte("merged"), 0o644)
	}

	if r.failTag {
		_ = afero.WriteFile(r.fs, out, []byte("partial"), 0o644)
		return []byte("tag error"), errors.New("exit status 1")
	}
	in := args[slices.Index(args, "-i")+1]
	data, err := afero.ReadFile(r.fs, in)
	if err != nil {
		return nil, err
	}
	return nil, afero.WriteFile(r.fs, out, append([]byte("tagged:"), data...), 0o644)
}

func (r *fakeRunner) callsWith(flag string) [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out [][]string
	for _, c := range r.calls {
		if slices.Contains(c, flag) {
			out = append(out, c)
		}
	}
	return out
}

func newTestProcessor(t *testing.T, available bool, opts ...Option) (*Processor, afero.Fs, *fakeRunner) {
	t.Helper()
	fs := afero.NewMemMapFs()
	runner := &fakeRunner{fs: fs, available: available}
	settings := Settings{
		OutputDir:   "/library",
		TmpDir:      "/tmp/mamlarr",
		FFmpegPath:  "ffmpeg",
		EnableMerge: true,
	}
	opts = append([]Option{WithFs(fs), WithRunner(runner)}, opts...)
	return New(settings, zerolog.Nop(), opts...), fs, runner
}

func writeFiles(t *testing.T, fs afero.Fs, files map[string]string) {
	t.Helper()
	for path, content := range files {
		require.NoError(t, afero.WriteFile(fs, path, []byte(content), 0o644))
	}
}

func hobbit() Metadata {
	return Metadata{
		Title:     "The Hobbit",
		Authors:   []string{"J.R.R. Tolkien"},
		Narrators: []string{"Andy Serkis"},
		ASIN:      "B0099SNGG8",
	}
}

func audiobook() Job {
	return Job{ID: jobID, MediaType: store.MediaAudiobook}
}

func TestConcatEntry(t *testing.T) {
	line, err := concatEntry("/dl/Ender's Game/01.mp3")
	require.NoError(t, err)
	assert.Equal(t, `file '/dl/Ender'\''s Game/01.mp3'`, line)

	_, err = concatEntry("/dl/evil\nfile '/etc/passwd'.mp3")
	assert.ErrorIs(t, err, ErrUnsafeFilename)
}

func TestMergeExtension(t *testing.T) {
	assert.Equal(t, ".mp3", mergeExtension([]string{"a.mp3", "b.MP3"}))
	assert.Equal(t, ".m4b", mergeExtension([]string{"a.mp3", "b.flac"}))
	assert.Equal(t, ".m4b", mergeExtension([]string{"a.m4a", "b.m4a"}))
}

func TestSanitize(t *testing.T) {
	tests := map[string]string{
		"The Hobbit: There and Back Again": "The Hobbit There and Back Again",
		"Ender's Game":                     "Ender's Game",
		"  J.R.R.   Tolkien ":              "JRR Tolkien",
		"Half-Blood / Prince?":             "Half-Blood Prince",
		"../../etc":                        "etc",
		"???":                              "",
	}
	for in, want := range tests {
		assert.Equal(t, want, Sanitize(in), in)
	}
}

func TestProcessSingleAudio(t *testing.T) {
	p, fs, runner := newTestProcessor(t, true)
	writeFiles(t, fs, map[string]string{
		"/downloads/The Hobbit/The Hobbit.M4B": "audio",
		"/downloads/The Hobbit/cover.jpg":      "img",
	})

	dest, err := p.Process(context.Background(), audiobook(), hobbit(), Snapshot{Name: "The Hobbit", DownloadDir: "/downloads"})
	require.NoError(t, err)
	assert.Equal(t, "/library/JRR Tolkien/The Hobbit/The Hobbit.m4b", dest)

	data, err := afero.ReadFile(fs, dest)
	require.NoError(t, err)
	assert.Equal(t, "tagged:audio", string(data))

	tagCalls := runner.callsWith("-metadata")
	require.Len(t, tagCalls, 1)
	args := strings.Join(tagCalls[0], "|")
	assert.Contains(t, args, "artist=J.R.R. Tolkien")
	assert.Contains(t, args, "album_artist=J.R.R. Tolkien")
	assert.Contains(t, args, "composer=Andy Serkis")
	assert.Contains(t, args, "album=The Hobbit")
	assert.NotContains(t, args, "artist=Andy Serkis")
	assert.Contains(t, args, "use_metadata_tags")

	tmpExists, _ := afero.Exists(fs, "/library/JRR Tolkien/The Hobbit/The Hobbit.tagging.m4b")
	assert.False(t, tmpExists)

	raw, err := afero.ReadFile(fs, dest+".metadata.json")
	require.NoError(t, err)
	var sc map[string]any
	require.NoError(t, json.Unmarshal(raw, &sc))
	assert.Equal(t, "The Hobbit", sc["title"])
	assert.Equal(t, "B0099SNGG8", sc["asin"])
	assert.Equal(t, []any{"Andy Serkis"}, sc["narrators"])
}

func TestProcessMergesMultipleFiles(t *testing.T) {
	p, fs, runner := newTestProcessor(t, true)
	writeFiles(t, fs, map[string]string{
		"/downloads/Ender's Game/02.mp3":    "b",
		"/downloads/Ender's Game/01.mp3":    "a",
		"/downloads/Ender's Game/notes.nfo": "x",
	})

	meta := Metadata{Title: "Ender's Game", Authors: []string{"Orson Scott Card"}}
	dest, err := p.Process(context.Background(), audiobook(), meta, Snapshot{Name: "Ender's Game", DownloadDir: "/downloads"})
	require.NoError(t, err)
	assert.Equal(t, "/library/Orson Scott Card/Ender's Game/Ender's Game.mp3", dest)

	merges := runner.callsWith("concat")
	require.Len(t, merges, 1)
	list := merges[0][slices.Index(merges[0], "-i")+1]
	assert.True(t, strings.HasPrefix(list, "/tmp/mamlarr/concat_"))

	listExists, _ := afero.Exists(fs, list)
	assert.False(t, listExists, "concat list removed after merge")

	tags := runner.callsWith("-metadata")
	require.Len(t, tags, 1)
	assert.NotContains(t, strings.Join(tags[0], "|"), "composer=")
}

func TestProcessMergeWritesEscapedList(t *testing.T) {
	p, fs, _ := newTestProcessor(t, true)
	writeFiles(t, fs, map[string]string{
		"/a/it's-1.mp3":  "a",
		"/a/it's-2.flac": "b",
	})

	var list string
	p.runner = &capturingRunner{fakeRunner: &fakeRunner{fs: fs, available: true}, capture: func(args []string) {
		if slices.Contains(args, "concat") {
			data, err := afero.ReadFile(fs, args[slices.Index(args, "-i")+1])
			require.NoError(t, err)
			list = string(data)
		}
	}}

	err := p.merge(context.Background(), "ffmpeg", jobID, []string{"/a/it's-1.mp3", "/a/it's-2.flac"}, "/out/x.m4b")
	require.NoError(t, err)
	assert.Equal(t, "file '/a/it'\\''s-1.mp3'\nfile '/a/it'\\''s-2.flac'\n", list)
}

type capturingRunner struct {
	*fakeRunner
	capture func([]string)
}

func (r *capturingRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	r.capture(args)
	return r.fakeRunner.Run(ctx, name, args...)
}

func TestProcessRejectsNewlineBeforeFFmpeg(t *testing.T) {
	p, fs, runner := newTestProcessor(t, true)
	writeFiles(t, fs, map[string]string{
		"/downloads/Book/01.mp3":       "a",
		"/downloads/Book/02\nevil.mp3": "b",
	})

	_, err := p.Process(context.Background(), audiobook(), Metadata{Title: "Book"}, Snapshot{Name: "Book", DownloadDir: "/downloads"})
	assert.ErrorIs(t, err, ErrUnsafeFilename)

	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, StageMerge, perr.Stage)
	assert.Empty(t, runner.calls)
}

func TestProcessFFmpegFailure(t *testing.T) {
	p, fs, runner := newTestProcessor(t, true)
	runner.failMerge = true
	writeFiles(t, fs, map[string]string{
		"/downloads/Book/01.mp3": "a",
		"/downloads/Book/02.mp3": "b",
	})

	_, err := p.Process(context.Background(), audiobook(), Metadata{Title: "Book"}, Snapshot{Name: "Book", DownloadDir: "/downloads"})
	assert.ErrorIs(t, err, ErrFFmpeg)
	assert.Contains(t, err.Error(), "Invalid data found")

	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, StageMerge, perr.Stage)
}

func TestTagFailureKeepsMedia(t *testing.T) {
	p, fs, runner := newTestProcessor(t, true)
	runner.failTag = true
	writeFiles(t, fs, map[string]string{"/downloads/Book.mp3": "audio"})

	dest, err := p.Process(context.Background(), audiobook(), Metadata{Title: "Book"}, Snapshot{Name: "Book.mp3", DownloadDir: "/downloads"})
	require.NoError(t, err)

	data, err := afero.ReadFile(fs, dest)
	require.NoError(t, err)
	assert.Equal(t, "audio", string(data))

	tmpExists, _ := afero.Exists(fs, "/library/Unknown Author/Book/Book.tagging.mp3")
	assert.False(t, tmpExists)

	sidecarExists, _ := afero.Exists(fs, dest+".metadata.json")
	assert.True(t, sidecarExists, "sidecar written even when tagging fails")
}

func TestProcessCopiesDirectoryWithoutFFmpeg(t *testing.T) {
	p, fs, runner := newTestProcessor(t, false)
	writeFiles(t, fs, map[string]string{
		"/downloads/Dune/Part 1/01.mp3": "a",
		"/downloads/Dune/Part 2/02.mp3": "b",
	})

	meta := Metadata{Title: "Dune", Authors: []string{"Frank Herbert"}}
	dest, err := p.Process(context.Background(), audiobook(), meta, Snapshot{Name: "Dune", DownloadDir: "/downloads"})
	require.NoError(t, err)
	assert.Equal(t, "/library/Frank Herbert/Dune", dest)

	for _, path := range []string{dest + "/Part 1/01.mp3", dest + "/Part 2/02.mp3", dest + "/metadata.json"} {
		ok, _ := afero.Exists(fs, path)
		assert.True(t, ok, path)
	}
	assert.Empty(t, runner.calls)
}

func TestProcessEbookPreference(t *testing.T) {
	p, fs, runner := newTestProcessor(t, true)
	writeFiles(t, fs, map[string]string{
		"/downloads/Dune/Dune.pdf":  "pdf",
		"/downloads/Dune/Dune.epub": "epub",
		"/downloads/Dune/Dune.txt":  "txt",
	})

	job := Job{ID: jobID, MediaType: store.MediaEbook}
	dest, err := p.Process(context.Background(), job, Metadata{Title: "Dune", Authors: []string{"Frank Herbert"}}, Snapshot{Name: "Dune", DownloadDir: "/downloads"})
	require.NoError(t, err)
	assert.Equal(t, "/library/Frank Herbert/Dune/Dune.epub", dest)
	assert.Empty(t, runner.calls, "ebooks are never merged or tagged")

	_, err = p.Process(context.Background(), job, Metadata{Title: "Empty"}, Snapshot{Name: "Dune", DownloadDir: "/nowhere"})
	assert.ErrorIs(t, err, ErrSourceMissing)
}

func TestProcessNoMedia(t *testing.T) {
	p, fs, _ := newTestProcessor(t, true)
	writeFiles(t, fs, map[string]string{"/downloads/Book/readme.txt": "x"})

	_, err := p.Process(context.Background(), audiobook(), Metadata{Title: "Book"}, Snapshot{Name: "Book", DownloadDir: "/downloads"})
	assert.ErrorIs(t, err, ErrNoMedia)

	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, StageCollect, perr.Stage)
}

func TestResolveStrategies(t *testing.T) {
	p, fs, _ := newTestProcessor(t, true)
	writeFiles(t, fs, map[string]string{
		"/downloads/Renamed Folder/01.mp3":           "a",
		"/downloads/Project_Hail_Mary-(2021)/01.mp3": "a",
		"/downloads/The.Martian/a.mp3":               "a",
		"/downloads/Dune Messiah/a.mp3":              "a",
		"/downloads/single.mp3":                      "a",
	})

	tests := []struct {
		name string
		snap Snapshot
		meta Metadata
		want string
	}{
		{
			name: "first file parent",
			snap: Snapshot{Name: "Gone", DownloadDir: "/downloads", Files: []torrent.File{{Path: "Renamed Folder/01.mp3"}}},
			want: "/downloads/Renamed Folder",
		},
		{
			name: "single file torrent",
			snap: Snapshot{Name: "Gone", DownloadDir: "/downloads", Files: []torrent.File{{Path: "single.mp3"}}},
			want: "/downloads/single.mp3",
		},
		{
			name: "normalized name",
			snap: Snapshot{Name: "Project Hail Mary (2021)", DownloadDir: "/downloads"},
			want: "/downloads/Project_Hail_Mary-(2021)",
		},
		{
			name: "normalized title",
			snap: Snapshot{Name: "", DownloadDir: "/downloads"},
			meta: Metadata{Title: "the martian"},
			want: "/downloads/The.Martian",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := p.resolveSource(tt.snap, tt.meta)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := p.resolveSource(Snapshot{Name: "Nothing", DownloadDir: "/downloads"}, Metadata{Title: "Unrelated"})
	assert.ErrorIs(t, err, ErrSourceMissing)

	_, err = p.resolveSource(Snapshot{Name: "Dune", DownloadDir: "/downloads"}, Metadata{Title: "Dune"})
	assert.ErrorIs(t, err, ErrSourceMissing, "a sibling book sharing words is not a match")
}

func TestNormalizeName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Project_Hail_Mary-(2021)", "project hail mary 2021"},
		{"  The.Martian  ", "the martian"},
		{"Dune Messiah", "dune messiah"},
		{"---", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, normalizeName(tt.in), tt.in)
	}
}

func TestDestinationCollision(t *testing.T) {
	p, fs, _ := newTestProcessor(t, false)
	writeFiles(t, fs, map[string]string{
		"/downloads/Book.mp3":                   "new",
		"/library/Unknown Author/Book/Book.mp3": "old",
	})

	dest, err := p.Process(context.Background(), audiobook(), Metadata{Title: "Book"}, Snapshot{Name: "Book.mp3", DownloadDir: "/downloads"})
	require.NoError(t, err)
	assert.Equal(t, "/library/Unknown Author/Book/Book_01234567.mp3", dest)

	old, err := afero.ReadFile(fs, "/library/Unknown Author/Book/Book.mp3")
	require.NoError(t, err)
	assert.Equal(t, "old", string(old))
}

func TestCoverEmbeddedAndRemoved(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("jpeg"))
	}))
	defer srv.Close()

	p, fs, runner := newTestProcessor(t, true, WithHTTPClient(srv.Client()))
	writeFiles(t, fs, map[string]string{"/downloads/Book.m4b": "audio"})

	meta := Metadata{Title: "Book", CoverURL: srv.URL + "/cover.jpg", Series: "Saga", SeriesPosition: "2"}
	_, err := p.Process(context.Background(), audiobook(), meta, Snapshot{Name: "Book.m4b", DownloadDir: "/downloads"})
	require.NoError(t, err)

	tags := runner.callsWith("attached_pic")
	require.Len(t, tags, 1)
	args := strings.Join(tags[0], "|")
	assert.Contains(t, args, "series=Saga")
	assert.Contains(t, args, "series-part=2")

	entries, err := afero.ReadDir(fs, "/tmp/mamlarr")
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), coverPrefix), "cover %s left behind", e.Name())
	}
}

func TestSweepTemp(t *testing.T) {
	p, fs, _ := newTestProcessor(t, true)
	writeFiles(t, fs, map[string]string{
		"/tmp/mamlarr/concat_old.txt": "x",
		"/tmp/mamlarr/cover_old.jpg":  "x",
		"/tmp/mamlarr/concat_new.txt": "x",
		"/tmp/mamlarr/keep.txt":       "x",
	})
	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, fs.Chtimes("/tmp/mamlarr/concat_old.txt", old, old))
	require.NoError(t, fs.Chtimes("/tmp/mamlarr/cover_old.jpg", old, old))
	require.NoError(t, fs.Chtimes("/tmp/mamlarr/keep.txt", old, old))

	removed, err := p.SweepTemp(time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	for path, want := range map[string]bool{
		"/tmp/mamlarr/concat_old.txt": false,
		"/tmp/mamlarr/cover_old.jpg":  false,
		"/tmp/mamlarr/concat_new.txt": true,
		"/tmp/mamlarr/keep.txt":       true,
	} {
		_, err := fs.Stat(path)
		assert.Equal(t, want, !os.IsNotExist(err), path)
	}
}
