package server

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/treefix50/watchguard/internal/playback"
)

const playlistName = "index.m3u8"

// VideoEntry is one video found under the HLS root: a directory holding one
// sub-directory per rendition, each with an index.m3u8 playlist.
type VideoEntry struct {
	ID        string             `json:"videoId"`
	Title     string             `json:"title"`
	Duration  float64            `json:"duration"`
	Qualities []playback.Quality `json:"qualities"`
	Modified  time.Time          `json:"modified"`
}

// Library indexes the HLS output tree <root>/<videoId>/<quality>/index.m3u8.
type Library struct {
	root   string
	prefix string
	log    *slog.Logger

	mu       sync.RWMutex
	items    map[string]VideoEntry
	lastScan time.Time
}

// NewLibrary creates root when missing. prefix is prepended to rendition
// sources, e.g. "/hls-output".
func NewLibrary(root, prefix string, log *slog.Logger) (*Library, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	return &Library{
		root:   root,
		prefix: strings.TrimRight(prefix, "/"),
		log:    log,
		items:  map[string]VideoEntry{},
	}, nil
}

func (l *Library) Root() string { return l.root }

// Scan rebuilds the index. Unreadable videos or playlists are skipped and
// reported together; the index still reflects everything that could be read.
func (l *Library) Scan() error {
	found := map[string]VideoEntry{}
	var scanErrs []error

	videos, err := os.ReadDir(l.root)
	if err != nil {
		return fmt.Errorf("library: read root: %w", err)
	}
	for _, d := range videos {
		if !d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			continue
		}
		entry, err := l.scanVideo(d.Name())
		if err != nil {
			scanErrs = append(scanErrs, err)
		}
		if len(entry.Qualities) == 0 {
			continue
		}
		found[entry.ID] = entry
	}

	l.mu.Lock()
	previous := len(l.items)
	l.items = found
	l.lastScan = time.Now()
	l.mu.Unlock()

	if previous != len(found) {
		l.log.Info("library scanned", "root", l.root, "videos", len(found))
	}
	return errors.Join(scanErrs...)
}

func (l *Library) scanVideo(id string) (VideoEntry, error) {
	entry := VideoEntry{ID: id, Title: titleFromID(id)}
	dir := filepath.Join(l.root, id)

	renditions, err := os.ReadDir(dir)
	if err != nil {
		return entry, fmt.Errorf("library: read %s: %w", id, err)
	}

	var scanErrs []error
	for _, r := range renditions {
		if !r.IsDir() {
			continue
		}
		playlist := filepath.Join(dir, r.Name(), playlistName)
		info, err := os.Stat(playlist)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			scanErrs = append(scanErrs, err)
			continue
		}
		duration, err := playlistDuration(playlist)
		if err != nil {
			scanErrs = append(scanErrs, fmt.Errorf("library: %s/%s: %w", id, r.Name(), err))
			continue
		}
		if duration > entry.Duration {
			entry.Duration = duration
		}
		if info.ModTime().After(entry.Modified) {
			entry.Modified = info.ModTime()
		}
		entry.Qualities = append(entry.Qualities, playback.Quality{
			Label:    r.Name(),
			Value:    r.Name(),
			Src:      l.prefix + "/" + path.Join(id, r.Name(), playlistName),
			MimeType: playback.HLSMimeType,
		})
	}
	sortQualities(entry.Qualities)
	return entry, errors.Join(scanErrs...)
}

// All returns every indexed video ordered by title.
func (l *Library) All() []VideoEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]VideoEntry, 0, len(l.items))
	for _, it := range l.items {
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Title != out[j].Title {
			return out[i].Title < out[j].Title
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (l *Library) Get(id string) (VideoEntry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	it, ok := l.items[id]
	return it, ok
}

func (l *Library) LastScan() time.Time {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastScan
}

// File resolves a playlist or segment of an indexed rendition. Names with
// path separators or dot prefixes are rejected.
func (l *Library) File(videoID, quality, name string) (string, bool) {
	if !safeName(name) {
		return "", false
	}
	entry, ok := l.Get(videoID)
	if !ok {
		return "", false
	}
	for _, q := range entry.Qualities {
		if q.Value == quality {
			return filepath.Join(l.root, videoID, quality, name), true
		}
	}
	return "", false
}

func safeName(name string) bool {
	return name != "" && !strings.HasPrefix(name, ".") && !strings.ContainsAny(name, `/\`)
}

// playlistDuration sums the #EXTINF durations of a media playlist.
func playlistDuration(path string) (float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var total float64
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		rest, ok := strings.CutPrefix(line, "#EXTINF:")
		if !ok {
			continue
		}
		if i := strings.IndexByte(rest, ','); i >= 0 {
			rest = rest[:i]
		}
		d, err := strconv.ParseFloat(strings.TrimSpace(rest), 64)
		if err != nil {
			return 0, fmt.Errorf("bad EXTINF %q", line)
		}
		total += d
	}
	return total, sc.Err()
}

// sortQualities orders renditions by vertical resolution, highest first.
// Names without a leading number sort last, alphabetically.
func sortQualities(qs []playback.Quality) {
	sort.SliceStable(qs, func(i, j int) bool {
		a, aok := resolution(qs[i].Value)
		b, bok := resolution(qs[j].Value)
		switch {
		case aok && bok && a != b:
			return a > b
		case aok != bok:
			return aok
		default:
			return qs[i].Value < qs[j].Value
		}
	})
}

func resolution(value string) (int, bool) {
	n, err := strconv.Atoi(strings.TrimRight(strings.ToLower(value), "pk"))
	if err != nil {
		return 0, false
	}
	if strings.HasSuffix(strings.ToLower(value), "k") {
		n *= 540
	}
	return n, true
}

func titleFromID(id string) string {
	return strings.Join(strings.FieldsFunc(id, func(r rune) bool {
		return r == '_' || r == '-' || r == '.'
	}), " ")
}
