package music

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/antzucaro/matchr"

	"github.com/rexworks/cantina/internal/payload"
)

// audioExtensions are the file types picked up by a library scan.
var audioExtensions = map[string]struct{}{
	".mp3":  {},
	".ogg":  {},
	".flac": {},
	".wav":  {},
}

// Library is the in-memory track registry, rebuilt by Scan. Safe for
// concurrent use.
type Library struct {
	dir string

	mu     sync.RWMutex
	tracks []payload.Track
}

// NewLibrary creates a library rooted at dir. An empty dir yields an empty
// library; Scan is then a no-op.
func NewLibrary(dir string) *Library {
	return &Library{dir: dir}
}

// Scan walks the library directory and rebuilds the track list, sorted by
// title. Track ids are the path relative to the library root, which keeps
// them stable across rescans. Durations are unknown at scan time (no decode
// pass) and reported as zero.
func (l *Library) Scan() (int, error) {
	if l.dir == "" {
		return 0, nil
	}

	var tracks []payload.Track
	err := filepath.WalkDir(l.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if _, ok := audioExtensions[ext]; !ok {
			return nil
		}
		rel, err := filepath.Rel(l.dir, path)
		if err != nil {
			rel = d.Name()
		}
		tracks = append(tracks, payload.Track{
			TrackID:    rel,
			Title:      titleFromFilename(d.Name()),
			Provider:   "local",
			SourcePath: path,
		})
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			l.mu.Lock()
			l.tracks = nil
			l.mu.Unlock()
			return 0, fmt.Errorf("music: library directory %q does not exist", l.dir)
		}
		return 0, fmt.Errorf("music: scan %q: %w", l.dir, err)
	}

	sort.Slice(tracks, func(i, j int) bool { return tracks[i].Title < tracks[j].Title })

	l.mu.Lock()
	l.tracks = tracks
	l.mu.Unlock()
	return len(tracks), nil
}

// Tracks returns a copy of the track list, sorted by title.
func (l *Library) Tracks() []payload.Track {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]payload.Track, len(l.tracks))
	copy(out, l.tracks)
	return out
}

// Len returns the number of tracks.
func (l *Library) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.tracks)
}

// ByID returns the track with the given id.
func (l *Library) ByID(id string) (payload.Track, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, t := range l.tracks {
		if t.TrackID == id {
			return t, true
		}
	}
	return payload.Track{}, false
}

// Find resolves a user query to a track. Resolution order: 1-based list
// index, exact title (case-insensitive), title prefix, title substring, and
// finally the closest Levenshtein match within an edit-distance budget that
// scales with the query length.
func (l *Library) Find(query string) (payload.Track, bool) {
	query = strings.TrimSpace(query)
	if query == "" {
		return payload.Track{}, false
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.tracks) == 0 {
		return payload.Track{}, false
	}

	if n, err := strconv.Atoi(query); err == nil {
		if n >= 1 && n <= len(l.tracks) {
			return l.tracks[n-1], true
		}
		return payload.Track{}, false
	}

	q := strings.ToLower(query)

	for _, t := range l.tracks {
		if strings.ToLower(t.Title) == q {
			return t, true
		}
	}
	for _, t := range l.tracks {
		if strings.HasPrefix(strings.ToLower(t.Title), q) {
			return t, true
		}
	}
	for _, t := range l.tracks {
		if strings.Contains(strings.ToLower(t.Title), q) {
			return t, true
		}
	}

	// Fuzzy fallback: closest edit distance, budgeted so "cantina bnad"
	// matches but "xyzzy" does not.
	budget := max(2, len(q)/3)
	best := -1
	bestDist := budget + 1
	for i, t := range l.tracks {
		dist := matchr.Levenshtein(q, strings.ToLower(t.Title))
		if dist < bestDist {
			bestDist = dist
			best = i
		}
	}
	if best >= 0 && bestDist <= budget {
		return l.tracks[best], true
	}
	return payload.Track{}, false
}

// titleFromFilename derives a display title: extension stripped, separators
// normalised to spaces.
func titleFromFilename(name string) string {
	base := strings.TrimSuffix(name, filepath.Ext(name))
	base = strings.ReplaceAll(base, "_", " ")
	base = strings.ReplaceAll(base, "-", " ")
	return strings.Join(strings.Fields(base), " ")
}
