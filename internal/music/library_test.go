package music

import (
	"os"
	"path/filepath"
	"testing"
)

func writeLib(t *testing.T, names ...string) string {
	t.Helper()
	dir := t.TempDir()
	for _, n := range names {
		path := filepath.Join(dir, n)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
			t.Fatalf("write %s: %v", n, err)
		}
	}
	return dir
}

func TestScan(t *testing.T) {
	dir := writeLib(t,
		"cantina_band.mp3",
		"mad-about-me.ogg",
		"notes.txt", // ignored
		"sub/Duel of the Fates.flac",
	)
	l := NewLibrary(dir)
	n, err := l.Scan()
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if n != 3 {
		t.Fatalf("track count = %d, want 3", n)
	}

	tracks := l.Tracks()
	wantTitles := []string{"Duel of the Fates", "cantina band", "mad about me"}
	for i, want := range wantTitles {
		if tracks[i].Title != want {
			t.Errorf("tracks[%d].Title = %q, want %q", i, tracks[i].Title, want)
		}
	}

	// Track ids are paths relative to the library root.
	if _, ok := l.ByID(filepath.Join("sub", "Duel of the Fates.flac")); !ok {
		t.Error("ByID with relative path failed")
	}
}

func TestScanMissingDirectory(t *testing.T) {
	l := NewLibrary(filepath.Join(t.TempDir(), "nope"))
	if _, err := l.Scan(); err == nil {
		t.Error("expected error for missing directory")
	}
	if l.Len() != 0 {
		t.Errorf("Len = %d, want 0", l.Len())
	}
}

func TestScanEmptyDirConfig(t *testing.T) {
	l := NewLibrary("")
	n, err := l.Scan()
	if err != nil || n != 0 {
		t.Errorf("Scan() = (%d, %v), want (0, nil)", n, err)
	}
}

func TestRescanDropsRemovedTracks(t *testing.T) {
	dir := writeLib(t, "a.mp3", "b.mp3")
	l := NewLibrary(dir)
	if _, err := l.Scan(); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if err := os.Remove(filepath.Join(dir, "b.mp3")); err != nil {
		t.Fatalf("remove: %v", err)
	}
	n, err := l.Scan()
	if err != nil {
		t.Fatalf("rescan: %v", err)
	}
	if n != 1 {
		t.Errorf("track count after rescan = %d, want 1", n)
	}
	if _, ok := l.ByID("b.mp3"); ok {
		t.Error("removed track still resolvable by id")
	}
}

func TestFind(t *testing.T) {
	dir := writeLib(t, "cantina_band.mp3", "mad_about_me.mp3", "jawa_flow.mp3")
	l := NewLibrary(dir)
	if _, err := l.Scan(); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	// Sorted titles: "cantina band", "jawa flow", "mad about me".

	cases := []struct {
		name  string
		query string
		want  string
		ok    bool
	}{
		{"index", "2", "jawa flow", true},
		{"index out of range", "9", "", false},
		{"exact case-insensitive", "Cantina Band", "cantina band", true},
		{"prefix", "mad", "mad about me", true},
		{"substring", "flow", "jawa flow", true},
		{"fuzzy transposition", "cantina bnad", "cantina band", true},
		{"fuzzy beyond budget", "xyzzy", "", false},
		{"empty", "   ", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := l.Find(tc.query)
			if ok != tc.ok {
				t.Fatalf("Find(%q) ok = %v, want %v", tc.query, ok, tc.ok)
			}
			if ok && got.Title != tc.want {
				t.Errorf("Find(%q) = %q, want %q", tc.query, got.Title, tc.want)
			}
		})
	}
}

func TestFindEmptyLibrary(t *testing.T) {
	l := NewLibrary(t.TempDir())
	if _, err := l.Scan(); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if _, ok := l.Find("anything"); ok {
		t.Error("Find on empty library should fail")
	}
}

func TestTitleFromFilename(t *testing.T) {
	cases := map[string]string{
		"cantina_band.mp3":     "cantina band",
		"mad-about--me.ogg":    "mad about me",
		"Duel of the Fates.wav": "Duel of the Fates",
	}
	for in, want := range cases {
		if got := titleFromFilename(in); got != want {
			t.Errorf("titleFromFilename(%q) = %q, want %q", in, got, want)
		}
	}
}
