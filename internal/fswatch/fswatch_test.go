package fswatch

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/syncthing/notify"
)

// fakeEventInfo satisfies notify.EventInfo for directly exercising
// handle without a real filesystem watch running.
type fakeEventInfo struct {
	path string
}

func (f fakeEventInfo) Event() notify.Event { return notify.Write }
func (f fakeEventInfo) Path() string        { return f.path }
func (f fakeEventInfo) Sys() interface{}    { return nil }

func TestHandleSkipsUnsupportedExtension(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "image.png"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.md"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	w, err := New("f1", dir, nil, 0, nil)
	if err != nil {
		t.Fatal(err)
	}

	w.handle(fakeEventInfo{path: filepath.Join(dir, "image.png")})
	w.handle(fakeEventInfo{path: filepath.Join(dir, "notes.md")})

	batch := w.agg.Flush()
	if len(batch) != 1 || batch[0] != "notes.md" {
		t.Fatalf("expected only notes.md to be batched, got %v", batch)
	}
}

func TestHandlePassesThroughDirectories(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "sub")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}

	w, err := New("f1", dir, nil, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	w.handle(fakeEventInfo{path: sub})

	batch := w.agg.Flush()
	if len(batch) != 1 || batch[0] != "sub" {
		t.Fatalf("expected directory event to pass through, got %v", batch)
	}
}

func TestExcludedMatchesDefaultPatterns(t *testing.T) {
	w, err := New("f1", t.TempDir(), nil, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	cases := map[string]bool{
		".git/HEAD":              true,
		".folder-mcp/index.json": true,
		"node_modules/pkg/a.js":  true,
		"docs/readme.md":         false,
		"a.swp":                  true,
	}
	for path, want := range cases {
		if got := w.excluded(path); got != want {
			t.Errorf("excluded(%q) = %v, want %v", path, got, want)
		}
	}
}

func TestExcludedCustomPattern(t *testing.T) {
	w, err := New("f1", t.TempDir(), []string{"*.log"}, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !w.excluded("debug.log") {
		t.Fatal("expected custom exclude pattern to match")
	}
	if w.excluded("debug.md") {
		t.Fatal("did not expect unrelated file to match")
	}
}
