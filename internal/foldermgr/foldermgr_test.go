package foldermgr

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/okets/folder-mcp/internal/collab"
	"github.com/okets/folder-mcp/internal/events"
	"github.com/okets/folder-mcp/internal/filestate"
)

type fakeParser struct{}

func (fakeParser) Parse(_ context.Context, path string) ([]collab.Chunk, error) {
	return []collab.Chunk{{Index: 0, Text: "contents of " + filepath.Base(path)}}, nil
}

type fakeEmbedder struct{}

func (fakeEmbedder) Load(context.Context, string) error { return nil }
func (fakeEmbedder) Unload(context.Context) error       { return nil }

func (fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{0.1, 0.2}
	}
	return out, nil
}

func (fakeEmbedder) Dimensions() int { return 2 }

// failingEmbedder always fails Embed with err, simulating a backend
// that cannot run at all (e.g. a missing Python runtime).
type failingEmbedder struct {
	err error
}

func (failingEmbedder) Load(context.Context, string) error { return nil }
func (failingEmbedder) Unload(context.Context) error        { return nil }

func (f failingEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	return nil, f.err
}

func (failingEmbedder) Dimensions() int { return 2 }

// selectiveFailEmbedder fails Embed only for chunks whose text matches
// failSubstring, otherwise behaving like fakeEmbedder. It simulates an
// ordinary per-file embedding failure (bad input, not a missing
// backend) affecting exactly one file among several.
type selectiveFailEmbedder struct {
	failSubstring string
}

func (selectiveFailEmbedder) Load(context.Context, string) error { return nil }
func (selectiveFailEmbedder) Unload(context.Context) error       { return nil }

func (e selectiveFailEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	for _, t := range texts {
		if strings.Contains(t, e.failSubstring) {
			return nil, errors.New("embedding backend rejected input")
		}
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{0.1, 0.2}
	}
	return out, nil
}

func (selectiveFailEmbedder) Dimensions() int { return 2 }

type fakeStore struct {
	chunks map[string][]collab.Chunk
}

func newFakeStore() *fakeStore { return &fakeStore{chunks: make(map[string][]collab.Chunk)} }

func (s *fakeStore) Open(context.Context, string, string, int) error { return nil }
func (s *fakeStore) Upsert(_ context.Context, rel string, chunks []collab.Chunk) error {
	s.chunks[rel] = chunks
	return nil
}
func (s *fakeStore) Delete(_ context.Context, rel string) error {
	delete(s.chunks, rel)
	return nil
}
func (s *fakeStore) ChunkCount(context.Context) (int, error) {
	n := 0
	for _, c := range s.chunks {
		n += len(c)
	}
	return n, nil
}
func (s *fakeStore) Close() error { return nil }

func TestHappyPathReachesActive(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "readme.md"), []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}

	fs, err := filestate.Open(filepath.Join(dir, "state.json"))
	if err != nil {
		t.Fatal(err)
	}
	store := newFakeStore()
	evts := events.NewLogger()
	sub := evts.Subscribe(events.FolderStateChanged)
	defer evts.Unsubscribe(sub)

	mgr := New(Config{
		FolderID:       "f1",
		Path:           dir,
		ModelName:      "mini-384",
		ModelDimension: 2,
		Parser:         fakeParser{},
		Embedder:       fakeEmbedder{},
		Store:          store,
		FileState:      fs,
		Events:         evts,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mgr.Serve(ctx)

	deadline := time.After(2 * time.Second)
	for mgr.Status() != StatusActive {
		select {
		case <-deadline:
			t.Fatalf("manager never reached active, stuck at %s", mgr.Status())
		case <-time.After(10 * time.Millisecond):
		}
	}

	if len(store.chunks) != 1 {
		t.Fatalf("expected 1 file indexed, got %d", len(store.chunks))
	}
	mgr.Stop()
}

func TestEmptyFolderReachesActiveWithNoTasks(t *testing.T) {
	dir := t.TempDir()
	fs, err := filestate.Open(filepath.Join(dir, "state.json"))
	if err != nil {
		t.Fatal(err)
	}
	store := newFakeStore()
	mgr := New(Config{
		FolderID:       "f1",
		Path:           dir,
		ModelName:      "mini-384",
		ModelDimension: 2,
		Parser:         fakeParser{},
		Embedder:       fakeEmbedder{},
		Store:          store,
		FileState:      fs,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mgr.Serve(ctx)

	deadline := time.After(2 * time.Second)
	for mgr.Status() != StatusActive {
		select {
		case <-deadline:
			t.Fatalf("manager never reached active, stuck at %s", mgr.Status())
		case <-time.After(10 * time.Millisecond):
		}
	}
	mgr.Stop()
}

// TestFailedFileNotFingerprintedAndNotCounted covers a per-file embed
// failure: the fingerprint must not be persisted (so the file is
// retried on the next scan) and the failed file must not be counted
// in the completion notification's fileCount.
func TestFailedFileNotFingerprintedAndNotCounted(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "good.md"), []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "bad.md"), []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}

	fs, err := filestate.Open(filepath.Join(dir, "state.json"))
	if err != nil {
		t.Fatal(err)
	}
	store := newFakeStore()
	evts := events.NewLogger()
	sub := evts.Subscribe(events.FolderIndexingCompleted)
	defer evts.Unsubscribe(sub)

	mgr := New(Config{
		FolderID:       "f1",
		Path:           dir,
		ModelName:      "mini-384",
		ModelDimension: 2,
		Parser:         fakeParser{},
		Embedder:       selectiveFailEmbedder{failSubstring: "bad.md"},
		Store:          store,
		FileState:      fs,
		Events:         evts,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mgr.Serve(ctx)

	ev, err := sub.Poll(2 * time.Second)
	if err != nil {
		t.Fatalf("expected FolderIndexingCompleted, got error %v", err)
	}
	data := ev.Data.(map[string]interface{})
	if fc, _ := data["fileCount"].(int); fc != 1 {
		t.Fatalf("expected fileCount 1 (only good.md), got %v", data["fileCount"])
	}

	if _, existed := fs.Get(ctx, "bad.md"); existed {
		t.Fatal("expected bad.md's fingerprint to not be persisted after a failed embed")
	}
	if _, existed := fs.Get(ctx, "good.md"); !existed {
		t.Fatal("expected good.md's fingerprint to be persisted")
	}
	mgr.Stop()
}

// TestMissingRuntimeEscalatesFolderError covers the §7 kind-2 path: an
// embed failure matching the known prerequisite-missing signature
// escalates the whole folder to error with the canonical message,
// rather than being recorded as an ordinary per-file error.
func TestMissingRuntimeEscalatesFolderError(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "readme.md"), []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}

	fs, err := filestate.Open(filepath.Join(dir, "state.json"))
	if err != nil {
		t.Fatal(err)
	}
	store := newFakeStore()
	evts := events.NewLogger()
	sub := evts.Subscribe(events.FolderError)
	defer evts.Unsubscribe(sub)

	mgr := New(Config{
		FolderID:           "f1",
		Path:               dir,
		ModelName:          "multilingual-e5",
		ModelDisplayName:   "Multilingual E5",
		ModelDimension:     2,
		RuntimeRequirement: "Python 3.8+",
		Parser:             fakeParser{},
		Embedder:           failingEmbedder{err: errors.New(`exec: "python3": executable file not found in $PATH`)},
		Store:              store,
		FileState:          fs,
		Events:             evts,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mgr.Serve(ctx)

	ev, err := sub.Poll(2 * time.Second)
	if err != nil {
		t.Fatalf("expected FolderError, got error %v", err)
	}
	data := ev.Data.(map[string]interface{})
	want := "Python 3.8+ required for Multilingual E5"
	if got, _ := data["message"].(string); got != want {
		t.Fatalf("expected canonical message %q, got %q", want, got)
	}

	deadline := time.After(time.Second)
	for mgr.Status() != StatusError {
		select {
		case <-deadline:
			t.Fatalf("manager never reached error, stuck at %s", mgr.Status())
		case <-time.After(10 * time.Millisecond):
		}
	}
	mgr.Stop()
}
