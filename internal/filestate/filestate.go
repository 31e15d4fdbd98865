// Package filestate tracks the per-file fingerprint (size, mtime,
// content hash) a folder manager uses to decide whether a file needs
// re-parsing and re-embedding. It plays the role syncthing's
// internal/files leveldb-backed set plays for block lists: a durable,
// keyed record of what was last seen, consulted on every scan and
// updated as files are indexed. Unlike that set, the corpus has no
// embeddable database, so the record here is a flat JSON snapshot
// persisted atomically, fronted by an LRU for the hot path.
package filestate

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/natefinch/atomic"
	"github.com/pkg/errors"
)

// Fingerprint identifies the content of one file at the time it was
// last indexed.
type Fingerprint struct {
	RelativePath string `json:"relativePath"`
	Size         int64  `json:"size"`
	ModTimeNs    int64  `json:"modTimeNs"`
	ContentHash  string `json:"contentHash"`
}

// Changed reports whether other differs in any field that would
// require re-indexing.
func (f Fingerprint) Changed(other Fingerprint) bool {
	return f.Size != other.Size || f.ModTimeNs != other.ModTimeNs || f.ContentHash != other.ContentHash
}

const cacheSize = 4096

// Store is a durable, keyed fingerprint record for one folder.
type Store struct {
	path  string
	mu    sync.Mutex
	cache *lru.Cache[string, Fingerprint]
	all   map[string]Fingerprint
}

// Open loads path if present or starts empty, sizing an in-memory LRU
// front for the hot scan-then-lookup path.
func Open(path string) (*Store, error) {
	cache, err := lru.New[string, Fingerprint](cacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "allocating fingerprint cache")
	}
	s := &Store{path: path, cache: cache, all: make(map[string]Fingerprint)}

	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "opening fingerprint store")
	}
	defer f.Close()

	var entries []Fingerprint
	if err := json.NewDecoder(f).Decode(&entries); err != nil {
		return nil, errors.Wrap(err, "parsing fingerprint store")
	}
	for _, e := range entries {
		s.all[e.RelativePath] = e
		s.cache.Add(e.RelativePath, e)
	}
	return s, nil
}

// Get returns the last recorded fingerprint for relativePath, if any.
func (s *Store) Get(_ context.Context, relativePath string) (Fingerprint, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fp, ok := s.cache.Get(relativePath); ok {
		return fp, true
	}
	fp, ok := s.all[relativePath]
	return fp, ok
}

// Put records fp, superseding any prior fingerprint for the same path.
// The caller is responsible for calling Flush to persist.
func (s *Store) Put(_ context.Context, fp Fingerprint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.all[fp.RelativePath] = fp
	s.cache.Add(fp.RelativePath, fp)
}

// Remove deletes the fingerprint for relativePath, e.g. after a
// deletion is observed by the watcher.
func (s *Store) Remove(_ context.Context, relativePath string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.all, relativePath)
	s.cache.Remove(relativePath)
}

// Paths returns every relative path currently tracked, for pruning
// entries whose file has disappeared from disk.
func (s *Store) Paths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.all))
	for p := range s.all {
		out = append(out, p)
	}
	return out
}

// Count reports how many files are currently tracked.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.all)
}

// Flush persists the current state atomically.
func (s *Store) Flush() error {
	s.mu.Lock()
	entries := make([]Fingerprint, 0, len(s.all))
	for _, fp := range s.all {
		entries = append(entries, fp)
	}
	s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return errors.Wrap(err, "creating fingerprint store directory")
	}
	buf, err := json.Marshal(entries)
	if err != nil {
		return errors.Wrap(err, "encoding fingerprint store")
	}
	return atomic.WriteFile(s.path, bytes.NewReader(buf))
}
