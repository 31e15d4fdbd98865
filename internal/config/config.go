// Package config implements reading and writing of the folder-mcp
// registry file: the JSON document recording which folders are
// monitored and which model each uses. It keeps the load/prepare/save
// shape of syncthing's config.go (an in-memory Configuration built
// with defaults, validated, then persisted as a whole on every
// change) but swaps XML for JSON and adds atomic-rename-plus-flock
// durability, since the orchestrator rebuilds all in-memory state from
// this file on every daemon restart.
package config

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
	"github.com/natefinch/atomic"
	"github.com/pkg/errors"

	"github.com/okets/folder-mcp/internal/collab"
	"github.com/okets/folder-mcp/internal/logger"
)

var l = logger.DefaultLogger.NewFacility("config", "folder registry persistence")

const CurrentVersion = 1

// ErrNotFound is returned by RemoveFolder when no entry matches path.
// GetFolder reports a missing entry with ok=false instead.
var ErrNotFound = errors.New("folder not found in registry")

// ErrAlreadyExists is returned by AddFolder for a path already present.
var ErrAlreadyExists = errors.New("folder already registered")

// Configuration is the on-disk shape of the registry file.
type Configuration struct {
	Version int                   `json:"version"`
	Folders []collab.FolderConfig `json:"folders"`
}

func New() Configuration {
	return Configuration{Version: CurrentVersion}
}

func (cfg *Configuration) prepare() {
	if cfg.Folders == nil {
		cfg.Folders = []collab.FolderConfig{}
	}

	seen := make(map[string]bool, len(cfg.Folders))
	deduped := cfg.Folders[:0]
	for _, f := range cfg.Folders {
		if seen[f.Path] {
			l.Warnf("duplicate folder entry for %q in registry; dropping", f.Path)
			continue
		}
		seen[f.Path] = true
		deduped = append(deduped, f)
	}
	cfg.Folders = deduped
}

// Store is a ConfigStore backed by a single JSON file, made durable
// with an atomic rename on every write and a file lock guarding
// concurrent daemon instances from corrupting it.
type Store struct {
	path string
	mu   sync.Mutex
	cfg  Configuration
}

var _ collab.ConfigStore = (*Store)(nil)

// Open loads path if it exists, or starts a fresh empty registry, and
// returns a Store ready for use.
func Open(path string) (*Store, error) {
	s := &Store{path: path}

	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		s.cfg = New()
		return s, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "opening folder registry")
	}
	defer f.Close()

	if err := json.NewDecoder(f).Decode(&s.cfg); err != nil {
		return nil, errors.Wrap(err, "parsing folder registry")
	}
	s.cfg.prepare()
	return s, nil
}

func (s *Store) lockPath() string {
	return s.path + ".lock"
}

func (s *Store) withFileLock(fn func() error) error {
	fl := flock.New(s.lockPath())
	if err := fl.Lock(); err != nil {
		return errors.Wrap(err, "locking folder registry")
	}
	defer fl.Unlock()
	return fn()
}

// save writes the current document atomically. Caller must hold s.mu.
func (s *Store) save() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return errors.Wrap(err, "creating folder registry directory")
	}
	buf, err := json.MarshalIndent(s.cfg, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding folder registry")
	}
	return s.withFileLock(func() error {
		return atomic.WriteFile(s.path, bytes.NewReader(buf))
	})
}

func (s *Store) AddFolder(_ context.Context, path, model string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, f := range s.cfg.Folders {
		if f.Path == path {
			return ErrAlreadyExists
		}
	}
	s.cfg.Folders = append(s.cfg.Folders, collab.FolderConfig{Path: path, Model: model})
	if err := s.save(); err != nil {
		s.cfg.Folders = s.cfg.Folders[:len(s.cfg.Folders)-1]
		return err
	}
	l.Debugf("added folder %s (model %s)", path, model)
	return nil
}

func (s *Store) RemoveFolder(_ context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := -1
	for i, f := range s.cfg.Folders {
		if f.Path == path {
			idx = i
			break
		}
	}
	if idx == -1 {
		return ErrNotFound
	}
	prev := s.cfg.Folders
	next := append(append([]collab.FolderConfig{}, prev[:idx]...), prev[idx+1:]...)
	s.cfg.Folders = next
	if err := s.save(); err != nil {
		s.cfg.Folders = prev
		return err
	}
	l.Debugf("removed folder %s", path)
	return nil
}

func (s *Store) GetFolders(_ context.Context) ([]collab.FolderConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]collab.FolderConfig, len(s.cfg.Folders))
	copy(out, s.cfg.Folders)
	return out, nil
}

func (s *Store) GetFolder(_ context.Context, path string) (collab.FolderConfig, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.cfg.Folders {
		if f.Path == path {
			return f, true, nil
		}
	}
	return collab.FolderConfig{}, false, nil
}
