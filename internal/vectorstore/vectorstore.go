// Package vectorstore provides a minimal in-process stand-in for the
// SQLite-plus-vector-extension storage engine the design explicitly
// calls an external collaborator (one per monitored folder, reached
// only through collab.Store). No vector database or SQLite driver
// exists anywhere in the dependency pack this project draws from, so
// this package fulfils the contract with a durable, atomically-
// persisted JSON snapshot per folder instead of prescribing a real
// embedding index — a production deployment swaps this package out
// without the orchestrator or folder manager noticing, exactly as the
// narrow-interface design intends.
package vectorstore

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/natefinch/atomic"
	"github.com/pkg/errors"

	"github.com/okets/folder-mcp/internal/collab"
)

type document struct {
	ModelName      string                    `json:"modelName"`
	ModelDimension int                       `json:"modelDimension"`
	Files          map[string][]collab.Chunk `json:"files"`
}

// Store is a per-folder collab.Store backed by a single JSON file
// under the folder's .folder-mcp directory.
type Store struct {
	path string
	mu   sync.Mutex
	doc  document
	open bool
}

var _ collab.Store = (*Store)(nil)

// New returns an unopened Store; call Open before use.
func New(path string) *Store {
	return &Store{path: path}
}

func (s *Store) Open(_ context.Context, _ string, modelName string, modelDimension int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.doc = document{ModelName: modelName, ModelDimension: modelDimension, Files: make(map[string][]collab.Chunk)}
		s.open = true
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "opening vector store")
	}
	defer f.Close()

	if err := json.NewDecoder(f).Decode(&s.doc); err != nil {
		return errors.Wrap(err, "parsing vector store")
	}
	if s.doc.Files == nil {
		s.doc.Files = make(map[string][]collab.Chunk)
	}
	if s.doc.ModelName != "" && s.doc.ModelName != modelName {
		return errors.Errorf("vector store was built with model %q, cannot reuse for %q", s.doc.ModelName, modelName)
	}
	s.doc.ModelName = modelName
	s.doc.ModelDimension = modelDimension
	s.open = true
	return nil
}

func (s *Store) Upsert(_ context.Context, relativePath string, chunks []collab.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return errors.New("vector store not open")
	}
	s.doc.Files[relativePath] = chunks
	return s.persistLocked()
}

func (s *Store) Delete(_ context.Context, relativePath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return errors.New("vector store not open")
	}
	delete(s.doc.Files, relativePath)
	return s.persistLocked()
}

func (s *Store) ChunkCount(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, chunks := range s.doc.Files {
		n += len(chunks)
	}
	return n, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = false
	return nil
}

// persistLocked writes the store atomically. Caller must hold s.mu.
func (s *Store) persistLocked() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return errors.Wrap(err, "creating vector store directory")
	}
	buf, err := json.Marshal(s.doc)
	if err != nil {
		return errors.Wrap(err, "encoding vector store")
	}
	return atomic.WriteFile(s.path, bytes.NewReader(buf))
}
