// Package foldermgr implements the per-folder lifecycle manager (C7):
// the state machine that scans a folder, diffs it against stored
// fingerprints, indexes the result, and reports progress and errors.
// Its shape — a serve(ctx) loop selecting over a handful of internal
// channels (a scan request, a batch of watcher-reported paths, a stop
// signal) — is grounded on fragtion-syncthing's lib/model/folder.go
// (folder.serve, doInSyncChan, watchChan), narrowed from syncthing's
// pull/sync semantics to this daemon's scan-then-embed semantics.
package foldermgr

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/okets/folder-mcp/internal/collab"
	"github.com/okets/folder-mcp/internal/errkind"
	"github.com/okets/folder-mcp/internal/events"
	"github.com/okets/folder-mcp/internal/extset"
	"github.com/okets/folder-mcp/internal/filestate"
	"github.com/okets/folder-mcp/internal/logger"
)

var l = logger.DefaultLogger.NewFacility("foldermgr", "per-folder lifecycle manager")

type Status string

const (
	StatusPending  Status = "pending"
	StatusScanning Status = "scanning"
	StatusIndexing Status = "indexing"
	StatusActive   Status = "active"
	StatusError    Status = "error"
)

type taskKind int

const (
	taskAdd taskKind = iota
	taskModify
	taskDelete
)

type task struct {
	kind         taskKind
	relativePath string
	fingerprint  filestate.Fingerprint // valid for taskAdd/taskModify only
}

// Config bundles a folder manager's collaborators and tuning
// parameters.
type Config struct {
	FolderID           string
	Path               string
	ModelName          string
	ModelDisplayName   string
	ModelDimension     int
	// RuntimeRequirement names the external runtime the embedding
	// backend depends on (e.g. "Python 3.8+"), empty if it needs none
	// (e.g. an in-process ONNX model). Only used to build the
	// canonical §7 kind-2 message when Embed fails with a recognized
	// missing-runtime signature.
	RuntimeRequirement string
	Parser             collab.Parser
	Embedder           collab.Embedder
	Store              collab.Store
	FileState          *filestate.Store
	Events             *events.Logger
	MaxConcurrentFiles int
}

// Manager owns one folder's lifecycle: scanning, indexing, and
// reacting to watcher-reported changes.
type Manager struct {
	cfg Config

	mu     sync.Mutex
	status Status

	scanRequested chan struct{}
	watchBatch    chan []string
	stop          chan struct{}
	stopped       chan struct{}
}

func New(cfg Config) *Manager {
	if cfg.MaxConcurrentFiles <= 0 {
		cfg.MaxConcurrentFiles = 4
	}
	return &Manager{
		cfg:           cfg,
		status:        StatusPending,
		scanRequested: make(chan struct{}, 1),
		watchBatch:    make(chan []string, 1),
		stop:          make(chan struct{}),
		stopped:       make(chan struct{}),
	}
}

func (m *Manager) setStatus(s Status) {
	m.mu.Lock()
	m.status = s
	m.mu.Unlock()
	m.emit(events.FolderStateChanged, map[string]interface{}{
		"folderId": m.cfg.FolderID,
		"status":   string(s),
	})
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *Manager) emit(t events.EventType, data interface{}) {
	if m.cfg.Events != nil {
		m.cfg.Events.Log(t, data)
	}
}

// RequestScan asks the manager to (re)scan at its next opportunity.
// Non-blocking: a scan already queued is not queued twice.
func (m *Manager) RequestScan() {
	select {
	case m.scanRequested <- struct{}{}:
	default:
	}
}

// NotifyChanges is called by the file watcher with a batch of changed
// relative paths (or "." meaning rescan everything), triggering a
// rescan of the whole folder; the paths themselves are only logged.
func (m *Manager) NotifyChanges(paths []string) {
	select {
	case m.watchBatch <- paths:
	default:
	}
}

// Serve runs the manager's event loop until Stop is called or ctx is
// cancelled, the way folder.serve does in the teacher: one goroutine,
// one select, no shared mutable state reached from outside the loop
// except through the channels above.
func (m *Manager) Serve(ctx context.Context) {
	defer close(m.stopped)
	m.RequestScan()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-m.scanRequested:
			m.runScanAndIndex(ctx)
		case paths := <-m.watchBatch:
			l.Debugf("folder %s: rescanning due to watcher batch %v", m.cfg.FolderID, paths)
			m.runScanAndIndex(ctx)
		}
	}
}

// Stop signals Serve to return and waits for it to do so.
func (m *Manager) Stop() {
	select {
	case <-m.stop:
	default:
		close(m.stop)
	}
	<-m.stopped
}

func (m *Manager) runScanAndIndex(ctx context.Context) {
	tasks, err := m.startScanning(ctx)
	if err != nil {
		m.fail(err)
		return
	}
	if len(tasks) == 0 {
		m.setStatus(StatusActive)
		m.emit(events.FolderIndexingCompleted, map[string]interface{}{
			"folderId":  m.cfg.FolderID,
			"fileCount": 0,
		})
		return
	}
	if err := m.startIndexing(ctx, tasks); err != nil {
		m.fail(err)
		return
	}
}

func (m *Manager) fail(err error) {
	m.setStatus(StatusError)
	m.emit(events.FolderError, map[string]interface{}{
		"folderId": m.cfg.FolderID,
		"message":  errkind.Message(err),
	})
}

// startScanning walks the folder, computes fingerprints, and diffs
// against stored state, producing add/modify/delete tasks. It emits
// scan progress at least every ~500ms.
func (m *Manager) startScanning(ctx context.Context) ([]task, error) {
	m.setStatus(StatusScanning)

	info, err := os.Stat(m.cfg.Path)
	if err != nil || !info.IsDir() {
		return nil, errkind.NewForFile(errkind.KindEnvironment, m.cfg.Path, errors.New("folder does not exist"))
	}

	seen := make(map[string]bool)
	var tasks []task
	var processed, total int

	// A lightweight first pass just to estimate totalFiles for progress
	// reporting; cheap relative to parsing.
	_ = filepath.Walk(m.cfg.Path, func(path string, fi os.FileInfo, err error) error {
		if err != nil || fi.IsDir() {
			return nil
		}
		if extset.Supported(path) {
			total++
		}
		return nil
	})

	lastEmit := time.Now()
	walkErr := filepath.Walk(m.cfg.Path, func(path string, fi os.FileInfo, err error) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			return nil // per-file walk errors are skipped, not fatal
		}
		if fi.IsDir() || !extset.Supported(path) {
			return nil
		}
		rel, err := filepath.Rel(m.cfg.Path, path)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		seen[rel] = true

		hash, err := hashFile(path)
		if err != nil {
			l.Warnf("hashing %s: %v", path, err)
			return nil
		}
		fp := filestate.Fingerprint{
			RelativePath: rel,
			Size:         fi.Size(),
			ModTimeNs:    fi.ModTime().UnixNano(),
			ContentHash:  hash,
		}
		// The fingerprint is only persisted once indexOne succeeds for
		// this file (see startIndexing); committing it here, before the
		// file is actually embedded and upserted, would make a failed
		// file look current on the next scan and never be retried.
		prev, existed := m.cfg.FileState.Get(ctx, rel)
		switch {
		case !existed:
			tasks = append(tasks, task{kind: taskAdd, relativePath: rel, fingerprint: fp})
		case prev.Changed(fp):
			tasks = append(tasks, task{kind: taskModify, relativePath: rel, fingerprint: fp})
		}

		processed++
		if time.Since(lastEmit) >= 500*time.Millisecond {
			m.emitScanProgress(processed, total)
			lastEmit = time.Now()
		}
		return nil
	})
	if walkErr != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}

	for _, rel := range m.cfg.FileState.Paths() {
		if !seen[rel] {
			tasks = append(tasks, task{kind: taskDelete, relativePath: rel})
		}
	}

	m.emitScanProgress(total, total)
	m.emit(events.FolderScanCompleted, map[string]interface{}{
		"folderId":  m.cfg.FolderID,
		"taskCount": len(tasks),
	})
	return tasks, nil
}

func (m *Manager) emitScanProgress(processed, total int) {
	pct := 100
	if total > 0 {
		pct = processed * 100 / total
	}
	m.emit(events.FolderScanProgress, map[string]interface{}{
		"folderId":       m.cfg.FolderID,
		"phase":          "scan",
		"processedFiles": processed,
		"totalFiles":     total,
		"percentage":     pct,
	})
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// startIndexing consumes tasks in order, parsing, chunking, embedding
// and upserting adds/modifies (up to MaxConcurrentFiles of them at
// once) and dropping vectors for deletes inline. Progress is emitted at
// least every ~1s and always at completion.
func (m *Manager) startIndexing(ctx context.Context, tasks []task) error {
	m.setStatus(StatusIndexing)
	m.emit(events.FolderIndexingStarted, map[string]interface{}{
		"folderId": m.cfg.FolderID,
		"taskCount": len(tasks),
	})

	if err := m.cfg.Store.Open(ctx, m.cfg.Path, m.cfg.ModelName, m.cfg.ModelDimension); err != nil {
		return errors.Wrap(err, "opening vector store")
	}

	start := time.Now()
	lastEmit := time.Now()
	var fileCount int
	var perFileErrors []string
	var folderErr error

	indexCtx, cancelIndexing := context.WithCancel(ctx)
	defer cancelIndexing()

	sem := make(chan struct{}, m.cfg.MaxConcurrentFiles)
	var wg sync.WaitGroup
	var mu sync.Mutex

	for i, t := range tasks {
		if indexCtx.Err() != nil {
			break
		}
		if t.kind == taskDelete {
			if err := m.cfg.Store.Delete(indexCtx, t.relativePath); err != nil {
				mu.Lock()
				perFileErrors = append(perFileErrors, t.relativePath+": "+err.Error())
				mu.Unlock()
			}
			m.cfg.FileState.Remove(indexCtx, t.relativePath)
			continue
		}

		sem <- struct{}{}
		wg.Add(1)
		go func(t task) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := m.indexOne(indexCtx, t.relativePath); err != nil {
				// An environment-kind failure (e.g. a missing runtime
				// the embedding backend needs) means every remaining
				// file will fail the same way; escalate the whole
				// folder instead of quarantining one file at a time.
				if errkind.Is(err, errkind.KindEnvironment) {
					mu.Lock()
					if folderErr == nil {
						folderErr = err
					}
					mu.Unlock()
					cancelIndexing()
					return
				}
				mu.Lock()
				perFileErrors = append(perFileErrors, t.relativePath+": "+err.Error())
				mu.Unlock()
				l.Warnf("indexing %s: %v", t.relativePath, err)
				return
			}
			m.cfg.FileState.Put(indexCtx, t.fingerprint)
			mu.Lock()
			fileCount++
			mu.Unlock()
		}(t)

		if time.Since(lastEmit) >= time.Second {
			mu.Lock()
			done := fileCount
			mu.Unlock()
			m.emitIndexProgress(done, len(tasks))
			lastEmit = time.Now()
		}
		_ = i
	}
	wg.Wait()

	if err := m.cfg.FileState.Flush(); err != nil {
		l.Warnf("flushing fingerprint store for %s: %v", m.cfg.FolderID, err)
	}

	if folderErr != nil {
		return folderErr
	}

	m.emitIndexProgress(len(tasks), len(tasks))

	elapsed := time.Since(start).Seconds()
	m.setStatus(StatusActive)
	m.emit(events.FolderIndexingCompleted, map[string]interface{}{
		"folderId":            m.cfg.FolderID,
		"fileCount":           fileCount,
		"indexingTimeSeconds": elapsed,
		"perFileErrors":       perFileErrors,
	})
	return nil
}

func (m *Manager) emitIndexProgress(done, total int) {
	pct := 100
	if total > 0 {
		pct = done * 100 / total
		if pct > 100 {
			pct = 100
		}
	}
	m.emit(events.FolderIndexingProgress, map[string]interface{}{
		"folderId":   m.cfg.FolderID,
		"percentage": pct,
	})
}

func (m *Manager) indexOne(ctx context.Context, relativePath string) error {
	chunks, err := m.cfg.Parser.Parse(ctx, filepath.Join(m.cfg.Path, relativePath))
	if err != nil {
		return errkind.NewForFile(errkind.KindPerFile, relativePath, err)
	}
	if len(chunks) == 0 {
		return m.cfg.Store.Upsert(ctx, relativePath, nil)
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vecs, err := m.cfg.Embedder.Embed(ctx, texts)
	if err != nil {
		if m.cfg.RuntimeRequirement != "" {
			if envErr := errkind.ClassifyEmbedError(m.cfg.ModelDisplayName, m.cfg.RuntimeRequirement, err); envErr != nil {
				return envErr
			}
		}
		return errkind.NewForFile(errkind.KindPerFile, relativePath, err)
	}
	for i := range chunks {
		if i < len(vecs) {
			chunks[i].Embedding = vecs[i]
		}
	}
	return m.cfg.Store.Upsert(ctx, relativePath, chunks)
}
