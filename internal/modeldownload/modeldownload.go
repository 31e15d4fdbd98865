// Package modeldownload manages fetching a curated model's artefacts
// through the collab.Downloader collaborator, reporting progress and
// honouring cancellation. It is grounded on the resumable, cancellable
// transfer shape of kopia's blob package (a context-scoped fetch with
// progress callbacks and cooperative cancellation). Callers asking for
// the same model share one transfer; downloads of different models may
// run at the same time.
package modeldownload

import (
	"context"
	"sync"

	"github.com/okets/folder-mcp/internal/collab"
	"github.com/okets/folder-mcp/internal/logger"
	"github.com/okets/folder-mcp/internal/modelregistry"
)

var l = logger.DefaultLogger.NewFacility("modeldownload", "model artefact download manager")

// download tracks one in-flight transfer: err is only safe to read
// after done is closed, since the closing happens-before establishes
// the write.
type download struct {
	done chan struct{}
	err  error
}

// Manager coordinates model downloads, preventing the same model from
// being fetched twice concurrently.
type Manager struct {
	downloader collab.Downloader
	registry   *modelregistry.Registry

	mu       sync.Mutex
	inFlight map[string]*download
}

func New(downloader collab.Downloader, registry *modelregistry.Registry) *Manager {
	return &Manager{
		downloader: downloader,
		registry:   registry,
		inFlight:   make(map[string]*download),
	}
}

// Ensure downloads modelID if not already installed, calling
// onProgress with percentages in [0,100]. If a download for modelID is
// already in flight, Ensure waits for it instead of starting a second
// one and returns whatever error that download finished with. Cancelling
// ctx cancels the underlying transfer if this caller started it; a
// waiting caller simply stops waiting.
func (m *Manager) Ensure(ctx context.Context, modelID string, onProgress func(percent int)) error {
	model, err := m.registry.Lookup(modelID)
	if err != nil {
		return err
	}
	if model.Installed {
		return nil
	}

	m.mu.Lock()
	if d, inFlight := m.inFlight[modelID]; inFlight {
		m.mu.Unlock()
		select {
		case <-d.done:
			return d.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	d := &download{done: make(chan struct{})}
	m.inFlight[modelID] = d
	m.mu.Unlock()

	l.Infof("downloading model %s", modelID)
	d.err = m.downloader.Download(ctx, modelID, onProgress)
	if d.err == nil {
		m.registry.MarkInstalled(modelID)
	}

	m.mu.Lock()
	delete(m.inFlight, modelID)
	m.mu.Unlock()
	close(d.done)

	return d.err
}
