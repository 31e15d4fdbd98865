// Package orchestrator implements the singleton Monitored-Folders
// Orchestrator (C10): it owns every per-folder manager and watcher,
// wires their events to the FMDM service and the sequential indexing
// queue, performs the addFolder/removeFolder protocols, and runs the
// periodic folder validator. It is grounded on syncthing's lib/model
// Model (the object that owns every folder's runner and wires its
// events to the rest of the daemon) narrowed from syncthing's
// device-sync concerns to this daemon's scan/index/watch concerns; the
// concurrent path→manager/path→watcher maps use
// github.com/puzpuzpuz/xsync/v3 in place of the teacher's
// mutex-guarded plain maps, since the validator, watchers, and the
// public API all touch these maps concurrently.
package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/okets/folder-mcp/internal/activity"
	"github.com/okets/folder-mcp/internal/collab"
	"github.com/okets/folder-mcp/internal/errkind"
	"github.com/okets/folder-mcp/internal/events"
	"github.com/okets/folder-mcp/internal/filestate"
	"github.com/okets/folder-mcp/internal/fmdm"
	"github.com/okets/folder-mcp/internal/foldermgr"
	"github.com/okets/folder-mcp/internal/fswatch"
	"github.com/okets/folder-mcp/internal/indexqueue"
	"github.com/okets/folder-mcp/internal/logger"
	"github.com/okets/folder-mcp/internal/modeldownload"
	"github.com/okets/folder-mcp/internal/modelregistry"
	"github.com/okets/folder-mcp/internal/resource"
)

var l = logger.DefaultLogger.NewFacility("orchestrator", "monitored-folders orchestrator")

// ValidatorInterval is how often the periodic folder validator checks
// that every managed path still exists on disk.
const ValidatorInterval = 30 * time.Second

// WindowsRemoveGracePeriod is the bounded pause before deleting a
// folder's state directory on Windows, giving file handles time to
// release.
const WindowsRemoveGracePeriod = 2 * time.Second

type folderEntry struct {
	manager *foldermgr.Manager
	watcher *fswatch.Watcher
	cancel  context.CancelFunc
}

// Collaborators bundles every out-of-scope dependency the orchestrator
// wires into each folder it manages.
type Collaborators struct {
	Parser      collab.Parser
	Embedder    collab.Embedder
	Downloader  collab.Downloader
	ConfigStore collab.ConfigStore
	NewStore    func(folderPath string) collab.Store
}

// Orchestrator is the singleton fleet control plane.
type Orchestrator struct {
	collab    Collaborators
	registry  *modelregistry.Registry
	downloads *modeldownload.Manager
	resources *resource.Manager
	queue     *indexqueue.Queue
	fmdm      *fmdm.Service
	evts      *events.Logger
	activity  *activity.Ring

	folders *xsync.MapOf[string, *folderEntry]

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

func New(collaborators Collaborators, registry *modelregistry.Registry, resources *resource.Manager, evts *events.Logger) *Orchestrator {
	downloads := modeldownload.New(collaborators.Downloader, registry)
	o := &Orchestrator{
		collab:    collaborators,
		registry:  registry,
		downloads: downloads,
		resources: resources,
		queue:     indexqueue.New(evts, collaborators.Embedder),
		fmdm:      fmdm.New(evts, registry),
		evts:      evts,
		activity:  activity.New(evts, events.AllEvents, activity.DefaultCapacity),
		folders:   xsync.NewMapOf[string, *folderEntry](),
	}
	return o
}

// FMDM returns the orchestrator's FMDM service, for read access by RPC
// handlers and other external consumers.
func (o *Orchestrator) FMDM() *fmdm.Service { return o.fmdm }

// Activity returns the recent fleet-wide event feed, for read access by
// RPC handlers and other external consumers.
func (o *Orchestrator) Activity() *activity.Ring { return o.activity }

// StartAll starts the sequential indexing queue, the resource manager
// sampler, and the periodic validator, restoring any folders already
// present in the config store.
func (o *Orchestrator) StartAll(ctx context.Context) error {
	o.runCtx, o.runCancel = context.WithCancel(ctx)

	o.wg.Add(1)
	go func() { defer o.wg.Done(); _ = o.queue.Run(o.runCtx) }()

	if o.resources != nil {
		o.wg.Add(1)
		go func() { defer o.wg.Done(); _ = o.resources.Run(o.runCtx) }()
	}

	o.wg.Add(1)
	go func() { defer o.wg.Done(); o.runValidator(o.runCtx) }()

	folders, err := o.collab.ConfigStore.GetFolders(ctx)
	if err != nil {
		return errors.Wrap(err, "loading folder registry")
	}
	for _, f := range folders {
		if err := o.startExistingFolder(ctx, f.Path, f.Model); err != nil {
			l.Warnf("restoring folder %s: %v", f.Path, err)
		}
	}
	return nil
}

// StopAll cancels the shared run context, which stops the validator,
// the queue, the resource sampler and every folder's manager and
// watcher at the same moment, with no ordering among them; it then
// waits for each manager to stop and for every goroutine to exit.
func (o *Orchestrator) StopAll() {
	if o.runCancel != nil {
		o.runCancel()
	}
	o.folders.Range(func(path string, e *folderEntry) bool {
		if e.cancel != nil {
			e.cancel()
		}
		if e.manager != nil {
			e.manager.Stop()
		}
		return true
	})
	o.wg.Wait()
}

// AddFolder implements the addFolder protocol (§4.1).
func (o *Orchestrator) AddFolder(ctx context.Context, path, model string) error {
	path = filepath.Clean(path)

	if info, err := os.Stat(path); err != nil || !info.IsDir() {
		o.fmdm.PublishError(path, model, "Folder does not exist")
		return errors.New("folder does not exist")
	}

	if _, ok := o.folders.Load(path); ok {
		return errors.New("folder already managed")
	}

	if _, err := o.registry.Lookup(model); err != nil {
		o.fmdm.PublishError(path, model, errkind.Message(err))
		return err
	}

	release, err := o.resources.Submit(ctx, resource.Operation{
		ID:                "add-folder:" + path,
		FolderPath:        path,
		Priority:          1,
		EstimatedMemoryMB: 100,
	})
	if err != nil {
		o.fmdm.PublishError(path, model, errkind.Message(err))
		o.runCleanupProtocol(path)
		return err
	}
	defer release()

	o.fmdm.AddPendingFolder(path, model)

	if err := o.collab.ConfigStore.AddFolder(ctx, path, model); err != nil {
		o.fmdm.PublishError(path, model, errkind.Message(err))
		o.runCleanupProtocol(path)
		return err
	}

	if err := o.bringUpFolder(ctx, path, model); err != nil {
		o.fmdm.PublishError(path, model, errkind.Message(err))
		o.runCleanupProtocol(path)
		return err
	}
	return nil
}

func (o *Orchestrator) startExistingFolder(ctx context.Context, path, model string) error {
	o.fmdm.AddPendingFolder(path, model)
	return o.bringUpFolder(ctx, path, model)
}

// bringUpFolder downloads the model if necessary, then constructs the
// folder's collaborators and manager and enqueues its first scan.
func (o *Orchestrator) bringUpFolder(ctx context.Context, path, model string) error {
	info, err := o.registry.Lookup(model)
	if err != nil {
		return err
	}

	if !info.Installed {
		o.fmdm.UpdateDownloadProgress(path, 0)
		if err := o.downloads.Ensure(ctx, model, func(percent int) {
			o.fmdm.UpdateDownloadProgress(path, percent)
		}); err != nil {
			return errkind.New(errkind.KindTransient, err)
		}
		info, err = o.registry.Lookup(model)
		if err != nil {
			return err
		}
	}

	stateDir := filepath.Join(path, ".folder-mcp")
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return errors.Wrap(err, "creating .folder-mcp directory")
	}

	fileState, err := filestate.Open(filepath.Join(stateDir, "filestate.json"))
	if err != nil {
		return errors.Wrap(err, "opening fingerprint store")
	}
	store := o.collab.NewStore(path)

	runtimeRequirement := ""
	if info.Kind == modelregistry.KindPython {
		runtimeRequirement = "Python 3.8+"
	}

	evtCtx, cancel := context.WithCancel(o.runCtx)
	manager := foldermgr.New(foldermgr.Config{
		FolderID:           path,
		Path:               path,
		ModelName:          model,
		ModelDisplayName:   info.DisplayName,
		ModelDimension:     info.Dimensions,
		RuntimeRequirement: runtimeRequirement,
		Parser:             o.collab.Parser,
		Embedder:           o.collab.Embedder,
		Store:              store,
		FileState:          fileState,
		Events:             o.evts,
	})

	entry := &folderEntry{manager: manager, cancel: cancel}
	o.folders.Store(path, entry)

	o.wg.Add(1)
	go func() { defer o.wg.Done(); manager.Serve(evtCtx) }()

	o.watchManagerEvents(evtCtx, path, manager)

	watcher, err := fswatch.New(path, path, nil, 500*time.Millisecond, o.evts)
	if err == nil {
		entry.watcher = watcher
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			_ = watcher.Run(evtCtx, func(batch []string) {
				release, err := o.resources.Submit(evtCtx, resource.Operation{
					ID:                "scan-changes:" + path,
					FolderPath:        path,
					Priority:          2,
					EstimatedMemoryMB: 50,
				})
				if err != nil {
					l.Warnf("admitting scan-changes for %s: %v", path, err)
					return
				}
				o.queue.Enqueue(indexqueue.Job{
					FolderPath: path,
					Model:      model,
					Run: func(ctx context.Context) error {
						defer release()
						manager.NotifyChanges(batch)
						return nil
					},
				})
			})
		}()
	} else {
		l.Warnf("starting watcher for %s: %v", path, err)
	}

	o.queue.Enqueue(indexqueue.Job{
		FolderPath: path,
		Model:      model,
		Run: func(ctx context.Context) error {
			manager.RequestScan()
			return nil
		},
	})

	return nil
}

// watchManagerEvents subscribes to the shared event bus and projects
// this folder's state changes into FMDM. Each folder gets its own
// subscription, and projectEvent drops every event whose folderId
// payload is not this folder's, so multiple managers can share one bus.
func (o *Orchestrator) watchManagerEvents(ctx context.Context, path string, manager *foldermgr.Manager) {
	sub := o.evts.Subscribe(events.FolderStateChanged | events.FolderScanProgress |
		events.FolderScanCompleted | events.FolderIndexingProgress |
		events.FolderIndexingCompleted | events.FolderError)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.evts.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-sub.C():
				o.projectEvent(path, ev)
			}
		}
	}()
}

func (o *Orchestrator) projectEvent(path string, ev events.Event) {
	data, ok := ev.Data.(map[string]interface{})
	if !ok {
		return
	}
	if fid, ok := data["folderId"].(string); !ok || fid != path {
		return
	}

	switch ev.Type {
	case events.FolderScanProgress:
		pct, _ := data["percentage"].(int)
		processed, _ := data["processedFiles"].(int)
		total, _ := data["totalFiles"].(int)
		o.fmdm.UpdateScanningProgress(path, fmdm.ScanningProgress{
			Phase: "scan", ProcessedFiles: processed, TotalFiles: total, Percentage: pct,
		})
	case events.FolderIndexingProgress:
		pct, _ := data["percentage"].(int)
		o.fmdm.UpdateIndexingProgress(path, pct)
	case events.FolderIndexingCompleted:
		fileCount, _ := data["fileCount"].(int)
		o.fmdm.CompleteIndexing(path, completionMessage(fileCount, data["indexingTimeSeconds"]))
	case events.FolderError:
		msg, _ := data["message"].(string)
		o.fmdm.PublishError(path, "", classifyMessage(msg))
	}
}

func completionMessage(fileCount int, elapsed interface{}) string {
	secs, _ := elapsed.(float64)
	return strconv.Itoa(fileCount) + " files indexed • indexing time " + strconv.FormatFloat(secs, 'f', 1, 64) + "s"
}

func classifyMessage(msg string) string {
	return msg
}

// runCleanupProtocol cancels in-flight work for path, stops its
// manager and watcher, deletes its state directory, and removes it
// from the config store. It never scrubs an error entry from FMDM.
func (o *Orchestrator) runCleanupProtocol(path string) {
	entry, ok := o.folders.LoadAndDelete(path)
	if ok {
		if entry.cancel != nil {
			entry.cancel()
		}
		if entry.manager != nil {
			entry.manager.Stop()
		}
	}
	if err := os.RemoveAll(filepath.Join(path, ".folder-mcp")); err != nil {
		l.Warnf("cleanup: removing state directory for %s: %v", path, err)
	}
	if err := o.collab.ConfigStore.RemoveFolder(context.Background(), path); err != nil {
		l.Debugf("cleanup: removing %s from config: %v", path, err)
	}
}

// RemoveFolder implements the removeFolder protocol (§4.1).
func (o *Orchestrator) RemoveFolder(ctx context.Context, path string) error {
	path = filepath.Clean(path)

	o.queue.Remove(path)

	entry, ok := o.folders.LoadAndDelete(path)
	if ok {
		if entry.cancel != nil {
			entry.cancel()
		}
		if entry.manager != nil {
			entry.manager.Stop()
		}
	}

	if runtime.GOOS == "windows" {
		time.Sleep(WindowsRemoveGracePeriod)
	}

	if err := os.RemoveAll(filepath.Join(path, ".folder-mcp")); err != nil {
		l.Warnf("removeFolder: deleting state directory for %s: %v", path, err)
	}
	if err := o.collab.ConfigStore.RemoveFolder(ctx, path); err != nil {
		l.Warnf("removeFolder: removing %s from config: %v", path, err)
	}

	o.fmdm.ForceRemoveFolder(path)
	return nil
}

// runValidator periodically checks that every managed path still
// exists, marking vanished folders as errored without removing them.
func (o *Orchestrator) runValidator(ctx context.Context) {
	ticker := time.NewTicker(ValidatorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.folders.Range(func(path string, entry *folderEntry) bool {
				if _, err := os.Stat(path); err != nil {
					l.Warnf("folder %s no longer exists", path)
					if entry.manager != nil {
						entry.manager.Stop()
					}
					if entry.cancel != nil {
						entry.cancel()
					}
					o.folders.Delete(path)
					o.fmdm.PublishError(path, "", "Folder no longer exists")
				}
				return true
			})
		}
	}
}
