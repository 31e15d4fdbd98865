// Package fswatch watches one folder's directory tree recursively and
// feeds changed relative paths into a watchbatch.Aggregator, emitting
// FolderChangesDetected once a batch is ready. It is grounded on
// syncthing's lib/fswatcher (recursive notify.Watch plus an ignore
// filter), generalized from syncthing's ignore-pattern matcher to
// gobwas/glob exclude patterns and from BEP's notion of "ignored" to
// this daemon's canonical indexable-extension set.
package fswatch

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gobwas/glob"
	"github.com/pkg/errors"
	"github.com/syncthing/notify"

	"github.com/okets/folder-mcp/internal/events"
	"github.com/okets/folder-mcp/internal/extset"
	"github.com/okets/folder-mcp/internal/logger"
	"github.com/okets/folder-mcp/internal/watchbatch"
)

var l = logger.DefaultLogger.NewFacility("fswatch", "recursive folder watching")

// DefaultExcludes are glob patterns never indexed regardless of
// extension: VCS metadata, this daemon's own state directory, and
// common build/dependency directories.
var DefaultExcludes = []string{
	".git/**", ".svn/**", ".hg/**",
	".folder-mcp/**",
	"node_modules/**", "__pycache__/**",
	"*.tmp", "*.swp", "~$*",
}

// Watcher watches one folder root and publishes batched change
// notifications.
type Watcher struct {
	root     string
	excludes []glob.Glob
	agg      *watchbatch.Aggregator
	evts     *events.Logger
	folderID string

	notifyCh chan notify.EventInfo
}

// New compiles excludePatterns (in addition to DefaultExcludes) and
// returns a Watcher for root, not yet started.
func New(folderID, root string, excludePatterns []string, debounce time.Duration, evts *events.Logger) (*Watcher, error) {
	all := append(append([]string{}, DefaultExcludes...), excludePatterns...)
	compiled := make([]glob.Glob, 0, len(all))
	for _, p := range all {
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, errors.Wrapf(err, "compiling exclude pattern %q", p)
		}
		compiled = append(compiled, g)
	}
	return &Watcher{
		root:     filepath.Clean(root),
		excludes: compiled,
		agg:      watchbatch.NewAggregator(debounce),
		evts:     evts,
		folderID: folderID,
	}, nil
}

func (w *Watcher) excluded(relativePath string) bool {
	slash := filepath.ToSlash(relativePath)
	for _, g := range w.excludes {
		if g.Match(slash) {
			return true
		}
	}
	return false
}

// Run watches the tree until ctx is cancelled, calling onBatch with
// the relative paths (directories or files, "." for the whole folder)
// that need rescanning. Run blocks; call it from its own goroutine.
func (w *Watcher) Run(ctx context.Context, onBatch func([]string)) error {
	w.notifyCh = make(chan notify.EventInfo, events.BufferSize)
	if err := notify.Watch(filepath.Join(w.root, "..."), w.notifyCh, notify.All); err != nil {
		return errors.Wrap(err, "starting recursive watch")
	}
	defer notify.Stop(w.notifyCh)

	if w.evts != nil {
		w.evts.Log(events.WatcherReady, map[string]interface{}{"folderId": w.folderID})
	}

	stop := make(chan struct{})
	go w.agg.Run(stop, func(batch []string) {
		onBatch(batch)
		if w.evts != nil {
			w.evts.Log(events.FolderChangesDetected, map[string]interface{}{
				"folderId": w.folderID,
				"paths":    batch,
			})
		}
	})
	defer close(stop)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.notifyCh:
			if !ok {
				return nil
			}
			w.handle(ev)
		}
	}
}

func (w *Watcher) handle(ev notify.EventInfo) {
	rel, err := filepath.Rel(w.root, ev.Path())
	if err != nil || strings.HasPrefix(rel, "..") {
		l.Warnf("ignoring event outside watched root: %s", ev.Path())
		return
	}
	rel = filepath.Clean(rel)
	if w.excluded(rel) {
		return
	}
	// Only files matching the supported-extension set are watched; a
	// directory event (or one for a path already removed, which cannot
	// be stat'd any more) always passes through so its parent gets
	// rescanned and any supported files inside it are discovered.
	if info, statErr := os.Lstat(ev.Path()); statErr == nil && !info.IsDir() && !extset.Supported(rel) {
		return
	}
	w.agg.Add(rel)
}
