// Command folder-mcpd runs the monitored-folders daemon: it loads the
// folder registry, wires the collaborators and the orchestrator, and
// serves until interrupted. Flag parsing follows the corpus's shift
// away from hand-rolled flag packages toward a declarative struct,
// using github.com/alecthomas/kong the way a modern rewrite of
// cmd/syncthing/main.go (which used the stdlib flag package) would.
package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/okets/folder-mcp/internal/collab"
	"github.com/okets/folder-mcp/internal/config"
	"github.com/okets/folder-mcp/internal/events"
	"github.com/okets/folder-mcp/internal/localcollab"
	"github.com/okets/folder-mcp/internal/logger"
	"github.com/okets/folder-mcp/internal/modelregistry"
	"github.com/okets/folder-mcp/internal/orchestrator"
	"github.com/okets/folder-mcp/internal/resource"
	"github.com/okets/folder-mcp/internal/vectorstore"
)

var l = logger.DefaultLogger.NewFacility("main", "daemon entrypoint")

type folderFlag struct {
	Path  string
	Model string
}

// UnmarshalText implements kong's text unmarshaler for repeatable
// --folder path=model flags.
func (f *folderFlag) UnmarshalText(text []byte) error {
	s := string(text)
	idx := indexByte(s, '=')
	if idx < 0 {
		f.Path = s
		f.Model = "mini-384"
		return nil
	}
	f.Path = s[:idx]
	f.Model = s[idx+1:]
	return nil
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

var cli struct {
	DataDir        string       `help:"Directory for the folder registry and daemon state." default:"~/.folder-mcp"`
	MemoryMonitor  bool         `help:"Enable the adaptive resource manager's memory-pressure sampling." default:"true"`
	Folder         []folderFlag `help:"Folder to monitor, as path or path=model. Repeatable."`
}

func main() {
	kong.Parse(&cli,
		kong.Name("folder-mcpd"),
		kong.Description("Multi-folder content-indexing daemon."),
	)

	if _, err := maxprocs.Set(maxprocs.Logger(l.Debugf)); err != nil {
		l.Warnf("adjusting GOMAXPROCS: %v", err)
	}

	dataDir := expandHome(cli.DataDir)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		l.Warnf("creating data directory: %v", err)
		os.Exit(1)
	}

	cfgStore, err := config.Open(filepath.Join(dataDir, "registry.json"))
	if err != nil {
		l.Warnf("opening folder registry: %v", err)
		os.Exit(1)
	}

	registry := modelregistry.Default()
	evts := events.NewLogger()

	thresholds := resource.DefaultThresholds()
	memCfg := map[string]bool{"daemon.memoryMonitor.enabled": cli.MemoryMonitor}
	if !collab.MemoryMonitorEnabled(memCfg) {
		thresholds.ThrottleAt = 1.0
		thresholds.RejectAt = 1.0
	}
	resources := resource.New(thresholds, evts, prometheus.DefaultRegisterer)

	orch := orchestrator.New(orchestrator.Collaborators{
		Parser:      localcollab.Parser{},
		Embedder:    localcollab.NewEmbedder(8),
		Downloader:  localcollab.Downloader{},
		ConfigStore: cfgStore,
		NewStore: func(folderPath string) collab.Store {
			return vectorstore.New(filepath.Join(folderPath, ".folder-mcp", "index.json"))
		},
	}, registry, resources, evts)

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		l.Infof("shutting down")
		cancel()
	}()

	if err := orch.StartAll(ctx); err != nil {
		l.Warnf("starting orchestrator: %v", err)
		os.Exit(1)
	}

	for _, f := range cli.Folder {
		path := expandHome(f.Path)
		if err := orch.AddFolder(ctx, path, f.Model); err != nil {
			l.Warnf("adding folder %s: %v", path, err)
		}
	}

	<-ctx.Done()
	orch.StopAll()
}

func expandHome(path string) string {
	if len(path) >= 2 && path[:2] == "~/" {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
