package fmdm

import (
	"testing"

	"github.com/okets/folder-mcp/internal/events"
	"github.com/okets/folder-mcp/internal/modelregistry"
)

func TestAddPendingThenComplete(t *testing.T) {
	evts := events.NewLogger()
	s := New(evts, modelregistry.Default())

	s.AddPendingFolder("/data/a", "mini-384")
	snap := s.Get()
	if len(snap.Folders) != 1 || snap.Folders[0].Status != StatusPending {
		t.Fatalf("expected one pending folder, got %+v", snap.Folders)
	}

	s.UpdateScanningProgress("/data/a", ScanningProgress{Phase: "scan", ProcessedFiles: 1, TotalFiles: 1, Percentage: 100})
	s.UpdateIndexingProgress("/data/a", 50)
	f, _ := s.Get().find("/data/a")
	if f.Status != StatusIndexing || f.Progress != 50 {
		t.Fatalf("expected indexing at 50%%, got %+v", f)
	}

	s.CompleteIndexing("/data/a", "1 files indexed • indexing time 0.5s")
	f, _ = s.Get().find("/data/a")
	if f.Status != StatusActive || f.Progress != 100 {
		t.Fatalf("expected active at 100%%, got %+v", f)
	}
	if f.Notification == nil || f.Notification.Type != NotificationInfo {
		t.Fatalf("expected completion notification, got %+v", f.Notification)
	}
}

func TestErrorFolderPreservedOnRemove(t *testing.T) {
	s := New(nil, nil)
	s.PublishError("/nope", "mini-384", "Folder does not exist")

	s.RemoveFolder("/nope")
	if _, ok := s.Get().find("/nope"); !ok {
		t.Fatal("expected error folder to remain visible after soft remove")
	}

	s.ForceRemoveFolder("/nope")
	if _, ok := s.Get().find("/nope"); ok {
		t.Fatal("expected folder to be gone after force remove")
	}
}

func TestVersionIncreasesAndCarriesInstalledModels(t *testing.T) {
	s := New(nil, modelregistry.Default())

	s.AddPendingFolder("/data/a", "mini-384")
	v1 := s.Get().Version
	s.UpdateScanningProgress("/data/a", ScanningProgress{Phase: "scan", Percentage: 10})
	v2 := s.Get().Version
	if v2 <= v1 {
		t.Fatalf("expected version to strictly increase, got %d then %d", v1, v2)
	}

	snap := s.Get()
	if len(snap.InstalledModels) == 0 {
		t.Fatal("expected installed-model catalogue from the registry")
	}
	found := false
	for _, m := range snap.InstalledModels {
		if m.ID == "mini-384" && m.Installed {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected mini-384 to be reported installed, got %+v", snap.InstalledModels)
	}
}

func TestIndexingProgressNeverReports100(t *testing.T) {
	s := New(nil, nil)
	s.AddPendingFolder("/data/a", "mini-384")
	s.UpdateIndexingProgress("/data/a", 100)
	f, _ := s.Get().find("/data/a")
	if f.Status == StatusIndexing && f.Progress >= 100 {
		t.Fatalf("invariant violated: indexing with progress=100: %+v", f)
	}
}
