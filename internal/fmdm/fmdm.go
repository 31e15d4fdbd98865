// Package fmdm implements the Folder MCP Data Model service (C11):
// the single authoritative, copy-on-write snapshot of every monitored
// folder's observable state, published to subscribers on every
// mutation. It is grounded on syncthing's folderSummaryService
// (suture.Supervisor wrapping a listen-and-recompute loop that
// publishes a fresh summary after each relevant event) but the unit
// of aggregation here is a whole-fleet snapshot keyed by folder path,
// not one folder's block/byte counters, and every writer funnels
// through a small set of field-specific updaters instead of mutating
// shared state directly — the spec calls out the original's habit of
// bypassing its own projection path as a defect to avoid repeating.
package fmdm

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"github.com/thejerf/suture/v4"

	"github.com/okets/folder-mcp/internal/events"
	"github.com/okets/folder-mcp/internal/modelregistry"
)

type Status string

const (
	StatusPending          Status = "pending"
	StatusDownloadingModel Status = "downloading-model"
	StatusScanning         Status = "scanning"
	StatusIndexing         Status = "indexing"
	StatusActive           Status = "active"
	StatusError            Status = "error"
)

type NotificationType string

const (
	NotificationInfo    NotificationType = "info"
	NotificationWarning NotificationType = "warning"
	NotificationError   NotificationType = "error"
)

type Notification struct {
	Message string           `json:"message"`
	Type    NotificationType `json:"type"`
}

type ScanningProgress struct {
	Phase          string `json:"phase"`
	ProcessedFiles int    `json:"processedFiles"`
	TotalFiles     int    `json:"totalFiles"`
	Percentage     int    `json:"percentage"`
}

// Folder is the externally observable record for one monitored
// folder. Path is the absolute canonical folder path and is its
// identity.
type Folder struct {
	Path             string            `json:"path"`
	Model            string            `json:"model"`
	Status           Status            `json:"status"`
	Progress         int               `json:"progress"`
	Notification     *Notification     `json:"notification,omitempty"`
	ScanningProgress *ScanningProgress `json:"scanningProgress,omitempty"`
}

// InstalledModel is one entry of the installed-model catalogue: the
// curated registry's view of which models are ready to use, published
// alongside the per-folder state so external consumers don't need a
// separate call to the registry.
type InstalledModel struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Installed   bool   `json:"installed"`
}

// Snapshot is an immutable view of the whole fleet at one instant.
// Version increases by exactly one on every publication, so consumers
// can detect a missed update by comparing against the last version
// they observed.
type Snapshot struct {
	Version         int              `json:"version"`
	Folders         []Folder         `json:"folders"`
	InstalledModels []InstalledModel `json:"installedModels"`
}

func (s Snapshot) find(path string) (Folder, bool) {
	for _, f := range s.Folders {
		if f.Path == path {
			return f, true
		}
	}
	return Folder{}, false
}

// Service owns the FMDM snapshot and every mutation to it. All writers
// route through its updater methods; nothing else may touch the
// snapshot directly.
type Service struct {
	evts     *events.Logger
	registry *modelregistry.Registry

	mu   sync.RWMutex
	snap Snapshot
}

func New(evts *events.Logger, registry *modelregistry.Registry) *Service {
	return &Service{evts: evts, registry: registry}
}

// Serve runs the service until ctx is cancelled. Service itself holds
// no background state to recompute — every mutation is synchronous and
// immediately published — but it is a suture.Service so it supervises
// cleanly alongside the rest of the daemon, the way syncthing wraps
// folderSummaryService in a suture.Supervisor.
func (s *Service) Serve(ctx context.Context) error {
	<-ctx.Done()
	return suture.ErrTerminateSupervisorTree
}

// Get returns the current snapshot.
func (s *Service) Get() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := Snapshot{
		Version:         s.snap.Version,
		Folders:         make([]Folder, len(s.snap.Folders)),
		InstalledModels: make([]InstalledModel, len(s.snap.InstalledModels)),
	}
	copy(out.Folders, s.snap.Folders)
	copy(out.InstalledModels, s.snap.InstalledModels)
	return out
}

// publish must be called with s.mu held for writing. It bumps Version
// by exactly one, refreshes the installed-model catalogue from the
// registry, and emits FMDMUpdated.
func (s *Service) publish() {
	s.snap.Version++
	s.snap.InstalledModels = s.installedModelsLocked()
	if s.evts != nil {
		s.evts.Log(events.FMDMUpdated, s.snap)
	}
}

func (s *Service) installedModelsLocked() []InstalledModel {
	if s.registry == nil {
		return nil
	}
	models := s.registry.All()
	out := make([]InstalledModel, len(models))
	for i, m := range models {
		out[i] = InstalledModel{ID: m.ID, DisplayName: m.DisplayName, Installed: m.Installed}
	}
	return out
}

// AddPendingFolder inserts path into the snapshot with status=pending
// if not already present. Per §4.1 step 4, the folder must exist in
// FMDM before any subsequent status update — callers must call this
// before any other updater for a new path.
func (s *Service) AddPendingFolder(path, model string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.snap.find(path); ok {
		return
	}
	s.snap.Folders = append(s.snap.Folders, Folder{
		Path:   path,
		Model:  model,
		Status: StatusPending,
	})
	s.publish()
}

// PublishError sets path to status=error with the given message,
// inserting the record if it is not already present (the "folder does
// not exist" / rejected-admission case never reaches AddPendingFolder
// first).
func (s *Service) PublishError(path, model, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertLocked(path, func(f *Folder) {
		if model != "" {
			f.Model = model
		}
		f.Status = StatusError
		f.Notification = &Notification{Message: message, Type: NotificationError}
		f.ScanningProgress = nil
	})
	s.publish()
}

// UpdateStatus transitions path to status, clearing progress-specific
// fields as appropriate. It is a no-op if path is not present.
func (s *Service) UpdateStatus(path string, status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.snap.find(path); !ok {
		return
	}
	s.mutateLocked(path, func(f *Folder) {
		f.Status = status
		switch status {
		case StatusActive:
			f.Progress = 100
			f.ScanningProgress = nil
		case StatusScanning:
			f.Progress = 0
		case StatusIndexing:
			if f.Progress >= 100 {
				f.Progress = 99
			}
		default:
			f.ScanningProgress = nil
		}
		if status != StatusError {
			s.clearNonPreservedNotificationLocked(f)
		}
	})
	s.publish()
}

func (s *Service) clearNonPreservedNotificationLocked(f *Folder) {
	if f.Notification == nil {
		return
	}
	// Error notifications are preserved only while status=error (we
	// are not in that branch here); active notifications mentioning
	// "files indexed" persist across the indexing->active edge.
	if f.Status == StatusActive && f.Notification.Type == NotificationInfo &&
		containsFilesIndexed(f.Notification.Message) {
		return
	}
	if f.Status != StatusIndexing {
		f.Notification = nil
	}
}

func containsFilesIndexed(msg string) bool {
	return strings.Contains(msg, "files indexed")
}

// UpdateDownloadProgress sets a downloading-model notification.
func (s *Service) UpdateDownloadProgress(path string, percent int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mutateLocked(path, func(f *Folder) {
		f.Status = StatusDownloadingModel
		f.Notification = &Notification{
			Message: downloadMessage(percent),
			Type:    NotificationInfo,
		}
	})
	s.publish()
}

func downloadMessage(percent int) string {
	return "Downloading model: " + strconv.Itoa(percent) + "%"
}

// UpdateScanningProgress records scan progress for path.
func (s *Service) UpdateScanningProgress(path string, sp ScanningProgress) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mutateLocked(path, func(f *Folder) {
		f.Status = StatusScanning
		f.ScanningProgress = &sp
	})
	s.publish()
}

// UpdateIndexingProgress sets percentage during indexing. Per the FMDM
// invariant, an observed snapshot never shows status=indexing with
// progress=100; callers finish with a call to CompleteIndexing instead.
func (s *Service) UpdateIndexingProgress(path string, percentage int) {
	if percentage >= 100 {
		percentage = 99
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mutateLocked(path, func(f *Folder) {
		f.Status = StatusIndexing
		f.Progress = percentage
	})
	s.publish()
}

// CompleteIndexing transitions path to active with a completion
// notification. Later UpdateStatus calls to active or indexing keep
// that notification; an UpdateStatus to any other status clears it.
func (s *Service) CompleteIndexing(path, completionMessage string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mutateLocked(path, func(f *Folder) {
		f.Status = StatusActive
		f.Progress = 100
		f.ScanningProgress = nil
		f.Notification = &Notification{Message: completionMessage, Type: NotificationInfo}
	})
	s.publish()
}

// RemoveFolder deletes path from the snapshot, unless its current
// status is error — error entries remain visible until an explicit
// removeFolder call, which goes through ForceRemoveFolder instead.
func (s *Service) RemoveFolder(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.snap.find(path)
	if ok && f.Status == StatusError {
		return
	}
	s.removeLocked(path)
	s.publish()
}

// ForceRemoveFolder deletes path regardless of status, used by the
// orchestrator's explicit removeFolder(path) entry point.
func (s *Service) ForceRemoveFolder(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(path)
	s.publish()
}

func (s *Service) removeLocked(path string) {
	out := s.snap.Folders[:0]
	for _, f := range s.snap.Folders {
		if f.Path != path {
			out = append(out, f)
		}
	}
	s.snap.Folders = out
}

func (s *Service) upsertLocked(path string, mutate func(*Folder)) {
	for i := range s.snap.Folders {
		if s.snap.Folders[i].Path == path {
			mutate(&s.snap.Folders[i])
			return
		}
	}
	f := Folder{Path: path}
	mutate(&f)
	s.snap.Folders = append(s.snap.Folders, f)
}

func (s *Service) mutateLocked(path string, mutate func(*Folder)) {
	for i := range s.snap.Folders {
		if s.snap.Folders[i].Path == path {
			mutate(&s.snap.Folders[i])
			return
		}
	}
}
