package activity

import (
	"testing"
	"time"

	"github.com/okets/folder-mcp/internal/events"
)

func TestRingReplaysEventsSinceID(t *testing.T) {
	evts := events.NewLogger()
	r := New(evts, events.AllEvents, 10)

	evts.Log(events.FolderStateChanged, "one")
	time.Sleep(50 * time.Millisecond)

	got := r.Recent(0)
	if len(got) == 0 {
		t.Fatal("expected at least one buffered event")
	}
	if got[len(got)-1].Type != events.FolderStateChanged {
		t.Fatalf("unexpected event type %v", got[len(got)-1].Type)
	}
}
