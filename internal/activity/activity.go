// Package activity implements the bounded in-memory activity ring
// (C12): a fixed-size, newest-first view of recent daemon events for
// external consumers that want a feed rather than a live subscription.
// It is built directly on events.BufferedSubscription, the same
// replay-since-an-ID mechanism the rest of the daemon uses to let a
// slow consumer catch up without blocking publishers.
package activity

import (
	"github.com/okets/folder-mcp/internal/events"
)

const DefaultCapacity = 500

// Ring holds the most recent events (up to capacity) matching mask,
// newest-first when read.
type Ring struct {
	sub      *events.BufferedSubscription
	capacity int
}

// New subscribes to evts for every event type in mask and begins
// buffering immediately.
func New(evts *events.Logger, mask events.EventType, capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	sub := evts.Subscribe(mask)
	return &Ring{
		sub:      events.NewBufferedSubscription(sub, capacity),
		capacity: capacity,
	}
}

// Recent returns up to capacity buffered events newer than sinceID,
// newest first. It blocks until at least one event newer than sinceID
// has arrived; pass 0 to get everything currently buffered.
func (r *Ring) Recent(sinceID int) []events.Event {
	evs := r.sub.Since(sinceID, nil)
	for i, j := 0, len(evs)-1; i < j; i, j = i+1, j-1 {
		evs[i], evs[j] = evs[j], evs[i]
	}
	return evs
}
