// Package indexqueue implements the sequential indexing queue (C8):
// a single-consumer queue of folders awaiting scan+index, guaranteeing
// that only one embedding model is resident in memory at a time across
// the whole daemon. The enqueue/run-one-at-a-time/drain shape is
// grounded on notebit's IndexingPipeline (a worker loop consuming a
// channel of jobs with dedup-by-key and a cancellation path), narrowed
// from that pipeline's multi-worker pool down to a single consumer
// since residency of one model is the whole point of this queue.
package indexqueue

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/okets/folder-mcp/internal/collab"
	"github.com/okets/folder-mcp/internal/events"
	"github.com/okets/folder-mcp/internal/logger"
)

var l = logger.DefaultLogger.NewFacility("indexqueue", "sequential per-folder indexing queue")

// Job is one folder's run through scan+index. Run should block until
// the folder reaches active or error, respecting ctx cancellation.
// Model is the embedding model the folder is configured for; the
// queue loads it before calling Run if it isn't already the resident
// model, unloading whatever was resident first. ID is assigned by
// Enqueue and is useful for correlating queue events in logs when
// several folders are enqueued close together.
type Job struct {
	ID         string
	FolderPath string
	Model      string
	Run        func(ctx context.Context) error
}

// Queue runs at most one Job at a time, in FIFO order, deduplicating
// by FolderPath so a folder already queued or running is not queued
// twice. It also owns model residency: at most one embedding model is
// ever loaded across the whole daemon, switched as the head of the
// queue requires a different one.
type Queue struct {
	evts     *events.Logger
	embedder collab.Embedder

	mu      sync.Mutex
	pending []Job
	queued  map[string]bool
	running string // FolderPath of the job currently running, "" if idle

	wake     chan struct{}
	cancel   map[string]context.CancelFunc
	resident string // currently loaded model ID, "" if none
}

// New builds a Queue. embedder may be nil, in which case model
// residency tracking is skipped entirely (useful for tests exercising
// only FIFO/dedup behavior).
func New(evts *events.Logger, embedder collab.Embedder) *Queue {
	return &Queue{
		evts:     evts,
		embedder: embedder,
		queued:   make(map[string]bool),
		cancel:   make(map[string]context.CancelFunc),
		wake:     make(chan struct{}, 1),
	}
}

// Enqueue adds job to the tail of the queue unless its folder is
// already queued or running, in which case it is dropped silently
// (the caller's own scan/rescan will pick up the latest state).
func (q *Queue) Enqueue(job Job) {
	q.mu.Lock()
	if q.queued[job.FolderPath] || q.running == job.FolderPath {
		q.mu.Unlock()
		return
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	q.queued[job.FolderPath] = true
	q.pending = append(q.pending, job)
	q.mu.Unlock()

	if q.evts != nil {
		q.evts.Log(events.QueueAdded, map[string]interface{}{"folderPath": job.FolderPath})
	}
	q.nudge()
}

// Remove drops a pending (not yet running) job for path, and cancels
// it if it is currently running.
func (q *Queue) Remove(path string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if cancel, ok := q.cancel[path]; ok {
		cancel()
	}
	if !q.queued[path] {
		return
	}
	delete(q.queued, path)
	out := q.pending[:0]
	for _, j := range q.pending {
		if j.FolderPath != path {
			out = append(out, j)
		}
	}
	q.pending = out
}

func (q *Queue) nudge() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Run drains the queue until ctx is cancelled, running one job fully
// to completion before starting the next.
func (q *Queue) Run(ctx context.Context) error {
	for {
		job, ok := q.dequeue()
		if !ok {
			q.unloadResident(ctx)
			if q.evts != nil {
				q.evts.Log(events.QueueEmpty, nil)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-q.wake:
				continue
			}
		}
		q.runOne(ctx, job)
	}
}

func (q *Queue) dequeue() (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return Job{}, false
	}
	job := q.pending[0]
	q.pending = q.pending[1:]
	delete(q.queued, job.FolderPath)
	return job, true
}

func (q *Queue) runOne(ctx context.Context, job Job) {
	jobCtx, cancel := context.WithCancel(ctx)
	q.mu.Lock()
	q.running = job.FolderPath
	q.cancel[job.FolderPath] = cancel
	q.mu.Unlock()

	if q.evts != nil {
		q.evts.Log(events.QueueStarted, map[string]interface{}{"folderPath": job.FolderPath})
	}

	if err := q.ensureResident(jobCtx, job.Model); err != nil {
		q.mu.Lock()
		q.running = ""
		delete(q.cancel, job.FolderPath)
		q.mu.Unlock()
		cancel()
		if q.evts != nil {
			q.evts.Log(events.QueueFailed, map[string]interface{}{"folderPath": job.FolderPath, "error": err.Error()})
		}
		l.Warnf("loading model %s for %s: %v", job.Model, job.FolderPath, err)
		return
	}

	err := job.Run(jobCtx)

	q.mu.Lock()
	q.running = ""
	delete(q.cancel, job.FolderPath)
	q.mu.Unlock()
	cancel()

	if q.evts != nil {
		if err != nil {
			q.evts.Log(events.QueueFailed, map[string]interface{}{"folderPath": job.FolderPath, "error": err.Error()})
		} else {
			q.evts.Log(events.QueueCompleted, map[string]interface{}{"folderPath": job.FolderPath})
		}
	}
	if err != nil {
		l.Warnf("indexing job for %s failed: %v", job.FolderPath, err)
	}
}

// Len reports how many jobs are pending (not counting one running).
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// ensureResident makes model the loaded model, unloading whatever was
// previously resident first if it differs. A job with no Model set
// (e.g. a watcher-triggered rescan job that performs no embedding of
// its own) leaves residency untouched.
func (q *Queue) ensureResident(ctx context.Context, model string) error {
	if q.embedder == nil || model == "" {
		return nil
	}
	q.mu.Lock()
	current := q.resident
	q.mu.Unlock()
	if current == model {
		return nil
	}

	if current != "" {
		if err := q.embedder.Unload(ctx); err != nil {
			l.Warnf("unloading model %s: %v", current, err)
		}
		q.mu.Lock()
		q.resident = ""
		q.mu.Unlock()
	}

	if q.evts != nil {
		q.evts.Log(events.QueueModelLoading, map[string]interface{}{"model": model})
	}
	if err := q.embedder.Load(ctx, model); err != nil {
		return err
	}
	q.mu.Lock()
	q.resident = model
	q.mu.Unlock()
	if q.evts != nil {
		q.evts.Log(events.QueueModelLoaded, map[string]interface{}{"model": model})
	}
	return nil
}

// unloadResident releases the currently-loaded model, if any, called
// once the queue runs dry so no model sits resident while idle.
func (q *Queue) unloadResident(ctx context.Context) {
	q.mu.Lock()
	current := q.resident
	q.resident = ""
	q.mu.Unlock()
	if current == "" || q.embedder == nil {
		return
	}
	if err := q.embedder.Unload(ctx); err != nil {
		l.Warnf("unloading model %s: %v", current, err)
	}
}
