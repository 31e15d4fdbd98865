// Package resource implements the admission control and adaptive
// throttling the rest of the daemon routes every embedding/scanning
// operation through: a bounded active set, a bounded FIFO-within-
// priority queue, and a throttle factor that backs off as host memory
// or CPU pressure rises. It plays the role syncthing's connection and
// scanning rate limiters play (lib/connections' bandwidth limiting,
// throttled by current load) but measures process/system memory and
// CPU via gopsutil rather than network throughput, and generalizes the
// single semaphore into the spec's {id, folderPath, priority,
// estimatedMemoryMB} operation model so admission decisions, not just
// concurrency, live in one place.
package resource

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/okets/folder-mcp/internal/events"
	"github.com/okets/folder-mcp/internal/logger"
)

var l = logger.DefaultLogger.NewFacility("resource", "admission control and throttling")

// Thresholds configures when the manager starts throttling admissions
// and when it refuses them outright.
type Thresholds struct {
	// ThrottleAt is the fraction (0,1] of system memory in use above
	// which the throttle factor starts dropping below 1.
	ThrottleAt float64
	// RejectAt is the fraction above which admission is refused
	// synchronously until pressure subsides.
	RejectAt float64
	// MaxCPUPercent is the process CPU percentage (0-100) above which
	// the throttle factor starts dropping below 1, mirroring ThrottleAt
	// for memory.
	MaxCPUPercent float64
	// MaxConcurrentOperations bounds the active set's cardinality when
	// the throttle factor is 1; the effective cap shrinks as the
	// factor drops.
	MaxConcurrentOperations int64
	// MaxQueueSize bounds how many operations may be queued (not yet
	// active) at once. Submission above this cap fails synchronously.
	MaxQueueSize int
	// CheckInterval is how often memory/CPU are sampled.
	CheckInterval time.Duration
}

// DefaultThresholds match a conservative single-host deployment: back
// off at 75% system memory or 85% CPU, refuse admission above 90%
// memory, at most 2 concurrent operations and 32 queued.
func DefaultThresholds() Thresholds {
	return Thresholds{
		ThrottleAt:              0.75,
		RejectAt:                0.90,
		MaxCPUPercent:           85,
		MaxConcurrentOperations: 2,
		MaxQueueSize:            32,
		CheckInterval:           2 * time.Second,
	}
}

var (
	// ErrRejected is returned by Submit when memory pressure is at or
	// above RejectAt, or the queue is already at MaxQueueSize.
	ErrRejected = errors.New("admission rejected: resource manager at capacity")
	// ErrShuttingDown is returned by Submit once Shutdown has been
	// called.
	ErrShuttingDown = errors.New("admission rejected: resource manager shutting down")
	// ErrCancelled is returned to a still-queued Submit call whose
	// operation was cancelled via CancelOperation.
	ErrCancelled = errors.New("operation cancelled before admission")
)

// Operation is one unit of admission-controlled work: a file scan, a
// batch of embedding calls, a folder add. Priority orders the queue,
// lower number first; operations of equal priority are admitted FIFO.
type Operation struct {
	ID                string
	FolderPath        string
	Priority          int
	EstimatedMemoryMB int
}

type opState struct {
	op      Operation
	ctx     context.Context
	cancel  context.CancelFunc
	admitCh chan error
	seq     int64
	index   int // heap index, maintained by container/heap
}

// opQueue is a min-heap ordered by (Priority, seq) so operations of
// equal priority are admitted in submission order.
type opQueue []*opState

func (q opQueue) Len() int { return len(q) }
func (q opQueue) Less(i, j int) bool {
	if q[i].op.Priority != q[j].op.Priority {
		return q[i].op.Priority < q[j].op.Priority
	}
	return q[i].seq < q[j].seq
}
func (q opQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index, q[j].index = i, j
}
func (q *opQueue) Push(x interface{}) {
	st := x.(*opState)
	st.index = len(*q)
	*q = append(*q, st)
}
func (q *opQueue) Pop() interface{} {
	old := *q
	n := len(old)
	st := old[n-1]
	old[n-1] = nil
	st.index = -1
	*q = old[:n-1]
	return st
}

// Manager admits and throttles operations across all folders.
type Manager struct {
	thresholds Thresholds
	evts       *events.Logger

	mu             sync.Mutex
	queue          opQueue
	active         map[string]*opState
	all            map[string]*opState
	nextSeq        int64
	shuttingDown   bool
	throttleFactor float64
	isThrottled    bool

	cpuInitialized bool

	memPercent prometheus.Gauge
	cpuPercent prometheus.Gauge
	activeGa   prometheus.Gauge
	queuedGa   prometheus.Gauge
	admitted   prometheus.Counter
	rejected   prometheus.Counter
	throttledN prometheus.Counter
}

// New builds a Manager. If reg is non-nil, the manager's gauges and
// counters are registered on it.
func New(thresholds Thresholds, evts *events.Logger, reg prometheus.Registerer) *Manager {
	m := &Manager{
		thresholds:     thresholds,
		evts:           evts,
		active:         make(map[string]*opState),
		all:            make(map[string]*opState),
		throttleFactor: 1,
		memPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "folder_mcp_system_memory_percent",
			Help: "Fraction of system memory currently in use.",
		}),
		cpuPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "folder_mcp_process_cpu_percent",
			Help: "Process CPU percentage at last sample.",
		}),
		activeGa: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "folder_mcp_operations_active",
			Help: "Operations currently admitted and running.",
		}),
		queuedGa: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "folder_mcp_operations_queued",
			Help: "Operations waiting for admission.",
		}),
		admitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "folder_mcp_admissions_total",
			Help: "Operations admitted.",
		}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "folder_mcp_admissions_rejected_total",
			Help: "Operations rejected synchronously.",
		}),
		throttledN: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "folder_mcp_admissions_throttled_total",
			Help: "Operations admitted while the manager was throttled.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.memPercent, m.cpuPercent, m.activeGa, m.queuedGa, m.admitted, m.rejected, m.throttledN)
	}
	return m
}

// Run samples system memory and process CPU every CheckInterval until
// ctx is cancelled, adjusting the throttle factor, re-running
// admission, and publishing ResourceStats events.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.thresholds.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.sample()
		}
	}
}

func (m *Manager) sample() {
	memUsedMB := 0.0
	memFrac := 0.0
	if vm, err := mem.VirtualMemory(); err == nil {
		memFrac = vm.UsedPercent / 100
		memUsedMB = float64(vm.Used) / (1024 * 1024)
	} else {
		l.Warnf("sampling system memory: %v", err)
	}

	// cpu.Percent(0, false) reports usage since the previous call; the
	// very first sample has no prior reference point and is skipped.
	cpuPct := 0.0
	if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
		if m.cpuInitialized {
			cpuPct = pcts[0]
		}
		m.cpuInitialized = true
	} else if err != nil {
		l.Warnf("sampling CPU: %v", err)
	}

	m.memPercent.Set(memFrac)
	m.cpuPercent.Set(cpuPct)

	m.mu.Lock()
	m.throttleFactor, m.isThrottled = throttleFactor(memFrac, m.thresholds.ThrottleAt, cpuPct, m.thresholds.MaxCPUPercent)
	m.dispatchLocked()
	active, queued := len(m.active), len(m.queue)
	throttleFactor, isThrottled := m.throttleFactor, m.isThrottled
	m.mu.Unlock()

	m.activeGa.Set(float64(active))
	m.queuedGa.Set(float64(queued))

	if m.evts != nil {
		m.evts.Log(events.ResourceStats, map[string]interface{}{
			"memoryUsedMB":     memUsedMB,
			"cpuPercent":       cpuPct,
			"throttleFactor":   throttleFactor,
			"activeOperations": active,
			"queuedOperations": queued,
			"isThrottled":      isThrottled,
		})
	}
}

// throttleFactor derives an adaptive throttle factor in (0,1] from
// whichever of memory or CPU is breaching its cap by the larger
// margin; 1 means no throttling.
func throttleFactor(memFrac, memCap, cpuPct, cpuCap float64) (factor float64, throttled bool) {
	memBreach := 0.0
	if memFrac > memCap && memCap < 1 {
		memBreach = (memFrac - memCap) / (1 - memCap)
	}
	cpuBreach := 0.0
	if cpuPct > cpuCap && cpuCap < 100 {
		cpuBreach = (cpuPct - cpuCap) / (100 - cpuCap)
	}
	breach := memBreach
	if cpuBreach > breach {
		breach = cpuBreach
	}
	if breach <= 0 {
		return 1, false
	}
	if breach > 1 {
		breach = 1
	}
	factor = 1 - breach
	if factor < 0.1 {
		factor = 0.1
	}
	return factor, true
}

func (m *Manager) effectiveConcurrencyLocked() int {
	n := int(float64(m.thresholds.MaxConcurrentOperations) * m.throttleFactor)
	if n < 1 {
		n = 1
	}
	if int64(n) > m.thresholds.MaxConcurrentOperations {
		n = int(m.thresholds.MaxConcurrentOperations)
	}
	return n
}

// dispatchLocked admits as many queued operations as the effective
// concurrency cap allows, in priority order. Caller must hold m.mu.
func (m *Manager) dispatchLocked() {
	if m.shuttingDown {
		return
	}
	max := m.effectiveConcurrencyLocked()
	for len(m.active) < max && m.queue.Len() > 0 {
		st := heap.Pop(&m.queue).(*opState)
		m.active[st.op.ID] = st
		if m.throttleFactor < 1 {
			m.throttledN.Inc()
		}
		st.admitCh <- nil
	}
}

// Submit enqueues op and blocks until it is admitted, cancelled (via
// CancelOperation or ctx), or rejected synchronously because the queue
// is already at MaxQueueSize, memory pressure is at or above RejectAt,
// or the manager is shutting down. The returned release func must be
// called exactly once after the operation completes.
func (m *Manager) Submit(ctx context.Context, op Operation) (release func(), err error) {
	if vm, err := mem.VirtualMemory(); err == nil && vm.UsedPercent/100 >= m.thresholds.RejectAt {
		m.rejected.Inc()
		return nil, ErrRejected
	}

	m.mu.Lock()
	if m.shuttingDown {
		m.mu.Unlock()
		return nil, ErrShuttingDown
	}
	if m.queue.Len() >= m.thresholds.MaxQueueSize {
		m.mu.Unlock()
		m.rejected.Inc()
		return nil, ErrRejected
	}

	opCtx, cancel := context.WithCancel(ctx)
	st := &opState{op: op, ctx: opCtx, cancel: cancel, admitCh: make(chan error, 1), seq: m.nextSeq}
	m.nextSeq++
	m.all[op.ID] = st
	heap.Push(&m.queue, st)
	m.dispatchLocked()
	m.mu.Unlock()

	select {
	case admitErr := <-st.admitCh:
		if admitErr != nil {
			m.mu.Lock()
			delete(m.all, op.ID)
			m.mu.Unlock()
			cancel()
			return nil, admitErr
		}
	case <-opCtx.Done():
		m.mu.Lock()
		m.removeIfQueuedLocked(st)
		delete(m.all, op.ID)
		m.mu.Unlock()
		cancel()
		return nil, opCtx.Err()
	}

	m.admitted.Inc()
	var once sync.Once
	release = func() {
		once.Do(func() {
			cancel()
			m.mu.Lock()
			delete(m.active, op.ID)
			delete(m.all, op.ID)
			m.dispatchLocked()
			m.mu.Unlock()
		})
	}
	return release, nil
}

func (m *Manager) removeIfQueuedLocked(st *opState) {
	if st.index >= 0 && st.index < m.queue.Len() && m.queue[st.index] == st {
		heap.Remove(&m.queue, st.index)
	}
}

// CancelOperation removes id from the queue if it is still pending, or
// cancels its context cooperatively if it is already running. It
// reports whether id was known.
func (m *Manager) CancelOperation(id string) bool {
	m.mu.Lock()
	st, ok := m.all[id]
	if !ok {
		m.mu.Unlock()
		return false
	}
	_, stillQueued := m.active[id]
	stillQueued = !stillQueued
	if stillQueued {
		m.removeIfQueuedLocked(st)
	}
	m.mu.Unlock()

	if stillQueued {
		select {
		case st.admitCh <- ErrCancelled:
		default:
		}
	}
	st.cancel()
	return true
}

// Shutdown stops accepting new submissions and rejects everything
// still queued; operations already active are left to drain on their
// own.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.shuttingDown = true
	pending := make([]*opState, m.queue.Len())
	copy(pending, m.queue)
	m.queue = nil
	m.mu.Unlock()

	for _, st := range pending {
		select {
		case st.admitCh <- ErrShuttingDown:
		default:
		}
	}
}
