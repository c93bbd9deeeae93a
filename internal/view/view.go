package view

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/fustor/fustor/internal/clock"
	"github.com/fustor/fustor/internal/event"
	"github.com/fustor/fustor/internal/metrics"
)

// ErrStopped is returned when work is submitted to a view that is shutting
// down.
var ErrStopped = errors.New("view: stopped")

// DefaultQueueSize bounds the per-view event queue.
const DefaultQueueSize = 100

type opKind int

const (
	opApply opKind = iota
	opAuditStart
	opAuditEnd
	opSentinelFeedback
)

type workItem struct {
	kind  opKind
	ev    *event.Event
	path  string
	mtime float64
	size  *int64
}

// View is one queryable tree plus the worker that owns all writes to it.
// Every mutation flows through the bounded queue into a single goroutine;
// readers take the read side of the lock, so API handlers never observe a
// half-applied event.
type View struct {
	ID string

	mu    sync.RWMutex
	state *State
	arb   *Arbitrator
	clk   *clock.Clock

	queue chan workItem
	log   *slog.Logger
	stats *metrics.ViewStats

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
	drained   chan struct{}
}

// New builds a view with its own state, clock and arbitrator. reg may be
// nil to skip metrics registration.
func New(id string, opts Options, queueSize int, log *slog.Logger, reg prometheus.Registerer) *View {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if log == nil {
		log = slog.Default()
	}
	log = log.With("view", id)

	var stats *metrics.ViewStats
	if reg != nil {
		stats = metrics.NewViewStats(reg, id)
	}

	state := NewState()
	clk := clock.New(0)
	return &View{
		ID:      id,
		state:   state,
		arb:     NewArbitrator(state, clk, opts, log, stats),
		clk:     clk,
		queue:   make(chan workItem, queueSize),
		log:     log,
		stats:   stats,
		done:    make(chan struct{}),
		drained: make(chan struct{}),
	}
}

// Start launches the writer goroutine. Safe to call once.
func (v *View) Start() {
	v.startOnce.Do(func() { go v.run() })
}

// Stop closes the intake and waits for the queue to drain.
func (v *View) Stop() {
	v.stopOnce.Do(func() { close(v.done) })
	<-v.drained
}

func (v *View) run() {
	defer close(v.drained)
	for {
		select {
		case item := <-v.queue:
			v.apply(item)
		case <-v.done:
			// Drain whatever is already queued, then exit.
			for {
				select {
				case item := <-v.queue:
					v.apply(item)
				default:
					return
				}
			}
		}
	}
}

func (v *View) apply(item workItem) {
	defer func() {
		// One malformed event must never kill the view.
		if r := recover(); r != nil {
			v.log.Error("view worker recovered", "panic", r, "op", item.kind)
		}
	}()

	v.mu.Lock()
	defer v.mu.Unlock()
	switch item.kind {
	case opApply:
		v.arb.ProcessEvent(item.ev)
	case opAuditStart:
		v.arb.HandleAuditStart()
	case opAuditEnd:
		v.arb.HandleAuditEnd()
	case opSentinelFeedback:
		v.arb.UpdateSuspect(item.path, item.mtime, item.size)
	}
	if v.stats != nil {
		v.stats.TreeNodes.WithLabelValues("file").Set(float64(v.state.FileCount()))
		v.stats.TreeNodes.WithLabelValues("dir").Set(float64(v.state.DirCount()))
	}
}

func (v *View) submit(ctx context.Context, item workItem) error {
	select {
	case v.queue <- item:
		return nil
	case <-v.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Enqueue hands an event to the writer. It returns once the event is
// queued, not once it is applied.
func (v *View) Enqueue(ctx context.Context, ev *event.Event) error {
	return v.submit(ctx, workItem{kind: opApply, ev: ev})
}

// SignalAuditStart queues an audit-epoch open behind earlier events.
func (v *View) SignalAuditStart(ctx context.Context) error {
	return v.submit(ctx, workItem{kind: opAuditStart})
}

// SignalAuditEnd queues the end-of-audit reconciliation.
func (v *View) SignalAuditEnd(ctx context.Context) error {
	return v.submit(ctx, workItem{kind: opAuditEnd})
}

// SentinelFeedback queues one sentinel observation.
func (v *View) SentinelFeedback(ctx context.Context, p string, mtime float64, size *int64) error {
	return v.submit(ctx, workItem{kind: opSentinelFeedback, path: p, mtime: mtime, size: size})
}

// ============================================================================
// READ SIDE
// ============================================================================

// NodeInfo is the read-side copy of a node handed to API callers.
type NodeInfo struct {
	Path             string   `json:"path"`
	ModifiedTime     float64  `json:"modified_time"`
	Size             int64    `json:"size"`
	IsDir            bool     `json:"is_directory"`
	LastUpdatedAt    float64  `json:"last_updated_at"`
	IntegritySuspect bool     `json:"integrity_suspect"`
	Children         []string `json:"children,omitempty"`
}

// GetNode returns a copy of the node at p.
func (v *View) GetNode(p string) (NodeInfo, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	n := v.state.GetNode(p)
	if n == nil {
		return NodeInfo{}, false
	}
	info := NodeInfo{
		Path:             n.Path,
		ModifiedTime:     n.ModifiedTime,
		Size:             n.Size,
		IsDir:            n.IsDir,
		LastUpdatedAt:    n.LastUpdatedAt,
		IntegritySuspect: n.IntegritySuspect,
	}
	for name := range n.Children {
		info.Children = append(info.Children, name)
	}
	return info, true
}

// SentinelTasks returns the suspect paths due for re-verification together
// with their recorded mtimes, renewing each so an unanswered task comes due
// again after one TTL.
func (v *View) SentinelTasks() map[string]float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.arb.DueSuspects()
}

// Watermark exposes the view's logical clock reading.
func (v *View) Watermark() float64 { return v.clk.Now() }

// QueueDepth reports how many work items sit ahead of the writer.
func (v *View) QueueDepth() int { return len(v.queue) }

// Counts reports tree sizes for the stats endpoint.
func (v *View) Counts() (files, dirs, tombstones, suspects int) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.state.FileCount(), v.state.DirCount(), len(v.state.tombstones), len(v.state.suspects)
}
