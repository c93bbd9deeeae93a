// Package agent implements the agent-side pipe runtime: the per-pipe state
// machine, the shared event bus, and the source/sender drivers. The driver
// capability sets are closed; there is no plugin discovery.
package agent

import (
	"context"
	"errors"

	"github.com/fustor/fustor/internal/event"
	"github.com/fustor/fustor/internal/protocol"
)

// ErrSessionObsoleted distinguishes the recovery path where fusion no
// longer recognizes our session: close it and restart from snapshot.
var ErrSessionObsoleted = errors.New("session obsoleted")

// ErrPositionLost is returned by a bus read whose position fell out of the
// retained window; the pipe must resync from a fresh snapshot.
var ErrPositionLost = errors.New("bus position lost")

// Iterator yields events one at a time. Next returns io.EOF at exhaustion.
// Iterators are lazy; an audit or snapshot walk does its I/O inside Next.
type Iterator interface {
	Next(ctx context.Context) (*event.Event, error)
	Close() error
}

// Source observes one external system.
type Source interface {
	// SnapshotIterator walks the full current state, finite per call.
	SnapshotIterator(ctx context.Context) (Iterator, error)
	// MessageIterator follows realtime changes from startPosition
	// (logical-clock milliseconds); blocks in Next until events arrive.
	MessageIterator(ctx context.Context, startPosition int64) (Iterator, error)
	// AuditIterator re-walks the full state for reconciliation, emitting
	// rows that carry parent_mtime.
	AuditIterator(ctx context.Context) (Iterator, error)
	// ScanIterator walks one subtree for an on-demand scan command.
	ScanIterator(ctx context.Context, path string, recursive bool) (Iterator, error)
	// PerformSentinelCheck re-stats the given paths (path -> expected
	// mtime) and reports what is actually there.
	PerformSentinelCheck(ctx context.Context, tasks map[string]float64) ([]protocol.SentinelUpdate, error)
	Close() error
}

// Sender is the wire to one fusion service.
type Sender interface {
	// CreateSession opens a lease and returns the assigned role.
	CreateSession(ctx context.Context, taskID string, timeoutSec int) (protocol.CreateSessionResponse, error)
	// Heartbeat renews the lease. A protocol.StatusObsolete reply surfaces
	// as ErrSessionObsoleted.
	Heartbeat(ctx context.Context, canRealtime bool) (protocol.HeartbeatResponse, error)
	// SendBatch pushes events with the given envelope source type.
	SendBatch(ctx context.Context, events []*event.Event, sourceType string, isEnd bool, metadata map[string]string) error
	SignalAuditStart(ctx context.Context) error
	SignalAuditEnd(ctx context.Context) error
	SentinelTasks(ctx context.Context) (map[string]float64, error)
	SubmitSentinelResults(ctx context.Context, updates []protocol.SentinelUpdate) error
	// LatestCommittedIndex reports where message sync should resume.
	LatestCommittedIndex(ctx context.Context) (int64, error)
	CloseSession(ctx context.Context) error
}
