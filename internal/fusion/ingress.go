// Package fusion is the receiving side: the ingress router that feeds view
// workers, the session-aware HTTP server, and the management event hub.
package fusion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/fustor/fustor/internal/event"
	"github.com/fustor/fustor/internal/metrics"
	"github.com/fustor/fustor/internal/protocol"
	"github.com/fustor/fustor/internal/session"
	"github.com/fustor/fustor/internal/view"
)

// ErrUnknownPipe rejects an API key that resolves to no configured pipe.
var ErrUnknownPipe = errors.New("unknown pipe")

// Pipe binds one ingest surface to its view.
type Pipe struct {
	ID    string
	View  *view.View
	stats *metrics.PipeStats
}

// NewPipe wires a fusion pipe over its view. reg may be nil in tests.
func NewPipe(id string, v *view.View, reg prometheus.Registerer) *Pipe {
	var stats *metrics.PipeStats
	if reg != nil {
		stats = metrics.NewPipeStats(reg, id)
	}
	return &Pipe{ID: id, View: v, stats: stats}
}

// JobRecord remembers one completed scan job for the management API.
type JobRecord struct {
	JobID       string    `json:"job_id"`
	Path        string    `json:"path"`
	PipeID      string    `json:"pipe_id"`
	CompletedAt time.Time `json:"completed_at"`
}

// Ingress routes authenticated batches and signals into the right view
// worker, and carries the management command queue back out through
// heartbeat replies.
type Ingress struct {
	sessions *session.Manager
	pipes    map[string]*Pipe  // pipe id -> pipe
	keys     map[string]string // api key -> pipe id
	hub      *Hub
	log      *slog.Logger

	mu        sync.Mutex
	commands  map[string][]protocol.Command // agent id -> pending
	jobs      []JobRecord
	reports   map[string]string // agent id -> last reported config yaml
	committed map[string]int64  // view id -> highest applied event index
}

// NewIngress builds the router. hub may be nil when no event stream is
// wanted.
func NewIngress(sessions *session.Manager, pipes map[string]*Pipe, keys map[string]string, hub *Hub, log *slog.Logger) *Ingress {
	if log == nil {
		log = slog.Default()
	}
	return &Ingress{
		sessions:  sessions,
		pipes:     pipes,
		keys:      keys,
		hub:       hub,
		log:       log.With("component", "ingress"),
		commands:  make(map[string][]protocol.Command),
		reports:   make(map[string]string),
		committed: make(map[string]int64),
	}
}

// ResolvePipe maps an API key to its pipe.
func (in *Ingress) ResolvePipe(apiKey string) (*Pipe, error) {
	id, ok := in.keys[apiKey]
	if !ok {
		return nil, ErrUnknownPipe
	}
	p, ok := in.pipes[id]
	if !ok {
		return nil, ErrUnknownPipe
	}
	return p, nil
}

// Pipes lists the configured pipes for the management API.
func (in *Ingress) Pipes() map[string]*Pipe { return in.pipes }

// CreateSession opens a lease scoped to the pipe's view.
func (in *Ingress) CreateSession(p *Pipe, taskID string, timeoutSec int) session.Session {
	s := in.sessions.Create(p.View.ID, taskID, time.Duration(timeoutSec)*time.Second)
	in.publish("session_created", map[string]interface{}{
		"session_id": s.ID, "view": s.ViewID, "task": taskID, "role": string(s.Role),
	})
	return s
}

// Heartbeat renews the lease and drains any commands queued for the
// session's agent.
func (in *Ingress) Heartbeat(sessionID string, canRealtime bool) (session.Role, []protocol.Command, error) {
	role, err := in.sessions.Heartbeat(sessionID, canRealtime)
	if err != nil {
		return "", nil, err
	}
	s, err := in.sessions.Get(sessionID)
	if err != nil {
		return "", nil, err
	}
	return role, in.takeCommands(agentOf(s.TaskID)), nil
}

// Terminate closes the lease.
func (in *Ingress) Terminate(sessionID string) error {
	err := in.sessions.Terminate(sessionID)
	if err == nil {
		in.publish("session_terminated", map[string]interface{}{"session_id": sessionID})
	}
	return err
}

// HandleBatch applies one ingest request on behalf of sessionID and returns
// the number of events accepted.
func (in *Ingress) HandleBatch(ctx context.Context, p *Pipe, sessionID string, req protocol.IngestRequest) (int, error) {
	s, err := in.sessions.Get(sessionID)
	if err != nil {
		return 0, err
	}
	if s.ViewID != p.View.ID {
		return 0, fmt.Errorf("session %s is not bound to view %s", sessionID, p.View.ID)
	}

	if p.stats != nil {
		p.stats.EventsReceived.Add(float64(len(req.Events)))
	}

	switch req.SourceType {
	case protocol.SourceTypeScanComplete:
		in.recordJobComplete(p.ID, req.Metadata)
		return 0, nil
	case protocol.SourceTypeSnapshot, protocol.SourceTypeMessage, protocol.SourceTypeAudit:
	default:
		return 0, fmt.Errorf("unknown source_type %q", req.SourceType)
	}

	if req.Metadata[event.MetaPhase] == protocol.PhaseConfigReport {
		in.recordConfigReport(agentOf(s.TaskID), req.Metadata)
		return 0, nil
	}

	// Follower data never reaches the tree.
	if s.Role != session.RoleLeader {
		return 0, nil
	}

	n := 0
	var maxIndex int64
	for _, ev := range req.Events {
		if err := p.View.Enqueue(ctx, ev); err != nil {
			if p.stats != nil {
				p.stats.Errors.Inc()
			}
			return n, err
		}
		n++
		if ev.Index > maxIndex {
			maxIndex = ev.Index
		}
	}
	if p.stats != nil {
		p.stats.EventsProcessed.Add(float64(n))
		p.stats.QueueDepth.Set(float64(p.View.QueueDepth()))
	}
	// Scan replays ride the message channel but are not resume points;
	// only live message batches advance the committed index.
	if maxIndex > 0 && req.SourceType == protocol.SourceTypeMessage &&
		req.Metadata[event.MetaJobID] == "" {
		in.mu.Lock()
		if maxIndex > in.committed[p.View.ID] {
			in.committed[p.View.ID] = maxIndex
		}
		in.mu.Unlock()
	}

	if req.IsEnd {
		switch req.SourceType {
		case protocol.SourceTypeSnapshot:
			if in.sessions.SetSnapshotComplete(sessionID) {
				in.log.Info("snapshot complete", "view", p.View.ID, "session", sessionID)
				in.publish("snapshot_complete", map[string]interface{}{
					"view": p.View.ID, "session_id": sessionID,
				})
			}
		case protocol.SourceTypeAudit:
			if err := p.View.SignalAuditEnd(ctx); err != nil {
				return n, err
			}
			in.publish("audit_complete", map[string]interface{}{"view": p.View.ID})
		}
	}
	return n, nil
}

// CommittedIndex reports the highest realtime event index applied to the
// pipe's view, the resume point for message sync.
func (in *Ingress) CommittedIndex(sessionID string, p *Pipe) (int64, error) {
	if _, err := in.sessions.Get(sessionID); err != nil {
		return 0, err
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.committed[p.View.ID], nil
}

// SignalAudit opens or closes the audit epoch on the session's view. Only
// the leader's signals count.
func (in *Ingress) SignalAudit(ctx context.Context, p *Pipe, sessionID string, start bool) error {
	s, err := in.sessions.Get(sessionID)
	if err != nil {
		return err
	}
	if s.Role != session.RoleLeader {
		return nil
	}
	if start {
		return p.View.SignalAuditStart(ctx)
	}
	err = p.View.SignalAuditEnd(ctx)
	if err == nil {
		in.publish("audit_complete", map[string]interface{}{"view": p.View.ID})
	}
	return err
}

// SentinelTasks returns the due suspect paths for the session's view.
func (in *Ingress) SentinelTasks(sessionID string, p *Pipe) (map[string]float64, error) {
	if _, err := in.sessions.Get(sessionID); err != nil {
		return nil, err
	}
	return p.View.SentinelTasks(), nil
}

// SentinelFeedback applies reported observations to the session's view.
func (in *Ingress) SentinelFeedback(ctx context.Context, p *Pipe, sessionID string, updates []protocol.SentinelUpdate) error {
	if _, err := in.sessions.Get(sessionID); err != nil {
		return err
	}
	for _, u := range updates {
		if err := p.View.SentinelFeedback(ctx, u.Path, u.Mtime, u.Size); err != nil {
			return err
		}
	}
	return nil
}

// ============================================================================
// MANAGEMENT SIDE
// ============================================================================

// QueueCommand queues one command for delivery on agentID's next heartbeat.
func (in *Ingress) QueueCommand(agentID string, cmd protocol.Command) {
	in.mu.Lock()
	in.commands[agentID] = append(in.commands[agentID], cmd)
	in.mu.Unlock()
	in.log.Info("command queued", "agent", agentID, "command", cmd.Name)
}

func (in *Ingress) takeCommands(agentID string) []protocol.Command {
	in.mu.Lock()
	defer in.mu.Unlock()
	cmds := in.commands[agentID]
	delete(in.commands, agentID)
	return cmds
}

// Jobs lists completed scan jobs, newest last.
func (in *Ingress) Jobs() []JobRecord {
	in.mu.Lock()
	defer in.mu.Unlock()
	return append([]JobRecord(nil), in.jobs...)
}

// ConfigReport returns the last config an agent shipped back, if any.
func (in *Ingress) ConfigReport(agentID string) (string, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	r, ok := in.reports[agentID]
	return r, ok
}

func (in *Ingress) recordJobComplete(pipeID string, meta map[string]string) {
	rec := JobRecord{
		JobID:       meta[event.MetaJobID],
		Path:        meta[event.MetaScanPath],
		PipeID:      pipeID,
		CompletedAt: time.Now(),
	}
	in.mu.Lock()
	in.jobs = append(in.jobs, rec)
	if len(in.jobs) > 100 {
		in.jobs = in.jobs[len(in.jobs)-100:]
	}
	in.mu.Unlock()
	in.log.Info("scan job complete", "pipe", pipeID, "job", rec.JobID, "path", rec.Path)
	in.publish("job_complete", map[string]interface{}{
		"job_id": rec.JobID, "path": rec.Path, "pipe": pipeID,
	})
}

func (in *Ingress) recordConfigReport(agentID string, meta map[string]string) {
	in.mu.Lock()
	in.reports[agentID] = meta["config_yaml"]
	in.mu.Unlock()
	in.log.Info("config report received", "agent", agentID, "file", meta["filename"])
}

func (in *Ingress) publish(eventType string, payload map[string]interface{}) {
	if in.hub != nil {
		in.hub.Broadcast(eventType, payload)
	}
}

// agentOf extracts the agent id from a task id of the form "agent:pipe".
func agentOf(taskID string) string {
	if i := strings.IndexByte(taskID, ':'); i >= 0 {
		return taskID[:i]
	}
	return taskID
}
