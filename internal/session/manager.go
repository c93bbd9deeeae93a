// Package session tracks the wire-level leases between agent pipes and the
// fusion service, and elects one leader per view. Election is a plain
// compare-and-set on the view's authoritative slot; coordination across
// multiple fusion processes is out of scope.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Role is the per-view role fusion assigns to a session.
type Role string

const (
	RoleLeader   Role = "leader"
	RoleFollower Role = "follower"
)

// ErrObsolete marks a session id that is unknown or expired. The HTTP layer
// maps it to status 419 so the agent restarts from the snapshot phase.
var ErrObsolete = errors.New("session obsolete")

const (
	// DefaultTimeout caps the lease length a client may request.
	DefaultTimeout = 30 * time.Second
	// DefaultCleanupInterval is the sweep cadence.
	DefaultCleanupInterval = 5 * time.Second
)

// Session is one lease. Copies are handed out; the manager owns the truth.
type Session struct {
	ID               string    `json:"session_id"`
	ViewID           string    `json:"view_id"`
	TaskID           string    `json:"task_id"` // "agent_id:pipe_id"
	Role             Role      `json:"role"`
	CreatedAt        time.Time `json:"created_at"`
	LastHeartbeat    time.Time `json:"last_heartbeat"`
	Timeout          time.Duration `json:"-"`
	SnapshotComplete bool      `json:"snapshot_complete"`
	CanRealtime      bool      `json:"can_realtime"`
}

// Manager is the per-fusion session registry covering all views.
type Manager struct {
	mu            sync.Mutex
	sessions      map[string]*Session
	authoritative map[string]string // view id -> leader session id

	defaultTimeout  time.Duration
	cleanupInterval time.Duration
	log             *slog.Logger
	now             func() time.Time
}

// NewManager builds a registry. Zero durations take the defaults.
func NewManager(defaultTimeout, cleanupInterval time.Duration, log *slog.Logger) *Manager {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultTimeout
	}
	if cleanupInterval <= 0 {
		cleanupInterval = DefaultCleanupInterval
	}
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		sessions:        make(map[string]*Session),
		authoritative:   make(map[string]string),
		defaultTimeout:  defaultTimeout,
		cleanupInterval: cleanupInterval,
		log:             log.With("component", "session-manager"),
		now:             time.Now,
	}
}

// Create registers a new session for viewID and elects it leader if the
// view has none. The effective timeout is the smaller of the requested and
// the registry default.
func (m *Manager) Create(viewID, taskID string, requested time.Duration) Session {
	timeout := m.defaultTimeout
	if requested > 0 && requested < timeout {
		timeout = requested
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s := &Session{
		ID:            uuid.NewString(),
		ViewID:        viewID,
		TaskID:        taskID,
		Role:          RoleFollower,
		CreatedAt:     m.now(),
		LastHeartbeat: m.now(),
		Timeout:       timeout,
	}
	if _, taken := m.authoritative[viewID]; !taken {
		m.authoritative[viewID] = s.ID
		s.Role = RoleLeader
	}
	m.sessions[s.ID] = s

	m.log.Info("session created",
		"session", s.ID, "view", viewID, "task", taskID, "role", s.Role)
	return *s
}

// Heartbeat renews the lease and returns the current role. A follower that
// reports can_realtime while the view has no leader takes over.
func (m *Manager) Heartbeat(id string, canRealtime bool) (Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return "", ErrObsolete
	}
	s.LastHeartbeat = m.now()
	s.CanRealtime = canRealtime

	if s.Role == RoleFollower && canRealtime {
		if _, taken := m.authoritative[s.ViewID]; !taken {
			m.authoritative[s.ViewID] = s.ID
			s.Role = RoleLeader
			m.log.Info("follower promoted", "session", s.ID, "view", s.ViewID)
		}
	}
	return s.Role, nil
}

// Terminate drops the session. A departing leader frees the authoritative
// slot; the next capable follower wins it on its heartbeat.
func (m *Manager) Terminate(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.terminateLocked(id)
}

func (m *Manager) terminateLocked(id string) error {
	s, ok := m.sessions[id]
	if !ok {
		return ErrObsolete
	}
	delete(m.sessions, id)
	if m.authoritative[s.ViewID] == id {
		delete(m.authoritative, s.ViewID)
		m.log.Info("leader departed", "session", id, "view", s.ViewID)
	}
	return nil
}

// Get returns a copy of the session.
func (m *Manager) Get(id string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, ErrObsolete
	}
	return *s, nil
}

// SetSnapshotComplete records that the leader finished its bulk load.
// Snapshot-end signals from followers are ignored.
func (m *Manager) SetSnapshotComplete(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || s.Role != RoleLeader {
		return false
	}
	s.SnapshotComplete = true
	return true
}

// SnapshotComplete reports whether the view's current leader has finished
// its snapshot, for readers configured to gate on it.
func (m *Manager) SnapshotComplete(viewID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.authoritative[viewID]
	if !ok {
		return false
	}
	s, ok := m.sessions[id]
	return ok && s.SnapshotComplete
}

// Sessions lists copies of every live session, for the management API.
func (m *Manager) Sessions() []Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, *s)
	}
	return out
}

// Run sweeps expired sessions until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Manager) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for id, s := range m.sessions {
		if now.After(s.LastHeartbeat.Add(s.Timeout)) {
			m.log.Warn("session expired",
				"session", id, "view", s.ViewID, "task", s.TaskID, "role", s.Role)
			_ = m.terminateLocked(id)
		}
	}
}
