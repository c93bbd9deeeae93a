// Package protocol holds the JSON shapes both sides of the wire agree on.
// The HTTP binding in internal/fusion and internal/agent is one concrete
// realization; the shapes themselves are transport-agnostic.
package protocol

import "github.com/fustor/fustor/internal/event"

// Batch source types. These classify the transport envelope, not the rows;
// rows keep their own message_source.
const (
	SourceTypeMessage      = "message"
	SourceTypeSnapshot     = "snapshot"
	SourceTypeAudit        = "audit"
	SourceTypeScanComplete = "scan_complete"
)

// Role strings carried in session and heartbeat replies.
const (
	RoleLeader   = "leader"
	RoleFollower = "follower"
)

// StatusObsolete is the HTTP status signalling SessionObsoleted: the agent
// must close its session and restart from the snapshot phase.
const StatusObsolete = 419

// HeaderAPIKey authenticates an agent and resolves to a pipe id.
const HeaderAPIKey = "X-API-Key"

// CreateSessionRequest opens a lease: POST /session.
type CreateSessionRequest struct {
	TaskID                string `json:"task_id"`
	ClientInfo            string `json:"client_info,omitempty"`
	SessionTimeoutSeconds int    `json:"session_timeout_seconds,omitempty"`
}

// CreateSessionResponse carries the assigned id and role.
type CreateSessionResponse struct {
	SessionID             string `json:"session_id"`
	Role                  string `json:"role"`
	SessionTimeoutSeconds int    `json:"session_timeout_seconds"`
	Message               string `json:"message,omitempty"`
}

// HeartbeatRequest renews the lease: POST /session/{sid}/heartbeat.
type HeartbeatRequest struct {
	CanRealtime bool `json:"can_realtime,omitempty"`
}

// HeartbeatResponse reports the current role and any pending commands.
type HeartbeatResponse struct {
	Status   string    `json:"status"`
	Role     string    `json:"role,omitempty"`
	Message  string    `json:"message,omitempty"`
	Commands []Command `json:"commands,omitempty"`
}

// Command is a management instruction delivered through heartbeat replies.
type Command struct {
	Name       string `json:"name"`
	Path       string `json:"path,omitempty"`
	Recursive  bool   `json:"recursive,omitempty"`
	JobID      string `json:"job_id,omitempty"`
	PipeID     string `json:"pipe_id,omitempty"`
	ConfigYAML string `json:"config_yaml,omitempty"`
	Filename   string `json:"filename,omitempty"`
	Version    string `json:"version,omitempty"`
}

// Command names.
const (
	CommandScan         = "scan"
	CommandReloadConfig = "reload_config"
	CommandStopPipe     = "stop_pipe"
	CommandUpdateConfig = "update_config"
	CommandReportConfig = "report_config"
	CommandUpgrade      = "upgrade"
)

// IngestRequest pushes a batch: POST /ingest/{sid}/events.
type IngestRequest struct {
	Events     []*event.Event    `json:"events"`
	SourceType string            `json:"source_type"`
	IsEnd      bool              `json:"is_end,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// IngestResponse acknowledges an enqueued batch.
type IngestResponse struct {
	Status string `json:"status"`
	Count  int    `json:"count"`
}

// CommittedIndexResponse reports where message sync should resume:
// GET /ingest/{sid}/committed.
type CommittedIndexResponse struct {
	Index int64 `json:"index"`
}

// AuditSignalRequest drives /consistency/audit/start and /end.
type AuditSignalRequest struct {
	Metadata map[string]string `json:"metadata,omitempty"`
}

// SentinelTasksResponse lists suspect paths due for re-verification:
// GET /consistency/sentinel/tasks.
type SentinelTasksResponse struct {
	Type  string             `json:"type"`
	Paths map[string]float64 `json:"paths"` // path -> expected mtime
}

// SentinelUpdate is one observation reported back by the agent.
type SentinelUpdate struct {
	Path  string  `json:"path"`
	Mtime float64 `json:"mtime"`
	Size  *int64  `json:"size,omitempty"`
}

// SentinelFeedbackRequest posts observations: POST /consistency/sentinel/feedback.
type SentinelFeedbackRequest struct {
	Type    string           `json:"type"`
	Updates []SentinelUpdate `json:"updates"`
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// Phase metadata values emitted on terminal batches.
const (
	PhaseJobComplete  = "job_complete"
	PhaseConfigReport = "config_report"
)
