package fusion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fustor/fustor/internal/protocol"
	"github.com/fustor/fustor/internal/session"
	"github.com/fustor/fustor/internal/view"
)

type ctxKey int

const pipeKey ctxKey = iota

// Server is the fusion REST surface: session lifecycle, ingest,
// consistency signals, read-side queries and the management API.
type Server struct {
	ingress  *Ingress
	sessions *session.Manager
	views    map[string]*view.View
	gate     map[string]bool // view id -> refuse reads before snapshot complete
	hub      *Hub
	gatherer prometheus.Gatherer
	log      *slog.Logger

	httpSrv *http.Server
}

// NewServer assembles the routes. gatherer may be nil to omit /metrics.
func NewServer(ingress *Ingress, sessions *session.Manager, views map[string]*view.View, gate map[string]bool, hub *Hub, gatherer prometheus.Gatherer, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		ingress:  ingress,
		sessions: sessions,
		views:    views,
		gate:     gate,
		hub:      hub,
		gatherer: gatherer,
		log:      log.With("component", "server"),
	}
}

// Router builds the mux with all endpoints mounted.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods("GET")
	}

	// --- Agent-facing endpoints ---
	a := r.NewRoute().Subrouter()
	a.Use(s.authMiddleware)
	a.HandleFunc("/session", s.handleCreateSession).Methods("POST")
	a.HandleFunc("/session/{sid}/heartbeat", s.handleHeartbeat).Methods("POST")
	a.HandleFunc("/session/{sid}", s.handleTerminate).Methods("DELETE")
	a.HandleFunc("/ingest/{sid}/events", s.handleIngest).Methods("POST")
	a.HandleFunc("/ingest/{sid}/committed", s.handleCommitted).Methods("GET")
	a.HandleFunc("/consistency/audit/start", s.handleAuditSignal(true)).Methods("POST")
	a.HandleFunc("/consistency/audit/end", s.handleAuditSignal(false)).Methods("POST")
	a.HandleFunc("/consistency/sentinel/tasks", s.handleSentinelTasks).Methods("GET")
	a.HandleFunc("/consistency/sentinel/feedback", s.handleSentinelFeedback).Methods("POST")

	// --- Read side ---
	a.HandleFunc("/views/{view}/node", s.handleGetNode).Methods("GET")
	a.HandleFunc("/views/{view}/stats", s.handleViewStats).Methods("GET")

	// --- Management ---
	a.HandleFunc("/management/pipes", s.handleListPipes).Methods("GET")
	a.HandleFunc("/management/pipes/{id}", s.handleGetPipe).Methods("GET")
	a.HandleFunc("/management/stats", s.handleStats).Methods("GET")
	a.HandleFunc("/management/sessions", s.handleListSessions).Methods("GET")
	a.HandleFunc("/management/jobs", s.handleListJobs).Methods("GET")
	a.HandleFunc("/management/reload", s.handleReload).Methods("POST")
	a.HandleFunc("/management/agents/{agent_id}/command", s.handleQueueCommand).Methods("POST")
	a.HandleFunc("/management/agents/{agent_id}/config", s.handleAgentConfig).Methods("GET")
	if s.hub != nil {
		a.HandleFunc("/management/events", s.hub.HandleWebSocket).Methods("GET")
	}

	return r
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, port int) error {
	s.httpSrv = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("listening", "addr", s.httpSrv.Addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpSrv.Shutdown(shutCtx)
}

// ============================================================================
// MIDDLEWARE AND HELPERS
// ============================================================================

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(protocol.HeaderAPIKey)
		p, err := s.ingress.ResolvePipe(key)
		if err != nil {
			s.writeError(w, http.StatusUnauthorized, "invalid api key")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), pipeKey, p)))
	})
}

func pipeFrom(r *http.Request) *Pipe {
	p, _ := r.Context().Value(pipeKey).(*Pipe)
	return p
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("response encode failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, protocol.ErrorResponse{Status: "error", Message: msg})
}

// writeSessionError maps a session lookup failure onto the wire: unknown or
// expired sessions get StatusObsolete so the agent restarts from snapshot.
func (s *Server) writeSessionError(w http.ResponseWriter, err error) {
	if errors.Is(err, session.ErrObsolete) {
		s.writeError(w, protocol.StatusObsolete, "session obsolete")
		return
	}
	s.writeError(w, http.StatusInternalServerError, err.Error())
}

// ============================================================================
// SESSION ENDPOINTS
// ============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req protocol.CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	if req.TaskID == "" {
		s.writeError(w, http.StatusBadRequest, "task_id is required")
		return
	}
	sess := s.ingress.CreateSession(pipeFrom(r), req.TaskID, req.SessionTimeoutSeconds)
	s.writeJSON(w, http.StatusCreated, protocol.CreateSessionResponse{
		SessionID:             sess.ID,
		Role:                  string(sess.Role),
		SessionTimeoutSeconds: int(sess.Timeout / time.Second),
	})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	sid := mux.Vars(r)["sid"]
	var req protocol.HeartbeatRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "malformed body")
			return
		}
	}
	role, cmds, err := s.ingress.Heartbeat(sid, req.CanRealtime)
	if err != nil {
		s.writeSessionError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, protocol.HeartbeatResponse{
		Status:   "ok",
		Role:     string(role),
		Commands: cmds,
	})
}

func (s *Server) handleTerminate(w http.ResponseWriter, r *http.Request) {
	sid := mux.Vars(r)["sid"]
	if err := s.ingress.Terminate(sid); err != nil {
		s.writeSessionError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "terminated"})
}

// ============================================================================
// INGEST AND CONSISTENCY ENDPOINTS
// ============================================================================

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	sid := mux.Vars(r)["sid"]
	var req protocol.IngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	n, err := s.ingress.HandleBatch(r.Context(), pipeFrom(r), sid, req)
	if err != nil {
		if errors.Is(err, session.ErrObsolete) {
			s.writeSessionError(w, err)
			return
		}
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, protocol.IngestResponse{Status: "accepted", Count: n})
}

func (s *Server) handleCommitted(w http.ResponseWriter, r *http.Request) {
	sid := mux.Vars(r)["sid"]
	idx, err := s.ingress.CommittedIndex(sid, pipeFrom(r))
	if err != nil {
		s.writeSessionError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, protocol.CommittedIndexResponse{Index: idx})
}

func (s *Server) handleAuditSignal(start bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sid := r.URL.Query().Get("session_id")
		if sid == "" {
			s.writeError(w, http.StatusBadRequest, "session_id is required")
			return
		}
		if err := s.ingress.SignalAudit(r.Context(), pipeFrom(r), sid, start); err != nil {
			s.writeSessionError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func (s *Server) handleSentinelTasks(w http.ResponseWriter, r *http.Request) {
	sid := r.URL.Query().Get("session_id")
	if sid == "" {
		s.writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}
	paths, err := s.ingress.SentinelTasks(sid, pipeFrom(r))
	if err != nil {
		s.writeSessionError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, protocol.SentinelTasksResponse{Type: "sentinel", Paths: paths})
}

func (s *Server) handleSentinelFeedback(w http.ResponseWriter, r *http.Request) {
	sid := r.URL.Query().Get("session_id")
	if sid == "" {
		s.writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}
	var req protocol.SentinelFeedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	if err := s.ingress.SentinelFeedback(r.Context(), pipeFrom(r), sid, req.Updates); err != nil {
		s.writeSessionError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ============================================================================
// READ-SIDE ENDPOINTS
// ============================================================================

func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	viewID := mux.Vars(r)["view"]
	v, ok := s.views[viewID]
	if !ok {
		s.writeError(w, http.StatusNotFound, "unknown view")
		return
	}
	if s.gate[viewID] && !s.sessions.SnapshotComplete(viewID) {
		s.writeError(w, http.StatusServiceUnavailable, "view is still loading")
		return
	}
	path := r.URL.Query().Get("path")
	if path == "" {
		s.writeError(w, http.StatusBadRequest, "path is required")
		return
	}
	info, ok := v.GetNode(path)
	if !ok {
		s.writeError(w, http.StatusNotFound, "no such node")
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleViewStats(w http.ResponseWriter, r *http.Request) {
	viewID := mux.Vars(r)["view"]
	v, ok := s.views[viewID]
	if !ok {
		s.writeError(w, http.StatusNotFound, "unknown view")
		return
	}
	files, dirs, tombstones, suspects := v.Counts()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"view":              viewID,
		"files":             files,
		"directories":       dirs,
		"tombstones":        tombstones,
		"suspects":          suspects,
		"watermark":         v.Watermark(),
		"snapshot_complete": s.sessions.SnapshotComplete(viewID),
	})
}

// ============================================================================
// MANAGEMENT ENDPOINTS
// ============================================================================

func (s *Server) handleListPipes(w http.ResponseWriter, r *http.Request) {
	type pipeInfo struct {
		ID   string `json:"id"`
		View string `json:"view"`
	}
	var out []pipeInfo
	for id, p := range s.ingress.Pipes() {
		out = append(out, pipeInfo{ID: id, View: p.View.ID})
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetPipe(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	p, ok := s.ingress.Pipes()[id]
	if !ok {
		s.writeError(w, http.StatusNotFound, "unknown pipe")
		return
	}
	files, dirs, tombstones, suspects := p.View.Counts()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":                p.ID,
		"view":              p.View.ID,
		"files":             files,
		"directories":       dirs,
		"tombstones":        tombstones,
		"suspects":          suspects,
		"snapshot_complete": s.sessions.SnapshotComplete(p.View.ID),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	perView := make(map[string]interface{}, len(s.views))
	for id, v := range s.views {
		files, dirs, tombstones, suspects := v.Counts()
		perView[id] = map[string]interface{}{
			"files":             files,
			"directories":       dirs,
			"tombstones":        tombstones,
			"suspects":          suspects,
			"watermark":         v.Watermark(),
			"snapshot_complete": s.sessions.SnapshotComplete(id),
		}
	}
	out := map[string]interface{}{
		"views":    perView,
		"sessions": len(s.sessions.Sessions()),
		"jobs":     len(s.ingress.Jobs()),
	}
	if s.hub != nil {
		out["subscribers"] = s.hub.ClientCount()
	}
	s.writeJSON(w, http.StatusOK, out)
}

// handleReload queues a reload_config command: for one agent when agent_id
// is given, otherwise for every agent with a live session.
func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	cmd := protocol.Command{Name: protocol.CommandReloadConfig}
	if agentID := r.URL.Query().Get("agent_id"); agentID != "" {
		s.ingress.QueueCommand(agentID, cmd)
		s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
		return
	}
	seen := make(map[string]struct{})
	for _, sess := range s.sessions.Sessions() {
		agent := agentOf(sess.TaskID)
		if _, dup := seen[agent]; dup {
			continue
		}
		seen[agent] = struct{}{}
		s.ingress.QueueCommand(agent, cmd)
	}
	s.writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"status": "queued", "agents": len(seen),
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.sessions.Sessions())
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.ingress.Jobs())
}

func (s *Server) handleQueueCommand(w http.ResponseWriter, r *http.Request) {
	agentID := mux.Vars(r)["agent_id"]
	var cmd protocol.Command
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	if cmd.Name == "" {
		s.writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	s.ingress.QueueCommand(agentID, cmd)
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func (s *Server) handleAgentConfig(w http.ResponseWriter, r *http.Request) {
	agentID := mux.Vars(r)["agent_id"]
	cfg, ok := s.ingress.ConfigReport(agentID)
	if !ok {
		s.writeError(w, http.StatusNotFound, "no config reported")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"agent_id": agentID, "config_yaml": cfg})
}
