package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/fustor/fustor/internal/event"
	"github.com/fustor/fustor/internal/protocol"
)

// HTTPSender talks to one fusion service over its REST binding. It tracks
// the current session id internally; callers never see session plumbing
// beyond CreateSession/CloseSession.
type HTTPSender struct {
	baseURL string
	apiKey  string
	client  *http.Client

	// The session id is written by the control loop and read by the
	// heartbeat and data loops concurrently.
	mu        sync.Mutex
	sessionID string
}

// NewHTTPSender builds a sender for the fusion service at baseURL,
// authenticating with apiKey. A nil client gets a 30s-timeout default.
func NewHTTPSender(baseURL, apiKey string, client *http.Client) *HTTPSender {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPSender{baseURL: baseURL, apiKey: apiKey, client: client}
}

func (s *HTTPSender) sid() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

func (s *HTTPSender) setSID(id string) {
	s.mu.Lock()
	s.sessionID = id
	s.mu.Unlock()
}

// consistencyPath builds a /consistency/ URL carrying the current
// session id; the fusion service resolves the caller's role from it.
func (s *HTTPSender) consistencyPath(p string) string {
	return p + "?session_id=" + url.QueryEscape(s.sid())
}

// do issues one JSON request and decodes the reply into out (when non-nil).
// A protocol.StatusObsolete reply maps to ErrSessionObsoleted.
func (s *HTTPSender) do(ctx context.Context, method, path string, body, out interface{}) error {
	var rdr io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, rdr)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(protocol.HeaderAPIKey, s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == protocol.StatusObsolete {
		return ErrSessionObsoleted
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var er protocol.ErrorResponse
		if json.NewDecoder(resp.Body).Decode(&er) == nil && er.Message != "" {
			return fmt.Errorf("%s %s: %d: %s", method, path, resp.StatusCode, er.Message)
		}
		return fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (s *HTTPSender) CreateSession(ctx context.Context, taskID string, timeoutSec int) (protocol.CreateSessionResponse, error) {
	req := protocol.CreateSessionRequest{
		TaskID:                taskID,
		SessionTimeoutSeconds: timeoutSec,
	}
	var resp protocol.CreateSessionResponse
	if err := s.do(ctx, http.MethodPost, "/session", req, &resp); err != nil {
		return protocol.CreateSessionResponse{}, err
	}
	s.setSID(resp.SessionID)
	return resp, nil
}

func (s *HTTPSender) Heartbeat(ctx context.Context, canRealtime bool) (protocol.HeartbeatResponse, error) {
	var resp protocol.HeartbeatResponse
	err := s.do(ctx, http.MethodPost, "/session/"+s.sid()+"/heartbeat",
		protocol.HeartbeatRequest{CanRealtime: canRealtime}, &resp)
	return resp, err
}

func (s *HTTPSender) SendBatch(ctx context.Context, events []*event.Event, sourceType string, isEnd bool, metadata map[string]string) error {
	req := protocol.IngestRequest{
		Events:     events,
		SourceType: sourceType,
		IsEnd:      isEnd,
		Metadata:   metadata,
	}
	return s.do(ctx, http.MethodPost, "/ingest/"+s.sid()+"/events", req, nil)
}

func (s *HTTPSender) SignalAuditStart(ctx context.Context) error {
	return s.do(ctx, http.MethodPost, s.consistencyPath("/consistency/audit/start"), protocol.AuditSignalRequest{}, nil)
}

func (s *HTTPSender) SignalAuditEnd(ctx context.Context) error {
	return s.do(ctx, http.MethodPost, s.consistencyPath("/consistency/audit/end"), protocol.AuditSignalRequest{}, nil)
}

func (s *HTTPSender) SentinelTasks(ctx context.Context) (map[string]float64, error) {
	var resp protocol.SentinelTasksResponse
	if err := s.do(ctx, http.MethodGet, s.consistencyPath("/consistency/sentinel/tasks"), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Paths, nil
}

func (s *HTTPSender) SubmitSentinelResults(ctx context.Context, updates []protocol.SentinelUpdate) error {
	req := protocol.SentinelFeedbackRequest{Type: "sentinel", Updates: updates}
	return s.do(ctx, http.MethodPost, s.consistencyPath("/consistency/sentinel/feedback"), req, nil)
}

func (s *HTTPSender) LatestCommittedIndex(ctx context.Context) (int64, error) {
	var resp protocol.CommittedIndexResponse
	if err := s.do(ctx, http.MethodGet, "/ingest/"+s.sid()+"/committed", nil, &resp); err != nil {
		return 0, err
	}
	return resp.Index, nil
}

func (s *HTTPSender) CloseSession(ctx context.Context) error {
	id := s.sid()
	if id == "" {
		return nil
	}
	err := s.do(ctx, http.MethodDelete, "/session/"+id, nil, nil)
	s.setSID("")
	return err
}
