package agent

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fustor/fustor/internal/fusion"
	"github.com/fustor/fustor/internal/protocol"
	"github.com/fustor/fustor/internal/session"
	"github.com/fustor/fustor/internal/view"
)

// newSenderFixture stands up a real fusion server and returns a sender
// pointed at it, so the client and server halves of the REST binding are
// tested against each other.
func newSenderFixture(t *testing.T) *HTTPSender {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	v := view.New("main", view.Options{}, 100, log, nil)
	v.Start()
	t.Cleanup(v.Stop)

	sessions := session.NewManager(30*time.Second, time.Second, log)
	pipes := map[string]*fusion.Pipe{"pipe-main": fusion.NewPipe("pipe-main", v, nil)}
	keys := map[string]string{"key-main": "pipe-main"}
	ingress := fusion.NewIngress(sessions, pipes, keys, nil, log)
	server := fusion.NewServer(ingress, sessions, map[string]*view.View{"main": v},
		map[string]bool{"main": false}, nil, nil, log)

	srv := httptest.NewServer(server.Router())
	t.Cleanup(srv.Close)

	return NewHTTPSender(srv.URL, "key-main", nil)
}

func TestHTTPSenderConsistencyCallsCarrySession(t *testing.T) {
	s := newSenderFixture(t)
	ctx := context.Background()

	resp, err := s.CreateSession(ctx, "agent-1:pipe-1", 30)
	require.NoError(t, err)
	require.NotEmpty(t, resp.SessionID)

	// The consistency endpoints resolve the caller from the session id
	// the sender carries; the server rejects calls without one.
	require.NoError(t, s.SignalAuditStart(ctx))
	require.NoError(t, s.SignalAuditEnd(ctx))

	tasks, err := s.SentinelTasks(ctx)
	require.NoError(t, err)
	assert.Empty(t, tasks)

	size := int64(9)
	require.NoError(t, s.SubmitSentinelResults(ctx, []protocol.SentinelUpdate{
		{Path: "/data/a.txt", Mtime: 42, Size: &size},
	}))

	idx, err := s.LatestCommittedIndex(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), idx)

	require.NoError(t, s.CloseSession(ctx))
}

func TestHTTPSenderSessionIDIsSynchronized(t *testing.T) {
	s := newSenderFixture(t)
	ctx := context.Background()

	_, err := s.CreateSession(ctx, "agent-1:pipe-1", 30)
	require.NoError(t, err)

	// Heartbeats race session re-creation the way the heartbeat and
	// control loops do in a live pipe.
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				_, _ = s.Heartbeat(ctx, true)
				_ = s.SignalAuditStart(ctx)
			}
		}()
	}
	for i := 0; i < 20; i++ {
		_, err := s.CreateSession(ctx, "agent-1:pipe-1", 30)
		require.NoError(t, err)
	}
	wg.Wait()

	require.NoError(t, s.CloseSession(ctx))
}
