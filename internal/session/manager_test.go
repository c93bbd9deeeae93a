package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager() (*Manager, *time.Time) {
	now := time.Unix(1000, 0)
	m := NewManager(30*time.Second, time.Second, nil)
	m.now = func() time.Time { return now }
	return m, &now
}

func TestFirstSessionIsLeader(t *testing.T) {
	m, _ := newTestManager()

	s1 := m.Create("fs", "agent-1:pipe-a", 0)
	s2 := m.Create("fs", "agent-2:pipe-a", 0)

	assert.Equal(t, RoleLeader, s1.Role)
	assert.Equal(t, RoleFollower, s2.Role)
}

func TestLeaderFailover(t *testing.T) {
	m, _ := newTestManager()

	s1 := m.Create("fs", "agent-1:pipe-a", 0)
	s2 := m.Create("fs", "agent-2:pipe-a", 0)
	require.Equal(t, RoleLeader, s1.Role)

	require.NoError(t, m.Terminate(s1.ID))

	// The follower learns on its next heartbeat, not via push.
	role, err := m.Heartbeat(s2.ID, true)
	require.NoError(t, err)
	assert.Equal(t, RoleLeader, role)
}

func TestFollowerWithoutRealtimeIsNotPromoted(t *testing.T) {
	m, _ := newTestManager()
	s1 := m.Create("fs", "a:p", 0)
	s2 := m.Create("fs", "b:p", 0)
	require.NoError(t, m.Terminate(s1.ID))

	role, err := m.Heartbeat(s2.ID, false)
	require.NoError(t, err)
	assert.Equal(t, RoleFollower, role)

	role, err = m.Heartbeat(s2.ID, true)
	require.NoError(t, err)
	assert.Equal(t, RoleLeader, role)
}

func TestHeartbeatUnknownSessionIsObsolete(t *testing.T) {
	m, _ := newTestManager()
	_, err := m.Heartbeat("nope", true)
	assert.ErrorIs(t, err, ErrObsolete)
}

func TestExpirySweepFreesLeadership(t *testing.T) {
	m, now := newTestManager()
	s1 := m.Create("fs", "a:p", 10*time.Second)
	s2 := m.Create("fs", "b:p", 0)

	*now = now.Add(11 * time.Second)
	_, err := m.Heartbeat(s2.ID, true) // keep the follower alive
	require.NoError(t, err)
	m.sweep()

	_, err = m.Get(s1.ID)
	assert.ErrorIs(t, err, ErrObsolete)

	role, err := m.Heartbeat(s2.ID, true)
	require.NoError(t, err)
	assert.Equal(t, RoleLeader, role)
}

func TestTimeoutIsCappedByDefault(t *testing.T) {
	m, _ := newTestManager()
	s := m.Create("fs", "a:p", time.Hour)
	assert.Equal(t, 30*time.Second, s.Timeout)
}

func TestSnapshotCompleteGating(t *testing.T) {
	m, _ := newTestManager()
	leader := m.Create("fs", "a:p", 0)
	follower := m.Create("fs", "b:p", 0)

	assert.False(t, m.SnapshotComplete("fs"))
	assert.False(t, m.SetSnapshotComplete(follower.ID), "follower snapshot-end ignored")
	assert.False(t, m.SnapshotComplete("fs"))

	assert.True(t, m.SetSnapshotComplete(leader.ID))
	assert.True(t, m.SnapshotComplete("fs"))
}

func TestViewsElectIndependently(t *testing.T) {
	m, _ := newTestManager()
	a := m.Create("fs", "a:p", 0)
	b := m.Create("s3", "a:q", 0)
	assert.Equal(t, RoleLeader, a.Role)
	assert.Equal(t, RoleLeader, b.Role)
}
