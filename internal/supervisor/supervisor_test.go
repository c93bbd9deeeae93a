package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeComponent struct {
	id       string
	startErr error
	healthy  atomic.Bool
	starts   atomic.Int32
	stops    atomic.Int32
}

func newFake(id string) *fakeComponent {
	f := &fakeComponent{id: id}
	f.healthy.Store(true)
	return f
}

func (f *fakeComponent) ID() string { return f.id }

func (f *fakeComponent) Start(ctx context.Context) error {
	f.starts.Add(1)
	return f.startErr
}

func (f *fakeComponent) Stop(ctx context.Context) error {
	f.stops.Add(1)
	return nil
}

func (f *fakeComponent) IsHealthy() bool { return f.healthy.Load() }

func TestStartAllIsolatesFailures(t *testing.T) {
	s := New(time.Hour, nil)
	good := newFake("good")
	bad := newFake("bad")
	bad.startErr = errors.New("boom")

	require.NoError(t, s.Register(good, Config{Policy: RestartNever}))
	require.NoError(t, s.Register(bad, Config{Policy: RestartNever}))

	results := s.StartAll(context.Background())
	defer s.StopAll(context.Background())

	byID := map[string]StartResult{}
	for _, r := range results {
		byID[r.ComponentID] = r
	}
	assert.True(t, byID["good"].Success)
	assert.False(t, byID["bad"].Success)
	assert.Error(t, byID["bad"].Err)

	states := s.States()
	assert.Equal(t, StateRunning, states["good"])
	assert.Equal(t, StateDegraded, states["bad"])
}

func TestDuplicateRegistration(t *testing.T) {
	s := New(time.Hour, nil)
	require.NoError(t, s.Register(newFake("x"), Config{}))
	assert.Error(t, s.Register(newFake("x"), Config{}))
}

func TestHealthLoopRestartsWithinBudget(t *testing.T) {
	s := New(10*time.Millisecond, nil)
	c := newFake("flappy")
	require.NoError(t, s.Register(c, Config{Policy: RestartOnFailure, MaxRestarts: 2}))

	s.StartAll(context.Background())
	defer s.StopAll(context.Background())

	c.healthy.Store(false)
	require.Eventually(t, func() bool { return c.stops.Load() >= 1 }, time.Second, 5*time.Millisecond)

	// Budget is 2; the component never recovers, so starts stay bounded.
	require.Eventually(t, func() bool {
		return s.States()["flappy"] == StateDegraded
	}, time.Second, 5*time.Millisecond)
	assert.LessOrEqual(t, c.starts.Load(), int32(3)) // initial + 2 restarts
}

func TestRestartNeverLeavesDegraded(t *testing.T) {
	s := New(10*time.Millisecond, nil)
	c := newFake("static")
	require.NoError(t, s.Register(c, Config{Policy: RestartNever}))

	s.StartAll(context.Background())
	defer s.StopAll(context.Background())

	c.healthy.Store(false)
	require.Eventually(t, func() bool {
		return s.States()["static"] == StateDegraded
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), c.starts.Load())
	assert.Equal(t, int32(0), c.stops.Load())
}

func TestStopAllStopsEverything(t *testing.T) {
	s := New(time.Hour, nil)
	a, b := newFake("a"), newFake("b")
	require.NoError(t, s.Register(a, Config{}))
	require.NoError(t, s.Register(b, Config{}))

	s.StartAll(context.Background())
	s.StopAll(context.Background())

	assert.Equal(t, int32(1), a.stops.Load())
	assert.Equal(t, int32(1), b.stops.Load())
	states := s.States()
	assert.Equal(t, StateStopped, states["a"])
	assert.Equal(t, StateStopped, states["b"])
}
