package agent

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fustor/fustor/internal/event"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func busEvent(path string, index int64) *event.Event {
	return &event.Event{
		Type:   event.TypeUpdate,
		Schema: "fs",
		Table:  "files",
		Rows:   []event.Row{{event.FieldPath: path}},
		Source: event.SourceRealtime,
		Index:  index,
	}
}

func TestBusFanOutIndependentPositions(t *testing.T) {
	b := NewBus(16, nil, testLogger())
	b.Subscribe("a")
	b.Subscribe("b")

	for i := 0; i < 3; i++ {
		b.Publish(busEvent("/f", int64(i+1)))
	}

	ctx := context.Background()
	got, err := b.Read(ctx, "a", 10)
	require.NoError(t, err)
	assert.Len(t, got, 3)

	// b's cursor is untouched by a's reads
	got, err = b.Read(ctx, "b", 2)
	require.NoError(t, err)
	assert.Len(t, got, 2)
	got, err = b.Read(ctx, "b", 10)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestBusReadBlocksUntilPublish(t *testing.T) {
	b := NewBus(16, nil, testLogger())
	b.Subscribe("p")

	done := make(chan []*event.Event, 1)
	go func() {
		evs, err := b.Read(context.Background(), "p", 10)
		require.NoError(t, err)
		done <- evs
	}()

	select {
	case <-done:
		t.Fatal("read returned before publish")
	case <-time.After(20 * time.Millisecond):
	}

	b.Publish(busEvent("/f", 7))
	select {
	case evs := <-done:
		require.Len(t, evs, 1)
		assert.Equal(t, int64(7), evs[0].Index)
	case <-time.After(time.Second):
		t.Fatal("read did not wake on publish")
	}
}

func TestBusPositionLostOnOverflow(t *testing.T) {
	b := NewBus(2, nil, testLogger())
	b.Subscribe("slow")

	for i := 0; i < 5; i++ {
		b.Publish(busEvent("/f", int64(i+1)))
	}

	_, err := b.Read(context.Background(), "slow", 10)
	assert.ErrorIs(t, err, ErrPositionLost)
}

func TestBusDrainSkipsToHead(t *testing.T) {
	b := NewBus(16, nil, testLogger())
	b.Subscribe("p")

	b.Publish(busEvent("/old", 1))
	b.Publish(busEvent("/old", 2))
	b.Drain("p")
	b.Publish(busEvent("/new", 3))

	evs, err := b.Read(context.Background(), "p", 10)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, int64(3), evs[0].Index)
}

func TestBusStampsUnsetIndex(t *testing.T) {
	b := NewBus(16, nil, testLogger())
	b.Subscribe("p")

	stamped := busEvent("/f", 0)
	preset := busEvent("/g", 42)
	b.Publish(stamped)
	b.Publish(preset)

	evs, err := b.Read(context.Background(), "p", 10)
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.NotZero(t, evs[0].Index)
	assert.Equal(t, int64(42), evs[1].Index)
}

func TestBusSplitAndAdopt(t *testing.T) {
	b := NewBus(16, nil, testLogger())
	for i := 0; i < 6; i++ {
		b.Publish(busEvent("/f", int64(i+1)))
	}

	nb := b.Split(2)

	// A cursor inside the new window migrates in place.
	lost := nb.Adopt("fresh", 4)
	assert.False(t, lost)
	evs, err := nb.Read(context.Background(), "fresh", 10)
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, int64(5), evs[0].Index)
	assert.Equal(t, int64(6), evs[1].Index)

	// A cursor behind the new window is lost and repositioned at the head.
	lost = nb.Adopt("stale", 1)
	assert.True(t, lost)
	assert.Equal(t, int64(6), nb.Position("stale"))
}

func TestBusCloseUnblocksReaders(t *testing.T) {
	b := NewBus(16, nil, testLogger())
	b.Subscribe("p")

	errCh := make(chan error, 1)
	go func() {
		_, err := b.Read(context.Background(), "p", 10)
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)
	b.Close()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, io.EOF)
	case <-time.After(time.Second):
		t.Fatal("close did not unblock the reader")
	}
}

func TestBusUnsubscribedReadEOF(t *testing.T) {
	b := NewBus(16, nil, testLogger())
	b.Subscribe("p")
	b.Unsubscribe("p")
	_, err := b.Read(context.Background(), "p", 10)
	assert.ErrorIs(t, err, io.EOF)
}
