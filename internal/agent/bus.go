package agent

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"github.com/fustor/fustor/internal/clock"
	"github.com/fustor/fustor/internal/event"
)

// DefaultBusCapacity bounds the retained event window of a bus.
const DefaultBusCapacity = 4096

// Bus fans one source's realtime events out to the co-located pipes that
// share that source. There is one iterator and one logical clock per bus;
// subscribers keep independent read positions into the retained window.
type Bus struct {
	mu       sync.Mutex
	window   []*event.Event
	firstPos int64 // absolute position of window[0]
	nextPos  int64 // position the next published event gets
	capacity int
	subs     map[string]int64 // pipe id -> next position to read
	wake     chan struct{}
	closed   bool

	clk *clock.Clock
	log *slog.Logger
}

// NewBus builds a bus around the shared logical clock.
func NewBus(capacity int, clk *clock.Clock, log *slog.Logger) *Bus {
	if capacity <= 0 {
		capacity = DefaultBusCapacity
	}
	if clk == nil {
		clk = clock.New(0)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Bus{
		capacity: capacity,
		subs:     make(map[string]int64),
		wake:     make(chan struct{}),
		clk:      clk,
		log:      log.With("component", "bus"),
	}
}

// Clock exposes the bus's shared logical clock.
func (b *Bus) Clock() *clock.Clock { return b.clk }

// Run pumps the source's message iterator into the bus until ctx ends or
// the iterator is exhausted.
func (b *Bus) Run(ctx context.Context, src Source, startPosition int64) error {
	it, err := src.MessageIterator(ctx, startPosition)
	if err != nil {
		return err
	}
	defer it.Close()
	for {
		ev, err := it.Next(ctx)
		if err != nil {
			if err == io.EOF || ctx.Err() != nil {
				return nil
			}
			return err
		}
		b.Publish(ev)
	}
}

// Publish appends one event, stamping its index from the shared clock when
// the producer left it unset. The oldest event falls out when the window is
// full.
func (b *Bus) Publish(ev *event.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	if ev.Index == 0 {
		ev.Index = int64(b.clk.Now() * 1000)
	}
	b.window = append(b.window, ev)
	b.nextPos++
	if len(b.window) > b.capacity {
		b.window = b.window[1:]
		b.firstPos++
	}
	close(b.wake)
	b.wake = make(chan struct{})
}

// Subscribe registers pipeID at the head of the stream.
func (b *Bus) Subscribe(pipeID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[pipeID] = b.nextPos
}

// Unsubscribe releases pipeID's position.
func (b *Bus) Unsubscribe(pipeID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, pipeID)
}

// Position reports pipeID's next read position.
func (b *Bus) Position(pipeID string) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subs[pipeID]
}

// Read blocks until events are available and returns up to max of them.
// A subscriber that fell out of the retained window gets ErrPositionLost
// and must resync from snapshot.
func (b *Bus) Read(ctx context.Context, pipeID string, max int) ([]*event.Event, error) {
	for {
		b.mu.Lock()
		pos, ok := b.subs[pipeID]
		if !ok || b.closed {
			b.mu.Unlock()
			return nil, io.EOF
		}
		if pos < b.firstPos {
			b.mu.Unlock()
			return nil, ErrPositionLost
		}
		if pos < b.nextPos {
			start := int(pos - b.firstPos)
			end := start + max
			if end > len(b.window) {
				end = len(b.window)
			}
			out := append([]*event.Event(nil), b.window[start:end]...)
			b.subs[pipeID] = pos + int64(len(out))
			b.mu.Unlock()
			return out, nil
		}
		wake := b.wake
		b.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wake:
		}
	}
}

// Drain advances pipeID to the stream head without delivering anything.
// Followers call this so a standby pipe never blocks the window.
func (b *Bus) Drain(pipeID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[pipeID]; ok {
		b.subs[pipeID] = b.nextPos
	}
}

// Close wakes all readers; subsequent reads return io.EOF.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.wake)
	b.wake = make(chan struct{})
}

// Split carves off a new bus holding the most recent keep events of the
// window; the original retains the older range. Subscribers stay on the
// original until the caller remaps them.
func (b *Bus) Split(keep int) *Bus {
	b.mu.Lock()
	defer b.mu.Unlock()
	if keep > len(b.window) {
		keep = len(b.window)
	}
	nb := NewBus(b.capacity, b.clk, b.log)
	nb.window = append([]*event.Event(nil), b.window[len(b.window)-keep:]...)
	nb.firstPos = b.nextPos - int64(keep)
	nb.nextPos = b.nextPos
	b.window = b.window[:len(b.window)-keep]
	return nb
}

// Adopt moves pipeID's subscription onto this bus and reports whether its
// position fell outside the retained range (forcing a snapshot restart).
func (b *Bus) Adopt(pipeID string, position int64) (positionLost bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if position < b.firstPos {
		b.subs[pipeID] = b.nextPos
		return true
	}
	b.subs[pipeID] = position
	return false
}
