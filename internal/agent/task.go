package agent

import (
	"context"
	"sync"
)

// loopTask adapts a long-lived loop function to a supervised component.
// The loop must return when its context is cancelled.
type loopTask struct {
	id  string
	run func(ctx context.Context)

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func newLoopTask(id string, run func(ctx context.Context)) *loopTask {
	return &loopTask{id: id, run: run}
}

func (t *loopTask) ID() string { return t.id }

func (t *loopTask) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	lctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	done := make(chan struct{})
	t.done = done
	go func() {
		defer close(done)
		t.run(lctx)
	}()
	return nil
}

func (t *loopTask) Stop(ctx context.Context) error {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// IsHealthy reports whether the loop goroutine is still alive.
func (t *loopTask) IsHealthy() bool {
	t.mu.Lock()
	done := t.done
	t.mu.Unlock()
	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}
