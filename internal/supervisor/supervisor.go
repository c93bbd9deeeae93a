// Package supervisor starts and stops a set of long-lived components with
// fault isolation: one component failing to start, or degrading at
// runtime, never takes the others down.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// RestartPolicy controls what the health loop does with an unhealthy
// component.
type RestartPolicy string

const (
	RestartNever     RestartPolicy = "never"
	RestartOnFailure RestartPolicy = "on_failure"
	RestartAlways    RestartPolicy = "always"
)

// State is the supervisor's view of a component.
type State string

const (
	StateRegistered State = "registered"
	StateRunning    State = "running"
	StateDegraded   State = "degraded"
	StateStopped    State = "stopped"
)

// Component is one supervised unit. Start must return promptly, with the
// component's own goroutines spawned internally.
type Component interface {
	ID() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	IsHealthy() bool
}

// Config is the per-component restart policy.
type Config struct {
	Policy      RestartPolicy
	MaxRestarts int
}

// StartResult reports one component's start outcome.
type StartResult struct {
	ComponentID string
	Success     bool
	Err         error
}

type entry struct {
	c        Component
	cfg      Config
	state    State
	restarts int
}

// Supervisor owns N components and a periodic health loop.
type Supervisor struct {
	mu      sync.Mutex
	order   []string
	entries map[string]*entry

	interval   time.Duration
	log        *slog.Logger
	healthStop context.CancelFunc
	healthDone chan struct{}
}

// New builds a supervisor with the given health-check cadence.
func New(healthInterval time.Duration, log *slog.Logger) *Supervisor {
	if healthInterval <= 0 {
		healthInterval = 10 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Supervisor{
		entries:  make(map[string]*entry),
		interval: healthInterval,
		log:      log.With("component", "supervisor"),
	}
}

// Register adds a component. Duplicate IDs are rejected.
func (s *Supervisor) Register(c Component, cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := c.ID()
	if _, dup := s.entries[id]; dup {
		return fmt.Errorf("component %q already registered", id)
	}
	s.entries[id] = &entry{c: c, cfg: cfg, state: StateRegistered}
	s.order = append(s.order, id)
	return nil
}

// StartAll starts every component in parallel. A failure shows up in the
// result list but does not cancel the others. The health loop starts
// alongside.
func (s *Supervisor) StartAll(ctx context.Context) []StartResult {
	s.mu.Lock()
	ids := append([]string(nil), s.order...)
	s.mu.Unlock()

	results := make([]StartResult, len(ids))
	var g errgroup.Group
	for i, id := range ids {
		g.Go(func() error {
			err := s.startOne(ctx, id)
			results[i] = StartResult{ComponentID: id, Success: err == nil, Err: err}
			return nil // isolation: never cancel siblings
		})
	}
	_ = g.Wait()

	hctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.healthStop = cancel
	s.healthDone = make(chan struct{})
	s.mu.Unlock()
	go s.healthLoop(hctx)

	return results
}

func (s *Supervisor) startOne(ctx context.Context, id string) error {
	s.mu.Lock()
	e := s.entries[id]
	s.mu.Unlock()

	if err := e.c.Start(ctx); err != nil {
		s.mu.Lock()
		e.state = StateDegraded
		s.mu.Unlock()
		s.log.Error("component failed to start", "id", id, "error", err)
		return err
	}
	s.mu.Lock()
	e.state = StateRunning
	s.mu.Unlock()
	return nil
}

// StopAll cancels the health loop, then stops every component in parallel,
// absorbing per-component errors.
func (s *Supervisor) StopAll(ctx context.Context) {
	s.mu.Lock()
	if s.healthStop != nil {
		s.healthStop()
		s.healthStop = nil
	}
	done := s.healthDone
	ids := append([]string(nil), s.order...)
	s.mu.Unlock()
	if done != nil {
		<-done
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			s.mu.Lock()
			e := s.entries[id]
			s.mu.Unlock()
			if err := e.c.Stop(ctx); err != nil {
				s.log.Warn("component stop failed", "id", id, "error", err)
			}
			s.mu.Lock()
			e.state = StateStopped
			s.mu.Unlock()
		}(id)
	}
	wg.Wait()
}

// States reports the current component states for the management surface.
func (s *Supervisor) States() map[string]State {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]State, len(s.entries))
	for id, e := range s.entries {
		out[id] = e.state
	}
	return out
}

func (s *Supervisor) healthLoop(ctx context.Context) {
	defer close(s.healthDone)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkAll(ctx)
		}
	}
}

func (s *Supervisor) checkAll(ctx context.Context) {
	s.mu.Lock()
	ids := append([]string(nil), s.order...)
	s.mu.Unlock()

	for _, id := range ids {
		s.mu.Lock()
		e := s.entries[id]
		state := e.state
		s.mu.Unlock()

		if state != StateRunning || e.c.IsHealthy() {
			continue
		}

		s.mu.Lock()
		e.state = StateDegraded
		policy := e.cfg.Policy
		canRestart := (policy == RestartOnFailure || policy == RestartAlways) &&
			e.restarts < e.cfg.MaxRestarts
		if canRestart {
			e.restarts++
		}
		restarts := e.restarts
		s.mu.Unlock()

		if !canRestart {
			s.log.Error("component degraded, restart budget exhausted", "id", id)
			continue
		}

		s.log.Warn("component unhealthy, restarting", "id", id, "attempt", restarts)
		if err := e.c.Stop(ctx); err != nil {
			s.log.Warn("stop before restart failed", "id", id, "error", err)
		}
		if err := s.startOne(ctx, id); err == nil {
			s.log.Info("component restarted", "id", id)
		}
	}
}
