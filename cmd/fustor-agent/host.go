package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"reflect"
	"sync"
	"syscall"
	"time"

	"github.com/fustor/fustor/internal/agent"
	"github.com/fustor/fustor/internal/clock"
	"github.com/fustor/fustor/internal/config"
)

// sourceRuntime is one observed system plus the bus fanning its realtime
// stream out to the pipes that share it.
type sourceRuntime struct {
	id     string
	cfg    config.SourceConfig
	src    agent.Source
	clk    *clock.Clock
	bus    *agent.Bus
	cancel context.CancelFunc
}

// host owns the agent-side runtime: sources, buses, senders and pipes, and
// the SIGHUP reload that diffs a fresh config against the running set.
type host struct {
	configDir string
	log       *slog.Logger

	mu      sync.Mutex
	cfg     *config.AgentConfig
	ctx     context.Context
	sources map[string]*sourceRuntime
	pipes   map[string]*agent.Pipe
}

func newHost(cfg *config.AgentConfig, configDir string, log *slog.Logger) *host {
	return &host{
		configDir: configDir,
		log:       log.With("component", "host"),
		cfg:       cfg,
		sources:   make(map[string]*sourceRuntime),
		pipes:     make(map[string]*agent.Pipe),
	}
}

// Start brings up every enabled pipe.
func (h *host) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ctx = ctx
	for _, id := range h.cfg.EnabledPipes() {
		if err := h.startPipeLocked(ctx, id); err != nil {
			return fmt.Errorf("pipe %s: %w", id, err)
		}
	}
	return nil
}

// Stop tears everything down: pipes first, then bus runners and sources.
func (h *host) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	for id, p := range h.pipes {
		if err := p.Stop(ctx); err != nil {
			h.log.Warn("pipe stop failed", "pipe", id, "error", err)
		}
	}
	h.pipes = make(map[string]*agent.Pipe)
	for _, rt := range h.sources {
		h.stopSourceLocked(rt)
	}
	h.sources = make(map[string]*sourceRuntime)
}

func (h *host) stopSourceLocked(rt *sourceRuntime) {
	rt.cancel()
	rt.bus.Close()
	if err := rt.src.Close(); err != nil {
		h.log.Warn("source close failed", "source", rt.id, "error", err)
	}
}

// ensureSourceLocked returns the runtime for sourceID, building it on first
// use. All pipes sharing a source share its clock and bus.
func (h *host) ensureSourceLocked(ctx context.Context, sourceID string) (*sourceRuntime, error) {
	if rt, ok := h.sources[sourceID]; ok {
		return rt, nil
	}
	scfg, ok := h.cfg.Sources[sourceID]
	if !ok {
		return nil, fmt.Errorf("source %q not configured", sourceID)
	}
	rt, err := h.buildSource(ctx, sourceID, scfg)
	if err != nil {
		return nil, err
	}
	h.sources[sourceID] = rt
	return rt, nil
}

func (h *host) buildSource(ctx context.Context, id string, scfg config.SourceConfig) (*sourceRuntime, error) {
	clk := clock.New(0)
	var src agent.Source
	switch scfg.Driver {
	case "fs":
		var err error
		src, err = agent.NewFSSource(scfg.URI, clk, h.log)
		if err != nil {
			return nil, fmt.Errorf("fs source %s: %w", id, err)
		}
	default:
		return nil, fmt.Errorf("unknown source driver %q", scfg.Driver)
	}

	bus := agent.NewBus(0, clk, h.log)
	bctx, cancel := context.WithCancel(ctx)
	go func() {
		if err := bus.Run(bctx, src, 0); err != nil && bctx.Err() == nil {
			h.log.Error("bus runner exited", "source", id, "error", err)
		}
	}()
	return &sourceRuntime{id: id, cfg: scfg, src: src, clk: clk, bus: bus, cancel: cancel}, nil
}

func (h *host) buildSender(pipeID string, scfg config.SenderConfig) (agent.Sender, error) {
	switch scfg.Driver {
	case "fusion":
		timeout := 30 * time.Second
		if scfg.TimeoutSec > 0 {
			timeout = time.Duration(scfg.TimeoutSec) * time.Second
		}
		return agent.NewHTTPSender(scfg.URI, scfg.Credential, &http.Client{Timeout: timeout}), nil
	default:
		return nil, fmt.Errorf("unknown sender driver %q for pipe %s", scfg.Driver, pipeID)
	}
}

func (h *host) startPipeLocked(ctx context.Context, pipeID string) error {
	pcfg := h.cfg.Pipes[pipeID]
	rt, err := h.ensureSourceLocked(ctx, pcfg.Source)
	if err != nil {
		return err
	}
	sender, err := h.buildSender(pipeID, h.cfg.Senders[pcfg.Sender])
	if err != nil {
		return err
	}

	opts := agent.Options{
		ID:                   pipeID,
		AgentID:              h.cfg.AgentID,
		BatchSize:            h.cfg.Senders[pcfg.Sender].BatchSize,
		HeartbeatInterval:    time.Duration(pcfg.HeartbeatIntervalSec) * time.Second,
		AuditInterval:        time.Duration(pcfg.AuditIntervalSec) * time.Second,
		SentinelInterval:     time.Duration(pcfg.SentinelIntervalSec) * time.Second,
		ErrorRetryInterval:   time.Duration(pcfg.ErrorRetryInterval * float64(time.Second)),
		BackoffMultiplier:    pcfg.BackoffMultiplier,
		MaxBackoff:           time.Duration(pcfg.MaxBackoffSeconds * float64(time.Second)),
		MaxConsecutiveErrors: pcfg.MaxConsecutiveErrors,
		Hooks: agent.HostHooks{
			ConfigDir:     h.configDir,
			RequestReload: func() { go h.reloadAsync() },
			StopPipe:      func(id string) { go h.stopPipeByID(id) },
			Upgrade:       restartProcess,
		},
	}

	p := agent.NewPipe(opts, rt.src, sender, rt.bus, h.log)
	if err := p.Start(ctx); err != nil {
		return err
	}
	h.pipes[pipeID] = p
	return nil
}

func (h *host) reloadAsync() {
	h.mu.Lock()
	ctx := h.ctx
	h.mu.Unlock()
	if err := h.Reload(ctx); err != nil {
		h.log.Error("remote reload failed", "error", err)
	}
}

func (h *host) stopPipeByID(id string) {
	h.mu.Lock()
	p, ok := h.pipes[id]
	if ok {
		delete(h.pipes, id)
	}
	h.mu.Unlock()
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := p.Stop(ctx); err != nil {
		h.log.Warn("pipe stop failed", "pipe", id, "error", err)
	}
}

// Reload loads and validates a fresh config, then reconciles the running
// set: removed pipes stop, added pipes start, changed sources are rebuilt
// and their surviving pipes remapped onto the new bus. A config that fails
// validation changes nothing.
func (h *host) Reload(ctx context.Context) error {
	next, err := config.LoadAgentDir(h.configDir)
	if err != nil {
		return err
	}
	if err := next.Validate(); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	prev := h.cfg
	oldEnabled := toSet(prev.EnabledPipes())
	newEnabled := toSet(next.EnabledPipes())

	stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	stopPipe := func(id string) {
		if p, ok := h.pipes[id]; ok {
			if err := p.Stop(stopCtx); err != nil {
				h.log.Warn("pipe stop failed during reload", "pipe", id, "error", err)
			}
			delete(h.pipes, id)
		}
	}

	// Classify each running pipe: keep, remap, or restart. A pipe whose
	// source was merely renamed to an identical definition keeps its
	// session and just moves its bus subscription.
	remaps := make(map[string]string) // pipe id -> new source id
	for id := range oldEnabled {
		op, np := prev.Pipes[id], next.Pipes[id]
		_, keep := newEnabled[id]
		sameSender := keep && reflect.DeepEqual(prev.Senders[op.Sender], next.Senders[np.Sender])
		sameSourceDef := keep && reflect.DeepEqual(prev.Sources[op.Source], next.Sources[np.Source])
		switch {
		case keep && reflect.DeepEqual(op, np) && sameSender && sameSourceDef:
			// untouched
		case keep && sameSender && sameSourceDef && pipeEqualModuloSource(op, np):
			remaps[id] = np.Source
		default:
			stopPipe(id)
		}
	}

	h.cfg = next

	// Drop or rebuild source runtimes. A changed definition restarts the
	// attached pipes so they pick up the new source object.
	for sid, rt := range h.sources {
		ncfg, defined := next.Sources[sid]
		used := false
		if defined && !ncfg.Disabled {
			for id := range newEnabled {
				if next.Pipes[id].Source == sid {
					used = true
					break
				}
			}
		}
		if !used {
			h.stopSourceLocked(rt)
			delete(h.sources, sid)
			continue
		}
		if reflect.DeepEqual(rt.cfg, ncfg) {
			continue
		}
		h.log.Info("source config changed, rebuilding", "source", sid)
		for id := range h.pipes {
			if next.Pipes[id].Source == sid {
				stopPipe(id)
			}
		}
		h.stopSourceLocked(rt)
		delete(h.sources, sid)
	}

	// Quiet remaps onto their (possibly fresh) target bus.
	for id, sid := range remaps {
		p, ok := h.pipes[id]
		if !ok {
			continue
		}
		rt, err := h.ensureSourceLocked(h.ctx, sid)
		if err != nil {
			h.log.Error("remap target source failed, restarting pipe", "pipe", id, "error", err)
			stopPipe(id)
			continue
		}
		p.RemapToNewBus(rt.bus, false)
	}

	// Start everything enabled but not running.
	for id := range newEnabled {
		if _, running := h.pipes[id]; running {
			continue
		}
		if err := h.startPipeLocked(h.ctx, id); err != nil {
			h.log.Error("pipe start failed during reload", "pipe", id, "error", err)
		}
	}

	h.log.Info("reload complete", "pipes", next.EnabledPipes())
	return nil
}

// pipeEqualModuloSource reports whether two pipe definitions differ only in
// the source they name.
func pipeEqualModuloSource(a, b config.PipeConfig) bool {
	a.Source = ""
	b.Source = ""
	return reflect.DeepEqual(a, b)
}

func toSet(ids []string) map[string]struct{} {
	out := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out
}

// restartProcess exec-replaces the running binary in place. The deployment
// keeps the executable path stable across versions, so re-exec picks up
// whatever was installed there.
func restartProcess(version string) error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}
	return syscall.Exec(exe, os.Args, os.Environ())
}
