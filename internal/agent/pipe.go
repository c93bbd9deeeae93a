package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/fustor/fustor/internal/event"
	"github.com/fustor/fustor/internal/protocol"
	"github.com/fustor/fustor/internal/supervisor"
)

// Options tunes one pipe. Zero values take the defaults.
type Options struct {
	ID      string
	AgentID string

	BatchSize            int
	HeartbeatInterval    time.Duration
	ControlInterval      time.Duration
	AuditInterval        time.Duration // 0 disables periodic audits
	SentinelInterval     time.Duration // 0 disables sentinel sweeps
	SessionTimeoutSec    int
	ErrorRetryInterval   time.Duration
	BackoffMultiplier    float64
	MaxBackoff           time.Duration
	MaxConsecutiveErrors int

	Hooks HostHooks
}

// HostHooks are the host-process actions commands can request. Nil hooks
// turn the corresponding command into a logged no-op.
type HostHooks struct {
	ConfigDir     string
	RequestReload func()
	StopPipe      func(pipeID string)
	Upgrade       func(version string) error
}

func (o *Options) applyDefaults() {
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 5 * time.Second
	}
	if o.ControlInterval <= 0 {
		o.ControlInterval = 100 * time.Millisecond
	}
	if o.ErrorRetryInterval <= 0 {
		o.ErrorRetryInterval = time.Second
	}
	if o.BackoffMultiplier < 1 {
		o.BackoffMultiplier = 2
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = time.Minute
	}
	if o.MaxConsecutiveErrors <= 0 {
		o.MaxConsecutiveErrors = 10
	}
}

// Pipe drives one (source, sender) pair through snapshot, message and
// audit/sentinel phases, following the role fusion assigns. Four loops run
// under an internal supervisor: control, heartbeat, data and commands.
// Control-plane and data-plane failures are counted and backed off
// independently.
type Pipe struct {
	opts   Options
	source Source
	sender Sender
	log    *slog.Logger

	state        atomic.Uint32
	currentRole  atomic.Value // string
	desiredRole  atomic.Value // string
	snapshotDone atomic.Bool

	bus atomic.Pointer[Bus]

	commands chan protocol.Command
	tasks    *supervisor.Supervisor

	controlPlane *errorPlane
	dataPlane    *errorPlane

	mu          sync.Mutex
	phaseCancel context.CancelFunc // cancels the running snapshot/message phase
	runCtx      context.Context
	runCancel   context.CancelFunc
	started     bool
	stopped     bool

	lastAudit    time.Time
	lastSentinel time.Time
}

// NewPipe wires a pipe over its drivers. bus may be nil when the pipe owns
// its source exclusively.
func NewPipe(opts Options, source Source, sender Sender, bus *Bus, log *slog.Logger) *Pipe {
	opts.applyDefaults()
	if log == nil {
		log = slog.Default()
	}
	log = log.With("pipe", opts.ID)

	p := &Pipe{
		opts:     opts,
		source:   source,
		sender:   sender,
		log:      log,
		commands: make(chan protocol.Command, 16),
		tasks:    supervisor.New(10*time.Second, log),
		controlPlane: newErrorPlane("control", opts.ErrorRetryInterval,
			opts.BackoffMultiplier, opts.MaxBackoff, opts.MaxConsecutiveErrors, log),
		dataPlane: newErrorPlane("data", opts.ErrorRetryInterval,
			opts.BackoffMultiplier, opts.MaxBackoff, opts.MaxConsecutiveErrors, log),
	}
	p.currentRole.Store(protocol.RoleFollower)
	p.desiredRole.Store(protocol.RoleFollower)
	p.state.Store(uint32(StateStopped))
	if bus != nil {
		p.bus.Store(bus)
		bus.Subscribe(opts.ID)
	}
	return p
}

// ID implements supervisor.Component.
func (p *Pipe) ID() string { return p.opts.ID }

// State returns the current flag set.
func (p *Pipe) State() PipeState { return PipeState(p.state.Load()) }

// Role returns the last role fusion assigned.
func (p *Pipe) Role() string { return p.currentRole.Load().(string) }

// DataErrors and ControlErrors expose the plane counters for stats.
func (p *Pipe) DataErrors() int    { return p.dataPlane.count() }
func (p *Pipe) ControlErrors() int { return p.controlPlane.count() }

func (p *Pipe) setFlag(f PipeState)      { p.orState(f) }
func (p *Pipe) clearFlag(f PipeState)    { p.andNotState(f) }
func (p *Pipe) hasFlag(f PipeState) bool { return p.State().Has(f) }

func (p *Pipe) orState(f PipeState) {
	for {
		old := p.state.Load()
		if p.state.CompareAndSwap(old, old|uint32(f)) {
			return
		}
	}
}

func (p *Pipe) andNotState(f PipeState) {
	for {
		old := p.state.Load()
		if p.state.CompareAndSwap(old, old&^uint32(f)) {
			return
		}
	}
}

// casFlag sets f and reports whether it was previously clear.
func (p *Pipe) casFlag(f PipeState) bool {
	for {
		old := p.state.Load()
		if old&uint32(f) != 0 {
			return false
		}
		if p.state.CompareAndSwap(old, old|uint32(f)) {
			return true
		}
	}
}

// Start creates the session and launches the supervised loops. The pipe
// enters RUNNING|PAUSED standby until the first heartbeat confirms a role.
func (p *Pipe) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = true
	p.runCtx, p.runCancel = context.WithCancel(context.WithoutCancel(ctx))
	runCtx := p.runCtx
	p.mu.Unlock()

	taskID := fmt.Sprintf("%s:%s", p.opts.AgentID, p.opts.ID)
	var resp protocol.CreateSessionResponse
	b := retry.WithMaxRetries(5, retry.NewExponential(p.opts.ErrorRetryInterval))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		var err error
		resp, err = p.sender.CreateSession(ctx, taskID, p.opts.SessionTimeoutSec)
		if err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		p.runCancel()
		return fmt.Errorf("create session: %w", err)
	}
	if resp.Role != "" {
		p.desiredRole.Store(resp.Role)
	}
	p.log.Info("session established", "session", resp.SessionID, "role", resp.Role)

	for _, t := range []*loopTask{
		newLoopTask("control_loop", p.controlLoop),
		newLoopTask("heartbeat_loop", p.heartbeatLoop),
		newLoopTask("data_supervisor", p.dataLoop),
		newLoopTask("command_processor", p.commandLoop),
	} {
		if err := p.tasks.Register(t, supervisor.Config{
			Policy: supervisor.RestartOnFailure, MaxRestarts: 3,
		}); err != nil {
			p.runCancel()
			return err
		}
	}
	p.tasks.StartAll(runCtx)

	p.state.Store(uint32(StateRunning | StatePaused))
	return nil
}

// Stop cancels every supervised task, closes the session and releases the
// bus subscription. Idempotent.
func (p *Pipe) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped || !p.started {
		p.stopped = true
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	cancel := p.runCancel
	p.mu.Unlock()

	p.tasks.StopAll(ctx)
	if cancel != nil {
		cancel()
	}

	closeCtx, done := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer done()
	if err := p.sender.CloseSession(closeCtx); err != nil {
		p.log.Warn("close session failed", "error", err)
	}
	if bus := p.bus.Load(); bus != nil {
		bus.Unsubscribe(p.opts.ID)
	}
	p.state.Store(uint32(StateStopped))
	p.log.Info("pipe stopped")
	return nil
}

// IsHealthy implements supervisor.Component.
func (p *Pipe) IsHealthy() bool {
	s := p.State()
	return s.Has(StateRunning) && !s.Has(StateError)
}

// ============================================================================
// CONTROL PLANE
// ============================================================================

// controlLoop reconciles role changes and drives the audit/sentinel
// cadence. It never does wire I/O itself, so a stuck sender cannot stall
// role transitions.
func (p *Pipe) controlLoop(ctx context.Context) {
	ticker := time.NewTicker(p.opts.ControlInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		desired := p.desiredRole.Load().(string)
		current := p.currentRole.Load().(string)
		if desired != current {
			p.transitionRole(current, desired)
		}

		if p.currentRole.Load().(string) != protocol.RoleLeader || !p.snapshotDone.Load() {
			continue
		}
		now := time.Now()
		if p.opts.AuditInterval > 0 && now.Sub(p.lastAudit) >= p.opts.AuditInterval {
			p.lastAudit = now
			p.TriggerAudit()
		}
		if p.opts.SentinelInterval > 0 && now.Sub(p.lastSentinel) >= p.opts.SentinelInterval {
			p.lastSentinel = now
			p.TriggerSentinel()
		}
	}
}

func (p *Pipe) transitionRole(from, to string) {
	p.log.Info("role transition", "from", from, "to", to)
	p.currentRole.Store(to)
	switch to {
	case protocol.RoleLeader:
		p.andNotState(StatePaused)
		p.orState(StateRunning)
	default:
		p.orState(StatePaused)
		p.cancelPhase()
	}
}

func (p *Pipe) cancelPhase() {
	p.mu.Lock()
	cancel := p.phaseCancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// heartbeatLoop keeps the lease alive and learns role changes and pending
// commands from the replies. Failures touch only the control-plane counter.
func (p *Pipe) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(p.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		hctx, cancel := context.WithTimeout(ctx, 2*p.opts.HeartbeatInterval)
		reply, err := p.sender.Heartbeat(hctx, true)
		cancel()
		switch {
		case errors.Is(err, ErrSessionObsoleted):
			p.handleObsoleted(ctx)
			continue
		case err != nil:
			p.controlPlane.failure(ctx, err)
			continue
		}
		p.controlPlane.success()

		if reply.Role != "" {
			p.desiredRole.Store(reply.Role)
		}
		for _, cmd := range reply.Commands {
			select {
			case p.commands <- cmd:
			default:
				p.log.Warn("command queue full, dropping", "command", cmd.Name)
			}
		}
	}
}

// handleObsoleted closes the dead session, opens a fresh one and forces a
// restart from the snapshot phase.
func (p *Pipe) handleObsoleted(ctx context.Context) {
	p.log.Warn("session obsoleted, restarting from snapshot")
	_ = p.sender.CloseSession(ctx)

	taskID := fmt.Sprintf("%s:%s", p.opts.AgentID, p.opts.ID)
	resp, err := p.sender.CreateSession(ctx, taskID, p.opts.SessionTimeoutSec)
	if err != nil {
		p.controlPlane.failure(ctx, err)
		return
	}
	p.controlPlane.success()
	if resp.Role != "" {
		p.desiredRole.Store(resp.Role)
	}
	p.snapshotDone.Store(false)
	p.orState(StateReconnecting)
	p.cancelPhase()
}

// ============================================================================
// DATA PLANE
// ============================================================================

// dataLoop starts and stops the snapshot/message phases as a function of
// role and state. Followers only drain the bus to keep it non-blocking.
func (p *Pipe) dataLoop(ctx context.Context) {
	for ctx.Err() == nil {
		if p.currentRole.Load().(string) != protocol.RoleLeader {
			if bus := p.bus.Load(); bus != nil {
				bus.Drain(p.opts.ID)
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.opts.ControlInterval):
			}
			continue
		}

		if p.hasFlag(StateReconnecting) {
			p.snapshotDone.Store(false)
			p.andNotState(StateReconnecting)
		}

		pctx, cancel := context.WithCancel(ctx)
		p.mu.Lock()
		p.phaseCancel = cancel
		p.mu.Unlock()

		err := p.runLeaderPhases(pctx)
		cancel()
		p.mu.Lock()
		p.phaseCancel = nil
		p.mu.Unlock()

		switch {
		case err == nil || errors.Is(err, context.Canceled):
			// role change or shutdown; loop re-evaluates
		case errors.Is(err, ErrPositionLost):
			p.log.Warn("bus position lost, resyncing from snapshot")
			p.snapshotDone.Store(false)
			p.dataPlane.success()
		case errors.Is(err, ErrSessionObsoleted):
			p.handleObsoleted(ctx)
		default:
			p.dataPlane.failure(ctx, err)
		}
	}
}

func (p *Pipe) runLeaderPhases(ctx context.Context) error {
	if !p.snapshotDone.Load() {
		if err := p.runSnapshot(ctx); err != nil {
			return err
		}
		p.dataPlane.success()
	}
	return p.runMessage(ctx)
}

// runSnapshot walks the source's full state and streams it in batches,
// terminating with an empty is_end batch.
func (p *Pipe) runSnapshot(ctx context.Context) error {
	p.orState(StateSnapshotSync)
	defer p.andNotState(StateSnapshotSync)
	p.log.Info("snapshot sync started")

	it, err := p.source.SnapshotIterator(ctx)
	if err != nil {
		return fmt.Errorf("snapshot iterator: %w", err)
	}
	defer it.Close()

	batch := make([]*event.Event, 0, p.opts.BatchSize)
	flush := func(isEnd bool) error {
		if len(batch) == 0 && !isEnd {
			return nil
		}
		err := p.sender.SendBatch(ctx, batch, protocol.SourceTypeSnapshot, isEnd, nil)
		batch = batch[:0]
		return err
	}
	for {
		ev, err := it.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("snapshot read: %w", err)
		}
		batch = append(batch, ev)
		if len(batch) >= p.opts.BatchSize {
			if err := flush(false); err != nil {
				return err
			}
		}
	}
	if err := flush(false); err != nil {
		return err
	}
	if err := flush(true); err != nil {
		return err
	}
	p.snapshotDone.Store(true)
	p.log.Info("snapshot sync complete")
	return nil
}

// runMessage follows the realtime stream, from the bus when one is shared
// or directly from the source, resuming at the last committed index.
func (p *Pipe) runMessage(ctx context.Context) error {
	p.orState(StateMessageSync)
	defer p.andNotState(StateMessageSync)

	if bus := p.bus.Load(); bus != nil {
		return p.messageFromBus(ctx, bus)
	}
	return p.messageFromSource(ctx)
}

func (p *Pipe) messageFromBus(ctx context.Context, bus *Bus) error {
	for {
		// Re-load each round so a quiet remap takes effect between reads.
		if current := p.bus.Load(); current != nil {
			bus = current
		}
		evs, err := bus.Read(ctx, p.opts.ID, p.opts.BatchSize)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := p.sender.SendBatch(ctx, evs, protocol.SourceTypeMessage, false, nil); err != nil {
			return err
		}
		p.dataPlane.success()
	}
}

func (p *Pipe) messageFromSource(ctx context.Context) error {
	start, err := p.sender.LatestCommittedIndex(ctx)
	if err != nil {
		return fmt.Errorf("latest committed index: %w", err)
	}
	it, err := p.source.MessageIterator(ctx, start)
	if err != nil {
		return fmt.Errorf("message iterator: %w", err)
	}
	defer it.Close()

	batch := make([]*event.Event, 0, p.opts.BatchSize)
	for {
		// First read blocks; the rest of the batch is whatever arrives
		// within the accumulation window.
		ev, err := it.Next(ctx)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("message read: %w", err)
		}
		batch = append(batch[:0], ev)
		actx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		for len(batch) < p.opts.BatchSize {
			more, err := it.Next(actx)
			if err != nil {
				break
			}
			batch = append(batch, more)
		}
		cancel()
		if err := p.sender.SendBatch(ctx, batch, protocol.SourceTypeMessage, false, nil); err != nil {
			return err
		}
		p.dataPlane.success()
	}
}

// ============================================================================
// AUDIT / SENTINEL / REMAP
// ============================================================================

// TriggerAudit starts one audit pass concurrent with message sync. A pass
// already in flight makes this a no-op.
func (p *Pipe) TriggerAudit() {
	if !p.casFlag(StateAuditPhase) {
		return
	}
	p.mu.Lock()
	ctx := p.runCtx
	p.mu.Unlock()
	go func() {
		defer p.andNotState(StateAuditPhase)
		if err := p.runAudit(ctx); err != nil && !errors.Is(err, context.Canceled) {
			p.log.Warn("audit pass failed", "error", err)
			p.dataPlane.failure(ctx, err)
		}
	}()
}

func (p *Pipe) runAudit(ctx context.Context) error {
	p.log.Info("audit pass started")
	if err := p.sender.SignalAuditStart(ctx); err != nil {
		return fmt.Errorf("audit start signal: %w", err)
	}

	it, err := p.source.AuditIterator(ctx)
	if err != nil {
		return fmt.Errorf("audit iterator: %w", err)
	}
	defer it.Close()

	batch := make([]*event.Event, 0, p.opts.BatchSize)
	for {
		ev, err := it.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("audit read: %w", err)
		}
		batch = append(batch, ev)
		if len(batch) >= p.opts.BatchSize {
			if err := p.sender.SendBatch(ctx, batch, protocol.SourceTypeAudit, false, nil); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
	if len(batch) > 0 {
		if err := p.sender.SendBatch(ctx, batch, protocol.SourceTypeAudit, false, nil); err != nil {
			return err
		}
	}
	if err := p.sender.SignalAuditEnd(ctx); err != nil {
		return fmt.Errorf("audit end signal: %w", err)
	}
	p.log.Info("audit pass complete")
	return nil
}

// TriggerSentinel runs one sentinel sweep: fetch the suspect paths, re-stat
// them at the source, report back.
func (p *Pipe) TriggerSentinel() {
	if !p.casFlag(StateSentinelSweep) {
		return
	}
	p.mu.Lock()
	ctx := p.runCtx
	p.mu.Unlock()
	go func() {
		defer p.andNotState(StateSentinelSweep)
		if err := p.runSentinel(ctx); err != nil && !errors.Is(err, context.Canceled) {
			p.log.Warn("sentinel sweep failed", "error", err)
		}
	}()
}

func (p *Pipe) runSentinel(ctx context.Context) error {
	tasks, err := p.sender.SentinelTasks(ctx)
	if err != nil {
		return fmt.Errorf("sentinel tasks: %w", err)
	}
	if len(tasks) == 0 {
		return nil
	}
	updates, err := p.source.PerformSentinelCheck(ctx, tasks)
	if err != nil {
		return fmt.Errorf("sentinel check: %w", err)
	}
	if len(updates) == 0 {
		return nil
	}
	return p.sender.SubmitSentinelResults(ctx, updates)
}

// RemapToNewBus moves this pipe's subscription to newBus. With
// neededPositionLost the running message phase is cancelled, if still
// running, and the data supervisor restarts from a fresh snapshot;
// otherwise the migration is quiet. Calling twice with the same bus and
// neededPositionLost=false is equivalent to a single call.
func (p *Pipe) RemapToNewBus(newBus *Bus, neededPositionLost bool) {
	old := p.bus.Swap(newBus)
	if old != newBus {
		if old != nil && !neededPositionLost {
			pos := old.Position(p.opts.ID)
			old.Unsubscribe(p.opts.ID)
			if lost := newBus.Adopt(p.opts.ID, pos); lost {
				neededPositionLost = true
			}
		} else {
			if old != nil {
				old.Unsubscribe(p.opts.ID)
			}
			newBus.Subscribe(p.opts.ID)
		}
	}
	if !neededPositionLost {
		return
	}
	p.orState(StateReconnecting)
	p.cancelPhase()
}
