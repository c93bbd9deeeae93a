package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/fustor/fustor/internal/config"
	"github.com/fustor/fustor/internal/event"
	"github.com/fustor/fustor/internal/protocol"
)

// commandLoop consumes commands delivered through heartbeat replies.
func (p *Pipe) commandLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-p.commands:
			p.handleCommand(ctx, cmd)
		}
	}
}

func (p *Pipe) handleCommand(ctx context.Context, cmd protocol.Command) {
	p.log.Info("command received", "command", cmd.Name)
	switch cmd.Name {
	case protocol.CommandScan:
		go func() {
			if err := p.runScan(ctx, cmd); err != nil && !errors.Is(err, context.Canceled) {
				p.log.Warn("scan command failed", "path", cmd.Path, "error", err)
			}
		}()
	case protocol.CommandReloadConfig:
		if p.opts.Hooks.RequestReload != nil {
			p.opts.Hooks.RequestReload()
		}
	case protocol.CommandStopPipe:
		if cmd.PipeID != p.opts.ID {
			return // addressed to a sibling
		}
		if p.opts.Hooks.StopPipe != nil {
			p.opts.Hooks.StopPipe(p.opts.ID)
			return
		}
		go func() { _ = p.Stop(context.Background()) }()
	case protocol.CommandUpdateConfig:
		p.handleUpdateConfig(cmd)
	case protocol.CommandReportConfig:
		p.handleReportConfig(ctx, cmd)
	case protocol.CommandUpgrade:
		p.handleUpgrade(ctx, cmd)
	default:
		p.log.Warn("unknown command ignored", "command", cmd.Name)
	}
}

// runScan walks one subtree on demand through the normal batching pipeline
// and terminates with an empty job-complete batch. Scan rows merge with
// snapshot semantics so they can never outvote the realtime stream.
func (p *Pipe) runScan(ctx context.Context, cmd protocol.Command) error {
	it, err := p.source.ScanIterator(ctx, cmd.Path, cmd.Recursive)
	if err != nil {
		return fmt.Errorf("scan iterator: %w", err)
	}
	defer it.Close()

	// Tagging every scan batch with the job id keeps replayed rows from
	// being mistaken for live message progress.
	scanMeta := map[string]string{event.MetaJobID: cmd.JobID}
	batch := make([]*event.Event, 0, p.opts.BatchSize)
	for {
		ev, err := it.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("scan read: %w", err)
		}
		batch = append(batch, ev)
		if len(batch) >= p.opts.BatchSize {
			if err := p.sender.SendBatch(ctx, batch, protocol.SourceTypeMessage, false, scanMeta); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
	if len(batch) > 0 {
		if err := p.sender.SendBatch(ctx, batch, protocol.SourceTypeMessage, false, scanMeta); err != nil {
			return err
		}
	}
	meta := map[string]string{
		event.MetaPhase:    protocol.PhaseJobComplete,
		event.MetaScanPath: cmd.Path,
		event.MetaJobID:    cmd.JobID,
	}
	return p.sender.SendBatch(ctx, nil, protocol.SourceTypeScanComplete, true, meta)
}

// handleUpdateConfig validates the pushed YAML syntactically and
// semantically, then writes it with a .bak backup and requests a reload.
// Validation failure leaves the existing file untouched.
func (p *Pipe) handleUpdateConfig(cmd protocol.Command) {
	dir := p.opts.Hooks.ConfigDir
	if dir == "" {
		p.log.Warn("update_config received but no config dir configured")
		return
	}
	filename := cmd.Filename
	if filepath.Ext(filename) == "" {
		filename += ".yaml"
	}

	content := []byte(cmd.ConfigYAML)
	if err := config.ValidateAgentUpdate(dir, filename, content); err != nil {
		p.log.Error("update_config rejected", "file", filename, "error", err)
		return
	}
	if err := config.WriteWithBackup(dir, filename, content); err != nil {
		p.log.Error("update_config write failed", "file", filename, "error", err)
		return
	}
	p.log.Info("config updated", "file", filename)
	if p.opts.Hooks.RequestReload != nil {
		p.opts.Hooks.RequestReload()
	}
}

// handleReportConfig reads the named file and ships it back as a
// config_report batch.
func (p *Pipe) handleReportConfig(ctx context.Context, cmd protocol.Command) {
	dir := p.opts.Hooks.ConfigDir
	if dir == "" {
		p.log.Warn("report_config received but no config dir configured")
		return
	}
	data, err := os.ReadFile(filepath.Join(dir, cmd.Filename))
	if err != nil {
		p.log.Error("report_config read failed", "file", cmd.Filename, "error", err)
		return
	}
	meta := map[string]string{
		event.MetaPhase: protocol.PhaseConfigReport,
		"filename":      cmd.Filename,
		"config_yaml":   string(data),
	}
	if err := p.sender.SendBatch(ctx, nil, protocol.SourceTypeMessage, false, meta); err != nil {
		p.log.Error("report_config send failed", "file", cmd.Filename, "error", err)
	}
}

// handleUpgrade closes the active session and hands control to the host's
// self-update action, which exec-replaces the process.
func (p *Pipe) handleUpgrade(ctx context.Context, cmd protocol.Command) {
	if p.opts.Hooks.Upgrade == nil {
		p.log.Warn("upgrade received but host has no upgrade hook")
		return
	}
	if err := p.sender.CloseSession(ctx); err != nil {
		p.log.Warn("close session before upgrade failed", "error", err)
	}
	if err := p.opts.Hooks.Upgrade(cmd.Version); err != nil {
		p.log.Error("upgrade failed", "version", cmd.Version, "error", err)
	}
}
