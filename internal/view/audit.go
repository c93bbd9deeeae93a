package view

// Audit epoch lifecycle. An epoch opens on the explicit start signal (or
// implicitly on the first audit row) and closes on the end signal, at which
// point blind-spot deletions are resolved and old tombstones collected.

// HandleAuditStart opens an audit epoch at the current watermark. Calling
// it while an epoch is open is a no-op: audit rows may already have
// populated the seen set, and a late start signal must not clear them.
func (a *Arbitrator) HandleAuditStart() {
	if a.state.lastAuditStart != nil {
		a.log.Debug("audit start while epoch open, keeping seen set",
			"seen_paths", len(a.state.auditSeen))
		return
	}
	w := a.clock.Now()
	a.state.lastAuditStart = &w
	a.log.Info("audit epoch opened", "watermark", w)
}

// HandleAuditEnd closes the epoch: children of scanned directories that the
// audit never reported are deleted as blind spots, unless a realtime event
// touched them after the epoch opened (stale-evidence protection) or a
// tombstone already covers them. Expired tombstones are collected and the
// epoch state reset. Never fails; the epoch always closes.
func (a *Arbitrator) HandleAuditEnd() {
	start := a.state.lastAuditStart

	if start != nil {
		var victims []string
		for d := range a.state.auditSeen {
			dir, ok := a.state.dirs[d]
			if !ok {
				continue
			}
			for _, child := range dir.Children {
				if _, seen := a.state.auditSeen[child.Path]; seen {
					continue
				}
				if child.LastUpdatedAt > *start {
					continue // created during the audit window; the scan simply missed it
				}
				if _, dead := a.state.tombstones[child.Path]; dead {
					continue
				}
				victims = append(victims, child.Path)
			}
		}
		for _, p := range victims {
			if a.state.GetNode(p) == nil {
				continue // already gone with an enclosing victim
			}
			if err := a.state.DeleteNode(p); err != nil {
				a.log.Warn("blind-spot delete failed", "path", p, "error", err)
				continue
			}
			a.state.blindSpotDeletions[p] = struct{}{}
			if a.stats != nil {
				a.stats.BlindSpotDeletions.Inc()
			}
		}
		if len(victims) > 0 {
			a.log.Info("audit blind-spot reconciliation", "deleted", len(victims))
		}
	}

	now := a.physicalNow()
	for p, t := range a.state.tombstones {
		if now-t.Physical > a.opts.TombstoneTTL.Seconds() {
			delete(a.state.tombstones, p)
		}
	}

	a.state.auditSeen = make(map[string]struct{})
	a.state.lastAuditStart = nil
}
