package view

import (
	"log/slog"
	"path"
	"time"

	"github.com/fustor/fustor/internal/clock"
	"github.com/fustor/fustor/internal/event"
	"github.com/fustor/fustor/internal/metrics"
)

// Options tunes the arbitration thresholds. Zero values take the defaults.
type Options struct {
	// HotFileThreshold is the watermark age below which a file counts as
	// hot (strictly below; age == threshold is cold).
	HotFileThreshold time.Duration
	// SuspectTTL is how long a suspect entry lives before the sweep
	// re-examines it.
	SuspectTTL time.Duration
	// TombstoneTTL is the physical-time horizon after which audit-end
	// garbage-collects a tombstone.
	TombstoneTTL time.Duration
}

const (
	defaultHotFileThreshold = 30 * time.Second
	defaultSuspectTTL       = 60 * time.Second
	defaultTombstoneTTL     = time.Hour
)

func (o *Options) applyDefaults() {
	if o.HotFileThreshold <= 0 {
		o.HotFileThreshold = defaultHotFileThreshold
	}
	if o.SuspectTTL <= 0 {
		o.SuspectTTL = defaultSuspectTTL
	}
	if o.TombstoneTTL <= 0 {
		o.TombstoneTTL = defaultTombstoneTTL
	}
}

// Arbitrator merges the three event tiers into the tree. The merge rules
// are commutative under the (source tier, modified_time) partial order, so
// interleaved sessions are safe as long as a single writer applies them.
type Arbitrator struct {
	state *State
	clock *clock.Clock
	opts  Options
	log   *slog.Logger
	stats *metrics.ViewStats

	nowMono     func() time.Time
	physicalNow func() float64
}

// NewArbitrator wires an arbitrator over state and clk. stats may be nil.
func NewArbitrator(state *State, clk *clock.Clock, opts Options, log *slog.Logger, stats *metrics.ViewStats) *Arbitrator {
	opts.applyDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &Arbitrator{
		state:       state,
		clock:       clk,
		opts:        opts,
		log:         log,
		stats:       stats,
		nowMono:     time.Now,
		physicalNow: func() float64 { return float64(time.Now().UnixNano()) / float64(time.Second) },
	}
}

// ProcessEvent applies every row of ev. A malformed row is logged and
// skipped; processing never fails the caller.
func (a *Arbitrator) ProcessEvent(ev *event.Event) {
	for _, row := range ev.Rows {
		a.processRow(ev, row)
	}
}

func (a *Arbitrator) processRow(ev *event.Event, row event.Row) {
	p := path.Clean(row.Path())
	if p == "" || p[0] != '/' {
		a.log.Warn("dropping row without absolute path", "event_type", ev.Type, "source", ev.Source)
		a.dropped("malformed")
		return
	}

	// An audit row arriving before the explicit start signal opens the
	// epoch implicitly; the signal may be racing the data.
	if ev.Source == event.SourceAudit && a.state.lastAuditStart == nil {
		a.HandleAuditStart()
	}
	if ev.Source == event.SourceAudit && ev.Type != event.TypeDelete {
		a.state.auditSeen[p] = struct{}{}
		if pp, ok := row.ParentPath(); ok {
			a.state.auditSeen[path.Clean(pp)] = struct{}{}
		} else if p != "/" {
			a.state.auditSeen[path.Dir(p)] = struct{}{}
		}
	}

	if ev.Type == event.TypeDelete {
		a.applyDelete(ev, row, p)
		return
	}
	a.applyUpsert(ev, row, p)
}

func (a *Arbitrator) applyDelete(ev *event.Event, row event.Row, p string) {
	existing := a.state.GetNode(p)

	// Cold tiers may only delete what they are at least as fresh as.
	if ev.Source != event.SourceRealtime && existing != nil && row.ModifiedTime() < existing.ModifiedTime {
		a.dropped("stale_delete")
		return
	}

	w := a.clock.Now()
	if err := a.state.DeleteNode(p); err != nil {
		a.log.Warn("delete rejected", "path", p, "error", err)
		a.dropped("delete_rejected")
		return
	}
	// Duplicate DELETEs land here too and simply refresh the tombstone.
	a.state.tombstones[p] = Tombstone{Logical: w, Physical: a.physicalNow()}
	a.applied(ev.Source)
}

func (a *Arbitrator) applyUpsert(ev *event.Event, row event.Row, p string) {
	realtime := ev.Source == event.SourceRealtime
	w := a.clock.Update(row.ModifiedTime(), realtime)

	// Tombstone protection: a dead path stays dead unless the row is
	// strictly newer, which resurrects it.
	if ts, ok := a.state.tombstones[p]; ok {
		if row.ModifiedTime() <= ts.Logical {
			a.dropped("tombstoned")
			return
		}
		delete(a.state.tombstones, p)
	}

	// An audit scan that read the parent before a realtime event created
	// the child carries retroactively stale data. Only checkable when the
	// parent directory is in memory; an unseen parent skips the check.
	if ev.Source == event.SourceAudit {
		if pm, ok := row.ParentMtime(); ok {
			if parent, inMem := a.state.dirs[path.Dir(p)]; inMem && pm < parent.ModifiedTime {
				a.dropped("stale_parent")
				return
			}
		}
	}

	existing := a.state.GetNode(p)
	if !realtime && existing != nil && row.ModifiedTime() <= existing.ModifiedTime {
		a.dropped("stale_merge")
		return
	}

	n := a.state.UpdateNode(row, p, a.physicalNow())
	a.applied(ev.Source)

	// Suspect classification. A row younger than the hot threshold, or a
	// realtime partial write, has unverified integrity until the sentinel
	// or a later atomic write settles it.
	age := w - row.ModifiedTime()
	hot := age < a.opts.HotFileThreshold.Seconds()
	if realtime && !row.IsAtomicWrite() {
		hot = true
	}
	switch {
	case hot && !n.IsDir:
		a.state.markSuspect(n, row.ModifiedTime(), a.nowMono().Add(a.opts.SuspectTTL))
	case realtime && row.IsAtomicWrite():
		a.state.clearSuspect(n)
	}

	if ev.Source == event.SourceAudit && existing == nil {
		// The audit found something the realtime stream never reported.
		a.state.blindSpotAdditions[p] = struct{}{}
		if a.stats != nil {
			a.stats.BlindSpotAdditions.Inc()
		}
	}
}

// UpdateSuspect is the sentinel feedback path. The agent re-stats a suspect
// path and reports the observed mtime/size.
func (a *Arbitrator) UpdateSuspect(p string, mtime float64, size *int64) {
	p = path.Clean(p)
	n := a.state.GetNode(p)
	if n == nil {
		if _, ok := a.state.suspects[p]; ok {
			delete(a.state.suspects, p)
		}
		return
	}
	entry, suspected := a.state.suspects[p]
	if !suspected {
		return
	}

	if mtime != entry.RecordedMtime {
		// Still moving: record the fresh observation and keep watching.
		n.ModifiedTime = mtime
		if size != nil {
			n.Size = *size
		}
		n.LastUpdatedAt = a.physicalNow()
		a.state.markSuspect(n, mtime, a.nowMono().Add(a.opts.SuspectTTL))
		return
	}

	// Stability alone is not enough while the file is still hot; a write
	// may simply be paused between sentinel sweeps.
	if a.clock.Now()-mtime < a.opts.HotFileThreshold.Seconds() {
		a.state.markSuspect(n, mtime, a.nowMono().Add(a.opts.SuspectTTL))
		return
	}
	a.state.clearSuspect(n)
}

// DueSuspects pops due suspect entries and returns path -> recorded mtime
// for the next sentinel sweep. Each returned entry is renewed for one more
// TTL so a task whose feedback never arrives comes due again.
func (a *Arbitrator) DueSuspects() map[string]float64 {
	paths := a.state.dueSuspects(a.nowMono())
	if len(paths) == 0 {
		return nil
	}
	out := make(map[string]float64, len(paths))
	renewal := a.nowMono().Add(a.opts.SuspectTTL)
	for _, p := range paths {
		entry := a.state.suspects[p]
		out[p] = entry.RecordedMtime
		if n := a.state.GetNode(p); n != nil {
			a.state.markSuspect(n, entry.RecordedMtime, renewal)
		}
	}
	return out
}

func (a *Arbitrator) applied(src event.Source) {
	if a.stats != nil {
		a.stats.EventsApplied.WithLabelValues(string(src)).Inc()
	}
}

func (a *Arbitrator) dropped(reason string) {
	if a.stats != nil {
		a.stats.EventsDropped.WithLabelValues(reason).Inc()
	}
}
