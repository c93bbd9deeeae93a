package view

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fustor/fustor/internal/clock"
	"github.com/fustor/fustor/internal/event"
)

// fixture drives an arbitrator with controllable physical time.
type fixture struct {
	state *State
	arb   *Arbitrator
	phys  float64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{phys: 2000}
	clk := clock.NewWithNow(100, func() time.Time {
		return time.Unix(0, int64(f.phys*float64(time.Second)))
	})
	f.state = NewState()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.arb = NewArbitrator(f.state, clk, Options{}, log, nil)
	f.arb.physicalNow = func() float64 { return f.phys }
	f.arb.nowMono = func() time.Time {
		return time.Unix(0, int64(f.phys*float64(time.Second)))
	}
	return f
}

// seedZeroSkew feeds enough zero-skew realtime samples that one test row
// cannot shift the mode.
func (f *fixture) seedZeroSkew() {
	for i := 0; i < 10; i++ {
		f.arb.ProcessEvent(rt(event.TypeUpdate, fileRow("/seed.txt", f.phys, 1)))
	}
}

func fileRow(p string, mtime float64, size int64) event.Row {
	return event.Row{
		event.FieldPath:          p,
		event.FieldModifiedTime:  mtime,
		event.FieldSize:          size,
		event.FieldIsDirectory:   false,
		event.FieldIsAtomicWrite: true,
	}
}

func dirRow(p string, mtime float64) event.Row {
	return event.Row{
		event.FieldPath:         p,
		event.FieldModifiedTime: mtime,
		event.FieldIsDirectory:  true,
	}
}

func rt(t event.Type, rows ...event.Row) *event.Event {
	return &event.Event{Type: t, Schema: "fs", Table: "files", Rows: rows, Source: event.SourceRealtime}
}

func snap(t event.Type, rows ...event.Row) *event.Event {
	return &event.Event{Type: t, Schema: "fs", Table: "files", Rows: rows, Source: event.SourceSnapshot}
}

func audit(t event.Type, rows ...event.Row) *event.Event {
	return &event.Event{Type: t, Schema: "fs", Table: "files", Rows: rows, Source: event.SourceAudit}
}

// checkInvariants asserts the structural invariants: a path lives in at
// most one of files/dirs/tombstones, children link back to the maps, and
// the suspect set mirrors the suspect flags.
func checkInvariants(t *testing.T, s *State) {
	t.Helper()
	for p := range s.files {
		_, inDirs := s.dirs[p]
		assert.False(t, inDirs, "path %q in both maps", p)
		_, dead := s.tombstones[p]
		assert.False(t, dead, "path %q alive and tombstoned", p)
	}
	for p := range s.dirs {
		_, dead := s.tombstones[p]
		assert.False(t, dead, "dir %q alive and tombstoned", p)
	}
	for p, n := range s.files {
		parent, ok := s.dirs[parentOf(p)]
		require.True(t, ok, "file %q has no parent dir", p)
		assert.Same(t, n, parent.Children[baseOf(p)])
	}
	for p := range s.suspects {
		n, ok := s.files[p]
		require.True(t, ok, "suspect %q not in file map", p)
		assert.True(t, n.IntegritySuspect)
	}
	for p, n := range s.files {
		if n.IntegritySuspect {
			_, ok := s.suspects[p]
			assert.True(t, ok, "flagged node %q missing suspect entry", p)
		}
	}
}

func parentOf(p string) string {
	for i := len(p) - 1; i > 0; i-- {
		if p[i] == '/' {
			return p[:i]
		}
	}
	return "/"
}

func baseOf(p string) string {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '/' {
			return p[i+1:]
		}
	}
	return p
}

func TestInsertCreatesParentChain(t *testing.T) {
	f := newFixture(t)
	f.arb.ProcessEvent(rt(event.TypeInsert, fileRow("/a/b/c.txt", 100, 42)))

	require.NotNil(t, f.state.GetNode("/a/b/c.txt"))
	require.NotNil(t, f.state.dirs["/a"])
	require.NotNil(t, f.state.dirs["/a/b"])
	assert.Same(t, f.state.GetNode("/a/b/c.txt"), f.state.dirs["/a/b"].Children["c.txt"])
	assert.Same(t, f.state.dirs["/a/b"], f.state.dirs["/a"].Children["b"])
	checkInvariants(t, f.state)
}

func TestTombstoneBlocksStaleSnapshot(t *testing.T) {
	f := newFixture(t)
	f.phys = 1000

	f.arb.ProcessEvent(rt(event.TypeDelete, fileRow("/ghost.txt", 0, 0)))
	require.Nil(t, f.state.GetNode("/ghost.txt"))
	require.Contains(t, f.state.tombstones, "/ghost.txt")
	assert.Equal(t, float64(1000), f.state.tombstones["/ghost.txt"].Logical)

	f.arb.ProcessEvent(snap(event.TypeUpdate, fileRow("/ghost.txt", 900, 10)))
	assert.Nil(t, f.state.GetNode("/ghost.txt"))
	assert.Contains(t, f.state.tombstones, "/ghost.txt")
	checkInvariants(t, f.state)
}

func TestTombstoneResurrection(t *testing.T) {
	f := newFixture(t)
	f.phys = 1000
	f.arb.ProcessEvent(rt(event.TypeDelete, fileRow("/ghost.txt", 0, 0)))

	f.arb.ProcessEvent(snap(event.TypeUpdate, fileRow("/ghost.txt", 1500, 77)))
	n := f.state.GetNode("/ghost.txt")
	require.NotNil(t, n)
	assert.Equal(t, int64(77), n.Size)
	assert.NotContains(t, f.state.tombstones, "/ghost.txt")
	checkInvariants(t, f.state)
}

func TestChildInsertClearsParentTombstone(t *testing.T) {
	f := newFixture(t)
	f.phys = 1000

	f.arb.ProcessEvent(rt(event.TypeInsert, dirRow("/d", 500), fileRow("/d/a.txt", 500, 1)))
	f.arb.ProcessEvent(rt(event.TypeDelete, dirRow("/d", 0)))
	require.Contains(t, f.state.tombstones, "/d")

	// A new child under the deleted directory resurrects it; the
	// recreated parent must not keep its tombstone.
	f.arb.ProcessEvent(rt(event.TypeInsert, fileRow("/d/x.txt", 1001, 5)))
	require.Contains(t, f.state.dirs, "/d")
	assert.NotContains(t, f.state.tombstones, "/d")
	checkInvariants(t, f.state)

	// With the tombstone gone a snapshot update for the directory
	// applies instead of being dropped as deleted.
	f.arb.ProcessEvent(snap(event.TypeUpdate, dirRow("/d", 1002)))
	n := f.state.GetNode("/d")
	require.NotNil(t, n)
	assert.True(t, n.IsDir)
	checkInvariants(t, f.state)
}

func TestPartialWriteKeepsSuspect(t *testing.T) {
	f := newFixture(t)
	f.seedZeroSkew()

	for i := 1; i <= 5; i++ {
		row := fileRow("/big.bin", f.phys-100, int64(i*1000))
		row[event.FieldIsAtomicWrite] = false
		f.arb.ProcessEvent(rt(event.TypeUpdate, row))
		n := f.state.GetNode("/big.bin")
		require.NotNil(t, n)
		assert.True(t, n.IntegritySuspect, "iteration %d", i)
	}
	checkInvariants(t, f.state)

	// A cold atomic write settles the file.
	f.arb.ProcessEvent(rt(event.TypeUpdate, fileRow("/big.bin", f.phys-100, 6000)))
	n := f.state.GetNode("/big.bin")
	require.NotNil(t, n)
	assert.False(t, n.IntegritySuspect)
	assert.NotContains(t, f.state.suspects, "/big.bin")
	checkInvariants(t, f.state)
}

func TestHotThresholdIsStrict(t *testing.T) {
	f := newFixture(t)
	f.seedZeroSkew()

	// age == threshold is cold.
	f.arb.ProcessEvent(rt(event.TypeInsert, fileRow("/cold.txt", f.phys-30, 1)))
	require.NotNil(t, f.state.GetNode("/cold.txt"))
	assert.False(t, f.state.GetNode("/cold.txt").IntegritySuspect)

	// age just under the threshold is hot.
	f.arb.ProcessEvent(rt(event.TypeInsert, fileRow("/hot.txt", f.phys-29, 1)))
	assert.True(t, f.state.GetNode("/hot.txt").IntegritySuspect)
	checkInvariants(t, f.state)
}

func TestAuditBlindSpotRule3(t *testing.T) {
	f := newFixture(t)
	f.seedZeroSkew()

	f.phys = 900
	f.arb.ProcessEvent(rt(event.TypeInsert, fileRow("/d/a", 100, 1)))
	f.phys = 1000
	f.arb.HandleAuditStart()
	f.phys = 1100
	f.arb.ProcessEvent(rt(event.TypeInsert, fileRow("/d/b", 100, 1)))

	// The audit reports only the directory itself.
	f.arb.ProcessEvent(audit(event.TypeUpdate, dirRow("/d", 200)))
	f.phys = 1200
	f.arb.HandleAuditEnd()

	assert.Nil(t, f.state.GetNode("/d/a"), "missed-by-audit child deleted")
	assert.Contains(t, f.state.blindSpotDeletions, "/d/a")
	require.NotNil(t, f.state.GetNode("/d/b"), "child created during audit preserved")
	assert.NotContains(t, f.state.blindSpotDeletions, "/d/b")
	checkInvariants(t, f.state)
}

func TestAuditEpochWithoutEventsIsNoop(t *testing.T) {
	f := newFixture(t)
	f.arb.ProcessEvent(rt(event.TypeInsert, fileRow("/keep.txt", 100, 1)))
	before := *f.state.GetNode("/keep.txt")

	f.arb.HandleAuditStart()
	f.arb.HandleAuditEnd()

	require.NotNil(t, f.state.GetNode("/keep.txt"))
	assert.Equal(t, before, *f.state.GetNode("/keep.txt"))
	assert.Nil(t, f.state.lastAuditStart)
	assert.Empty(t, f.state.auditSeen)
}

func TestAuditStartIdempotentKeepsSeenPaths(t *testing.T) {
	f := newFixture(t)
	f.arb.ProcessEvent(audit(event.TypeUpdate, dirRow("/d", 100)))
	require.NotNil(t, f.state.lastAuditStart, "first audit row opens the epoch")
	require.Contains(t, f.state.auditSeen, "/d")

	// A late explicit start signal must not clear the seen set.
	f.arb.HandleAuditStart()
	assert.Contains(t, f.state.auditSeen, "/d")
}

func TestTombstoneGC(t *testing.T) {
	f := newFixture(t)
	f.state.tombstones["/old"] = Tombstone{Logical: 1, Physical: f.phys - 3601}
	f.state.tombstones["/fresh"] = Tombstone{Logical: 1, Physical: f.phys - 10}

	f.arb.HandleAuditEnd()

	assert.NotContains(t, f.state.tombstones, "/old")
	assert.Contains(t, f.state.tombstones, "/fresh")
}

func TestRealtimeIdempotence(t *testing.T) {
	f := newFixture(t)
	f.seedZeroSkew()
	ev := rt(event.TypeUpdate, fileRow("/x.txt", f.phys-100, 5))

	f.arb.ProcessEvent(ev)
	first := *f.state.GetNode("/x.txt")
	f.arb.ProcessEvent(ev)

	assert.Equal(t, first, *f.state.GetNode("/x.txt"))
	checkInvariants(t, f.state)
}

func TestNonRealtimeCommutative(t *testing.T) {
	older := fileRow("/c.txt", 100, 10)
	newer := fileRow("/c.txt", 200, 20)

	f1 := newFixture(t)
	f1.arb.ProcessEvent(snap(event.TypeUpdate, older))
	f1.arb.ProcessEvent(snap(event.TypeUpdate, newer))

	f2 := newFixture(t)
	f2.arb.ProcessEvent(snap(event.TypeUpdate, newer))
	f2.arb.ProcessEvent(snap(event.TypeUpdate, older))

	n1, n2 := f1.state.GetNode("/c.txt"), f2.state.GetNode("/c.txt")
	require.NotNil(t, n1)
	require.NotNil(t, n2)
	assert.Equal(t, n1.ModifiedTime, n2.ModifiedTime)
	assert.Equal(t, n1.Size, n2.Size)
}

func TestSnapshotMergeIsStrict(t *testing.T) {
	f := newFixture(t)
	f.arb.ProcessEvent(snap(event.TypeInsert, fileRow("/s.txt", 100, 10)))

	// Equal mtime does not win a merge.
	f.arb.ProcessEvent(snap(event.TypeUpdate, fileRow("/s.txt", 100, 99)))
	assert.Equal(t, int64(10), f.state.GetNode("/s.txt").Size)

	// Equal mtime does win a delete (ties allowed).
	f.arb.ProcessEvent(snap(event.TypeDelete, fileRow("/s.txt", 100, 0)))
	assert.Nil(t, f.state.GetNode("/s.txt"))
	checkInvariants(t, f.state)
}

func TestSnapshotStaleDeleteDropped(t *testing.T) {
	f := newFixture(t)
	f.arb.ProcessEvent(snap(event.TypeInsert, fileRow("/s.txt", 100, 10)))
	f.arb.ProcessEvent(snap(event.TypeDelete, fileRow("/s.txt", 50, 0)))
	assert.NotNil(t, f.state.GetNode("/s.txt"))
}

func TestAuditParentMtimeCheck(t *testing.T) {
	f := newFixture(t)
	f.arb.ProcessEvent(rt(event.TypeInsert, dirRow("/p", 500)))

	stale := fileRow("/p/c", 600, 1)
	stale[event.FieldParentMtime] = float64(400)
	f.arb.ProcessEvent(audit(event.TypeInsert, stale))
	assert.Nil(t, f.state.GetNode("/p/c"), "audit row older than in-memory parent dropped")

	fresh := fileRow("/p/c", 600, 1)
	fresh[event.FieldParentMtime] = float64(500)
	f.arb.ProcessEvent(audit(event.TypeInsert, fresh))
	assert.NotNil(t, f.state.GetNode("/p/c"))

	// Unknown parent skips the check entirely.
	orphan := fileRow("/q/c", 600, 1)
	orphan[event.FieldParentMtime] = float64(1)
	f.arb.ProcessEvent(audit(event.TypeInsert, orphan))
	assert.NotNil(t, f.state.GetNode("/q/c"))
	checkInvariants(t, f.state)
}

func TestAuditBlindSpotAddition(t *testing.T) {
	f := newFixture(t)
	f.arb.ProcessEvent(audit(event.TypeInsert, fileRow("/new.txt", 100, 1)))
	assert.Contains(t, f.state.blindSpotAdditions, "/new.txt")
}

func TestDeleteCascadesAuxSets(t *testing.T) {
	f := newFixture(t)
	f.seedZeroSkew()

	// A hot child under /x becomes suspect.
	f.arb.ProcessEvent(rt(event.TypeInsert, fileRow("/x/hot.txt", f.phys-1, 1)))
	require.Contains(t, f.state.suspects, "/x/hot.txt")

	f.arb.ProcessEvent(rt(event.TypeDelete, dirRow("/x", 0)))
	assert.Nil(t, f.state.GetNode("/x"))
	assert.Nil(t, f.state.GetNode("/x/hot.txt"))
	assert.NotContains(t, f.state.suspects, "/x/hot.txt")
	checkInvariants(t, f.state)
}

func TestTypeSwitchReplacesNode(t *testing.T) {
	f := newFixture(t)
	f.arb.ProcessEvent(rt(event.TypeInsert, fileRow("/thing", 100, 1)))
	require.NotNil(t, f.state.files["/thing"])

	f.arb.ProcessEvent(rt(event.TypeUpdate, dirRow("/thing", 200)))
	assert.Nil(t, f.state.files["/thing"])
	require.NotNil(t, f.state.dirs["/thing"])
	checkInvariants(t, f.state)
}

func TestRootCannotBeDeleted(t *testing.T) {
	f := newFixture(t)
	f.arb.ProcessEvent(rt(event.TypeDelete, dirRow("/", 0)))
	assert.NotNil(t, f.state.GetNode("/"))
	assert.NotContains(t, f.state.tombstones, "/")
}

func TestSentinelFeedback(t *testing.T) {
	f := newFixture(t)
	f.seedZeroSkew()

	f.arb.ProcessEvent(rt(event.TypeInsert, fileRow("/w.txt", f.phys-1, 10)))
	require.Contains(t, f.state.suspects, "/w.txt")
	recorded := f.phys - 1

	// Stable but still hot: stays suspect.
	f.arb.UpdateSuspect("/w.txt", recorded, nil)
	assert.Contains(t, f.state.suspects, "/w.txt")

	// Moved: node refreshed, still suspect.
	sz := int64(20)
	f.arb.UpdateSuspect("/w.txt", recorded+1, &sz)
	n := f.state.GetNode("/w.txt")
	assert.Equal(t, recorded+1, n.ModifiedTime)
	assert.Equal(t, int64(20), n.Size)
	assert.True(t, n.IntegritySuspect)

	// Stable and cold: cleared.
	f.phys += 120
	f.arb.UpdateSuspect("/w.txt", recorded+1, nil)
	assert.False(t, f.state.GetNode("/w.txt").IntegritySuspect)
	assert.NotContains(t, f.state.suspects, "/w.txt")
	checkInvariants(t, f.state)
}

func TestDueSuspectsRenewal(t *testing.T) {
	f := newFixture(t)
	f.seedZeroSkew()
	f.arb.ProcessEvent(rt(event.TypeInsert, fileRow("/w.txt", f.phys-1, 10)))
	require.Contains(t, f.state.suspects, "/w.txt")

	assert.Empty(t, f.arb.DueSuspects(), "nothing due before the TTL")

	f.phys += 61
	due := f.arb.DueSuspects()
	require.Contains(t, due, "/w.txt")
	assert.Empty(t, f.arb.DueSuspects(), "renewed entry is not due again immediately")
	assert.Contains(t, f.state.suspects, "/w.txt")
}
