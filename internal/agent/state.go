package agent

import "strings"

// PipeState is a bitflag set. PAUSED and RUNNING are mutually exclusive;
// phase bits overlay RUNNING.
type PipeState uint32

const (
	StateStopped PipeState = 1 << iota
	StateRunning
	StatePaused
	StateSnapshotSync
	StateMessageSync
	StateAuditPhase
	StateSentinelSweep
	StateReconnecting
	StateError
)

var stateNames = []struct {
	bit  PipeState
	name string
}{
	{StateStopped, "STOPPED"},
	{StateRunning, "RUNNING"},
	{StatePaused, "PAUSED"},
	{StateSnapshotSync, "SNAPSHOT_SYNC"},
	{StateMessageSync, "MESSAGE_SYNC"},
	{StateAuditPhase, "AUDIT_PHASE"},
	{StateSentinelSweep, "SENTINEL_SWEEP"},
	{StateReconnecting, "RECONNECTING"},
	{StateError, "ERROR"},
}

func (s PipeState) String() string {
	var parts []string
	for _, n := range stateNames {
		if s&n.bit != 0 {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "NONE"
	}
	return strings.Join(parts, "|")
}

func (s PipeState) Has(flag PipeState) bool { return s&flag != 0 }
