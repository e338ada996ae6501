// Package fsm defines the closed set of replication states shared by the
// monitor's replication FSM and the keeper's local FSM, along with the
// derived sets invariants W and the promotion-participation rule (§4.4.3)
// are expressed over.
package fsm

// State is a node's reported or assigned replication state, drawn from the
// fixed set in spec §3 ("Replication state set").
type State string

// The full replication state set. Order matches spec.md §3.
const (
	Init               State = "init"
	Single             State = "single"
	WaitPrimary        State = "wait_primary"
	Primary            State = "primary"
	JoinPrimary        State = "join_primary"
	ApplySettings      State = "apply_settings"
	WaitStandby        State = "wait_standby"
	CatchingUp         State = "catchingup"
	Secondary          State = "secondary"
	PreparePromotion   State = "prepare_promotion"
	StopReplication    State = "stop_replication"
	WaitForward        State = "wait_forward"
	FastForward        State = "fast_forward"
	JoinSecondary      State = "join_secondary"
	ReportLSN          State = "report_lsn"
	Draining           State = "draining"
	DemoteTimeout      State = "demote_timeout"
	Demoted            State = "demoted"
	PrepareMaintenance State = "prepare_maintenance"
	WaitMaintenance    State = "wait_maintenance"
	Maintenance        State = "maintenance"
	Dropped            State = "dropped"
)

// AllStates enumerates the full state set, mostly useful for validation and
// for table-driven tests.
var AllStates = []State{
	Init, Single, WaitPrimary, Primary, JoinPrimary, ApplySettings,
	WaitStandby, CatchingUp, Secondary, PreparePromotion, StopReplication,
	WaitForward, FastForward, JoinSecondary, ReportLSN, Draining,
	DemoteTimeout, Demoted, PrepareMaintenance, WaitMaintenance, Maintenance,
	Dropped,
}

// IsValid reports whether s is one of the known replication states.
func (s State) IsValid() bool {
	for _, known := range AllStates {
		if s == known {
			return true
		}
	}
	return false
}

// Writable is the set of reported states in which a node accepts writes.
// Invariant W: at most one node per group may be in one of these states.
var Writable = map[State]bool{
	Single:        true,
	WaitPrimary:   true,
	Primary:       true,
	JoinPrimary:   true,
	ApplySettings: true,
}

// IsWritable reports whether s is a member of the Writable set.
func (s State) IsWritable() bool {
	return Writable[s]
}

// Participating is the set of states (reported or assigned) in which a
// standby is considered to be taking part in an in-progress promotion
// (§4.4.3). The FSM refuses to start a new failover while any node is in
// one of these states.
var Participating = map[State]bool{
	ReportLSN:        true,
	FastForward:      true,
	PreparePromotion: true,
	StopReplication:  true,
	WaitPrimary:      true,
	JoinSecondary:    true,
}

// IsParticipatingInPromotion reports whether s (a node's reported or goal
// state) marks that node as participating in an in-flight promotion.
func (s State) IsParticipatingInPromotion() bool {
	return Participating[s]
}

// CanStreamFromNewPrimary reports whether a standby that sees the candidate
// in candidateState is allowed to start streaming from the new primary.
// Per §4.4.3 this is true from (prepare_promotion, stop_replication,
// wait_primary, primary) onward, but deliberately false during fast_forward,
// to avoid two WAL sources for the same standby.
func CanStreamFromNewPrimary(candidateState State) bool {
	switch candidateState {
	case PreparePromotion, StopReplication, WaitPrimary, Primary:
		return true
	default:
		return false
	}
}
