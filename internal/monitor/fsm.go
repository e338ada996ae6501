package monitor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hapostgres/pg-auto-failover-sub002/pkg/fsm"
	"github.com/hapostgres/pg-auto-failover-sub002/pkg/log"
)

// FSMConfig carries the timing knobs spec.md §4 names as defaults: the
// monitor reads these once at startup from its own configuration and never
// mutates them mid-run, mirroring the teacher's immutable reconciler config.
type FSMConfig struct {
	UnhealthyTimeout    time.Duration
	StartupGracePeriod  time.Duration
	DrainTimeout        time.Duration
	ReportLSNTimeout    time.Duration
}

// DefaultFSMConfig returns spec.md §4's literal defaults.
func DefaultFSMConfig() FSMConfig {
	return FSMConfig{
		UnhealthyTimeout:   20 * time.Second,
		StartupGracePeriod: 10 * time.Second,
		DrainTimeout:       30 * time.Second,
		ReportLSNTimeout:   10 * time.Second,
	}
}

// FSM implements C4, the monitor's replication state machine. It is the
// only writer of pgautofailover.node.goalstate; every write it makes goes
// through Store.SetGoalStates so that multi-peer transitions commit
// atomically (invariant W, spec.md §4.1).
type FSM struct {
	store  *Store
	config FSMConfig
	now    func() time.Time
}

// NewFSM builds an FSM bound to store. now defaults to time.Now and is
// overridden in tests to exercise UnhealthyTimeout/DrainTimeout boundaries
// deterministically.
func NewFSM(store *Store, config FSMConfig) *FSM {
	return &FSM{store: store, config: config, now: time.Now}
}

// NodeActiveReport is the payload a keeper sends with every node_active RPC
// call (spec.md §6).
type NodeActiveReport struct {
	NodeID        int64
	CurrentState  fsm.State
	PgIsRunning   bool
	ReportedTLI   int
	ReportedLSN   uint64
	PgsrSyncState fsm.SyncState
}

// NodeActiveResult is node_active's return value.
type NodeActiveResult struct {
	NodeID            int64
	GroupID           int
	AssignedState     fsm.State
	CandidatePriority int
	ReplicationQuorum bool
}

// NodeActive implements the node_active RPC (spec.md §4.4, §6): it records
// the reporting node's latest status, recomputes the group's goal states,
// and returns the reporting node's (possibly new) assigned state.
func (f *FSM) NodeActive(ctx context.Context, report NodeActiveReport) (NodeActiveResult, error) {
	if err := f.store.SetReportedState(ctx, report.NodeID, report.CurrentState,
		report.PgIsRunning, report.PgsrSyncState, report.ReportedTLI, report.ReportedLSN); err != nil {
		return NodeActiveResult{}, fmt.Errorf("node_active: recording report: %w", err)
	}

	reporting, err := f.store.GetNodeByID(ctx, report.NodeID)
	if err != nil {
		return NodeActiveResult{}, fmt.Errorf("node_active: %w", err)
	}

	writes, err := f.reconcileGroup(ctx, reporting.FormationID, reporting.GroupID)
	if err != nil {
		return NodeActiveResult{}, err
	}
	if err := f.store.SetGoalStates(ctx, writes); err != nil {
		return NodeActiveResult{}, fmt.Errorf("node_active: applying transitions: %w", err)
	}

	reporting, err = f.store.GetNodeByID(ctx, report.NodeID)
	if err != nil {
		return NodeActiveResult{}, fmt.Errorf("node_active: %w", err)
	}
	return NodeActiveResult{
		NodeID:            reporting.NodeID,
		GroupID:           reporting.GroupID,
		AssignedState:     reporting.GoalState,
		CandidatePriority: reporting.CandidatePriority,
		ReplicationQuorum: reporting.ReplicationQuorum,
	}, nil
}

// reconcileGroup re-derives the whole group's goal states from its current
// reported states, the way instance_controller.go's reconcileInstance
// re-derives desired Postgres settings from the current Cluster status
// rather than tracking a diff incrementally. Only nodes whose computed goal
// differs from their current goal are included in the returned writes.
func (f *FSM) reconcileGroup(ctx context.Context, formationID string, groupID int) ([]GoalStateWrite, error) {
	nodes, err := f.store.ListGroup(ctx, formationID, groupID)
	if err != nil {
		return nil, fmt.Errorf("reconciling group %s/%d: %w", formationID, groupID, err)
	}
	formation, err := f.store.GetFormation(ctx, formationID)
	if err != nil {
		return nil, fmt.Errorf("reconciling group %s/%d: %w", formationID, groupID, err)
	}

	goals := computeGoals(nodes, formation, f.now(), f.config)

	var writes []GoalStateWrite
	for _, n := range nodes {
		if goal, ok := goals[n.NodeID]; ok && goal != n.GoalState {
			writes = append(writes, GoalStateWrite{
				NodeID:  n.NodeID,
				State:   goal,
				Message: transitionMessage(n, goal),
			})
		}
	}
	return writes, nil
}

func transitionMessage(n Node, goal fsm.State) string {
	return fmt.Sprintf("new_state for %s:%d/%d in formation %q: %s/%s",
		n.NodeName, n.NodePort, n.NodeID, n.FormationID, n.ReportedState, goal)
}

// computeGoals is the pure heart of C4: given a group's current rows, it
// derives the goal state for every node whose transition is driven purely
// by the *other* members' reported states (§4.4.1 single-standby path).
// Operator-triggered transitions (failover, maintenance, settings apply)
// are computed by their own entry points below and layered on top by the
// caller via Store.SetGoalStates; computeGoals never overrides a node that
// is mid-promotion (IsParticipatingInPromotion) so it does not race with
// those paths.
func computeGoals(nodes []Node, formation Formation, now time.Time, cfg FSMConfig) map[int64]fsm.State {
	goals := make(map[int64]fsm.State, len(nodes))
	for _, n := range nodes {
		goals[n.NodeID] = n.GoalState
	}

	primary, hasPrimary := findByReportedState(nodes, fsm.Primary)

	for _, n := range nodes {
		if n.IsParticipatingInPromotion() {
			continue
		}

		switch n.ReportedState {
		case fsm.Init:
			// init → single happens only for the very first node of a
			// group; a later joiner is handed wait_standby by
			// RegisterNode, which also flips the existing primary to
			// wait_primary in the same transaction.
			if len(nodes) == 1 {
				goals[n.NodeID] = fsm.Single
			}

		case fsm.CatchingUp:
			if hasPrimary && n.ReportedLSN >= primary.ReportedLSN {
				goals[n.NodeID] = fsm.Secondary
				goals[primary.NodeID] = fsm.Primary
			}

		case fsm.Secondary:
			unhealthy := !n.IsHealthy(now, cfg.UnhealthyTimeout) && n.ReplicationQuorum
			unhealthyFor := now.Sub(n.StateChangeTime)

			switch {
			case unhealthy && unhealthyFor > cfg.DrainTimeout:
				// Invariant P persisting beyond DrainTimeout escalates past
				// the wait_primary downgrade into a full automatic
				// failover (§4.4.1): the same draining/report_lsn sequence
				// perform_failover runs, just triggered by the health
				// prober instead of an operator.
				if hasPrimary && goals[primary.NodeID] != fsm.Draining {
					if candidates := candidateList(nodes, primary.NodeID); len(candidates) > 0 {
						goals[primary.NodeID] = fsm.Draining
						for _, c := range candidates {
							goals[c.NodeID] = fsm.ReportLSN
						}
					} else {
						goals[primary.NodeID] = fsm.WaitPrimary
					}
				}
			case unhealthy && unhealthyFor > cfg.UnhealthyTimeout:
				// Invariant P: a persistently unhealthy synchronous
				// secondary forces the primary off synchronous
				// replication so writes keep flowing (scenario 5, §8).
				if hasPrimary {
					goals[primary.NodeID] = fsm.WaitPrimary
				}
			case hasPrimary && goals[primary.NodeID] == fsm.WaitPrimary && n.IsHealthy(now, cfg.UnhealthyTimeout):
				goals[primary.NodeID] = fsm.Primary
			}

		case fsm.Draining:
			// §4.4.1: draining holds for DrainTimeout (time allowed for
			// client connections to leave) before moving on.
			if now.Sub(n.StateChangeTime) >= cfg.DrainTimeout {
				goals[n.NodeID] = fsm.DemoteTimeout
			}

		case fsm.DemoteTimeout:
			goals[n.NodeID] = fsm.Demoted
		}
	}

	return goals
}

func findByReportedState(nodes []Node, state fsm.State) (Node, bool) {
	for _, n := range nodes {
		if n.ReportedState == state {
			return n, true
		}
	}
	return Node{}, false
}

// RegisterNode implements register_node (spec.md §6, §4.1): it creates the
// node row and, if it is joining an existing group rather than founding it,
// assigns wait_standby to the newcomer and wait_primary to the current
// primary in the same transaction (§4.4.1 "single → wait_primary").
func (f *FSM) RegisterNode(
	ctx context.Context,
	formationID, host string, port int, nodeName string,
	desiredGroup int, priority int, quorum bool, sysID uint64,
) (NodeActiveResult, error) {
	nodeID, groupID, err := f.store.InsertNode(ctx, formationID, host, port, nodeName,
		desiredGroup, FormationKindPgsql, priority, quorum, sysID)
	if err != nil {
		return NodeActiveResult{}, fmt.Errorf("register_node: %w", err)
	}

	nodes, err := f.store.ListGroup(ctx, formationID, groupID)
	if err != nil {
		return NodeActiveResult{}, fmt.Errorf("register_node: %w", err)
	}

	var writes []GoalStateWrite
	if len(nodes) == 1 {
		writes = append(writes, GoalStateWrite{NodeID: nodeID, State: fsm.Single, Message: "first node of group"})
	} else if primary, ok := findByReportedState(nodes, fsm.Single); ok {
		writes = append(writes,
			GoalStateWrite{NodeID: primary.NodeID, State: fsm.WaitPrimary, Message: "standby joining group"},
			GoalStateWrite{NodeID: nodeID, State: fsm.WaitStandby, Message: "joining existing primary"},
		)
	} else if _, ok := findByReportedState(nodes, fsm.Primary); ok {
		writes = append(writes,
			GoalStateWrite{NodeID: nodeID, State: fsm.WaitStandby, Message: "joining existing primary"},
		)
	} else {
		writes = append(writes, GoalStateWrite{NodeID: nodeID, State: fsm.Init, Message: "awaiting a writable peer"})
	}

	if err := f.store.SetGoalStates(ctx, writes); err != nil {
		return NodeActiveResult{}, fmt.Errorf("register_node: %w", err)
	}

	node, err := f.store.GetNodeByID(ctx, nodeID)
	if err != nil {
		return NodeActiveResult{}, fmt.Errorf("register_node: %w", err)
	}
	return NodeActiveResult{
		NodeID: node.NodeID, GroupID: node.GroupID, AssignedState: node.GoalState,
		CandidatePriority: node.CandidatePriority, ReplicationQuorum: node.ReplicationQuorum,
	}, nil
}

// PerformFailover implements perform_failover (§4.4.1, §4.4.2, §4.4.3). It
// asks every healthy member of the group, regardless of candidatePriority,
// to enter report_lsn — candidatePriority only narrows who is eligible to
// win in ResolveReportLSN, it does not excuse a zero-priority standby from
// reporting (invariant NO_LOSS, §8, needs every participant's LSN to judge
// the winner correctly). CAN_FAIL_OVER still requires at least one healthy
// eligible (candidatePriority > 0) standby before a failover is allowed to
// start at all.
func (f *FSM) PerformFailover(ctx context.Context, formationID string, groupID int) error {
	nodes, err := f.store.ListGroup(ctx, formationID, groupID)
	if err != nil {
		return fmt.Errorf("perform_failover: %w", err)
	}

	for _, n := range nodes {
		if n.IsParticipatingInPromotion() {
			return fmt.Errorf("perform_failover: %w", ErrFailoverInProgress)
		}
	}

	primary, ok := findByReportedState(nodes, fsm.Primary)
	if !ok {
		return fmt.Errorf("perform_failover: %w", ErrNoPrimary)
	}

	now := f.now()
	if !hasHealthyEligibleCandidate(nodes, primary.NodeID, now, f.config.UnhealthyTimeout) {
		return fmt.Errorf("perform_failover: %w", ErrNoFailoverCandidate)
	}

	writes := []GoalStateWrite{
		{NodeID: primary.NodeID, State: fsm.Draining, Message: "failover requested"},
	}
	for _, n := range nodes {
		if n.NodeID != primary.NodeID && n.IsHealthy(now, f.config.UnhealthyTimeout) {
			writes = append(writes, GoalStateWrite{NodeID: n.NodeID, State: fsm.ReportLSN, Message: "failover requested"})
		}
	}

	return f.store.SetGoalStates(ctx, writes)
}

// candidateList returns every node other than excludeID ELIGIBLE to win a
// promotion: candidatePriority > 0, sorted descending by candidatePriority
// and, within equal priority, by ascending nodeId (stable sort keeps the
// original listGroup order, which is already nodeId-ascending). It says
// nothing about who gets solicited for report_lsn — see PerformFailover.
func candidateList(nodes []Node, excludeID int64) []Node {
	var out []Node
	for _, n := range nodes {
		if n.NodeID != excludeID && n.CandidatePriority > 0 {
			out = append(out, n)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CandidatePriority > out[j].CandidatePriority
	})
	return out
}

func hasHealthyEligibleCandidate(nodes []Node, excludeID int64, now time.Time, unhealthyTimeout time.Duration) bool {
	for _, c := range candidateList(nodes, excludeID) {
		if c.IsHealthy(now, unhealthyTimeout) {
			return true
		}
	}
	return false
}

// ResolveReportLSN implements the second half of §4.4.2: once every
// solicited node has either reported report_lsn or sat past
// ReportLSNTimeout without reporting (excluded, as if it had never been
// asked), it picks the winner among the ELIGIBLE (candidatePriority > 0)
// reporters by (reportedTLI, reportedLSN) descending, tie-broken by
// candidatePriority then nodeId (invariant NO_LOSS, §8), and drives the
// winner through fast_forward while the rest go to join_secondary.
func (f *FSM) ResolveReportLSN(ctx context.Context, formationID string, groupID int) error {
	nodes, err := f.store.ListGroup(ctx, formationID, groupID)
	if err != nil {
		return fmt.Errorf("resolve report_lsn: %w", err)
	}

	now := f.now()
	var reported []Node
	for _, n := range nodes {
		if n.GoalState != fsm.ReportLSN {
			continue
		}
		if n.ReportedState != fsm.ReportLSN {
			if now.Sub(n.StateChangeTime) < f.config.ReportLSNTimeout {
				return nil // still within budget, wait for it
			}
			continue // timed out: excluded, as if never solicited
		}
		reported = append(reported, n)
	}
	if len(reported) == 0 {
		return nil
	}

	var eligible []Node
	for _, n := range reported {
		if n.CandidatePriority > 0 {
			eligible = append(eligible, n)
		}
	}
	if len(eligible) == 0 {
		return nil // no eligible winner has reported (or all timed out) yet
	}

	winner := pickPromotionWinner(eligible)

	writes := []GoalStateWrite{
		{NodeID: winner.NodeID, State: fsm.FastForward, Message: "promotion candidate selected"},
	}
	for _, n := range reported {
		if n.NodeID != winner.NodeID {
			writes = append(writes, GoalStateWrite{NodeID: n.NodeID, State: fsm.JoinSecondary, Message: "not selected for promotion"})
		}
	}
	return f.store.SetGoalStates(ctx, writes)
}

// pickPromotionWinner implements §4.4.2's selection rule exactly: highest
// (reportedTLI, reportedLSN), tie-break candidatePriority then nodeId.
func pickPromotionWinner(candidates []Node) Node {
	best := candidates[0]
	for _, n := range candidates[1:] {
		if n.ReportedTLI != best.ReportedTLI {
			if n.ReportedTLI > best.ReportedTLI {
				best = n
			}
			continue
		}
		if n.ReportedLSN != best.ReportedLSN {
			if n.ReportedLSN > best.ReportedLSN {
				best = n
			}
			continue
		}
		if n.CandidatePriority != best.CandidatePriority {
			if n.CandidatePriority > best.CandidatePriority {
				best = n
			}
			continue
		}
		if n.NodeID < best.NodeID {
			best = n
		}
	}
	return best
}

// promotionChain is §4.4.2's hand-off sequence for the winning candidate.
// Each hop fires once the node's reported state catches up to that hop's
// goal, with no peer-visible side effect in between for the monitor to
// wait on.
var promotionChain = map[fsm.State]fsm.State{
	fsm.FastForward:      fsm.PreparePromotion,
	fsm.PreparePromotion: fsm.StopReplication,
	fsm.StopReplication:  fsm.WaitPrimary,
}

// promotionAdvanceTriggers is the set of assigned states whose node_active
// report should re-check AdvancePromotion: every hop of promotionChain plus
// wait_primary, the hop promotionChain doesn't cover because wait_primary is
// ambiguous between "just finished a promotion" and "a steady primary
// self-demoted by invariant P" — promoteIfWinningCandidate disambiguates.
var promotionAdvanceTriggers = map[fsm.State]bool{
	fsm.FastForward:      true,
	fsm.PreparePromotion: true,
	fsm.StopReplication:  true,
	fsm.WaitPrimary:      true,
}

// AdvancePromotion drives a node already chosen for promotion through the
// remainder of §4.4.2's sequence: fast_forward → prepare_promotion →
// stop_replication → wait_primary → primary.
func (f *FSM) AdvancePromotion(ctx context.Context, nodeID int64) error {
	node, err := f.store.GetNodeByID(ctx, nodeID)
	if err != nil {
		return fmt.Errorf("advance promotion: %w", err)
	}
	if node.ReportedState != node.GoalState {
		return nil
	}

	if next, ok := promotionChain[node.ReportedState]; ok {
		return f.store.SetGoalState(ctx, nodeID, next, fmt.Sprintf("%s complete", node.ReportedState))
	}
	if node.ReportedState == fsm.WaitPrimary {
		return f.promoteIfWinningCandidate(ctx, node)
	}
	return nil
}

// promoteIfWinningCandidate completes §4.4.2's final hop for a node that
// reached wait_primary as the outcome of a failover. It is distinguished
// from a steady primary self-demoted by invariant P (which also reports
// wait_primary) by the presence of a sibling still draining or already
// demoted — only a real failover puts a sibling through that sequence.
func (f *FSM) promoteIfWinningCandidate(ctx context.Context, node Node) error {
	siblings, err := f.store.ListGroup(ctx, node.FormationID, node.GroupID)
	if err != nil {
		return fmt.Errorf("advance promotion: %w", err)
	}
	for _, s := range siblings {
		if s.NodeID == node.NodeID {
			continue
		}
		switch s.ReportedState {
		case fsm.Draining, fsm.DemoteTimeout, fsm.Demoted:
			return f.store.SetGoalState(ctx, node.NodeID, fsm.Primary, "promotion complete")
		}
	}
	return nil
}

// StartMaintenance and StopMaintenance implement §4.4.5. StartMaintenance
// only accepts a node currently in `secondary`; it simultaneously pushes
// the primary to apply_settings so the sync quorum stops counting the
// node under maintenance.
func (f *FSM) StartMaintenance(ctx context.Context, nodeID int64) error {
	node, err := f.store.GetNodeByID(ctx, nodeID)
	if err != nil {
		return fmt.Errorf("start_maintenance: %w", err)
	}
	if node.ReportedState != fsm.Secondary {
		return fmt.Errorf("start_maintenance: %w: node is %s, not secondary", ErrInvalidMaintenanceTransition, node.ReportedState)
	}

	writes := []GoalStateWrite{{NodeID: nodeID, State: fsm.PrepareMaintenance, Message: "maintenance requested"}}
	if primary, ok, perr := f.groupPrimary(ctx, node); perr == nil && ok {
		writes = append(writes, GoalStateWrite{NodeID: primary.NodeID, State: fsm.ApplySettings, Message: "excluding node under maintenance from sync quorum"})
	}
	return f.store.SetGoalStates(ctx, writes)
}

func (f *FSM) StopMaintenance(ctx context.Context, nodeID int64) error {
	node, err := f.store.GetNodeByID(ctx, nodeID)
	if err != nil {
		return fmt.Errorf("stop_maintenance: %w", err)
	}
	if node.ReportedState != fsm.Maintenance {
		return fmt.Errorf("stop_maintenance: %w: node is %s, not maintenance", ErrInvalidMaintenanceTransition, node.ReportedState)
	}

	writes := []GoalStateWrite{{NodeID: nodeID, State: fsm.CatchingUp, Message: "maintenance complete"}}
	if primary, ok, perr := f.groupPrimary(ctx, node); perr == nil && ok {
		writes = append(writes, GoalStateWrite{NodeID: primary.NodeID, State: fsm.Primary, Message: "maintenance complete"})
	}
	return f.store.SetGoalStates(ctx, writes)
}

func (f *FSM) groupPrimary(ctx context.Context, node Node) (Node, bool, error) {
	nodes, err := f.store.ListGroup(ctx, node.FormationID, node.GroupID)
	if err != nil {
		return Node{}, false, err
	}
	p, ok := findByReportedState(nodes, fsm.Primary)
	return p, ok, nil
}

// ApplySettings implements §4.4.4's round-trip, triggered whenever
// set_node_candidate_priority, set_node_replication_quorum or
// set_formation_number_sync_standbys changes a value that feeds
// synchronous_standby_names.
func (f *FSM) ApplySettings(ctx context.Context, formationID string, groupID int) error {
	nodes, err := f.store.ListGroup(ctx, formationID, groupID)
	if err != nil {
		return fmt.Errorf("apply_settings: %w", err)
	}
	primary, ok := findByReportedState(nodes, fsm.Primary)
	if !ok {
		return nil // nothing to refresh without a current primary
	}
	return f.store.SetGoalState(ctx, primary.NodeID, fsm.ApplySettings, "refreshing synchronous_standby_names")
}

// SynchronousStandbyNames computes the Postgres-formatted value for the
// synchronous_standby_names RPC and for the keeper's apply_settings
// handler (§4.4.4, §4.8), from the group's current quorum members.
func SynchronousStandbyNames(nodes []Node, numberSyncStandbys int) string {
	var names []string
	for _, n := range nodes {
		if n.ReplicationQuorum && n.ReportedState != fsm.Primary {
			names = append(names, fmt.Sprintf("%s%d", "pgautofailover_standby_", n.NodeID))
		}
	}
	if len(names) == 0 {
		return ""
	}
	return fmt.Sprintf("ANY %d (%s)", numberSyncStandbys, strings.Join(names, ", "))
}

// RemoveNode implements remove_node (§6). It refuses to remove the sole
// writable node of a group that still has peers, since doing so would
// leave the group with no path back to invariant W without manual
// intervention.
func (f *FSM) RemoveNode(ctx context.Context, nodeID int64) error {
	node, err := f.store.GetNodeByID(ctx, nodeID)
	if err != nil {
		return fmt.Errorf("remove_node: %w", err)
	}
	if node.ReportedState.IsWritable() {
		nodes, err := f.store.ListGroup(ctx, node.FormationID, node.GroupID)
		if err != nil {
			return fmt.Errorf("remove_node: %w", err)
		}
		if len(nodes) > 1 {
			return fmt.Errorf("remove_node: %w", ErrCannotRemoveWritableNode)
		}
	}
	if err := f.store.RemoveNode(ctx, nodeID); err != nil {
		return fmt.Errorf("remove_node: %w", err)
	}
	log.Default().Info("node removed", "nodeId", nodeID)
	return nil
}
