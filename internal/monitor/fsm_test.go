package monitor

import (
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/thoas/go-funk"

	"github.com/hapostgres/pg-auto-failover-sub002/pkg/fsm"
)

func TestFSM(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "monitor fsm suite")
}

var _ = Describe("computeGoals", func() {
	now := time.Now()
	cfg := DefaultFSMConfig()

	It("assigns single to the lone node of a fresh group (scenario 1)", func() {
		nodes := []Node{
			{NodeID: 1, ReportedState: fsm.Init, GoalState: fsm.Init},
		}
		goals := computeGoals(nodes, Formation{}, now, cfg)
		Expect(goals[1]).To(Equal(fsm.Single))
	})

	It("promotes a catching-up standby once its LSN matches the primary (scenario 2)", func() {
		nodes := []Node{
			{NodeID: 1, ReportedState: fsm.Primary, GoalState: fsm.Primary, ReportedLSN: 1000},
			{NodeID: 2, ReportedState: fsm.CatchingUp, GoalState: fsm.CatchingUp, ReportedLSN: 1000},
		}
		goals := computeGoals(nodes, Formation{}, now, cfg)
		Expect(goals[1]).To(Equal(fsm.Primary))
		Expect(goals[2]).To(Equal(fsm.Secondary))
	})

	It("leaves a lagging standby in catchingup", func() {
		nodes := []Node{
			{NodeID: 1, ReportedState: fsm.Primary, GoalState: fsm.Primary, ReportedLSN: 2000},
			{NodeID: 2, ReportedState: fsm.CatchingUp, GoalState: fsm.CatchingUp, ReportedLSN: 1000},
		}
		goals := computeGoals(nodes, Formation{}, now, cfg)
		Expect(goals[2]).To(Equal(fsm.CatchingUp))
	})

	It("demotes the primary off sync replication when the sole secondary is unhealthy (scenario 5)", func() {
		stale := now.Add(-cfg.UnhealthyTimeout - time.Second)
		nodes := []Node{
			{NodeID: 1, ReportedState: fsm.Primary, GoalState: fsm.Primary},
			{
				NodeID: 2, ReportedState: fsm.Secondary, GoalState: fsm.Secondary,
				ReplicationQuorum: true, Health: fsm.HealthBad,
				ReportTime: stale, StateChangeTime: stale,
			},
		}
		goals := computeGoals(nodes, Formation{}, now, cfg)
		Expect(goals[1]).To(Equal(fsm.WaitPrimary))
	})

	It("escalates to a full automatic failover once invariant P persists beyond DrainTimeout", func() {
		veryStale := now.Add(-cfg.DrainTimeout - time.Second)
		nodes := []Node{
			{NodeID: 1, ReportedState: fsm.Primary, GoalState: fsm.Primary},
			{
				NodeID: 2, ReportedState: fsm.Secondary, GoalState: fsm.Secondary,
				ReplicationQuorum: true, Health: fsm.HealthBad, CandidatePriority: 50,
				ReportTime: veryStale, StateChangeTime: veryStale,
			},
		}
		goals := computeGoals(nodes, Formation{}, now, cfg)
		Expect(goals[1]).To(Equal(fsm.Draining))
		Expect(goals[2]).To(Equal(fsm.ReportLSN))
	})

	It("does not escalate past wait_primary when no failover candidate exists", func() {
		veryStale := now.Add(-cfg.DrainTimeout - time.Second)
		nodes := []Node{
			{NodeID: 1, ReportedState: fsm.Primary, GoalState: fsm.Primary},
			{
				NodeID: 2, ReportedState: fsm.Secondary, GoalState: fsm.Secondary,
				ReplicationQuorum: true, Health: fsm.HealthBad, CandidatePriority: 0,
				ReportTime: veryStale, StateChangeTime: veryStale,
			},
		}
		goals := computeGoals(nodes, Formation{}, now, cfg)
		Expect(goals[1]).To(Equal(fsm.WaitPrimary))
	})

	It("advances draining to demote_timeout once DrainTimeout elapses (scenario 3)", func() {
		drained := now.Add(-cfg.DrainTimeout - time.Second)
		nodes := []Node{
			{NodeID: 1, ReportedState: fsm.Draining, GoalState: fsm.Draining, StateChangeTime: drained},
		}
		goals := computeGoals(nodes, Formation{}, now, cfg)
		Expect(goals[1]).To(Equal(fsm.DemoteTimeout))
	})

	It("leaves draining alone before DrainTimeout elapses", func() {
		justStarted := now.Add(-time.Second)
		nodes := []Node{
			{NodeID: 1, ReportedState: fsm.Draining, GoalState: fsm.Draining, StateChangeTime: justStarted},
		}
		goals := computeGoals(nodes, Formation{}, now, cfg)
		Expect(goals[1]).To(Equal(fsm.Draining))
	})

	It("completes demote_timeout to demoted (scenario 3)", func() {
		nodes := []Node{
			{NodeID: 1, ReportedState: fsm.DemoteTimeout, GoalState: fsm.DemoteTimeout},
		}
		goals := computeGoals(nodes, Formation{}, now, cfg)
		Expect(goals[1]).To(Equal(fsm.Demoted))
	})
})

var _ = Describe("candidateList and pickPromotionWinner", func() {
	It("excludes the current primary and zero-priority nodes", func() {
		nodes := []Node{
			{NodeID: 1, CandidatePriority: 100},
			{NodeID: 2, CandidatePriority: 50},
			{NodeID: 3, CandidatePriority: 0},
		}
		candidates := candidateList(nodes, 1)
		ids := funk.Map(candidates, func(n Node) int64 { return n.NodeID }).([]int64)
		Expect(ids).To(Equal([]int64{2}))
	})

	It("picks the higher LSN over the higher priority (scenario 4)", func() {
		b := Node{NodeID: 2, CandidatePriority: 100, ReportedTLI: 1, ReportedLSN: 0x10000000}
		c := Node{NodeID: 3, CandidatePriority: 50, ReportedTLI: 1, ReportedLSN: 0x20000000}
		winner := pickPromotionWinner([]Node{b, c})
		Expect(winner.NodeID).To(Equal(int64(3)))
	})

	It("tie-breaks equal (tli, lsn) by candidatePriority then nodeId", func() {
		a := Node{NodeID: 5, CandidatePriority: 50, ReportedTLI: 2, ReportedLSN: 100}
		b := Node{NodeID: 4, CandidatePriority: 80, ReportedTLI: 2, ReportedLSN: 100}
		winner := pickPromotionWinner([]Node{a, b})
		Expect(winner.NodeID).To(Equal(int64(4)))
	})
})

var _ = Describe("SynchronousStandbyNames", func() {
	It("renders the ANY n (...) form from quorum-eligible standbys", func() {
		nodes := []Node{
			{NodeID: 1, ReportedState: fsm.Primary},
			{NodeID: 2, ReportedState: fsm.Secondary, ReplicationQuorum: true},
			{NodeID: 3, ReportedState: fsm.Secondary, ReplicationQuorum: false},
		}
		Expect(SynchronousStandbyNames(nodes, 1)).To(Equal("ANY 1 (pgautofailover_standby_2)"))
	})

	It("returns empty when no node is in the quorum", func() {
		nodes := []Node{{NodeID: 1, ReportedState: fsm.Primary}}
		Expect(SynchronousStandbyNames(nodes, 0)).To(Equal(""))
	})
})
