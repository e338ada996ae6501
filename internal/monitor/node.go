package monitor

import (
	"time"

	"github.com/hapostgres/pg-auto-failover-sub002/pkg/fsm"
)

// Node is a row of the monitor's node registry (C1), per spec.md §3.
type Node struct {
	NodeID            int64
	FormationID       string
	GroupID           int
	NodeName          string
	NodeHost          string
	NodePort          int
	SystemIdentifier  uint64
	ReportedState     fsm.State
	GoalState         fsm.State
	PgIsRunning       bool
	PgsrSyncState     fsm.SyncState
	ReportTime        time.Time
	WalReportTime     time.Time
	Health            fsm.Health
	HealthCheckTime   time.Time
	StateChangeTime   time.Time
	ReportedTLI       int
	ReportedLSN       uint64
	CandidatePriority int
	ReplicationQuorum bool
	NodeCluster       string
}

// IsHealthy implements the "Healthy" predicate from spec.md §4.4:
// health=good AND pgIsRunning=true AND reportTime within unhealthyTimeout of now.
func (n Node) IsHealthy(now time.Time, unhealthyTimeout time.Duration) bool {
	return n.Health == fsm.HealthGood &&
		n.PgIsRunning &&
		now.Sub(n.ReportTime) <= unhealthyTimeout
}

// IsParticipatingInPromotion reports whether this node's reported or goal
// state marks it as participating in an in-flight promotion (§4.4.3).
func (n Node) IsParticipatingInPromotion() bool {
	return n.ReportedState.IsParticipatingInPromotion() || n.GoalState.IsParticipatingInPromotion()
}

// Formation is a row of the monitor's formation registry (C2).
type Formation struct {
	FormationID        string
	Kind                string // "pgsql" or "citus"
	DBName              string
	OptSecondary        bool
	NumberSyncStandbys  int
}

const (
	FormationKindPgsql = "pgsql"
	FormationKindCitus = "citus"
)
