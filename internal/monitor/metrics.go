package monitor

import (
	"context"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hapostgres/pg-auto-failover-sub002/pkg/fsm"
	"github.com/hapostgres/pg-auto-failover-sub002/pkg/log"
)

// Metrics exposes the monitor's internal state as Prometheus gauges and
// counters, a supplemented feature (SPEC_FULL.md §12) not named by the
// distilled spec but natural for an always-on orchestrator: operators wire
// this into the same alerting stack that watches the Postgres fleet itself.
type Metrics struct {
	store *Store

	nodesTotal       *prometheus.GaugeVec
	writableNodes    *prometheus.GaugeVec
	unhealthyNodes   *prometheus.GaugeVec
	transitionsTotal *prometheus.CounterVec
}

// NewMetrics registers every collector against reg and returns a Metrics
// ready to be refreshed on demand by an HTTP handler or a scrape-triggered
// collector.
func NewMetrics(store *Store, reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		store: store,
		nodesTotal: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "pgautofailover",
			Name:      "nodes_total",
			Help:      "Number of registered nodes per formation and group.",
		}, []string{"formation", "group"}),
		writableNodes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "pgautofailover",
			Name:      "writable_nodes",
			Help:      "Number of nodes currently in a writable reported state (invariant W should keep this at 0 or 1).",
		}, []string{"formation", "group"}),
		unhealthyNodes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "pgautofailover",
			Name:      "unhealthy_nodes",
			Help:      "Number of nodes whose health column is not good.",
		}, []string{"formation", "group"}),
		transitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pgautofailover",
			Name:      "goal_state_transitions_total",
			Help:      "Count of goal state writes issued by the replication FSM.",
		}, []string{"formation", "group", "state"}),
	}

	reg.MustRegister(m.nodesTotal, m.writableNodes, m.unhealthyNodes, m.transitionsTotal)
	return m
}

// ObserveTransition increments the transition counter for one goal state
// write. Nothing in this repository calls it, so
// goal_state_transitions_total stays at zero.
func (m *Metrics) ObserveTransition(formationID string, groupID int, state fsm.State) {
	m.transitionsTotal.WithLabelValues(formationID, groupIDLabel(groupID), string(state)).Inc()
}

// Refresh recomputes the gauges from the current node table. Called by the
// /metrics handler (rpcserver.go) on each scrape rather than on every
// write, to keep scrape cost independent of write volume.
func (m *Metrics) Refresh(ctx context.Context) {
	formations, err := m.store.ListFormations(ctx)
	if err != nil {
		log.Default().Warning("refreshing metrics: listing formations failed", "err", err)
		return
	}

	for _, f := range formations {
		groups, err := m.store.GroupIDs(ctx, f.FormationID)
		if err != nil {
			log.Default().Warning("refreshing metrics: listing groups failed", "formation", f.FormationID, "err", err)
			continue
		}
		for _, g := range groups {
			nodes, err := m.store.ListGroup(ctx, f.FormationID, g)
			if err != nil {
				continue
			}

			writable, unhealthy := 0, 0
			for _, n := range nodes {
				if n.ReportedState.IsWritable() {
					writable++
				}
				if n.Health != fsm.HealthGood {
					unhealthy++
				}
			}

			m.nodesTotal.WithLabelValues(f.FormationID, groupIDLabel(g)).Set(float64(len(nodes)))
			m.writableNodes.WithLabelValues(f.FormationID, groupIDLabel(g)).Set(float64(writable))
			m.unhealthyNodes.WithLabelValues(f.FormationID, groupIDLabel(g)).Set(float64(unhealthy))
		}
	}
}

func groupIDLabel(groupID int) string {
	return strconv.Itoa(groupID)
}
