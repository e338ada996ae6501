package keeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/hapostgres/pg-auto-failover-sub002/internal/config"
	"github.com/hapostgres/pg-auto-failover-sub002/pkg/fsm"
	"github.com/hapostgres/pg-auto-failover-sub002/pkg/log"
	"github.com/hapostgres/pg-auto-failover-sub002/pkg/statefile"
)

// Loop implements C7: the keeper's node-active loop. Each tick probes
// Postgres locally, calls node_active, writes the state file back, and
// invokes the local FSM to converge toward the assigned role.
type Loop struct {
	cfg         config.Config
	monitor     *MonitorClient
	pgctl       PgCtl
	sqlClient   SqlClient
	localFSM    *LocalFSM
	statePath   string
	tick        time.Duration
	pingBudget  time.Duration

	// lastKnownGoal survives monitor outages: spec.md §4.7 says the local
	// FSM "continues to converge toward the last known assigned role"
	// while retries against the monitor are in flight.
	lastKnownGoal fsm.State
}

// LoopConfig bundles Loop's construction parameters.
type LoopConfig struct {
	Config         config.Config
	Monitor        *MonitorClient
	PgCtl          PgCtl
	SqlClient      SqlClient
	LocalFSM       *LocalFSM
	StatePath      string
	TickInterval   time.Duration // KeeperSleepTime, default 5s
	PingRetryBudget time.Duration // PingRetryTimeout, default 15m
}

// NewLoop builds a Loop, loading (or initialising) the on-disk state file.
func NewLoop(lc LoopConfig) (*Loop, error) {
	if lc.TickInterval == 0 {
		lc.TickInterval = 5 * time.Second
	}
	if lc.PingRetryBudget == 0 {
		lc.PingRetryBudget = 15 * time.Minute
	}

	st, err := statefile.Load(lc.StatePath)
	if err != nil {
		return nil, fmt.Errorf("loading keeper state file: %w", err)
	}

	return &Loop{
		cfg: lc.Config, monitor: lc.Monitor, pgctl: lc.PgCtl, sqlClient: lc.SqlClient,
		localFSM: lc.LocalFSM, statePath: lc.StatePath, tick: lc.TickInterval,
		pingBudget: lc.PingRetryBudget, lastKnownGoal: st.AssignedRole,
	}, nil
}

// Run blocks on a fixed-interval ticker until ctx is cancelled, calling
// Tick on every wakeup and logging (not exiting) on transient failures.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := l.Tick(ctx); err != nil {
				log.Default().Warning("node-active tick failed", "err", err)
			}
		}
	}
}

// Tick runs exactly one iteration: probe, report, converge, persist.
func (l *Loop) Tick(ctx context.Context) error {
	running, err := l.pgctl.IsRunning(ctx)
	if err != nil {
		return fmt.Errorf("probing postgres: %w", err)
	}

	var (
		lsn       uint64
		tli       int
		syncState = fsm.SyncStateUnknown
	)
	if running {
		if lsn, err = l.sqlClient.CurrentLSN(ctx); err != nil {
			log.Default().Warning("reading current LSN failed", "err", err)
		}
		if tli, err = l.sqlClient.CurrentTimeline(ctx); err != nil {
			log.Default().Warning("reading current timeline failed", "err", err)
		}
		if syncState, err = l.sqlClient.SyncState(ctx); err != nil {
			log.Default().Warning("reading sync state failed", "err", err)
		}
	}

	st, err := statefile.Load(l.statePath)
	if err != nil {
		return fmt.Errorf("loading state file: %w", err)
	}

	result, err := l.reportWithRetry(ctx, NodeActiveRequest{
		NodeID:        st.CurrentNodeID,
		CurrentState:  st.CurrentRole,
		PgIsRunning:   running,
		ReportedTLI:   tli,
		ReportedLSN:   lsn,
		PgsrSyncState: syncState,
	})
	if err != nil {
		log.Default().Warning("node_active reporting failed, converging toward last known role", "err", err, "role", l.lastKnownGoal)
		return l.localFSM.Converge(ctx, l.lastKnownGoal, nil)
	}

	l.lastKnownGoal = result.AssignedState
	st.AssignedRole = result.AssignedState
	st.PgIsRunning = running
	st.LastMonitorContact = time.Now().Unix()
	if err := statefile.Save(l.statePath, st); err != nil {
		return fmt.Errorf("saving state file: %w", err)
	}

	peers, peersErr := l.loadPeers(ctx, st.CurrentNodeID)
	if peersErr != nil {
		log.Default().Warning("loading peer list failed, converging without fresh peer info", "err", peersErr)
	}

	if err := l.localFSM.Converge(ctx, result.AssignedState, peers); err != nil {
		return fmt.Errorf("converging to %s: %w", result.AssignedState, err)
	}

	st.CurrentRole = result.AssignedState
	return statefile.Save(l.statePath, st)
}

// loadPeers fetches this node's current siblings from the monitor's
// get_other_nodes RPC and shapes them into the PeerInfo list the local FSM's
// handlers (catchingup, wait_primary, join_secondary) need, with self
// included so handlers can tell their own slot apart from a peer's.
func (l *Loop) loadPeers(ctx context.Context, selfNodeID int64) ([]PeerInfo, error) {
	others, err := l.monitor.GetOtherNodes(ctx, l.cfg.PgAutoctl.Hostname, l.cfg.Postgres.Port)
	if err != nil {
		return nil, err
	}

	peers := make([]PeerInfo, 0, len(others)+1)
	peers = append(peers, PeerInfo{NodeID: selfNodeID, IsSelf: true})
	for _, o := range others {
		peers = append(peers, PeerInfo{
			NodeID: o.NodeID, Host: o.NodeHost, Port: o.NodePort, ReportedState: o.ReportedState,
		})
	}
	return peers, nil
}

// reportWithRetry implements spec.md §4.7's monitor-unreachable handling
// for node_active: capped exponential backoff bounded above by the tick
// interval, total budget PingRetryTimeout. ErrRegistrationInProgress
// (SQLSTATE 55006) is retried under the same backoff as a transient error;
// the register_node retry lives in `pg_autoctl keeper create`.
func (l *Loop) reportWithRetry(ctx context.Context, req NodeActiveRequest) (RPCResult, error) {
	var result RPCResult

	b := backoff.NewExponentialBackOff()
	b.MaxInterval = l.tick
	b.MaxElapsedTime = l.pingBudget

	operation := func() error {
		res, err := l.monitor.NodeActive(ctx, req)
		if err != nil {
			var transient *TransientError
			if errors.As(err, &transient) || errors.Is(err, ErrRegistrationInProgress) {
				return err // retryable
			}
			return backoff.Permanent(err)
		}
		result = res
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return RPCResult{}, err
	}
	return result, nil
}
