package keeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/blang/semver"

	"github.com/hapostgres/pg-auto-failover-sub002/internal/config"
	"github.com/hapostgres/pg-auto-failover-sub002/pkg/fsm"
	"github.com/hapostgres/pg-auto-failover-sub002/pkg/log"
)

// ErrFastForwardUnsupported is returned when fast_forward is assigned on a
// Postgres version older than the minimums spec.md §4.8 names
// (11.9, 12.4, 13.0); the caller emits an event and the state is refused.
var ErrFastForwardUnsupported = errors.New("fast_forward requires Postgres 11.9, 12.4, 13.0 or newer")

// LocalFSM implements C8: one pure-ish handler per transition named in
// spec.md §4.8. The handlers that start Postgres, promote it or check
// recovery read actual Postgres status before acting rather than trusting
// their own previous attempt; applySettings, waitPrimary and fastForward
// repeat their action on every call.
type LocalFSM struct {
	pgctl PgCtl
	sql   SqlClient
	cfg   config.Config

	pgVersion semver.Version
}

// NewLocalFSM builds a LocalFSM bound to one node's collaborators.
func NewLocalFSM(pgctl PgCtl, sqlClient SqlClient, cfg config.Config, pgVersion semver.Version) *LocalFSM {
	return &LocalFSM{pgctl: pgctl, sql: sqlClient, cfg: cfg, pgVersion: pgVersion}
}

// Converge drives the local instance from its current Postgres-observed
// state toward assigned, running exactly the one handler the transition
// calls for. It is called every tick, even when no transition is pending:
// the start, promotion and recovery handlers first check whether Postgres
// already reflects the target and return if so, while applySettings,
// waitPrimary and fastForward repeat their action.
func (l *LocalFSM) Converge(ctx context.Context, assigned fsm.State, peers []PeerInfo) error {
	switch assigned {
	case fsm.WaitStandby:
		return nil // nothing to do locally until catchingup is assigned
	case fsm.CatchingUp:
		return l.catchingUp(ctx, peers)
	case fsm.Secondary:
		return l.secondary(ctx, peers)
	case fsm.Primary:
		return l.primary(ctx)
	case fsm.ApplySettings:
		return l.applySettings(ctx, peers)
	case fsm.PreparePromotion:
		return l.preparePromotion(ctx)
	case fsm.StopReplication:
		return l.stopReplication(ctx)
	case fsm.WaitPrimary:
		return l.waitPrimary(ctx, peers)
	case fsm.ReportLSN:
		return l.reportLSN(ctx)
	case fsm.FastForward:
		return l.fastForward(ctx, peers)
	case fsm.JoinSecondary:
		return l.joinSecondary(ctx, peers)
	case fsm.Single:
		return l.single(ctx)
	default:
		// States with no local side effect (init, join_primary,
		// draining, demote_timeout, demoted, prepare_maintenance,
		// wait_maintenance, maintenance, dropped) are either transient
		// pass-throughs or handled purely by the monitor observing
		// reported state.
		return nil
	}
}

// PeerInfo is the minimal peer shape a local handler needs: enough to
// compute primary_conninfo and to create/advance replication slots, without
// pulling in the monitor package (keeper must not import monitor).
// ReportedState lets join_secondary gate on pkg/fsm.CanStreamFromNewPrimary
// rather than assume the candidate is always ready to stream from.
type PeerInfo struct {
	NodeID        int64
	Host          string
	Port          int
	IsSelf        bool
	ReportedState fsm.State
}

func (l *LocalFSM) single(ctx context.Context) error {
	running, err := l.pgctl.IsRunning(ctx)
	if err != nil {
		return fmt.Errorf("single: %w", err)
	}
	if !running {
		return l.pgctl.Start(ctx)
	}
	return nil
}

// catchingUp implements "wait_standby → catchingup": base-backup from the
// primary, point primary_conninfo/primary_slot_name at it, start in
// recovery.
func (l *LocalFSM) catchingUp(ctx context.Context, peers []PeerInfo) error {
	running, err := l.pgctl.IsRunning(ctx)
	if err != nil {
		return fmt.Errorf("catchingup: %w", err)
	}
	if running {
		return nil
	}

	primary, ok := primaryOf(peers)
	if !ok {
		return fmt.Errorf("catchingup: no primary peer known yet")
	}

	primaryConnInfo := fmt.Sprintf("host=%s port=%d user=%s application_name=%s",
		primary.Host, primary.Port, l.cfg.Replication.Slot, config.ApplicationNamePrefix)
	slotName := config.ReplicationSlotName(selfNodeID(peers))

	if err := l.pgctl.WriteRecoveryConf(ctx, primaryConnInfo, slotName); err != nil {
		return fmt.Errorf("catchingup: %w", err)
	}
	return l.pgctl.Start(ctx)
}

// secondary implements "catchingup → secondary": verify the instance is
// still in recovery, then create local replication slots for the other
// standbys. The slots are only created here; they are not advanced.
func (l *LocalFSM) secondary(ctx context.Context, peers []PeerInfo) error {
	inRecovery, err := l.sql.IsInRecovery(ctx)
	if err != nil {
		return fmt.Errorf("secondary: %w", err)
	}
	if !inRecovery {
		return fmt.Errorf("secondary: %w", errors.New("instance left recovery unexpectedly"))
	}

	for _, peer := range peers {
		if peer.IsSelf {
			continue
		}
		slotName := config.ReplicationSlotName(peer.NodeID)
		if err := l.pgctl.CreateReplicationSlot(ctx, slotName); err != nil {
			log.Default().Warning("creating peer slot failed", "slot", slotName, "err", err)
		}
	}
	return nil
}

// primary handles steady-state primary: nothing to converge, Postgres is
// already accepting writes.
func (l *LocalFSM) primary(ctx context.Context) error {
	running, err := l.pgctl.IsRunning(ctx)
	if err != nil {
		return fmt.Errorf("primary: %w", err)
	}
	if !running {
		return l.pgctl.Start(ctx)
	}
	return nil
}

// applySettings implements "primary → apply_settings → primary": refresh
// synchronous_standby_names via ALTER SYSTEM + reload.
func (l *LocalFSM) applySettings(ctx context.Context, peers []PeerInfo) error {
	value := synchronousStandbyNamesFor(peers)
	if err := l.pgctl.SetGUC(ctx, "synchronous_standby_names", value); err != nil {
		return fmt.Errorf("apply_settings: %w", err)
	}
	return l.pgctl.Reload(ctx)
}

func synchronousStandbyNamesFor(peers []PeerInfo) string {
	if len(peers) == 0 {
		return ""
	}
	return "ANY 1 (" + config.ApplicationNamePrefix + "standbys" + ")"
}

// preparePromotion implements "prepare_promotion → stop_replication": stop
// recovery and wait for pg_is_in_recovery() to flip false, then the caller
// observes stop_replication on the next tick.
func (l *LocalFSM) preparePromotion(ctx context.Context) error {
	inRecovery, err := l.sql.IsInRecovery(ctx)
	if err != nil {
		return fmt.Errorf("prepare_promotion: %w", err)
	}
	if !inRecovery {
		return nil // already promoted
	}
	if err := l.pgctl.Promote(ctx); err != nil {
		return fmt.Errorf("prepare_promotion: %w", err)
	}
	return waitFor(ctx, 30*time.Second, 500*time.Millisecond, func(ctx context.Context) (bool, error) {
		inRecovery, err := l.sql.IsInRecovery(ctx)
		if err != nil {
			return false, err
		}
		return !inRecovery, nil
	})
}

// stopReplication confirms recovery has actually stopped and records the
// promotion LSN (read back by the next node_active tick, not cached here).
func (l *LocalFSM) stopReplication(ctx context.Context) error {
	inRecovery, err := l.sql.IsInRecovery(ctx)
	if err != nil {
		return fmt.Errorf("stop_replication: %w", err)
	}
	if inRecovery {
		return fmt.Errorf("stop_replication: %w", errors.New("instance still in recovery"))
	}
	return nil
}

// waitPrimary implements "stop_replication → wait_primary → primary":
// accept writes, create missing replication slots for every known peer.
func (l *LocalFSM) waitPrimary(ctx context.Context, peers []PeerInfo) error {
	for _, peer := range peers {
		if peer.IsSelf {
			continue
		}
		slotName := config.ReplicationSlotName(peer.NodeID)
		if err := l.pgctl.CreateReplicationSlot(ctx, slotName); err != nil {
			return fmt.Errorf("wait_primary: creating slot %s: %w", slotName, err)
		}
	}
	return nil
}

// reportLSN opens a read-only session and reports; it does not drive
// Postgres into any new state — the node-active loop reads CurrentLSN and
// CurrentTimeline directly and includes them on the next report.
func (l *LocalFSM) reportLSN(ctx context.Context) error {
	return nil
}

// fastForward advances this node's replication slot towards the first
// non-self peer via pg_replication_slot_advance, gated on the minimum
// Postgres versions spec.md §4.8 names; below them the state is refused.
// PeerInfo carries no LSN, so peers are not compared to pick the most
// advanced one.
func (l *LocalFSM) fastForward(ctx context.Context, peers []PeerInfo) error {
	if !fastForwardSupported(l.pgVersion) {
		return ErrFastForwardUnsupported
	}

	primary, ok := mostAdvancedPeer(peers)
	if !ok {
		return fmt.Errorf("fast_forward: no peer to fast forward from")
	}
	slotName := config.ReplicationSlotName(selfNodeID(peers))
	return l.pgctl.AdvanceReplicationSlot(ctx, slotName, fmt.Sprintf("peer:%d", primary.NodeID))
}

// joinSecondary implements "report_lsn → join_secondary": point
// primary_conninfo at whichever peer won the promotion, but only once that
// candidate has reached a state §4.4.3 deems safe to stream from — while it
// is still at fast_forward, streaming from it would give this standby two
// WAL sources for the same timeline.
func (l *LocalFSM) joinSecondary(ctx context.Context, peers []PeerInfo) error {
	candidate, ok := promotionCandidateOf(peers)
	if !ok {
		return fmt.Errorf("join_secondary: no promotion candidate known yet")
	}
	if !fsm.CanStreamFromNewPrimary(candidate.ReportedState) {
		return nil // wait for the candidate to clear fast_forward
	}

	primaryConnInfo := fmt.Sprintf("host=%s port=%d user=%s application_name=%s",
		candidate.Host, candidate.Port, l.cfg.Replication.Slot, config.ApplicationNamePrefix)
	slotName := config.ReplicationSlotName(selfNodeID(peers))
	if err := l.pgctl.WriteRecoveryConf(ctx, primaryConnInfo, slotName); err != nil {
		return fmt.Errorf("join_secondary: %w", err)
	}

	running, err := l.pgctl.IsRunning(ctx)
	if err != nil {
		return fmt.Errorf("join_secondary: %w", err)
	}
	if !running {
		return l.pgctl.Start(ctx)
	}
	return l.pgctl.Reload(ctx)
}

func promotionCandidateOf(peers []PeerInfo) (PeerInfo, bool) {
	for _, p := range peers {
		if !p.IsSelf && p.ReportedState.IsParticipatingInPromotion() {
			return p, true
		}
	}
	return PeerInfo{}, false
}

var (
	minPG11 = semver.MustParse("11.9.0")
	minPG12 = semver.MustParse("12.4.0")
	minPG13 = semver.MustParse("13.0.0")
)

func fastForwardSupported(v semver.Version) bool {
	switch v.Major {
	case 11:
		return !v.LT(minPG11)
	case 12:
		return !v.LT(minPG12)
	default:
		return !v.LT(minPG13)
	}
}

func primaryOf(peers []PeerInfo) (PeerInfo, bool) {
	for _, p := range peers {
		if !p.IsSelf {
			return p, true
		}
	}
	return PeerInfo{}, false
}

func mostAdvancedPeer(peers []PeerInfo) (PeerInfo, bool) {
	return primaryOf(peers)
}

func selfNodeID(peers []PeerInfo) int64 {
	for _, p := range peers {
		if p.IsSelf {
			return p.NodeID
		}
	}
	return 0
}
