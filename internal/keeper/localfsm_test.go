package keeper

import (
	"context"
	"testing"

	"github.com/blang/semver"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/hapostgres/pg-auto-failover-sub002/internal/config"
	"github.com/hapostgres/pg-auto-failover-sub002/pkg/fsm"
)

func TestKeeper(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "keeper local fsm suite")
}

type fakePgCtl struct {
	running      bool
	started      bool
	promoted     bool
	gucs         map[string]string
	reloaded     bool
	slotsCreated []string
}

func newFakePgCtl() *fakePgCtl {
	return &fakePgCtl{gucs: map[string]string{}}
}

func (f *fakePgCtl) IsRunning(ctx context.Context) (bool, error) { return f.running, nil }
func (f *fakePgCtl) Start(ctx context.Context) error             { f.running = true; f.started = true; return nil }
func (f *fakePgCtl) Stop(ctx context.Context) error               { f.running = false; return nil }
func (f *fakePgCtl) Reload(ctx context.Context) error             { f.reloaded = true; return nil }
func (f *fakePgCtl) Promote(ctx context.Context) error            { f.promoted = true; return nil }
func (f *fakePgCtl) SetGUC(ctx context.Context, name, value string) error {
	f.gucs[name] = value
	return nil
}
func (f *fakePgCtl) CreateReplicationSlot(ctx context.Context, slotName string) error {
	f.slotsCreated = append(f.slotsCreated, slotName)
	return nil
}
func (f *fakePgCtl) AdvanceReplicationSlot(ctx context.Context, slotName, lsn string) error {
	return nil
}
func (f *fakePgCtl) WriteRecoveryConf(ctx context.Context, primaryConnInfo, slotName string) error {
	f.gucs["primary_conninfo"] = primaryConnInfo
	return nil
}

type fakeSqlClient struct {
	inRecovery bool
}

func (f *fakeSqlClient) IsInRecovery(ctx context.Context) (bool, error)   { return f.inRecovery, nil }
func (f *fakeSqlClient) CurrentLSN(ctx context.Context) (uint64, error)   { return 0, nil }
func (f *fakeSqlClient) CurrentTimeline(ctx context.Context) (int, error) { return 1, nil }
func (f *fakeSqlClient) SyncState(ctx context.Context) (fsm.SyncState, error) {
	return fsm.SyncStateSync, nil
}
func (f *fakeSqlClient) Close() error { return nil }

var _ = Describe("LocalFSM.Converge", func() {
	var (
		pgctl *fakePgCtl
		sql   *fakeSqlClient
		lfsm  *LocalFSM
	)

	BeforeEach(func() {
		pgctl = newFakePgCtl()
		sql = &fakeSqlClient{}
		lfsm = NewLocalFSM(pgctl, sql, config.Default(), semver.MustParse("15.0.0"))
	})

	It("starts postgres when assigned single and not yet running", func() {
		Expect(lfsm.Converge(context.Background(), fsm.Single, nil)).To(Succeed())
		Expect(pgctl.started).To(BeTrue())
	})

	It("writes recovery configuration and starts when assigned catchingup", func() {
		peers := []PeerInfo{
			{NodeID: 1, Host: "primary.local", Port: 5432, IsSelf: false},
			{NodeID: 2, Host: "self.local", Port: 5432, IsSelf: true},
		}
		Expect(lfsm.Converge(context.Background(), fsm.CatchingUp, peers)).To(Succeed())
		Expect(pgctl.started).To(BeTrue())
		Expect(pgctl.gucs).To(HaveKey("primary_conninfo"))
	})

	It("refuses fast_forward below the minimum Postgres version", func() {
		lfsm = NewLocalFSM(pgctl, sql, config.Default(), semver.MustParse("11.5.0"))
		peers := []PeerInfo{{NodeID: 1, IsSelf: false}, {NodeID: 2, IsSelf: true}}
		err := lfsm.Converge(context.Background(), fsm.FastForward, peers)
		Expect(err).To(MatchError(ErrFastForwardUnsupported))
	})

	It("allows fast_forward at the minimum supported version", func() {
		lfsm = NewLocalFSM(pgctl, sql, config.Default(), semver.MustParse("13.0.0"))
		peers := []PeerInfo{{NodeID: 1, IsSelf: false}, {NodeID: 2, IsSelf: true}}
		Expect(lfsm.Converge(context.Background(), fsm.FastForward, peers)).To(Succeed())
	})

	It("creates replication slots for every peer on wait_primary", func() {
		peers := []PeerInfo{
			{NodeID: 1, IsSelf: true},
			{NodeID: 2, IsSelf: false},
			{NodeID: 3, IsSelf: false},
		}
		Expect(lfsm.Converge(context.Background(), fsm.WaitPrimary, peers)).To(Succeed())
		Expect(pgctl.slotsCreated).To(HaveLen(2))
	})

	It("rejects secondary convergence when the instance is not in recovery", func() {
		sql.inRecovery = false
		err := lfsm.Converge(context.Background(), fsm.Secondary, nil)
		Expect(err).To(HaveOccurred())
	})

	It("confirms stop_replication only once recovery has actually stopped", func() {
		sql.inRecovery = true
		err := lfsm.Converge(context.Background(), fsm.StopReplication, nil)
		Expect(err).To(HaveOccurred())

		sql.inRecovery = false
		Expect(lfsm.Converge(context.Background(), fsm.StopReplication, nil)).To(Succeed())
	})

	It("is a no-op for states with no local side effect", func() {
		Expect(lfsm.Converge(context.Background(), fsm.Draining, nil)).To(Succeed())
		Expect(lfsm.Converge(context.Background(), fsm.Maintenance, nil)).To(Succeed())
	})

	It("withholds join_secondary until the candidate clears fast_forward", func() {
		peers := []PeerInfo{
			{NodeID: 1, IsSelf: true},
			{NodeID: 2, Host: "candidate.local", Port: 5432, ReportedState: fsm.FastForward},
		}
		Expect(lfsm.Converge(context.Background(), fsm.JoinSecondary, peers)).To(Succeed())
		Expect(pgctl.gucs).NotTo(HaveKey("primary_conninfo"))
	})

	It("streams from the new primary once it reaches prepare_promotion", func() {
		peers := []PeerInfo{
			{NodeID: 1, IsSelf: true},
			{NodeID: 2, Host: "candidate.local", Port: 5432, ReportedState: fsm.PreparePromotion},
		}
		Expect(lfsm.Converge(context.Background(), fsm.JoinSecondary, peers)).To(Succeed())
		Expect(pgctl.gucs["primary_conninfo"]).To(ContainSubstring("candidate.local"))
	})
})
