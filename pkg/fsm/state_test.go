package fsm_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/hapostgres/pg-auto-failover-sub002/pkg/fsm"
)

var _ = Describe("replication state set", func() {
	It("contains exactly the 22 states named in the specification", func() {
		Expect(fsm.AllStates).To(HaveLen(22))
	})

	It("validates only known states", func() {
		Expect(fsm.State("primary").IsValid()).To(BeTrue())
		Expect(fsm.State("bogus").IsValid()).To(BeFalse())
	})

	DescribeTable("writability (invariant W membership)",
		func(s fsm.State, writable bool) {
			Expect(s.IsWritable()).To(Equal(writable))
		},
		Entry("single", fsm.Single, true),
		Entry("wait_primary", fsm.WaitPrimary, true),
		Entry("primary", fsm.Primary, true),
		Entry("join_primary", fsm.JoinPrimary, true),
		Entry("apply_settings", fsm.ApplySettings, true),
		Entry("secondary", fsm.Secondary, false),
		Entry("catchingup", fsm.CatchingUp, false),
		Entry("demoted", fsm.Demoted, false),
	)

	DescribeTable("promotion participation (§4.4.3)",
		func(s fsm.State, participating bool) {
			Expect(s.IsParticipatingInPromotion()).To(Equal(participating))
		},
		Entry("report_lsn", fsm.ReportLSN, true),
		Entry("fast_forward", fsm.FastForward, true),
		Entry("prepare_promotion", fsm.PreparePromotion, true),
		Entry("stop_replication", fsm.StopReplication, true),
		Entry("wait_primary", fsm.WaitPrimary, true),
		Entry("join_secondary", fsm.JoinSecondary, true),
		Entry("secondary", fsm.Secondary, false),
		Entry("primary", fsm.Primary, false),
	)

	DescribeTable("streaming from the new primary is refused during fast_forward",
		func(candidateState fsm.State, canStream bool) {
			Expect(fsm.CanStreamFromNewPrimary(candidateState)).To(Equal(canStream))
		},
		Entry("report_lsn", fsm.ReportLSN, false),
		Entry("fast_forward", fsm.FastForward, false),
		Entry("prepare_promotion", fsm.PreparePromotion, true),
		Entry("stop_replication", fsm.StopReplication, true),
		Entry("wait_primary", fsm.WaitPrimary, true),
		Entry("primary", fsm.Primary, true),
	)
})
