package statefile_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/hapostgres/pg-auto-failover-sub002/pkg/fsm"
	"github.com/hapostgres/pg-auto-failover-sub002/pkg/statefile"
)

func TestStatefile(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "statefile suite")
}

var _ = Describe("state file round-trip (testable property STATE FILE ROUND-TRIP)", func() {
	It("round-trips every valid state record", func() {
		s := statefile.State{
			Version:              statefile.CurrentVersion,
			CurrentRole:          fsm.Secondary,
			AssignedRole:         fsm.Secondary,
			CurrentNodeID:        42,
			CurrentGroup:         3,
			PgIsRunning:          true,
			LastMonitorContact:   1700000000,
			LastSecondaryContact: 1700000005,
		}

		data, err := statefile.Serialise(s)
		Expect(err).NotTo(HaveOccurred())

		got, err := statefile.Parse(data)
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(Equal(s))
	})

	It("rejects a truncated file", func() {
		_, err := statefile.Parse([]byte{0x01, 0x02, 0x03})
		Expect(err).To(MatchError(statefile.ErrTruncated))
	})

	It("rejects a wrong-version file with a specific error", func() {
		s := statefile.State{Version: 99, CurrentRole: fsm.Init, AssignedRole: fsm.Init}
		data, err := statefile.Serialise(s)
		Expect(err).NotTo(HaveOccurred())

		_, err = statefile.Parse(data)
		Expect(err).To(MatchError(statefile.ErrWrongVersion))
	})

	It("rejects non-zero padding", func() {
		s := statefile.State{Version: statefile.CurrentVersion, CurrentRole: fsm.Init, AssignedRole: fsm.Init}
		data, err := statefile.Serialise(s)
		Expect(err).NotTo(HaveOccurred())

		// Layout: version(4) currentCode(4) assignedCode(4) nodeID(8) group(4)
		// running(1) pad(3) ... — padding occupies bytes [25:28).
		corrupted := append([]byte(nil), data...)
		corrupted[25] = 0xFF

		_, err = statefile.Parse(corrupted)
		Expect(err).To(MatchError(statefile.ErrBadPadding))
	})

	It("persists to and loads back from disk atomically", func() {
		dir := GinkgoT().TempDir()
		path := dir + "/pg_autoctl.state"

		s := statefile.State{
			CurrentRole:   fsm.Primary,
			AssignedRole:  fsm.Primary,
			CurrentNodeID: 1,
			CurrentGroup:  0,
			PgIsRunning:   true,
		}
		Expect(statefile.Save(path, s)).To(Succeed())

		got, err := statefile.Load(path)
		Expect(err).NotTo(HaveOccurred())
		Expect(got.CurrentRole).To(Equal(fsm.Primary))
		Expect(got.Version).To(Equal(statefile.CurrentVersion))
	})
})
