package pidfile_test

import (
	"os"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/hapostgres/pg-auto-failover-sub002/pkg/pidfile"
)

func TestPidfile(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "pidfile suite")
}

var _ = Describe("PID file", func() {
	It("round-trips supervisor pid, data directory, start time, children and semaphore id", func() {
		p := pidfile.New(1234, "/var/lib/postgresql/pgdata")
		p.StartTime = time.Unix(1700000000, 0)
		p.Children = []pidfile.Child{
			{Name: "node-active", PID: 1235},
			{Name: "postgres", PID: 1236},
		}

		got, err := pidfile.Parse(p.Serialise())
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(Equal(p))
	})

	It("rejects a file with too few lines", func() {
		_, err := pidfile.Parse([]byte("1234\n"))
		Expect(err).To(HaveOccurred())
	})

	It("refuses to start a second supervisor while the first is alive", func() {
		dir := GinkgoT().TempDir()
		path := dir + "/pg_autoctl.pid"

		// os.Getpid() of the test process is, by definition, alive.
		_, err := pidfile.Acquire(path, os.Getpid(), dir)
		Expect(err).NotTo(HaveOccurred())

		_, err = pidfile.Acquire(path, os.Getpid(), dir)
		Expect(err).To(MatchError(pidfile.ErrAlreadyRunning))
	})

	It("allows a new supervisor to take over a stale PID file", func() {
		dir := GinkgoT().TempDir()
		path := dir + "/pg_autoctl.pid"

		// A PID that is virtually certain not to exist.
		stale := pidfile.New(1, dir)
		stale.SupervisorPID = 999999
		Expect(pidfile.Save(path, stale)).To(Succeed())

		acquired, err := pidfile.Acquire(path, os.Getpid(), dir)
		Expect(err).NotTo(HaveOccurred())
		Expect(acquired.SupervisorPID).To(Equal(os.Getpid()))
	})

	It("updates the child list without disturbing supervisor identity", func() {
		dir := GinkgoT().TempDir()
		path := dir + "/pg_autoctl.pid"

		p := pidfile.New(os.Getpid(), dir)
		Expect(pidfile.Save(path, p)).To(Succeed())

		Expect(pidfile.UpdateChildren(path, []pidfile.Child{{Name: "postgres", PID: 42}})).To(Succeed())

		got, err := pidfile.Load(path)
		Expect(err).NotTo(HaveOccurred())
		Expect(got.SupervisorPID).To(Equal(p.SupervisorPID))
		Expect(got.SemaphoreID).To(Equal(p.SemaphoreID))
		Expect(got.Children).To(Equal([]pidfile.Child{{Name: "postgres", PID: 42}}))
	})
})
