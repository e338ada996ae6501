package supervisor_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/hapostgres/pg-auto-failover-sub002/internal/supervisor"
	"github.com/hapostgres/pg-auto-failover-sub002/pkg/pidfile"
)

func TestSupervisor(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "supervisor suite")
}

var _ = Describe("Supervisor.Run", func() {
	var (
		pidPath string
		dataDir string
	)

	BeforeEach(func() {
		dataDir = GinkgoT().TempDir()
		pidPath = filepath.Join(dataDir, "pg_autoctl.pid")
	})

	It("acquires and releases the pid file across a clean shutdown", func() {
		sup := supervisor.New(pidPath, dataDir, nil,
			supervisor.Service{
				Name: "noop",
				Kind: supervisor.Transient,
				Run: func(ctx context.Context) error {
					<-ctx.Done()
					return nil
				},
			},
		)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		var code int
		var runErr error
		go func() {
			code, runErr = sup.Run(ctx)
			close(done)
		}()

		Eventually(func() error {
			_, err := pidfile.Load(pidPath)
			return err
		}).Should(Succeed())

		cancel()
		Eventually(done).Should(BeClosed())
		Expect(runErr).NotTo(HaveOccurred())
		Expect(code).To(Equal(0))

		_, err := pidfile.Load(pidPath)
		Expect(err).To(HaveOccurred())
	})

	It("restarts a permanent service that exits on its own", func() {
		var runs int32

		sup := supervisor.New(pidPath, dataDir, nil,
			supervisor.Service{
				Name: "flaky",
				Kind: supervisor.Permanent,
				Run: func(ctx context.Context) error {
					atomic.AddInt32(&runs, 1)
					return errors.New("boom")
				},
			},
		)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		done := make(chan struct{})
		go func() {
			sup.Run(ctx)
			close(done)
		}()

		Eventually(func() int32 { return atomic.LoadInt32(&runs) }, 5*time.Second).Should(BeNumerically(">=", 2))

		cancel()
		Eventually(done, 5*time.Second).Should(BeClosed())
	})

	It("aborts with exit code 8 after a restart storm", func() {
		sup := supervisor.New(pidPath, dataDir, nil,
			supervisor.Service{
				Name: "stormy",
				Kind: supervisor.Permanent,
				Run: func(ctx context.Context) error {
					return errors.New("immediate exit")
				},
			},
		)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		codeCh := make(chan int, 1)
		errCh := make(chan error, 1)
		go func() {
			code, err := sup.Run(ctx)
			codeCh <- code
			errCh <- err
		}()

		Eventually(codeCh, 30*time.Second).Should(Receive(Equal(8)))
		Expect(<-errCh).To(HaveOccurred())
	})

	It("invokes the reload callback on SIGHUP", func() {
		var reloaded atomic.Bool
		reload := func() error {
			reloaded.Store(true)
			return nil
		}

		sup := supervisor.New(pidPath, dataDir, reload,
			supervisor.Service{
				Name: "noop",
				Kind: supervisor.Transient,
				Run: func(ctx context.Context) error {
					<-ctx.Done()
					return nil
				},
			},
		)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			sup.Run(ctx)
			close(done)
		}()

		Eventually(func() error {
			_, err := pidfile.Load(pidPath)
			return err
		}).Should(Succeed())

		proc, err := os.FindProcess(os.Getpid())
		Expect(err).NotTo(HaveOccurred())
		Expect(proc.Signal(syscall.SIGHUP)).To(Succeed())

		Eventually(reloaded.Load).Should(BeTrue())

		cancel()
		Eventually(done).Should(BeClosed())
	})
})
