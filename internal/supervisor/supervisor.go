// Package supervisor implements C9: the process that runs one goroutine per
// registered sub-service, restarts permanent services with backoff, and
// owns the PID file, following the signal-handling shape of the teacher's
// instance run lifecycle (os/signal + syscall on SIGTERM/SIGINT/SIGHUP).
package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/hapostgres/pg-auto-failover-sub002/pkg/log"
	"github.com/hapostgres/pg-auto-failover-sub002/pkg/pidfile"
)

// Kind marks whether a child is restarted on exit.
type Kind int

const (
	// Permanent children are restarted on exit with exponential backoff.
	Permanent Kind = iota
	// Transient children are logged and left stopped on exit.
	Transient
)

// RestartWindow and RestartMaxDelay are spec.md §4.9's defaults: five exits
// inside this window causes the supervisor itself to exit.
const (
	RestartWindow   = 60 * time.Second
	RestartMaxDelay = 30 * time.Second
	maxExitsInWindow = 5
)

// Service is one sub-service the supervisor owns: the node-active loop, the
// Postgres control process, optionally the monitor's HTTP listener.
type Service struct {
	Name string
	Kind Kind
	// Run blocks until ctx is cancelled or the service exits on its own; a
	// non-nil return with ctx still live is treated as an unplanned exit.
	Run func(ctx context.Context) error
}

// ReloadFunc is invoked on SIGHUP; it re-reads configuration and applies
// the reloadable subset (spec.md §4.9).
type ReloadFunc func() error

// Supervisor runs a fixed set of Services, restarting Permanent ones on
// unplanned exit and propagating shutdown/reload signals.
type Supervisor struct {
	services      []Service
	reload        ReloadFunc
	pidFilePath   string
	dataDirectory string

	mu        sync.Mutex
	pidByName map[string]int
	exitTimes map[string][]time.Time
}

// New builds a Supervisor over services, persisting its PID file at
// pidFilePath.
func New(pidFilePath, dataDirectory string, reload ReloadFunc, services ...Service) *Supervisor {
	return &Supervisor{
		services:      services,
		reload:        reload,
		pidFilePath:   pidFilePath,
		dataDirectory: dataDirectory,
		pidByName:     make(map[string]int),
		exitTimes:     make(map[string][]time.Time),
	}
}

// Run acquires the PID file, starts every service, and blocks until ctx is
// cancelled or a restart-storm forces exit. It returns the exit code spec.md
// §6 names: 0 on clean shutdown, 8 ("keeper") on a restart-storm abort.
func (s *Supervisor) Run(ctx context.Context) (exitCode int, err error) {
	if _, err := pidfile.Acquire(s.pidFilePath, os.Getpid(), s.dataDirectory); err != nil {
		return 8, fmt.Errorf("acquiring pid file: %w", err)
	}
	defer func() {
		if releaseErr := pidfile.Release(s.pidFilePath, os.Getpid()); releaseErr != nil {
			log.Default().Warning("releasing pid file failed", "err", releaseErr)
		}
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	defer signal.Stop(signalChan)

	storm := make(chan string, 1)
	var wg sync.WaitGroup
	for _, svc := range s.services {
		s.startService(runCtx, &wg, svc, storm)
	}

	for {
		select {
		case <-runCtx.Done():
			wg.Wait()
			return 0, nil

		case sig := <-signalChan:
			switch sig {
			case syscall.SIGTERM, syscall.SIGINT:
				log.Default().Info("received shutdown signal", "signal", sig)
				cancel()
				wg.Wait()
				return 0, nil
			case syscall.SIGHUP:
				log.Default().Info("received SIGHUP, reloading configuration")
				if s.reload != nil {
					if err := s.reload(); err != nil {
						log.Default().Warning("configuration reload failed, keeping previous configuration", "err", err)
					}
				}
			}

		case name := <-storm:
			log.Default().Error(fmt.Errorf("service %q exited %d times within %s", name, maxExitsInWindow, RestartWindow), "BUG: restart storm, shutting down")
			cancel()
			wg.Wait()
			return 8, fmt.Errorf("permanent service %q restarted too many times", name)
		}
	}
}

func (s *Supervisor) startService(ctx context.Context, wg *sync.WaitGroup, svc Service, storm chan<- string) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.runWithRestart(ctx, svc, storm)
	}()
}

// runWithRestart runs svc.Run; if it is Permanent and exits while ctx is
// still live, it restarts with exponential backoff capped at
// RestartMaxDelay, signalling storm if it exits maxExitsInWindow times
// inside RestartWindow.
func (s *Supervisor) runWithRestart(ctx context.Context, svc Service, storm chan<- string) {
	b := backoff.NewExponentialBackOff()
	b.MaxInterval = RestartMaxDelay
	b.MaxElapsedTime = 0 // the supervisor itself bounds lifetime, not backoff

	for {
		s.setChildPID(svc.Name, os.Getpid())

		err := svc.Run(ctx)

		if ctx.Err() != nil {
			return // planned shutdown, not a restart candidate
		}
		if err != nil {
			log.Default().Warning("service exited", "service", svc.Name, "err", err)
		} else {
			log.Default().Info("service exited cleanly", "service", svc.Name)
		}

		if svc.Kind == Transient {
			return
		}

		if s.recordExitAndCheckStorm(svc.Name) {
			select {
			case storm <- svc.Name:
			default:
			}
			return
		}

		delay := b.NextBackOff()
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (s *Supervisor) setChildPID(name string, pid int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pidByName[name] = pid
	s.persistChildrenLocked()
}

func (s *Supervisor) persistChildrenLocked() {
	children := make([]pidfile.Child, 0, len(s.pidByName))
	for name, pid := range s.pidByName {
		children = append(children, pidfile.Child{Name: name, PID: pid})
	}
	if err := pidfile.UpdateChildren(s.pidFilePath, children); err != nil {
		log.Default().Warning("updating pid file children failed", "err", err)
	}
}

// recordExitAndCheckStorm appends now to name's exit history, prunes
// entries outside RestartWindow, and reports whether the service has now
// exited maxExitsInWindow times within the window.
func (s *Supervisor) recordExitAndCheckStorm(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-RestartWindow)

	kept := s.exitTimes[name][:0]
	for _, t := range s.exitTimes[name] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	s.exitTimes[name] = kept

	return len(kept) >= maxExitsInWindow
}
