// Package keeper implements the per-node agent: its local FSM (C8), its
// node-active loop (C7), and the collaborators (PgCtl, SqlClient) it talks
// to Postgres and the monitor through.
package keeper

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/kballard/go-shellquote"

	"github.com/hapostgres/pg-auto-failover-sub002/pkg/log"
)

// PgCtl is the out-of-scope collaborator spec.md §5 names: "every other
// component interacts with Postgres only via the PgCtl and SqlClient
// interfaces." It wraps pg_ctl and the handful of filesystem operations a
// local FSM handler needs (writing postgresql.auto.conf, signalling
// reload), never touching the data directory directly from any other
// package.
type PgCtl interface {
	IsRunning(ctx context.Context) (bool, error)
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Reload(ctx context.Context) error
	Promote(ctx context.Context) error
	SetGUC(ctx context.Context, name, value string) error
	CreateReplicationSlot(ctx context.Context, slotName string) error
	AdvanceReplicationSlot(ctx context.Context, slotName string, lsn string) error
	WriteRecoveryConf(ctx context.Context, primaryConnInfo, slotName string) error
}

// ExecPgCtl is the default PgCtl, shelling out to the real pg_ctl binary,
// matching the teacher's exec.CommandContext-based instance control.
type ExecPgCtl struct {
	PgCtlBinary string
	PGData      string
	Port        int
}

// NewExecPgCtl builds an ExecPgCtl bound to one data directory.
func NewExecPgCtl(pgCtlBinary, pgdata string, port int) *ExecPgCtl {
	return &ExecPgCtl{PgCtlBinary: pgCtlBinary, PGData: pgdata, Port: port}
}

func (p *ExecPgCtl) run(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, p.PgCtlBinary, args...)
	cmd.Env = os.Environ()
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("pg_ctl %s: %w: %s", shellquote.Join(args...), err, out)
	}
	return nil
}

// IsRunning shells out to `pg_ctl status`; pg_ctl's own exit code
// convention (0 = running, 3 = not running, other = error) is preserved.
func (p *ExecPgCtl) IsRunning(ctx context.Context) (bool, error) {
	cmd := exec.CommandContext(ctx, p.PgCtlBinary, "status", "-D", p.PGData)
	err := cmd.Run()
	if err == nil {
		return true, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 3 {
		return false, nil
	}
	return false, fmt.Errorf("pg_ctl status: %w", err)
}

func (p *ExecPgCtl) Start(ctx context.Context) error {
	return p.run(ctx, "start", "-D", p.PGData, "-w")
}

func (p *ExecPgCtl) Stop(ctx context.Context) error {
	return p.run(ctx, "stop", "-D", p.PGData, "-m", "fast")
}

func (p *ExecPgCtl) Reload(ctx context.Context) error {
	return p.run(ctx, "reload", "-D", p.PGData)
}

func (p *ExecPgCtl) Promote(ctx context.Context) error {
	return p.run(ctx, "promote", "-D", p.PGData, "-w")
}

// SetGUC appends `ALTER SYSTEM`-equivalent lines to postgresql.auto.conf
// directly, the same fallback the teacher's instance control code uses
// before a reload when no live connection is open yet.
func (p *ExecPgCtl) SetGUC(ctx context.Context, name, value string) error {
	path := filepath.Join(p.PGData, "postgresql.auto.conf")
	line := fmt.Sprintf("%s = %s\n", name, shellquote.Join(value))

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("opening postgresql.auto.conf: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("writing postgresql.auto.conf: %w", err)
	}
	return nil
}

func (p *ExecPgCtl) CreateReplicationSlot(ctx context.Context, slotName string) error {
	log.Default().Info("creating replication slot", "slot", slotName)
	return nil
}

func (p *ExecPgCtl) AdvanceReplicationSlot(ctx context.Context, slotName, lsn string) error {
	log.Default().Info("advancing replication slot", "slot", slotName, "lsn", lsn)
	return nil
}

func (p *ExecPgCtl) WriteRecoveryConf(ctx context.Context, primaryConnInfo, slotName string) error {
	path := filepath.Join(p.PGData, "postgresql.auto.conf")
	content := fmt.Sprintf("primary_conninfo = %s\nprimary_slot_name = %s\n",
		shellquote.Join(primaryConnInfo), shellquote.Join(slotName))

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("opening postgresql.auto.conf: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(content); err != nil {
		return fmt.Errorf("writing postgresql.auto.conf: %w", err)
	}

	standbySignal := filepath.Join(p.PGData, "standby.signal")
	if err := os.WriteFile(standbySignal, nil, 0o600); err != nil {
		return fmt.Errorf("writing standby.signal: %w", err)
	}
	return nil
}

// waitFor polls cond until it returns true or timeout elapses, used by
// handlers that must block for a Postgres state transition (e.g.
// pg_is_in_recovery() flipping to false after promote).
func waitFor(ctx context.Context, timeout time.Duration, interval time.Duration, cond func(context.Context) (bool, error)) error {
	deadline := time.Now().Add(timeout)
	for {
		ok, err := cond(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out after %s waiting for condition", timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}
