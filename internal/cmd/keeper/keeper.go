// Package keeper wires the `pg_autoctl` CLI's "keeper" sub-commands:
// create, and run.
package keeper

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/blang/semver"
	"github.com/sethvargo/go-password/password"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/hapostgres/pg-auto-failover-sub002/internal/config"
	internalkeeper "github.com/hapostgres/pg-auto-failover-sub002/internal/keeper"
	"github.com/hapostgres/pg-auto-failover-sub002/internal/supervisor"
	"github.com/hapostgres/pg-auto-failover-sub002/pkg/fsm"
	"github.com/hapostgres/pg-auto-failover-sub002/pkg/log"
	"github.com/hapostgres/pg-auto-failover-sub002/pkg/statefile"
)

// NewCmd builds the "keeper" command group.
func NewCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keeper",
		Short: "Manage a Postgres node driven by the monitor",
	}
	cmd.AddCommand(newCreateCmd())
	cmd.AddCommand(newRunCmd())
	return cmd
}

type keeperOptions struct {
	pgdata       string
	pgctlBinary  string
	monitorURI   string
	formation    string
	name         string
	hostname     string
	port         int
	group        int
	priority     int
	quorum       bool
	configPath   string
	statePath    string
	pidPath      string
}

func bindKeeperFlags(flags *pflag.FlagSet, opts *keeperOptions) {
	flags.StringVar(&opts.pgdata, "pgdata", "", "Postgres data directory")
	flags.StringVar(&opts.pgctlBinary, "pg-ctl", "pg_ctl", "path to the pg_ctl binary")
	flags.StringVar(&opts.monitorURI, "monitor", "", "monitor base URL, e.g. http://monitor:6000")
	flags.StringVar(&opts.formation, "formation", "default", "formation to join")
	flags.StringVar(&opts.name, "name", "", "this node's name")
	flags.StringVar(&opts.hostname, "hostname", "", "this node's advertised hostname")
	flags.IntVar(&opts.port, "pgport", 5432, "Postgres port")
	flags.IntVar(&opts.group, "group", -1, "group id, -1 to auto-assign")
	flags.IntVar(&opts.priority, "candidate-priority", 50, "promotion candidate priority")
	flags.BoolVar(&opts.quorum, "replication-quorum", true, "count this node in the synchronous quorum")
	flags.StringVar(&opts.configPath, "config", "", "path to pg_autoctl.ini")
	flags.StringVar(&opts.statePath, "state", "", "path to the keeper state file")
	flags.StringVar(&opts.pidPath, "pid-file", "", "path to the supervisor pid file")
}

func defaultPaths(opts *keeperOptions) {
	if opts.configPath == "" {
		opts.configPath = filepath.Join(opts.pgdata, "pg_autoctl.ini")
	}
	if opts.statePath == "" {
		opts.statePath = filepath.Join(opts.pgdata, "pg_autoctl.state")
	}
	if opts.pidPath == "" {
		opts.pidPath = filepath.Join(opts.pgdata, "pg_autoctl.pid")
	}
}

func newCreateCmd() *cobra.Command {
	var opts keeperOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register this node with the monitor and write its configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			defaultPaths(&opts)
			return runCreate(cmd.Context(), opts)
		},
	}
	bindKeeperFlags(cmd.Flags(), &opts)
	return cmd
}

func runCreate(ctx context.Context, opts keeperOptions) error {
	if opts.pgdata == "" || opts.monitorURI == "" {
		return fmt.Errorf("bad config: --pgdata and --monitor are required")
	}

	replicationPassword, err := password.Generate(32, 8, 0, false, false)
	if err != nil {
		return fmt.Errorf("generating replication password: %w", err)
	}

	client := internalkeeper.NewMonitorClient(opts.monitorURI, 10*time.Second)
	req := internalkeeper.RegisterNodeRequest{
		Formation:    opts.formation,
		Host:         opts.hostname,
		Port:         opts.port,
		NodeName:     opts.name,
		DesiredGroup: opts.group,
		Priority:     opts.priority,
		Quorum:       opts.quorum,
	}
	// A concurrent registration on the monitor is retried after one keeper
	// tick (5s), for at most PingRetryTimeout (15m).
	deadline := time.Now().Add(15 * time.Minute)
	result, err := client.RegisterNode(ctx, req)
	for err == internalkeeper.ErrRegistrationInProgress && time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
		}
		result, err = client.RegisterNode(ctx, req)
	}
	if err != nil {
		return fmt.Errorf("registering node with monitor: %w", err)
	}

	cfg := config.Default()
	cfg.PgAutoctl.Role = config.RoleKeeper
	cfg.PgAutoctl.Monitor = opts.monitorURI
	cfg.PgAutoctl.Formation = opts.formation
	cfg.PgAutoctl.Group = result.GroupID
	cfg.PgAutoctl.Name = opts.name
	cfg.PgAutoctl.Hostname = opts.hostname
	cfg.Postgres.PGData = opts.pgdata
	cfg.Postgres.PgCtl = opts.pgctlBinary
	cfg.Postgres.Port = opts.port
	cfg.Replication.Slot = config.ReplicationSlotName(result.NodeID)
	cfg.Replication.Password = replicationPassword

	if err := config.WriteFile(opts.configPath, cfg); err != nil {
		return fmt.Errorf("writing configuration: %w", err)
	}

	st := statefile.State{
		CurrentRole:   fsm.Init,
		AssignedRole:  result.AssignedState,
		CurrentNodeID: result.NodeID,
		CurrentGroup:  int32(result.GroupID),
	}
	if err := statefile.Save(opts.statePath, st); err != nil {
		return fmt.Errorf("writing state file: %w", err)
	}

	log.Default().Info("node registered", "nodeId", result.NodeID, "groupId", result.GroupID, "assigned", result.AssignedState)
	return nil
}

func newRunCmd() *cobra.Command {
	var opts keeperOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the node-active loop and the local Postgres control supervisor",
		RunE: func(cmd *cobra.Command, args []string) error {
			defaultPaths(&opts)
			return runKeeper(cmd.Context(), opts)
		},
	}
	bindKeeperFlags(cmd.Flags(), &opts)
	return cmd
}

func runKeeper(ctx context.Context, opts keeperOptions) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("bad config: %w", err)
	}

	pgctl := internalkeeper.NewExecPgCtl(cfg.Postgres.PgCtl, cfg.Postgres.PGData, cfg.Postgres.Port)
	sqlClient := internalkeeper.NewLazySqlClient(localConnString(cfg))

	pgVersion := semver.MustParse("15.0.0")
	localFSM := internalkeeper.NewLocalFSM(pgctl, sqlClient, cfg, pgVersion)

	client := internalkeeper.NewMonitorClient(cfg.PgAutoctl.Monitor, 10*time.Second)
	loop, err := internalkeeper.NewLoop(internalkeeper.LoopConfig{
		Config: cfg, Monitor: client, PgCtl: pgctl, SqlClient: sqlClient,
		LocalFSM: localFSM, StatePath: opts.statePath,
	})
	if err != nil {
		return fmt.Errorf("bad state: %w", err)
	}

	// reload re-reads the configuration file into cfg on SIGHUP. localFSM
	// and loop were built from the earlier value and keep using it, and
	// Postgres itself is not reloaded.
	reload := func() error {
		next, err := config.Reload(cfg, opts.configPath)
		if err != nil {
			return err
		}
		cfg = next
		return nil
	}

	sup := supervisor.New(opts.pidPath, cfg.Postgres.PGData, reload,
		supervisor.Service{
			Name: "node-active",
			Kind: supervisor.Permanent,
			Run:  loop.Run,
		},
	)

	code, err := sup.Run(ctx)
	if err != nil {
		return &exitError{code: code, err: err}
	}
	return nil
}

func localConnString(cfg config.Config) string {
	return fmt.Sprintf("host=%s port=%d user=%s dbname=%s sslmode=disable",
		cfg.Postgres.Host, cfg.Postgres.Port, cfg.Postgres.Username, cfg.Postgres.DBName)
}

// exitError carries spec.md §6's keeper exit code (8) through cobra's
// RunE without importing os in this package.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }
func (e *exitError) ExitCode() int { return e.code }
