// Package monitor wires the `pg_autoctl` CLI's "monitor" sub-commands:
// create, and run. Grounded on the teacher's internal/cmd/manager
// subcommand packages, each exposing a NewCmd() *cobra.Command.
package monitor

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	internalmonitor "github.com/hapostgres/pg-auto-failover-sub002/internal/monitor"
	"github.com/hapostgres/pg-auto-failover-sub002/pkg/log"
)

// NewCmd builds the "monitor" command group.
func NewCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Manage the pg_auto_failover monitor",
	}
	cmd.AddCommand(newCreateCmd())
	cmd.AddCommand(newRunCmd())
	return cmd
}

type createOptions struct {
	monitorURI  string
	listenAddr  string
}

func newCreateCmd() *cobra.Command {
	var opts createOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Initialise the monitor's backing database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCreate(cmd.Context(), opts)
		},
	}
	bindMonitorFlags(cmd.Flags(), &opts)
	return cmd
}

func bindMonitorFlags(flags *pflag.FlagSet, opts *createOptions) {
	flags.StringVar(&opts.monitorURI, "pgdata-uri", os.Getenv("PG_AUTOCTL_MONITOR"),
		"connection string for the monitor's own Postgres database")
	flags.StringVar(&opts.listenAddr, "listen", ":6000", "address the monitor RPC server listens on")
}

func runCreate(ctx context.Context, opts createOptions) error {
	if opts.monitorURI == "" {
		return fmt.Errorf("bad config: --pgdata-uri or PG_AUTOCTL_MONITOR must be set")
	}
	store, err := internalmonitor.Open(ctx, opts.monitorURI)
	if err != nil {
		return fmt.Errorf("creating monitor: %w", err)
	}
	defer store.Close()

	log.Default().Info("monitor schema ready", "uri", opts.monitorURI)
	return nil
}

func newRunCmd() *cobra.Command {
	var opts createOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the monitor RPC server, health prober and event log",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMonitor(cmd.Context(), opts)
		},
	}
	bindMonitorFlags(cmd.Flags(), &opts)
	return cmd
}

func runMonitor(ctx context.Context, opts createOptions) error {
	store, err := internalmonitor.Open(ctx, opts.monitorURI)
	if err != nil {
		return fmt.Errorf("monitor: %w", err)
	}
	defer store.Close()

	f := internalmonitor.NewFSM(store, internalmonitor.DefaultFSMConfig())
	metrics := internalmonitor.NewMetrics(store, prometheus.DefaultRegisterer)
	server := internalmonitor.NewServer(store, f, metrics)
	prober := internalmonitor.NewProber(store, internalmonitor.DefaultHealthConfig())

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-signalChan
		log.Default().Info("shutting down monitor")
		cancel()
	}()

	httpServer := &http.Server{Addr: opts.listenAddr, Handler: server}
	errCh := make(chan error, 2)

	go func() {
		log.Default().Info("monitor RPC server listening", "addr", opts.listenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("RPC server: %w", err)
		}
	}()
	go func() {
		if err := prober.Run(runCtx); err != nil {
			errCh <- fmt.Errorf("health prober: %w", err)
		}
	}()

	select {
	case <-runCtx.Done():
		_ = httpServer.Shutdown(context.Background())
		return nil
	case err := <-errCh:
		cancel()
		_ = httpServer.Shutdown(context.Background())
		return err
	}
}
