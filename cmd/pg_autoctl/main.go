// The pg_autoctl command is the single entrypoint for both roles of the
// system: `pg_autoctl monitor create` / `pg_autoctl monitor run` set up and
// start the monitor, while `pg_autoctl keeper create` / `pg_autoctl keeper
// run` set up and start a keeper.
package main

import (
	"errors"
	"os"

	"github.com/spf13/cobra"

	"github.com/hapostgres/pg-auto-failover-sub002/internal/cmd/keeper"
	"github.com/hapostgres/pg-auto-failover-sub002/internal/cmd/monitor"
	"github.com/hapostgres/pg-auto-failover-sub002/internal/cmd/ops"
	"github.com/hapostgres/pg-auto-failover-sub002/internal/cmd/show"
	"github.com/hapostgres/pg-auto-failover-sub002/pkg/log"
)

func main() {
	logFlags := &log.Flags{}

	root := &cobra.Command{
		Use:          "pg_autoctl [cmd]",
		Short:        "Automated failover orchestration for Postgres",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return logFlags.Configure()
		},
	}

	logFlags.AddFlags(root.PersistentFlags().StringVar)

	root.AddCommand(monitor.NewCmd())
	root.AddCommand(keeper.NewCmd())
	root.AddCommand(show.NewCmd())
	root.AddCommand(ops.NewCmd())

	if err := root.Execute(); err != nil {
		os.Exit(exitCodeFor(err))
	}
}

// exitCodeFor maps a top-level command failure onto spec.md §6's exit code
// table; cobra itself only distinguishes success/failure, so subcommands
// that want a specific code (2 bad config, 6 monitor, 8 keeper, ...) return
// an error implementing exitCoder; any other error exits with 1.
type exitCoder interface{ ExitCode() int }

func exitCodeFor(err error) int {
	var coded exitCoder
	if errors.As(err, &coded) {
		return coded.ExitCode()
	}
	return 1
}
