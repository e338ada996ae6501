// Package show wires the `pg_autoctl` CLI's "show" sub-commands: state and
// events, rendering the monitor's registry as a table the way the teacher
// renders cluster status (cheynewallace/tabby, colored with
// logrusorgru/aurora when the assigned and reported states disagree).
package show

import (
	"context"
	"fmt"
	"os"

	"github.com/cheynewallace/tabby"
	"github.com/logrusorgru/aurora/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	internalmonitor "github.com/hapostgres/pg-auto-failover-sub002/internal/monitor"
)

// NewCmd builds the "show" command group.
func NewCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Display the current state of a formation",
	}
	cmd.AddCommand(newStateCmd())
	cmd.AddCommand(newEventsCmd())
	return cmd
}

type showOptions struct {
	monitorURI string
	formation  string
	count      int
}

func bindShowFlags(flags *pflag.FlagSet, opts *showOptions) {
	flags.StringVar(&opts.monitorURI, "pgdata-uri", os.Getenv("PG_AUTOCTL_MONITOR"),
		"connection string for the monitor's own Postgres database")
	flags.StringVar(&opts.formation, "formation", "default", "formation to display")
}

func newStateCmd() *cobra.Command {
	var opts showOptions
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Print the nodes of a formation and their replication states",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runState(cmd.Context(), opts)
		},
	}
	bindShowFlags(cmd.Flags(), &opts)
	return cmd
}

func newEventsCmd() *cobra.Command {
	var opts showOptions
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Print the formation's recent event log",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEvents(cmd.Context(), opts)
		},
	}
	bindShowFlags(cmd.Flags(), &opts)
	cmd.Flags().IntVar(&opts.count, "count", 10, "number of events to print")
	return cmd
}

func runState(ctx context.Context, opts showOptions) error {
	if opts.monitorURI == "" {
		return fmt.Errorf("bad config: --pgdata-uri or PG_AUTOCTL_MONITOR must be set")
	}
	store, err := internalmonitor.Open(ctx, opts.monitorURI)
	if err != nil {
		return fmt.Errorf("connecting to monitor: %w", err)
	}
	defer store.Close()

	groups, err := store.GroupIDs(ctx, opts.formation)
	if err != nil {
		return fmt.Errorf("listing groups: %w", err)
	}
	if len(groups) == 0 {
		fmt.Printf("formation %q has no registered nodes\n", opts.formation)
		return nil
	}

	t := tabby.New()
	t.AddHeader("Name", "Node", "Host:Port", "LSN", "Reported State", "Assigned State", "Health")

	for _, groupID := range groups {
		nodes, err := store.ListGroup(ctx, opts.formation, groupID)
		if err != nil {
			return fmt.Errorf("listing group %d: %w", groupID, err)
		}
		for _, n := range nodes {
			t.AddLine(
				n.NodeName,
				fmt.Sprintf("%d/%d", groupID, n.NodeID),
				fmt.Sprintf("%s:%d", n.NodeHost, n.NodePort),
				fmt.Sprintf("%d/%08X", n.ReportedLSN>>32, n.ReportedLSN&0xFFFFFFFF),
				colorState(string(n.ReportedState), n.ReportedState == n.GoalState),
				string(n.GoalState),
				colorHealth(string(n.Health)),
			)
		}
	}
	t.Print()
	return nil
}

func runEvents(ctx context.Context, opts showOptions) error {
	if opts.monitorURI == "" {
		return fmt.Errorf("bad config: --pgdata-uri or PG_AUTOCTL_MONITOR must be set")
	}
	store, err := internalmonitor.Open(ctx, opts.monitorURI)
	if err != nil {
		return fmt.Errorf("connecting to monitor: %w", err)
	}
	defer store.Close()

	events, err := store.ListEvents(ctx, opts.formation, opts.count)
	if err != nil {
		return fmt.Errorf("listing events: %w", err)
	}

	t := tabby.New()
	t.AddHeader("Event", "Time", "Node", "Description")
	for _, e := range events {
		t.AddLine(e.EventID, e.EventTime.Format("2006-01-02 15:04:05"), e.NodeID, e.Description)
	}
	t.Print()
	return nil
}

// colorState highlights a node's reported state in yellow when it has not
// yet converged to its assigned goal state.
func colorState(state string, converged bool) interface{} {
	if converged {
		return state
	}
	return aurora.Yellow(state)
}

func colorHealth(health string) interface{} {
	switch health {
	case "good":
		return aurora.Green(health)
	case "bad":
		return aurora.Red(health)
	default:
		return health
	}
}
