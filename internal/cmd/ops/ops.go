// Package ops wires the `pg_autoctl` CLI's day-2 operator sub-commands:
// perform-failover, enable/disable maintenance, and the settings RPCs
// (candidate priority, replication quorum, number of sync standbys,
// remove-node). Each talks to the monitor's RPC surface over HTTP, the same
// client shape internal/keeper.MonitorClient uses for the keeper's own RPCs.
package ops

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// NewCmd builds the operator command group.
func NewCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ops",
		Short: "Day-2 operations: failover, maintenance, settings",
	}
	cmd.AddCommand(newPerformFailoverCmd())
	cmd.AddCommand(newMaintenanceCmd("enable-maintenance", "/start_maintenance"))
	cmd.AddCommand(newMaintenanceCmd("disable-maintenance", "/stop_maintenance"))
	cmd.AddCommand(newSetCandidatePriorityCmd())
	cmd.AddCommand(newSetReplicationQuorumCmd())
	cmd.AddCommand(newSetNumberSyncStandbysCmd())
	cmd.AddCommand(newRemoveNodeCmd())
	return cmd
}

type client struct {
	baseURL string
	http    *http.Client
}

func newClient(baseURL string) *client {
	return &client{baseURL: baseURL, http: &http.Client{Timeout: 30 * time.Second}}
}

func (c *client) post(ctx context.Context, path string, body any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	u, err := url.JoinPath(c.baseURL, path)
	if err != nil {
		return fmt.Errorf("building request URL: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(buf))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("calling monitor: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		return fmt.Errorf("monitor returned %d: %s", resp.StatusCode, apiErr.Error)
	}
	return nil
}

type commonOptions struct {
	monitorURI string
	formation  string
	host       string
	port       int
	group      int
}

func bindCommonFlags(flags *pflag.FlagSet, opts *commonOptions) {
	flags.StringVar(&opts.monitorURI, "monitor", os.Getenv("PG_AUTOCTL_MONITOR"), "monitor RPC base URL")
	flags.StringVar(&opts.formation, "formation", "default", "formation name")
	flags.StringVar(&opts.host, "host", "", "target node hostname")
	flags.IntVar(&opts.port, "pgport", 5432, "target node port")
	flags.IntVar(&opts.group, "group", 0, "target group id")
}

func requireMonitor(opts commonOptions) error {
	if opts.monitorURI == "" {
		return fmt.Errorf("bad config: --monitor or PG_AUTOCTL_MONITOR must be set")
	}
	return nil
}

func newPerformFailoverCmd() *cobra.Command {
	var opts commonOptions
	cmd := &cobra.Command{
		Use:   "perform-failover",
		Short: "Trigger a planned failover in one group",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireMonitor(opts); err != nil {
				return err
			}
			return newClient(opts.monitorURI).post(cmd.Context(), "/perform_failover", map[string]any{
				"formation": opts.formation, "group": opts.group,
			})
		},
	}
	bindCommonFlags(cmd.Flags(), &opts)
	return cmd
}

func newMaintenanceCmd(use, path string) *cobra.Command {
	var opts commonOptions
	cmd := &cobra.Command{
		Use:   use,
		Short: fmt.Sprintf("%s a node (%s)", use, path),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireMonitor(opts); err != nil {
				return err
			}
			return newClient(opts.monitorURI).post(cmd.Context(), path, map[string]any{
				"host": opts.host, "port": opts.port,
			})
		},
	}
	bindCommonFlags(cmd.Flags(), &opts)
	return cmd
}

func newSetCandidatePriorityCmd() *cobra.Command {
	var opts commonOptions
	var priority int
	cmd := &cobra.Command{
		Use:   "set-node-candidate-priority",
		Short: "Set a node's promotion candidate priority",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireMonitor(opts); err != nil {
				return err
			}
			return newClient(opts.monitorURI).post(cmd.Context(), "/set_node_candidate_priority", map[string]any{
				"host": opts.host, "port": opts.port, "candidatePriority": priority,
			})
		},
	}
	bindCommonFlags(cmd.Flags(), &opts)
	cmd.Flags().IntVar(&priority, "candidate-priority", 50, "new candidate priority, 0-100")
	return cmd
}

func newSetReplicationQuorumCmd() *cobra.Command {
	var opts commonOptions
	var quorum bool
	cmd := &cobra.Command{
		Use:   "set-node-replication-quorum",
		Short: "Set whether a node counts toward the synchronous quorum",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireMonitor(opts); err != nil {
				return err
			}
			return newClient(opts.monitorURI).post(cmd.Context(), "/set_node_replication_quorum", map[string]any{
				"host": opts.host, "port": opts.port, "replicationQuorum": quorum,
			})
		},
	}
	bindCommonFlags(cmd.Flags(), &opts)
	cmd.Flags().BoolVar(&quorum, "replication-quorum", true, "count this node in the synchronous quorum")
	return cmd
}

func newSetNumberSyncStandbysCmd() *cobra.Command {
	var opts commonOptions
	var n int
	cmd := &cobra.Command{
		Use:   "set-formation-number-sync-standbys",
		Short: "Set a formation's number_sync_standbys",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireMonitor(opts); err != nil {
				return err
			}
			return newClient(opts.monitorURI).post(cmd.Context(), "/set_formation_number_sync_standbys", map[string]any{
				"formation": opts.formation, "numberSyncStandbys": n,
			})
		},
	}
	bindCommonFlags(cmd.Flags(), &opts)
	cmd.Flags().IntVar(&n, "number-sync-standbys", 1, "minimum synchronous standbys required")
	return cmd
}

func newRemoveNodeCmd() *cobra.Command {
	var opts commonOptions
	cmd := &cobra.Command{
		Use:   "remove-node",
		Short: "Remove a node from its formation",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireMonitor(opts); err != nil {
				return err
			}
			return newClient(opts.monitorURI).post(cmd.Context(), "/remove_node", map[string]any{
				"host": opts.host, "port": opts.port,
			})
		},
	}
	bindCommonFlags(cmd.Flags(), &opts)
	return cmd
}
