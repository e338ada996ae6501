package monitor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/hapostgres/pg-auto-failover-sub002/pkg/fsm"
	"github.com/hapostgres/pg-auto-failover-sub002/pkg/log"
)

// InsertNode implements C1's insertNode: it creates the node row, assigning
// it a monotonic nodeId and, when desiredGroup is negative, group 0 (see
// nextGroupID). The row starts in fsm.Init; the caller (FSM.RegisterNode,
// in fsm.go) assigns the starting goal state right afterwards.
func (s *Store) InsertNode(
	ctx context.Context,
	formationID, host string, port int, nodeName string,
	desiredGroup int, kind string, priority int, quorum bool, sysID uint64,
) (nodeID int64, groupID int, err error) {
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		formation, ferr := getFormationTx(ctx, tx, formationID)
		if ferr != nil {
			return ferr
		}

		group := desiredGroup
		if group < 0 {
			group, ferr = nextGroupID(ctx, tx, formationID)
			if ferr != nil {
				return ferr
			}
		}

		if sysErr := checkSystemIdentifier(ctx, tx, formationID, group, sysID); sysErr != nil {
			return sysErr
		}

		row := tx.QueryRowContext(ctx, `
			INSERT INTO pgautofailover.node
				(formationid, groupid, nodename, nodehost, nodeport,
				 systemidentifier, reportedstate, goalstate,
				 candidatepriority, replicationquorum, nodecluster)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $7, $8, $9,
				(SELECT dbname FROM pgautofailover.formation WHERE formationid = $1))
			RETURNING nodeid`,
			formationID, group, nodeName, host, port, int64(sysID), string(fsm.Init), priority, quorum)

		if scanErr := row.Scan(&nodeID); scanErr != nil {
			if isUniqueViolation(scanErr) {
				return classifyUniqueViolation(scanErr)
			}
			return fmt.Errorf("inserting node: %w", scanErr)
		}
		groupID = group
		_ = formation
		return nil
	})
	return nodeID, groupID, err
}

func classifyUniqueViolation(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && strings.Contains(pqErr.Constraint, "nodename") {
		return fmt.Errorf("%w: %v", ErrDuplicateNodeName, err)
	}
	return fmt.Errorf("%w: %v", ErrDuplicateHostPort, err)
}

func nextGroupID(ctx context.Context, tx *sql.Tx, formationID string) (int, error) {
	var maxGroup sql.NullInt64
	row := tx.QueryRowContext(ctx,
		`SELECT MAX(groupid) FROM pgautofailover.node WHERE formationid = $1`, formationID)
	if err := row.Scan(&maxGroup); err != nil {
		return 0, fmt.Errorf("computing next group id: %w", err)
	}
	if !maxGroup.Valid {
		return 0, nil
	}
	// A new top-level group is only opened explicitly by the operator; by
	// default new nodes join group 0 of a pgsql formation.
	return 0, nil
}

// checkSystemIdentifier enforces invariant S: once any node in the group
// has ever reported a non-zero systemIdentifier, every other node (current
// or newly joining) must share it. Per SPEC_FULL.md's Open Question (c)
// resolution, a mismatch is refused, not merely warned.
func checkSystemIdentifier(ctx context.Context, tx *sql.Tx, formationID string, groupID int, sysID uint64) error {
	if sysID == 0 {
		return nil
	}
	rows, err := tx.QueryContext(ctx,
		`SELECT DISTINCT systemidentifier FROM pgautofailover.node
		   WHERE formationid = $1 AND groupid = $2 AND systemidentifier <> 0`,
		formationID, groupID)
	if err != nil {
		return fmt.Errorf("checking system identifier: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var existing int64
		if err := rows.Scan(&existing); err != nil {
			return fmt.Errorf("checking system identifier: %w", err)
		}
		if uint64(existing) != sysID {
			return ErrSystemIdentifierMismatch
		}
	}
	return rows.Err()
}

// SetReportedState implements C1's setReportedState: applied by the
// node-active RPC handler every time a keeper reports in.
func (s *Store) SetReportedState(
	ctx context.Context,
	nodeID int64, state fsm.State, pgIsRunning bool, syncState fsm.SyncState, tli int, lsn uint64,
) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pgautofailover.node
		   SET reportedstate = $2, pgisrunning = $3, pgsrsyncstate = $4,
		       reportedtli = $5, reportedlsn = $6,
		       reporttime = now(), walreporttime = now(),
		       statechangetime = CASE WHEN reportedstate <> $2 THEN now() ELSE statechangetime END
		 WHERE nodeid = $1`,
		nodeID, string(state), pgIsRunning, string(syncState), tli, int64(lsn))
	if err != nil {
		return fmt.Errorf("updating reported state for node %d: %w", nodeID, err)
	}
	return requireOneRowAffected(res, nodeID)
}

// SetGoalState implements C1's setGoalState, writing one node's assigned
// state and an explanatory message. Multi-node writes go through
// SetGoalStates (below) inside a single transaction, to preserve invariant
// W (spec.md §4.1: "state transitions that affect multiple peers must be
// issued in a single transaction").
func (s *Store) SetGoalState(ctx context.Context, nodeID int64, state fsm.State, message string) error {
	return s.SetGoalStates(ctx, []GoalStateWrite{{NodeID: nodeID, State: state, Message: message}})
}

// GoalStateWrite is one row of a batched, atomic goal-state assignment.
type GoalStateWrite struct {
	NodeID  int64
	State   fsm.State
	Message string
}

// SetGoalStates writes every entry in writes inside a single transaction,
// appending one event per row (C5), and publishes on the `state` channel
// only after the transaction commits (spec.md §5: "notifications ... are
// published in commit order").
func (s *Store) SetGoalStates(ctx context.Context, writes []GoalStateWrite) error {
	if len(writes) == 0 {
		return nil
	}

	var toNotify []Node
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, w := range writes {
			res, err := tx.ExecContext(ctx, `
				UPDATE pgautofailover.node SET goalstate = $2 WHERE nodeid = $1`,
				w.NodeID, string(w.State))
			if err != nil {
				return fmt.Errorf("updating goal state for node %d: %w", w.NodeID, err)
			}
			if err := requireOneRowAffected(res, w.NodeID); err != nil {
				return err
			}

			node, err := getNodeTx(ctx, tx, w.NodeID)
			if err != nil {
				return err
			}
			if err := appendEventTx(ctx, tx, node, w.Message); err != nil {
				return err
			}
			toNotify = append(toNotify, node)
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, n := range toNotify {
		if err := s.notifyStateChange(ctx, n); err != nil {
			// Notification loss is non-fatal: durability lives in the
			// event table (spec.md §4.5), so we log and continue.
			log.Default().Warning("state notification failed", "nodeId", n.NodeID, "err", err)
		}
	}
	return nil
}

// UpdateHealth implements C3's contract on C1: updateHealth(nodeId, state).
func (s *Store) UpdateHealth(ctx context.Context, nodeID int64, health fsm.Health) (changed bool, err error) {
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var previous string
		row := tx.QueryRowContext(ctx, `SELECT health FROM pgautofailover.node WHERE nodeid = $1 FOR UPDATE`, nodeID)
		if scanErr := row.Scan(&previous); scanErr != nil {
			if errors.Is(scanErr, sql.ErrNoRows) {
				return ErrNodeNotFound
			}
			return fmt.Errorf("reading health for node %d: %w", nodeID, scanErr)
		}
		if fsm.Health(previous) == health {
			changed = false
			return nil
		}

		if _, execErr := tx.ExecContext(ctx, `
			UPDATE pgautofailover.node SET health = $2, healthchecktime = now() WHERE nodeid = $1`,
			nodeID, string(health)); execErr != nil {
			return fmt.Errorf("updating health for node %d: %w", nodeID, execErr)
		}

		node, getErr := getNodeTx(ctx, tx, nodeID)
		if getErr != nil {
			return getErr
		}
		if err := appendEventTx(ctx, tx, node, fmt.Sprintf("health check transitioned to %s", health)); err != nil {
			return err
		}
		changed = true
		return nil
	})
	return changed, err
}

// ListGroup implements C1's listGroup, returning nodes ordered by nodeId.
func (s *Store) ListGroup(ctx context.Context, formationID string, groupID int) ([]Node, error) {
	rows, err := s.db.QueryContext(ctx, nodeSelectColumns+`
		FROM pgautofailover.node
		WHERE formationid = $1 AND groupid = $2
		ORDER BY nodeid`, formationID, groupID)
	if err != nil {
		return nil, fmt.Errorf("listing group %s/%d: %w", formationID, groupID, err)
	}
	defer rows.Close()
	return scanNodes(rows)
}

// GetPrimary implements C1's getPrimary: the node in the group whose
// reported state is in the Writable set.
func (s *Store) GetPrimary(ctx context.Context, formationID string, groupID int) (Node, error) {
	nodes, err := s.ListGroup(ctx, formationID, groupID)
	if err != nil {
		return Node{}, err
	}
	for _, n := range nodes {
		if n.ReportedState.IsWritable() {
			return n, nil
		}
	}
	return Node{}, ErrNodeNotFound
}

// GetNodeByID looks a node up by its primary key.
func (s *Store) GetNodeByID(ctx context.Context, nodeID int64) (Node, error) {
	row := s.db.QueryRowContext(ctx, nodeSelectColumns+`
		FROM pgautofailover.node WHERE nodeid = $1`, nodeID)
	return scanNode(row)
}

// GetNodeByHostPort looks a node up by its (host, port) unique key, used by
// the RPC handlers that address a node by host and port; perform_failover
// addresses a formation and group instead.
func (s *Store) GetNodeByHostPort(ctx context.Context, host string, port int) (Node, error) {
	row := s.db.QueryRowContext(ctx, nodeSelectColumns+`
		FROM pgautofailover.node WHERE nodehost = $1 AND nodeport = $2`, host, port)
	return scanNode(row)
}

// RemoveNode implements remove_node, deleting the row. The FSM caller is
// responsible for first ensuring the removal does not violate invariant W
// (e.g. refusing to remove the sole writable node of a group with no peer).
func (s *Store) RemoveNode(ctx context.Context, nodeID int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM pgautofailover.node WHERE nodeid = $1`, nodeID)
	if err != nil {
		return fmt.Errorf("removing node %d: %w", nodeID, err)
	}
	return requireOneRowAffected(res, nodeID)
}

// SetCandidatePriority and SetReplicationQuorum implement the two
// set_node_* RPCs of §6. Both changes are applied under apply_settings
// (see fsm.go), so they only persist the raw value here.
func (s *Store) SetCandidatePriority(ctx context.Context, nodeID int64, priority int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE pgautofailover.node SET candidatepriority = $2 WHERE nodeid = $1`, nodeID, priority)
	if err != nil {
		return fmt.Errorf("setting candidate priority for node %d: %w", nodeID, err)
	}
	return requireOneRowAffected(res, nodeID)
}

func (s *Store) SetReplicationQuorum(ctx context.Context, nodeID int64, quorum bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE pgautofailover.node SET replicationquorum = $2 WHERE nodeid = $1`, nodeID, quorum)
	if err != nil {
		return fmt.Errorf("setting replication quorum for node %d: %w", nodeID, err)
	}
	return requireOneRowAffected(res, nodeID)
}

func requireOneRowAffected(res sql.Result, nodeID int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected for node %d: %w", nodeID, err)
	}
	if n == 0 {
		return ErrNodeNotFound
	}
	return nil
}

const nodeSelectColumns = `
	SELECT nodeid, formationid, groupid, nodename, nodehost, nodeport,
	       systemidentifier, reportedstate, goalstate, pgisrunning,
	       pgsrsyncstate, reporttime, walreporttime, health, healthchecktime,
	       statechangetime, reportedtli, reportedlsn, candidatepriority,
	       replicationquorum, nodecluster`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNode(row rowScanner) (Node, error) {
	var (
		n                     Node
		sysID                 int64
		reportedState         string
		goalState             string
		syncState             string
		health                string
		lsn                   int64
	)
	err := row.Scan(
		&n.NodeID, &n.FormationID, &n.GroupID, &n.NodeName, &n.NodeHost, &n.NodePort,
		&sysID, &reportedState, &goalState, &n.PgIsRunning,
		&syncState, &n.ReportTime, &n.WalReportTime, &health, &n.HealthCheckTime,
		&n.StateChangeTime, &n.ReportedTLI, &lsn, &n.CandidatePriority,
		&n.ReplicationQuorum, &n.NodeCluster,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Node{}, ErrNodeNotFound
		}
		return Node{}, fmt.Errorf("scanning node row: %w", err)
	}
	n.SystemIdentifier = uint64(sysID)
	n.ReportedState = fsm.State(reportedState)
	n.GoalState = fsm.State(goalState)
	n.PgsrSyncState = fsm.SyncState(syncState)
	n.Health = fsm.Health(health)
	n.ReportedLSN = uint64(lsn)
	return n, nil
}

func scanNodes(rows *sql.Rows) ([]Node, error) {
	var nodes []Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

func getNodeTx(ctx context.Context, tx *sql.Tx, nodeID int64) (Node, error) {
	row := tx.QueryRowContext(ctx, nodeSelectColumns+`
		FROM pgautofailover.node WHERE nodeid = $1`, nodeID)
	return scanNode(row)
}
