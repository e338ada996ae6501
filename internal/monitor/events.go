package monitor

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hapostgres/pg-auto-failover-sub002/pkg/log"
)

// Event is one row of the append-only event log (C5), produced every time
// the monitor changes a node's reported or goal state. The description is
// the free-text message supplied by the write that produced the event.
type Event struct {
	EventID       int64
	EventTime     time.Time
	FormationID   string
	GroupID       int
	NodeID        int64
	NodeName      string
	NodePort      int
	ReportedState string
	GoalState     string
	Description   string
}

// appendEventTx appends one event row inside an already-open transaction,
// so that the event and the state change it describes commit atomically
// (invariant E: the event log is append-only and never lags the state it
// records).
func appendEventTx(ctx context.Context, tx *sql.Tx, node Node, description string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO pgautofailover.event
			(formationid, groupid, nodeid, nodename, nodeport, reportedstate, goalstate, description)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		node.FormationID, node.GroupID, node.NodeID, node.NodeName, node.NodePort,
		string(node.ReportedState), string(node.GoalState), description)
	if err != nil {
		return fmt.Errorf("appending event for node %d: %w", node.NodeID, err)
	}
	return nil
}

// notifyStateChange publishes on the `state` channel (spec.md §4.5's
// notification channels) after the transaction that produced the
// corresponding event has committed. The payload is the node id so that
// listeners re-fetch authoritative state rather than trust the payload.
func (s *Store) notifyStateChange(ctx context.Context, node Node) error {
	_, err := s.db.ExecContext(ctx, `SELECT pg_notify('state', $1)`, fmt.Sprintf("%d", node.NodeID))
	if err != nil {
		return fmt.Errorf("notifying state change for node %d: %w", node.NodeID, err)
	}
	return nil
}

// ListEvents implements `pg_autoctl show events`: the most recent events,
// newest first, optionally scoped to one formation.
func (s *Store) ListEvents(ctx context.Context, formationID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 10
	}

	query := `
		SELECT eventid, eventtime, formationid, groupid, nodeid, nodename, nodeport,
		       reportedstate, goalstate, description
		  FROM pgautofailover.event`
	args := []any{limit}
	if formationID != "" {
		query += ` WHERE formationid = $2`
		args = append(args, formationID)
	}
	query += ` ORDER BY eventid DESC LIMIT $1`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.EventID, &e.EventTime, &e.FormationID, &e.GroupID, &e.NodeID,
			&e.NodeName, &e.NodePort, &e.ReportedState, &e.GoalState, &e.Description); err != nil {
			return nil, fmt.Errorf("scanning event row: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// EventListener wraps a dedicated lib/pq LISTEN connection on the `state`
// and `log` channels, for callers that consume notification delivery.
type EventListener struct {
	listener *pq.Listener
	Events   <-chan *pq.Notification
}

// NewEventListener opens a second connection to the monitor database (LISTEN
// requires a dedicated connection, not one drawn from database/sql's pool)
// and subscribes to both channels.
func NewEventListener(connStr string) (*EventListener, error) {
	reportProblem := func(ev pq.ListenerEventType, err error) {
		if err != nil {
			log.Default().Warning("event listener connection problem", "err", err)
		}
	}
	listener := pq.NewListener(connStr, 1*time.Second, time.Minute, reportProblem)

	if err := listener.Listen("state"); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("subscribing to state channel: %w", err)
	}
	if err := listener.Listen("log"); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("subscribing to log channel: %w", err)
	}

	return &EventListener{listener: listener, Events: listener.Notify}, nil
}

// Close releases the listener's dedicated connection.
func (l *EventListener) Close() error {
	return l.listener.Close()
}
