package keeper

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/hapostgres/pg-auto-failover-sub002/pkg/fsm"
)

// SqlClient is the other out-of-scope collaborator named by spec.md §5: a
// thin wrapper over the values the node-active loop reads each tick
// (current LSN, TLI, sync state, each fetched by its own query rather than
// in one round-trip), and the handful of statements the local FSM issues
// against the running instance.
type SqlClient interface {
	IsInRecovery(ctx context.Context) (bool, error)
	CurrentLSN(ctx context.Context) (uint64, error)
	CurrentTimeline(ctx context.Context) (int, error)
	SyncState(ctx context.Context) (fsm.SyncState, error)
	Close() error
}

// PqSqlClient implements SqlClient over database/sql + lib/pq, the same
// driver the monitor side uses for its own persistence.
type PqSqlClient struct {
	db *sql.DB
}

// DialSqlClient opens a connection to the local Postgres instance.
func DialSqlClient(ctx context.Context, connStr string) (*PqSqlClient, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("opening local postgres connection: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connecting to local postgres: %w", err)
	}
	return &PqSqlClient{db: db}, nil
}

func (c *PqSqlClient) IsInRecovery(ctx context.Context) (bool, error) {
	var inRecovery bool
	row := c.db.QueryRowContext(ctx, `SELECT pg_is_in_recovery()`)
	if err := row.Scan(&inRecovery); err != nil {
		return false, fmt.Errorf("querying pg_is_in_recovery: %w", err)
	}
	return inRecovery, nil
}

func (c *PqSqlClient) CurrentLSN(ctx context.Context) (uint64, error) {
	var lsn string
	row := c.db.QueryRowContext(ctx, `
		SELECT CASE WHEN pg_is_in_recovery()
		            THEN pg_last_wal_replay_lsn()
		            ELSE pg_current_wal_lsn()
		       END::text`)
	if err := row.Scan(&lsn); err != nil {
		return 0, fmt.Errorf("querying current LSN: %w", err)
	}
	return parseLSN(lsn)
}

func (c *PqSqlClient) CurrentTimeline(ctx context.Context) (int, error) {
	var tli int
	row := c.db.QueryRowContext(ctx, `SELECT timeline_id FROM pg_control_checkpoint()`)
	if err := row.Scan(&tli); err != nil {
		return 0, fmt.Errorf("querying current timeline: %w", err)
	}
	return tli, nil
}

func (c *PqSqlClient) SyncState(ctx context.Context) (fsm.SyncState, error) {
	var state sql.NullString
	row := c.db.QueryRowContext(ctx, `
		SELECT sync_state FROM pg_stat_replication
		 WHERE application_name LIKE 'pgautofailover_standby_%'
		 ORDER BY sync_state = 'sync' DESC LIMIT 1`)
	if err := row.Scan(&state); err != nil {
		if err == sql.ErrNoRows {
			return fsm.SyncStateUnknown, nil
		}
		return fsm.SyncStateUnknown, fmt.Errorf("querying sync state: %w", err)
	}
	if !state.Valid {
		return fsm.SyncStateUnknown, nil
	}
	return fsm.SyncState(state.String), nil
}

func (c *PqSqlClient) Close() error { return c.db.Close() }

// LazySqlClient wraps SqlClient so that a failed initial dial (Postgres not
// started yet when the keeper process launches) does not become a permanent
// nil client: every call redials if the underlying connection is not yet
// open.
type LazySqlClient struct {
	connStr string
	inner   *PqSqlClient
}

// NewLazySqlClient builds a LazySqlClient that dials connStr on first use.
func NewLazySqlClient(connStr string) *LazySqlClient {
	return &LazySqlClient{connStr: connStr}
}

func (l *LazySqlClient) ensure(ctx context.Context) (*PqSqlClient, error) {
	if l.inner != nil {
		return l.inner, nil
	}
	inner, err := DialSqlClient(ctx, l.connStr)
	if err != nil {
		return nil, err
	}
	l.inner = inner
	return inner, nil
}

func (l *LazySqlClient) IsInRecovery(ctx context.Context) (bool, error) {
	c, err := l.ensure(ctx)
	if err != nil {
		return false, err
	}
	return c.IsInRecovery(ctx)
}

func (l *LazySqlClient) CurrentLSN(ctx context.Context) (uint64, error) {
	c, err := l.ensure(ctx)
	if err != nil {
		return 0, err
	}
	return c.CurrentLSN(ctx)
}

func (l *LazySqlClient) CurrentTimeline(ctx context.Context) (int, error) {
	c, err := l.ensure(ctx)
	if err != nil {
		return 0, err
	}
	return c.CurrentTimeline(ctx)
}

func (l *LazySqlClient) SyncState(ctx context.Context) (fsm.SyncState, error) {
	c, err := l.ensure(ctx)
	if err != nil {
		return fsm.SyncStateUnknown, err
	}
	return c.SyncState(ctx)
}

func (l *LazySqlClient) Close() error {
	if l.inner == nil {
		return nil
	}
	return l.inner.Close()
}

// parseLSN converts Postgres's "XXXXXXXX/XXXXXXXX" LSN text form into the
// uint64 the monitor's candidate selection compares numerically.
func parseLSN(text string) (uint64, error) {
	var hi, lo uint32
	if _, err := fmt.Sscanf(text, "%X/%X", &hi, &lo); err != nil {
		return 0, fmt.Errorf("parsing LSN %q: %w", text, err)
	}
	return uint64(hi)<<32 | uint64(lo), nil
}
