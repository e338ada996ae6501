// Package monitor implements the pg_auto_failover monitor: the node and
// formation registries (C1, C2), the health prober (C3), the replication
// FSM (C4, the core), the event log and notifications (C5), and the §6 RPC
// surface serving a keeper's node-active loop.
package monitor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	// Registered as the database/sql driver for "postgres"; every query in
	// this package goes through database/sql, never the driver package
	// directly, matching the teacher's cmd/manager/app/instance_run.go use
	// of lib/pq.
	_ "github.com/lib/pq"
	"github.com/lib/pq"

	"github.com/hapostgres/pg-auto-failover-sub002/pkg/fsm"
	"github.com/hapostgres/pg-auto-failover-sub002/pkg/log"
)

// Sentinel errors surfaced by Store, checked with errors.Is at call sites
// (spec.md §7's Invariant-violation and Conflict error kinds).
var (
	ErrFormationNotFound        = errors.New("formation not found")
	ErrFormationInUse           = errors.New("formation has nodes registered against it")
	ErrNodeNotFound              = errors.New("node not found")
	ErrDuplicateNodeName        = errors.New("a node with this name already exists in the formation")
	ErrDuplicateHostPort        = errors.New("a node with this host/port already exists")
	ErrSystemIdentifierMismatch = errors.New("node system identifier does not match the group's established identifier")
	ErrRegistrationInProgress   = errors.New("a concurrent registration is in progress") // SQLSTATE 55006
	ErrSecondaryActive           = errors.New("cannot disable secondary: a node is in a secondary state")
	ErrFailoverInProgress       = errors.New("a failover or promotion is already in progress for this group")
	ErrNoPrimary                = errors.New("group has no current primary to fail over from")
	ErrNoFailoverCandidate      = errors.New("group has no healthy node with candidatePriority > 0")
	ErrInvalidMaintenanceTransition = errors.New("node is not in the expected state for this maintenance transition")
	ErrCannotRemoveWritableNode = errors.New("cannot remove the sole writable node while peers remain")
)

// Store wraps the monitor's relational backing store. One Store is shared
// by the registry (C1/C2), the event log (C5), and the health prober (C3).
type Store struct {
	db *sql.DB
}

// Open connects to the monitor's own Postgres database (the "Postgres
// database hosting the monitor extension" of spec.md §2/§4.3) and ensures
// its schema exists.
func Open(ctx context.Context, connStr string) (*Store, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("opening monitor database: %w", err)
	}
	db.SetMaxOpenConns(16)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connecting to monitor database: %w", err)
	}

	s := &Store{db: db}
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewForTesting wraps an already-open *sql.DB, e.g. a sqlmock or a test
// container connection, without re-running schema migration.
func NewForTesting(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for components (event listener, health
// prober) that need a second connection, e.g. for LISTEN.
func (s *Store) DB() *sql.DB { return s.db }

// Close releases the underlying connection pool.
func (s *Store) Close() error { return s.db.Close() }

const schemaDDL = `
CREATE TABLE IF NOT EXISTS pgautofailover.formation (
	formationid           text PRIMARY KEY,
	kind                  text NOT NULL DEFAULT 'pgsql',
	dbname                text NOT NULL DEFAULT 'postgres',
	opt_secondary         boolean NOT NULL DEFAULT true,
	number_sync_standbys  integer NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS pgautofailover.node (
	nodeid              bigserial PRIMARY KEY,
	formationid         text NOT NULL REFERENCES pgautofailover.formation(formationid),
	groupid             integer NOT NULL,
	nodename            text NOT NULL,
	nodehost            text NOT NULL,
	nodeport            integer NOT NULL,
	systemidentifier    bigint NOT NULL DEFAULT 0,
	reportedstate       text NOT NULL DEFAULT 'init',
	goalstate           text NOT NULL DEFAULT 'init',
	pgisrunning         boolean NOT NULL DEFAULT false,
	pgsrsyncstate       text NOT NULL DEFAULT 'unknown',
	reporttime          timestamptz NOT NULL DEFAULT now(),
	walreporttime       timestamptz NOT NULL DEFAULT now(),
	health              text NOT NULL DEFAULT 'unknown',
	healthchecktime     timestamptz NOT NULL DEFAULT now(),
	statechangetime     timestamptz NOT NULL DEFAULT now(),
	reportedtli         integer NOT NULL DEFAULT 0,
	reportedlsn         bigint NOT NULL DEFAULT 0,
	candidatepriority   integer NOT NULL DEFAULT 50,
	replicationquorum   boolean NOT NULL DEFAULT true,
	nodecluster         text NOT NULL DEFAULT 'default',
	UNIQUE (formationid, nodename),
	UNIQUE (nodehost, nodeport)
);

CREATE TABLE IF NOT EXISTS pgautofailover.event (
	eventid       bigserial PRIMARY KEY,
	eventtime     timestamptz NOT NULL DEFAULT now(),
	formationid   text NOT NULL,
	groupid       integer NOT NULL,
	nodeid        bigint NOT NULL,
	nodename      text NOT NULL,
	nodeport      integer NOT NULL,
	reportedstate text NOT NULL,
	goalstate     text NOT NULL,
	description   text NOT NULL
);
`

func (s *Store) ensureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE SCHEMA IF NOT EXISTS pgautofailover`); err != nil {
		return fmt.Errorf("creating pgautofailover schema: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, schemaDDL); err != nil {
		return fmt.Errorf("creating monitor schema: %w", err)
	}
	return nil
}

// withTx runs fn inside a repeatable-read transaction (spec.md §5: "The
// monitor serialises all FSM decisions through the relational store's
// transaction isolation (repeatable read)") and commits iff fn returns nil.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead})
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			log.Default().Warning("rollback failed after error", "original_err", err, "rollback_err", rollbackErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// isUniqueViolation reports whether err is a Postgres unique_violation
// (SQLSTATE 23505), used to translate constraint failures into the
// ErrDuplicate* sentinels.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

// isSerializationFailure reports a repeatable-read conflict (SQLSTATE
// 40001). Nothing in this package calls it, so such conflicts are not
// retried.
func isSerializationFailure(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "40001"
	}
	return false
}
