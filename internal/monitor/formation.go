package monitor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// CreateFormation implements C2's create_formation, inserting a formation
// row with the given kind, dbname and opt_secondary default.
func (s *Store) CreateFormation(ctx context.Context, formationID, kind, dbname string, optSecondary bool) error {
	if kind == "" {
		kind = FormationKindPgsql
	}
	if dbname == "" {
		dbname = "postgres"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pgautofailover.formation (formationid, kind, dbname, opt_secondary)
		VALUES ($1, $2, $3, $4)`,
		formationID, kind, dbname, optSecondary)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("formation %q already exists: %w", formationID, err)
		}
		return fmt.Errorf("creating formation %q: %w", formationID, err)
	}
	return nil
}

// DropFormation implements C2's drop_formation. It refuses to drop a
// formation that still has nodes registered against it, mirroring the
// foreign key relationship nodes hold on their formation.
func (s *Store) DropFormation(ctx context.Context, formationID string) error {
	var count int
	row := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM pgautofailover.node WHERE formationid = $1`, formationID)
	if err := row.Scan(&count); err != nil {
		return fmt.Errorf("counting nodes in formation %q: %w", formationID, err)
	}
	if count > 0 {
		return ErrFormationInUse
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM pgautofailover.formation WHERE formationid = $1`, formationID)
	if err != nil {
		return fmt.Errorf("dropping formation %q: %w", formationID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("dropping formation %q: %w", formationID, err)
	}
	if n == 0 {
		return ErrFormationNotFound
	}
	return nil
}

// GetFormation looks up a formation by id.
func (s *Store) GetFormation(ctx context.Context, formationID string) (Formation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT formationid, kind, dbname, opt_secondary, number_sync_standbys
		  FROM pgautofailover.formation WHERE formationid = $1`, formationID)
	return scanFormation(row)
}

func getFormationTx(ctx context.Context, tx *sql.Tx, formationID string) (Formation, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT formationid, kind, dbname, opt_secondary, number_sync_standbys
		  FROM pgautofailover.formation WHERE formationid = $1`, formationID)
	return scanFormation(row)
}

func scanFormation(row rowScanner) (Formation, error) {
	var f Formation
	if err := row.Scan(&f.FormationID, &f.Kind, &f.DBName, &f.OptSecondary, &f.NumberSyncStandbys); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Formation{}, ErrFormationNotFound
		}
		return Formation{}, fmt.Errorf("scanning formation row: %w", err)
	}
	return f, nil
}

// EnableSecondary and DisableSecondary implement C2's opt_secondary toggle.
// DisableSecondary refuses when any node in the formation currently reports
// a secondary-family state, since turning it off while a standby is active
// would strand that standby outside the FSM's reachable states.
func (s *Store) EnableSecondary(ctx context.Context, formationID string) error {
	return s.setOptSecondary(ctx, formationID, true)
}

func (s *Store) DisableSecondary(ctx context.Context, formationID string) error {
	var count int
	row := s.db.QueryRowContext(ctx, `
		SELECT count(*) FROM pgautofailover.node
		 WHERE formationid = $1 AND reportedstate IN ('secondary', 'catchingup', 'wait_standby')`,
		formationID)
	if err := row.Scan(&count); err != nil {
		return fmt.Errorf("checking active secondaries in formation %q: %w", formationID, err)
	}
	if count > 0 {
		return ErrSecondaryActive
	}
	return s.setOptSecondary(ctx, formationID, false)
}

func (s *Store) setOptSecondary(ctx context.Context, formationID string, enabled bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE pgautofailover.formation SET opt_secondary = $2 WHERE formationid = $1`, formationID, enabled)
	if err != nil {
		return fmt.Errorf("setting opt_secondary for formation %q: %w", formationID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("setting opt_secondary for formation %q: %w", formationID, err)
	}
	if n == 0 {
		return ErrFormationNotFound
	}
	return nil
}

// SetNumberSyncStandbys implements set_formation_number_sync_standbys
// (spec.md §6). The value feeds the synchronous_standby_names RPC
// (SynchronousStandbyNames); the FSM's promotion decisions do not read it.
func (s *Store) SetNumberSyncStandbys(ctx context.Context, formationID string, n int) error {
	if n < 0 {
		return fmt.Errorf("number_sync_standbys must be non-negative, got %d", n)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE pgautofailover.formation SET number_sync_standbys = $2 WHERE formationid = $1`, formationID, n)
	if err != nil {
		return fmt.Errorf("setting number_sync_standbys for formation %q: %w", formationID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("setting number_sync_standbys for formation %q: %w", formationID, err)
	}
	if affected == 0 {
		return ErrFormationNotFound
	}
	return nil
}

// GroupIDs returns the distinct group ids currently registered under
// formationID, ordered ascending. Used by get_nodes (no explicit group
// filter) and by the metrics refresher.
func (s *Store) GroupIDs(ctx context.Context, formationID string) ([]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT groupid FROM pgautofailover.node WHERE formationid = $1 ORDER BY groupid`, formationID)
	if err != nil {
		return nil, fmt.Errorf("listing group ids for formation %q: %w", formationID, err)
	}
	defer rows.Close()

	var groups []int
	for rows.Next() {
		var g int
		if err := rows.Scan(&g); err != nil {
			return nil, fmt.Errorf("listing group ids for formation %q: %w", formationID, err)
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// ListFormations returns every known formation, used by the metrics
// refresher (Metrics.Refresh).
func (s *Store) ListFormations(ctx context.Context) ([]Formation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT formationid, kind, dbname, opt_secondary, number_sync_standbys
		  FROM pgautofailover.formation ORDER BY formationid`)
	if err != nil {
		return nil, fmt.Errorf("listing formations: %w", err)
	}
	defer rows.Close()

	var out []Formation
	for rows.Next() {
		f, err := scanFormation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}
