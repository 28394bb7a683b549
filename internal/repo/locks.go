package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"artline/internal/domain"
)

const lockColumns = `id,artifact_type,artifact_id,initiative_id,locked_by,locked_at,lock_expiry,COALESCE(reason,''),COALESCE(base_version_id,''),base_version_number`

func scanLock(sc interface{ Scan(...any) error }) (domain.ArtifactLock, error) {
	var l domain.ArtifactLock
	err := sc.Scan(&l.ID, &l.Ref.Type, &l.Ref.ID, &l.InitiativeID, &l.LockedBy, &l.LockedAt, &l.LockExpiry,
		&l.Reason, &l.BaseVersionID, &l.BaseVersionNumber)
	if err == sql.ErrNoRows {
		return l, ErrNotFound
	}
	return l, err
}

// LockFilter narrows ListLocks. ActiveAt, when set, hides locks whose expiry
// is at or before that instant.
type LockFilter struct {
	InitiativeID string
	Type         domain.ArtifactType
	ID           string
	LockedBy     string
	ActiveAt     string
}

func (r Repo) InsertLock(ctx context.Context, tx *sql.Tx, l domain.ArtifactLock) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO artifact_locks(id,artifact_type,artifact_id,initiative_id,locked_by,locked_at,lock_expiry,reason,base_version_id,base_version_number)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		l.ID, l.Ref.Type, l.Ref.ID, l.InitiativeID, l.LockedBy, l.LockedAt, l.LockExpiry, nullable(l.Reason),
		nullable(l.BaseVersionID), l.BaseVersionNumber)
	return err
}

// GetLockForArtifact returns the single lock row on an artifact, expired or not.
func (r Repo) GetLockForArtifact(ctx context.Context, tx *sql.Tx, ref domain.ArtifactRef) (domain.ArtifactLock, error) {
	return scanLock(r.q(tx).QueryRowContext(ctx, `SELECT `+lockColumns+` FROM artifact_locks WHERE artifact_type=? AND artifact_id=?`, ref.Type, ref.ID))
}

func (r Repo) GetLock(ctx context.Context, tx *sql.Tx, id string) (domain.ArtifactLock, error) {
	return scanLock(r.q(tx).QueryRowContext(ctx, `SELECT `+lockColumns+` FROM artifact_locks WHERE id=?`, id))
}

func (r Repo) DeleteLock(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM artifact_locks WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteLocksForInitiative(ctx context.Context, tx *sql.Tx, initiativeID string) (int64, error) {
	res, err := tx.ExecContext(ctx, `DELETE FROM artifact_locks WHERE initiative_id=?`, initiativeID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r Repo) ListLocks(ctx context.Context, tx *sql.Tx, f LockFilter) ([]domain.ArtifactLock, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.InitiativeID != "" {
		clauses = append(clauses, "initiative_id=?")
		args = append(args, f.InitiativeID)
	}
	if f.Type != "" {
		clauses = append(clauses, "artifact_type=?")
		args = append(args, f.Type)
	}
	if f.ID != "" {
		clauses = append(clauses, "artifact_id=?")
		args = append(args, f.ID)
	}
	if f.LockedBy != "" {
		clauses = append(clauses, "locked_by=?")
		args = append(args, f.LockedBy)
	}
	if f.ActiveAt != "" {
		clauses = append(clauses, "lock_expiry>?")
		args = append(args, f.ActiveAt)
	}
	query := fmt.Sprintf(`SELECT %s FROM artifact_locks WHERE %s ORDER BY artifact_type, artifact_id`, lockColumns, strings.Join(clauses, " AND "))
	rows, err := r.q(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ArtifactLock
	for rows.Next() {
		l, err := scanLock(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}

// SweepableLocks lists locks that expired at or before now, plus locks held by
// completed or cancelled initiatives. The reason column is "expired" or
// "initiative_closed".
func (r Repo) SweepableLocks(ctx context.Context, tx *sql.Tx, now string) ([]domain.ArtifactLock, []string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT l.id,l.artifact_type,l.artifact_id,l.initiative_id,l.locked_by,l.locked_at,l.lock_expiry,
  COALESCE(l.reason,''),COALESCE(l.base_version_id,''),l.base_version_number,
  CASE WHEN i.status IN ('completed','cancelled') THEN 'initiative_closed' ELSE 'expired' END
FROM artifact_locks l JOIN initiatives i ON i.id = l.initiative_id
WHERE l.lock_expiry<=? OR i.status IN ('completed','cancelled')
ORDER BY l.artifact_type, l.artifact_id`, now)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()
	var (
		locks   []domain.ArtifactLock
		reasons []string
	)
	for rows.Next() {
		var l domain.ArtifactLock
		var reason string
		if err := rows.Scan(&l.ID, &l.Ref.Type, &l.Ref.ID, &l.InitiativeID, &l.LockedBy, &l.LockedAt, &l.LockExpiry,
			&l.Reason, &l.BaseVersionID, &l.BaseVersionNumber, &reason); err != nil {
			return nil, nil, err
		}
		locks = append(locks, l)
		reasons = append(reasons, reason)
	}
	return locks, reasons, rows.Err()
}
