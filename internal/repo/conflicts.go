package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"artline/internal/domain"
)

const conflictColumns = `id,artifact_type,artifact_id,kind,initiative_id,other_initiative_id,version_id,other_version_id,conflicting_fields,resolution_status,COALESCE(resolution_strategy,''),resolved_by,resolved_at,COALESCE(notes,''),detected_at,updated_at`

func scanConflict(sc interface{ Scan(...any) error }) (domain.VersionConflict, error) {
	var c domain.VersionConflict
	var (
		fields               string
		resolvedBy, resolved sql.NullString
	)
	err := sc.Scan(&c.ID, &c.Ref.Type, &c.Ref.ID, &c.Kind, &c.InitiativeID, &c.OtherInitiativeID, &c.VersionID, &c.OtherVersionID,
		&fields, &c.ResolutionStatus, &c.ResolutionStrategy, &resolvedBy, &resolved, &c.Notes, &c.DetectedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	c.ResolvedBy = stringPtr(resolvedBy)
	c.ResolvedAt = stringPtr(resolved)
	c.ConflictingFields = []string{}
	if err := json.Unmarshal([]byte(fields), &c.ConflictingFields); err != nil {
		return c, fmt.Errorf("conflict %s fields: %w", c.ID, err)
	}
	return c, nil
}

// ConflictFilter narrows ListConflicts. InitiativeID matches either side.
type ConflictFilter struct {
	InitiativeID string
	Status       string
	Ref          *domain.ArtifactRef
}

func (r Repo) InsertConflict(ctx context.Context, tx *sql.Tx, c domain.VersionConflict) error {
	fields, err := json.Marshal(c.ConflictingFields)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO version_conflicts(id,artifact_type,artifact_id,kind,initiative_id,other_initiative_id,version_id,other_version_id,conflicting_fields,resolution_status,detected_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.Ref.Type, c.Ref.ID, c.Kind, c.InitiativeID, c.OtherInitiativeID, c.VersionID, c.OtherVersionID,
		string(fields), c.ResolutionStatus, c.DetectedAt, c.UpdatedAt)
	return err
}

// ReopenConflict records a fresh divergence on an existing conflict row and
// clears any earlier resolution.
func (r Repo) ReopenConflict(ctx context.Context, tx *sql.Tx, c domain.VersionConflict) error {
	fields, err := json.Marshal(c.ConflictingFields)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `UPDATE version_conflicts SET version_id=?, other_version_id=?, conflicting_fields=?, resolution_status='open',
  resolution_strategy=NULL, resolved_by=NULL, resolved_at=NULL, updated_at=? WHERE id=?`,
		c.VersionID, c.OtherVersionID, string(fields), c.UpdatedAt, c.ID)
	return err
}

// GetConflictByKey finds the conflict row for one artifact and initiative pair.
func (r Repo) GetConflictByKey(ctx context.Context, tx *sql.Tx, ref domain.ArtifactRef, kind, initiativeID, otherInitiativeID string) (domain.VersionConflict, error) {
	return scanConflict(r.q(tx).QueryRowContext(ctx, `SELECT `+conflictColumns+` FROM version_conflicts
WHERE artifact_type=? AND artifact_id=? AND kind=? AND initiative_id=? AND other_initiative_id=?`,
		ref.Type, ref.ID, kind, initiativeID, otherInitiativeID))
}

func (r Repo) GetConflict(ctx context.Context, tx *sql.Tx, id string) (domain.VersionConflict, error) {
	return scanConflict(r.q(tx).QueryRowContext(ctx, `SELECT `+conflictColumns+` FROM version_conflicts WHERE id=?`, id))
}

func (r Repo) ListConflicts(ctx context.Context, tx *sql.Tx, f ConflictFilter) ([]domain.VersionConflict, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.InitiativeID != "" {
		clauses = append(clauses, "(initiative_id=? OR other_initiative_id=?)")
		args = append(args, f.InitiativeID, f.InitiativeID)
	}
	if f.Status != "" {
		clauses = append(clauses, "resolution_status=?")
		args = append(args, f.Status)
	}
	if f.Ref != nil {
		clauses = append(clauses, "artifact_type=? AND artifact_id=?")
		args = append(args, f.Ref.Type, f.Ref.ID)
	}
	query := fmt.Sprintf(`SELECT %s FROM version_conflicts WHERE %s ORDER BY detected_at, id`, conflictColumns, strings.Join(clauses, " AND "))
	rows, err := r.q(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.VersionConflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// ResolveConflict closes an open conflict. ErrNotFound when it is not open.
func (r Repo) ResolveConflict(ctx context.Context, tx *sql.Tx, id, strategy, by, at, notes string) error {
	res, err := tx.ExecContext(ctx, `UPDATE version_conflicts SET resolution_status='resolved', resolution_strategy=?, resolved_by=?, resolved_at=?, notes=?, updated_at=?
WHERE id=? AND resolution_status='open'`, strategy, by, at, nullable(notes), at, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ResolveConflictsForInitiative closes every open conflict on either side of the initiative.
func (r Repo) ResolveConflictsForInitiative(ctx context.Context, tx *sql.Tx, initiativeID, strategy, by, at string) (int64, error) {
	res, err := tx.ExecContext(ctx, `UPDATE version_conflicts SET resolution_status='resolved', resolution_strategy=?, resolved_by=?, resolved_at=?, updated_at=?
WHERE resolution_status='open' AND (initiative_id=? OR other_initiative_id=?)`, strategy, by, at, at, initiativeID, initiativeID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
