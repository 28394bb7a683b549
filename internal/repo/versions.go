package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"artline/internal/domain"
)

const versionColumns = `id,artifact_type,artifact_id,version_number,initiative_id,is_baseline,status,data,changed_fields,change_type,COALESCE(description,''),based_on_version,created_by,created_at,baseline_date,baselined_by`

func scanVersion(sc interface{ Scan(...any) error }) (domain.ArtifactVersion, error) {
	var v domain.ArtifactVersion
	var (
		initiative, baselineDate, baselinedBy sql.NullString
		basedOn                               sql.NullInt64
		isBaseline                            int
		changed                               string
	)
	err := sc.Scan(&v.ID, &v.Ref.Type, &v.Ref.ID, &v.VersionNumber, &initiative, &isBaseline, &v.Status, &v.Data,
		&changed, &v.ChangeType, &v.Description, &basedOn, &v.CreatedBy, &v.CreatedAt, &baselineDate, &baselinedBy)
	if err == sql.ErrNoRows {
		return v, ErrNotFound
	}
	if err != nil {
		return v, err
	}
	v.InitiativeID = stringPtr(initiative)
	v.IsBaseline = isBaseline == 1
	v.BaselineDate = stringPtr(baselineDate)
	v.BaselinedBy = stringPtr(baselinedBy)
	if basedOn.Valid {
		n := int(basedOn.Int64)
		v.BasedOnVersion = &n
	}
	v.ChangedFields = []string{}
	if changed != "" {
		if err := json.Unmarshal([]byte(changed), &v.ChangedFields); err != nil {
			return v, err
		}
	}
	return v, nil
}

func scanVersions(rows *sql.Rows) ([]domain.ArtifactVersion, error) {
	defer rows.Close()
	var res []domain.ArtifactVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

func (r Repo) InsertVersion(ctx context.Context, tx *sql.Tx, v domain.ArtifactVersion) error {
	changed := v.ChangedFields
	if changed == nil {
		changed = []string{}
	}
	cf, err := json.Marshal(changed)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO artifact_versions(id,artifact_type,artifact_id,version_number,initiative_id,is_baseline,status,data,changed_fields,change_type,description,based_on_version,created_by,created_at,baseline_date,baselined_by)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		v.ID, v.Ref.Type, v.Ref.ID, v.VersionNumber, nullableStringPtr(v.InitiativeID), boolInt(v.IsBaseline), v.Status, v.Data,
		string(cf), v.ChangeType, nullable(v.Description), nullableIntPtr(v.BasedOnVersion), v.CreatedBy, v.CreatedAt,
		nullableStringPtr(v.BaselineDate), nullableStringPtr(v.BaselinedBy))
	return err
}

// NextVersionNumber returns MAX(version_number)+1 for the artifact, 1 when none exist.
func (r Repo) NextVersionNumber(ctx context.Context, tx *sql.Tx, ref domain.ArtifactRef) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version_number),0)+1 FROM artifact_versions WHERE artifact_type=? AND artifact_id=?`, ref.Type, ref.ID).Scan(&n)
	return n, err
}

func (r Repo) GetVersion(ctx context.Context, tx *sql.Tx, id string) (domain.ArtifactVersion, error) {
	return scanVersion(r.q(tx).QueryRowContext(ctx, `SELECT `+versionColumns+` FROM artifact_versions WHERE id=?`, id))
}

func (r Repo) GetVersionByNumber(ctx context.Context, tx *sql.Tx, ref domain.ArtifactRef, number int) (domain.ArtifactVersion, error) {
	return scanVersion(r.q(tx).QueryRowContext(ctx, `SELECT `+versionColumns+` FROM artifact_versions WHERE artifact_type=? AND artifact_id=? AND version_number=?`, ref.Type, ref.ID, number))
}

func (r Repo) GetBaseline(ctx context.Context, tx *sql.Tx, ref domain.ArtifactRef) (domain.ArtifactVersion, error) {
	return scanVersion(r.q(tx).QueryRowContext(ctx, `SELECT `+versionColumns+` FROM artifact_versions WHERE artifact_type=? AND artifact_id=? AND is_baseline=1`, ref.Type, ref.ID))
}

// GetPendingVersion returns the initiative's live working copy of an artifact.
func (r Repo) GetPendingVersion(ctx context.Context, tx *sql.Tx, ref domain.ArtifactRef, initiativeID string) (domain.ArtifactVersion, error) {
	return scanVersion(r.q(tx).QueryRowContext(ctx, `SELECT `+versionColumns+` FROM artifact_versions
WHERE artifact_type=? AND artifact_id=? AND initiative_id=? AND status='pending'
ORDER BY version_number DESC LIMIT 1`, ref.Type, ref.ID, initiativeID))
}

func (r Repo) ListVersions(ctx context.Context, ref domain.ArtifactRef) ([]domain.ArtifactVersion, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+versionColumns+` FROM artifact_versions WHERE artifact_type=? AND artifact_id=? ORDER BY version_number`, ref.Type, ref.ID)
	if err != nil {
		return nil, err
	}
	return scanVersions(rows)
}

// ListOpenPendingVersions returns pending versions of an artifact owned by
// initiatives that are not yet completed or cancelled.
func (r Repo) ListOpenPendingVersions(ctx context.Context, tx *sql.Tx, ref domain.ArtifactRef) ([]domain.ArtifactVersion, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT `+prefixVersionColumns+` FROM artifact_versions v JOIN initiatives i ON i.id = v.initiative_id
WHERE v.artifact_type=? AND v.artifact_id=? AND v.status='pending' AND i.status IN ('draft','active','review')
ORDER BY v.initiative_id, v.version_number`, ref.Type, ref.ID)
	if err != nil {
		return nil, err
	}
	return scanVersions(rows)
}

func (r Repo) ListPendingForInitiative(ctx context.Context, tx *sql.Tx, initiativeID string) ([]domain.ArtifactVersion, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT `+versionColumns+` FROM artifact_versions WHERE initiative_id=? AND status='pending' ORDER BY artifact_type, artifact_id`, initiativeID)
	if err != nil {
		return nil, err
	}
	return scanVersions(rows)
}

func (r Repo) SetVersionStatus(ctx context.Context, tx *sql.Tx, id, status string) error {
	res, err := tx.ExecContext(ctx, `UPDATE artifact_versions SET status=? WHERE id=?`, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SupersedePending retires the initiative's earlier working copies of an artifact.
func (r Repo) SupersedePending(ctx context.Context, tx *sql.Tx, ref domain.ArtifactRef, initiativeID string) error {
	_, err := tx.ExecContext(ctx, `UPDATE artifact_versions SET status='superseded'
WHERE artifact_type=? AND artifact_id=? AND initiative_id=? AND status='pending'`, ref.Type, ref.ID, initiativeID)
	return err
}

func (r Repo) VoidPendingForInitiative(ctx context.Context, tx *sql.Tx, initiativeID string) (int64, error) {
	res, err := tx.ExecContext(ctx, `UPDATE artifact_versions SET status='void' WHERE initiative_id=? AND status='pending'`, initiativeID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DemoteBaseline clears the baseline flag on the artifact's current baseline.
// It must run before PromoteVersion so the one-baseline index never sees two.
func (r Repo) DemoteBaseline(ctx context.Context, tx *sql.Tx, ref domain.ArtifactRef) error {
	_, err := tx.ExecContext(ctx, `UPDATE artifact_versions SET is_baseline=0 WHERE artifact_type=? AND artifact_id=? AND is_baseline=1`, ref.Type, ref.ID)
	return err
}

func (r Repo) PromoteVersion(ctx context.Context, tx *sql.Tx, id, at, by string) error {
	res, err := tx.ExecContext(ctx, `UPDATE artifact_versions SET is_baseline=1, status='promoted', baseline_date=?, baselined_by=? WHERE id=?`, at, by, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertBaselineHistory(ctx context.Context, tx *sql.Tx, h domain.BaselineHistory) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO baseline_history(id,artifact_type,artifact_id,from_version_id,to_version_id,initiative_id,baselined_by,baselined_at,reason)
VALUES (?,?,?,?,?,?,?,?,?)`,
		h.ID, h.Ref.Type, h.Ref.ID, nullableStringPtr(h.FromVersionID), h.ToVersionID, nullableStringPtr(h.InitiativeID),
		h.BaselinedBy, h.BaselinedAt, nullable(h.Reason))
	return err
}

func (r Repo) ListBaselineHistory(ctx context.Context, ref domain.ArtifactRef) ([]domain.BaselineHistory, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,artifact_type,artifact_id,from_version_id,to_version_id,initiative_id,baselined_by,baselined_at,COALESCE(reason,'')
FROM baseline_history WHERE artifact_type=? AND artifact_id=? ORDER BY baselined_at, rowid`, ref.Type, ref.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.BaselineHistory
	for rows.Next() {
		var h domain.BaselineHistory
		var from, initiative sql.NullString
		if err := rows.Scan(&h.ID, &h.Ref.Type, &h.Ref.ID, &from, &h.ToVersionID, &initiative, &h.BaselinedBy, &h.BaselinedAt, &h.Reason); err != nil {
			return nil, err
		}
		h.FromVersionID = stringPtr(from)
		h.InitiativeID = stringPtr(initiative)
		res = append(res, h)
	}
	return res, rows.Err()
}

const prefixVersionColumns = `v.id,v.artifact_type,v.artifact_id,v.version_number,v.initiative_id,v.is_baseline,v.status,v.data,v.changed_fields,v.change_type,COALESCE(v.description,''),v.based_on_version,v.created_by,v.created_at,v.baseline_date,v.baselined_by`
