package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"artline/internal/domain"
	"artline/internal/repo"
)

// SQL is the built-in registry backed by the artline database.
type SQL struct {
	DB  *sql.DB
	Now func() time.Time
}

func (s SQL) now() string {
	if s.Now == nil {
		return time.Now().UTC().Format(time.RFC3339)
	}
	return s.Now().UTC().Format(time.RFC3339)
}

func (s SQL) Lookup(ctx context.Context, ref domain.ArtifactRef) (Record, error) {
	rec := Record{Ref: ref}
	var data string
	err := s.DB.QueryRowContext(ctx, `SELECT name, data FROM registry_artifacts WHERE artifact_type=? AND artifact_id=?`, ref.Type, ref.ID).Scan(&rec.Name, &data)
	if err == sql.ErrNoRows {
		return rec, fmt.Errorf("registry %s: %w", ref, repo.ErrNotFound)
	}
	if err != nil {
		return rec, err
	}
	rec.Data = json.RawMessage(data)
	return rec, nil
}

func (s SQL) Edges(ctx context.Context, ref domain.ArtifactRef) ([]Edge, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT from_type, from_id, to_type, to_id, kind FROM registry_edges
WHERE (from_type=? AND from_id=?) OR (to_type=? AND to_id=?)
ORDER BY kind, from_type, from_id, to_type, to_id`, ref.Type, ref.ID, ref.Type, ref.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Edge
	for rows.Next() {
		var e Edge
		if err := rows.Scan(&e.From.Type, &e.From.ID, &e.To.Type, &e.To.ID, &e.Kind); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (s SQL) OpenChangeRequests(ctx context.Context, refs []domain.ArtifactRef) ([]ChangeRequestRef, error) {
	if len(refs) == 0 {
		return nil, nil
	}
	var (
		clauses []string
		args    []any
	)
	for _, r := range refs {
		clauses = append(clauses, "(a.artifact_type=? AND a.artifact_id=?)")
		args = append(args, r.Type, r.ID)
	}
	query := `SELECT c.id, c.title, c.status, COALESCE(c.initiative_id,''), a.artifact_type, a.artifact_id, a.change_kind
FROM change_requests c JOIN change_request_artifacts a ON a.change_request_id = c.id
WHERE c.status NOT IN ('completed','cancelled','rejected','closed') AND (` + strings.Join(clauses, " OR ") + `)
ORDER BY a.artifact_type, a.artifact_id, c.id`
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []ChangeRequestRef
	for rows.Next() {
		var cr ChangeRequestRef
		if err := rows.Scan(&cr.ID, &cr.Title, &cr.Status, &cr.InitiativeID, &cr.Ref.Type, &cr.Ref.ID, &cr.ChangeKind); err != nil {
			return nil, err
		}
		res = append(res, cr)
	}
	return res, rows.Err()
}

// Put stores or replaces the production data for an artifact. Typed kinds are
// validated against their declared fields.
func (s SQL) Put(ctx context.Context, ref domain.ArtifactRef, data json.RawMessage) (Record, error) {
	if !ref.Type.Valid() {
		return Record{}, fmt.Errorf("invalid artifact type %q", ref.Type)
	}
	if strings.TrimSpace(ref.ID) == "" {
		return Record{}, fmt.Errorf("artifact id required")
	}
	p, err := domain.DecodePayload(ref.Type, data)
	if err != nil {
		return Record{}, err
	}
	canonical, err := domain.Encode(p)
	if err != nil {
		return Record{}, err
	}
	_, err = s.DB.ExecContext(ctx, `INSERT INTO registry_artifacts(artifact_type, artifact_id, name, data, updated_at) VALUES (?,?,?,?,?)
ON CONFLICT(artifact_type, artifact_id) DO UPDATE SET name=excluded.name, data=excluded.data, updated_at=excluded.updated_at`,
		ref.Type, ref.ID, p.DisplayName(), canonical, s.now())
	if err != nil {
		return Record{}, err
	}
	return Record{Ref: ref, Name: p.DisplayName(), Data: json.RawMessage(canonical)}, nil
}

func (s SQL) Link(ctx context.Context, e Edge) error {
	if !ValidEdgeKind(e.Kind) {
		return fmt.Errorf("invalid edge kind %q", e.Kind)
	}
	if !e.From.Type.Valid() || !e.To.Type.Valid() {
		return fmt.Errorf("invalid edge endpoint types %q -> %q", e.From.Type, e.To.Type)
	}
	if e.From == e.To {
		return fmt.Errorf("edge %s cannot point at itself", e.From)
	}
	_, err := s.DB.ExecContext(ctx, `INSERT OR IGNORE INTO registry_edges(from_type, from_id, to_type, to_id, kind) VALUES (?,?,?,?,?)`,
		e.From.Type, e.From.ID, e.To.Type, e.To.ID, e.Kind)
	return err
}

// AddChangeRequest records a change request and the artifacts it touches.
func (s SQL) AddChangeRequest(ctx context.Context, id, title, status, initiativeID string, refs []domain.ArtifactRef, changeKind string) error {
	if id == "" || title == "" {
		return fmt.Errorf("change request id and title required")
	}
	if status == "" {
		status = "open"
	}
	if changeKind == "" {
		changeKind = domain.ImpactModification
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	var initiative any
	if initiativeID != "" {
		initiative = initiativeID
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO change_requests(id, title, status, initiative_id) VALUES (?,?,?,?)
ON CONFLICT(id) DO UPDATE SET title=excluded.title, status=excluded.status, initiative_id=excluded.initiative_id`, id, title, status, initiative); err != nil {
		return err
	}
	for _, r := range refs {
		if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO change_request_artifacts(change_request_id, artifact_type, artifact_id, change_kind) VALUES (?,?,?,?)`,
			id, r.Type, r.ID, changeKind); err != nil {
			return err
		}
	}
	return tx.Commit()
}
