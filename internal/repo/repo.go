package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"artline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// q returns tx when set, otherwise the pooled handle.
func (r Repo) q(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

const initiativeColumns = `id,name,COALESCE(description,''),COALESCE(business_justification,''),status,priority,created_by,created_at,updated_at,target_completion_date,actual_completion_date`

func scanInitiative(sc interface{ Scan(...any) error }) (domain.Initiative, error) {
	var in domain.Initiative
	var target, actual sql.NullString
	err := sc.Scan(&in.ID, &in.Name, &in.Description, &in.BusinessJustification, &in.Status, &in.Priority,
		&in.CreatedBy, &in.CreatedAt, &in.UpdatedAt, &target, &actual)
	if err == sql.ErrNoRows {
		return in, ErrNotFound
	}
	if err != nil {
		return in, err
	}
	in.TargetCompletionDate = stringPtr(target)
	in.ActualCompletionDate = stringPtr(actual)
	return in, nil
}

func (r Repo) InsertInitiative(ctx context.Context, tx *sql.Tx, in domain.Initiative) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO initiatives(id,name,description,business_justification,status,priority,created_by,created_at,updated_at,target_completion_date)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		in.ID, in.Name, nullable(in.Description), nullable(in.BusinessJustification), in.Status, in.Priority,
		in.CreatedBy, in.CreatedAt, in.UpdatedAt, nullableStringPtr(in.TargetCompletionDate))
	return err
}

func (r Repo) GetInitiative(ctx context.Context, tx *sql.Tx, id string) (domain.Initiative, error) {
	return scanInitiative(r.q(tx).QueryRowContext(ctx, `SELECT `+initiativeColumns+` FROM initiatives WHERE id=?`, id))
}

func (r Repo) ListInitiatives(ctx context.Context, status string) ([]domain.Initiative, error) {
	query := `SELECT ` + initiativeColumns + ` FROM initiatives`
	var args []any
	if status != "" {
		query += ` WHERE status=?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Initiative
	for rows.Next() {
		in, err := scanInitiative(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, in)
	}
	return res, rows.Err()
}

// UpdateInitiativeStatus moves an initiative only if it is still in one of
// the expected states. ErrNotFound means no row matched.
func (r Repo) UpdateInitiativeStatus(ctx context.Context, tx *sql.Tx, id, status, now string, completedAt *string, expected ...string) error {
	args := []any{status, now, nullableStringPtr(completedAt), id}
	query := `UPDATE initiatives SET status=?, updated_at=?, actual_completion_date=COALESCE(?, actual_completion_date) WHERE id=?`
	if len(expected) > 0 {
		query += ` AND status IN (` + placeholders(len(expected)) + `)`
		for _, s := range expected {
			args = append(args, s)
		}
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) AddParticipant(ctx context.Context, tx *sql.Tx, p domain.Participant) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO initiative_participants(initiative_id,actor_id,role,joined_at) VALUES (?,?,?,?)
ON CONFLICT(initiative_id, actor_id) DO UPDATE SET role=excluded.role`, p.InitiativeID, p.ActorID, p.Role, p.JoinedAt)
	return err
}

func (r Repo) ListParticipants(ctx context.Context, initiativeID string) ([]domain.Participant, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT initiative_id,actor_id,role,joined_at FROM initiative_participants WHERE initiative_id=? ORDER BY joined_at, actor_id`, initiativeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Participant
	for rows.Next() {
		var p domain.Participant
		if err := rows.Scan(&p.InitiativeID, &p.ActorID, &p.Role, &p.JoinedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// IsUniqueViolation reports whether err is a SQLite UNIQUE constraint failure.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
