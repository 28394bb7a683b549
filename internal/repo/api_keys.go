package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"strings"

	"artline/internal/domain"
)

// ErrAPIKeyRevoked is returned when a revoked key is presented.
var ErrAPIKeyRevoked = errors.New("api key revoked")

// HashAPIKey returns a stable SHA-256 hex digest for the provided key.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}

const apiKeyColumns = `id,actor_id,COALESCE(name,''),key_hash,created_at,last_used_at,revoked_at,revoked_by`

func scanAPIKey(sc interface{ Scan(...any) error }) (domain.APIKey, error) {
	var key domain.APIKey
	var lastUsed, revokedAt, revokedBy sql.NullString
	if err := sc.Scan(&key.ID, &key.ActorID, &key.Name, &key.KeyHash, &key.CreatedAt, &lastUsed, &revokedAt, &revokedBy); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.APIKey{}, ErrNotFound
		}
		return domain.APIKey{}, err
	}
	key.LastUsedAt = stringPtr(lastUsed)
	key.RevokedAt = stringPtr(revokedAt)
	key.RevokedBy = stringPtr(revokedBy)
	return key, nil
}

// InsertAPIKey stores a key. KeyHash must already hold the digest and
// CreatedAt the engine clock.
func (r Repo) InsertAPIKey(ctx context.Context, tx *sql.Tx, key domain.APIKey) error {
	switch {
	case key.ID == "":
		return errors.New("id required")
	case key.ActorID == "":
		return errors.New("actor_id required")
	case key.KeyHash == "":
		return errors.New("key_hash required")
	case key.CreatedAt == "":
		return errors.New("created_at required")
	}
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO api_keys(id, actor_id, name, key_hash, created_at) VALUES (?,?,?,?,?)`,
		key.ID, key.ActorID, nullable(key.Name), key.KeyHash, key.CreatedAt)
	return err
}

func (r Repo) GetAPIKey(ctx context.Context, tx *sql.Tx, id string) (domain.APIKey, error) {
	return scanAPIKey(r.q(tx).QueryRowContext(ctx, `SELECT `+apiKeyColumns+` FROM api_keys WHERE id=?`, id))
}

// GetAPIKeyByHash returns a key by digest, revoked or not.
func (r Repo) GetAPIKeyByHash(ctx context.Context, hash string) (domain.APIKey, error) {
	return scanAPIKey(r.DB.QueryRowContext(ctx, `SELECT `+apiKeyColumns+` FROM api_keys WHERE key_hash=?`, hash))
}

// UseAPIKey resolves a presented key and stamps last_used_at. Revoked keys
// fail with ErrAPIKeyRevoked and are not stamped.
func (r Repo) UseAPIKey(ctx context.Context, hash, at string) (domain.APIKey, error) {
	key, err := r.GetAPIKeyByHash(ctx, hash)
	if err != nil {
		return domain.APIKey{}, err
	}
	if key.Revoked() {
		return key, ErrAPIKeyRevoked
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE api_keys SET last_used_at=? WHERE id=? AND revoked_at IS NULL`, at, key.ID)
	if err != nil {
		return domain.APIKey{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// revoked between the read and the stamp
		return key, ErrAPIKeyRevoked
	}
	key.LastUsedAt = &at
	return key, nil
}

// ListAPIKeys returns keys newest first, optionally for one actor.
func (r Repo) ListAPIKeys(ctx context.Context, actorID string) ([]domain.APIKey, error) {
	query := `SELECT ` + apiKeyColumns + ` FROM api_keys`
	var args []any
	if actorID != "" {
		query += ` WHERE actor_id=?`
		args = append(args, actorID)
	}
	query += ` ORDER BY created_at DESC, id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []domain.APIKey
	for rows.Next() {
		key, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// RevokeAPIKey marks a live key revoked. Revoking twice is ErrNotFound.
func (r Repo) RevokeAPIKey(ctx context.Context, tx *sql.Tx, id, by, at string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE api_keys SET revoked_at=?, revoked_by=? WHERE id=? AND revoked_at IS NULL`, at, by, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
