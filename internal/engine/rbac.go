package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/sirupsen/logrus"

	"artline/internal/domain"
	"artline/internal/engine/auth"
	"artline/internal/events"
	"artline/internal/repo"
)

// Authorize checks a read-side action outside any mutation, for transports
// that gate listing endpoints.
func (e Engine) Authorize(ctx context.Context, actorID, action string, res auth.Resource) error {
	return e.Auth.Require(ctx, nil, actorID, action, res)
}

// AuthorizeInitiative is Authorize against an initiative, so creator rules apply.
func (e Engine) AuthorizeInitiative(ctx context.Context, actorID, action, initiativeID string) error {
	_, res, err := e.initiativeResource(ctx, nil, initiativeID)
	if err != nil {
		return err
	}
	return e.Auth.Require(ctx, nil, actorID, action, res)
}

func (e Engine) WhoAmI(ctx context.Context, actorID string) (domain.WhoAmI, error) {
	roles, err := e.Auth.ActorRoles(ctx, nil, actorID)
	if err != nil {
		return domain.WhoAmI{}, err
	}
	perms, err := e.Auth.ActorPermissions(ctx, nil, actorID)
	if err != nil {
		return domain.WhoAmI{}, err
	}
	if roles == nil {
		roles = []string{}
	}
	if perms == nil {
		perms = []string{}
	}
	return domain.WhoAmI{ActorID: actorID, Roles: roles, Permissions: perms}, nil
}

// GrantRole assigns a configured role. Only rbac.manage holders may call it.
func (e Engine) GrantRole(ctx context.Context, actorID, targetActorID, roleID string) error {
	return e.changeRole(ctx, actorID, targetActorID, roleID, true)
}

func (e Engine) RevokeRole(ctx context.Context, actorID, targetActorID, roleID string) error {
	return e.changeRole(ctx, actorID, targetActorID, roleID, false)
}

func (e Engine) changeRole(ctx context.Context, actorID, targetActorID, roleID string, grant bool) error {
	if targetActorID == "" {
		return ValidationError{Field: "actor_id", Message: "required"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Auth.Require(ctx, tx, actorID, auth.ActionRBACManage, auth.Resource{Kind: "role", ID: roleID}); err != nil {
		return err
	}
	ok, err := e.Repo.RoleExists(ctx, tx, roleID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("role %s: %w", roleID, repo.ErrNotFound)
	}
	if err := e.Repo.EnsureActor(ctx, tx, targetActorID, e.ts()); err != nil {
		return err
	}
	evt := events.RBACRoleGranted
	if grant {
		err = e.Repo.AssignRole(ctx, tx, targetActorID, roleID)
	} else {
		evt = events.RBACRoleRevoked
		err = e.Repo.RevokeRole(ctx, tx, targetActorID, roleID)
	}
	if err != nil {
		return err
	}
	if err := e.events().Append(ctx, tx, evt, "actor", targetActorID, actorID, "", events.EventPayload{"role": roleID}); err != nil {
		return err
	}
	return tx.Commit()
}

// CreateAPIKey mints a key for targetActorID. The plaintext is returned once;
// only its hash is stored.
func (e Engine) CreateAPIKey(ctx context.Context, actorID, targetActorID, name string) (domain.APIKey, string, error) {
	if targetActorID == "" {
		targetActorID = actorID
	}
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return domain.APIKey{}, "", err
	}
	plain := "al_" + hex.EncodeToString(raw)
	key := domain.APIKey{ID: newID(), ActorID: targetActorID, Name: name, KeyHash: repo.HashAPIKey(plain), CreatedAt: e.ts()}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.APIKey{}, "", err
	}
	defer tx.Rollback()
	if targetActorID != actorID {
		if err := e.Auth.Require(ctx, tx, actorID, auth.ActionRBACManage, auth.Resource{Kind: "actor", ID: targetActorID}); err != nil {
			return domain.APIKey{}, "", err
		}
	}
	if err := e.Repo.EnsureActor(ctx, tx, targetActorID, key.CreatedAt); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := e.events().Append(ctx, tx, events.APIKeyCreated, "api_key", key.ID, actorID, "", events.EventPayload{
		"actor_id": targetActorID, "name": name,
	}); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := tx.Commit(); err != nil {
		return domain.APIKey{}, "", err
	}
	return key, plain, nil
}

// RevokeAPIKey disables a key. Owners may revoke their own keys; anyone else
// needs rbac.manage.
func (e Engine) RevokeAPIKey(ctx context.Context, actorID, keyID, reason string) (domain.APIKey, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.APIKey{}, err
	}
	defer tx.Rollback()

	key, err := e.Repo.GetAPIKey(ctx, tx, keyID)
	if err != nil {
		return domain.APIKey{}, err
	}
	if key.ActorID != actorID {
		if err := e.Auth.Require(ctx, tx, actorID, auth.ActionRBACManage, auth.Resource{Kind: "actor", ID: key.ActorID}); err != nil {
			return domain.APIKey{}, err
		}
	}
	if key.Revoked() {
		return domain.APIKey{}, ValidationError{Field: "key_id", Message: "api key is already revoked"}
	}
	now := e.ts()
	if err := e.Repo.RevokeAPIKey(ctx, tx, key.ID, actorID, now); err != nil {
		return domain.APIKey{}, err
	}
	if err := e.events().Append(ctx, tx, events.APIKeyRevoked, "api_key", key.ID, actorID, reason, events.EventPayload{
		"actor_id": key.ActorID, "name": key.Name,
	}); err != nil {
		return domain.APIKey{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.APIKey{}, err
	}
	key.RevokedAt = &now
	key.RevokedBy = &actorID
	e.log().WithFields(logrus.Fields{"key_id": key.ID, "owner": key.ActorID, "actor_id": actorID}).Info("api key revoked")
	return key, nil
}

func (e Engine) ListAPIKeys(ctx context.Context, actorID string) ([]domain.APIKey, error) {
	keys, err := e.Repo.ListAPIKeys(ctx, actorID)
	if err != nil {
		return nil, err
	}
	if keys == nil {
		keys = []domain.APIKey{}
	}
	return keys, nil
}

type EventFilter = repo.EventFilter

// ListEvents returns audit rows newest first.
func (e Engine) ListEvents(ctx context.Context, limit int, f EventFilter) ([]domain.Event, error) {
	evts, err := e.Repo.LatestEvents(ctx, limit, f)
	if err != nil {
		return nil, err
	}
	if evts == nil {
		evts = []domain.Event{}
	}
	return evts, nil
}
