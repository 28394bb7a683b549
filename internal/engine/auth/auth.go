package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"artline/internal/config"
	"artline/internal/repo"
)

// Actions checked by Can. Each one is also the permission id a role may grant.
const (
	ActionInitiativeCreate         = "initiative.create"
	ActionInitiativeActivate       = "initiative.activate"
	ActionInitiativeRequestClosure = "initiative.request_closure"
	ActionInitiativeComplete       = "initiative.complete"
	ActionInitiativeCancel         = "initiative.cancel"
	ActionParticipantsAdd          = "initiative.participants.add"
	ActionCheckout                 = "artifact.checkout"
	ActionCheckin                  = "artifact.checkin"
	ActionBulkCheckout             = "artifact.bulk_checkout"
	ActionAnalyze                  = "artifact.analyze"
	ActionRead                     = "artifact.read"
	ActionConflictResolve          = "conflict.resolve"
	ActionConflictDetect           = "conflict.detect"
	ActionLockList                 = "lock.list"
	ActionForceCheckout            = "lock.force_checkout"
	ActionForceCancel              = "lock.force_cancel"
	ActionLockRelease              = "lock.release"
	ActionLockSweep                = "lock.sweep"
	ActionBaselineRefresh          = "baseline.refresh"
	ActionRBACManage               = "rbac.manage"
	ActionEventsRead               = "events.read"
)

var Actions = []string{
	ActionInitiativeCreate, ActionInitiativeActivate, ActionInitiativeRequestClosure, ActionInitiativeComplete,
	ActionInitiativeCancel, ActionParticipantsAdd, ActionCheckout, ActionCheckin, ActionBulkCheckout, ActionAnalyze,
	ActionRead, ActionConflictResolve, ActionConflictDetect, ActionLockList, ActionForceCheckout, ActionForceCancel,
	ActionLockRelease, ActionLockSweep, ActionBaselineRefresh, ActionRBACManage, ActionEventsRead,
}

// PermissionDeniedError indicates the actor may not perform action on resource.
type PermissionDeniedError struct {
	Action   string
	Resource string
}

func (e PermissionDeniedError) Error() string {
	if e.Resource == "" {
		return fmt.Sprintf("permission %s required", e.Action)
	}
	return fmt.Sprintf("permission %s required on %s", e.Action, e.Resource)
}

// Resource is what an action targets. CreatedBy is the initiative creator
// when the resource belongs to an initiative.
type Resource struct {
	Kind      string
	ID        string
	CreatedBy string
}

func (r Resource) String() string {
	if r.Kind == "" {
		return ""
	}
	if r.ID == "" {
		return r.Kind
	}
	return r.Kind + ":" + r.ID
}

// Service answers capability questions from granted roles and config policy.
type Service struct {
	Repo           repo.Repo
	OpenActions    []string
	CreatorActions []string
}

// NewService reads the open and creator action lists from cfg.
func NewService(db *sql.DB, cfg *config.Config) Service {
	s := Service{Repo: repo.Repo{DB: db}}
	if cfg != nil {
		s.OpenActions = cfg.RBAC.OpenActions
		s.CreatorActions = cfg.RBAC.CreatorActions
	}
	return s
}

func (s Service) EnsureActor(ctx context.Context, tx *sql.Tx, actorID string) error {
	if actorID == "" {
		return errors.New("actor_id required")
	}
	return s.Repo.EnsureActor(ctx, tx, actorID, time.Now().UTC().Format(time.RFC3339))
}

// Can reports whether actorID may perform action on res.
func (s Service) Can(ctx context.Context, tx *sql.Tx, actorID, action string, res Resource) (bool, error) {
	if actorID == "" {
		return false, nil
	}
	if contains(s.OpenActions, action) {
		return true, nil
	}
	if res.CreatedBy != "" && res.CreatedBy == actorID && contains(s.CreatorActions, action) {
		return true, nil
	}
	return s.Repo.HasPermission(ctx, tx, actorID, action)
}

// Require is Can that fails with PermissionDeniedError.
func (s Service) Require(ctx context.Context, tx *sql.Tx, actorID, action string, res Resource) error {
	ok, err := s.Can(ctx, tx, actorID, action, res)
	if err != nil {
		return err
	}
	if !ok {
		return PermissionDeniedError{Action: action, Resource: res.String()}
	}
	return nil
}

func (s Service) ActorRoles(ctx context.Context, tx *sql.Tx, actorID string) ([]string, error) {
	return s.Repo.ActorRoles(ctx, tx, actorID)
}

func (s Service) ActorPermissions(ctx context.Context, tx *sql.Tx, actorID string) ([]string, error) {
	return s.Repo.ActorPermissions(ctx, tx, actorID)
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
