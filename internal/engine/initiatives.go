package engine

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"artline/internal/domain"
	"artline/internal/engine/auth"
	"artline/internal/events"
	"artline/internal/repo"
)

type CreateInitiativeOptions struct {
	ID                    string `validate:"omitempty,max=64"`
	Name                  string `validate:"required,max=200"`
	Description           string
	BusinessJustification string
	Priority              string `validate:"omitempty,oneof=low medium high critical"`
	TargetCompletionDate  string `validate:"omitempty,datetime=2006-01-02"`
	Draft                 bool
	ActorID               string `validate:"required"`
}

func newInitiativeID(now time.Time) string {
	return fmt.Sprintf("INIT-%d-%04d", now.Unix(), rand.Intn(10000))
}

// CreateInitiative opens a unit of work. The creator joins as lead.
func (e Engine) CreateInitiative(ctx context.Context, opts CreateInitiativeOptions) (domain.Initiative, error) {
	if err := validateStruct(opts); err != nil {
		return domain.Initiative{}, err
	}
	now := e.now().UTC()
	in := domain.Initiative{
		ID:                    strings.TrimSpace(opts.ID),
		Name:                  opts.Name,
		Description:           opts.Description,
		BusinessJustification: opts.BusinessJustification,
		Status:                domain.InitiativeActive,
		Priority:              opts.Priority,
		CreatedBy:             opts.ActorID,
		CreatedAt:             now.Format(time.RFC3339),
		UpdatedAt:             now.Format(time.RFC3339),
	}
	if in.ID == "" {
		in.ID = newInitiativeID(now)
	}
	if in.Priority == "" {
		in.Priority = "medium"
	}
	if opts.Draft {
		in.Status = domain.InitiativeDraft
	}
	if opts.TargetCompletionDate != "" {
		in.TargetCompletionDate = &opts.TargetCompletionDate
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return in, err
	}
	defer tx.Rollback()

	if err := e.Auth.Require(ctx, tx, opts.ActorID, auth.ActionInitiativeCreate, auth.Resource{Kind: "initiative"}); err != nil {
		return in, err
	}
	if err := e.Repo.EnsureActor(ctx, tx, opts.ActorID, in.CreatedAt); err != nil {
		return in, err
	}
	if err := e.Repo.InsertInitiative(ctx, tx, in); err != nil {
		if repo.IsUniqueViolation(err) {
			return in, ValidationError{Field: "id", Message: fmt.Sprintf("initiative %s already exists", in.ID)}
		}
		return in, err
	}
	if err := e.Repo.AddParticipant(ctx, tx, domain.Participant{
		InitiativeID: in.ID, ActorID: opts.ActorID, Role: "lead", JoinedAt: in.CreatedAt,
	}); err != nil {
		return in, err
	}
	if err := e.events().Append(ctx, tx, events.InitiativeCreated, "initiative", in.ID, opts.ActorID, "", events.EventPayload{
		"name": in.Name, "status": in.Status, "priority": in.Priority,
	}); err != nil {
		return in, err
	}
	if err := tx.Commit(); err != nil {
		return in, err
	}
	e.log().WithFields(logrus.Fields{"initiative_id": in.ID, "actor_id": opts.ActorID, "status": in.Status}).Info("initiative created")
	return in, nil
}

func (e Engine) GetInitiative(ctx context.Context, id string) (domain.Initiative, error) {
	return e.Repo.GetInitiative(ctx, nil, id)
}

func (e Engine) ListInitiatives(ctx context.Context, status string) ([]domain.Initiative, error) {
	items, err := e.Repo.ListInitiatives(ctx, status)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []domain.Initiative{}
	}
	return items, nil
}

func ensureInitiativeTransition(id, from, to string) error {
	switch from {
	case domain.InitiativeDraft:
		if to == domain.InitiativeActive || to == domain.InitiativeCancelled {
			return nil
		}
	case domain.InitiativeActive:
		if to == domain.InitiativeReview || to == domain.InitiativeCompleted || to == domain.InitiativeCancelled {
			return nil
		}
	case domain.InitiativeReview:
		if to == domain.InitiativeCompleted || to == domain.InitiativeCancelled {
			return nil
		}
	}
	return InvalidStateTransitionError{InitiativeID: id, From: from, To: to}
}

// pendingWork lists live locks and open conflicts that keep an initiative
// from closing.
func (e Engine) pendingWork(ctx context.Context, tx *sql.Tx, initiativeID string) ([]domain.ArtifactLock, []domain.VersionConflict, error) {
	locks, err := e.Repo.ListLocks(ctx, tx, repo.LockFilter{InitiativeID: initiativeID, ActiveAt: e.ts()})
	if err != nil {
		return nil, nil, err
	}
	conflicts, err := e.Repo.ListConflicts(ctx, tx, repo.ConflictFilter{InitiativeID: initiativeID, Status: domain.ConflictOpen})
	if err != nil {
		return nil, nil, err
	}
	if locks == nil {
		locks = []domain.ArtifactLock{}
	}
	if conflicts == nil {
		conflicts = []domain.VersionConflict{}
	}
	return locks, conflicts, nil
}

func (e Engine) requireNoPendingWork(ctx context.Context, tx *sql.Tx, initiativeID string) error {
	locks, conflicts, err := e.pendingWork(ctx, tx, initiativeID)
	if err != nil {
		return err
	}
	if len(locks) > 0 || len(conflicts) > 0 {
		return BlockedByPendingWorkError{InitiativeID: initiativeID, LockedArtifacts: locks, OpenConflicts: conflicts}
	}
	return nil
}

// PendingWork reports what still blocks closing the initiative.
func (e Engine) PendingWork(ctx context.Context, initiativeID string) ([]domain.ArtifactLock, []domain.VersionConflict, error) {
	if _, err := e.Repo.GetInitiative(ctx, nil, initiativeID); err != nil {
		return nil, nil, err
	}
	return e.pendingWork(ctx, nil, initiativeID)
}

// transition runs one lifecycle move. check runs inside the transaction
// after the state test and before the status flips.
func (e Engine) transition(ctx context.Context, id, actorID, action, to, evt, reason string, check func(tx *sql.Tx, in domain.Initiative) (events.EventPayload, error)) (domain.Initiative, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Initiative{}, err
	}
	defer tx.Rollback()

	in, res, err := e.initiativeResource(ctx, tx, id)
	if err != nil {
		return in, err
	}
	if err := e.Auth.Require(ctx, tx, actorID, action, res); err != nil {
		return in, err
	}
	if err := ensureInitiativeTransition(in.ID, in.Status, to); err != nil {
		return in, err
	}
	payload := events.EventPayload{"from": in.Status, "to": to}
	if check != nil {
		extra, err := check(tx, in)
		if err != nil {
			return in, err
		}
		for k, v := range extra {
			payload[k] = v
		}
	}
	now := e.ts()
	var completedAt *string
	if to == domain.InitiativeCompleted {
		completedAt = &now
	}
	if err := e.Repo.UpdateInitiativeStatus(ctx, tx, in.ID, to, now, completedAt, in.Status); err != nil {
		if isNotFound(err) {
			return in, InvalidStateTransitionError{InitiativeID: in.ID, From: in.Status, To: to}
		}
		return in, err
	}
	if err := e.events().Append(ctx, tx, evt, "initiative", in.ID, actorID, reason, payload); err != nil {
		return in, err
	}
	if err := tx.Commit(); err != nil {
		return in, err
	}
	from := in.Status
	in.Status = to
	in.UpdatedAt = now
	if completedAt != nil {
		in.ActualCompletionDate = completedAt
	}
	e.log().WithFields(logrus.Fields{"initiative_id": in.ID, "actor_id": actorID, "from": from, "to": to}).Info("initiative status changed")
	return in, nil
}

func (e Engine) ActivateInitiative(ctx context.Context, id, actorID string) (domain.Initiative, error) {
	return e.transition(ctx, id, actorID, auth.ActionInitiativeActivate, domain.InitiativeActive, events.InitiativeActivated, "", nil)
}

// RequestClosure moves an active initiative to review once nothing is
// checked out and no conflict is open.
func (e Engine) RequestClosure(ctx context.Context, id, actorID string) (domain.Initiative, error) {
	return e.transition(ctx, id, actorID, auth.ActionInitiativeRequestClosure, domain.InitiativeReview, events.InitiativeReviewRequested, "",
		func(tx *sql.Tx, in domain.Initiative) (events.EventPayload, error) {
			return nil, e.requireNoPendingWork(ctx, tx, in.ID)
		})
}

// CompleteInitiative promotes every pending version of the initiative to
// baseline, drops residual locks and marks it completed. All or nothing.
func (e Engine) CompleteInitiative(ctx context.Context, id, actorID string) (domain.Initiative, error) {
	return e.transition(ctx, id, actorID, auth.ActionInitiativeComplete, domain.InitiativeCompleted, events.InitiativeCompleted, "",
		func(tx *sql.Tx, in domain.Initiative) (events.EventPayload, error) {
			if err := e.requireNoPendingWork(ctx, tx, in.ID); err != nil {
				return nil, err
			}
			promoted, err := e.promoteToBaseline(ctx, tx, in.ID, actorID)
			if err != nil {
				return nil, err
			}
			released, err := e.Repo.DeleteLocksForInitiative(ctx, tx, in.ID)
			if err != nil {
				return nil, err
			}
			refs := make([]string, 0, len(promoted))
			for _, v := range promoted {
				refs = append(refs, fmt.Sprintf("%s@v%d", v.Ref, v.VersionNumber))
			}
			return events.EventPayload{"promoted": refs, "released_locks": released}, nil
		})
}

// CloseInitiative is CompleteInitiative.
func (e Engine) CloseInitiative(ctx context.Context, id, actorID string) (domain.Initiative, error) {
	return e.CompleteInitiative(ctx, id, actorID)
}

// CancelInitiative voids the initiative's pending versions, closes every
// conflict it is part of and drops its locks. Nothing is deleted but locks.
func (e Engine) CancelInitiative(ctx context.Context, id, actorID, reason string) (domain.Initiative, error) {
	return e.transition(ctx, id, actorID, auth.ActionInitiativeCancel, domain.InitiativeCancelled, events.InitiativeCancelled, reason,
		func(tx *sql.Tx, in domain.Initiative) (events.EventPayload, error) {
			voided, err := e.Repo.VoidPendingForInitiative(ctx, tx, in.ID)
			if err != nil {
				return nil, err
			}
			closed, err := e.Repo.ResolveConflictsForInitiative(ctx, tx, in.ID, domain.StrategyInitiativeCancelled, actorID, e.ts())
			if err != nil {
				return nil, err
			}
			released, err := e.Repo.DeleteLocksForInitiative(ctx, tx, in.ID)
			if err != nil {
				return nil, err
			}
			return events.EventPayload{"voided_versions": voided, "closed_conflicts": closed, "released_locks": released}, nil
		})
}

type AddParticipantOptions struct {
	InitiativeID  string `validate:"required"`
	ParticipantID string `validate:"required"`
	Role          string `validate:"required,oneof=lead architect developer reviewer viewer"`
	ActorID       string `validate:"required"`
}

func (e Engine) AddParticipant(ctx context.Context, opts AddParticipantOptions) (domain.Participant, error) {
	if err := validateStruct(opts); err != nil {
		return domain.Participant{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Participant{}, err
	}
	defer tx.Rollback()

	in, res, err := e.initiativeResource(ctx, tx, opts.InitiativeID)
	if err != nil {
		return domain.Participant{}, err
	}
	if err := e.Auth.Require(ctx, tx, opts.ActorID, auth.ActionParticipantsAdd, res); err != nil {
		return domain.Participant{}, err
	}
	if in.Terminal() {
		return domain.Participant{}, InvalidStateTransitionError{InitiativeID: in.ID, From: in.Status, Operation: "adding participants"}
	}
	p := domain.Participant{InitiativeID: in.ID, ActorID: opts.ParticipantID, Role: opts.Role, JoinedAt: e.ts()}
	if err := e.Repo.EnsureActor(ctx, tx, opts.ParticipantID, p.JoinedAt); err != nil {
		return p, err
	}
	if err := e.Repo.AddParticipant(ctx, tx, p); err != nil {
		return p, err
	}
	if err := e.events().Append(ctx, tx, events.InitiativeParticipantAdded, "initiative", in.ID, opts.ActorID, "", events.EventPayload{
		"participant": p.ActorID, "role": p.Role,
	}); err != nil {
		return p, err
	}
	if err := tx.Commit(); err != nil {
		return p, err
	}
	return p, nil
}

func (e Engine) ListParticipants(ctx context.Context, initiativeID string) ([]domain.Participant, error) {
	if _, err := e.Repo.GetInitiative(ctx, nil, initiativeID); err != nil {
		return nil, err
	}
	items, err := e.Repo.ListParticipants(ctx, initiativeID)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []domain.Participant{}
	}
	return items, nil
}
