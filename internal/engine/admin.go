package engine

import (
	"context"

	"github.com/sirupsen/logrus"

	"artline/internal/domain"
	"artline/internal/engine/auth"
	"artline/internal/events"
)

// ForceOptions name an artifact's lock for an audited admin release.
// InitiativeID, when set, must match the lock's initiative.
type ForceOptions struct {
	Ref          domain.ArtifactRef
	InitiativeID string
	Reason       string `validate:"required,max=500"`
	ActorID      string `validate:"required"`
}

// ForceCancelCheckout drops the lock on an artifact whoever holds it. The
// holder's pending version, if any, stays for later disposition.
func (e Engine) ForceCancelCheckout(ctx context.Context, opts ForceOptions) (domain.ArtifactLock, error) {
	if err := validateStruct(opts); err != nil {
		return domain.ArtifactLock{}, err
	}
	if err := validateRef(opts.Ref); err != nil {
		return domain.ArtifactLock{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ArtifactLock{}, err
	}
	defer tx.Rollback()

	if err := e.Auth.Require(ctx, tx, opts.ActorID, auth.ActionForceCancel, auth.Resource{Kind: "artifact", ID: opts.Ref.String()}); err != nil {
		return domain.ArtifactLock{}, err
	}
	lock, err := e.Repo.GetLockForArtifact(ctx, tx, opts.Ref)
	if err != nil {
		if isNotFound(err) && opts.InitiativeID != "" {
			return domain.ArtifactLock{}, NotCheckedOutError{Ref: opts.Ref, InitiativeID: opts.InitiativeID}
		}
		return domain.ArtifactLock{}, err
	}
	if opts.InitiativeID != "" && lock.InitiativeID != opts.InitiativeID {
		return domain.ArtifactLock{}, NotCheckedOutError{Ref: opts.Ref, InitiativeID: opts.InitiativeID}
	}
	if err := e.Repo.DeleteLock(ctx, tx, lock.ID); err != nil {
		return domain.ArtifactLock{}, err
	}
	if err := e.events().Append(ctx, tx, events.LockForceCancelled, "lock", lock.ID, opts.ActorID, opts.Reason, events.EventPayload{
		"artifact": lock.Ref.String(), "initiative_id": lock.InitiativeID, "locked_by": lock.LockedBy,
	}); err != nil {
		return domain.ArtifactLock{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ArtifactLock{}, err
	}
	adminOverrides.WithLabelValues("force_cancel").Inc()
	e.log().WithFields(logrus.Fields{
		"artifact":      lock.Ref.String(),
		"initiative_id": lock.InitiativeID,
		"actor_id":      opts.ActorID,
		"reason":        opts.Reason,
	}).Warn("checkout force-cancelled")
	return lock, nil
}

type ForceCheckoutOptions struct {
	Ref          domain.ArtifactRef
	InitiativeID string `validate:"required"`
	// UserID receives the lock; it defaults to ActorID.
	UserID  string
	Reason  string `validate:"required,max=500"`
	ActorID string `validate:"required"`
}

type ForceCheckoutResult struct {
	Lock            domain.ArtifactLock   `json:"lock"`
	OverriddenUsers []string              `json:"overridden_users"`
	OverriddenLocks []domain.ArtifactLock `json:"overridden_locks"`
}

// ForceCheckout takes the lock for the target initiative, removing whatever
// lock was there. It goes through the same lock path as Checkout.
func (e Engine) ForceCheckout(ctx context.Context, opts ForceCheckoutOptions) (ForceCheckoutResult, error) {
	if err := validateStruct(opts); err != nil {
		return ForceCheckoutResult{}, err
	}
	if err := validateRef(opts.Ref); err != nil {
		return ForceCheckoutResult{}, err
	}
	if opts.UserID == "" {
		opts.UserID = opts.ActorID
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ForceCheckoutResult{}, err
	}
	defer tx.Rollback()

	in, err := e.requireActiveInitiative(ctx, tx, opts.InitiativeID, "force checkout")
	if err != nil {
		return ForceCheckoutResult{}, err
	}
	if err := e.Auth.Require(ctx, tx, opts.ActorID, auth.ActionForceCheckout, artifactResource(opts.Ref, in)); err != nil {
		return ForceCheckoutResult{}, err
	}
	for _, id := range []string{opts.ActorID, opts.UserID} {
		if err := e.Repo.EnsureActor(ctx, tx, id, e.ts()); err != nil {
			return ForceCheckoutResult{}, err
		}
	}
	res, err := e.acquireLock(ctx, tx, lockRequest{
		Ref:        opts.Ref,
		Initiative: in,
		LockedBy:   opts.UserID,
		ActorID:    opts.ActorID,
		Reason:     opts.Reason,
		Force:      true,
	})
	if err != nil {
		return ForceCheckoutResult{}, err
	}
	result := ForceCheckoutResult{Lock: res.Lock, OverriddenUsers: []string{}, OverriddenLocks: []domain.ArtifactLock{}}
	for _, l := range res.Overridden {
		result.OverriddenUsers = append(result.OverriddenUsers, l.LockedBy)
		result.OverriddenLocks = append(result.OverriddenLocks, l)
	}
	if err := e.events().Append(ctx, tx, events.LockForceCheckout, "artifact", opts.Ref.String(), opts.ActorID, opts.Reason, events.EventPayload{
		"lock_id":          res.Lock.ID,
		"initiative_id":    in.ID,
		"locked_by":        opts.UserID,
		"overridden_users": result.OverriddenUsers,
	}); err != nil {
		return ForceCheckoutResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return ForceCheckoutResult{}, err
	}
	adminOverrides.WithLabelValues("force_checkout").Inc()
	e.log().WithFields(logrus.Fields{
		"artifact":      opts.Ref.String(),
		"initiative_id": in.ID,
		"actor_id":      opts.ActorID,
		"overridden":    result.OverriddenUsers,
		"reason":        opts.Reason,
	}).Warn("artifact force checked out")
	return result, nil
}

// ReleaseLock deletes a lock by id, unconditionally.
func (e Engine) ReleaseLock(ctx context.Context, lockID, actorID, reason string) (domain.ArtifactLock, error) {
	if lockID == "" {
		return domain.ArtifactLock{}, ValidationError{Field: "lock_id", Message: "required"}
	}
	if reason == "" {
		return domain.ArtifactLock{}, ValidationError{Field: "reason", Message: "required"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ArtifactLock{}, err
	}
	defer tx.Rollback()

	if err := e.Auth.Require(ctx, tx, actorID, auth.ActionLockRelease, auth.Resource{Kind: "lock", ID: lockID}); err != nil {
		return domain.ArtifactLock{}, err
	}
	lock, err := e.Repo.GetLock(ctx, tx, lockID)
	if err != nil {
		return lock, err
	}
	if err := e.Repo.DeleteLock(ctx, tx, lock.ID); err != nil {
		return lock, err
	}
	if err := e.events().Append(ctx, tx, events.LockReleased, "lock", lock.ID, actorID, reason, events.EventPayload{
		"artifact": lock.Ref.String(), "initiative_id": lock.InitiativeID, "locked_by": lock.LockedBy,
	}); err != nil {
		return lock, err
	}
	if err := tx.Commit(); err != nil {
		return lock, err
	}
	adminOverrides.WithLabelValues("release").Inc()
	e.log().WithFields(logrus.Fields{
		"artifact":      lock.Ref.String(),
		"initiative_id": lock.InitiativeID,
		"actor_id":      actorID,
		"reason":        reason,
	}).Warn("lock released")
	return lock, nil
}
