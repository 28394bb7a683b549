package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"artline/internal/domain"
	"artline/internal/engine/auth"
	"artline/internal/events"
	"artline/internal/repo"
)

// CheckoutOptions are parameters for taking an editing lock.
type CheckoutOptions struct {
	Ref          domain.ArtifactRef
	InitiativeID string `validate:"required"`
	ActorID      string `validate:"required"`
	Reason       string `validate:"max=500"`
}

// Checkout grants the initiative an exclusive lock on the artifact. Calling
// it again as the same actor and initiative returns the existing lock.
func (e Engine) Checkout(ctx context.Context, opts CheckoutOptions) (lock domain.ArtifactLock, err error) {
	defer func() { checkoutTotal.WithLabelValues(resultLabel(err)).Inc() }()
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

	in, err := e.requireActiveInitiative(ctx, tx, opts.InitiativeID, "checkout")
	if err != nil {
		return domain.ArtifactLock{}, err
	}
	if err := e.Auth.Require(ctx, tx, opts.ActorID, auth.ActionCheckout, artifactResource(opts.Ref, in)); err != nil {
		return domain.ArtifactLock{}, err
	}
	if err := e.Repo.EnsureActor(ctx, tx, opts.ActorID, e.ts()); err != nil {
		return domain.ArtifactLock{}, err
	}
	res, err := e.acquireLock(ctx, tx, lockRequest{
		Ref:        opts.Ref,
		Initiative: in,
		LockedBy:   opts.ActorID,
		ActorID:    opts.ActorID,
		Reason:     opts.Reason,
	})
	if err != nil {
		return domain.ArtifactLock{}, err
	}
	if res.Created {
		if err := e.events().Append(ctx, tx, events.ArtifactCheckedOut, "artifact", opts.Ref.String(), opts.ActorID, opts.Reason, events.EventPayload{
			"lock_id":       res.Lock.ID,
			"initiative_id": in.ID,
			"lock_expiry":   res.Lock.LockExpiry,
			"base_version":  res.Lock.BaseVersionNumber,
		}); err != nil {
			return domain.ArtifactLock{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.ArtifactLock{}, err
	}
	if res.Created {
		e.log().WithFields(logrus.Fields{
			"artifact":      opts.Ref.String(),
			"initiative_id": in.ID,
			"actor_id":      opts.ActorID,
			"version":       res.Lock.BaseVersionNumber,
		}).Info("artifact checked out")
	}
	return res.Lock, nil
}

type lockRequest struct {
	Ref        domain.ArtifactRef
	Initiative domain.Initiative
	LockedBy   string
	ActorID    string
	Reason     string
	// Force removes a live lock held by anyone else instead of failing.
	Force bool
}

type lockResult struct {
	Lock       domain.ArtifactLock
	Created    bool
	Overridden []domain.ArtifactLock
}

func (e Engine) lockLive(l domain.ArtifactLock) bool {
	exp, err := time.Parse(time.RFC3339, l.LockExpiry)
	if err != nil {
		return false
	}
	return e.now().UTC().Before(exp)
}

// acquireLock is the single lock-granting path for checkout, bulk checkout
// and force checkout. It runs inside the caller's transaction.
func (e Engine) acquireLock(ctx context.Context, tx *sql.Tx, req lockRequest) (lockResult, error) {
	var res lockResult
	existing, err := e.Repo.GetLockForArtifact(ctx, tx, req.Ref)
	switch {
	case err == nil && !e.lockLive(existing):
		if err := e.Repo.DeleteLock(ctx, tx, existing.ID); err != nil {
			return res, err
		}
		if err := e.events().Append(ctx, tx, events.LockSwept, "lock", existing.ID, req.ActorID, "expired", events.EventPayload{
			"artifact": existing.Ref.String(), "initiative_id": existing.InitiativeID, "locked_by": existing.LockedBy,
		}); err != nil {
			return res, err
		}
	case err == nil && existing.InitiativeID == req.Initiative.ID && existing.LockedBy == req.LockedBy:
		res.Lock = existing
		return res, nil
	case err == nil && req.Force:
		if err := e.Repo.DeleteLock(ctx, tx, existing.ID); err != nil {
			return res, err
		}
		res.Overridden = append(res.Overridden, existing)
	case err == nil:
		return res, ArtifactLockedError{Ref: req.Ref, Holder: existing}
	case !isNotFound(err):
		return res, err
	}

	baseline, err := e.ensureBaseline(ctx, tx, req.Ref, req.ActorID)
	if err != nil {
		return res, err
	}
	base := baseline
	if pending, err := e.Repo.GetPendingVersion(ctx, tx, req.Ref, req.Initiative.ID); err == nil {
		if pending.BasedOnVersion != nil {
			if synced, err := e.Repo.GetVersionByNumber(ctx, tx, req.Ref, *pending.BasedOnVersion); err == nil {
				base = synced
			}
		}
	} else if !isNotFound(err) {
		return res, err
	}

	now := e.now().UTC()
	lock := domain.ArtifactLock{
		ID:                newID(),
		Ref:               req.Ref,
		InitiativeID:      req.Initiative.ID,
		LockedBy:          req.LockedBy,
		LockedAt:          now.Format(time.RFC3339),
		LockExpiry:        now.Add(e.config().LockTTL()).Format(time.RFC3339),
		Reason:            req.Reason,
		BaseVersionID:     base.ID,
		BaseVersionNumber: base.VersionNumber,
	}
	if err := e.Repo.InsertLock(ctx, tx, lock); err != nil {
		if repo.IsUniqueViolation(err) {
			holder, herr := e.Repo.GetLockForArtifact(ctx, tx, req.Ref)
			if herr == nil {
				return res, ArtifactLockedError{Ref: req.Ref, Holder: holder}
			}
		}
		return res, fmt.Errorf("insert lock: %w", err)
	}
	res.Lock = lock
	res.Created = true
	return res, nil
}

// CheckinOptions carry a top-level field patch over the working copy.
type CheckinOptions struct {
	Ref          domain.ArtifactRef
	InitiativeID string `validate:"required"`
	ActorID      string `validate:"required"`
	Changes      map[string]any
	Description  string `validate:"max=2000"`
	ChangeType   string `validate:"omitempty,oneof=create update delete"`
}

type CheckinResult struct {
	Version   domain.ArtifactVersion `json:"version"`
	Conflicts []ConflictDetected     `json:"conflicts"`
}

// Checkin commits a new pending version for the initiative and releases its
// lock. Divergences found along the way are recorded, never fatal.
func (e Engine) Checkin(ctx context.Context, opts CheckinOptions) (result CheckinResult, err error) {
	defer func() { checkinTotal.WithLabelValues(resultLabel(err)).Inc() }()
	if err := validateStruct(opts); err != nil {
		return CheckinResult{}, err
	}
	if err := validateRef(opts.Ref); err != nil {
		return CheckinResult{}, err
	}
	if opts.ChangeType == "" {
		opts.ChangeType = domain.ChangeUpdate
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return CheckinResult{}, err
	}
	defer tx.Rollback()

	in, err := e.requireActiveInitiative(ctx, tx, opts.InitiativeID, "checkin")
	if err != nil {
		return CheckinResult{}, err
	}
	if err := e.Auth.Require(ctx, tx, opts.ActorID, auth.ActionCheckin, artifactResource(opts.Ref, in)); err != nil {
		return CheckinResult{}, err
	}
	lock, err := e.Repo.GetLockForArtifact(ctx, tx, opts.Ref)
	if err != nil {
		if isNotFound(err) {
			return CheckinResult{}, NotCheckedOutError{Ref: opts.Ref, InitiativeID: in.ID}
		}
		return CheckinResult{}, err
	}
	if lock.InitiativeID != in.ID || lock.LockedBy != opts.ActorID || !e.lockLive(lock) {
		return CheckinResult{}, NotCheckedOutError{Ref: opts.Ref, InitiativeID: in.ID}
	}

	syncBase, err := e.Repo.GetVersion(ctx, tx, lock.BaseVersionID)
	if err != nil {
		return CheckinResult{}, fmt.Errorf("sync base for %s: %w", opts.Ref, err)
	}
	working := syncBase
	if pending, err := e.Repo.GetPendingVersion(ctx, tx, opts.Ref, in.ID); err == nil {
		working = pending
	} else if !isNotFound(err) {
		return CheckinResult{}, err
	}
	payload, err := domain.DecodePayload(opts.Ref.Type, []byte(working.Data))
	if err != nil {
		return CheckinResult{}, err
	}
	payload, err = domain.ApplyPatch(payload, opts.Changes)
	if err != nil {
		var uf domain.UnknownFieldError
		if errors.As(err, &uf) {
			return CheckinResult{}, ValidationError{Field: uf.Field, Message: uf.Error()}
		}
		return CheckinResult{}, ValidationError{Field: "changes", Message: err.Error()}
	}
	version, err := e.appendPending(ctx, tx, appendRequest{
		Ref:         opts.Ref,
		Initiative:  in.ID,
		ActorID:     opts.ActorID,
		Payload:     payload,
		SyncBase:    syncBase,
		ChangeType:  opts.ChangeType,
		Description: opts.Description,
	})
	if err != nil {
		return CheckinResult{}, err
	}
	if err := e.Repo.DeleteLock(ctx, tx, lock.ID); err != nil {
		return CheckinResult{}, err
	}
	detected, err := e.detectForVersion(ctx, tx, version, syncBase, opts.ActorID)
	if err != nil {
		return CheckinResult{}, err
	}
	if err := e.events().Append(ctx, tx, events.ArtifactCheckedIn, "artifact", opts.Ref.String(), opts.ActorID, opts.Description, events.EventPayload{
		"version_id":     version.ID,
		"version_number": version.VersionNumber,
		"initiative_id":  in.ID,
		"changed_fields": version.ChangedFields,
		"conflicts":      len(detected),
	}); err != nil {
		return CheckinResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return CheckinResult{}, err
	}
	e.log().WithFields(logrus.Fields{
		"artifact":      opts.Ref.String(),
		"initiative_id": in.ID,
		"actor_id":      opts.ActorID,
		"version":       version.VersionNumber,
		"conflicts":     len(detected),
	}).Info("artifact checked in")
	return CheckinResult{Version: version, Conflicts: detected}, nil
}

type appendRequest struct {
	Ref         domain.ArtifactRef
	Initiative  string
	ActorID     string
	Payload     domain.Payload
	SyncBase    domain.ArtifactVersion
	ChangeType  string
	Description string
}

// appendPending writes the initiative's next working copy and supersedes the
// previous one. The version number is taken under the write lock, so numbers
// stay gap-free across initiatives.
func (e Engine) appendPending(ctx context.Context, tx *sql.Tx, req appendRequest) (domain.ArtifactVersion, error) {
	data, err := domain.Encode(req.Payload)
	if err != nil {
		return domain.ArtifactVersion{}, err
	}
	basePayload, err := domain.DecodePayload(req.Ref.Type, []byte(req.SyncBase.Data))
	if err != nil {
		return domain.ArtifactVersion{}, err
	}
	changed := conflictDiff(req.Ref.Type, basePayload, req.Payload)
	number, err := e.Repo.NextVersionNumber(ctx, tx, req.Ref)
	if err != nil {
		return domain.ArtifactVersion{}, err
	}
	if err := e.Repo.SupersedePending(ctx, tx, req.Ref, req.Initiative); err != nil {
		return domain.ArtifactVersion{}, err
	}
	initiative := req.Initiative
	basedOn := req.SyncBase.VersionNumber
	v := domain.ArtifactVersion{
		ID:             newID(),
		Ref:            req.Ref,
		VersionNumber:  number,
		InitiativeID:   &initiative,
		Status:         domain.VersionPending,
		Data:           data,
		ChangedFields:  changed,
		ChangeType:     req.ChangeType,
		Description:    req.Description,
		BasedOnVersion: &basedOn,
		CreatedBy:      req.ActorID,
		CreatedAt:      e.ts(),
	}
	if err := e.Repo.InsertVersion(ctx, tx, v); err != nil {
		return domain.ArtifactVersion{}, fmt.Errorf("insert version: %w", err)
	}
	return v, nil
}

// LockScope narrows ListLocks. Expired locks are hidden unless IncludeExpired.
type LockScope struct {
	InitiativeID   string
	Type           domain.ArtifactType
	ID             string
	LockedBy       string
	IncludeExpired bool
}

func (e Engine) ListLocks(ctx context.Context, scope LockScope) ([]domain.ArtifactLock, error) {
	f := repo.LockFilter{
		InitiativeID: scope.InitiativeID,
		Type:         scope.Type,
		ID:           scope.ID,
		LockedBy:     scope.LockedBy,
	}
	if !scope.IncludeExpired {
		f.ActiveAt = e.ts()
	}
	locks, err := e.Repo.ListLocks(ctx, nil, f)
	if err != nil {
		return nil, err
	}
	if locks == nil {
		locks = []domain.ArtifactLock{}
	}
	return locks, nil
}
