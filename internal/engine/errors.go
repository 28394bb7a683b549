package engine

import (
	"fmt"
	"strings"

	"artline/internal/domain"
)

// ArtifactLockedError means another initiative holds a live lock.
type ArtifactLockedError struct {
	Ref    domain.ArtifactRef
	Holder domain.ArtifactLock
}

func (e ArtifactLockedError) Error() string {
	return fmt.Sprintf("artifact %s is locked by %s under initiative %s until %s",
		e.Ref, e.Holder.LockedBy, e.Holder.InitiativeID, e.Holder.LockExpiry)
}

// InvalidStateTransitionError reports a lifecycle move the initiative cannot make.
// Operation is set when an artifact operation was refused because of the state.
type InvalidStateTransitionError struct {
	InitiativeID string
	From         string
	To           string
	Operation    string
}

func (e InvalidStateTransitionError) Error() string {
	if e.Operation != "" {
		return fmt.Sprintf("initiative %s is %s; %s requires an active initiative", e.InitiativeID, e.From, e.Operation)
	}
	return fmt.Sprintf("invalid initiative status transition %s -> %s", e.From, e.To)
}

// BlockedByPendingWorkError carries the exact blocking sets.
type BlockedByPendingWorkError struct {
	InitiativeID    string
	LockedArtifacts []domain.ArtifactLock
	OpenConflicts   []domain.VersionConflict
}

func (e BlockedByPendingWorkError) Error() string {
	var parts []string
	if n := len(e.LockedArtifacts); n > 0 {
		refs := make([]string, 0, n)
		for _, l := range e.LockedArtifacts {
			refs = append(refs, l.Ref.String())
		}
		parts = append(parts, fmt.Sprintf("%d checked-out artifact(s): %s", n, strings.Join(refs, ", ")))
	}
	if n := len(e.OpenConflicts); n > 0 {
		ids := make([]string, 0, n)
		for _, c := range e.OpenConflicts {
			ids = append(ids, c.ID)
		}
		parts = append(parts, fmt.Sprintf("%d open conflict(s): %s", n, strings.Join(ids, ", ")))
	}
	return fmt.Sprintf("initiative %s blocked by pending work: %s", e.InitiativeID, strings.Join(parts, "; "))
}

// BlockedArtifact is one member of a closure that could not be locked.
type BlockedArtifact struct {
	Ref    domain.ArtifactRef  `json:"artifact"`
	Holder domain.ArtifactLock `json:"holder"`
}

// BulkCheckoutError lists every blocker; nothing was locked.
type BulkCheckoutError struct {
	Blocked []BlockedArtifact
}

func (e BulkCheckoutError) Error() string {
	refs := make([]string, 0, len(e.Blocked))
	for _, b := range e.Blocked {
		refs = append(refs, fmt.Sprintf("%s (held by %s/%s)", b.Ref, b.Holder.InitiativeID, b.Holder.LockedBy))
	}
	return "bulk checkout blocked by " + strings.Join(refs, ", ")
}

// NotCheckedOutError means checkin was attempted without holding the lock.
type NotCheckedOutError struct {
	Ref          domain.ArtifactRef
	InitiativeID string
}

func (e NotCheckedOutError) Error() string {
	return fmt.Sprintf("artifact %s is not checked out by initiative %s", e.Ref, e.InitiativeID)
}

type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ConflictDetected is advisory. It rides on a successful checkin.
type ConflictDetected struct {
	ConflictID        string             `json:"conflict_id"`
	Ref               domain.ArtifactRef `json:"artifact"`
	Kind              string             `json:"kind"`
	OtherInitiativeID string             `json:"other_initiative_id,omitempty"`
	ConflictingFields []string           `json:"conflicting_fields"`
}
