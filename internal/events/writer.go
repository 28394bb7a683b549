package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types written to the audit log.
const (
	InitiativeCreated          = "initiative.created"
	InitiativeActivated        = "initiative.activated"
	InitiativeReviewRequested  = "initiative.review_requested"
	InitiativeCompleted        = "initiative.completed"
	InitiativeCancelled        = "initiative.cancelled"
	InitiativeParticipantAdded = "initiative.participant_added"
	ArtifactCheckedOut         = "artifact.checked_out"
	ArtifactCheckedIn          = "artifact.checked_in"
	ArtifactBulkCheckedOut     = "artifact.bulk_checked_out"
	BaselineSeeded             = "baseline.seeded"
	BaselinePromoted           = "baseline.promoted"
	BaselineRefreshed          = "baseline.refreshed"
	ConflictDetected           = "conflict.detected"
	ConflictResolved           = "conflict.resolved"
	LockForceCheckout          = "lock.force_checkout"
	LockForceCancelled         = "lock.force_cancelled"
	LockReleased               = "lock.released"
	LockSwept                  = "lock.swept"
	RBACRoleGranted            = "rbac.role_granted"
	RBACRoleRevoked            = "rbac.role_revoked"
	APIKeyCreated              = "api_key.created"
	APIKeyRevoked              = "api_key.revoked"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes one audit row inside the caller's transaction so the event
// commits or rolls back with the change it describes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, actorID, reason string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,reason,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, entityKind, nullable(entityID), actorID, nullable(reason), string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
