package domain

import "fmt"

// ArtifactType names one kind of versioned record.
type ArtifactType string

const (
	TypeApplication      ArtifactType = "application"
	TypeInterface        ArtifactType = "interface"
	TypeBusinessProcess  ArtifactType = "business_process"
	TypeTechnicalProcess ArtifactType = "technical_process"
	TypeInternalActivity ArtifactType = "internal_activity"
	TypeDocument         ArtifactType = "document"
)

// ArtifactTypes lists every known artifact kind in canonical order.
var ArtifactTypes = []ArtifactType{
	TypeApplication,
	TypeInterface,
	TypeBusinessProcess,
	TypeTechnicalProcess,
	TypeInternalActivity,
	TypeDocument,
}

func (t ArtifactType) Valid() bool {
	for _, k := range ArtifactTypes {
		if k == t {
			return true
		}
	}
	return false
}

// ArtifactRef identifies an artifact. Data lives in versions or the registry.
type ArtifactRef struct {
	Type ArtifactType `json:"artifact_type" enum:"application,interface,business_process,technical_process,internal_activity,document"`
	ID   string       `json:"artifact_id"`
}

func (r ArtifactRef) String() string {
	return fmt.Sprintf("%s/%s", r.Type, r.ID)
}

// Less orders refs by (type, id). Multi-artifact operations lock in this order.
func (r ArtifactRef) Less(o ArtifactRef) bool {
	if r.Type != o.Type {
		return r.Type < o.Type
	}
	return r.ID < o.ID
}

const (
	InitiativeDraft     = "draft"
	InitiativeActive    = "active"
	InitiativeReview    = "review"
	InitiativeCompleted = "completed"
	InitiativeCancelled = "cancelled"
)

type Initiative struct {
	ID                    string  `json:"initiative_id"`
	Name                  string  `json:"name"`
	Description           string  `json:"description,omitempty"`
	BusinessJustification string  `json:"business_justification,omitempty"`
	Status                string  `json:"status" enum:"draft,active,review,completed,cancelled"`
	Priority              string  `json:"priority" enum:"low,medium,high,critical"`
	CreatedBy             string  `json:"created_by"`
	CreatedAt             string  `json:"created_at" format:"date-time"`
	UpdatedAt             string  `json:"updated_at" format:"date-time"`
	TargetCompletionDate  *string `json:"target_completion_date,omitempty"`
	ActualCompletionDate  *string `json:"actual_completion_date,omitempty" format:"date-time"`
}

// Terminal reports whether no further lifecycle move is possible.
func (i Initiative) Terminal() bool {
	return i.Status == InitiativeCompleted || i.Status == InitiativeCancelled
}

type Participant struct {
	InitiativeID string `json:"initiative_id"`
	ActorID      string `json:"actor_id"`
	Role         string `json:"role" enum:"lead,architect,developer,reviewer,viewer"`
	JoinedAt     string `json:"joined_at" format:"date-time"`
}

const (
	VersionPending    = "pending"
	VersionPromoted   = "promoted"
	VersionSuperseded = "superseded"
	VersionVoid       = "void"
)

const (
	ChangeCreate = "create"
	ChangeUpdate = "update"
	ChangeDelete = "delete"
)

// ArtifactVersion is an immutable snapshot. Only IsBaseline, BaselineDate,
// BaselinedBy and Status ever change after insert.
type ArtifactVersion struct {
	ID             string      `json:"id"`
	Ref            ArtifactRef `json:"artifact"`
	VersionNumber  int         `json:"version_number"`
	InitiativeID   *string     `json:"initiative_id,omitempty"`
	IsBaseline     bool        `json:"is_baseline"`
	Status         string      `json:"status" enum:"pending,promoted,superseded,void"`
	Data           string      `json:"data"`
	ChangedFields  []string    `json:"changed_fields"`
	ChangeType     string      `json:"change_type" enum:"create,update,delete"`
	Description    string      `json:"description,omitempty"`
	BasedOnVersion *int        `json:"based_on_version,omitempty"`
	CreatedBy      string      `json:"created_by"`
	CreatedAt      string      `json:"created_at" format:"date-time"`
	BaselineDate   *string     `json:"baseline_date,omitempty" format:"date-time"`
	BaselinedBy    *string     `json:"baselined_by,omitempty"`
}

type ArtifactLock struct {
	ID                string      `json:"id"`
	Ref               ArtifactRef `json:"artifact"`
	InitiativeID      string      `json:"initiative_id"`
	LockedBy          string      `json:"locked_by"`
	LockedAt          string      `json:"locked_at" format:"date-time"`
	LockExpiry        string      `json:"lock_expiry" format:"date-time"`
	Reason            string      `json:"reason,omitempty"`
	BaseVersionID     string      `json:"base_version_id,omitempty"`
	BaseVersionNumber int         `json:"base_version_number"`
}

const (
	ConflictOpen     = "open"
	ConflictResolved = "resolved"

	ConflictKindInitiative = "initiative"
	ConflictKindBaseline   = "baseline"
)

const (
	StrategyAcceptBaseline      = "accept_baseline"
	StrategyKeepInitiative      = "keep_initiative"
	StrategyAcceptOther         = "accept_other"
	StrategyManualMerge         = "manual_merge"
	StrategyAutoMerge           = "auto_merge"
	StrategyInitiativeCancelled = "initiative_cancelled"
)

type VersionConflict struct {
	ID                 string      `json:"id"`
	Ref                ArtifactRef `json:"artifact"`
	Kind               string      `json:"kind" enum:"initiative,baseline"`
	InitiativeID       string      `json:"initiative_id"`
	OtherInitiativeID  string      `json:"other_initiative_id,omitempty"`
	VersionID          string      `json:"version_id"`
	OtherVersionID     string      `json:"other_version_id"`
	ConflictingFields  []string    `json:"conflicting_fields"`
	ResolutionStatus   string      `json:"resolution_status" enum:"open,resolved"`
	ResolutionStrategy string      `json:"resolution_strategy,omitempty"`
	ResolvedBy         *string     `json:"resolved_by,omitempty"`
	ResolvedAt         *string     `json:"resolved_at,omitempty" format:"date-time"`
	Notes              string      `json:"notes,omitempty"`
	DetectedAt         string      `json:"detected_at" format:"date-time"`
	UpdatedAt          string      `json:"updated_at" format:"date-time"`
}

// Involves reports whether the initiative is on either side of the conflict.
func (c VersionConflict) Involves(initiativeID string) bool {
	return c.InitiativeID == initiativeID || c.OtherInitiativeID == initiativeID
}

type BaselineHistory struct {
	ID            string      `json:"id"`
	Ref           ArtifactRef `json:"artifact"`
	FromVersionID *string     `json:"from_version_id,omitempty"`
	ToVersionID   string      `json:"to_version_id"`
	InitiativeID  *string     `json:"initiative_id,omitempty"`
	BaselinedBy   string      `json:"baselined_by"`
	BaselinedAt   string      `json:"baselined_at" format:"date-time"`
	Reason        string      `json:"reason,omitempty"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Reason     string `json:"reason,omitempty"`
	Payload    string `json:"payload_json"`
}

// APIKey is a hashed key. LastUsedAt is stamped by every request that
// authenticates with it; a revoked key stays listed but no longer works.
type APIKey struct {
	ID         string  `json:"id"`
	ActorID    string  `json:"actor_id"`
	Name       string  `json:"name,omitempty"`
	KeyHash    string  `json:"key_hash"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
	LastUsedAt *string `json:"last_used_at,omitempty" format:"date-time"`
	RevokedAt  *string `json:"revoked_at,omitempty" format:"date-time"`
	RevokedBy  *string `json:"revoked_by,omitempty"`
}

func (k APIKey) Revoked() bool { return k.RevokedAt != nil }

type WhoAmI struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}
