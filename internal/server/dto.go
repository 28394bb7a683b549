package server

import (
	"encoding/json"

	"artline/internal/domain"
)

// Request payloads

type CreateInitiativeRequest struct {
	ID                    string `json:"initiative_id,omitempty"`
	Name                  string `json:"name"`
	Description           string `json:"description,omitempty"`
	BusinessJustification string `json:"business_justification,omitempty"`
	Priority              string `json:"priority,omitempty" enum:"low,medium,high,critical"`
	TargetCompletionDate  string `json:"target_completion_date,omitempty" example:"2024-12-31"`
	Draft                 bool   `json:"draft,omitempty"`
}

type CancelInitiativeRequest struct {
	Reason string `json:"reason,omitempty"`
}

type AddParticipantRequest struct {
	ActorID string `json:"actor_id"`
	Role    string `json:"role" enum:"lead,architect,developer,reviewer,viewer"`
}

type CheckoutRequest struct {
	InitiativeID string `json:"initiative_id"`
	Reason       string `json:"reason,omitempty"`
}

type CheckinRequest struct {
	InitiativeID string         `json:"initiative_id"`
	Changes      map[string]any `json:"changes"`
	Description  string         `json:"description,omitempty"`
	ChangeType   string         `json:"change_type,omitempty" enum:"create,update,delete"`
}

type ResolveConflictRequest struct {
	Strategy     string         `json:"strategy" enum:"accept_baseline,keep_initiative,accept_other,manual_merge,auto_merge"`
	InitiativeID string         `json:"initiative_id,omitempty"`
	Data         map[string]any `json:"data,omitempty"`
	Notes        string         `json:"notes,omitempty"`
}

type ForceCheckoutRequest struct {
	ArtifactType string `json:"artifact_type" enum:"application,interface,business_process,technical_process,internal_activity,document"`
	ArtifactID   string `json:"artifact_id"`
	InitiativeID string `json:"initiative_id"`
	UserID       string `json:"user_id,omitempty"`
	Reason       string `json:"reason"`
}

type ForceCancelRequest struct {
	ArtifactType string `json:"artifact_type" enum:"application,interface,business_process,technical_process,internal_activity,document"`
	ArtifactID   string `json:"artifact_id"`
	InitiativeID string `json:"initiative_id,omitempty"`
	Reason       string `json:"reason"`
}

type RefreshBaselineRequest struct {
	ArtifactType string `json:"artifact_type" enum:"application,interface,business_process,technical_process,internal_activity,document"`
	ArtifactID   string `json:"artifact_id"`
	Reason       string `json:"reason"`
}

type RoleChangeRequest struct {
	ActorID string `json:"actor_id"`
	RoleID  string `json:"role_id"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id,omitempty"`
	Name    string `json:"name,omitempty"`
}

type DevLoginRequest struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles,omitempty"`
}

// Responses

type DevLoginResponse struct {
	Token string `json:"token"`
}

type WhoAmIResponse struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

type PendingWorkResponse struct {
	InitiativeID    string                   `json:"initiative_id"`
	LockedArtifacts []domain.ArtifactLock    `json:"locked_artifacts"`
	OpenConflicts   []domain.VersionConflict `json:"open_conflicts"`
	CanClose        bool                     `json:"can_close"`
}

type CurrentVersionResponse struct {
	domain.ArtifactVersion
	Fields map[string]any `json:"fields"`
}

type SweepResponse struct {
	Swept int `json:"swept"`
}

type RevokeAPIKeyRequest struct {
	Reason string `json:"reason,omitempty" maxLength:"500"`
}

type APIKeyResponse struct {
	ID         string  `json:"id"`
	ActorID    string  `json:"actor_id"`
	Name       string  `json:"name,omitempty"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
	LastUsedAt *string `json:"last_used_at,omitempty" format:"date-time"`
	RevokedAt  *string `json:"revoked_at,omitempty" format:"date-time"`
	// Key is only returned on creation.
	Key string `json:"key,omitempty"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Reason     string         `json:"reason,omitempty"`
	TS         string         `json:"ts" format:"date-time"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func eventResponse(e domain.Event) EventResponse {
	payload := map[string]any{}
	if e.Payload != "" {
		_ = json.Unmarshal([]byte(e.Payload), &payload)
	}
	return EventResponse{
		ID:         e.ID,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Reason:     e.Reason,
		TS:         e.TS,
		Payload:    payload,
	}
}

func apiKeyResponse(k domain.APIKey, plain string) APIKeyResponse {
	return APIKeyResponse{
		ID:         k.ID,
		ActorID:    k.ActorID,
		Name:       k.Name,
		CreatedAt:  k.CreatedAt,
		LastUsedAt: k.LastUsedAt,
		RevokedAt:  k.RevokedAt,
		Key:        plain,
	}
}

func currentVersionResponse(v domain.ArtifactVersion) CurrentVersionResponse {
	fields := map[string]any{}
	if v.Data != "" {
		_ = json.Unmarshal([]byte(v.Data), &fields)
	}
	return CurrentVersionResponse{ArtifactVersion: v, Fields: fields}
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
