package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"artline/internal/domain"
	"artline/internal/engine"
	"artline/internal/engine/auth"
)

func registerLocksAndConflicts(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-locks",
		Method:      http.MethodGet,
		Path:        "/locks",
		Summary:     "List locks",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		InitiativeID   string `query:"initiative_id"`
		ArtifactType   string `query:"artifact_type" enum:"application,interface,business_process,technical_process,internal_activity,document"`
		ArtifactID     string `query:"artifact_id"`
		LockedBy       string `query:"locked_by"`
		IncludeExpired bool   `query:"include_expired"`
	}) (*out[[]domain.ArtifactLock], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.Authorize(ctx, actorID, auth.ActionLockList, auth.Resource{Kind: "lock"}); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListLocks(ctx, engine.LockScope{
			InitiativeID:   input.InitiativeID,
			Type:           domain.ArtifactType(input.ArtifactType),
			ID:             input.ArtifactID,
			LockedBy:       input.LockedBy,
			IncludeExpired: input.IncludeExpired,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(nonNilSlice(items)), nil
	})

	type conflictPath struct {
		ConflictID string `path:"conflict_id"`
	}

	huma.Register(api, huma.Operation{
		OperationID: "get-conflict",
		Method:      http.MethodGet,
		Path:        "/conflicts/{conflict_id}",
		Summary:     "Get conflict",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *conflictPath) (*out[domain.VersionConflict], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.Authorize(ctx, actorID, auth.ActionRead, auth.Resource{Kind: "conflict", ID: input.ConflictID}); err != nil {
			return nil, handleError(err)
		}
		c, err := e.GetConflict(ctx, input.ConflictID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(c), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "analyze-conflict",
		Method:      http.MethodGet,
		Path:        "/conflicts/{conflict_id}/analysis",
		Summary:     "Field-level conflict analysis and suggested strategy",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *conflictPath) (*out[engine.ConflictAnalysis], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.Authorize(ctx, actorID, auth.ActionAnalyze, auth.Resource{Kind: "conflict", ID: input.ConflictID}); err != nil {
			return nil, handleError(err)
		}
		a, err := e.AnalyzeConflict(ctx, input.ConflictID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(a), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-conflict",
		Method:      http.MethodPost,
		Path:        "/conflicts/{conflict_id}/resolve",
		Summary:     "Resolve a conflict with a strategy",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ConflictID string                 `path:"conflict_id"`
		Body       ResolveConflictRequest `json:"body"`
	}) (*out[engine.ResolveResult], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.ResolveConflict(ctx, engine.ResolveConflictOptions{
			ConflictID:   input.ConflictID,
			Strategy:     input.Body.Strategy,
			InitiativeID: input.Body.InitiativeID,
			Data:         input.Body.Data,
			Notes:        input.Body.Notes,
			ActorID:      actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		res.Conflicts = nonNilSlice(res.Conflicts)
		return reply(res), nil
	})
}

func registerAdmin(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "force-checkout",
		Method:      http.MethodPost,
		Path:        "/admin/locks/force-checkout",
		Summary:     "Take a lock for an initiative, overriding any holder",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body ForceCheckoutRequest `json:"body"`
	}) (*out[engine.ForceCheckoutResult], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.ForceCheckout(ctx, engine.ForceCheckoutOptions{
			Ref:          domain.ArtifactRef{Type: domain.ArtifactType(input.Body.ArtifactType), ID: input.Body.ArtifactID},
			InitiativeID: input.Body.InitiativeID,
			UserID:       input.Body.UserID,
			Reason:       input.Body.Reason,
			ActorID:      actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "force-cancel-checkout",
		Method:      http.MethodPost,
		Path:        "/admin/locks/force-cancel",
		Summary:     "Drop the lock on an artifact",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body ForceCancelRequest `json:"body"`
	}) (*out[domain.ArtifactLock], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		lock, err := e.ForceCancelCheckout(ctx, engine.ForceOptions{
			Ref:          domain.ArtifactRef{Type: domain.ArtifactType(input.Body.ArtifactType), ID: input.Body.ArtifactID},
			InitiativeID: input.Body.InitiativeID,
			Reason:       input.Body.Reason,
			ActorID:      actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(lock), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "release-lock",
		Method:      http.MethodDelete,
		Path:        "/admin/locks/{lock_id}",
		Summary:     "Delete a lock by id",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		LockID string `path:"lock_id"`
		Reason string `query:"reason"`
	}) (*out[domain.ArtifactLock], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		lock, err := e.ReleaseLock(ctx, input.LockID, actorID, input.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(lock), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sweep-locks",
		Method:      http.MethodPost,
		Path:        "/admin/locks/sweep",
		Summary:     "Remove expired locks and locks of closed initiatives",
		Errors:      []int{http.StatusForbidden, http.StatusInternalServerError},
	}, func(ctx context.Context, _ *struct{}) (*out[SweepResponse], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		n, err := e.SweepLocks(ctx, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(SweepResponse{Swept: n}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "refresh-baseline",
		Method:      http.MethodPost,
		Path:        "/admin/baselines/refresh",
		Summary:     "Replace the baseline with the registry's current data",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body RefreshBaselineRequest `json:"body"`
	}) (*out[domain.ArtifactVersion], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		v, err := e.RefreshBaseline(ctx, engine.RefreshBaselineOptions{
			Ref:     domain.ArtifactRef{Type: domain.ArtifactType(input.Body.ArtifactType), ID: input.Body.ArtifactID},
			ActorID: actorID,
			Reason:  input.Body.Reason,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(v), nil
	})
}

func registerRBAC(api huma.API, e engine.Engine) {
	for _, grant := range []bool{true, false} {
		op, p, summary, run := "grant-role", "/rbac/roles/grant", "Grant role", e.GrantRole
		if !grant {
			op, p, summary, run = "revoke-role", "/rbac/roles/revoke", "Revoke role", e.RevokeRole
		}
		huma.Register(api, huma.Operation{
			OperationID:   op,
			Method:        http.MethodPost,
			Path:          p,
			Summary:       summary,
			DefaultStatus: http.StatusNoContent,
			Errors:        mutationErrors,
		}, func(ctx context.Context, input *struct {
			Body RoleChangeRequest `json:"body"`
		}) (*struct{}, error) {
			actorID, authErr := actorIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			if err := run(ctx, actorID, input.Body.ActorID, input.Body.RoleID); err != nil {
				return nil, handleError(err)
			}
			return &struct{}{}, nil
		})
	}

	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/rbac/api-keys",
		Summary:       "Create an API key; the key is shown once",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*out[APIKeyResponse], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		key, plain, err := e.CreateAPIKey(ctx, actorID, input.Body.ActorID, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(apiKeyResponse(key, plain)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "revoke-api-key",
		Method:      http.MethodPost,
		Path:        "/rbac/api-keys/{key_id}/revoke",
		Summary:     "Revoke an API key",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		KeyID string              `path:"key_id"`
		Body  RevokeAPIKeyRequest `json:"body"`
	}) (*out[APIKeyResponse], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		key, err := e.RevokeAPIKey(ctx, actorID, input.KeyID, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(apiKeyResponse(key, "")), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/rbac/api-keys",
		Summary:     "List the caller's API keys",
	}, func(ctx context.Context, _ *struct{}) (*out[[]APIKeyResponse], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		keys, err := e.ListAPIKeys(ctx, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		items := make([]APIKeyResponse, 0, len(keys))
		for _, k := range keys {
			items = append(items, apiKeyResponse(k, ""))
		}
		return reply(items), nil
	})
}
