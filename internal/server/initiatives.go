package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"artline/internal/domain"
	"artline/internal/engine"
	"artline/internal/engine/auth"
)

// out is the response envelope huma serializes: only Body is written.
type out[T any] struct {
	Body T `json:"body"`
}

func reply[T any](v T) *out[T] {
	return &out[T]{Body: v}
}

type initiativePath struct {
	InitiativeID string `path:"initiative_id"`
}

var mutationErrors = []int{
	http.StatusBadRequest,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusInternalServerError,
}

func registerInitiatives(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-initiative",
		Method:        http.MethodPost,
		Path:          "/initiatives",
		Summary:       "Create initiative",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateInitiativeRequest `json:"body"`
	}) (*out[domain.Initiative], error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		in, err := e.CreateInitiative(ctx, engine.CreateInitiativeOptions{
			ID:                    input.Body.ID,
			Name:                  input.Body.Name,
			Description:           input.Body.Description,
			BusinessJustification: input.Body.BusinessJustification,
			Priority:              input.Body.Priority,
			TargetCompletionDate:  input.Body.TargetCompletionDate,
			Draft:                 input.Body.Draft,
			ActorID:               actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(in), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-initiatives",
		Method:      http.MethodGet,
		Path:        "/initiatives",
		Summary:     "List initiatives",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"draft,active,review,completed,cancelled"`
	}) (*out[[]domain.Initiative], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.Authorize(ctx, actorID, auth.ActionRead, auth.Resource{Kind: "initiative"}); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListInitiatives(ctx, input.Status)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(nonNilSlice(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-initiative",
		Method:      http.MethodGet,
		Path:        "/initiatives/{initiative_id}",
		Summary:     "Get initiative",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *initiativePath) (*out[domain.Initiative], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.AuthorizeInitiative(ctx, actorID, auth.ActionRead, input.InitiativeID); err != nil {
			return nil, handleError(err)
		}
		in, err := e.GetInitiative(ctx, input.InitiativeID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(in), nil
	})

	transitions := []struct {
		op, path, summary string
		run               func(context.Context, string, string) (domain.Initiative, error)
	}{
		{"activate-initiative", "activate", "Activate initiative", e.ActivateInitiative},
		{"request-initiative-closure", "request-closure", "Move initiative to review", e.RequestClosure},
		{"complete-initiative", "complete", "Complete initiative and promote its versions", e.CompleteInitiative},
	}
	for _, tr := range transitions {
		run := tr.run
		huma.Register(api, huma.Operation{
			OperationID: tr.op,
			Method:      http.MethodPost,
			Path:        "/initiatives/{initiative_id}/" + tr.path,
			Summary:     tr.summary,
			Errors:      mutationErrors,
		}, func(ctx context.Context, input *initiativePath) (*out[domain.Initiative], error) {
			actorID, authErr := actorIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			in, err := run(ctx, input.InitiativeID, actorID)
			if err != nil {
				return nil, handleError(err)
			}
			return reply(in), nil
		})
	}

	huma.Register(api, huma.Operation{
		OperationID: "cancel-initiative",
		Method:      http.MethodPost,
		Path:        "/initiatives/{initiative_id}/cancel",
		Summary:     "Cancel initiative and discard its pending work",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		InitiativeID string                  `path:"initiative_id"`
		Body         CancelInitiativeRequest `json:"body"`
	}) (*out[domain.Initiative], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		in, err := e.CancelInitiative(ctx, input.InitiativeID, actorID, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(in), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "initiative-pending-work",
		Method:      http.MethodGet,
		Path:        "/initiatives/{initiative_id}/pending-work",
		Summary:     "Locks and open conflicts blocking closure",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *initiativePath) (*out[PendingWorkResponse], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.AuthorizeInitiative(ctx, actorID, auth.ActionRead, input.InitiativeID); err != nil {
			return nil, handleError(err)
		}
		locks, conflicts, err := e.PendingWork(ctx, input.InitiativeID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(PendingWorkResponse{
			InitiativeID:    input.InitiativeID,
			LockedArtifacts: nonNilSlice(locks),
			OpenConflicts:   nonNilSlice(conflicts),
			CanClose:        len(locks) == 0 && len(conflicts) == 0,
		}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-participants",
		Method:      http.MethodGet,
		Path:        "/initiatives/{initiative_id}/participants",
		Summary:     "List participants",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *initiativePath) (*out[[]domain.Participant], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.AuthorizeInitiative(ctx, actorID, auth.ActionRead, input.InitiativeID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListParticipants(ctx, input.InitiativeID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(nonNilSlice(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-participant",
		Method:        http.MethodPost,
		Path:          "/initiatives/{initiative_id}/participants",
		Summary:       "Add participant",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		InitiativeID string                `path:"initiative_id"`
		Body         AddParticipantRequest `json:"body"`
	}) (*out[domain.Participant], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.AddParticipant(ctx, engine.AddParticipantOptions{
			InitiativeID:  input.InitiativeID,
			ParticipantID: input.Body.ActorID,
			Role:          input.Body.Role,
			ActorID:       actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(p), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-initiative-conflicts",
		Method:      http.MethodGet,
		Path:        "/initiatives/{initiative_id}/conflicts",
		Summary:     "Conflicts involving the initiative",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		InitiativeID string `path:"initiative_id"`
		Status       string `query:"status" enum:"open,resolved"`
	}) (*out[[]domain.VersionConflict], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.AuthorizeInitiative(ctx, actorID, auth.ActionRead, input.InitiativeID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListConflicts(ctx, engine.ConflictFilter{InitiativeID: input.InitiativeID, Status: input.Status})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(nonNilSlice(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "detect-conflicts",
		Method:      http.MethodPost,
		Path:        "/initiatives/{initiative_id}/conflicts/detect",
		Summary:     "Re-run conflict detection for the initiative's pending versions",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *initiativePath) (*out[[]engine.ConflictDetected], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.DetectConflicts(ctx, input.InitiativeID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(nonNilSlice(items)), nil
	})
}
