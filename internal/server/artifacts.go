package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"artline/internal/domain"
	"artline/internal/engine"
	"artline/internal/engine/auth"
)

type ArtifactPath struct {
	Type string `path:"artifact_type" enum:"application,interface,business_process,technical_process,internal_activity,document"`
	ID   string `path:"artifact_id"`
}

func (p ArtifactPath) ref() domain.ArtifactRef {
	return domain.ArtifactRef{Type: domain.ArtifactType(p.Type), ID: p.ID}
}

func registerArtifacts(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "checkout-artifact",
		Method:      http.MethodPost,
		Path:        "/artifacts/{artifact_type}/{artifact_id}/checkout",
		Summary:     "Lock an artifact for an initiative",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ArtifactPath
		Body CheckoutRequest `json:"body"`
	}) (*out[domain.ArtifactLock], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		lock, err := e.Checkout(ctx, engine.CheckoutOptions{
			Ref:          input.ref(),
			InitiativeID: input.Body.InitiativeID,
			ActorID:      actorID,
			Reason:       input.Body.Reason,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(lock), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "checkin-artifact",
		Method:      http.MethodPost,
		Path:        "/artifacts/{artifact_type}/{artifact_id}/checkin",
		Summary:     "Record changes as a pending version and release the lock",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ArtifactPath
		Body CheckinRequest `json:"body"`
	}) (*out[engine.CheckinResult], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.Checkin(ctx, engine.CheckinOptions{
			Ref:          input.ref(),
			InitiativeID: input.Body.InitiativeID,
			ActorID:      actorID,
			Changes:      input.Body.Changes,
			Description:  input.Body.Description,
			ChangeType:   input.Body.ChangeType,
		})
		if err != nil {
			return nil, handleError(err)
		}
		res.Conflicts = nonNilSlice(res.Conflicts)
		return reply(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "bulk-checkout-artifact",
		Method:      http.MethodPost,
		Path:        "/artifacts/{artifact_type}/{artifact_id}/bulk-checkout",
		Summary:     "Lock an artifact and its dependency closure atomically",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ArtifactPath
		Body CheckoutRequest `json:"body"`
	}) (*out[engine.BulkResult], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.BulkCheckout(ctx, engine.BulkCheckoutOptions{
			Ref:          input.ref(),
			InitiativeID: input.Body.InitiativeID,
			ActorID:      actorID,
			Reason:       input.Body.Reason,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "analyze-impact",
		Method:      http.MethodGet,
		Path:        "/artifacts/{artifact_type}/{artifact_id}/impact",
		Summary:     "Checkout impact analysis",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ArtifactPath
		InitiativeID string `query:"initiative_id"`
	}) (*out[domain.ImpactReport], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.Authorize(ctx, actorID, auth.ActionAnalyze, auth.Resource{Kind: "artifact", ID: input.ref().String()}); err != nil {
			return nil, handleError(err)
		}
		report, err := e.AnalyzeCheckoutImpact(ctx, input.ref(), input.InitiativeID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(report), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "current-version",
		Method:      http.MethodGet,
		Path:        "/artifacts/{artifact_type}/{artifact_id}/current",
		Summary:     "Working copy for an initiative, or the baseline",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ArtifactPath
		InitiativeID string `query:"initiative_id"`
	}) (*out[CurrentVersionResponse], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.Authorize(ctx, actorID, auth.ActionRead, auth.Resource{Kind: "artifact", ID: input.ref().String()}); err != nil {
			return nil, handleError(err)
		}
		v, err := e.GetCurrent(ctx, input.ref(), input.InitiativeID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(currentVersionResponse(v)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-versions",
		Method:      http.MethodGet,
		Path:        "/artifacts/{artifact_type}/{artifact_id}/versions",
		Summary:     "Version history",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *ArtifactPath) (*out[[]domain.ArtifactVersion], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.Authorize(ctx, actorID, auth.ActionRead, auth.Resource{Kind: "artifact", ID: input.ref().String()}); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListVersions(ctx, input.ref())
		if err != nil {
			return nil, handleError(err)
		}
		return reply(items), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "baseline-history",
		Method:      http.MethodGet,
		Path:        "/artifacts/{artifact_type}/{artifact_id}/baseline-history",
		Summary:     "Baseline promotions",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *ArtifactPath) (*out[[]domain.BaselineHistory], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.Authorize(ctx, actorID, auth.ActionRead, auth.Resource{Kind: "artifact", ID: input.ref().String()}); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListBaselineHistory(ctx, input.ref())
		if err != nil {
			return nil, handleError(err)
		}
		return reply(items), nil
	})
}
