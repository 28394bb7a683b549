package engine

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"artline/internal/domain"
	"artline/internal/engine/auth"
	"artline/internal/events"
	"artline/internal/registry"
)

// GetCurrent returns the initiative's own pending version when one exists,
// else the current baseline. An empty initiativeID always yields the baseline.
func (e Engine) GetCurrent(ctx context.Context, ref domain.ArtifactRef, initiativeID string) (domain.ArtifactVersion, error) {
	if err := validateRef(ref); err != nil {
		return domain.ArtifactVersion{}, err
	}
	if initiativeID != "" {
		v, err := e.Repo.GetPendingVersion(ctx, nil, ref, initiativeID)
		if err == nil {
			return v, nil
		}
		if !isNotFound(err) {
			return domain.ArtifactVersion{}, err
		}
	}
	return e.Repo.GetBaseline(ctx, nil, ref)
}

func (e Engine) ListVersions(ctx context.Context, ref domain.ArtifactRef) ([]domain.ArtifactVersion, error) {
	if err := validateRef(ref); err != nil {
		return nil, err
	}
	versions, err := e.Repo.ListVersions(ctx, ref)
	if err != nil {
		return nil, err
	}
	if versions == nil {
		versions = []domain.ArtifactVersion{}
	}
	return versions, nil
}

func (e Engine) ListBaselineHistory(ctx context.Context, ref domain.ArtifactRef) ([]domain.BaselineHistory, error) {
	if err := validateRef(ref); err != nil {
		return nil, err
	}
	history, err := e.Repo.ListBaselineHistory(ctx, ref)
	if err != nil {
		return nil, err
	}
	if history == nil {
		history = []domain.BaselineHistory{}
	}
	return history, nil
}

// registrySnapshot reads the registry's current data as a typed payload.
func (e Engine) registrySnapshot(ctx context.Context, ref domain.ArtifactRef) (registry.Record, string, error) {
	rec, err := e.Registry.Lookup(ctx, ref)
	if err != nil {
		return rec, "", err
	}
	payload, err := domain.DecodePayload(ref.Type, rec.Data)
	if err != nil {
		return rec, "", fmt.Errorf("registry data for %s: %w", ref, err)
	}
	data, err := domain.Encode(payload)
	if err != nil {
		return rec, "", err
	}
	return rec, data, nil
}

// ensureBaseline returns the current baseline, seeding version 1 from the
// registry the first time an artifact is touched.
func (e Engine) ensureBaseline(ctx context.Context, tx *sql.Tx, ref domain.ArtifactRef, actorID string) (domain.ArtifactVersion, error) {
	baseline, err := e.Repo.GetBaseline(ctx, tx, ref)
	if err == nil {
		return baseline, nil
	}
	if !isNotFound(err) {
		return baseline, err
	}
	_, data, err := e.registrySnapshot(ctx, ref)
	if err != nil {
		return domain.ArtifactVersion{}, err
	}
	number, err := e.Repo.NextVersionNumber(ctx, tx, ref)
	if err != nil {
		return domain.ArtifactVersion{}, err
	}
	now := e.ts()
	v := domain.ArtifactVersion{
		ID:            newID(),
		Ref:           ref,
		VersionNumber: number,
		IsBaseline:    true,
		Status:        domain.VersionPromoted,
		Data:          data,
		ChangedFields: []string{},
		ChangeType:    domain.ChangeCreate,
		Description:   "seeded from registry",
		CreatedBy:     actorID,
		CreatedAt:     now,
		BaselineDate:  &now,
		BaselinedBy:   &actorID,
	}
	if err := e.Repo.InsertVersion(ctx, tx, v); err != nil {
		return domain.ArtifactVersion{}, fmt.Errorf("seed baseline: %w", err)
	}
	if err := e.Repo.InsertBaselineHistory(ctx, tx, domain.BaselineHistory{
		ID:          newID(),
		Ref:         ref,
		ToVersionID: v.ID,
		BaselinedBy: actorID,
		BaselinedAt: now,
		Reason:      "seeded from registry",
	}); err != nil {
		return domain.ArtifactVersion{}, err
	}
	if err := e.events().Append(ctx, tx, events.BaselineSeeded, "artifact", ref.String(), actorID, "", events.EventPayload{
		"version_id": v.ID, "version_number": v.VersionNumber,
	}); err != nil {
		return domain.ArtifactVersion{}, err
	}
	return v, nil
}

// flipBaseline makes version the artifact's baseline and records the move.
// The previous baseline keeps its row with is_baseline cleared.
func (e Engine) flipBaseline(ctx context.Context, tx *sql.Tx, v domain.ArtifactVersion, actorID, reason string) error {
	var from *string
	if prev, err := e.Repo.GetBaseline(ctx, tx, v.Ref); err == nil {
		id := prev.ID
		from = &id
	} else if !isNotFound(err) {
		return err
	}
	now := e.ts()
	if err := e.Repo.DemoteBaseline(ctx, tx, v.Ref); err != nil {
		return err
	}
	if err := e.Repo.PromoteVersion(ctx, tx, v.ID, now, actorID); err != nil {
		return fmt.Errorf("promote %s v%d: %w", v.Ref, v.VersionNumber, err)
	}
	if err := e.Repo.InsertBaselineHistory(ctx, tx, domain.BaselineHistory{
		ID:            newID(),
		Ref:           v.Ref,
		FromVersionID: from,
		ToVersionID:   v.ID,
		InitiativeID:  v.InitiativeID,
		BaselinedBy:   actorID,
		BaselinedAt:   now,
		Reason:        reason,
	}); err != nil {
		return err
	}
	if err := e.redetectPending(ctx, tx, v, actorID); err != nil {
		return fmt.Errorf("redetect %s: %w", v.Ref, err)
	}
	baselinePromotions.Inc()
	return nil
}

// redetectPending re-runs detection for every open pending version of the
// artifact against the baseline that just moved to v. A pending version
// synced to an older baseline picks up a baseline conflict here rather than
// overwriting v when its initiative completes.
func (e Engine) redetectPending(ctx context.Context, tx *sql.Tx, v domain.ArtifactVersion, actorID string) error {
	pending, err := e.Repo.ListOpenPendingVersions(ctx, tx, v.Ref)
	if err != nil {
		return err
	}
	for _, p := range pending {
		if p.ID == v.ID {
			continue
		}
		base, err := e.syncBaseOf(ctx, tx, p)
		if err != nil {
			return err
		}
		if _, err := e.detectForVersion(ctx, tx, p, base, actorID); err != nil {
			return err
		}
	}
	return nil
}

// promoteToBaseline flips every pending version of the initiative to
// baseline in (type, id) order. Callers have already checked that no
// conflict involving the initiative is open.
func (e Engine) promoteToBaseline(ctx context.Context, tx *sql.Tx, initiativeID, actorID string) ([]domain.ArtifactVersion, error) {
	pending, err := e.Repo.ListPendingForInitiative(ctx, tx, initiativeID)
	if err != nil {
		return nil, err
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].Ref.Less(pending[j].Ref) })
	for i, v := range pending {
		if err := e.flipBaseline(ctx, tx, v, actorID, "initiative "+initiativeID+" completed"); err != nil {
			return nil, err
		}
		if err := e.events().Append(ctx, tx, events.BaselinePromoted, "artifact", v.Ref.String(), actorID, "", events.EventPayload{
			"version_id": v.ID, "version_number": v.VersionNumber, "initiative_id": initiativeID,
		}); err != nil {
			return nil, err
		}
		pending[i].IsBaseline = true
		pending[i].Status = domain.VersionPromoted
	}
	return pending, nil
}

// RefreshBaselineOptions re-reads registry data into a new baseline.
type RefreshBaselineOptions struct {
	Ref     domain.ArtifactRef
	ActorID string `validate:"required"`
	Reason  string `validate:"required,max=500"`
}

// RefreshBaseline appends a baseline holding the registry's current data and
// demotes the previous one. Open initiatives that synced earlier get a
// baseline conflict for every field the refresh moved under them.
func (e Engine) RefreshBaseline(ctx context.Context, opts RefreshBaselineOptions) (domain.ArtifactVersion, error) {
	if err := validateStruct(opts); err != nil {
		return domain.ArtifactVersion{}, err
	}
	if err := validateRef(opts.Ref); err != nil {
		return domain.ArtifactVersion{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ArtifactVersion{}, err
	}
	defer tx.Rollback()

	if err := e.Auth.Require(ctx, tx, opts.ActorID, auth.ActionBaselineRefresh, auth.Resource{Kind: "artifact", ID: opts.Ref.String()}); err != nil {
		return domain.ArtifactVersion{}, err
	}
	if err := e.Repo.EnsureActor(ctx, tx, opts.ActorID, e.ts()); err != nil {
		return domain.ArtifactVersion{}, err
	}
	prev, err := e.ensureBaseline(ctx, tx, opts.Ref, opts.ActorID)
	if err != nil {
		return domain.ArtifactVersion{}, err
	}
	_, data, err := e.registrySnapshot(ctx, opts.Ref)
	if err != nil {
		return domain.ArtifactVersion{}, err
	}
	prevPayload, err := domain.DecodePayload(opts.Ref.Type, []byte(prev.Data))
	if err != nil {
		return domain.ArtifactVersion{}, err
	}
	nextPayload, err := domain.DecodePayload(opts.Ref.Type, []byte(data))
	if err != nil {
		return domain.ArtifactVersion{}, err
	}
	number, err := e.Repo.NextVersionNumber(ctx, tx, opts.Ref)
	if err != nil {
		return domain.ArtifactVersion{}, err
	}
	basedOn := prev.VersionNumber
	v := domain.ArtifactVersion{
		ID:             newID(),
		Ref:            opts.Ref,
		VersionNumber:  number,
		Status:         domain.VersionPromoted,
		Data:           data,
		ChangedFields:  conflictDiff(opts.Ref.Type, prevPayload, nextPayload),
		ChangeType:     domain.ChangeUpdate,
		Description:    opts.Reason,
		BasedOnVersion: &basedOn,
		CreatedBy:      opts.ActorID,
		CreatedAt:      e.ts(),
	}
	if err := e.Repo.InsertVersion(ctx, tx, v); err != nil {
		return domain.ArtifactVersion{}, fmt.Errorf("insert version: %w", err)
	}
	if err := e.flipBaseline(ctx, tx, v, opts.ActorID, opts.Reason); err != nil {
		return domain.ArtifactVersion{}, err
	}
	if err := e.events().Append(ctx, tx, events.BaselineRefreshed, "artifact", opts.Ref.String(), opts.ActorID, opts.Reason, events.EventPayload{
		"version_id":     v.ID,
		"version_number": v.VersionNumber,
		"from_version":   prev.VersionNumber,
		"changed_fields": v.ChangedFields,
	}); err != nil {
		return domain.ArtifactVersion{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ArtifactVersion{}, err
	}
	adminOverrides.WithLabelValues("refresh_baseline").Inc()
	e.log().WithFields(logrus.Fields{
		"artifact": opts.Ref.String(),
		"actor_id": opts.ActorID,
		"version":  v.VersionNumber,
		"reason":   opts.Reason,
	}).Info("baseline refreshed")
	now := v.CreatedAt
	v.IsBaseline = true
	v.BaselineDate = &now
	v.BaselinedBy = &opts.ActorID
	return v, nil
}
