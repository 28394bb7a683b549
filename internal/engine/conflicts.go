package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"artline/internal/conflict"
	"artline/internal/domain"
	"artline/internal/engine/auth"
	"artline/internal/events"
	"artline/internal/repo"
)

type ConflictFilter = repo.ConflictFilter

func conflictDiff(t domain.ArtifactType, a, b domain.Payload) []string {
	return conflict.Diff(domain.Fields(a), domain.Fields(b), conflict.ComparableFields(t))
}

func versionFields(v domain.ArtifactVersion) (map[string]any, error) {
	p, err := domain.DecodePayload(v.Ref.Type, []byte(v.Data))
	if err != nil {
		return nil, fmt.Errorf("version %s: %w", v.ID, err)
	}
	return domain.Fields(p), nil
}

// detectForVersion compares a freshly written pending version against the
// current baseline and every other open initiative's pending version of the
// same artifact. It runs in the writer's transaction, so a racing checkin on
// the same artifact is either fully visible or not yet started.
func (e Engine) detectForVersion(ctx context.Context, tx *sql.Tx, v domain.ArtifactVersion, syncBase domain.ArtifactVersion, actorID string) ([]ConflictDetected, error) {
	if v.InitiativeID == nil {
		return nil, nil
	}
	initiativeID := *v.InitiativeID
	incoming, err := versionFields(v)
	if err != nil {
		return nil, err
	}
	declared := conflict.ComparableFields(v.Ref.Type)
	detected := []ConflictDetected{}

	current, err := e.Repo.GetBaseline(ctx, tx, v.Ref)
	if err != nil && !isNotFound(err) {
		return nil, err
	}
	if err == nil && current.ID != syncBase.ID {
		baseFields, err := versionFields(syncBase)
		if err != nil {
			return nil, err
		}
		currentFields, err := versionFields(current)
		if err != nil {
			return nil, err
		}
		drift := conflict.BaselineDrift(baseFields, currentFields, incoming, declared)
		if len(drift) > 0 {
			c, ok, err := e.upsertConflict(ctx, tx, domain.VersionConflict{
				Ref:               v.Ref,
				Kind:              domain.ConflictKindBaseline,
				InitiativeID:      initiativeID,
				VersionID:         v.ID,
				OtherVersionID:    current.ID,
				ConflictingFields: drift,
			}, actorID)
			if err != nil {
				return nil, err
			}
			if ok {
				detected = append(detected, detectedFrom(c))
			}
		}
	}

	others, err := e.Repo.ListOpenPendingVersions(ctx, tx, v.Ref)
	if err != nil {
		return nil, err
	}
	for _, other := range others {
		if other.InitiativeID == nil || *other.InitiativeID == initiativeID {
			continue
		}
		// Only fields one side actually edited can diverge between
		// initiatives; the rest is the baseline's business.
		touched := unionFields(v.ChangedFields, other.ChangedFields)
		if len(touched) == 0 {
			continue
		}
		otherFields, err := versionFields(other)
		if err != nil {
			return nil, err
		}
		fields := conflict.Diff(incoming, otherFields, touched)
		if len(fields) == 0 {
			continue
		}
		c := domain.VersionConflict{
			Ref:               v.Ref,
			Kind:              domain.ConflictKindInitiative,
			InitiativeID:      initiativeID,
			OtherInitiativeID: *other.InitiativeID,
			VersionID:         v.ID,
			OtherVersionID:    other.ID,
			ConflictingFields: fields,
		}
		if c.OtherInitiativeID < c.InitiativeID {
			c.InitiativeID, c.OtherInitiativeID = c.OtherInitiativeID, c.InitiativeID
			c.VersionID, c.OtherVersionID = c.OtherVersionID, c.VersionID
		}
		stored, ok, err := e.upsertConflict(ctx, tx, c, actorID)
		if err != nil {
			return nil, err
		}
		if ok {
			detected = append(detected, detectedFrom(stored))
		}
	}
	return detected, nil
}

func unionFields(a, b []string) []string {
	set := map[string]struct{}{}
	for _, f := range a {
		set[f] = struct{}{}
	}
	for _, f := range b {
		set[f] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for f := range set {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

func subset(fields, of []string) bool {
	set := map[string]struct{}{}
	for _, f := range of {
		set[f] = struct{}{}
	}
	for _, f := range fields {
		if _, ok := set[f]; !ok {
			return false
		}
	}
	return true
}

// upsertConflict records a divergence under its (artifact, kind, pair) key.
// A resolved row reopens only when the divergence reaches a field outside
// what was resolved, or the baseline it was resolved against has moved.
func (e Engine) upsertConflict(ctx context.Context, tx *sql.Tx, c domain.VersionConflict, actorID string) (domain.VersionConflict, bool, error) {
	now := e.ts()
	existing, err := e.Repo.GetConflictByKey(ctx, tx, c.Ref, c.Kind, c.InitiativeID, c.OtherInitiativeID)
	switch {
	case isNotFound(err):
		c.ID = newID()
		c.ResolutionStatus = domain.ConflictOpen
		c.DetectedAt = now
		c.UpdatedAt = now
		if err := e.Repo.InsertConflict(ctx, tx, c); err != nil {
			return c, false, fmt.Errorf("insert conflict: %w", err)
		}
	case err != nil:
		return c, false, err
	default:
		if existing.ResolutionStatus == domain.ConflictResolved {
			sameBaseline := c.Kind != domain.ConflictKindBaseline || existing.OtherVersionID == c.OtherVersionID
			if sameBaseline && subset(c.ConflictingFields, existing.ConflictingFields) {
				return existing, false, nil
			}
		}
		c.ID = existing.ID
		c.DetectedAt = existing.DetectedAt
		c.ResolutionStatus = domain.ConflictOpen
		c.UpdatedAt = now
		if err := e.Repo.ReopenConflict(ctx, tx, c); err != nil {
			return c, false, err
		}
	}
	if err := e.events().Append(ctx, tx, events.ConflictDetected, "conflict", c.ID, actorID, "", events.EventPayload{
		"artifact":            c.Ref.String(),
		"kind":                c.Kind,
		"initiative_id":       c.InitiativeID,
		"other_initiative_id": c.OtherInitiativeID,
		"conflicting_fields":  c.ConflictingFields,
	}); err != nil {
		return c, false, err
	}
	conflictsDetected.WithLabelValues(c.Kind).Inc()
	return c, true, nil
}

func detectedFrom(c domain.VersionConflict) ConflictDetected {
	return ConflictDetected{
		ConflictID:        c.ID,
		Ref:               c.Ref,
		Kind:              c.Kind,
		OtherInitiativeID: c.OtherInitiativeID,
		ConflictingFields: c.ConflictingFields,
	}
}

// DetectConflicts re-runs detection for every pending version the initiative owns.
func (e Engine) DetectConflicts(ctx context.Context, initiativeID, actorID string) ([]ConflictDetected, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	in, res, err := e.initiativeResource(ctx, tx, initiativeID)
	if err != nil {
		return nil, err
	}
	if err := e.Auth.Require(ctx, tx, actorID, auth.ActionConflictDetect, res); err != nil {
		return nil, err
	}
	if in.Terminal() {
		return nil, InvalidStateTransitionError{InitiativeID: in.ID, From: in.Status, Operation: "conflict detection"}
	}
	pending, err := e.Repo.ListPendingForInitiative(ctx, tx, in.ID)
	if err != nil {
		return nil, err
	}
	all := []ConflictDetected{}
	for _, v := range pending {
		base, err := e.syncBaseOf(ctx, tx, v)
		if err != nil {
			return nil, err
		}
		found, err := e.detectForVersion(ctx, tx, v, base, actorID)
		if err != nil {
			return nil, err
		}
		all = append(all, found...)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	e.log().WithFields(logrus.Fields{"initiative_id": in.ID, "actor_id": actorID, "conflicts": len(all)}).Info("conflict detection re-run")
	return all, nil
}

// syncBaseOf resolves the baseline version a pending version was edited from.
func (e Engine) syncBaseOf(ctx context.Context, tx *sql.Tx, v domain.ArtifactVersion) (domain.ArtifactVersion, error) {
	if v.BasedOnVersion != nil {
		base, err := e.Repo.GetVersionByNumber(ctx, tx, v.Ref, *v.BasedOnVersion)
		if err == nil || !isNotFound(err) {
			return base, err
		}
	}
	return e.Repo.GetBaseline(ctx, tx, v.Ref)
}

func (e Engine) ListConflicts(ctx context.Context, f ConflictFilter) ([]domain.VersionConflict, error) {
	conflicts, err := e.Repo.ListConflicts(ctx, nil, f)
	if err != nil {
		return nil, err
	}
	if conflicts == nil {
		conflicts = []domain.VersionConflict{}
	}
	return conflicts, nil
}

func (e Engine) GetConflict(ctx context.Context, id string) (domain.VersionConflict, error) {
	return e.Repo.GetConflict(ctx, nil, id)
}

// ConflictAnalysis is the graded, advisory view of one conflict.
type ConflictAnalysis struct {
	Conflict domain.VersionConflict `json:"conflict"`
	conflict.Analysis
}

func (e Engine) AnalyzeConflict(ctx context.Context, id string) (ConflictAnalysis, error) {
	c, err := e.Repo.GetConflict(ctx, nil, id)
	if err != nil {
		return ConflictAnalysis{}, err
	}
	ours, err := e.Repo.GetVersion(ctx, nil, c.VersionID)
	if err != nil {
		return ConflictAnalysis{}, err
	}
	theirs, err := e.Repo.GetVersion(ctx, nil, c.OtherVersionID)
	if err != nil {
		return ConflictAnalysis{}, err
	}
	oursFields, err := versionFields(ours)
	if err != nil {
		return ConflictAnalysis{}, err
	}
	theirsFields, err := versionFields(theirs)
	if err != nil {
		return ConflictAnalysis{}, err
	}
	edges, err := e.Registry.Edges(ctx, c.Ref)
	if err != nil {
		return ConflictAnalysis{}, err
	}
	var dependents []conflict.Dependent
	seen := map[domain.ArtifactRef]bool{}
	for _, edge := range edges {
		other := edge.To
		if other == c.Ref {
			other = edge.From
		}
		if seen[other] {
			continue
		}
		seen[other] = true
		d := conflict.Dependent{Ref: other}
		if rec, err := e.Registry.Lookup(ctx, other); err == nil {
			d.Name = rec.Name
		}
		dependents = append(dependents, d)
	}
	return ConflictAnalysis{
		Conflict: c,
		Analysis: conflict.Analyze(c.Ref.Type, c.ConflictingFields, oursFields, theirsFields, dependents),
	}, nil
}

// ResolveConflictOptions close an open conflict. InitiativeID is the side
// doing the resolving and defaults to the conflict's first initiative.
type ResolveConflictOptions struct {
	ConflictID   string `validate:"required"`
	Strategy     string `validate:"required,oneof=accept_baseline keep_initiative accept_other manual_merge auto_merge"`
	InitiativeID string
	Data         map[string]any
	Notes        string `validate:"max=2000"`
	ActorID      string `validate:"required"`
}

type ResolveResult struct {
	Conflict domain.VersionConflict  `json:"conflict"`
	Version  *domain.ArtifactVersion `json:"version,omitempty"`
	// Conflicts holds divergences the resolution version opened elsewhere.
	Conflicts []ConflictDetected `json:"conflicts"`
}

var strategiesByKind = map[string][]string{
	domain.ConflictKindBaseline:   {domain.StrategyAcceptBaseline, domain.StrategyKeepInitiative, domain.StrategyManualMerge, domain.StrategyAutoMerge},
	domain.ConflictKindInitiative: {domain.StrategyAcceptOther, domain.StrategyKeepInitiative, domain.StrategyManualMerge, domain.StrategyAutoMerge},
}

// ResolveConflict closes the conflict. Every strategy but keep_initiative
// writes a new pending version for the resolving initiative; the earlier one
// is superseded, never edited.
func (e Engine) ResolveConflict(ctx context.Context, opts ResolveConflictOptions) (ResolveResult, error) {
	if err := validateStruct(opts); err != nil {
		return ResolveResult{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ResolveResult{}, err
	}
	defer tx.Rollback()

	c, err := e.Repo.GetConflict(ctx, tx, opts.ConflictID)
	if err != nil {
		return ResolveResult{}, err
	}
	if c.ResolutionStatus != domain.ConflictOpen {
		return ResolveResult{}, ValidationError{Field: "conflict_id", Message: "conflict is already resolved"}
	}
	if !containsString(strategiesByKind[c.Kind], opts.Strategy) {
		return ResolveResult{}, ValidationError{Field: "strategy", Message: fmt.Sprintf("%s does not apply to %s conflicts", opts.Strategy, c.Kind)}
	}
	resolver := opts.InitiativeID
	if resolver == "" {
		resolver = c.InitiativeID
	}
	if !c.Involves(resolver) {
		return ResolveResult{}, ValidationError{Field: "initiative_id", Message: fmt.Sprintf("initiative %s is not part of conflict %s", resolver, c.ID)}
	}
	in, res, err := e.initiativeResource(ctx, tx, resolver)
	if err != nil {
		return ResolveResult{}, err
	}
	if err := e.Auth.Require(ctx, tx, opts.ActorID, auth.ActionConflictResolve, res); err != nil {
		return ResolveResult{}, err
	}
	if in.Status != domain.InitiativeActive && in.Status != domain.InitiativeReview {
		return ResolveResult{}, InvalidStateTransitionError{InitiativeID: in.ID, From: in.Status, Operation: "conflict resolution"}
	}
	if err := e.Repo.EnsureActor(ctx, tx, opts.ActorID, e.ts()); err != nil {
		return ResolveResult{}, err
	}

	result := ResolveResult{Conflicts: []ConflictDetected{}}
	if opts.Strategy != domain.StrategyKeepInitiative {
		version, detected, err := e.writeResolution(ctx, tx, c, in.ID, opts)
		if err != nil {
			return ResolveResult{}, err
		}
		result.Version = &version
		result.Conflicts = detected
	}
	now := e.ts()
	if err := e.Repo.ResolveConflict(ctx, tx, c.ID, opts.Strategy, opts.ActorID, now, opts.Notes); err != nil {
		if isNotFound(err) {
			return ResolveResult{}, ValidationError{Field: "conflict_id", Message: "conflict is already resolved"}
		}
		return ResolveResult{}, err
	}
	payload := events.EventPayload{"strategy": opts.Strategy, "artifact": c.Ref.String(), "initiative_id": in.ID}
	if result.Version != nil {
		payload["version_id"] = result.Version.ID
		payload["version_number"] = result.Version.VersionNumber
	}
	if err := e.events().Append(ctx, tx, events.ConflictResolved, "conflict", c.ID, opts.ActorID, opts.Notes, payload); err != nil {
		return ResolveResult{}, err
	}
	resolved, err := e.Repo.GetConflict(ctx, tx, c.ID)
	if err != nil {
		return ResolveResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return ResolveResult{}, err
	}
	result.Conflict = resolved
	e.log().WithFields(logrus.Fields{
		"artifact":      c.Ref.String(),
		"initiative_id": in.ID,
		"actor_id":      opts.ActorID,
		"strategy":      opts.Strategy,
	}).Info("conflict resolved")
	return result, nil
}

// writeResolution appends the resolving initiative's merged working copy.
func (e Engine) writeResolution(ctx context.Context, tx *sql.Tx, c domain.VersionConflict, initiativeID string, opts ResolveConflictOptions) (domain.ArtifactVersion, []ConflictDetected, error) {
	ours, err := e.Repo.GetPendingVersion(ctx, tx, c.Ref, initiativeID)
	if err != nil {
		if isNotFound(err) {
			return domain.ArtifactVersion{}, nil, ValidationError{Field: "initiative_id", Message: fmt.Sprintf("initiative %s has no pending version of %s", initiativeID, c.Ref)}
		}
		return domain.ArtifactVersion{}, nil, err
	}
	syncBase, err := e.syncBaseOf(ctx, tx, ours)
	if err != nil {
		return domain.ArtifactVersion{}, nil, err
	}
	var theirs domain.ArtifactVersion
	if c.Kind == domain.ConflictKindBaseline {
		theirs, err = e.Repo.GetBaseline(ctx, tx, c.Ref)
		// Merging with the baseline moves the sync point up to it.
		syncBase = theirs
	} else {
		other := c.OtherInitiativeID
		if other == initiativeID {
			other = c.InitiativeID
		}
		theirs, err = e.Repo.GetPendingVersion(ctx, tx, c.Ref, other)
		if isNotFound(err) {
			otherID := c.OtherVersionID
			if c.InitiativeID != initiativeID {
				otherID = c.VersionID
			}
			theirs, err = e.Repo.GetVersion(ctx, tx, otherID)
		}
	}
	if err != nil {
		return domain.ArtifactVersion{}, nil, err
	}
	oursPayload, err := domain.DecodePayload(c.Ref.Type, []byte(ours.Data))
	if err != nil {
		return domain.ArtifactVersion{}, nil, err
	}
	theirsPayload, err := domain.DecodePayload(c.Ref.Type, []byte(theirs.Data))
	if err != nil {
		return domain.ArtifactVersion{}, nil, err
	}

	var merged domain.Payload
	switch opts.Strategy {
	case domain.StrategyAcceptBaseline, domain.StrategyAcceptOther:
		merged = theirsPayload
	case domain.StrategyManualMerge:
		if len(opts.Data) == 0 {
			return domain.ArtifactVersion{}, nil, ValidationError{Field: "data", Message: "manual_merge requires merged field values"}
		}
		merged, err = domain.ApplyPatch(oursPayload, opts.Data)
	case domain.StrategyAutoMerge:
		values, unresolved := conflict.AutoMerge(c.ConflictingFields, domain.Fields(oursPayload), domain.Fields(theirsPayload))
		if len(unresolved) > 0 {
			return domain.ArtifactVersion{}, nil, ValidationError{Field: "strategy", Message: fmt.Sprintf("fields need manual resolution: %v", unresolved)}
		}
		patch := map[string]any{}
		for _, f := range c.ConflictingFields {
			patch[f] = values[f]
		}
		merged, err = domain.ApplyPatch(oursPayload, patch)
	}
	if err != nil {
		var uf domain.UnknownFieldError
		if errors.As(err, &uf) {
			return domain.ArtifactVersion{}, nil, ValidationError{Field: uf.Field, Message: uf.Error()}
		}
		return domain.ArtifactVersion{}, nil, ValidationError{Field: "data", Message: err.Error()}
	}
	version, err := e.appendPending(ctx, tx, appendRequest{
		Ref:         c.Ref,
		Initiative:  initiativeID,
		ActorID:     opts.ActorID,
		Payload:     merged,
		SyncBase:    syncBase,
		ChangeType:  ours.ChangeType,
		Description: fmt.Sprintf("resolve conflict %s (%s)", c.ID, opts.Strategy),
	})
	if err != nil {
		return domain.ArtifactVersion{}, nil, err
	}
	detected, err := e.detectForVersion(ctx, tx, version, syncBase, opts.ActorID)
	if err != nil {
		return domain.ArtifactVersion{}, nil, err
	}
	// The conflict being resolved is closed by the caller.
	kept := detected[:0]
	for _, d := range detected {
		if d.ConflictID != c.ID {
			kept = append(kept, d)
		}
	}
	return version, kept, nil
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
