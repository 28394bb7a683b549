package engine

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"artline/internal/domain"
	"artline/internal/engine/auth"
	"artline/internal/events"
	"artline/internal/graph"
	"artline/internal/registry"
)

// maxClosureNodes stops a runaway walk over a densely linked registry.
const maxClosureNodes = 500

// edgeReason explains why the artifact on the far end of e must be checked
// out together with the one being walked from.
func edgeReason(e registry.Edge, from domain.ArtifactRef) string {
	forward := e.From == from
	switch e.Kind {
	case registry.EdgeProvides:
		if forward {
			return "Interface provided by the application being modified"
		}
		return "Provider application being modified"
	case registry.EdgeConsumes:
		if forward {
			return "Interface consumed by the application being modified"
		}
		return "Consumer application being modified"
	case registry.EdgeUsesInterface:
		if forward {
			return "Interface used by the " + processNoun(from.Type)
		}
		return processNoun(e.From.Type) + " uses this interface"
	case registry.EdgeParentOf:
		if forward {
			return "Child process of the process being modified"
		}
		return "Parent process of the process being modified"
	case registry.EdgeOwns:
		if forward {
			return "Owned by the application being modified"
		}
		return "Owner application of the " + noun(from.Type)
	case registry.EdgeDependsOn:
		if forward {
			return "Technical process this process depends on"
		}
		return "Technical process that depends on this process"
	case registry.EdgeUsesActivity:
		if forward {
			return "Internal activity used by the technical process"
		}
		return "Technical process uses this internal activity"
	}
	return "Linked by " + e.Kind
}

func noun(t domain.ArtifactType) string {
	switch t {
	case domain.TypeTechnicalProcess:
		return "technical process"
	case domain.TypeInternalActivity:
		return "internal activity"
	case domain.TypeBusinessProcess:
		return "business process"
	}
	return string(t)
}

func processNoun(t domain.ArtifactType) string {
	if t == domain.TypeBusinessProcess {
		return "Business process"
	}
	return "Technical process"
}

func (e Engine) neighbors(ctx context.Context, ref domain.ArtifactRef) ([]graph.Neighbor[domain.ArtifactRef], error) {
	edges, err := e.Registry.Edges(ctx, ref)
	if err != nil {
		return nil, err
	}
	out := make([]graph.Neighbor[domain.ArtifactRef], 0, len(edges))
	for _, edge := range edges {
		other := edge.To
		if edge.To == ref {
			other = edge.From
		}
		if other == ref {
			continue
		}
		out = append(out, graph.Neighbor[domain.ArtifactRef]{Node: other, Label: edgeReason(edge, ref)})
	}
	return out, nil
}

func riskLevel(conflicts, closure int) string {
	switch {
	case conflicts > 5 || closure > 20:
		return "critical"
	case conflicts > 2 || closure > 10:
		return "high"
	case conflicts > 0 || closure > 5:
		return "medium"
	}
	return "low"
}

func complexity(closure int) string {
	switch {
	case closure > 15:
		return "Very Complex"
	case closure > 10:
		return "Complex"
	case closure > 5:
		return "Moderate"
	}
	return "Simple"
}

// impactType classifies how another initiative's pending edit touches an artifact.
func impactType(v domain.ArtifactVersion) string {
	if v.ChangeType == domain.ChangeDelete {
		return domain.ImpactDeletion
	}
	for _, f := range v.ChangedFields {
		switch f {
		case "status":
			return domain.ImpactStatusChange
		case "version":
			return domain.ImpactVersionChange
		case "process_flow", "start_event", "end_event":
			return domain.ImpactSequence
		}
	}
	return domain.ImpactModification
}

func changeKindImpact(kind string) string {
	switch kind {
	case domain.ImpactDeletion, domain.ImpactStatusChange, domain.ImpactVersionChange, domain.ImpactSequence:
		return kind
	}
	return domain.ImpactModification
}

func (e Engine) displayName(ctx context.Context, ref domain.ArtifactRef) string {
	rec, err := e.Registry.Lookup(ctx, ref)
	if err != nil {
		return ""
	}
	if rec.Name != "" {
		return rec.Name
	}
	if p, err := domain.DecodePayload(ref.Type, rec.Data); err == nil {
		return p.DisplayName()
	}
	return ""
}

// AnalyzeCheckoutImpact computes the closure that must be checked out with
// ref and what other initiatives or open change requests are doing to it.
// It never fails because of conflicts; it reports them.
func (e Engine) AnalyzeCheckoutImpact(ctx context.Context, ref domain.ArtifactRef, initiativeID string) (report domain.ImpactReport, err error) {
	ctx, span := startImpactSpan(ctx, "engine.AnalyzeCheckoutImpact", ref, initiativeID)
	defer span.End()
	start := e.now()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return
		}
		span.SetAttributes(
			attribute.Int("impact.required", report.Summary.TotalRequiredCheckouts),
			attribute.String("impact.risk", report.RiskLevel),
		)
		recordImpactMetrics(ctx, e.now().Sub(start), report)
	}()
	return e.analyzeImpact(ctx, ref, initiativeID)
}

func (e Engine) analyzeImpact(ctx context.Context, ref domain.ArtifactRef, initiativeID string) (domain.ImpactReport, error) {
	if err := validateRef(ref); err != nil {
		return domain.ImpactReport{}, err
	}
	if initiativeID != "" {
		if _, err := e.Repo.GetInitiative(ctx, nil, initiativeID); err != nil {
			return domain.ImpactReport{}, err
		}
	}
	if _, err := e.Registry.Lookup(ctx, ref); err != nil {
		if !isNotFound(err) {
			return domain.ImpactReport{}, err
		}
		if _, berr := e.Repo.GetBaseline(ctx, nil, ref); berr != nil {
			return domain.ImpactReport{}, err
		}
	}
	steps, err := graph.Closure(ctx, ref, e.neighbors, domain.ArtifactRef.Less, graph.Options{
		MaxDepth: e.config().MaxDepth(),
		MaxNodes: maxClosureNodes,
	})
	if err != nil {
		return domain.ImpactReport{}, fmt.Errorf("checkout closure for %s: %w", ref, err)
	}

	report := domain.ImpactReport{
		Primary:                domain.RequiredCheckout{Ref: ref, Name: e.displayName(ctx, ref), Reason: "Primary artifact being modified"},
		InitiativeID:           initiativeID,
		RequiredCheckouts:      map[domain.ArtifactType][]domain.RequiredCheckout{},
		CrossInitiativeImpacts: []domain.CrossInitiativeImpact{},
	}
	for _, t := range domain.ArtifactTypes {
		report.RequiredCheckouts[t] = []domain.RequiredCheckout{}
	}
	names := map[domain.ArtifactRef]string{ref: report.Primary.Name}
	refs := []domain.ArtifactRef{ref}
	for _, s := range steps {
		name := e.displayName(ctx, s.Node)
		names[s.Node] = name
		refs = append(refs, s.Node)
		report.RequiredCheckouts[s.Node.Type] = append(report.RequiredCheckouts[s.Node.Type], domain.RequiredCheckout{
			Ref: s.Node, Name: name, Depth: s.Depth, Reason: s.Label,
		})
	}

	now := e.ts()
	for _, r := range refs {
		pendingBy := map[string]bool{}
		pending, err := e.Repo.ListOpenPendingVersions(ctx, nil, r)
		if err != nil {
			return domain.ImpactReport{}, err
		}
		for _, v := range pending {
			if v.InitiativeID == nil || *v.InitiativeID == initiativeID {
				continue
			}
			pendingBy[*v.InitiativeID] = true
			report.CrossInitiativeImpacts = append(report.CrossInitiativeImpacts, domain.CrossInitiativeImpact{
				Ref: r, Name: names[r], InitiativeID: *v.InitiativeID, Holder: v.CreatedBy,
				ConflictType: impactType(v), Source: "pending_version",
			})
		}
		lock, err := e.Repo.GetLockForArtifact(ctx, nil, r)
		if err != nil && !isNotFound(err) {
			return domain.ImpactReport{}, err
		}
		if err == nil && lock.LockExpiry > now && lock.InitiativeID != initiativeID && !pendingBy[lock.InitiativeID] {
			report.CrossInitiativeImpacts = append(report.CrossInitiativeImpacts, domain.CrossInitiativeImpact{
				Ref: r, Name: names[r], InitiativeID: lock.InitiativeID, Holder: lock.LockedBy,
				ConflictType: domain.ImpactModification, Source: "lock",
			})
		}
	}
	crs, err := e.Registry.OpenChangeRequests(ctx, refs)
	if err != nil {
		return domain.ImpactReport{}, err
	}
	for _, cr := range crs {
		if initiativeID != "" && cr.InitiativeID == initiativeID {
			continue
		}
		report.CrossInitiativeImpacts = append(report.CrossInitiativeImpacts, domain.CrossInitiativeImpact{
			Ref: cr.Ref, Name: names[cr.Ref], InitiativeID: cr.InitiativeID, ChangeRequestID: cr.ID, Title: cr.Title,
			ConflictType: changeKindImpact(cr.ChangeKind), Source: "change_request",
		})
	}

	total := len(steps)
	report.RiskLevel = riskLevel(len(report.CrossInitiativeImpacts), total)
	report.Summary = domain.ImpactSummary{
		TotalRequiredCheckouts:   total,
		CrossInitiativeConflicts: len(report.CrossInitiativeImpacts),
		EstimatedComplexity:      complexity(total),
	}
	return report, nil
}

type BulkCheckoutOptions struct {
	Ref          domain.ArtifactRef
	InitiativeID string `validate:"required"`
	ActorID      string `validate:"required"`
	Reason       string `validate:"max=500"`
}

type BulkResult struct {
	Report domain.ImpactReport   `json:"impact"`
	Locks  []domain.ArtifactLock `json:"locks"`
}

// BulkCheckout locks the primary artifact and its whole closure in one
// transaction, in (type, id) order. If any member is held elsewhere nothing
// is locked and every blocker is reported.
func (e Engine) BulkCheckout(ctx context.Context, opts BulkCheckoutOptions) (result BulkResult, err error) {
	ctx, span := startImpactSpan(ctx, "engine.BulkCheckout", opts.Ref, opts.InitiativeID)
	defer span.End()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()
	if err := validateStruct(opts); err != nil {
		return BulkResult{}, err
	}
	report, err := e.analyzeImpact(ctx, opts.Ref, opts.InitiativeID)
	if err != nil {
		return BulkResult{}, err
	}
	refs := report.Closure()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return BulkResult{}, err
	}
	defer tx.Rollback()

	in, err := e.requireActiveInitiative(ctx, tx, opts.InitiativeID, "bulk checkout")
	if err != nil {
		return BulkResult{}, err
	}
	if err := e.Auth.Require(ctx, tx, opts.ActorID, auth.ActionBulkCheckout, artifactResource(opts.Ref, in)); err != nil {
		return BulkResult{}, err
	}
	if err := e.Repo.EnsureActor(ctx, tx, opts.ActorID, e.ts()); err != nil {
		return BulkResult{}, err
	}

	var blocked []BlockedArtifact
	for _, r := range refs {
		lock, err := e.Repo.GetLockForArtifact(ctx, tx, r)
		if isNotFound(err) {
			continue
		}
		if err != nil {
			return BulkResult{}, err
		}
		if e.lockLive(lock) && (lock.InitiativeID != in.ID || lock.LockedBy != opts.ActorID) {
			blocked = append(blocked, BlockedArtifact{Ref: r, Holder: lock})
		}
	}
	if len(blocked) > 0 {
		return BulkResult{}, BulkCheckoutError{Blocked: blocked}
	}

	result = BulkResult{Report: report, Locks: make([]domain.ArtifactLock, 0, len(refs))}
	var created []string
	for _, r := range refs {
		res, err := e.acquireLock(ctx, tx, lockRequest{
			Ref:        r,
			Initiative: in,
			LockedBy:   opts.ActorID,
			ActorID:    opts.ActorID,
			Reason:     opts.Reason,
		})
		if err != nil {
			return BulkResult{}, fmt.Errorf("lock %s: %w", r, err)
		}
		result.Locks = append(result.Locks, res.Lock)
		if res.Created {
			created = append(created, r.String())
		}
	}
	if err := e.events().Append(ctx, tx, events.ArtifactBulkCheckedOut, "artifact", opts.Ref.String(), opts.ActorID, opts.Reason, events.EventPayload{
		"initiative_id": in.ID,
		"locked":        created,
		"closure_size":  len(refs),
		"risk_level":    report.RiskLevel,
	}); err != nil {
		return BulkResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return BulkResult{}, err
	}
	bulkCheckoutSize.Observe(float64(len(result.Locks)))
	e.log().WithFields(logrus.Fields{
		"artifact":      opts.Ref.String(),
		"initiative_id": in.ID,
		"actor_id":      opts.ActorID,
		"locked":        len(created),
		"risk_level":    report.RiskLevel,
	}).Info("closure checked out")
	return result, nil
}
