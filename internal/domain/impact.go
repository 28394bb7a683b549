package domain

import "sort"

// RequiredCheckout is one member of a checkout closure.
type RequiredCheckout struct {
	Ref    ArtifactRef `json:"artifact"`
	Name   string      `json:"name,omitempty"`
	Depth  int         `json:"depth"`
	Reason string      `json:"reason"`
}

const (
	ImpactModification  = "modification"
	ImpactDeletion      = "deletion"
	ImpactStatusChange  = "status_change"
	ImpactVersionChange = "version_change"
	ImpactSequence      = "sequence_change"
)

// CrossInitiativeImpact is an artifact in the closure that another initiative
// or an open change request is already touching.
type CrossInitiativeImpact struct {
	Ref             ArtifactRef `json:"artifact"`
	Name            string      `json:"name,omitempty"`
	InitiativeID    string      `json:"initiative_id,omitempty"`
	ChangeRequestID string      `json:"change_request_id,omitempty"`
	Title           string      `json:"title,omitempty"`
	Holder          string      `json:"holder,omitempty"`
	ConflictType    string      `json:"conflict_type" enum:"modification,deletion,status_change,version_change,sequence_change"`
	Source          string      `json:"source" enum:"lock,pending_version,change_request"`
}

type ImpactSummary struct {
	TotalRequiredCheckouts   int    `json:"total_required_checkouts"`
	CrossInitiativeConflicts int    `json:"cross_initiative_conflicts"`
	EstimatedComplexity      string `json:"estimated_complexity" enum:"Simple,Moderate,Complex,Very Complex"`
}

// ImpactReport is computed on demand and never stored.
type ImpactReport struct {
	Primary                RequiredCheckout                    `json:"primary_artifact"`
	InitiativeID           string                              `json:"initiative_id"`
	RequiredCheckouts      map[ArtifactType][]RequiredCheckout `json:"required_checkouts"`
	CrossInitiativeImpacts []CrossInitiativeImpact             `json:"cross_initiative_impacts"`
	RiskLevel              string                              `json:"risk_level" enum:"low,medium,high,critical"`
	Summary                ImpactSummary                       `json:"summary"`
}

// Closure returns the primary artifact followed by every required checkout,
// sorted by (type, id).
func (r ImpactReport) Closure() []ArtifactRef {
	refs := []ArtifactRef{r.Primary.Ref}
	for _, t := range ArtifactTypes {
		for _, rc := range r.RequiredCheckouts[t] {
			refs = append(refs, rc.Ref)
		}
	}
	SortRefs(refs)
	return refs
}

// SortRefs sorts in place by (type, id).
func SortRefs(refs []ArtifactRef) {
	sort.Slice(refs, func(i, j int) bool { return refs[i].Less(refs[j]) })
}
