// Package registry holds the production view of artifacts: their current
// field values, the typed edges between them and open change requests.
package registry

import (
	"context"
	"encoding/json"

	"artline/internal/domain"
)

// Edge kinds.
const (
	EdgeProvides      = "provides"       // application -> interface
	EdgeConsumes      = "consumes"       // application -> interface
	EdgeUsesInterface = "uses_interface" // process -> interface
	EdgeParentOf      = "parent_of"      // process -> process
	EdgeOwns          = "owns"           // application -> technical process / internal activity
	EdgeDependsOn     = "depends_on"     // technical process -> technical process
	EdgeUsesActivity  = "uses_activity"  // technical process -> internal activity
)

var EdgeKinds = []string{EdgeProvides, EdgeConsumes, EdgeUsesInterface, EdgeParentOf, EdgeOwns, EdgeDependsOn, EdgeUsesActivity}

// Record is the current production data for one artifact.
type Record struct {
	Ref  domain.ArtifactRef `json:"artifact"`
	Name string             `json:"name"`
	Data json.RawMessage    `json:"data"`
}

type Edge struct {
	From domain.ArtifactRef `json:"from"`
	To   domain.ArtifactRef `json:"to"`
	Kind string             `json:"kind"`
}

// ChangeRequestRef is an open change request touching one artifact.
type ChangeRequestRef struct {
	ID           string             `json:"id"`
	Title        string             `json:"title"`
	Status       string             `json:"status"`
	InitiativeID string             `json:"initiative_id,omitempty"`
	Ref          domain.ArtifactRef `json:"artifact"`
	ChangeKind   string             `json:"change_kind"`
}

// Registry is what the engine consumes. Lookup returns repo.ErrNotFound for
// unknown artifacts.
type Registry interface {
	Lookup(ctx context.Context, ref domain.ArtifactRef) (Record, error)
	// Edges returns every edge with ref on either end.
	Edges(ctx context.Context, ref domain.ArtifactRef) ([]Edge, error)
	OpenChangeRequests(ctx context.Context, refs []domain.ArtifactRef) ([]ChangeRequestRef, error)
}

func ValidEdgeKind(kind string) bool {
	for _, k := range EdgeKinds {
		if k == kind {
			return true
		}
	}
	return false
}
