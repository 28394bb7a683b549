package engine

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"artline/internal/domain"
)

func TestResultLabelSeesWrappedErrors(t *testing.T) {
	ref := domain.ArtifactRef{Type: domain.TypeApplication, ID: "42"}
	cases := map[string]error{
		"ok":              nil,
		"locked":          fmt.Errorf("lock %s: %w", ref, ArtifactLockedError{Ref: ref}),
		"not_checked_out": fmt.Errorf("checkin: %w", NotCheckedOutError{Ref: ref, InitiativeID: "INIT-1"}),
		"invalid":         fmt.Errorf("options: %w", ValidationError{Field: "reason", Message: "required"}),
		"error":           errors.New("disk full"),
	}
	for want, err := range cases {
		assert.Equal(t, want, resultLabel(err), want)
	}
}
