package engine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"artline/internal/domain"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("artifact_type", func(fl validator.FieldLevel) bool {
		return domain.ArtifactType(fl.Field().String()).Valid()
	})
	return v
}

// validateStruct turns the first validator failure into a ValidationError.
func validateStruct(s any) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return ValidationError{Field: snake(fe.Field()), Message: describe(fe)}
	}
	return ValidationError{Message: err.Error()}
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "required"
	case "artifact_type":
		return fmt.Sprintf("invalid artifact type %q", fe.Value())
	case "oneof":
		return "must be one of " + fe.Param()
	case "max":
		return "must be at most " + fe.Param() + " characters"
	}
	return fmt.Sprintf("failed %s validation", fe.Tag())
}

func validateRef(ref domain.ArtifactRef) error {
	if !ref.Type.Valid() {
		return ValidationError{Field: "artifact_type", Message: fmt.Sprintf("invalid artifact type %q", ref.Type)}
	}
	if strings.TrimSpace(ref.ID) == "" {
		return ValidationError{Field: "artifact_id", Message: "required"}
	}
	return nil
}

// snake converts a Go field name such as InitiativeID to initiative_id.
func snake(s string) string {
	var b strings.Builder
	runes := []rune(s)
	for i, r := range runes {
		upper := r >= 'A' && r <= 'Z'
		if upper && i > 0 {
			prevLower := runes[i-1] >= 'a' && runes[i-1] <= 'z'
			nextLower := i+1 < len(runes) && runes[i+1] >= 'a' && runes[i+1] <= 'z'
			if prevLower || nextLower {
				b.WriteByte('_')
			}
		}
		if upper {
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}
