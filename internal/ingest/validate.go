package ingest

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"turfwar/internal/types"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// FieldError describes one failed payload constraint.
type FieldError struct {
	Field string `json:"field"`
	Rule  string `json:"rule"`
}

// Validate checks the structural contract of a payload: a guild with an id,
// at least one member, and a profile id on every member.
func Validate(p *types.SnapshotPayload) error {
	if p == nil {
		return types.NewAppError(types.ErrCodeValidationMissingField, "payload must contain guild and members", nil)
	}

	err := validate.Struct(p)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return types.NewAppError(types.ErrCodeValidationInvalidPayload, "payload failed validation", err)
	}

	details := make([]FieldError, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		details = append(details, FieldError{Field: fe.Namespace(), Rule: fe.Tag()})
	}

	first := fieldErrs[0]
	return types.NewAppErrorWithDetails(
		types.ErrCodeValidationMissingField,
		fmt.Sprintf("invalid payload: %s failed %q", first.Namespace(), first.Tag()),
		err,
		map[string]any{"fields": details},
	)
}
