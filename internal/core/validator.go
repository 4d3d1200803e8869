package core

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"turfwar/internal/types"
)

// Validator wraps go-playground/validator and reports failures as
// validation AppErrors keyed by JSON field name.
type Validator struct {
	v *validator.Validate
}

// NewValidator builds a Validator that names fields by their json tag.
func NewValidator() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})
	return &Validator{v: v}
}

// ValidateStruct returns nil or a validation AppError. Missing required
// fields map to validation_missing_required_field; any other rule to
// validation_invalid_payload. Details list every failing field.
func (val *Validator) ValidateStruct(s any) error {
	err := val.v.Struct(s)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return types.NewAppError(types.ErrCodeValidationInvalidPayload, "request failed validation", err)
	}

	fields := make(map[string]any, len(fieldErrs))
	code := types.ErrCodeValidationInvalidPayload
	for _, fe := range fieldErrs {
		fields[fe.Field()] = fe.Tag()
		if fe.Tag() == "required" {
			code = types.ErrCodeValidationMissingField
		}
	}

	first := fieldErrs[0]
	return types.NewAppErrorWithDetails(
		code,
		fmt.Sprintf("%s failed %q", first.Field(), first.Tag()),
		err,
		map[string]any{"fields": fields},
	)
}
