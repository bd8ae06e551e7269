package core

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"eventbell/internal/types"
)

// Validator checks decoded request bodies against their validate tags and
// reports failures as AppErrors keyed by JSON field path.
type Validator struct {
	validate *validator.Validate
}

// NewValidator creates a Validator that names fields by their json tag.
func NewValidator() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		if name == "" {
			return fld.Name
		}
		return name
	})
	return &Validator{validate: v}
}

// ValidateStruct returns nil when s passes, or an AppError whose details map
// each failing field to the rule it broke. The code follows the first
// failing field: reminders and recurrence have their own codes.
func (v *Validator) ValidateStruct(s any) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return types.NewAppError(types.ErrCodeValidationPayload, "invalid request body", err)
	}

	fields := make(map[string]any, len(verrs))
	for _, fe := range verrs {
		fields[fieldPath(fe)] = ruleOf(fe)
	}
	first := fieldPath(verrs[0])

	return types.NewAppErrorWithDetails(codeForField(first), messageFor(verrs[0]), err,
		map[string]any{"fields": fields})
}

// fieldPath strips the root struct name from the namespace, giving e.g.
// "recurrence.type" or "reminders[2]".
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}

func ruleOf(fe validator.FieldError) string {
	if fe.Param() != "" {
		return fe.Tag() + "=" + fe.Param()
	}
	return fe.Tag()
}

func codeForField(path string) types.ErrorCode {
	switch {
	case strings.HasPrefix(path, "reminders"):
		return types.ErrCodeValidationReminder
	case strings.HasPrefix(path, "recurrence"):
		return types.ErrCodeValidationRecurrence
	default:
		return types.ErrCodeValidationMissingField
	}
}

func messageFor(fe validator.FieldError) string {
	path := fieldPath(fe)
	switch fe.Tag() {
	case "required":
		return path + " is required"
	case "oneof":
		return path + " must be one of: " + fe.Param()
	case "url":
		return path + " must be a valid URL"
	case "min":
		return path + " must be at least " + fe.Param()
	case "max":
		return path + " must be at most " + fe.Param()
	default:
		return path + " is invalid"
	}
}
