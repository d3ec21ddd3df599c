// Package validation wraps go-playground/validator and reports failures as
// domain.ValidationError keyed by JSON field name.
package validation

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/cuongbtq/jobmarket/internal/domain"
)

// New creates a validator that names fields by their json tag
func New() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return fld.Name
		}
		return name
	})
	return v
}

// Struct validates s and converts failures to *domain.ValidationError
func Struct(v *validator.Validate, s interface{}) error {
	err := v.Struct(s)
	if err == nil {
		return nil
	}

	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return err
	}

	fields := make(map[string]string, len(validationErrors))
	for _, e := range validationErrors {
		fields[e.Field()] = describe(e)
	}
	return &domain.ValidationError{Fields: fields}
}

func describe(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return "is required"
	case "gt":
		return "must be greater than " + e.Param()
	case "max":
		return "must be at most " + e.Param() + " characters"
	case "gtefield":
		return "must not be less than " + fieldName(e.Param())
	case "oneof":
		return "must be one of " + e.Param()
	default:
		return "failed " + e.Tag()
	}
}

func fieldName(goName string) string {
	switch goName {
	case "BudgetMin":
		return "budget_min"
	default:
		return goName
	}
}
