// Package validate checks engine inputs against their struct tags and
// reports failures as VALIDATION_ERROR envelopes keyed by JSON field path.
package validate

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/pitabwire/covenant/model"
)

var (
	once     sync.Once
	instance *validator.Validate
)

func get() *validator.Validate {
	once.Do(func() {
		instance = validator.New(validator.WithRequiredStructEnabled())
		instance.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			if name == "" {
				return fld.Name
			}
			return name
		})
	})
	return instance
}

// Struct validates v. It returns nil or a *model.ErrorEnvelope with one
// FieldError per failed constraint.
func Struct(v any) error {
	err := get().Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validate: %w", err)
	}
	details := make([]model.FieldError, 0, len(verrs))
	for _, fe := range verrs {
		details = append(details, fieldError(fe))
	}
	return model.NewValidationError(details)
}

// Field builds a single-field VALIDATION_ERROR.
func Field(field, code, message string) error {
	return model.NewValidationError([]model.FieldError{{Field: field, Code: code, Message: message}})
}

func fieldError(fe validator.FieldError) model.FieldError {
	// Drop the root struct name from the namespace.
	path := fe.Namespace()
	if i := strings.Index(path, "."); i >= 0 {
		path = path[i+1:]
	}
	msg := fmt.Sprintf("failed %q constraint", fe.Tag())
	if fe.Param() != "" {
		msg = fmt.Sprintf("failed %q constraint (%s)", fe.Tag(), fe.Param())
	}
	return model.FieldError{Field: path, Code: strings.ToUpper(fe.Tag()), Message: msg}
}
