// Package validation checks request structs against their `binding` tags
// with the same rules gin applies at the HTTP boundary.
package validation

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"csmvoice/internal/pkg/csmvoice/apperr"
)

const tagName = "binding"

var (
	engine     *validator.Validate
	engineOnce sync.Once
)

func instance() *validator.Validate {
	engineOnce.Do(func() {
		engine = validator.New(validator.WithRequiredStructEnabled())
		engine.SetTagName(tagName)
		if err := Configure(engine); err != nil {
			panic("validation: " + err.Error())
		}
	})
	return engine
}

// Configure registers the custom rules and JSON field naming on v. gin's
// validator engine is passed through here so both report the same messages.
func Configure(v *validator.Validate) error {
	v.RegisterTagNameFunc(fieldName)
	return v.RegisterValidation("finite", isFinite)
}

func fieldName(f reflect.StructField) string {
	name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
	switch name {
	case "-":
		return ""
	case "":
		return f.Name
	}
	return name
}

func isFinite(fl validator.FieldLevel) bool {
	switch fl.Field().Kind() {
	case reflect.Float32, reflect.Float64:
		v := fl.Field().Float()
		return !math.IsNaN(v) && !math.IsInf(v, 0)
	}
	return true
}

// Struct validates s and reports failures as a validation error.
func Struct(op string, s any) error {
	if err := instance().Struct(s); err != nil {
		return Error(op, err)
	}
	return nil
}

// Error converts a binding or validation failure into an *apperr.Error of
// kind validation. Missing required fields are listed together.
func Error(op string, err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return apperr.Wrap(apperr.KindValidation, op, "invalid request body: "+err.Error(), err)
	}

	var missing, problems []string
	for _, fe := range fieldErrs {
		if fe.Tag() == "required" {
			missing = append(missing, fe.Field())
			continue
		}
		problems = append(problems, describe(fe))
	}

	if len(missing) > 0 {
		problems = append([]string{"missing required fields: " + strings.Join(missing, ", ")}, problems...)
	}
	return apperr.New(apperr.KindValidation, op, strings.Join(problems, "; "))
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "gte":
		return fmt.Sprintf("%s must be >= %s", fe.Field(), fe.Param())
	case "lte":
		return fmt.Sprintf("%s must be <= %s", fe.Field(), fe.Param())
	case "gt":
		return fmt.Sprintf("%s must be > %s", fe.Field(), fe.Param())
	case "finite":
		return fmt.Sprintf("%s must be a finite number", fe.Field())
	}
	return fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag())
}
