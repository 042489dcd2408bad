// Package validator checks request bodies and scan targets before a job is
// created.
package validator

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	playground "github.com/go-playground/validator/v10"

	"github.com/openctemio/scanworker/pkg/domain/scanjob"
	"github.com/openctemio/scanworker/pkg/domain/shared"
)

// Validator runs struct tag validation with the scan-specific tags
// scanner_type and scan_id registered.
type Validator struct {
	validate *playground.Validate
}

// ValidationError names one rejected field by its JSON name.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is returned by Validate when any field fails.
type ValidationErrors []ValidationError

func (v ValidationErrors) Error() string {
	var b strings.Builder
	for i, e := range v {
		if i > 0 {
			b.WriteString("; ")
		}
		b.WriteString(e.Field + ": " + e.Message)
	}
	return b.String()
}

func New() *Validator {
	v := playground.New(playground.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(jsonFieldName)
	_ = v.RegisterValidation("scanner_type", func(fl playground.FieldLevel) bool {
		s := fl.Field().String()
		if s == "" {
			return true
		}
		_, err := scanjob.ParseScannerType(s)
		return err == nil
	})
	_ = v.RegisterValidation("scan_id", func(fl playground.FieldLevel) bool {
		s := fl.Field().String()
		return s == "" || shared.IsValidID(s)
	})
	return &Validator{validate: v}
}

// Validate returns nil, ValidationErrors, or the validator's own error for
// a value it cannot inspect.
func (v *Validator) Validate(s any) error {
	err := v.validate.Struct(s)
	var fieldErrs playground.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}

	out := make(ValidationErrors, len(fieldErrs))
	for i, fe := range fieldErrs {
		out[i] = ValidationError{Field: fe.Field(), Message: describe(fe)}
	}
	return out
}

// jsonFieldName reports the JSON key, or the Go name with a lower-cased
// first letter for untagged fields.
func jsonFieldName(f reflect.StructField) string {
	name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
	switch name {
	case "-":
		return ""
	case "":
		return strings.ToLower(f.Name[:1]) + f.Name[1:]
	}
	return name
}

func describe(fe playground.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "max":
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	case "scanner_type":
		return "must be one of: nmap, nikto, openvas, zap"
	case "scan_id":
		return "must not contain path separators or spaces"
	}
	return "failed " + fe.Tag() + " validation"
}
