// Package validate builds the input validator shared by the view models.
package validate

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/matheus3301/leadsync/internal/model"
)

// MinPhoneDigits is the shortest phone number accepted, counted in digits.
const MinPhoneDigits = 10

var messages = map[string]string{
	"required": "is required",
	"email":    "must be a valid email",
	"phone":    fmt.Sprintf("must have at least %d digits", MinPhoneDigits),
	"min":      "is too short",
	"max":      "is too long",
	"gte":      "must not be negative",
	"gtefield": "must not be below the minimum",
	"oneof":    "has an unknown value",
}

// New returns a validator with the custom tags registered. Field names in
// errors use the json tag.
func New() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.RegisterValidation("phone", phone); err != nil {
		panic(err)
	}
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return fld.Name
		}
		return name
	})
	return v
}

func phone(fl validator.FieldLevel) bool {
	return len(model.NormalizePhone(fl.Field().String())) >= MinPhoneDigits
}

// Message renders validation failures as "field message; field message".
func Message(err error) string {
	var errs validator.ValidationErrors
	if !errors.As(err, &errs) {
		return err.Error()
	}
	parts := make([]string, 0, len(errs))
	for _, e := range errs {
		msg := messages[e.Tag()]
		if msg == "" {
			msg = "failed " + e.Tag()
		}
		parts = append(parts, e.Field()+" "+msg)
	}
	return strings.Join(parts, "; ")
}
