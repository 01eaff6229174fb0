package api

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

// TitlePattern constrains dataset titles.
const TitlePattern = `^[A-Za-z0-9_\-āēīōūĀĒĪŌŪ]+$`

var titleRegexp = regexp.MustCompile(TitlePattern)

func registerFn(tag string, fn func(fl validator.FieldLevel) bool) func(v *validator.Validate) {
	return func(v *validator.Validate) {
		_ = v.RegisterValidation(tag, fn)
	}
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())

	// Report JSON property names.
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}

		return name
	})

	for _, rule := range []func(v *validator.Validate){
		registerFn("dataset_title", datasetTitleValidator),
	} {
		rule(v)
	}

	return v
}

func datasetTitleValidator(fl validator.FieldLevel) bool {
	return titleRegexp.MatchString(fl.Field().String())
}

// validationMessage renders the first failed rule.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err.Error()
	}

	fe := verrs[0]

	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("'%s' is a required property", fe.Field())
	case "dataset_title":
		return fmt.Sprintf("'%s' does not match '%s'", fe.Value(), TitlePattern)
	case "startswith":
		return fmt.Sprintf("'%s' must start with '%s'", fe.Field(), fe.Param())
	case "len":
		return fmt.Sprintf("'%s' must be %s characters long", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("'%s' failed the '%s' rule", fe.Field(), fe.Tag())
	}
}
