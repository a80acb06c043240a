package model

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"

	"github.com/mahaj/campus-realtime/pkg/apperr"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	v.RegisterStructValidation(submissionRules, Submission{})
	return v
}

// a message needs text or at least one attachment
func submissionRules(sl validator.StructLevel) {
	s := sl.Current().Interface().(Submission)
	if strings.TrimSpace(s.Content) == "" && len(s.Attachments) == 0 {
		sl.ReportError(s.Content, "content", "Content", "content_or_attachment", "")
	}
}

// Validate checks the struct tags of an inbound payload. Failures wrap apperr.ErrValidation.
func Validate(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var fields validator.ValidationErrors
	if errors.As(err, &fields) {
		msgs := lo.Map(fields, func(fe validator.FieldError, _ int) string {
			return fe.Field() + ": " + fe.Tag()
		})
		return fmt.Errorf("%w: %s", apperr.ErrValidation, strings.Join(msgs, ", "))
	}
	return fmt.Errorf("%w: %v", apperr.ErrValidation, err)
}
