// Package validate wraps go-playground/validator with English messages keyed
// by JSON field names and the custom tags used by the roster request types.
package validate

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
)

const (
	phoneTag     = "phone"
	classNameTag = "classname"
	sectionTag   = "section"
	notBlankTag  = "notblank"
	pastDateTag  = "pastdate"
)

var (
	phoneRegex = regexp.MustCompile(`^[+]?[0-9]{10,15}$`)

	// ClassNames lists the accepted class labels, Class 1 to Class 12.
	ClassNames = func() []string {
		names := make([]string, 0, 12)
		for i := 1; i <= 12; i++ {
			names = append(names, fmt.Sprintf("Class %d", i))
		}
		return names
	}()

	Sections = []string{"A", "B", "C", "D", "E"}

	customMessages = map[string]string{
		phoneTag:     "{0} must be 10 to 15 digits, optionally prefixed with +",
		classNameTag: "{0} must be one of Class 1 to Class 12",
		sectionTag:   "{0} must be one of A, B, C, D, E",
		notBlankTag:  "{0} cannot be blank",
		pastDateTag:  "{0} cannot be in the future",
		"required":   "{0} is required",
	}
)

// FieldError is a single rejected field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Errors is returned by Struct when one or more fields are rejected.
type Errors []FieldError

func (e Errors) Error() string {
	parts := make([]string, 0, len(e))
	for _, fe := range e {
		parts = append(parts, fe.Field+": "+fe.Message)
	}
	return strings.Join(parts, "; ")
}

// Fields extracts the per-field messages from err, if it carries any.
func Fields(err error) Errors {
	var verrs Errors
	if errors.As(err, &verrs) {
		return verrs
	}
	return nil
}

// Validator is safe for concurrent use.
type Validator struct {
	validate   *validator.Validate
	translator ut.Translator
	now        func() time.Time
}

func New() *Validator {
	v := &Validator{
		validate: validator.New(validator.WithRequiredStructEnabled()),
		now:      time.Now,
	}

	english := en.New()
	uni := ut.New(english, english)
	v.translator, _ = uni.GetTranslator("en")
	_ = en_translations.RegisterDefaultTranslations(v.validate, v.translator)

	v.validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	_ = v.validate.RegisterValidation(phoneTag, func(fl validator.FieldLevel) bool {
		return phoneRegex.MatchString(fl.Field().String())
	})
	_ = v.validate.RegisterValidation(classNameTag, func(fl validator.FieldLevel) bool {
		return IsClassName(fl.Field().String())
	})
	_ = v.validate.RegisterValidation(sectionTag, func(fl validator.FieldLevel) bool {
		return IsSection(fl.Field().String())
	})
	_ = v.validate.RegisterValidation(notBlankTag, func(fl validator.FieldLevel) bool {
		return strings.TrimSpace(fl.Field().String()) != ""
	})
	_ = v.validate.RegisterValidation(pastDateTag, v.notInFuture)

	for tag, text := range customMessages {
		v.registerMessage(tag, text)
	}

	return v
}

func (v *Validator) registerMessage(tag, text string) {
	_ = v.validate.RegisterTranslation(
		tag, v.translator,
		func(t ut.Translator) error { return t.Add(tag, text, true) },
		func(t ut.Translator, fe validator.FieldError) string {
			s, _ := t.T(tag, fe.Field())
			return s
		},
	)
}

// notInFuture accepts a YYYY-MM-DD string or a time.Time.
func (v *Validator) notInFuture(fl validator.FieldLevel) bool {
	today := v.now().UTC().Truncate(24 * time.Hour)
	switch val := fl.Field().Interface().(type) {
	case string:
		d, err := time.Parse(time.DateOnly, val)
		if err != nil {
			return false
		}
		return !d.After(today)
	case time.Time:
		return !val.UTC().Truncate(24 * time.Hour).After(today)
	}
	return false
}

// Struct validates s and returns Errors sorted by field name, or nil.
func (v *Validator) Struct(s interface{}) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}

	out := make(Errors, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, FieldError{
			Field:   fe.Field(),
			Message: fe.Translate(v.translator),
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Field < out[j].Field })
	return out
}

// Var validates a single value against tag and reports field as its name.
func (v *Validator) Var(field string, value interface{}, tag string) error {
	err := v.validate.Var(value, tag)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}

	out := make(Errors, 0, len(verrs))
	for _, fe := range verrs {
		msg := strings.TrimSpace(fe.Translate(v.translator))
		out = append(out, FieldError{Field: field, Message: field + " " + msg})
	}
	return out
}

func IsClassName(s string) bool { return slices.Contains(ClassNames, s) }

func IsSection(s string) bool { return slices.Contains(Sections, s) }
