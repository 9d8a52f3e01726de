// Package intake classifies uploaded membership rows before they are
// persisted: structural validation, identity verification, fraud signals,
// geography resolution and renewal timing.
package intake

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/iago/membership-intake/internal/domain"
)

// DateLayouts are the date formats accepted in uploaded spreadsheets.
var DateLayouts = []string{"2006-01-02", "2006/01/02", "02/01/2006", "20060102"}

type Validator struct {
	validate *validator.Validate
}

func NewValidator() *Validator {
	validate := validator.New()
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return field.Name
		}
		return name
	})

	_ = validate.RegisterValidation("said", validateIDNumber)
	_ = validate.RegisterValidation("anydate", validateAnyDate)
	_ = validate.RegisterValidation("cellphone", validateCellphone)

	return &Validator{validate: validate}
}

// Validate runs the structural checks for one row. Messages follow the
// column order of the record.
func (v *Validator) Validate(record domain.BulkRecord) domain.ValidationResult {
	err := v.validate.Struct(record)
	if err == nil {
		return domain.ValidationResult{Passed: true}
	}

	var fieldErrors validator.ValidationErrors
	if !errors.As(err, &fieldErrors) {
		return domain.ValidationResult{Passed: false, Errors: []string{err.Error()}}
	}

	messages := make([]string, 0, len(fieldErrors))
	for _, fieldErr := range fieldErrors {
		messages = append(messages, describe(fieldErr))
	}
	return domain.ValidationResult{Passed: false, Errors: messages}
}

func describe(fieldErr validator.FieldError) string {
	field := fieldErr.Field()
	switch fieldErr.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "said":
		return fmt.Sprintf("%s is not a valid 13-digit identity number", field)
	case "anydate":
		return fmt.Sprintf("%s is not a recognised date", field)
	case "cellphone":
		return fmt.Sprintf("%s must be 0XXXXXXXXX or +27XXXXXXXXX", field)
	case "email":
		return fmt.Sprintf("%s is not a valid email address", field)
	case "numeric":
		return fmt.Sprintf("%s must be numeric", field)
	case "len":
		return fmt.Sprintf("%s must be exactly %s characters", field, fieldErr.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", field, fieldErr.Param())
	default:
		return fmt.Sprintf("%s failed %s check", field, fieldErr.Tag())
	}
}

func validateIDNumber(fl validator.FieldLevel) bool {
	return ValidIDNumber(fl.Field().String())
}

func validateAnyDate(fl validator.FieldLevel) bool {
	_, ok := ParseDate(fl.Field().String())
	return ok
}

func validateCellphone(fl validator.FieldLevel) bool {
	return ValidCellNumber(fl.Field().String())
}

// ValidIDNumber checks length, the embedded YYMMDD birth date and the Luhn
// check digit.
func ValidIDNumber(value string) bool {
	value = strings.TrimSpace(value)
	if len(value) != 13 || !allDigits(value) {
		return false
	}
	if !validBirthDate(value[:6]) {
		return false
	}
	return int(value[12]-'0') == LuhnCheckDigit(value[:12])
}

// LuhnCheckDigit returns the digit that makes payload+digit pass the Luhn check.
func LuhnCheckDigit(payload string) int {
	sum := 0
	double := true
	for i := len(payload) - 1; i >= 0; i-- {
		digit := int(payload[i] - '0')
		if double {
			digit *= 2
			if digit > 9 {
				digit -= 9
			}
		}
		sum += digit
		double = !double
	}
	return (10 - sum%10) % 10
}

func validBirthDate(yymmdd string) bool {
	for _, century := range []string{"19", "20"} {
		if _, err := time.Parse("20060102", century+yymmdd); err == nil {
			return true
		}
	}
	return false
}

// ValidCellNumber accepts local 0XXXXXXXXX or international +27XXXXXXXXX
// numbers, ignoring spaces and dashes.
func ValidCellNumber(value string) bool {
	normalized := strings.NewReplacer(" ", "", "-", "").Replace(strings.TrimSpace(value))
	switch {
	case strings.HasPrefix(normalized, "+27"):
		rest := normalized[3:]
		return len(rest) == 9 && allDigits(rest)
	case strings.HasPrefix(normalized, "0"):
		return len(normalized) == 10 && allDigits(normalized)
	default:
		return false
	}
}

// ParseDate tries every accepted layout.
func ParseDate(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	for _, layout := range DateLayouts {
		if parsed, err := time.Parse(layout, value); err == nil {
			return parsed, true
		}
	}
	return time.Time{}, false
}

func allDigits(value string) bool {
	if value == "" {
		return false
	}
	for _, r := range value {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
