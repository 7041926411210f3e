package payment

import (
	"errors"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/yourorg/payment-gateway/internal/apperr"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterCustomTypeFunc(func(v reflect.Value) any {
			if d, ok := v.Interface().(decimal.Decimal); ok {
				f, _ := d.Float64()
				return f
			}
			return nil
		}, decimal.Decimal{})
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
			if name == "" || name == "-" {
				return strings.ToLower(f.Name)
			}
			return name
		})
	})
	return validate
}

// Validate checks a normalized request. Call Normalize first so currency
// casing and rounding are settled before the length and sign checks.
func (r PaymentRequest) Validate() error {
	if err := validatorInstance().Struct(r); err != nil {
		return fromValidatorError(err)
	}
	if msg := CheckAmount(r.Amount, r.Currency); msg != "" {
		return apperr.ValidationErr("Invalid request", map[string]string{"amount": msg})
	}
	return nil
}

// Validate checks an optional partial-refund amount and the reason length.
func (r RefundRequest) Validate() error {
	if err := validatorInstance().Struct(r); err != nil {
		return fromValidatorError(err)
	}
	if r.Amount != nil && !r.Amount.IsPositive() {
		return apperr.ValidationErr("Invalid refund request", map[string]string{"amount": "must be greater than 0"})
	}
	if r.Amount != nil {
		if msg := CheckAmount(*r.Amount, r.Currency); msg != "" {
			return apperr.ValidationErr("Invalid refund request", map[string]string{"amount": msg})
		}
	}
	return nil
}

func fromValidatorError(err error) error {
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return apperr.Wrap(apperr.Validation, "Invalid request", err)
	}
	fields := make(map[string]string, len(ve))
	for _, fe := range ve {
		fields[fe.Field()] = messageForTag(fe.Tag(), fe.Param())
	}
	return apperr.ValidationErr("Invalid request", fields)
}

func messageForTag(tag, param string) string {
	switch tag {
	case "required":
		return "is required"
	case "gt":
		return "must be greater than " + param
	case "len":
		return "must be exactly " + param + " characters"
	case "max":
		return "must be at most " + param + " characters"
	case "alpha":
		return "must contain letters only"
	default:
		return "is invalid"
	}
}
