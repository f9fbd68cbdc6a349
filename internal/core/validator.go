package core

import (
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"eventmail/internal/types"
)

// Validator wraps go-playground/validator with the domain tags:
// is_timezone, trigger_type, unsubscribe_scope and scheduled_status.
type Validator struct {
	validate *validator.Validate
	logger   *slog.Logger
}

// ValidationError describes one failed field.
type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewValidator creates a Validator and registers the custom tags. Field names
// in errors follow the json tag.
func NewValidator(logger *slog.Logger) *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})

	must := func(tag string, fn validator.Func) {
		if err := v.RegisterValidation(tag, fn); err != nil {
			panic(fmt.Sprintf("register validation %s: %v", tag, err))
		}
	}
	must("is_timezone", func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		if s == "" {
			return true
		}
		_, err := time.LoadLocation(s)
		return err == nil
	})
	must("trigger_type", func(fl validator.FieldLevel) bool {
		return types.TriggerType(fl.Field().String()).Valid()
	})
	must("unsubscribe_scope", func(fl validator.FieldLevel) bool {
		return types.UnsubscribeScope(fl.Field().String()).Valid()
	})
	must("scheduled_status", func(fl validator.FieldLevel) bool {
		switch types.ScheduledEmailStatus(fl.Field().String()) {
		case types.ScheduledStatusScheduled, types.ScheduledStatusPaused, types.ScheduledStatusSent,
			types.ScheduledStatusFailed, types.ScheduledStatusCancelled:
			return true
		default:
			return false
		}
	})

	return &Validator{validate: v, logger: logger}
}

// ValidateStruct returns nil or an *types.AppError whose code reflects the
// first failure and whose details list every failure under
// "validation_errors".
func (v *Validator) ValidateStruct(s any) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		v.logger.Error("validator misuse", "error", err)
		return types.NewAppError(types.ErrCodeInternalUnexpected, "request validation failed", err)
	}

	out := make([]ValidationError, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, ValidationError{
			Field:   fe.Field(),
			Code:    string(tagToErrorCode(fe.Tag())),
			Message: fieldMessage(fe),
		})
	}
	return types.NewAppErrorWithDetails(tagToErrorCode(verrs[0].Tag()), out[0].Message, err,
		map[string]any{"validation_errors": out})
}

func tagToErrorCode(tag string) types.ErrorCode {
	switch tag {
	case "required", "required_without", "required_if":
		return types.ErrCodeValidationMissingField
	case "email":
		return types.ErrCodeValidationInvalidEmail
	case "is_timezone":
		return types.ErrCodeValidationInvalidTimezone
	case "trigger_type":
		return types.ErrCodeValidationInvalidTrigger
	case "unsubscribe_scope":
		return types.ErrCodeValidationInvalidScope
	case "scheduled_status":
		return types.ErrCodeValidationInvalidStatus
	default:
		return types.ErrCodeValidationInvalidPayload
	}
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_without", "required_if":
		return fmt.Sprintf("%s is required", fe.Field())
	case "email":
		return fmt.Sprintf("%s must be a valid email address", fe.Field())
	case "is_timezone":
		return fmt.Sprintf("%s must be an IANA timezone", fe.Field())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("%s is invalid (%s)", fe.Field(), fe.Tag())
	}
}
