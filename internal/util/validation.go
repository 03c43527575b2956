package util

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/go-playground/validator/v10/non-standard/validators"

	"github.com/example/notification-gateway/internal/models"
)

var phonePattern = regexp.MustCompile(`^\d{12}$`)

// ErrInvalidRequest is the sentinel wrapped by every request validation failure.
var ErrInvalidRequest = errors.New("invalid notification request")

// ValidationError lists the offending fields of a rejected request.
type ValidationError struct {
	Fields []models.FieldError
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return ErrInvalidRequest.Error()
	}
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return fmt.Sprintf("%s: %s", ErrInvalidRequest, strings.Join(parts, "; "))
}

func (e *ValidationError) Unwrap() error { return ErrInvalidRequest }

// RequestValidator checks NotificationRequest values before they reach the
// orchestrator. It is safe for concurrent use.
type RequestValidator struct {
	validate *validator.Validate
}

// NewRequestValidator builds a validator reporting JSON field names.
func NewRequestValidator() *RequestValidator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	// Registration only fails for empty tags or nil funcs.
	_ = v.RegisterValidation("notblank", validators.NotBlank)
	_ = v.RegisterValidation("phone12", func(fl validator.FieldLevel) bool {
		return phonePattern.MatchString(fl.Field().String())
	})
	return &RequestValidator{validate: v}
}

// Decode parses a JSON body, normalises it and validates it.
func (v *RequestValidator) Decode(body []byte) (*models.NotificationRequest, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, &ValidationError{Fields: []models.FieldError{{Field: "body", Message: "request body is required"}}}
	}
	var req models.NotificationRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, &ValidationError{Fields: []models.FieldError{{Field: "body", Message: err.Error()}}}
	}
	if err := v.Validate(&req); err != nil {
		return nil, err
	}
	return &req, nil
}

// Validate normalises the request in place and reports every invalid field.
func (v *RequestValidator) Validate(req *models.NotificationRequest) error {
	if req == nil {
		return &ValidationError{Fields: []models.FieldError{{Field: "body", Message: "request body is required"}}}
	}
	Normalize(req)

	err := v.validate.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	out := &ValidationError{Fields: make([]models.FieldError, 0, len(verrs))}
	for _, fe := range verrs {
		out.Fields = append(out.Fields, models.FieldError{
			Field:   fieldPath(fe.Namespace()),
			Message: describe(fe),
		})
	}
	return out
}

// Normalize trims identifiers and lowercases recipient languages.
func Normalize(req *models.NotificationRequest) {
	req.RequestID = strings.TrimSpace(req.RequestID)
	req.Source = strings.TrimSpace(req.Source)
	req.Category = strings.TrimSpace(req.Category)
	req.TemplateName = strings.TrimSpace(req.TemplateName)
	for i := range req.Recipients {
		r := &req.Recipients[i]
		r.ID = strings.TrimSpace(r.ID)
		r.Phone = strings.TrimSpace(r.Phone)
		r.Lang = strings.ToLower(strings.TrimSpace(r.Lang))
	}
}

// fieldPath drops the root struct name from a validator namespace.
func fieldPath(ns string) string {
	if idx := strings.Index(ns, "."); idx >= 0 {
		return ns[idx+1:]
	}
	return ns
}

func describe(fe validator.FieldError) string {
	switch fe.Field() {
	case "phone":
		if fe.Tag() != "required" {
			return "Phone must be a 12-digit number (e.g., 998931234567)"
		}
	case "lang":
		if fe.Tag() == "oneof" {
			return "lang must be 'uz', 'en', or 'ru'"
		}
	case "recipients":
		switch fe.Tag() {
		case "max":
			return "The number of recipients cannot exceed 50 per request"
		case "unique":
			return "recipient ids must be unique within a request"
		}
	case "channels":
		if fe.Tag() == "unique" {
			return "channels must not repeat"
		}
	}

	switch fe.Tag() {
	case "required", "notblank":
		return fmt.Sprintf("%s cannot be blank", fe.Field())
	case "min":
		return fmt.Sprintf("%s must contain at least %s entry", fe.Field(), fe.Param())
	case "uuid":
		return fmt.Sprintf("%s must be a valid UUID", fe.Field())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag())
	}
}
