package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"unicode"

	"github.com/go-playground/validator/v10"
)

// FUNCTIONAL DISCOVERY: Validator built once at package initialization,
// it caches struct metadata across requests
var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("password", func(fl validator.FieldLevel) bool {
		return IsValidPassword(fl.Field().String())
	})
	_ = v.RegisterValidation("msgtype", func(fl validator.FieldLevel) bool {
		return MessageType(fl.Field().Int()).IsUserMessage()
	})
	return v
}

// Validate checks struct tags of a request and wraps failures in ErrValidation
func Validate(req any) error {
	if err := validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("%w: %s failed on %s", ErrValidation, verrs[0].Namespace(), verrs[0].Tag())
		}
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}

// Decode unmarshals raw request data into req and validates it.
// An empty body decodes as an empty object.
func Decode(data json.RawMessage, req any) error {
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	if err := json.Unmarshal(data, req); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return Validate(req)
}

// IsValidPassword requires 8-64 characters with a letter and a digit
func IsValidPassword(password string) bool {
	if len(password) < 8 || len(password) > 64 {
		return false
	}
	var letter, digit bool
	for _, r := range password {
		switch {
		case unicode.IsLetter(r):
			letter = true
		case unicode.IsDigit(r):
			digit = true
		}
	}
	return letter && digit
}
