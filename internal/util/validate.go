package util

import (
	"fmt"
	"regexp"
)

var (
	usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)
	emailPattern    = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
)

// ValidationError reports a single invalid field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateUsername sanitizes and checks a username (3-50 chars,
// letters/digits/underscore only). Returns the sanitized value.
func ValidateUsername(raw string) (string, error) {
	s := SanitizeInput(raw)
	if len(s) < 3 || len(s) > 50 {
		return "", &ValidationError{Field: "username", Message: "must be between 3 and 50 characters"}
	}
	if !usernamePattern.MatchString(s) {
		return "", &ValidationError{Field: "username", Message: "may only contain letters, numbers and underscores"}
	}
	return s, nil
}

// ValidatePassword checks length bounds. The raw value is never
// sanitized: passwords are hashed, not stored or echoed.
func ValidatePassword(raw string) error {
	if len(raw) < 6 {
		return &ValidationError{Field: "password", Message: "must be at least 6 characters"}
	}
	if len(raw) > 128 {
		return &ValidationError{Field: "password", Message: "must be no more than 128 characters"}
	}
	return nil
}

// ValidateEmail sanitizes and checks an email address (max 255 chars).
func ValidateEmail(raw string) (string, error) {
	s := SanitizeInput(raw)
	if s == "" || len(s) > 255 {
		return "", &ValidationError{Field: "email", Message: "must be a non-empty address up to 255 characters"}
	}
	if !emailPattern.MatchString(s) {
		return "", &ValidationError{Field: "email", Message: "must be a valid email address"}
	}
	return s, nil
}
