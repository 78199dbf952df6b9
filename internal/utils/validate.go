// Package utils provides input validation helpers consumed by handlers.
package utils

import (
	"fmt"
	"regexp"
	"strings"
)

// DefaultMaxInput bounds sanitized string inputs.
const DefaultMaxInput = 1000

var emailPattern = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

// ValidateRequiredFields checks that every required field is present and not
// empty. Nil values and whitespace-only strings count as empty.
func ValidateRequiredFields(data map[string]any, required []string) map[string]string {
	errors := make(map[string]string)
	for _, field := range required {
		value, ok := data[field]
		if !ok {
			errors[field] = fmt.Sprintf("%s is required", field)
			continue
		}
		if value == nil {
			errors[field] = fmt.Sprintf("%s cannot be empty", field)
			continue
		}
		if s, isString := value.(string); isString && strings.TrimSpace(s) == "" {
			errors[field] = fmt.Sprintf("%s cannot be empty", field)
		}
	}
	return errors
}

// LengthRule constrains a field's string length. Zero values disable the
// corresponding bound.
type LengthRule struct {
	MinLength int
	MaxLength int
}

// ValidateFieldLength checks per-field length constraints.
func ValidateFieldLength(data map[string]any, rules map[string]LengthRule) map[string]string {
	errors := make(map[string]string)
	for field, rule := range rules {
		value, ok := data[field]
		if !ok || value == nil {
			continue
		}
		length := len([]rune(fmt.Sprintf("%v", value)))
		if rule.MinLength > 0 && length < rule.MinLength {
			errors[field] = fmt.Sprintf("%s must be at least %d characters", field, rule.MinLength)
			continue
		}
		if rule.MaxLength > 0 && length > rule.MaxLength {
			errors[field] = fmt.Sprintf("%s must be no more than %d characters", field, rule.MaxLength)
		}
	}
	return errors
}

// ValidateEmailFormat reports whether the address matches the accepted
// email shape.
func ValidateEmailFormat(email string) bool {
	return emailPattern.MatchString(email)
}

// SanitizeString strips null bytes and control characters (keeping tab,
// newline and carriage return), trims whitespace, and truncates to maxLength
// runes. A non-positive maxLength uses DefaultMaxInput.
func SanitizeString(value string, maxLength int) string {
	if value == "" {
		return ""
	}
	if maxLength <= 0 {
		maxLength = DefaultMaxInput
	}

	var b strings.Builder
	for _, r := range value {
		if r >= 32 || r == '\t' || r == '\n' || r == '\r' {
			b.WriteRune(r)
		}
	}

	sanitized := strings.TrimSpace(b.String())
	runes := []rune(sanitized)
	if len(runes) > maxLength {
		sanitized = string(runes[:maxLength])
	}
	return sanitized
}
