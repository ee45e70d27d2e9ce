package middleware

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// Input validation and sanitization utilities

// ErrInvalidInput marks malformed request input.
var ErrInvalidInput = errors.New("invalid input")

var (
	identifierPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,127}$`)
	reviewerPattern   = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+(@[a-zA-Z0-9.-]+)?$`)
)

// ValidateScanID accepts the uuid form scan ids are issued in.
func ValidateScanID(scanID string) error {
	if scanID == "" {
		return fmt.Errorf("%w: scan id cannot be empty", ErrInvalidInput)
	}
	if _, err := uuid.Parse(scanID); err != nil {
		return fmt.Errorf("%w: scan id %q is not a uuid", ErrInvalidInput, scanID)
	}
	return nil
}

// ValidateIdentifier checks workspace, component and assessment ids.
func ValidateIdentifier(field, v string) error {
	if v == "" {
		return fmt.Errorf("%w: %s cannot be empty", ErrInvalidInput, field)
	}
	if !identifierPattern.MatchString(v) {
		return fmt.Errorf("%w: %s must be alphanumeric, dot, dash or underscore (max 128)", ErrInvalidInput, field)
	}
	return nil
}

// ValidateReviewer checks the X-Reviewer identity of a resubmission.
func ValidateReviewer(reviewer string) error {
	if reviewer == "" {
		return fmt.Errorf("%w: X-Reviewer header is required", ErrInvalidInput)
	}
	if len(reviewer) > 254 || !reviewerPattern.MatchString(reviewer) {
		return fmt.Errorf("%w: invalid reviewer %q", ErrInvalidInput, SanitizeString(reviewer))
	}
	return nil
}

// SanitizeString removes dangerous characters from strings
func SanitizeString(input string) string {
	input = strings.ReplaceAll(input, "\x00", "")

	var result strings.Builder
	for _, r := range input {
		if r >= 32 || r == '\t' || r == '\n' {
			result.WriteRune(r)
		}
	}
	return strings.TrimSpace(result.String())
}
