// Package uuid generates and checks the v4 identifiers assigned to sync
// operations.
package uuid

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// New generates a new lower-case UUID v4 string.
func New() string {
	return uuid.New().String()
}

// Normalize parses s and returns its canonical lower-case form.
// Only hyphenated 36-character v4 UUIDs with the RFC 4122 variant are accepted.
func Normalize(s string) (string, error) {
	if len(s) != 36 {
		return "", fmt.Errorf("invalid UUID v4 format: %q", s)
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("invalid UUID: %w", err)
	}
	if id.Version() != 4 {
		return "", fmt.Errorf("expected UUID v4, got v%d", id.Version())
	}
	if id.Variant() != uuid.RFC4122 {
		return "", fmt.Errorf("invalid UUID v4 variant: %q", s)
	}
	return strings.ToLower(id.String()), nil
}

// IsValid checks if a string is a valid UUID v4.
func IsValid(s string) bool {
	_, err := Normalize(s)
	return err == nil
}
