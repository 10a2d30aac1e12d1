// Package uuid generates and validates identifiers for devices, sessions and entities.
package uuid

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/google/uuid"
)

// MaxEntityIDLength bounds opaque entity ids.
const MaxEntityIDLength = 128

// UUID v4 format: xxxxxxxx-xxxx-4xxx-yxxx-xxxxxxxxxxxx
var uuidV4Regex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-4[0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`)

// New generates a new UUID v4 string.
func New() string {
	return uuid.New().String()
}

// NewRandom generates a new UUID v4 string, reporting entropy failures
// instead of panicking. Used where the id is persisted.
func NewRandom() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate uuid: %w", err)
	}
	return id.String(), nil
}

// IsValid checks if a string is a valid UUID v4 in canonical dashed form.
func IsValid(s string) bool {
	return uuidV4Regex.MatchString(s)
}

// Validate returns an error if the string is not a valid UUID v4.
func Validate(s string) error {
	if !IsValid(s) {
		return fmt.Errorf("invalid UUID v4 format: %q", s)
	}
	return nil
}

// ValidateEntityID checks an opaque entity id. Entity ids need not be UUIDs,
// but must be non-empty, bounded and free of whitespace and control characters
// so they are safe as URL path segments and map keys on every platform.
func ValidateEntityID(id string) error {
	if id == "" {
		return fmt.Errorf("entity id is empty")
	}
	if len(id) > MaxEntityIDLength {
		return fmt.Errorf("entity id exceeds %d bytes", MaxEntityIDLength)
	}
	if strings.IndexFunc(id, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsControl(r) || r == unicode.ReplacementChar
	}) >= 0 {
		return fmt.Errorf("entity id %q contains whitespace or control characters", id)
	}
	return nil
}
