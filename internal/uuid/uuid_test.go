// Package uuid tests for identifier generation and validation.
package uuid

import (
	"strings"
	"testing"
)

// TestNew verifies generated ids are valid v4 UUIDs.
func TestNew(t *testing.T) {
	id := New()
	if !IsValid(id) {
		t.Errorf("New() = %q is not a valid UUID v4", id)
	}
}

// TestNewRandom verifies the error-returning generator.
func TestNewRandom(t *testing.T) {
	id, err := NewRandom()
	if err != nil {
		t.Fatalf("NewRandom() error = %v", err)
	}
	if err := Validate(id); err != nil {
		t.Errorf("Validate(NewRandom()) error = %v", err)
	}
}

// TestNewUniqueness verifies ids do not repeat.
func TestNewUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := New()
		if seen[id] {
			t.Fatalf("duplicate UUID generated: %s", id)
		}
		seen[id] = true
	}
}

// TestIsValid verifies UUID v4 format checks.
func TestIsValid(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  bool
	}{
		{"valid lowercase", "550e8400-e29b-41d4-a716-446655440000", true},
		{"valid uppercase", "550E8400-E29B-41D4-A716-446655440000", true},
		{"version 1", "550e8400-e29b-11d4-a716-446655440000", false},
		{"bad variant", "550e8400-e29b-41d4-c716-446655440000", false},
		{"no dashes", "550e8400e29b41d4a716446655440000", false},
		{"empty", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsValid(tt.input); got != tt.want {
				t.Errorf("IsValid(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

// TestValidateEntityID verifies opaque entity id checks.
func TestValidateEntityID(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"uuid", New(), false},
		{"opaque slug", "will:2026/primary", false},
		{"empty", "", true},
		{"space", "my entity", true},
		{"newline", "entity\n1", true},
		{"too long", strings.Repeat("a", MaxEntityIDLength+1), true},
		{"max length", strings.Repeat("a", MaxEntityIDLength), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateEntityID(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateEntityID(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}
