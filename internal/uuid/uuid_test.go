// Package uuid provides unit tests for UUID generation and validation.
package uuid

import (
	"regexp"
	"testing"
)

var v4Pattern = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-4[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)

// TestNew tests that New() generates valid UUID v4 strings.
func TestNew(t *testing.T) {
	id := New()
	if !v4Pattern.MatchString(id) {
		t.Errorf("Generated UUID does not match v4 format: %s", id)
	}
}

// TestNewUniqueness tests that New() generates unique IDs.
func TestNewUniqueness(t *testing.T) {
	ids := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := New()
		if ids[id] {
			t.Fatalf("Duplicate UUID generated: %s", id)
		}
		ids[id] = true
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"lowercase v4", "f47ac10b-58cc-4372-a567-0e02b2c3d479", "f47ac10b-58cc-4372-a567-0e02b2c3d479", false},
		{"uppercase v4", "6BA7B810-9DAD-41D1-80B4-00C04FD430C8", "6ba7b810-9dad-41d1-80b4-00c04fd430c8", false},
		{"v1 uuid", "6ba7b810-9dad-11d1-80b4-00c04fd430c8", "", true},
		{"bad variant", "f47ac10b-58cc-4372-c567-0e02b2c3d479", "", true},
		{"no dashes", "f47ac10b58cc4372a5670e02b2c3d479", "", true},
		{"urn form", "urn:uuid:f47ac10b-58cc-4372-a567-0e02b2c3d479", "", true},
		{"empty", "", "", true},
		{"garbage", "not-a-uuid-at-all-but-36-chars-long!", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Normalize(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Normalize(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
			}
			if IsValid(tt.in) == tt.wantErr {
				t.Errorf("IsValid(%q) = %v", tt.in, !tt.wantErr)
			}
		})
	}
}
