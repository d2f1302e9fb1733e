package validation

import (
	"strings"
	"testing"
)

func TestIsValidCoordinates(t *testing.T) {
	tests := []struct {
		name     string
		lat, lng float64
		want     bool
	}{
		{"origin", 0, 0, true},
		{"north pole", 90, 0, true},
		{"date line", 0, 180, true},
		{"latitude too big", 90.01, 0, false},
		{"latitude too small", -91, 0, false},
		{"longitude too big", 0, 180.5, false},
		{"longitude too small", 0, -181, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsValidCoordinates(tt.lat, tt.lng); got != tt.want {
				t.Fatalf("IsValidCoordinates(%v, %v) = %v, want %v", tt.lat, tt.lng, got, tt.want)
			}
		})
	}
}

func TestIsValidAddress(t *testing.T) {
	if !IsValidAddress("12 Market Street") {
		t.Fatalf("plain address must be valid")
	}
	if IsValidAddress("   ") {
		t.Fatalf("blank address must be invalid")
	}
	if IsValidAddress("") {
		t.Fatalf("empty address must be invalid")
	}
	if IsValidAddress(strings.Repeat("x", 501)) {
		t.Fatalf("overlong address must be invalid")
	}
}
