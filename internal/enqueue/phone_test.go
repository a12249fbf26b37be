package enqueue

import (
	"errors"
	"testing"
)

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"already canonical", "+5215512345678", "+5215512345678"},
		{"bare digits", "5215512345678", "+5215512345678"},
		{"double zero prefix", "005215512345678", "+5215512345678"},
		{"spaces and dashes", "+52 155-1234-5678", "+5215512345678"},
		{"parentheses and dots", "+52 (155) 123.456.78", "+5215512345678"},
		{"surrounding whitespace", "  +5215512345678  ", "+5215512345678"},
		{"minimum length", "+1234567890", "+1234567890"},
		{"maximum length", "+123456789012345", "+123456789012345"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizePhone(tt.input)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("NormalizePhone(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestNormalizePhone_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"whitespace only", "   "},
		{"too short", "+123456789"},
		{"too long", "+1234567890123456"},
		{"letters", "+52155CALLME12"},
		{"plus in the middle", "52+15512345678"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NormalizePhone(tt.input)
			if !errors.Is(err, ErrInvalidRecipient) {
				t.Errorf("NormalizePhone(%q): expected ErrInvalidRecipient, got %v", tt.input, err)
			}
		})
	}
}
