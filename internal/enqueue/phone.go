package enqueue

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidRecipient is returned when a destination number cannot be
// normalized. No message record is created for an invalid recipient.
var ErrInvalidRecipient = errors.New("invalid recipient")

// NormalizePhone converts a raw destination into canonical international
// form: a leading + followed by 10 to 15 digits. Accepted inputs are
// international numbers with a +, 00, or bare-digit prefix; formatting
// characters (spaces, dashes, dots, parentheses) are stripped.
func NormalizePhone(raw string) (string, error) {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '.', '(', ')':
			return -1
		}
		return r
	}, strings.TrimSpace(raw))

	if cleaned == "" {
		return "", fmt.Errorf("%w: empty number", ErrInvalidRecipient)
	}

	switch {
	case strings.HasPrefix(cleaned, "+"):
		cleaned = cleaned[1:]
	case strings.HasPrefix(cleaned, "00"):
		cleaned = cleaned[2:]
	}

	if len(cleaned) < 10 || len(cleaned) > 15 {
		return "", fmt.Errorf("%w: %q has %d digits, want 10-15", ErrInvalidRecipient, raw, len(cleaned))
	}

	for _, r := range cleaned {
		if r < '0' || r > '9' {
			return "", fmt.Errorf("%w: %q contains non-digit characters", ErrInvalidRecipient, raw)
		}
	}

	return "+" + cleaned, nil
}
