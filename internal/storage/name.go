package storage

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

const DefaultMaxNameLength = 255

// ValidateName checks that name is usable as a single storage path segment.
func ValidateName(name string, maxLength int) error {
	if maxLength <= 0 {
		maxLength = DefaultMaxNameLength
	}

	if name == "" {
		return fmt.Errorf("name cannot be empty: %w", ErrInvalidName)
	}

	if len(name) > maxLength {
		return fmt.Errorf("name exceeds %d bytes: %w", maxLength, ErrInvalidName)
	}

	if !utf8.ValidString(name) {
		return fmt.Errorf("name is not valid UTF-8: %w", ErrInvalidName)
	}

	if name == "." || name == ".." || strings.Contains(name, "..") {
		return fmt.Errorf("relative path traversal not allowed: %w", ErrInvalidName)
	}

	// Leading dots are reserved for internal files such as the temp directory.
	if strings.HasPrefix(name, ".") {
		return fmt.Errorf("name cannot start with a dot: %w", ErrInvalidName)
	}

	if strings.TrimSpace(name) != name {
		return fmt.Errorf("name cannot start or end with whitespace: %w", ErrInvalidName)
	}

	for i, r := range name {
		if !isValidNameChar(r) {
			return fmt.Errorf("invalid character %q at position %d: %w", r, i, ErrInvalidName)
		}
	}

	return nil
}

// isValidNameChar reports whether r may appear in a package name.
// Path separators and control characters are never valid.
func isValidNameChar(r rune) bool {
	if unicode.IsLetter(r) || unicode.IsDigit(r) {
		return true
	}
	switch r {
	case '-', '_', '.', '+', ' ', '(', ')', '[', ']':
		return true
	}
	return false
}
