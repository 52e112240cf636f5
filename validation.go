package myfs

import (
	"fmt"
	"unicode"
	"unicode/utf8"
)

// Input validation helpers.

// maxNameLen bounds a display name so it fits its length-prefixed record
// field.
const maxNameLen = 1024

// validateName checks a display name: non-empty valid UTF-8 without control
// characters. Names are compared byte for byte; there is no normalization.
func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("display name cannot be empty")
	}
	if len(name) > maxNameLen {
		return fmt.Errorf("display name too long: %d bytes, maximum is %d", len(name), maxNameLen)
	}
	if !utf8.ValidString(name) {
		return fmt.Errorf("display name is not valid UTF-8")
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return fmt.Errorf("display name contains control characters")
		}
	}
	return nil
}
