package extension

import (
	"fmt"
	"strings"
)

// MaxIDLength bounds extension identifiers.
const MaxIDLength = 128

// ValidateID checks that id is an owner-qualified extension identifier.
// A valid id:
// - is non-empty and at most MaxIDLength characters
// - has at least two dot-separated segments ("publisher.name")
// - contains only alphanumeric characters, underscores and hyphens per segment
// - never contains path separators or parent directory references
func ValidateID(id string) error {
	if strings.TrimSpace(id) != id {
		return fmt.Errorf("extension id %q has surrounding whitespace", id)
	}
	if id == "" {
		return fmt.Errorf("extension id cannot be empty")
	}
	if len(id) > MaxIDLength {
		return fmt.Errorf("extension id too long (max %d chars)", MaxIDLength)
	}

	// Security check: Path separators
	if strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("extension id cannot contain path separators")
	}

	// Security check: Directory traversal
	if strings.Contains(id, "..") {
		return fmt.Errorf("extension id cannot contain parent directory references")
	}

	segments := strings.Split(id, ".")
	if len(segments) < 2 {
		return fmt.Errorf("extension id %q must be owner-qualified (publisher.name)", id)
	}
	for _, seg := range segments {
		if seg == "" {
			return fmt.Errorf("extension id %q has an empty segment", id)
		}
		for _, ch := range seg {
			if !isValidIDChar(ch) {
				return fmt.Errorf("invalid extension id %q: segments must contain only alphanumeric characters, underscores, and hyphens", id)
			}
		}
	}
	return nil
}

func isValidIDChar(r rune) bool {
	return (r >= 'a' && r <= 'z') ||
		(r >= 'A' && r <= 'Z') ||
		(r >= '0' && r <= '9') ||
		r == '_' ||
		r == '-'
}

// Publisher returns the owner segment of an extension id.
func Publisher(id string) string {
	owner, _, _ := strings.Cut(id, ".")
	return owner
}
