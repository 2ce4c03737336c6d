package data

import (
	"fmt"
	"strings"
)

// ValidateName checks a single path segment. Entry names may not be
// empty, may not contain separators or NUL, and may not be the dot
// entries.
func ValidateName(name string) error {
	if name == "" || name == "." || name == ".." {
		return fmt.Errorf("%w: invalid entry name %q", ErrInvalid, name)
	}
	if strings.ContainsAny(name, "/\x00") {
		return fmt.Errorf("%w: invalid entry name %q", ErrInvalid, name)
	}
	return nil
}

// ValidateTags checks a tag id list for duplicates and negatives.
func ValidateTags(tags []int) error {
	seen := make(map[int]struct{}, len(tags))
	for _, t := range tags {
		if t < 0 {
			return fmt.Errorf("%w: negative tag id %d", ErrInvalid, t)
		}
		if _, ok := seen[t]; ok {
			return fmt.Errorf("%w: duplicate tag id %d", ErrInvalid, t)
		}
		seen[t] = struct{}{}
	}
	return nil
}
