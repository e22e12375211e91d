package policy

import (
	"fmt"
	"strings"
)

// Resolution is the action taken when a policy constraint fails for a
// query.
type Resolution string

const (
	// Remove filters out the rows (or groups) that violate the
	// constraint.
	Remove Resolution = "REMOVE"
	// Kill aborts the whole query as soon as any row violates the
	// constraint.
	Kill Resolution = "KILL"
	// Invalidate keeps every row and adds a boolean 'valid' column
	// reporting whether the constraint held.
	Invalidate Resolution = "INVALIDATE"
)

// ParseResolution parses a resolution name case-insensitively.
func ParseResolution(s string) (Resolution, error) {
	switch Resolution(strings.ToUpper(strings.TrimSpace(s))) {
	case Remove:
		return Remove, nil
	case Kill:
		return Kill, nil
	case Invalidate:
		return Invalidate, nil
	}
	return "", fmt.Errorf("invalid resolution %q: must be 'REMOVE', 'KILL', or 'INVALIDATE'", s)
}

func (r Resolution) String() string { return string(r) }
