package firmware

import (
	"fmt"
	"strings"
)

// Policy decides which stored artifact counts as the latest.
type Policy string

const (
	// SelectByModTime picks the most recently modified binary. Uploading an
	// older version after a newer one makes the older one latest.
	SelectByModTime Policy = "mtime"
	// SelectBySemver picks the highest version, ties broken by recency.
	SelectBySemver Policy = "semver"
)

// ParsePolicy parses a policy name; empty selects SelectByModTime.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToLower(s)) {
	case "", SelectByModTime:
		return SelectByModTime, nil
	case SelectBySemver:
		return SelectBySemver, nil
	default:
		return "", fmt.Errorf("unknown selection policy %q", s)
	}
}

// comparator orders artifacts ascending so the tree's rightmost node is the
// latest. Names break ties so distinct files never collide.
func (p Policy) comparator() func(a, b interface{}) int {
	byTime := func(x, y Artifact) int {
		switch {
		case x.ModifiedAt.Before(y.ModifiedAt):
			return -1
		case x.ModifiedAt.After(y.ModifiedAt):
			return 1
		}
		return 0
	}
	return func(a, b interface{}) int {
		x, y := a.(Artifact), b.(Artifact)
		var c int
		if p == SelectBySemver {
			c = x.Version.Compare(y.Version)
		}
		if c == 0 {
			c = byTime(x, y)
		}
		if c == 0 {
			c = strings.Compare(x.Name, y.Name)
		}
		return c
	}
}
