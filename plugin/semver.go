package plugin

import (
	"cmp"
	"fmt"
	"strconv"
	"strings"
)

// HostVersion is the runtime version artifacts declare compatibility with
// through their "requires" constraint.
const HostVersion = "1.0.0"

// Semver represents a parsed major.minor.patch version.
type Semver struct {
	Major, Minor, Patch int
}

func (s Semver) String() string {
	return fmt.Sprintf("%d.%d.%d", s.Major, s.Minor, s.Patch)
}

// Compare returns -1, 0, or 1.
func (s Semver) Compare(other Semver) int {
	if c := cmp.Compare(s.Major, other.Major); c != 0 {
		return c
	}
	if c := cmp.Compare(s.Minor, other.Minor); c != 0 {
		return c
	}
	return cmp.Compare(s.Patch, other.Patch)
}

// ParseSemver parses "1.2.3" or "v1.2.3". Pre-release and build suffixes
// ("1.2.3-rc.1+abc") are accepted and ignored for ordering.
func ParseSemver(v string) (Semver, error) {
	v = strings.TrimPrefix(strings.TrimSpace(v), "v")
	if i := strings.IndexAny(v, "-+"); i >= 0 {
		v = v[:i]
	}
	parts := strings.Split(v, ".")
	if len(parts) != 3 {
		return Semver{}, fmt.Errorf("expected major.minor.patch, got %q", v)
	}
	var nums [3]int
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return Semver{}, fmt.Errorf("invalid version component %q", p)
		}
		nums[i] = n
	}
	return Semver{Major: nums[0], Minor: nums[1], Patch: nums[2]}, nil
}

// Constraint is a single comparison against a version, e.g. ">=1.0.0",
// "^1.2.0" (same major) or "~1.2.0" (same minor).
type Constraint struct {
	Op      string
	Version Semver
}

var constraintOps = []string{">=", "<=", "!=", ">", "<", "^", "~", "="}

// ParseConstraint parses a constraint string. A bare version means "=".
func ParseConstraint(s string) (*Constraint, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty constraint")
	}
	op := "="
	for _, candidate := range constraintOps {
		if strings.HasPrefix(s, candidate) {
			op = candidate
			s = strings.TrimPrefix(s, candidate)
			break
		}
	}
	v, err := ParseSemver(s)
	if err != nil {
		return nil, err
	}
	return &Constraint{Op: op, Version: v}, nil
}

// Check reports whether v satisfies the constraint.
func (c *Constraint) Check(v Semver) bool {
	n := v.Compare(c.Version)
	switch c.Op {
	case "=":
		return n == 0
	case "!=":
		return n != 0
	case ">":
		return n > 0
	case ">=":
		return n >= 0
	case "<":
		return n < 0
	case "<=":
		return n <= 0
	case "^":
		return v.Major == c.Version.Major && n >= 0
	case "~":
		return v.Major == c.Version.Major && v.Minor == c.Version.Minor && n >= 0
	}
	return false
}
