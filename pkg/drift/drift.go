package drift

import (
	"sort"
	"strings"
)

// Set is a set of key=value property lines.
type Set map[string]struct{}

// NewSet builds a Set from property lines, skipping blanks and comments.
func NewSet(lines []string) Set {
	s := make(Set, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		s[line] = struct{}{}
	}
	return s
}

// Diff returns the symmetric difference of desired and applied. A
// non-empty result means configuration drift: the running worker does
// not match the rendered desired state. Diff(a, b) == Diff(b, a) and
// Diff(a, a) is always empty.
func Diff(desired, applied Set) Set {
	out := make(Set)
	for line := range desired {
		if _, ok := applied[line]; !ok {
			out[line] = struct{}{}
		}
	}
	for line := range applied {
		if _, ok := desired[line]; !ok {
			out[line] = struct{}{}
		}
	}
	return out
}

// Detected reports whether the desired and applied property sets differ.
// An absent applied artifact reads as an empty set, which itself signals
// drift on first run.
func Detected(desired, applied []string) bool {
	return len(Diff(NewSet(desired), NewSet(applied))) > 0
}

// Lines returns the set as sorted property lines, for logs and rendering.
func (s Set) Lines() []string {
	out := make([]string, 0, len(s))
	for line := range s {
		out = append(out, line)
	}
	sort.Strings(out)
	return out
}
