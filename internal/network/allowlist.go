// Package network implements the domain allow-list used to gate outbound
// traffic when a sandbox runs in NetworkAllowlist mode.
package network

import "strings"

// Allowlist is a set of lowercase domain patterns. A pattern is either an
// exact domain or "*.suffix", meaning any host ending in ".suffix" or equal
// to the bare suffix itself.
type Allowlist struct {
	patterns map[string]struct{}
}

// NewAllowlist builds an allow-list from the given domain patterns.
func NewAllowlist(domains ...string) *Allowlist {
	a := &Allowlist{patterns: make(map[string]struct{}, len(domains))}
	a.Add(domains...)
	return a
}

// Add inserts domains into the allow-list, lower-casing them.
func (a *Allowlist) Add(domains ...string) *Allowlist {
	if a.patterns == nil {
		a.patterns = make(map[string]struct{})
	}
	for _, d := range domains {
		a.patterns[strings.ToLower(d)] = struct{}{}
	}
	return a
}

// Matches reports whether host is permitted by any pattern in the allow-list.
func (a *Allowlist) Matches(host string) bool {
	if a == nil {
		return false
	}
	host = strings.ToLower(host)
	for pattern := range a.patterns {
		if matchesPattern(host, pattern) {
			return true
		}
	}
	return false
}

// matchesPattern implements the single-pattern matching rule from §4.B:
// a "*.x.y" pattern accepts "a.x.y" and the bare apex "x.y", but not
// "x.y.z"; a pattern with no wildcard requires exact equality.
func matchesPattern(host, pattern string) bool {
	if strings.HasPrefix(pattern, "*.") {
		suffix := pattern[1:] // keeps the leading dot, e.g. ".x.y"
		apex := pattern[2:]
		return strings.HasSuffix(host, suffix) || host == apex
	}
	return host == pattern
}

// Or returns a new allow-list containing the union of a and other's
// patterns, leaving both inputs unmodified.
func (a *Allowlist) Or(other *Allowlist) *Allowlist {
	merged := NewAllowlist()
	if a != nil {
		for p := range a.patterns {
			merged.patterns[p] = struct{}{}
		}
	}
	if other != nil {
		for p := range other.patterns {
			merged.patterns[p] = struct{}{}
		}
	}
	return merged
}

// Patterns returns the allow-list's patterns as a sorted-independent slice,
// mainly useful for diagnostics and tests.
func (a *Allowlist) Patterns() []string {
	if a == nil {
		return nil
	}
	out := make([]string, 0, len(a.patterns))
	for p := range a.patterns {
		out = append(out, p)
	}
	return out
}

// Empty reports whether the allow-list has no patterns.
func (a *Allowlist) Empty() bool {
	return a == nil || len(a.patterns) == 0
}
