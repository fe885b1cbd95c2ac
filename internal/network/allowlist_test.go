package network

import "testing"

func TestAllowlistWildcard(t *testing.T) {
	a := NewAllowlist("*.x.y")

	cases := map[string]bool{
		"a.x.y": true,
		"x.y":   true,
		"x.y.z": false,
		"z.y":   false,
	}
	for host, want := range cases {
		if got := a.Matches(host); got != want {
			t.Errorf("Matches(%q) = %v, want %v", host, got, want)
		}
	}
}

func TestAllowlistExact(t *testing.T) {
	a := NewAllowlist("github.com")

	if !a.Matches("github.com") {
		t.Error("expected exact match")
	}
	if a.Matches("api.github.com") {
		t.Error("exact pattern should not match subdomains")
	}
}

func TestAllowlistCaseInsensitive(t *testing.T) {
	a := NewAllowlist("GitHub.COM")
	if !a.Matches("github.com") {
		t.Error("matching should be case-insensitive")
	}

	b := NewAllowlist("*.Example.COM")
	if !b.Matches("api.example.com") {
		t.Error("wildcard matching should be case-insensitive")
	}
}

func TestAllowlistOrIsUnion(t *testing.T) {
	a := NewAllowlist("github.com")
	b := NewAllowlist("gitlab.com")

	merged := a.Or(b)
	if !merged.Matches("github.com") || !merged.Matches("gitlab.com") {
		t.Error("union should match members of both inputs")
	}

	// Inputs must stay unmodified.
	if a.Matches("gitlab.com") {
		t.Error("Or must not mutate its receiver")
	}
}

func TestAllowlistEmpty(t *testing.T) {
	var a *Allowlist
	if !a.Empty() {
		t.Error("nil allow-list should report Empty")
	}
	if a.Matches("github.com") {
		t.Error("nil allow-list should never match")
	}
}
