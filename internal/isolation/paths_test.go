package isolation

import (
	"strings"
	"testing"
)

func TestContainsGlobChars(t *testing.T) {
	cases := map[string]bool{
		"/usr/bin":      false,
		"/usr/*":        true,
		"/usr/?in":      true,
		"/usr/[ab]":     true,
		"plain/path.go": false,
	}
	for path, want := range cases {
		if got := ContainsGlobChars(path); got != want {
			t.Errorf("ContainsGlobChars(%q) = %v, want %v", path, got, want)
		}
	}
}

func TestNormalizePathExpandsHome(t *testing.T) {
	got := NormalizePath("~/workspace")
	if strings.HasPrefix(got, "~") {
		t.Errorf("NormalizePath should expand leading ~, got %q", got)
	}
}

func TestMandatoryDenyPatternsIncludesGitHooks(t *testing.T) {
	patterns := MandatoryDenyPatterns("/work", true)
	found := false
	for _, p := range patterns {
		if strings.Contains(p, ".git/hooks") {
			found = true
		}
		if strings.Contains(p, ".git/config") {
			t.Error("allowGitConfig=true must not deny .git/config")
		}
	}
	if !found {
		t.Error("expected a .git/hooks deny pattern")
	}
}

func TestMandatoryDenyPatternsDeniesGitConfigByDefault(t *testing.T) {
	patterns := MandatoryDenyPatterns("/work", false)
	found := false
	for _, p := range patterns {
		if strings.HasSuffix(p, ".git/config") {
			found = true
		}
	}
	if !found {
		t.Error("expected a .git/config deny pattern when allowGitConfig is false")
	}
}
