package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestValidateDomainPattern(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		wantErr bool
	}{
		{"valid domain", "example.com", false},
		{"valid subdomain", "api.example.com", false},
		{"valid wildcard", "*.example.com", false},
		{"valid wildcard subdomain", "*.api.example.com", false},
		{"localhost", "localhost", false},
		{"protocol included", "https://example.com", true},
		{"path included", "example.com/path", true},
		{"port included", "example.com:443", true},
		{"wildcard too broad", "*.com", true},
		{"invalid wildcard position", "example.*.com", true},
		{"trailing wildcard", "example.com.*", true},
		{"leading dot", ".example.com", true},
		{"trailing dot", "example.com.", true},
		{"no TLD", "example", true},
		{"empty wildcard domain part", "*.", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateDomainPattern(tt.pattern)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateDomainPattern(%q) error = %v, wantErr %v", tt.pattern, err, tt.wantErr)
			}
		})
	}
}

func TestDefaultConfigIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Errorf("Default() must validate cleanly, got: %v", err)
	}
}

func TestValidateRejectsBadSecurityLevel(t *testing.T) {
	cfg := Default()
	cfg.Security.Level = "yolo"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for invalid security.level")
	}
}

func TestValidateRejectsBadNetworkMode(t *testing.T) {
	cfg := Default()
	cfg.Network.Mode = "wide-open"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for invalid network.mode")
	}
}

func TestLoadMissingFileReturnsNil(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.json"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg != nil {
		t.Error("expected nil config for missing file")
	}
}

func TestLoadParsesJSONC(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.json")
	content := `{
		// security posture
		"security": { "level": "paranoid", "allowedCommands": ["git", "npm"] },
		"network": { "mode": "allowlist", "allowedDomains": ["*.github.com"] }
	}`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Security.Level != "paranoid" {
		t.Errorf("expected level paranoid, got %q", cfg.Security.Level)
	}
	if len(cfg.Network.AllowedDomains) != 1 || cfg.Network.AllowedDomains[0] != "*.github.com" {
		t.Errorf("unexpected allowed domains: %v", cfg.Network.AllowedDomains)
	}
}

func TestMergeAppendsSlicesAndOverridesScalars(t *testing.T) {
	base := Default()
	base.Network.AllowedDomains = []string{"github.com"}
	base.Security.Level = "standard"

	override := Default()
	override.Network.AllowedDomains = []string{"gitlab.com"}
	override.Security.Level = "paranoid"

	merged := Merge(base, override)

	if merged.Security.Level != "paranoid" {
		t.Errorf("expected override to win for scalar field, got %q", merged.Security.Level)
	}
	if len(merged.Network.AllowedDomains) != 2 {
		t.Errorf("expected appended domain list, got %v", merged.Network.AllowedDomains)
	}
	if merged.Extends != "" {
		t.Error("Merge must clear Extends in its result")
	}
}

func TestMergeDeduplicatesSlices(t *testing.T) {
	base := Default()
	base.Security.Allow = []string{"git status"}
	override := Default()
	override.Security.Allow = []string{"git status", "git log"}

	merged := Merge(base, override)
	if len(merged.Security.Allow) != 2 {
		t.Errorf("expected deduplicated allow list of length 2, got %v", merged.Security.Allow)
	}
}

func TestMergeWithNilBase(t *testing.T) {
	override := Default()
	override.Security.Level = "paranoid"
	merged := Merge(nil, override)
	if merged.Security.Level != "paranoid" {
		t.Errorf("expected override config when base is nil, got %q", merged.Security.Level)
	}
}
