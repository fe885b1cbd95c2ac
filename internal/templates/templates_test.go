package templates

import (
	"os"
	"path/filepath"
	"testing"
)

func TestList(t *testing.T) {
	templates := List()
	if len(templates) == 0 {
		t.Fatal("expected at least one template")
	}

	var foundDefaultDeny bool
	for _, tmpl := range templates {
		if tmpl.Name == "default-deny" {
			foundDefaultDeny = true
			if tmpl.Description == "" {
				t.Error("expected default-deny to have a description")
			}
		}
	}
	if !foundDefaultDeny {
		t.Error("expected default-deny template to be listed")
	}
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		wantErr bool
	}{
		{"default-deny", false},
		{"workspace-write", false},
		{"npm-install", false},
		{"pip-install", false},
		{"coding-agent", false},
		{"nonexistent", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(tt.name)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Load(%q) error = %v, wantErr %v", tt.name, err, tt.wantErr)
			}
			if !tt.wantErr && cfg == nil {
				t.Errorf("Load(%q) returned nil config", tt.name)
			}
		})
	}
}

func TestLoadResolvesExtendsChain(t *testing.T) {
	cfg, err := Load("coding-agent")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Extends != "" {
		t.Error("expected fully-resolved config to have empty Extends")
	}
	if cfg.Security.Level != "paranoid" {
		t.Errorf("expected paranoid level from coding-agent.json itself, got %q", cfg.Security.Level)
	}
	if cfg.Network.Mode != "allowlist" {
		t.Errorf("expected allowlist mode, got %q", cfg.Network.Mode)
	}
	found := false
	for _, w := range cfg.Workspace.AllowWrite {
		if w == "." {
			found = true
		}
	}
	if !found {
		t.Errorf("expected workspace write of '.' inherited from workspace-write, got %v", cfg.Workspace.AllowWrite)
	}
}

func TestExists(t *testing.T) {
	if !Exists("default-deny") {
		t.Error("expected default-deny to exist")
	}
	if !Exists("default-deny.json") {
		t.Error("expected Exists to accept a name with .json suffix")
	}
	if Exists("nonexistent") {
		t.Error("did not expect nonexistent template to exist")
	}
}

func TestResolveExtendsWithBaseDirLoadsFileOnDisk(t *testing.T) {
	dir := t.TempDir()
	basePath := filepath.Join(dir, "base.json")
	if err := os.WriteFile(basePath, []byte(`{"security":{"level":"paranoid"},"network":{"mode":"blocked"}}`), 0o600); err != nil {
		t.Fatalf("failed to write base config: %v", err)
	}

	cfg, err := Load("workspace-write")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cfg.Extends = "./base.json"
	// workspace-write carries level "standard", and Merge lets a non-empty
	// override level win, so clear it to see the level from base.json.
	cfg.Security.Level = ""

	resolved, err := ResolveExtendsWithBaseDir(cfg, dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resolved.Security.Level != "paranoid" {
		t.Errorf("expected level inherited from base.json, got %q", resolved.Security.Level)
	}
	if resolved.Extends != "" {
		t.Error("expected resolved config to clear Extends")
	}
}

func TestResolveExtendsDetectsCircularFileChain(t *testing.T) {
	dir := t.TempDir()
	aPath := filepath.Join(dir, "a.json")
	bPath := filepath.Join(dir, "b.json")
	if err := os.WriteFile(aPath, []byte(`{"extends":"./b.json","network":{"mode":"blocked"}}`), 0o600); err != nil {
		t.Fatalf("failed to write a.json: %v", err)
	}
	if err := os.WriteFile(bPath, []byte(`{"extends":"./a.json","network":{"mode":"blocked"}}`), 0o600); err != nil {
		t.Fatalf("failed to write b.json: %v", err)
	}

	cfg, _, err := loadConfigFile("a.json", dir, nil)
	if err != nil {
		t.Fatalf("unexpected error reading a.json: %v", err)
	}

	_, err = ResolveExtendsWithBaseDir(cfg, dir)
	if err == nil {
		t.Error("expected circular extends error")
	}
}
