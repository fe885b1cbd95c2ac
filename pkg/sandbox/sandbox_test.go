package sandbox

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestNewAndExecuteEcho(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Security.Level = "permissive"

	sb, err := New(cfg, t.TempDir(), time.Second, false)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer sb.Close()

	res, err := sb.Execute(context.Background(), "echo corral", 0)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !res.Success() {
		t.Errorf("expected success, got exit code %d", res.ExitCode)
	}
	if strings.TrimSpace(res.Stdout) != "corral" {
		t.Errorf("Stdout = %q, want %q", res.Stdout, "corral")
	}
}

func TestNewRejectsInvalidParanoidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Security.Level = "paranoid"

	if _, err := New(cfg, t.TempDir(), time.Second, false); err == nil {
		t.Fatal("expected error for PARANOID security with no allowed commands")
	}
}

func TestLoadTemplateResolvesExtends(t *testing.T) {
	cfg, err := LoadTemplate("coding-agent")
	if err != nil {
		t.Fatalf("LoadTemplate() error = %v", err)
	}
	if cfg.Security.Level != "paranoid" {
		t.Errorf("Level = %q, want %q", cfg.Security.Level, "paranoid")
	}
	if cfg.Extends != "" {
		t.Errorf("expected Extends resolved away, got %q", cfg.Extends)
	}
}

func TestCloseIsIdempotentAndClosesExecute(t *testing.T) {
	sb, err := New(DefaultConfig(), t.TempDir(), time.Second, false)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := sb.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := sb.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if _, err := sb.Execute(context.Background(), "echo hi", 0); err == nil {
		t.Fatal("expected error executing against a closed Sandbox")
	}
}
