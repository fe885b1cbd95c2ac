package driver

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/agentcorral/corral/internal/config"
	"github.com/agentcorral/corral/internal/isolation"
	"github.com/agentcorral/corral/internal/policy"
)

func TestNewRejectsParanoidWithoutAllowedCommands(t *testing.T) {
	cfg := config.Default()
	cfg.Security.Level = "paranoid"

	_, err := New(cfg, t.TempDir(), 30*time.Second, false)
	if err == nil {
		t.Fatal("expected error constructing PARANOID driver with no allowed commands")
	}
	var cfgErr *policy.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Errorf("expected a *policy.ConfigurationError, got %T: %v", err, err)
	}
}

func TestExecuteRejectsCommandBlockedByPolicy(t *testing.T) {
	cfg := config.Default()
	d, err := New(cfg, t.TempDir(), 5*time.Second, false)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer d.Close()

	_, err = d.Execute(context.Background(), "sudo rm -rf /", 0)
	if err == nil {
		t.Fatal("expected security violation for sudo command")
	}
	var violation *policy.Violation
	if !errors.As(err, &violation) {
		t.Errorf("expected a *policy.Violation, got %T: %v", err, err)
	}
}

func TestExecuteFailsAfterClose(t *testing.T) {
	cfg := config.Default()
	d, err := New(cfg, t.TempDir(), 5*time.Second, false)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	// Close must be idempotent.
	if err := d.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}

	_, err = d.Execute(context.Background(), "echo hi", 0)
	if err == nil {
		t.Fatal("expected error executing on a closed driver")
	}
	var closedErr *ClosedError
	if !errors.As(err, &closedErr) {
		t.Errorf("expected a *ClosedError, got %T: %v", err, err)
	}
}

func TestCapOutputTruncatesAndMarksResult(t *testing.T) {
	long := strings.Repeat("a", 50)
	out, truncated := capOutput(long, 10)
	if !truncated {
		t.Fatal("expected truncation flag to be set")
	}
	if !strings.HasPrefix(out, strings.Repeat("a", 10)) {
		t.Errorf("expected output to start with the first 10 bytes, got %q", out)
	}
	if !strings.Contains(out, "[Truncated: 40 characters removed]") {
		t.Errorf("expected truncation marker naming 40 removed characters, got %q", out)
	}
}

func TestCapOutputLeavesShortOutputUnchanged(t *testing.T) {
	out, truncated := capOutput("hello", 10)
	if truncated {
		t.Error("did not expect truncation for output under the cap")
	}
	if out != "hello" {
		t.Errorf("expected unchanged output, got %q", out)
	}
}

func TestEncodeDecodeGrantRoundtrip(t *testing.T) {
	grant := isolation.WorkspaceGrant{
		WorkspaceRoot:  "/workspace",
		SocketDirs:     []string{"/tmp/sock"},
		ReadOnlyExtra:  []string{"/usr/local"},
		ReadWriteExtra: []string{"/workspace/node_modules"},
	}
	encoded, err := encodeGrant(grant)
	if err != nil {
		t.Fatalf("encodeGrant() error = %v", err)
	}
	decoded, err := decodeGrant(encoded)
	if err != nil {
		t.Fatalf("decodeGrant() error = %v", err)
	}
	if decoded.WorkspaceRoot != grant.WorkspaceRoot {
		t.Errorf("WorkspaceRoot = %q, want %q", decoded.WorkspaceRoot, grant.WorkspaceRoot)
	}
	if len(decoded.ReadWriteExtra) != len(grant.ReadWriteExtra) {
		t.Errorf("ReadWriteExtra = %v, want %v", decoded.ReadWriteExtra, grant.ReadWriteExtra)
	}
}

func TestExecuteRunsSimpleCommand(t *testing.T) {
	cfg := config.Default()
	cfg.Security.Level = "permissive"
	workspace := t.TempDir()
	d, err := New(cfg, workspace, 5*time.Second, false)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer d.Close()

	res, err := d.Execute(context.Background(), "echo hello", 0)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.TimedOut {
		t.Error("did not expect a timeout for a trivial command")
	}
	if strings.TrimSpace(res.Stdout) != "hello" {
		t.Errorf("Stdout = %q, want %q", res.Stdout, "hello")
	}
	if !res.Success() {
		t.Errorf("expected successful result, got exit code %d", res.ExitCode)
	}
}

func TestExecuteTimesOutLongRunningCommand(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping slow timeout test in short mode")
	}
	cfg := config.Default()
	cfg.Security.Level = "permissive"
	d, err := New(cfg, t.TempDir(), 100*time.Millisecond, false)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer d.Close()

	res, err := d.Execute(context.Background(), "sleep 5", 0)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !res.TimedOut {
		t.Error("expected TimedOut=true for a command exceeding its timeout")
	}
	if res.ExitCode >= 0 {
		t.Errorf("expected negative exit code on timeout, got %d", res.ExitCode)
	}
}
