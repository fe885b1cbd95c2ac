// Package sandbox is the public API for running untrusted, AI-agent
// generated shell commands under policy checks, kernel isolation, and a
// filtering network proxy.
package sandbox

import (
	"context"
	"path/filepath"
	"time"

	"github.com/agentcorral/corral/internal/config"
	"github.com/agentcorral/corral/internal/driver"
	"github.com/agentcorral/corral/internal/result"
	"github.com/agentcorral/corral/internal/templates"
)

// Config is the on-disk/template configuration shape.
type Config = config.Config

// SecurityConfig configures the policy engine's dangerous-command checks.
type SecurityConfig = config.SecurityConfig

// NetworkConfig configures outbound network access and the filtering proxy.
type NetworkConfig = config.NetworkConfig

// WorkspaceConfig configures filesystem read/write confinement.
type WorkspaceConfig = config.WorkspaceConfig

// CommandResult is the outcome of one Execute call.
type CommandResult = result.CommandResult

// KernelIsolation identifies which native sandboxing facility, if any, is
// confining the child process on the current host.
type KernelIsolation = result.KernelIsolation

const (
	IsolationNone     = result.IsolationNone
	IsolationSeatbelt = result.IsolationSeatbelt
	IsolationLandlock = result.IsolationLandlock
)

// DefaultTimeout is used when a Sandbox is constructed without an explicit
// per-command timeout and Execute is called without an override.
const DefaultTimeout = 30 * time.Second

// Sandbox executes shell commands against one resolved configuration. A
// Sandbox owns a lazily-started filtering proxy; Close it when done to
// release that listener.
type Sandbox struct {
	d *driver.Driver
}

// New constructs a Sandbox rooted at workspace, using cfg (or a deny-by-
// default configuration if cfg is nil) and timeout as the default per-
// command deadline. It returns an error if cfg is structurally invalid,
// e.g. PARANOID security with no allowed commands.
func New(cfg *Config, workspace string, timeout time.Duration, debug bool) (*Sandbox, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	d, err := driver.New(cfg, workspace, timeout, debug)
	if err != nil {
		return nil, err
	}
	return &Sandbox{d: d}, nil
}

// DefaultConfig returns a deny-by-default configuration: STANDARD security,
// no network access, no additional write paths beyond the workspace.
func DefaultConfig() *Config {
	return config.Default()
}

// LoadConfig reads and resolves a jsonc configuration file on disk,
// following any `extends` chain relative to the file's own directory.
func LoadConfig(path string) (*Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, nil
	}
	absPath, _ := filepath.Abs(path)
	resolved, err := templates.ResolveExtendsWithBaseDir(cfg, filepath.Dir(absPath))
	if err != nil {
		return nil, err
	}
	return resolved, nil
}

// LoadTemplate resolves one of the built-in named configuration templates
// (see templates.List for the available names), following its `extends`
// chain.
func LoadTemplate(name string) (*Config, error) {
	return templates.Load(name)
}

// DefaultConfigPath returns the default per-user config file path.
func DefaultConfigPath() string {
	return config.DefaultConfigPath()
}

// Execute runs command to completion. timeoutOverride of 0 uses the
// Sandbox's configured default timeout. A timed-out command is reported as
// a CommandResult with TimedOut set, not as an error; only construction-time
// misconfiguration, policy violations, and OS-level spawn failures surface
// as errors.
func (s *Sandbox) Execute(ctx context.Context, command string, timeoutOverride time.Duration) (CommandResult, error) {
	return s.d.Execute(ctx, command, timeoutOverride)
}

// Isolation reports the kernel isolation backend in effect on this host.
func (s *Sandbox) Isolation() KernelIsolation {
	return s.d.Isolation()
}

// Close stops the Sandbox's filtering proxy, if one was started. Idempotent.
// After Close, Execute returns an error.
func (s *Sandbox) Close() error {
	return s.d.Close()
}
