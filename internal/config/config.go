// Package config loads and merges the on-disk/template configuration that
// the rest of the pipeline is constructed from: the security level and
// command allow/deny lists for internal/policy, the network mode and
// domain lists for internal/network and internal/proxy, and the workspace
// write-protection lists for internal/isolation.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/tidwall/jsonc"
)

// Config is the top-level, on-disk configuration shape.
type Config struct {
	Extends   string          `json:"extends,omitempty"`
	Security  SecurityConfig  `json:"security"`
	Network   NetworkConfig   `json:"network"`
	Workspace WorkspaceConfig `json:"workspace"`
	AllowPty  bool            `json:"allowPty,omitempty"`
}

// SecurityConfig configures the policy engine.
type SecurityConfig struct {
	Level           string   `json:"level"` // "permissive" | "standard" | "paranoid"
	AllowedCommands []string `json:"allowedCommands,omitempty"`
	Deny            []string `json:"deny,omitempty"`
	Allow           []string `json:"allow,omitempty"`
	UseDefaults     *bool    `json:"useDefaults,omitempty"`
}

// NetworkConfig configures network access mode and the filtering proxy.
type NetworkConfig struct {
	Mode               string   `json:"mode"` // "blocked" | "allowed" | "allowlist"
	AllowedDomains     []string `json:"allowedDomains"`
	DeniedDomains      []string `json:"deniedDomains"`
	AllowUnixSockets   []string `json:"allowUnixSockets,omitempty"`
	AllowLocalBinding  bool     `json:"allowLocalBinding,omitempty"`
	AllowLocalOutbound *bool    `json:"allowLocalOutbound,omitempty"`
}

// WorkspaceConfig configures filesystem confinement.
type WorkspaceConfig struct {
	Root                       string   `json:"root,omitempty"`
	DenyRead                   []string `json:"denyRead"`
	AllowWrite                 []string `json:"allowWrite"`
	DenyWrite                  []string `json:"denyWrite"`
	AllowWriteOutsideWorkspace bool     `json:"allowWriteOutsideWorkspace,omitempty"`
	AllowGitConfig             bool     `json:"allowGitConfig,omitempty"`
}

// UseDefaultDeniedCommands reports whether the default blocked-pattern set
// should be layered under the configured security level.
func (s *SecurityConfig) UseDefaultDeniedCommands() bool {
	return s.UseDefaults == nil || *s.UseDefaults
}

// Default returns a deny-by-default configuration: STANDARD security, no
// network access, and no additional write paths beyond the workspace.
func Default() *Config {
	return &Config{
		Security: SecurityConfig{
			Level:           "standard",
			AllowedCommands: []string{},
			Deny:            []string{},
			Allow:           []string{},
		},
		Network: NetworkConfig{
			Mode:           "blocked",
			AllowedDomains: []string{},
			DeniedDomains:  []string{},
		},
		Workspace: WorkspaceConfig{
			DenyRead:   []string{},
			AllowWrite: []string{},
			DenyWrite:  []string{},
		},
	}
}

// DefaultConfigPath returns the default per-user config file path.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".corral.json"
	}
	return filepath.Join(home, ".corral.json")
}

// Load reads and parses a jsonc config file. A missing file is not an
// error: it returns (nil, nil) so callers can fall back to Default().
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // user-provided config path - intentional
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, nil
	}

	var cfg Config
	if err := json.Unmarshal(jsonc.ToJSON(data), &cfg); err != nil {
		return nil, fmt.Errorf("invalid JSON in config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate checks structural invariants that don't depend on template
// resolution: security level spelling, domain pattern shape, and the
// absence of empty-string entries in path/command lists.
func (c *Config) Validate() error {
	switch c.Security.Level {
	case "", "permissive", "standard", "paranoid":
	default:
		return fmt.Errorf("invalid security.level %q: must be permissive, standard, or paranoid", c.Security.Level)
	}

	switch c.Network.Mode {
	case "", "blocked", "allowed", "allowlist":
	default:
		return fmt.Errorf("invalid network.mode %q: must be blocked, allowed, or allowlist", c.Network.Mode)
	}

	for _, domain := range c.Network.AllowedDomains {
		if err := validateDomainPattern(domain); err != nil {
			return fmt.Errorf("invalid allowed domain %q: %w", domain, err)
		}
	}
	for _, domain := range c.Network.DeniedDomains {
		if err := validateDomainPattern(domain); err != nil {
			return fmt.Errorf("invalid denied domain %q: %w", domain, err)
		}
	}

	if slices.Contains(c.Workspace.DenyRead, "") {
		return errors.New("workspace.denyRead contains empty path")
	}
	if slices.Contains(c.Workspace.AllowWrite, "") {
		return errors.New("workspace.allowWrite contains empty path")
	}
	if slices.Contains(c.Workspace.DenyWrite, "") {
		return errors.New("workspace.denyWrite contains empty path")
	}
	if slices.Contains(c.Security.Deny, "") {
		return errors.New("security.deny contains empty command")
	}
	if slices.Contains(c.Security.Allow, "") {
		return errors.New("security.allow contains empty command")
	}

	return nil
}

// validateDomainPattern enforces §4.B's pattern shape: an exact hostname,
// or "*.suffix" with at least one further dot, never a scheme/path/port.
func validateDomainPattern(pattern string) error {
	if pattern == "localhost" || pattern == "*" {
		return nil
	}

	if strings.Contains(pattern, "://") || strings.Contains(pattern, "/") || strings.Contains(pattern, ":") {
		return errors.New("domain pattern cannot contain protocol, path, or port")
	}

	if strings.HasPrefix(pattern, "*.") {
		domain := pattern[2:]
		if !strings.Contains(domain, ".") {
			return errors.New("wildcard pattern too broad (e.g., *.com not allowed)")
		}
		if strings.HasPrefix(domain, ".") || strings.HasSuffix(domain, ".") {
			return errors.New("invalid domain format")
		}
		parts := strings.Split(domain, ".")
		if len(parts) < 2 || slices.Contains(parts, "") {
			return errors.New("invalid domain format")
		}
		return nil
	}

	if strings.Contains(pattern, "*") {
		return errors.New("only *.domain.com wildcard patterns are allowed")
	}

	if !strings.Contains(pattern, ".") || strings.HasPrefix(pattern, ".") || strings.HasSuffix(pattern, ".") {
		return errors.New("invalid domain format")
	}

	return nil
}

// Merge combines a base config with an override config: a non-empty string
// or non-nil optional bool in override wins, plain bool fields are true if
// either side sets them, slice fields are appended (base first, duplicates
// dropped). The returned config's Extends is always empty, since merging
// is how inheritance gets resolved.
func Merge(base, override *Config) *Config {
	if base == nil {
		if override == nil {
			return Default()
		}
		result := *override
		result.Extends = ""
		return &result
	}
	if override == nil {
		result := *base
		result.Extends = ""
		return &result
	}

	result := &Config{
		AllowPty: base.AllowPty || override.AllowPty,

		Security: SecurityConfig{
			Level:           mergeString(base.Security.Level, override.Security.Level),
			AllowedCommands: mergeStrings(base.Security.AllowedCommands, override.Security.AllowedCommands),
			Deny:            mergeStrings(base.Security.Deny, override.Security.Deny),
			Allow:           mergeStrings(base.Security.Allow, override.Security.Allow),
			UseDefaults:     mergeOptionalBool(base.Security.UseDefaults, override.Security.UseDefaults),
		},

		Network: NetworkConfig{
			Mode:               mergeString(base.Network.Mode, override.Network.Mode),
			AllowedDomains:     mergeStrings(base.Network.AllowedDomains, override.Network.AllowedDomains),
			DeniedDomains:      mergeStrings(base.Network.DeniedDomains, override.Network.DeniedDomains),
			AllowUnixSockets:   mergeStrings(base.Network.AllowUnixSockets, override.Network.AllowUnixSockets),
			AllowLocalBinding:  base.Network.AllowLocalBinding || override.Network.AllowLocalBinding,
			AllowLocalOutbound: mergeOptionalBool(base.Network.AllowLocalOutbound, override.Network.AllowLocalOutbound),
		},

		Workspace: WorkspaceConfig{
			Root:                       mergeString(base.Workspace.Root, override.Workspace.Root),
			DenyRead:                   mergeStrings(base.Workspace.DenyRead, override.Workspace.DenyRead),
			AllowWrite:                 mergeStrings(base.Workspace.AllowWrite, override.Workspace.AllowWrite),
			DenyWrite:                  mergeStrings(base.Workspace.DenyWrite, override.Workspace.DenyWrite),
			AllowWriteOutsideWorkspace: base.Workspace.AllowWriteOutsideWorkspace || override.Workspace.AllowWriteOutsideWorkspace,
			AllowGitConfig:             base.Workspace.AllowGitConfig || override.Workspace.AllowGitConfig,
		},
	}

	return result
}

func mergeStrings(base, override []string) []string {
	if len(base) == 0 {
		return override
	}
	if len(override) == 0 {
		return base
	}

	seen := make(map[string]bool, len(base))
	merged := make([]string, 0, len(base)+len(override))
	for _, s := range base {
		if !seen[s] {
			seen[s] = true
			merged = append(merged, s)
		}
	}
	for _, s := range override {
		if !seen[s] {
			seen[s] = true
			merged = append(merged, s)
		}
	}
	return merged
}

func mergeOptionalBool(base, override *bool) *bool {
	if override != nil {
		return override
	}
	return base
}

func mergeString(base, override string) string {
	if override != "" {
		return override
	}
	return base
}
