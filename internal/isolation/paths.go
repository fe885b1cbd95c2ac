// Package isolation builds and applies the kernel-level confinement that
// backs spec.md's components D (seatbelt profile), E (landlock launcher)
// and F (backend selection): the parts of the pipeline that restrict what a
// child process can touch at the OS level, beneath and regardless of the
// policy engine's pre-execution checks.
package isolation

import (
	"os"
	"path/filepath"
	"strings"
)

// ProtectedFiles lists dotfiles that must never be writable inside a
// sandboxed workspace: an agent that can rewrite its own shell init files
// or git hooks can re-establish itself outside the sandbox on the very next
// invocation.
var ProtectedFiles = []string{
	".gitconfig",
	".gitmodules",
	".bashrc",
	".bash_profile",
	".zshrc",
	".zprofile",
	".profile",
	".npmrc",
	".mcp.json",
}

// ProtectedDirectories lists directories that must never be writable. .git
// itself is excluded because ordinary git operations (commit, add) need to
// write inside it; only its hooks subdirectory (and, unless allowGitConfig is
// set, its config file) is separately protected by MandatoryDenyPatterns.
var ProtectedDirectories = []string{
	".vscode",
	".idea",
	".claude/commands",
	".claude/agents",
}

// DefaultWritablePaths lists system paths that must remain writable in any
// profile, since denying them breaks ordinary process behavior rather than
// containing anything.
func DefaultWritablePaths() []string {
	home, _ := os.UserHomeDir()

	paths := []string{
		"/dev/stdout",
		"/dev/stderr",
		"/dev/null",
		"/dev/tty",
	}

	if home != "" {
		paths = append(paths, filepath.Join(home, ".cache/corral"))
	}

	return paths
}

// MandatoryDenyPatterns returns glob patterns for paths that a Workspace
// write-deny list must always include, regardless of what a caller
// configured: git hooks, and — unless explicitly permitted — git config.
func MandatoryDenyPatterns(workspaceRoot string, allowGitConfig bool) []string {
	var patterns []string

	for _, f := range ProtectedFiles {
		patterns = append(patterns, filepath.Join(workspaceRoot, f))
		patterns = append(patterns, "**/"+f)
	}

	for _, d := range ProtectedDirectories {
		patterns = append(patterns, filepath.Join(workspaceRoot, d))
		patterns = append(patterns, "**/"+d+"/**")
	}

	patterns = append(patterns, filepath.Join(workspaceRoot, ".git/hooks"))
	patterns = append(patterns, "**/.git/hooks/**")

	if !allowGitConfig {
		patterns = append(patterns, filepath.Join(workspaceRoot, ".git/config"))
		patterns = append(patterns, "**/.git/config")
	}

	return patterns
}

// NormalizePath expands a leading "~" to the user's home directory and
// returns an absolute, cleaned path. Glob patterns (paths containing glob
// metacharacters) are passed through Clean-only, since expanding them would
// require resolving each match rather than the pattern itself.
func NormalizePath(path string) string {
	if path == "" {
		return path
	}
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	if ContainsGlobChars(path) {
		return filepath.Clean(path)
	}
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return filepath.Clean(path)
}

// ContainsGlobChars reports whether path contains any of the glob
// metacharacters this package's pattern expansion understands.
func ContainsGlobChars(path string) bool {
	return strings.ContainsAny(path, "*?[")
}
