// Package policy implements the pattern-based command policy engine
// described in spec.md §4.C: a pre-execution, defense-in-depth filter that
// rejects known-dangerous command shapes before they ever reach a kernel
// isolation mechanism.
package policy

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/agentcorral/corral/internal/result"
)

// Violation is raised when a command is rejected by the policy engine.
// It is a SecurityViolation in spec.md's error taxonomy: it never produces
// a process.
type Violation struct {
	Command string
	Reason  string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("security violation: %q blocked: %s", v.Command, v.Reason)
}

// ConfigurationError is raised for invalid construction arguments, such as
// a PARANOID policy with an empty allowed-command set.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "invalid sandbox configuration: " + e.Reason
}

// blockedPattern pairs a compiled regex with a human-readable reason, in the
// order the engine must try them.
type blockedPattern struct {
	pattern *regexp.Regexp
	reason  string
}

// DefaultBlockedPatterns is the ship-default rule set described in §4.C and
// enumerated in §8. Grounded on the dangerous-command regex table of the
// Python prototype this spec was distilled from (safeshell.security.policy),
// which the teacher's own prefix-based command.Deny config complements but
// does not replace.
var DefaultBlockedPatterns = []struct {
	Pattern string
	Reason  string
}{
	{`\brm\s+(-[rf]+\s+)*[/~](\s|$)`, "recursive delete of root or home directory"},
	{`\brm\s+-[rf]*\s+-[rf]*\s+/`, "recursive delete of root directory"},
	{`\bcurl\b.*\|\s*(ba)?sh\b`, "remote code execution via curl piped to a shell"},
	{`\bwget\b.*\|\s*(ba)?sh\b`, "remote code execution via wget piped to a shell"},
	{`\bcurl\b.*\|\s*python`, "remote code execution via curl piped to python"},
	{`\bwget\b.*\|\s*python`, "remote code execution via wget piped to python"},
	{`:\s*\(\s*\)\s*\{.*\}`, "fork bomb pattern"},
	{`\byes\b\s*\|`, "unbounded producer piped into another command"},
	{`>\s*/dev/sd[a-z]`, "direct write to a block device"},
	{`>\s*/dev/nvme`, "direct write to an NVMe block device"},
	{`\bdd\b.*of=/dev/`, "direct disk write via dd"},
	{`\bmkfs\b`, "filesystem creation/destruction"},
	{`\bsudo\b`, "privilege escalation via sudo"},
	{`\bsu\s+-`, "privilege escalation via su"},
	{`\bchmod\s+[0-7]*777\s+/`, "world-writable permission change on root"},
	{`\bchown\s+-R\s+.*\s+/`, "recursive ownership change on root"},
	{`\bsystemctl\s+(stop|disable|mask)\b`, "service-control disruption"},
	{`\bkillall\b`, "mass process termination"},
	{`\bpkill\s+-9\b`, "forceful mass process termination"},
	{`\bnc\s+-l\b`, "listening socket via netcat"},
	{`\bssh\s+\S*@`, "remote login command"},
}

// Engine applies a SecurityLevel's rules to a command string before it is
// allowed to reach the execution driver.
type Engine struct {
	level           result.SecurityLevel
	blocked         []blockedPattern
	allowedCommands map[string]struct{}
	commandAllow    []string
	commandDeny     []string
}

// NewPermissive returns the identity policy: every command is allowed
// unchanged.
func NewPermissive() *Engine {
	return &Engine{level: result.Permissive}
}

// NewStandard returns a policy that rejects the default dangerous patterns.
func NewStandard() *Engine {
	e := &Engine{level: result.Standard}
	for _, p := range DefaultBlockedPatterns {
		_ = e.AddBlockedPattern(p.Pattern, p.Reason)
	}
	return e
}

// NewParanoid returns a policy that, in addition to the default dangerous
// patterns, rejects any command whose base executable is not in allowed.
// allowed must be non-empty: a PARANOID policy with nothing allowed can
// never succeed, which is a configuration mistake rather than a useful
// sandbox.
func NewParanoid(allowed []string) (*Engine, error) {
	if len(allowed) == 0 {
		return nil, &ConfigurationError{Reason: "PARANOID security level requires a non-empty allowed-command set"}
	}
	e := NewStandard()
	e.level = result.Paranoid
	e.allowedCommands = make(map[string]struct{}, len(allowed))
	for _, name := range allowed {
		e.allowedCommands[name] = struct{}{}
	}
	return e, nil
}

// NewStandardWithoutDefaults returns a STANDARD-level policy with no seeded
// patterns, for configs that set security.useDefaults=false: the engine
// starts bare and relies entirely on the caller's own allow/deny rules.
func NewStandardWithoutDefaults() *Engine {
	return &Engine{level: result.Standard}
}

// NewParanoidWithoutDefaults is NewParanoid's useDefaults=false counterpart:
// same non-empty-allowed-set requirement, but no seeded DefaultBlockedPatterns.
func NewParanoidWithoutDefaults(allowed []string) (*Engine, error) {
	if len(allowed) == 0 {
		return nil, &ConfigurationError{Reason: "PARANOID security level requires a non-empty allowed-command set"}
	}
	e := &Engine{level: result.Paranoid, allowedCommands: make(map[string]struct{}, len(allowed))}
	for _, name := range allowed {
		e.allowedCommands[name] = struct{}{}
	}
	return e, nil
}

// AddBlockedPattern compiles and appends a new blocking rule. Subsequent
// calls to Check observe it.
func (e *Engine) AddBlockedPattern(pattern, reason string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return fmt.Errorf("invalid blocked pattern %q: %w", pattern, err)
	}
	e.blocked = append(e.blocked, blockedPattern{pattern: re, reason: reason})
	return nil
}

// AddAllowedCommand adds a base command name to the PARANOID allow set.
func (e *Engine) AddAllowedCommand(name string) {
	if e.allowedCommands == nil {
		e.allowedCommands = make(map[string]struct{})
	}
	e.allowedCommands[name] = struct{}{}
}

// AddCommandAllow adds an explicit command-prefix allow rule. A sub-command
// that matches it skips the explicit deny check, and when every sub-command
// of the chain matches an allow rule the regex pass is skipped too, letting
// a caller carve a narrow exception out of a broader blocked pattern.
func (e *Engine) AddCommandAllow(prefix string) {
	e.commandAllow = append(e.commandAllow, prefix)
}

// AddCommandDeny adds an explicit command-prefix deny rule, checked before
// the regex pass.
func (e *Engine) AddCommandDeny(prefix string) {
	e.commandDeny = append(e.commandDeny, prefix)
}

// Level returns the engine's configured security level.
func (e *Engine) Level() result.SecurityLevel {
	return e.level
}

// Check validates command against the policy. It returns the command
// unchanged on success (PERMISSIVE is the identity function on its input),
// or a *Violation on rejection.
func (e *Engine) Check(command string) (string, error) {
	if e.level == result.Permissive {
		return command, nil
	}

	subs := splitChain(command)
	// fullyAllowed tracks whether every sub-command in the chain is covered
	// by an explicit command-allow rule. Only then can the whole-command
	// regex pass below be skipped: the regex patterns match against the
	// unsplit command string (e.g. a "curl ... | sh" pattern needs the pipe
	// character splitChain itself consumes), so a partial allow can't safely
	// carve a hole out of just part of that string.
	fullyAllowed := len(subs) > 0
	for _, sub := range subs {
		sub = strings.TrimSpace(sub)
		if sub == "" {
			continue
		}
		if matchesAnyPrefix(sub, e.commandAllow) {
			continue
		}
		fullyAllowed = false
		if prefix, ok := firstMatchingPrefix(sub, e.commandDeny); ok {
			return "", &Violation{Command: command, Reason: "command denied by policy: matches " + fmt.Sprintf("%q", prefix)}
		}
	}

	if !fullyAllowed {
		for _, rule := range e.blocked {
			if rule.pattern.MatchString(command) {
				return "", &Violation{Command: command, Reason: rule.reason}
			}
		}
	}

	if e.level == result.Paranoid {
		base := baseCommand(command)
		if base != "" {
			if _, ok := e.allowedCommands[base]; !ok {
				return "", &Violation{Command: command, Reason: fmt.Sprintf("command %q is not in the allowed set", base)}
			}
		}
	}

	return command, nil
}

// baseCommand implements the extraction rule from §4.C: split the command
// on ASCII whitespace, skip leading tokens containing '=' (environment
// assignments), take the next token, and strip directory components.
func baseCommand(command string) string {
	for _, tok := range strings.Fields(command) {
		if strings.Contains(tok, "=") {
			continue
		}
		return filepath.Base(tok)
	}
	return ""
}

// matchesAnyPrefix reports whether normalized command cmd matches any of
// the given prefixes via matchesPrefix.
func matchesAnyPrefix(cmd string, prefixes []string) bool {
	_, ok := firstMatchingPrefix(cmd, prefixes)
	return ok
}

// firstMatchingPrefix returns the first prefix in prefixes that cmd
// matches, comparing against the normalized (directory-stripped leading
// token) form of cmd.
func firstMatchingPrefix(cmd string, prefixes []string) (string, bool) {
	normalized := normalizeCommand(cmd)
	for _, prefix := range prefixes {
		prefix = normalizeCommand(strings.TrimSpace(prefix))
		if prefix == "" {
			continue
		}
		if normalized == prefix || strings.HasPrefix(normalized, prefix+" ") {
			return prefix, true
		}
	}
	return "", false
}

// normalizeCommand strips the leading path component of the command's first
// token (e.g. "/usr/bin/git push" -> "git push") so that prefix rules match
// regardless of how the agent spelled the executable path.
func normalizeCommand(command string) string {
	tokens := strings.Fields(command)
	if len(tokens) == 0 {
		return ""
	}
	tokens[0] = filepath.Base(tokens[0])
	return strings.Join(tokens, " ")
}
