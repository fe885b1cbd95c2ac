package isolation

import (
	"os"
	"runtime"
	"strings"
)

// dangerousEnvPrefixes lists environment variable prefixes that can be used
// to subvert dynamic library loading in a child process.
var dangerousEnvPrefixes = []string{
	"LD_",   // Linux dynamic linker
	"DYLD_", // Darwin dynamic linker
}

// dangerousEnvVars names specific environment variables to strip. Each of
// them also starts with one of dangerousEnvPrefixes.
var dangerousEnvVars = []string{
	"LD_PRELOAD",
	"LD_LIBRARY_PATH",
	"LD_AUDIT",
	"LD_DEBUG",
	"LD_DEBUG_OUTPUT",
	"LD_DYNAMIC_WEAK",
	"LD_ORIGIN_PATH",
	"LD_PROFILE",
	"LD_PROFILE_OUTPUT",
	"LD_SHOW_AUXV",
	"LD_TRACE_LOADED_OBJECTS",
	"DYLD_INSERT_LIBRARIES",
	"DYLD_LIBRARY_PATH",
	"DYLD_FRAMEWORK_PATH",
	"DYLD_FALLBACK_LIBRARY_PATH",
	"DYLD_FALLBACK_FRAMEWORK_PATH",
	"DYLD_IMAGE_SUFFIX",
	"DYLD_FORCE_FLAT_NAMESPACE",
	"DYLD_PRINT_LIBRARIES",
	"DYLD_PRINT_APIS",
}

// HardenedEnv returns a copy of the current process environment with
// dangerous variables removed, per spec.md §4.H: it closes the path where a
// command writes a malicious shared object into the workspace and a later
// command on the same handle preloads it. Kernel isolation restricts which
// paths are reachable, not which already-permitted files get mapped into a
// new process's address space.
func HardenedEnv() []string {
	return FilterEnv(os.Environ())
}

// FilterEnv removes dangerous entries from an arbitrary "KEY=VALUE" slice.
func FilterEnv(env []string) []string {
	filtered := make([]string, 0, len(env))
	for _, e := range env {
		if !isDangerousEnvVar(e) {
			filtered = append(filtered, e)
		}
	}
	return filtered
}

// StrippedKeys returns the variable names that FilterEnv would remove from
// env, for debug logging.
func StrippedKeys(env []string) []string {
	var stripped []string
	for _, e := range env {
		if isDangerousEnvVar(e) {
			stripped = append(stripped, envKey(e))
		}
	}
	return stripped
}

func isDangerousEnvVar(entry string) bool {
	key := envKey(entry)

	for _, prefix := range dangerousEnvPrefixes {
		if strings.HasPrefix(key, prefix) {
			return true
		}
	}
	for _, name := range dangerousEnvVars {
		if key == name {
			return true
		}
	}
	return false
}

func envKey(entry string) string {
	if idx := strings.Index(entry, "="); idx != -1 {
		return entry[:idx]
	}
	return entry
}

// HardeningDescription describes the environment sanitization applied on
// this platform, used in debug diagnostics.
func HardeningDescription() string {
	switch runtime.GOOS {
	case "linux":
		return "env-filter(LD_*)"
	case "darwin":
		return "env-filter(DYLD_*)"
	default:
		return "env-filter"
	}
}
