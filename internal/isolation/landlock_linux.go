//go:build linux

package isolation

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"unsafe"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/sys/unix"
)

// Landlock ABI constants, per include/uapi/linux/landlock.h.
const (
	landlockCreateRulesetVersion = 1 << 0

	landlockAccessFSExecute     = 1 << 0
	landlockAccessFSWriteFile   = 1 << 1
	landlockAccessFSReadFile    = 1 << 2
	landlockAccessFSReadDir     = 1 << 3
	landlockAccessFSRemoveDir   = 1 << 4
	landlockAccessFSRemoveFile  = 1 << 5
	landlockAccessFSMakeChar    = 1 << 6
	landlockAccessFSMakeDir     = 1 << 7
	landlockAccessFSMakeReg     = 1 << 8
	landlockAccessFSMakeSock    = 1 << 9
	landlockAccessFSMakeFifo    = 1 << 10
	landlockAccessFSMakeBlock   = 1 << 11
	landlockAccessFSMakeSym     = 1 << 12
	landlockAccessFSRefer       = 1 << 13 // ABI v2
	landlockAccessFSTruncate    = 1 << 14 // ABI v3
	landlockAccessFSIoctlDev    = 1 << 15 // ABI v5

	landlockRulePathBeneath = 1
)

type landlockRulesetAttr struct {
	handledAccessFS  uint64
	handledAccessNet uint64
}

type landlockPathBeneathAttr struct {
	allowedAccess uint64
	parentFd      int32
	_             [4]byte // padding
}

// Ruleset manages a landlock filesystem ruleset being assembled for the
// current process, before it becomes irrevocable via Apply.
type Ruleset struct {
	fd          int
	abiVersion  int
	debug       bool
	initialized bool
}

// NewRuleset creates a Ruleset, failing immediately if this kernel has no
// usable landlock support.
func NewRuleset(debug bool) (*Ruleset, error) {
	features := DetectKernelFeatures()
	if !features.CanUseLandlock() {
		return nil, fmt.Errorf("landlock not available (kernel %d.%d, need 5.13+)", features.KernelMajor, features.KernelMinor)
	}
	return &Ruleset{fd: -1, abiVersion: features.LandlockABI, debug: debug}, nil
}

// Initialize creates the underlying landlock ruleset file descriptor.
func (r *Ruleset) Initialize() error {
	if r.initialized {
		return nil
	}

	attr := landlockRulesetAttr{handledAccessFS: r.handledAccessFS()}

	fd, _, errno := unix.Syscall(
		unix.SYS_LANDLOCK_CREATE_RULESET,
		uintptr(unsafe.Pointer(&attr)), //nolint:gosec // required for syscall
		unsafe.Sizeof(attr),
		0,
	)
	if errno != 0 {
		return fmt.Errorf("landlock_create_ruleset: %w", errno)
	}

	r.fd = int(fd)
	r.initialized = true
	if r.debug {
		fmt.Fprintf(os.Stderr, "[corral:landlock] created ruleset (ABI v%d, fd=%d)\n", r.abiVersion, r.fd)
	}
	return nil
}

// handledAccessFS builds the set of filesystem access rights this ruleset
// will constrain, gated by what the detected ABI version actually supports.
func (r *Ruleset) handledAccessFS() uint64 {
	access := uint64(
		landlockAccessFSExecute |
			landlockAccessFSWriteFile |
			landlockAccessFSReadFile |
			landlockAccessFSReadDir |
			landlockAccessFSRemoveDir |
			landlockAccessFSRemoveFile |
			landlockAccessFSMakeChar |
			landlockAccessFSMakeDir |
			landlockAccessFSMakeReg |
			landlockAccessFSMakeSock |
			landlockAccessFSMakeFifo |
			landlockAccessFSMakeBlock |
			landlockAccessFSMakeSym,
	)
	if r.abiVersion >= 2 {
		access |= landlockAccessFSRefer
	}
	if r.abiVersion >= 3 {
		access |= landlockAccessFSTruncate
	}
	if r.abiVersion >= 5 {
		access |= landlockAccessFSIoctlDev
	}
	return access
}

// AllowRead grants read and execute access to path.
func (r *Ruleset) AllowRead(path string) error {
	return r.addPathRule(path, landlockAccessFSReadFile|landlockAccessFSReadDir|landlockAccessFSExecute)
}

// AllowWrite grants write access to path.
func (r *Ruleset) AllowWrite(path string) error {
	access := uint64(
		landlockAccessFSWriteFile |
			landlockAccessFSRemoveDir |
			landlockAccessFSRemoveFile |
			landlockAccessFSMakeChar |
			landlockAccessFSMakeDir |
			landlockAccessFSMakeReg |
			landlockAccessFSMakeSock |
			landlockAccessFSMakeFifo |
			landlockAccessFSMakeBlock |
			landlockAccessFSMakeSym,
	)
	if r.abiVersion >= 2 {
		access |= landlockAccessFSRefer
	}
	if r.abiVersion >= 3 {
		access |= landlockAccessFSTruncate
	}
	return r.addPathRule(path, access)
}

// AllowReadWrite grants both read and write access to path.
func (r *Ruleset) AllowReadWrite(path string) error {
	if err := r.AllowRead(path); err != nil {
		return err
	}
	return r.AllowWrite(path)
}

func (r *Ruleset) addPathRule(path string, access uint64) error {
	if !r.initialized {
		if err := r.Initialize(); err != nil {
			return err
		}
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("abs path for %s: %w", path, err)
	}
	if resolved, err := filepath.EvalSymlinks(absPath); err == nil {
		absPath = resolved
	}

	if _, err := os.Stat(absPath); os.IsNotExist(err) {
		if r.debug {
			fmt.Fprintf(os.Stderr, "[corral:landlock] skipping non-existent path: %s\n", absPath)
		}
		return nil
	}

	fd, err := unix.Open(absPath, unix.O_PATH|unix.O_CLOEXEC, 0)
	if err != nil {
		if r.debug {
			fmt.Fprintf(os.Stderr, "[corral:landlock] failed to open %s: %v\n", absPath, err)
		}
		return nil
	}
	defer func() { _ = unix.Close(fd) }()

	access &= r.handledAccessFS()

	attr := landlockPathBeneathAttr{
		allowedAccess: access,
		parentFd:      int32(fd), //nolint:gosec // fd from unix.Open fits in int32
	}

	_, _, errno := unix.Syscall(
		unix.SYS_LANDLOCK_ADD_RULE,
		uintptr(r.fd),
		landlockRulePathBeneath,
		uintptr(unsafe.Pointer(&attr)), //nolint:gosec // required for syscall
	)
	if errno != 0 {
		return fmt.Errorf("landlock_add_rule for %s: %w", absPath, errno)
	}
	if r.debug {
		fmt.Fprintf(os.Stderr, "[corral:landlock] added rule: %s (access=0x%x)\n", absPath, access)
	}
	return nil
}

// Apply enforces the ruleset on the current process. This is irrevocable:
// after it returns successfully, the calling goroutine's process can never
// regain the restricted access, even across exec.
func (r *Ruleset) Apply() error {
	if !r.initialized {
		return fmt.Errorf("landlock ruleset not initialized")
	}
	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("PR_SET_NO_NEW_PRIVS: %w", err)
	}
	_, _, errno := unix.Syscall(unix.SYS_LANDLOCK_RESTRICT_SELF, uintptr(r.fd), 0, 0)
	if errno != 0 {
		return fmt.Errorf("landlock_restrict_self: %w", errno)
	}
	if r.debug {
		fmt.Fprintln(os.Stderr, "[corral:landlock] ruleset applied to process")
	}
	return nil
}

// Close releases the ruleset file descriptor.
func (r *Ruleset) Close() error {
	if r.fd >= 0 {
		err := unix.Close(r.fd)
		r.fd = -1
		return err
	}
	return nil
}

// WorkspaceGrant describes the paths a landlock ruleset must grant for one
// execution: system paths stay read-only, the workspace and any
// user-configured write paths get read-write.
type WorkspaceGrant struct {
	WorkspaceRoot   string
	SocketDirs      []string
	ReadOnlyExtra   []string
	ReadWriteExtra  []string
}

var defaultSystemReadPaths = []string{
	"/usr", "/lib", "/lib64", "/lib32", "/bin", "/sbin",
	"/etc", "/proc", "/dev", "/sys", "/run",
	"/var/lib", "/var/cache",
}

// ApplyWorkspace builds a landlock ruleset from grant and enforces it on
// the current process. It is graceful: if this kernel has no landlock
// support, or any setup step fails, it logs (in debug mode) and returns nil
// rather than blocking execution — landlock is defense in depth layered on
// top of the policy engine, not the sandbox's only protection.
func ApplyWorkspace(grant WorkspaceGrant, debug bool) error {
	features := DetectKernelFeatures()
	if !features.CanUseLandlock() {
		if debug {
			fmt.Fprintf(os.Stderr, "[corral:landlock] not available (kernel %d.%d < 5.13), skipping\n", features.KernelMajor, features.KernelMinor)
		}
		return nil
	}

	ruleset, err := NewRuleset(debug)
	if err != nil {
		if debug {
			fmt.Fprintf(os.Stderr, "[corral:landlock] failed to create ruleset: %v\n", err)
		}
		return nil
	}
	defer func() { _ = ruleset.Close() }()

	if err := ruleset.Initialize(); err != nil {
		if debug {
			fmt.Fprintf(os.Stderr, "[corral:landlock] failed to initialize: %v\n", err)
		}
		return nil
	}

	for _, p := range defaultSystemReadPaths {
		_ = ruleset.AllowRead(p)
	}
	for _, p := range grant.ReadOnlyExtra {
		_ = ruleset.AllowRead(p)
	}

	if grant.WorkspaceRoot != "" {
		_ = ruleset.AllowReadWrite(grant.WorkspaceRoot)
	}
	if home, err := os.UserHomeDir(); err == nil {
		_ = ruleset.AllowRead(home)
	}
	_ = ruleset.AllowReadWrite("/tmp")

	for _, p := range grant.SocketDirs {
		_ = ruleset.AllowReadWrite(filepath.Dir(p))
	}

	expanded := ExpandGlobPatterns(grant.ReadWriteExtra)
	for _, p := range expanded {
		_ = ruleset.AllowReadWrite(p)
	}
	for _, p := range grant.ReadWriteExtra {
		if !ContainsGlobChars(p) {
			_ = ruleset.AllowReadWrite(NormalizePath(p))
		}
	}

	if err := ruleset.Apply(); err != nil {
		if debug {
			fmt.Fprintf(os.Stderr, "[corral:landlock] failed to apply: %v\n", err)
		}
		return nil
	}

	if debug {
		fmt.Fprintf(os.Stderr, "[corral:landlock] applied restrictions (ABI v%d)\n", features.LandlockABI)
	}
	return nil
}

// ExpandGlobPatterns expands glob patterns into concrete paths suitable for
// PATH_BENEATH rules:
//
//   - "dir/**" returns just "dir" — landlock's PATH_BENEATH already covers
//     everything beneath a granted directory, so there is no need to walk it.
//   - "**/pattern" is scoped to the current working directory and skips any
//     subtree already covered by a "dir/**" pattern in the same list.
//   - any other pattern containing glob characters but no "**" is resolved
//     with a standard glob scoped to its static path prefix; a pattern with
//     "**" in any other position is dropped.
//   - a pattern without glob characters is returned normalized.
func ExpandGlobPatterns(patterns []string) []string {
	var expanded []string
	seen := make(map[string]bool)

	cwd, err := os.Getwd()
	if err != nil {
		cwd = "."
	}

	coveredDirs := make(map[string]bool)
	for _, pattern := range patterns {
		if !ContainsGlobChars(pattern) {
			continue
		}
		pattern = NormalizePath(pattern)
		if strings.HasSuffix(pattern, "/**") && !strings.Contains(strings.TrimSuffix(pattern, "/**"), "**") {
			dir := strings.TrimSuffix(pattern, "/**")
			if !strings.HasPrefix(dir, "/") {
				dir = filepath.Join(cwd, dir)
			}
			if relDir, err := filepath.Rel(cwd, dir); err == nil {
				coveredDirs[relDir] = true
			}
		}
	}

	for _, pattern := range patterns {
		if !ContainsGlobChars(pattern) {
			normalized := NormalizePath(pattern)
			if !seen[normalized] {
				seen[normalized] = true
				expanded = append(expanded, normalized)
			}
			continue
		}

		pattern = NormalizePath(pattern)

		if strings.HasSuffix(pattern, "/**") && !strings.Contains(strings.TrimSuffix(pattern, "/**"), "**") {
			dir := strings.TrimSuffix(pattern, "/**")
			if !strings.HasPrefix(dir, "/") {
				dir = filepath.Join(cwd, dir)
			}
			if !seen[dir] {
				seen[dir] = true
				expanded = append(expanded, dir)
			}
			continue
		}

		if strings.HasPrefix(pattern, "**/") {
			suffix := strings.TrimPrefix(pattern, "**/")
			fsys := os.DirFS(cwd)
			searchPattern := "**/" + suffix

			_ = doublestar.GlobWalk(fsys, searchPattern, func(path string, d fs.DirEntry) error {
				pathParts := strings.Split(path, string(filepath.Separator))
				for i := 1; i <= len(pathParts); i++ {
					parentPath := strings.Join(pathParts[:i], string(filepath.Separator))
					if coveredDirs[parentPath] {
						if d.IsDir() {
							return fs.SkipDir
						}
						return nil
					}
				}
				absPath := filepath.Join(cwd, path)
				if !seen[absPath] {
					seen[absPath] = true
					expanded = append(expanded, absPath)
				}
				return nil
			})
			continue
		}

		if !strings.Contains(pattern, "**") {
			var searchBase, searchPattern string
			if strings.HasPrefix(pattern, "/") {
				parts := strings.Split(pattern, "/")
				var baseParts []string
				for _, p := range parts {
					if ContainsGlobChars(p) {
						break
					}
					baseParts = append(baseParts, p)
				}
				searchBase = strings.Join(baseParts, "/")
				if searchBase == "" {
					searchBase = "/"
				}
				searchPattern = strings.TrimPrefix(pattern, searchBase+"/")
			} else {
				searchBase = cwd
				searchPattern = pattern
			}

			fsys := os.DirFS(searchBase)
			matches, err := doublestar.Glob(fsys, searchPattern)
			if err != nil {
				continue
			}
			for _, match := range matches {
				absPath := filepath.Join(searchBase, match)
				if !seen[absPath] {
					seen[absPath] = true
					expanded = append(expanded, absPath)
				}
			}
		}
	}

	return expanded
}
