package isolation

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/agentcorral/corral/internal/shellquote"
)

// sessionSuffix tags every seatbelt log message emitted by this process so
// that violations from concurrent corral invocations on the same host don't
// get attributed to the wrong session.
var sessionSuffix = generateSessionSuffix()

func generateSessionSuffix() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		panic("corral: failed to generate session suffix: " + err.Error())
	}
	return "_" + hex.EncodeToString(b)[:9] + "_SBX"
}

// SeatbeltParams describes the Darwin sandbox-exec profile to generate for
// one command. It is the Darwin analogue of the landlock ruleset built in
// landlock_linux.go: both are compiled from the same Workspace/Network
// configuration, just expressed in their platform's native rule language.
type SeatbeltParams struct {
	Command             string
	NeedsNetworkDenial  bool
	HTTPProxyPort       int
	SOCKSProxyPort      int
	AllowUnixSockets    []string
	AllowAllUnixSockets bool
	AllowLocalBinding   bool
	AllowLocalOutbound  bool
	ReadDenyPaths       []string
	WriteAllowPaths     []string
	WriteDenyPaths      []string
	AllowPty            bool
	AllowGitConfig      bool
	Shell               string
}

// GlobToRegex converts a "*"/"**"/"?" glob pattern into the regex dialect
// Darwin's sandbox profile language accepts.
func GlobToRegex(glob string) string {
	escaped := regexp.QuoteMeta(glob)
	escaped = strings.ReplaceAll(escaped, `\*\*/`, "(.*/)?")
	escaped = strings.ReplaceAll(escaped, `\*\*`, ".*")
	escaped = strings.ReplaceAll(escaped, `\*`, "[^/]*")
	escaped = strings.ReplaceAll(escaped, `\?`, "[^/]")
	return "^" + escaped + "$"
}

func escapePath(path string) string {
	return fmt.Sprintf("%q", path)
}

func ancestorDirectories(path string) []string {
	var ancestors []string
	current := filepath.Dir(path)
	for current != "/" && current != "." {
		ancestors = append(ancestors, current)
		parent := filepath.Dir(current)
		if parent == current {
			break
		}
		current = parent
	}
	return ancestors
}

// tmpdirParentCandidates returns the macOS-specific TMPDIR parent
// (/var/folders/XX/YYY) in both its /var and /private/var spellings, since
// the kernel resolves either depending on which syscall a tool uses.
func tmpdirParentCandidates() []string {
	tmpdir := os.Getenv("TMPDIR")
	if tmpdir == "" {
		return nil
	}
	pattern := regexp.MustCompile(`^/(private/)?var/folders/[^/]{2}/[^/]+/T/?$`)
	if !pattern.MatchString(tmpdir) {
		return nil
	}
	parent := strings.TrimSuffix(strings.TrimSuffix(tmpdir, "/"), "/T")
	if strings.HasPrefix(parent, "/private/var/") {
		return []string{parent, strings.Replace(parent, "/private", "", 1)}
	}
	if strings.HasPrefix(parent, "/var/") {
		return []string{parent, "/private" + parent}
	}
	return []string{parent}
}

func pathRule(verb, pathPattern, logTag string) []string {
	normalized := NormalizePath(pathPattern)
	if ContainsGlobChars(normalized) {
		return []string{
			fmt.Sprintf("(%s", verb),
			fmt.Sprintf("  (regex %s)", escapePath(GlobToRegex(normalized))),
			fmt.Sprintf("  (with message %q))", logTag),
		}
	}
	return []string{
		fmt.Sprintf("(%s", verb),
		fmt.Sprintf("  (subpath %s)", escapePath(normalized)),
		fmt.Sprintf("  (with message %q))", logTag),
	}
}

func generateReadRules(denyPaths []string, logTag string) []string {
	rules := []string{"(allow file-read*)"}
	for _, p := range denyPaths {
		rules = append(rules, pathRule("deny file-read*", p, logTag)...)
	}
	rules = append(rules, generateMoveBlockingRules(denyPaths, logTag)...)
	return rules
}

func generateWriteRules(allowPaths, denyPaths []string, allowGitConfig bool, workspaceRoot, logTag string) []string {
	var rules []string

	for _, parent := range tmpdirParentCandidates() {
		rules = append(rules, pathRule("allow file-write*", parent, logTag)...)
	}

	for _, p := range allowPaths {
		rules = append(rules, pathRule("allow file-write*", p, logTag)...)
	}

	mandatory := MandatoryDenyPatterns(workspaceRoot, allowGitConfig)
	allDeny := append(append([]string{}, denyPaths...), mandatory...)
	for _, p := range allDeny {
		rules = append(rules, pathRule("deny file-write*", p, logTag)...)
	}
	rules = append(rules, generateMoveBlockingRules(allDeny, logTag)...)

	return rules
}

// generateMoveBlockingRules blocks file-write-unlink on denied paths and
// their ancestor directories, so a command cannot rename a protected file
// out of the way and recreate it under the same denied name.
func generateMoveBlockingRules(pathPatterns []string, logTag string) []string {
	var rules []string
	for _, pathPattern := range pathPatterns {
		normalized := NormalizePath(pathPattern)

		if ContainsGlobChars(normalized) {
			rules = append(rules, pathRule("deny file-write-unlink", pathPattern, logTag)...)

			staticPrefix := strings.Split(normalized, "*")[0]
			if staticPrefix == "" || staticPrefix == "/" {
				continue
			}
			baseDir := staticPrefix
			if strings.HasSuffix(baseDir, "/") {
				baseDir = baseDir[:len(baseDir)-1]
			} else {
				baseDir = filepath.Dir(staticPrefix)
			}
			rules = append(rules,
				"(deny file-write-unlink",
				fmt.Sprintf("  (literal %s)", escapePath(baseDir)),
				fmt.Sprintf("  (with message %q))", logTag),
			)
			for _, ancestor := range ancestorDirectories(baseDir) {
				rules = append(rules,
					"(deny file-write-unlink",
					fmt.Sprintf("  (literal %s)", escapePath(ancestor)),
					fmt.Sprintf("  (with message %q))", logTag),
				)
			}
			continue
		}

		rules = append(rules,
			"(deny file-write-unlink",
			fmt.Sprintf("  (subpath %s)", escapePath(normalized)),
			fmt.Sprintf("  (with message %q))", logTag),
		)
		for _, ancestor := range ancestorDirectories(normalized) {
			rules = append(rules,
				"(deny file-write-unlink",
				fmt.Sprintf("  (literal %s)", escapePath(ancestor)),
				fmt.Sprintf("  (with message %q))", logTag),
			)
		}
	}
	return rules
}

// baseProfileHeader holds the Chrome-sandbox-derived block of mach-lookup,
// sysctl-read, and IOKit allowances every profile needs just to let a
// normal Unix process start up and exit cleanly. None of it grants
// filesystem or network access.
const baseProfileHeader = `; Process permissions
(allow process-exec)
(allow process-fork)
(allow process-info* (target same-sandbox))
(allow signal (target same-sandbox))
(allow mach-priv-task-port (target same-sandbox))

; User preferences
(allow user-preference-read)

; Mach IPC - specific services only
(allow mach-lookup
  (global-name "com.apple.audio.systemsoundserver")
  (global-name "com.apple.distributed_notifications@Uv3")
  (global-name "com.apple.FontObjectsServer")
  (global-name "com.apple.fonts")
  (global-name "com.apple.logd")
  (global-name "com.apple.lsd.mapdb")
  (global-name "com.apple.PowerManagement.control")
  (global-name "com.apple.system.logger")
  (global-name "com.apple.system.notification_center")
  (global-name "com.apple.trustd.agent")
  (global-name "com.apple.system.opendirectoryd.libinfo")
  (global-name "com.apple.system.opendirectoryd.membership")
  (global-name "com.apple.bsd.dirhelper")
  (global-name "com.apple.securityd.xpc")
  (global-name "com.apple.coreservices.launchservicesd")
  (global-name "com.apple.FSEvents")
  (global-name "com.apple.fseventsd")
  (global-name "com.apple.SystemConfiguration.configd")
)

; POSIX IPC
(allow ipc-posix-shm)
(allow ipc-posix-sem)

; IOKit
(allow iokit-open
  (iokit-registry-entry-class "IOSurfaceRootUserClient")
  (iokit-registry-entry-class "RootDomainUserClient")
  (iokit-user-client-class "IOSurfaceSendRight")
)
(allow iokit-get-properties)

; System socket for network info
(allow system-socket (require-all (socket-domain AF_SYSTEM) (socket-protocol 2)))

; sysctl reads
(allow sysctl-read
  (sysctl-name "hw.activecpu")
  (sysctl-name "hw.machine")
  (sysctl-name "hw.memsize")
  (sysctl-name "hw.ncpu")
  (sysctl-name "hw.pagesize")
  (sysctl-name "hw.physicalcpu")
  (sysctl-name "kern.argmax")
  (sysctl-name "kern.hostname")
  (sysctl-name "kern.maxfiles")
  (sysctl-name "kern.maxfilesperproc")
  (sysctl-name "kern.osproductversion")
  (sysctl-name "kern.osrelease")
  (sysctl-name "kern.ostype")
  (sysctl-name "kern.osversion")
  (sysctl-name "kern.version")
  (sysctl-name "machdep.cpu.brand_string")
  (sysctl-name "vm.loadavg")
  (sysctl-name-prefix "hw.optional.arm")
  (sysctl-name-prefix "hw.perflevel")
  (sysctl-name-prefix "kern.proc.pid.")
  (sysctl-name-prefix "machdep.cpu.")
)

; Distributed notifications
(allow distributed-notification-post)

; Security server
(allow mach-lookup (global-name "com.apple.SecurityServer"))

; Device I/O
(allow file-ioctl (literal "/dev/null"))
(allow file-ioctl (literal "/dev/zero"))
(allow file-ioctl (literal "/dev/random"))
(allow file-ioctl (literal "/dev/urandom"))
(allow file-ioctl (literal "/dev/tty"))

(allow file-ioctl file-read-data file-write-data
  (require-all
    (literal "/dev/null")
    (vnode-type CHARACTER-DEVICE)
  )
)

`

// GenerateSeatbeltProfile renders a complete (version 1) sandbox-exec
// profile for one command invocation.
func GenerateSeatbeltProfile(params SeatbeltParams, workspaceRoot string) string {
	logTag := "CMD64_" + EncodeSandboxedCommand(params.Command) + "_END" + sessionSuffix

	var profile strings.Builder
	profile.WriteString("(version 1)\n")
	fmt.Fprintf(&profile, "(deny default (with message %q))\n\n", logTag)
	fmt.Fprintf(&profile, "; LogTag: %s\n\n", logTag)
	profile.WriteString(baseProfileHeader)

	profile.WriteString("; Network\n")
	if !params.NeedsNetworkDenial {
		profile.WriteString("(allow network*)\n")
	} else {
		if params.AllowLocalBinding {
			profile.WriteString("(allow network-bind (local ip \"localhost:*\"))\n")
			profile.WriteString("(allow network-inbound (local ip \"localhost:*\"))\n")
			if params.AllowLocalOutbound {
				profile.WriteString("(allow network-outbound (local ip \"localhost:*\"))\n")
			}
		}
		if params.AllowAllUnixSockets {
			profile.WriteString("(allow network* (subpath \"/\"))\n")
		} else {
			for _, socketPath := range params.AllowUnixSockets {
				fmt.Fprintf(&profile, "(allow network* (subpath %s))\n", escapePath(NormalizePath(socketPath)))
			}
		}
		if params.HTTPProxyPort > 0 {
			p := strconv.Itoa(params.HTTPProxyPort)
			profile.WriteString("(allow network-bind (local ip \"localhost:" + p + "\"))\n")
			profile.WriteString("(allow network-inbound (local ip \"localhost:" + p + "\"))\n")
			profile.WriteString("(allow network-outbound (remote ip \"localhost:" + p + "\"))\n")
		}
		if params.SOCKSProxyPort > 0 {
			p := strconv.Itoa(params.SOCKSProxyPort)
			profile.WriteString("(allow network-bind (local ip \"localhost:" + p + "\"))\n")
			profile.WriteString("(allow network-inbound (local ip \"localhost:" + p + "\"))\n")
			profile.WriteString("(allow network-outbound (remote ip \"localhost:" + p + "\"))\n")
		}
	}
	profile.WriteString("\n")

	profile.WriteString("; File read\n")
	for _, rule := range generateReadRules(params.ReadDenyPaths, logTag) {
		profile.WriteString(rule + "\n")
	}
	profile.WriteString("\n; File write\n")
	for _, rule := range generateWriteRules(params.WriteAllowPaths, params.WriteDenyPaths, params.AllowGitConfig, workspaceRoot, logTag) {
		profile.WriteString(rule + "\n")
	}

	if params.AllowPty {
		profile.WriteString(`
; Pseudo-terminal support
(allow pseudo-tty)
(allow file-ioctl
  (literal "/dev/ptmx")
  (regex #"^/dev/ttys")
)
(allow file-read* file-write*
  (literal "/dev/ptmx")
  (regex #"^/dev/ttys")
)
`)
	}

	return profile.String()
}

// BuildSeatbeltArgv returns the argv for `env ... sandbox-exec -p <profile>
// <shell> -c <command>`, ready to pass to exec.Command("sh", "-c", argv) or
// split and exec'd directly.
func BuildSeatbeltArgv(params SeatbeltParams, workspaceRoot string, proxyEnv []string) (string, error) {
	shell := params.Shell
	if shell == "" {
		shell = "bash"
	}
	shellPath, err := exec.LookPath(shell)
	if err != nil {
		return "", fmt.Errorf("shell %q not found: %w", shell, err)
	}

	profile := GenerateSeatbeltProfile(params, workspaceRoot)

	argv := []string{"env"}
	argv = append(argv, proxyEnv...)
	argv = append(argv, "sandbox-exec", "-p", profile, shellPath, "-c", params.Command)

	return shellquote.Join(argv), nil
}

// GenerateProxyEnvVars returns the proxy-related environment variable
// assignments to inject into a sandboxed child given the HTTP and SOCKS
// proxy listener ports (0 meaning "not running").
func GenerateProxyEnvVars(httpPort, socksPort int) []string {
	env := []string{"CORRAL_SANDBOX=1", "TMPDIR=/tmp/corral"}

	if httpPort > 0 {
		httpURL := fmt.Sprintf("http://localhost:%d", httpPort)
		env = append(env,
			"HTTP_PROXY="+httpURL,
			"HTTPS_PROXY="+httpURL,
			"http_proxy="+httpURL,
			"https_proxy="+httpURL,
			"NO_PROXY=localhost,127.0.0.1",
			"no_proxy=localhost,127.0.0.1",
		)
	}

	if socksPort > 0 {
		socksURL := fmt.Sprintf("socks5h://localhost:%d", socksPort)
		env = append(env,
			"ALL_PROXY="+socksURL,
			"all_proxy="+socksURL,
			"FTP_PROXY="+socksURL,
			"GIT_SSH_COMMAND=ssh -o ProxyCommand=none",
		)
	}

	return env
}

// EncodeSandboxedCommand renders a command into a short, log-safe token
// that uniquely identifies it across a seatbelt session's violation log,
// without putting the raw (possibly sensitive) command text in a log
// predicate. Commands are truncated to 100 characters before encoding.
func EncodeSandboxedCommand(command string) string {
	if len(command) > 100 {
		command = command[:100]
	}
	return base64.RawURLEncoding.EncodeToString([]byte(command))
}

// DecodeSandboxedCommand reverses EncodeSandboxedCommand, for diagnostics.
func DecodeSandboxedCommand(encoded string) (string, error) {
	if encoded == "" {
		return "", nil
	}
	b, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
