// Package driver wires the policy engine, kernel isolation backend, and
// filtering proxy together into one execute() call, mirroring the Python
// prototype's NativeSandbox: check the policy, lazily start the proxy,
// build a platform-specific argv, spawn, and turn a timeout into a result
// instead of an error.
package driver

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"time"

	"github.com/agentcorral/corral/internal/config"
	"github.com/agentcorral/corral/internal/isolation"
	"github.com/agentcorral/corral/internal/network"
	"github.com/agentcorral/corral/internal/policy"
	"github.com/agentcorral/corral/internal/proxy"
	"github.com/agentcorral/corral/internal/result"
)

// defaultMaxOutputBytes is the per-stream truncation cap, per §4.H.
const defaultMaxOutputBytes = 30_000

// LandlockApplyFlag is the hidden flag cmd/corral registers for the
// self-re-exec launcher step: `corral --landlock-apply-internal <grant> --
// <argv...>` installs a landlock ruleset in the current process, then
// execve's argv. There is no second helper binary on Linux; the module is
// its own launcher.
const LandlockApplyFlag = "--landlock-apply-internal"

// Driver executes commands against one configuration: it owns the policy
// engine, the lazily-started proxy pair, and the kernel isolation choice.
type Driver struct {
	cfg       *config.Config
	workspace string
	timeout   time.Duration
	debug     bool

	policyEngine  *policy.Engine
	allow         *network.Allowlist
	deny          *network.Allowlist
	networkMode   result.NetworkMode
	isolationKind result.KernelIsolation

	mu         sync.Mutex
	closed     bool
	httpProxy  *proxy.HTTPProxy
	socksProxy *proxy.SOCKSProxy
	proxyPort  int
	socksPort  int
}

// New constructs a Driver from a resolved configuration. It validates the
// PARANOID-without-allow-list case up front, as a ConfigurationError,
// matching spec.md §7's construction-time error taxonomy.
func New(cfg *config.Config, workspace string, timeout time.Duration, debug bool) (*Driver, error) {
	if cfg == nil {
		cfg = config.Default()
	}

	engine, err := buildPolicyEngine(cfg)
	if err != nil {
		return nil, err
	}

	d := &Driver{
		cfg:           cfg,
		workspace:     workspace,
		timeout:       timeout,
		debug:         debug,
		policyEngine:  engine,
		allow:         network.NewAllowlist(cfg.Network.AllowedDomains...),
		deny:          network.NewAllowlist(cfg.Network.DeniedDomains...),
		networkMode:   result.NetworkMode(cfg.Network.Mode),
		isolationKind: isolation.Select(),
	}
	if d.networkMode == "" {
		d.networkMode = result.NetworkBlocked
	}
	return d, nil
}

func buildPolicyEngine(cfg *config.Config) (*policy.Engine, error) {
	var (
		engine *policy.Engine
		err    error
	)

	level := result.SecurityLevel(cfg.Security.Level)
	useDefaults := cfg.Security.UseDefaultDeniedCommands()

	switch level {
	case result.Permissive:
		engine = policy.NewPermissive()
	case result.Paranoid:
		engine, err = policy.NewParanoid(cfg.Security.AllowedCommands)
		if err != nil {
			return nil, err
		}
	default:
		engine = policy.NewStandard()
	}

	if !useDefaults && level != result.Permissive {
		// useDefaults=false means the caller wants a clean slate instead of
		// the seeded DefaultBlockedPatterns; the config's own allow/deny
		// lists (applied below) are the only rules this engine starts with.
		if level == result.Paranoid {
			engine, err = policy.NewParanoidWithoutDefaults(cfg.Security.AllowedCommands)
			if err != nil {
				return nil, err
			}
		} else {
			engine = policy.NewStandardWithoutDefaults()
		}
	}

	for _, name := range cfg.Security.AllowedCommands {
		engine.AddAllowedCommand(name)
	}
	for _, prefix := range cfg.Security.Allow {
		engine.AddCommandAllow(prefix)
	}
	for _, prefix := range cfg.Security.Deny {
		engine.AddCommandDeny(prefix)
	}

	return engine, nil
}

// Execute runs one command to completion, implementing §4.H's seven steps.
// timeoutOverride of 0 means "use the driver's configured default".
func (d *Driver) Execute(ctx context.Context, command string, timeoutOverride time.Duration) (result.CommandResult, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return result.CommandResult{}, &ClosedError{}
	}
	d.mu.Unlock()

	checkedCommand, err := d.policyEngine.Check(command)
	if err != nil {
		return result.CommandResult{}, err
	}

	proxyPort, socksPort, err := d.ensureProxy()
	if err != nil {
		return result.CommandResult{}, fmt.Errorf("failed to start filtering proxy: %w", err)
	}

	env := isolation.HardenedEnv()
	env = append(env, isolation.GenerateProxyEnvVars(proxyPort, socksPort)...)
	if d.debug {
		// Propagated so a landlock self-re-exec (cmd/corral's
		// --landlock-apply-internal handler) knows to log too.
		env = append(env, "CORRAL_DEBUG=1")
	}

	name, args, err := d.buildArgv(checkedCommand, proxyPort, socksPort)
	if err != nil {
		return result.CommandResult{}, fmt.Errorf("failed to build sandboxed command: %w", err)
	}

	timeout := d.timeout
	if timeoutOverride > 0 {
		timeout = timeoutOverride
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, name, args...) //nolint:gosec // argv built from validated config and checked command
	cmd.Dir = d.workspace
	cmd.Env = env

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	if execCtx.Err() == context.DeadlineExceeded {
		return result.CommandResult{
			Stdout:   "",
			Stderr:   "Command timed out.",
			ExitCode: -1,
			TimedOut: true,
		}, nil
	}

	exitCode := 0
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return result.CommandResult{}, &ExecutionError{Cause: runErr}
		}
	}

	outStr, outTrunc := capOutput(stdout.String(), defaultMaxOutputBytes)
	errStr, errTrunc := capOutput(stderr.String(), defaultMaxOutputBytes)

	return result.CommandResult{
		Stdout:    outStr,
		Stderr:    errStr,
		ExitCode:  exitCode,
		Truncated: outTrunc || errTrunc,
	}, nil
}

// capOutput applies §4.H's output cap: truncate at maxBytes and append the
// standard marker noting how much was removed.
func capOutput(s string, maxBytes int) (string, bool) {
	if len(s) <= maxBytes {
		return s, false
	}
	removed := len(s) - maxBytes
	return s[:maxBytes] + fmt.Sprintf("\n\n[Truncated: %d characters removed]", removed), true
}

// ensureProxy starts the HTTP/SOCKS proxy pair on first ALLOWLIST execution
// and returns their ports (0, 0 when network mode doesn't need a proxy).
// Guarded by the driver's mutex so two concurrent first-calls still produce
// exactly one proxy pair, per §5's linearizable-startup guarantee.
func (d *Driver) ensureProxy() (httpPort, socksPort int, err error) {
	if d.networkMode != result.NetworkAllowlist {
		return 0, 0, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.httpProxy != nil {
		return d.proxyPort, d.socksPort, nil
	}

	authorize := proxy.NewAuthorizer(d.allow, d.deny, d.debug)

	d.httpProxy = proxy.NewHTTPProxy(authorize, d.debug)
	httpPort, err = d.httpProxy.Start()
	if err != nil {
		d.httpProxy = nil
		return 0, 0, err
	}

	d.socksProxy = proxy.NewSOCKSProxy(authorize, d.debug)
	socksPort, err = d.socksProxy.Start()
	if err != nil {
		_ = d.httpProxy.Stop()
		d.httpProxy = nil
		return 0, 0, err
	}

	d.proxyPort = httpPort
	d.socksPort = socksPort
	return httpPort, socksPort, nil
}

// buildArgv asks the isolation-specific builder (§4.D/4.E) for the argv
// that runs command under the detected backend, falling back to a bare
// shell invocation when isolation is NONE.
func (d *Driver) buildArgv(command string, httpPort, socksPort int) (name string, args []string, err error) {
	allowNetwork := d.networkMode != result.NetworkBlocked

	switch d.isolationKind {
	case result.IsolationSeatbelt:
		params := d.seatbeltParams(command, allowNetwork, httpPort, socksPort)
		argvString, err := isolation.BuildSeatbeltArgv(params, d.workspace, nil)
		if err != nil {
			return "", nil, err
		}
		return "sh", []string{"-c", argvString}, nil

	case result.IsolationLandlock:
		grant := d.workspaceGrant()
		encoded, err := encodeGrant(grant)
		if err != nil {
			return "", nil, err
		}
		self, err := os.Executable()
		if err != nil {
			return "", nil, fmt.Errorf("failed to resolve self executable for landlock launch: %w", err)
		}
		shell := shellName()
		return self, []string{LandlockApplyFlag, encoded, "--", shell, "-c", command}, nil

	default:
		return shellName(), []string{"-c", command}, nil
	}
}

func shellName() string {
	if runtime.GOOS == "windows" {
		return "cmd"
	}
	return "bash"
}

func (d *Driver) seatbeltParams(command string, allowNetwork bool, httpPort, socksPort int) isolation.SeatbeltParams {
	return isolation.SeatbeltParams{
		Command:             command,
		NeedsNetworkDenial:  !allowNetwork,
		HTTPProxyPort:       httpPort,
		SOCKSProxyPort:      socksPort,
		AllowUnixSockets:    d.cfg.Network.AllowUnixSockets,
		AllowLocalBinding:   d.cfg.Network.AllowLocalBinding,
		AllowLocalOutbound:  d.cfg.Network.AllowLocalOutbound == nil || *d.cfg.Network.AllowLocalOutbound,
		ReadDenyPaths:       d.cfg.Workspace.DenyRead,
		WriteAllowPaths:     d.writeAllowPaths(),
		WriteDenyPaths:      d.cfg.Workspace.DenyWrite,
		AllowPty:            d.cfg.AllowPty,
		AllowGitConfig:      d.cfg.Workspace.AllowGitConfig,
	}
}

func (d *Driver) workspaceGrant() isolation.WorkspaceGrant {
	return isolation.WorkspaceGrant{
		WorkspaceRoot:  d.workspace,
		SocketDirs:     d.cfg.Network.AllowUnixSockets,
		ReadOnlyExtra:  d.cfg.Workspace.DenyRead,
		ReadWriteExtra: d.writeAllowPaths(),
	}
}

// writeAllowPaths combines the configured write-allow list with the
// default writable device/cache paths every command needs regardless of
// configuration (stdout/stderr/null/tty, the corral cache directory).
func (d *Driver) writeAllowPaths() []string {
	paths := append([]string{}, d.cfg.Workspace.AllowWrite...)
	paths = append(paths, isolation.DefaultWritablePaths()...)
	if d.workspace != "" {
		paths = append(paths, d.workspace)
	}
	return paths
}

// Close stops the proxy pair, if running. Idempotent, per §4.I.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true

	var firstErr error
	if d.socksProxy != nil {
		if err := d.socksProxy.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if d.httpProxy != nil {
		if err := d.httpProxy.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Isolation reports the kernel isolation backend in effect, for
// diagnostics and tests.
func (d *Driver) Isolation() result.KernelIsolation {
	return d.isolationKind
}

// encodeGrant renders a WorkspaceGrant as a single base64 token suitable
// for passing across the self-re-exec boundary as one argv entry.
func encodeGrant(grant isolation.WorkspaceGrant) (string, error) {
	data, err := json.Marshal(grant)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// decodeGrant reverses encodeGrant. RunLandlockLauncher, which cmd/corral's
// --landlock-apply-internal handler calls, uses it to read the grant.
func decodeGrant(encoded string) (isolation.WorkspaceGrant, error) {
	var grant isolation.WorkspaceGrant
	data, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return grant, err
	}
	if err := json.Unmarshal(data, &grant); err != nil {
		return grant, err
	}
	return grant, nil
}

// RunLandlockLauncher is the self-re-exec entry point: it decodes the
// workspace grant, installs the landlock ruleset on the current process,
// and then execve's the real command. It never returns on success — the
// process image is replaced. It returns an error if the grant cannot be
// decoded, or, after the ruleset is already in place, if argv is empty,
// argv[0] cannot be resolved, or execve fails.
func RunLandlockLauncher(encodedGrant string, argv []string, debug bool) error {
	grant, err := decodeGrant(encodedGrant)
	if err != nil {
		return fmt.Errorf("failed to decode landlock grant: %w", err)
	}
	if err := isolation.ApplyWorkspace(grant, debug); err != nil {
		return fmt.Errorf("failed to apply landlock ruleset: %w", err)
	}
	if len(argv) == 0 {
		return fmt.Errorf("no command given to landlock launcher")
	}

	execPath, err := exec.LookPath(argv[0])
	if err != nil {
		return fmt.Errorf("failed to resolve %q: %w", argv[0], err)
	}
	return execveSelf(execPath, argv, os.Environ())
}
