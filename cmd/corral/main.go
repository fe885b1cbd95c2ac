// Package main implements the corral CLI.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/agentcorral/corral/internal/config"
	"github.com/agentcorral/corral/internal/driver"
	"github.com/agentcorral/corral/internal/isolation"
	"github.com/agentcorral/corral/internal/templates"
	"github.com/spf13/cobra"
)

// Build-time variables (set via -ldflags).
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

var (
	debug         bool
	settingsPath  string
	templateName  string
	listTemplates bool
	cmdString     string
	timeoutFlag   int
	showVersion   bool
	linuxFeatures bool
)

func main() {
	// The hidden self-re-exec entry point for the Linux landlock launcher
	// must be checked before cobra parses anything, since its argv shape
	// (a base64 grant, then "--", then the real command) isn't a flag set
	// cobra understands.
	if len(os.Args) >= 2 && os.Args[1] == driver.LandlockApplyFlag {
		runLandlockLauncher(os.Args[2:])
		return
	}

	exitCode := 0

	rootCmd := &cobra.Command{
		Use:   "corral [flags] -- [command...]",
		Short: "Run untrusted, AI-agent generated shell commands under policy, kernel isolation, and a filtering proxy",
		Long: `corral runs a shell command under three layers of defense: a regex-based
policy engine that rejects known-dangerous commands before anything spawns,
native kernel isolation (a Darwin seatbelt profile confining filesystem and
network access, or a Linux landlock ruleset confining filesystem access
only), and a loopback filtering proxy that gates outbound connections to an
explicit domain allow-list.

By default network access is blocked; the seatbelt profile enforces this on
Darwin, while the Linux landlock ruleset does not restrict network access.
Configure allowed domains in
~/.corral.json, pass a settings file with --settings, or use a built-in
template with --template.

Examples:
  corral curl https://example.com          # blocked under seatbelt (no domains allowed)
  corral -- curl -s https://example.com    # use -- to separate flags from the command
  corral -c "echo hello && ls"             # run with shell expansion
  corral --settings config.json npm install
  corral -t npm-install npm install        # built-in npm-install template
  corral -t coding-agent -- agent-cmd      # built-in coding-agent template
  corral --list-templates                  # show available built-in templates`,
		RunE:          runCommand,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.ArbitraryArgs,
	}

	rootCmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	rootCmd.Flags().StringVarP(&settingsPath, "settings", "s", "", "Path to settings file (default: ~/.corral.json)")
	rootCmd.Flags().StringVarP(&templateName, "template", "t", "", "Use a built-in template (see --list-templates)")
	rootCmd.Flags().BoolVar(&listTemplates, "list-templates", false, "List available templates")
	rootCmd.Flags().StringVarP(&cmdString, "c", "c", "", "Run a command string directly (like sh -c)")
	rootCmd.Flags().IntVar(&timeoutFlag, "timeout", 0, "Command timeout in seconds (default: 30)")
	rootCmd.Flags().BoolVarP(&showVersion, "version", "v", false, "Show version information")
	rootCmd.Flags().BoolVar(&linuxFeatures, "linux-features", false, "Show available Linux kernel isolation features and exit")

	rootCmd.Flags().SetInterspersed(true)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		exitCode = 1
	}
	os.Exit(exitCode)
}

func runCommand(cmd *cobra.Command, args []string) error {
	if showVersion {
		fmt.Printf("corral - kernel-isolated sandbox for untrusted agent commands\n")
		fmt.Printf("  Version: %s\n", version)
		fmt.Printf("  Built:   %s\n", buildTime)
		fmt.Printf("  Commit:  %s\n", gitCommit)
		return nil
	}

	if linuxFeatures {
		fmt.Println(isolation.DetectKernelFeatures().Summary())
		return nil
	}

	if listTemplates {
		printTemplates()
		return nil
	}

	var command string
	switch {
	case cmdString != "":
		command = cmdString
	case len(args) > 0:
		command = strings.Join(args, " ")
	default:
		return fmt.Errorf("no command specified. Use -c <command> or provide command arguments")
	}

	if debug {
		fmt.Fprintf(os.Stderr, "[corral] Command: %s\n", command)
	}

	cfg, err := resolveConfig()
	if err != nil {
		return err
	}

	timeout := 30 * time.Second
	if timeoutFlag > 0 {
		timeout = time.Duration(timeoutFlag) * time.Second
	}

	workspace, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to resolve working directory: %w", err)
	}

	d, err := driver.New(cfg, workspace, timeout, debug)
	if err != nil {
		return fmt.Errorf("failed to construct sandbox: %w", err)
	}
	defer d.Close()

	if debug {
		fmt.Fprintf(os.Stderr, "[corral] Kernel isolation: %s\n", d.Isolation())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	res, err := d.Execute(ctx, command, 0)
	if err != nil {
		return fmt.Errorf("execution failed: %w", err)
	}

	fmt.Fprint(os.Stdout, res.Stdout)
	fmt.Fprint(os.Stderr, res.Stderr)

	if res.TimedOut {
		fmt.Fprintln(os.Stderr, "[corral] command timed out")
	}

	os.Exit(res.ExitCode)
	return nil
}

// resolveConfig loads a configuration by priority: template > explicit
// settings file > default per-user path > deny-by-default.
func resolveConfig() (*config.Config, error) {
	switch {
	case templateName != "":
		cfg, err := templates.Load(templateName)
		if err != nil {
			return nil, fmt.Errorf("failed to load template: %w\nUse --list-templates to see available templates", err)
		}
		if debug {
			fmt.Fprintf(os.Stderr, "[corral] Using template: %s\n", templateName)
		}
		return cfg, nil

	case settingsPath != "":
		cfg, err := config.Load(settingsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		absPath, _ := filepath.Abs(settingsPath)
		cfg, err = templates.ResolveExtendsWithBaseDir(cfg, filepath.Dir(absPath))
		if err != nil {
			return nil, fmt.Errorf("failed to resolve extends: %w", err)
		}
		return cfg, nil

	default:
		configPath := config.DefaultConfigPath()
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		if cfg == nil {
			if debug {
				fmt.Fprintf(os.Stderr, "[corral] No config found at %s, using default (block all network)\n", configPath)
			}
			return config.Default(), nil
		}
		cfg, err = templates.ResolveExtendsWithBaseDir(cfg, filepath.Dir(configPath))
		if err != nil {
			return nil, fmt.Errorf("failed to resolve extends: %w", err)
		}
		return cfg, nil
	}
}

// printTemplates prints all available templates to stdout.
func printTemplates() {
	fmt.Println("Available templates:")
	fmt.Println()
	for _, t := range templates.List() {
		fmt.Printf("  %-20s %s\n", t.Name, t.Description)
	}
	fmt.Println()
	fmt.Println("Usage: corral -t <template> <command>")
	fmt.Println("Example: corral -t coding-agent -- git status")
}

// runLandlockLauncher is the self-re-exec entry point used on Linux:
// corral --landlock-apply-internal <grant> -- <argv...> applies the
// landlock ruleset to the current process, then execs argv. It never
// returns on success.
func runLandlockLauncher(rest []string) {
	if len(rest) == 0 {
		fmt.Fprintln(os.Stderr, "[corral:landlock] missing grant argument")
		os.Exit(1)
	}
	grant := rest[0]

	sepIdx := -1
	for i, a := range rest {
		if a == "--" {
			sepIdx = i
			break
		}
	}
	if sepIdx == -1 || sepIdx+1 >= len(rest) {
		fmt.Fprintln(os.Stderr, "[corral:landlock] missing -- separator before command")
		os.Exit(1)
	}

	argv := rest[sepIdx+1:]
	debugMode := os.Getenv("CORRAL_DEBUG") != ""

	if err := driver.RunLandlockLauncher(grant, argv, debugMode); err != nil {
		fmt.Fprintf(os.Stderr, "[corral:landlock] %v\n", err)
		os.Exit(1)
	}
}
