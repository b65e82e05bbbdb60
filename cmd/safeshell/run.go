package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/safeshell/safeshell"
)

const (
	safeshellExecutableName = "safeshell"

	// exitCodeSIGINT is the exit code when the process is interrupted by SIGINT (128 + 2).
	exitCodeSIGINT = 130

	// cleanupTimeout is how long to wait for graceful shutdown before force-killing.
	cleanupTimeout = 10 * time.Second
)

// Run is the CLI entry point, isolated from global state (stdin/stdout/
// stderr/env) so it can be driven from tests. Returns the process exit
// code. sigCh may be nil when signal handling isn't needed.
//
// Grounded on the teacher's Run (cmd/agent-sandbox/run.go): same
// top-level flag parsing shape (pflag with SetInterspersed(false) so a
// subcommand's own flags aren't swallowed), same two-stage
// terminate-then-kill shutdown driven by a background goroutine racing
// sigCh and a cleanup timeout.
func Run(stdin io.Reader, stdout, stderr io.Writer, args []string, env map[string]string, sigCh <-chan os.Signal) int {
	flags := flag.NewFlagSet(safeshellExecutableName, flag.ContinueOnError)
	flags.SetInterspersed(false)
	flags.Usage = func() {}
	flags.SetOutput(io.Discard)

	flagHelp := flags.BoolP("help", "h", false, "Show help")
	flagDebug := flags.Bool("debug", false, "Enable verbose trace logging to stderr")
	flagBaseDir := flags.String("base-dir", "", "Override the state/script cache directory")
	flagConfig := flags.String("config", "", "Policy file layered onto the preset (no global or project discovery)")
	flagPreset := flags.String("preset", "", "Override the shell's base policy preset (strict|standard|permissive)")
	flagAllowCmd := flags.StringSlice("allow-cmd", nil, "Additional command(s) to whitelist, beyond the preset/config policy")
	flagTimeout := flags.String("timeout", "", "Override the per-script execution timeout (e.g. 30s)")

	if err := flags.Parse(args); err != nil {
		fprintError(stderr, err)
		printUsage(stderr)

		return 1
	}

	rest := flags.Args()

	if *flagHelp || len(rest) == 0 {
		printUsage(stdout)
		return 0
	}

	cliOverlay := safeshell.Policy{}

	if *flagPreset != "" {
		cliOverlay.Preset = safeshell.PresetName(*flagPreset)
	}

	if len(*flagAllowCmd) > 0 {
		cliOverlay.Permissions.Run = *flagAllowCmd
	}

	if *flagTimeout != "" {
		timeout, err := parseTimeoutFlag(*flagTimeout)
		if err != nil {
			fprintError(stderr, fmt.Errorf("invalid --timeout %q: %w", *flagTimeout, err))
			return 1
		}

		cliOverlay.Timeout = timeout
	}

	level := slog.LevelWarn
	if *flagDebug {
		level = slog.LevelDebug
	}

	logger := safeshell.NewLogger(stderr, level)

	orch, err := safeshell.NewOrchestrator(safeshell.Config{BaseDir: *flagBaseDir, Logger: logger})
	if err != nil {
		fprintError(stderr, err)
		return 1
	}

	killCtx, kill := context.WithCancel(context.Background())
	defer kill()

	termCtx, terminate := context.WithCancel(killCtx)
	defer terminate()

	type cliResult struct {
		exitCode int
		err      error
	}

	done := make(chan cliResult, 1)

	go func() {
		code, runErr := dispatch(termCtx, orch, stdout, stderr, rest, *flagConfig, cliOverlay)
		if closeErr := orch.Close(); closeErr != nil && runErr == nil {
			runErr = closeErr
		}

		done <- cliResult{exitCode: code, err: runErr}
	}()

	if sigCh == nil {
		result := <-done
		return finish(stderr, result.exitCode, result.err)
	}

	select {
	case result := <-done:
		return finish(stderr, result.exitCode, result.err)
	case <-sigCh:
		fprintln(stderr, "Interrupted, waiting up to 10s for cleanup... (Ctrl+C again to force exit)")
		terminate()
	}

	select {
	case result := <-done:
		if result.err != nil {
			fprintError(stderr, result.err)
		}

		fprintln(stderr, "Cleanup complete.")

		return exitCodeSIGINT
	case <-time.After(cleanupTimeout):
		fprintln(stderr, "Cleanup timed out, forced exit.")
		kill()
		<-done

		return exitCodeSIGINT
	case <-sigCh:
		fprintln(stderr, "Forced exit.")
		kill()
		<-done

		return exitCodeSIGINT
	}
}

func finish(stderr io.Writer, code int, err error) int {
	if err != nil {
		fprintError(stderr, err)

		if code == 0 {
			code = 1
		}
	}

	return code
}

const usageHelp = `safeshell - sandboxed execution service for AI assistants and agents

Usage: safeshell [flags] <command> [args]

Commands:
  shell start [--preset strict|standard|permissive]
  shell end <shell-id>
  shell list
  exec [--bg] <shell-id> <code>
  run [--bg] [--dry-run] <shell-id> -- <command> [args...]
  task <shell-id> <task-name>
  scripts list <shell-id> [--background true|false] [--limit n]
  scripts wait <shell-id> <script-id>
  scripts kill <shell-id> <script-id>
  scripts output <shell-id> <script-id> [offset]
  check-import <shell-id> <specifier>
  retry <retry-id>

Flags:
  -h, --help            Show help
      --debug           Enable verbose trace logging to stderr
      --base-dir dir    Override the state/script cache directory
      --config file     Policy file layered onto the preset (no discovery)
      --preset name     Override the shell's base policy preset
      --allow-cmd cmd   Additional command(s) to whitelist (repeatable)
      --timeout dur     Override the per-script execution timeout (e.g. 30s)`

func printUsage(out io.Writer) {
	fprintln(out, usageHelp)
}

func fprintln(out io.Writer, a ...any) {
	_, _ = fmt.Fprintln(out, a...)
}

func fprintf(out io.Writer, format string, a ...any) {
	_, _ = fmt.Fprintf(out, format, a...)
}

func fprintError(out io.Writer, err error) {
	fprintln(out, "safeshell: error:", err)
}
