package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/safeshell/safeshell"
)

// dispatch routes a parsed command line onto the Orchestrator's operation
// surface. It mirrors the teacher's subcommand-after-flags shape
// (cmd/agent-sandbox/run.go) but fans out to named verbs instead of a
// single wrapped-command execution, since SafeShell exposes a handful of
// distinct operations rather than one "run this under the sandbox" verb.
//
// cliOverlay carries policy fields set via global --preset/--allow-cmd/
// --timeout flags; it is merged on top of any config-file policy when a
// shell is started, so a CLI override always wins (spec.md's "CLI beats
// config file beats preset default" precedence).
func dispatch(ctx context.Context, orch *safeshell.Orchestrator, stdout, stderr io.Writer, args []string, configPath string, cliOverlay safeshell.Policy) (int, error) {
	switch args[0] {
	case "shell":
		return dispatchShell(orch, stdout, args[1:], configPath, cliOverlay)
	case "exec":
		return dispatchExec(ctx, orch, stdout, args[1:])
	case "run":
		return dispatchRun(ctx, orch, stdout, args[1:])
	case "task":
		return dispatchTask(ctx, orch, stdout, args[1:])
	case "scripts":
		return dispatchScripts(ctx, orch, stdout, args[1:])
	case "retry":
		return dispatchRetry(ctx, orch, stdout, args[1:])
	case "check-import":
		return dispatchCheckImport(orch, stdout, args[1:])
	default:
		return 1, fmt.Errorf("unknown command %q", args[0])
	}
}

func dispatchShell(orch *safeshell.Orchestrator, stdout io.Writer, args []string, configPath string, cliOverlay safeshell.Policy) (int, error) {
	if len(args) == 0 {
		return 1, fmt.Errorf("shell: expected a subcommand (start, end, list)")
	}

	switch args[0] {
	case "start":
		flags := flag.NewFlagSet("shell start", flag.ContinueOnError)
		flags.SetOutput(io.Discard)

		flagPreset := flags.String("preset", string(safeshell.PresetStandard), "Base policy preset (strict|standard|permissive)")

		if err := flags.Parse(args[1:]); err != nil {
			return 1, fmt.Errorf("shell start: %w", err)
		}

		preset := safeshell.PresetName(*flagPreset)

		env, err := safeshell.DefaultEnvironment()
		if err != nil {
			return 1, err
		}

		overlay := safeshell.Policy{}

		if configPath != "" {
			overlay, err = safeshell.LoadPolicy(safeshell.LoadConfigInput{ExplicitPath: configPath})
			if err != nil {
				return 1, err
			}

			if overlay.Preset != "" {
				preset = overlay.Preset
			}
		}

		overlay = safeshell.MergePolicy(overlay, cliOverlay)
		if cliOverlay.Preset != "" {
			preset = cliOverlay.Preset
		}

		sh, err := orch.StartShell(preset, overlay, env)
		if err != nil {
			return 1, err
		}

		fprintln(stdout, sh.ID)

		return 0, nil

	case "end":
		if len(args) < 2 {
			return 1, fmt.Errorf("shell end: expected a shell id")
		}

		if err := orch.EndShell(args[1]); err != nil {
			return 1, err
		}

		return 0, nil

	case "list":
		for _, sh := range orch.ListShells() {
			fprintf(stdout, "%s\t%s\t%s\n", sh.ID, sh.Policy.Preset, sh.Status())
		}

		return 0, nil

	default:
		return 1, fmt.Errorf("shell: unknown subcommand %q", args[0])
	}
}

// dispatchExec runs a code fragment within a shell (spec.md §6's "exec
// {code,...}" operation), statically scanned and sandboxed rather than
// pre-validated argument by argument.
func dispatchExec(ctx context.Context, orch *safeshell.Orchestrator, stdout io.Writer, args []string) (int, error) {
	flags := flag.NewFlagSet("exec", flag.ContinueOnError)
	flags.SetInterspersed(false)
	flags.SetOutput(io.Discard)

	flagBG := flags.Bool("bg", false, "Return immediately instead of waiting for the script to finish")

	if err := flags.Parse(args); err != nil {
		return 1, fmt.Errorf("exec: %w", err)
	}

	rest := flags.Args()
	if len(rest) < 2 {
		return 1, fmt.Errorf("exec: expected <shell-id> <code>")
	}

	shellID := rest[0]
	code := strings.Join(rest[1:], " ")

	sc, err := orch.Run(ctx, shellID, code, *flagBG)
	if err != nil {
		return 1, err
	}

	if *flagBG {
		reportBackgroundResult(stdout, sc)
		return 0, nil
	}

	return awaitAndReport(ctx, orch, stdout, shellID, sc)
}

// dispatchRun validates and runs a single whitelisted command plus
// arguments within a shell (spec.md §6's "run <command> [args...]"
// operation).
func dispatchRun(ctx context.Context, orch *safeshell.Orchestrator, stdout io.Writer, args []string) (int, error) {
	flags := flag.NewFlagSet("run", flag.ContinueOnError)
	flags.SetInterspersed(false)
	flags.SetOutput(io.Discard)

	flagBG := flags.Bool("bg", false, "Return immediately instead of waiting for the command to finish")
	flagDryRun := flags.Bool("dry-run", false, "Validate the command and print its child environment without running it")

	if err := flags.Parse(args); err != nil {
		return 1, fmt.Errorf("run: %w", err)
	}

	rest := flags.Args()
	if len(rest) < 2 {
		return 1, fmt.Errorf("run: expected <shell-id> -- <command> [args...]")
	}

	shellID := rest[0]
	argv := rest[1:]

	if len(argv) > 0 && argv[0] == "--" {
		argv = argv[1:]
	}

	if len(argv) == 0 {
		return 1, fmt.Errorf("run: expected a command after <shell-id>")
	}

	if *flagDryRun {
		env, err := orch.DryRunCommand(shellID, argv)
		if err != nil {
			return 1, err
		}

		for _, k := range sortedKeys(env) {
			fprintf(stdout, "%s=%s\n", k, env[k])
		}

		return 0, nil
	}

	sc, err := orch.Exec(ctx, shellID, argv, *flagBG)
	if err != nil {
		return 1, err
	}

	if *flagBG {
		reportBackgroundResult(stdout, sc)
		return 0, nil
	}

	return awaitAndReport(ctx, orch, stdout, shellID, sc)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j] < keys[j-1]; j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}

	return keys
}

// reportBackgroundResult prints the bg-result shape spec.md names for a
// backgrounded script: its id, pid, and owning shell, instead of blocking
// on WaitScript/GetScriptOutput.
func reportBackgroundResult(stdout io.Writer, sc *safeshell.Script) {
	fprintf(stdout, "scriptId=%s pid=%d shellId=%s background=true\n", sc.ID, sc.PID(), sc.ShellID)
}

func dispatchTask(ctx context.Context, orch *safeshell.Orchestrator, stdout io.Writer, args []string) (int, error) {
	if len(args) < 2 {
		return 1, fmt.Errorf("task: expected <shell-id> <task-name>")
	}

	scripts, err := orch.Task(ctx, args[0], args[1])
	if err != nil {
		return 1, err
	}

	exitCode := 0

	for _, sc := range scripts {
		if _, err := awaitAndReport(ctx, orch, stdout, args[0], sc); err != nil {
			exitCode = 1
		}
	}

	return exitCode, nil
}

func awaitAndReport(ctx context.Context, orch *safeshell.Orchestrator, stdout io.Writer, shellID string, sc *safeshell.Script) (int, error) {
	sc, err := orch.WaitScript(ctx, shellID, sc.ID)
	if err != nil {
		return 1, err
	}

	out, _, err := orch.GetScriptOutput(shellID, sc.ID, 0)
	if err != nil {
		return 1, err
	}

	stdout.Write(out)

	if sc.Status() != safeshell.ScriptSucceeded {
		return sc.ExitCode(), fmt.Errorf("script %s finished with status %s", sc.ID, sc.Status())
	}

	return sc.ExitCode(), nil
}

func dispatchScripts(ctx context.Context, orch *safeshell.Orchestrator, stdout io.Writer, args []string) (int, error) {
	if len(args) == 0 {
		return 1, fmt.Errorf("scripts: expected a subcommand (list, wait, kill, output)")
	}

	switch args[0] {
	case "list":
		flags := flag.NewFlagSet("scripts list", flag.ContinueOnError)
		flags.SetOutput(io.Discard)

		flagBG := flags.String("background", "", "Filter by background status (true|false); empty means any")
		flagLimit := flags.Int("limit", 0, "Cap the number of scripts returned; 0 means unbounded")

		if err := flags.Parse(args[1:]); err != nil {
			return 1, fmt.Errorf("scripts list: %w", err)
		}

		rest := flags.Args()
		if len(rest) < 1 {
			return 1, fmt.Errorf("scripts list: expected <shell-id>")
		}

		var background *bool

		if *flagBG != "" {
			parsed, err := strconv.ParseBool(*flagBG)
			if err != nil {
				return 1, fmt.Errorf("scripts list: invalid --background %q: %w", *flagBG, err)
			}

			background = &parsed
		}

		for _, sc := range orch.ListScripts(rest[0], "", background, *flagLimit) {
			fprintf(stdout, "%s\t%s\t%d\t%t\n", sc.ID, sc.Status(), sc.ExitCode(), sc.Background)
		}

		return 0, nil

	case "wait":
		if len(args) < 3 {
			return 1, fmt.Errorf("scripts wait: expected <shell-id> <script-id>")
		}

		sc, err := orch.WaitScript(ctx, args[1], args[2])
		if err != nil {
			return 1, err
		}

		fprintln(stdout, sc.Status())

		return sc.ExitCode(), nil

	case "kill":
		if len(args) < 3 {
			return 1, fmt.Errorf("scripts kill: expected <shell-id> <script-id>")
		}

		if err := orch.KillScript(args[1], args[2]); err != nil {
			return 1, err
		}

		return 0, nil

	case "output":
		if len(args) < 3 {
			return 1, fmt.Errorf("scripts output: expected <shell-id> <script-id> [offset]")
		}

		var offset int64

		if len(args) > 3 {
			parsed, err := strconv.ParseInt(args[3], 10, 64)
			if err != nil {
				return 1, fmt.Errorf("scripts output: invalid offset %q: %w", args[3], err)
			}

			offset = parsed
		}

		data, truncated, err := orch.GetScriptOutput(args[1], args[2], offset)
		if err != nil {
			return 1, err
		}

		stdout.Write(data)

		if truncated {
			fprintln(stdout, "\n[output truncated]")
		}

		return 0, nil

	default:
		return 1, fmt.Errorf("scripts: unknown subcommand %q", args[0])
	}
}

func dispatchCheckImport(orch *safeshell.Orchestrator, stdout io.Writer, args []string) (int, error) {
	if len(args) < 2 {
		return 1, fmt.Errorf("check-import: expected <shell-id> <specifier>")
	}

	if err := orch.CheckImport(args[0], args[1]); err != nil {
		return 1, err
	}

	fprintln(stdout, "allowed")

	return 0, nil
}

func dispatchRetry(ctx context.Context, orch *safeshell.Orchestrator, stdout io.Writer, args []string) (int, error) {
	if len(args) < 1 {
		return 1, fmt.Errorf("retry: expected <retry-id>")
	}

	sc, err := orch.Retry(ctx, args[0])
	if err != nil {
		return 1, err
	}

	return awaitAndReport(ctx, orch, stdout, sc.ShellID, sc)
}

// parseTimeoutFlag is a small indirection kept next to the dispatch table
// so run.go's flag parsing and this file's Policy-building logic agree on
// the same duration format (time.ParseDuration, e.g. "30s").
func parseTimeoutFlag(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}

	return time.ParseDuration(s)
}
