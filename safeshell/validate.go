package safeshell

import "strings"

// validateCommand checks argv (argv[0] is the executable name) against the
// resolved policy's command whitelist and, when a matching External rule
// exists, its subcommand/flag/path-argument restrictions.
//
// Checks run in order (whitelist, subcommand, denied flags, required flags,
// path arguments) and the first failing check is returned; later checks are
// not evaluated. Grounded on cmd/agent-sandbox/cmd_exec.go's flag/path
// handling for the external rule semantics.
func validateCommand(argv []string, resolved *ResolvedPolicy, env Environment) error {
	if len(argv) == 0 {
		return newError(KindCommandBlocked, "empty command")
	}

	name := argv[0]

	if !resolved.AllAllowedCommands[name] {
		return &Error{Kind: KindCommandBlocked, Message: "command not whitelisted: " + name, BlockedCommand: name}
	}

	rule, hasRule := resolved.Policy.External[name]
	if !hasRule {
		return nil
	}

	args := argv[1:]

	subcommand, subIdx := firstPositional(args)
	if subcommand != "" && !rule.AllowAll {
		if !slicesContain(rule.Allow, subcommand) {
			return &Error{
				Kind:           KindSubcommandBlocked,
				Message:        "subcommand not whitelisted: " + name + " " + subcommand,
				BlockedCommand: name,
			}
		}
	}

	present := make(map[string]bool)

	for _, arg := range args {
		if !isFlag(arg) {
			continue
		}

		flag, _, _ := strings.Cut(arg, "=")
		present[flag] = true

		if matchAny(rule.DenyFlags, flag) {
			return &Error{
				Kind:           KindFlagDenied,
				Message:        "flag denied: " + name + " " + flag,
				BlockedCommand: name,
			}
		}
	}

	for _, required := range rule.RequireFlags {
		if !present[required] {
			return &Error{
				Kind:           KindFlagRequiredMissing,
				Message:        "required flag missing: " + name + " " + required,
				BlockedCommand: name,
			}
		}
	}

	if rule.PathArgs.AutoDetect || len(rule.PathArgs.Positions) > 0 {
		// Under AllowAll there is no subcommand allow-list, so the first
		// positional argument is an ordinary argument for path checks.
		if rule.AllowAll {
			subIdx = -1
		}

		if err := validatePathArgs(name, args, subIdx, rule, resolved, env); err != nil {
			return err
		}
	}

	return nil
}

// outputFlags names flags whose value is a write target (the output of a
// redirection-like convention) across common CLI tools, checked against
// WritePaths rather than ReadPaths.
var outputFlags = map[string]bool{
	"-o": true, "--output": true, "--output-file": true, "--out": true,
}

// outputCommands maps a command name to the positions (0-indexed into its
// argument list, after the subcommand) whose path argument is a write
// target rather than a read target, for commands where this can't be
// inferred from a flag alone (spec.md §4.4 point 3: "conservative default
// is write" covers anything not explicitly classified as read-only here).
var outputCommands = map[string][]int{
	"cp":    {1},
	"mv":    {1},
	"touch": {},
	"mkdir": {},
	"tee":   {},
}

// readOnlyCommands names commands whose (non-flag, non-output-flag) path
// arguments are read targets, the one exception to the conservative
// write-by-default rule.
var readOnlyCommands = map[string]bool{
	"cat": true, "grep": true, "less": true, "more": true, "head": true,
	"tail": true, "wc": true, "diff": true, "file": true, "ls": true,
	"find": true,
}

// validatePathArgs checks every argument that is treated as a path (either
// by explicit position or by auto-detection heuristics) against the
// resolved policy's read/write path grants. Per spec.md §4.4 point 3, an
// output-like argument (the target of a redirection-style flag, or a
// command-specific output position such as cp/mv's destination) is checked
// against WritePaths; everything else defaults to WritePaths too, since a
// path whose role can't be determined is conservatively treated as a
// write target. Only commands in readOnlyCommands get the more permissive
// ReadPaths check for their plain positional arguments.
func validatePathArgs(name string, args []string, subIdx int, rule ExternalRule, resolved *ResolvedPolicy, env Environment) error {
	positions := rule.PathArgs.Positions
	outPositions := outputCommands[name]
	readOnly := readOnlyCommands[name]

	argIdx := 0

	for i, arg := range args {
		if i == subIdx {
			continue
		}

		if name == "dd" {
			if v, ok := strings.CutPrefix(arg, "of="); ok {
				if rule.PathArgs.ValidateSandbox {
					if err := checkOutputPath(name, v, resolved, env); err != nil {
						return err
					}
				}

				continue
			}

			if v, ok := strings.CutPrefix(arg, "if="); ok {
				if rule.PathArgs.ValidateSandbox {
					if err := checkRead(v, resolved, env); err != nil {
						return &Error{
							Kind:           KindPathArgBlocked,
							Message:        "path argument outside sandbox: " + name + " " + arg,
							BlockedCommand: name,
						}
					}
				}

				continue
			}
		}

		if isFlag(arg) {
			flagName, _, _ := strings.Cut(arg, "=")
			if outputFlags[flagName] {
				value := flagValue(arg, args, i)
				if value != "" && rule.PathArgs.ValidateSandbox {
					if err := checkOutputPath(name, value, resolved, env); err != nil {
						return err
					}
				}
			}

			continue
		}

		isCandidate := len(positions) == 0
		if len(positions) > 0 {
			isCandidate = intsContain(positions, i)
		}

		isOutputPosition := intsContain(outPositions, argIdx)
		argIdx++

		if !isCandidate || !looksLikePath(arg) {
			continue
		}

		if !rule.PathArgs.ValidateSandbox {
			continue
		}

		write := !readOnly || isOutputPosition

		if write {
			if err := checkOutputPath(name, arg, resolved, env); err != nil {
				return err
			}

			continue
		}

		if err := checkRead(arg, resolved, env); err != nil {
			return &Error{
				Kind:           KindPathArgBlocked,
				Message:        "path argument outside sandbox: " + name + " " + arg,
				BlockedCommand: name,
			}
		}
	}

	return nil
}

// checkOutputPath adapts checkWrite's result to the KindPathArgBlocked
// taxonomy callers of validatePathArgs expect.
func checkOutputPath(name, arg string, resolved *ResolvedPolicy, env Environment) error {
	if err := checkWrite(arg, resolved, env); err != nil {
		return &Error{
			Kind:           KindPathArgBlocked,
			Message:        "path argument outside sandbox: " + name + " " + arg,
			BlockedCommand: name,
		}
	}

	return nil
}

// flagValue returns the value of a "--flag=value" or "--flag value" style
// argument at position i within args.
func flagValue(arg string, args []string, i int) string {
	if _, value, ok := strings.Cut(arg, "="); ok {
		return value
	}

	if i+1 < len(args) && !isFlag(args[i+1]) {
		return args[i+1]
	}

	return ""
}

// firstPositional returns the first non-flag argument in args and its
// index, or ("", -1) if there is none.
func firstPositional(args []string) (string, int) {
	for i, arg := range args {
		if !isFlag(arg) {
			return arg, i
		}
	}

	return "", -1
}

func isFlag(arg string) bool {
	return len(arg) > 0 && arg[0] == '-'
}

// looksLikePath is a conservative heuristic: an argument is treated as a
// path if it contains a path separator or refers to the current/parent
// directory. Bare words (e.g. a git subcommand's non-path option value)
// are left alone.
func looksLikePath(arg string) bool {
	return strings.ContainsRune(arg, '/') || arg == "." || arg == ".."
}

func slicesContain(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}

	return false
}

func intsContain(list []int, n int) bool {
	for _, v := range list {
		if v == n {
			return true
		}
	}

	return false
}
