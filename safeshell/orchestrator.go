package safeshell

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// shInterpreter is the interpreter used to run materialized scripts. It is
// always implicitly permitted; command-whitelist checks apply to the
// commands a script itself invokes, not to the shell interpreter running
// the script body.
const shInterpreter = "/bin/sh"

// Config configures an Orchestrator.
type Config struct {
	// BaseDir holds the materialized-script cache and the persistence
	// snapshot. Defaults to $XDG_STATE_HOME/safeshell or ~/.local/state/safeshell.
	BaseDir string

	// MaxShells bounds resident shells (see shellManager). Zero uses
	// defaultMaxShells.
	MaxShells int

	Logger *slog.Logger
}

// Orchestrator is the public entry point for SafeShell: it wires the
// policy, validation, sandboxing, execution, persistence, and retry
// subsystems together behind shell/script/task-shaped operations.
type Orchestrator struct {
	shells       *shellManager
	retries      *retryManager
	persist      *persistence
	materializer *materializer
	logger       *slog.Logger
	baseDir      string
}

// NewOrchestrator constructs an Orchestrator, creating its base directory
// and loading any prior persisted state.
func NewOrchestrator(cfg Config) (*Orchestrator, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	baseDir := cfg.BaseDir
	if baseDir == "" {
		var err error

		baseDir, err = defaultBaseDir()
		if err != nil {
			return nil, err
		}
	}

	if err := os.MkdirAll(baseDir, 0o700); err != nil {
		return nil, wrapError(KindInternal, err, "create base directory %q", baseDir)
	}

	persist, err := newPersistence(filepath.Join(baseDir, "snapshot.json"))
	if err != nil {
		return nil, err
	}

	o := &Orchestrator{
		shells:       newShellManager(cfg.MaxShells, nil),
		retries:      newRetryManager(nil),
		persist:      persist,
		materializer: newMaterializer(filepath.Join(baseDir, "scripts")),
		logger:       logger,
		baseDir:      baseDir,
	}

	snap, err := persist.load()
	if err != nil {
		return nil, err
	}

	o.rehydrate(snap)

	return o, nil
}

func defaultBaseDir() (string, error) {
	if xdg := os.Getenv("XDG_STATE_HOME"); xdg != "" {
		return filepath.Join(xdg, "safeshell"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", wrapError(KindInternal, err, "resolve home directory for default base dir")
	}

	return filepath.Join(home, ".local", "state", "safeshell"), nil
}

// rehydrate reconstructs dormant Shell/Script records from a loaded
// snapshot. Scripts recorded as running whose PID no longer exists have
// already been reaped to ScriptFailed by persistence.load's stale-pid probe.
// A script whose PID is still alive is restored with its running status but
// without a process handle, so it cannot be killed and gathers no output.
func (o *Orchestrator) rehydrate(snap snapshotFile) {
	for _, ps := range snap.Shells {
		resolved, err := resolvePolicy(ps.Policy, ps.Env)
		if err != nil {
			o.logger.Warn("skipping shell with invalid persisted policy", "shell_id", ps.ID, "error", err)
			continue
		}

		sh := newShell(ps.ID, ps.Policy, resolved, ps.Env, ps.CreatedAt)
		sh.LastUsedAt = ps.LastUsedAt

		if ps.Status == ShellEnded {
			sh.end()
		}

		o.shells.shells[ps.ID] = sh
	}

	for _, pc := range snap.Scripts {
		sh, ok := o.shells.shells[pc.ShellID]
		if !ok {
			continue
		}

		sc := newScript(pc.ID, pc.ShellID, pc.Argv, pc.MaterializedPath, pc.CodeLineOffset, pc.Background, pc.CreatedAt)
		sc.finish(pc.Status, pc.ExitCode, nil, pc.EndedAt)
		sh.addScript(sc)
	}
}

// Close flushes any pending snapshot write and releases the persistence
// lock.
func (o *Orchestrator) Close() error {
	o.snapshotNow()
	return o.persist.close()
}

func (o *Orchestrator) snapshotAsync() {
	o.persist.save(o.buildSnapshot())
}

func (o *Orchestrator) snapshotNow() {
	_ = o.persist.writeNow(o.buildSnapshot())
}

func (o *Orchestrator) buildSnapshot() snapshotFile {
	var snap snapshotFile

	for _, sh := range o.shells.list() {
		snap.Shells = append(snap.Shells, persistedShell{
			ID:         sh.ID,
			Policy:     sh.Policy,
			Env:        sh.Env,
			Status:     sh.Status(),
			CreatedAt:  sh.CreatedAt,
			LastUsedAt: sh.LastUsedAt,
		})

		for _, sc := range sh.listScripts() {
			snap.Scripts = append(snap.Scripts, persistedScript{
				ID:               sc.ID,
				ShellID:          sc.ShellID,
				Argv:             sc.Argv,
				MaterializedPath: sc.MaterializedPath,
				CodeLineOffset:   sc.CodeLineOffset,
				Background:       sc.Background,
				Status:           sc.Status(),
				ExitCode:         sc.ExitCode(),
				PID:              sc.PID(),
				CreatedAt:        sc.CreatedAt,
				EndedAt:          sc.EndedAt(),
			})
		}
	}

	return snap
}

// StartShell creates a new shell from preset overlaid with overlay, bound
// to env.
func (o *Orchestrator) StartShell(preset PresetName, overlay Policy, env Environment) (*Shell, error) {
	base, err := BasePolicy(preset)
	if err != nil {
		return nil, err
	}

	policy := MergePolicy(base, overlay)

	resolved, err := resolvePolicy(policy, env)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()

	sh, err := o.shells.create(id, policy, resolved, cloneEnvironment(env))
	if err != nil {
		return nil, err
	}

	o.logger.Info("shell started", "shell_id", id, "preset", preset)
	o.snapshotAsync()

	return sh, nil
}

// EndShell kills every script still running within the shell, clears their
// buffered output, and then ends the shell (spec.md §4.11 C11: ending a
// shell must not leave orphaned processes or retained buffers behind).
func (o *Orchestrator) EndShell(shellID string) error {
	sh, ok := o.shells.get(shellID)
	if !ok {
		return newError(KindNotFound, "shell not found: %s", shellID)
	}

	for _, sc := range sh.listScripts() {
		if sc.Status() != ScriptRunning {
			continue
		}

		if err := sc.kill(); err != nil {
			continue
		}

		_ = sc.wait(context.Background())
		sc.out.clear()
	}

	if err := o.shells.end(shellID); err != nil {
		return err
	}

	o.logger.Info("shell ended", "shell_id", shellID)
	o.snapshotAsync()

	return nil
}

// ListShells returns every resident shell.
func (o *Orchestrator) ListShells() []*Shell {
	return o.shells.list()
}

// ListScripts returns scripts across shells, most-recent-first, optionally
// filtered by shellID, status (empty string means "any"), and background
// (nil means "any"). limit caps the result length; 0 means unbounded.
func (o *Orchestrator) ListScripts(shellID string, status ScriptStatus, background *bool, limit int) []*Script {
	return o.shells.listScripts(shellID, status, background, limit)
}

func (o *Orchestrator) getShell(shellID string) (*Shell, error) {
	sh, ok := o.shells.get(shellID)
	if !ok {
		return nil, newError(KindNotFound, "shell not found: %s", shellID)
	}

	if sh.Status() != ShellActive {
		return nil, newError(KindNotFound, "shell not active: %s", shellID)
	}

	return sh, nil
}

// Exec validates and runs an external command (argv[0] plus arguments)
// within shellID. On a capability failure that a human could plausibly
// approve, the returned *Error's message carries a pending retry ID
// redeemable via Retry. When background is true the script is still
// started the same way (every script already runs in its own goroutine);
// background only affects how a caller is expected to observe it, via
// WaitScript/GetScriptOutput rather than blocking on the call itself.
func (o *Orchestrator) Exec(ctx context.Context, shellID string, argv []string, background bool) (*Script, error) {
	sh, err := o.getShell(shellID)
	if err != nil {
		return nil, err
	}

	if err := validateCommand(argv, sh.resolvedPolicy(), sh.Env); err != nil {
		return nil, o.offerRetry(sh, argv, "", background, err)
	}

	return o.launch(ctx, sh, argv, 0, background)
}

// DryRunCommand validates argv against shellID's policy without spawning
// anything, and returns the environment the child would run with had the
// command been executed. Used to back a CLI --dry-run flag.
func (o *Orchestrator) DryRunCommand(shellID string, argv []string) (map[string]string, error) {
	sh, err := o.getShell(shellID)
	if err != nil {
		return nil, err
	}

	if err := validateCommand(argv, sh.resolvedPolicy(), sh.Env); err != nil {
		return nil, err
	}

	return buildEnv(sh.resolvedPolicy(), sh.Env, contextEnv(sh.ID, "")), nil
}

// Run statically scans code against shellID's policy (the primary
// enforcement gate for a code fragment, spec.md §1/§9), then materializes
// it as a shell script and executes it as a single process. The
// materialized script also carries a restricted-PATH preamble as
// defense-in-depth (see preamble.go) in case the scan misses something a
// live shell would otherwise resolve.
func (o *Orchestrator) Run(ctx context.Context, shellID string, code string, background bool) (*Script, error) {
	sh, err := o.getShell(shellID)
	if err != nil {
		return nil, err
	}

	resolved := sh.resolvedPolicy()

	if err := scanScript(code, resolved, sh.Env); err != nil {
		return nil, o.offerRetry(sh, nil, code, background, err)
	}

	path, offset, err := o.materializer.materialize(newScriptSource(code, resolved, sh.Env, sh.ID))
	if err != nil {
		return nil, err
	}

	return o.launch(ctx, sh, []string{shInterpreter, path}, offset, background)
}

// Task resolves and executes the named task from the shell's policy task
// table, running parallel groups concurrently and serial groups in order:
// each serial step is awaited before the next starts, and a step that does
// not succeed stops the chain.
func (o *Orchestrator) Task(ctx context.Context, shellID, taskName string) ([]*Script, error) {
	sh, err := o.getShell(shellID)
	if err != nil {
		return nil, err
	}

	plan, err := resolveTask(taskName, sh.Policy.Tasks)
	if err != nil {
		return nil, err
	}

	return o.runTaskNode(ctx, sh, plan)
}

func (o *Orchestrator) runTaskNode(ctx context.Context, sh *Shell, node *TaskNode) ([]*Script, error) {
	switch {
	case node.Inline != "":
		sc, err := o.Run(ctx, sh.ID, node.Inline, false)
		if err != nil {
			return nil, err
		}

		return []*Script{sc}, nil

	case len(node.Parallel) > 0:
		results := make([][]*Script, len(node.Parallel))

		var g errgroup.Group

		for i, child := range node.Parallel {
			i, child := i, child

			g.Go(func() error {
				scripts, err := o.runTaskNode(ctx, sh, child)
				results[i] = scripts

				return err
			})
		}

		if err := g.Wait(); err != nil {
			return flattenScripts(results), err
		}

		return flattenScripts(results), nil

	case len(node.Serial) > 0:
		var out []*Script

		for _, child := range node.Serial {
			scripts, err := o.runTaskNode(ctx, sh, child)
			out = append(out, scripts...)

			if err != nil {
				return out, err
			}

			for _, sc := range scripts {
				if err := sc.wait(ctx); err != nil {
					return out, wrapError(KindTimeout, err, "wait for script %s", sc.ID)
				}

				if sc.Status() != ScriptSucceeded {
					return out, nil
				}
			}
		}

		return out, nil

	default:
		return nil, newError(KindConfigInvalid, "task %q resolved to an empty plan", node.Name)
	}
}

func flattenScripts(groups [][]*Script) []*Script {
	var out []*Script
	for _, g := range groups {
		out = append(out, g...)
	}

	return out
}

// offerRetry wraps a capability error with a PendingRetry when the failure
// kind is one a human could plausibly approve around. Exactly one of argv
// or code should be non-empty, matching the Exec/Run origin of the
// failure.
func (o *Orchestrator) offerRetry(sh *Shell, argv []string, code string, background bool, err error) error {
	sserr, ok := err.(*Error)
	if !ok {
		return err
	}

	switch sserr.Kind {
	case KindCommandBlocked, KindSubcommandBlocked, KindFlagDenied, KindFlagRequiredMissing, KindPathArgBlocked, KindPathBlocked:
		retry := o.retries.offer(sh.ID, argv, code, background, sserr)
		sserr.Message += " (pending retry " + retry.ID + ")"
	}

	return sserr
}

// CheckImport reports whether specifier may be imported by code about to be
// run within shellID, without running anything. Intended for an agent loop
// to pre-screen an import before embedding it in code passed to Run.
func (o *Orchestrator) CheckImport(shellID, specifier string) error {
	sh, err := o.getShell(shellID)
	if err != nil {
		return err
	}

	return checkImport(specifier, sh.resolvedPolicy())
}

// Retry re-attempts the operation recorded under retryID, after a caller
// has presumably adjusted the shell's policy to permit it.
func (o *Orchestrator) Retry(ctx context.Context, retryID string) (*Script, error) {
	pending, ok := o.retries.redeem(retryID)
	if !ok {
		return nil, newError(KindNotFound, "pending retry not found or expired: %s", retryID)
	}

	if pending.Code != "" {
		return o.Run(ctx, pending.ShellID, pending.Code, pending.Background)
	}

	return o.Exec(ctx, pending.ShellID, pending.Argv, pending.Background)
}

func (o *Orchestrator) launch(ctx context.Context, sh *Shell, argv []string, codeLineOffset int, background bool) (*Script, error) {
	scriptID := uuid.NewString()
	now := time.Now()

	sc := newScript(scriptID, sh.ID, argv, "", codeLineOffset, background, now)
	sh.addScript(sc)

	env := buildEnv(sh.resolvedPolicy(), sh.Env, contextEnv(sh.ID, scriptID))

	runCtx, cancel := context.WithCancel(ctx)
	sc.setCancel(cancel)

	go o.runAndFinish(runCtx, cancel, sh, sc, env)

	sh.touch(now)
	o.snapshotAsync()

	return sc, nil
}

func (o *Orchestrator) runAndFinish(ctx context.Context, cancel context.CancelFunc, sh *Shell, sc *Script, env map[string]string) {
	defer cancel()

	exitCode, timedOut, err := runScript(ctx, runOptions{
		Argv:    sc.Argv,
		Env:     envMapToSliceSorted(env),
		Dir:     sh.Env.WorkDir,
		Timeout: sh.resolvedPolicy().Timeout,
		Out:     sc.out,
		Ledger:  sh.ledger,
		OnStart: sc.setPID,
	})

	now := time.Now()

	switch {
	case sc.wasKillRequested():
		sc.finish(ScriptKilled, exitCode, nil, now)
	case timedOut:
		sc.finish(ScriptTimedOut, exitCode, newError(KindTimeout, "script exceeded timeout"), now)
	case err != nil:
		sc.finish(ScriptFailed, exitCode, err, now)
	case exitCode == 0:
		sc.finish(ScriptSucceeded, exitCode, nil, now)
	default:
		sc.finish(ScriptFailed, exitCode, nil, now)
	}

	if sserr, ok := sc.Failure().(*Error); ok {
		o.logger.Warn("script finished with error", append([]any{"shell_id", sh.ID, "script_id", sc.ID}, errorLogAttrs(sserr)...)...)
	} else {
		o.logger.Debug("script finished", "shell_id", sh.ID, "script_id", sc.ID, "status", sc.Status(), "exit_code", sc.ExitCode())
	}
	o.snapshotAsync()
}

// WaitScript blocks until the script reaches a terminal status or ctx is
// cancelled.
func (o *Orchestrator) WaitScript(ctx context.Context, shellID, scriptID string) (*Script, error) {
	sh, ok := o.shells.get(shellID)
	if !ok {
		return nil, newError(KindNotFound, "shell not found: %s", shellID)
	}

	sc, ok := sh.getScript(scriptID)
	if !ok {
		return nil, newError(KindNotFound, "script not found: %s", scriptID)
	}

	if err := sc.wait(ctx); err != nil {
		return sc, wrapError(KindTimeout, err, "wait for script %s", scriptID)
	}

	return sc, nil
}

// KillScript requests early termination of a running script.
func (o *Orchestrator) KillScript(shellID, scriptID string) error {
	sh, ok := o.shells.get(shellID)
	if !ok {
		return newError(KindNotFound, "shell not found: %s", shellID)
	}

	sc, ok := sh.getScript(scriptID)
	if !ok {
		return newError(KindNotFound, "script not found: %s", scriptID)
	}

	return sc.kill()
}

// GetScriptOutput returns script output starting at the given stream
// offset, and whether the buffer has ever been truncated.
func (o *Orchestrator) GetScriptOutput(shellID, scriptID string, offset int64) ([]byte, bool, error) {
	sh, ok := o.shells.get(shellID)
	if !ok {
		return nil, false, newError(KindNotFound, "shell not found: %s", shellID)
	}

	sc, ok := sh.getScript(scriptID)
	if !ok {
		return nil, false, newError(KindNotFound, "script not found: %s", scriptID)
	}

	data, err := sc.out.readFrom(offset)
	if err != nil {
		return nil, false, err
	}

	return data, sc.out.truncated(), nil
}

func (sh *Shell) resolvedPolicy() *ResolvedPolicy {
	sh.mu.Lock()
	defer sh.mu.Unlock()

	return sh.resolved
}
