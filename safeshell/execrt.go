package safeshell

import (
	"bytes"
	"context"
	"io"
	"os/exec"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

type atomicBool struct{ v atomic.Bool }

func (a *atomicBool) set()         { a.v.Store(true) }
func (a *atomicBool) get() bool    { return a.v.Load() }

// runOptions configures one execution of runScript.
type runOptions struct {
	Argv    []string
	Env     []string
	Dir     string
	Timeout time.Duration

	Out    *outputBuffer
	Ledger *shellOutputLedger

	// OnStart, if set, is called with the child's PID immediately after it
	// starts, so the caller can record it for crash-recovery stale-PID
	// reaping (see persistence.go).
	OnStart func(pid int)
}

// runScript executes one command to completion, draining stdout and stderr
// concurrently into opts.Out, and enforces opts.Timeout (and ctx
// cancellation) by sending the process SIGKILL; there is no SIGTERM stage
// and no grace window.
//
// Grounded on the teacher's Command (sandbox/command.go) for building the
// *exec.Cmd and its cleanup-closure pattern, and on buildkite-agent's job
// runner (other_examples/1d829d32_buildkite-agent__agent-job_runner.go.go)
// for concurrently draining stdout/stderr into a shared output buffer
// instead of using CombinedOutput.
func runScript(ctx context.Context, opts runOptions) (exitCode int, timedOut bool, err error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var timerFired atomicBool

	var timer *time.Timer

	if opts.Timeout > 0 {
		timer = time.AfterFunc(opts.Timeout, func() {
			timerFired.set()
			cancel()
		})
		defer timer.Stop()
	}

	cmd := exec.CommandContext(runCtx, opts.Argv[0], opts.Argv[1:]...)
	cmd.Env = opts.Env
	cmd.Dir = opts.Dir
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGKILL)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return 0, false, wrapError(KindInternal, err, "create stdout pipe")
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return 0, false, wrapError(KindInternal, err, "create stderr pipe")
	}

	if err := cmd.Start(); err != nil {
		return 0, false, wrapError(KindInternal, err, "start command")
	}

	if opts.OnStart != nil {
		opts.OnStart(cmd.Process.Pid)
	}

	var g errgroup.Group

	g.Go(func() error { return drain(stdout, opts.Out, opts.Ledger) })
	g.Go(func() error { return drain(stderr, opts.Out, opts.Ledger) })

	drainErr := g.Wait()

	waitErr := cmd.Wait()

	timedOut = timerFired.get()

	if drainErr != nil && waitErr == nil {
		return 0, timedOut, wrapError(KindInternal, drainErr, "drain output")
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		if ok := asExitError(waitErr, &exitErr); ok {
			return exitErr.ExitCode(), timedOut, nil
		}

		return 0, timedOut, wrapError(KindInternal, waitErr, "wait for command")
	}

	return cmd.ProcessState.ExitCode(), timedOut, nil
}

// drain copies r into out (and records the byte count against ledger) until
// EOF. It tolerates the process having already exited and closed the pipe;
// that surfaces as a clean io.EOF, not an error.
func drain(r io.Reader, out *outputBuffer, ledger *shellOutputLedger) error {
	buf := make([]byte, 32*1024)

	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := bytes.Clone(buf[:n])
			out.append(chunk)
			ledger.reserve(n)
		}

		if err != nil {
			if err == io.EOF {
				return nil
			}

			return err
		}
	}
}

// asExitError reports whether err is an *exec.ExitError and stores it in
// target. It is a direct type assertion, not errors.As, so a wrapped
// ExitError is not recognized.
func asExitError(err error, target **exec.ExitError) bool {
	exitErr, ok := err.(*exec.ExitError)
	if !ok {
		return false
	}

	*target = exitErr

	return true
}
