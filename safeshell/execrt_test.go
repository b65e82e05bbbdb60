package safeshell

import (
	"context"
	"testing"
	"time"
)

func TestRunScriptCapturesOutputAndExitCode(t *testing.T) {
	t.Parallel()

	out := newOutputBuffer(defaultOutputTailCap)
	ledger := newShellOutputLedger()

	exitCode, timedOut, err := runScript(context.Background(), runOptions{
		Argv:   []string{"/bin/sh", "-c", "echo hello; exit 3"},
		Env:    []string{"PATH=/usr/bin:/bin"},
		Out:    out,
		Ledger: ledger,
	})
	if err != nil {
		t.Fatal(err)
	}

	if timedOut {
		t.Error("expected timedOut to be false for a quick command")
	}

	if exitCode != 3 {
		t.Errorf("exitCode = %d, want 3", exitCode)
	}

	got, err := out.readFrom(0)
	if err != nil {
		t.Fatal(err)
	}

	if string(got) != "hello\n" {
		t.Errorf("captured output = %q, want %q", got, "hello\n")
	}
}

func TestRunScriptReportsTimeout(t *testing.T) {
	t.Parallel()

	out := newOutputBuffer(defaultOutputTailCap)
	ledger := newShellOutputLedger()

	start := time.Now()

	_, timedOut, err := runScript(context.Background(), runOptions{
		Argv:    []string{"/bin/sh", "-c", "sleep 5"},
		Env:     []string{"PATH=/usr/bin:/bin"},
		Timeout: 100 * time.Millisecond,
		Out:     out,
		Ledger:  ledger,
	})
	if err != nil {
		t.Fatal(err)
	}

	if !timedOut {
		t.Error("expected timedOut to be true")
	}

	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("runScript took %v, expected the child to be killed promptly on timeout", elapsed)
	}
}

func TestRunScriptInvokesOnStartWithPID(t *testing.T) {
	t.Parallel()

	out := newOutputBuffer(defaultOutputTailCap)
	ledger := newShellOutputLedger()

	var gotPID int

	_, _, err := runScript(context.Background(), runOptions{
		Argv:    []string{"/bin/sh", "-c", "exit 0"},
		Env:     []string{"PATH=/usr/bin:/bin"},
		Out:     out,
		Ledger:  ledger,
		OnStart: func(pid int) { gotPID = pid },
	})
	if err != nil {
		t.Fatal(err)
	}

	if gotPID <= 0 {
		t.Errorf("OnStart PID = %d, want a positive PID", gotPID)
	}
}
