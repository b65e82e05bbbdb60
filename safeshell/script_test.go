package safeshell

import (
	"context"
	"testing"
	"time"
)

func TestScriptFinishIsIdempotent(t *testing.T) {
	t.Parallel()

	now := time.Unix(0, 0)
	sc := newScript("sc-1", "sh-1", []string{"echo", "hi"}, "", 0, false, now)

	sc.finish(ScriptSucceeded, 0, nil, now.Add(time.Second))
	sc.finish(ScriptFailed, 1, newError(KindInternal, "should not apply"), now.Add(2*time.Second))

	if sc.Status() != ScriptSucceeded {
		t.Errorf("Status() = %v, want the first finish() call to win", sc.Status())
	}

	if sc.ExitCode() != 0 {
		t.Errorf("ExitCode() = %d, want 0 from the first finish() call", sc.ExitCode())
	}
}

func TestScriptWaitUnblocksOnFinish(t *testing.T) {
	t.Parallel()

	now := time.Unix(0, 0)
	sc := newScript("sc-1", "sh-1", nil, "", 0, false, now)

	done := make(chan error, 1)

	go func() {
		done <- sc.wait(context.Background())
	}()

	sc.finish(ScriptSucceeded, 0, nil, now)

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("wait() = %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("wait() did not unblock after finish()")
	}
}

func TestScriptWaitRespectsContextCancellation(t *testing.T) {
	t.Parallel()

	sc := newScript("sc-1", "sh-1", nil, "", 0, false, time.Unix(0, 0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := sc.wait(ctx); err == nil {
		t.Error("expected wait() to return the context's error when already cancelled")
	}
}

func TestScriptKillRequestsCancelAndIsNoOpAfterFinish(t *testing.T) {
	t.Parallel()

	now := time.Unix(0, 0)
	sc := newScript("sc-1", "sh-1", nil, "", 0, false, now)

	cancelled := false
	sc.setCancel(func() { cancelled = true })

	if err := sc.kill(); err != nil {
		t.Fatal(err)
	}

	if !cancelled {
		t.Error("expected kill() to invoke the recorded cancel function")
	}

	if !sc.wasKillRequested() {
		t.Error("expected wasKillRequested() to be true after kill()")
	}

	sc.finish(ScriptKilled, -1, nil, now)

	if err := sc.kill(); err == nil {
		t.Error("expected kill() on an already-terminal script to return an error")
	}
}

func TestScriptPID(t *testing.T) {
	t.Parallel()

	sc := newScript("sc-1", "sh-1", nil, "", 0, false, time.Unix(0, 0))

	if sc.PID() != 0 {
		t.Errorf("PID() = %d before setPID, want 0", sc.PID())
	}

	sc.setPID(4242)

	if sc.PID() != 4242 {
		t.Errorf("PID() = %d, want 4242", sc.PID())
	}
}
