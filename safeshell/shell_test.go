package safeshell

import (
	"testing"
	"time"
)

func TestShellBusyReflectsRunningScripts(t *testing.T) {
	t.Parallel()

	now := time.Unix(0, 0)
	sh := newShell("sh-1", Policy{}, &ResolvedPolicy{}, Environment{}, now)

	if sh.busy() {
		t.Error("a freshly created shell should not be busy")
	}

	sc := newScript("sc-1", "sh-1", nil, "", 0, false, now)
	sh.addScript(sc)

	if !sh.busy() {
		t.Error("expected shell to be busy while a script is running")
	}

	sc.finish(ScriptSucceeded, 0, nil, now)

	if sh.busy() {
		t.Error("expected shell to be idle once its only script finished")
	}
}

func TestShellTouchUpdatesLastUsedAt(t *testing.T) {
	t.Parallel()

	start := time.Unix(0, 0)
	sh := newShell("sh-1", Policy{}, &ResolvedPolicy{}, Environment{}, start)

	later := start.Add(time.Minute)
	sh.touch(later)

	if !sh.LastUsedAt.Equal(later) {
		t.Errorf("LastUsedAt = %v, want %v", sh.LastUsedAt, later)
	}
}

func TestShellEndTransitionsStatus(t *testing.T) {
	t.Parallel()

	sh := newShell("sh-1", Policy{}, &ResolvedPolicy{}, Environment{}, time.Unix(0, 0))

	if sh.Status() != ShellActive {
		t.Fatalf("Status() = %v, want ShellActive", sh.Status())
	}

	sh.end()

	if sh.Status() != ShellEnded {
		t.Errorf("Status() = %v, want ShellEnded", sh.Status())
	}
}
