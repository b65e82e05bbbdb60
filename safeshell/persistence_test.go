package safeshell

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestPersistenceWriteNowAndLoadRoundtrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	p, err := newPersistence(path)
	if err != nil {
		t.Fatal(err)
	}
	defer p.close()

	now := time.Unix(1700000000, 0).UTC()

	snap := snapshotFile{
		Shells: []persistedShell{
			{ID: "sh-1", Status: ShellActive, CreatedAt: now, LastUsedAt: now},
		},
		Scripts: []persistedScript{
			{ID: "sc-1", ShellID: "sh-1", Status: ScriptSucceeded, ExitCode: 0, CreatedAt: now},
		},
	}

	if err := p.writeNow(snap); err != nil {
		t.Fatal(err)
	}

	loaded, err := p.load()
	if err != nil {
		t.Fatal(err)
	}

	if len(loaded.Shells) != 1 || loaded.Shells[0].ID != "sh-1" {
		t.Errorf("loaded.Shells = %+v, want one shell \"sh-1\"", loaded.Shells)
	}

	if len(loaded.Scripts) != 1 || loaded.Scripts[0].ID != "sc-1" {
		t.Errorf("loaded.Scripts = %+v, want one script \"sc-1\"", loaded.Scripts)
	}
}

func TestPersistenceLoadMissingFileReturnsEmptySnapshot(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "does-not-exist.json")

	p, err := newPersistence(path)
	if err != nil {
		t.Fatal(err)
	}
	defer p.close()

	snap, err := p.load()
	if err != nil {
		t.Fatal(err)
	}

	if len(snap.Shells) != 0 || len(snap.Scripts) != 0 {
		t.Errorf("snap = %+v, want an empty snapshot", snap)
	}
}

func TestPersistenceSecondInstanceFailsToLock(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	p1, err := newPersistence(path)
	if err != nil {
		t.Fatal(err)
	}
	defer p1.close()

	if _, err := newPersistence(path); err == nil {
		t.Error("expected a second persistence instance on the same path to fail to acquire the lock")
	}
}

func TestReapStaleScriptMarksDeadPIDFailed(t *testing.T) {
	t.Parallel()

	sc := persistedScript{Status: ScriptRunning, PID: 0}
	reapStaleScript(&sc)

	if sc.Status != ScriptFailed || sc.ExitCode != -1 {
		t.Errorf("reapStaleScript with PID 0 = %+v, want Status=Failed ExitCode=-1", sc)
	}

	// os.Getpid() is always alive for the duration of this process.
	alive := persistedScript{Status: ScriptRunning, PID: os.Getpid()}
	reapStaleScript(&alive)

	if alive.Status != ScriptRunning {
		t.Errorf("reapStaleScript should not touch a script whose PID is alive, got %+v", alive)
	}

	notRunning := persistedScript{Status: ScriptSucceeded, PID: 0}
	reapStaleScript(&notRunning)

	if notRunning.Status != ScriptSucceeded {
		t.Error("reapStaleScript must not touch a script that isn't ScriptRunning")
	}
}

func TestProcessAliveCurrentProcess(t *testing.T) {
	t.Parallel()

	if !processAlive(os.Getpid()) {
		t.Error("expected the current process to be reported alive")
	}
}

func TestPruneTerminalScriptsKeepsRunningAndRecentTerminal(t *testing.T) {
	t.Parallel()

	base := time.Unix(1700000000, 0)

	var scripts []persistedScript

	scripts = append(scripts, persistedScript{ID: "running", ShellID: "sh", Status: ScriptRunning, CreatedAt: base})

	for i := 0; i < 5; i++ {
		scripts = append(scripts, persistedScript{
			ID:        "term-" + string(rune('a'+i)),
			ShellID:   "sh",
			Status:    ScriptSucceeded,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
	}

	pruned := pruneTerminalScripts(scripts, 2)

	hasRunning := false
	terminalCount := 0

	for _, sc := range pruned {
		if sc.Status == ScriptRunning {
			hasRunning = true
		} else {
			terminalCount++
		}
	}

	if !hasRunning {
		t.Error("expected the running script to always be retained")
	}

	if terminalCount != 2 {
		t.Errorf("terminalCount = %d, want 2 (limit)", terminalCount)
	}
}
