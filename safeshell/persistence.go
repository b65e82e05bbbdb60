package safeshell

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nightlyone/lockfile"
	"golang.org/x/sys/unix"
)

// maxRetainedTerminalScripts bounds how many terminal (non-running) scripts
// a snapshot keeps per shell; older ones are pruned on load (spec.md §4.12).
const maxRetainedTerminalScripts = 100

// snapshotDebounce coalesces bursts of state changes into a single disk
// write.
const snapshotDebounce = 500 * time.Millisecond

// persistedScript is the on-disk representation of a Script.
type persistedScript struct {
	ID               string    `json:"id"`
	ShellID          string    `json:"shell_id"`
	Argv             []string  `json:"argv"`
	MaterializedPath string    `json:"materialized_path"`
	CodeLineOffset   int       `json:"code_line_offset"`
	Background       bool      `json:"background,omitempty"`
	Status           ScriptStatus `json:"status"`
	ExitCode         int       `json:"exit_code"`
	PID              int       `json:"pid,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	StartedAt        time.Time `json:"started_at"`
	EndedAt          time.Time `json:"ended_at,omitempty"`
}

// persistedShell is the on-disk representation of a Shell.
type persistedShell struct {
	ID         string      `json:"id"`
	Policy     Policy      `json:"policy"`
	Env        Environment `json:"env"`
	Status     ShellStatus `json:"status"`
	CreatedAt  time.Time   `json:"created_at"`
	LastUsedAt time.Time   `json:"last_used_at"`
}

// snapshotFile is the full on-disk state written by the persistence layer.
type snapshotFile struct {
	Shells  []persistedShell  `json:"shells"`
	Scripts []persistedScript `json:"scripts"`
}

// persistence manages atomic, debounced snapshot writes and crash-recovery
// load, guarded across processes by an advisory lockfile.
//
// The snapshot is decoded with plain json.Unmarshal: no JSONC
// standardization, and unknown fields are ignored rather than rejected.
// Grounded on handleui-detent's use of github.com/nightlyone/lockfile for
// cross-process coordination; the atomic temp-file-then-rename write
// pattern mirrors materialize.go.
type persistence struct {
	path string
	lock lockfile.Lockfile

	mu      sync.Mutex
	timer   *time.Timer
	pending *snapshotFile
}

func newPersistence(path string) (*persistence, error) {
	lockPath := path + ".lock"

	lock, err := lockfile.New(lockPath)
	if err != nil {
		return nil, wrapError(KindInternal, err, "create lockfile handle %q", lockPath)
	}

	if err := lock.TryLock(); err != nil {
		return nil, wrapError(KindInternal, err, "acquire persistence lock %q (another instance running?)", lockPath)
	}

	return &persistence{path: path, lock: lock}, nil
}

func (p *persistence) close() error {
	return p.lock.Unlock()
}

// save schedules snap to be written to disk after snapshotDebounce,
// replacing any not-yet-flushed pending snapshot. Repeated calls within the
// debounce window collapse into a single write.
func (p *persistence) save(snap snapshotFile) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.pending = &snap

	if p.timer != nil {
		p.timer.Stop()
	}

	p.timer = time.AfterFunc(snapshotDebounce, p.flush)
}

func (p *persistence) flush() {
	p.mu.Lock()
	snap := p.pending
	p.pending = nil
	p.mu.Unlock()

	if snap == nil {
		return
	}

	_ = p.writeNow(*snap)
}

// writeNow writes snap to disk immediately, bypassing the debounce. Used by
// flush and by callers that need a synchronous guarantee (e.g. shutdown).
func (p *persistence) writeNow(snap snapshotFile) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return wrapError(KindInternal, err, "marshal snapshot")
	}

	dir := filepath.Dir(p.path)

	tmp, err := os.CreateTemp(dir, filepath.Base(p.path)+".tmp-*")
	if err != nil {
		return wrapError(KindInternal, err, "create temp snapshot file")
	}

	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)

		return wrapError(KindInternal, err, "write temp snapshot file")
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)

		return wrapError(KindInternal, err, "close temp snapshot file")
	}

	if err := os.Rename(tmpPath, p.path); err != nil {
		os.Remove(tmpPath)

		return wrapError(KindInternal, err, "rename temp snapshot file to %q", p.path)
	}

	return nil
}

// load reads the snapshot from disk, reaping stale PIDs (processes recorded
// as "running" in the snapshot that are no longer alive, e.g. after a host
// restart) and pruning each shell down to its most recent
// maxRetainedTerminalScripts terminal scripts.
func (p *persistence) load() (snapshotFile, error) {
	data, err := os.ReadFile(p.path)
	if os.IsNotExist(err) {
		return snapshotFile{}, nil
	}

	if err != nil {
		return snapshotFile{}, wrapError(KindInternal, err, "read snapshot file %q", p.path)
	}

	var snap snapshotFile
	if err := json.Unmarshal(data, &snap); err != nil {
		return snapshotFile{}, wrapError(KindInternal, err, "unmarshal snapshot file %q", p.path)
	}

	for i := range snap.Scripts {
		reapStaleScript(&snap.Scripts[i])
	}

	snap.Scripts = pruneTerminalScripts(snap.Scripts, maxRetainedTerminalScripts)

	return snap, nil
}

// reapStaleScript marks a script that claims to still be running, but whose
// recorded PID no longer exists, as failed. Probing uses the signal-0
// convention: sending signal 0 checks process existence without affecting
// it.
func reapStaleScript(sc *persistedScript) {
	if sc.Status != ScriptRunning {
		return
	}

	if sc.PID == 0 || !processAlive(sc.PID) {
		sc.Status = ScriptFailed
		sc.ExitCode = -1
	}
}

// processAlive probes pid with the signal-0 convention (sending signal 0
// checks process existence without affecting it).
//
// Grounded on the teacher's use of golang.org/x/sys/unix for low-level
// Linux primitives (sandbox/command.go's unix.MemfdCreate) rather than the
// bare syscall package.
func processAlive(pid int) bool {
	return unix.Kill(pid, 0) == nil
}

// pruneTerminalScripts keeps every running script plus, per shell, the most
// recent limit terminal scripts ordered by CreatedAt.
func pruneTerminalScripts(scripts []persistedScript, limit int) []persistedScript {
	byShell := make(map[string][]persistedScript)

	var running []persistedScript

	for _, sc := range scripts {
		if sc.Status == ScriptRunning {
			running = append(running, sc)
			continue
		}

		byShell[sc.ShellID] = append(byShell[sc.ShellID], sc)
	}

	out := running

	for _, group := range byShell {
		sortPersistedScriptsByCreatedAtDesc(group)

		if len(group) > limit {
			group = group[:limit]
		}

		out = append(out, group...)
	}

	return out
}

func sortPersistedScriptsByCreatedAtDesc(scripts []persistedScript) {
	for i := 1; i < len(scripts); i++ {
		for j := i; j > 0 && scripts[j].CreatedAt.After(scripts[j-1].CreatedAt); j-- {
			scripts[j], scripts[j-1] = scripts[j-1], scripts[j]
		}
	}
}
