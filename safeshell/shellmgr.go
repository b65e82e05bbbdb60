package safeshell

import (
	"sort"
	"sync"
	"time"
)

// defaultMaxShells bounds how many shells a manager keeps resident at once.
// When a new shell would exceed the limit, the least-recently-used shell
// that is not currently running a script is evicted (spec.md §4.11).
const defaultMaxShells = 10

// shellManager owns the set of live shells, enforcing defaultMaxShells via
// LRU eviction.
//
// Grounded on the teacher's overall resource-bookkeeping style (sandbox.go's
// mutex-guarded maps); LRU-with-busy-skip eviction itself has no direct
// analogue in the teacher and is built fresh from spec.md §4.11.
type shellManager struct {
	mu      sync.Mutex
	shells  map[string]*Shell
	maxSize int

	now func() time.Time
}

func newShellManager(maxSize int, now func() time.Time) *shellManager {
	if maxSize <= 0 {
		maxSize = defaultMaxShells
	}

	if now == nil {
		now = time.Now
	}

	return &shellManager{shells: make(map[string]*Shell), maxSize: maxSize, now: now}
}

// create registers a new shell. If the manager is at capacity it first
// evicts the least-recently-used shell that is not running a script; if
// every resident shell is busy it fails with capacity-exceeded.
func (m *shellManager) create(id string, policy Policy, resolved *ResolvedPolicy, env Environment) (*Shell, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.shells) >= m.maxSize {
		if !m.evictLRULocked() {
			return nil, newError(KindCapacityExceeded, "shell capacity exceeded: all %d shells busy", m.maxSize)
		}
	}

	now := m.now()

	sh := newShell(id, policy, resolved, env, now)
	m.shells[id] = sh

	return sh, nil
}

// evictLRULocked removes the least-recently-used non-busy shell. Callers
// must hold m.mu.
func (m *shellManager) evictLRULocked() bool {
	var victim *Shell

	for _, sh := range m.shells {
		if sh.busy() {
			continue
		}

		if victim == nil || sh.LastUsedAt.Before(victim.LastUsedAt) {
			victim = sh
		}
	}

	if victim == nil {
		return false
	}

	delete(m.shells, victim.ID)

	return true
}

func (m *shellManager) get(id string) (*Shell, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sh, ok := m.shells[id]

	return sh, ok
}

func (m *shellManager) list() []*Shell {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Shell, 0, len(m.shells))
	for _, sh := range m.shells {
		out = append(out, sh)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })

	return out
}

// end marks the shell ended and removes it from the manager's live set.
// Running scripts are left to finish or be killed independently. Snapshots
// (C12) list only the live set, so the shell and its scripts are left out
// of every later snapshot.
func (m *shellManager) end(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sh, ok := m.shells[id]
	if !ok {
		return newError(KindNotFound, "shell not found: %s", id)
	}

	sh.end()
	delete(m.shells, id)

	return nil
}

// listScripts returns every script across shells matching shellID (or every
// shell, if shellID is empty), optionally filtered by status and/or
// background, sorted most-recent-first and capped to limit (0 means
// unbounded). background is nil for "any".
func (m *shellManager) listScripts(shellID string, status ScriptStatus, background *bool, limit int) []*Script {
	m.mu.Lock()
	shells := make([]*Shell, 0, len(m.shells))

	for _, sh := range m.shells {
		if shellID == "" || sh.ID == shellID {
			shells = append(shells, sh)
		}
	}
	m.mu.Unlock()

	var out []*Script

	for _, sh := range shells {
		for _, sc := range sh.listScripts() {
			if status != "" && sc.Status() != status {
				continue
			}

			if background != nil && sc.Background != *background {
				continue
			}

			out = append(out, sc)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}

	return out
}
