package safeshell

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// maxPendingRetries bounds how many pending retries are held at once; the
// oldest (by insertion order) is evicted to make room for a new one once
// the bound is reached.
const maxPendingRetries = 64

// pendingRetryTTL is how long a pending retry remains redeemable before it
// expires on its own.
const pendingRetryTTL = 5 * time.Minute

// PendingRetry is offered to a caller when a capability check fails in a
// way that a human could plausibly approve (e.g. a command outside the
// whitelist); redeeming it with the approved adjustment re-attempts the
// original operation.
type PendingRetry struct {
	ID      string
	ShellID string

	// Argv is set for a retry originating from Exec (a whitelisted
	// command); Code is set for a retry originating from Run (a code
	// fragment). Exactly one is non-empty.
	Argv []string
	Code string

	Background bool

	Reason    *Error
	CreatedAt time.Time
}

type retryManager struct {
	mu      sync.Mutex
	entries map[string]*pendingRetryEntry
	order   []string

	now func() time.Time
}

type pendingRetryEntry struct {
	retry   PendingRetry
	expires time.Time
}

func newRetryManager(now func() time.Time) *retryManager {
	if now == nil {
		now = time.Now
	}

	return &retryManager{entries: make(map[string]*pendingRetryEntry), now: now}
}

// offer records a new pending retry and returns it, evicting the oldest
// entry first if the manager is at capacity.
//
// Grounded on the teacher's randomString8 (cmd/agent-sandbox/cmd_exec.go)
// for "generate an opaque token for a transient artifact"; google/uuid is
// used here instead since pending retry IDs are returned to external
// callers and benefit from uuid's collision guarantees over an 8-char token.
func (m *retryManager) offer(shellID string, argv []string, code string, background bool, reason *Error) PendingRetry {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.evictExpiredLocked()

	if len(m.order) >= maxPendingRetries {
		oldest := m.order[0]
		m.order = m.order[1:]
		delete(m.entries, oldest)
	}

	now := m.now()

	var argvCopy []string
	if argv != nil {
		argvCopy = append([]string(nil), argv...)
	}

	retry := PendingRetry{
		ID:         uuid.NewString(),
		ShellID:    shellID,
		Argv:       argvCopy,
		Code:       code,
		Background: background,
		Reason:     reason,
		CreatedAt:  now,
	}

	m.entries[retry.ID] = &pendingRetryEntry{retry: retry, expires: now.Add(pendingRetryTTL)}
	m.order = append(m.order, retry.ID)

	return retry
}

// redeem removes and returns the pending retry for id, if present and not
// expired.
func (m *retryManager) redeem(id string) (PendingRetry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.evictExpiredLocked()

	entry, ok := m.entries[id]
	if !ok {
		return PendingRetry{}, false
	}

	delete(m.entries, id)

	for i, oid := range m.order {
		if oid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}

	return entry.retry, true
}

// evictExpiredLocked drops entries past their TTL. Callers must hold m.mu.
func (m *retryManager) evictExpiredLocked() {
	now := m.now()

	kept := m.order[:0]

	for _, id := range m.order {
		entry := m.entries[id]
		if entry == nil {
			continue
		}

		if now.After(entry.expires) {
			delete(m.entries, id)
			continue
		}

		kept = append(kept, id)
	}

	m.order = kept
}
