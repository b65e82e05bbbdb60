package safeshell

import "sync"

// defaultOutputTailCap bounds how much of a single script's combined
// stdout+stderr is retained in memory; older bytes are dropped once the cap
// is exceeded (spec.md §4.10).
const defaultOutputTailCap = 1 << 20 // 1 MiB

// maxShellOutputBytes is the aggregate output ceiling that a shell's ledger
// counts against, across every script the shell has run. The ledger only
// counts: passing the ceiling does not stop buffering, truncate output or
// evict anything, and append() returns no error. Each script's own buffer
// stays bounded by its tail cap.
const maxShellOutputBytes = 50 << 20 // 50 MiB

// outputBuffer retains the tail of a byte stream up to capBytes, tracking
// how many bytes have been written in total so that offset-based reads and
// a truncation flag can be reported accurately even after older bytes have
// been dropped.
//
// Grounded on the buffered-output pattern in buildkite-agent's job runner
// (process.Buffer, see other_examples/1d829d32_buildkite-agent__agent-job_runner.go.go):
// output is retained for later retrieval rather than streamed-and-discarded.
type outputBuffer struct {
	mu           sync.Mutex
	capBytes     int
	buf          []byte
	totalWritten int64
}

func newOutputBuffer(capBytes int) *outputBuffer {
	if capBytes <= 0 {
		capBytes = defaultOutputTailCap
	}

	return &outputBuffer{capBytes: capBytes}
}

// append adds p to the buffer, dropping the oldest bytes if the result
// would exceed capBytes.
func (b *outputBuffer) append(p []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalWritten += int64(len(p))
	b.buf = append(b.buf, p...)

	if len(b.buf) > b.capBytes {
		drop := len(b.buf) - b.capBytes
		b.buf = b.buf[drop:]
	}
}

// clear discards every retained byte and resets the stream position,
// releasing the buffer's backing array. Used when a shell ends so a
// script's output does not linger in memory once it's no longer reachable
// through the live API (spec.md §4.11).
func (b *outputBuffer) clear() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.buf = nil
	b.totalWritten = 0
}

// truncated reports whether any bytes have ever been dropped from the head
// of the buffer.
func (b *outputBuffer) truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.totalWritten > int64(len(b.buf))
}

// startOffset returns the stream offset of the first retained byte.
func (b *outputBuffer) startOffset() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.totalWritten - int64(len(b.buf))
}

// total returns the total number of bytes ever appended.
func (b *outputBuffer) total() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.totalWritten
}

// readFrom returns every retained byte at or after offset (a stream
// position, not an index into the internal buffer). It errors if offset
// refers to a byte that has already been dropped, or lies beyond the end of
// the stream so far.
func (b *outputBuffer) readFrom(offset int64) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	start := b.totalWritten - int64(len(b.buf))

	if offset < start {
		return nil, newError(KindNotFound, "requested offset %d precedes retained window starting at %d", offset, start)
	}

	if offset > b.totalWritten {
		return nil, newError(KindNotFound, "requested offset %d exceeds total written %d", offset, b.totalWritten)
	}

	idx := offset - start

	out := make([]byte, len(b.buf)-int(idx))
	copy(out, b.buf[idx:])

	return out, nil
}

// shellOutputLedger tracks aggregate output bytes across every script in a
// shell against maxShellOutputBytes.
type shellOutputLedger struct {
	mu    sync.Mutex
	total int64
	cap   int64
}

func newShellOutputLedger() *shellOutputLedger {
	return &shellOutputLedger{cap: maxShellOutputBytes}
}

// reserve records n more bytes against the shell's aggregate ceiling. It
// always succeeds in recording, and reports whether the ceiling has now
// been exceeded; drain (execrt.go) does not act on that result.
func (l *shellOutputLedger) reserve(n int) (exceeded bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.total += int64(n)

	return l.total > l.cap
}
