package safeshell

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
)

// materializer writes assembled script text to content-addressed files
// under a scripts directory, so that identical script bodies never incur a
// second disk write and concurrent materializations of the same body never
// race.
//
// Grounded on the teacher's roBindDataArgs (sandbox/command.go), which
// writes ephemeral script content to disk (via memfd, falling back to a
// tempfile) before handing a path to the child process; here the content
// hash doubles as the cache key instead of a throwaway name, since scripts
// are expected to recur (retried scripts, repeated tasks).
type materializer struct {
	dir string
}

func newMaterializer(dir string) *materializer {
	return &materializer{dir: dir}
}

// materialize assembles src and writes it to a content-addressed path under
// m.dir, returning that path and the preamble's line count. If a file with
// the same content hash already exists, it is reused unchanged (idempotent
// write).
func (m *materializer) materialize(src ScriptSource) (path string, codeLineOffset int, err error) {
	full, offset := assembleScript(src)

	sum := sha256.Sum256([]byte(full))
	name := hex.EncodeToString(sum[:])[:16] + ".sh"
	dst := filepath.Join(m.dir, name)

	if _, statErr := os.Stat(dst); statErr == nil {
		return dst, offset, nil
	} else if !errors.Is(statErr, os.ErrNotExist) {
		return "", 0, wrapError(KindInternal, statErr, "stat materialized script %q", dst)
	}

	if err := os.MkdirAll(m.dir, 0o700); err != nil {
		return "", 0, wrapError(KindInternal, err, "create scripts directory %q", m.dir)
	}

	tmp, err := os.CreateTemp(m.dir, name+".tmp-*")
	if err != nil {
		return "", 0, wrapError(KindInternal, err, "create temp script file")
	}

	tmpPath := tmp.Name()

	if _, err := tmp.WriteString(full); err != nil {
		tmp.Close()
		os.Remove(tmpPath)

		return "", 0, wrapError(KindInternal, err, "write temp script file")
	}

	if err := tmp.Chmod(0o700); err != nil {
		tmp.Close()
		os.Remove(tmpPath)

		return "", 0, wrapError(KindInternal, err, "chmod temp script file")
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)

		return "", 0, wrapError(KindInternal, err, "close temp script file")
	}

	if err := os.Rename(tmpPath, dst); err != nil {
		os.Remove(tmpPath)

		// Another materialize call may have won the race and created dst
		// first; that's fine, the content is identical by construction.
		if _, statErr := os.Stat(dst); statErr == nil {
			return dst, offset, nil
		}

		return "", 0, wrapError(KindInternal, err, "rename temp script file to %q", dst)
	}

	return dst, offset, nil
}
