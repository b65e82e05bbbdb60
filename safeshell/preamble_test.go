package safeshell

import (
	"strings"
	"testing"
)

func testResolvedPolicy(t *testing.T) (*ResolvedPolicy, Environment) {
	t.Helper()

	env, err := DefaultEnvironment()
	if err != nil {
		t.Fatal(err)
	}

	resolved, err := resolvePolicy(standardPolicy(), env)
	if err != nil {
		t.Fatal(err)
	}

	return resolved, env
}

func TestAssembleScriptOffsetMatchesPreambleLines(t *testing.T) {
	t.Parallel()

	resolved, env := testResolvedPolicy(t)

	src := newScriptSource("echo hi\n", resolved, env, "shell-1")

	full, offset := assembleScript(src)

	if !strings.HasPrefix(full, defaultPreamble) {
		t.Errorf("assembled script does not start with the default preamble:\n%s", full)
	}

	wantOffset := strings.Count(src.Preamble, "\n")
	if offset != wantOffset {
		t.Errorf("codeLineOffset = %d, want %d", offset, wantOffset)
	}
}

func TestAssembleScriptAddsTrailingNewline(t *testing.T) {
	t.Parallel()

	resolved, env := testResolvedPolicy(t)

	full, _ := assembleScript(newScriptSource("echo hi", resolved, env, "shell-1"))

	if !strings.HasSuffix(full, "echo hi\n") {
		t.Errorf("expected a trailing newline to be added, got %q", full)
	}
}

func TestTranslateLine(t *testing.T) {
	t.Parallel()

	offset := strings.Count(defaultPreamble, "\n")

	if got := translateLine(1, offset); got != 0 {
		t.Errorf("translateLine(1, %d) = %d, want 0 (within preamble)", offset, got)
	}

	if got := translateLine(offset+1, offset); got != 1 {
		t.Errorf("translateLine(%d, %d) = %d, want 1 (first user-code line)", offset+1, offset, got)
	}
}
