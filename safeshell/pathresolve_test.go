package safeshell

import (
	"os"
	"path/filepath"
	"testing"
)

func TestPathContains(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	sub := filepath.Join(dir, "sub")

	if err := os.Mkdir(sub, 0o700); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name      string
		ancestor  string
		candidate string
		want      bool
	}{
		{"self", dir, dir, true},
		{"child", dir, sub, true},
		{"sibling-prefix-collision", dir, dir + "-evil", false},
		{"parent-not-contained-in-child", sub, dir, false},
	}

	for _, tt := range tests {
		tt := tt

		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := pathContains(tt.ancestor, tt.candidate); got != tt.want {
				t.Errorf("pathContains(%q, %q) = %v, want %v", tt.ancestor, tt.candidate, got, tt.want)
			}
		})
	}
}

func TestDualFormCollapsesIdenticalForms(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	forms := dualForm(dir)
	if len(forms) != 1 {
		t.Errorf("dualForm(%q) = %v, want a single element for a non-symlinked path", dir, forms)
	}
}

func TestDualFormExpandsSymlink(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	real := filepath.Join(dir, "real")
	link := filepath.Join(dir, "link")

	if err := os.Mkdir(real, 0o700); err != nil {
		t.Fatal(err)
	}

	if err := os.Symlink(real, link); err != nil {
		t.Skipf("symlinks unsupported in this environment: %v", err)
	}

	forms := dualForm(link)
	if len(forms) != 2 {
		t.Fatalf("dualForm(%q) = %v, want [link, real]", link, forms)
	}

	if forms[0] != filepath.Clean(link) {
		t.Errorf("forms[0] = %q, want the literal link path", forms[0])
	}
}

func TestResolveAbsExpandsTokens(t *testing.T) {
	t.Parallel()

	env := Environment{HomeDir: "/home/agent", WorkDir: "/work/project"}

	got := resolveAbs("${CWD}/out", env)
	want := "/work/project/out"

	if got != want {
		t.Errorf("resolveAbs(${CWD}/out) = %q, want %q", got, want)
	}

	got = resolveAbs("${HOME}/.cache", env)
	want = "/home/agent/.cache"

	if got != want {
		t.Errorf("resolveAbs(${HOME}/.cache) = %q, want %q", got, want)
	}
}
