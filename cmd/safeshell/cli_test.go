package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/safeshell/safeshell"
)

func newTestOrchestrator(t *testing.T) *safeshell.Orchestrator {
	t.Helper()

	orch, err := safeshell.NewOrchestrator(safeshell.Config{BaseDir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() { orch.Close() })

	return orch
}

func TestDispatchShellStartEndList(t *testing.T) {
	t.Parallel()

	orch := newTestOrchestrator(t)
	ctx := context.Background()

	var out bytes.Buffer

	code, err := dispatch(ctx, orch, &out, &out, []string{"shell", "start", "--preset", "standard"}, "", safeshell.Policy{})
	if err != nil || code != 0 {
		t.Fatalf("shell start failed: code=%d err=%v", code, err)
	}

	shellID := strings.TrimSpace(out.String())
	if shellID == "" {
		t.Fatal("expected shell start to print a shell ID")
	}

	out.Reset()

	code, err = dispatch(ctx, orch, &out, &out, []string{"shell", "list"}, "", safeshell.Policy{})
	if err != nil || code != 0 {
		t.Fatalf("shell list failed: code=%d err=%v", code, err)
	}

	if !strings.Contains(out.String(), shellID) {
		t.Errorf("shell list output = %q, want it to contain %q", out.String(), shellID)
	}

	out.Reset()

	code, err = dispatch(ctx, orch, &out, &out, []string{"shell", "end", shellID}, "", safeshell.Policy{})
	if err != nil || code != 0 {
		t.Fatalf("shell end failed: code=%d err=%v", code, err)
	}
}

func TestDispatchExecRunsCodeFragment(t *testing.T) {
	t.Parallel()

	orch := newTestOrchestrator(t)
	ctx := context.Background()

	var out bytes.Buffer

	cliOverlay := safeshell.Policy{Permissions: safeshell.Permissions{Run: []string{"echo"}}}

	dispatch(ctx, orch, &out, &out, []string{"shell", "start", "--preset", "standard"}, "", cliOverlay)

	shellID := strings.TrimSpace(out.String())
	out.Reset()

	code, err := dispatch(ctx, orch, &out, &out, []string{"exec", shellID, "echo hello"}, "", safeshell.Policy{})
	if err != nil || code != 0 {
		t.Fatalf("exec failed: code=%d err=%v out=%q", code, err, out.String())
	}

	if strings.TrimSpace(out.String()) != "hello" {
		t.Errorf("exec output = %q, want \"hello\"", out.String())
	}
}

func TestDispatchExecRejectedFragmentSurfacesError(t *testing.T) {
	t.Parallel()

	orch := newTestOrchestrator(t)
	ctx := context.Background()

	var out bytes.Buffer

	dispatch(ctx, orch, &out, &out, []string{"shell", "start", "--preset", "strict"}, "", safeshell.Policy{})
	shellID := strings.TrimSpace(out.String())
	out.Reset()

	code, err := dispatch(ctx, orch, &out, &out, []string{"exec", shellID, "rm -rf /"}, "", safeshell.Policy{})
	if err == nil {
		t.Fatal("expected exec of a non-whitelisted command fragment to fail")
	}

	if code == 0 {
		t.Error("expected a non-zero exit code for a rejected fragment")
	}
}

func TestDispatchRunRejectedCommandSurfacesError(t *testing.T) {
	t.Parallel()

	orch := newTestOrchestrator(t)
	ctx := context.Background()

	var out bytes.Buffer

	dispatch(ctx, orch, &out, &out, []string{"shell", "start", "--preset", "strict"}, "", safeshell.Policy{})
	shellID := strings.TrimSpace(out.String())
	out.Reset()

	code, err := dispatch(ctx, orch, &out, &out, []string{"run", shellID, "--", "rm", "-rf", "/"}, "", safeshell.Policy{})
	if err == nil {
		t.Fatal("expected run of a non-whitelisted command to fail")
	}

	if code == 0 {
		t.Error("expected a non-zero exit code for a rejected command")
	}
}

func TestDispatchRunDryRunDoesNotExecute(t *testing.T) {
	t.Parallel()

	orch := newTestOrchestrator(t)
	ctx := context.Background()

	var out bytes.Buffer

	cliOverlay := safeshell.Policy{Permissions: safeshell.Permissions{Run: []string{"pwd"}}}

	dispatch(ctx, orch, &out, &out, []string{"shell", "start", "--preset", "standard"}, "", cliOverlay)
	shellID := strings.TrimSpace(out.String())
	out.Reset()

	code, err := dispatch(ctx, orch, &out, &out, []string{"run", "--dry-run", shellID, "--", "pwd"}, "", safeshell.Policy{})
	if err != nil || code != 0 {
		t.Fatalf("run --dry-run failed: code=%d err=%v", code, err)
	}

	if out.Len() == 0 {
		t.Error("expected --dry-run to print the would-be child environment")
	}
}

func TestDispatchUnknownCommand(t *testing.T) {
	t.Parallel()

	orch := newTestOrchestrator(t)
	ctx := context.Background()

	var out bytes.Buffer

	code, err := dispatch(ctx, orch, &out, &out, []string{"bogus"}, "", safeshell.Policy{})
	if err == nil || code == 0 {
		t.Error("expected an unknown command to return a non-zero code and an error")
	}
}

func TestDispatchCheckImport(t *testing.T) {
	t.Parallel()

	orch := newTestOrchestrator(t)
	ctx := context.Background()

	var out bytes.Buffer

	dispatch(ctx, orch, &out, &out, []string{"shell", "start", "--preset", "standard"}, "", safeshell.Policy{})
	shellID := strings.TrimSpace(out.String())
	out.Reset()

	code, err := dispatch(ctx, orch, &out, &out, []string{"check-import", shellID, "lodash"}, "", safeshell.Policy{})
	if err != nil || code != 0 {
		t.Fatalf("check-import failed: code=%d err=%v", code, err)
	}

	if strings.TrimSpace(out.String()) != "allowed" {
		t.Errorf("check-import output = %q, want \"allowed\"", out.String())
	}
}
