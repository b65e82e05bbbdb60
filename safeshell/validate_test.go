package safeshell

import "testing"

func resolvedForExternal(t *testing.T, p Policy) (*ResolvedPolicy, Environment) {
	t.Helper()

	env, err := DefaultEnvironment()
	if err != nil {
		t.Fatal(err)
	}

	resolved, err := resolvePolicy(p, env)
	if err != nil {
		t.Fatal(err)
	}

	return resolved, env
}

func TestValidateCommandRejectsNonWhitelisted(t *testing.T) {
	t.Parallel()

	resolved, _ := resolvedForExternal(t, Policy{Permissions: Permissions{Run: []string{"ls"}}})

	err := validateCommand([]string{"rm", "-rf", "/"}, resolved, Environment{})
	if err == nil {
		t.Fatal("expected rm to be rejected as not whitelisted")
	}

	serr, ok := err.(*Error)
	if !ok || serr.Kind != KindCommandBlocked {
		t.Errorf("err = %v, want *Error{Kind: KindCommandBlocked}", err)
	}
}

func TestValidateCommandBareAllowedCommand(t *testing.T) {
	t.Parallel()

	resolved, _ := resolvedForExternal(t, Policy{Permissions: Permissions{Run: []string{"ls"}}})

	if err := validateCommand([]string{"ls", "-la"}, resolved, Environment{}); err != nil {
		t.Errorf("expected ls to be allowed, got %v", err)
	}
}

func TestValidateCommandSubcommandWhitelist(t *testing.T) {
	t.Parallel()

	policy := Policy{
		External: map[string]ExternalRule{
			"git": {Allow: []string{"status", "diff"}},
		},
	}

	resolved, _ := resolvedForExternal(t, policy)

	if err := validateCommand([]string{"git", "status"}, resolved, Environment{}); err != nil {
		t.Errorf("expected git status to be allowed, got %v", err)
	}

	err := validateCommand([]string{"git", "push"}, resolved, Environment{})
	if err == nil {
		t.Fatal("expected git push to be rejected, subcommand not in Allow")
	}

	serr, ok := err.(*Error)
	if !ok || serr.Kind != KindSubcommandBlocked {
		t.Errorf("err = %v, want *Error{Kind: KindSubcommandBlocked}", err)
	}
}

func TestValidateCommandDenyFlag(t *testing.T) {
	t.Parallel()

	policy := Policy{
		External: map[string]ExternalRule{
			"git": {AllowAll: true, DenyFlags: []string{"--force", "-f"}},
		},
	}

	resolved, _ := resolvedForExternal(t, policy)

	err := validateCommand([]string{"git", "push", "--force"}, resolved, Environment{})
	if err == nil {
		t.Fatal("expected --force to be denied")
	}

	if serr, ok := err.(*Error); !ok || serr.Kind != KindFlagDenied {
		t.Errorf("err = %v, want *Error{Kind: KindFlagDenied}", err)
	}
}

func TestValidateCommandRequireFlag(t *testing.T) {
	t.Parallel()

	policy := Policy{
		External: map[string]ExternalRule{
			"curl": {AllowAll: true, RequireFlags: []string{"--max-time"}},
		},
	}

	resolved, _ := resolvedForExternal(t, policy)

	err := validateCommand([]string{"curl", "https://example.com"}, resolved, Environment{})
	if err == nil {
		t.Fatal("expected missing --max-time to be rejected")
	}

	if serr, ok := err.(*Error); !ok || serr.Kind != KindFlagRequiredMissing {
		t.Errorf("err = %v, want *Error{Kind: KindFlagRequiredMissing}", err)
	}

	err = validateCommand([]string{"curl", "--max-time=5", "https://example.com"}, resolved, Environment{})
	if err != nil {
		t.Errorf("expected --max-time present to satisfy RequireFlags, got %v", err)
	}
}

func TestValidateCommandPathArgOutsideSandbox(t *testing.T) {
	t.Parallel()

	policy := Policy{
		Permissions: Permissions{Read: []string{"${CWD}"}},
		External: map[string]ExternalRule{
			"cat": {AllowAll: true, PathArgs: PathArgsRule{AutoDetect: true, ValidateSandbox: true}},
		},
	}

	resolved, _ := resolvedForExternal(t, policy)

	err := validateCommand([]string{"cat", "/etc/shadow"}, resolved, Environment{WorkDir: "/work"})
	if err == nil {
		t.Fatal("expected /etc/shadow to be rejected as outside the sandbox")
	}

	if serr, ok := err.(*Error); !ok || serr.Kind != KindPathArgBlocked {
		t.Errorf("err = %v, want *Error{Kind: KindPathArgBlocked}", err)
	}
}

func TestValidateCommandPathArgDefaultsToWrite(t *testing.T) {
	t.Parallel()

	// Under the permissive preset's shape (Read includes ${HOME}, Write
	// does not), an output-like path argument to an unclassified command
	// must still be checked against WritePaths, not accepted just because
	// it happens to fall within ReadPaths.
	policy := Policy{
		Permissions: Permissions{Read: []string{"${HOME}"}, Write: []string{"${CWD}"}},
		External: map[string]ExternalRule{
			"tee": {AllowAll: true, PathArgs: PathArgsRule{AutoDetect: true, ValidateSandbox: true}},
		},
	}

	resolved, _ := resolvedForExternal(t, policy)

	err := validateCommand([]string{"tee", "${HOME}/notes.txt"}, resolved, Environment{WorkDir: "/work", HomeDir: "/home/agent"})
	if err == nil {
		t.Fatal("expected a write to a read-only path to be rejected")
	}

	if serr, ok := err.(*Error); !ok || serr.Kind != KindPathArgBlocked {
		t.Errorf("err = %v, want *Error{Kind: KindPathArgBlocked}", err)
	}
}

func TestValidateCommandOutputFlagChecksWritePaths(t *testing.T) {
	t.Parallel()

	policy := Policy{
		Permissions: Permissions{Read: []string{"${HOME}"}, Write: []string{"${CWD}"}},
		External: map[string]ExternalRule{
			"sort": {AllowAll: true, PathArgs: PathArgsRule{AutoDetect: true, ValidateSandbox: true}},
		},
	}

	resolved, _ := resolvedForExternal(t, policy)

	err := validateCommand([]string{"sort", "--output=${HOME}/out.txt", "${CWD}/in.txt"}, resolved, Environment{WorkDir: "/work", HomeDir: "/home/agent"})
	if err == nil {
		t.Fatal("expected --output targeting a read-only path to be rejected")
	}

	if serr, ok := err.(*Error); !ok || serr.Kind != KindPathArgBlocked {
		t.Errorf("err = %v, want *Error{Kind: KindPathArgBlocked}", err)
	}
}

func TestFirstPositionalSkipsFlags(t *testing.T) {
	t.Parallel()

	name, idx := firstPositional([]string{"--verbose", "status", "--all"})
	if name != "status" || idx != 1 {
		t.Errorf("firstPositional = (%q, %d), want (\"status\", 1)", name, idx)
	}

	name, idx = firstPositional([]string{"--verbose"})
	if name != "" || idx != -1 {
		t.Errorf("firstPositional = (%q, %d), want (\"\", -1)", name, idx)
	}
}
