package safeshell

import "time"

// BasePolicy returns the built-in Policy for name, before any user overlay
// is applied. Token patterns (${CWD}, ${HOME}) are resolved later, once an
// Environment is available (see resolvePolicy).
//
// Grounded on the teacher's expandPresets/resolvePresetToggles
// (sandbox/presets.go), which expands a small set of named presets into
// concrete mount lists; here the presets expand directly into Policy
// values instead of bwrap mounts, per spec.md §6.
func BasePolicy(name PresetName) (Policy, error) {
	switch name {
	case PresetStrict:
		return strictPolicy(), nil
	case PresetStandard:
		return standardPolicy(), nil
	case PresetPermissive:
		return permissivePolicy(), nil
	default:
		return Policy{}, newError(KindConfigInvalid, "unknown preset %q", name)
	}
}

func strictPolicy() Policy {
	return Policy{
		Preset: PresetStrict,
		Permissions: Permissions{
			Read:  []string{"${CWD}", "/tmp"},
			Write: []string{"/tmp"},
			Net:   NetGrant{},
			Run:   nil,
		},
		External: map[string]ExternalRule{},
		Env: EnvRules{
			Allow: []string{"PATH", "HOME", "LANG", "LC_*", "TERM", "TMPDIR"},
			Mask:  []string{"*_TOKEN", "*_KEY", "*_SECRET", "AWS_*", "GITHUB_TOKEN"},
		},
		Imports: ImportRules{
			Blocked: []string{"npm", "http", "https"},
		},
		Tasks:   map[string]TaskDef{},
		Timeout: defaultTimeout,
	}
}

func standardPolicy() Policy {
	p := strictPolicy()
	p.Preset = PresetStandard
	p.Permissions.Write = []string{"${CWD}", "/tmp"}

	return p
}

// permissivePolicy pre-sets a curated allow-list of common, low-risk
// inspection and VCS commands, granted full network access, and relaxes
// import blocking to the transport-level primitives only.
func permissivePolicy() Policy {
	return Policy{
		Preset: PresetPermissive,
		Permissions: Permissions{
			Read:  []string{"${CWD}", "/tmp", "${HOME}"},
			Write: []string{"${CWD}", "/tmp"},
			Net:   NetGrant{All: true},
			Run:   []string{"ls", "cat", "pwd", "echo", "grep", "find", "wc", "sort", "head", "tail", "diff"},
		},
		External: map[string]ExternalRule{
			"git": {
				AllowAll:  true,
				DenyFlags: []string{"--force", "-f"},
				PathArgs:  PathArgsRule{AutoDetect: true, ValidateSandbox: true},
			},
		},
		Env: EnvRules{
			Allow: []string{"PATH", "HOME", "LANG", "LC_*", "TERM", "TMPDIR", "EDITOR"},
			Mask:  []string{"*_TOKEN", "*_KEY", "*_SECRET", "AWS_*", "GITHUB_TOKEN"},
		},
		Imports: ImportRules{
			Blocked: []string{"http", "https"},
		},
		Tasks:   map[string]TaskDef{},
		Timeout: 60 * time.Second,
	}
}
