package safeshell

import "sort"

// buildEnv constructs the environment map for a child process: every host
// variable matching an allow pattern is copied across, unless it also
// matches a mask pattern (mask always wins), then extra is overlaid on top
// (context injection: SAFESHELL_SHELL_ID, SAFESHELL_SCRIPT_ID).
//
// Grounded on the teacher's envMapToSliceSorted (sandbox/command.go), which
// builds the final child environment from a resolved map; the allow/mask
// filtering step is specific to spec.md §4.6.
func buildEnv(resolved *ResolvedPolicy, env Environment, extra map[string]string) map[string]string {
	out := make(map[string]string, len(env.HostEnv)+len(extra))

	for k, v := range env.HostEnv {
		if !matchAny(resolved.EnvAllow, k) {
			continue
		}

		if matchAny(resolved.EnvMask, k) {
			continue
		}

		out[k] = v
	}

	for k, v := range extra {
		out[k] = v
	}

	return out
}

// envMapToSliceSorted renders a child environment map as "K=V" pairs sorted
// by key, for deterministic test assertions and process spawning.
func envMapToSliceSorted(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	out := make([]string, 0, len(m))
	for _, k := range keys {
		out = append(out, k+"="+m[k])
	}

	return out
}

// contextEnv returns the SAFESHELL_* variables injected into every script's
// environment, identifying the shell/script/job to code running inside it.
func contextEnv(shellID, scriptID string) map[string]string {
	m := map[string]string{
		"SAFESHELL_SHELL_ID": shellID,
	}
	if scriptID != "" {
		m["SAFESHELL_SCRIPT_ID"] = scriptID
	}

	return m
}
