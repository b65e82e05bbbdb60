package safeshell

import (
	"path/filepath"
	"strings"
)

// realPath resolves path to its canonical, symlink-free form. If resolution
// fails (the path does not exist, or a component is inaccessible), the
// cleaned input is returned unchanged so that policy can still reason about
// the intended path.
//
// Grounded on the teacher's resolveOnePath (cmd/agent-sandbox/path.go):
// EvalSymlinks is used opportunistically, with a silent fallback rather than
// a propagated error, since the caller (policy/sandbox checks) needs to keep
// working even for paths that don't exist yet (e.g. an output file about to
// be created).
func realPath(path string) string {
	cleaned := filepath.Clean(path)

	resolved, err := filepath.EvalSymlinks(cleaned)
	if err != nil {
		return cleaned
	}

	return resolved
}

// dualForm returns the [original, real] pair for path, collapsed to a single
// element when the two forms are identical.
//
// This is essential on systems where e.g. /tmp is a symlink to /private/tmp:
// a child runtime granted access to the literal string "/tmp" must also be
// granted access to "/private/tmp", and vice versa (law L3).
func dualForm(path string) []string {
	cleaned := filepath.Clean(path)
	real := realPath(cleaned)

	if real == cleaned {
		return []string{cleaned}
	}

	return []string{cleaned, real}
}

// expandDualForms expands every path in paths to its dual form and
// deduplicates across the result.
func expandDualForms(paths []string) []string {
	seen := make(map[string]bool, len(paths)*2)

	out := make([]string, 0, len(paths)*2)

	for _, p := range paths {
		for _, form := range dualForm(p) {
			if !seen[form] {
				seen[form] = true

				out = append(out, form)
			}
		}
	}

	return out
}

// pathContains reports whether candidate's real form equals, or lies
// beneath, ancestor's real form.
//
// Comparison walks canonicalized path components so that "/foo-evil" is
// never considered to lie beneath "/foo" (a naive string-prefix check would
// get this wrong); see spec.md §9 "Path containment".
func pathContains(ancestor, candidate string) bool {
	realAncestor := realPath(ancestor)
	realCandidate := realPath(candidate)

	if realAncestor == realCandidate {
		return true
	}

	rel, err := filepath.Rel(realAncestor, realCandidate)
	if err != nil {
		return false
	}

	if rel == "." {
		return true
	}

	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false
	}

	return true
}

// pathContainsAny reports whether candidate lies within (or equals) any of
// ancestors.
func pathContainsAny(ancestors []string, candidate string) bool {
	for _, a := range ancestors {
		if pathContains(a, candidate) {
			return true
		}
	}

	return false
}

// expandTokens replaces the ${CWD} and ${HOME} tokens in pattern with their
// concrete values from env. Tokens are literal; no other environment
// variable expansion is performed (see spec.md §6, "Paths accept the
// tokens ${CWD} and ${HOME}").
func expandTokens(pattern string, env Environment) string {
	replacer := strings.NewReplacer(
		"${CWD}", env.WorkDir,
		"${HOME}", env.HomeDir,
	)

	return replacer.Replace(pattern)
}

// resolveAbs resolves pattern (after token expansion) to an absolute,
// cleaned path, relative to env.WorkDir when not already absolute.
func resolveAbs(pattern string, env Environment) string {
	expanded := expandTokens(pattern, env)

	if filepath.IsAbs(expanded) {
		return filepath.Clean(expanded)
	}

	return filepath.Clean(filepath.Join(env.WorkDir, expanded))
}
