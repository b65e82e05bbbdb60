package safeshell

import "github.com/bmatcuk/doublestar/v4"

// checkImport reports whether specifier (a module/package import path, e.g.
// "net/http" or "npm:left-pad") may be used under resolved's import rules.
//
// Unlike env/command patterns (C2), import specifiers are path-shaped, so
// matching uses doublestar's richer glob grammar ('**' across path
// segments, character classes) rather than the restricted single-'*'
// matcher — see patternmatch.go's doc comment for why the two are kept
// separate.
func checkImport(specifier string, resolved *ResolvedPolicy) error {
	if importMatchAny(resolved.Imports.Blocked, specifier) {
		return &Error{Kind: KindImportBlocked, Message: "import blocked: " + specifier}
	}

	if importMatchAny(resolved.Imports.Trusted, specifier) {
		return nil
	}

	if len(resolved.Imports.Allowed) == 0 {
		return nil
	}

	if importMatchAny(resolved.Imports.Allowed, specifier) {
		return nil
	}

	return &Error{Kind: KindImportBlocked, Message: "import not in allow-list: " + specifier}
}

func importMatchAny(patterns []string, specifier string) bool {
	for _, p := range patterns {
		if ok, err := doublestar.Match(p, specifier); err == nil && ok {
			return true
		}
	}

	return false
}
