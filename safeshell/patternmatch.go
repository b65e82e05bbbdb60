package safeshell

// matchPattern reports whether name matches pattern using '*' as the sole
// metacharacter, meaning "any sequence of characters" (including empty).
// Matching is fully anchored (the whole name must match, not a substring)
// and case-sensitive.
//
// This is deliberately a hand-rolled matcher rather than filepath.Match or
// doublestar: both support additional metacharacters ('?', character
// classes, '**') that the env allow/mask, network host and denied-flag
// patterns do not define (import patterns use doublestar instead, see
// importcheck.go),
// and accepting them here would silently widen what a policy author can
// express beyond what the policy schema documents.
func matchPattern(pattern, name string) bool {
	pIdx, nIdx := 0, 0
	starIdx, matchFrom := -1, 0

	for nIdx < len(name) {
		switch {
		case pIdx < len(pattern) && pattern[pIdx] == name[nIdx]:
			pIdx++
			nIdx++
		case pIdx < len(pattern) && pattern[pIdx] == '*':
			starIdx = pIdx
			matchFrom = nIdx
			pIdx++
		case starIdx != -1:
			pIdx = starIdx + 1
			matchFrom++
			nIdx = matchFrom
		default:
			return false
		}
	}

	for pIdx < len(pattern) && pattern[pIdx] == '*' {
		pIdx++
	}

	return pIdx == len(pattern)
}

// matchAny reports whether name matches any of patterns.
func matchAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if matchPattern(p, name) {
			return true
		}
	}

	return false
}
