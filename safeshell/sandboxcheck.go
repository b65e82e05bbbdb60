package safeshell

// checkRead reports whether path may be read under resolved, and the error
// to report otherwise.
//
// Grounded on spec.md §4.5 (Sandbox Checker): containment is evaluated
// against the dual-form expanded allow-list. The fixed systemSensitiveRoots
// deny-list is not consulted for reads; only checkWrite applies it.
func checkRead(path string, resolved *ResolvedPolicy, env Environment) error {
	abs := resolveAbs(path, env)

	if !pathContainsAny(resolved.ReadPaths, abs) {
		return &Error{Kind: KindPathBlocked, Message: "read denied: " + path}
	}

	return nil
}

// checkWrite reports whether path may be written under resolved. A write
// beneath a system-sensitive root is denied even when an allow entry
// matches; for the "/" root only a write to "/" itself is denied.
func checkWrite(path string, resolved *ResolvedPolicy, env Environment) error {
	abs := resolveAbs(path, env)

	for _, sensitive := range systemSensitiveRoots {
		if sensitive == "/" && abs != "/" {
			continue
		}

		if pathContains(sensitive, abs) {
			return &Error{Kind: KindPathBlocked, Message: "write denied (sensitive root): " + path}
		}
	}

	if !pathContainsAny(resolved.WritePaths, abs) {
		return &Error{Kind: KindPathBlocked, Message: "write denied: " + path}
	}

	return nil
}

// checkHost reports whether host may be contacted under resolved's network
// grant. Hosts are matched using the same '*' pattern grammar as env rules.
func checkHost(host string, resolved *ResolvedPolicy) error {
	if resolved.Net.All {
		return nil
	}

	if matchAny(resolved.Net.Hosts, host) {
		return nil
	}

	return &Error{Kind: KindPathBlocked, Message: "network host denied: " + host, BlockedHost: host}
}
