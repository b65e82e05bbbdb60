// Package safeshell provides a sandboxed execution service for AI assistants
// and automated agents.
//
// A caller submits either a fragment of code or a named command; the package
// validates it against a declarative [Policy], runs it in an isolated child
// process with exactly the capabilities that policy permits, captures its
// output with bounded buffers, and tracks it as a long-lived record that can
// be inspected, streamed, waited on, or terminated. Multiple callers share
// the service through persistent [Shell]s that carry working-directory,
// environment, and user-variable state across calls.
//
// # Scope
//
// This package is not a general OS-level sandbox: it relies on the child
// runtime's own capability flags and on policy-level validation (allowed
// commands, allowed paths, masked environment) rather than kernel namespaces.
// It provides no mid-execution capability revocation and no hard
// memory-isolation guarantees beyond output buffer caps. Live processes are
// not persisted across service restarts — only their metadata.
//
// # Entry point
//
// [NewOrchestrator] wires every subsystem (policy, validation, sandboxing,
// streaming execution, shell/script/job tracking, persistence, retry) behind
// the [*Orchestrator] facade, which is the package's primary public surface.
package safeshell
