package safeshell

import "fmt"

// Kind identifies the taxonomy of a structured SafeShell error. It is not a
// Go error type hierarchy: every failure is represented as a single *Error
// with a Kind field, matching the teacher's preference for sentinel errors
// over deep type trees.
type Kind string

const (
	KindConfigInvalid        Kind = "config-invalid"
	KindPathBlocked          Kind = "path-blocked"
	KindCommandBlocked       Kind = "command-blocked"
	KindSubcommandBlocked    Kind = "subcommand-blocked"
	KindFlagDenied           Kind = "flag-denied"
	KindFlagRequiredMissing  Kind = "flag-required-missing"
	KindPathArgBlocked       Kind = "path-arg-blocked"
	KindImportBlocked        Kind = "import-blocked"
	KindTimeout              Kind = "timeout"
	KindCapacityExceeded     Kind = "capacity-exceeded"
	KindNotFound             Kind = "not-found"
	KindInternal             Kind = "internal"
)

// Error is the structured error carried across the SafeShell service
// boundary. Every capability failure carries enough context to populate a
// PendingRetry; callers should use [errors.As] to recover it.
type Error struct {
	Kind    Kind
	Message string

	// Retry context, populated only for capability failures (command-blocked,
	// subcommand-blocked, flag-denied, flag-required-missing, path-arg-blocked,
	// and path-blocked for a denied network host, which sets BlockedHost).
	BlockedCommand   string
	BlockedCommands  []string
	NotFoundCommands []string
	BlockedHost      string

	// Cause is the underlying error, if any. Never part of the public message
	// for capability failures (those are meant to be actionable on their own).
	Cause error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}

	if e.Cause != nil {
		return fmt.Sprintf("safeshell: %s: %s: %v", e.Kind, e.Message, e.Cause)
	}

	return fmt.Sprintf("safeshell: %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}

	return e.Cause
}

func newError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func wrapError(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}
