package safeshell

import (
	"maps"
	"slices"
	"time"
)

// PresetName identifies one of the three built-in policy presets.
type PresetName string

const (
	PresetStrict     PresetName = "strict"
	PresetStandard   PresetName = "standard"
	PresetPermissive PresetName = "permissive"
)

// NetGrant describes network access: either a finite allow-list of hosts, or
// "all" (every host allowed).
type NetGrant struct {
	All   bool
	Hosts []string
}

// Permissions holds the allow-lists that gate capability at the coarsest
// grain.
type Permissions struct {
	Read  []string
	Write []string
	Net   NetGrant
	Run   []string
	Env   []string
}

// PathArgsRule configures how a command's path-shaped arguments are
// detected and validated.
type PathArgsRule struct {
	AutoDetect      bool
	ValidateSandbox bool
	Positions       []int
}

// ExternalRule configures fine-grained control over one whitelisted
// command: which subcommands, flags, and path arguments are permitted.
type ExternalRule struct {
	// AllowAll, when true, permits any first positional argument
	// (subcommand). When false, Allow is the exhaustive subcommand
	// allow-list.
	AllowAll     bool
	Allow        []string
	DenyFlags    []string
	RequireFlags []string
	PathArgs     PathArgsRule
}

// EnvRules configures which host environment variables are copied into a
// child's environment.
type EnvRules struct {
	Allow []string
	Mask  []string
}

// ImportRules configures module-import policy for code fragments.
type ImportRules struct {
	Trusted []string
	Allowed []string
	Blocked []string
}

// TaskDef is one entry in the policy's task table. Exactly one of Inline,
// Parallel, Serial, or Alias should be set.
type TaskDef struct {
	Inline   string
	Parallel []string
	Serial   []string
	Alias    string
	Cwd      string
	Env      map[string]string
}

// Policy is the immutable, declarative configuration governing what a
// SafeShell shell may do. It is constructed from a preset overlaid with
// optional user fields (see [LoadPolicy] / [MergePolicy]).
type Policy struct {
	Preset      PresetName
	Permissions Permissions
	External    map[string]ExternalRule
	Env         EnvRules
	Imports     ImportRules
	Tasks       map[string]TaskDef
	Timeout     time.Duration
}

// ResolvedPolicy is the capability view computed once at load time and
// carried alongside the stored Policy. It must never be re-derived per
// request (see spec.md §9, "Capability view vs. stored policy").
type ResolvedPolicy struct {
	Policy Policy

	// AllAllowedCommands is the union of Permissions.Run and the keys of
	// External.
	AllAllowedCommands map[string]bool

	// ReadPaths/WritePaths are dual-form expanded (literal + real), see C1.
	ReadPaths  []string
	WritePaths []string

	Net NetGrant

	EnvAllow []string
	EnvMask  []string

	Imports ImportRules

	Tasks map[string]TaskDef

	Timeout time.Duration

	// Diagnostics holds non-fatal validation warnings (e.g. trusted/blocked
	// import overlap).
	Diagnostics []string
}

// systemSensitiveRoots are paths that a write grant must never contain or be
// an ancestor of. Presets are pre-validated against this list; user policy
// overlays are validated against it too.
var systemSensitiveRoots = []string{
	"/", "/etc", "/usr", "/bin", "/sbin", "/boot", "/sys", "/proc", "/dev", "/lib", "/lib64",
}

// clonePolicy returns a deep copy of p.
func clonePolicy(p Policy) Policy {
	out := p
	out.Permissions.Read = slices.Clone(p.Permissions.Read)
	out.Permissions.Write = slices.Clone(p.Permissions.Write)
	out.Permissions.Run = slices.Clone(p.Permissions.Run)
	out.Permissions.Env = slices.Clone(p.Permissions.Env)
	out.Permissions.Net = NetGrant{All: p.Permissions.Net.All, Hosts: slices.Clone(p.Permissions.Net.Hosts)}

	out.External = make(map[string]ExternalRule, len(p.External))
	for k, v := range p.External {
		v.Allow = slices.Clone(v.Allow)
		v.DenyFlags = slices.Clone(v.DenyFlags)
		v.RequireFlags = slices.Clone(v.RequireFlags)
		v.PathArgs.Positions = slices.Clone(v.PathArgs.Positions)
		out.External[k] = v
	}

	out.Env = EnvRules{Allow: slices.Clone(p.Env.Allow), Mask: slices.Clone(p.Env.Mask)}
	out.Imports = ImportRules{
		Trusted: slices.Clone(p.Imports.Trusted),
		Allowed: slices.Clone(p.Imports.Allowed),
		Blocked: slices.Clone(p.Imports.Blocked),
	}

	out.Tasks = make(map[string]TaskDef, len(p.Tasks))
	for k, v := range p.Tasks {
		v.Parallel = slices.Clone(v.Parallel)
		v.Serial = slices.Clone(v.Serial)
		v.Env = maps.Clone(v.Env)
		out.Tasks[k] = v
	}

	return out
}

// MergePolicy deep-merges overlay onto base (the preset), following the
// union-of-lists rule for capability arrays and scalar replacement for
// everything else. This satisfies law L1: merging a zero-value overlay onto
// preset P reproduces P's documented capability vector exactly.
func MergePolicy(base Policy, overlay Policy) Policy {
	out := clonePolicy(base)

	if overlay.Preset != "" {
		out.Preset = overlay.Preset
	}

	out.Permissions.Read = unionStrings(out.Permissions.Read, overlay.Permissions.Read)
	out.Permissions.Write = unionStrings(out.Permissions.Write, overlay.Permissions.Write)
	out.Permissions.Run = unionStrings(out.Permissions.Run, overlay.Permissions.Run)
	out.Permissions.Env = unionStrings(out.Permissions.Env, overlay.Permissions.Env)

	if overlay.Permissions.Net.All {
		out.Permissions.Net.All = true
	}

	out.Permissions.Net.Hosts = unionStrings(out.Permissions.Net.Hosts, overlay.Permissions.Net.Hosts)

	for name, rule := range overlay.External {
		out.External[name] = rule
	}

	out.Env.Allow = unionStrings(out.Env.Allow, overlay.Env.Allow)
	out.Env.Mask = unionStrings(out.Env.Mask, overlay.Env.Mask)

	out.Imports.Trusted = unionStrings(out.Imports.Trusted, overlay.Imports.Trusted)
	out.Imports.Allowed = unionStrings(out.Imports.Allowed, overlay.Imports.Allowed)
	out.Imports.Blocked = unionStrings(out.Imports.Blocked, overlay.Imports.Blocked)

	for name, task := range overlay.Tasks {
		out.Tasks[name] = task
	}

	if overlay.Timeout != 0 {
		out.Timeout = overlay.Timeout
	}

	return out
}

func unionStrings(base, overlay []string) []string {
	if len(overlay) == 0 {
		return base
	}

	seen := make(map[string]bool, len(base)+len(overlay))

	out := make([]string, 0, len(base)+len(overlay))
	for _, s := range append(slices.Clone(base), overlay...) {
		if !seen[s] {
			seen[s] = true

			out = append(out, s)
		}
	}

	return out
}

// validatePolicy checks invariants that must hold once a Policy's preset and
// overlay have been merged. It returns fatal errors only; non-fatal
// observations are returned separately as diagnostics so callers can choose
// whether to surface them.
//
// Grounded on the teacher's validateConfigAndEnv (sandbox/validate.go):
// errors are collected and joined rather than returned on first failure.
func validatePolicy(p Policy, env Environment) ([]string, error) {
	var errs []error

	for _, pattern := range p.Permissions.Write {
		abs := resolveAbs(pattern, env)

		for _, sensitive := range systemSensitiveRoots {
			if abs == sensitive || pathContains(abs, sensitive) {
				errs = append(errs, newError(KindConfigInvalid,
					"write path %q is, or is an ancestor of, sensitive root %q", pattern, sensitive))

				break
			}
		}
	}

	for cmdName := range p.External {
		if cmdName == "" {
			errs = append(errs, newError(KindConfigInvalid, "external rule has empty command name"))
		}
	}

	var diagnostics []string

	for _, trusted := range p.Imports.Trusted {
		for _, blocked := range p.Imports.Blocked {
			if trusted == blocked || matchPattern(trusted, blocked) || matchPattern(blocked, trusted) {
				diagnostics = append(diagnostics,
					"import pattern %q is both trusted and blocked: "+trusted+" vs "+blocked)
			}
		}
	}

	if len(errs) > 0 {
		return diagnostics, joinErrors(KindConfigInvalid, errs)
	}

	return diagnostics, nil
}

func joinErrors(kind Kind, errs []error) error {
	if len(errs) == 0 {
		return nil
	}

	if len(errs) == 1 {
		return errs[0]
	}

	msg := ""

	for i, e := range errs {
		if i > 0 {
			msg += "; "
		}

		msg += e.Error()
	}

	return newError(kind, "%s", msg)
}

// resolvePolicy computes the ResolvedPolicy capability view for p, given
// env. This is done exactly once, at shell-start time.
func resolvePolicy(p Policy, env Environment) (*ResolvedPolicy, error) {
	diagnostics, err := validatePolicy(p, env)
	if err != nil {
		return nil, err
	}

	allAllowed := make(map[string]bool, len(p.Permissions.Run)+len(p.External))
	for _, cmd := range p.Permissions.Run {
		allAllowed[cmd] = true
	}

	for cmd := range p.External {
		allAllowed[cmd] = true
	}

	readPaths := make([]string, 0, len(p.Permissions.Read))
	for _, pattern := range p.Permissions.Read {
		readPaths = append(readPaths, resolveAbs(pattern, env))
	}

	writePaths := make([]string, 0, len(p.Permissions.Write))
	for _, pattern := range p.Permissions.Write {
		writePaths = append(writePaths, resolveAbs(pattern, env))
	}

	timeout := p.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}

	return &ResolvedPolicy{
		Policy:             p,
		AllAllowedCommands: allAllowed,
		ReadPaths:          expandDualForms(readPaths),
		WritePaths:         expandDualForms(writePaths),
		Net:                p.Permissions.Net,
		EnvAllow:           p.Env.Allow,
		EnvMask:            p.Env.Mask,
		Imports:            p.Imports,
		Tasks:              p.Tasks,
		Timeout:            timeout,
		Diagnostics:        diagnostics,
	}, nil
}

const defaultTimeout = 30 * time.Second
