package safeshell

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tailscale/hujson"
)

// LoadConfigInput names the policy files to layer, in increasing
// precedence: global, then project (or an explicit --config path in its
// place).
//
// Grounded on the teacher's LoadConfigInput/LoadConfig (cmd/agent-sandbox/config.go):
// same global→project→explicit layering, same hujson-then-strict-JSON
// decode discipline, adapted to decode a Policy overlay instead of the
// teacher's sandbox Config.
type LoadConfigInput struct {
	GlobalPath   string
	ProjectPath  string
	ExplicitPath string
}

// policyDoc is the JSON/JSONC schema for a policy file. Every field is
// optional; the zero value contributes nothing when merged.
type policyDoc struct {
	Preset      string                     `json:"preset,omitempty"`
	Permissions permissionsDoc             `json:"permissions,omitempty"`
	External    map[string]externalRuleDoc `json:"external,omitempty"`
	Env         envRulesDoc                `json:"env,omitempty"`
	Imports     importRulesDoc             `json:"imports,omitempty"`
	Tasks       map[string]taskDoc         `json:"tasks,omitempty"`
	TimeoutMS   int                        `json:"timeout_ms,omitempty"`
}

type permissionsDoc struct {
	Read  []string    `json:"read,omitempty"`
	Write []string    `json:"write,omitempty"`
	Net   netGrantDoc `json:"net,omitempty"`
	Run   []string    `json:"run,omitempty"`
	Env   []string    `json:"env,omitempty"`
}

// netGrantDoc decodes either the literal string "all" or an array of host
// patterns into a NetGrant.
type netGrantDoc NetGrant

func (n *netGrantDoc) UnmarshalJSON(data []byte) error {
	var literal string
	if err := json.Unmarshal(data, &literal); err == nil {
		if literal != "all" {
			return fmt.Errorf("net: unrecognized string value %q, want \"all\"", literal)
		}

		n.All = true

		return nil
	}

	var hosts []string
	if err := json.Unmarshal(data, &hosts); err != nil {
		return fmt.Errorf("net: expected \"all\" or an array of hosts: %w", err)
	}

	n.Hosts = hosts

	return nil
}

type pathArgsDoc struct {
	AutoDetect      bool  `json:"auto_detect,omitempty"`
	ValidateSandbox bool  `json:"validate_sandbox,omitempty"`
	Positions       []int `json:"positions,omitempty"`
}

type externalRuleDoc struct {
	AllowAll     bool        `json:"allow_all,omitempty"`
	Allow        []string    `json:"allow,omitempty"`
	DenyFlags    []string    `json:"deny_flags,omitempty"`
	RequireFlags []string    `json:"require_flags,omitempty"`
	PathArgs     pathArgsDoc `json:"path_args,omitempty"`
}

type envRulesDoc struct {
	Allow []string `json:"allow,omitempty"`
	Mask  []string `json:"mask,omitempty"`
}

type importRulesDoc struct {
	Trusted []string `json:"trusted,omitempty"`
	Allowed []string `json:"allowed,omitempty"`
	Blocked []string `json:"blocked,omitempty"`
}

type taskDoc struct {
	Inline   string            `json:"inline,omitempty"`
	Parallel []string          `json:"parallel,omitempty"`
	Serial   []string          `json:"serial,omitempty"`
	Alias    string            `json:"alias,omitempty"`
	Cwd      string            `json:"cwd,omitempty"`
	Env      map[string]string `json:"env,omitempty"`
}

func (d policyDoc) toPolicy() Policy {
	p := Policy{
		Preset: PresetName(d.Preset),
		Permissions: Permissions{
			Read:  d.Permissions.Read,
			Write: d.Permissions.Write,
			Net:   NetGrant(d.Permissions.Net),
			Run:   d.Permissions.Run,
			Env:   d.Permissions.Env,
		},
		External: make(map[string]ExternalRule, len(d.External)),
		Env:      EnvRules{Allow: d.Env.Allow, Mask: d.Env.Mask},
		Imports: ImportRules{
			Trusted: d.Imports.Trusted,
			Allowed: d.Imports.Allowed,
			Blocked: d.Imports.Blocked,
		},
		Tasks: make(map[string]TaskDef, len(d.Tasks)),
	}

	if d.TimeoutMS > 0 {
		p.Timeout = msToDuration(d.TimeoutMS)
	}

	for name, rule := range d.External {
		p.External[name] = ExternalRule{
			AllowAll:     rule.AllowAll,
			Allow:        rule.Allow,
			DenyFlags:    rule.DenyFlags,
			RequireFlags: rule.RequireFlags,
			PathArgs: PathArgsRule{
				AutoDetect:      rule.PathArgs.AutoDetect,
				ValidateSandbox: rule.PathArgs.ValidateSandbox,
				Positions:       rule.PathArgs.Positions,
			},
		}
	}

	for name, task := range d.Tasks {
		p.Tasks[name] = TaskDef{
			Inline:   task.Inline,
			Parallel: task.Parallel,
			Serial:   task.Serial,
			Alias:    task.Alias,
			Cwd:      task.Cwd,
			Env:      task.Env,
		}
	}

	return p
}

// decodePolicyFile standardizes JSONC to JSON via hujson, then strictly
// decodes it into a Policy overlay, rejecting unknown top-level fields so a
// typo in a policy file fails loudly instead of being silently ignored.
//
// Grounded on the teacher's LoadConfig (cmd/agent-sandbox/config.go), which
// applies the same hujson.Standardize + DisallowUnknownFields discipline.
func decodePolicyFile(data []byte) (Policy, error) {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Policy{}, wrapError(KindConfigInvalid, err, "standardize policy JSONC")
	}

	var doc policyDoc

	dec := json.NewDecoder(bytes.NewReader(standardized))
	dec.DisallowUnknownFields()

	if err := dec.Decode(&doc); err != nil {
		return Policy{}, wrapError(KindConfigInvalid, err, "decode policy document")
	}

	return doc.toPolicy(), nil
}

func loadPolicyFileIfExists(path string) (Policy, error) {
	if path == "" {
		return Policy{}, nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Policy{}, nil
	}

	if err != nil {
		return Policy{}, wrapError(KindConfigInvalid, err, "read policy file %q", path)
	}

	policy, err := decodePolicyFile(data)
	if err != nil {
		return Policy{}, wrapError(KindConfigInvalid, err, "policy file %q", path)
	}

	return policy, nil
}

// findConfigFile looks for base.json and base.jsonc under dir, and errors
// if both are present (ambiguous).
//
// Grounded on the teacher's findConfigFile (cmd/agent-sandbox/config.go).
func findConfigFile(dir, base string) (string, error) {
	jsonPath := filepath.Join(dir, base+".json")
	jsoncPath := filepath.Join(dir, base+".jsonc")

	_, jsonErr := os.Stat(jsonPath)
	_, jsoncErr := os.Stat(jsoncPath)

	haveJSON := jsonErr == nil
	haveJSONC := jsoncErr == nil

	switch {
	case haveJSON && haveJSONC:
		return "", newError(KindConfigInvalid, "both %s and %s exist; remove one", jsonPath, jsoncPath)
	case haveJSON:
		return jsonPath, nil
	case haveJSONC:
		return jsoncPath, nil
	default:
		return "", nil
	}
}

// getUserConfigBasePath returns $XDG_CONFIG_HOME/safeshell, or
// ~/.config/safeshell if unset.
func getUserConfigBasePath() (string, error) {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "safeshell"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", wrapError(KindInternal, err, "resolve home directory for config base path")
	}

	return filepath.Join(home, ".config", "safeshell"), nil
}

// LoadPolicy layers a global policy file, then a project (or explicit)
// policy file, onto the preset named by the merged result's Preset field
// (defaulting to standard), following the union-of-lists merge rule
// throughout (law L1).
func LoadPolicy(input LoadConfigInput) (Policy, error) {
	global, err := loadPolicyFileIfExists(input.GlobalPath)
	if err != nil {
		return Policy{}, err
	}

	overridePath := input.ExplicitPath
	if overridePath == "" {
		overridePath = input.ProjectPath
	}

	override, err := loadPolicyFileIfExists(overridePath)
	if err != nil {
		return Policy{}, err
	}

	overlay := MergePolicy(global, override)

	preset := overlay.Preset
	if preset == "" {
		preset = PresetStandard
	}

	base, err := BasePolicy(preset)
	if err != nil {
		return Policy{}, err
	}

	return MergePolicy(base, overlay), nil
}

func msToDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
