// Package policy decides which role may perform which action on which
// patient fields.
//
// This is the record layer's authorization, applied before it calls into
// the field cipher and the audit chain; neither of those re-checks roles.
//
// Rules are evaluated in order and the first match wins. Custom rules from
// policy.yaml are evaluated before the built-in rules, so a custom deny can
// narrow a built-in allow. A request no rule matches is denied.
//
// Rule matching supports:
//   - Role (case-insensitive, string or list, OR logic)
//   - Action (case-insensitive, string or list, OR logic)
//   - Field glob patterns (string or list); every requested field must
//     match at least one pattern
package policy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Effects a rule can have.
const (
	EffectAllow = "allow"
	EffectDeny  = "deny"
)

// Rule is a single access rule.
type Rule struct {
	Name    string    `yaml:"name"`
	Match   RuleMatch `yaml:"match"`
	Effect  string    `yaml:"effect"`  // "allow" or "deny"
	Message string    `yaml:"message"` // Human-readable explanation.
	Builtin bool      `yaml:"-"`

	compiled *compiledMatcher
}

// RuleMatch defines when a rule fires. All non-empty fields must match
// (AND logic).
type RuleMatch struct {
	Role   stringOrList `yaml:"role"`
	Action stringOrList `yaml:"action"`
	Field  stringOrList `yaml:"field"`
}

// stringOrList handles YAML fields that can be either a single string
// or a list of strings:
//
//	role: Nurse
//	role: [Doctor, Nurse]
type stringOrList []string

// UnmarshalYAML handles both "role: Nurse" and "role: [Doctor, Nurse]".
func (s *stringOrList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		*s = []string{value.Value}
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := value.Decode(&list); err != nil {
			return err
		}
		*s = list
		return nil
	default:
		return fmt.Errorf("expected string or list, got %v", value.Kind)
	}
}

// Decision is the outcome of evaluating a request.
type Decision struct {
	Allowed bool
	Rule    string // Name of the matching rule; empty for default deny.
	Message string
}

// RuleInfo summarizes a rule for display.
type RuleInfo struct {
	Name    string
	Builtin bool
	Effect  string
	Message string
}

// policyFile is the YAML envelope for policy.yaml.
type policyFile struct {
	Rules   []Rule          `yaml:"rules"`
	Builtin map[string]bool `yaml:"builtin"`
}

// loadPolicyFile reads custom rules and builtin toggles from path.
// A missing or empty file is not an error.
func loadPolicyFile(path string) ([]Rule, map[string]bool, error) {
	if path == "" {
		return nil, nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("reading policy %s: %w", path, err)
	}

	if len(data) == 0 {
		return nil, nil, nil
	}

	var file policyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, nil, fmt.Errorf("parsing policy %s: %w", path, err)
	}

	for i, r := range file.Rules {
		if r.Name == "" {
			return nil, nil, fmt.Errorf("policy %s: rule %d has no name", path, i)
		}
		if r.Effect == "" {
			file.Rules[i].Effect = EffectDeny
		} else if r.Effect != EffectAllow && r.Effect != EffectDeny {
			return nil, nil, fmt.Errorf("policy %s: rule %q: effect must be allow or deny, got %q", path, r.Name, r.Effect)
		}
	}

	return file.Rules, file.Builtin, nil
}

// WriteDefault writes a policy.yaml with every built-in rule enabled and no
// custom rules.
func WriteDefault(path string) error {
	file := policyFile{Builtin: defaultBuiltinToggles()}
	data, err := yaml.Marshal(&file)
	if err != nil {
		return fmt.Errorf("marshaling policy: %w", err)
	}

	header := `# medrec access policy
#
# rules:            evaluated first, in order; first match wins
#   - name: nurse-no-diagnosis
#     match: {role: Nurse, action: Update, field: diagnosis}
#     effect: deny
#     message: Nurses cannot change diagnoses
#
# builtin:          set a built-in rule to false to disable it
# Requests no rule matches are denied.

`
	return os.WriteFile(path, []byte(header+string(data)), 0o644)
}
