package policy

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/gobwas/glob"

	"github.com/medrec/medrec/internal/audit"
)

// ErrDenied is returned by Authorize when no rule allows a request.
var ErrDenied = errors.New("access denied")

// Request describes one attempted operation.
type Request struct {
	Role   audit.Role
	Action audit.Action
	Fields []string // Fields touched by the operation; empty for whole-record actions.
}

// compiledMatcher holds pre-compiled field patterns for a rule.
type compiledMatcher struct {
	fields []glob.Glob
}

func compileMatcher(r *Rule) error {
	r.compiled = &compiledMatcher{}
	for _, p := range r.Match.Field {
		g, err := glob.Compile(p)
		if err != nil {
			return fmt.Errorf("rule %q: invalid field glob %q: %w", r.Name, p, err)
		}
		r.compiled.fields = append(r.compiled.fields, g)
	}
	return nil
}

// matchesRule reports whether req satisfies every non-empty condition of r.
func matchesRule(r *Rule, req Request) bool {
	if len(r.Match.Role) > 0 && !containsFold(r.Match.Role, string(req.Role)) {
		return false
	}
	if len(r.Match.Action) > 0 && !containsFold(r.Match.Action, string(req.Action)) {
		return false
	}
	if len(r.compiled.fields) > 0 {
		// A field-scoped rule only covers requests that name fields, and
		// only when every named field is covered.
		if len(req.Fields) == 0 {
			return false
		}
		for _, f := range req.Fields {
			if !matchesAny(r.compiled.fields, f) {
				return false
			}
		}
	}
	return true
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

func matchesAny(globs []glob.Glob, s string) bool {
	for _, g := range globs {
		if g.Match(s) {
			return true
		}
	}
	return false
}

// Engine evaluates requests against custom and built-in rules.
// Safe for concurrent use.
type Engine struct {
	mu             sync.RWMutex
	rules          []Rule
	customRules    []Rule
	builtinToggles map[string]bool
	builtinCount   int
	customCount    int
}

// New loads custom rules from path (missing file is fine) and merges them
// with the enabled built-ins.
func New(path string) (*Engine, error) {
	e := &Engine{}
	if err := e.Reload(path); err != nil {
		return nil, err
	}
	return e, nil
}

// Default returns an Engine with only the built-in rules.
func Default() *Engine {
	e := &Engine{builtinToggles: defaultBuiltinToggles()}
	e.rebuild()
	return e
}

// Reload re-reads path and replaces the rule set.
func (e *Engine) Reload(path string) error {
	customRules, toggles, err := loadPolicyFile(path)
	if err != nil {
		return err
	}

	defaults := defaultBuiltinToggles()
	if toggles == nil {
		toggles = defaults
	} else {
		for name, v := range defaults {
			if _, ok := toggles[name]; !ok {
				toggles[name] = v
			}
		}
	}

	for i := range customRules {
		if err := compileMatcher(&customRules[i]); err != nil {
			return err
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.customRules = customRules
	e.builtinToggles = toggles
	e.rebuild()

	slog.Debug("policy loaded", "total", len(e.rules), "builtin", e.builtinCount, "custom", e.customCount)
	return nil
}

// rebuild merges custom and enabled built-in rules. Caller must hold the
// mutex (or own e exclusively).
func (e *Engine) rebuild() {
	combined := append([]Rule(nil), e.customRules...)

	for _, r := range builtinRules() {
		if enabled, ok := e.builtinToggles[r.Name]; ok && !enabled {
			continue
		}
		if err := compileMatcher(&r); err != nil {
			slog.Error("failed to compile built-in rule", "rule", r.Name, "error", err)
			continue
		}
		combined = append(combined, r)
	}

	e.rules = combined
	e.customCount = len(e.customRules)
	e.builtinCount = len(combined) - e.customCount
}

// Evaluate returns the decision of the first matching rule, or a default
// deny.
func (e *Engine) Evaluate(req Request) Decision {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for i := range e.rules {
		r := &e.rules[i]
		if matchesRule(r, req) {
			return Decision{
				Allowed: r.Effect == EffectAllow,
				Rule:    r.Name,
				Message: r.Message,
			}
		}
	}
	return Decision{Message: "no rule allows this request"}
}

// Authorize returns nil when req is allowed and an error wrapping
// ErrDenied otherwise.
func (e *Engine) Authorize(req Request) error {
	d := e.Evaluate(req)
	if d.Allowed {
		return nil
	}
	slog.Warn("access denied", "role", req.Role, "action", req.Action, "fields", req.Fields, "rule", d.Rule)
	if len(req.Fields) > 0 {
		return fmt.Errorf("%w: %s may not %s %s: %s", ErrDenied, req.Role, strings.ToLower(string(req.Action)), strings.Join(req.Fields, ", "), d.Message)
	}
	return fmt.Errorf("%w: %s may not %s: %s", ErrDenied, req.Role, strings.ToLower(string(req.Action)), d.Message)
}

// ListRules returns summary info for all active rules in evaluation order.
func (e *Engine) ListRules() []RuleInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()

	infos := make([]RuleInfo, 0, len(e.rules))
	for _, r := range e.rules {
		infos = append(infos, RuleInfo{Name: r.Name, Builtin: r.Builtin, Effect: r.Effect, Message: r.Message})
	}
	return infos
}

// BuiltinCount returns the number of active built-in rules.
func (e *Engine) BuiltinCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.builtinCount
}

// CustomCount returns the number of custom rules.
func (e *Engine) CustomCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.customCount
}
