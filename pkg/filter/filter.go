// Package filter decides which upstream path a query name takes.
package filter

import (
	"fmt"
	"strings"

	"tordnsd/pkg/config"
	"tordnsd/pkg/pattern"
)

// Action is the forwarding decision for a query name.
type Action int

const (
	// ActionProxy forwards through the tunneled resolver.
	ActionProxy Action = iota
	// ActionSkipProxy forwards through the direct resolver.
	ActionSkipProxy
	// ActionReject answers SERVFAIL without contacting any upstream.
	ActionReject
)

func (a Action) String() string {
	switch a {
	case ActionProxy:
		return "proxy"
	case ActionSkipProxy:
		return "skip-proxy"
	case ActionReject:
		return "reject"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// ParseAction accepts proxy, skip-proxy and reject, with or without the
// "filter-" prefix, in any case.
func ParseAction(s string) (Action, error) {
	switch strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "filter-") {
	case "proxy":
		return ActionProxy, nil
	case "skip-proxy":
		return ActionSkipProxy, nil
	case "reject":
		return ActionReject, nil
	}
	return ActionProxy, fmt.Errorf("unknown filter action %q", s)
}

// Rule maps a compiled glob to an action.
type Rule struct {
	Action  Action
	Pattern *pattern.Glob
}

// NewRule compiles a single rule.
func NewRule(action Action, glob string) Rule {
	return Rule{Action: action, Pattern: pattern.Compile(glob)}
}

// CompileRules converts configured rules, keeping declaration order.
func CompileRules(cfgRules []config.FilterRule) ([]Rule, error) {
	rules := make([]Rule, 0, len(cfgRules))
	for i, r := range cfgRules {
		action, err := ParseAction(r.Action)
		if err != nil {
			return nil, fmt.Errorf("filters[%d]: %w", i, err)
		}
		rules = append(rules, NewRule(action, r.Pattern))
	}
	return rules, nil
}

// Classify returns the action of the last rule matching name, or ActionProxy
// when nothing matches.
func Classify(name string, rules []Rule) Action {
	result := ActionProxy
	for _, r := range rules {
		if r.Pattern.Match(name) {
			result = r.Action
		}
	}
	return result
}
