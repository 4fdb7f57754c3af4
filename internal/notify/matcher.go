// Package notify implements the rule matcher and outbound notification
// dispatcher: given a unit transition, it decides which configured rules
// apply and sends one synchronous call per matching recipient.
package notify

import (
	"strings"

	"github.com/rathix/buswatch/internal/activestate"
	"github.com/rathix/buswatch/internal/config"
)

// NameMatches reports whether unit satisfies rule's match expression.
func NameMatches(rule config.Rule, unit string) bool {
	switch rule.Match {
	case config.MatchExact:
		return unit == rule.Expression
	case config.MatchUnitType:
		return strings.HasSuffix(unit, rule.Expression)
	case config.MatchRegex:
		re := rule.Regexp()
		return re != nil && re.MatchString(unit)
	default:
		return false
	}
}

// StateMatches reports whether state is among rule's interesting states.
func StateMatches(rule config.Rule, state activestate.State) bool {
	for _, s := range rule.States {
		if parsed, err := activestate.Parse(s); err == nil && parsed == state {
			return true
		}
	}
	return false
}

// AnyNameMatches reports whether at least one rule's name-match predicate
// holds for unit, independent of state. The bus watcher uses this to decide
// whether a unit is worth subscribing to at all, before it has any
// ActiveState to test.
func AnyNameMatches(rules []config.Rule, unit string) bool {
	for _, r := range rules {
		if NameMatches(r, unit) {
			return true
		}
	}
	return false
}

// Applicable returns, in configuration order, the rules for which both
// NameMatches and StateMatches hold against unit and state.
func Applicable(rules []config.Rule, unit string, state activestate.State) []config.Rule {
	var out []config.Rule
	for _, r := range rules {
		if NameMatches(r, unit) && StateMatches(r, state) {
			out = append(out, r)
		}
	}
	return out
}
