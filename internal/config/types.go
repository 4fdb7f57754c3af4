package config

import "regexp"

// Bus identifies which message bus a rule or recipient is bound to.
type Bus string

const (
	BusSession Bus = "session"
	BusSystem  Bus = "system"
	BusStarter Bus = "starter"
)

// MatchKind selects how a Rule's Expression is applied to a unit name.
type MatchKind string

const (
	MatchExact    MatchKind = "exact"
	MatchUnitType MatchKind = "unit-type"
	MatchRegex    MatchKind = "regex"
)

// Recipient is an addressable notification endpoint: a bus selector plus
// the well-known bus address of the process implementing the notifier
// interface.
type Recipient struct {
	Bus     Bus    `yaml:"bus"     json:"bus"`
	Address string `yaml:"address" json:"address"`
}

// Rule binds a unit-name match expression and a set of interesting
// lifecycle states to an ordered list of recipient labels.
type Rule struct {
	Bus        Bus       `yaml:"bus"        json:"bus"`
	Match      MatchKind `yaml:"match"      json:"match"`
	Expression string    `yaml:"expression" json:"expression"`
	States     []string  `yaml:"states"     json:"states"`
	Recipients []string  `yaml:"recipients" json:"recipients"`

	// compiled is populated by Load when Match == MatchRegex. Never set
	// by the YAML unmarshaler directly.
	compiled *regexp.Regexp
}

// Regexp returns the compiled expression for a MatchRegex rule, or nil for
// any other match kind.
func (r Rule) Regexp() *regexp.Regexp { return r.compiled }

// Config is the top-level settings document.
type Config struct {
	Recipients    map[string]Recipient `yaml:"recipients"      json:"recipients"`
	Rules         []Rule               `yaml:"rules"           json:"rules"`
	IdleTimeoutMS uint32               `yaml:"idle_timeout_ms" json:"idle_timeout_ms"`
}

// Buses returns the distinct set of bus selectors referenced by any rule,
// in first-seen configuration order. The supervisor spawns one watcher per
// entry.
func (c *Config) Buses() []Bus {
	seen := make(map[Bus]bool, len(c.Rules))
	var out []Bus
	for _, r := range c.Rules {
		if !seen[r.Bus] {
			seen[r.Bus] = true
			out = append(out, r.Bus)
		}
	}
	return out
}

// RulesForBus returns, in configuration order, the rules bound to bus.
func (c *Config) RulesForBus(bus Bus) []Rule {
	var out []Rule
	for _, r := range c.Rules {
		if r.Bus == bus {
			out = append(out, r)
		}
	}
	return out
}
