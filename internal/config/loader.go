package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rathix/buswatch/internal/activestate"
)

const defaultIdleTimeoutMS = 10000

// busNamePattern is a conservative approximation of the D-Bus well-known
// bus name grammar: at least two dot-separated segments, each starting
// with a letter or underscore.
var busNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_-]*(\.[A-Za-z_][A-Za-z0-9_-]*)+$`)

// Load reads, parses, and validates the settings document at path. A
// non-nil error means the document is unusable. Validation happens here and
// only here: unknown match kinds, invalid regexes, a rule referencing an
// undeclared recipient label, and an invalid bus selector are all load-time
// errors, so that nothing downstream ever has to recheck referential
// integrity.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read settings file: %w", err)
	}

	// Allow ${ENV_VAR} references, e.g. for a recipient address injected by
	// the environment, before parsing.
	data = []byte(os.Expand(string(data), os.Getenv))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse settings YAML: %w", err)
	}

	if cfg.IdleTimeoutMS == 0 {
		cfg.IdleTimeoutMS = defaultIdleTimeoutMS
	}

	var errs []error

	for label, r := range cfg.Recipients {
		if err := validateBus(r.Bus); err != nil {
			errs = append(errs, fmt.Errorf("recipients[%s].bus: %w", label, err))
		}
		addr := strings.TrimSpace(r.Address)
		if addr == "" {
			errs = append(errs, fmt.Errorf("recipients[%s].address: required field missing", label))
		} else if !busNamePattern.MatchString(addr) {
			errs = append(errs, fmt.Errorf("recipients[%s].address: not a valid bus address: %q", label, addr))
		}
	}

	for i := range cfg.Rules {
		r := &cfg.Rules[i]

		if err := validateBus(r.Bus); err != nil {
			errs = append(errs, fmt.Errorf("rules[%d].bus: %w", i, err))
		}
		if strings.TrimSpace(r.Expression) == "" {
			errs = append(errs, fmt.Errorf("rules[%d].expression: required field missing", i))
		}

		switch r.Match {
		case MatchExact, MatchUnitType:
		case MatchRegex:
			compiled, err := regexp.Compile(r.Expression)
			if err != nil {
				errs = append(errs, fmt.Errorf("rules[%d].expression: invalid regex: %w", i, err))
			} else {
				r.compiled = compiled
			}
		default:
			errs = append(errs, fmt.Errorf("rules[%d].match: unknown match kind %q", i, r.Match))
		}

		if len(r.States) == 0 {
			errs = append(errs, fmt.Errorf("rules[%d].states: at least one state required", i))
		}
		for _, s := range r.States {
			if _, err := activestate.Parse(s); err != nil {
				errs = append(errs, fmt.Errorf("rules[%d].states: %w", i, err))
			}
		}

		if len(r.Recipients) == 0 {
			errs = append(errs, fmt.Errorf("rules[%d].recipients: at least one recipient required", i))
		}
		for _, label := range r.Recipients {
			if _, ok := cfg.Recipients[label]; !ok {
				errs = append(errs, fmt.Errorf("rules[%d].recipients: undeclared recipient label %q", i, label))
			}
		}
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return &cfg, nil
}

func validateBus(b Bus) error {
	switch b {
	case BusSession, BusSystem, BusStarter:
		return nil
	default:
		return fmt.Errorf("unknown bus selector %q", b)
	}
}
