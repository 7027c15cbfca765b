package redact

import (
	"errors"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// ErrInvalidRules is returned when a rules file cannot be decoded.
var ErrInvalidRules = errors.New("invalid redaction rules file")

// Rules is the on-disk form of a redaction rule set:
//
//	keys = ["session", "cookie"]
//	patterns = ['sk_live_[0-9a-zA-Z]{24}']
type Rules struct {
	Keys     []string `toml:"keys"`
	Patterns []string `toml:"patterns"`
}

// LoadRules decodes a TOML rules file. A missing file is returned as an
// error satisfying os.IsNotExist so callers can treat it as optional.
func LoadRules(path string) (Rules, error) {
	var rules Rules
	if _, err := os.Stat(path); err != nil {
		return rules, err
	}
	if _, err := toml.DecodeFile(path, &rules); err != nil {
		return Rules{}, fmt.Errorf("%w: %s: %v", ErrInvalidRules, path, err)
	}
	return rules, nil
}

// Merge appends the rule lists of other. Nil lists stay nil so that defaults
// keep applying when neither side configures a dimension.
func (r Rules) Merge(other Rules) Rules {
	if other.Keys != nil {
		r.Keys = append(append([]string{}, r.Keys...), other.Keys...)
	}
	if other.Patterns != nil {
		r.Patterns = append(append([]string{}, r.Patterns...), other.Patterns...)
	}
	return r
}

// WithDefaults extends unset dimensions with the built-in rules, so a rules
// file adds to the defaults instead of replacing them.
func (r Rules) WithDefaults() Rules {
	return Rules{Keys: DefaultKeys, Patterns: DefaultPatterns}.Merge(r)
}
