package config

import (
	"fmt"
	"io/fs"

	"github.com/BurntSushi/toml"
)

// Rules holds the tunable bounds of the validation engine, parsed from
// rules.toml. Everything here has a working default; the file is optional.
type Rules struct {
	Length LengthRules `toml:"length"`
	Fields FieldRules  `toml:"fields"`
}

type LengthRules struct {
	MinOutput int `toml:"min_output"` // default: 20
	MaxOutput int `toml:"max_output"` // default: 2048
	MinInput  int `toml:"min_input"`  // default: 0
	MaxInput  int `toml:"max_input"`  // default: 1800
}

type FieldRules struct {
	Required []string `toml:"required"`
}

// DefaultRules returns the bounds used when no rules.toml is given.
func DefaultRules() Rules {
	return Rules{
		Length: LengthRules{
			MinOutput: 20,
			MaxOutput: 2048,
			MinInput:  0,
			MaxInput:  1800,
		},
		Fields: FieldRules{
			Required: []string{"id", "instruction", "input", "output", "metadata"},
		},
	}
}

// LoadRules loads and parses rules.toml from the given filesystem.
func LoadRules(fsys fs.FS, name string) (Rules, error) {
	rules := DefaultRules()

	data, err := fs.ReadFile(fsys, name)
	if err != nil {
		return rules, fmt.Errorf("reading %s: %w", name, err)
	}

	md, err := toml.Decode(string(data), &rules)
	if err != nil {
		return rules, fmt.Errorf("parsing %s: %w", name, err)
	}

	// An explicit empty required list means "keep the defaults", not "require
	// nothing": a record with no required fields validates vacuously.
	if !md.IsDefined("fields", "required") || len(rules.Fields.Required) == 0 {
		rules.Fields.Required = DefaultRules().Fields.Required
	}

	if rules.Length.MaxOutput > 0 && rules.Length.MinOutput > rules.Length.MaxOutput {
		return rules, fmt.Errorf("length.min_output %d exceeds length.max_output %d",
			rules.Length.MinOutput, rules.Length.MaxOutput)
	}

	return rules, nil
}
