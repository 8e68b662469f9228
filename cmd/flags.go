package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
)

// enumValue is a pflag.Value constrained to a fixed set of choices, so bad
// flag input fails at parse time instead of being silently defaulted later.
type enumValue struct {
	value   string
	choices []string
}

var _ pflag.Value = (*enumValue)(nil)

func newEnumValue(def string, choices ...string) *enumValue {
	return &enumValue{value: def, choices: choices}
}

func (e *enumValue) String() string { return e.value }

func (e *enumValue) Set(v string) error {
	for _, c := range e.choices {
		if v == c {
			e.value = v
			return nil
		}
	}
	return fmt.Errorf("invalid value %q (choose one of: %s)", v, strings.Join(e.choices, ", "))
}

func (e *enumValue) Type() string { return "string" }
