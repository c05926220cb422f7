package main

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
)

// choiceValue is a string flag restricted to a fixed set of values.
type choiceValue struct {
	value   *string
	choices []string
}

var _ pflag.Value = (*choiceValue)(nil)

func newChoiceValue(p *string, def string, choices ...string) *choiceValue {
	*p = def
	return &choiceValue{value: p, choices: choices}
}

func (c *choiceValue) String() string {
	if c.value == nil {
		return ""
	}
	return *c.value
}

func (c *choiceValue) Set(s string) error {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, choice := range c.choices {
		if s == choice {
			*c.value = s
			return nil
		}
	}
	return fmt.Errorf("must be one of %s", strings.Join(c.choices, ", "))
}

func (c *choiceValue) Type() string {
	return "choice"
}

// choiceUsage renders "<a|B|c> description" with the default upper-cased.
func choiceUsage(def string, choices []string, description string) string {
	shown := make([]string, len(choices))
	for i, choice := range choices {
		if choice == def {
			choice = strings.ToUpper(choice)
		}
		shown[i] = choice
	}
	return fmt.Sprintf("`<%s>` %s", strings.Join(shown, "|"), description)
}
