package config

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Environment identifies the runtime environment where sigma operates.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// Decimal is a YAML scalar parsed as an exact decimal, so strike ladders like 0.5 steps
// never accumulate float error.
type Decimal struct {
	decimal.Decimal
	set bool
}

// UnmarshalYAML accepts integer, float and quoted scalars.
func (d *Decimal) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*d = Decimal{}
		return nil
	}
	text := strings.TrimSpace(node.Value)
	if text == "" {
		*d = Decimal{}
		return nil
	}
	parsed, err := decimal.NewFromString(text)
	if err != nil {
		return fmt.Errorf("invalid decimal %q", node.Value)
	}
	*d = Decimal{Decimal: parsed, set: true}
	return nil
}

// MarshalYAML renders the decimal as a plain scalar.
func (d Decimal) MarshalYAML() (any, error) {
	if !d.set {
		return nil, nil
	}
	return d.String(), nil
}

// IsSet reports whether the value appeared in the source document.
func (d Decimal) IsSet() bool { return d.set }

// NewDecimal wraps a literal such as "0.5".
func NewDecimal(text string) Decimal {
	return Decimal{Decimal: decimal.RequireFromString(text), set: true}
}
