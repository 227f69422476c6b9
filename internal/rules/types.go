package rules

import "github.com/matt-riley/flageval"

type Operator string

const (
	OperatorEquals Operator = "equals"
	OperatorIn     Operator = "in"
	// OperatorExpr evaluates Rule.Expression with expr-lang; the expression
	// must produce a boolean.
	OperatorExpr Operator = "expr"
)

// Rule selects Variant when it matches. Equals and in rules compare one
// attribute to Value; expr rules see every attribute plus targetingKey.
type Rule struct {
	Attribute  string   `json:"attribute,omitempty" yaml:"attribute,omitempty"`
	Operator   Operator `json:"operator" yaml:"operator"`
	Value      any      `json:"value,omitempty" yaml:"value,omitempty"`
	Expression string   `json:"expression,omitempty" yaml:"expression,omitempty"`
	Variant    string   `json:"variant" yaml:"variant"`
}

type Flag struct {
	Key            string            `json:"key" yaml:"key"`
	Disabled       bool              `json:"disabled,omitempty" yaml:"disabled,omitempty"`
	Variants       map[string]any    `json:"variants" yaml:"variants"`
	DefaultVariant string            `json:"default_variant" yaml:"defaultVariant"`
	Rules          []Rule            `json:"rules,omitempty" yaml:"rules,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Result is the outcome of evaluating one flag. A non-empty ErrorCode
// means Value and Variant are unset.
type Result struct {
	Variant   string
	Value     any
	Reason    flageval.Reason
	ErrorCode flageval.ErrorCode
	Err       error
}
