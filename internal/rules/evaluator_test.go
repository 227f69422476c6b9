package rules

import (
	"errors"
	"testing"

	"github.com/matt-riley/flageval"
)

func boolFlag(rules ...Rule) Flag {
	return Flag{
		Key:            "feature",
		Variants:       map[string]any{"on": true, "off": false},
		DefaultVariant: "off",
		Rules:          rules,
	}
}

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name         string
		flag         Flag
		targetingKey string
		attrs        map[string]any
		wantVariant  string
		wantReason   flageval.Reason
	}{
		{
			name: "disabled flag resolves default variant",
			flag: func() Flag {
				f := boolFlag(Rule{Attribute: "country", Operator: OperatorEquals, Value: "US", Variant: "on"})
				f.Disabled = true
				return f
			}(),
			attrs:       map[string]any{"country": "US"},
			wantVariant: "off",
			wantReason:  flageval.ReasonDisabled,
		},
		{
			name:        "no rules resolves default variant statically",
			flag:        boolFlag(),
			wantVariant: "off",
			wantReason:  flageval.ReasonStatic,
		},
		{
			name:        "equals rule matches",
			flag:        boolFlag(Rule{Attribute: "country", Operator: OperatorEquals, Value: "US", Variant: "on"}),
			attrs:       map[string]any{"country": "US"},
			wantVariant: "on",
			wantReason:  flageval.ReasonTargetingMatch,
		},
		{
			name:        "equals rule mismatch",
			flag:        boolFlag(Rule{Attribute: "country", Operator: OperatorEquals, Value: "US", Variant: "on"}),
			attrs:       map[string]any{"country": "CA"},
			wantVariant: "off",
			wantReason:  flageval.ReasonDefault,
		},
		{
			name:        "equals rule missing attribute",
			flag:        boolFlag(Rule{Attribute: "country", Operator: OperatorEquals, Value: "US", Variant: "on"}),
			attrs:       map[string]any{"role": "admin"},
			wantVariant: "off",
			wantReason:  flageval.ReasonDefault,
		},
		{
			name:        "in rule supports typed slices",
			flag:        boolFlag(Rule{Attribute: "plan", Operator: OperatorIn, Value: []string{"pro", "team"}, Variant: "on"}),
			attrs:       map[string]any{"plan": "team"},
			wantVariant: "on",
			wantReason:  flageval.ReasonTargetingMatch,
		},
		{
			name:        "in rule with non-list value never matches",
			flag:        boolFlag(Rule{Attribute: "plan", Operator: OperatorIn, Value: "pro", Variant: "on"}),
			attrs:       map[string]any{"plan": "pro"},
			wantVariant: "off",
			wantReason:  flageval.ReasonDefault,
		},
		{
			name:        "unknown operator never matches",
			flag:        boolFlag(Rule{Attribute: "country", Operator: Operator("contains"), Value: "US", Variant: "on"}),
			attrs:       map[string]any{"country": "US"},
			wantVariant: "off",
			wantReason:  flageval.ReasonDefault,
		},
		{
			name:        "numeric equals supports mixed numeric types",
			flag:        boolFlag(Rule{Attribute: "cohort", Operator: OperatorEquals, Value: 1.0, Variant: "on"}),
			attrs:       map[string]any{"cohort": int32(1)},
			wantVariant: "on",
			wantReason:  flageval.ReasonTargetingMatch,
		},
		{
			name:        "numeric equals keeps precision for large integers",
			flag:        boolFlag(Rule{Attribute: "snowflake", Operator: OperatorEquals, Value: uint64(9007199254740992), Variant: "on"}),
			attrs:       map[string]any{"snowflake": int64(9007199254740993)},
			wantVariant: "off",
			wantReason:  flageval.ReasonDefault,
		},
		{
			name:         "targeting key is exposed as an attribute",
			flag:         boolFlag(Rule{Attribute: "targetingKey", Operator: OperatorIn, Value: []any{"user-1", "user-2"}, Variant: "on"}),
			targetingKey: "user-2",
			wantVariant:  "on",
			wantReason:   flageval.ReasonTargetingMatch,
		},
		{
			name:        "expression rule matches",
			flag:        boolFlag(Rule{Operator: OperatorExpr, Expression: `plan == "pro" && seats > 10`, Variant: "on"}),
			attrs:       map[string]any{"plan": "pro", "seats": 25},
			wantVariant: "on",
			wantReason:  flageval.ReasonTargetingMatch,
		},
		{
			name:         "expression rule sees targeting key",
			flag:         boolFlag(Rule{Operator: OperatorExpr, Expression: `targetingKey startsWith "beta-"`, Variant: "on"}),
			targetingKey: "beta-42",
			wantVariant:  "on",
			wantReason:   flageval.ReasonTargetingMatch,
		},
		{
			name: "first matching rule wins",
			flag: Flag{
				Key:            "tier",
				Variants:       map[string]any{"gold": "gold", "silver": "silver", "none": ""},
				DefaultVariant: "none",
				Rules: []Rule{
					{Attribute: "plan", Operator: OperatorEquals, Value: "enterprise", Variant: "gold"},
					{Attribute: "plan", Operator: OperatorIn, Value: []any{"pro", "enterprise"}, Variant: "silver"},
				},
			},
			attrs:       map[string]any{"plan": "enterprise"},
			wantVariant: "gold",
			wantReason:  flageval.ReasonTargetingMatch,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got := Evaluate(test.flag, test.targetingKey, test.attrs)
			if got.Err != nil {
				t.Fatalf("Evaluate() error = %v", got.Err)
			}
			if got.Variant != test.wantVariant {
				t.Fatalf("Evaluate() variant = %q, want %q", got.Variant, test.wantVariant)
			}
			if got.Reason != test.wantReason {
				t.Fatalf("Evaluate() reason = %q, want %q", got.Reason, test.wantReason)
			}
			if got.Value != test.flag.Variants[test.wantVariant] {
				t.Fatalf("Evaluate() value = %v, want %v", got.Value, test.flag.Variants[test.wantVariant])
			}
		})
	}
}

func TestEvaluateErrors(t *testing.T) {
	t.Run("missing default variant", func(t *testing.T) {
		flag := boolFlag()
		flag.DefaultVariant = "maybe"

		got := Evaluate(flag, "", nil)
		if got.ErrorCode != flageval.ErrorGeneral {
			t.Fatalf("ErrorCode = %q, want %q", got.ErrorCode, flageval.ErrorGeneral)
		}
		if !errors.Is(got.Err, ErrMissingDefaultVariant) {
			t.Fatalf("Err = %v, want ErrMissingDefaultVariant", got.Err)
		}
	})

	t.Run("expression that does not compile", func(t *testing.T) {
		got := Evaluate(boolFlag(Rule{Operator: OperatorExpr, Expression: `plan ==`, Variant: "on"}), "", map[string]any{"plan": "pro"})
		if got.ErrorCode != flageval.ErrorParse {
			t.Fatalf("ErrorCode = %q, want %q", got.ErrorCode, flageval.ErrorParse)
		}
		if got.Reason != flageval.ReasonError {
			t.Fatalf("Reason = %q, want %q", got.Reason, flageval.ReasonError)
		}
	})

	t.Run("expression that is not boolean", func(t *testing.T) {
		got := Evaluate(boolFlag(Rule{Operator: OperatorExpr, Expression: `seats + 1`, Variant: "on"}), "", map[string]any{"seats": 1})
		if got.ErrorCode != flageval.ErrorParse {
			t.Fatalf("ErrorCode = %q, want %q", got.ErrorCode, flageval.ErrorParse)
		}
	})
}

func TestEvaluateAll(t *testing.T) {
	flags := []Flag{
		boolFlag(),
		{Key: "admin-panel", Disabled: true, Variants: map[string]any{"off": false}, DefaultVariant: "off"},
	}

	got := EvaluateAll(flags, "user-1", nil)
	if len(got) != 2 {
		t.Fatalf("EvaluateAll() returned %d results, want 2", len(got))
	}
	if got["admin-panel"].Reason != flageval.ReasonDisabled {
		t.Fatalf("admin-panel reason = %q, want DISABLED", got["admin-panel"].Reason)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		flag    Flag
		wantErr error
	}{
		{name: "valid", flag: boolFlag(Rule{Operator: OperatorExpr, Expression: `plan == "pro"`, Variant: "on"})},
		{name: "missing default", flag: Flag{Key: "f", Variants: map[string]any{"on": true}, DefaultVariant: "off"}, wantErr: ErrMissingDefaultVariant},
		{name: "unknown rule variant", flag: boolFlag(Rule{Attribute: "a", Operator: OperatorEquals, Value: 1, Variant: "blue"}), wantErr: ErrUnknownVariant},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			err := Validate(test.flag)
			if test.wantErr == nil {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if !errors.Is(err, test.wantErr) {
				t.Fatalf("Validate() error = %v, want %v", err, test.wantErr)
			}
		})
	}

	if err := Validate(boolFlag(Rule{Operator: OperatorExpr, Expression: `)(`, Variant: "on"})); err == nil {
		t.Fatal("Validate() accepted an expression that does not compile")
	}
}
