package rules

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"sync"

	exprlang "github.com/expr-lang/expr"
	exprvm "github.com/expr-lang/expr/vm"

	"github.com/matt-riley/flageval"
)

var (
	ErrMissingDefaultVariant = errors.New("default variant is not defined")
	ErrUnknownVariant        = errors.New("rule references an unknown variant")
)

// programs caches compiled expressions by source text.
var programs sync.Map

// Evaluate resolves flag for the given subject. targetingKey is exposed to
// rules as the "targetingKey" attribute unless attrs already defines it.
func Evaluate(flag Flag, targetingKey string, attrs map[string]any) Result {
	if flag.Disabled {
		return variantResult(flag, flag.DefaultVariant, flageval.ReasonDisabled)
	}

	if len(flag.Rules) == 0 {
		return variantResult(flag, flag.DefaultVariant, flageval.ReasonStatic)
	}

	attributes := make(map[string]any, len(attrs)+1)
	if targetingKey != "" {
		attributes[flageval.TargetingKeyAttribute] = targetingKey
	}
	for key, value := range attrs {
		attributes[key] = value
	}

	for i, rule := range flag.Rules {
		matched, err := evaluateRule(rule, attributes)
		if err != nil {
			return Result{
				Reason:    flageval.ReasonError,
				ErrorCode: flageval.ErrorParse,
				Err:       fmt.Errorf("flag %q rule %d: %w", flag.Key, i, err),
			}
		}
		if matched {
			return variantResult(flag, rule.Variant, flageval.ReasonTargetingMatch)
		}
	}

	return variantResult(flag, flag.DefaultVariant, flageval.ReasonDefault)
}

// EvaluateAll evaluates every flag against the same subject.
func EvaluateAll(flags []Flag, targetingKey string, attrs map[string]any) map[string]Result {
	results := make(map[string]Result, len(flags))

	for _, flag := range flags {
		results[flag.Key] = Evaluate(flag, targetingKey, attrs)
	}

	return results
}

// Validate checks that every variant a flag can resolve to exists and that
// expression rules compile.
func Validate(flag Flag) error {
	if _, ok := flag.Variants[flag.DefaultVariant]; !ok {
		return fmt.Errorf("flag %q: %w: %q", flag.Key, ErrMissingDefaultVariant, flag.DefaultVariant)
	}
	for i, rule := range flag.Rules {
		if _, ok := flag.Variants[rule.Variant]; !ok {
			return fmt.Errorf("flag %q rule %d: %w: %q", flag.Key, i, ErrUnknownVariant, rule.Variant)
		}
		if rule.Operator == OperatorExpr {
			if _, err := compile(rule.Expression); err != nil {
				return fmt.Errorf("flag %q rule %d: %w", flag.Key, i, err)
			}
		}
	}
	return nil
}

func variantResult(flag Flag, variant string, reason flageval.Reason) Result {
	value, ok := flag.Variants[variant]
	if !ok {
		err := ErrUnknownVariant
		if variant == flag.DefaultVariant {
			err = ErrMissingDefaultVariant
		}
		return Result{
			Reason:    flageval.ReasonError,
			ErrorCode: flageval.ErrorGeneral,
			Err:       fmt.Errorf("flag %q: %w: %q", flag.Key, err, variant),
		}
	}
	return Result{Variant: variant, Value: value, Reason: reason}
}

func evaluateRule(rule Rule, attributes map[string]any) (bool, error) {
	if rule.Operator == OperatorExpr {
		return evaluateExpression(rule.Expression, attributes)
	}

	attributeValue, ok := attributes[rule.Attribute]
	if !ok {
		return false, nil
	}

	switch rule.Operator {
	case OperatorEquals:
		return valuesEqual(attributeValue, rule.Value), nil
	case OperatorIn:
		return valueIn(attributeValue, rule.Value), nil
	default:
		return false, nil
	}
}

func evaluateExpression(expression string, attributes map[string]any) (bool, error) {
	program, err := compile(expression)
	if err != nil {
		return false, err
	}
	out, err := exprlang.Run(program, attributes)
	if err != nil {
		return false, fmt.Errorf("run expression %q: %w", expression, err)
	}
	matched, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("expression %q returned %T, want bool", expression, out)
	}
	return matched, nil
}

func compile(expression string) (*exprvm.Program, error) {
	if expression == "" {
		return nil, errors.New("expression must not be empty")
	}
	if cached, ok := programs.Load(expression); ok {
		return cached.(*exprvm.Program), nil
	}
	program, err := exprlang.Compile(expression,
		exprlang.Env(map[string]any{}),
		exprlang.AllowUndefinedVariables(),
		exprlang.AsBool(),
	)
	if err != nil {
		return nil, fmt.Errorf("compile expression %q: %w", expression, err)
	}
	programs.Store(expression, program)
	return program, nil
}

func valueIn(value any, ruleValue any) bool {
	values := reflect.ValueOf(ruleValue)
	if !values.IsValid() {
		return false
	}

	if values.Kind() != reflect.Slice && values.Kind() != reflect.Array {
		return false
	}

	for i := 0; i < values.Len(); i++ {
		if valuesEqual(value, values.Index(i).Interface()) {
			return true
		}
	}

	return false
}

func valuesEqual(left any, right any) bool {
	if leftInt, ok := asInt64(left); ok {
		if rightInt, ok := asInt64(right); ok {
			return leftInt == rightInt
		}

		if rightUint, ok := asUint64(right); ok {
			if leftInt < 0 {
				return false
			}
			return uint64(leftInt) == rightUint
		}

		if rightFloat, ok := asFloat64(right); ok {
			return floatEqualsInt64(rightFloat, leftInt)
		}
	}

	if leftUint, ok := asUint64(left); ok {
		if rightUint, ok := asUint64(right); ok {
			return leftUint == rightUint
		}

		if rightInt, ok := asInt64(right); ok {
			if rightInt < 0 {
				return false
			}
			return leftUint == uint64(rightInt)
		}

		if rightFloat, ok := asFloat64(right); ok {
			return floatEqualsUint64(rightFloat, leftUint)
		}
	}

	if leftFloat, ok := asFloat64(left); ok {
		if rightFloat, ok := asFloat64(right); ok {
			return leftFloat == rightFloat
		}

		if rightInt, ok := asInt64(right); ok {
			return floatEqualsInt64(leftFloat, rightInt)
		}

		if rightUint, ok := asUint64(right); ok {
			return floatEqualsUint64(leftFloat, rightUint)
		}
	}

	return reflect.DeepEqual(left, right)
}

func asInt64(value any) (int64, bool) {
	switch number := value.(type) {
	case int:
		return int64(number), true
	case int8:
		return int64(number), true
	case int16:
		return int64(number), true
	case int32:
		return int64(number), true
	case int64:
		return number, true
	default:
		return 0, false
	}
}

func asUint64(value any) (uint64, bool) {
	switch number := value.(type) {
	case uint:
		return uint64(number), true
	case uint8:
		return uint64(number), true
	case uint16:
		return uint64(number), true
	case uint32:
		return uint64(number), true
	case uint64:
		return number, true
	default:
		return 0, false
	}
}

func asFloat64(value any) (float64, bool) {
	switch number := value.(type) {
	case float32:
		return float64(number), true
	case float64:
		return number, true
	default:
		return 0, false
	}
}

func floatEqualsInt64(left float64, right int64) bool {
	if !isWholeFinite(left) {
		return false
	}

	if left < float64(math.MinInt64) || left > float64(math.MaxInt64) {
		return false
	}

	converted := int64(left)
	return float64(converted) == left && converted == right
}

func floatEqualsUint64(left float64, right uint64) bool {
	if !isWholeFinite(left) {
		return false
	}

	if left < 0 || left > float64(math.MaxUint64) {
		return false
	}

	converted := uint64(left)
	return float64(converted) == left && converted == right
}

func isWholeFinite(value float64) bool {
	return !math.IsNaN(value) && !math.IsInf(value, 0) && math.Trunc(value) == value
}
