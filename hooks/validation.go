package hooks

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/matt-riley/flageval"
)

// ValidationHook checks the evaluation context before the provider is
// asked. Rules map an attribute name to validator tags, for example
// "required,email". The "targetingKey" rule applies to the targeting key.
type ValidationHook struct {
	flageval.UnimplementedHook

	validate *validator.Validate
	rules    map[string]string
	keys     []string
}

// Validation returns a hook enforcing rules.
func Validation(rules map[string]string) *ValidationHook {
	keys := make([]string, 0, len(rules))
	for key := range rules {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	return &ValidationHook{
		validate: validator.New(),
		rules:    rules,
		keys:     keys,
	}
}

func (h *ValidationHook) HookName() string { return "validation" }

func (h *ValidationHook) Before(_ context.Context, hc flageval.HookContext, _ flageval.HookHints) (*flageval.EvaluationContext, flageval.HookHints, error) {
	evalCtx := hc.EvaluationContext

	for _, key := range h.keys {
		tag := h.rules[key]

		if key == flageval.TargetingKeyAttribute {
			if !evalCtx.HasTargetingKey() {
				if isRequired(tag) {
					return nil, nil, flageval.NewResolutionError(flageval.ErrorTargetingKeyMissing, "targeting key is required")
				}
				continue
			}
			if err := h.validate.Var(evalCtx.TargetingKey(), tag); err != nil {
				return nil, nil, invalidContext(key, err)
			}
			continue
		}

		value, ok := evalCtx.Attribute(key)
		if !ok {
			if isRequired(tag) {
				return nil, nil, flageval.NewResolutionError(flageval.ErrorInvalidContext, "attribute %q is required", key)
			}
			continue
		}
		if err := h.validate.Var(value.Any(), tag); err != nil {
			return nil, nil, invalidContext(key, err)
		}
	}
	return nil, nil, nil
}

func isRequired(tag string) bool {
	for _, part := range strings.Split(tag, ",") {
		if strings.TrimSpace(part) == "required" {
			return true
		}
	}
	return false
}

func invalidContext(key string, err error) error {
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		return flageval.NewResolutionError(flageval.ErrorInvalidContext,
			"attribute %q failed %q validation", key, fieldErrs[0].Tag())
	}
	return flageval.NewResolutionError(flageval.ErrorInvalidContext, "attribute %q: %v", key, err)
}
