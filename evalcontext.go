package flageval

import (
	"fmt"
	"maps"
	"sort"
)

// TargetingKeyAttribute is the attribute name under which providers that
// flatten contexts expose the targeting key.
const TargetingKeyAttribute = "targetingKey"

// EvaluationContext is the immutable set of facts a flag is evaluated
// against: an optional targeting key plus string-keyed attributes.
//
// The zero value is an empty context. All methods return new contexts and
// never mutate the receiver.
type EvaluationContext struct {
	targetingKey string
	attributes   map[string]AttributeValue
}

// NewContext builds a context from a targeting key and attributes. An empty
// targeting key means none is set. The attribute map is copied.
func NewContext(targetingKey string, attributes map[string]AttributeValue) EvaluationContext {
	return EvaluationContext{
		targetingKey: targetingKey,
		attributes:   maps.Clone(attributes),
	}
}

// TargetedContext returns a context carrying only a targeting key.
func TargetedContext(targetingKey string) EvaluationContext {
	return EvaluationContext{targetingKey: targetingKey}
}

// ContextFromMap converts plain Go attribute values with [ValueOf]. Nil
// attribute values are dropped.
func ContextFromMap(targetingKey string, attributes map[string]any) (EvaluationContext, error) {
	converted := make(map[string]AttributeValue, len(attributes))
	for key, raw := range attributes {
		value, err := ValueOf(raw)
		if err != nil {
			return EvaluationContext{}, fmt.Errorf("attribute %q: %w", key, err)
		}
		if value == nil {
			continue
		}
		converted[key] = value
	}
	return EvaluationContext{targetingKey: targetingKey, attributes: converted}, nil
}

// TargetingKey returns the targeting key, or "" when none is set.
func (c EvaluationContext) TargetingKey() string {
	return c.targetingKey
}

// HasTargetingKey reports whether a targeting key is set.
func (c EvaluationContext) HasTargetingKey() bool {
	return c.targetingKey != ""
}

// Attribute returns a single attribute.
func (c EvaluationContext) Attribute(key string) (AttributeValue, bool) {
	value, ok := c.attributes[key]
	return value, ok
}

// Attributes returns a copy of the attribute map.
func (c EvaluationContext) Attributes() map[string]AttributeValue {
	out := make(map[string]AttributeValue, len(c.attributes))
	maps.Copy(out, c.attributes)
	return out
}

// AttributeMap returns the attributes as plain Go values.
func (c EvaluationContext) AttributeMap() map[string]any {
	out := make(map[string]any, len(c.attributes))
	for key, value := range c.attributes {
		out[key] = anyOf(value)
	}
	return out
}

// Keys returns the attribute names in sorted order.
func (c EvaluationContext) Keys() []string {
	keys := make([]string, 0, len(c.attributes))
	for key := range c.attributes {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of attributes.
func (c EvaluationContext) Len() int {
	return len(c.attributes)
}

// IsEmpty reports whether the context has neither a targeting key nor
// attributes.
func (c EvaluationContext) IsEmpty() bool {
	return c.targetingKey == "" && len(c.attributes) == 0
}

// WithTargetingKey returns a copy with the targeting key replaced.
func (c EvaluationContext) WithTargetingKey(targetingKey string) EvaluationContext {
	return EvaluationContext{targetingKey: targetingKey, attributes: c.attributes}
}

// WithAttribute returns a copy with one attribute set.
func (c EvaluationContext) WithAttribute(key string, value AttributeValue) EvaluationContext {
	next := make(map[string]AttributeValue, len(c.attributes)+1)
	maps.Copy(next, c.attributes)
	next[key] = value
	return EvaluationContext{targetingKey: c.targetingKey, attributes: next}
}

// WithoutAttribute returns a copy with one attribute removed.
func (c EvaluationContext) WithoutAttribute(key string) EvaluationContext {
	if _, ok := c.attributes[key]; !ok {
		return c
	}
	next := maps.Clone(c.attributes)
	delete(next, key)
	return EvaluationContext{targetingKey: c.targetingKey, attributes: next}
}

// Merge layers other on top of c. The targeting key of other wins when set;
// attributes of other overwrite those of c key by key. Nested maps are not
// merged.
func (c EvaluationContext) Merge(other EvaluationContext) EvaluationContext {
	if other.IsEmpty() {
		return c
	}
	if c.IsEmpty() {
		return other
	}

	targetingKey := c.targetingKey
	if other.targetingKey != "" {
		targetingKey = other.targetingKey
	}

	merged := make(map[string]AttributeValue, len(c.attributes)+len(other.attributes))
	maps.Copy(merged, c.attributes)
	maps.Copy(merged, other.attributes)

	return EvaluationContext{targetingKey: targetingKey, attributes: merged}
}

// Equal reports whether both contexts carry the same targeting key and
// structurally equal attributes.
func (c EvaluationContext) Equal(other EvaluationContext) bool {
	if c.targetingKey != other.targetingKey || len(c.attributes) != len(other.attributes) {
		return false
	}
	for key, value := range c.attributes {
		otherValue, ok := other.attributes[key]
		if !ok || !Equal(value, otherValue) {
			return false
		}
	}
	return true
}

// MergeContexts folds contexts with [EvaluationContext.Merge] from lowest to
// highest precedence.
func MergeContexts(contexts ...EvaluationContext) EvaluationContext {
	var merged EvaluationContext
	for _, next := range contexts {
		merged = merged.Merge(next)
	}
	return merged
}
