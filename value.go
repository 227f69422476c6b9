package flageval

import (
	"fmt"
	"math"
	"reflect"
	"sort"
	"time"
)

// AttributeValue is an attribute value carried by an [EvaluationContext].
//
// The set of implementations is closed: [BoolValue], [StringValue],
// [IntValue], [Int64Value], [FloatValue], [TimeValue], [ListValue] and
// [MapValue]. Values are immutable once constructed; use [Equal] for
// structural comparison.
type AttributeValue interface {
	// Any returns the plain Go representation (bool, string, int32, int64,
	// float64, time.Time, []any or map[string]any).
	Any() any
	isValue()
}

type (
	BoolValue   bool
	StringValue string
	IntValue    int32
	Int64Value  int64
	FloatValue  float64
	TimeValue   time.Time
	ListValue   []AttributeValue
	MapValue    map[string]AttributeValue
)

func (BoolValue) isValue()   {}
func (StringValue) isValue() {}
func (IntValue) isValue()    {}
func (Int64Value) isValue()  {}
func (FloatValue) isValue()  {}
func (TimeValue) isValue()   {}
func (ListValue) isValue()   {}
func (MapValue) isValue()    {}

func (v BoolValue) Any() any   { return bool(v) }
func (v StringValue) Any() any { return string(v) }
func (v IntValue) Any() any    { return int32(v) }
func (v Int64Value) Any() any  { return int64(v) }
func (v FloatValue) Any() any  { return float64(v) }
func (v TimeValue) Any() any   { return time.Time(v) }

func (v ListValue) Any() any {
	out := make([]any, len(v))
	for i, item := range v {
		out[i] = anyOf(item)
	}
	return out
}

func (v MapValue) Any() any {
	out := make(map[string]any, len(v))
	for key, item := range v {
		out[key] = anyOf(item)
	}
	return out
}

// Time returns the wrapped timestamp.
func (v TimeValue) Time() time.Time { return time.Time(v) }

// String renders values for logs and error messages.
func (v TimeValue) String() string { return time.Time(v).Format(time.RFC3339Nano) }

func anyOf(v AttributeValue) any {
	if v == nil {
		return nil
	}
	return v.Any()
}

// ValueOf converts a plain Go value into an [AttributeValue]. Slices and arrays become
// [ListValue], string-keyed maps become [MapValue]. Unsigned integers that do
// not fit in an int64 and unsupported kinds (channels, funcs, structs) fail.
func ValueOf(v any) (AttributeValue, error) {
	switch typed := v.(type) {
	case nil:
		return nil, nil
	case AttributeValue:
		return typed, nil
	case bool:
		return BoolValue(typed), nil
	case string:
		return StringValue(typed), nil
	case int:
		if typed >= math.MinInt32 && typed <= math.MaxInt32 {
			return IntValue(typed), nil
		}
		return Int64Value(typed), nil
	case int8:
		return IntValue(typed), nil
	case int16:
		return IntValue(typed), nil
	case int32:
		return IntValue(typed), nil
	case int64:
		return Int64Value(typed), nil
	case float32:
		return FloatValue(typed), nil
	case float64:
		return FloatValue(typed), nil
	case time.Time:
		return TimeValue(typed), nil
	case []any:
		list := make(ListValue, len(typed))
		for i, item := range typed {
			converted, err := ValueOf(item)
			if err != nil {
				return nil, fmt.Errorf("index %d: %w", i, err)
			}
			list[i] = converted
		}
		return list, nil
	case map[string]any:
		m := make(MapValue, len(typed))
		for key, item := range typed {
			converted, err := ValueOf(item)
			if err != nil {
				return nil, fmt.Errorf("key %q: %w", key, err)
			}
			m[key] = converted
		}
		return m, nil
	}

	return valueOfReflect(reflect.ValueOf(v))
}

func valueOfReflect(rv reflect.Value) (AttributeValue, error) {
	switch rv.Kind() {
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		u := rv.Uint()
		if u > math.MaxInt64 {
			return nil, fmt.Errorf("unsigned value %d overflows int64", u)
		}
		if u <= math.MaxInt32 {
			return IntValue(int32(u)), nil
		}
		return Int64Value(int64(u)), nil
	case reflect.Bool:
		return BoolValue(rv.Bool()), nil
	case reflect.String:
		return StringValue(rv.String()), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return ValueOf(rv.Int())
	case reflect.Float32, reflect.Float64:
		return FloatValue(rv.Float()), nil
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return ListValue{}, nil
		}
		list := make(ListValue, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			converted, err := ValueOf(rv.Index(i).Interface())
			if err != nil {
				return nil, fmt.Errorf("index %d: %w", i, err)
			}
			list[i] = converted
		}
		return list, nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, fmt.Errorf("unsupported map key type %s", rv.Type().Key())
		}
		m := make(MapValue, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			key := iter.Key().String()
			converted, err := ValueOf(iter.Value().Interface())
			if err != nil {
				return nil, fmt.Errorf("key %q: %w", key, err)
			}
			m[key] = converted
		}
		return m, nil
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil, nil
		}
		return ValueOf(rv.Elem().Interface())
	case reflect.Invalid:
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported attribute type %s", rv.Type())
	}
}

// MustValueOf is like [ValueOf] but panics on unsupported input. It is meant
// for literals in tests and static configuration.
func MustValueOf(v any) AttributeValue {
	converted, err := ValueOf(v)
	if err != nil {
		panic(err)
	}
	return converted
}

// Equal reports whether a and b are structurally equal. Timestamps compare by
// instant; maps compare regardless of insertion order.
func Equal(a, b AttributeValue) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}

	switch left := a.(type) {
	case TimeValue:
		right, ok := b.(TimeValue)
		return ok && time.Time(left).Equal(time.Time(right))
	case ListValue:
		right, ok := b.(ListValue)
		if !ok || len(left) != len(right) {
			return false
		}
		for i := range left {
			if !Equal(left[i], right[i]) {
				return false
			}
		}
		return true
	case MapValue:
		right, ok := b.(MapValue)
		if !ok || len(left) != len(right) {
			return false
		}
		for key, item := range left {
			other, ok := right[key]
			if !ok || !Equal(item, other) {
				return false
			}
		}
		return true
	default:
		return a == b
	}
}

// IsNullish reports whether v carries no information: nil, the empty string,
// an empty list or an empty map.
func IsNullish(v AttributeValue) bool {
	switch typed := v.(type) {
	case nil:
		return true
	case StringValue:
		return typed == ""
	case ListValue:
		return len(typed) == 0
	case MapValue:
		return len(typed) == 0
	default:
		return false
	}
}

// Keys returns the map keys in sorted order.
func (v MapValue) Keys() []string {
	keys := make([]string, 0, len(v))
	for key := range v {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
