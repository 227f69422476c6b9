package flageval

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// Kind names the provider resolution method a codec is served by.
type Kind int

const (
	KindObject Kind = iota
	KindBoolean
	KindString
	KindInt
	KindFloat
)

func (k Kind) String() string {
	switch k {
	case KindBoolean:
		return "boolean"
	case KindString:
		return "string"
	case KindInt:
		return "integer"
	case KindFloat:
		return "float"
	default:
		return "object"
	}
}

// Codec converts between untyped resolved values and T.
//
// Decode never panics; it reports conversion failures as a [*DecodeError].
// Encode produces the untyped form handed to providers and stored in the
// transaction ledger.
type Codec[T any] interface {
	TypeName() string
	Kind() Kind
	Decode(raw any) (T, error)
	Encode(value T) any
	Default() T
}

type funcCodec[T any] struct {
	name   string
	kind   Kind
	def    T
	decode func(raw any) (T, error)
	encode func(value T) any
}

func (c *funcCodec[T]) TypeName() string { return c.name }
func (c *funcCodec[T]) Kind() Kind       { return c.kind }
func (c *funcCodec[T]) Default() T       { return c.def }
func (c *funcCodec[T]) Encode(value T) any {
	if c.encode == nil {
		return value
	}
	return c.encode(value)
}

func (c *funcCodec[T]) Decode(raw any) (value T, err error) {
	defer func() {
		if r := recover(); r != nil {
			var zero T
			value, err = zero, &DecodeError{Type: c.name, Actual: TypeNameOf(raw), Reason: fmt.Sprintf("panic: %v", r)}
		}
	}()

	value, err = c.decode(normalize(raw))
	if err == nil {
		return value, nil
	}
	if decodeErr, ok := err.(*DecodeError); ok {
		return value, decodeErr
	}
	var zero T
	return zero, &DecodeError{Type: c.name, Actual: TypeNameOf(raw), Reason: err.Error()}
}

// NewCodec builds a codec for a custom type served by the object resolution
// method. Errors from decode that are not already a [*DecodeError] are
// wrapped in one; a nil encode passes values through unchanged.
func NewCodec[T any](name string, defaultValue T, decode func(raw any) (T, error), encode func(value T) any) Codec[T] {
	return &funcCodec[T]{name: name, kind: KindObject, def: defaultValue, decode: decode, encode: encode}
}

// NewKindCodec is like [NewCodec] with an explicit resolution kind.
func NewKindCodec[T any](name string, kind Kind, defaultValue T, decode func(raw any) (T, error), encode func(value T) any) Codec[T] {
	return &funcCodec[T]{name: name, kind: kind, def: defaultValue, decode: decode, encode: encode}
}

// MapCodec derives a codec for B from a codec for A. Decoding goes through
// base and then to; encoding applies from and then base. The derived codec
// keeps the resolution kind of base.
func MapCodec[A, B any](base Codec[A], name string, to func(A) (B, error), from func(B) A) Codec[B] {
	def, err := to(base.Default())
	if err != nil {
		var zero B
		def = zero
	}
	return &funcCodec[B]{
		name: name,
		kind: base.Kind(),
		def:  def,
		decode: func(raw any) (B, error) {
			a, err := base.Decode(raw)
			if err != nil {
				var zero B
				return zero, &DecodeError{Type: name, Actual: TypeNameOf(raw), Reason: err.Error()}
			}
			return to(a)
		},
		encode: func(value B) any {
			return base.Encode(from(value))
		},
	}
}

// Built-in codecs.
var (
	BoolCodec    Codec[bool]           = NewKindCodec("boolean", KindBoolean, false, decodeBool, nil)
	StringCodec  Codec[string]         = NewKindCodec("string", KindString, "", decodeString, nil)
	IntCodec     Codec[int]            = NewKindCodec("int", KindInt, 0, decodeInt, func(v int) any { return int64(v) })
	Int32Codec   Codec[int32]          = NewKindCodec("int32", KindInt, 0, decodeInt32, func(v int32) any { return int64(v) })
	Int64Codec   Codec[int64]          = NewKindCodec("int64", KindInt, 0, decodeInt64, nil)
	Float32Codec Codec[float32]        = NewKindCodec("float32", KindFloat, 0, decodeFloat32, func(v float32) any { return float64(v) })
	Float64Codec Codec[float64]        = NewKindCodec("float64", KindFloat, 0, decodeFloat64, nil)
	ObjectCodec  Codec[map[string]any] = NewCodec("object", map[string]any{}, decodeObject, nil)
	AnyCodec     Codec[any]            = NewCodec("any", nil, func(raw any) (any, error) { return raw, nil }, nil)
)

// Optional is a value that may be absent.
type Optional[T any] struct {
	Value T
	Valid bool
}

// Some wraps a present value.
func Some[T any](value T) Optional[T] {
	return Optional[T]{Value: value, Valid: true}
}

// None returns an absent value.
func None[T any]() Optional[T] {
	return Optional[T]{}
}

// Get returns the value and whether it is present.
func (o Optional[T]) Get() (T, bool) {
	return o.Value, o.Valid
}

// OrElse returns the value, or fallback when absent.
func (o Optional[T]) OrElse(fallback T) T {
	if o.Valid {
		return o.Value
	}
	return fallback
}

// OptionalCodec decodes nil as [None] and anything else through inner.
func OptionalCodec[T any](inner Codec[T]) Codec[Optional[T]] {
	name := "optional<" + inner.TypeName() + ">"
	return &funcCodec[Optional[T]]{
		name: name,
		kind: inner.Kind(),
		def:  None[T](),
		decode: func(raw any) (Optional[T], error) {
			if raw == nil {
				return None[T](), nil
			}
			value, err := inner.Decode(raw)
			if err != nil {
				return None[T](), &DecodeError{Type: name, Actual: TypeNameOf(raw), Reason: err.Error()}
			}
			return Some(value), nil
		},
		encode: func(value Optional[T]) any {
			if !value.Valid {
				return nil
			}
			return inner.Encode(value.Value)
		},
	}
}

// ListCodec decodes sequences element by element through inner, failing on
// the first element that does not decode.
func ListCodec[T any](inner Codec[T]) Codec[[]T] {
	name := "list<" + inner.TypeName() + ">"
	return &funcCodec[[]T]{
		name: name,
		kind: KindObject,
		def:  []T{},
		decode: func(raw any) ([]T, error) {
			items, ok := sliceOf(raw)
			if !ok {
				return nil, &DecodeError{Type: name, Actual: TypeNameOf(raw), Reason: "not a list"}
			}
			out := make([]T, len(items))
			for i, item := range items {
				value, err := inner.Decode(item)
				if err != nil {
					return nil, &DecodeError{Type: name, Actual: TypeNameOf(raw), Reason: fmt.Sprintf("element %d: %v", i, err)}
				}
				out[i] = value
			}
			return out, nil
		},
		encode: func(values []T) any {
			out := make([]any, len(values))
			for i, value := range values {
				out[i] = inner.Encode(value)
			}
			return out
		},
	}
}

// TypeNameOf describes the dynamic type of an untyped value for error
// messages.
func TypeNameOf(raw any) string {
	switch typed := normalize(raw).(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case string:
		return "string"
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return "integer"
	case float32, float64:
		return "float"
	case json.Number:
		return "number"
	case time.Time:
		return "timestamp"
	case map[string]any:
		return "object"
	case []any:
		return "list"
	default:
		return fmt.Sprintf("%T", typed)
	}
}

func normalize(raw any) any {
	if value, ok := raw.(AttributeValue); ok {
		return value.Any()
	}
	return raw
}

func decodeBool(raw any) (bool, error) {
	switch v := raw.(type) {
	case bool:
		return v, nil
	case string:
		parsed, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return false, &DecodeError{Type: "boolean", Actual: "string", Reason: fmt.Sprintf("invalid boolean %q", v)}
		}
		return parsed, nil
	default:
		return false, &DecodeError{Type: "boolean", Actual: TypeNameOf(raw)}
	}
}

func decodeString(raw any) (string, error) {
	switch v := raw.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	default:
		return "", &DecodeError{Type: "string", Actual: TypeNameOf(raw)}
	}
}

func decodeInt64(raw any) (int64, error) {
	switch v := raw.(type) {
	case int:
		return int64(v), nil
	case int8:
		return int64(v), nil
	case int16:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case uint:
		return uintToInt64(uint64(v))
	case uint8:
		return int64(v), nil
	case uint16:
		return int64(v), nil
	case uint32:
		return int64(v), nil
	case uint64:
		return uintToInt64(v)
	case float32:
		return floatToInt64(float64(v))
	case float64:
		return floatToInt64(v)
	case json.Number:
		if parsed, err := v.Int64(); err == nil {
			return parsed, nil
		}
		parsed, err := v.Float64()
		if err != nil {
			return 0, &DecodeError{Type: "int64", Actual: "number", Reason: fmt.Sprintf("invalid number %q", v.String())}
		}
		return floatToInt64(parsed)
	case string:
		parsed, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0, &DecodeError{Type: "int64", Actual: "string", Reason: fmt.Sprintf("invalid integer %q", v)}
		}
		return parsed, nil
	default:
		return 0, &DecodeError{Type: "int64", Actual: TypeNameOf(raw)}
	}
}

func uintToInt64(v uint64) (int64, error) {
	if v > math.MaxInt64 {
		return 0, &DecodeError{Type: "int64", Actual: "integer", Reason: fmt.Sprintf("%d overflows int64", v)}
	}
	return int64(v), nil
}

// floatToInt64 truncates toward zero.
func floatToInt64(v float64) (int64, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, &DecodeError{Type: "int64", Actual: "float", Reason: fmt.Sprintf("%v is not finite", v)}
	}
	truncated := math.Trunc(v)
	if truncated < math.MinInt64 || truncated >= math.MaxInt64 {
		return 0, &DecodeError{Type: "int64", Actual: "float", Reason: fmt.Sprintf("%v overflows int64", v)}
	}
	return int64(truncated), nil
}

func decodeInt32(raw any) (int32, error) {
	v, err := decodeInt64(raw)
	if err != nil {
		return 0, retypeDecodeError(err, "int32")
	}
	if v < math.MinInt32 || v > math.MaxInt32 {
		return 0, &DecodeError{Type: "int32", Actual: TypeNameOf(raw), Reason: fmt.Sprintf("%d overflows int32", v)}
	}
	return int32(v), nil
}

func decodeInt(raw any) (int, error) {
	v, err := decodeInt64(raw)
	if err != nil {
		return 0, retypeDecodeError(err, "int")
	}
	if strconv.IntSize == 32 && (v < math.MinInt32 || v > math.MaxInt32) {
		return 0, &DecodeError{Type: "int", Actual: TypeNameOf(raw), Reason: fmt.Sprintf("%d overflows int", v)}
	}
	return int(v), nil
}

func decodeFloat64(raw any) (float64, error) {
	switch v := raw.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int8:
		return float64(v), nil
	case int16:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case uint:
		return float64(v), nil
	case uint8:
		return float64(v), nil
	case uint16:
		return float64(v), nil
	case uint32:
		return float64(v), nil
	case uint64:
		return float64(v), nil
	case json.Number:
		parsed, err := v.Float64()
		if err != nil {
			return 0, &DecodeError{Type: "float64", Actual: "number", Reason: fmt.Sprintf("invalid number %q", v.String())}
		}
		return parsed, nil
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, &DecodeError{Type: "float64", Actual: "string", Reason: fmt.Sprintf("invalid float %q", v)}
		}
		return parsed, nil
	default:
		return 0, &DecodeError{Type: "float64", Actual: TypeNameOf(raw)}
	}
}

func decodeFloat32(raw any) (float32, error) {
	v, err := decodeFloat64(raw)
	if err != nil {
		return 0, retypeDecodeError(err, "float32")
	}
	if !math.IsInf(v, 0) && !math.IsNaN(v) && math.Abs(v) > math.MaxFloat32 {
		return 0, &DecodeError{Type: "float32", Actual: TypeNameOf(raw), Reason: fmt.Sprintf("%v overflows float32", v)}
	}
	return float32(v), nil
}

func decodeObject(raw any) (map[string]any, error) {
	switch v := raw.(type) {
	case map[string]any:
		return v, nil
	case nil:
		return nil, &DecodeError{Type: "object", Actual: "null"}
	}

	rv := reflect.ValueOf(raw)
	if rv.Kind() != reflect.Map || rv.Type().Key().Kind() != reflect.String {
		return nil, &DecodeError{Type: "object", Actual: TypeNameOf(raw)}
	}
	out := make(map[string]any, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		out[iter.Key().String()] = normalize(iter.Value().Interface())
	}
	return out, nil
}

func sliceOf(raw any) ([]any, bool) {
	if items, ok := raw.([]any); ok {
		return items, true
	}
	rv := reflect.ValueOf(raw)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	if _, isBytes := raw.([]byte); isBytes {
		return nil, false
	}
	items := make([]any, rv.Len())
	for i := range items {
		items[i] = normalize(rv.Index(i).Interface())
	}
	return items, true
}

func retypeDecodeError(err error, typeName string) error {
	if decodeErr, ok := err.(*DecodeError); ok {
		return &DecodeError{Type: typeName, Actual: decodeErr.Actual, Reason: decodeErr.Reason}
	}
	return err
}
