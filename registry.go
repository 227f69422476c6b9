package flageval

import (
	"fmt"
	"reflect"
	"sync"
)

// Registry maps Go types to codecs. It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	codecs map[reflect.Type]any
}

// NewRegistry returns a registry preloaded with the built-in codecs, lists of
// the primitive types and optionals of the primitive types.
func NewRegistry() *Registry {
	r := &Registry{codecs: make(map[reflect.Type]any)}

	Register(r, BoolCodec)
	Register(r, StringCodec)
	Register(r, IntCodec)
	Register(r, Int32Codec)
	Register(r, Int64Codec)
	Register(r, Float32Codec)
	Register(r, Float64Codec)
	Register(r, ObjectCodec)
	Register(r, AnyCodec)

	Register(r, ListCodec(BoolCodec))
	Register(r, ListCodec(StringCodec))
	Register(r, ListCodec(IntCodec))
	Register(r, ListCodec(Int64Codec))
	Register(r, ListCodec(Float64Codec))
	Register(r, ListCodec(ObjectCodec))
	Register(r, ListCodec(AnyCodec))

	Register(r, OptionalCodec(BoolCodec))
	Register(r, OptionalCodec(StringCodec))
	Register(r, OptionalCodec(IntCodec))
	Register(r, OptionalCodec(Int64Codec))
	Register(r, OptionalCodec(Float64Codec))
	Register(r, OptionalCodec(ObjectCodec))

	return r
}

// DefaultRegistry is used by clients created without an explicit registry.
var DefaultRegistry = NewRegistry()

// Register installs codec for T, replacing any previous registration.
func Register[T any](r *Registry, codec Codec[T]) {
	r.mu.Lock()
	r.codecs[reflect.TypeFor[T]()] = codec
	r.mu.Unlock()
}

// RegisterFunc registers a custom codec built by [NewCodec].
func RegisterFunc[T any](r *Registry, name string, defaultValue T, decode func(raw any) (T, error), encode func(value T) any) Codec[T] {
	codec := NewCodec(name, defaultValue, decode, encode)
	Register(r, codec)
	return codec
}

// RegisterMapped registers a codec for B derived from the registered codec
// for A.
func RegisterMapped[A, B any](r *Registry, name string, to func(A) (B, error), from func(B) A) (Codec[B], error) {
	base, ok := Lookup[A](r)
	if !ok {
		return nil, fmt.Errorf("%w for %s", ErrNoCodec, reflect.TypeFor[A]())
	}
	codec := MapCodec(base, name, to, from)
	Register(r, codec)
	return codec, nil
}

// RegisterOptional registers a codec for Optional[T] from the codec for T.
func RegisterOptional[T any](r *Registry) error {
	inner, ok := Lookup[T](r)
	if !ok {
		return fmt.Errorf("%w for %s", ErrNoCodec, reflect.TypeFor[T]())
	}
	Register(r, OptionalCodec(inner))
	return nil
}

// RegisterList registers a codec for []T from the codec for T.
func RegisterList[T any](r *Registry) error {
	inner, ok := Lookup[T](r)
	if !ok {
		return fmt.Errorf("%w for %s", ErrNoCodec, reflect.TypeFor[T]())
	}
	Register(r, ListCodec(inner))
	return nil
}

// Lookup returns the codec registered for T.
func Lookup[T any](r *Registry) (Codec[T], bool) {
	r.mu.RLock()
	registered, ok := r.codecs[reflect.TypeFor[T]()]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	codec, ok := registered.(Codec[T])
	return codec, ok
}
