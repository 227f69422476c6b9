package flageval

import "maps"

// Reason explains how a flag value was determined.
type Reason string

const (
	ReasonStatic         Reason = "STATIC"
	ReasonDefault        Reason = "DEFAULT"
	ReasonTargetingMatch Reason = "TARGETING_MATCH"
	ReasonSplit          Reason = "SPLIT"
	ReasonCached         Reason = "CACHED"
	ReasonDisabled       Reason = "DISABLED"
	ReasonStale          Reason = "STALE"
	ReasonError          Reason = "ERROR"
	ReasonUnknown        Reason = "UNKNOWN"
)

// FlagResolution is the detailed outcome of one evaluation.
type FlagResolution[T any] struct {
	FlagKey      string
	Value        T
	Variant      string
	Reason       Reason
	Metadata     map[string]string
	ErrorCode    ErrorCode
	ErrorMessage string
}

// IsError reports whether the resolution carries an error code.
func (r FlagResolution[T]) IsError() bool {
	return r.ErrorCode != ""
}

// Untyped erases the value type, as seen by hooks and the transaction
// ledger.
func (r FlagResolution[T]) Untyped() FlagResolution[any] {
	return FlagResolution[any]{
		FlagKey:      r.FlagKey,
		Value:        r.Value,
		Variant:      r.Variant,
		Reason:       r.Reason,
		Metadata:     maps.Clone(r.Metadata),
		ErrorCode:    r.ErrorCode,
		ErrorMessage: r.ErrorMessage,
	}
}

func withValue[T, U any](r FlagResolution[T], value U) FlagResolution[U] {
	return FlagResolution[U]{
		FlagKey:      r.FlagKey,
		Value:        value,
		Variant:      r.Variant,
		Reason:       r.Reason,
		Metadata:     r.Metadata,
		ErrorCode:    r.ErrorCode,
		ErrorMessage: r.ErrorMessage,
	}
}

func errorResolution[T any](key string, defaultValue T, code ErrorCode, message string) FlagResolution[T] {
	return FlagResolution[T]{
		FlagKey:      key,
		Value:        defaultValue,
		Reason:       ReasonError,
		ErrorCode:    code,
		ErrorMessage: message,
	}
}
