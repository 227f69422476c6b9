package flageval

import (
	"errors"
	"fmt"
)

// ErrorCode classifies evaluation failures.
type ErrorCode string

const (
	ErrorFlagNotFound         ErrorCode = "FLAG_NOT_FOUND"
	ErrorTypeMismatch         ErrorCode = "TYPE_MISMATCH"
	ErrorParse                ErrorCode = "PARSE_ERROR"
	ErrorTargetingKeyMissing  ErrorCode = "TARGETING_KEY_MISSING"
	ErrorInvalidContext       ErrorCode = "INVALID_CONTEXT"
	ErrorProviderNotReady     ErrorCode = "PROVIDER_NOT_READY"
	ErrorProviderFatal        ErrorCode = "PROVIDER_FATAL"
	ErrorGeneral              ErrorCode = "GENERAL"
	ErrorInvalidConfiguration ErrorCode = "INVALID_CONFIGURATION"
)

// ErrorKind groups error codes by who can recover from them.
type ErrorKind int

const (
	ErrorKindUnknown ErrorKind = iota
	// ErrorKindEvaluation errors are recoverable; callers usually fall back
	// to the default value.
	ErrorKindEvaluation
	// ErrorKindProvider errors come from the resolution backend and are not
	// recoverable by the engine.
	ErrorKindProvider
	// ErrorKindTransaction errors are programmer errors in transaction use.
	ErrorKindTransaction
	// ErrorKindHook errors are raised by a hook stage without a code of
	// their own.
	ErrorKindHook
	// ErrorKindConfiguration errors come from a misconfigured client, such
	// as a type with no registered codec.
	ErrorKindConfiguration
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorKindEvaluation:
		return "evaluation"
	case ErrorKindProvider:
		return "provider"
	case ErrorKindTransaction:
		return "transaction"
	case ErrorKindHook:
		return "hook"
	case ErrorKindConfiguration:
		return "configuration"
	default:
		return "unknown"
	}
}

// Kind returns the default kind for the code.
func (c ErrorCode) Kind() ErrorKind {
	switch c {
	case ErrorFlagNotFound, ErrorTypeMismatch, ErrorParse, ErrorTargetingKeyMissing, ErrorInvalidContext:
		return ErrorKindEvaluation
	case ErrorProviderNotReady, ErrorProviderFatal, ErrorGeneral, ErrorInvalidConfiguration:
		return ErrorKindProvider
	default:
		return ErrorKindUnknown
	}
}

var (
	// ErrNestedTransaction is returned when a transaction is started inside
	// another one on the same call chain.
	ErrNestedTransaction = errors.New("flageval: nested transactions are not allowed")
	// ErrProviderNotReady is wrapped by evaluations refused because the
	// provider is not ready or shutting down.
	ErrProviderNotReady = errors.New("flageval: provider not ready")
	// ErrNoCodec is returned when no codec is registered for a requested type.
	ErrNoCodec = errors.New("flageval: no codec registered")
)

// ResolutionError is returned by providers to report a classified failure.
type ResolutionError struct {
	Code    ErrorCode
	Message string
}

// NewResolutionError builds a [ResolutionError].
func NewResolutionError(code ErrorCode, format string, args ...any) *ResolutionError {
	return &ResolutionError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// FlagNotFound reports an unknown flag key.
func FlagNotFound(key string) *ResolutionError {
	return NewResolutionError(ErrorFlagNotFound, "flag %q not found", key)
}

func (e *ResolutionError) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// EvaluationError is the error returned by every evaluation function. It
// wraps the underlying cause (provider error, decode failure, hook error,
// transaction misuse).
type EvaluationError struct {
	Key  string
	Code ErrorCode
	Kind ErrorKind
	Err  error
}

func newEvaluationError(key string, code ErrorCode, err error) *EvaluationError {
	return &EvaluationError{Key: key, Code: code, Kind: code.Kind(), Err: err}
}

// newHookFailure wraps a hook stage failure. A code carried by the hook
// error keeps its kind; otherwise the failure is GENERAL of kind hook.
func newHookFailure(key string, err error) *EvaluationError {
	if code := ErrorCodeOf(err); code != "" {
		return newEvaluationError(key, code, err)
	}
	return &EvaluationError{Key: key, Code: ErrorGeneral, Kind: ErrorKindHook, Err: err}
}

func (e *EvaluationError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("flageval: evaluate %q: %s", e.Key, e.Code)
	}
	return fmt.Sprintf("flageval: evaluate %q: %s: %v", e.Key, e.Code, e.Err)
}

func (e *EvaluationError) Unwrap() error {
	return e.Err
}

// OverrideTypeMismatchError is returned when a transaction override cannot
// be decoded as the requested type.
type OverrideTypeMismatchError struct {
	Key      string
	Expected string
	Actual   string
	Reason   string
}

func (e *OverrideTypeMismatchError) Error() string {
	msg := fmt.Sprintf("override for %q is %s, expected %s", e.Key, e.Actual, e.Expected)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// HookError reports a failure (returned error or recovered panic) from one
// hook stage.
type HookError struct {
	Hook  string
	Stage string
	Err   error
}

func (e *HookError) Error() string {
	return fmt.Sprintf("hook %s %s: %v", e.Hook, e.Stage, e.Err)
}

func (e *HookError) Unwrap() error {
	return e.Err
}

// DecodeError reports a value a codec could not convert.
type DecodeError struct {
	Type   string
	Actual string
	Reason string
}

func (e *DecodeError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("cannot decode %s as %s", e.Actual, e.Type)
	}
	return fmt.Sprintf("cannot decode %s as %s: %s", e.Actual, e.Type, e.Reason)
}

// ErrorCodeOf extracts the error code from err, or "" when err carries none.
func ErrorCodeOf(err error) ErrorCode {
	var evalErr *EvaluationError
	if errors.As(err, &evalErr) {
		return evalErr.Code
	}
	var resErr *ResolutionError
	if errors.As(err, &resErr) {
		return resErr.Code
	}
	return ""
}

// KindOf classifies err. Unclassified errors report [ErrorKindUnknown].
func KindOf(err error) ErrorKind {
	if errors.Is(err, ErrNestedTransaction) {
		return ErrorKindTransaction
	}
	if errors.Is(err, ErrNoCodec) {
		return ErrorKindConfiguration
	}
	var evalErr *EvaluationError
	if errors.As(err, &evalErr) {
		return evalErr.Kind
	}
	return ErrorCodeOf(err).Kind()
}

// IsRecoverable reports whether err is an evaluation error a caller may
// answer by falling back to its default value.
func IsRecoverable(err error) bool {
	return KindOf(err) == ErrorKindEvaluation
}
