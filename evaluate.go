package flageval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"time"
)

// EvalOption configures a single evaluation.
type EvalOption func(*evalOptions)

type evalOptions struct {
	evalCtx EvaluationContext
	hooks   []Hook
	hints   HookHints
}

// WithInvocationContext sets the highest precedence context layer for one
// evaluation.
func WithInvocationContext(evalCtx EvaluationContext) EvalOption {
	return func(o *evalOptions) {
		o.evalCtx = o.evalCtx.Merge(evalCtx)
	}
}

// WithInvocationHooks adds hooks that run after the client hooks for one
// evaluation.
func WithInvocationHooks(hooks ...Hook) EvalOption {
	return func(o *evalOptions) {
		o.hooks = append(o.hooks, hooks...)
	}
}

// WithHookHints seeds the hints handed to the first Before stage.
func WithHookHints(hints HookHints) EvalOption {
	return func(o *evalOptions) {
		for key, value := range hints {
			o.hints = o.hints.With(key, value)
		}
	}
}

// Value evaluates key as T using the codec registered for T in the client's
// registry.
func Value[T any](ctx context.Context, c *Client, key string, defaultValue T, opts ...EvalOption) (T, error) {
	res, err := ValueDetails(ctx, c, key, defaultValue, opts...)
	return res.Value, err
}

// ValueDetails is like [Value] and returns the full resolution.
func ValueDetails[T any](ctx context.Context, c *Client, key string, defaultValue T, opts ...EvalOption) (FlagResolution[T], error) {
	codec, ok := Lookup[T](c.registry)
	if !ok {
		err := fmt.Errorf("%w for %s", ErrNoCodec, reflect.TypeFor[T]())
		return errorResolution(key, defaultValue, ErrorGeneral, err.Error()),
			&EvaluationError{Key: key, Code: ErrorGeneral, Kind: ErrorKindConfiguration, Err: err}
	}
	return evaluate(ctx, c, codec, key, defaultValue, opts)
}

// ValueWith evaluates key with an explicit codec.
func ValueWith[T any](ctx context.Context, c *Client, codec Codec[T], key string, defaultValue T, opts ...EvalOption) (FlagResolution[T], error) {
	return evaluate(ctx, c, codec, key, defaultValue, opts)
}

// evaluate runs before -> resolve -> after|error -> finally. An empty hook
// list skips the pipeline.
func evaluate[T any](ctx context.Context, c *Client, codec Codec[T], key string, defaultValue T, opts []EvalOption) (FlagResolution[T], error) {
	var o evalOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	if err := ctx.Err(); err != nil {
		return errorResolution(key, defaultValue, ErrorGeneral, err.Error()), newEvaluationError(key, ErrorGeneral, err)
	}

	tx := transactionFrom(ctx)
	evalCtx := c.effectiveContext(ctx, tx, o.evalCtx)
	hooks := c.hookChain(o.hooks)

	if len(hooks) == 0 {
		res, err := resolveFlag(ctx, c, tx, codec, key, defaultValue, evalCtx)
		c.logFailure(ctx, key, err)
		return res, err
	}

	hc := HookContext{
		FlagKey:           key,
		FlagType:          codec.TypeName(),
		Kind:              codec.Kind(),
		DefaultValue:      codec.Encode(defaultValue),
		EvaluationContext: evalCtx,
		ClientName:        c.name,
		ProviderMetadata:  c.provider.Metadata(),
	}
	hints := o.hints
	if hints == nil {
		hints = HookHints{}
	}

	var (
		res FlagResolution[T]
		err error
	)

	nextCtx, nextHints, beforeErr := hooks.Before(ctx, hc, hints)
	if beforeErr != nil {
		if nextHints != nil {
			hints = nextHints
		}
		failure := newHookFailure(key, beforeErr)
		res = errorResolution(key, defaultValue, failure.Code, beforeErr.Error())
		err = failure
	} else {
		if nextCtx != nil {
			evalCtx = *nextCtx
		}
		if nextHints != nil {
			hints = nextHints
		}
		res, err = resolveFlag(ctx, c, tx, codec, key, defaultValue, evalCtx)
		if err == nil {
			if afterErr := hooks.After(ctx, hc, res.Untyped(), hints); afterErr != nil {
				failure := newHookFailure(key, afterErr)
				res = errorResolution(key, defaultValue, failure.Code, afterErr.Error())
				err = failure
			}
		}
	}

	if err != nil {
		if hookErr := hooks.Error(ctx, hc, err, hints); hookErr != nil {
			c.logger.LogAttrs(ctx, slog.LevelWarn, "error hooks failed",
				slog.String("flag_key", key),
				slog.String("error", hookErr.Error()),
			)
			err = errors.Join(err, hookErr)
		}
	}

	if finallyErr := hooks.Finally(ctx, hc, hints); finallyErr != nil {
		c.logger.LogAttrs(ctx, slog.LevelWarn, "finally hooks failed",
			slog.String("flag_key", key),
			slog.String("error", finallyErr.Error()),
		)
		if err == nil {
			failure := newHookFailure(key, finallyErr)
			res = errorResolution(key, defaultValue, failure.Code, finallyErr.Error())
			err = failure
		} else {
			err = errors.Join(err, finallyErr)
		}
	}

	c.logFailure(ctx, key, err)
	return res, err
}

// resolveFlag consults, in order, the transaction override, the transaction
// cache and the provider.
func resolveFlag[T any](ctx context.Context, c *Client, tx *transactionState, codec Codec[T], key string, defaultValue T, evalCtx EvaluationContext) (FlagResolution[T], error) {
	if tx != nil {
		if raw, ok := tx.override(key); ok {
			value, err := codec.Decode(raw)
			if err != nil {
				mismatch := &OverrideTypeMismatchError{
					Key:      key,
					Expected: codec.TypeName(),
					Actual:   TypeNameOf(raw),
					Reason:   decodeReason(err),
				}
				return errorResolution(key, defaultValue, ErrorTypeMismatch, mismatch.Error()),
					&EvaluationError{Key: key, Code: ErrorTypeMismatch, Kind: ErrorKindTransaction, Err: mismatch}
			}

			res := FlagResolution[T]{FlagKey: key, Value: value, Reason: ReasonCached}
			tx.record(FlagEvaluation{
				Key:           key,
				Type:          codec.TypeName(),
				Value:         codec.Encode(value),
				Resolution:    res.Untyped(),
				WasOverridden: true,
				Timestamp:     time.Now(),
			})
			return res, nil
		}

		if tx.cache {
			if entry, ok := tx.lookup(key); ok {
				if value, err := codec.Decode(entry.Value); err == nil {
					res := withValue(entry.Resolution, value)
					res.FlagKey = key
					res.Reason = ReasonCached
					return res, nil
				}
			}
		}
	}

	res, raw, err := resolveWithProvider(ctx, c, codec, key, defaultValue, evalCtx)
	if err != nil {
		return res, err
	}

	if tx != nil {
		tx.record(FlagEvaluation{
			Key:        key,
			Type:       codec.TypeName(),
			Value:      raw,
			Resolution: res.Untyped(),
			Timestamp:  time.Now(),
		})
	}
	return res, nil
}

func resolveWithProvider[T any](ctx context.Context, c *Client, codec Codec[T], key string, defaultValue T, evalCtx EvaluationContext) (FlagResolution[T], any, error) {
	switch status := c.Status(); status {
	case StatusNotReady, StatusShuttingDown:
		cause := fmt.Errorf("%w: status %s", ErrProviderNotReady, status)
		return errorResolution(key, defaultValue, ErrorProviderNotReady, cause.Error()), nil,
			newEvaluationError(key, ErrorProviderNotReady, cause)
	}

	res, err := c.resolveRaw(ctx, codec.Kind(), key, codec.Encode(defaultValue), evalCtx)
	if err != nil {
		code := codeOrGeneral(err)
		return errorResolution(key, defaultValue, code, err.Error()), nil, newEvaluationError(key, code, err)
	}
	if res.ErrorCode != "" {
		cause := &ResolutionError{Code: res.ErrorCode, Message: res.ErrorMessage}
		return errorResolution(key, defaultValue, res.ErrorCode, res.ErrorMessage), nil,
			newEvaluationError(key, res.ErrorCode, cause)
	}

	value, err := codec.Decode(res.Value)
	if err != nil {
		return errorResolution(key, defaultValue, ErrorTypeMismatch, err.Error()), nil,
			newEvaluationError(key, ErrorTypeMismatch, err)
	}

	typed := withValue(res, value)
	typed.FlagKey = key
	if typed.Reason == "" {
		typed.Reason = ReasonUnknown
	}
	return typed, res.Value, nil
}

// resolveRaw calls the provider method for kind. Provider panics are
// recovered into errors.
func (c *Client) resolveRaw(ctx context.Context, kind Kind, key string, defaultValue any, evalCtx EvaluationContext) (res FlagResolution[any], err error) {
	defer func() {
		if r := recover(); r != nil {
			res, err = FlagResolution[any]{}, fmt.Errorf("provider %s panicked: %v", c.provider.Metadata().Name, r)
		}
	}()

	switch kind {
	case KindBoolean:
		def, _ := defaultValue.(bool)
		typed, err := c.provider.ResolveBoolean(ctx, key, def, evalCtx)
		return typed.Untyped(), err
	case KindString:
		def, _ := defaultValue.(string)
		typed, err := c.provider.ResolveString(ctx, key, def, evalCtx)
		return typed.Untyped(), err
	case KindInt:
		def, _ := decodeInt64(normalize(defaultValue))
		typed, err := c.provider.ResolveInt(ctx, key, def, evalCtx)
		return typed.Untyped(), err
	case KindFloat:
		def, _ := decodeFloat64(normalize(defaultValue))
		typed, err := c.provider.ResolveFloat(ctx, key, def, evalCtx)
		return typed.Untyped(), err
	default:
		return c.provider.ResolveObject(ctx, key, defaultValue, evalCtx)
	}
}

func (c *Client) logFailure(ctx context.Context, key string, err error) {
	if err == nil {
		return
	}
	c.logger.LogAttrs(ctx, slog.LevelDebug, "flag evaluation failed",
		slog.String("flag_key", key),
		slog.String("error_code", string(ErrorCodeOf(err))),
		slog.String("error_kind", KindOf(err).String()),
		slog.String("error", err.Error()),
	)
}

func codeOrGeneral(err error) ErrorCode {
	if code := ErrorCodeOf(err); code != "" {
		return code
	}
	return ErrorGeneral
}

func decodeReason(err error) string {
	var decodeErr *DecodeError
	if errors.As(err, &decodeErr) {
		return decodeErr.Reason
	}
	return err.Error()
}
