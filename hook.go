package flageval

import (
	"context"
	"errors"
	"fmt"
	"maps"
)

// HookHints passes data between the stages of a single evaluation. Hints are
// never shared across evaluations.
type HookHints map[string]any

// With returns a copy of h with key set.
func (h HookHints) With(key string, value any) HookHints {
	next := make(HookHints, len(h)+1)
	maps.Copy(next, h)
	next[key] = value
	return next
}

// Get returns a hint.
func (h HookHints) Get(key string) (any, bool) {
	value, ok := h[key]
	return value, ok
}

// HookContext is the per-evaluation snapshot handed to every hook stage.
type HookContext struct {
	FlagKey      string
	FlagType     string
	Kind         Kind
	DefaultValue any
	// EvaluationContext is the effective context. After, Error and Finally
	// see it as computed before any Before stage rewrote it; Before sees the
	// context produced by the preceding hook.
	EvaluationContext EvaluationContext
	ClientName        string
	ProviderMetadata  ProviderMetadata
}

// Hook observes and shapes evaluations. Embed [UnimplementedHook] to pick
// only the stages you need.
type Hook interface {
	// Before may return a replacement evaluation context and/or hints; nil
	// results leave them unchanged. An error aborts the evaluation.
	Before(ctx context.Context, hc HookContext, hints HookHints) (*EvaluationContext, HookHints, error)
	After(ctx context.Context, hc HookContext, resolution FlagResolution[any], hints HookHints) error
	Error(ctx context.Context, hc HookContext, err error, hints HookHints) error
	Finally(ctx context.Context, hc HookContext, hints HookHints) error
}

// UnimplementedHook provides no-op stages.
type UnimplementedHook struct{}

func (UnimplementedHook) Before(context.Context, HookContext, HookHints) (*EvaluationContext, HookHints, error) {
	return nil, nil, nil
}

func (UnimplementedHook) After(context.Context, HookContext, FlagResolution[any], HookHints) error {
	return nil
}

func (UnimplementedHook) Error(context.Context, HookContext, error, HookHints) error {
	return nil
}

func (UnimplementedHook) Finally(context.Context, HookContext, HookHints) error {
	return nil
}

// HookFuncs adapts plain functions to a [Hook]. Nil fields are no-ops.
type HookFuncs struct {
	Name        string
	BeforeFunc  func(ctx context.Context, hc HookContext, hints HookHints) (*EvaluationContext, HookHints, error)
	AfterFunc   func(ctx context.Context, hc HookContext, resolution FlagResolution[any], hints HookHints) error
	ErrorFunc   func(ctx context.Context, hc HookContext, err error, hints HookHints) error
	FinallyFunc func(ctx context.Context, hc HookContext, hints HookHints) error
}

func (f HookFuncs) HookName() string {
	if f.Name == "" {
		return "funcs"
	}
	return f.Name
}

func (f HookFuncs) Before(ctx context.Context, hc HookContext, hints HookHints) (*EvaluationContext, HookHints, error) {
	if f.BeforeFunc == nil {
		return nil, nil, nil
	}
	return f.BeforeFunc(ctx, hc, hints)
}

func (f HookFuncs) After(ctx context.Context, hc HookContext, resolution FlagResolution[any], hints HookHints) error {
	if f.AfterFunc == nil {
		return nil
	}
	return f.AfterFunc(ctx, hc, resolution, hints)
}

func (f HookFuncs) Error(ctx context.Context, hc HookContext, err error, hints HookHints) error {
	if f.ErrorFunc == nil {
		return nil
	}
	return f.ErrorFunc(ctx, hc, err, hints)
}

func (f HookFuncs) Finally(ctx context.Context, hc HookContext, hints HookHints) error {
	if f.FinallyFunc == nil {
		return nil
	}
	return f.FinallyFunc(ctx, hc, hints)
}

// Hooks composes an ordered list of hooks into one.
//
// Before folds left to right, each hook seeing its predecessor's output, and
// stops at the first failure. After, Error and Finally run every hook in list
// order; failures are isolated per hook and joined into the returned error.
// Panics in any stage are recovered into a [*HookError].
type Hooks []Hook

// Before returns the final context and hints when at least one hook changed
// something, and nils otherwise. On failure it returns the hints produced by
// the hooks that ran before the failing one, so Error and Finally can still
// release what those hooks acquired.
func (hs Hooks) Before(ctx context.Context, hc HookContext, hints HookHints) (*EvaluationContext, HookHints, error) {
	current := hc
	currentHints := hints
	changed := false

	for _, hook := range hs {
		var (
			nextCtx   *EvaluationContext
			nextHints HookHints
		)
		err := guard(hook, "before", func() error {
			var err error
			nextCtx, nextHints, err = hook.Before(ctx, current, currentHints)
			return err
		})
		if err != nil {
			if !changed {
				return nil, nil, err
			}
			return nil, currentHints, err
		}
		if nextCtx != nil {
			current.EvaluationContext = *nextCtx
			changed = true
		}
		if nextHints != nil {
			currentHints = nextHints
			changed = true
		}
	}

	if !changed {
		return nil, nil, nil
	}
	evalCtx := current.EvaluationContext
	return &evalCtx, currentHints, nil
}

func (hs Hooks) After(ctx context.Context, hc HookContext, resolution FlagResolution[any], hints HookHints) error {
	var errs []error
	for _, hook := range hs {
		if err := guard(hook, "after", func() error {
			return hook.After(ctx, hc, resolution, hints)
		}); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (hs Hooks) Error(ctx context.Context, hc HookContext, evalErr error, hints HookHints) error {
	var errs []error
	for _, hook := range hs {
		if err := guard(hook, "error", func() error {
			return hook.Error(ctx, hc, evalErr, hints)
		}); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (hs Hooks) Finally(ctx context.Context, hc HookContext, hints HookHints) error {
	var errs []error
	for _, hook := range hs {
		if err := guard(hook, "finally", func() error {
			return hook.Finally(ctx, hc, hints)
		}); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// HookName returns the name used for a hook in errors and logs.
func HookName(hook Hook) string {
	if named, ok := hook.(interface{ HookName() string }); ok {
		return named.HookName()
	}
	return fmt.Sprintf("%T", hook)
}

func guard(hook Hook, stage string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &HookError{Hook: HookName(hook), Stage: stage, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	if err := fn(); err != nil {
		return &HookError{Hook: HookName(hook), Stage: stage, Err: err}
	}
	return nil
}
