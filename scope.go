package flageval

import (
	"context"
	"sync/atomic"
)

var globalContext atomic.Pointer[EvaluationContext]

// SetGlobalContext replaces the process-wide evaluation context. It is the
// lowest precedence layer and is visible to every client and call chain.
func SetGlobalContext(evalCtx EvaluationContext) {
	globalContext.Store(&evalCtx)
}

// GlobalContext returns the process-wide evaluation context.
func GlobalContext() EvaluationContext {
	if current := globalContext.Load(); current != nil {
		return *current
	}
	return EvaluationContext{}
}

type scopedContextKey struct{}

// WithContext returns a child of ctx whose scoped evaluation context is the
// current scoped context merged with evalCtx. Nested calls compose: inner
// layers win over outer ones, and leaving the child (by no longer using it)
// restores the outer layer.
func WithContext(ctx context.Context, evalCtx EvaluationContext) context.Context {
	return context.WithValue(ctx, scopedContextKey{}, ScopedContext(ctx).Merge(evalCtx))
}

// WithScopedContext runs body with evalCtx pushed onto the scoped context.
// The scoped context seen by the caller after body returns is unchanged,
// whether body succeeds, fails or panics.
func WithScopedContext(ctx context.Context, evalCtx EvaluationContext, body func(ctx context.Context) error) error {
	return body(WithContext(ctx, evalCtx))
}

// ScopedContext returns the scoped evaluation context carried by ctx.
func ScopedContext(ctx context.Context) EvaluationContext {
	if ctx == nil {
		return EvaluationContext{}
	}
	if evalCtx, ok := ctx.Value(scopedContextKey{}).(EvaluationContext); ok {
		return evalCtx
	}
	return EvaluationContext{}
}
