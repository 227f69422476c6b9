package hooks

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/matt-riley/flageval"
)

const (
	spanHint       = "flageval.hooks.tracing.span"
	tracerName     = "github.com/matt-riley/flageval/hooks"
	evaluationSpan = "feature_flag.evaluation"
)

// TracingHook records one span per evaluation.
type TracingHook struct {
	flageval.UnimplementedHook

	tracer trace.Tracer
}

// Tracing returns a hook that starts spans with tracer, or with the global
// tracer provider when nil.
func Tracing(tracer trace.Tracer) *TracingHook {
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	return &TracingHook{tracer: tracer}
}

func (h *TracingHook) HookName() string { return "tracing" }

func (h *TracingHook) Before(ctx context.Context, hc flageval.HookContext, hints flageval.HookHints) (*flageval.EvaluationContext, flageval.HookHints, error) {
	attrs := []attribute.KeyValue{
		attribute.String("feature_flag.key", hc.FlagKey),
		attribute.String("feature_flag.provider.name", hc.ProviderMetadata.Name),
		attribute.String("feature_flag.type", hc.FlagType),
	}
	if hc.EvaluationContext.HasTargetingKey() {
		attrs = append(attrs, attribute.String("feature_flag.context.id", hc.EvaluationContext.TargetingKey()))
	}
	if id, ok := flageval.TransactionID(ctx); ok {
		attrs = append(attrs, attribute.String("flageval.transaction.id", id))
	}

	_, span := h.tracer.Start(ctx, evaluationSpan,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
	return nil, hints.With(spanHint, span), nil
}

func (h *TracingHook) After(_ context.Context, _ flageval.HookContext, resolution flageval.FlagResolution[any], hints flageval.HookHints) error {
	span, ok := hints[spanHint].(trace.Span)
	if !ok {
		return nil
	}
	span.SetAttributes(
		attribute.String("feature_flag.result.reason", string(resolution.Reason)),
		attribute.String("feature_flag.result.variant", resolution.Variant),
	)
	span.SetStatus(codes.Ok, "")
	return nil
}

func (h *TracingHook) Error(_ context.Context, _ flageval.HookContext, err error, hints flageval.HookHints) error {
	span, ok := hints[spanHint].(trace.Span)
	if !ok {
		return nil
	}
	code := flageval.ErrorCodeOf(err)
	if code == "" {
		code = flageval.ErrorGeneral
	}
	span.SetAttributes(attribute.String("error.type", string(code)))
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return nil
}

func (h *TracingHook) Finally(_ context.Context, _ flageval.HookContext, hints flageval.HookHints) error {
	if span, ok := hints[spanHint].(trace.Span); ok {
		span.End()
	}
	return nil
}
