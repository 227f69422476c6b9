// Package hooks provides ready-made evaluation hooks: structured logging,
// Prometheus metrics, OpenTelemetry tracing and context validation.
package hooks

import (
	"context"
	"log/slog"

	"github.com/matt-riley/flageval"
)

// LoggingOption configures [Logging].
type LoggingOption func(*LoggingHook)

// WithEvaluationContext includes the targeting key and attributes in every
// record.
func WithEvaluationContext() LoggingOption {
	return func(h *LoggingHook) {
		h.includeContext = true
	}
}

// WithSuccessLevel sets the level of the record written after a successful
// evaluation. The default is debug.
func WithSuccessLevel(level slog.Level) LoggingOption {
	return func(h *LoggingHook) {
		h.successLevel = level
	}
}

// LoggingHook writes one record per stage.
type LoggingHook struct {
	flageval.UnimplementedHook

	logger         *slog.Logger
	includeContext bool
	successLevel   slog.Level
}

// Logging returns a hook logging to logger, or slog.Default when nil.
func Logging(logger *slog.Logger, opts ...LoggingOption) *LoggingHook {
	if logger == nil {
		logger = slog.Default()
	}
	h := &LoggingHook{logger: logger, successLevel: slog.LevelDebug}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

func (h *LoggingHook) HookName() string { return "logging" }

func (h *LoggingHook) Before(ctx context.Context, hc flageval.HookContext, _ flageval.HookHints) (*flageval.EvaluationContext, flageval.HookHints, error) {
	h.logger.LogAttrs(ctx, slog.LevelDebug, "flag evaluation started", h.attrs(hc)...)
	return nil, nil, nil
}

func (h *LoggingHook) After(ctx context.Context, hc flageval.HookContext, resolution flageval.FlagResolution[any], _ flageval.HookHints) error {
	attrs := append(h.attrs(hc),
		slog.String("reason", string(resolution.Reason)),
		slog.String("variant", resolution.Variant),
		slog.Any("value", resolution.Value),
	)
	h.logger.LogAttrs(ctx, h.successLevel, "flag evaluated", attrs...)
	return nil
}

func (h *LoggingHook) Error(ctx context.Context, hc flageval.HookContext, err error, _ flageval.HookHints) error {
	attrs := append(h.attrs(hc),
		slog.String("error_code", string(flageval.ErrorCodeOf(err))),
		slog.String("error", err.Error()),
	)
	h.logger.LogAttrs(ctx, slog.LevelWarn, "flag evaluation failed", attrs...)
	return nil
}

func (h *LoggingHook) attrs(hc flageval.HookContext) []slog.Attr {
	attrs := []slog.Attr{
		slog.String("flag_key", hc.FlagKey),
		slog.String("flag_type", hc.FlagType),
		slog.String("provider", hc.ProviderMetadata.Name),
	}
	if hc.ClientName != "" {
		attrs = append(attrs, slog.String("client", hc.ClientName))
	}
	if h.includeContext {
		attrs = append(attrs,
			slog.String("targeting_key", hc.EvaluationContext.TargetingKey()),
			slog.Any("attributes", hc.EvaluationContext.AttributeMap()),
		)
	}
	return attrs
}
