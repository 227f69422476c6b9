package hooks

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/matt-riley/flageval"
	"github.com/matt-riley/flageval/internal/metrics"
)

const startHint = "flageval.hooks.metrics.start"

// MetricsHook records evaluation counts, failures and latency.
type MetricsHook struct {
	flageval.UnimplementedHook

	metrics *metrics.Metrics
}

// Metrics registers the evaluation collectors in reg and returns a hook
// feeding them.
func Metrics(reg prometheus.Registerer) *MetricsHook {
	return &MetricsHook{metrics: metrics.New(reg)}
}

func (h *MetricsHook) HookName() string { return "metrics" }

func (h *MetricsHook) Before(_ context.Context, _ flageval.HookContext, hints flageval.HookHints) (*flageval.EvaluationContext, flageval.HookHints, error) {
	return nil, hints.With(startHint, time.Now()), nil
}

func (h *MetricsHook) After(_ context.Context, hc flageval.HookContext, resolution flageval.FlagResolution[any], _ flageval.HookHints) error {
	h.metrics.RecordEvaluation(hc.FlagKey, string(resolution.Reason), resolution.Variant)
	return nil
}

func (h *MetricsHook) Error(_ context.Context, hc flageval.HookContext, err error, _ flageval.HookHints) error {
	code := flageval.ErrorCodeOf(err)
	if code == "" {
		code = flageval.ErrorGeneral
	}
	h.metrics.RecordError(hc.FlagKey, string(code))
	return nil
}

func (h *MetricsHook) Finally(_ context.Context, hc flageval.HookContext, hints flageval.HookHints) error {
	// Before did not run when an earlier hook failed.
	if start, ok := hints[startHint].(time.Time); ok {
		h.metrics.ObserveDuration(hc.FlagKey, time.Since(start).Seconds())
	}
	return nil
}

// ObserveEvent counts a provider event. It can be passed to
// [flageval.Client.On].
func (h *MetricsHook) ObserveEvent(event flageval.ProviderEvent) {
	h.metrics.RecordProviderEvent(event.ProviderName, event.Type.String())
}
