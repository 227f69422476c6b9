package flageval

import "context"

// ProviderStatus is the readiness of a provider.
type ProviderStatus int

const (
	StatusNotReady ProviderStatus = iota
	StatusReady
	StatusError
	StatusStale
	StatusShuttingDown
)

func (s ProviderStatus) String() string {
	switch s {
	case StatusReady:
		return "READY"
	case StatusError:
		return "ERROR"
	case StatusStale:
		return "STALE"
	case StatusShuttingDown:
		return "SHUTTING_DOWN"
	default:
		return "NOT_READY"
	}
}

// ProviderMetadata identifies a provider.
type ProviderMetadata struct {
	Name string
}

// Provider resolves flags against a backend. The engine calls one resolve
// method per primitive kind and converts the result with the requested
// codec. Implementations must be safe for concurrent use and should return a
// [*ResolutionError] to classify failures.
type Provider interface {
	Metadata() ProviderMetadata
	Status() ProviderStatus
	ResolveBoolean(ctx context.Context, key string, defaultValue bool, evalCtx EvaluationContext) (FlagResolution[bool], error)
	ResolveString(ctx context.Context, key string, defaultValue string, evalCtx EvaluationContext) (FlagResolution[string], error)
	ResolveInt(ctx context.Context, key string, defaultValue int64, evalCtx EvaluationContext) (FlagResolution[int64], error)
	ResolveFloat(ctx context.Context, key string, defaultValue float64, evalCtx EvaluationContext) (FlagResolution[float64], error)
	ResolveObject(ctx context.Context, key string, defaultValue any, evalCtx EvaluationContext) (FlagResolution[any], error)
}

// StateHandler is implemented by providers with an explicit lifecycle.
type StateHandler interface {
	Init(ctx context.Context, evalCtx EvaluationContext) error
	Shutdown(ctx context.Context) error
}

// EventProvider is implemented by providers that report lifecycle events.
// The channel is closed when the provider shuts down.
type EventProvider interface {
	Events() <-chan ProviderEvent
}

// EventType names a provider lifecycle event.
type EventType int

const (
	EventReady EventType = iota + 1
	EventError
	EventStale
	EventConfigurationChanged
	EventReconnecting
)

func (t EventType) String() string {
	switch t {
	case EventReady:
		return "PROVIDER_READY"
	case EventError:
		return "PROVIDER_ERROR"
	case EventStale:
		return "PROVIDER_STALE"
	case EventConfigurationChanged:
		return "PROVIDER_CONFIGURATION_CHANGED"
	case EventReconnecting:
		return "PROVIDER_RECONNECTING"
	default:
		return "UNKNOWN"
	}
}

// ProviderEvent is one lifecycle notification.
type ProviderEvent struct {
	Type         EventType
	ProviderName string
	Message      string
	FlagsChanged []string
	ErrorCode    ErrorCode
	Metadata     map[string]string
}

// NoopProvider resolves every flag to its default value. Clients created
// without a provider use it.
type NoopProvider struct{}

func (NoopProvider) Metadata() ProviderMetadata { return ProviderMetadata{Name: "noop"} }
func (NoopProvider) Status() ProviderStatus     { return StatusReady }

func (NoopProvider) ResolveBoolean(_ context.Context, key string, defaultValue bool, _ EvaluationContext) (FlagResolution[bool], error) {
	return FlagResolution[bool]{FlagKey: key, Value: defaultValue, Reason: ReasonDefault}, nil
}

func (NoopProvider) ResolveString(_ context.Context, key string, defaultValue string, _ EvaluationContext) (FlagResolution[string], error) {
	return FlagResolution[string]{FlagKey: key, Value: defaultValue, Reason: ReasonDefault}, nil
}

func (NoopProvider) ResolveInt(_ context.Context, key string, defaultValue int64, _ EvaluationContext) (FlagResolution[int64], error) {
	return FlagResolution[int64]{FlagKey: key, Value: defaultValue, Reason: ReasonDefault}, nil
}

func (NoopProvider) ResolveFloat(_ context.Context, key string, defaultValue float64, _ EvaluationContext) (FlagResolution[float64], error) {
	return FlagResolution[float64]{FlagKey: key, Value: defaultValue, Reason: ReasonDefault}, nil
}

func (NoopProvider) ResolveObject(_ context.Context, key string, defaultValue any, _ EvaluationContext) (FlagResolution[any], error) {
	return FlagResolution[any]{FlagKey: key, Value: defaultValue, Reason: ReasonDefault}, nil
}
