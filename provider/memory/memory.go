// Package memory provides an in-process flag provider backed by rule-based
// flag definitions. The file, postgres and redis providers keep their
// snapshot in one.
package memory

import (
	"context"
	"math"
	"reflect"
	"sort"
	"sync"

	"github.com/matt-riley/flageval"
	"github.com/matt-riley/flageval/internal/rules"
)

const eventBuffer = 64

// Option configures a [Provider].
type Option func(*Provider)

// WithName sets the provider name reported in metadata and events.
func WithName(name string) Option {
	return func(p *Provider) {
		p.name = name
	}
}

// Provider serves flags from memory. It is NotReady until Init and emits a
// ConfigurationChanged event for every mutation.
type Provider struct {
	name string

	mu     sync.RWMutex
	flags  map[string]rules.Flag
	status flageval.ProviderStatus
	events chan flageval.ProviderEvent
	closed bool
}

// New creates a provider holding flags.
func New(flags []rules.Flag, opts ...Option) *Provider {
	p := &Provider{
		name:   "memory",
		flags:  make(map[string]rules.Flag, len(flags)),
		status: flageval.StatusNotReady,
		events: make(chan flageval.ProviderEvent, eventBuffer),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	for _, flag := range flags {
		p.flags[flag.Key] = flag
	}
	return p
}

func (p *Provider) Metadata() flageval.ProviderMetadata {
	return flageval.ProviderMetadata{Name: p.name}
}

func (p *Provider) Status() flageval.ProviderStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

// SetStatus replaces the status without emitting an event.
func (p *Provider) SetStatus(status flageval.ProviderStatus) {
	p.mu.Lock()
	p.status = status
	p.mu.Unlock()
}

func (p *Provider) Events() <-chan flageval.ProviderEvent {
	return p.events
}

func (p *Provider) Init(context.Context, flageval.EvaluationContext) error {
	p.mu.Lock()
	p.status = flageval.StatusReady
	p.mu.Unlock()
	p.Emit(flageval.ProviderEvent{Type: flageval.EventReady})
	return nil
}

// Shutdown marks the provider NotReady and closes the event channel.
func (p *Provider) Shutdown(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = flageval.StatusNotReady
	if !p.closed {
		p.closed = true
		close(p.events)
	}
	return nil
}

// Emit publishes an event. Events are dropped when nobody drains the
// channel fast enough or after Shutdown.
func (p *Provider) Emit(event flageval.ProviderEvent) {
	if event.ProviderName == "" {
		event.ProviderName = p.name
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	select {
	case p.events <- event:
	default:
	}
}

// Get returns a flag definition.
func (p *Provider) Get(key string) (rules.Flag, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	flag, ok := p.flags[key]
	return flag, ok
}

// Flags returns every flag definition sorted by key.
func (p *Provider) Flags() []rules.Flag {
	p.mu.RLock()
	defer p.mu.RUnlock()

	flags := make([]rules.Flag, 0, len(p.flags))
	for _, flag := range p.flags {
		flags = append(flags, flag)
	}
	sort.Slice(flags, func(i, j int) bool { return flags[i].Key < flags[j].Key })
	return flags
}

// Set adds or replaces flags.
func (p *Provider) Set(flags ...rules.Flag) {
	if len(flags) == 0 {
		return
	}
	keys := make([]string, 0, len(flags))

	p.mu.Lock()
	for _, flag := range flags {
		p.flags[flag.Key] = flag
		keys = append(keys, flag.Key)
	}
	p.mu.Unlock()

	p.changed(keys)
}

// Delete removes a flag. Deleting an unknown key is a no-op.
func (p *Provider) Delete(key string) {
	p.mu.Lock()
	_, ok := p.flags[key]
	delete(p.flags, key)
	p.mu.Unlock()

	if ok {
		p.changed([]string{key})
	}
}

// Replace swaps the whole flag set. The change event lists every key that
// was added, removed or modified.
func (p *Provider) Replace(flags []rules.Flag) {
	next := make(map[string]rules.Flag, len(flags))
	for _, flag := range flags {
		next[flag.Key] = flag
	}

	p.mu.Lock()
	previous := p.flags
	p.flags = next
	p.mu.Unlock()

	changed := make([]string, 0)
	for key, flag := range next {
		if old, ok := previous[key]; !ok || !sameFlag(old, flag) {
			changed = append(changed, key)
		}
	}
	for key := range previous {
		if _, ok := next[key]; !ok {
			changed = append(changed, key)
		}
	}
	if len(changed) > 0 {
		p.changed(changed)
	}
}

func (p *Provider) changed(keys []string) {
	sort.Strings(keys)
	p.Emit(flageval.ProviderEvent{Type: flageval.EventConfigurationChanged, FlagsChanged: keys})
}

func (p *Provider) ResolveBoolean(_ context.Context, key string, defaultValue bool, evalCtx flageval.EvaluationContext) (flageval.FlagResolution[bool], error) {
	return resolve(p, key, defaultValue, evalCtx, func(v any) (bool, bool) {
		b, ok := v.(bool)
		return b, ok
	})
}

func (p *Provider) ResolveString(_ context.Context, key string, defaultValue string, evalCtx flageval.EvaluationContext) (flageval.FlagResolution[string], error) {
	return resolve(p, key, defaultValue, evalCtx, func(v any) (string, bool) {
		s, ok := v.(string)
		return s, ok
	})
}

func (p *Provider) ResolveInt(_ context.Context, key string, defaultValue int64, evalCtx flageval.EvaluationContext) (flageval.FlagResolution[int64], error) {
	return resolve(p, key, defaultValue, evalCtx, toInt64)
}

func (p *Provider) ResolveFloat(_ context.Context, key string, defaultValue float64, evalCtx flageval.EvaluationContext) (flageval.FlagResolution[float64], error) {
	return resolve(p, key, defaultValue, evalCtx, toFloat64)
}

func (p *Provider) ResolveObject(_ context.Context, key string, defaultValue any, evalCtx flageval.EvaluationContext) (flageval.FlagResolution[any], error) {
	return resolve(p, key, defaultValue, evalCtx, func(v any) (any, bool) {
		return v, true
	})
}

func resolve[T any](p *Provider, key string, defaultValue T, evalCtx flageval.EvaluationContext, convert func(any) (T, bool)) (flageval.FlagResolution[T], error) {
	failed := flageval.FlagResolution[T]{FlagKey: key, Value: defaultValue, Reason: flageval.ReasonError}

	flag, ok := p.Get(key)
	if !ok {
		err := flageval.FlagNotFound(key)
		failed.ErrorCode, failed.ErrorMessage = err.Code, err.Message
		return failed, err
	}

	result := rules.Evaluate(flag, evalCtx.TargetingKey(), evalCtx.AttributeMap())
	if result.ErrorCode != "" {
		err := flageval.NewResolutionError(result.ErrorCode, "%v", result.Err)
		failed.ErrorCode, failed.ErrorMessage = err.Code, err.Message
		return failed, err
	}

	value, ok := convert(result.Value)
	if !ok {
		err := flageval.NewResolutionError(flageval.ErrorTypeMismatch, "flag %q variant %q is %s", key, result.Variant, flageval.TypeNameOf(result.Value))
		failed.ErrorCode, failed.ErrorMessage = err.Code, err.Message
		return failed, err
	}

	reason := result.Reason
	if p.Status() == flageval.StatusStale {
		reason = flageval.ReasonStale
	}

	return flageval.FlagResolution[T]{
		FlagKey:  key,
		Value:    value,
		Variant:  result.Variant,
		Reason:   reason,
		Metadata: flag.Metadata,
	}, nil
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case float64:
		if math.Trunc(n) != n || n < math.MinInt64 || n >= math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	default:
		return 0, false
	}
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func sameFlag(a, b rules.Flag) bool {
	return reflect.DeepEqual(a, b)
}
