package flageval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Config configures a [Client].
type Config struct {
	// Name identifies the client in hook contexts and logs.
	Name string
	// Provider resolves flags. Defaults to [NoopProvider].
	Provider Provider
	// Logger defaults to slog.Default().
	Logger *slog.Logger
	// Hooks run on every evaluation made by the client.
	Hooks []Hook
	// Context is the initial client-level evaluation context.
	Context EvaluationContext
	// Registry resolves codecs for [Value] and [ValueDetails]. Defaults to
	// [DefaultRegistry].
	Registry *Registry
}

// Client evaluates flags against one provider.
//
// Evaluation order for the effective context, lowest to highest precedence:
// global, client, scoped (see [WithContext]), transaction, invocation.
// Clients are safe for concurrent use.
type Client struct {
	name     string
	provider Provider
	logger   *slog.Logger
	registry *Registry
	events   *eventBus

	evalCtx atomic.Pointer[EvaluationContext]

	hooksMu sync.Mutex
	hooks   atomic.Pointer[[]Hook]

	shuttingDown atomic.Bool
	done         chan struct{}
	closeOnce    sync.Once
	wg           sync.WaitGroup
}

// New creates a client. When the provider reports events, a dispatcher
// goroutine runs until [Client.Shutdown].
func New(cfg Config) *Client {
	provider := cfg.Provider
	if provider == nil {
		provider = NoopProvider{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	registry := cfg.Registry
	if registry == nil {
		registry = DefaultRegistry
	}

	c := &Client{
		name:     cfg.Name,
		provider: provider,
		logger:   logger.With(slog.String("client", cfg.Name), slog.String("provider", provider.Metadata().Name)),
		registry: registry,
		done:     make(chan struct{}),
	}
	c.events = newEventBus(c.logger)
	c.SetContext(cfg.Context)
	hooks := append([]Hook(nil), cfg.Hooks...)
	c.hooks.Store(&hooks)

	if eventProvider, ok := provider.(EventProvider); ok {
		if events := eventProvider.Events(); events != nil {
			c.wg.Add(1)
			go c.dispatch(events)
		}
	}

	return c
}

// Name returns the client name.
func (c *Client) Name() string {
	return c.name
}

// ProviderMetadata returns the metadata of the client's provider.
func (c *Client) ProviderMetadata() ProviderMetadata {
	return c.provider.Metadata()
}

// Status returns the provider status, or [StatusShuttingDown] once
// [Client.Shutdown] has been called.
func (c *Client) Status() ProviderStatus {
	if c.shuttingDown.Load() {
		return StatusShuttingDown
	}
	return c.provider.Status()
}

// Init initialises a provider implementing [StateHandler] with the global
// and client contexts. For providers that do not report events, the client
// publishes the resulting ready or error event itself.
func (c *Client) Init(ctx context.Context) error {
	handler, ok := c.provider.(StateHandler)
	if !ok {
		return nil
	}
	_, reportsEvents := c.provider.(EventProvider)
	name := c.provider.Metadata().Name

	if err := handler.Init(ctx, MergeContexts(GlobalContext(), c.Context())); err != nil {
		c.logger.Error("provider init failed", slog.String("error", err.Error()))
		if !reportsEvents {
			c.events.publish(ProviderEvent{Type: EventError, ProviderName: name, Message: err.Error(), ErrorCode: ErrorProviderFatal})
		}
		return fmt.Errorf("flageval: init provider %s: %w", name, err)
	}
	if !reportsEvents {
		c.events.publish(ProviderEvent{Type: EventReady, ProviderName: name})
	}
	return nil
}

// Shutdown refuses further provider calls, shuts a [StateHandler] provider
// down and stops event dispatch.
func (c *Client) Shutdown(ctx context.Context) error {
	c.shuttingDown.Store(true)

	var err error
	if handler, ok := c.provider.(StateHandler); ok {
		if shutdownErr := handler.Shutdown(ctx); shutdownErr != nil {
			err = fmt.Errorf("flageval: shutdown provider %s: %w", c.provider.Metadata().Name, shutdownErr)
		}
	}

	c.closeOnce.Do(func() { close(c.done) })
	c.wg.Wait()
	return err
}

// SetContext replaces the client-level evaluation context.
func (c *Client) SetContext(evalCtx EvaluationContext) {
	c.evalCtx.Store(&evalCtx)
}

// Context returns the client-level evaluation context.
func (c *Client) Context() EvaluationContext {
	if current := c.evalCtx.Load(); current != nil {
		return *current
	}
	return EvaluationContext{}
}

// EffectiveContext returns the merged context an evaluation made with ctx
// and the given invocation context would see, before hooks run.
func (c *Client) EffectiveContext(ctx context.Context, invocation EvaluationContext) EvaluationContext {
	return c.effectiveContext(ctx, transactionFrom(ctx), invocation)
}

func (c *Client) effectiveContext(ctx context.Context, tx *transactionState, invocation EvaluationContext) EvaluationContext {
	var txCtx EvaluationContext
	if tx != nil {
		txCtx = tx.evalCtx
	}
	return MergeContexts(GlobalContext(), c.Context(), ScopedContext(ctx), txCtx, invocation)
}

// AddHooks appends hooks to the client's hook list.
func (c *Client) AddHooks(hooks ...Hook) {
	c.hooksMu.Lock()
	defer c.hooksMu.Unlock()
	next := append(c.Hooks(), hooks...)
	c.hooks.Store(&next)
}

// ClearHooks removes all client hooks.
func (c *Client) ClearHooks() {
	c.hooksMu.Lock()
	defer c.hooksMu.Unlock()
	c.hooks.Store(&[]Hook{})
}

// Hooks returns a copy of the client's hook list.
func (c *Client) Hooks() []Hook {
	current := c.hooks.Load()
	if current == nil {
		return nil
	}
	return append([]Hook(nil), (*current)...)
}

func (c *Client) hookChain(invocation []Hook) Hooks {
	client := c.hooks.Load()
	if (client == nil || len(*client) == 0) && len(invocation) == 0 {
		return nil
	}
	var chain Hooks
	if client != nil {
		chain = make(Hooks, 0, len(*client)+len(invocation))
		chain = append(chain, (*client)...)
	}
	return append(chain, invocation...)
}

// Transaction runs body in a transaction; see [Transact].
func (c *Client) Transaction(ctx context.Context, opts TransactionOptions, body func(ctx context.Context) error) (TransactionResult[struct{}], error) {
	result, err := Transact(ctx, opts, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, body(ctx)
	})
	if errors.Is(err, ErrNestedTransaction) {
		c.logger.Error("nested transaction rejected")
		return result, err
	}
	c.logger.Debug("transaction finished",
		slog.String("transaction_id", result.ID),
		slog.Int("evaluations", len(result.Evaluations)),
		slog.Int("overridden", len(result.OverriddenKeys)),
	)
	return result, err
}

// Boolean evaluates a boolean flag, returning defaultValue on error.
func (c *Client) Boolean(ctx context.Context, key string, defaultValue bool, opts ...EvalOption) (bool, error) {
	res, err := evaluate(ctx, c, BoolCodec, key, defaultValue, opts)
	return res.Value, err
}

// BooleanDetails evaluates a boolean flag with full resolution details.
func (c *Client) BooleanDetails(ctx context.Context, key string, defaultValue bool, opts ...EvalOption) (FlagResolution[bool], error) {
	return evaluate(ctx, c, BoolCodec, key, defaultValue, opts)
}

// String evaluates a string flag, returning defaultValue on error.
func (c *Client) String(ctx context.Context, key string, defaultValue string, opts ...EvalOption) (string, error) {
	res, err := evaluate(ctx, c, StringCodec, key, defaultValue, opts)
	return res.Value, err
}

// StringDetails evaluates a string flag with full resolution details.
func (c *Client) StringDetails(ctx context.Context, key string, defaultValue string, opts ...EvalOption) (FlagResolution[string], error) {
	return evaluate(ctx, c, StringCodec, key, defaultValue, opts)
}

// Int evaluates a 32-bit integer flag, returning defaultValue on error.
func (c *Client) Int(ctx context.Context, key string, defaultValue int32, opts ...EvalOption) (int32, error) {
	res, err := evaluate(ctx, c, Int32Codec, key, defaultValue, opts)
	return res.Value, err
}

// IntDetails evaluates a 32-bit integer flag with full resolution details.
func (c *Client) IntDetails(ctx context.Context, key string, defaultValue int32, opts ...EvalOption) (FlagResolution[int32], error) {
	return evaluate(ctx, c, Int32Codec, key, defaultValue, opts)
}

// Int64 evaluates a 64-bit integer flag, returning defaultValue on error.
func (c *Client) Int64(ctx context.Context, key string, defaultValue int64, opts ...EvalOption) (int64, error) {
	res, err := evaluate(ctx, c, Int64Codec, key, defaultValue, opts)
	return res.Value, err
}

// Int64Details evaluates a 64-bit integer flag with full resolution details.
func (c *Client) Int64Details(ctx context.Context, key string, defaultValue int64, opts ...EvalOption) (FlagResolution[int64], error) {
	return evaluate(ctx, c, Int64Codec, key, defaultValue, opts)
}

// Float evaluates a double-precision flag, returning defaultValue on error.
func (c *Client) Float(ctx context.Context, key string, defaultValue float64, opts ...EvalOption) (float64, error) {
	res, err := evaluate(ctx, c, Float64Codec, key, defaultValue, opts)
	return res.Value, err
}

// FloatDetails evaluates a double-precision flag with full resolution
// details.
func (c *Client) FloatDetails(ctx context.Context, key string, defaultValue float64, opts ...EvalOption) (FlagResolution[float64], error) {
	return evaluate(ctx, c, Float64Codec, key, defaultValue, opts)
}

// Object evaluates an object flag, returning defaultValue on error.
func (c *Client) Object(ctx context.Context, key string, defaultValue map[string]any, opts ...EvalOption) (map[string]any, error) {
	res, err := evaluate(ctx, c, ObjectCodec, key, defaultValue, opts)
	return res.Value, err
}

// ObjectDetails evaluates an object flag with full resolution details.
func (c *Client) ObjectDetails(ctx context.Context, key string, defaultValue map[string]any, opts ...EvalOption) (FlagResolution[map[string]any], error) {
	return evaluate(ctx, c, ObjectCodec, key, defaultValue, opts)
}
