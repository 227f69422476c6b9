package flageval

import (
	"context"
	"maps"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// TransactionOptions configures a transaction.
type TransactionOptions struct {
	// Overrides answer evaluations of their keys without consulting the
	// provider. Values are decoded with the codec of each evaluation.
	Overrides map[string]any
	// Context sits between the scoped and the invocation context.
	Context EvaluationContext
	// DisableCache makes every evaluation reach the provider. By default a
	// key already evaluated in the transaction is answered from the ledger.
	DisableCache bool
}

// FlagEvaluation is the ledger record of one flag key.
type FlagEvaluation struct {
	Key           string
	Type          string
	Value         any
	Resolution    FlagResolution[any]
	WasOverridden bool
	Timestamp     time.Time
}

// clone copies the object values of e so callers cannot mutate the ledger.
func (e FlagEvaluation) clone() FlagEvaluation {
	e.Value = cloneValue(e.Value)
	e.Resolution.Value = cloneValue(e.Resolution.Value)
	e.Resolution.Metadata = maps.Clone(e.Resolution.Metadata)
	return e
}

// cloneValue deep-copies the maps and slices of an object value. Other
// values are returned as is.
func cloneValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		if v == nil {
			return v
		}
		out := make(map[string]any, len(v))
		for key, item := range v {
			out[key] = cloneValue(item)
		}
		return out
	case []any:
		if v == nil {
			return v
		}
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return value
	}
}

// TransactionResult is returned when a transaction body exits.
type TransactionResult[A any] struct {
	ID    string
	Value A
	// Evaluations holds the last recorded evaluation per flag key.
	Evaluations map[string]FlagEvaluation
	// OverriddenKeys lists, sorted, the evaluated keys served by an override.
	OverriddenKeys []string
}

// WasEvaluated reports whether key was evaluated in the transaction.
func (r TransactionResult[A]) WasEvaluated(key string) bool {
	_, ok := r.Evaluations[key]
	return ok
}

// WasOverridden reports whether key was served by an override.
func (r TransactionResult[A]) WasOverridden(key string) bool {
	evaluation, ok := r.Evaluations[key]
	return ok && evaluation.WasOverridden
}

// Evaluation returns the ledger record for key.
func (r TransactionResult[A]) Evaluation(key string) (FlagEvaluation, bool) {
	evaluation, ok := r.Evaluations[key]
	return evaluation, ok
}

// EvaluatedKeys returns the evaluated keys in sorted order.
func (r TransactionResult[A]) EvaluatedKeys() []string {
	keys := make([]string, 0, len(r.Evaluations))
	for key := range r.Evaluations {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

type transactionKey struct{}

type transactionState struct {
	id        string
	overrides map[string]any
	evalCtx   EvaluationContext
	cache     bool
	closed    atomic.Bool

	mu     sync.Mutex
	ledger map[string]FlagEvaluation
}

func newTransactionState(opts TransactionOptions) *transactionState {
	return &transactionState{
		id:        uuid.NewString(),
		overrides: cloneValue(opts.Overrides).(map[string]any),
		evalCtx:   opts.Context,
		cache:     !opts.DisableCache,
		ledger:    make(map[string]FlagEvaluation),
	}
}

func (s *transactionState) override(key string) (any, bool) {
	value, ok := s.overrides[key]
	return cloneValue(value), ok
}

func (s *transactionState) lookup(key string) (FlagEvaluation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	evaluation, ok := s.ledger[key]
	return evaluation.clone(), ok
}

func (s *transactionState) record(evaluation FlagEvaluation) {
	evaluation = evaluation.clone()
	s.mu.Lock()
	s.ledger[evaluation.Key] = evaluation
	s.mu.Unlock()
}

func (s *transactionState) snapshot() (map[string]FlagEvaluation, []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	evaluations := make(map[string]FlagEvaluation, len(s.ledger))
	overridden := make([]string, 0)
	for key, evaluation := range s.ledger {
		evaluations[key] = evaluation.clone()
		if evaluation.WasOverridden {
			overridden = append(overridden, key)
		}
	}
	sort.Strings(overridden)
	return evaluations, overridden
}

func transactionFrom(ctx context.Context) *transactionState {
	if ctx == nil {
		return nil
	}
	state, ok := ctx.Value(transactionKey{}).(*transactionState)
	if !ok || state.closed.Load() {
		return nil
	}
	return state
}

// InTransaction reports whether ctx carries an active transaction.
func InTransaction(ctx context.Context) bool {
	return transactionFrom(ctx) != nil
}

// TransactionID returns the ID of the active transaction.
func TransactionID(ctx context.Context) (string, bool) {
	if state := transactionFrom(ctx); state != nil {
		return state.id, true
	}
	return "", false
}

// TransactionContext returns the evaluation context of the active
// transaction, or an empty context outside one.
func TransactionContext(ctx context.Context) EvaluationContext {
	if state := transactionFrom(ctx); state != nil {
		return state.evalCtx
	}
	return EvaluationContext{}
}

// CurrentOverrides returns a copy of the overrides of the active transaction.
func CurrentOverrides(ctx context.Context) map[string]any {
	if state := transactionFrom(ctx); state != nil {
		return cloneValue(state.overrides).(map[string]any)
	}
	return nil
}

// Transact runs body inside a transaction bound to the context it receives.
//
// Evaluations made with that context (by any client) consult the overrides
// first, then the evaluation cache, then the provider, and are recorded in
// the ledger. The binding ends when body returns; contexts leaked out of
// body no longer see the transaction. Transactions do not nest: starting one
// inside another returns [ErrNestedTransaction] without running body.
//
// The result is returned even when body fails, alongside body's error.
func Transact[A any](ctx context.Context, opts TransactionOptions, body func(ctx context.Context) (A, error)) (TransactionResult[A], error) {
	if InTransaction(ctx) {
		return TransactionResult[A]{}, ErrNestedTransaction
	}
	if err := ctx.Err(); err != nil {
		return TransactionResult[A]{}, err
	}

	state := newTransactionState(opts)
	defer state.closed.Store(true)

	value, err := body(context.WithValue(ctx, transactionKey{}, state))
	state.closed.Store(true)

	evaluations, overridden := state.snapshot()
	return TransactionResult[A]{
		ID:             state.id,
		Value:          value,
		Evaluations:    evaluations,
		OverriddenKeys: overridden,
	}, err
}
