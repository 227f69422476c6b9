package flageval

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestWithContextNesting(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	outer := WithContext(ctx, NewContext("outer", map[string]AttributeValue{"a": IntValue(1), "b": IntValue(1)}))
	inner := WithContext(outer, NewContext("", map[string]AttributeValue{"b": IntValue(2)}))

	got := ScopedContext(inner)
	if got.TargetingKey() != "outer" {
		t.Fatalf("targeting key = %q", got.TargetingKey())
	}
	if v, _ := got.Attribute("b"); !Equal(v, IntValue(2)) {
		t.Fatalf("b = %#v, want 2", v)
	}
	if v, _ := ScopedContext(outer).Attribute("b"); !Equal(v, IntValue(1)) {
		t.Fatalf("outer b = %#v, want 1", v)
	}
	if !ScopedContext(ctx).IsEmpty() {
		t.Fatal("background context carries a scoped context")
	}
}

func TestWithScopedContextRestores(t *testing.T) {
	t.Parallel()

	base := WithContext(context.Background(), TargetedContext("base"))
	want := errors.New("body failed")

	err := WithScopedContext(base, TargetedContext("inner"), func(ctx context.Context) error {
		if got := ScopedContext(ctx).TargetingKey(); got != "inner" {
			t.Errorf("inside body targeting key = %q, want inner", got)
		}
		return want
	})
	if !errors.Is(err, want) {
		t.Fatalf("err = %v, want %v", err, want)
	}
	if got := ScopedContext(base).TargetingKey(); got != "base" {
		t.Fatalf("after failure targeting key = %q, want base", got)
	}

	func() {
		defer func() { _ = recover() }()
		_ = WithScopedContext(base, TargetedContext("panicking"), func(context.Context) error {
			panic("boom")
		})
	}()
	if got := ScopedContext(base).TargetingKey(); got != "base" {
		t.Fatalf("after panic targeting key = %q, want base", got)
	}
}

func TestScopedContextIsolatedAcrossGoroutines(t *testing.T) {
	t.Parallel()

	var wg sync.WaitGroup
	errs := make(chan string, 2)
	for _, key := range []string{"left", "right"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = WithScopedContext(context.Background(), TargetedContext(key), func(ctx context.Context) error {
				if got := ScopedContext(ctx).TargetingKey(); got != key {
					errs <- got
				}
				return nil
			})
		}()
	}
	wg.Wait()
	close(errs)
	for got := range errs {
		t.Fatalf("goroutine saw foreign scoped context %q", got)
	}
}

func TestGlobalContext(t *testing.T) {
	resetGlobalContext(t)

	SetGlobalContext(NewContext("", map[string]AttributeValue{"env": StringValue("prod")}))
	if v, _ := GlobalContext().Attribute("env"); !Equal(v, StringValue("prod")) {
		t.Fatalf("env = %#v", v)
	}
	SetGlobalContext(EvaluationContext{})
	if !GlobalContext().IsEmpty() {
		t.Fatal("global context not replaced")
	}
}
