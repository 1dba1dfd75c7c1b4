package workerreg

import (
	"context"
	"errors"
	"testing"
)

func TestGlobal_ReturnsSameInstance(t *testing.T) {
	r1 := Global()
	r2 := Global()
	if r1 != r2 {
		t.Error("Global() should return the same instance on every call")
	}
}

func TestGlobal_HasBuiltins(t *testing.T) {
	r := Global()
	for _, id := range []string{"search", "email", "general"} {
		if !r.Has(id) {
			t.Errorf("Global registry should have builtin %q registered", id)
		}
	}
}

func TestRegistry_RegisterAndBorrow(t *testing.T) {
	r := New()
	r.Register("echo", CapabilityFunc(func(_ context.Context, input string) (string, error) {
		return input, nil
	}))

	cap, err := r.Borrow("echo")
	if err != nil {
		t.Fatalf("Borrow returned error: %v", err)
	}
	out, err := cap.Invoke(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Invoke returned error: %v", err)
	}
	if out != "hello" {
		t.Errorf("Invoke = %q, want %q", out, "hello")
	}
}

func TestRegistry_BorrowUnknown(t *testing.T) {
	r := New()
	_, err := r.Borrow("nope")
	if !errors.Is(err, ErrUnknownWorker) {
		t.Fatalf("Borrow(unknown) error = %v, want ErrUnknownWorker", err)
	}
}

func TestRegistry_IDsPreservesOrder(t *testing.T) {
	r := New()
	noop := CapabilityFunc(func(_ context.Context, input string) (string, error) { return input, nil })
	r.Register("b", noop)
	r.Register("a", noop)
	r.Register("b", noop)

	ids := r.IDs()
	want := []string{"b", "a"}
	if len(ids) != len(want) {
		t.Fatalf("IDs() = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("IDs()[%d] = %q, want %q", i, ids[i], want[i])
		}
	}
}

func TestRegistry_Has(t *testing.T) {
	r := New()
	if r.Has("x") {
		t.Fatal("Has should be false before registration")
	}
	r.Register("x", CapabilityFunc(func(_ context.Context, _ string) (string, error) { return "", nil }))
	if !r.Has("x") {
		t.Fatal("Has should be true after registration")
	}
}
