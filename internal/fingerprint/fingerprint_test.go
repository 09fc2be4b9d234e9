package fingerprint

import (
	"context"
	"testing"

	"stafflow.org/internal/kvstore"
)

func TestHostDeterministic(t *testing.T) {
	p := Host{}
	first := p.Generate()
	for i := 0; i < 5; i++ {
		if got := p.Generate(); got != first {
			t.Fatalf("generation %d produced %q, want %q", i, got, first)
		}
	}
}

func TestBinderValidate(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemory()
	defer store.Close()

	b := NewBinder(Func(func() string { return "env-a" }), store)

	// Nothing bound yet: fail closed.
	if b.Validate(ctx) {
		t.Fatal("Validate should fail with no bound fingerprint")
	}

	fp, err := b.Bind(ctx)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if fp != "env-a" {
		t.Fatalf("Bind returned %q", fp)
	}
	if !b.Validate(ctx) {
		t.Fatal("Validate should pass in an unmodified environment")
	}

	// A materially different environment must mismatch.
	other := NewBinder(Func(func() string { return "env-b" }), store)
	if other.Validate(ctx) {
		t.Fatal("Validate should fail across environments")
	}

	b.Clear(ctx)
	if b.Validate(ctx) {
		t.Fatal("Validate should fail after Clear")
	}
	b.Clear(ctx) // idempotent
}

func TestSentinelMatchesOnlySentinel(t *testing.T) {
	ctx := context.Background()
	store := kvstore.NewMemory()
	defer store.Close()

	degraded := NewBinder(Func(func() string { return Sentinel }), store)
	if _, err := degraded.Bind(ctx); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if !degraded.Validate(ctx) {
		t.Fatal("identical degraded environments should match")
	}

	real := NewBinder(Func(func() string { return "real-fp" }), store)
	if real.Validate(ctx) {
		t.Fatal("a real fingerprint must never match the sentinel")
	}
}
