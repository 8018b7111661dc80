package bitmask

import "testing"

func TestSetFirstNCount(t *testing.T) {
	for _, n := range []int{0, 1, 63, 64, 65, 200, NumBits} {
		var b Bitmask256
		b.SetFirstN(n)
		if got := b.Count(); got != n {
			t.Fatalf("SetFirstN(%d).Count() = %d, want %d", n, got, n)
		}
	}
}

func TestBitwiseOrMonotoneAndCommutative(t *testing.T) {
	var a, b Bitmask256
	a.SetFirstN(10)
	b.SetFirstN(5)
	for i := 50; i < 60; i++ {
		b.Set(i)
	}

	merged := a
	merged.BitwiseOr(b.Snapshot())

	if merged.Count() < a.Count() || merged.Count() < b.Count() {
		t.Fatalf("merged count %d should be >= max(a=%d, b=%d)", merged.Count(), a.Count(), b.Count())
	}

	for i := 0; i < NumBits; i++ {
		want := a.Test(i) || b.Test(i)
		if merged.Test(i) != want {
			t.Fatalf("bit %d: merged=%v, a=%v b=%v", i, merged.Test(i), a.Test(i), b.Test(i))
		}
	}

	// commutative: merging in the other order gives the same result.
	merged2 := b
	merged2.BitwiseOr(a.Snapshot())
	if merged2.Snapshot() != merged.Snapshot() {
		t.Fatal("bitwise_or is not commutative")
	}
}

func TestBitwiseOrIdempotent(t *testing.T) {
	var a Bitmask256
	a.SetFirstN(100)
	snap := a.Snapshot()
	a.BitwiseOr(snap)
	a.BitwiseOr(snap)
	if a.Count() != 100 {
		t.Fatalf("idempotent merge changed count to %d", a.Count())
	}
}

func TestSetNeverClears(t *testing.T) {
	var a Bitmask256
	a.Set(5)
	a.Set(5)
	if !a.Test(5) || a.Count() != 1 {
		t.Fatalf("setting twice should not change state: count=%d", a.Count())
	}
}
