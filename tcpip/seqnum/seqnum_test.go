package seqnum

import "testing"

func TestLessThanWraps(t *testing.T) {
	// Near the 2^32 wraparound boundary, ordering must still follow
	// "distance the short way round", not plain integer comparison.
	a := Value(0xfffffff0)
	b := Value(0x00000010)
	if !a.LessThan(b) {
		t.Fatalf("expected %v < %v across the wraparound", a, b)
	}
	if b.LessThan(a) {
		t.Fatalf("did not expect %v < %v", b, a)
	}
}

func TestLessThanEq(t *testing.T) {
	v := Value(100)
	if !v.LessThanEq(v) {
		t.Fatalf("v.LessThanEq(v) should hold")
	}
	if !v.LessThanEq(v + 1) {
		t.Fatalf("v.LessThanEq(v+1) should hold")
	}
	if v.LessThanEq(v - 1) {
		t.Fatalf("v.LessThanEq(v-1) should not hold")
	}
}

func TestInRange(t *testing.T) {
	cases := []struct {
		v, low, high Value
		want         bool
	}{
		{10, 5, 15, true},
		{5, 5, 15, true},
		{15, 5, 15, false}, // half-open: high is exclusive
		{4, 5, 15, false},
		// Wrapped range: low > high means the range crosses the 2^32 boundary.
		{0xfffffffe, 0xfffffff0, 0x10, true},
		{0x5, 0xfffffff0, 0x10, true},
		{0x20, 0xfffffff0, 0x10, false},
		{5, 5, 5, false}, // empty range
	}
	for _, c := range cases {
		if got := c.v.InRange(c.low, c.high); got != c.want {
			t.Errorf("%v.InRange(%v, %v) = %v, want %v", c.v, c.low, c.high, got, c.want)
		}
	}
}

func TestInWindow(t *testing.T) {
	first := Value(1000)
	size := Size(100)
	if !first.InWindow(first, size) {
		t.Fatalf("window start should be in its own window")
	}
	if !Value(1099).InWindow(first, size) {
		t.Fatalf("last byte of window should be included")
	}
	if Value(1100).InWindow(first, size) {
		t.Fatalf("first byte past the window should be excluded")
	}
}

func TestAddAndSize(t *testing.T) {
	v := Value(100)
	w := v.Add(50)
	if w != 150 {
		t.Fatalf("Add: got %v, want 150", w)
	}
	if got := v.Size(w); got != 50 {
		t.Fatalf("Size: got %v, want 50", got)
	}
}

func TestUpdateForward(t *testing.T) {
	v := Value(10)
	v.UpdateForward(5)
	if v != 15 {
		t.Fatalf("UpdateForward: got %v, want 15", v)
	}
}
