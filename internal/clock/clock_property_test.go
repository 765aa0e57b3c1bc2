package clock

import (
	"math/rand"
	"testing"
)

// TestLamport_Property_NeverDecreases tests that any mix of ticks and observes
// yields a strictly increasing sequence of clock values
func TestLamport_Property_NeverDecreases(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	l := New()
	prev := l.Now()

	for i := 0; i < 1000; i++ {
		var next int64
		if rng.Intn(2) == 0 {
			next = l.Tick()
		} else {
			next = l.Observe(rng.Int63n(2000) - 10)
		}
		if next <= prev {
			t.Fatalf("Clock went from %d to %d at step %d", prev, next, i)
		}
		prev = next
	}
}

// TestLamport_Property_ObserveDominatesRemote tests that after observing a
// timestamp the clock is strictly greater than it
func TestLamport_Property_ObserveDominatesRemote(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	l := New()
	for i := 0; i < 200; i++ {
		remote := rng.Int63n(10000)
		got := l.Observe(remote)
		if got <= remote {
			t.Errorf("Observe(%d) returned %d, want > remote", remote, got)
		}
	}
}

// TestStamp_Property_TotalOrder tests that for distinct stamps exactly one
// of a.Before(b), b.Before(a) holds, so every peer picks the same winner
func TestStamp_Property_TotalOrder(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 500; i++ {
		a := Stamp{Timestamp: rng.Int63n(5), ID: rng.Intn(4)}
		b := Stamp{Timestamp: rng.Int63n(5), ID: rng.Intn(4)}
		if a == b {
			if a.Before(b) || b.Before(a) {
				t.Errorf("Equal stamps %v must not be ordered", a)
			}
			continue
		}
		if a.Before(b) == b.Before(a) {
			t.Errorf("Stamps %v and %v must be strictly ordered", a, b)
		}
	}
}

// TestStamp_Property_Transitivity tests transitivity of Before
func TestStamp_Property_Transitivity(t *testing.T) {
	a := Stamp{Timestamp: 1, ID: 2}
	b := Stamp{Timestamp: 2, ID: 0}
	c := Stamp{Timestamp: 2, ID: 1}

	if a.Before(b) && b.Before(c) {
		if !a.Before(c) {
			t.Errorf("Transitivity: if a < b and b < c, then a < c")
		}
	} else {
		t.Errorf("Expected a < b < c")
	}
}
