package clock

import "fmt"

// Lamport is a scalar logical clock.
// Thread-safe operations should be handled by the caller; each peer's clock
// is owned by its protocol engine goroutine.
type Lamport struct {
	value int64
}

// New creates a clock starting at 0.
func New() *Lamport {
	return &Lamport{}
}

// NewAt creates a clock starting at the given value.
// Negative values are treated as 0.
func NewAt(start int64) *Lamport {
	if start < 0 {
		start = 0
	}
	return &Lamport{value: start}
}

// Tick increments the clock and returns the new value.
// Called before every send.
func (l *Lamport) Tick() int64 {
	l.value++
	return l.value
}

// Observe merges a received timestamp: the clock becomes
// max(current, remote) + 1. Returns the new value.
func (l *Lamport) Observe(remote int64) int64 {
	if remote > l.value {
		l.value = remote
	}
	l.value++
	return l.value
}

// Now returns the current value without advancing the clock.
func (l *Lamport) Now() int64 {
	return l.value
}

// String returns a string representation of the clock.
func (l *Lamport) String() string {
	return fmt.Sprintf("lamport(%d)", l.value)
}

// Stamp identifies a request by its timestamp and requester id.
// Stamps are totally ordered: lower timestamp first, then lower id.
type Stamp struct {
	Timestamp int64
	ID        int
}

// Before returns true if s has priority over other.
func (s Stamp) Before(other Stamp) bool {
	if s.Timestamp != other.Timestamp {
		return s.Timestamp < other.Timestamp
	}
	return s.ID < other.ID
}

// String returns a string representation of the stamp.
func (s Stamp) String() string {
	return fmt.Sprintf("(%d,%d)", s.Timestamp, s.ID)
}
