package quorum

import (
	"errors"
	"fmt"
)

var (
	// ErrOvercount is returned when a peer is acknowledged after the quorum
	// was already complete.
	ErrOvercount = errors.New("quorum already complete")
	// ErrUnknownPeer is returned for a peer id outside [0, peers).
	ErrUnknownPeer = errors.New("peer out of range")
)

// Source records how a peer was accounted for.
type Source int

const (
	// Consent is an explicit AGREE message.
	Consent Source = iota + 1
	// Concession is an observed lower-priority concurrent request.
	Concession
)

// String returns the string representation of Source.
func (s Source) String() string {
	switch s {
	case Consent:
		return "consent"
	case Concession:
		return "concession"
	default:
		return "none"
	}
}

// Tracker counts distinct peers accounted for toward one request.
// A Tracker lives exactly as long as the request it serves.
type Tracker struct {
	required int
	seen     []Source
	acks     int
}

// NewTracker creates a tracker for a cluster of the given size that
// completes after required distinct peers. A non-positive required value
// produces an already-complete tracker.
func NewTracker(peers, required int) *Tracker {
	if required < 0 {
		required = 0
	}
	return &Tracker{
		required: required,
		seen:     make([]Source, peers),
	}
}

// Ack accounts for peer. Returns true if this call advanced the count.
// A peer already accounted for is ignored (idempotent).
func (t *Tracker) Ack(peer int, src Source) (bool, error) {
	if peer < 0 || peer >= len(t.seen) {
		return false, fmt.Errorf("%w: %d", ErrUnknownPeer, peer)
	}
	if t.seen[peer] != 0 {
		return false, nil
	}
	if t.Complete() {
		return false, fmt.Errorf("%w: acks=%d required=%d peer=%d", ErrOvercount, t.acks, t.required, peer)
	}
	t.seen[peer] = src
	t.acks++
	return true, nil
}

// Has returns true if peer is already accounted for.
func (t *Tracker) Has(peer int) bool {
	return peer >= 0 && peer < len(t.seen) && t.seen[peer] != 0
}

// SourceOf returns how peer was accounted for, or 0.
func (t *Tracker) SourceOf(peer int) Source {
	if peer < 0 || peer >= len(t.seen) {
		return 0
	}
	return t.seen[peer]
}

// Acks returns the number of distinct peers accounted for.
func (t *Tracker) Acks() int {
	return t.acks
}

// Required returns the quorum target.
func (t *Tracker) Required() int {
	return t.required
}

// Complete returns true once exactly Required peers are accounted for.
func (t *Tracker) Complete() bool {
	return t.acks >= t.required
}

// String returns a summary used in logs.
func (t *Tracker) String() string {
	return fmt.Sprintf("acks=%d required=%d", t.acks, t.required)
}

// ClinicQuorum returns the quorum target for the capacity resource: every
// other peer must be accounted for.
func ClinicQuorum(peers int) int {
	return max(peers-1, 0)
}

// WindowQuorum returns the quorum target for the width-limited resource,
// which admits up to width concurrent holders.
func WindowQuorum(peers, width int) int {
	return max(peers-width, 0)
}
