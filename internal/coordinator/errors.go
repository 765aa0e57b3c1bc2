package coordinator

import (
	"errors"
	"fmt"
)

// ViolationCode categorizes protocol violations.
type ViolationCode string

const (
	// CodeUnmatchedAgree indicates an AGREE with no matching outstanding
	// request, current or just completed.
	CodeUnmatchedAgree ViolationCode = "UNMATCHED_AGREE"

	// CodeLateAgree indicates an AGREE for the request this peer completed
	// most recently. Surplus grants are routine for the window: only N-L of
	// the N-1 replies are needed.
	CodeLateAgree ViolationCode = "LATE_AGREE"

	// CodeUnknownOccupant indicates a release notice from a peer that is not
	// in the occupancy view.
	CodeUnknownOccupant ViolationCode = "UNKNOWN_OCCUPANT"

	// CodeQuorumOvercount indicates an acknowledgement arriving after the
	// quorum was already complete.
	CodeQuorumOvercount ViolationCode = "QUORUM_OVERCOUNT"
)

// Violation is a protocol-level anomaly. Peers' views are only eventually
// consistent, so violations are logged and the offending message dropped.
type Violation struct {
	Code     ViolationCode
	Resource string
	Peer     int
	Detail   string
}

// Error implements the error interface.
func (v *Violation) Error() string {
	if v.Detail != "" {
		return fmt.Sprintf("%s: %s from peer %d: %s", v.Code, v.Resource, v.Peer, v.Detail)
	}
	return fmt.Sprintf("%s: %s from peer %d", v.Code, v.Resource, v.Peer)
}

// IsLate returns true if err is a late-agree violation.
// Uses errors.As to handle wrapped errors.
func IsLate(err error) bool {
	var v *Violation
	if errors.As(err, &v) {
		return v.Code == CodeLateAgree
	}
	return false
}

// Violations flattens err, which may be joined, into its violations.
// Errors that are not violations are skipped.
func Violations(err error) []*Violation {
	if err == nil {
		return nil
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		var out []*Violation
		for _, e := range joined.Unwrap() {
			out = append(out, Violations(e)...)
		}
		return out
	}
	var v *Violation
	if errors.As(err, &v) {
		return []*Violation{v}
	}
	return nil
}

var (
	// ErrBusy is returned when a request is started while another is
	// outstanding or the resource is held.
	ErrBusy = errors.New("coordinator: request already outstanding or resource held")
	// ErrNotReady is returned by Enter before the quorum is complete.
	ErrNotReady = errors.New("coordinator: quorum not complete")
	// ErrNotHolding is returned by Release when the resource is not held.
	ErrNotHolding = errors.New("coordinator: resource not held")
)
