package agent

import "fmt"

// Phase is a state of the participant cycle.
type Phase int

const (
	AwaitingDemand Phase = iota
	RequestingA
	OccupyingA
	ReleasingA
	RequestingB
	OccupyingB
	ReleasingB
)

var phaseNames = [...]string{
	AwaitingDemand: "awaiting-demand",
	RequestingA:    "requesting-clinic",
	OccupyingA:     "in-clinic",
	ReleasingA:     "releasing-clinic",
	RequestingB:    "requesting-window",
	OccupyingB:     "at-window",
	ReleasingB:     "releasing-window",
}

// String returns the string representation of Phase.
func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return fmt.Sprintf("phase(%d)", int(p))
	}
	return phaseNames[p]
}

// Timed returns true for phases left on a local timer rather than on a
// network event.
func (p Phase) Timed() bool {
	return p == AwaitingDemand || p == OccupyingA || p == OccupyingB
}
